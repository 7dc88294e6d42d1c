// Package procs owns worker subprocesses. A Table holds at most one live
// process per slot, where a slot is a role plus an optional owner.
package procs

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Role is the fleet a worker belongs to.
type Role string

const (
	RoleMain     Role = "main"
	RoleReferral Role = "referral"
)

// Environment variables handed to every worker.
const (
	EnvToken            = "BOT_TOKEN"
	EnvRole             = "BOT_ROLE"
	EnvUsername         = "BOT_USERNAME"
	EnvFallbackUsername = "FALLBACK_BOT_USERNAME"
	EnvOwnerID          = "BOT_OWNER_ID"
	EnvRecordID         = "BOT_RECORD_ID"
)

// Slot identifies a position that at most one worker may fill.
type Slot struct {
	Role  Role
	Owner int64
}

// MainSlot is the single main-fleet slot.
var MainSlot = Slot{Role: RoleMain}

// OwnerSlot returns the referral slot of owner.
func OwnerSlot(owner int64) Slot {
	return Slot{Role: RoleReferral, Owner: owner}
}

func (s Slot) String() string {
	if s.Role == RoleReferral {
		return fmt.Sprintf("%s:%d", s.Role, s.Owner)
	}
	return string(s.Role)
}

// Spec describes a worker to start.
type Spec struct {
	Slot     Slot
	Token    string
	Identity string

	// FallbackIdentity is the handle of the standby main bot, if any.
	FallbackIdentity string

	// RecordID is the backend record the worker runs for. Zero for main
	// workers started from the token pool.
	RecordID int64

	// Env holds extra environment variables.
	Env map[string]string
}

// Environ returns the worker's environment additions as KEY=VALUE pairs.
func (s Spec) Environ() []string {
	env := []string{
		EnvToken + "=" + s.Token,
		EnvRole + "=" + string(s.Slot.Role),
		EnvUsername + "=" + s.Identity,
	}
	if s.FallbackIdentity != "" {
		env = append(env, EnvFallbackUsername+"="+s.FallbackIdentity)
	}
	if s.Slot.Role == RoleReferral {
		env = append(env, EnvOwnerID+"="+strconv.FormatInt(s.Slot.Owner, 10))
	}
	if s.RecordID != 0 {
		env = append(env, EnvRecordID+"="+strconv.FormatInt(s.RecordID, 10))
	}
	for k, v := range s.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// Process is a running or finished worker.
type Process interface {
	// ID is unique per spawn.
	ID() string
	PID() int
	Spec() Spec
	StartedAt() time.Time

	// Done is closed when the process exits.
	Done() <-chan struct{}

	// ExitErr is the exit error once Done is closed.
	ExitErr() error

	// Stop terminates the process and waits for it to exit.
	Stop(ctx context.Context) error
}

// Alive reports whether p has not exited.
func Alive(p Process) bool {
	select {
	case <-p.Done():
		return false
	default:
		return true
	}
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Process, error)
}
