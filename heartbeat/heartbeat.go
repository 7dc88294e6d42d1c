package heartbeat

import (
	"encoding/json"
	"errors"
	"time"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// SubjectPrefix is the subject prefix for heartbeat messages.
const SubjectPrefix = "heartbeat."

// SubjectAll matches every worker's heartbeats.
const SubjectAll = SubjectPrefix + "*"

// Subject returns the heartbeat subject of identity.
func Subject(identity string) string {
	return SubjectPrefix + identity
}

// Heartbeat is one beacon from a worker process.
type Heartbeat struct {
	Identity  string    `json:"identity"`
	PID       int       `json:"pid"`
	Role      string    `json:"role,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Marshal serializes a heartbeat to JSON.
func (h *Heartbeat) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

// Unmarshal deserializes a heartbeat from JSON.
func Unmarshal(data []byte) (*Heartbeat, error) {
	var h Heartbeat
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	if h.Identity == "" {
		return nil, errors.New("heartbeat without identity")
	}
	return &h, nil
}
