package procs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	ferrors "github.com/vinayprograms/botfleet/errors"
)

// ExecSpawner runs workers as OS subprocesses.
type ExecSpawner struct {
	// Command is the worker argv. It must not be empty.
	Command []string

	// Dir is the working directory. Empty means the coordinator's.
	Dir string

	// Grace is how long Stop waits after SIGTERM before SIGKILL.
	Grace time.Duration

	// Stdout and Stderr receive worker output. nil means the coordinator's.
	Stdout *os.File
	Stderr *os.File
}

// Spawn starts the worker command with the spec's environment.
func (s *ExecSpawner) Spawn(ctx context.Context, spec Spec) (Process, error) {
	if len(s.Command) == 0 {
		return nil, ferrors.InvalidInput("worker command is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, ferrors.Wrap(err, "spawn canceled")
	}

	cmd := exec.Command(s.Command[0], s.Command[1:]...)
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(), spec.Environ()...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if s.Stdout != nil {
		cmd.Stdout = s.Stdout
	}
	if s.Stderr != nil {
		cmd.Stderr = s.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, ferrors.Wrapf(err, "start worker for %s", spec.Slot)
	}

	grace := s.Grace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	p := &execProcess{
		id:      uuid.New().String(),
		spec:    spec,
		cmd:     cmd,
		grace:   grace,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

type execProcess struct {
	id      string
	spec    Spec
	cmd     *exec.Cmd
	grace   time.Duration
	started time.Time

	done    chan struct{}
	mu      sync.Mutex
	exitErr error
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) ID() string            { return p.id }
func (p *execProcess) PID() int              { return p.cmd.Process.Pid }
func (p *execProcess) Spec() Spec            { return p.spec }
func (p *execProcess) StartedAt() time.Time  { return p.started }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Stop sends SIGTERM, then SIGKILL after the grace period, and waits for exit.
func (p *execProcess) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		select {
		case <-p.done:
			return nil
		default:
		}
		_ = p.cmd.Process.Kill()
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		_ = p.cmd.Process.Kill()
	case <-ctx.Done():
		_ = p.cmd.Process.Kill()
	}

	// SIGKILL cannot be ignored; waiting here is bounded.
	<-p.done
	if ctx.Err() != nil {
		return fmt.Errorf("worker %d killed: %w", p.PID(), ctx.Err())
	}
	return nil
}
