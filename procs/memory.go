package procs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrExited is the exit error of a MemoryProcess ended by Exit.
var ErrExited = errors.New("process exited")

// MemorySpawner is an in-process Spawner for tests. It records every spawn
// and the peak number of simultaneously live processes per slot.
type MemorySpawner struct {
	mu      sync.Mutex
	nextPID int
	procs   []*MemoryProcess
	crash   map[string]bool
	err     error
	peak    map[Slot]int
}

// NewMemorySpawner creates an empty spawner.
func NewMemorySpawner() *MemorySpawner {
	return &MemorySpawner{
		nextPID: 1000,
		crash:   make(map[string]bool),
		peak:    make(map[Slot]int),
	}
}

// CrashOnStart makes processes started with token exit immediately.
func (m *MemorySpawner) CrashOnStart(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.crash[token] = true
}

// SetErr makes Spawn fail with err. nil clears it.
func (m *MemorySpawner) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Spawn creates a MemoryProcess.
func (m *MemorySpawner) Spawn(ctx context.Context, spec Spec) (Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.nextPID++
	p := &MemoryProcess{
		id:      uuid.New().String(),
		pid:     m.nextPID,
		spec:    spec,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	m.procs = append(m.procs, p)
	if m.crash[spec.Token] {
		p.finish(ErrExited)
	}

	live := 0
	for _, q := range m.procs {
		if q.spec.Slot == spec.Slot && Alive(q) {
			live++
		}
	}
	if live > m.peak[spec.Slot] {
		m.peak[spec.Slot] = live
	}
	return p, nil
}

// Spawned returns every process ever started, oldest first.
func (m *MemorySpawner) Spawned() []*MemoryProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MemoryProcess(nil), m.procs...)
}

// Live returns the live processes of slot.
func (m *MemorySpawner) Live(slot Slot) []*MemoryProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*MemoryProcess
	for _, p := range m.procs {
		if p.spec.Slot == slot && Alive(p) {
			out = append(out, p)
		}
	}
	return out
}

// Peak returns the most processes ever live at once in slot.
func (m *MemorySpawner) Peak(slot Slot) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak[slot]
}

// MemoryProcess is a fake worker.
type MemoryProcess struct {
	id      string
	pid     int
	spec    Spec
	started time.Time

	once    sync.Once
	done    chan struct{}
	mu      sync.Mutex
	exitErr error
	stopped bool
}

func (p *MemoryProcess) ID() string            { return p.id }
func (p *MemoryProcess) PID() int              { return p.pid }
func (p *MemoryProcess) Spec() Spec            { return p.spec }
func (p *MemoryProcess) StartedAt() time.Time  { return p.started }
func (p *MemoryProcess) Done() <-chan struct{} { return p.done }

func (p *MemoryProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Exit simulates the worker dying on its own.
func (p *MemoryProcess) Exit() {
	p.finish(ErrExited)
}

// Stopped reports whether the process was ended by Stop.
func (p *MemoryProcess) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Stop ends the process.
func (p *MemoryProcess) Stop(ctx context.Context) error {
	if Alive(p) {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
	}
	p.finish(nil)
	return nil
}

func (p *MemoryProcess) finish(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
	})
}
