package procs

import (
	"context"
	"sort"
	"sync"

	ferrors "github.com/vinayprograms/botfleet/errors"
	"github.com/vinayprograms/botfleet/logging"
)

// Table tracks the live worker of every slot. A slot is released only after
// its process has exited, so a replacement can never overlap its predecessor.
type Table struct {
	spawner Spawner
	logger  *logging.Logger

	mu    sync.Mutex
	procs map[Slot]Process
}

// NewTable creates a table that starts workers with spawner.
func NewTable(spawner Spawner, logger *logging.Logger) *Table {
	if logger == nil {
		logger = logging.New()
	}
	return &Table{
		spawner: spawner,
		logger:  logger.WithComponent(logging.CompProcs),
		procs:   make(map[Slot]Process),
	}
}

// Start spawns a worker for spec.Slot. It fails with SLOT_OCCUPIED when the
// slot already holds a live process.
func (t *Table) Start(ctx context.Context, spec Spec) (Process, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.procs[spec.Slot]; ok {
		if Alive(cur) {
			return nil, ferrors.SlotOccupied(spec.Slot.String(), ferrors.WithIdentity(cur.Spec().Identity))
		}
		delete(t.procs, spec.Slot)
	}

	p, err := t.spawner.Spawn(ctx, spec)
	if err != nil {
		return nil, err
	}
	t.procs[spec.Slot] = p
	t.logger.WorkerStarted(spec.Identity, spec.Slot.String(), p.PID())
	return p, nil
}

// Get returns the process holding slot, live or exited.
func (t *Table) Get(slot Slot) (Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[slot]
	return p, ok
}

// Running returns the live process of slot.
func (t *Table) Running(slot Slot) (Process, bool) {
	p, ok := t.Get(slot)
	if !ok || !Alive(p) {
		return nil, false
	}
	return p, true
}

// Stop terminates the worker in slot and releases the slot once it exited.
// Stopping an empty slot is a no-op.
func (t *Table) Stop(ctx context.Context, slot Slot, reason string) error {
	p, ok := t.Get(slot)
	if !ok {
		return nil
	}

	err := p.Stop(ctx)

	t.mu.Lock()
	if cur, ok := t.procs[slot]; ok && cur.ID() == p.ID() {
		delete(t.procs, slot)
	}
	t.mu.Unlock()

	t.logger.WorkerStopped(p.Spec().Identity, reason)
	return err
}

// Forget drops an exited process from slot without signalling it.
func (t *Table) Forget(slot Slot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.procs[slot]; ok && !Alive(p) {
		delete(t.procs, slot)
	}
}

// Slots returns every occupied slot whose process is still alive, main
// first then referral owners in ascending order.
func (t *Table) Slots() []Slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Slot, 0, len(t.procs))
	for s, p := range t.procs {
		if Alive(p) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role == RoleMain
		}
		return out[i].Owner < out[j].Owner
	})
	return out
}

// StopAll terminates every worker concurrently and waits for all of them.
func (t *Table) StopAll(ctx context.Context, reason string) error {
	t.mu.Lock()
	slots := make([]Slot, 0, len(t.procs))
	for s := range t.procs {
		slots = append(slots, s)
	}
	t.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range slots {
		wg.Add(1)
		go func(s Slot) {
			defer wg.Done()
			if err := t.Stop(ctx, s, reason); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	return ferrors.Join(errs...)
}
