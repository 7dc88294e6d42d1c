package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// --- Unit Tests ---

func TestCoordinator_PhaseOrder(t *testing.T) {
	c := NewCoordinator(DefaultConfig())

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	c.RegisterFunc("infra", PhaseInfra, record("infra"))
	c.RegisterFunc("workers", PhaseWorkers, record("workers"))
	c.RegisterFunc("relay", PhaseIntake, record("relay"))
	c.RegisterFunc("loops", PhaseSupervisors, record("loops"))

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	want := []string{"relay", "loops", "workers", "infra"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestCoordinator_SamePhaseConcurrent(t *testing.T) {
	c := NewCoordinator(DefaultConfig())
	var wg sync.WaitGroup
	wg.Add(2)
	both := make(chan struct{})
	go func() { wg.Wait(); close(both) }()

	wait := func(context.Context) error {
		wg.Done()
		select {
		case <-both:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("peer handler never ran")
		}
	}
	c.RegisterFunc("a", PhaseWorkers, wait)
	c.RegisterFunc("b", PhaseWorkers, wait)

	if err := c.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestCoordinator_FailureContinues(t *testing.T) {
	c := NewCoordinator(DefaultConfig())
	ran := false
	c.RegisterFunc("bad", PhaseIntake, func(context.Context) error { return errors.New("boom") })
	c.RegisterFunc("later", PhaseInfra, func(context.Context) error { ran = true; return nil })

	err := c.Shutdown(context.Background())
	if !errors.Is(err, ErrHandlerFailed) {
		t.Errorf("Shutdown = %v, want ErrHandlerFailed", err)
	}
	if !ran {
		t.Error("later phase skipped after a failure")
	}
	if failed := c.Result().FailedHandlers(); len(failed) != 1 || failed[0] != "bad" {
		t.Errorf("FailedHandlers = %v", failed)
	}
}

func TestCoordinator_Once(t *testing.T) {
	c := NewCoordinator(DefaultConfig())
	if c.Result() != nil {
		t.Error("Result before shutdown should be nil")
	}
	c.Shutdown(context.Background())
	if err := c.Shutdown(context.Background()); !errors.Is(err, ErrAlreadyShutdown) {
		t.Errorf("second Shutdown = %v", err)
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestCoordinator_Timeout(t *testing.T) {
	c := NewCoordinator(DefaultConfig())
	laterRan := false
	c.RegisterFunc("slow", PhaseWorkers, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	c.RegisterFunc("later", PhaseInfra, func(context.Context) error { laterRan = true; return nil })

	err := c.ShutdownWithTimeout(50 * time.Millisecond)
	if !errors.Is(err, ErrHandlerFailed) && !errors.Is(err, ErrTimeout) {
		t.Errorf("Shutdown = %v", err)
	}
	if laterRan {
		t.Error("phase ran after the deadline")
	}
}

func TestCoordinator_OnProgress(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	c := NewCoordinator(Config{OnProgress: func(hr HandlerResult) {
		mu.Lock()
		seen = append(seen, hr.Name)
		mu.Unlock()
	}})
	c.RegisterFunc("a", PhaseIntake, func(context.Context) error { return nil })
	c.Shutdown(context.Background())
	if len(seen) != 1 || seen[0] != "a" {
		t.Errorf("progress = %v", seen)
	}
}
