package fleet

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	ferrors "github.com/vinayprograms/botfleet/errors"
	"github.com/vinayprograms/botfleet/logging"
	"github.com/vinayprograms/botfleet/probe"
	"github.com/vinayprograms/botfleet/procs"
	"github.com/vinayprograms/botfleet/telemetry"
	"github.com/vinayprograms/botfleet/tokens"
)

// State is the main fleet's position in its cycle.
type State int32

const (
	NoHealthyCredential State = iota
	Provisioning
	ActiveRunning
	ActiveAndFallbackRunning
)

func (s State) String() string {
	switch s {
	case Provisioning:
		return "provisioning"
	case ActiveRunning:
		return "active"
	case ActiveAndFallbackRunning:
		return "active_with_fallback"
	default:
		return "no_healthy_credential"
	}
}

// MainConfig tunes the main supervisor.
type MainConfig struct {
	CheckInterval    time.Duration
	StartupGrace     time.Duration
	ProvisionBackoff time.Duration

	// MinHealthy triggers provisioning when fewer credentials are healthy.
	MinHealthy int
}

// DefaultMainConfig returns the production settings.
func DefaultMainConfig() MainConfig {
	return MainConfig{
		CheckInterval:    60 * time.Second,
		StartupGrace:     10 * time.Second,
		ProvisionBackoff: 5 * time.Minute,
		MinHealthy:       1,
	}
}

// MainSupervisor keeps one main worker alive from the token pool.
type MainSupervisor struct {
	cfg     MainConfig
	store   tokens.Store
	checker probe.Checker
	table   *procs.Table
	options

	state atomic.Int32

	// provisioned is set when the previous cycle minted a credential.
	provisioned bool
}

// active is the worker a cycle settled on.
type active struct {
	proc  procs.Process
	token string
}

// NewMainSupervisor creates a supervisor over store.
func NewMainSupervisor(cfg MainConfig, store tokens.Store, checker probe.Checker, table *procs.Table, opts ...Option) *MainSupervisor {
	def := DefaultMainConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = def.StartupGrace
	}
	if cfg.ProvisionBackoff <= 0 {
		cfg.ProvisionBackoff = def.ProvisionBackoff
	}
	if cfg.MinHealthy <= 0 {
		cfg.MinHealthy = def.MinHealthy
	}
	return &MainSupervisor{
		cfg:     cfg,
		store:   store,
		checker: checker,
		table:   table,
		options: buildOptions(logging.CompMain, opts),
	}
}

// State returns the current state.
func (s *MainSupervisor) State() State {
	return State(s.state.Load())
}

func (s *MainSupervisor) setState(st State) {
	s.state.Store(int32(st))
	switch st {
	case NoHealthyCredential:
		s.operational.Set(false)
	case ActiveRunning, ActiveAndFallbackRunning:
		s.operational.Set(true)
	}
}

// Run supervises until ctx is cancelled. The worker is left running on
// return; the process table owns its termination.
func (s *MainSupervisor) Run(ctx context.Context) error {
	var wake <-chan struct{}
	if s.watcher != nil {
		ch, err := s.watcher.Watch(ctx)
		if err != nil {
			s.logger.Warn("token_watch_disabled", map[string]any{"error": err.Error()})
		} else {
			wake = ch
		}
	}

	for ctx.Err() == nil {
		cur, delay, err := s.safeCycle(ctx)
		if err != nil && ctx.Err() == nil {
			logFailure(s.logger, "cycle_failed", err, map[string]any{"state": s.State().String()})
		}
		if cur != nil {
			wake = s.monitor(ctx, cur, wake)
			continue
		}
		wake = s.wait(ctx, delay, wake)
	}
	return nil
}

func (s *MainSupervisor) safeCycle(ctx context.Context) (cur *active, delay time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			cur, delay, err = nil, s.cfg.CheckInterval, ferrors.RecoverPanic(r)
		}
	}()
	return s.cycle(ctx)
}

// cycle probes the pool, retires invalid credentials, provisions when short
// and starts the active worker. It returns the running worker, or the delay
// before the next cycle.
func (s *MainSupervisor) cycle(ctx context.Context) (*active, time.Duration, error) {
	ctx, span := s.tracer.StartCycleSpan(ctx, "main")
	var tally telemetry.CycleSpanOptions
	cur, delay, err := s.runCycle(ctx, &tally)
	s.tracer.EndCycleSpan(span, tally, err)
	return cur, delay, err
}

func (s *MainSupervisor) runCycle(ctx context.Context, tally *telemetry.CycleSpanOptions) (*active, time.Duration, error) {
	pool, err := s.store.ListAvailable(ctx)
	if err != nil {
		return nil, s.cfg.CheckInterval, ferrors.Wrap(err, "list credentials")
	}

	type candidate struct {
		token    string
		identity string
	}
	var healthy []candidate
	for i, res := range probeAll(ctx, s.checker, pool) {
		switch res.Health {
		case probe.Healthy:
			tally.Healthy++
			healthy = append(healthy, candidate{token: pool[i], identity: res.Identity})
		case probe.Invalid:
			tally.Invalid++
			s.retire(ctx, pool[i])
		default:
			tally.Unreachable++
		}
	}
	if ctx.Err() != nil {
		return nil, 0, ctx.Err()
	}

	// At most one provision per cycle run: a freshly minted credential that
	// still leaves the pool short waits out the backoff instead of minting again.
	justProvisioned := s.provisioned
	s.provisioned = false
	if len(healthy) < s.cfg.MinHealthy {
		var err error
		if justProvisioned {
			err = ferrors.ProvisioningFailed("provisioned credential not healthy yet")
		} else {
			s.setState(Provisioning)
			if err = s.provision(ctx); err == nil {
				s.provisioned = true
				return nil, 0, nil
			}
		}
		if len(healthy) == 0 {
			s.setState(NoHealthyCredential)
			return nil, s.cfg.ProvisionBackoff, err
		}
		s.logger.Warn("fleet_below_minimum", map[string]any{
			"healthy": len(healthy),
			"minimum": s.cfg.MinHealthy,
			"error":   err.Error(),
		})
	}

	act := healthy[0]
	spec := procs.Spec{
		Slot:     procs.MainSlot,
		Token:    act.token,
		Identity: act.identity,
	}
	if len(healthy) > 1 {
		spec.FallbackIdentity = healthy[1].identity
	}

	if err := s.table.Stop(ctx, procs.MainSlot, "reselect"); err != nil {
		return nil, s.cfg.CheckInterval, err
	}
	p, err := s.table.Start(ctx, spec)
	if err != nil {
		return nil, s.cfg.CheckInterval, err
	}
	tally.Started++

	up, err := awaitStartup(ctx, p, s.cfg.StartupGrace)
	if err != nil {
		return nil, 0, err
	}
	if !up {
		s.table.Forget(procs.MainSlot)
		crash := ferrors.ProcessCrash(act.identity, ferrors.WithCause(p.ExitErr()))
		return nil, s.cfg.StartupGrace, crash
	}

	if spec.FallbackIdentity != "" {
		s.setState(ActiveAndFallbackRunning)
	} else {
		s.setState(ActiveRunning)
	}
	s.logger.Info("main_active", map[string]any{
		"identity": spec.Identity,
		"fallback": spec.FallbackIdentity,
		"pid":      p.PID(),
	})
	return &active{proc: p, token: act.token}, 0, nil
}

func (s *MainSupervisor) provision(ctx context.Context) error {
	if s.minter == nil {
		return ferrors.ProvisioningFailed("no provisioner configured")
	}
	_, err := s.minter.ProvisionMain(ctx)
	return err
}

func (s *MainSupervisor) retire(ctx context.Context, token string) {
	if err := s.store.MarkUnavailable(ctx, token); err != nil {
		s.logger.Error("retire_failed", map[string]any{
			"token": logging.Redact(token),
			"error": err.Error(),
		})
		return
	}
	s.logger.CredentialRetired(token)
}

// monitor watches the active worker until it must be replaced. It returns
// wake, or nil once the watch feed has closed.
func (s *MainSupervisor) monitor(ctx context.Context, cur *active, wake <-chan struct{}) <-chan struct{} {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	identity := cur.proc.Spec().Identity
	for {
		select {
		case <-ctx.Done():
			return wake
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		case <-cur.proc.Done():
			s.logger.Warn("main_exited", map[string]any{
				"identity": identity,
				"error":    fmt.Sprint(cur.proc.ExitErr()),
			})
			s.table.Forget(procs.MainSlot)
			return wake
		case <-ticker.C:
			res := s.checker.Check(ctx, cur.token)
			switch {
			case res.Health == probe.Invalid:
				s.stop(ctx, "credential_invalid")
				s.retire(ctx, cur.token)
				return wake
			case res.Health == probe.Unreachable:
				// Keep running; the next tick retries.
			case s.liveness != nil && s.liveness.Hung(identity, cur.proc.PID()):
				s.stop(ctx, "heartbeat_stale")
				return wake
			}
		}
	}
}

func (s *MainSupervisor) stop(ctx context.Context, reason string) {
	if err := s.table.Stop(ctx, procs.MainSlot, reason); err != nil {
		s.logger.Error("stop_failed", map[string]any{"reason": reason, "error": err.Error()})
	}
}

func (s *MainSupervisor) wait(ctx context.Context, d time.Duration, wake <-chan struct{}) <-chan struct{} {
	if d <= 0 {
		return wake
	}
	deadline := time.Now().Add(d)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case _, ok := <-wake:
		if !ok {
			return s.wait(ctx, time.Until(deadline), nil)
		}
		s.logger.Info("token_pool_changed")
	}
	return wake
}
