package fleet

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/botfleet/backend"
	ferrors "github.com/vinayprograms/botfleet/errors"
	"github.com/vinayprograms/botfleet/logging"
	"github.com/vinayprograms/botfleet/probe"
	"github.com/vinayprograms/botfleet/procs"
	"github.com/vinayprograms/botfleet/telemetry"
)

// ReferralConfig tunes the referral supervisor.
type ReferralConfig struct {
	CheckInterval time.Duration
	StartupGrace  time.Duration

	// Concurrency bounds how many owners are reconciled at once.
	Concurrency int
}

// DefaultReferralConfig returns the production settings.
func DefaultReferralConfig() ReferralConfig {
	return ReferralConfig{
		CheckInterval: 60 * time.Second,
		StartupGrace:  10 * time.Second,
		Concurrency:   8,
	}
}

// ReferralSupervisor keeps at most one worker per referral owner.
type ReferralSupervisor struct {
	cfg     ReferralConfig
	gateway backend.Gateway
	checker probe.Checker
	table   *procs.Table
	options

	mu     sync.Mutex
	owners map[int64]*sync.Mutex
}

// NewReferralSupervisor creates a supervisor over the backend's referral
// records.
func NewReferralSupervisor(cfg ReferralConfig, gateway backend.Gateway, checker probe.Checker, table *procs.Table, opts ...Option) *ReferralSupervisor {
	def := DefaultReferralConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = def.StartupGrace
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	return &ReferralSupervisor{
		cfg:     cfg,
		gateway: gateway,
		checker: checker,
		table:   table,
		options: buildOptions(logging.CompReferral, opts),
		owners:  make(map[int64]*sync.Mutex),
	}
}

// Run reconciles immediately and then every CheckInterval until ctx is
// cancelled.
func (s *ReferralSupervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		if err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
			logFailure(s.logger, "reconcile_failed", err, nil)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ownerTally accumulates one owner's contribution to the cycle span.
type ownerTally struct {
	healthy, invalid, unreachable, started, stopped int
}

// Reconcile runs one pass over every owner. A backend failure skips the
// pass; failures for one owner are logged and do not affect the others.
func (s *ReferralSupervisor) Reconcile(ctx context.Context) (err error) {
	ctx, span := s.tracer.StartCycleSpan(ctx, "referral")
	var (
		tallyMu sync.Mutex
		tally   telemetry.CycleSpanOptions
	)
	defer func() { s.tracer.EndCycleSpan(span, tally, err) }()

	records, err := s.gateway.ListBots(ctx, backend.Filter{Type: backend.TypeReferral})
	if err != nil {
		return ferrors.Wrap(err, "list referral bots")
	}

	byID := make(map[int64]backend.BotRecord, len(records))
	byOwner := make(map[int64][]backend.BotRecord)
	for _, r := range records {
		byID[r.ID] = r
		if r.IsActive {
			byOwner[r.OwnerID] = append(byOwner[r.OwnerID], r)
		}
	}
	for _, slot := range s.table.Slots() {
		if slot.Role == procs.RoleReferral {
			if _, ok := byOwner[slot.Owner]; !ok {
				byOwner[slot.Owner] = nil
			}
		}
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for owner, recs := range byOwner {
		g.Go(func() error {
			t := s.reconcileOwnerSafe(ctx, owner, recs, byID)
			tallyMu.Lock()
			tally.Healthy += t.healthy
			tally.Invalid += t.invalid
			tally.Unreachable += t.unreachable
			tally.Started += t.started
			tally.Stopped += t.stopped
			tallyMu.Unlock()
			return nil
		})
	}
	g.Wait()
	return nil
}

func (s *ReferralSupervisor) ownerLock(owner int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.owners[owner]
	if !ok {
		m = &sync.Mutex{}
		s.owners[owner] = m
	}
	return m
}

func (s *ReferralSupervisor) reconcileOwnerSafe(ctx context.Context, owner int64, recs []backend.BotRecord, byID map[int64]backend.BotRecord) (t ownerTally) {
	lock := s.ownerLock(owner)
	lock.Lock()
	defer lock.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err := ferrors.RecoverPanic(r)
			s.logger.Error("owner_reconcile_panic", map[string]any{"owner": owner, "error": err.Error()})
		}
	}()
	if err := s.reconcileOwner(ctx, owner, recs, byID, &t); err != nil && ctx.Err() == nil {
		logFailure(s.logger, "owner_reconcile_failed", err, map[string]any{"owner": owner})
	}
	return t
}

// reconcileOwner verifies the owner's running worker and, when none is
// left, starts the best healthy candidate. The old worker is always stopped
// before a new one starts.
func (s *ReferralSupervisor) reconcileOwner(ctx context.Context, owner int64, recs []backend.BotRecord, byID map[int64]backend.BotRecord, t *ownerTally) error {
	slot := procs.OwnerSlot(owner)
	skip := make(map[int64]bool)

	if p, ok := s.table.Running(slot); ok {
		spec := p.Spec()
		rec, found := byID[spec.RecordID]
		reason := ""
		switch {
		case !found:
			reason = "record_removed"
		case !rec.IsActive:
			reason = "record_inactive"
		default:
			res := s.checker.Check(ctx, rec.Token)
			switch {
			case res.Health == probe.Invalid:
				t.invalid++
				reason = "credential_invalid"
				skip[rec.ID] = true
			case res.Health == probe.Unreachable:
				t.unreachable++
				return nil
			case s.liveness != nil && s.liveness.Hung(spec.Identity, p.PID()):
				t.healthy++
				reason = "heartbeat_stale"
			default:
				t.healthy++
				return nil
			}
		}

		if err := s.table.Stop(ctx, slot, reason); err != nil {
			return err
		}
		t.stopped++
		if skip[rec.ID] {
			s.deactivate(ctx, rec)
		}
	} else {
		s.table.Forget(slot)
	}

	return s.startCandidate(ctx, owner, recs, skip, t)
}

// startCandidate starts the primary record if healthy, otherwise the first
// healthy reserve by id.
func (s *ReferralSupervisor) startCandidate(ctx context.Context, owner int64, recs []backend.BotRecord, skip map[int64]bool, t *ownerTally) error {
	ordered := append([]backend.BotRecord(nil), recs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].IsPrimary != ordered[j].IsPrimary {
			return ordered[i].IsPrimary
		}
		return ordered[i].ID < ordered[j].ID
	})

	for _, rec := range ordered {
		if skip[rec.ID] || rec.Token == "" {
			continue
		}
		res := s.checker.Check(ctx, rec.Token)
		switch res.Health {
		case probe.Invalid:
			t.invalid++
			s.deactivate(ctx, rec)
			continue
		case probe.Unreachable:
			t.unreachable++
			continue
		}
		t.healthy++

		p, err := s.table.Start(ctx, procs.Spec{
			Slot:     procs.OwnerSlot(owner),
			Token:    rec.Token,
			Identity: res.Identity,
			RecordID: rec.ID,
		})
		if err != nil {
			return err
		}
		t.started++

		up, err := awaitStartup(ctx, p, s.cfg.StartupGrace)
		if err != nil {
			return err
		}
		if !up {
			s.table.Forget(procs.OwnerSlot(owner))
			return ferrors.ProcessCrash(res.Identity,
				ferrors.WithOwner(strconv.FormatInt(owner, 10)),
				ferrors.WithRecord(strconv.FormatInt(rec.ID, 10)),
				ferrors.WithCause(p.ExitErr()))
		}
		return nil
	}

	if len(recs) > 0 {
		s.logger.Warn("owner_without_healthy_bot", map[string]any{
			"owner":   owner,
			"records": len(recs),
		})
	}
	return nil
}

// deactivate marks rec inactive in the backend.
func (s *ReferralSupervisor) deactivate(ctx context.Context, rec backend.BotRecord) {
	if err := s.gateway.SetActive(ctx, rec.ID, false); err != nil {
		s.logger.Error("deactivate_failed", map[string]any{
			"record": rec.ID,
			"error":  err.Error(),
		})
		return
	}
	s.logger.CredentialRetired(rec.Token)
}
