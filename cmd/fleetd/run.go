package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/botfleet/fleet"
	"github.com/vinayprograms/botfleet/heartbeat"
	"github.com/vinayprograms/botfleet/logging"
	"github.com/vinayprograms/botfleet/procs"
	"github.com/vinayprograms/botfleet/relay"
	"github.com/vinayprograms/botfleet/shutdown"
	"github.com/vinayprograms/botfleet/tokens"
)

func newRunCmd(load func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the supervisors and the dispatch relay until signalled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return &exitError{Code: 2, Err: err}
			}
			defer a.Close()
			return runFleet(cmd.Context(), a)
		},
	}
}

// runFleet wires every component, runs until SIGINT/SIGTERM or a fatal loop
// error, then tears down relay, loops, workers and infrastructure in order.
func runFleet(parent context.Context, a *app) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg := a.cfg
	log := a.logger

	coord := shutdown.NewCoordinator(shutdown.Config{
		OnProgress: func(hr shutdown.HandlerResult) {
			fields := map[string]any{"handler": hr.Name, "phase": hr.Phase, "duration": hr.Duration.String()}
			if hr.Err != nil {
				fields["error"] = hr.Err.Error()
				log.Warn("shutdown_step", fields)
				return
			}
			log.Info("shutdown_step", fields)
		},
	})
	ctx, stopSignals := coord.NotifyContext(parent)
	defer stopSignals()

	tracer, stopTracing, err := a.initTelemetry(ctx)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	coord.RegisterFunc("telemetry", shutdown.PhaseInfra, stopTracing)

	// fail releases whatever was opened before a wiring error.
	fail := func(format string, args ...any) error {
		coord.ShutdownWithTimeout(0)
		return fmt.Errorf(format, args...)
	}

	b, err := a.openBus()
	if err != nil {
		return fail("bus: %w", err)
	}
	coord.RegisterFunc("bus", shutdown.PhaseInfra, func(context.Context) error { return b.Close() })

	gw, err := a.newGateway()
	if err != nil {
		return fail("backend: %w", err)
	}
	checker := a.newProbe(tracer)

	table := procs.NewTable(&procs.ExecSpawner{
		Command: cfg.Worker.Command,
		Dir:     cfg.Worker.Dir,
		Grace:   cfg.Worker.TerminateGrace.Duration,
	}, log)
	coord.RegisterFunc("workers", shutdown.PhaseWorkers, func(ctx context.Context) error {
		return table.StopAll(ctx, "shutdown")
	})

	operational := fleet.NewOperational()
	opts := []fleet.Option{
		fleet.WithLogger(log),
		fleet.WithTracer(tracer),
		fleet.WithOperational(operational),
	}
	if cfg.Heartbeat.Enabled {
		mon, err := heartbeat.NewBusMonitor(heartbeat.MonitorConfig{Bus: b, Timeout: cfg.Heartbeat.Timeout.Duration})
		if err != nil {
			return fail("heartbeat monitor: %w", err)
		}
		if err := mon.Start(); err != nil {
			return fail("heartbeat monitor: %w", err)
		}
		coord.RegisterFunc("heartbeats", shutdown.PhaseInfra, func(context.Context) error { return mon.Stop() })
		opts = append(opts, fleet.WithLiveness(mon))
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	g, gctx := errgroup.WithContext(loopCtx)

	if cfg.Main.Enabled {
		store, err := a.openStore()
		if err != nil {
			return fail("token store: %w", err)
		}
		coord.RegisterFunc("tokens", shutdown.PhaseInfra, func(context.Context) error { return store.Close() })

		mainOpts := append([]fleet.Option{}, opts...)
		if cfg.Provision.Enabled {
			mainOpts = append(mainOpts, fleet.WithMinter(a.newProvisioner(b, store, gw, tracer)))
		}
		if w, ok := store.(tokens.Watcher); ok {
			mainOpts = append(mainOpts, fleet.WithWatcher(w))
		}
		sup := fleet.NewMainSupervisor(fleet.MainConfig{
			CheckInterval:    cfg.Main.CheckInterval.Duration,
			StartupGrace:     cfg.Main.StartupGrace.Duration,
			ProvisionBackoff: cfg.Main.ProvisionBackoff.Duration,
			MinHealthy:       cfg.Main.MinHealthy,
		}, store, checker, table, mainOpts...)
		g.Go(func() error { return sup.Run(gctx) })
	}

	if cfg.Referral.Enabled {
		sup := fleet.NewReferralSupervisor(fleet.ReferralConfig{
			CheckInterval: cfg.Referral.CheckInterval.Duration,
			StartupGrace:  cfg.Referral.StartupGrace.Duration,
			Concurrency:   cfg.Referral.Concurrency,
		}, gw, checker, table, opts...)
		g.Go(func() error { return sup.Run(gctx) })
	}

	if cfg.Relay.Enabled {
		srv := relay.New(relay.Config{
			Listen:       cfg.Relay.Listen,
			Secret:       a.creds.RelaySecret(),
			MaxBodyBytes: cfg.Relay.MaxBodyBytes,
		}, b, relay.WithStatus(operational), relay.WithLogger(log), relay.WithTracer(tracer))
		coord.RegisterFunc("relay", shutdown.PhaseIntake, srv.Shutdown)
		g.Go(func() error { return srv.Start(gctx) })
	}

	loopErr := make(chan error, 1)
	go func() { loopErr <- g.Wait() }()

	var runErr error
	coord.RegisterFunc("supervisors", shutdown.PhaseSupervisors, func(ctx context.Context) error {
		cancelLoops()
		select {
		case runErr = <-loopErr:
			if errors.Is(runErr, context.Canceled) {
				runErr = nil
			}
			return runErr
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	log.WithComponent(logging.CompMain).Info("fleet_started", map[string]any{
		"main":     cfg.Main.Enabled,
		"referral": cfg.Referral.Enabled,
		"relay":    cfg.Relay.Enabled,
	})
	<-gctx.Done()

	if err := coord.ShutdownWithTimeout(0); err != nil {
		log.Error("shutdown_incomplete", map[string]any{
			"error":  err.Error(),
			"failed": coord.Result().FailedHandlers(),
		})
	}
	return runErr
}
