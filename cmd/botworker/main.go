// Command botworker is the reference worker process started by fleetd. It
// resolves its bot identity, applies dispatch notifications addressed to it
// and publishes heartbeats until terminated.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/botfleet/backend"
	"github.com/vinayprograms/botfleet/botapi"
	"github.com/vinayprograms/botfleet/bus"
	"github.com/vinayprograms/botfleet/config"
	"github.com/vinayprograms/botfleet/credentials"
	"github.com/vinayprograms/botfleet/dispatch"
	"github.com/vinayprograms/botfleet/heartbeat"
	"github.com/vinayprograms/botfleet/logging"
	"github.com/vinayprograms/botfleet/procs"
	"github.com/vinayprograms/botfleet/state"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "botworker",
		Short:         "Serve one bot identity for the fleet",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			var creds *credentials.Credentials
			if cfg.Credentials != "" {
				creds, err = credentials.LoadFile(cfg.Credentials)
			} else {
				creds, _, err = credentials.Load()
			}
			if err != nil {
				return err
			}
			logger, closer := logging.Open(cfg.Logging)
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, creds, os.Getenv, logger.WithComponent(logging.CompWorker))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("FLEET_CONFIG"), "path to the TOML config file")
	return cmd
}

// workerEnv is the environment contract with the coordinator.
type workerEnv struct {
	token    string
	role     string
	username string
	fallback string
}

func readEnv(getenv func(string) string) (workerEnv, error) {
	env := workerEnv{
		token:    getenv(procs.EnvToken),
		role:     getenv(procs.EnvRole),
		username: getenv(procs.EnvUsername),
		fallback: getenv(procs.EnvFallbackUsername),
	}
	if env.token == "" {
		return env, fmt.Errorf("%s is not set", procs.EnvToken)
	}
	if env.role == "" {
		env.role = string(procs.RoleMain)
	}
	return env, nil
}

// run serves until ctx is cancelled.
func run(ctx context.Context, cfg config.Config, creds *credentials.Credentials, getenv func(string) string, logger *logging.Logger) error {
	env, err := readEnv(getenv)
	if err != nil {
		return err
	}

	client, err := botapi.New(env.token, botapi.WithBaseURL(cfg.Probe.BaseURL))
	if err != nil {
		return err
	}
	bot, err := botapi.NewMessenger(env.token, botapi.WithBaseURL(cfg.Probe.BaseURL))
	if err != nil {
		return err
	}
	identity := env.username
	if me, err := client.GetMe(ctx); err == nil {
		identity = me.Username
	} else if identity == "" {
		return fmt.Errorf("resolve identity: %w", err)
	}

	b, err := openBus(cfg)
	if err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	defer b.Close()

	store, err := openState(ctx, cfg, b)
	if err != nil {
		return fmt.Errorf("state: %w", err)
	}
	defer store.Close()

	opts := []dispatch.ConsumerOption{
		dispatch.WithWorkflows(state.NewWorkflows(store)),
		dispatch.WithLogger(logger),
	}
	if gw, err := backend.New(cfg.Backend.BaseURL, creds.ServiceToken(), backend.WithTimeout(cfg.Backend.Timeout.Duration)); err == nil {
		opts = append(opts, dispatch.WithBlockReporter(gw))
	} else {
		logger.Warn("block_reporting_disabled", map[string]any{"error": err.Error()})
	}
	consumer := dispatch.NewConsumer(identity, bot, opts...)

	logger.Info("worker_ready", map[string]any{
		"identity": identity,
		"role":     env.role,
		"fallback": env.fallback,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx, b) })
	if cfg.Heartbeat.Enabled {
		sender, err := heartbeat.NewBusSender(heartbeat.SenderConfig{
			Bus:      b,
			Identity: identity,
			PID:      os.Getpid(),
			Role:     env.role,
			Interval: cfg.Heartbeat.Interval.Duration,
		})
		if err != nil {
			return err
		}
		if err := sender.Start(gctx); err != nil {
			return err
		}
		defer sender.Stop()
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openBus(cfg config.Config) (bus.MessageBus, error) {
	if cfg.Bus.Kind == "memory" {
		return bus.NewMemoryBus(bus.DefaultConfig()), nil
	}
	nc := bus.DefaultNATSConfig()
	nc.URL = cfg.Bus.URL
	nc.Name = "botworker"
	b, err := bus.NewNATSBus(nc)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func openState(ctx context.Context, cfg config.Config, b bus.MessageBus) (state.Store, error) {
	nb, ok := b.(*bus.NATSBus)
	if cfg.State.Kind != "nats" || !ok {
		return state.NewMemoryStore(), nil
	}
	sc := state.DefaultNATSStoreConfig()
	sc.Conn = nb.Conn()
	if cfg.State.Bucket != "" {
		sc.Bucket = cfg.State.Bucket
	}
	s, err := state.NewNATSStore(ctx, sc)
	if err != nil {
		return nil, err
	}
	return s, nil
}
