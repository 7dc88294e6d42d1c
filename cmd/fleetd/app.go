package main

import (
	"context"
	"fmt"
	"io"

	"github.com/vinayprograms/botfleet/backend"
	"github.com/vinayprograms/botfleet/bus"
	"github.com/vinayprograms/botfleet/config"
	"github.com/vinayprograms/botfleet/credentials"
	"github.com/vinayprograms/botfleet/logging"
	"github.com/vinayprograms/botfleet/probe"
	"github.com/vinayprograms/botfleet/provision"
	"github.com/vinayprograms/botfleet/telemetry"
	"github.com/vinayprograms/botfleet/tokens"
)

// app holds the loaded configuration and the shared logger.
type app struct {
	cfg    config.Config
	creds  *credentials.Credentials
	logger *logging.Logger
	logOut io.Closer
}

func loadApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	var creds *credentials.Credentials
	if cfg.Credentials != "" {
		creds, err = credentials.LoadFile(cfg.Credentials)
	} else {
		creds, _, err = credentials.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	logger, closer := logging.Open(cfg.Logging)
	return &app{cfg: cfg, creds: creds, logger: logger, logOut: closer}, nil
}

func (a *app) Close() error {
	return a.logOut.Close()
}

func (a *app) openStore() (tokens.Store, error) {
	if a.cfg.Main.Store == "sqlite" {
		s, err := tokens.NewSQLiteStore(a.cfg.Main.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := tokens.NewFileStore(a.cfg.Main.TokensFile, a.cfg.Main.UnavailableFile)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (a *app) openBus() (bus.MessageBus, error) {
	if a.cfg.Bus.Kind == "memory" {
		return bus.NewMemoryBus(bus.DefaultConfig()), nil
	}
	nc := bus.DefaultNATSConfig()
	nc.URL = a.cfg.Bus.URL
	nc.Name = a.cfg.Bus.Name
	b, err := bus.NewNATSBus(nc)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (a *app) newProbe(tracer *telemetry.Tracer) *probe.Probe {
	p := a.cfg.Probe
	return probe.New(probe.Config{
		BaseURL:       p.BaseURL,
		Timeout:       p.Timeout.Duration,
		Retries:       p.Retries,
		BackoffBase:   p.BackoffBase.Duration,
		RatePerSecond: p.RatePerSecond,
		Burst:         p.Burst,
	}, probe.WithLogger(a.logger), probe.WithTracer(tracer))
}

func (a *app) newGateway() (*backend.Client, error) {
	return backend.New(a.cfg.Backend.BaseURL, a.creds.ServiceToken(),
		backend.WithTimeout(a.cfg.Backend.Timeout.Duration))
}

func (a *app) newProvisioner(b bus.MessageBus, store tokens.Store, gw backend.Gateway, tracer *telemetry.Tracer) *provision.Provisioner {
	pc := a.cfg.Provision
	id, hash := a.creds.APIPair()
	dialer := &provision.BusDialer{
		Bus:          b,
		Subject:      pc.Subject,
		ReplyTimeout: pc.ReplyTimeout.Duration,
	}
	cfg := provision.DefaultConfig()
	if pc.Peer != "" {
		cfg.Peer = pc.Peer
	}
	if pc.TakenWait.Duration > 0 {
		cfg.TakenWait = pc.TakenWait.Duration
	}
	if pc.MaxAttempts > 0 {
		cfg.MaxAttempts = pc.MaxAttempts
	}
	opts := []provision.Option{provision.WithLogger(a.logger), provision.WithTracer(tracer)}
	if gw != nil {
		opts = append(opts, provision.WithGateway(gw))
	}
	return provision.New(cfg, dialer, store, provision.AppCredentials{ID: id, Hash: hash}, opts...)
}

// initTelemetry installs the tracing provider. The returned function flushes
// and stops it.
func (a *app) initTelemetry(ctx context.Context) (*telemetry.Tracer, func(context.Context) error, error) {
	t := a.cfg.Telemetry
	if t.Exporter == "" || t.Exporter == "none" {
		return telemetry.GetTracer(), func(context.Context) error { return nil }, nil
	}
	protocol := "grpc"
	if t.Exporter == "otlp-http" {
		protocol = "http"
	}
	p, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
		ServiceName:    t.ServiceName,
		ServiceVersion: version,
		Endpoint:       t.Endpoint,
		Protocol:       protocol,
		Insecure:       t.Insecure,
		SampleRate:     t.SampleRate,
	})
	if err != nil {
		return nil, nil, err
	}
	return p.Tracer(), p.Shutdown, nil
}
