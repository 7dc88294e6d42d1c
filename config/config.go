// Package config loads the coordinator configuration from TOML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/botfleet/logging"
)

// Duration is a time.Duration that decodes from strings like "60s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full coordinator configuration.
type Config struct {
	Main      MainConfig      `toml:"main"`
	Referral  ReferralConfig  `toml:"referral"`
	Probe     ProbeConfig     `toml:"probe"`
	Backend   BackendConfig   `toml:"backend"`
	Relay     RelayConfig     `toml:"relay"`
	Bus       BusConfig       `toml:"bus"`
	State     StateConfig     `toml:"state"`
	Worker    WorkerConfig    `toml:"worker"`
	Provision ProvisionConfig `toml:"provision"`
	Heartbeat HeartbeatConfig `toml:"heartbeat"`
	Logging   logging.Config  `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`

	// Credentials is the secrets file path. Empty means standard locations.
	Credentials string `toml:"credentials"`
}

// MainConfig configures the main fleet supervisor and its credential store.
type MainConfig struct {
	Enabled bool `toml:"enabled"`

	// Store selects the credential registry: "file" or "sqlite".
	Store           string `toml:"store"`
	TokensFile      string `toml:"tokens_file"`
	UnavailableFile string `toml:"unavailable_file"`
	SQLitePath      string `toml:"sqlite_path"`

	CheckInterval    Duration `toml:"check_interval"`
	StartupGrace     Duration `toml:"startup_grace"`
	ProvisionBackoff Duration `toml:"provision_backoff"`
	MinHealthy       int      `toml:"min_healthy"`
}

// ReferralConfig configures the per-owner supervisor.
type ReferralConfig struct {
	Enabled       bool     `toml:"enabled"`
	CheckInterval Duration `toml:"check_interval"`
	StartupGrace  Duration `toml:"startup_grace"`

	// Concurrency bounds how many owners are reconciled at once.
	Concurrency int `toml:"concurrency"`
}

// ProbeConfig configures the Bot API health check.
type ProbeConfig struct {
	BaseURL     string   `toml:"base_url"`
	Timeout     Duration `toml:"timeout"`
	Retries     int      `toml:"retries"`
	BackoffBase Duration `toml:"backoff_base"`

	// RatePerSecond paces getMe calls across every supervisor. 0 disables.
	RatePerSecond float64 `toml:"rate_per_second"`
	Burst         int     `toml:"burst"`
}

// BackendConfig points at the CRUD service.
type BackendConfig struct {
	BaseURL string   `toml:"base_url"`
	Timeout Duration `toml:"timeout"`
}

// RelayConfig configures the inbound dispatch listener.
type RelayConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// BusConfig selects the pub/sub implementation.
type BusConfig struct {
	// Kind is "nats" or "memory".
	Kind string `toml:"kind"`
	URL  string `toml:"url"`
	Name string `toml:"name"`
}

// StateConfig selects the workflow state store used by workers.
type StateConfig struct {
	// Kind is "nats" or "memory".
	Kind   string `toml:"kind"`
	Bucket string `toml:"bucket"`
}

// WorkerConfig describes how bot workers are launched.
type WorkerConfig struct {
	Command        []string `toml:"command"`
	Dir            string   `toml:"dir"`
	TerminateGrace Duration `toml:"terminate_grace"`
}

// ProvisionConfig tunes the bot-creation conversation.
type ProvisionConfig struct {
	Enabled      bool     `toml:"enabled"`
	Subject      string   `toml:"subject"`
	Peer         string   `toml:"peer"`
	ReplyTimeout Duration `toml:"reply_timeout"`
	TakenWait    Duration `toml:"taken_wait"`
	MaxAttempts  int      `toml:"max_attempts"`
}

// HeartbeatConfig tunes worker liveness detection.
type HeartbeatConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval Duration `toml:"interval"`
	Timeout  Duration `toml:"timeout"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	// Exporter is "otlp-grpc", "otlp-http" or "none".
	Exporter    string  `toml:"exporter"`
	Endpoint    string  `toml:"endpoint"`
	Insecure    bool    `toml:"insecure"`
	SampleRate  float64 `toml:"sample_rate"`
	ServiceName string  `toml:"service_name"`
}

func d(v time.Duration) Duration { return Duration{v} }

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Main: MainConfig{
			Enabled:          true,
			Store:            "file",
			TokensFile:       "tokens.txt",
			UnavailableFile:  "unavailable_tokens.txt",
			SQLitePath:       "tokens.db",
			CheckInterval:    d(60 * time.Second),
			StartupGrace:     d(10 * time.Second),
			ProvisionBackoff: d(5 * time.Minute),
			MinHealthy:       1,
		},
		Referral: ReferralConfig{
			Enabled:       true,
			CheckInterval: d(60 * time.Second),
			StartupGrace:  d(10 * time.Second),
			Concurrency:   8,
		},
		Probe: ProbeConfig{
			BaseURL:       "https://api.telegram.org",
			Timeout:       d(15 * time.Second),
			Retries:       3,
			BackoffBase:   d(500 * time.Millisecond),
			RatePerSecond: 20,
			Burst:         5,
		},
		Backend: BackendConfig{
			BaseURL: "http://localhost:8000",
			Timeout: d(15 * time.Second),
		},
		Relay: RelayConfig{
			Enabled:      true,
			Listen:       ":8090",
			MaxBodyBytes: 1 << 20,
		},
		Bus: BusConfig{
			Kind: "nats",
			URL:  "nats://localhost:4222",
			Name: "fleetd",
		},
		State: StateConfig{
			Kind:   "nats",
			Bucket: "bot-workflow",
		},
		Worker: WorkerConfig{
			Command:        []string{"botworker"},
			TerminateGrace: d(5 * time.Second),
		},
		Provision: ProvisionConfig{
			Enabled:      true,
			Subject:      "provision.conversation",
			Peer:         "BotFather",
			ReplyTimeout: d(60 * time.Second),
			TakenWait:    d(4 * time.Second),
			MaxAttempts:  5,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:  true,
			Interval: d(5 * time.Second),
			Timeout:  d(30 * time.Second),
		},
		Logging: logging.DefaultConfig(),
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			SampleRate:  1.0,
			ServiceName: "fleetd",
		},
	}
}

// Load decodes path over Default and applies environment overrides.
// An empty path yields defaults plus overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the supervisors cannot run with.
func (c Config) Validate() error {
	positive := map[string]time.Duration{
		"main.check_interval":     c.Main.CheckInterval.Duration,
		"main.provision_backoff":  c.Main.ProvisionBackoff.Duration,
		"referral.check_interval": c.Referral.CheckInterval.Duration,
		"probe.timeout":           c.Probe.Timeout.Duration,
		"provision.reply_timeout": c.Provision.ReplyTimeout.Duration,
		"heartbeat.interval":      c.Heartbeat.Interval.Duration,
		"heartbeat.timeout":       c.Heartbeat.Timeout.Duration,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Main.StartupGrace.Duration < 0 || c.Referral.StartupGrace.Duration < 0 {
		return fmt.Errorf("startup_grace must not be negative")
	}
	if c.Probe.Retries < 0 {
		return fmt.Errorf("probe.retries must not be negative")
	}
	if c.Main.MinHealthy < 1 {
		return fmt.Errorf("main.min_healthy must be at least 1")
	}
	if len(c.Worker.Command) == 0 || c.Worker.Command[0] == "" {
		return fmt.Errorf("worker.command must not be empty")
	}
	switch c.Main.Store {
	case "file", "sqlite":
	default:
		return fmt.Errorf("main.store %q: want file or sqlite", c.Main.Store)
	}
	switch c.Bus.Kind {
	case "nats", "memory":
	default:
		return fmt.Errorf("bus.kind %q: want nats or memory", c.Bus.Kind)
	}
	switch c.State.Kind {
	case "nats", "memory":
	default:
		return fmt.Errorf("state.kind %q: want nats or memory", c.State.Kind)
	}
	if c.State.Kind == "nats" && c.Bus.Kind != "nats" {
		return fmt.Errorf("state.kind nats requires bus.kind nats")
	}
	return nil
}

// applyEnv applies FLEET_* overrides for the settings operators change most.
func applyEnv(c *Config) error {
	str := map[string]*string{
		"FLEET_TOKENS_FILE":      &c.Main.TokensFile,
		"FLEET_UNAVAILABLE_FILE": &c.Main.UnavailableFile,
		"FLEET_STORE":            &c.Main.Store,
		"FLEET_BACKEND_URL":      &c.Backend.BaseURL,
		"FLEET_RELAY_LISTEN":     &c.Relay.Listen,
		"FLEET_BUS_KIND":         &c.Bus.Kind,
		"FLEET_NATS_URL":         &c.Bus.URL,
		"FLEET_STATE_KIND":       &c.State.Kind,
		"FLEET_LOG_LEVEL":        &c.Logging.Level,
		"FLEET_LOG_FILE":         &c.Logging.File,
		"FLEET_CREDENTIALS":      &c.Credentials,
		"FLEET_TELEMETRY":        &c.Telemetry.Exporter,
		"FLEET_OTLP_ENDPOINT":    &c.Telemetry.Endpoint,
	}
	for env, dst := range str {
		if v, ok := os.LookupEnv(env); ok {
			*dst = v
		}
	}

	dur := map[string]*Duration{
		"FLEET_CHECK_INTERVAL":    &c.Main.CheckInterval,
		"FLEET_REFERRAL_INTERVAL": &c.Referral.CheckInterval,
		"FLEET_STARTUP_GRACE":     &c.Main.StartupGrace,
	}
	for env, dst := range dur {
		if v, ok := os.LookupEnv(env); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s: %w", env, err)
			}
		}
	}

	if v, ok := os.LookupEnv("FLEET_MIN_HEALTHY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FLEET_MIN_HEALTHY: %w", err)
		}
		c.Main.MinHealthy = n
	}
	return nil
}
