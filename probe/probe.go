// Package probe classifies bot credentials by calling the Bot API identity
// endpoint.
//
// A check never returns an error. It returns one of three outcomes:
//
//   - Healthy: getMe answered ok=true; Identity carries the bot handle
//   - Invalid: 401, 403 or 404; the credential itself is bad and is never retried
//   - Unreachable: transport failure, 5xx after retries, or any other response
//
// Only Invalid may be used to retire a credential.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/vinayprograms/botfleet/botapi"
	ferrors "github.com/vinayprograms/botfleet/errors"
	"github.com/vinayprograms/botfleet/logging"
	"github.com/vinayprograms/botfleet/telemetry"
)

// Health is the classification of one credential.
type Health int

const (
	Unreachable Health = iota
	Healthy
	Invalid
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Invalid:
		return "invalid"
	default:
		return "unreachable"
	}
}

// Result is the outcome of a check.
type Result struct {
	Health Health

	// Identity is the bot handle, set when Healthy.
	Identity string

	// User is the full getMe result, set when Healthy.
	User botapi.User

	// Attempts counts HTTP requests made.
	Attempts int

	// Err explains a non-Healthy result.
	Err error
}

// Checker classifies credentials.
type Checker interface {
	Check(ctx context.Context, token string) Result
}

// Config configures a Probe.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	Retries     int
	BackoffBase time.Duration

	// RatePerSecond paces requests across all callers. 0 disables pacing.
	RatePerSecond float64
	Burst         int
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		BaseURL:       botapi.DefaultBaseURL,
		Timeout:       15 * time.Second,
		Retries:       3,
		BackoffBase:   500 * time.Millisecond,
		RatePerSecond: 20,
		Burst:         5,
	}
}

// Probe is the Bot API backed Checker.
type Probe struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	notify     backoff.Notify
	tracer     *telemetry.Tracer
	logger     *logging.Logger
}

// Option customizes a Probe.
type Option func(*Probe)

// WithHTTPClient overrides the HTTP client. Its Timeout is replaced by
// Config.Timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Probe) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// WithRetryNotify is called before each backoff wait with the failure and
// the delay. The default logs at debug level.
func WithRetryNotify(fn backoff.Notify) Option {
	return func(p *Probe) {
		if fn != nil {
			p.notify = fn
		}
	}
}

// WithTracer sets the tracer used for probe spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(p *Probe) {
		if t != nil {
			p.tracer = t
		}
	}
}

// WithLogger sets the logger for health results.
func WithLogger(l *logging.Logger) Option {
	return func(p *Probe) {
		if l != nil {
			p.logger = l.WithComponent(logging.CompProbe)
		}
	}
}

// New constructs a Probe. Zero config fields take defaults.
func New(cfg Config, opts ...Option) *Probe {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}

	p := &Probe{
		cfg:        cfg,
		httpClient: &http.Client{},
		tracer:     telemetry.GetTracer(),
		logger:     logging.New().WithComponent(logging.CompProbe),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	p.notify = func(err error, d time.Duration) {
		p.logger.Debug("probe_retry", map[string]any{"error": err.Error(), "wait": d.String()})
	}
	for _, opt := range opts {
		opt(p)
	}
	client := *p.httpClient
	client.Timeout = cfg.Timeout
	p.httpClient = &client
	return p
}

// Check classifies token.
func (p *Probe) Check(ctx context.Context, token string) Result {
	start := time.Now()
	ctx, span := p.tracer.StartProbeSpan(ctx, suffix(token))

	res := p.check(ctx, token)

	p.tracer.EndProbeSpan(span, res.Health.String(), res.Attempts, res.Err)
	p.logger.HealthResult(token, res.Health.String(), time.Since(start))
	return res
}

func (p *Probe) check(ctx context.Context, token string) Result {
	client, err := botapi.New(token, botapi.WithBaseURL(p.cfg.BaseURL), botapi.WithHTTPClient(p.httpClient))
	if err != nil {
		return Result{Health: Invalid, Err: ferrors.CredentialInvalid(logging.Redact(token), ferrors.WithCause(err))}
	}

	attempts := 0
	user, err := backoff.Retry(ctx, func() (botapi.User, error) {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return botapi.User{}, backoff.Permanent(ferrors.Wrap(err, "probe paced out"))
			}
		}
		attempts++
		user, err := client.GetMe(ctx)
		if err == nil {
			return user, nil
		}
		// Only transport failures and 5xx are worth another request.
		var apiErr *botapi.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return botapi.User{}, backoff.Permanent(err)
		}
		return botapi.User{}, err
	},
		backoff.WithBackOff(p.retryPolicy()),
		backoff.WithMaxTries(uint(p.cfg.Retries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(p.notify),
	)
	if err == nil {
		identity := user.Username
		if identity == "" {
			identity = user.FirstName
		}
		return Result{Health: Healthy, Identity: identity, User: user, Attempts: attempts}
	}

	var apiErr *botapi.APIError
	if errors.As(err, &apiErr) && apiErr.IsUnauthorized() {
		return Result{
			Health:   Invalid,
			Attempts: attempts,
			Err:      ferrors.CredentialInvalid(logging.Redact(token), ferrors.WithCause(err)),
		}
	}
	return Result{
		Health:   Unreachable,
		Attempts: attempts,
		Err:      ferrors.Unavailable(fmt.Sprintf("getMe failed after %d attempts", attempts), ferrors.WithCause(err)),
	}
}

// retryPolicy doubles the wait from BackoffBase without jitter.
func (p *Probe) retryPolicy() backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval: p.cfg.BackoffBase,
		Multiplier:      2,
		MaxInterval:     time.Minute,
	}
}

func suffix(token string) string {
	if len(token) <= 4 {
		return ""
	}
	return token[len(token)-4:]
}

// MemoryChecker is a scripted Checker for tests. Unknown tokens are Unreachable.
type MemoryChecker struct {
	mu      sync.Mutex
	results map[string]Result
	calls   map[string]int
}

// NewMemoryChecker creates an empty MemoryChecker.
func NewMemoryChecker() *MemoryChecker {
	return &MemoryChecker{
		results: make(map[string]Result),
		calls:   make(map[string]int),
	}
}

// Set scripts the result for token.
func (m *MemoryChecker) Set(token string, h Health, identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[token] = Result{Health: h, Identity: identity, Attempts: 1}
}

// Calls returns how many times token was checked.
func (m *MemoryChecker) Calls(token string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[token]
}

// Check returns the scripted result.
func (m *MemoryChecker) Check(ctx context.Context, token string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[token]++
	if r, ok := m.results[token]; ok {
		return r
	}
	return Result{Health: Unreachable, Err: ferrors.Unavailable("unscripted token")}
}
