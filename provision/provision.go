// Package provision mints new main-bot credentials by walking a fixed
// conversation with the bot-creation service.
//
// The conversation is a table of steps. Each step sends one text, matches
// the reply against a known template and either advances, retries or fails.
// Nothing is kept between calls; every ProvisionMain starts over.
package provision

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/vinayprograms/botfleet/backend"
	ferrors "github.com/vinayprograms/botfleet/errors"
	"github.com/vinayprograms/botfleet/logging"
	"github.com/vinayprograms/botfleet/telemetry"
	"github.com/vinayprograms/botfleet/tokens"
)

// Reply templates of the bot-creation service.
const (
	TemplateAck     = "Alright, a new bot."
	TemplateChoose  = "Good. Now let's choose a username"
	TemplateTaken   = "This username is already taken"
	TemplateSuccess = "Done! Congratulations"
)

const (
	cmdNewBot = "/newbot"
	cmdCancel = "/cancel"
)

var tokenPattern = regexp.MustCompile(`(\d{9,10}:[a-zA-Z0-9_-]{35})`)

// ExtractToken returns the first credential embedded in text.
func ExtractToken(text string) (string, bool) {
	m := tokenPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Minter produces new credentials.
type Minter interface {
	ProvisionMain(ctx context.Context) (string, error)
}

// Config configures a Provisioner.
type Config struct {
	// Peer is the bot-creation service handle.
	Peer string

	// TakenWait is the pause before retrying a taken identifier.
	TakenWait time.Duration

	// MaxAttempts bounds identifier tries.
	MaxAttempts int
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Peer:        "BotFather",
		TakenWait:   4 * time.Second,
		MaxAttempts: 5,
	}
}

// Provisioner runs the creation conversation and stores the result.
type Provisioner struct {
	cfg     Config
	dialer  Dialer
	store   tokens.Store
	app     AppCredentials
	gateway backend.Gateway

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *logging.Logger
	tracer *telemetry.Tracer
}

// Option customizes a Provisioner.
type Option func(*Provisioner)

// WithGateway registers minted bots with the backend.
func WithGateway(g backend.Gateway) Option {
	return func(p *Provisioner) { p.gateway = g }
}

// WithClock overrides the clock used for generated names.
func WithClock(now func() time.Time) Option {
	return func(p *Provisioner) {
		if now != nil {
			p.now = now
		}
	}
}

// WithSleep overrides the taken-identifier wait (useful for tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Provisioner) {
		if fn != nil {
			p.sleep = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Provisioner) {
		if l != nil {
			p.logger = l.WithComponent(logging.CompProvision)
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(p *Provisioner) {
		if t != nil {
			p.tracer = t
		}
	}
}

// New creates a Provisioner that appends minted tokens to store.
func New(cfg Config, dialer Dialer, store tokens.Store, app AppCredentials, opts ...Option) *Provisioner {
	def := DefaultConfig()
	if cfg.Peer == "" {
		cfg.Peer = def.Peer
	}
	if cfg.TakenWait < 0 {
		cfg.TakenWait = 0
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	p := &Provisioner{
		cfg:    cfg,
		dialer: dialer,
		store:  store,
		app:    app,
		now:    time.Now,
		sleep:  sleepCtx,
		logger: logging.New().WithComponent(logging.CompProvision),
		tracer: telemetry.GetTracer(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// outcome is what a step decides after reading a reply.
type outcome int

const (
	advance outcome = iota
	retry
	finish
	abort
)

// session is the state of one conversation.
type session struct {
	conv       Conversation
	identifier string
	attempts   int
	token      string
	err        error
}

// step is one request/response turn.
type step struct {
	name   string
	text   func(p *Provisioner, s *session) string
	handle func(ctx context.Context, s *session, reply string) outcome
}

func (p *Provisioner) steps() []step {
	return []step{
		{
			name: "create",
			text: func(*Provisioner, *session) string { return cmdNewBot },
			handle: func(ctx context.Context, s *session, reply string) outcome {
				if strings.Contains(reply, TemplateAck) {
					return advance
				}
				_, _ = s.conv.Send(ctx, cmdCancel)
				s.err = ferrors.ProvisioningFailed("unexpected reply to " + cmdNewBot + ": " + reply)
				return abort
			},
		},
		{
			name: "name",
			text: func(p *Provisioner, _ *session) string { return p.displayName() },
			handle: func(_ context.Context, s *session, reply string) outcome {
				if strings.Contains(reply, TemplateChoose) {
					return advance
				}
				s.err = ferrors.ProvisioningFailed("unexpected reply to display name: " + reply)
				return abort
			},
		},
		{
			name: "identifier",
			text: func(p *Provisioner, s *session) string {
				s.identifier = p.identifier(s.attempts)
				s.attempts++
				return s.identifier
			},
			handle: func(_ context.Context, s *session, reply string) outcome {
				switch {
				case strings.Contains(reply, TemplateTaken):
					return retry
				case strings.Contains(reply, TemplateSuccess):
					tok, ok := ExtractToken(reply)
					if !ok {
						s.err = ferrors.ProvisioningFailed("no credential in success reply")
						return abort
					}
					s.token = tok
					return finish
				default:
					s.err = ferrors.ProvisioningFailed("unexpected reply to identifier: " + reply)
					return abort
				}
			},
		},
	}
}

func (p *Provisioner) displayName() string {
	return fmt.Sprintf("My Monitored Bot %d", p.now().Unix())
}

// identifier is unique per attempt within a conversation. The attempt
// offsets the timestamp so the name stays inside the 32 character limit.
func (p *Provisioner) identifier(attempt int) string {
	return fmt.Sprintf("my_monitored_bot_%d_bot", p.now().Unix()+int64(attempt))
}

// ProvisionMain runs one creation conversation. On success the new token
// is in the store and is returned.
func (p *Provisioner) ProvisionMain(ctx context.Context) (string, error) {
	ctx, span := p.tracer.StartProvisionSpan(ctx)
	s := &session{}
	token, err := p.provision(ctx, s)
	p.tracer.EndProvisionSpan(span, s.identifier, s.attempts, err)
	p.logger.ProvisionAttempt(s.identifier, err)
	return token, err
}

func (p *Provisioner) provision(ctx context.Context, s *session) (string, error) {
	if !p.app.Set() {
		return "", ferrors.ProvisioningFailed("application credentials are not set")
	}
	if p.dialer == nil || p.store == nil {
		return "", ferrors.ProvisioningFailed("provisioner is not configured")
	}

	conv, err := p.dialer.Dial(ctx, p.cfg.Peer, p.app)
	if err != nil {
		return "", ferrors.ProvisioningFailed("dial "+p.cfg.Peer, ferrors.WithCause(err))
	}
	defer conv.Close()
	s.conv = conv

	steps := p.steps()
	for i := 0; i < len(steps); {
		st := steps[i]
		reply, err := conv.Send(ctx, st.text(p, s))
		if err != nil {
			return "", ferrors.ProvisioningFailed(st.name+" step", ferrors.WithCause(err))
		}

		switch st.handle(ctx, s, reply) {
		case advance:
			i++
		case retry:
			if s.attempts >= p.cfg.MaxAttempts {
				return "", ferrors.ProvisioningFailed(fmt.Sprintf("identifier taken %d times", s.attempts))
			}
			p.logger.Warn("identifier_taken", map[string]any{"identifier": s.identifier})
			if err := p.sleep(ctx, p.cfg.TakenWait); err != nil {
				return "", ferrors.ProvisioningFailed("canceled", ferrors.WithCause(err))
			}
		case finish:
			return p.persist(ctx, s)
		case abort:
			return "", s.err
		}
	}
	return "", ferrors.ProvisioningFailed("conversation ended without a credential")
}

// persist appends the token and registers it with the backend. Registration
// failure is logged; the token stays in the pool.
func (p *Provisioner) persist(ctx context.Context, s *session) (string, error) {
	if err := p.store.Append(ctx, s.token); err != nil {
		return "", ferrors.ProvisioningFailed("store new credential", ferrors.WithCause(err))
	}
	if p.gateway != nil {
		if _, err := p.gateway.RegisterMainBot(ctx, s.token, s.identifier); err != nil {
			p.logger.Warn("register_failed", map[string]any{
				"identifier": s.identifier,
				"error":      err.Error(),
			})
		}
	}
	return s.token, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
