package fleet

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	ferrors "github.com/vinayprograms/botfleet/errors"
	"github.com/vinayprograms/botfleet/logging"
	"github.com/vinayprograms/botfleet/probe"
	"github.com/vinayprograms/botfleet/procs"
	"github.com/vinayprograms/botfleet/provision"
	"github.com/vinayprograms/botfleet/telemetry"
	"github.com/vinayprograms/botfleet/tokens"
)

// probeConcurrency bounds parallel health checks within one cycle.
const probeConcurrency = 4

// Operational reports whether the main fleet can serve traffic. It starts
// true. The main supervisor is its only writer.
type Operational struct {
	down atomic.Bool
}

// NewOperational returns a flag set to operational.
func NewOperational() *Operational {
	return &Operational{}
}

// Get reports the current value.
func (o *Operational) Get() bool {
	return !o.down.Load()
}

// Set stores v.
func (o *Operational) Set(v bool) {
	o.down.Store(!v)
}

// Liveness reports workers that are running but no longer heartbeating.
type Liveness interface {
	Hung(identity string, pid int) bool
}

type options struct {
	liveness    Liveness
	minter      provision.Minter
	watcher     tokens.Watcher
	operational *Operational
	logger      *logging.Logger
	tracer      *telemetry.Tracer
}

// Option customizes a supervisor.
type Option func(*options)

// WithLiveness enables hang detection.
func WithLiveness(l Liveness) Option {
	return func(o *options) { o.liveness = l }
}

// WithMinter sets the provisioner used when the main pool is short.
func WithMinter(m provision.Minter) Option {
	return func(o *options) { o.minter = m }
}

// WithWatcher wakes the main supervisor early when the pool changes.
func WithWatcher(w tokens.Watcher) Option {
	return func(o *options) { o.watcher = w }
}

// WithOperational sets the flag the main supervisor maintains.
func WithOperational(f *Operational) Option {
	return func(o *options) { o.operational = f }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracer sets the tracer used for cycle spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

func buildOptions(component string, opts []Option) options {
	o := options{
		logger:      logging.New(),
		tracer:      telemetry.GetTracer(),
		operational: NewOperational(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.WithComponent(component)
	return o
}

// probeAll checks every token. Results keep the order of toks.
func probeAll(ctx context.Context, checker probe.Checker, toks []string) []probe.Result {
	results := make([]probe.Result, len(toks))
	var g errgroup.Group
	g.SetLimit(probeConcurrency)
	for i, tok := range toks {
		g.Go(func() error {
			results[i] = checker.Check(ctx, tok)
			return nil
		})
	}
	g.Wait()
	return results
}

// awaitStartup reports false if p exits within grace.
func awaitStartup(ctx context.Context, p procs.Process, grace time.Duration) (bool, error) {
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-p.Done():
		return false, nil
	case <-t.C:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// logFailure logs a failed cycle step. Transient failures are expected to
// clear by the next cycle and log at warn; everything else logs at error.
func logFailure(l *logging.Logger, msg string, err error, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any, 2)
	}
	fields["error"] = err.Error()
	switch {
	case ferrors.IsTransient(err):
		fields["transient"] = true
		l.Warn(msg, fields)
	case ferrors.IsPermanent(err):
		fields["permanent"] = true
		l.Error(msg, fields)
	default:
		l.Error(msg, fields)
	}
}
