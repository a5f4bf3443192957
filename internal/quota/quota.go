// Package quota implements "N calls per window" limiting with pluggable
// counting backends.
//
// A Limiter validates its Config, owns the window policy and dispatches each
// apply call to exactly one Backend chosen at construction:
//
//	l, err := quota.New(ctx, cfg, quota.Memory())
//	l, err := quota.New(ctx, cfg, quota.Shared(store.NewRedisStore(client)))
//	l, err := quota.New(ctx, cfg, quota.Delegated(authority.NewClient(url)))
//
// Backends are built by a BackendFactory only after the configuration has
// been validated, so an invalid Config never allocates backend resources.
package quota

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/edgequota/edgequota/internal/metrics"
	"github.com/edgequota/edgequota/internal/ratelimit"
	"github.com/edgequota/edgequota/internal/window"
)

const kind = "quota"

var tracer = otel.Tracer("github.com/edgequota/edgequota/internal/quota")

// Config holds quota construction options.
type Config struct {
	Name      string    // metrics label and shared-store key namespace
	TimeUnit  string    // second, minute, hour, day, week or month
	Interval  int       // multiplier of TimeUnit
	Allow     int64     // ceiling per window
	StartTime time.Time // optional calendar anchor; not allowed with month
}

// DefaultConfig returns a configuration allowing one call per minute.
func DefaultConfig() Config {
	return Config{
		Name:     "default",
		TimeUnit: string(window.Minute),
		Interval: 1,
		Allow:    1,
	}
}

// Policy validates the configuration and returns its window policy.
func (c Config) Policy() (window.Policy, error) {
	unit, err := window.ParseUnit(c.TimeUnit)
	if err != nil {
		return window.Policy{}, err
	}
	p := window.Policy{Unit: unit, Interval: c.Interval, Start: c.StartTime}
	if err := p.Validate(); err != nil {
		return window.Policy{}, err
	}
	if c.Allow <= 0 {
		return window.Policy{}, fmt.Errorf("%w: allow must be positive, got %d", ratelimit.ErrConfiguration, c.Allow)
	}
	return p, nil
}

// Spec is the validated configuration handed to a BackendFactory.
type Spec struct {
	Name   string
	Policy window.Policy
	Allow  int64
}

// Call is one resolved apply call as seen by a backend.
type Call struct {
	Key    string
	Weight int64
	Allow  int64 // ceiling in effect for this call
}

// Backend counts calls against buckets.
type Backend interface {
	// Apply adds the call's weight to its bucket and evaluates the result
	// against the call's ceiling.
	Apply(ctx context.Context, call Call) (*ratelimit.Result, error)

	// Reset drops the bucket for key.
	Reset(ctx context.Context, key string) error

	// Close releases resources held by the backend.
	Close() error
}

// BackendFactory builds a backend for a validated Spec.
type BackendFactory func(ctx context.Context, spec Spec) (Backend, error)

// Limiter is the quota facade.
type Limiter struct {
	name    string
	spec    Spec
	backend Backend
	closed  atomic.Bool
}

// Ensure Limiter implements ratelimit.Limiter
var _ ratelimit.Limiter = (*Limiter)(nil)

// New validates cfg and builds the backend. Configuration problems return
// ratelimit.ErrConfiguration before factory is called.
func New(ctx context.Context, cfg Config, factory BackendFactory) (*Limiter, error) {
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: backend factory is required", ratelimit.ErrConfiguration)
	}

	name := cfg.Name
	if name == "" {
		name = DefaultConfig().Name
	}
	spec := Spec{Name: name, Policy: policy, Allow: cfg.Allow}

	backend, err := factory(ctx, spec)
	if err != nil {
		return nil, err
	}

	return &Limiter{name: name, spec: spec, backend: backend}, nil
}

// Name returns the limiter name.
func (l *Limiter) Name() string {
	return l.name
}

// Spec returns the validated configuration.
func (l *Limiter) Spec() Spec {
	return l.spec
}

// Apply counts req against its bucket. Malformed requests return
// ratelimit.ErrValidation and leave every bucket untouched.
func (l *Limiter) Apply(ctx context.Context, req ratelimit.Request) (*ratelimit.Result, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "quota.apply", trace.WithAttributes(
		attribute.String("quota.name", l.name),
	))
	defer span.End()

	res, outcome, err := l.apply(ctx, req)
	metrics.RecordApply(l.name, kind, outcome, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("quota.used", res.Used),
		attribute.Int64("quota.allowed", res.Allowed),
		attribute.Bool("quota.is_allowed", res.IsAllowed),
	)
	return res, nil
}

func (l *Limiter) apply(ctx context.Context, req ratelimit.Request) (*ratelimit.Result, string, error) {
	if l.closed.Load() {
		return nil, metrics.OutcomeError, ratelimit.ErrClosed
	}

	req, err := ratelimit.Normalize(req)
	if err != nil {
		return nil, metrics.OutcomeInvalid, err
	}

	allow := l.spec.Allow
	if req.Allow > 0 {
		allow = req.Allow
	}

	res, err := l.backend.Apply(ctx, Call{Key: req.Identifier, Weight: req.Weight, Allow: allow})
	if err != nil {
		return nil, metrics.OutcomeError, err
	}
	if !res.IsAllowed {
		return res, metrics.OutcomeRejected, nil
	}
	return res, metrics.OutcomeAllowed, nil
}

// ApplyAsync runs Apply on its own goroutine and delivers the outcome on the
// returned channel.
func (l *Limiter) ApplyAsync(ctx context.Context, req ratelimit.Request) <-chan ratelimit.Outcome {
	return ratelimit.Go(ctx, l, req)
}

// Reset clears the bucket for an identifier.
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	if identifier == "" {
		return fmt.Errorf("%w: identifier is required", ratelimit.ErrValidation)
	}
	return l.backend.Reset(ctx, identifier)
}

// Close releases the backend. Calls made afterwards return ratelimit.ErrClosed.
func (l *Limiter) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.backend.Close()
}
