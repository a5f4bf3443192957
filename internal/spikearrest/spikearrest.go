// Package spikearrest enforces a steady admission rate: at most one call
// per windowSize = unit/allow for each key, with an optional smoothing
// buffer that delays early calls instead of rejecting them.
package spikearrest

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

const kind = "spikearrest"

var tracer = otel.Tracer("github.com/edgequota/edgequota/internal/spikearrest")

// Config holds spike-arrest construction options.
type Config struct {
	Name       string
	TimeUnit   string // second or minute
	Allow      int64  // admitted calls per TimeUnit
	BufferSize int    // 0 disables smoothing
}

// DefaultConfig returns a configuration admitting one call per second
// without smoothing.
func DefaultConfig() Config {
	return Config{
		Name:     "default",
		TimeUnit: string(window.Second),
		Allow:    1,
	}
}

// Spec is the validated configuration handed to a BackendFactory.
type Spec struct {
	Name       string
	Unit       window.Unit
	Allow      int64
	WindowSize time.Duration
	BufferSize int
}

// Validate checks the configuration and derives the slot width.
func (c Config) Validate() (Spec, error) {
	unit, err := window.ParseUnit(c.TimeUnit)
	if err != nil {
		return Spec{}, err
	}
	if unit != window.Second && unit != window.Minute {
		return Spec{}, fmt.Errorf("%w: spike arrest time unit must be second or minute, got %s",
			ratelimit.ErrConfiguration, unit)
	}
	if c.Allow <= 0 {
		return Spec{}, fmt.Errorf("%w: allow must be positive, got %d", ratelimit.ErrConfiguration, c.Allow)
	}
	if c.BufferSize < 0 {
		return Spec{}, fmt.Errorf("%w: buffer size must not be negative, got %d", ratelimit.ErrConfiguration, c.BufferSize)
	}

	windowSize := unit.Duration() / time.Duration(c.Allow)
	if windowSize <= 0 {
		return Spec{}, fmt.Errorf("%w: allow %d per %s is finer than the clock", ratelimit.ErrConfiguration, c.Allow, unit)
	}

	name := c.Name
	if name == "" {
		name = DefaultConfig().Name
	}
	return Spec{
		Name:       name,
		Unit:       unit,
		Allow:      c.Allow,
		WindowSize: windowSize,
		BufferSize: c.BufferSize,
	}, nil
}

// Call is one admission attempt as seen by a backend.
type Call struct {
	Key    string
	Weight int64
}

// Backend decides whether a key's next slot is open.
type Backend interface {
	// Apply admits the call when the key's slot is open and reserves
	// windowSize*weight for it. A rejected result carries the time until
	// the slot opens in ExpiryTime.
	Apply(ctx context.Context, call Call) (*ratelimit.Result, error)

	// Close releases resources held by the backend.
	Close() error
}

// BackendFactory builds a backend for a validated Spec.
type BackendFactory func(ctx context.Context, spec Spec) (Backend, error)

// Limiter is the spike-arrest facade.
type Limiter struct {
	spec    Spec
	backend Backend
	closed  atomic.Bool
}

var _ ratelimit.Limiter = (*Limiter)(nil)

// New validates cfg, builds the backend and, when BufferSize > 0, wraps it
// in a smoothing Buffer.
func New(ctx context.Context, cfg Config, factory BackendFactory, opts ...Option) (*Limiter, error) {
	spec, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: backend factory is required", ratelimit.ErrConfiguration)
	}

	backend, err := factory(ctx, spec)
	if err != nil {
		return nil, err
	}
	if spec.BufferSize > 0 {
		backend = NewBuffer(backend, spec, opts...)
	}

	return &Limiter{spec: spec, backend: backend}, nil
}

// Name returns the limiter name.
func (l *Limiter) Name() string {
	return l.spec.Name
}

// Spec returns the validated configuration.
func (l *Limiter) Spec() Spec {
	return l.spec
}

// Apply admits req or rejects it with the time until its key's next slot.
// With smoothing enabled Apply may block until the slot opens or ctx ends.
// The per-call Allow override does not apply to spike arrests.
func (l *Limiter) Apply(ctx context.Context, req ratelimit.Request) (*ratelimit.Result, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "spikearrest.apply", trace.WithAttributes(
		attribute.String("spikearrest.name", l.spec.Name),
	))
	defer span.End()

	res, outcome, err := l.apply(ctx, req)
	metrics.RecordApply(l.spec.Name, kind, outcome, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("spikearrest.is_allowed", res.IsAllowed),
		attribute.Int64("spikearrest.expiry_ms", res.ExpiryTime),
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

	res, err := l.backend.Apply(ctx, Call{Key: req.Identifier, Weight: req.Weight})
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

// Close stops smoothing timers, fails buffered callers with
// ratelimit.ErrClosed and releases the backend.
func (l *Limiter) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.backend.Close()
}

// admitted and rejected build slot results.
func admitted(spec Spec, weight int64, reserved time.Duration) *ratelimit.Result {
	return &ratelimit.Result{
		Allowed:    spec.Allow,
		Used:       weight,
		IsAllowed:  true,
		ExpiryTime: ratelimit.Millis(reserved),
	}
}

func rejected(spec Spec, weight int64, wait time.Duration) *ratelimit.Result {
	return &ratelimit.Result{
		Allowed:    spec.Allow,
		Used:       weight,
		IsAllowed:  false,
		ExpiryTime: ratelimit.Millis(wait),
	}
}
