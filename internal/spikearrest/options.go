package spikearrest

import (
	"time"

	"github.com/edgequota/edgequota/pkg/logger"
)

type options struct {
	now        func() time.Time
	sweepEvery time.Duration
	keyPrefix  string
	log        *logger.Logger
}

// Option configures a backend or buffer.
type Option func(*options)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSweepInterval sets how often the memory backend forgets open slots.
// Zero or negative disables the sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepEvery = d }
}

// WithKeyPrefix sets the shared-store key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.keyPrefix = prefix }
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(o *options) { o.log = log }
}

func newOptions(opts []Option) options {
	o := options{
		now:        time.Now,
		sweepEvery: time.Minute,
		keyPrefix:  "spikearrest:",
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
