package quota

import (
	"time"

	"github.com/edgequota/edgequota/pkg/logger"
)

// defaultSweepInterval is how often the memory backend drops expired buckets.
const defaultSweepInterval = time.Minute

// defaultKeyPrefix namespaces shared-store keys.
const defaultKeyPrefix = "quota:"

// options are shared by the backend factories.
type options struct {
	now        func() time.Time
	sweepEvery time.Duration
	keyPrefix  string
	log        *logger.Logger
}

// Option configures a backend.
type Option func(*options)

// WithClock sets the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSweepInterval sets how often the memory backend removes expired
// buckets. Zero or negative disables the sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepEvery = d }
}

// WithKeyPrefix sets the shared-store key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.keyPrefix = prefix }
}

// WithLogger sets the backend logger.
func WithLogger(log *logger.Logger) Option {
	return func(o *options) { o.log = log }
}

func newOptions(opts []Option) options {
	o := options{
		now:        time.Now,
		sweepEvery: defaultSweepInterval,
		keyPrefix:  defaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
