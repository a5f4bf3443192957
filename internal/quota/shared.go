package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/edgequota/edgequota/internal/ratelimit"
	"github.com/edgequota/edgequota/internal/window"
	"github.com/edgequota/edgequota/pkg/logger"
)

// CounterStore is a networked counter store with atomic increments and key
// expiry, such as Redis.
type CounterStore interface {
	// IncrBy atomically adds n to key, creating it at zero if missing, and
	// returns the new value.
	IncrBy(ctx context.Context, key string, n int64) (int64, error)

	// Expire sets key's time to live.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns key's remaining time to live. A negative value means the
	// key has no expiry or does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Delete removes key.
	Delete(ctx context.Context, key string) error
}

// SharedBackend counts in a CounterStore, so every process using the same
// store and name sees one counter per identifier.
type SharedBackend struct {
	store  CounterStore
	policy window.Policy
	prefix string
	now    func() time.Time
	log    *logger.Logger
}

// Shared returns a factory for SharedBackend.
func Shared(store CounterStore, opts ...Option) BackendFactory {
	return func(_ context.Context, spec Spec) (Backend, error) {
		if store == nil {
			return nil, fmt.Errorf("%w: counter store is required", ratelimit.ErrConfiguration)
		}
		return NewSharedBackend(store, spec, opts...), nil
	}
}

// NewSharedBackend creates a shared-store backend for spec.
func NewSharedBackend(store CounterStore, spec Spec, opts ...Option) *SharedBackend {
	o := newOptions(opts)
	return &SharedBackend{
		store:  store,
		policy: spec.Policy,
		prefix: o.keyPrefix + spec.Name + ":",
		now:    o.now,
		log:    o.log,
	}
}

// Apply increments first and sets the expiry only when this call created
// the bucket. Existing buckets keep the expiry the store already holds, so
// a skewed local clock never moves another caller's window.
func (s *SharedBackend) Apply(ctx context.Context, call Call) (*ratelimit.Result, error) {
	now := s.now()
	key := s.key(call.Key)

	used, err := s.store.IncrBy(ctx, key, call.Weight)
	if err != nil {
		return nil, fmt.Errorf("%w: increment %s: %v", ratelimit.ErrBackendUnavailable, key, err)
	}

	var ttl time.Duration
	if used == call.Weight {
		ttl = s.policy.TTL(now)
		if err := s.store.Expire(ctx, key, ttl); err != nil {
			return nil, fmt.Errorf("%w: expire %s: %v", ratelimit.ErrBackendUnavailable, key, err)
		}
	} else {
		ttl, err = s.store.TTL(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("%w: ttl %s: %v", ratelimit.ErrBackendUnavailable, key, err)
		}
		if ttl < 0 {
			// An earlier expire never landed; restore one so the key cannot leak.
			ttl = s.policy.TTL(now)
			if err := s.store.Expire(ctx, key, ttl); err != nil {
				return nil, fmt.Errorf("%w: expire %s: %v", ratelimit.ErrBackendUnavailable, key, err)
			}
			s.log.Warn("restored missing quota expiry", "key", key, "ttl", ttl.String())
		}
	}

	return &ratelimit.Result{
		Allowed:    call.Allow,
		Used:       used,
		IsAllowed:  used <= call.Allow,
		ExpiryTime: ratelimit.Millis(ttl),
	}, nil
}

// Reset deletes the bucket for key.
func (s *SharedBackend) Reset(ctx context.Context, key string) error {
	if err := s.store.Delete(ctx, s.key(key)); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ratelimit.ErrBackendUnavailable, key, err)
	}
	return nil
}

// Close is a no-op; the store is owned by the caller.
func (s *SharedBackend) Close() error {
	return nil
}

func (s *SharedBackend) key(identifier string) string {
	return s.prefix + identifier
}
