package spikearrest

import (
	"context"
	"fmt"
	"time"

	"github.com/edgequota/edgequota/internal/ratelimit"
)

// SlotStore is a networked store with atomic set-if-absent and key expiry.
type SlotStore interface {
	// SetNX sets key with ttl only if it is absent and reports whether it
	// was set.
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// TTL returns key's remaining time to live; negative when missing or
	// without expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// SharedBackend reserves slots in a SlotStore. The key exists exactly while
// its slot is taken, so the store's expiry is the slot clock.
type SharedBackend struct {
	store  SlotStore
	spec   Spec
	prefix string
}

// Shared returns a factory for SharedBackend.
func Shared(store SlotStore, opts ...Option) BackendFactory {
	return func(_ context.Context, spec Spec) (Backend, error) {
		if store == nil {
			return nil, fmt.Errorf("%w: slot store is required", ratelimit.ErrConfiguration)
		}
		o := newOptions(opts)
		return &SharedBackend{store: store, spec: spec, prefix: o.keyPrefix + spec.Name + ":"}, nil
	}
}

// Apply tries to take the key's slot for windowSize*weight. A slot that
// expires between the reservation and the TTL read is retried once.
func (s *SharedBackend) Apply(ctx context.Context, call Call) (*ratelimit.Result, error) {
	key := s.prefix + call.Key
	reserved := s.spec.WindowSize * time.Duration(call.Weight)

	var ttl time.Duration
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.store.SetNX(ctx, key, reserved)
		if err != nil {
			return nil, fmt.Errorf("%w: reserve %s: %v", ratelimit.ErrBackendUnavailable, key, err)
		}
		if ok {
			return admitted(s.spec, call.Weight, reserved), nil
		}

		ttl, err = s.store.TTL(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("%w: ttl %s: %v", ratelimit.ErrBackendUnavailable, key, err)
		}
		if ttl >= 0 {
			return rejected(s.spec, call.Weight, ttl), nil
		}
	}
	// Still no live slot after the retry: another caller took and lost it,
	// or the key has no expiry.
	return rejected(s.spec, call.Weight, 0), nil
}

// Close is a no-op; the store is owned by the caller.
func (s *SharedBackend) Close() error {
	return nil
}
