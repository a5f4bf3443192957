package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgequota/edgequota/internal/ratelimit"
	"github.com/edgequota/edgequota/pkg/logger"
)

// fakeCounterStore is an in-memory CounterStore with Redis-like TTL answers.
type fakeCounterStore struct {
	mu      sync.Mutex
	clock   *fakeClock
	values  map[string]int64
	expires map[string]time.Time

	incrErr   error
	expireErr error
	ttlErr    error
	dropTTL   bool // lose expiries, as if PEXPIRE never landed
	expireOps int
}

func newFakeCounterStore(clock *fakeClock) *fakeCounterStore {
	return &fakeCounterStore{
		clock:   clock,
		values:  make(map[string]int64),
		expires: make(map[string]time.Time),
	}
}

func (s *fakeCounterStore) evict(key string) {
	if exp, ok := s.expires[key]; ok && !s.clock.Now().Before(exp) {
		delete(s.values, key)
		delete(s.expires, key)
	}
}

func (s *fakeCounterStore) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incrErr != nil {
		return 0, s.incrErr
	}
	s.evict(key)
	s.values[key] += n
	return s.values[key], nil
}

func (s *fakeCounterStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expireErr != nil {
		return s.expireErr
	}
	s.expireOps++
	if !s.dropTTL {
		s.expires[key] = s.clock.Now().Add(ttl)
	}
	return nil
}

func (s *fakeCounterStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ttlErr != nil {
		return 0, s.ttlErr
	}
	s.evict(key)
	if _, ok := s.values[key]; !ok {
		return -2, nil
	}
	exp, ok := s.expires[key]
	if !ok {
		return -1, nil
	}
	return exp.Sub(s.clock.Now()), nil
}

func (s *fakeCounterStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	delete(s.expires, key)
	return nil
}

func newSharedLimiter(t *testing.T, cfg Config, store CounterStore, clock *fakeClock) *Limiter {
	t.Helper()
	l, err := New(context.Background(), cfg, Shared(store, WithClock(clock.Now), WithLogger(logger.Discard())))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestSharedBackend_CountsAcrossLimiters(t *testing.T) {
	clock := newFakeClock(epoch)
	store := newFakeCounterStore(clock)
	cfg := Config{Name: "api", TimeUnit: "minute", Interval: 1, Allow: 2}

	a := newSharedLimiter(t, cfg, store, clock)
	b := newSharedLimiter(t, cfg, store, clock)

	res := apply(t, a, ratelimit.Request{Identifier: "client"})
	assert.Equal(t, int64(1), res.Used)
	assert.Equal(t, int64(60_000), res.ExpiryTime)
	assert.Contains(t, store.values, "quota:api:client")

	clock.Advance(20 * time.Second)
	res = apply(t, b, ratelimit.Request{Identifier: "client"})
	assert.Equal(t, int64(2), res.Used)
	assert.True(t, res.IsAllowed)
	assert.Equal(t, int64(40_000), res.ExpiryTime, "existing bucket keeps the store's expiry")

	res = apply(t, a, ratelimit.Request{Identifier: "client"})
	assert.Equal(t, int64(3), res.Used)
	assert.False(t, res.IsAllowed)

	assert.Equal(t, 1, store.expireOps, "only the creating call sets the expiry")

	clock.Advance(40 * time.Second)
	res = apply(t, b, ratelimit.Request{Identifier: "client", Weight: 2})
	assert.Equal(t, int64(2), res.Used)
	assert.True(t, res.IsAllowed)
}

func TestSharedBackend_CalendarExpiry(t *testing.T) {
	anchor := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := newFakeClock(anchor.Add(90 * time.Minute))
	store := newFakeCounterStore(clock)

	l := newSharedLimiter(t, Config{TimeUnit: "hour", Interval: 1, Allow: 5, StartTime: anchor}, store, clock)

	res := apply(t, l, ratelimit.Request{Identifier: "k"})
	assert.Equal(t, int64((30 * time.Minute).Milliseconds()), res.ExpiryTime)
}

func TestSharedBackend_RestoresMissingExpiry(t *testing.T) {
	clock := newFakeClock(epoch)
	store := newFakeCounterStore(clock)
	store.dropTTL = true

	l := newSharedLimiter(t, Config{TimeUnit: "minute", Interval: 1, Allow: 5}, store, clock)

	apply(t, l, ratelimit.Request{Identifier: "k"})
	store.dropTTL = false

	res := apply(t, l, ratelimit.Request{Identifier: "k"})
	assert.Equal(t, int64(2), res.Used)
	assert.Equal(t, int64(60_000), res.ExpiryTime)
	assert.Contains(t, store.expires, "quota:default:k")
}

func TestSharedBackend_StoreErrors(t *testing.T) {
	boom := errors.New("connection refused")

	tests := []struct {
		name  string
		setup func(*fakeCounterStore)
		warm  bool
	}{
		{"increment", func(s *fakeCounterStore) { s.incrErr = boom }, false},
		{"expire on create", func(s *fakeCounterStore) { s.expireErr = boom }, false},
		{"ttl on existing", func(s *fakeCounterStore) { s.ttlErr = boom }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock(epoch)
			store := newFakeCounterStore(clock)
			l := newSharedLimiter(t, Config{TimeUnit: "minute", Interval: 1, Allow: 5}, store, clock)

			if tt.warm {
				apply(t, l, ratelimit.Request{Identifier: "k"})
			}
			tt.setup(store)

			_, err := l.Apply(context.Background(), ratelimit.Request{Identifier: "k"})
			assert.ErrorIs(t, err, ratelimit.ErrBackendUnavailable)
		})
	}
}

func TestSharedBackend_Reset(t *testing.T) {
	clock := newFakeClock(epoch)
	store := newFakeCounterStore(clock)
	l := newSharedLimiter(t, Config{TimeUnit: "minute", Interval: 1, Allow: 1}, store, clock)

	apply(t, l, ratelimit.Request{Identifier: "k"})
	require.NoError(t, l.Reset(context.Background(), "k"))
	assert.Empty(t, store.values)
}

func TestShared_RequiresStore(t *testing.T) {
	_, err := New(context.Background(), DefaultConfig(), Shared(nil))
	assert.ErrorIs(t, err, ratelimit.ErrConfiguration)
}

func TestShared_KeyPrefix(t *testing.T) {
	clock := newFakeClock(epoch)
	store := newFakeCounterStore(clock)
	l, err := New(context.Background(), Config{Name: "n", TimeUnit: "minute", Interval: 1, Allow: 1},
		Shared(store, WithClock(clock.Now), WithKeyPrefix("edge:")))
	require.NoError(t, err)
	defer l.Close()

	apply(t, l, ratelimit.Request{Identifier: "k"})
	assert.Contains(t, store.values, "edge:n:k")
}
