package quota

import (
	"context"
	"sync"
	"time"

	"github.com/edgequota/edgequota/internal/metrics"
	"github.com/edgequota/edgequota/internal/ratelimit"
	"github.com/edgequota/edgequota/internal/window"
	"github.com/edgequota/edgequota/pkg/logger"
)

// bucket is the counted usage for one key.
type bucket struct {
	count     int64
	expiresAt time.Time
}

// MemoryBackend counts in a process-local map. State is never shared between
// instances.
type MemoryBackend struct {
	policy  window.Policy
	now     func() time.Time
	log     *logger.Logger
	mu      sync.Mutex
	buckets map[string]*bucket

	// For cleanup
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Memory returns a factory for MemoryBackend.
func Memory(opts ...Option) BackendFactory {
	return func(_ context.Context, spec Spec) (Backend, error) {
		return NewMemoryBackend(spec.Policy, opts...), nil
	}
}

// NewMemoryBackend creates a memory backend and starts its sweep loop.
func NewMemoryBackend(policy window.Policy, opts ...Option) *MemoryBackend {
	o := newOptions(opts)
	m := &MemoryBackend{
		policy:  policy,
		now:     o.now,
		log:     o.log,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}

	if o.sweepEvery > 0 {
		m.wg.Add(1)
		go m.sweepLoop(o.sweepEvery)
	}

	return m
}

// Apply adds the call's weight to its bucket.
func (m *MemoryBackend) Apply(ctx context.Context, call Call) (*ratelimit.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[call.Key]
	if !ok {
		b = &bucket{}
		m.buckets[call.Key] = b
	}
	if !now.Before(b.expiresAt) {
		b.count = 0
		b.expiresAt = m.policy.ExpiresAt(now)
	}
	b.count += call.Weight

	return &ratelimit.Result{
		Allowed:    call.Allow,
		Used:       b.count,
		IsAllowed:  b.count <= call.Allow,
		ExpiryTime: ratelimit.Millis(b.expiresAt.Sub(now)),
	}, nil
}

// Reset clears the bucket for key.
func (m *MemoryBackend) Reset(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	m.mu.Lock()
	delete(m.buckets, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of buckets currently held.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Sweep removes expired buckets and returns how many were removed.
func (m *MemoryBackend) Sweep() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, b := range m.buckets {
		if !now.Before(b.expiresAt) {
			delete(m.buckets, key)
			removed++
		}
	}
	return removed
}

// Close stops the sweep loop.
func (m *MemoryBackend) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
	return nil
}

// sweepLoop periodically removes expired buckets.
func (m *MemoryBackend) sweepLoop(every time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			n := m.Sweep()
			metrics.RecordSwept(n)
			if n > 0 {
				m.log.Debug("swept expired quota buckets", "removed", n)
			}
		}
	}
}
