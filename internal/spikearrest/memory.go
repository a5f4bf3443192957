package spikearrest

import (
	"context"
	"sync"
	"time"

	"github.com/edgequota/edgequota/internal/metrics"
	"github.com/edgequota/edgequota/internal/ratelimit"
	"github.com/edgequota/edgequota/pkg/logger"
)

// MemoryBackend tracks the next open slot per key in process memory.
type MemoryBackend struct {
	spec Spec
	now  func() time.Time
	log  *logger.Logger

	mu   sync.Mutex
	next map[string]time.Time

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Memory returns a factory for MemoryBackend.
func Memory(opts ...Option) BackendFactory {
	return func(_ context.Context, spec Spec) (Backend, error) {
		return NewMemoryBackend(spec, opts...), nil
	}
}

// NewMemoryBackend creates a memory slot backend and starts its sweep loop.
func NewMemoryBackend(spec Spec, opts ...Option) *MemoryBackend {
	o := newOptions(opts)
	m := &MemoryBackend{
		spec: spec,
		now:  o.now,
		log:  o.log,
		next: make(map[string]time.Time),
		done: make(chan struct{}),
	}
	if o.sweepEvery > 0 {
		m.wg.Add(1)
		go m.sweepLoop(o.sweepEvery)
	}
	return m
}

// Apply admits the call if the key's slot is open.
func (m *MemoryBackend) Apply(ctx context.Context, call Call) (*ratelimit.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if next, ok := m.next[call.Key]; ok && now.Before(next) {
		return rejected(m.spec, call.Weight, next.Sub(now)), nil
	}

	reserved := m.spec.WindowSize * time.Duration(call.Weight)
	m.next[call.Key] = now.Add(reserved)
	return admitted(m.spec, call.Weight, reserved), nil
}

// Len returns the number of keys with a reserved slot.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.next)
}

// Sweep forgets keys whose slot has opened and returns how many were removed.
func (m *MemoryBackend) Sweep() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, next := range m.next {
		if !now.Before(next) {
			delete(m.next, key)
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

func (m *MemoryBackend) sweepLoop(every time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				metrics.RecordSwept(n)
				m.log.Debug("swept open spike arrest slots", "removed", n)
			}
		}
	}
}
