package spikearrest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgequota/edgequota/internal/ratelimit"
)

func newBufferedLimiter(t *testing.T, timeUnit string, allow int64, bufferSize int) *Limiter {
	t.Helper()
	cfg := Config{Name: t.Name(), TimeUnit: timeUnit, Allow: allow, BufferSize: bufferSize}
	l, err := New(context.Background(), cfg, Memory(WithSweepInterval(0)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func buffered(l *Limiter) int {
	return l.backend.(*Buffer).Len()
}

func TestBuffer_SmoothsBurst(t *testing.T) {
	// 20/s gives 50ms slots.
	l := newBufferedLimiter(t, "second", 20, 1)
	ctx := context.Background()

	res, err := l.Apply(ctx, ratelimit.Request{Identifier: "k"})
	require.NoError(t, err)
	require.True(t, res.IsAllowed)

	start := time.Now()
	second := l.ApplyAsync(ctx, ratelimit.Request{Identifier: "k"})
	require.Eventually(t, func() bool { return buffered(l) == 1 }, time.Second, time.Millisecond)

	// The queue is full, so a third caller is turned away at once.
	res, err = l.Apply(ctx, ratelimit.Request{Identifier: "k"})
	require.NoError(t, err)
	assert.False(t, res.IsAllowed)
	assert.Positive(t, res.ExpiryTime)
	assert.LessOrEqual(t, res.ExpiryTime, int64(100))

	out := <-second
	require.NoError(t, out.Err)
	assert.True(t, out.Result.IsAllowed, "second call is delayed, not rejected")
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 0, buffered(l))
}

func TestBuffer_FIFO(t *testing.T) {
	// 200ms slots leave room to line the callers up before the first replay.
	l := newBufferedLimiter(t, "second", 5, 3)
	ctx := context.Background()

	res, err := l.Apply(ctx, ratelimit.Request{Identifier: "k"})
	require.NoError(t, err)
	require.True(t, res.IsAllowed)

	var (
		mu    sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	for i, name := range []string{"b", "c", "d"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			res, err := l.Apply(ctx, ratelimit.Request{Identifier: "k"})
			if assert.NoError(t, err) && assert.True(t, res.IsAllowed) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
			}
		}(name)
		want := i + 1
		require.Eventually(t, func() bool { return buffered(l) == want }, time.Second, time.Millisecond)
	}

	wg.Wait()
	assert.Equal(t, []string{"b", "c", "d"}, order)
}

func TestBuffer_KeysAreIndependent(t *testing.T) {
	l := newBufferedLimiter(t, "minute", 1, 1)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		res, err := l.Apply(ctx, ratelimit.Request{Identifier: key})
		require.NoError(t, err)
		assert.True(t, res.IsAllowed, key)
	}
	assert.Equal(t, 0, buffered(l))
}

func TestBuffer_OverflowEstimate(t *testing.T) {
	l := newBufferedLimiter(t, "minute", 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := l.Apply(ctx, ratelimit.Request{Identifier: "k"})
	require.NoError(t, err)

	waiting := l.ApplyAsync(ctx, ratelimit.Request{Identifier: "k"})
	require.Eventually(t, func() bool { return buffered(l) == 1 }, time.Second, time.Millisecond)

	res, err := l.Apply(context.Background(), ratelimit.Request{Identifier: "k"})
	require.NoError(t, err)
	assert.False(t, res.IsAllowed)
	assert.InDelta(t, 2*60_000, res.ExpiryTime, 1_000)

	cancel()
	out := <-waiting
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestBuffer_CanceledWaiterKeepsItsPlace(t *testing.T) {
	l := newBufferedLimiter(t, "minute", 1, 2)

	_, err := l.Apply(context.Background(), ratelimit.Request{Identifier: "k"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	waiting := l.ApplyAsync(ctx, ratelimit.Request{Identifier: "k"})
	require.Eventually(t, func() bool { return buffered(l) == 1 }, time.Second, time.Millisecond)

	cancel()
	out := <-waiting
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, 1, buffered(l))
}

func TestBuffer_CloseFailsWaiters(t *testing.T) {
	l := newBufferedLimiter(t, "minute", 1, 2)
	ctx := context.Background()

	_, err := l.Apply(ctx, ratelimit.Request{Identifier: "k"})
	require.NoError(t, err)

	first := l.ApplyAsync(ctx, ratelimit.Request{Identifier: "k"})
	require.Eventually(t, func() bool { return buffered(l) == 1 }, time.Second, time.Millisecond)
	second := l.ApplyAsync(ctx, ratelimit.Request{Identifier: "k"})
	require.Eventually(t, func() bool { return buffered(l) == 2 }, time.Second, time.Millisecond)

	require.NoError(t, l.Close())

	for _, ch := range []<-chan ratelimit.Outcome{first, second} {
		select {
		case out := <-ch:
			assert.ErrorIs(t, out.Err, ratelimit.ErrClosed)
		case <-time.After(time.Second):
			t.Fatal("waiter was not released by Close")
		}
	}

	_, err = l.Apply(ctx, ratelimit.Request{Identifier: "k"})
	assert.ErrorIs(t, err, ratelimit.ErrClosed)
}

// scriptedBackend returns queued answers in order.
type scriptedBackend struct {
	mu      sync.Mutex
	answers []func() (*ratelimit.Result, error)
	calls   int
	closed  bool
}

func (s *scriptedBackend) Apply(context.Context, Call) (*ratelimit.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	next := s.answers[0]
	if len(s.answers) > 1 {
		s.answers = s.answers[1:]
	}
	return next()
}

func (s *scriptedBackend) Close() error {
	s.closed = true
	return nil
}

func TestBuffer_BackendErrors(t *testing.T) {
	boom := errors.New("store down")
	spec, err := Config{TimeUnit: "second", Allow: 100, BufferSize: 1}.Validate()
	require.NoError(t, err)

	t.Run("direct attempt", func(t *testing.T) {
		backend := &scriptedBackend{answers: []func() (*ratelimit.Result, error){
			func() (*ratelimit.Result, error) { return nil, boom },
		}}
		b := NewBuffer(backend, spec)

		_, err := b.Apply(context.Background(), Call{Key: "k", Weight: 1})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 0, b.Len())

		require.NoError(t, b.Close())
		assert.True(t, backend.closed)
	})

	t.Run("replay", func(t *testing.T) {
		backend := &scriptedBackend{answers: []func() (*ratelimit.Result, error){
			func() (*ratelimit.Result, error) { return rejected(spec, 1, 5*time.Millisecond), nil },
			func() (*ratelimit.Result, error) { return nil, boom },
		}}
		b := NewBuffer(backend, spec)
		defer b.Close()

		_, err := b.Apply(context.Background(), Call{Key: "k", Weight: 1})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 2, backend.calls)
		assert.Equal(t, 0, b.Len())
	})
}

func TestBuffer_InFlightAttemptKeepsItsTurn(t *testing.T) {
	spec, err := Config{TimeUnit: "second", Allow: 100, BufferSize: 1}.Validate()
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	backend := &scriptedBackend{answers: []func() (*ratelimit.Result, error){
		func() (*ratelimit.Result, error) {
			close(started)
			<-release
			return rejected(spec, 1, 5*time.Millisecond), nil
		},
		func() (*ratelimit.Result, error) { return admitted(spec, 1, 10*time.Millisecond), nil },
	}}
	b := NewBuffer(backend, spec)
	defer b.Close()
	ctx := context.Background()

	first := make(chan ratelimit.Outcome, 1)
	go func() {
		res, err := b.Apply(ctx, Call{Key: "k", Weight: 1})
		first <- ratelimit.Outcome{Result: res, Err: err}
	}()
	<-started

	// The earlier caller's attempt holds the only slot, so the later one overflows.
	res, err := b.Apply(ctx, Call{Key: "k", Weight: 1})
	require.NoError(t, err)
	assert.False(t, res.IsAllowed)
	assert.Equal(t, 0, b.Len())

	close(release)
	select {
	case out := <-first:
		require.NoError(t, out.Err)
		assert.True(t, out.Result.IsAllowed, "earlier caller is delayed, not rejected")
	case <-time.After(time.Second):
		t.Fatal("earlier caller was never replayed")
	}
	assert.Equal(t, 2, backend.calls)
}
