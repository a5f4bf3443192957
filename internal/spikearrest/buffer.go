package spikearrest

import (
	"context"
	"sync"
	"time"

	"github.com/edgequota/edgequota/internal/metrics"
	"github.com/edgequota/edgequota/internal/ratelimit"
	"github.com/edgequota/edgequota/pkg/logger"
)

// minReplayDelay keeps a head that was rejected with a sub-millisecond wait
// from spinning on the backend.
const minReplayDelay = time.Millisecond

// Buffer wraps a Backend and delays early calls instead of rejecting them.
//
// Each key is a small state machine. An idle key with an empty queue sends
// the call straight to the backend. A call that the backend rejects, or
// that arrives while the key is busy or already has waiters, joins the
// key's FIFO queue. One timer per key replays the queue head when the
// backend says the next slot opens; a head rejected again stays at the
// head. Once the queue holds BufferSize callers further arrivals are
// rejected at once.
type Buffer struct {
	backend    Backend
	name       string
	allow      int64
	size       int
	windowSize time.Duration
	now        func() time.Time
	log        *logger.Logger

	mu     sync.Mutex
	keys   map[string]*keyState
	closed bool
}

type keyState struct {
	queue []*waiter
	busy  bool // a backend call for this key is in flight
	// direct is set while an unqueued caller's own attempt is in flight.
	// It holds a queue slot so that caller can take the head if rejected.
	direct bool
	timer *time.Timer
	gen   uint64
	since time.Time // when the current backlog started
}

type waiter struct {
	ctx  context.Context
	call Call
	done chan ratelimit.Outcome
}

var _ Backend = (*Buffer)(nil)

// NewBuffer wraps backend with a smoothing queue of spec.BufferSize callers
// per key.
func NewBuffer(backend Backend, spec Spec, opts ...Option) *Buffer {
	o := newOptions(opts)
	return &Buffer{
		backend:    backend,
		name:       spec.Name,
		allow:      spec.Allow,
		size:       spec.BufferSize,
		windowSize: spec.WindowSize,
		now:        o.now,
		log:        o.log,
		keys:       make(map[string]*keyState),
	}
}

// Apply admits the call, waits for a slot, or rejects it when the key's
// queue is full. A caller whose ctx ends stops waiting and gets ctx.Err(),
// but its entry stays queued and takes a slot when replayed.
func (b *Buffer) Apply(ctx context.Context, call Call) (*ratelimit.Result, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ratelimit.ErrClosed
	}

	st, ok := b.keys[call.Key]
	if !ok {
		st = &keyState{}
		b.keys[call.Key] = st
	}

	if st.busy || len(st.queue) > 0 {
		if b.occupied(st) >= b.size {
			res := b.overflow(st, call)
			b.mu.Unlock()
			return res, nil
		}
		w := b.enqueue(ctx, st, call, false)
		if !st.busy && st.timer == nil {
			b.schedule(call.Key, st, 0)
		}
		b.mu.Unlock()
		return w.wait(ctx)
	}

	st.busy = true
	st.direct = true
	b.mu.Unlock()

	res, err := b.backend.Apply(ctx, call)

	b.mu.Lock()
	st.busy = false
	st.direct = false

	if b.closed {
		b.mu.Unlock()
		return res, err
	}

	if err != nil || res.IsAllowed {
		b.settle(call.Key, st, res, err)
		b.mu.Unlock()
		return res, err
	}

	// The slot held by the direct attempt guarantees room at the head.
	w := b.enqueue(ctx, st, call, true)
	b.schedule(call.Key, st, replayDelay(res))
	b.mu.Unlock()
	return w.wait(ctx)
}

// Len returns the number of callers waiting across all keys.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, st := range b.keys {
		n += len(st.queue)
	}
	return n
}

// Close stops every timer, fails waiting callers with ratelimit.ErrClosed
// and closes the wrapped backend.
func (b *Buffer) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true

	failed := 0
	for key, st := range b.keys {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		for _, w := range st.queue {
			w.done <- ratelimit.Outcome{Err: ratelimit.ErrClosed}
		}
		failed += len(st.queue)
		st.queue = nil
		delete(b.keys, key)
	}
	b.mu.Unlock()

	if failed > 0 {
		metrics.RecordBuffered(b.name, -failed)
		b.log.Debug("spike arrest buffer closed with waiters", "limiter", b.name, "failed", failed)
	}
	return b.backend.Close()
}

// occupied counts queued callers plus an in-flight direct attempt. Caller
// holds b.mu.
func (b *Buffer) occupied(st *keyState) int {
	n := len(st.queue)
	if st.direct {
		n++
	}
	return n
}

// enqueue adds a waiter at the tail, or at the head for a caller whose own
// attempt was just rejected. Caller holds b.mu.
func (b *Buffer) enqueue(ctx context.Context, st *keyState, call Call, head bool) *waiter {
	w := &waiter{ctx: ctx, call: call, done: make(chan ratelimit.Outcome, 1)}
	if head {
		st.queue = append([]*waiter{w}, st.queue...)
	} else {
		st.queue = append(st.queue, w)
	}
	if st.since.IsZero() {
		st.since = b.now()
	}
	metrics.RecordBuffered(b.name, 1)
	return w
}

// overflow is the immediate rejection for a full queue. The wait is an
// estimate: one slot per queued caller plus one for this call, less the
// time the backlog has already drained. Caller holds b.mu.
func (b *Buffer) overflow(st *keyState, call Call) *ratelimit.Result {
	wait := time.Duration(b.size+1)*b.windowSize - b.now().Sub(st.since)
	if wait < 0 {
		wait = 0
	}
	return &ratelimit.Result{
		Allowed:    b.allow,
		Used:       call.Weight,
		IsAllowed:  false,
		ExpiryTime: ratelimit.Millis(wait),
	}
}

// settle decides what happens to a key after a backend call that did not
// leave its caller queued. Caller holds b.mu.
func (b *Buffer) settle(key string, st *keyState, res *ratelimit.Result, err error) {
	if len(st.queue) == 0 {
		b.release(key, st)
		return
	}
	if st.timer != nil {
		return
	}
	var d time.Duration
	if err == nil && res != nil {
		d = time.Duration(res.ExpiryTime) * time.Millisecond
	}
	b.schedule(key, st, d)
}

// schedule arms the key's timer. Caller holds b.mu.
func (b *Buffer) schedule(key string, st *keyState, d time.Duration) {
	if st.timer != nil {
		st.timer.Stop()
	}
	st.gen++
	gen := st.gen
	st.timer = time.AfterFunc(d, func() { b.replay(key, st, gen) })
}

// release forgets an idle key. Caller holds b.mu.
func (b *Buffer) release(key string, st *keyState) {
	if st.busy || len(st.queue) > 0 || st.timer != nil {
		return
	}
	st.since = time.Time{}
	if b.keys[key] == st {
		delete(b.keys, key)
	}
}

// replay attempts the queue head. Runs on the key's timer.
func (b *Buffer) replay(key string, st *keyState, gen uint64) {
	b.mu.Lock()
	if b.closed || b.keys[key] != st || st.gen != gen {
		b.mu.Unlock()
		return
	}
	st.timer = nil
	if len(st.queue) == 0 {
		b.release(key, st)
		b.mu.Unlock()
		return
	}
	head := st.queue[0]
	st.busy = true
	b.mu.Unlock()

	// A caller that gave up still owns its place in line.
	res, err := b.backend.Apply(context.WithoutCancel(head.ctx), head.call)

	b.mu.Lock()
	defer b.mu.Unlock()
	st.busy = false
	if b.closed {
		return
	}

	if err == nil && !res.IsAllowed {
		b.schedule(key, st, replayDelay(res))
		return
	}

	st.queue = st.queue[1:]
	metrics.RecordBuffered(b.name, -1)
	head.done <- ratelimit.Outcome{Result: res, Err: err}
	if err != nil {
		b.log.Warn("spike arrest replay failed", "limiter", b.name, "key", key, "error", err)
	}

	if len(st.queue) == 0 {
		b.release(key, st)
		return
	}
	st.since = b.now()
	var d time.Duration
	if err == nil {
		d = time.Duration(res.ExpiryTime) * time.Millisecond
	}
	b.schedule(key, st, d)
}

func (w *waiter) wait(ctx context.Context) (*ratelimit.Result, error) {
	select {
	case out := <-w.done:
		return out.Result, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func replayDelay(res *ratelimit.Result) time.Duration {
	d := time.Duration(res.ExpiryTime) * time.Millisecond
	if d < minReplayDelay {
		d = minReplayDelay
	}
	return d
}
