package stream

import (
	"context"
	"sync"
	"sync/atomic"
)

// FromSlice returns a Publisher emitting items in order, honouring demand.
// Each Subscribe call replays the slice.
func FromSlice[T any](items ...T) Publisher[T] {
	return sliceSource[T]{items: items}
}

type sliceSource[T any] struct {
	items []T
}

func (s sliceSource[T]) Subscribe(sub Subscriber[T]) {
	e := &emitter[T]{sub: sub, items: s.items}
	sub.OnSubscribe(e)
	if len(s.items) == 0 {
		e.finish()
	}
}

type emitter[T any] struct {
	mu       sync.Mutex
	sub      Subscriber[T]
	items    []T
	next     int
	demand   int64
	emitting bool
	done     bool
}

func (e *emitter[T]) Request(n int64) {
	if err := ValidateDemand(n); err != nil {
		e.mu.Lock()
		if e.done {
			e.mu.Unlock()
			return
		}
		e.done = true
		e.mu.Unlock()
		e.sub.OnError(err)
		return
	}

	e.mu.Lock()
	e.demand = AddCap(e.demand, n)
	if e.emitting || e.done {
		e.mu.Unlock()
		return
	}
	e.emitting = true
	e.mu.Unlock()

	// Re-entrant Request calls from OnNext only raise demand; this loop drains it.
	for {
		e.mu.Lock()
		if e.done {
			e.emitting = false
			e.mu.Unlock()
			return
		}
		if e.next >= len(e.items) {
			e.done = true
			e.emitting = false
			e.mu.Unlock()
			e.sub.OnComplete()
			return
		}
		if e.demand == 0 {
			e.emitting = false
			e.mu.Unlock()
			return
		}
		item := e.items[e.next]
		e.next++
		if e.demand != Unbounded {
			e.demand--
		}
		e.mu.Unlock()

		e.sub.OnNext(item)
	}
}

func (e *emitter[T]) Cancel() {
	e.mu.Lock()
	e.done = true
	e.mu.Unlock()
}

func (e *emitter[T]) finish() {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return
	}
	e.done = true
	e.mu.Unlock()
	e.sub.OnComplete()
}

// FromChannel returns a Publisher draining ch while demand is available. The
// stream completes when ch is closed and fails with ctx.Err() when ctx is
// done before the subscriber cancelled.
// Only one subscriber should be attached since items are consumed.
func FromChannel[T any](ctx context.Context, ch <-chan T) Publisher[T] {
	return chanSource[T]{ctx: ctx, ch: ch}
}

type chanSource[T any] struct {
	ctx context.Context
	ch  <-chan T
}

func (c chanSource[T]) Subscribe(sub Subscriber[T]) {
	ctx, cancel := context.WithCancel(c.ctx)
	cs := &chanSubscription{requests: make(chan int64, 16), cancel: cancel, done: ctx.Done()}
	sub.OnSubscribe(cs)
	go c.pump(ctx, sub, cs)
}

type chanSubscription struct {
	requests chan int64
	cancel    context.CancelFunc
	done      <-chan struct{}
	once      sync.Once
	cancelled atomic.Bool
}

func (c *chanSubscription) Request(n int64) {
	select {
	case c.requests <- n:
	default:
		// Pump is saturated; spill asynchronously to keep Request non-blocking.
		go func() {
			select {
			case c.requests <- n:
			case <-c.done:
			}
		}()
	}
}

func (c *chanSubscription) Cancel() {
	c.cancelled.Store(true)
	c.once.Do(c.cancel)
}

func (c chanSource[T]) pump(ctx context.Context, sub Subscriber[T], cs *chanSubscription) {
	defer cs.Cancel()
	var demand int64
	for {
		if demand == 0 {
			select {
			case <-ctx.Done():
				c.stop(sub, cs)
				return
			case n := <-cs.requests:
				if err := ValidateDemand(n); err != nil {
					sub.OnError(err)
					return
				}
				demand = AddCap(demand, n)
			}
			continue
		}

		select {
		case <-ctx.Done():
			c.stop(sub, cs)
			return
		case n := <-cs.requests:
			if err := ValidateDemand(n); err != nil {
				sub.OnError(err)
				return
			}
			demand = AddCap(demand, n)
		case item, ok := <-c.ch:
			if !ok {
				sub.OnComplete()
				return
			}
			if demand != Unbounded {
				demand--
			}
			sub.OnNext(item)
		}
	}
}

// stop reports the parent context's error unless the subscriber cancelled.
func (c chanSource[T]) stop(sub Subscriber[T], cs *chanSubscription) {
	if cs.cancelled.Load() {
		return
	}
	if err := c.ctx.Err(); err != nil {
		sub.OnError(err)
	}
}
