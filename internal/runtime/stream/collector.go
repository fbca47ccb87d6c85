package stream

import (
	"context"
	"sync"
)

// Collector is a Subscriber recording every signal it receives. It requests
// Batch items at subscription time and requests another batch once the
// previous one has been fully delivered. A zero Batch requests nothing; use
// Request to drive demand manually.
type Collector[T any] struct {
	Batch int64

	mu           sync.Mutex
	subscription Subscription
	subscribed   chan struct{}
	terminated   chan struct{}
	items        []T
	received     int64
	requested    int64
	err          error
	completed    bool
}

// NewCollector returns a Collector requesting batch items at a time.
func NewCollector[T any](batch int64) *Collector[T] {
	return &Collector[T]{
		Batch:      batch,
		subscribed: make(chan struct{}),
		terminated: make(chan struct{}),
	}
}

func (c *Collector[T]) OnSubscribe(s Subscription) {
	c.mu.Lock()
	if c.subscription != nil {
		c.mu.Unlock()
		s.Cancel()
		return
	}
	c.subscription = s
	close(c.subscribed)
	c.mu.Unlock()

	if c.Batch > 0 {
		c.Request(c.Batch)
	}
}

func (c *Collector[T]) OnNext(item T) {
	c.mu.Lock()
	c.items = append(c.items, item)
	c.received++
	refill := c.Batch > 0 && c.received == c.requested
	c.mu.Unlock()

	if refill {
		c.Request(c.Batch)
	}
}

func (c *Collector[T]) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isTerminated() {
		return
	}
	c.err = err
	close(c.terminated)
}

func (c *Collector[T]) OnComplete() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isTerminated() {
		return
	}
	c.completed = true
	close(c.terminated)
}

func (c *Collector[T]) isTerminated() bool {
	select {
	case <-c.terminated:
		return true
	default:
		return false
	}
}

// Request issues n more demand on the current subscription.
func (c *Collector[T]) Request(n int64) {
	c.mu.Lock()
	s := c.subscription
	c.requested = AddCap(c.requested, n)
	c.mu.Unlock()
	if s != nil {
		s.Request(n)
	}
}

// Cancel cancels the current subscription.
func (c *Collector[T]) Cancel() {
	c.mu.Lock()
	s := c.subscription
	c.mu.Unlock()
	if s != nil {
		s.Cancel()
	}
}

// Subscribed is closed once OnSubscribe was received.
func (c *Collector[T]) Subscribed() <-chan struct{} { return c.subscribed }

// Terminated is closed once OnError or OnComplete was received.
func (c *Collector[T]) Terminated() <-chan struct{} { return c.terminated }

// Await blocks until the stream terminates or ctx is done and returns the
// collected items with the terminal error.
func (c *Collector[T]) Await(ctx context.Context) ([]T, error) {
	select {
	case <-c.terminated:
	case <-ctx.Done():
		return c.Items(), ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.items...), c.err
}

// Items returns a snapshot of the items received so far.
func (c *Collector[T]) Items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.items...)
}

// Requested returns the cumulative demand issued.
func (c *Collector[T]) Requested() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requested
}

// Err returns the terminal error, if any.
func (c *Collector[T]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Completed reports whether OnComplete was received.
func (c *Collector[T]) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completed
}
