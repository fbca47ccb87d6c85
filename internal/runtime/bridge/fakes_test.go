package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drblury/creditflow/internal/runtime/affinity"
	"github.com/drblury/creditflow/internal/runtime/config"
	"github.com/drblury/creditflow/internal/runtime/future"
	"github.com/drblury/creditflow/internal/runtime/message"
	"github.com/drblury/creditflow/internal/runtime/stream"
	"github.com/drblury/creditflow/transport"
)

type fakeSender struct {
	credit  atomic.Int64
	consume bool
	// respond scripts the outcome of the n-th send (1-based). Nil accepts.
	respond func(n int, out transport.Outgoing) *future.Future[transport.Receipt]

	lastGrant atomic.Int64
	mu        sync.Mutex
	sent      []transport.Outgoing
}

func newFakeSender(credit int64) *fakeSender {
	s := &fakeSender{}
	s.credit.Store(credit)
	return s
}

func (s *fakeSender) RemainingCredit() int64 {
	g := s.credit.Load()
	s.lastGrant.Store(g)
	return g
}

func (s *fakeSender) Send(_ context.Context, out transport.Outgoing) *future.Future[transport.Receipt] {
	s.mu.Lock()
	s.sent = append(s.sent, out)
	n := len(s.sent)
	s.mu.Unlock()
	if s.consume {
		s.credit.Add(-1)
	}
	if s.respond != nil {
		return s.respond(n, out)
	}
	return future.Completed(transport.Receipt{Address: out.Address, Offset: int64(n)})
}

func (s *fakeSender) Sent() []transport.Outgoing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Outgoing(nil), s.sent...)
}

func (s *fakeSender) SendCount() int {
	return len(s.Sent())
}

type fakeConnector struct {
	loop       *affinity.Loop
	sender     *fakeSender
	acquireErr error
	acquires   atomic.Int32
	lastOpts   atomic.Pointer[transport.SenderOptions]
}

func newFakeConnector(t *testing.T, sender *fakeSender) *fakeConnector {
	t.Helper()
	loop := affinity.NewLoop(t.Name(), nil)
	t.Cleanup(loop.Close)
	return &fakeConnector{loop: loop, sender: sender}
}

func (c *fakeConnector) Name() string                { return "fake" }
func (c *fakeConnector) Executor() affinity.Executor { return c.loop }
func (c *fakeConnector) Close() error                { return nil }

func (c *fakeConnector) Acquire(_ context.Context, opts transport.SenderOptions) *future.Future[transport.Sender] {
	c.acquires.Add(1)
	c.lastOpts.Store(&opts)
	if c.acquireErr != nil {
		return future.Failed[transport.Sender](c.acquireErr)
	}
	return future.Completed[transport.Sender](c.sender)
}

// testUpstream hands out queued messages as they are requested.
type testUpstream struct {
	sender *fakeSender

	mu         sync.Mutex
	sub        stream.Subscriber[*message.Message]
	items      []*message.Message
	completeOn bool
	completed  bool
	requests   []int64
	grants     []int64
	cancels    atomic.Int32
}

func newTestUpstream(sender *fakeSender, complete bool, items ...*message.Message) *testUpstream {
	return &testUpstream{sender: sender, items: items, completeOn: complete}
}

func (u *testUpstream) Subscribe(sub stream.Subscriber[*message.Message]) {
	u.mu.Lock()
	u.sub = sub
	u.mu.Unlock()
	sub.OnSubscribe(u)
}

func (u *testUpstream) Request(n int64) {
	u.mu.Lock()
	u.requests = append(u.requests, n)
	if u.sender != nil {
		u.grants = append(u.grants, u.sender.lastGrant.Load())
	}
	var batch []*message.Message
	for n > 0 && len(u.items) > 0 {
		batch = append(batch, u.items[0])
		u.items = u.items[1:]
		n--
	}
	done := u.completeOn && !u.completed && len(u.items) == 0
	if done {
		u.completed = true
	}
	sub := u.sub
	u.mu.Unlock()

	for _, m := range batch {
		sub.OnNext(m)
	}
	if done {
		sub.OnComplete()
	}
}

func (u *testUpstream) Cancel() { u.cancels.Add(1) }

func (u *testUpstream) Requests() ([]int64, []int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]int64(nil), u.requests...), append([]int64(nil), u.grants...)
}

func (u *testUpstream) TotalRequested() int64 {
	reqs, _ := u.Requests()
	var total int64
	for _, r := range reqs {
		total += r
	}
	return total
}

type ackCounter struct {
	acks  atomic.Int32
	nacks atomic.Int32

	mu     sync.Mutex
	reason error
}

func (c *ackCounter) Reason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func trackedMessage(id string, payload any, opts ...message.Option) (*message.Message, *ackCounter) {
	c := &ackCounter{}
	opts = append(opts,
		message.WithID(id),
		message.WithAck(func() message.Outcome {
			c.acks.Add(1)
			return future.Completed(struct{}{})
		}),
		message.WithNack(func(reason error) message.Outcome {
			c.nacks.Add(1)
			c.mu.Lock()
			c.reason = reason
			c.mu.Unlock()
			return future.Completed(struct{}{})
		}),
	)
	return message.New(payload, opts...), c
}

func testChannel() config.Channel {
	return config.Channel{
		Name:                  "orders",
		CreditRetrievalPeriod: 10 * time.Millisecond,
		RetryInitialInterval:  time.Millisecond,
		RetryInterval:         5 * time.Millisecond,
		FailureStrategy:       config.StrategyIgnore,
	}
}

func newTestBridge(t *testing.T, conn *fakeConnector, ch config.Channel, opts ...Option) *Bridge {
	t.Helper()
	b, err := New(conn, ch, opts...)
	require.NoError(t, err)
	return b
}

func awaitTerminated(t *testing.T, c *stream.Collector[*message.Message]) []*message.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-c.Terminated():
	case <-ctx.Done():
		t.Fatal("stream did not terminate")
	}
	return c.Items()
}
