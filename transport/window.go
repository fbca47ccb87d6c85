package transport

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/creditflow/internal/runtime/affinity"
	"github.com/drblury/creditflow/internal/runtime/future"
	"github.com/drblury/creditflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/creditflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/creditflow/internal/runtime/metadata"
)

// Metadata keys written on Watermill messages built from an Outgoing.
const (
	HeaderContentType   = "content_type"
	HeaderCorrelationID = "correlation_id"
	HeaderSubject       = "subject"
	HeaderDurable       = "durable"
	HeaderTTL           = "ttl_ms"
	HeaderPriority      = "priority"
)

// WireHeaders returns the message headers plus the Outgoing fields encoded
// under the Header* keys.
func (o Outgoing) WireHeaders() metadatapkg.Headers {
	h := o.Headers.Clone()
	if o.ContentType != "" {
		h[HeaderContentType] = o.ContentType
	}
	if o.CorrelationID != "" {
		h[HeaderCorrelationID] = o.CorrelationID
	}
	if o.Subject != "" {
		h[HeaderSubject] = o.Subject
	}
	if o.Durable {
		h[HeaderDurable] = "true"
	}
	if o.TTL > 0 {
		h[HeaderTTL] = strconv.FormatInt(o.TTL.Milliseconds(), 10)
	}
	if o.Priority > 0 {
		h[HeaderPriority] = strconv.Itoa(int(o.Priority))
	}
	return h
}

// ToWatermill converts an Outgoing into a Watermill message. Messages without
// an ID receive a ULID.
func ToWatermill(out Outgoing) *message.Message {
	id := out.ID
	if id == "" {
		id = ids.CreateULID()
	}
	msg := message.NewMessage(id, out.Payload)
	msg.Metadata = metadatapkg.ToWatermill(out.WireHeaders())
	return msg
}

// WindowedSender emulates credit for a Watermill publisher that has no flow
// control of its own: the grant is the window minus unsettled publishes. All
// senders of one PublisherConnector share the window.
type WindowedSender struct {
	publisher message.Publisher
	address   string
	window    int64
	inflight  *atomic.Int64
	closed    *atomic.Bool
	wg        *sync.WaitGroup
}

func (s *WindowedSender) RemainingCredit() int64 {
	if s.closed.Load() {
		return 0
	}
	if credit := s.window - s.inflight.Load(); credit > 0 {
		return credit
	}
	return 0
}

// Send publishes on its own goroutine; Watermill publishers block until the
// broker accepted the message.
func (s *WindowedSender) Send(ctx context.Context, out Outgoing) *future.Future[Receipt] {
	if s.closed.Load() {
		return future.Failed[Receipt](ErrClientClosed)
	}
	address := out.Address
	if address == "" {
		address = s.address
	}
	msg := ToWatermill(out)
	msg.SetContext(ctx)

	result := future.New[Receipt]()
	s.inflight.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.publisher.Publish(address, msg)
		s.inflight.Add(-1)
		result.Resolve(Receipt{Address: address}, err)
	}()
	return result
}

// PublisherConnector adapts any Watermill publisher to a Connector with a
// dedicated event loop and windowed credit.
type PublisherConnector struct {
	name      string
	publisher message.Publisher
	window    int64
	caps      Capabilities
	loop      *affinity.Loop

	inflight atomic.Int64
	closed   atomic.Bool
	wg       sync.WaitGroup
}

// NewPublisherConnector owns publisher; Close closes it.
func NewPublisherConnector(name string, publisher message.Publisher, window int, caps Capabilities, logger watermill.LoggerAdapter) *PublisherConnector {
	if window <= 0 {
		window = 1
	}
	return &PublisherConnector{
		name:      name,
		publisher: publisher,
		window:    int64(window),
		caps:      caps,
		loop:      affinity.NewLoop(name, loggingpkg.FromWatermill(logger)),
	}
}

func (c *PublisherConnector) Name() string                { return c.name }
func (c *PublisherConnector) Executor() affinity.Executor { return c.loop }
func (c *PublisherConnector) Capabilities() Capabilities  { return c.caps }

// Publisher exposes the wrapped Watermill publisher.
func (c *PublisherConnector) Publisher() message.Publisher { return c.publisher }

func (c *PublisherConnector) Acquire(_ context.Context, opts SenderOptions) *future.Future[Sender] {
	if c.closed.Load() {
		return future.Failed[Sender](ErrClientClosed)
	}
	return future.Completed[Sender](&WindowedSender{
		publisher: c.publisher,
		address:   opts.Address,
		window:    c.window,
		inflight:  &c.inflight,
		closed:    &c.closed,
		wg:        &c.wg,
	})
}

// Close waits for unsettled publishes, then closes the publisher and the loop.
func (c *PublisherConnector) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.wg.Wait()
	err := c.publisher.Close()
	c.loop.Close()
	return err
}
