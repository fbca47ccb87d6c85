// Package amqp provides an AMQP 0-9-1 transport on rabbitmq/amqp091-go with
// publisher confirms. Credit is the maximum of unconfirmed publishes minus
// those in flight, and drops to zero while the broker has paused the channel
// through flow control.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/creditflow/internal/runtime/affinity"
	"github.com/drblury/creditflow/internal/runtime/future"
	loggingpkg "github.com/drblury/creditflow/internal/runtime/logging"
	"github.com/drblury/creditflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "amqp"

var (
	// ErrURLRequired is returned when no AMQP URL is configured.
	ErrURLRequired = errors.New("rabbitmq: URL is required")
	// ErrNacked is returned for publishes the broker refused to confirm.
	ErrNacked = errors.New("amqp: broker nacked the message")
)

// Channel is the subset of *amqp091.Channel the transport uses.
type Channel interface {
	Confirm(noWait bool) error
	GetNextPublishSeqNo() uint64
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	NotifyPublish(confirm chan amqp091.Confirmation) chan amqp091.Confirmation
	NotifyFlow(c chan bool) chan bool
	NotifyClose(c chan *amqp091.Error) chan *amqp091.Error
	Close() error
}

// Connection opens channels.
type Connection interface {
	Channel() (Channel, error)
	Close() error
}

type connection struct {
	*amqp091.Connection
}

func (c connection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialFactory allows overriding the connection creation for testing.
var DialFactory = func(url string) (Connection, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	return connection{Connection: conn}, nil
}

func init() {
	Register()
}

// Register registers the AMQP transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AMQPCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AMQPCapabilities
}

// Build dials the broker. Channels are opened lazily, one per acquired sender.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Connector, error) {
	url := cfg.GetRabbitMQURL()
	if url == "" {
		return nil, ErrURLRequired
	}
	conn, err := DialFactory(url)
	if err != nil {
		return nil, fmt.Errorf("amqp: dial: %w", err)
	}
	maxUnconfirmed := cfg.GetPublisherWindow()
	if maxUnconfirmed <= 0 {
		maxUnconfirmed = 1
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Connector{
		conn:           conn,
		maxUnconfirmed: int64(maxUnconfirmed),
		loop:           affinity.NewLoop(TransportName, loggingpkg.FromWatermill(logger)),
		logger:         logger,
	}, nil
}

// Connector owns one AMQP connection.
type Connector struct {
	conn           Connection
	maxUnconfirmed int64
	loop           *affinity.Loop
	logger         watermill.LoggerAdapter

	mu      sync.Mutex
	senders []*Sender
	closed  bool
}

func (c *Connector) Name() string                         { return TransportName }
func (c *Connector) Executor() affinity.Executor          { return c.loop }
func (c *Connector) Capabilities() transport.Capabilities { return transport.AMQPCapabilities }

// Acquire opens a confirm-mode channel bound to opts.Address.
func (c *Connector) Acquire(_ context.Context, opts transport.SenderOptions) *future.Future[transport.Sender] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return future.Failed[transport.Sender](transport.ErrClientClosed)
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return future.Failed[transport.Sender](fmt.Errorf("amqp: open channel: %w", err))
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return future.Failed[transport.Sender](fmt.Errorf("amqp: enable confirms: %w", err))
	}

	s := newSender(ch, opts.Address, c.maxUnconfirmed, c.logger)
	c.senders = append(c.senders, s)
	c.logger.Debug("Opened AMQP sender", watermill.LogFields{"address": opts.Address, "anonymous": opts.Anonymous})
	return future.Completed[transport.Sender](s)
}

// Close closes every sender channel, then the connection and the loop.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	senders := c.senders
	c.senders = nil
	c.mu.Unlock()

	var errs []error
	for _, s := range senders {
		errs = append(errs, s.Close())
	}
	errs = append(errs, c.conn.Close())
	c.loop.Close()
	return errors.Join(errs...)
}

// Sender publishes on one confirm-mode channel.
type Sender struct {
	ch             Channel
	address        string
	maxUnconfirmed int64
	logger         watermill.LoggerAdapter

	mu      sync.Mutex
	pending map[uint64]*future.Future[transport.Receipt]

	flowPaused atomic.Bool
	closed     atomic.Bool
	done       chan struct{}
}

func newSender(ch Channel, address string, maxUnconfirmed int64, logger watermill.LoggerAdapter) *Sender {
	s := &Sender{
		ch:             ch,
		address:        address,
		maxUnconfirmed: maxUnconfirmed,
		logger:         logger,
		pending:        make(map[uint64]*future.Future[transport.Receipt]),
		done:           make(chan struct{}),
	}
	confirms := ch.NotifyPublish(make(chan amqp091.Confirmation, maxUnconfirmed))
	flow := ch.NotifyFlow(make(chan bool, 1))
	closes := ch.NotifyClose(make(chan *amqp091.Error, 1))
	go s.watch(confirms, flow, closes)
	return s
}

func (s *Sender) watch(confirms <-chan amqp091.Confirmation, flow <-chan bool, closes <-chan *amqp091.Error) {
	defer close(s.done)
	for {
		select {
		case c, ok := <-confirms:
			if !ok {
				s.failAll(transport.ErrClientClosed)
				return
			}
			s.confirm(c)
		case active, ok := <-flow:
			if !ok {
				flow = nil
				continue
			}
			s.flowPaused.Store(!active)
			s.logger.Info("AMQP channel flow changed", watermill.LogFields{"address": s.address, "active": active})
		case amqpErr, ok := <-closes:
			s.closed.Store(true)
			err := transport.ErrClientClosed
			if ok && amqpErr != nil {
				err = errors.Join(transport.ErrClientClosed, amqpErr)
			}
			s.failAll(err)
			return
		}
	}
}

func (s *Sender) confirm(c amqp091.Confirmation) {
	s.mu.Lock()
	result, ok := s.pending[c.DeliveryTag]
	delete(s.pending, c.DeliveryTag)
	s.mu.Unlock()
	if !ok {
		return
	}
	if !c.Ack {
		result.Fail(ErrNacked)
		return
	}
	result.Complete(transport.Receipt{Address: s.address, Sequence: c.DeliveryTag})
}

func (s *Sender) failAll(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[uint64]*future.Future[transport.Receipt])
	s.mu.Unlock()
	for _, result := range pending {
		result.Fail(err)
	}
}

// Unconfirmed reports publishes awaiting a broker confirmation.
func (s *Sender) Unconfirmed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.pending))
}

func (s *Sender) RemainingCredit() int64 {
	if s.closed.Load() || s.flowPaused.Load() {
		return 0
	}
	if credit := s.maxUnconfirmed - s.Unconfirmed(); credit > 0 {
		return credit
	}
	return 0
}

func (s *Sender) Send(ctx context.Context, out transport.Outgoing) *future.Future[transport.Receipt] {
	if s.closed.Load() {
		return future.Failed[transport.Receipt](transport.ErrClientClosed)
	}
	key := out.Address
	if key == "" {
		key = s.address
	}

	result := future.New[transport.Receipt]()
	s.mu.Lock()
	seq := s.ch.GetNextPublishSeqNo()
	s.pending[seq] = result
	s.mu.Unlock()

	if err := s.ch.PublishWithContext(ctx, "", key, false, false, toPublishing(out)); err != nil {
		s.mu.Lock()
		delete(s.pending, seq)
		s.mu.Unlock()
		if errors.Is(err, amqp091.ErrClosed) {
			err = errors.Join(transport.ErrClientClosed, err)
		}
		result.Fail(err)
	}
	return result
}

// Close closes the channel and waits for pending publishes to be failed.
func (s *Sender) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.ch.Close()
	<-s.done
	return err
}

func toPublishing(out transport.Outgoing) amqp091.Publishing {
	p := amqp091.Publishing{
		MessageId:     out.ID,
		ContentType:   out.ContentType,
		CorrelationId: out.CorrelationID,
		Type:          out.Subject,
		Priority:      out.Priority,
		Timestamp:     time.Now(),
		Body:          out.Payload,
		DeliveryMode:  amqp091.Transient,
	}
	if out.Durable {
		p.DeliveryMode = amqp091.Persistent
	}
	if out.TTL > 0 {
		p.Expiration = strconv.FormatInt(out.TTL.Milliseconds(), 10)
	}
	if len(out.Headers) > 0 {
		p.Headers = make(amqp091.Table, len(out.Headers))
		for k, v := range out.Headers {
			p.Headers[k] = v
		}
	}
	return p
}
