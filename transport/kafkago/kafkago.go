// Package kafkago provides a Kafka transport on segmentio/kafka-go's
// asynchronous writer. Credit is the configured maximum of pending writes
// minus the writes whose completion has not been reported yet.
package kafkago

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/segmentio/kafka-go"

	"github.com/drblury/creditflow/internal/runtime/affinity"
	"github.com/drblury/creditflow/internal/runtime/future"
	loggingpkg "github.com/drblury/creditflow/internal/runtime/logging"
	"github.com/drblury/creditflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafkago"

// ErrBrokersRequired is returned when no broker address is configured.
var ErrBrokersRequired = errors.New("kafka: brokers are required")

// Writer is the subset of *kafka.Writer the connector uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// WriterConfig is handed to WriterFactory.
type WriterConfig struct {
	Brokers  []string
	ClientID string
	// Completion must be installed on the writer; it settles pending sends.
	Completion func(messages []kafka.Message, err error)
}

// WriterFactory allows overriding the writer creation for testing.
var WriterFactory = func(cfg WriterConfig) Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		Async:                  true,
		AllowAutoTopicCreation: true,
		Completion:             cfg.Completion,
		Transport:              &kafka.Transport{ClientID: cfg.ClientID},
	}
}

func init() {
	Register()
}

// Register registers the kafka-go transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaGoCapabilities)
}

// Build creates a new kafka-go connector.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Connector, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return nil, ErrBrokersRequired
	}
	maxPending := cfg.GetPublisherWindow()
	if maxPending <= 0 {
		maxPending = 1
	}

	c := &Connector{
		maxPending: int64(maxPending),
		loop:       affinity.NewLoop(TransportName, loggingpkg.FromWatermill(logger)),
		logger:     logger,
	}
	c.writer = WriterFactory(WriterConfig{
		Brokers:    brokers,
		ClientID:   cfg.GetKafkaClientID(),
		Completion: c.complete,
	})
	return c, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaGoCapabilities
}

// Connector shares one asynchronous writer between all senders; the topic is
// set per message.
type Connector struct {
	writer     Writer
	maxPending int64
	pending    atomic.Int64
	closed     atomic.Bool
	loop       *affinity.Loop
	logger     watermill.LoggerAdapter
}

type pendingWrite struct {
	once   sync.Once
	conn   *Connector
	result *future.Future[transport.Receipt]
}

func (p *pendingWrite) settle(receipt transport.Receipt, err error) {
	p.once.Do(func() {
		p.conn.pending.Add(-1)
		if errors.Is(err, io.ErrClosedPipe) {
			err = errors.Join(transport.ErrClientClosed, err)
		}
		p.result.Resolve(receipt, err)
	})
}

// complete runs on the writer's goroutines.
func (c *Connector) complete(messages []kafka.Message, err error) {
	for _, m := range messages {
		p, ok := m.WriterData.(*pendingWrite)
		if !ok {
			continue
		}
		p.settle(transport.Receipt{Address: m.Topic, Partition: m.Partition, Offset: m.Offset}, err)
	}
}

func (c *Connector) Name() string                         { return TransportName }
func (c *Connector) Executor() affinity.Executor          { return c.loop }
func (c *Connector) Capabilities() transport.Capabilities { return transport.KafkaGoCapabilities }

// Pending reports writes awaiting completion.
func (c *Connector) Pending() int64 { return c.pending.Load() }

func (c *Connector) Acquire(_ context.Context, opts transport.SenderOptions) *future.Future[transport.Sender] {
	if c.closed.Load() {
		return future.Failed[transport.Sender](transport.ErrClientClosed)
	}
	return future.Completed[transport.Sender](&sender{conn: c, address: opts.Address})
}

// Close flushes the writer; its completion settles what is still pending.
func (c *Connector) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.writer.Close()
	c.loop.Close()
	return err
}

type sender struct {
	conn    *Connector
	address string
}

func (s *sender) RemainingCredit() int64 {
	if s.conn.closed.Load() {
		return 0
	}
	if credit := s.conn.maxPending - s.conn.pending.Load(); credit > 0 {
		return credit
	}
	return 0
}

func (s *sender) Send(ctx context.Context, out transport.Outgoing) *future.Future[transport.Receipt] {
	if s.conn.closed.Load() {
		return future.Failed[transport.Receipt](transport.ErrClientClosed)
	}
	topic := out.Address
	if topic == "" {
		topic = s.address
	}

	p := &pendingWrite{conn: s.conn, result: future.New[transport.Receipt]()}
	msg := kafka.Message{
		Topic:      topic,
		Key:        []byte(out.ID),
		Value:      out.Payload,
		Headers:    toHeaders(out),
		WriterData: p,
	}
	if out.CorrelationID != "" {
		msg.Key = []byte(out.CorrelationID)
	}

	s.conn.pending.Add(1)
	if err := s.conn.writer.WriteMessages(ctx, msg); err != nil {
		p.settle(transport.Receipt{Address: topic}, err)
	}
	return p.result
}

func toHeaders(out transport.Outgoing) []kafka.Header {
	wire := out.WireHeaders()
	headers := make([]kafka.Header, 0, len(wire)+1)
	if out.ID != "" {
		headers = append(headers, kafka.Header{Key: "message_id", Value: []byte(out.ID)})
	}
	for k, v := range wire {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}
