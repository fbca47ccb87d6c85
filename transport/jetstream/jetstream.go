// Package jetstream provides a NATS JetStream transport. Sends use async
// publish; credit is the async pending limit minus acks still outstanding.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"

	"github.com/drblury/creditflow/internal/runtime/affinity"
	"github.com/drblury/creditflow/internal/runtime/future"
	loggingpkg "github.com/drblury/creditflow/internal/runtime/logging"
	"github.com/drblury/creditflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is used when no stream is configured.
	DefaultStreamName = "CREDITFLOW"
	// DefaultMaxAge bounds how long the stream retains messages.
	DefaultMaxAge = 7 * 24 * time.Hour
)

// ErrURLRequired is returned when no NATS URL is configured.
var ErrURLRequired = errors.New("jetstream: URL is required")

// JetStream is the subset of nats.JetStreamContext the transport uses.
type JetStream interface {
	PublishMsgAsync(m *nats.Msg, opts ...nats.PubOpt) (nats.PubAckFuture, error)
	PublishAsyncPending() int
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// ConnectFactory allows overriding the connection creation for testing. The
// returned func closes the underlying connection.
var ConnectFactory = func(url string, maxPending int) (JetStream, func(), error) {
	nc, err := nats.Connect(url, nats.Name("creditflow"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, err
	}
	js, err := nc.JetStream(nats.PublishAsyncMaxPending(maxPending))
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return js, nc.Close, nil
}

func init() {
	Register()
}

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds JetStream-specific configuration.
type Config struct {
	URL        string
	StreamName string
	// MaxPending is the async publish limit and therefore the credit ceiling.
	MaxPending int
	Replicas   int
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 1
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// Build connects to NATS and ensures the stream exists.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Connector, error) {
	return New(Config{
		URL:        cfg.GetNATSURL(),
		StreamName: cfg.GetJetStreamStream(),
		MaxPending: cfg.GetPublisherWindow(),
	}, logger)
}

// Connector publishes into one JetStream stream.
type Connector struct {
	js      JetStream
	closeNC func()
	config  Config
	loop    *affinity.Loop
	logger  watermill.LoggerAdapter

	closed  atomic.Bool
	closing chan struct{}
	wg      sync.WaitGroup
}

// New creates a JetStream connector.
func New(cfg Config, logger watermill.LoggerAdapter) (*Connector, error) {
	if cfg.URL == "" {
		return nil, ErrURLRequired
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	js, closeNC, err := ConnectFactory(cfg.URL, cfg.MaxPending)
	if err != nil {
		return nil, fmt.Errorf("jetstream: connect: %w", err)
	}
	c := &Connector{
		js:      js,
		closeNC: closeNC,
		config:  cfg,
		logger:  logger,
		closing: make(chan struct{}),
	}
	if err := c.ensureStream(); err != nil {
		closeNC()
		return nil, err
	}
	c.loop = affinity.NewLoop(TransportName, loggingpkg.FromWatermill(logger))
	return c, nil
}

func (c *Connector) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:      c.config.StreamName,
		Subjects:  []string{c.config.StreamName + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    DefaultMaxAge,
		Replicas:  c.config.Replicas,
	}
	_, err := c.js.AddStream(streamCfg)
	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		_, err = c.js.UpdateStream(streamCfg)
	}
	if err != nil {
		return fmt.Errorf("jetstream: ensure stream %s: %w", c.config.StreamName, err)
	}
	return nil
}

// Subject maps an address onto the stream's subject space.
func (c *Connector) Subject(address string) string {
	return c.config.StreamName + "." + address
}

func (c *Connector) Name() string                         { return TransportName }
func (c *Connector) Executor() affinity.Executor          { return c.loop }
func (c *Connector) Capabilities() transport.Capabilities { return transport.NATSJetStreamCapabilities }

func (c *Connector) Acquire(_ context.Context, opts transport.SenderOptions) *future.Future[transport.Sender] {
	if c.closed.Load() {
		return future.Failed[transport.Sender](transport.ErrClientClosed)
	}
	return future.Completed[transport.Sender](&Sender{conn: c, address: opts.Address})
}

// Close fails outstanding acks and closes the NATS connection.
func (c *Connector) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.closing)
	c.wg.Wait()
	c.closeNC()
	c.loop.Close()
	return nil
}

// Sender publishes to one subject. Senders of a connector share the async
// pending limit.
type Sender struct {
	conn    *Connector
	address string
}

func (s *Sender) RemainingCredit() int64 {
	c := s.conn
	if c.closed.Load() {
		return 0
	}
	if credit := c.config.MaxPending - c.js.PublishAsyncPending(); credit > 0 {
		return int64(credit)
	}
	return 0
}

func (s *Sender) Send(_ context.Context, out transport.Outgoing) *future.Future[transport.Receipt] {
	c := s.conn
	if c.closed.Load() {
		return future.Failed[transport.Receipt](transport.ErrClientClosed)
	}
	address := out.Address
	if address == "" {
		address = s.address
	}

	msg := nats.NewMsg(c.Subject(address))
	msg.Data = out.Payload
	for k, v := range out.WireHeaders() {
		msg.Header.Set(k, v)
	}
	if out.ID != "" {
		msg.Header.Set(nats.MsgIdHdr, out.ID)
	}

	ack, err := c.js.PublishMsgAsync(msg)
	if err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			err = errors.Join(transport.ErrClientClosed, err)
		}
		return future.Failed[transport.Receipt](err)
	}

	result := future.New[transport.Receipt]()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case pa := <-ack.Ok():
			result.Complete(transport.Receipt{Address: address, Sequence: pa.Sequence})
		case err := <-ack.Err():
			result.Fail(err)
		case <-c.closing:
			result.Fail(transport.ErrClientClosed)
		}
	}()
	return result
}
