// Package transporttest holds fixtures shared by the transport packages' tests.
package transporttest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"

	"github.com/drblury/creditflow/internal/runtime/affinity"
	"github.com/drblury/creditflow/internal/runtime/future"
	"github.com/drblury/creditflow/transport"
)

// Config is a transport.Config backed by plain fields.
type Config struct {
	PubSubSystem       string
	KafkaBrokers       []string
	KafkaClientID      string
	RabbitMQURL        string
	NATSURL            string
	JetStreamStream    string
	HTTPPublisherURL   string
	AWSRegion          string
	AWSAccountID       string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSEndpoint        string
	PublisherWindow    int
	ContextTimeout     time.Duration
	ChannelAddresses   []string
}

func (c *Config) GetPubSubSystem() string          { return c.PubSubSystem }
func (c *Config) GetKafkaBrokers() []string        { return c.KafkaBrokers }
func (c *Config) GetKafkaClientID() string         { return c.KafkaClientID }
func (c *Config) GetRabbitMQURL() string           { return c.RabbitMQURL }
func (c *Config) GetNATSURL() string               { return c.NATSURL }
func (c *Config) GetJetStreamStream() string       { return c.JetStreamStream }
func (c *Config) GetHTTPPublisherURL() string      { return c.HTTPPublisherURL }
func (c *Config) GetAWSRegion() string             { return c.AWSRegion }
func (c *Config) GetAWSAccountID() string          { return c.AWSAccountID }
func (c *Config) GetAWSAccessKeyID() string        { return c.AWSAccessKeyID }
func (c *Config) GetAWSSecretAccessKey() string    { return c.AWSSecretAccessKey }
func (c *Config) GetAWSEndpoint() string           { return c.AWSEndpoint }
func (c *Config) GetPublisherWindow() int          { return c.PublisherWindow }
func (c *Config) GetContextTimeout() time.Duration { return c.ContextTimeout }
func (c *Config) Addresses() []string              { return c.ChannelAddresses }

// Publisher records published messages.
type Publisher struct {
	mu        sync.Mutex
	Err       error
	Topics    []string
	Published []*message.Message
	Closed    bool
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	for range messages {
		p.Topics = append(p.Topics, topic)
	}
	p.Published = append(p.Published, messages...)
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// Snapshot returns the topics and messages published so far.
func (p *Publisher) Snapshot() ([]string, []*message.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Topics...), append([]*message.Message(nil), p.Published...)
}

// IsClosed reports whether Close was called.
func (p *Publisher) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Closed
}

// AcquireSender resolves a sender from conn for address.
func AcquireSender(t *testing.T, conn transport.Connector, address string) transport.Sender {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sender, err := conn.Acquire(ctx, transport.SenderOptions{Channel: address, Address: address}).Await(ctx)
	require.NoError(t, err)
	return sender
}

// SendAsync runs sender.Send on the connector's event loop and returns the
// pending receipt.
func SendAsync(t *testing.T, conn transport.Connector, sender transport.Sender, out transport.Outgoing) *future.Future[transport.Receipt] {
	t.Helper()
	holder := affinity.NewHolder(conn.Executor(), 5*time.Second)
	result, err := affinity.RunOnContextAndAwait(context.Background(), holder, func(ctx context.Context) (*future.Future[transport.Receipt], error) {
		return sender.Send(ctx, out), nil
	})
	require.NoError(t, err)
	return result
}

// Send is SendAsync followed by a bounded wait for the receipt.
func Send(t *testing.T, conn transport.Connector, sender transport.Sender, out transport.Outgoing) (transport.Receipt, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return SendAsync(t, conn, sender, out).Await(ctx)
}

// Await waits up to five seconds for f.
func Await[T any](t *testing.T, f *future.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.Await(ctx)
}

// Credit reads sender.RemainingCredit on the connector's event loop.
func Credit(t *testing.T, conn transport.Connector, sender transport.Sender) int64 {
	t.Helper()
	holder := affinity.NewHolder(conn.Executor(), 5*time.Second)
	credit, err := affinity.RunOnContextAndAwait(context.Background(), holder, func(context.Context) (int64, error) {
		return sender.RemainingCredit(), nil
	})
	require.NoError(t, err)
	return credit
}
