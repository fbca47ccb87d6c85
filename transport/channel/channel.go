// Package channel provides in-memory transports backed by Watermill's Go
// channel pub/sub. "channel" fires and forgets; "eventbus" settles each send
// only once a subscriber acknowledged it.
package channel

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/creditflow/transport"
)

// Names used to register the transports.
const (
	TransportName         = "channel"
	EventBusTransportName = "eventbus"
)

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register registers both in-memory transports with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
	transport.RegisterWithCapabilities(EventBusTransportName, BuildEventBus, transport.EventBusCapabilities)
}

// Connector is a windowed connector that also exposes the in-memory
// subscriber, so the same process can consume what it sends.
type Connector struct {
	*transport.PublisherConnector
	subscriber message.Subscriber
}

// Subscribe consumes messages sent to topic.
func (c *Connector) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return c.subscriber.Subscribe(ctx, topic)
}

// Close closes the publisher and, when distinct, the subscriber.
func (c *Connector) Close() error {
	err := c.PublisherConnector.Close()
	if closer, ok := c.subscriber.(message.Publisher); ok && closer == c.Publisher() {
		return err
	}
	return errors.Join(err, c.subscriber.Close())
}

// Build creates the fire-and-forget channel transport.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Connector, error) {
	return build(TransportName, gochannel.Config{
		OutputChannelBuffer: int64(cfg.GetPublisherWindow()),
	}, cfg, logger, transport.ChannelCapabilities), nil
}

// BuildEventBus creates the event bus transport: publishing blocks until a
// subscriber acknowledged the message, so credit tracks consumer progress.
func BuildEventBus(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Connector, error) {
	return build(EventBusTransportName, gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, cfg, logger, transport.EventBusCapabilities), nil
}

func build(name string, gcfg gochannel.Config, cfg transport.Config, logger watermill.LoggerAdapter, caps transport.Capabilities) *Connector {
	pub, sub := Factory(gcfg, logger)
	return &Connector{
		PublisherConnector: transport.NewPublisherConnector(name, pub, cfg.GetPublisherWindow(), caps, logger),
		subscriber:         sub,
	}
}

// Capabilities returns the capabilities of the channel transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
