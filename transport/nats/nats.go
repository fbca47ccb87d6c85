// Package nats provides a NATS Core transport. NATS Core has no flow control,
// so credit is emulated with a window of unsettled publishes.
package nats

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/creditflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// ErrURLRequired is returned when no NATS URL is configured.
var ErrURLRequired = errors.New("nats: URL is required")

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// PublisherConfig is the Watermill NATS configuration used for url.
func PublisherConfig(url string) nats.PublisherConfig {
	return nats.PublisherConfig{
		URL: url,
		NatsOptions: []nc.Option{
			nc.Name("creditflow"),
			nc.MaxReconnects(-1),
		},
		Marshaler: &nats.NATSMarshaler{},
	}
}

// Build creates a new NATS Core connector.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Connector, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return nil, ErrURLRequired
	}
	publisher, err := PublisherFactory(PublisherConfig(url), logger)
	if err != nil {
		return nil, err
	}
	return transport.NewPublisherConnector(TransportName, publisher, cfg.GetPublisherWindow(), transport.NATSCapabilities, logger), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
