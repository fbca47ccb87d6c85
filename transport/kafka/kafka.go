// Package kafka provides a Kafka transport backed by Watermill's Sarama
// publisher. Sarama has no credit notion, so the connector emulates one with
// a window of unsettled publishes.
package kafka

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/creditflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// ErrBrokersRequired is returned when no broker address is configured.
var ErrBrokersRequired = errors.New("kafka: brokers are required")

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a new Kafka connector.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Connector, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return nil, ErrBrokersRequired
	}

	saramaConfig := kafka.DefaultSaramaSyncPublisherConfig()
	if clientID := cfg.GetKafkaClientID(); clientID != "" {
		saramaConfig.ClientID = clientID
	}

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaConfig,
			Tracer:                kafka.NewOTELSaramaTracer(),
		},
		logger,
	)
	if err != nil {
		return nil, err
	}

	return transport.NewPublisherConnector(TransportName, publisher, cfg.GetPublisherWindow(), transport.KafkaCapabilities, logger), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
