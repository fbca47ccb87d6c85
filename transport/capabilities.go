package transport

// Capabilities describes the features supported by a transport backend.
// Use this to introspect what operations are available at runtime.
type Capabilities struct {
	// SupportsCredit indicates the broker grants send capacity itself (link
	// credit, publisher confirms window, async pending limit). When false the
	// connector emulates credit with a local in-flight window.
	SupportsCredit bool

	// SupportsDynamicAddress indicates a single sender can publish to
	// per-message addresses.
	SupportsDynamicAddress bool

	// SupportsTTL indicates per-message time-to-live is honoured.
	SupportsTTL bool

	// SupportsOrdering indicates the transport guarantees message ordering.
	SupportsOrdering bool

	// SupportsTracing indicates the transport propagates tracing headers natively.
	SupportsTracing bool

	// SupportsBatching indicates the transport can batch multiple messages.
	SupportsBatching bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// SupportsPriority indicates the transport supports message priority queues.
	SupportsPriority bool

	// SupportsPartitioning indicates the transport supports message partitioning.
	SupportsPartitioning bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string

	// Version is the transport/driver version.
	Version string
}

// RequiresCreditEmulation returns true if the connector has to derive credit
// from a local window because the broker does not grant any.
func (c Capabilities) RequiresCreditEmulation() bool {
	return !c.SupportsCredit
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:                   "channel",
		SupportsDynamicAddress: true,
		SupportsOrdering:       true,
		SupportsAck:            true,
		SupportsNack:           true,
	}

	// EventBusCapabilities for the in-memory request/reply event bus.
	EventBusCapabilities = Capabilities{
		Name:                   "eventbus",
		SupportsDynamicAddress: true,
		SupportsAck:            true,
		SupportsNack:           true,
	}

	// KafkaCapabilities for the watermill (sarama) Kafka transport.
	KafkaCapabilities = Capabilities{
		Name:                   "kafka",
		SupportsDynamicAddress: true,
		SupportsOrdering:       true,
		SupportsTracing:        true,
		SupportsBatching:       true,
		SupportsAck:            true,
		SupportsPartitioning:   true,
		MaxMessageSize:         1048576, // Default 1MB
	}

	// KafkaGoCapabilities for the segmentio/kafka-go async writer transport.
	KafkaGoCapabilities = Capabilities{
		Name:                   "kafkago",
		SupportsCredit:         true,
		SupportsDynamicAddress: true,
		SupportsOrdering:       true,
		SupportsBatching:       true,
		SupportsAck:            true,
		SupportsPartitioning:   true,
		MaxMessageSize:         1048576,
	}

	// RabbitMQCapabilities for the watermill AMQP transport.
	RabbitMQCapabilities = Capabilities{
		Name:                   "rabbitmq",
		SupportsDynamicAddress: true,
		SupportsTTL:            true,
		SupportsOrdering:       true,
		SupportsTracing:        true,
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsPriority:       true,
	}

	// AMQPCapabilities for the amqp091 publisher-confirms transport.
	AMQPCapabilities = Capabilities{
		Name:                   "amqp",
		SupportsCredit:         true,
		SupportsDynamicAddress: true,
		SupportsTTL:            true,
		SupportsOrdering:       true,
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsPriority:       true,
	}

	// NATSCapabilities for NATS Core transport.
	NATSCapabilities = Capabilities{
		Name:                   "nats",
		SupportsDynamicAddress: true,
		SupportsTracing:        true,
		MaxMessageSize:         1048576, // Default 1MB
	}

	// NATSJetStreamCapabilities for NATS JetStream transport.
	NATSJetStreamCapabilities = Capabilities{
		Name:                   "nats-jetstream",
		SupportsCredit:         true,
		SupportsDynamicAddress: true,
		SupportsTTL:            true,
		SupportsOrdering:       true,
		SupportsTracing:        true,
		SupportsBatching:       true,
		SupportsAck:            true,
		SupportsNack:           true,
		MaxMessageSize:         1048576, // Default 1MB
	}

	// AWSCapabilities for AWS SNS transport.
	AWSCapabilities = Capabilities{
		Name:             "aws",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsBatching: true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   262144, // 256KB
	}

	// HTTPCapabilities for HTTP-based transport.
	HTTPCapabilities = Capabilities{
		Name:                   "http",
		SupportsDynamicAddress: true,
		SupportsTracing:        true,
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Uses the registry to look up capabilities registered by each transport package.
// Returns a zero Capabilities struct if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
