// Package transport defines the capability handle the credit bridge drives.
// Each transport implementation (amqp, kafka, jetstream, etc.) lives in its own
// sub-package and registers itself with the transport registry.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/creditflow/internal/runtime/affinity"
	"github.com/drblury/creditflow/internal/runtime/future"
	"github.com/drblury/creditflow/internal/runtime/metadata"
)

// ErrClientClosed is reported by senders whose underlying client has been
// closed. The bridge does not retry it.
var ErrClientClosed = errors.New("creditflow: transport client is closed")

// Outgoing is an encoded message ready to be handed to a Sender.
type Outgoing struct {
	ID            string
	Address       string
	Payload       []byte
	ContentType   string
	CorrelationID string
	Subject       string
	Headers       metadata.Headers
	Durable       bool
	TTL           time.Duration
	Priority      uint8
}

// Receipt describes a send accepted by the broker. Transports fill what they know.
type Receipt struct {
	Address   string
	Partition int
	Offset    int64
	Sequence  uint64
}

// SettlementState is the outcome of a single message's delivery attempt.
type SettlementState int

const (
	SettlementAccepted SettlementState = iota
	SettlementRejected
	SettlementReleased
)

func (s SettlementState) String() string {
	switch s {
	case SettlementAccepted:
		return "accepted"
	case SettlementRejected:
		return "rejected"
	case SettlementReleased:
		return "released"
	}
	return "unknown"
}

// Settlement is attached to every message the bridge forwards downstream.
type Settlement struct {
	State    SettlementState
	Receipt  Receipt
	Attempts int
	Err      error
}

// SenderOptions selects the link a Sender publishes on.
type SenderOptions struct {
	Channel string
	// Address is the configured destination.
	Address string
	// Anonymous requests a sender able to publish to per-message addresses.
	Anonymous bool
}

// Sender publishes on one link. Every method must be called from the
// connector's Executor.
type Sender interface {
	// RemainingCredit reports how many messages may be sent right now.
	RemainingCredit() int64
	// Send publishes msg. The future settles once the broker accepted or
	// refused it.
	Send(ctx context.Context, msg Outgoing) *future.Future[Receipt]
}

// Connector is the transport capability handle.
type Connector interface {
	Name() string
	// Acquire resolves a Sender for opts. It is called lazily, on first demand.
	Acquire(ctx context.Context, opts SenderOptions) *future.Future[Sender]
	// Executor is the event loop all Sender calls must run on.
	Executor() affinity.Executor
	Close() error
}

// Builder is the function signature for creating a connector from config.
// Each transport package should provide a Builder function that can be registered.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Connector, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string

	// RabbitMQ and AMQP
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string
	GetJetStreamStream() string

	// HTTP
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string

	// Flow control
	GetPublisherWindow() int
	GetContextTimeout() time.Duration
	Addresses() []string
}

// CapabilitiesProvider is implemented by connectors that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
