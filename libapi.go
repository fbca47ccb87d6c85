package creditflow

import (
	"context"

	runtimepkg "github.com/drblury/creditflow/internal/runtime"
	"github.com/drblury/creditflow/internal/runtime/bridge"
	"github.com/drblury/creditflow/internal/runtime/codec"
	configpkg "github.com/drblury/creditflow/internal/runtime/config"
	errspkg "github.com/drblury/creditflow/internal/runtime/errors"
	"github.com/drblury/creditflow/internal/runtime/fault"
	"github.com/drblury/creditflow/internal/runtime/future"
	idspkg "github.com/drblury/creditflow/internal/runtime/ids"
	"github.com/drblury/creditflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/creditflow/internal/runtime/logging"
	"github.com/drblury/creditflow/internal/runtime/message"
	metadatapkg "github.com/drblury/creditflow/internal/runtime/metadata"
	"github.com/drblury/creditflow/internal/runtime/metrics"
	"github.com/drblury/creditflow/internal/runtime/stream"
	transportpkg "github.com/drblury/creditflow/internal/runtime/transport"
	"github.com/drblury/creditflow/transport"
)

type (
	Config              = configpkg.Config
	Channel             = configpkg.Channel
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	ChannelStatus       = runtimepkg.ChannelStatus
	TransportFactory    = transportpkg.Factory

	Message  = message.Message
	Delivery = message.Delivery
	Outcome  = message.Outcome
	Metadata = metadatapkg.Metadata
	Outgoing = metadatapkg.Outgoing
	Headers  = metadatapkg.Headers

	Future[T any] = future.Future[T]

	Subscription           = stream.Subscription
	Subscriber[T any]      = stream.Subscriber[T]
	Publisher[T any]       = stream.Publisher[T]
	Collector[T any]       = stream.Collector[T]
	MessagePublisher       = stream.Publisher[*message.Message]
	MessageCollector       = stream.Collector[*message.Message]
	Bridge                 = bridge.Bridge
	BridgeOption           = bridge.Option
	BridgeState            = bridge.State
	FailureStrategy        = fault.Strategy
	BridgeMetrics          = metrics.BridgeMetrics
	Codec                  = codec.Codec
	CodecRegistry          = codec.Registry
	LogFields              = loggingpkg.LogFields
	ServiceLogger          = loggingpkg.ServiceLogger
	ConfigValidationError  = errspkg.ConfigValidationError
	Settlement             = transport.Settlement
	SettlementState        = transport.SettlementState
	Receipt                = transport.Receipt
	TransportConnector     = transport.Connector
	TransportBuilder       = transport.Builder
	TransportConfig        = transport.Config
	TransportRegistry      = transport.Registry
	TransportCapabilities  = transport.Capabilities
	TransportSenderOptions = transport.SenderOptions
	TransportSender        = transport.Sender
	TransportOutgoing      = transport.Outgoing
	TransportFactoryFunc   = transportpkg.FactoryFunc
)

// Failure strategy and address policy names.
const (
	StrategyFailStop       = configpkg.StrategyFailStop
	StrategyModifiedFailed = configpkg.StrategyModifiedFailed
	StrategyIgnore         = configpkg.StrategyIgnore

	AddressWarnFallback = configpkg.AddressWarnFallback
	AddressConfigured   = configpkg.AddressConfigured
	AddressMessage      = configpkg.AddressMessage
)

const (
	SettlementAccepted = transport.SettlementAccepted
	SettlementRejected = transport.SettlementRejected
	SettlementReleased = transport.SettlementReleased
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig

	NewBridge           = bridge.New
	WithLogger          = bridge.WithLogger
	WithStrategy        = bridge.WithStrategy
	WithCodecs          = bridge.WithCodecs
	WithMetrics         = bridge.WithMetrics
	WithTracer          = bridge.WithTracer
	WithAddressPolicy   = bridge.WithAddressPolicy
	WithContextTimeout  = bridge.WithContextTimeout
	NewBridgeMetrics    = metrics.NewBridgeMetrics
	NewCodecRegistry    = codec.NewRegistry
	NewDefaultCodecs    = codec.NewDefaultRegistry
	IsFailStop          = fault.IsFailStop
	NewMessage          = message.New
	WithMessageID       = message.WithID
	WithMessageMetadata = message.WithMetadata
	WithAck             = message.WithAck
	WithNack            = message.WithNack
	WithDelivery        = message.WithDelivery
	NewHeaders          = metadatapkg.NewHeaders

	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrConnectorRequired = errspkg.ErrConnectorRequired
	ErrUnknownChannel    = errspkg.ErrUnknownChannel
	ErrAddressRequired   = errspkg.ErrAddressRequired
	ErrNoConverter       = errspkg.ErrNoConverter
	ErrServiceClosed     = errspkg.ErrServiceClosed
	ErrOnlyOneSubscriber = errspkg.ErrOnlyOneSubscriber
	ErrAlreadySettled    = errspkg.ErrAlreadySettled
	ErrInvalidDemand     = errspkg.ErrInvalidDemand
	ErrOnContext         = errspkg.ErrOnContext
	ErrSettlementTimeout = errspkg.ErrSettlementTimeout
	ErrClientClosed      = transport.ErrClientClosed
	IsConfigError        = errspkg.IsConfigError
	IsProtocolViolation  = errspkg.IsProtocolViolation

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewZerologServiceLogger   = loggingpkg.NewZerologServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	CreateULID = idspkg.CreateULID
)

// Messages publishes msgs in order, honouring demand.
func Messages(msgs ...*Message) MessagePublisher {
	return stream.FromSlice(msgs...)
}

// MessagesFrom publishes every message received on ch until ch is closed or
// ctx is done.
func MessagesFrom(ctx context.Context, ch <-chan *Message) MessagePublisher {
	return stream.FromChannel(ctx, ch)
}

// MetadataValue looks up the metadata value of type T carried by msg.
func MetadataValue[T any](msg *Message) (T, bool) {
	return metadatapkg.Get[T](msg.Metadata())
}

// Acked returns an already completed acknowledgment outcome.
func Acked() Outcome {
	return future.Completed(struct{}{})
}
