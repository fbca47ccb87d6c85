// Package message defines the transport-agnostic message flowing through a
// bridge: a payload, typed metadata and a one-shot acknowledgment contract.
package message

import (
	"fmt"
	"sync/atomic"

	errspkg "github.com/drblury/creditflow/internal/runtime/errors"
	"github.com/drblury/creditflow/internal/runtime/future"
	"github.com/drblury/creditflow/internal/runtime/metadata"
)

// Outcome is the asynchronous result of an acknowledgment.
type Outcome = *future.Future[struct{}]

// AckFunc performs the acknowledgment of a message.
type AckFunc func() Outcome

// NackFunc performs the negative acknowledgment of a message.
type NackFunc func(reason error) Outcome

// Delivery is the transport-level handle of a message received from a broker.
// Failure strategies use it to mark the delivery. Implementations must be
// called from the transport affinity context.
type Delivery interface {
	// Reject marks the delivery as rejected; it will not be redelivered.
	Reject() error
	// Modify marks the delivery as modified so the broker may redeliver it.
	Modify(deliveryFailed, undeliverableHere bool) error
}

const (
	unsettled int32 = iota
	acked
	nacked
)

type settlement struct {
	state atomic.Int32
}

// Message is immutable once built; AddMetadata and WithPayload return copies
// that share the settlement state of the original.
type Message struct {
	id       string
	payload  any
	metadata metadata.Metadata
	delivery Delivery
	ack      AckFunc
	nack     NackFunc
	settled  *settlement
}

// Option configures a Message.
type Option func(*Message)

// WithID sets the message identifier.
func WithID(id string) Option {
	return func(m *Message) { m.id = id }
}

// WithMetadata appends metadata values.
func WithMetadata(values ...any) Option {
	return func(m *Message) { m.metadata = m.metadata.With(values...) }
}

// WithAck sets the acknowledgment callback.
func WithAck(fn AckFunc) Option {
	return func(m *Message) { m.ack = fn }
}

// WithNack sets the negative-acknowledgment callback.
func WithNack(fn NackFunc) Option {
	return func(m *Message) { m.nack = fn }
}

// WithDelivery attaches the broker delivery the message was received with.
func WithDelivery(d Delivery) Option {
	return func(m *Message) { m.delivery = d }
}

// New builds a message around payload.
func New(payload any, opts ...Option) *Message {
	m := &Message{payload: payload, settled: &settlement{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Message) ID() string                  { return m.id }
func (m *Message) Payload() any                { return m.payload }
func (m *Message) Metadata() metadata.Metadata { return m.metadata }
func (m *Message) Delivery() Delivery          { return m.delivery }

// AddMetadata returns a copy of m carrying the extra metadata values.
func (m *Message) AddMetadata(values ...any) *Message {
	cp := *m
	cp.metadata = m.metadata.With(values...)
	return &cp
}

// WithPayload returns a copy of m carrying payload.
func (m *Message) WithPayload(payload any) *Message {
	cp := *m
	cp.payload = payload
	return &cp
}

// Ack acknowledges the message. Only the first Ack or Nack call is honoured;
// later calls return a failed outcome wrapping ErrAlreadySettled.
func (m *Message) Ack() Outcome {
	if !m.settled.state.CompareAndSwap(unsettled, acked) {
		return future.Failed[struct{}](m.violation("ack"))
	}
	if m.ack == nil {
		return future.Completed(struct{}{})
	}
	return guard(m.ack())
}

// Nack negatively acknowledges the message with reason. Only the first Ack or
// Nack call is honoured.
func (m *Message) Nack(reason error) Outcome {
	if !m.settled.state.CompareAndSwap(unsettled, nacked) {
		return future.Failed[struct{}](m.violation("nack"))
	}
	if m.nack == nil {
		return future.Completed(struct{}{})
	}
	return guard(m.nack(reason))
}

// Settled reports whether Ack or Nack has been called.
func (m *Message) Settled() bool {
	return m.settled.state.Load() != unsettled
}

func (m *Message) violation(op string) error {
	previous := "acknowledged"
	if m.settled.state.Load() == nacked {
		previous = "negatively acknowledged"
	}
	return fmt.Errorf("%s of message %q already %s: %w", op, m.id, previous, errspkg.ErrAlreadySettled)
}

func guard(o Outcome) Outcome {
	if o == nil {
		return future.Completed(struct{}{})
	}
	return o
}
