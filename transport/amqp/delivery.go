package amqp

import (
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/creditflow/internal/runtime/future"
	"github.com/drblury/creditflow/internal/runtime/message"
	"github.com/drblury/creditflow/internal/runtime/metadata"
)

// Delivery adapts an incoming amqp091 delivery to message.Delivery.
type Delivery struct {
	d amqp091.Delivery
}

func NewDelivery(d amqp091.Delivery) *Delivery {
	return &Delivery{d: d}
}

// Reject rejects without requeueing.
func (d *Delivery) Reject() error {
	return d.d.Reject(false)
}

// Modify requeues the delivery unless it is undeliverable here.
func (d *Delivery) Modify(_ bool, undeliverableHere bool) error {
	return d.d.Nack(false, !undeliverableHere)
}

// FromDelivery builds a message from d. Ack acknowledges the delivery; Nack
// leaves the disposition to the failure strategy, which marks it through
// Delivery.
func FromDelivery(d amqp091.Delivery) *message.Message {
	headers := make(metadata.Headers, len(d.Headers))
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	return message.New(d.Body,
		message.WithID(d.MessageId),
		message.WithDelivery(NewDelivery(d)),
		message.WithMetadata(metadata.Outgoing{
			Address:       d.RoutingKey,
			ContentType:   d.ContentType,
			CorrelationID: d.CorrelationId,
			Subject:       d.Type,
			Headers:       headers,
			Priority:      d.Priority,
		}),
		message.WithAck(func() message.Outcome {
			if err := d.Ack(false); err != nil {
				return future.Failed[struct{}](err)
			}
			return future.Completed(struct{}{})
		}),
	)
}
