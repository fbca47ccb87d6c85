package jetstream

import (
	"github.com/nats-io/nats.go"

	"github.com/drblury/creditflow/internal/runtime/future"
	"github.com/drblury/creditflow/internal/runtime/message"
	"github.com/drblury/creditflow/internal/runtime/metadata"
	"github.com/drblury/creditflow/transport"
)

// Delivery adapts a JetStream message to message.Delivery.
type Delivery struct {
	msg *nats.Msg
}

func NewDelivery(msg *nats.Msg) *Delivery {
	return &Delivery{msg: msg}
}

// Reject terminates the message so it is not redelivered.
func (d *Delivery) Reject() error {
	return d.msg.Term()
}

// Modify naks the message for redelivery, or terminates it when it is
// undeliverable here.
func (d *Delivery) Modify(_ bool, undeliverableHere bool) error {
	if undeliverableHere {
		return d.msg.Term()
	}
	return d.msg.Nak()
}

// FromMsg builds a message from a consumed JetStream message.
func FromMsg(msg *nats.Msg) *message.Message {
	headers := make(metadata.Headers, len(msg.Header))
	for k := range msg.Header {
		headers[k] = msg.Header.Get(k)
	}
	return message.New(msg.Data,
		message.WithID(msg.Header.Get(nats.MsgIdHdr)),
		message.WithDelivery(NewDelivery(msg)),
		message.WithMetadata(metadata.Outgoing{
			Address:       msg.Subject,
			ContentType:   headers[transport.HeaderContentType],
			CorrelationID: headers[transport.HeaderCorrelationID],
			Subject:       headers[transport.HeaderSubject],
			Headers:       headers,
		}),
		message.WithAck(func() message.Outcome {
			if err := msg.Ack(); err != nil {
				return future.Failed[struct{}](err)
			}
			return future.Completed(struct{}{})
		}),
	)
}
