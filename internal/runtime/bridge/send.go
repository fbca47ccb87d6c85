package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/creditflow/internal/runtime/config"
	errspkg "github.com/drblury/creditflow/internal/runtime/errors"
	"github.com/drblury/creditflow/internal/runtime/fault"
	"github.com/drblury/creditflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/creditflow/internal/runtime/logging"
	"github.com/drblury/creditflow/internal/runtime/message"
	"github.com/drblury/creditflow/internal/runtime/metadata"
	"github.com/drblury/creditflow/internal/runtime/metrics"
	"github.com/drblury/creditflow/transport"
)

// inflightSend tracks one message from OnNext until it is forwarded.
type inflightSend struct {
	msg      *message.Message
	out      transport.Outgoing
	span     trace.Span
	started  time.Time
	attempts int
	backoff  *backoff.ExponentialBackOff

	// loop-confined
	completed   bool
	stopTimeout func() bool
}

func (s *inflightSend) fields() loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"message_id": s.out.ID,
		"address":    s.out.Address,
		"attempt":    s.attempts,
	}
}

func (b *Bridge) send(ctx context.Context, msg *message.Message) {
	st := &inflightSend{msg: msg, started: time.Now()}

	out, err := b.encode(msg)
	st.out = out
	_, st.span = b.tracer.Start(ctx, "creditflow.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", b.connector.Name()),
			attribute.String("messaging.destination.name", out.Address),
			attribute.String("messaging.message.id", out.ID),
			attribute.String("creditflow.channel", b.channel.Name),
		),
	)
	if err != nil {
		b.logger.Error("Unable to encode message", err, loggingpkg.LogFields{"message_id": msg.ID()})
		b.settleFailure(ctx, st, err)
		return
	}
	b.attempt(ctx, st)
}

func (b *Bridge) attempt(ctx context.Context, st *inflightSend) {
	st.attempts++
	b.logger.Trace("Sending message", st.fields())
	b.sender.Send(trace.ContextWithSpan(ctx, st.span), st.out).OnComplete(func(receipt transport.Receipt, err error) {
		b.exec(func(ctx context.Context) {
			if err != nil {
				b.onSendError(ctx, st, err)
				return
			}
			b.settleSuccess(ctx, st, receipt)
		})
	})
}

func (b *Bridge) onSendError(ctx context.Context, st *inflightSend, err error) {
	if errors.Is(err, transport.ErrClientClosed) {
		b.logger.Error("Unable to send message, client is closed", err, st.fields())
		b.settleFailure(ctx, st, err)
		return
	}
	if st.attempts > b.channel.RetryAttempts || b.terminated || b.isCancelled() {
		b.settleFailure(ctx, st, err)
		return
	}
	if st.backoff == nil {
		st.backoff = &backoff.ExponentialBackOff{
			InitialInterval:     b.channel.RetryInitialInterval,
			RandomizationFactor: backoff.DefaultRandomizationFactor,
			Multiplier:          backoff.DefaultMultiplier,
			MaxInterval:         b.channel.RetryInterval,
		}
		st.backoff.Reset()
	}
	delay := st.backoff.NextBackOff()
	if delay == backoff.Stop {
		b.settleFailure(ctx, st, err)
		return
	}
	b.metrics.RecordRetry(b.channel.Name)
	fields := st.fields()
	fields["delay"] = delay.String()
	b.logger.Warn("Send failed, retrying", fields)
	st.span.AddEvent("retry", trace.WithAttributes(
		attribute.Int("creditflow.attempt", st.attempts),
		attribute.String("error", err.Error()),
	))
	b.holder.Executor().AfterFunc(delay, func(ctx context.Context) {
		b.attempt(ctx, st)
	})
}

func (b *Bridge) settleSuccess(ctx context.Context, st *inflightSend, receipt transport.Receipt) {
	st.span.SetAttributes(attribute.Int("creditflow.attempts", st.attempts))
	st.span.End()

	settlement := transport.Settlement{
		State:    transport.SettlementAccepted,
		Receipt:  receipt,
		Attempts: st.attempts,
	}
	b.release(ctx)
	b.armSettleTimeout(st, settlement)
	st.msg.Ack().OnComplete(func(_ struct{}, err error) {
		b.exec(func(ctx context.Context) {
			acked := settlement
			if err != nil {
				b.logger.Error("Unable to acknowledge message", err, st.fields())
				acked.Err = err
			}
			b.complete(ctx, st, acked, nil)
		})
	})
}

// settleFailure runs the failure strategy, then nacks the message exactly once.
func (b *Bridge) settleFailure(ctx context.Context, st *inflightSend, reason error) {
	st.span.RecordError(reason)
	st.span.SetStatus(codes.Error, reason.Error())
	st.span.End()

	settlement := transport.Settlement{
		State:    b.failedState(),
		Attempts: st.attempts,
		Err:      reason,
	}
	b.release(ctx)
	b.armSettleTimeout(st, settlement)
	b.strategy.Handle(ctx, st.msg, reason).OnComplete(func(_ struct{}, strategyErr error) {
		st.msg.Nack(reason).OnComplete(func(_ struct{}, nackErr error) {
			if nackErr != nil {
				b.logger.Error("Unable to nack message", nackErr, st.fields())
			}
			b.exec(func(ctx context.Context) { b.complete(ctx, st, settlement, strategyErr) })
		})
	})
}

func (b *Bridge) failedState() transport.SettlementState {
	if b.strategy.Name() == config.StrategyModifiedFailed {
		return transport.SettlementReleased
	}
	return transport.SettlementRejected
}

// release frees the upstream request slot of a settled send and refills
// once every requested message has settled. Acknowledgments are not awaited.
func (b *Bridge) release(ctx context.Context) {
	if b.pending > 0 {
		b.pending--
	}
	if b.pending == 0 && !b.completing {
		b.refill(ctx)
	}
}

// armSettleTimeout completes st with ErrSettlementTimeout when its
// acknowledgment outcome is still unknown after the holder timeout.
func (b *Bridge) armSettleTimeout(st *inflightSend, settlement transport.Settlement) {
	st.stopTimeout = b.holder.Executor().AfterFunc(b.holder.Timeout(), func(ctx context.Context) {
		if st.completed {
			return
		}
		b.logger.Error("Acknowledgment did not complete in time", errspkg.ErrSettlementTimeout, st.fields())
		settlement.Err = errors.Join(settlement.Err, errspkg.ErrSettlementTimeout)
		b.complete(ctx, st, settlement, nil)
	})
}

// complete forwards st downstream once its acknowledgment outcome is known.
// Only the first call per message has an effect.
func (b *Bridge) complete(ctx context.Context, st *inflightSend, settlement transport.Settlement, strategyErr error) {
	if st.completed {
		return
	}
	st.completed = true
	if st.stopTimeout != nil {
		st.stopTimeout()
	}
	b.inflight--
	b.metrics.SetInflight(b.channel.Name, b.inflight)
	outcome := metrics.OutcomeAcked
	if settlement.State != transport.SettlementAccepted {
		outcome = metrics.OutcomeNacked
	}
	b.metrics.RecordSettled(b.channel.Name, outcome, time.Since(st.started))

	switch {
	case b.terminated || b.isCancelled():
		b.logger.Debug("Settled message not forwarded, stream is closed", st.fields())
	case fault.IsFailStop(strategyErr) && b.channel.TerminateOnFailStop:
		b.abort(ctx, strategyErr)
		return
	case b.downReady:
		b.downstream.Load().sub.OnNext(st.msg.AddMetadata(settlement))
	}

	if b.completing && b.inflight == 0 {
		b.signalTerminal(&terminalSignal{})
	}
}

// encode turns msg into the wire form. Payloads that already are a
// transport.Outgoing are sent as they are.
func (b *Bridge) encode(msg *message.Message) (transport.Outgoing, error) {
	var (
		out        transport.Outgoing
		msgAddress string
	)
	switch p := msg.Payload().(type) {
	case transport.Outgoing:
		out = p
		msgAddress = p.Address
	case *transport.Outgoing:
		if p == nil {
			return out, fmt.Errorf("encode message %q: nil outgoing payload", msg.ID())
		}
		out = *p
		msgAddress = p.Address
	default:
		hints, _ := metadata.Get[metadata.Outgoing](msg.Metadata())
		data, contentType, err := b.codecs.Encode(msg.Payload(), firstNonEmpty(hints.ContentType, b.channel.ContentType))
		if err != nil {
			return out, fmt.Errorf("encode message %q: %w", msg.ID(), err)
		}
		out = transport.Outgoing{
			Payload:       data,
			ContentType:   contentType,
			CorrelationID: hints.CorrelationID,
			Subject:       hints.Subject,
			Headers:       hints.Headers.Clone(),
			Durable:       b.channel.Durable,
			TTL:           b.channel.TTL,
			Priority:      hints.Priority,
		}
		if hints.Durable != nil {
			out.Durable = *hints.Durable
		}
		if hints.TTL > 0 {
			out.TTL = hints.TTL
		}
		msgAddress = hints.Address
	}

	out.ID = firstNonEmpty(out.ID, msg.ID())
	if out.ID == "" {
		out.ID = ids.CreateULID()
	}

	resolved, err := resolveAddress(b.channel, msgAddress)
	if err != nil {
		return out, fmt.Errorf("encode message %q: %w", out.ID, err)
	}
	if resolved.fallback {
		b.metrics.RecordAddressFallback(b.channel.Name)
		b.logger.Warn("Message address ignored, the sender is bound to the configured address", loggingpkg.LogFields{
			"message_id":         out.ID,
			"message_address":    msgAddress,
			"configured_address": resolved.address,
		})
	}
	out.Address = resolved.address
	return out, nil
}
