// Package creditflow bridges a pull-based message stream onto a messaging
// transport without ever sending more than the transport is willing to accept.
//
// Each configured channel gets a bridge. The bridge asks upstream for at most
// the credit the transport currently grants, sends every message on the
// transport's event loop, and acknowledges or negatively acknowledges the
// upstream message depending on the send outcome before handing it on.
//
// # Transports
//
// Built-in transports register themselves on import of
// github.com/drblury/creditflow/transport/transports:
//   - channel, eventbus: in-memory Go channels
//   - kafka: Sarama through Watermill
//   - kafkago: segmentio/kafka-go asynchronous writer
//   - rabbitmq: Watermill AMQP publisher with confirms
//   - amqp: amqp091-go publisher confirms and broker flow control
//   - nats, nats-jetstream: NATS Core and JetStream async publish
//   - http: webhook-style POSTs
//   - aws: SNS
//
// Transports with native flow control (amqp, kafkago, nats-jetstream) derive
// credit from the broker. The others emulate it with a window of unsettled
// publishes sized by Config.PublisherWindow.
//
// # Failure strategies
//
// A message that still fails after Channel.RetryAttempts retries is handed to
// the channel's failure strategy: "fail-stop" rejects it, "modified-failed"
// marks it for redelivery and "ignore" only logs. The message is then nacked
// and streaming continues.
package creditflow
