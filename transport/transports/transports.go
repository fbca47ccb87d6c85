// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	_ "github.com/drblury/creditflow/transport/amqp"
	_ "github.com/drblury/creditflow/transport/aws"
	_ "github.com/drblury/creditflow/transport/channel"
	_ "github.com/drblury/creditflow/transport/http"
	_ "github.com/drblury/creditflow/transport/jetstream"
	_ "github.com/drblury/creditflow/transport/kafka"
	_ "github.com/drblury/creditflow/transport/kafkago"
	_ "github.com/drblury/creditflow/transport/nats"
	_ "github.com/drblury/creditflow/transport/rabbitmq"
)
