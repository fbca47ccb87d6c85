package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/creditflow/transport"
	"github.com/drblury/creditflow/transport/transporttest"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "kafka", caps.Name)
	assert.True(t, caps.SupportsTracing)
	assert.True(t, caps.RequiresCreditEmulation())
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("requires brokers", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorIs(t, err, ErrBrokersRequired)
	})

	t.Run("configures the publisher", func(t *testing.T) {
		original := PublisherFactory
		defer func() { PublisherFactory = original }()

		pub := &transporttest.Publisher{}
		PublisherFactory = func(cfg kafka.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
			require.NotNil(t, cfg.OverwriteSaramaConfig)
			assert.Equal(t, "creditflow-test", cfg.OverwriteSaramaConfig.ClientID)
			assert.NotNil(t, cfg.Tracer)
			return pub, nil
		}

		conn, err := Build(context.Background(), &transporttest.Config{
			KafkaBrokers:    []string{"localhost:9092"},
			KafkaClientID:   "creditflow-test",
			PublisherWindow: 2,
		}, watermill.NopLogger{})
		require.NoError(t, err)
		defer conn.Close()

		sender := transporttest.AcquireSender(t, conn, "prices")
		assert.Equal(t, int64(2), transporttest.Credit(t, conn, sender))

		_, err = transporttest.Send(t, conn, sender, transport.Outgoing{ID: "1", Payload: []byte("x")})
		require.NoError(t, err)
		topics, published := pub.Snapshot()
		assert.Equal(t, []string{"prices"}, topics)
		require.Len(t, published, 1)
		assert.Equal(t, "1", published[0].UUID)
	})

	t.Run("propagates factory errors", func(t *testing.T) {
		original := PublisherFactory
		defer func() { PublisherFactory = original }()

		boom := errors.New("dial failed")
		PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, boom
		}
		_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"b:9092"}}, watermill.NopLogger{})
		assert.ErrorIs(t, err, boom)
	})
}
