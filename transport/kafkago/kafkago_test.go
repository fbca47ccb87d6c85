package kafkago

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/creditflow/internal/runtime/future"
	"github.com/drblury/creditflow/internal/runtime/metadata"
	"github.com/drblury/creditflow/transport"
	"github.com/drblury/creditflow/transport/transporttest"
)

type fakeWriter struct {
	completion func([]kafka.Message, error)

	mu       sync.Mutex
	buffered []kafka.Message
	writeErr error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeErr != nil {
		return w.writeErr
	}
	w.buffered = append(w.buffered, msgs...)
	return nil
}

// flush reports the buffered batch from a writer goroutine.
func (w *fakeWriter) flush(err error) {
	w.mu.Lock()
	batch := w.buffered
	w.buffered = nil
	w.mu.Unlock()
	for i := range batch {
		batch[i].Partition = 1
		batch[i].Offset = int64(10 + i)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.completion(batch, err)
	}()
	<-done
}

func (w *fakeWriter) Close() error {
	w.flush(io.ErrClosedPipe)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func newTestConnector(t *testing.T, window int) (*Connector, *fakeWriter) {
	t.Helper()
	original := WriterFactory
	t.Cleanup(func() { WriterFactory = original })

	var fw *fakeWriter
	WriterFactory = func(cfg WriterConfig) Writer {
		assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
		assert.Equal(t, "creditflow", cfg.ClientID)
		fw = &fakeWriter{completion: cfg.Completion}
		return fw
	}
	conn, err := Build(context.Background(), &transporttest.Config{
		KafkaBrokers:    []string{"localhost:9092"},
		KafkaClientID:   "creditflow",
		PublisherWindow: window,
	}, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn.(*Connector), fw
}

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "kafkago", caps.Name)
	assert.True(t, caps.SupportsCredit)
	assert.False(t, caps.RequiresCreditEmulation())
}

func TestBuildRequiresBrokers(t *testing.T) {
	_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	assert.ErrorIs(t, err, ErrBrokersRequired)
}

func TestCreditTracksPendingWrites(t *testing.T) {
	conn, fw := newTestConnector(t, 2)
	sender := transporttest.AcquireSender(t, conn, "prices")
	assert.Equal(t, int64(2), transporttest.Credit(t, conn, sender))

	var results []*future.Future[transport.Receipt]
	for _, id := range []string{"a", "b"} {
		out := transport.Outgoing{ID: id, Payload: []byte(id), Headers: metadata.NewHeaders("k", "v")}
		results = append(results, transporttest.SendAsync(t, conn, sender, out))
	}
	assert.Equal(t, int64(2), conn.Pending())
	assert.Zero(t, transporttest.Credit(t, conn, sender))

	fw.flush(nil)
	for _, r := range results {
		_, err := transporttest.Await(t, r)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(2), transporttest.Credit(t, conn, sender))
}

func TestSendReportsReceiptAndHeaders(t *testing.T) {
	conn, fw := newTestConnector(t, 4)
	sender := transporttest.AcquireSender(t, conn, "prices")

	result := transporttest.SendAsync(t, conn, sender, transport.Outgoing{
		ID:            "m-1",
		CorrelationID: "order-7",
		Payload:       []byte("x"),
		ContentType:   "text/plain",
	})

	fw.mu.Lock()
	require.Len(t, fw.buffered, 1)
	msg := fw.buffered[0]
	fw.mu.Unlock()
	assert.Equal(t, "prices", msg.Topic)
	assert.Equal(t, []byte("order-7"), msg.Key)
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "m-1", headers["message_id"])
	assert.Equal(t, "text/plain", headers[transport.HeaderContentType])
	assert.Equal(t, "order-7", headers[transport.HeaderCorrelationID])

	fw.flush(nil)
	receipt, err := transporttest.Await(t, result)
	require.NoError(t, err)
	assert.Equal(t, transport.Receipt{Address: "prices", Partition: 1, Offset: 10}, receipt)
}

func TestWriteErrorSettlesImmediately(t *testing.T) {
	conn, fw := newTestConnector(t, 4)
	fw.writeErr = errors.New("message too large")
	sender := transporttest.AcquireSender(t, conn, "prices")

	_, err := transporttest.Send(t, conn, sender, transport.Outgoing{ID: "1", Payload: []byte("x")})
	assert.EqualError(t, err, "message too large")
	assert.Zero(t, conn.Pending())
}

func TestCloseFailsPendingAndRefusesSends(t *testing.T) {
	conn, _ := newTestConnector(t, 4)
	sender := transporttest.AcquireSender(t, conn, "prices")

	result := transporttest.SendAsync(t, conn, sender, transport.Outgoing{ID: "1", Payload: []byte("x")})
	require.NoError(t, conn.Close())

	_, err := transporttest.Await(t, result)
	assert.ErrorIs(t, err, transport.ErrClientClosed)
	assert.Zero(t, sender.RemainingCredit())

	_, err = sender.Send(context.Background(), transport.Outgoing{}).Result()
	assert.ErrorIs(t, err, transport.ErrClientClosed)
	_, err = conn.Acquire(context.Background(), transport.SenderOptions{}).Result()
	assert.ErrorIs(t, err, transport.ErrClientClosed)
}
