package jetstream

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/creditflow/internal/runtime/metadata"
	"github.com/drblury/creditflow/transport"
	"github.com/drblury/creditflow/transport/transporttest"
)

type fakeAck struct {
	msg *nats.Msg
	ok  chan *nats.PubAck
	err chan error
}

func (f *fakeAck) Ok() <-chan *nats.PubAck { return f.ok }
func (f *fakeAck) Err() <-chan error       { return f.err }
func (f *fakeAck) Msg() *nats.Msg          { return f.msg }

type fakeJetStream struct {
	mu         sync.Mutex
	acks       []*fakeAck
	publishErr error
	addErr     error
	updateErr  error
	streams    []*nats.StreamConfig
	updated    bool
}

func (f *fakeJetStream) PublishMsgAsync(m *nats.Msg, _ ...nats.PubOpt) (nats.PubAckFuture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return nil, f.publishErr
	}
	ack := &fakeAck{msg: m, ok: make(chan *nats.PubAck, 1), err: make(chan error, 1)}
	f.acks = append(f.acks, ack)
	return ack, nil
}

// PublishAsyncPending counts acks not yet resolved.
func (f *fakeJetStream) PublishAsyncPending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	pending := 0
	for _, a := range f.acks {
		if len(a.ok) == 0 && len(a.err) == 0 && a.msg != nil {
			pending++
		}
	}
	return pending
}

func (f *fakeJetStream) resolve(i int, seq uint64, err error) {
	f.mu.Lock()
	ack := f.acks[i]
	ack.msg = nil
	f.mu.Unlock()
	if err != nil {
		ack.err <- err
		return
	}
	ack.ok <- &nats.PubAck{Stream: DefaultStreamName, Sequence: seq}
}

func (f *fakeJetStream) published(i int) *nats.Msg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acks[i].msg
}

func (f *fakeJetStream) AddStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	f.streams = append(f.streams, cfg)
	return &nats.StreamInfo{Config: *cfg}, f.addErr
}

func (f *fakeJetStream) UpdateStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	f.updated = true
	return &nats.StreamInfo{Config: *cfg}, f.updateErr
}

func newTestConnector(t *testing.T, js *fakeJetStream, window int) (*Connector, *bool) {
	t.Helper()
	original := ConnectFactory
	t.Cleanup(func() { ConnectFactory = original })

	closed := false
	ConnectFactory = func(url string, maxPending int) (JetStream, func(), error) {
		assert.Equal(t, "nats://localhost:4222", url)
		assert.Equal(t, window, maxPending)
		return js, func() { closed = true }, nil
	}
	conn, err := Build(context.Background(), &transporttest.Config{NATSURL: "nats://localhost:4222", PublisherWindow: window}, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn.(*Connector), &closed
}

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats-jetstream", caps.Name)
	assert.True(t, caps.SupportsCredit)
	assert.True(t, caps.SupportsReliableDelivery())
}

func TestConfig_withDefaults(t *testing.T) {
	result := Config{}.withDefaults()
	assert.Equal(t, DefaultStreamName, result.StreamName)
	assert.Equal(t, 1, result.MaxPending)
	assert.Equal(t, 1, result.Replicas)

	custom := Config{StreamName: "ORDERS", MaxPending: 64, Replicas: 3}.withDefaults()
	assert.Equal(t, Config{StreamName: "ORDERS", MaxPending: 64, Replicas: 3}, custom)
}

func TestNew(t *testing.T) {
	t.Run("requires url", func(t *testing.T) {
		_, err := New(Config{}, nil)
		assert.ErrorIs(t, err, ErrURLRequired)
	})

	t.Run("connect failure", func(t *testing.T) {
		original := ConnectFactory
		defer func() { ConnectFactory = original }()
		ConnectFactory = func(string, int) (JetStream, func(), error) { return nil, nil, nats.ErrNoServers }

		_, err := New(Config{URL: "nats://x"}, nil)
		assert.ErrorIs(t, err, nats.ErrNoServers)
	})

	t.Run("updates an existing stream", func(t *testing.T) {
		js := &fakeJetStream{addErr: nats.ErrStreamNameAlreadyInUse}
		conn, _ := newTestConnector(t, js, 4)
		assert.True(t, js.updated)
		require.Len(t, js.streams, 1)
		assert.Equal(t, []string{"CREDITFLOW.>"}, js.streams[0].Subjects)
		assert.Equal(t, "CREDITFLOW.orders", conn.Subject("orders"))
	})

	t.Run("stream failure closes the connection", func(t *testing.T) {
		original := ConnectFactory
		defer func() { ConnectFactory = original }()
		closed := false
		boom := errors.New("insufficient resources")
		ConnectFactory = func(string, int) (JetStream, func(), error) {
			return &fakeJetStream{addErr: boom}, func() { closed = true }, nil
		}

		_, err := New(Config{URL: "nats://x"}, nil)
		assert.ErrorIs(t, err, boom)
		assert.True(t, closed)
	})
}

func TestCreditFollowsPendingAcks(t *testing.T) {
	js := &fakeJetStream{}
	conn, _ := newTestConnector(t, js, 2)
	sender := transporttest.AcquireSender(t, conn, "orders")
	assert.Equal(t, int64(2), transporttest.Credit(t, conn, sender))

	first := transporttest.SendAsync(t, conn, sender, transport.Outgoing{ID: "m-1", Payload: []byte("a"), ContentType: "application/json"})
	second := transporttest.SendAsync(t, conn, sender, transport.Outgoing{ID: "m-2", Payload: []byte("b")})
	assert.Zero(t, transporttest.Credit(t, conn, sender))

	msg := js.published(0)
	assert.Equal(t, "CREDITFLOW.orders", msg.Subject)
	assert.Equal(t, "m-1", msg.Header.Get(nats.MsgIdHdr))
	assert.Equal(t, "application/json", msg.Header.Get(transport.HeaderContentType))

	js.resolve(0, 41, nil)
	receipt, err := transporttest.Await(t, first)
	require.NoError(t, err)
	assert.Equal(t, transport.Receipt{Address: "orders", Sequence: 41}, receipt)
	assert.Equal(t, int64(1), transporttest.Credit(t, conn, sender))

	js.resolve(1, 0, nats.ErrNoStreamResponse)
	_, err = transporttest.Await(t, second)
	assert.ErrorIs(t, err, nats.ErrNoStreamResponse)
}

func TestPublishErrors(t *testing.T) {
	js := &fakeJetStream{publishErr: nats.ErrConnectionClosed}
	conn, _ := newTestConnector(t, js, 2)
	sender := transporttest.AcquireSender(t, conn, "orders")

	_, err := transporttest.Send(t, conn, sender, transport.Outgoing{ID: "1"})
	assert.ErrorIs(t, err, transport.ErrClientClosed)

	js.publishErr = nats.ErrMaxPayload
	_, err = transporttest.Send(t, conn, sender, transport.Outgoing{ID: "1"})
	assert.ErrorIs(t, err, nats.ErrMaxPayload)
	assert.NotErrorIs(t, err, transport.ErrClientClosed)
}

func TestCloseFailsOutstandingAcks(t *testing.T) {
	js := &fakeJetStream{}
	conn, closed := newTestConnector(t, js, 2)
	sender := transporttest.AcquireSender(t, conn, "orders")
	pending := transporttest.SendAsync(t, conn, sender, transport.Outgoing{ID: "1"})

	require.NoError(t, conn.Close())
	_, err := pending.Result()
	assert.ErrorIs(t, err, transport.ErrClientClosed)
	assert.True(t, *closed)
	assert.Zero(t, sender.RemainingCredit())

	_, err = conn.Acquire(context.Background(), transport.SenderOptions{}).Result()
	assert.ErrorIs(t, err, transport.ErrClientClosed)
}

func TestFromMsg(t *testing.T) {
	msg := nats.NewMsg("CREDITFLOW.orders")
	msg.Data = []byte("x")
	msg.Header.Set(nats.MsgIdHdr, "m-9")
	msg.Header.Set(transport.HeaderCorrelationID, "c-9")

	m := FromMsg(msg)
	assert.Equal(t, "m-9", m.ID())
	hints, ok := metadata.Get[metadata.Outgoing](m.Metadata())
	require.True(t, ok)
	assert.Equal(t, "CREDITFLOW.orders", hints.Address)
	assert.Equal(t, "c-9", hints.CorrelationID)

	// Unbound messages cannot be settled against a consumer.
	d := m.Delivery()
	require.NotNil(t, d)
	assert.ErrorIs(t, d.Reject(), nats.ErrMsgNotBound)
	assert.ErrorIs(t, d.Modify(true, false), nats.ErrMsgNotBound)
}
