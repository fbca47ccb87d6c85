package message

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/creditflow/internal/runtime/errors"
	"github.com/drblury/creditflow/internal/runtime/future"
	"github.com/drblury/creditflow/internal/runtime/metadata"
)

func TestAckRunsCallbackOnce(t *testing.T) {
	var acks atomic.Int32
	m := New("hello", WithID("m-1"), WithAck(func() Outcome {
		acks.Add(1)
		return future.Completed(struct{}{})
	}))

	_, err := m.Ack().Result()
	require.NoError(t, err)
	assert.True(t, m.Settled())

	_, err = m.Ack().Result()
	assert.ErrorIs(t, err, errspkg.ErrAlreadySettled)
	assert.Equal(t, int32(1), acks.Load())
}

func TestNackAfterAckFails(t *testing.T) {
	var nacks atomic.Int32
	m := New(1, WithNack(func(error) Outcome {
		nacks.Add(1)
		return nil
	}))

	_, err := m.Ack().Result()
	require.NoError(t, err)

	_, err = m.Nack(errors.New("late")).Result()
	require.Error(t, err)
	assert.ErrorIs(t, err, errspkg.ErrAlreadySettled)
	assert.Contains(t, err.Error(), "already acknowledged")
	assert.Zero(t, nacks.Load())
}

func TestNackReceivesReason(t *testing.T) {
	boom := errors.New("boom")
	var got error
	m := New(1, WithNack(func(reason error) Outcome {
		got = reason
		return future.Completed(struct{}{})
	}))

	_, err := m.Nack(boom).Result()
	require.NoError(t, err)
	assert.Equal(t, boom, got)

	_, err = m.Ack().Result()
	assert.ErrorIs(t, err, errspkg.ErrAlreadySettled)
}

func TestConcurrentSettlementHonoursFirstCall(t *testing.T) {
	var calls atomic.Int32
	m := New(1,
		WithAck(func() Outcome { calls.Add(1); return nil }),
		WithNack(func(error) Outcome { calls.Add(1); return nil }),
	)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var o Outcome
			if i%2 == 0 {
				o = m.Ack()
			} else {
				o = m.Nack(errors.New("x"))
			}
			if _, err := o.Result(); err != nil {
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(15), failures.Load())
}

func TestAddMetadataSharesSettlement(t *testing.T) {
	m := New("p", WithMetadata(metadata.Outgoing{Address: "a"}))
	enriched := m.AddMetadata(metadata.Outgoing{Address: "b"})

	out, _ := metadata.Get[metadata.Outgoing](m.Metadata())
	assert.Equal(t, "a", out.Address)
	out, _ = metadata.Get[metadata.Outgoing](enriched.Metadata())
	assert.Equal(t, "b", out.Address)

	_, err := enriched.Ack().Result()
	require.NoError(t, err)
	assert.True(t, m.Settled(), "copies share the settlement state")

	swapped := m.WithPayload("q")
	assert.Equal(t, "q", swapped.Payload())
	assert.Equal(t, "p", m.Payload())
}
