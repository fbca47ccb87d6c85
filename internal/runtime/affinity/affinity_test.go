package affinity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	errspkg "github.com/drblury/creditflow/internal/runtime/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	l := NewLoop(t.Name(), nil)
	t.Cleanup(l.Close)
	return l
}

func TestLoopRunsTasksInOrder(t *testing.T) {
	l := newTestLoop(t)

	var (
		mu  sync.Mutex
		got []int
		wg  sync.WaitGroup
	)
	wg.Add(100)
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, l.Execute(func(ctx context.Context) {
			defer wg.Done()
			assert.True(t, OnContext(ctx, l))
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	wg.Wait()

	for i := range got {
		assert.Equal(t, i, got[i])
	}
}

func TestLoopCloseDrainsAndRejects(t *testing.T) {
	l := NewLoop("drain", nil)

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Execute(func(context.Context) { ran.Add(1) }))
	}
	l.Close()
	l.Close()

	assert.Equal(t, int32(10), ran.Load())
	assert.ErrorIs(t, l.Execute(func(context.Context) {}), ErrLoopClosed)
}

func TestLoopSurvivesPanics(t *testing.T) {
	l := newTestLoop(t)
	require.NoError(t, l.Execute(func(context.Context) { panic("boom") }))

	h := NewHolder(l, time.Second)
	v, err := RunOnContextAndAwait(context.Background(), h, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestOnContextRejectsForeignContexts(t *testing.T) {
	a, b := newTestLoop(t), newTestLoop(t)

	assert.False(t, OnContext(context.Background(), a))
	assert.False(t, OnContext(Mark(context.Background(), b), a))
	assert.True(t, OnContext(Mark(context.Background(), a), a))
}

func TestRunOnContextInlineOnLoop(t *testing.T) {
	l := newTestLoop(t)
	h := NewHolder(l, time.Second)

	var order []string
	_, err := RunOnContextAndAwait(context.Background(), h, func(ctx context.Context) (struct{}, error) {
		order = append(order, "outer-start")
		require.NoError(t, h.RunOnContext(ctx, func(context.Context) {
			order = append(order, "inline")
		}))
		order = append(order, "outer-end")
		return struct{}{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer-start", "inline", "outer-end"}, order)
}

func TestRunOnContextSchedulesFromOutside(t *testing.T) {
	l := newTestLoop(t)
	h := NewHolder(l, time.Second)

	done := make(chan bool, 1)
	require.NoError(t, h.RunOnContext(context.Background(), func(ctx context.Context) {
		done <- OnContext(ctx, l)
	}))
	assert.True(t, <-done)
}

func TestRunOnContextAndAwaitFromLoopFails(t *testing.T) {
	l := newTestLoop(t)
	h := NewHolder(l, time.Second)

	_, err := RunOnContextAndAwait(context.Background(), h, func(ctx context.Context) (int, error) {
		_, inner := RunOnContextAndAwait(ctx, h, func(context.Context) (int, error) { return 1, nil })
		return 0, inner
	})
	assert.ErrorIs(t, err, errspkg.ErrOnContext)
	assert.True(t, errspkg.IsProtocolViolation(err))
}

func TestRunOnContextAndAwaitSurfacesFailures(t *testing.T) {
	l := newTestLoop(t)
	h := NewHolder(l, time.Second)
	boom := errors.New("boom")

	_, err := RunOnContextAndAwait(context.Background(), h, func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)

	_, err = RunOnContextAndAwait(context.Background(), h, func(context.Context) (int, error) { panic("kaput") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaput")
}

func TestRunOnContextAndAwaitTimeout(t *testing.T) {
	l := newTestLoop(t)
	h := NewHolder(l, 20*time.Millisecond)
	release := make(chan struct{})
	defer close(release)

	_, err := RunOnContextAndAwait(context.Background(), h, func(context.Context) (int, error) {
		<-release
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRunOnContextAndAwaitInterrupted(t *testing.T) {
	l := newTestLoop(t)
	h := NewHolder(l, time.Minute)
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := RunOnContextAndAwait(ctx, h, func(context.Context) (int, error) {
		<-release
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunOnContextAndAwaitClosedLoop(t *testing.T) {
	l := NewLoop("closed", nil)
	l.Close()

	_, err := RunOnContextAndAwait(context.Background(), NewHolder(l, time.Second), func(context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrLoopClosed)
}

func TestRunOnContextAndReportFailure(t *testing.T) {
	l := newTestLoop(t)
	h := NewHolder(l, time.Second)
	reason := errors.New("rejected by broker")

	var marked atomic.Bool
	_, err := h.RunOnContextAndReportFailure(context.Background(), reason, func(ctx context.Context) error {
		marked.Store(OnContext(ctx, l))
		return nil
	}).Await(context.Background())
	assert.ErrorIs(t, err, reason)
	assert.True(t, marked.Load())

	_, err = h.RunOnContextAndReportFailure(context.Background(), reason, func(context.Context) error {
		return errors.New("link detached")
	}).Await(context.Background())
	assert.ErrorIs(t, err, reason)
	assert.Contains(t, err.Error(), "link detached")
}

func TestRunOnContextFuture(t *testing.T) {
	l := newTestLoop(t)
	h := NewHolder(l, time.Second)

	_, err := h.RunOnContextFuture(context.Background(), func(context.Context) error { return nil }).Await(context.Background())
	assert.NoError(t, err)
}

func TestSetPeriodicStopsWhenTickReturnsTrue(t *testing.T) {
	l := newTestLoop(t)
	h := NewHolder(l, time.Second)

	var ticks atomic.Int32
	done := make(chan struct{})
	h.SetPeriodic(5*time.Millisecond, func(ctx context.Context) bool {
		assert.True(t, OnContext(ctx, l))
		if ticks.Add(1) == 3 {
			close(done)
			return true
		}
		return false
	})

	<-done
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(3), ticks.Load())
}

func TestSetPeriodicStop(t *testing.T) {
	l := newTestLoop(t)
	h := NewHolder(l, time.Second)

	var ticks atomic.Int32
	stop := h.SetPeriodic(5*time.Millisecond, func(context.Context) bool {
		ticks.Add(1)
		return false
	})
	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, time.Millisecond)

	stop()
	stop()
	_, err := RunOnContextAndAwait(context.Background(), h, func(context.Context) (int32, error) { return ticks.Load(), nil })
	require.NoError(t, err)
	after := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, ticks.Load())
}

func TestNewHolderDefaults(t *testing.T) {
	l := newTestLoop(t)
	assert.Equal(t, DefaultTimeout, NewHolder(l, 0).Timeout())
	assert.Same(t, l, NewHolder(l, 0).Executor())
	assert.Panics(t, func() { NewHolder(nil, 0) })
}
