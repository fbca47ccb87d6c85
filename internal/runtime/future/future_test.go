package future

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureResolvesOnce(t *testing.T) {
	f := New[int]()
	assert.False(t, f.IsDone())

	assert.True(t, f.Complete(1))
	assert.False(t, f.Complete(2))
	assert.False(t, f.Fail(errors.New("late")))

	v, err := f.Result()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.True(t, f.IsDone())
}

func TestFutureCallbacks(t *testing.T) {
	f := New[string]()

	var got []string
	var mu sync.Mutex
	f.OnComplete(func(v string, err error) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, "before:"+v)
	})

	f.Complete("x")

	f.OnComplete(func(v string, err error) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, "after:"+v)
	})

	assert.Equal(t, []string{"before:x", "after:x"}, got)
}

func TestFutureAwait(t *testing.T) {
	t.Run("returns value", func(t *testing.T) {
		f := New[int]()
		go func() {
			time.Sleep(5 * time.Millisecond)
			f.Complete(42)
		}()
		v, err := f.Await(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	})

	t.Run("honours context", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := New[int]().Await(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestThenAndChain(t *testing.T) {
	boom := errors.New("boom")

	mapped := Then(Completed(2), func(v int) (int, error) { return v * 10, nil })
	v, err := mapped.Result()
	require.NoError(t, err)
	assert.Equal(t, 20, v)

	failed := Then(Failed[int](boom), func(v int) (int, error) { return v, nil })
	_, err = failed.Result()
	assert.ErrorIs(t, err, boom)

	chained := Chain(Failed[int](boom), func(_ int, err error) *Future[string] {
		return Completed("recovered: " + err.Error())
	})
	s, err := chained.Result()
	require.NoError(t, err)
	assert.Equal(t, "recovered: boom", s)

	_, err = Void(Completed(1)).Result()
	assert.NoError(t, err)
}

func TestAll(t *testing.T) {
	a, b := New[int](), New[int]()
	all := All(a, b)

	b.Complete(2)
	assert.False(t, all.IsDone())
	a.Complete(1)

	values, err := all.Result()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, values)

	boom := errors.New("boom")
	_, err = All(Completed(1), Failed[int](boom)).Result()
	assert.ErrorIs(t, err, boom)

	empty, err := All[int]().Result()
	require.NoError(t, err)
	assert.Empty(t, empty)
}
