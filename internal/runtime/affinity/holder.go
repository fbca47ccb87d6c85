package affinity

import (
	"context"
	"fmt"
	"time"

	errspkg "github.com/drblury/creditflow/internal/runtime/errors"
	"github.com/drblury/creditflow/internal/runtime/future"
)

// DefaultTimeout bounds RunOnContextAndAwait when no timeout is configured.
const DefaultTimeout = 60 * time.Second

// Holder keeps the executor a transport requires all its calls to run on.
// The executor is fixed at construction.
type Holder struct {
	exec    Executor
	timeout time.Duration
}

// NewHolder captures exec. A non-positive timeout selects DefaultTimeout.
func NewHolder(exec Executor, timeout time.Duration) *Holder {
	if exec == nil {
		panic("creditflow: affinity executor cannot be nil")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Holder{exec: exec, timeout: timeout}
}

func (h *Holder) Executor() Executor { return h.exec }

func (h *Holder) Timeout() time.Duration { return h.timeout }

// OnContext reports whether ctx belongs to a task of the held executor.
func (h *Holder) OnContext(ctx context.Context) bool { return OnContext(ctx, h.exec) }

// RunOnContext runs action inline when ctx already belongs to the held
// executor and schedules it otherwise.
func (h *Holder) RunOnContext(ctx context.Context, action Task) error {
	if h.OnContext(ctx) {
		action(ctx)
		return nil
	}
	return h.exec.Execute(action)
}

// RunOnContextAndAwait runs action on the held executor and blocks until it
// returns, the holder timeout elapses or ctx is done. Calling it from the
// executor itself fails with ErrOnContext instead of deadlocking.
func RunOnContextAndAwait[T any](ctx context.Context, h *Holder, action func(context.Context) (T, error)) (T, error) {
	var zero T
	if h.OnContext(ctx) {
		return zero, errspkg.ErrOnContext
	}

	result := future.New[T]()
	err := h.exec.Execute(func(loopCtx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				result.Fail(fmt.Errorf("creditflow: action panicked: %v", r))
			}
		}()
		result.Resolve(action(loopCtx))
	})
	if err != nil {
		return zero, err
	}

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	select {
	case <-result.Done():
		return result.Result()
	case <-timer.C:
		return zero, fmt.Errorf("%w after %s", ErrTimeout, h.timeout)
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
}

// RunOnContextFuture runs action on the held executor and exposes its outcome.
func (h *Holder) RunOnContextFuture(ctx context.Context, action func(context.Context) error) *future.Future[struct{}] {
	out := future.New[struct{}]()
	err := h.RunOnContext(ctx, func(loopCtx context.Context) {
		out.Resolve(struct{}{}, action(loopCtx))
	})
	if err != nil {
		out.Fail(err)
	}
	return out
}

// RunOnContextAndReportFailure runs the marking action on the held executor
// and then fails the returned future with reason. A marking error is joined to
// reason.
func (h *Holder) RunOnContextAndReportFailure(ctx context.Context, reason error, action func(context.Context) error) *future.Future[struct{}] {
	out := future.New[struct{}]()
	err := h.RunOnContext(ctx, func(loopCtx context.Context) {
		if markErr := action(loopCtx); markErr != nil {
			out.Fail(fmt.Errorf("%w (marking failed: %v)", reason, markErr))
			return
		}
		out.Fail(reason)
	})
	if err != nil {
		out.Fail(fmt.Errorf("%w (marking not scheduled: %v)", reason, err))
	}
	return out
}

// SetPeriodic runs tick on the held executor every period until tick returns
// true or stop is called. The first tick happens one period from now.
func (h *Holder) SetPeriodic(period time.Duration, tick func(ctx context.Context) bool) (stop func()) {
	p := &periodic{exec: h.exec, period: period, tick: tick}
	p.arm()
	return p.cancel
}

type periodic struct {
	exec   Executor
	period time.Duration
	tick   func(context.Context) bool

	// stopped and timerStop are only touched on the executor, except for
	// cancel which hops onto it.
	stopped   bool
	timerStop func() bool
}

func (p *periodic) arm() {
	p.timerStop = p.exec.AfterFunc(p.period, func(ctx context.Context) {
		if p.stopped {
			return
		}
		if p.tick(ctx) {
			p.stopped = true
			return
		}
		if !p.stopped {
			p.arm()
		}
	})
}

func (p *periodic) cancel() {
	_ = p.exec.Execute(func(context.Context) {
		if p.stopped {
			return
		}
		p.stopped = true
		p.timerStop()
	})
}
