// Package affinity pins transport calls to a single event-loop goroutine.
//
// Go exposes no goroutine identity, so "already running on the loop" is
// carried by the context handed to every task. Code that runs on the loop must
// pass that context along for inline execution to kick in; callers holding any
// other context are always scheduled.
package affinity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	loggingpkg "github.com/drblury/creditflow/internal/runtime/logging"
)

var (
	ErrLoopClosed  = errors.New("creditflow: event loop is closed")
	ErrTimeout     = errors.New("creditflow: timed out waiting for the affinity context")
	ErrInterrupted = errors.New("creditflow: interrupted while waiting for the affinity context")
)

// Task is a unit of work executed on an Executor. ctx is marked with the
// executor running it.
type Task func(ctx context.Context)

// Executor runs tasks serially on one goroutine.
type Executor interface {
	// Execute queues task. Tasks run in submission order.
	Execute(task Task) error
	// AfterFunc queues task once d has elapsed. stop reports whether the timer
	// was cancelled before firing.
	AfterFunc(d time.Duration, task Task) (stop func() bool)
}

type executorKey struct{}

// Mark returns a context recording that the caller runs on exec.
func Mark(ctx context.Context, exec Executor) context.Context {
	return context.WithValue(ctx, executorKey{}, exec)
}

// OnContext reports whether ctx was produced by exec for one of its tasks.
func OnContext(ctx context.Context, exec Executor) bool {
	if ctx == nil || exec == nil {
		return false
	}
	current, ok := ctx.Value(executorKey{}).(Executor)
	return ok && current == exec
}

// Loop is an Executor backed by a dedicated goroutine draining a FIFO queue.
type Loop struct {
	name   string
	logger loggingpkg.ServiceLogger
	ctx    context.Context

	mu     sync.Mutex
	queue  []Task
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewLoop starts a loop goroutine. Close must be called to release it.
func NewLoop(name string, logger loggingpkg.ServiceLogger) *Loop {
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	l := &Loop{
		name:   name,
		logger: logger.With(loggingpkg.LogFields{"loop": name}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	l.ctx = Mark(context.Background(), l)
	go l.run()
	return l
}

// Name identifies the loop in logs.
func (l *Loop) Name() string { return l.name }

func (l *Loop) Execute(task Task) error {
	if task == nil {
		return nil
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrLoopClosed, l.name)
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

func (l *Loop) AfterFunc(d time.Duration, task Task) func() bool {
	t := time.AfterFunc(d, func() {
		if err := l.Execute(task); err != nil {
			l.logger.Debug("Dropping timer task", loggingpkg.LogFields{"error": err.Error()})
		}
	})
	return t.Stop
}

// Close stops accepting tasks, drains the queue and waits for the loop
// goroutine to exit. It must not be called from a loop task.
func (l *Loop) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
	l.mu.Unlock()
	<-l.done
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.mu.Unlock()
			<-l.wake
			l.mu.Lock()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, task := range batch {
			l.runTask(task)
		}
	}
}

func (l *Loop) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Event loop task panicked", fmt.Errorf("panic: %v", r), nil)
		}
	}()
	task(l.ctx)
}
