// Package bridge turns a transport's granted send capacity into pull-based
// demand. A Bridge subscribes to an upstream message publisher, requests no
// more than the transport currently allows, sends every message on the
// transport's event loop and couples each send outcome to the message's
// acknowledgment before handing it downstream.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/creditflow/internal/runtime/affinity"
	"github.com/drblury/creditflow/internal/runtime/codec"
	"github.com/drblury/creditflow/internal/runtime/config"
	errspkg "github.com/drblury/creditflow/internal/runtime/errors"
	"github.com/drblury/creditflow/internal/runtime/fault"
	loggingpkg "github.com/drblury/creditflow/internal/runtime/logging"
	"github.com/drblury/creditflow/internal/runtime/message"
	"github.com/drblury/creditflow/internal/runtime/metrics"
	"github.com/drblury/creditflow/internal/runtime/stream"
	"github.com/drblury/creditflow/transport"
)

// State names the phases of a Bridge.
type State int32

const (
	StateCreated State = iota
	StateAwaitingSender
	StateHasSender
	StateRequestingCredit
	StateStreaming
	StateNoCreditWait
	StateCancelled
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingSender:
		return "awaiting-sender"
	case StateHasSender:
		return "has-sender"
	case StateRequestingCredit:
		return "requesting-credit"
	case StateStreaming:
		return "streaming"
	case StateNoCreditWait:
		return "no-credit-wait"
	case StateCancelled:
		return "cancelled"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCancelled || s == StateTerminated
}

type upstreamLink struct {
	sub stream.Subscription
}

// Markers stored in place of the upstream subscription.
var (
	cancelledLink = &upstreamLink{sub: stream.Cancelled}
	completedLink = &upstreamLink{sub: stream.Cancelled}
)

func (l *upstreamLink) active() bool {
	return l != nil && l != cancelledLink && l != completedLink
}

type downstreamLink struct {
	sub stream.Subscriber[*message.Message]
}

// Option customises a Bridge.
type Option func(*options)

type options struct {
	logger         loggingpkg.ServiceLogger
	strategy       fault.Strategy
	codecs         *codec.Registry
	metrics        *metrics.BridgeMetrics
	tracer         trace.Tracer
	addressPolicy  string
	contextTimeout time.Duration
}

func WithLogger(logger loggingpkg.ServiceLogger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStrategy replaces the failure strategy named in the channel config.
func WithStrategy(strategy fault.Strategy) Option {
	return func(o *options) { o.strategy = strategy }
}

func WithCodecs(codecs *codec.Registry) Option {
	return func(o *options) { o.codecs = codecs }
}

func WithMetrics(m *metrics.BridgeMetrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}

// WithAddressPolicy overrides the channel's address policy.
func WithAddressPolicy(policy string) Option {
	return func(o *options) { o.addressPolicy = policy }
}

// WithContextTimeout bounds blocking calls into the transport event loop and
// the wait for each acknowledgment outcome.
func WithContextTimeout(d time.Duration) Option {
	return func(o *options) { o.contextTimeout = d }
}

// Bridge is a stream.Processor of messages and the subscription handed to its
// downstream subscriber.
//
// The upstream and downstream links, the acquisition flag and the state are
// atomics settable from any goroutine. Every other field is owned by the
// transport event loop.
type Bridge struct {
	channel   config.Channel
	connector transport.Connector
	holder    *affinity.Holder
	logger    loggingpkg.ServiceLogger
	strategy  fault.Strategy
	codecs    *codec.Registry
	metrics   *metrics.BridgeMetrics
	tracer    trace.Tracer

	upstream      atomic.Pointer[upstreamLink]
	downstream    atomic.Pointer[downstreamLink]
	ready         atomic.Bool
	acquiring     atomic.Bool
	downCancelled atomic.Bool
	state         atomic.Int32
	done          chan struct{}
	doneOnce      sync.Once

	// loop-confined
	sender     transport.Sender
	demand     int64
	pending    int64
	inflight   int64
	stopPoll   func()
	downReady  bool
	terminated bool
	deferred   *terminalSignal
	completing bool
}

type terminalSignal struct {
	err error
}

// New builds a bridge for one configured channel. Configuration problems are
// reported here and never retried.
func New(connector transport.Connector, channel config.Channel, opts ...Option) (*Bridge, error) {
	if connector == nil {
		return nil, errspkg.ErrConnectorRequired
	}
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.addressPolicy != "" {
		channel.AddressPolicy = o.addressPolicy
	}
	if channel.Name == "" {
		return nil, errspkg.NewConfigValidationError(errspkg.ErrChannelRequired)
	}
	if err := channel.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(fmt.Errorf("channel %q: %w", channel.Name, err))
	}
	channel = channel.WithDefaults()

	exec := connector.Executor()
	if exec == nil {
		return nil, fmt.Errorf("%w: connector %q exposes no event loop", errspkg.ErrConnectorRequired, connector.Name())
	}

	if o.logger == nil {
		o.logger = loggingpkg.NewNopServiceLogger()
	}
	if o.codecs == nil {
		o.codecs = codec.NewDefaultRegistry()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("creditflow/bridge")
	}

	b := &Bridge{
		channel:   channel,
		connector: connector,
		holder:    affinity.NewHolder(exec, o.contextTimeout),
		logger: o.logger.With(loggingpkg.LogFields{
			"channel":   channel.Name,
			"transport": connector.Name(),
		}),
		codecs:  o.codecs,
		metrics: o.metrics,
		tracer:  o.tracer,
		done:    make(chan struct{}),
	}

	b.strategy = o.strategy
	if b.strategy == nil {
		strategy, err := fault.New(channel.FailureStrategy, channel.Name, b.holder, b.logger)
		if err != nil {
			return nil, err
		}
		b.strategy = strategy
	}
	return b, nil
}

// Channel returns the effective channel configuration.
func (b *Bridge) Channel() config.Channel { return b.channel }

// Holder returns the affinity holder wrapping the transport event loop.
func (b *Bridge) Holder() *affinity.Holder { return b.holder }

// State reports the current phase.
func (b *Bridge) State() State { return State(b.state.Load()) }

// Done is closed once the bridge reached a terminal state.
func (b *Bridge) Done() <-chan struct{} { return b.done }

func (b *Bridge) setState(s State) {
	for {
		cur := State(b.state.Load())
		if cur.Terminal() || cur == s {
			return
		}
		if b.state.CompareAndSwap(int32(cur), int32(s)) {
			return
		}
	}
}

func (b *Bridge) finalState(s State) {
	for {
		cur := State(b.state.Load())
		if cur.Terminal() {
			return
		}
		if b.state.CompareAndSwap(int32(cur), int32(s)) {
			b.doneOnce.Do(func() { close(b.done) })
			return
		}
	}
}

// exec schedules task on the transport event loop.
func (b *Bridge) exec(task affinity.Task) {
	if err := b.holder.RunOnContext(context.Background(), task); err != nil {
		b.logger.Error("Unable to schedule on the transport event loop", err, nil)
	}
}

// Subscribe attaches the single downstream subscriber. A second subscriber is
// failed with ErrOnlyOneSubscriber and the first one is left untouched.
func (b *Bridge) Subscribe(sub stream.Subscriber[*message.Message]) {
	if err := b.TrySubscribe(sub); err != nil && sub != nil {
		stream.Fail(sub, err)
	}
}

// TrySubscribe attaches sub like Subscribe but reports a rejection to the
// caller instead of signalling sub.
func (b *Bridge) TrySubscribe(sub stream.Subscriber[*message.Message]) error {
	if sub == nil {
		return nil
	}
	if !b.downstream.CompareAndSwap(nil, &downstreamLink{sub: sub}) {
		return errspkg.ErrOnlyOneSubscriber
	}
	b.signalReady()
	return nil
}

// OnSubscribe attaches the upstream subscription. Extra subscriptions, and any
// subscription arriving after cancellation, are cancelled.
func (b *Bridge) OnSubscribe(s stream.Subscription) {
	if s == nil {
		return
	}
	if !b.upstream.CompareAndSwap(nil, &upstreamLink{sub: s}) {
		s.Cancel()
		return
	}
	b.signalReady()
	b.exec(b.refill)
}

// signalReady hands the bridge to the downstream subscriber once both links
// are attached. Whichever side attaches last wins the CAS.
func (b *Bridge) signalReady() {
	if b.upstream.Load() == nil {
		return
	}
	down := b.downstream.Load()
	if down == nil || !b.ready.CompareAndSwap(false, true) {
		return
	}
	b.exec(func(ctx context.Context) {
		down.sub.OnSubscribe(b)
		b.downReady = true
		if sig := b.deferred; sig != nil {
			b.deferred = nil
			b.deliverTerminal(sig)
		}
	})
}

// Request records downstream demand. The first call acquires the sender.
func (b *Bridge) Request(n int64) {
	if err := stream.ValidateDemand(n); err != nil {
		b.exec(func(ctx context.Context) { b.fail(ctx, err) })
		return
	}
	b.exec(func(ctx context.Context) { b.onRequest(ctx, n) })
}

func (b *Bridge) onRequest(ctx context.Context, n int64) {
	if b.terminated || b.isCancelled() {
		return
	}
	b.demand = stream.AddCap(b.demand, n)
	if b.acquiring.CompareAndSwap(false, true) {
		b.acquire(ctx)
		return
	}
	b.refill(ctx)
}

func (b *Bridge) acquire(ctx context.Context) {
	b.setState(StateAwaitingSender)
	b.logger.Debug("Acquiring sender", nil)
	opts := transport.SenderOptions{
		Channel:   b.channel.Name,
		Address:   b.channel.Address,
		Anonymous: b.channel.UseAnonymousSender || b.channel.AddressPolicy == config.AddressMessage,
	}
	b.connector.Acquire(ctx, opts).OnComplete(func(sender transport.Sender, err error) {
		b.exec(func(ctx context.Context) {
			if err != nil {
				b.fail(ctx, fmt.Errorf("acquire sender for channel %q: %w", b.channel.Name, err))
				return
			}
			b.sender = sender
			b.setState(StateHasSender)
			b.refill(ctx)
		})
	})
}

// Cancel detaches from upstream. It is idempotent and safe from any goroutine;
// the upstream subscription is cancelled at most once. No terminal signal
// reaches downstream afterwards.
func (b *Bridge) Cancel() {
	b.downCancelled.Store(true)
	old := b.upstream.Swap(cancelledLink)
	if old == cancelledLink {
		return
	}
	b.finalState(StateCancelled)
	if old.active() {
		old.sub.Cancel()
	}
	b.exec(func(context.Context) { b.stopPolling() })
}

func (b *Bridge) cancelUpstream() {
	old := b.upstream.Swap(cancelledLink)
	if old.active() {
		old.sub.Cancel()
	}
}

func (b *Bridge) isCancelled() bool {
	return b.upstream.Load() == cancelledLink
}

// OnNext receives a message pulled from upstream.
func (b *Bridge) OnNext(msg *message.Message) {
	if msg == nil {
		return
	}
	b.exec(func(ctx context.Context) { b.onNext(ctx, msg) })
}

func (b *Bridge) onNext(ctx context.Context, msg *message.Message) {
	if b.isCancelled() || b.terminated {
		b.logger.Debug("Dropping message received after cancellation", loggingpkg.LogFields{"message_id": msg.ID()})
		return
	}
	b.inflight++
	b.metrics.SetInflight(b.channel.Name, b.inflight)
	b.send(ctx, msg)
}

// OnError terminates the stream with err. In-flight messages still settle but
// are no longer forwarded.
func (b *Bridge) OnError(err error) {
	old := b.upstream.Swap(cancelledLink)
	if old == nil || old == cancelledLink {
		return
	}
	b.exec(func(context.Context) { b.signalTerminal(&terminalSignal{err: err}) })
}

// OnComplete terminates the stream once every in-flight message has settled.
func (b *Bridge) OnComplete() {
	old := b.upstream.Swap(completedLink)
	if !old.active() {
		if old != completedLink {
			b.upstream.CompareAndSwap(completedLink, old)
		}
		return
	}
	b.exec(func(ctx context.Context) {
		b.completing = true
		if b.inflight == 0 {
			b.signalTerminal(&terminalSignal{})
		}
	})
}

// refill requests min(grant, outstanding demand) from upstream once every
// previous request has settled. With no grant it starts polling.
func (b *Bridge) refill(ctx context.Context) {
	if b.sender == nil || b.terminated || b.pending > 0 || b.demand == 0 {
		return
	}
	link := b.upstream.Load()
	if !link.active() {
		return
	}

	b.setState(StateRequestingCredit)
	grant := b.sender.RemainingCredit()
	b.metrics.SetCredit(b.channel.Name, grant)
	if grant <= 0 {
		b.setState(StateNoCreditWait)
		b.startPolling()
		return
	}

	n := grant
	if b.demand < n {
		n = b.demand
	}
	b.demand -= n
	b.pending = n
	b.setState(StateStreaming)
	b.logger.Debug("Retrieved credits", loggingpkg.LogFields{"credits": grant, "requested": n})
	link.sub.Request(n)
}

func (b *Bridge) startPolling() {
	if b.stopPoll != nil {
		return
	}
	b.metrics.RecordCreditExhausted(b.channel.Name)
	b.logger.Debug("No more credit, polling the transport", loggingpkg.LogFields{
		"period": b.channel.CreditRetrievalPeriod.String(),
	})
	b.stopPoll = b.holder.SetPeriodic(b.channel.CreditRetrievalPeriod, func(ctx context.Context) bool {
		if b.terminated || !b.upstream.Load().active() || b.pending > 0 || b.demand == 0 {
			b.stopPoll = nil
			return true
		}
		b.refill(ctx)
		if b.pending > 0 {
			b.stopPoll = nil
			return true
		}
		return false
	})
}

func (b *Bridge) stopPolling() {
	if b.stopPoll != nil {
		b.stopPoll()
		b.stopPoll = nil
	}
}

// fail cancels upstream and terminates downstream with err.
func (b *Bridge) fail(_ context.Context, err error) {
	b.cancelUpstream()
	b.signalTerminal(&terminalSignal{err: err})
}

// abort handles an unrecoverable send failure: both links end cancelled and
// downstream still receives err.
func (b *Bridge) abort(ctx context.Context, err error) {
	b.finalState(StateCancelled)
	b.fail(ctx, err)
}

func (b *Bridge) signalTerminal(sig *terminalSignal) {
	if b.terminated {
		return
	}
	b.terminated = true
	b.stopPolling()
	b.finalState(StateTerminated)
	if !b.downReady {
		b.deferred = sig
		return
	}
	b.deliverTerminal(sig)
}

func (b *Bridge) deliverTerminal(sig *terminalSignal) {
	down := b.downstream.Load()
	if down == nil || b.downCancelled.Load() {
		return
	}
	if sig.err != nil {
		b.logger.Error("Stream terminated", sig.err, nil)
		down.sub.OnError(sig.err)
		return
	}
	b.logger.Debug("Stream completed", nil)
	down.sub.OnComplete()
}
