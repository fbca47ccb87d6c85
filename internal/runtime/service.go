package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/creditflow/internal/runtime/bridge"
	"github.com/drblury/creditflow/internal/runtime/codec"
	configpkg "github.com/drblury/creditflow/internal/runtime/config"
	errspkg "github.com/drblury/creditflow/internal/runtime/errors"
	"github.com/drblury/creditflow/internal/runtime/fault"
	loggingpkg "github.com/drblury/creditflow/internal/runtime/logging"
	"github.com/drblury/creditflow/internal/runtime/message"
	"github.com/drblury/creditflow/internal/runtime/metrics"
	"github.com/drblury/creditflow/internal/runtime/stream"
	transportpkg "github.com/drblury/creditflow/internal/runtime/transport"
	"github.com/drblury/creditflow/transport"
)

const shutdownTimeout = 5 * time.Second

var listenAndServe = func(srv *http.Server) error {
	return srv.ListenAndServe()
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to use the defaults.
type ServiceDependencies struct {
	TransportFactory transportpkg.Factory
	Codecs           *codec.Registry
	// Metrics replaces the collectors created when MetricsEnabled is set.
	Metrics *metrics.BridgeMetrics
	Tracer  trace.Tracer
	// Strategies overrides the configured failure strategy by channel name.
	Strategies map[string]fault.Strategy
}

// Service owns one transport connector and the bridges of the configured
// channels.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	connector  transport.Connector
	codecs     *codec.Registry
	metrics    *metrics.BridgeMetrics
	tracer     trace.Tracer
	strategies map[string]fault.Strategy

	mu      sync.Mutex
	bridges map[string]*bridge.Bridge
	closed  bool

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
}

// NewService constructs a Service for the supplied configuration and panics
// when it cannot. Use TryNewService to handle the error.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService validates conf and builds the transport connector.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log.Info("Creating credit flow service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"channels":      len(conf.Channels),
		"config":        conf,
	})

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	connector, err := factory.Build(ctx, conf, loggingpkg.NewWatermillAdapter(log))
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}

	s := &Service{
		Conf:       conf,
		Logger:     log,
		connector:  connector,
		codecs:     deps.Codecs,
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
		strategies: deps.Strategies,
		bridges:    make(map[string]*bridge.Bridge),
	}
	if s.codecs == nil {
		s.codecs = codec.NewDefaultRegistry()
	}
	if s.metrics == nil && conf.MetricsEnabled {
		s.metrics = metrics.NewBridgeMetrics(nil)
	}
	if err := s.metrics.Register(); err != nil {
		_ = connector.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	return s, nil
}

// Connector returns the transport connector shared by every bridge.
func (s *Service) Connector() transport.Connector { return s.connector }

// Metrics returns the bridge collectors, nil when metrics are disabled.
func (s *Service) Metrics() *metrics.BridgeMetrics { return s.metrics }

// Bridge returns the bridge of the named channel. A bridge is created on first
// use and replaced once it has been cancelled or has terminated.
func (s *Service) Bridge(name string) (*bridge.Bridge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errspkg.ErrServiceClosed
	}
	if b, ok := s.bridges[name]; ok && !b.State().Terminal() {
		return b, nil
	}

	ch, ok := s.Conf.Channel(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownChannel, name)
	}
	opts := []bridge.Option{
		bridge.WithLogger(s.Logger),
		bridge.WithCodecs(s.codecs),
		bridge.WithMetrics(s.metrics),
		bridge.WithContextTimeout(s.Conf.GetContextTimeout()),
	}
	if s.tracer != nil {
		opts = append(opts, bridge.WithTracer(s.tracer))
	}
	if strategy, ok := s.strategies[name]; ok {
		opts = append(opts, bridge.WithStrategy(strategy))
	}
	b, err := bridge.New(s.connector, ch, opts...)
	if err != nil {
		return nil, err
	}
	s.bridges[name] = b
	return b, nil
}

// Send bridges upstream onto the named channel. The returned collector
// receives every settled message and the terminal signal. Cancelling ctx
// cancels the bridge. A channel with an active Send fails with
// ErrOnlyOneSubscriber and upstream is left unsubscribed.
func (s *Service) Send(ctx context.Context, channel string, upstream stream.Publisher[*message.Message]) (*stream.Collector[*message.Message], error) {
	b, err := s.Bridge(channel)
	if err != nil {
		return nil, err
	}
	collector := stream.NewCollector[*message.Message](int64(s.Conf.GetPublisherWindow()))
	if err := b.TrySubscribe(collector); err != nil {
		return nil, fmt.Errorf("send on channel %q: %w", channel, err)
	}
	upstream.Subscribe(b)

	stop := context.AfterFunc(ctx, b.Cancel)
	go func() {
		select {
		case <-b.Done():
			stop()
		case <-ctx.Done():
		}
	}()
	return collector, nil
}

// RegisterHTTPHandler mounts handler on the server for port. Servers start
// with Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}
	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}
	mux.Handle(pattern, handler)
}

// Start serves the registered HTTP handlers, plus metrics and channel status
// when metrics are enabled, until ctx is done or a server fails.
func (s *Service) Start(ctx context.Context) error {
	if s.Conf.MetricsEnabled && s.Conf.MetricsPort > 0 {
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.Handler())
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/api/channels", http.HandlerFunc(s.handleGetChannels))
	}

	g, gctx := errgroup.WithContext(ctx)
	s.httpServersMu.Lock()
	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: shutdownTimeout,
		}
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		g.Go(func() error {
			if err := listenAndServe(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	s.httpServersMu.Unlock()

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

// Close cancels every bridge and closes the transport connector.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	bridges := s.bridges
	s.bridges = nil
	s.mu.Unlock()

	for _, b := range bridges {
		b.Cancel()
	}
	s.Logger.Info("Closing transport", loggingpkg.LogFields{"transport": s.connector.Name()})
	return s.connector.Close()
}
