package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	configpkg "github.com/drblury/blockflow/internal/runtime/config"
	errspkg "github.com/drblury/blockflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/blockflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/blockflow/internal/runtime/metadata"
	transportpkg "github.com/drblury/blockflow/transport"
	_ "github.com/drblury/blockflow/transport/channel"
	_ "github.com/drblury/blockflow/transport/kafka"
	_ "github.com/drblury/blockflow/transport/nats"
)

// BlocksHandlerName is the router handler consuming the blocks topic.
const BlocksHandlerName = "ender_blocks"

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// BlockProcessor applies one encoded block. It must return nil only once the
// block is durably committed or was already committed before.
type BlockProcessor interface {
	ProcessRaw(ctx context.Context, raw []byte) error
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to use the defaults.
type ServiceDependencies struct {
	// Transport replaces the transport built from config. Tests pass a gochannel pair.
	Transport *transportpkg.Transport
	// Registry resolves Conf.PubSubSystem. Defaults to transport.DefaultRegistry.
	Registry *transportpkg.Registry
	// Registerer receives the Prometheus collectors. Defaults to prometheus.DefaultRegisterer.
	Registerer                prometheus.Registerer
	Hooks                     MessageHooks
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
}

// Service wires a Watermill router that feeds the blocks topic into a
// BlockProcessor, one message at a time.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router
	caps       transportpkg.Capabilities

	metrics    *Metrics
	registerer prometheus.Registerer
	hooks      MessageHooks

	processor BlockProcessor

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	mu       sync.Mutex
	cancel   context.CancelFunc
	fatalErr error
}

// NewService constructs a Service and panics when it cannot. Prefer TryNewService.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	svc, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return svc
}

// TryNewService constructs a Service for the supplied configuration. Register
// the block processor on the returned Service before calling Start.
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

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating ender service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf.String(),
	})

	registerer := deps.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	s := &Service{
		Conf:       conf,
		Logger:     log,
		registerer: registerer,
		metrics:    NewMetrics(registerer),
	}

	registry := deps.Registry
	if registry == nil {
		registry = transportpkg.DefaultRegistry
	}
	if deps.Transport != nil {
		s.publisher = deps.Transport.Publisher
		s.subscriber = deps.Transport.Subscriber
	} else {
		tr, err := registry.Build(ctx, conf, wmLogger)
		if err != nil {
			return nil, fmt.Errorf("build %s transport: %w", conf.PubSubSystem, err)
		}
		s.publisher = tr.Publisher
		s.subscriber = tr.Subscriber
	}
	s.caps = registry.GetCapabilities(conf.PubSubSystem)
	if s.publisher == nil || s.subscriber == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	for _, shortfall := range registry.Check(conf) {
		log.Warn(shortfall.Message, loggingpkg.LogFields(shortfall.Fields))
	}

	s.hooks = LoggingHooks(log).Merge(MetricsHooks(s.metrics)).Merge(deps.Hooks)

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: conf.ProcessingTimeout()}, wmLogger)
	if err != nil {
		return nil, err
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if conf.MetricsEnabled {
		if err := s.metrics.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if conf.MetricsPort > 0 {
			handler := promhttp.Handler()
			if gatherer, ok := registerer.(prometheus.Gatherer); ok {
				handler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
			}
			s.RegisterHTTPHandler(conf.MetricsPort, "/metrics", handler)
		}
	}

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}

	return s, nil
}

// Publisher is the outbound side of the transport. The outbox relay publishes through it.
func (s *Service) Publisher() message.Publisher { return s.publisher }

// Metrics returns the pipeline metrics. Wire Metrics().BlockHooks() into the
// processor and pass Metrics() to the relay as its publish observer.
func (s *Service) Metrics() *Metrics { return s.metrics }

// RegisterBlockProcessor consumes the blocks topic with p.
func (s *Service) RegisterBlockProcessor(p BlockProcessor) error {
	if p == nil {
		return errspkg.ErrProcessorRequired
	}
	if s.Conf.BlocksTopic == "" {
		return errspkg.ErrTopicRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processor != nil {
		return errors.New("blockflow: block processor already registered")
	}
	s.processor = p
	s.router.AddNoPublisherHandler(BlocksHandlerName, s.Conf.BlocksTopic, s.subscriber, s.handleBlock)
	return nil
}

// Start runs the router until ctx is cancelled or the processor reports a
// fatal error, in which case that error is returned.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.processor == nil {
		s.mu.Unlock()
		return errspkg.ErrProcessorRequired
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	stopHTTP := s.startHTTPServers()
	defer stopHTTP()

	err := routerRun(s.router, ctx)
	snapshot := s.metrics.Snapshot()
	s.Logger.Info("Ender stopped", loggingpkg.LogFields{
		"blocks_processed": snapshot.BlocksProcessed,
		"blocks_failed":    snapshot.BlocksFailed,
		"already_parsed":   snapshot.AlreadyParsed,
		"latest_height":    snapshot.LatestHeight,
	})
	if fatal := s.Fatal(); fatal != nil {
		return fatal
	}
	return err
}

// Running is closed once the router is consuming.
func (s *Service) Running() chan struct{} { return s.router.Running() }

// Close stops the router and closes the transport.
func (s *Service) Close() error {
	errs := []error{s.router.Close()}
	if s.publisher != nil {
		errs = append(errs, s.publisher.Close())
	}
	if s.subscriber != nil && any(s.subscriber) != any(s.publisher) {
		errs = append(errs, s.subscriber.Close())
	}
	return errors.Join(errs...)
}

// Fatal returns the error that stopped the service, if any.
func (s *Service) Fatal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

func (s *Service) handleBlock(msg *message.Message) error {
	if err := s.Fatal(); err != nil {
		return err
	}
	err := s.processor.ProcessRaw(msg.Context(), msg.Payload)
	switch {
	case err == nil:
	case errspkg.IsFatal(err):
		s.fail(err)
	case errspkg.IsPermanent(err):
		s.reportPermanent(msg, err)
	}
	return err
}

// reportPermanent alerts on a block that will fail again on every
// redelivery. The message is still nacked so no block is ever skipped.
func (s *Service) reportPermanent(msg *message.Message, err error) {
	kind := errspkg.Kind(err)
	s.metrics.RecordPermanentError(kind)
	s.Logger.Error("Block failed permanently, redelivery cannot succeed until resolved", err, loggingpkg.LogFields{
		"kind":         kind,
		"message_uuid": msg.UUID,
		"block_height": msg.Metadata.Get(metadatapkg.KeyBlockHeight),
	})
}

// fail records the first fatal error and stops the router. The failing
// message is nacked, so the block is redelivered after a restart.
func (s *Service) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatalErr != nil {
		return
	}
	s.fatalErr = err
	s.Logger.Error("Fatal pipeline error, stopping ender", err, nil)
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// RegisterHTTPHandler serves handler on port once Start runs.
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

func (s *Service) startHTTPServers() (stop func()) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	servers := make([]*http.Server, 0, len(s.httpServers))
	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		servers = append(servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(ctx)
		}
	}
}
