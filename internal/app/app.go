// Package app assembles a uws service from its configuration: the job
// registry with its execution and destruction managers, the synchronous and
// asynchronous controllers, the work runner, the event sinks and the ops
// HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"

	"uws/internal/api"
	"uws/internal/config"
	"uws/internal/dispatcher"
	"uws/internal/execution"
	"uws/internal/executor/docker"
	"uws/internal/health"
	"uws/internal/job"
	"uws/internal/manager"
	"uws/internal/observability"
	"uws/internal/registry"
)

// Option customizes how a Service is assembled.
type Option func(*options)

type options struct {
	work    execution.Work
	promReg *promclient.Registry
	logger  *slog.Logger
}

// WithWork replaces the docker runner with w.
func WithWork(w execution.Work) Option {
	return func(o *options) { o.work = w }
}

// WithPrometheusRegistry exports metrics to reg instead of the default
// registry and leaves the global meter provider untouched.
func WithPrometheusRegistry(reg *promclient.Registry) Option {
	return func(o *options) { o.promReg = reg }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Service is a wired uws instance.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	Registry *registry.Registry
	Sync     *execution.SyncController
	Async    *execution.AsyncController
	Health   *health.Checker
	Metrics  *observability.Metrics

	work           execution.Work
	queue          *manager.Queue
	reaper         *manager.Reaper
	notifier       *dispatcher.Notifier
	metricsHandler http.Handler

	cancel   context.CancelFunc
	reaperWG chan struct{}
	ops      *http.Server
	opsAddr  string
	opsErr   chan error
}

// New wires a service. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	logger := o.logger.With("service", cfg.Name)

	s := &Service{cfg: cfg, logger: logger}

	var err error
	if o.promReg != nil {
		s.Metrics, s.metricsHandler, err = observability.NewMetricsWithRegistry(o.promReg)
	} else {
		s.Metrics, s.metricsHandler, err = observability.NewMetrics(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	s.work = o.work
	if s.work == nil {
		runner, err := docker.NewRunner(docker.Config{
			DefaultImage: cfg.Docker.DefaultImage,
			UploadDir:    cfg.Docker.UploadDir,
			CPU:          cfg.Docker.CPU,
			MemoryMB:     cfg.Docker.MemoryMB,
			StopTimeout:  cfg.Docker.StopTimeout,
			ExtraHosts:   cfg.Docker.ExtraHosts,
		}, logger.With("component", "docker"))
		if err != nil {
			return nil, err
		}
		s.work = runner
	}

	sinks := job.Sinks{job.NewLogSink(logger), s.Metrics}
	if len(cfg.Notify.URLs) > 0 {
		s.notifier = dispatcher.New(dispatcher.Config{
			URLs:   cfg.Notify.URLs,
			Key:    cfg.Notify.Key,
			Events: cfg.Notify.Events,
			Source: cfg.Notify.Source,
			Meta:   map[string]string{"service": cfg.Name},
		}, logger.With("component", "notifier"), s.Metrics)
		sinks = append(sinks, s.notifier)
		if cfg.Notify.Key == "" {
			logger.Warn("Notifications are not signed - no notify key configured")
		}
	}

	policy, err := registry.ParsePolicy(cfg.Destruction.Policy)
	if err != nil {
		return nil, err
	}
	var ids job.IDGenerator = job.NewSequenceGenerator(cfg.IDs.Suffix)
	if cfg.IDs.Generator == "uuid" {
		ids = job.UUIDGenerator{}
	}

	s.queue = manager.NewQueue(manager.QueueConfig{
		MaxRunning: cfg.Execution.MaxRunning,
		StartRate:  cfg.Execution.StartRate,
		StartBurst: cfg.Execution.StartBurst,
	},
		manager.WithStatsHook(func(qs manager.QueueStats) {
			s.Metrics.RecordQueue(context.Background(), qs.Running, qs.Waiting)
		}),
		manager.WithQueueLogger(logger.With("component", "queue")),
	)
	s.reaper = manager.NewReaper()

	s.Registry = registry.New(cfg.Name,
		registry.WithIDGenerator(ids),
		registry.WithSink(sinks),
		registry.WithLogger(logger.With("component", "registry")),
		registry.WithPolicy(policy),
		registry.WithRetention(cfg.Destruction.Retention),
		registry.WithExecutionManager(s.queue),
		registry.WithDestructionManager(s.reaper),
	)

	limits := execution.Limits{
		Sync:     cfg.Execution.Sync,
		Default:  cfg.Execution.Default,
		Max:      cfg.Execution.Max,
		Fallback: cfg.Execution.Fallback,
	}
	s.Async = execution.NewAsyncController(s.work, s.Registry,
		execution.AsyncConfig{Limits: limits, Grace: cfg.Execution.Grace},
		execution.WithSink(sinks),
		execution.WithLogger(logger.With("component", "async")),
	)
	s.Sync = execution.NewSyncController(s.work,
		execution.SyncConfig{Limits: limits, Grace: cfg.Execution.Grace, Slots: cfg.Execution.SyncSlots},
		execution.WithSink(sinks),
		execution.WithLogger(logger.With("component", "sync")),
		execution.WithRejectHook(s.Metrics.RecordSyncRejected),
	)
	s.queue.Bind(s.Async)
	s.Registry.SetStarter(s.Async)

	s.Health = health.NewChecker()
	if rc, ok := s.work.(health.ReadinessChecker); ok {
		s.Health.Register("runner", rc, true)
	} else {
		s.Health.Register("runner", health.ReadinessFunc(func(context.Context) error { return nil }), true)
	}

	return s, nil
}

// Config returns the configuration the service was built from.
func (s *Service) Config() *config.Config { return s.cfg }

// Start removes containers left behind by an earlier process, starts the
// destruction timer and, when an address is configured, the ops server.
func (s *Service) Start(ctx context.Context) error {
	if p, ok := s.work.(interface {
		Prune(ctx context.Context) (int, error)
	}); ok {
		n, err := p.Prune(ctx)
		if err != nil {
			s.logger.Warn("Failed to prune stale containers", "error", err)
		} else if n > 0 {
			s.logger.Info("Pruned stale containers", "count", n)
		}
	}

	reaperCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.reaperWG = make(chan struct{})
	go func() {
		defer close(s.reaperWG)
		s.reaper.Start(reaperCtx, s.Registry)
	}()

	if s.cfg.Ops.Addr != "" {
		if err := s.serveOps(); err != nil {
			cancel()
			<-s.reaperWG
			return err
		}
	}
	return nil
}

func (s *Service) serveOps() error {
	router := api.NewRouter(api.RouterConfig{
		Jobs:          s.Registry,
		HealthChecker: s.Health,
		Metrics:       s.metricsHandler,
		APIKey:        s.cfg.Ops.APIKey,
		Logger:        s.logger.With("component", "api"),
	})
	if s.cfg.Ops.APIKey != "" {
		s.logger.Info("API authentication enabled")
	} else {
		s.logger.Warn("API authentication disabled - no ops API key configured")
	}

	ln, err := net.Listen("tcp", s.cfg.Ops.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Ops.Addr, err)
	}
	s.ops = &http.Server{
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.opsAddr = ln.Addr().String()
	s.opsErr = make(chan error, 1)
	go func() {
		s.logger.Info("Starting ops server", "addr", ln.Addr().String())
		if err := s.ops.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.opsErr <- err
		}
	}()
	return nil
}

// OpsAddr returns the address the ops server listens on, empty when it is
// not running.
func (s *Service) OpsAddr() string { return s.opsAddr }

// OpsErrors reports a failure of the ops server. It is nil when the ops
// server is disabled.
func (s *Service) OpsErrors() <-chan error { return s.opsErr }

// Shutdown stops the service. Probes fail first so load balancers stop
// sending traffic, then the ops server stops, running jobs are aborted and
// the registry is emptied. Pending notifications are delivered last.
func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error

	s.Health.SetShuttingDown()
	if s.ops != nil && s.cfg.Ops.ShutdownDrainWait > 0 {
		s.logger.Info("Waiting for traffic to drain", "duration", s.cfg.Ops.ShutdownDrainWait)
		select {
		case <-time.After(s.cfg.Ops.ShutdownDrainWait):
		case <-ctx.Done():
		}
	}

	if s.ops != nil {
		s.logger.Info("Stopping ops server")
		if err := s.ops.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("ops server shutdown: %w", err))
		}
	}

	if s.cancel != nil {
		s.cancel()
		<-s.reaperWG
	}

	s.queue.Close()
	if err := s.Async.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("async controller close: %w", err))
	}
	if err := s.Registry.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("registry close: %w", err))
	}

	if s.notifier != nil {
		s.logger.Info("Draining notifier")
		if err := s.notifier.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("notifier close: %w", err))
		}
		stats := s.notifier.Stats()
		s.logger.Info("Notifier stats",
			"delivered", stats.Delivered,
			"failed", stats.Failed,
			"dropped", stats.Dropped,
		)
	}

	if c, ok := s.work.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("runner close: %w", err))
		}
	}

	s.logger.Info("Shutdown complete")
	return errors.Join(errs...)
}
