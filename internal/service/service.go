package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"wotscan/internal/config"
	"wotscan/internal/discovery"
	"wotscan/internal/netopt"
)

// Service owns the optimizer, the discovery engine and the background loops,
// and serves the HTTP API on top of them.
type Service struct {
	cfg config.Config
	log *zap.Logger

	opt      *netopt.Optimizer
	engine   *discovery.Engine
	registry discovery.Registry
	closers  []func() error

	promReg *prometheus.Registry
	metrics *httpMetrics

	netOpts []netopt.Option

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type Option func(*Service)

// WithRegistry replaces the registry chosen from the configuration.
func WithRegistry(r discovery.Registry) Option {
	return func(s *Service) { s.registry = r }
}

// WithOptimizerOptions passes extra options to the network optimizer.
func WithOptimizerOptions(opts ...netopt.Option) Option {
	return func(s *Service) { s.netOpts = append(s.netOpts, opts...) }
}

func NewService(cfg config.Config, log *zap.Logger, opts ...Option) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		cfg:     cfg,
		log:     log,
		promReg: prometheus.NewRegistry(),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	metrics, err := newHTTPMetrics(s.promReg)
	if err != nil {
		return nil, fmt.Errorf("register http metrics: %w", err)
	}
	s.metrics = metrics

	netOpts := append([]netopt.Option{
		netopt.WithLogger(log.Named("netopt")),
		netopt.WithMetrics(s.promReg),
	}, s.netOpts...)
	s.opt, err = netopt.New(cfg.NetworkConfig(), netOpts...)
	if err != nil {
		return nil, fmt.Errorf("init optimizer: %w", err)
	}

	if s.registry == nil {
		if err := s.openRegistry(); err != nil {
			s.opt.Close()
			return nil, err
		}
	}

	s.engine, err = discovery.NewEngine(s.opt, cfg.DiscoveryConfig(),
		discovery.WithLogger(log.Named("discovery")),
		discovery.WithRegistry(s.registry),
	)
	if err != nil {
		s.closeResources()
		return nil, fmt.Errorf("init discovery engine: %w", err)
	}

	if every := cfg.StatsEvery(); every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	s.startRediscover()

	return s, nil
}

func (s *Service) openRegistry() error {
	redisCfg := s.cfg.Registry.Redis
	if redisCfg.URL == "" {
		s.registry = discovery.NewMemoryRegistry()
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := discovery.OpenRedisRegistry(ctx, redisCfg.URL, redisCfg.Key)
	if err != nil {
		return fmt.Errorf("open redis registry: %w", err)
	}
	s.registry = r
	s.closers = append(s.closers, r.Close)
	s.log.Info("endpoint registry: redis", zap.String("key", redisCfg.Key))
	return nil
}

// Engine exposes the discovery engine.
func (s *Service) Engine() *discovery.Engine { return s.engine }

// Optimizer exposes the network optimizer.
func (s *Service) Optimizer() *netopt.Optimizer { return s.opt }

// Close stops the background loops, cancels running discoveries and releases
// the cache and registry. It is safe to call more than once.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.engine.Cancel()
		s.wg.Wait()
		s.closeResources()
	})
}

func (s *Service) closeResources() {
	s.opt.Close()
	for _, c := range s.closers {
		if err := c(); err != nil {
			s.log.Warn("close", zap.Error(err))
		}
	}
}

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.log.Named("http")))
	r.Use(s.metrics.middleware)
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/discover", s.handleDiscover)
		r.Get("/discover/ws", s.handleDiscoverWS)
		r.Post("/discover/cancel", s.handleCancel)
		r.Get("/things", s.handleThing)
		r.Get("/stats", s.handleStats)
		r.Delete("/stats", s.handleResetStats)
		r.Delete("/cache", s.handleClearCache)
		r.Get("/endpoints", s.handleEndpoints)
	})
	return r
}
