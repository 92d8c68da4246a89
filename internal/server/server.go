// Package server is the thin HTTP collaborator wired on top of the core
// routing packages: chi routing, bearer auth, per-user rate limiting,
// Prometheus exposition, and the OpenAI-compatible chat/models surface plus
// the admin inspection reads.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/meridian-labs/llmgate/internal/config"
	"github.com/meridian-labs/llmgate/internal/health"
	"github.com/meridian-labs/llmgate/internal/observability"
	"github.com/meridian-labs/llmgate/internal/pipeline"
	"github.com/meridian-labs/llmgate/internal/providers"
	"github.com/meridian-labs/llmgate/internal/respcache"
	"github.com/meridian-labs/llmgate/internal/routecore"
	"github.com/meridian-labs/llmgate/internal/selector"
)

// Server wires the core engine (store, selector, health controller,
// pipeline) behind a chi router. It holds no routing state of its own;
// every decision is delegated to the core packages.
type Server struct {
	cfgHolder *config.Holder
	store     *routecore.Store
	selector  *selector.Selector
	registry  *providers.Registry
	pipeline  *pipeline.Pipeline
	health    *health.Controller
	cache     *respcache.Cache
	metrics   *observability.Metrics
	logger    *zap.Logger
	limiters  *limiterSet

	router     *chi.Mux
	httpServer *http.Server
}

// New builds a Server from an already-validated, already-held Config. The
// caller owns starting config.WatchAndReload separately, since the Server
// itself only ever reads through the Holder.
func New(holder *config.Holder, logger *zap.Logger) (*Server, error) {
	cfg := holder.Current()

	metrics, err := observability.NewMetrics(cfg.Metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("server: failed to create metrics: %w", err)
	}
	tracing := observability.NewTracing(cfg.Tracing, logger)

	store := routecore.NewStore(cfg.StoreConfig(), routecore.SystemClock{})
	for _, alias := range cfg.ToAliases() {
		for _, b := range alias.Backends {
			store.SetBillingMode(b.Key(), b.BillingMode)
		}
	}

	sel := selector.New(store, routecore.SystemRNG{}, routecore.SystemClock{}, cfg.SmartAIConfig())

	httpClient := &http.Client{Transport: providers.NewUpstreamTransport()}
	registry := providers.NewRegistry(httpClient)

	aliasProvider := func() []routecore.ModelAlias { return holder.Current().ToAliases() }

	healthCtrl := health.New(store, registry, metrics, tracing, aliasProvider, routecore.SystemClock{}, cfg.HealthConfig(), logger)

	pipe := pipeline.New(sel, store, registry, metrics, tracing, func(name string) (routecore.ModelAlias, bool) {
		return holder.Current().AliasLookup()(name)
	}, routecore.SystemClock{}, cfg.PipelineConfig(), logger)

	srvCfg := cfg.ServerConfig()
	s := &Server{
		cfgHolder: holder,
		store:     store,
		selector:  sel,
		registry:  registry,
		pipeline:  pipe,
		health:    healthCtrl,
		cache:     respcache.New(time.Duration(srvCfg.RespCacheTTLSeconds) * time.Second),
		metrics:   metrics,
		logger:    logger,
		limiters:  newLimiterSet(),
		router:    chi.NewRouter(),
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", srvCfg.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(srvCfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(srvCfg.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(srvCfg.IdleTimeoutSeconds) * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.metricsMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Get("/health", s.handleHealthCheck)

	if s.cfgHolder.Current().Metrics.Enabled {
		s.router.Handle(s.metrics.Path(), s.metrics.Handler())
	}

	s.router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Route("/v1", func(r chi.Router) {
			r.Post("/chat/completions", s.handleChatCompletion)
			r.Get("/models", s.handleGetModels)
		})
		r.Route("/admin", func(r chi.Router) {
			r.Get("/backends", s.handleGetBackends)
			r.Get("/backends/unhealthy", s.handleGetUnhealthy)
			r.Get("/backends/{providerID}/{model}/smart-ai", s.handleGetSmartAIState)
			r.Post("/backends/{providerID}/{model}/probe", s.handleForceProbe)
		})
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code for
// the request metric.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.metrics.RecordRequest(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
	})
}

// Start begins the health controller's probe loops and the HTTP listener.
func (s *Server) Start() error {
	s.health.Start()

	s.logger.Info("starting gateway server", zap.String("addr", s.httpServer.Addr))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully drains in-flight requests and halts the health controller.
func (s *Server) Stop() error {
	s.logger.Info("shutting down gateway server")
	s.health.Stop()

	shutdownTimeout := time.Duration(s.cfgHolder.Current().ServerConfig().ShutdownTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", zap.Error(err))
		return err
	}

	observability.SyncLogger(s.logger)
	s.logger.Info("gateway server stopped")
	return nil
}

// WaitForShutdown blocks until SIGINT/SIGTERM, then stops the server.
func (s *Server) WaitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	s.logger.Info("received shutdown signal")
	_ = s.Stop()
}

// Router exposes the underlying chi router for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
