// Package server wires installd together: configuration, logging, metrics,
// the session registry with its persisted state, the staging coordinator,
// the data-loader bridge, and the HTTP/WebSocket surface.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	nethttp "net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/packagesmith/installd/internal/api/http"
	"github.com/packagesmith/installd/internal/api/middleware"
	"github.com/packagesmith/installd/internal/api/ws"
	"github.com/packagesmith/installd/internal/collab"
	"github.com/packagesmith/installd/internal/collab/activation"
	"github.com/packagesmith/installd/internal/collab/archive"
	"github.com/packagesmith/installd/internal/collab/localfs"
	"github.com/packagesmith/installd/internal/domain/loader"
	"github.com/packagesmith/installd/internal/domain/registry"
	"github.com/packagesmith/installd/internal/domain/session"
	"github.com/packagesmith/installd/internal/domain/staging"
	"github.com/packagesmith/installd/internal/infrastructure/config"
	"github.com/packagesmith/installd/internal/infrastructure/logging"
	"github.com/packagesmith/installd/internal/infrastructure/monitoring"
	"github.com/packagesmith/installd/internal/infrastructure/tracing"
)

// Options carries collaborators that have no built-in implementation.
type Options struct {
	// LoaderProvider binds data loaders for streaming sessions. Without
	// one, committing a data-loader session fails as media-unavailable.
	LoaderProvider loader.Provider
}

// Server owns the HTTP server and every long-lived component.
type Server struct {
	router      *gin.Engine
	httpServer  *nethttp.Server
	registry    *registry.Registry
	coordinator *staging.Coordinator
	bridge      *loader.Bridge
	logger      *logging.Logger
	config      *config.Config
	metrics     *monitoring.Metrics
}

// New assembles the service. No background work starts until Run.
func New(cfg *config.Config, opts Options) (*Server, error) {
	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		logger = logging.NewDefault()
	}

	logger.Info("initializing installd",
		zap.String("port", cfg.Server.Port),
		zap.String("stage_root", cfg.Sessions.StageRoot),
		zap.String("install_root", cfg.Sessions.InstallRoot),
	)

	metrics := monitoring.NewMetrics()
	tracer := tracing.New("installd", logger.Logger)
	notifier := session.NewNotifier()

	store, err := registry.NewFileStore(cfg.Sessions.StateDir)
	if err != nil {
		return nil, fmt.Errorf("open session state dir: %w", err)
	}

	installer, err := localfs.New(cfg.Sessions.InstallRoot, logger)
	if err != nil {
		return nil, fmt.Errorf("open install root: %w", err)
	}

	identity, err := loadIdentity(cfg.Sessions.IdentityFile)
	if err != nil {
		return nil, err
	}

	var bridge *loader.Bridge
	if opts.LoaderProvider != nil {
		bridge = loader.New(opts.LoaderProvider, cfg.Loader, logger)
	}

	deps := session.Deps{
		Validator: archive.New(),
		Installer: installer,
		Catalog:   installer,
		Identity:  identity,
		Events:    notifier,
		Logger:    logger,
		Metrics:   metrics,
	}
	if bridge != nil {
		deps.StartLoader = func(s *session.Session) error {
			return bridge.Start(s, *s.Params().DataLoader)
		}
		deps.StopLoader = bridge.Stop
	}

	reg := registry.New(registry.Config{
		StageRoot: cfg.Sessions.StageRoot,
		MaxPerUID: cfg.Sessions.MaxPerUID,
		Store:     store,
	}, deps, logger)

	act := activation.New(activation.Config{
		BaseURL:  cfg.Activation.BaseURL,
		Timeout:  cfg.Activation.Timeout,
		RetryMax: cfg.Activation.RetryMax,
	})
	coordinator := staging.New(reg, act, act, metrics, logger)
	reg.SetStagedCommitter(coordinator)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS())
	if cfg.RateLimit.Enabled {
		logger.Info("rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(cfg.RateLimit))
	}

	http.NewHandlers(reg, logger).Register(router)
	router.GET("/stream", ws.NewHandler(notifier, logger).HandleConnection)

	promHandler := promhttp.Handler()
	router.GET("/metrics", func(c *gin.Context) {
		metrics.UpdateUptime()
		promHandler.ServeHTTP(c.Writer, c.Request)
	})

	return &Server{
		router:      router,
		registry:    reg,
		coordinator: coordinator,
		bridge:      bridge,
		logger:      logger,
		config:      cfg,
		metrics:     metrics,
	}, nil
}

// Run restores persisted sessions, resumes staged work, and serves HTTP
// until Shutdown.
func (s *Server) Run() error {
	if err := s.registry.Restore(); err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	s.coordinator.Start(s.config.Staging.Workers)
	s.coordinator.ResumeAll()

	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.httpServer = &nethttp.Server{
		Addr:    addr,
		Handler: s.router,
	}
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != nethttp.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops background workers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.coordinator.Stop()
	s.logger.Sync()
	return err
}

// identityTable is the on-disk shape of the installer identity file.
type identityTable struct {
	UIDs      map[string]int `json:"uids"`
	Authority []int          `json:"authority"`
}

// loadIdentity reads the identity table, or returns nil when unconfigured
// so ownership transfers are rejected rather than misresolved.
func loadIdentity(path string) (collab.IdentityResolver, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	var table identityTable
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("decode identity file %q: %w", path, err)
	}
	authority := make(map[int]bool, len(table.Authority))
	for _, uid := range table.Authority {
		authority[uid] = true
	}
	return &localfs.StaticIdentity{UIDs: table.UIDs, Authority: authority}, nil
}

// ShutdownTimeout bounds graceful shutdown from signal handlers.
const ShutdownTimeout = 15 * time.Second
