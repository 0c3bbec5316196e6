// Package server wires the escrow settlement service: storage, chain
// client, reconciliation monitor, shadow cleanup and the operator API.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hillside/hillside-escrow/internal/auth"
	"github.com/hillside/hillside-escrow/internal/bookings"
	"github.com/hillside/hillside-escrow/internal/chains"
	"github.com/hillside/hillside-escrow/internal/circuitbreaker"
	"github.com/hillside/hillside-escrow/internal/config"
	"github.com/hillside/hillside-escrow/internal/escrowchain"
	"github.com/hillside/hillside-escrow/internal/health"
	"github.com/hillside/hillside-escrow/internal/logging"
	"github.com/hillside/hillside-escrow/internal/metrics"
	"github.com/hillside/hillside-escrow/internal/ratelimit"
	"github.com/hillside/hillside-escrow/internal/reconciliation"
	"github.com/hillside/hillside-escrow/internal/security"
	"github.com/hillside/hillside-escrow/internal/settlement"
	"github.com/hillside/hillside-escrow/internal/shadow"
	"github.com/hillside/hillside-escrow/internal/traces"
	"github.com/hillside/hillside-escrow/internal/validation"
	"github.com/hillside/hillside-escrow/migrations"
)

// RPC breaker tuning: a chain whose endpoint fails this many reads in a row
// is skipped for breakerOpen.
const (
	breakerThreshold = 5
	breakerOpen      = 30 * time.Second
	dbStatsInterval  = 15 * time.Second
)

// Server is the escrow settlement service.
type Server struct {
	cfg         *config.Config
	version     string
	db          *sql.DB // nil if using in-memory
	store       bookings.Store
	registry    *chains.Registry
	chain       *escrowchain.Client
	chainOpts   []escrowchain.Option
	breaker     *circuitbreaker.Breaker
	engine      *reconciliation.Engine
	runner      *reconciliation.Runner
	timer       *reconciliation.Timer // nil unless the scheduler is enabled
	shadow      *shadow.Manager
	coordinator *settlement.Coordinator
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	shutdownTracing func(context.Context) error
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	drainDelay      time.Duration

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithVersion sets the version reported by /health and build_info.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithStore replaces the booking store (for testing).
func WithStore(store bookings.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithChainOptions passes options to the escrow chain client (for testing).
func WithChainOptions(opts ...escrowchain.Option) Option {
	return func(s *Server) {
		s.chainOpts = append(s.chainOpts, opts...)
	}
}

// New builds the service from cfg. Nothing is started until Run.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, traces.Config{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceVersion: s.version,
		SampleRatio:    cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory.
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := openDB(ctx, cfg)
			if err != nil {
				return nil, err
			}
			s.db = db
			s.store = bookings.NewPostgresStore(db)
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = bookings.NewMemoryStore()
			s.logger.Warn("DATABASE_URL not set, using in-memory booking store")
		}
	}

	s.registry = chains.NewRegistry(cfg.Chains)
	active := s.registry.Active()
	s.logger.Info("chain registry loaded",
		"active", active.Key,
		"active_enabled", active.Enabled,
		"chains", strings.Join(s.registry.Keys(), ","),
	)

	s.chain, err = escrowchain.New(cfg.Escrow, append([]escrowchain.Option{escrowchain.WithLogger(s.logger)}, s.chainOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create escrow chain client: %w", err)
	}

	s.breaker = circuitbreaker.New(breakerThreshold, breakerOpen)
	s.breaker.OnTransition(func(chain string, from, to circuitbreaker.State) {
		s.logger.Warn("rpc circuit breaker transition", "chain", chain, "from", from.String(), "to", to.String())
	})

	s.engine = reconciliation.NewEngine(s.registry, s.store, s.chain,
		reconciliation.WithConcurrency(cfg.Reconciliation.Concurrency),
		reconciliation.WithBreaker(s.breaker),
		reconciliation.WithLogger(s.logger),
	)

	rc := cfg.Reconciliation
	state := reconciliation.NewMonitorState(reconciliation.MonitorSettings{
		Enabled:     cfg.FeatureReconciliationScheduler,
		IntervalSec: rc.IntervalSec,
		Limit:       rc.Limit,
		ChainKey:    rc.ChainKey,
		Thresholds: reconciliation.Thresholds{
			Mismatch:       rc.MismatchThreshold,
			MissingOnchain: rc.MissingOnchainThreshold,
			Skipped:        rc.SkippedThreshold,
		},
	})
	s.runner = reconciliation.NewRunner(s.engine, s.registry, state, rc.ChainKey, rc.Limit, s.logger)
	if cfg.FeatureReconciliationScheduler {
		s.timer = reconciliation.NewTimer(s.runner, time.Duration(rc.IntervalSec)*time.Second, s.logger)
	}

	s.shadow = shadow.NewManager(s.store, s.logger)
	s.coordinator = settlement.NewCoordinator(s.registry, s.store, s.chain, settlement.Features{
		ShadowWrite: cfg.FeatureShadowWrite,
		OnchainLock: cfg.FeatureOnchainLock,
	}, s.logger)

	s.logger.Info("escrow features",
		"shadow_write", cfg.FeatureShadowWrite,
		"onchain_lock", cfg.FeatureOnchainLock,
		"reconciliation_scheduler", cfg.FeatureReconciliationScheduler,
	)

	s.setupHealthChecks()
	metrics.SetBuildInfo(s.version)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.DBAutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

func (s *Server) setupHealthChecks() {
	s.checks = health.NewRegistry()

	if s.db != nil {
		s.checks.Register("database", health.PingCheck(s.db))
	}

	// An unusable chain does not stop the API from serving; it is reported.
	s.checks.RegisterInfo("chain", func(context.Context) health.Status {
		active := s.registry.Active()
		switch {
		case active.Key == "":
			return health.Status{Detail: "no active chain configured"}
		case !active.Enabled:
			return health.Status{Detail: fmt.Sprintf("active chain '%s' is disabled", active.Key)}
		case active.RPCURL == "" || active.EscrowContract == "":
			return health.Status{Detail: fmt.Sprintf("active chain '%s' not fully configured", active.Key)}
		}
		return health.Status{Healthy: true, Detail: active.Key}
	})

	s.checks.RegisterInfo("rpc", func(context.Context) health.Status {
		if tripped := s.breaker.Tripped(); len(tripped) > 0 {
			return health.Status{Detail: "circuit open: " + strings.Join(tripped, ",")}
		}
		return health.Status{Healthy: true}
	})

	s.checks.RegisterInfo("reconciliation", func(context.Context) health.Status {
		snap := s.runner.State().Snapshot()
		switch {
		case snap.ConsecutiveFailures > 0:
			return health.Status{Detail: fmt.Sprintf("%d consecutive failures: %s", snap.ConsecutiveFailures, snap.LastError)}
		case snap.AlertActive:
			return health.Status{Detail: "alert active"}
		}
		return health.Status{Healthy: true}
	})
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream ID (load balancer, booking platform) when it is sane.
		requestID := validation.SanitizeString(c.GetHeader("X-Request-ID"), 64)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case strings.HasPrefix(path, "/health") || path == "/metrics":
			// probes and scrapes
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitPerMinute,
		BurstSize:         ratelimit.DefaultConfig().BurstSize,
		CleanupInterval:   time.Minute,
	})

	if s.cfg.AdminSecret == "" {
		s.logger.Warn("ADMIN_SECRET not set; operator routes are open only in development", "env", s.cfg.Env)
	}

	v2 := s.router.Group("/v2")
	v2.Use(s.rateLimiter.Middleware())
	v2.Use(auth.RequireAdmin(s.cfg.AdminSecret, s.cfg.IsDevelopment()))
	{
		chains.NewHandler(s.registry).RegisterAdminRoutes(v2)
		reconciliation.NewHandler(s.engine, s.runner).RegisterAdminRoutes(v2)
		shadow.NewHandler(s.shadow, s.registry).RegisterAdminRoutes(v2)
		settlement.NewHandler(s.coordinator).RegisterAdminRoutes(v2)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Route not found."})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	switch {
	case !healthy:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	case degraded(statuses):
		status = "degraded"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func degraded(statuses []health.Status) bool {
	for _, st := range statuses {
		if !st.Healthy {
			return true
		}
	}
	return false
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if healthy, _ := s.checks.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and the background loops, then blocks until a
// signal, ctx cancellation or a listener error, and shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           otelhttp.NewHandler(s.router, "hillside-escrow"),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// A manual reconciliation run waits for the run lock and RPC reads.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", s.version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

func (s *Server) startBackground(ctx context.Context) {
	if s.timer != nil {
		go s.timer.Start(ctx)
		s.logger.Info("escrow reconciliation scheduler started", "interval", s.timer.Interval())
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, dbStatsInterval)
	}
}

// Shutdown stops accepting traffic, drains in-flight requests and lifecycle
// hooks, stops the scheduler and releases connections.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	if s.timer != nil {
		s.timer.Stop()
		s.logger.Info("escrow reconciliation scheduler stopped")
	}

	if err := s.coordinator.Drain(ctx); err != nil {
		s.logger.Error("lifecycle hooks still running at shutdown", "error", err)
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	s.chain.Close()

	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
