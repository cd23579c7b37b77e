// Package server sets up the HTTP server with all routes
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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/shopspring/decimal"

	"github.com/meridianpay/riskengine/internal/anomaly"
	"github.com/meridianpay/riskengine/internal/cache"
	"github.com/meridianpay/riskengine/internal/circuitbreaker"
	"github.com/meridianpay/riskengine/internal/config"
	"github.com/meridianpay/riskengine/internal/engine"
	"github.com/meridianpay/riskengine/internal/geo"
	"github.com/meridianpay/riskengine/internal/idgen"
	"github.com/meridianpay/riskengine/internal/logging"
	"github.com/meridianpay/riskengine/internal/metrics"
	"github.com/meridianpay/riskengine/internal/perf"
	"github.com/meridianpay/riskengine/internal/ratelimit"
	"github.com/meridianpay/riskengine/internal/review"
	"github.com/meridianpay/riskengine/internal/signals"
	"github.com/meridianpay/riskengine/internal/threatintel"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	cache         cache.Cache
	cacheCloser   func() error
	geoResolver   geo.Resolver
	geoCloser     func() error
	breaker       *circuitbreaker.Breaker
	threatClient  threatintel.Client
	anomalyScorer anomaly.Scorer
	store         engine.Store
	orchestrator  *engine.Orchestrator
	reviewService *review.Service
	monitor       *perf.Monitor
	rateLimiter   *ratelimit.Limiter
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithGeoResolver sets a custom IP geolocation resolver (for testing)
func WithGeoResolver(r geo.Resolver) Option {
	return func(s *Server) {
		s.geoResolver = r
	}
}

// WithThreatClient sets a custom threat intelligence client (for testing)
func WithThreatClient(c threatintel.Client) Option {
	return func(s *Server) {
		s.threatClient = c
	}
}

// WithAnomalyScorer sets a custom anomaly scorer (for testing)
func WithAnomalyScorer(sc anomaly.Scorer) Option {
	return func(s *Server) {
		s.anomalyScorer = sc
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may inject collaborators)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Shared cache (Redis if REDIS_URL set, otherwise in-memory)
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.cache = rc
		s.cacheCloser = rc.Close
		s.logger.Info("using Redis cache")
	} else {
		mc := cache.NewMemory()
		s.cache = mc
		s.cacheCloser = func() error { mc.Close(); return nil }
		s.logger.Info("using in-memory cache (velocity counters are per-instance)")
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var reviewStore review.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.store = engine.NewPostgresStore(db)
		reviewStore = review.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = engine.NewMemoryStore()
		reviewStore = review.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.reviewService = review.NewService(reviewStore)

	// IP geolocation (MaxMind if configured, otherwise static CIDR table)
	if s.geoResolver == nil {
		if cfg.GeoIPDBPath != "" {
			mm, err := geo.NewMaxMind(cfg.GeoIPDBPath)
			if err != nil {
				return nil, fmt.Errorf("failed to open geoip database: %w", err)
			}
			s.geoResolver = mm
			s.geoCloser = mm.Close
			s.logger.Info("geoip enabled", "path", cfg.GeoIPDBPath)
		} else {
			s.geoResolver = geo.NewStatic()
			s.logger.Warn("no geoip database configured, location signal will be skipped")
		}
	}

	// One breaker per external dependency
	s.breaker = circuitbreaker.New(5, 30*time.Second)
	s.breaker.OnTransition(func(dep string, from, to circuitbreaker.State) {
		s.logger.Warn("circuit breaker transition", "dependency", dep, "from", from, "to", to)
	})

	// Threat intelligence: static lists always apply, the feed is optional
	lists, err := threatintel.NewLists(cfg.Blocklist, cfg.Allowlist)
	if err != nil {
		return nil, fmt.Errorf("invalid threat list entry: %w", err)
	}
	if s.threatClient == nil {
		if cfg.ThreatIntelURL != "" {
			httpClient := threatintel.NewHTTPClient(cfg.ThreatIntelURL, cfg.ThreatIntelTimeout)
			s.threatClient = threatintel.NewCachedClient(httpClient, s.cache, s.breaker, cfg.ThreatIntelTTL)
			s.logger.Info("threat intelligence feed enabled", "url", cfg.ThreatIntelURL)
		} else {
			s.threatClient = noFeed{}
			s.logger.Warn("no threat feed configured, only static lists apply")
		}
	}

	// Anomaly scorer (optional)
	if s.anomalyScorer == nil && cfg.AnomalyScorerURL != "" {
		scorer := anomaly.NewHTTPScorer(cfg.AnomalyScorerURL, cfg.AnomalyTimeout)
		s.anomalyScorer = anomaly.NewMemoizedScorer(scorer, s.cache, s.breaker, cfg.AnomalyMemoTTL)
		s.logger.Info("anomaly scorer enabled", "url", cfg.AnomalyScorerURL)
	}

	baseline, err := decimal.NewFromString(cfg.BaselineAvgAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid baseline average amount: %w", err)
	}

	collectors := []engine.Collector{
		signals.NewAmountCollector(baseline).WithTimeout(cfg.CollectorTimeout),
		signals.NewVelocityCollector(s.cache, cfg.VelocityWindow, cfg.VelocityThreshold).WithTimeout(cfg.CollectorTimeout),
		signals.NewLocationCollector(s.geoResolver).WithTimeout(cfg.CollectorTimeout),
		signals.NewThreatCollector(lists, s.threatClient).WithTimeout(cfg.ThreatIntelTimeout),
	}
	if s.anomalyScorer != nil {
		collectors = append(collectors, signals.NewAnomalyCollector(s.anomalyScorer).WithTimeout(cfg.AnomalyTimeout))
	}

	s.monitor = perf.New(cfg.PerfWindow, cfg.SLATargetP95)

	// The replay TTL must outlive the velocity window so a duplicate
	// submission replays instead of re-incrementing counters.
	replayTTL := engine.DefaultReplayTTL
	if ttl := 2 * cfg.VelocityWindow; ttl > replayTTL {
		replayTTL = ttl
	}

	s.orchestrator = engine.NewOrchestrator(s.store, &reviewEnqueuer{s.reviewService}, s.cache, s.monitor, collectors).
		WithDeadline(cfg.EvalDeadline).
		WithReplayTTL(replayTTL)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// reviewEnqueuer adapts the review service to the orchestrator's queue
// interface without the engine package importing review.
type reviewEnqueuer struct {
	svc *review.Service
}

func (r *reviewEnqueuer) Enqueue(ctx context.Context, transactionID string) (string, error) {
	item, err := r.svc.Enqueue(ctx, transactionID)
	if err != nil {
		return "", err
	}
	return item.ID, nil
}

// noFeed is the threat client used when no feed is configured. The threat
// collector falls back to static lists only.
type noFeed struct{}

func (noFeed) Lookup(context.Context, threatintel.Indicator) (*threatintel.Reputation, error) {
	return nil, threatintel.ErrUnavailable
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Rate limiting
	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(limiterCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.WithPrefix("req_")
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// V1 API group
	v1 := s.router.Group("/v1")
	engine.NewHandler(s.orchestrator, s.store).RegisterRoutes(v1)
	review.NewHandler(s.reviewService).RegisterRoutes(v1)
	perf.NewHandler(s.monitor).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK
	if !s.healthy.Load() {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	storage := "memory"
	if s.db != nil {
		storage = "postgres"
		if err := s.db.PingContext(c.Request.Context()); err != nil {
			status = "degraded"
		}
	}

	c.JSON(code, gin.H{
		"status":  status,
		"storage": storage,
		"env":     s.cfg.Env,
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Router exposes the gin engine (for testing)
func (s *Server) Router() http.Handler {
	return s.router
}

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"deadline_ms", s.cfg.EvalDeadline.Milliseconds(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start background persistence workers
	s.orchestrator.Start()

	// Export connection pool gauges
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Drain pending audit writes before tearing down dependencies
	s.orchestrator.Stop()
	s.logger.Info("persistence workers stopped")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.cacheCloser != nil {
		if err := s.cacheCloser(); err != nil {
			s.logger.Warn("cache close error", "error", err)
		}
	}
	if s.geoCloser != nil {
		if err := s.geoCloser(); err != nil {
			s.logger.Warn("geoip close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("database close error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return shutdownErr
}
