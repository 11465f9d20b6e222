// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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

	"github.com/mbd888/clickshield/internal/activity"
	"github.com/mbd888/clickshield/internal/alerts"
	"github.com/mbd888/clickshield/internal/blocklist"
	"github.com/mbd888/clickshield/internal/config"
	"github.com/mbd888/clickshield/internal/detector"
	"github.com/mbd888/clickshield/internal/geo"
	"github.com/mbd888/clickshield/internal/health"
	"github.com/mbd888/clickshield/internal/logging"
	"github.com/mbd888/clickshield/internal/metrics"
	"github.com/mbd888/clickshield/internal/ratelimit"
	"github.com/mbd888/clickshield/internal/realtime"
	"github.com/mbd888/clickshield/internal/reputation"
	"github.com/mbd888/clickshield/internal/scoring"
	"github.com/mbd888/clickshield/internal/security"
	"github.com/mbd888/clickshield/internal/session"
	"github.com/mbd888/clickshield/internal/validation"
)

// locationTimeout bounds the per-request geo lookup.
const locationTimeout = 5 * time.Millisecond

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	detector     *detector.Detector
	sessions     *session.Store
	blocks       *blocklist.List
	rate         *ratelimit.WindowLimiter
	realtimeHub  *realtime.Hub
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	checks       *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithDetector sets a pre-built detector (for testing)
func WithDetector(d *detector.Detector) Option {
	return func(s *Server) {
		s.detector = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set detector/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage for the audit trail (Postgres if DATABASE_URL set, otherwise in-memory)
	var activities activity.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Healthy: false, Detail: err.Error()}
			}
			return health.Status{Healthy: true}
		})
		pgStore := activity.NewPostgresStore(db)
		if err := pgStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate activity store", "error", err)
		}
		activities = pgStore
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		activities = activity.NewMemoryStore()
		s.logger.Info("using in-memory storage")
	}

	s.realtimeHub = realtime.NewHub(s.logger)

	if s.detector == nil {
		s.detector = buildDetector(cfg, s, activities)
	}

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

// buildDetector wires the stores, scorer, and external collaborators from
// configuration.
func buildDetector(cfg *config.Config, s *Server, activities activity.Store) *detector.Detector {
	s.sessions = session.NewStore(cfg.SessionTTL, cfg.QuickExitInterval, cfg.MaxClickCount)
	s.blocks = blocklist.New(cfg.BlockDuration)
	s.rate = ratelimit.NewWindowLimiter(ratelimit.WindowConfig{
		LongWindow:   cfg.LongWindow,
		LongCeiling:  cfg.LongCeiling,
		ShortWindow:  cfg.ShortWindow,
		ShortCeiling: cfg.ShortCeiling,
	})

	scorer := scoring.New(scoring.Config{
		BotPatterns:         cfg.BotPatterns,
		SuspiciousCountries: cfg.SuspiciousCountries,
		VolumeThreshold:     cfg.VolumeThreshold,
		BlockThreshold:      cfg.BlockThreshold,
		AlertThreshold:      cfg.AlertThreshold,
	})

	opts := []detector.Option{
		detector.WithLogger(s.logger),
		detector.WithActivityStore(activities),
		detector.WithPublisher(s.realtimeHub),
	}

	// Location resolver: MaxMind when a database is configured, cached and
	// time-bounded either way.
	if cfg.GeoIPDBPath != "" {
		resolver, err := geo.NewMaxMindResolver(cfg.GeoIPDBPath)
		if err != nil {
			s.logger.Warn("failed to open GeoIP database, locations will be unknown",
				"path", cfg.GeoIPDBPath, "error", err)
		} else {
			cached := geo.NewCachedResolver(resolver, time.Hour)
			opts = append(opts, detector.WithResolver(geo.NewTimeoutResolver(cached, locationTimeout)))
			s.logger.Info("GeoIP resolution enabled", "path", cfg.GeoIPDBPath)
		}
	}

	if cfg.AbuseIPDBKey != "" {
		opts = append(opts, detector.WithReputation(
			reputation.NewChecker(cfg.AbuseIPDBKey, time.Hour)))
		s.logger.Info("IP reputation checks enabled")
	}

	if cfg.AlertWebhookURL != "" {
		if err := security.ValidateEndpointURL(cfg.AlertWebhookURL); err != nil {
			s.logger.Warn("alert webhook URL rejected, falling back to log alerts",
				"error", err)
		} else {
			opts = append(opts, detector.WithNotifier(
				alerts.NewWebhookNotifier(cfg.AlertWebhookURL, cfg.AlertWebhookSecret, s.logger)))
			s.logger.Info("webhook alerts enabled")
		}
	}

	return detector.New(detector.Config{
		QuickExitRatio: cfg.QuickExitRatio,
		MinSampleSize:  cfg.MinSampleSize,
		FailClosed:     cfg.FailClosed,
	}, s.sessions, s.blocks, s.rate, scorer, opts...)
}

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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for the dashboard - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// HTTP-level rate limiting, keyed by client IP. Distinct from the
	// per-identity click windows inside the detector.
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.HTTPRateLimitRPM,
		BurstSize:         s.cfg.HTTPRateLimitRPM / 5,
	})
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
			requestID = generateRequestID()
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

	// Click evaluation
	s.router.POST("/record-click", s.recordClickHandler)

	// Reports
	api := s.router.Group("/api")
	{
		api.GET("/stats", s.statsHandler)
		api.GET("/quick-exit-report", s.quickExitReportHandler)
		api.GET("/suspicious-activities", s.suspiciousActivitiesHandler)
	}

	// Realtime feed
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// sweepInterval is how often expired sessions, blocks, and rate windows are
// physically evicted. Lazy expiry keeps correctness between sweeps.
const sweepInterval = time.Minute

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start hygiene sweeps
	go s.runSweeps(runCtx)

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

// runSweeps periodically evicts expired records from the shared stores. Each
// sweep takes only per-identity locks, never one that blocks the whole
// request path.
func (s *Server) runSweeps(ctx context.Context) {
	if s.sessions == nil {
		return // stores owned by an injected detector
	}

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			sessions := s.sessions.Sweep(now)
			blocks := s.blocks.Sweep(now)
			windows := s.rate.Sweep(now)
			if sessions+blocks+windows > 0 {
				s.logger.Debug("hygiene sweep",
					"sessions_evicted", sessions,
					"blocks_evicted", blocks,
					"windows_evicted", windows,
				)
			}
		}
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, sweeps)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
