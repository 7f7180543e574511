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
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/escrowmirror/internal/auth"
	"github.com/mbd888/escrowmirror/internal/circuitbreaker"
	"github.com/mbd888/escrowmirror/internal/config"
	"github.com/mbd888/escrowmirror/internal/escrow"
	"github.com/mbd888/escrowmirror/internal/executor"
	"github.com/mbd888/escrowmirror/internal/health"
	"github.com/mbd888/escrowmirror/internal/idgen"
	"github.com/mbd888/escrowmirror/internal/lifecycle"
	"github.com/mbd888/escrowmirror/internal/logging"
	"github.com/mbd888/escrowmirror/internal/metrics"
	"github.com/mbd888/escrowmirror/internal/ratelimit"
	"github.com/mbd888/escrowmirror/internal/realtime"
	"github.com/mbd888/escrowmirror/internal/security"
	"github.com/mbd888/escrowmirror/internal/settlement"
	"github.com/mbd888/escrowmirror/internal/snapshot"
	"github.com/mbd888/escrowmirror/internal/traces"
	"github.com/mbd888/escrowmirror/internal/validation"
	"github.com/mbd888/escrowmirror/internal/watcher"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg        *config.Config
	clock      lifecycle.Clock
	db         *sql.DB // nil if using in-memory
	ledger     *settlement.Ledger
	engine     *lifecycle.Engine
	dispatcher *executor.Dispatcher
	breaker    *circuitbreaker.Breaker
	verifier   *auth.Verifier
	streams    *realtime.Handler
	watcher    *watcher.Watcher
	limiter    *ratelimit.Limiter
	health     *health.Registry
	router     *gin.Engine
	httpSrv    *http.Server
	logger     *slog.Logger

	// Health state
	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithClock sets the time source shared by the engine, ledger and streams
// (for testing).
func WithClock(clock lifecycle.Clock) Option {
	return func(s *Server) {
		s.clock = clock
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		clock:  lifecycle.SystemClock,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var store settlement.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		store = settlement.NewPostgresStore(db)
		s.health.Register("database", health.Ping(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		store = settlement.NewMemoryStore()
		s.logger.Info("using in-memory storage (sandbox)")
	}

	// Sandbox settlement layer: the snapshot source and executor
	s.ledger = settlement.NewLedger(store, cfg.AgentResponseTime).
		WithClock(s.clock).
		WithAgentFee(cfg.AgentFeeBps).
		WithLogger(s.logger)
	s.health.Register("settlement", s.settlementCheck)

	// Lifecycle engine and dispatcher
	s.engine = lifecycle.NewEngine(cfg.AgentResponseTime)
	s.breaker = circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerOpenDuration)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("settlement breaker transition", "action", key, "from", from.String(), "to", to.String())
	})
	snaps := snapshot.NewCoalescing(s.ledger)
	s.dispatcher = executor.NewDispatcher(s.engine, snaps, s.ledger).
		WithBreaker(s.breaker).
		WithClock(s.clock).
		WithRefetch(cfg.RefetchAttempts, executor.DefaultRefetchDelay)

	// Identity
	s.verifier = auth.NewVerifier(cfg.JWTSecret)

	// Live views
	streamer := realtime.NewStreamer(s.engine, snaps).
		WithTick(cfg.TickInterval).
		WithClock(s.clock)
	s.streams = realtime.NewHandler(streamer)

	// Deadline reporting
	s.watcher = watcher.New(watcher.DefaultConfig(), store, s.engine, s.logger).WithClock(s.clock)

	s.limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
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

// settlementCheck reports whether any action's breaker is holding calls back.
func (s *Server) settlementCheck(ctx context.Context) error {
	for _, a := range lifecycle.AllActions() {
		if s.breaker.State(a.String()) == circuitbreaker.StateOpen {
			return fmt.Errorf("breaker open for %s", a)
		}
	}
	return nil
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Optional identity: anonymous callers are viewers
	s.router.Use(auth.Middleware(s.verifier))
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an ID from a load balancer when present
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.WithPrefix("req_")
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

		latency := time.Since(start)
		status := c.Writer.Status()
		logger := logging.L(c.Request.Context())

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
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// rateLimitKey charges authenticated callers by identity and everyone else
// by address.
func rateLimitKey(c *gin.Context) string {
	if caller := auth.GetAuthenticatedAgent(c); caller != "" {
		return "caller:" + caller
	}
	return "ip:" + c.ClientIP()
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", health.LiveHandler())
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	escrowHandler := escrow.NewHandler(s.dispatcher).
		WithReceipts(s.ledger).
		WithActionMiddleware(s.limiter.Middleware(rateLimitKey))
	escrowHandler.RegisterRoutes(v1)
	s.streams.RegisterRoutes(v1)

	authHandler := auth.NewHandler(s.verifier)
	v1.GET("/me", authHandler.Me)

	// The sandbox opens escrows and mints tokens for any address, so it is
	// never mounted outside development.
	if s.cfg.IsDevelopment() {
		sandbox := v1.Group("/sandbox")
		escrowHandler.WithSandbox(s.ledger).RegisterSandboxRoutes(sandbox)
		sandbox.POST("/tokens", authHandler.IssueToken)
		s.logger.Warn("sandbox routes enabled", "prefix", "/v1/sandbox")
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status, httpStatus := "healthy", http.StatusOK
	if !healthy {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.ReadyHandler()(c)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves until ctx is cancelled, SIGINT/SIGTERM arrives or a component
// fails, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTraces, err := traces.Init(ctx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Streams hold the connection open; websocket writes set their own deadlines.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	s.watcher.Start(gctx)

	if s.db != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(gctx, s.db, 15*time.Second)
			return nil
		})
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutdown requested")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := s.Shutdown(shutdownCtx)
		if terr := shutdownTraces(shutdownCtx); terr != nil {
			s.logger.Error("trace shutdown error", "error", terr)
		}
		return err
	})

	return g.Wait()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
		s.watcher.Stop()
		s.logger.Info("deadline watcher stopped")
	}

	s.limiter.Stop()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
			errs = append(errs, err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
