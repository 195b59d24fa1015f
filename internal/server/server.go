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
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/landtrust/internal/admin"
	"github.com/mbd888/landtrust/internal/auth"
	"github.com/mbd888/landtrust/internal/circuitbreaker"
	"github.com/mbd888/landtrust/internal/config"
	"github.com/mbd888/landtrust/internal/escrow"
	"github.com/mbd888/landtrust/internal/gateway"
	"github.com/mbd888/landtrust/internal/health"
	"github.com/mbd888/landtrust/internal/listing"
	"github.com/mbd888/landtrust/internal/logging"
	"github.com/mbd888/landtrust/internal/metrics"
	"github.com/mbd888/landtrust/internal/notify"
	"github.com/mbd888/landtrust/internal/ratelimit"
	"github.com/mbd888/landtrust/internal/realtime"
	"github.com/mbd888/landtrust/internal/security"
	"github.com/mbd888/landtrust/internal/syncutil"
	"github.com/mbd888/landtrust/internal/traces"
	"github.com/mbd888/landtrust/internal/validation"
)

const (
	serviceName   = "landtrust"
	sweepLeaseKey = "landtrust:sweep"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB       // nil if using in-memory
	redis       *redis.Client // nil without REDIS_URL
	authMgr     *auth.Manager
	listings    *listing.Service
	engine      *escrow.Engine
	offers      *escrow.OfferLedger
	disputes    *escrow.DisputeService
	sweepTimer  *escrow.Timer
	failures    notify.FailureStore
	dispatcher  *notify.Dispatcher
	breaker     *circuitbreaker.Breaker
	realtimeHub *realtime.Hub
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	clock       func() time.Time
	version     string

	shutdownGrace   time.Duration
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	background      *errgroup.Group
	shutdownTracing func(context.Context) error

	draining atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithClock overrides the marketplace clock (for testing)
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.clock = now
	}
}

// WithVersion sets the build version reported by / and attached to traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithShutdownGrace sets how long Shutdown waits for load balancers to stop
// routing before closing the listener.
func WithShutdownGrace(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownGrace = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		logger:        logging.New(cfg.LogLevel, cfg.LogFormat),
		health:        health.NewRegistry(),
		shutdownGrace: 5 * time.Second,
		version:       "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authMgr, err := auth.NewManager(cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create token manager: %w", err)
	}
	s.authMgr = authMgr

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		escrowStore  escrow.Store
		listingStore listing.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		listingStore = listing.NewPostgresStore(db)
		s.failures = notify.NewPostgresFailureStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		escrowStore = escrow.NewMemoryStore()
		listingStore = listing.NewMemoryStore()
		s.failures = notify.NewMemoryFailureStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	s.health.RegisterPinger("store", escrowStore)

	// Sweep lease: Redis when configured so only one replica sweeps per tick
	var lease syncutil.Lease
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(redisOpts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		redisLock, err := syncutil.NewRedisLock(client, sweepLeaseKey, cfg.SweepInterval)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		s.redis = client
		lease = redisLock
		s.health.Register("redis", health.PingChecker("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
		s.logger.Info("sweeps coordinated through redis", "key", sweepLeaseKey)
	}

	s.health.Register("lifecycle", func(context.Context) health.Status {
		if s.draining.Load() {
			return health.Status{Name: "lifecycle", Detail: "draining"}
		}
		return health.Status{Name: "lifecycle", Healthy: true}
	})

	// Notifications: realtime always, outbound webhook when configured
	s.realtimeHub = realtime.NewHub(s.logger)
	s.breaker = circuitbreaker.New(circuitbreaker.Settings{IsFailure: notify.IsSinkFailure})
	s.breaker.OnStateChange(func(sink string, from, to circuitbreaker.State) {
		s.logger.Warn("notification sink circuit changed", "sink", sink, "from", from.String(), "to", to.String())
	})
	s.dispatcher = notify.NewDispatcher(s.logger, s.failures, notify.NewRealtimeSink(s.realtimeHub)).
		WithWorkers(cfg.NotifyWorkers).
		WithBreaker(s.breaker)
	if cfg.NotifyWebhookURL != "" {
		if cfg.IsProduction() {
			if err := security.ValidateEndpointURL(ctx, cfg.NotifyWebhookURL); err != nil {
				return nil, fmt.Errorf("NOTIFY_WEBHOOK_URL rejected: %w", err)
			}
		}
		s.dispatcher.AddSink(notify.NewWebhookSink(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret))
		s.logger.Info("webhook notifications enabled")
	}

	// Marketplace core
	s.listings = listing.NewService(listingStore, s.logger)
	s.engine = escrow.NewEngine(escrowStore, s.listings.ForEscrow(), s.logger).
		WithNotifier(s.dispatcher).
		WithHoldDays(cfg.EscrowHoldDays)
	if s.clock != nil {
		s.engine.WithClock(s.clock)
	}
	s.offers = escrow.NewOfferLedger(s.engine).WithTTL(cfg.OfferTTL)
	s.disputes = escrow.NewDisputeService(s.engine)
	s.sweepTimer = escrow.NewTimer(s.offers, s.engine, lease, s.logger).WithInterval(cfg.SweepInterval)

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         cfg.RateLimitBurst,
	})

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

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Identity before rate limiting so authenticated callers get their own bucket
	s.router.Use(auth.Middleware(s.authMgr))
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = generateRequestID()
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
	s.health.RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/", s.infoHandler)

	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware("id"))

	listingHandler := listing.NewHandler(s.listings)
	escrowHandler := escrow.NewHandler(s.offers, s.engine, s.disputes)
	gatewayHandler := gateway.NewHandler(s.engine, s.cfg.GatewaySecret, s.cfg.StripeWebhookSecret, s.logger)
	notifyHandler := notify.NewHandler(s.failures)
	adminHandler := admin.NewHandler().
		WithOfferSweeper(s.offers).
		WithVerificationSweeper(s.engine).
		WithRealtimeStats(s.realtimeHub).
		WithCircuits(s.breaker)

	// Public: browsing and signed gateway callbacks
	listingHandler.RegisterRoutes(v1)
	gatewayHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	listingHandler.RegisterProtectedRoutes(protected)
	escrowHandler.RegisterProtectedRoutes(protected)
	notifyHandler.RegisterAdminRoutes(protected)
	adminHandler.RegisterRoutes(protected)

	s.router.GET("/ws", s.websocketHandler)
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":           serviceName,
		"version":        s.version,
		"escrowHoldDays": s.cfg.EscrowHoldDays,
		"offerTtl":       s.cfg.OfferTTL.String(),
		"endpoints": gin.H{
			"api":       "/v1",
			"health":    "/health",
			"metrics":   "/metrics",
			"websocket": "/ws",
		},
	})
}

// websocketHandler upgrades an authenticated caller to the realtime stream.
// Browsers cannot set headers on the upgrade, so a token query parameter is
// accepted too.
func (s *Server) websocketHandler(c *gin.Context) {
	claims, ok := auth.GetClaims(c)
	if !ok {
		if token := c.Query("token"); token != "" {
			if parsed, err := s.authMgr.Parse(token); err == nil {
				claims, ok = parsed, true
			}
		}
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Bearer token or token query parameter required",
		})
		return
	}
	s.realtimeHub.HandleWebSocket(c.Writer, c.Request, claims.UserID, claims.HasRole(auth.RoleAdmin))
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, and blocks until a
// signal arrives, ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	shutdownTracing, err := traces.Init(ctx, traces.Options{
		ServiceName:    serviceName,
		ServiceVersion: s.version,
		Environment:    s.cfg.Env,
		Endpoint:       s.cfg.OTLPEndpoint,
		SampleRatio:    s.cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		s.logger.Warn("tracing unavailable", "error", err)
	} else {
		s.shutdownTracing = shutdownTracing
	}

	// Background workers outlive ctx until Shutdown so the dispatcher can
	// drain what in-flight requests enqueued.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelRunCtx = cancel
	g, gctx := errgroup.WithContext(runCtx)
	s.background = g

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	g.Go(func() error {
		s.realtimeHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return s.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		s.sweepTimer.Start(gctx)
		return nil
	})
	g.Go(func() error {
		s.rateLimiter.Run(gctx.Done())
		return nil
	})
	if s.db != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(gctx, s.db, 15*time.Second)
			return nil
		})
	}

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

// Shutdown gracefully stops the server. In-flight requests finish first, then
// the sweep timer stops and the notification queue drains.
func (s *Server) Shutdown() error {
	s.draining.Store(true)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to see readiness fail
	if s.shutdownGrace > 0 {
		time.Sleep(s.shutdownGrace)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	s.sweepTimer.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.background != nil {
		if err := s.background.Wait(); err != nil {
			s.logger.Error("background worker error", "error", err)
			errs = append(errs, err)
		}
		s.logger.Info("background workers stopped")
	}

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
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
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
