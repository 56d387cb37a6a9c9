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

	"github.com/freightbay/freightbay/internal/auth"
	"github.com/freightbay/freightbay/internal/circuitbreaker"
	"github.com/freightbay/freightbay/internal/config"
	"github.com/freightbay/freightbay/internal/gateway"
	"github.com/freightbay/freightbay/internal/health"
	"github.com/freightbay/freightbay/internal/idgen"
	"github.com/freightbay/freightbay/internal/logging"
	"github.com/freightbay/freightbay/internal/metrics"
	"github.com/freightbay/freightbay/internal/ratelimit"
	"github.com/freightbay/freightbay/internal/reconciliation"
	"github.com/freightbay/freightbay/internal/security"
	"github.com/freightbay/freightbay/internal/settlement"
	"github.com/freightbay/freightbay/internal/traces"
	"github.com/freightbay/freightbay/internal/validation"
	"github.com/freightbay/freightbay/internal/webhooks"
)

// devWebhookSecret signs events for the in-process fake gateway.
const devWebhookSecret = "whsec_dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	db           *sql.DB // nil if using in-memory
	store        settlement.Store
	webhookStore webhooks.Store
	gateway      gateway.Gateway
	breaker      *circuitbreaker.Breaker
	verifier     *auth.Verifier
	service      *settlement.Service
	reconciler   *reconciliation.Reconciler
	monitorTimer *reconciliation.Timer
	dispatcher   *webhooks.Dispatcher
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	version      string
	drainDelay   time.Duration
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

// WithGateway replaces the payment network (for testing)
func WithGateway(gw gateway.Gateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// WithVersion sets the version reported by health endpoints
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		version:    "dev",
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.setupStores(); err != nil {
		return nil, err
	}
	if err := s.setupServices(); err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// setupStores opens Postgres when DATABASE_URL is set, otherwise falls back
// to in-memory stores.
func (s *Server) setupStores() error {
	if s.cfg.DatabaseURL == "" {
		s.logger.Warn("DATABASE_URL not set, using in-memory stores; data is lost on restart")
		s.store = settlement.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	s.logger.Info("connected to database", "dsn", maskDSN(s.cfg.DatabaseURL))
	s.db = db
	s.store = settlement.NewPostgresStore(db)
	s.webhookStore = webhooks.NewPostgresStore(db)
	return nil
}

func (s *Server) setupServices() error {
	verifier, err := auth.NewVerifier(s.cfg.JWTSecret, s.cfg.JWTIssuer)
	if err != nil {
		return fmt.Errorf("failed to create token verifier: %w", err)
	}
	s.verifier = verifier

	if s.gateway == nil {
		if s.cfg.UseFakeGateway() {
			secret := s.cfg.StripeWebhookSecret
			if secret == "" {
				secret = devWebhookSecret
			}
			s.logger.Warn("STRIPE_SECRET_KEY not set, using in-process fake gateway; no money moves")
			s.gateway = gateway.NewFake(secret)
		} else {
			s.gateway = gateway.NewStripeGateway(gateway.StripeConfig{
				SecretKey:     s.cfg.StripeSecretKey,
				WebhookSecret: s.cfg.StripeWebhookSecret,
				Currency:      s.cfg.PayoutCurrency,
				RefreshURL:    s.cfg.ConnectRefreshURL,
				ReturnURL:     s.cfg.ConnectReturnURL,
			})
		}
	}

	s.breaker = circuitbreaker.New(s.cfg.GatewayBreakerThreshold, s.cfg.GatewayBreakerCooldown)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("gateway circuit breaker transition", "key", key, "from", from.String(), "to", to.String())
	})
	guarded := gateway.NewGuarded(s.gateway, s.breaker)

	s.dispatcher = webhooks.NewDispatcher(s.webhookStore, s.logger)
	emitter := webhooks.NewEmitter(s.dispatcher, s.logger)

	s.service = settlement.NewService(s.store, guarded).
		WithNotifier(emitter).
		WithCurrency(s.cfg.PayoutCurrency).
		WithStaleTransferAfter(s.cfg.StaleTransferAfter).
		WithLogger(s.logger)

	s.reconciler = reconciliation.NewReconciler(s.store, s.service).
		WithNotifier(emitter).
		WithLogger(s.logger)

	monitor := reconciliation.NewMonitor(s.store, s.cfg.StaleTransferAfter, s.logger)
	s.monitorTimer = reconciliation.NewTimer(monitor, s.cfg.MonitorInterval, s.logger)

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())

	s.health = health.NewRegistry()
	s.health.Register("database", health.Database(s.store.Ping))
	s.health.RegisterDegraded("gateway", health.Breaker(s.breaker, gateway.BreakerKey))
	s.health.RegisterDegraded("transfers", s.transfersCheck)
	return nil
}

// transfersCheck reports unresolved transfers found by the last monitor run.
func (s *Server) transfersCheck(context.Context) health.Status {
	r := s.monitorTimer.LastReport()
	if r == nil {
		return health.Status{Healthy: true, Detail: "not checked yet"}
	}
	if len(r.StuckPayouts) > 0 || len(r.UnconfirmedCredits) > 0 {
		return health.Status{
			Healthy: false,
			Detail: fmt.Sprintf("%d stuck payouts, %d unconfirmed credits",
				len(r.StuckPayouts), len(r.UnconfirmedCredits)),
		}
	}
	return health.Status{Healthy: true}
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
	// Request ID first so every later log line carries it.
	s.router.Use(s.requestIDMiddleware())

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
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(traces.Middleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = idgen.New()
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

		// Log level based on status code
		switch {
		case status >= 500:
			if len(c.Errors) > 0 {
				attrs = append(attrs, "error", c.Errors.String())
			}
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
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

	// Payment network events authenticate by signature, not bearer token.
	reconciliation.NewHandler(s.gateway, s.reconciler).RegisterRoutes(s.router)

	v1 := s.router.Group("/v1")
	v1.Use(
		auth.Middleware(s.verifier),
		auth.RequireAuth(),
		s.rateLimiter.Middleware(auth.GetAuthenticatedUser),
	)
	settlement.NewHandler(s.service).RegisterProtectedRoutes(v1)
	webhooks.NewHandler(s.webhookStore).RegisterProtectedRoutes(v1)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Route not found",
		})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		for _, chk := range checks {
			if !chk.Healthy {
				status = "degraded"
				break
			}
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
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
	if healthy, _ := s.health.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Handler returns the root HTTP handler, CORS included.
func (s *Server) Handler() http.Handler {
	return security.CORS(s.cfg.CORSOrigins, s.router)
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"fake_gateway", s.cfg.UseFakeGateway(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.monitorTimer.Start(runCtx)
	s.rateLimiter.Start()
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

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

	// Cancel the context for all background goroutines
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.monitorTimer.Stop()
	s.rateLimiter.Stop()

	// Let in-flight webhook deliveries finish, bounded by the shutdown budget.
	done := make(chan struct{})
	go func() {
		s.dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("abandoning in-flight webhook deliveries")
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
