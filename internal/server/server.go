// Package server wires the settlement core into an HTTP API: provider
// webhooks and normalized events in, queue consumers settling them, and
// balance, hold, escrow, and cashout endpoints over the ledger.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
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

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/paycore-io/paycore/internal/cashout"
	"github.com/paycore-io/paycore/internal/chainwatch"
	"github.com/paycore-io/paycore/internal/circuitbreaker"
	"github.com/paycore-io/paycore/internal/config"
	"github.com/paycore-io/paycore/internal/escrow"
	"github.com/paycore-io/paycore/internal/health"
	"github.com/paycore-io/paycore/internal/idgen"
	"github.com/paycore-io/paycore/internal/ledger"
	"github.com/paycore-io/paycore/internal/logging"
	"github.com/paycore-io/paycore/internal/metrics"
	"github.com/paycore-io/paycore/internal/notify"
	"github.com/paycore-io/paycore/internal/providers"
	"github.com/paycore-io/paycore/internal/queue"
	"github.com/paycore-io/paycore/internal/ratelimit"
	"github.com/paycore-io/paycore/internal/rates"
	"github.com/paycore-io/paycore/internal/retry"
	"github.com/paycore-io/paycore/internal/security"
	"github.com/paycore-io/paycore/internal/settlement"
	"github.com/paycore-io/paycore/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	ledger         *ledger.Ledger
	settlements    *settlement.Processor
	escrowService  *escrow.Service
	cashoutService *cashout.Service
	queueBackend   queue.Backend
	consumer       *queue.Consumer
	stripeAdapter  *providers.StripeAdapter
	depositWatcher *chainwatch.Watcher
	resolver       chainwatch.AddressResolver
	notifier       *notify.Emitter
	rateSource     rates.Source
	checks         *health.Registry
	rateLimiter    *ratelimit.Limiter
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithNotifier sets the notification collaborator. Defaults to logging.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Server) {
		s.notifier = notify.NewEmitter(n, s.logger)
	}
}

// WithRateSource sets the exchange rate source for non-USD deposits.
// Without one, only USD-pegged currencies settle.
func WithRateSource(src rates.Source) Option {
	return func(s *Server) {
		s.rateSource = src
	}
}

// WithAddressResolver maps on-chain sender addresses to user IDs. The chain
// watcher only starts when a resolver is configured.
func WithAddressResolver(r chainwatch.AddressResolver) Option {
	return func(s *Server) {
		s.resolver = r
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(health.DefaultProbeTimeout),
	}

	// Apply options first (may set logger/notifier/resolver)
	for _, opt := range opts {
		opt(s)
	}

	if s.notifier == nil {
		s.notifier = notify.NewEmitter(&notify.LogNotifier{Logger: s.logger}, s.logger)
	}

	// Context for initialization
	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		ledgerStore     ledger.Store
		settlementStore settlement.Store
		escrowStore     escrow.Store
		cashoutStore    cashout.Store
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

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		ledgerStore = ledger.NewPostgresStore(db)
		settlementStore = settlement.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		cashoutStore = cashout.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", db.PingContext)
	} else {
		memLedger := ledger.NewMemoryStore()
		ledgerStore = memLedger
		settlementStore = settlement.NewMemoryStore(memLedger)
		escrowStore = escrow.NewMemoryStore()
		cashoutStore = cashout.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.ledger = ledger.New(ledgerStore, s.logger)

	converter := rates.NewConverter(s.rateSource, cfg.RateTTL)
	s.settlements = settlement.NewProcessor(settlementStore, converter, s.notifier, cfg.MinCreditUSD, s.logger)

	tol := settlement.Tolerance{
		ToleranceUSD:      cfg.ToleranceUSD,
		SevereUnderpayUSD: cfg.SevereUnderpayUSD,
	}
	s.escrowService = escrow.NewService(escrowStore, s.ledger, tol, s.notifier, s.logger)
	s.cashoutService = cashout.NewService(cashoutStore, s.ledger, s.notifier, s.logger)

	// Event queue. The embedded store always exists: it is the fallback
	// system of record when the shared backend is unreachable.
	embedded, err := queue.NewSQLiteBackend(cfg.QueueDBPath, cfg.QueuePoolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded queue: %w", err)
	}
	s.queueBackend = embedded
	s.logger.Info("embedded queue opened", "path", cfg.QueueDBPath)

	if cfg.QueueBackend == "redis" {
		shared, err := queue.NewRedisBackend(ctx, cfg.RedisAddr)
		if err != nil {
			s.logger.Warn("shared queue unreachable, running on embedded queue only",
				"addr", cfg.RedisAddr, "error", err)
		} else {
			breaker := circuitbreaker.New("shared_queue", 5, 30*time.Second)
			s.queueBackend = queue.NewFallbackBackend(shared, embedded, breaker, s.logger)
			s.logger.Info("shared queue enabled", "addr", cfg.RedisAddr)
		}
	}

	s.checks.Register("queue", func(ctx context.Context) error {
		return s.queueBackend.HealthCheck(ctx)
	})

	s.consumer = queue.NewConsumer(s.queueBackend, s.handleQueueEvent, queue.ConsumerConfig{
		Workers:      cfg.WorkerCount,
		BatchSize:    cfg.BatchSize,
		PollInterval: cfg.PollInterval,
		ClaimTimeout: cfg.ClaimTimeout,
	}, s.logger)

	// Provider adapters
	if cfg.StripeWebhookSecret != "" {
		s.stripeAdapter = providers.NewStripeAdapter(cfg.StripeWebhookSecret)
		s.logger.Info("stripe webhook verification enabled")
	}

	// Chain watcher (auto-enqueues confirmed USDC deposits)
	if cfg.RPCURL != "" && s.resolver != nil {
		watcherCfg := chainwatch.DefaultConfig()
		watcherCfg.RPCURL = cfg.RPCURL
		watcherCfg.USDCContract = common.HexToAddress(cfg.USDCContract)
		watcherCfg.PlatformAddress = common.HexToAddress(cfg.PlatformAddress)

		w, err := chainwatch.New(watcherCfg, s.queueBackend, s.resolver, s.logger)
		if err != nil {
			s.logger.Warn("failed to create chain watcher", "error", err)
		} else {
			s.depositWatcher = w
			s.logger.Info("chain watcher configured",
				"platform", watcherCfg.PlatformAddress.Hex(),
				"usdc", watcherCfg.USDCContract.Hex(),
			)
		}
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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
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

	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// Event ingestion
	v1.POST("/events", s.ingestEvent)

	// Provider webhooks
	if s.stripeAdapter != nil {
		v1.POST("/providers/stripe/webhook", s.stripeWebhook)
	}

	// Balances and holds
	v1.GET("/balances/:userId", s.getBalance)
	v1.GET("/balances/:userId/history", s.getHistory)
	v1.POST("/holds", s.createHold)
	v1.POST("/holds/release", s.releaseHold)

	// Escrow lifecycle
	v1.POST("/escrows", s.createEscrow)
	v1.GET("/escrows/:id", s.getEscrow)
	v1.POST("/escrows/:id/fund", s.fundEscrow)
	v1.POST("/escrows/:id/deliver", s.deliverEscrow)
	v1.POST("/escrows/:id/confirm", s.confirmEscrow)
	v1.POST("/escrows/:id/dispute", s.disputeEscrow)
	v1.POST("/escrows/:id/resolve", s.resolveEscrow)
	v1.POST("/escrows/:id/cancel", s.cancelEscrow)
	v1.GET("/users/:userId/escrows", s.listEscrows)

	// Cashouts
	v1.POST("/cashouts", s.initiateCashout)
	v1.GET("/cashouts/:id", s.getCashout)
	v1.POST("/cashouts/:id/complete", s.completeCashout)
	v1.POST("/cashouts/:id/cancel", s.cancelCashout)
	v1.GET("/users/:userId/cashouts", s.listCashouts)
}

// -----------------------------------------------------------------------------
// Queue consumption
// -----------------------------------------------------------------------------

// handleQueueEvent dispatches one claimed event. Returned errors mean the
// consumer should retry with backoff; permanent errors fail the event.
func (s *Server) handleQueueEvent(ctx context.Context, ev *queue.Event) error {
	switch ev.Endpoint {
	case "escrow_fund":
		var req struct {
			EscrowID    string `json:"escrowId"`
			ReceivedUSD string `json:"receivedUsd"`
		}
		if err := json.Unmarshal(ev.Payload, &req); err != nil {
			return retry.Permanent(fmt.Errorf("malformed escrow funding payload: %w", err))
		}
		_, err := s.escrowService.Fund(ctx, req.EscrowID, req.ReceivedUSD)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, escrow.ErrEscrowNotFound),
			errors.Is(err, escrow.ErrInvalidStatus),
			errors.Is(err, escrow.ErrInvalidAmount):
			return retry.Permanent(err)
		default:
			return err
		}

	default:
		// Everything else is a normalized payment delivery.
		var req settlement.Request
		if err := json.Unmarshal(ev.Payload, &req); err != nil {
			return retry.Permanent(fmt.Errorf("malformed settlement payload: %w", err))
		}
		_, err := s.settlements.Process(ctx, req)
		if errors.Is(err, settlement.ErrInvalidRequest) {
			return retry.Permanent(err)
		}
		return err
	}
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Paycore",
		"description": "Durable payment settlement core",
		"version":     "0.1.0",
		"currency":    "USD",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, then blocks until a
// shutdown signal or context cancellation.
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
		s.logger.Info("starting server", "port", s.cfg.Port, "queue", s.cfg.QueueBackend)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start queue consumers
	s.consumer.Start(runCtx)

	// Start escrow auto-release sweeper
	s.escrowService.StartAutoRelease(runCtx, time.Minute)

	// Start chain watcher
	if s.depositWatcher != nil {
		if err := s.depositWatcher.Start(runCtx); err != nil {
			s.logger.Error("failed to start chain watcher", "error", err)
		}
	}

	// Export connection pool stats
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

	// Cancel the context for all background goroutines (consumers, sweepers, watcher)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Drain in-flight queue work before closing the backend
	s.consumer.Stop()
	s.logger.Info("queue consumers stopped")

	if s.depositWatcher != nil {
		s.depositWatcher.Stop()
		s.logger.Info("chain watcher stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if err := s.queueBackend.Close(); err != nil {
		s.logger.Error("queue close error", "error", err)
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------
