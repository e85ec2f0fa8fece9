// Package server wires the credit ledger's stores, services, background
// workers and HTTP routes.
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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/creditledger/internal/admin"
	"github.com/mbd888/creditledger/internal/audit"
	"github.com/mbd888/creditledger/internal/auth"
	"github.com/mbd888/creditledger/internal/billing"
	"github.com/mbd888/creditledger/internal/config"
	"github.com/mbd888/creditledger/internal/credit"
	"github.com/mbd888/creditledger/internal/dispute"
	"github.com/mbd888/creditledger/internal/events"
	"github.com/mbd888/creditledger/internal/health"
	"github.com/mbd888/creditledger/internal/idempotency"
	"github.com/mbd888/creditledger/internal/ledger"
	"github.com/mbd888/creditledger/internal/logging"
	"github.com/mbd888/creditledger/internal/metrics"
	"github.com/mbd888/creditledger/internal/ratelimit"
	"github.com/mbd888/creditledger/internal/reconciliation"
	"github.com/mbd888/creditledger/internal/security"
	"github.com/mbd888/creditledger/internal/statement"
	"github.com/mbd888/creditledger/internal/traces"
	"github.com/mbd888/creditledger/internal/validation"
	"github.com/mbd888/creditledger/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// keyStore is what the idempotency key tables provide.
type keyStore interface {
	idempotency.KeyStore
	idempotency.Purger
}

// stores groups the persistence backends. They are all Postgres or all
// in-memory.
type stores struct {
	ledger     ledger.Store
	billing    billing.Store
	disputes   dispute.Store
	statements statement.Store
	keys       keyStore
	auth       auth.Store
	audit      audit.Logger
	outbox     events.Outbox
	inbox      reconciliation.Inbox
	retries    reconciliation.RetryQueue
}

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	db     *sql.DB // nil if using in-memory
	stores stores

	authMgr    *auth.Manager
	credit     *credit.Manager
	billing    *billing.Service
	reconciler *reconciliation.Reconciler
	disputes   *dispute.Resolver
	statements *statement.Generator
	reporter   *admin.Reporter
	health     *health.Registry

	gateway   reconciliation.PaymentGateway
	publisher events.Publisher
	kafka     *events.KafkaPublisher

	relay          *events.Relay
	inboxWorker    *reconciliation.Worker
	retryScheduler *reconciliation.RetryScheduler
	verifyTimer    *credit.VerifyTimer
	overdueTimer   *billing.OverdueTimer
	monthlyTimer   *statement.MonthlyTimer
	purgeTimer     *idempotency.PurgeTimer
	rateLimiter    *ratelimit.Limiter

	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown func(context.Context) error
	drainDelay    time.Duration
	version       string

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

// WithPaymentGateway sets the gateway used for payment retries. Without one
// (and without STRIPE_API_KEY) failed payments stay queued.
func WithPaymentGateway(g reconciliation.PaymentGateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithVersion sets the build version reported in traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing before closing listeners.
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
		drainDelay: 5 * time.Second,
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	shutdown, err := traces.Init(ctx, traces.Options{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     s.version,
		Environment: cfg.Env,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
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
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		if cfg.AutoMigrate {
			if err := migrations.Up(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to apply migrations: %w", err)
			}
			s.logger.Info("database migrations applied")
		}

		s.db = db
		s.stores = postgresStores(db)
		s.logger.Info("using PostgreSQL storage", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		s.stores = memoryStores()
		s.logger.Warn("using in-memory storage (data will not persist)")
	}

	s.setupPublisher()
	s.setupServices()
	s.setupWorkers()
	s.setupHealth()

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

func postgresStores(db *sql.DB) stores {
	return stores{
		ledger:     ledger.NewPostgresStore(db),
		billing:    billing.NewPostgresStore(db),
		disputes:   dispute.NewPostgresStore(db),
		statements: statement.NewPostgresStore(db),
		keys:       idempotency.NewPostgresStore(db),
		auth:       auth.NewPostgresStore(db),
		audit:      audit.NewPostgresLogger(db),
		outbox:     events.NewPostgresOutbox(db),
		inbox:      reconciliation.NewPostgresInbox(db),
		retries:    reconciliation.NewPostgresRetryQueue(db),
	}
}

func memoryStores() stores {
	outbox := events.NewMemoryOutbox()
	return stores{
		ledger:     ledger.NewMemoryStore(outbox),
		billing:    billing.NewMemoryStore(),
		disputes:   dispute.NewMemoryStore(),
		statements: statement.NewMemoryStore(),
		keys:       idempotency.NewMemoryStore(),
		auth:       auth.NewMemoryStore(),
		audit:      audit.NewMemoryLogger(),
		outbox:     outbox,
		inbox:      reconciliation.NewMemoryInbox(),
		retries:    reconciliation.NewMemoryRetryQueue(),
	}
}

// setupPublisher picks where outbox events go: Kafka when brokers are
// configured, otherwise the in-process bus.
func (s *Server) setupPublisher() {
	if len(s.cfg.KafkaBrokers) > 0 {
		s.kafka = events.NewKafkaPublisher(strings.Join(s.cfg.KafkaBrokers, ","), s.cfg.KafkaTopic)
		s.publisher = s.kafka
		s.logger.Info("publishing events to kafka", "brokers", s.cfg.KafkaBrokers, "topic", s.cfg.KafkaTopic)
		return
	}
	bus := events.NewBus(s.logger)
	bus.Subscribe("", func(ctx context.Context, evt *events.Event) {
		s.logger.Debug("event published", "type", evt.Type, "aggregate_id", evt.AggregateID, "event_id", evt.ID)
	})
	s.publisher = bus
	s.logger.Info("publishing events to in-process bus")
}

func (s *Server) setupServices() {
	st := s.stores

	s.authMgr = auth.NewManager(st.auth)

	s.credit = credit.NewManager(st.ledger, s.logger).
		WithAuditLogger(st.audit).
		WithDefaultCurrency(s.cfg.DefaultCurrency)

	s.billing = billing.NewService(st.billing, s.credit, s.credit, st.outbox, s.logger)

	s.reconciler = reconciliation.NewReconciler(st.billing, s.credit, st.keys, st.retries, st.outbox,
		reconciliation.Config{
			MaxAttempts: s.cfg.PaymentMaxAttempts,
			RetryBase:   s.cfg.PaymentRetryBase,
			RetryMax:    s.cfg.PaymentRetryMax,
		}, s.logger)

	s.disputes = dispute.NewResolver(st.disputes, s.credit, s.credit, s.logger).
		WithAuditLogger(st.audit).
		WithOutbox(st.outbox)

	s.statements = statement.NewGenerator(st.ledger, s.billing.Store(), st.statements, s.logger)
}

func (s *Server) setupWorkers() {
	st := s.stores

	s.relay = events.NewRelay(st.outbox, s.publisher, s.logger)
	s.credit.WithNotifier(s.relay)

	s.inboxWorker = reconciliation.NewWorker(st.inbox, s.reconciler, s.logger)

	if s.gateway == nil && s.cfg.StripeAPIKey != "" {
		s.gateway = reconciliation.NewStripeGateway(s.cfg.StripeAPIKey)
		s.logger.Info("payment retries enabled via stripe")
	}
	if s.gateway != nil {
		s.retryScheduler = reconciliation.NewRetryScheduler(st.retries, s.reconciler, s.gateway, s.logger)
	} else {
		s.logger.Warn("no payment gateway configured: failed payments wait for gateway redelivery")
	}

	s.verifyTimer = credit.NewVerifyTimer(s.credit, s.cfg.VerifyInterval)
	s.overdueTimer = billing.NewOverdueTimer(s.billing, s.logger)
	s.monthlyTimer = statement.NewMonthlyTimer(s.statements, s.logger)
	s.purgeTimer = idempotency.NewPurgeTimer(st.keys, s.cfg.IdempotencyRetention, s.logger)

	src := admin.Sources{
		Accounts: s.credit,
		Inbox:    st.inbox,
		Payments: st.billing,
		Disputes: s.disputes,
		Outbox:   st.outbox,
	}
	if s.retryScheduler != nil {
		src.Breakers = s.retryScheduler.Breaker()
	}
	s.reporter = admin.NewReporter(src, s.logger)
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry(2 * time.Second)
	if s.db != nil {
		s.health.Register("database", health.DatabaseChecker(s.db))
	}
	s.health.Register("event_relay", health.WorkerChecker(s.relay))
	s.health.Register("gateway_inbox", health.WorkerChecker(s.inboxWorker))
	s.health.Register("ledger_verifier", health.WorkerChecker(s.verifyTimer))
	s.health.Register("overdue_sweep", health.WorkerChecker(s.overdueTimer))
	s.health.Register("monthly_statements", health.WorkerChecker(s.monthlyTimer))
	s.health.Register("idempotency_purge", health.WorkerChecker(s.purgeTimer))
	if s.retryScheduler != nil {
		s.health.Register("payment_retries", health.WorkerChecker(s.retryScheduler))
	}
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Resolves the calling service before rate limiting so buckets are per
	// service rather than per load balancer address.
	s.router.Use(auth.Middleware(s.authMgr))

	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	rl.KeyFunc = rateLimitKey
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())
}

func rateLimitKey(c *gin.Context) string {
	if svc := auth.GetService(c); svc != "" {
		return "svc:" + svc
	}
	return "ip:" + c.ClientIP()
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		ctx = audit.WithRequestID(ctx, requestID)
		ctx = audit.WithIP(ctx, c.ClientIP())
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
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		if svc := auth.GetService(c); svc != "" {
			attrs = append(attrs, "service", svc)
		}

		// Log level based on status code
		switch {
		case status >= 500:
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
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware("id"))

	// Gateway deliveries authenticate with their HMAC signature.
	webhooks := reconciliation.NewHandler(s.stores.inbox, s.cfg.GatewayWebhookSecret, s.inboxWorker)
	webhooks.RegisterWebhookRoutes(v1)

	authHandler := auth.NewHandler(s.authMgr)
	creditHandler := credit.NewHandler(s.credit)
	billingHandler := billing.NewHandler(s.billing)
	disputeHandler := dispute.NewHandler(s.disputes)
	statementHandler := statement.NewHandler(s.statements, s.monthlyTimer)
	adminHandler := admin.NewHandler(s.reporter)

	// Collaborator services
	svc := v1.Group("")
	svc.Use(auth.RequireAuth())
	authHandler.RegisterRoutes(svc)
	creditHandler.RegisterRoutes(svc)
	billingHandler.RegisterRoutes(svc)
	disputeHandler.RegisterRoutes(svc)
	statementHandler.RegisterRoutes(svc)

	// Operators
	ops := v1.Group("/admin")
	ops.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	authHandler.RegisterAdminRoutes(ops)
	creditHandler.RegisterAdminRoutes(ops)
	billingHandler.RegisterAdminRoutes(ops)
	disputeHandler.RegisterOpsRoutes(ops)
	statementHandler.RegisterAdminRoutes(ops)
	webhooks.RegisterAdminRoutes(ops)
	adminHandler.RegisterAdminRoutes(ops)
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readinessHandler reports not_ready until Run has started the workers,
// then defers to the subsystem checks.
func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.Handler()(c)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

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

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startWorkers(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

func (s *Server) startWorkers(ctx context.Context) {
	go s.relay.Start(ctx)
	go s.inboxWorker.Start(ctx)
	go s.verifyTimer.Start(ctx)
	go s.overdueTimer.Start(ctx)
	go s.monthlyTimer.Start(ctx)
	go s.purgeTimer.Start(ctx)
	if s.retryScheduler != nil {
		go s.retryScheduler.Start(ctx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Stop background loops only once in-flight requests have finished, so
	// their outbox events still get a relay pass.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.relay.Stop()
	s.inboxWorker.Stop()
	s.verifyTimer.Stop()
	s.overdueTimer.Stop()
	s.monthlyTimer.Stop()
	s.purgeTimer.Stop()
	if s.retryScheduler != nil {
		s.retryScheduler.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	s.logger.Info("background workers stopped")

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
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
	return shutdownErr
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
