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
	"github.com/mbd888/slicepay/internal/authz"
	"github.com/mbd888/slicepay/internal/circuitbreaker"
	"github.com/mbd888/slicepay/internal/comments"
	"github.com/mbd888/slicepay/internal/config"
	"github.com/mbd888/slicepay/internal/dispute"
	"github.com/mbd888/slicepay/internal/escrow"
	"github.com/mbd888/slicepay/internal/gateway"
	"github.com/mbd888/slicepay/internal/health"
	"github.com/mbd888/slicepay/internal/idgen"
	"github.com/mbd888/slicepay/internal/ledger"
	"github.com/mbd888/slicepay/internal/logging"
	"github.com/mbd888/slicepay/internal/metrics"
	"github.com/mbd888/slicepay/internal/notify"
	"github.com/mbd888/slicepay/internal/payout"
	"github.com/mbd888/slicepay/internal/ratelimit"
	"github.com/mbd888/slicepay/internal/realtime"
	"github.com/mbd888/slicepay/internal/reconciliation"
	"github.com/mbd888/slicepay/internal/rewards"
	"github.com/mbd888/slicepay/internal/security"
	"github.com/mbd888/slicepay/internal/traces"
	"github.com/mbd888/slicepay/internal/validation"
	"github.com/mbd888/slicepay/internal/wallet"
	"github.com/mbd888/slicepay/internal/webhooks"
	"github.com/mbd888/slicepay/migrations"
)

// Version is reported by /health and /v1/platform.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg      *config.Config
	db       *sql.DB // nil if using in-memory
	store    ledger.Store
	gateways *gateway.Registry
	sources  []dispute.Source
	emitter  *notify.Emitter
	hub      *realtime.Hub

	escrowService  *escrow.Service
	disputeService *dispute.Service
	disputeTimer   *dispute.Timer
	payoutService  *payout.Service
	scheduler      *payout.Scheduler
	walletService  *wallet.Service
	commentService *comments.Service
	reconciler     *reconciliation.Runner
	reconTimer     *reconciliation.Timer

	rateLimiter   *ratelimit.Limiter
	health        *health.Registry
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown func(context.Context) error
	drainDelay    time.Duration

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

// WithStore injects a ledger store instead of opening DATABASE_URL (for testing)
func WithStore(store ledger.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithGateways injects a gateway registry (for testing)
func WithGateways(r *gateway.Registry) Option {
	return func(s *Server) {
		s.gateways = r
	}
}

// WithAdvisorySources replaces the configured advisory sources (for testing)
func WithAdvisorySources(sources ...dispute.Source) Option {
	return func(s *Server) {
		s.sources = sources
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if cfg.IsProduction() {
		if err := checkOutboundURLs(cfg); err != nil {
			return nil, err
		}
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if s.store == nil {
		if cfg.DatabaseURL != "" {
			db, err := sql.Open("postgres", cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("failed to open database: %w", err)
			}

			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)

			if err := db.PingContext(ctx); err != nil {
				return nil, fmt.Errorf("failed to connect to database: %w", err)
			}
			if cfg.AutoMigrate {
				if err := migrations.Up(ctx, db); err != nil {
					return nil, fmt.Errorf("failed to migrate database: %w", err)
				}
			}

			s.db = db
			s.store = ledger.NewPostgresStore(db)
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.store = ledger.NewMemoryStore()
			s.logger.Info("using in-memory storage (data will not persist)")
		}
	}

	if s.gateways == nil {
		s.gateways = buildGateways(cfg, s.logger)
	}

	// Notifications: websocket push plus the optional webhook.
	s.hub = realtime.NewHub(s.logger)
	fanout := notify.Fanout{s.hub}
	if cfg.NotifyWebhookURL != "" {
		fanout = append(fanout, webhooks.NewDispatcher(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret))
		s.logger.Info("notification webhook enabled")
	}
	s.emitter = notify.NewEmitter(fanout, s.logger)

	rates := escrow.Rates{
		FeeBps:           cfg.FeeRateBps,
		CommunityBps:     cfg.CommunityRateBps,
		CommentRewardBps: cfg.CommentRateBps,
	}
	if err := rates.Validate(); err != nil {
		return nil, err
	}

	engine := rewards.NewEngine(s.store, cfg.PayoutTopN)
	s.escrowService = escrow.NewService(s.store, s.gateways, engine, rates, cfg.Currency).WithNotifier(s.emitter)
	s.logger.Info("escrow enabled", "currency", cfg.Currency, "fee_bps", rates.FeeBps, "community_bps", rates.CommunityBps)

	if s.sources == nil {
		for _, src := range cfg.AdvisorySources {
			s.sources = append(s.sources, dispute.NewHTTPSource(src.Name, src.URL, cfg.AdvisoryAPIKey))
		}
	}
	if len(s.sources) == 0 {
		s.logger.Warn("no advisory sources configured, disputes will wait for an admin decision")
	}
	council := dispute.NewCouncil(cfg.AdvisoryTimeout, s.sources...)
	s.disputeService = dispute.NewService(s.store, council, s.escrowService, cfg.EvidenceTimeout).WithNotifier(s.emitter)
	s.disputeTimer = dispute.NewTimer(s.disputeService, s.store, s.logger)
	s.logger.Info("disputes enabled", "advisory_sources", council.Sources(), "evidence_timeout", cfg.EvidenceTimeout)

	offset, err := payout.ParseRunAt(cfg.PayoutRunAt)
	if err != nil {
		return nil, err
	}
	s.payoutService = payout.NewService(s.store, engine).WithNotifier(s.emitter)
	s.scheduler = payout.NewScheduler(s.payoutService, offset, s.logger)
	s.logger.Info("daily payouts enabled", "run_at", cfg.PayoutRunAt, "top_n", engine.TopN())

	s.walletService = wallet.NewService(s.store, engine).WithNotifier(s.emitter)
	s.commentService = comments.NewService(s.store)

	s.reconciler = reconciliation.NewRunner(s.store, reconciliation.DefaultWindow)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, s.logger)

	s.setupHealth()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// buildGateways registers gateway A (Stripe) and gateway B (HTTP), falling
// back to in-memory processors when credentials are missing. Both share one
// breaker keyed by gateway name.
func buildGateways(cfg *config.Config, logger *slog.Logger) *gateway.Registry {
	breaker := circuitbreaker.New(5, 30*time.Second)
	reg := gateway.NewRegistry()

	var a gateway.Gateway
	if cfg.StripeSecretKey != "" {
		a = gateway.NewStripe(string(ledger.MethodGatewayA), cfg.StripeSecretKey, nil)
	} else {
		a = gateway.NewMemory(string(ledger.MethodGatewayA))
		logger.Warn("gateway_a has no STRIPE_SECRET_KEY, using in-memory processor")
	}
	reg.Register(ledger.MethodGatewayA, gateway.Instrument(a, breaker))

	var b gateway.Gateway
	if cfg.GatewayBURL != "" {
		b = gateway.NewHTTP(gateway.HTTPConfig{
			Name:    string(ledger.MethodGatewayB),
			BaseURL: cfg.GatewayBURL,
			APIKey:  cfg.GatewayBAPIKey,
		})
	} else {
		b = gateway.NewMemory(string(ledger.MethodGatewayB))
		logger.Warn("gateway_b has no GATEWAY_B_URL, using in-memory processor")
	}
	reg.Register(ledger.MethodGatewayB, gateway.Instrument(b, breaker))

	return reg
}

// checkOutboundURLs rejects outbound endpoints that are not public https.
func checkOutboundURLs(cfg *config.Config) error {
	urls := map[string]string{
		"GATEWAY_B_URL":      cfg.GatewayBURL,
		"NOTIFY_WEBHOOK_URL": cfg.NotifyWebhookURL,
	}
	for _, src := range cfg.AdvisorySources {
		urls["ADVISORY_SOURCES "+src.Name] = src.URL
	}
	for name, u := range urls {
		if u == "" {
			continue
		}
		if err := security.RequireHTTPS(u); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Ping("database", s.db.PingContext))
	}
	s.health.Register("ledger", health.Ping("ledger", func(ctx context.Context) error {
		_, err := s.store.ListDisputes(ctx, ledger.DisputeDeliberating, 1)
		return err
	}))
	s.health.Register("payout_scheduler", func(context.Context) health.Status {
		if s.ready.Load() && !s.scheduler.Running() {
			return health.Status{Name: "payout_scheduler", Healthy: false, Detail: "not running"}
		}
		return health.Status{Name: "payout_scheduler", Healthy: true}
	})
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
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidID(requestID) {
			requestID = idgen.Hex(16)
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())

	v1 := s.router.Group("/v1", authz.Middleware(s.cfg.IdentitySecret), s.rateLimiter.Middleware())
	v1.GET("/platform", s.platformHandler)
	v1.GET("/ws", s.hub.HandleWebSocket)

	escrow.NewHandler(s.escrowService).RegisterRoutes(v1)

	disputes := dispute.NewHandler(s.disputeService)
	disputes.RegisterRoutes(v1)
	disputes.RegisterAdminRoutes(v1)

	payout.NewHandler(s.payoutService).RegisterAdminRoutes(v1)

	wallets := wallet.NewHandler(s.walletService)
	wallets.RegisterRoutes(v1)
	wallets.RegisterAdminRoutes(v1)

	comments.NewHandler(s.commentService).RegisterRoutes(v1)
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(v1)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No route for " + c.Request.Method + " " + c.Request.URL.Path,
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
	Checks    []health.Status `json:"checks"`
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

// platformHandler returns the commercial terms clients need to price slices.
func (s *Server) platformHandler(c *gin.Context) {
	rates := s.escrowService.Rates()
	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"name":           "slicepay",
			"version":        Version,
			"currency":       s.cfg.Currency,
			"feeRateBps":     rates.FeeBps,
			"communityBps":   rates.CommunityBps,
			"commentRateBps": rates.CommentRewardBps,
			"paymentMethods": s.gateways.Methods(),
			"payoutRunAt":    s.cfg.PayoutRunAt,
			"realtime":       s.hub.Stats(),
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.traceShutdown = shutdown
	}

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

	go s.hub.Run(runCtx)
	go s.disputeTimer.Start(runCtx)
	go s.scheduler.Start(runCtx)
	go s.reconTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

	// Timers exit on context cancellation; Stop covers loops started elsewhere.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.disputeTimer.Stop()
	s.scheduler.Stop()
	s.reconTimer.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Let in-flight notifications finish.
	s.emitter.Wait()

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

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
