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
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/bookmart/bookmart/internal/config"
	"github.com/bookmart/bookmart/internal/escrow"
	"github.com/bookmart/bookmart/internal/ledger"
	"github.com/bookmart/bookmart/internal/listing"
	"github.com/bookmart/bookmart/internal/logging"
	"github.com/bookmart/bookmart/internal/metrics"
	"github.com/bookmart/bookmart/internal/order"
	"github.com/bookmart/bookmart/internal/ratelimit"
	"github.com/bookmart/bookmart/internal/reconciliation"
	"github.com/bookmart/bookmart/internal/security"
	"github.com/bookmart/bookmart/internal/validation"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	ledger      *ledger.Ledger
	catalog     *listing.Catalog
	orders      *order.Service
	escrows     *escrow.Service
	escrowTimer *escrow.Timer
	recon       *reconciliation.Service
	reconTimer  *reconciliation.Timer

	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	var (
		ledgerStore  ledger.Store
		listingStore listing.Store
		orderStore   order.Store
		escrowStore  escrow.Store
	)

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		lst := ledger.NewPostgresStore(db)
		if err := lst.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ledger store", "error", err)
		}
		ledgerStore = lst

		cst := listing.NewPostgresStore(db)
		if err := cst.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate listing store", "error", err)
		}
		listingStore = cst

		ost := order.NewPostgresStore(db)
		if err := ost.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate order store", "error", err)
		}
		orderStore = ost

		est := escrow.NewPostgresStore(db)
		if err := est.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate escrow store", "error", err)
		}
		escrowStore = est
	} else {
		s.logger.Info("using in-memory storage (set DATABASE_URL for persistence)")
		ledgerStore = ledger.NewMemoryStore()
		listingStore = listing.NewMemoryStore()
		orderStore = order.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
	}

	s.ledger = ledger.New(ledgerStore)
	s.catalog = listing.NewCatalog(listingStore)

	s.escrows = escrow.NewService(escrowStore, &escrowLedgerAdapter{s.ledger}, s.logger)
	s.orders = order.NewService(orderStore,
		&orderCatalogAdapter{s.catalog},
		&orderLedgerAdapter{s.ledger},
		&orderEscrowAdapter{svc: s.escrows, hold: time.Duration(cfg.EscrowHoldDays) * 24 * time.Hour},
		order.Config{FeeBps: cfg.PlatformFeeBps, PlatformAccountID: cfg.PlatformAccountID},
		s.logger,
	)
	s.escrows.WithOrderMarker(s.orders)

	s.escrowTimer = escrow.NewTimer(s.escrows, escrowStore, cfg.SweepInterval, s.logger)
	s.recon = reconciliation.NewService(&reconLedgerAdapter{s.ledger}, s.logger)
	s.reconTimer = reconciliation.NewTimer(s.recon, time.Hour, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()

	s.setupMiddleware()
	s.setupRoutes()

	if s.db != nil {
		metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}

	return s, nil
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
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// identityMiddleware resolves the calling user from the X-User-ID header.
// Handlers that require a caller reject requests where it is absent.
func (s *Server) identityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := c.GetHeader("X-User-ID"); raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
				c.Set("userID", id)
			}
		}
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

	v1 := s.router.Group("/v1")
	v1.Use(s.identityMiddleware())

	listingHandler := listing.NewHandler(s.catalog)
	v1.POST("/listings", listingHandler.CreateListing)
	v1.GET("/listings", listingHandler.ListListings)
	v1.GET("/listings/:id", listingHandler.GetListing)

	orderHandler := order.NewHandler(s.orders)
	v1.POST("/orders", orderHandler.CreateOrder)
	v1.GET("/orders", orderHandler.ListOrders)
	v1.GET("/orders/:id", orderHandler.GetOrder)
	v1.POST("/orders/:id/pay", orderHandler.Pay)
	v1.POST("/orders/:id/status", orderHandler.UpdateStatus)
	v1.POST("/orders/:id/cancel", orderHandler.Cancel)

	escrowHandler := escrow.NewHandler(s.escrows)
	v1.GET("/escrows", escrowHandler.ListEscrows)
	v1.GET("/escrows/:id", escrowHandler.GetEscrow)
	v1.POST("/escrows/:id/release", escrowHandler.Release)
	v1.POST("/escrows/:id/dispute", escrowHandler.Dispute)
	v1.POST("/escrows/:id/refund", escrowHandler.Refund)

	ledgerHandler := ledger.NewHandler(s.ledger)
	ledgerHandler.RegisterRoutes(v1)

	admin := v1.Group("/admin")
	admin.POST("/sweep", s.sweepHandler)
	admin.GET("/reconcile", s.reconcileHandler)
	admin.POST("/escrows/:id/resolve", escrowHandler.Resolve)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	status := "healthy"
	dbStatus := "in-memory"

	if s.db != nil {
		dbStatus = "connected"
		if err := s.db.Ping(); err != nil {
			status = "degraded"
			dbStatus = "unreachable"
		}
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":       status,
		"database":     dbStatus,
		"sweepRunning": s.escrowTimer.Running(),
		"env":          s.cfg.Env,
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// sweepHandler runs one release sweep immediately instead of waiting for
// the next tick.
func (s *Server) sweepHandler(c *gin.Context) {
	result := s.escrowTimer.RunOnce(c.Request.Context(), time.Now())
	c.JSON(http.StatusOK, result)
}

func (s *Server) reconcileHandler(c *gin.Context) {
	report, err := s.recon.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, report)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start the escrow release sweep and the background reconciliation pass
	go s.escrowTimer.Start(runCtx)
	go s.reconTimer.Start(runCtx)

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.escrowTimer.Stop()
	s.reconTimer.Stop()
	s.logger.Info("background timers stopped")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
