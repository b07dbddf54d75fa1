// Package server wires the HTTP server with all routes.
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

	"github.com/fairwork/escrowd/internal/balance"
	"github.com/fairwork/escrowd/internal/circuitbreaker"
	"github.com/fairwork/escrowd/internal/config"
	"github.com/fairwork/escrowd/internal/contract"
	"github.com/fairwork/escrowd/internal/dispute"
	"github.com/fairwork/escrowd/internal/events"
	"github.com/fairwork/escrowd/internal/health"
	"github.com/fairwork/escrowd/internal/logging"
	"github.com/fairwork/escrowd/internal/metrics"
	"github.com/fairwork/escrowd/internal/payment"
	"github.com/fairwork/escrowd/internal/ratelimit"
	"github.com/fairwork/escrowd/internal/roles"
	"github.com/fairwork/escrowd/internal/security"
	"github.com/fairwork/escrowd/internal/traces"
	"github.com/fairwork/escrowd/internal/validation"
)

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg *config.Config

	roles      *roles.Service
	contracts  *contract.Service
	disputes   *dispute.Service
	balances   *balance.Service
	dispatcher *events.Dispatcher
	eventStore events.Store

	disputeTimer *dispute.Timer
	limiter      *ratelimit.Limiter // nil when rate limiting is disabled

	db      *sql.DB // nil when running with in-memory stores
	router  *gin.Engine
	httpSrv *http.Server
	logger  *slog.Logger

	shutdownTraces func(context.Context) error

	ready atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New builds the full service graph from configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		format := "text"
		if cfg.LogJSON {
			format = "json"
		}
		s.logger = logging.New(cfg.LogLevel, format)
	}

	ctx := context.Background()

	shutdown, err := traces.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}
	s.shutdownTraces = shutdown

	// Storage: Postgres when configured, in-memory otherwise.
	var (
		contractStore contract.Store
		disputeStore  dispute.Store
		roleStore     roles.Store
		eventStore    events.Store
	)
	if cfg.PostgresURL != "" {
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.db = db
		contractStore = contract.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		roleStore = roles.NewPostgresStore(db)
		eventStore = events.NewPostgresStore(db)
		metrics.RegisterDBStats(db, "escrowd")
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.PostgresURL))
	} else {
		contractStore = contract.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		roleStore = roles.NewMemoryStore()
		eventStore = events.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.eventStore = eventStore
	s.dispatcher = events.NewDispatcher(eventStore, cfg.WebhookSigningSecret)
	s.roles = roles.NewService(roleStore)

	providers, err := s.buildProviders()
	if err != nil {
		return nil, err
	}

	s.contracts = contract.NewService(contractStore, s.roles, providers, cfg.SettlementTimeout).
		WithEmitter(s.dispatcher)

	s.disputes = dispute.NewService(
		disputeStore,
		dispute.NewHeuristicScorer(),
		cfg.PanelSize,
		cfg.VotingWindow,
		cfg.DefaultArbitrator,
		cfg.AnalysisTimeout,
	).WithSettler(s.contracts).WithEmitter(s.dispatcher)

	// Close the loop: contracts open dispute cases, disputes settle
	// contracts.
	s.contracts.WithDisputeOpener(s.disputes)

	s.balances = balance.NewService(contractStore)
	s.disputeTimer = dispute.NewTimer(s.disputes, time.Minute, s.logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// buildProviders registers both payment backends. Without gateway or chain
// credentials the corresponding backend runs against an in-process
// simulator so the full lifecycle is still exercisable locally.
func (s *Server) buildProviders() (*payment.Factory, error) {
	cfg := s.cfg
	factory := payment.NewFactory()

	breaker := circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown)
	var gateway payment.Gateway
	if cfg.StripeSecretKey != "" {
		gateway = payment.NewStripeGateway(cfg.StripeSecretKey)
		s.logger.Info("custodial escrow enabled", "gateway", "stripe")
	} else {
		gateway = payment.NewSimGateway()
		s.logger.Info("custodial escrow enabled", "gateway", "simulated")
	}
	factory.Register(payment.MethodCustodial,
		payment.NewCustodial(gateway, breaker, cfg.RetryAttempts, cfg.RetryBaseDelay))

	var chain payment.ChainBackend
	if cfg.EthRPCURL != "" && cfg.EthPrivateKey != "" {
		signer, err := payment.NewKeySigner(cfg.EthRPCURL, cfg.EthPrivateKey, cfg.EscrowWalletAddr, cfg.EthChainID)
		if err != nil {
			return nil, fmt.Errorf("create chain signer: %w", err)
		}
		backend, err := payment.NewEthBackend(cfg.EthRPCURL, signer, cfg.ChainConfirmation)
		if err != nil {
			return nil, fmt.Errorf("create chain backend: %w", err)
		}
		chain = backend
		s.logger.Info("on-chain escrow enabled",
			"contract", cfg.EscrowWalletAddr, "chain_id", cfg.EthChainID,
			"confirmations", cfg.ChainConfirmation, "signer", signer.Address())
	} else {
		chain = payment.NewSimChain()
		s.logger.Info("on-chain escrow enabled", "backend", "simulated")
	}
	factory.Register(payment.MethodOnChain, payment.NewOnChain(chain))

	return factory, nil
}

// maskDSN hides the password in a connection string for logging.
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

func (s *Server) setupMiddleware() {
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
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	if s.cfg.RateLimitPerMinute > 0 {
		s.limiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: s.cfg.RateLimitPerMinute,
			BurstSize:         s.cfg.RateLimitBurst,
			CleanupInterval:   time.Minute,
		})
		s.router.Use(s.limiter.Middleware())
	}

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
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

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "req_unknown"
	}
	return "req_" + hex.EncodeToString(b)
}

func (s *Server) setupRoutes() {
	health.NewHandler(s.db, Version).RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/api", s.infoHandler)

	v1 := s.router.Group("/v1")
	contract.NewHandler(s.contracts).RegisterRoutes(v1)
	dispute.NewHandler(s.disputes).RegisterRoutes(v1)
	roles.NewHandler(s.roles).RegisterRoutes(v1)
	balance.NewHandler(s.balances).RegisterRoutes(v1)
	events.NewHandler(s.eventStore).RegisterRoutes(v1)
}

// Version is set by ldflags at build time.
var Version = "dev"

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "escrowd",
		"description": "Escrow payment lifecycle and dispute resolution for freelance marketplaces",
		"version":     Version,
	})
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal arrives or
// the listener fails.
func (s *Server) Run(ctx context.Context) error {
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

	s.disputeTimer.Start()
	s.ready.Store(true)
	s.logger.Info("server ready")

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

// Shutdown stops background work and drains in-flight requests.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.disputeTimer.Stop()
	if s.limiter != nil {
		s.limiter.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			errs = append(errs, fmt.Errorf("traces shutdown: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}
