// Package service runs the client-side HTTP API: it gathers token and pool
// data, signs and submits analysis requests to the rollup, tracks each
// submission until its result notice lands, and streams lifecycle events
// over WebSocket.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/degenlabs/degenshield/internal/codec"
	"github.com/degenlabs/degenshield/internal/config"
	"github.com/degenlabs/degenshield/internal/history"
	"github.com/degenlabs/degenshield/internal/idgen"
	"github.com/degenlabs/degenshield/internal/logging"
	"github.com/degenlabs/degenshield/internal/metrics"
	"github.com/degenlabs/degenshield/internal/pool"
	"github.com/degenlabs/degenshield/internal/ratelimit"
	"github.com/degenlabs/degenshield/internal/reader"
	"github.com/degenlabs/degenshield/internal/realtime"
	"github.com/degenlabs/degenshield/internal/risk"
	"github.com/degenlabs/degenshield/internal/security"
	"github.com/degenlabs/degenshield/internal/sequencer"
	"github.com/degenlabs/degenshield/internal/tokendata"
	"github.com/degenlabs/degenshield/internal/validation"
)

// Submitter signs and submits one operation, returning the work-item id.
type Submitter interface {
	Submit(ctx context.Context, op codec.Operation, msg any) (string, error)
	Sender() common.Address
}

// ResultPoller retrieves the result records for a submitted work item.
type ResultPoller interface {
	Poll(ctx context.Context, workItemID string) (*reader.Result, error)
}

// InputBuilder assembles a scoring input for a token contract.
type InputBuilder interface {
	BuildRiskInput(ctx context.Context, address common.Address, now time.Time) (risk.Input, error)
}

// PoolSource fetches a raw pool snapshot.
type PoolSource interface {
	Fetch(ctx context.Context, poolID string, now time.Time) (pool.Data, error)
}

// Server wraps the HTTP API and its dependencies.
type Server struct {
	cfg         *config.Config
	store       history.Store
	hub         *realtime.Hub
	submitter   Submitter
	results     ResultPoller
	tokens      InputBuilder
	pools       PoolSource // nil disables pool analysis
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory history
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	runCtx      context.Context // lifetime of background work (hub, result trackers)
	cancelRun   context.CancelFunc
	tracking    sync.WaitGroup

	ready atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithSubmitter sets a custom submitter (for testing).
func WithSubmitter(sub Submitter) Option {
	return func(s *Server) { s.submitter = sub }
}

// WithResultPoller sets a custom result poller (for testing).
func WithResultPoller(p ResultPoller) Option {
	return func(s *Server) { s.results = p }
}

// WithInputBuilder sets a custom token input builder (for testing).
func WithInputBuilder(b InputBuilder) Option {
	return func(s *Server) { s.tokens = b }
}

// WithPoolSource sets a custom pool snapshot source (for testing).
func WithPoolSource(p PoolSource) Option {
	return func(s *Server) { s.pools = p }
}

// WithHistoryStore sets a custom history store (for testing).
func WithHistoryStore(store history.Store) Option {
	return func(s *Server) { s.store = store }
}

// New creates a new server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory.
	if s.store == nil {
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

			pgStore := history.NewPostgresStore(db)
			if err := pgStore.Migrate(ctx); err != nil {
				s.logger.Warn("failed to migrate history store", "error", err)
			}
			s.store = pgStore
			s.logger.Info("using PostgreSQL history store")
		} else {
			s.store = history.NewMemoryStore()
			s.logger.Info("using in-memory history store")
		}
	}

	if s.submitter == nil {
		seq, err := sequencer.New(sequencer.Config{
			NodeURL:    cfg.CartesiNodeURL,
			AppAddress: cfg.DAppAddress,
			ChainID:    cfg.ChainID,
			PrivateKey: cfg.PrivateKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create sequencer client: %w", err)
		}
		s.submitter = seq
		s.logger.Info("sequencer client ready", "sender", seq.Sender().Hex())
	}

	if s.results == nil {
		rd, err := reader.New(reader.Config{
			NodeURL:     cfg.CartesiNodeURL,
			AppAddress:  cfg.DAppAddress,
			MaxAttempts: cfg.PollMaxAttempts,
			Interval:    cfg.PollInterval,
			Logger:      s.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create reader client: %w", err)
		}
		s.results = rd
	}

	if s.tokens == nil {
		s.tokens = tokendata.New(tokendata.Config{
			EtherscanAPIKey: cfg.EtherscanAPIKey,
			CoinGeckoAPIKey: cfg.CoinGeckoAPIKey,
			EthplorerAPIKey: cfg.EthplorerAPIKey,
			BlockscoutURL:   cfg.BlockscoutAPIURL,
			RPCURL:          cfg.RPCURL,
			Logger:          s.logger,
		})
	}

	if s.pools == nil && cfg.SubgraphURL != "" {
		// Local subgraph deployments are common in development; only vet
		// the endpoint when running for real.
		if cfg.IsProduction() {
			if err := security.ValidateOutboundURL(cfg.SubgraphURL); err != nil {
				return nil, fmt.Errorf("unsafe subgraph URL: %w", err)
			}
		}
		fetcher, err := pool.NewFetcher(cfg.SubgraphURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create pool fetcher: %w", err)
		}
		s.pools = fetcher
	}

	s.hub = realtime.NewHub(s.logger)
	s.runCtx, s.cancelRun = context.WithCancel(context.Background())

	if s.db != nil {
		go metrics.StartDBStatsCollector(s.runCtx, s.db, 15*time.Second)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
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
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
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

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/analyze_token", s.analyzeTokenHandler)
	s.router.GET("/analyze_pool", s.analyzePoolHandler)
	s.router.POST("/login", s.loginHandler)

	s.router.GET("/results/:id", s.getResultHandler)
	s.router.GET("/analyses", s.listAnalysesHandler)

	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})
	s.router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})
}

// Run starts the server and blocks until a shutdown signal, a server error
// or context cancellation.
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"sender", s.submitter.Sender().Hex(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(s.runCtx)

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

// Shutdown gracefully stops the server and its background goroutines.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRun != nil {
		s.cancelRun()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Let in-flight result trackers observe the cancellation.
	done := make(chan struct{})
	go func() {
		s.tracking.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("result trackers still running at shutdown deadline")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
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

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
