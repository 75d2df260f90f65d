// Package server exposes the analyzer over HTTP and forwards results to the
// ledger and the result stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/arnvptl/BlueLock/pkg/config"
	"github.com/arnvptl/BlueLock/pkg/ledger"
	"github.com/arnvptl/BlueLock/pkg/pipeline"
	"github.com/arnvptl/BlueLock/pkg/publish"
)

// Ledger status values reported by /health
const (
	ledgerDisabled  = "disabled"
	ledgerUnknown   = "unknown"
	ledgerHealthy   = "healthy"
	ledgerUnhealthy = "unhealthy"
)

// Server is the HTTP front door of the analysis service.
type Server struct {
	cfg       *config.Config
	analyzer  *pipeline.Analyzer
	ledger    *ledger.Client
	publisher publish.Publisher
	logger    logrus.FieldLogger

	limiter *rateLimiter
	jobs    *cron.Cron
	router  *gin.Engine

	mu           sync.RWMutex
	ledgerStatus string
}

// New wires a server. ledgerClient may be nil when the ledger is disabled
// and pub may be nil when results are not published.
func New(cfg *config.Config, analyzer *pipeline.Analyzer, ledgerClient *ledger.Client, pub publish.Publisher, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if pub == nil {
		pub = publish.Nop{}
	}

	s := &Server{
		cfg:          cfg,
		analyzer:     analyzer,
		ledger:       ledgerClient,
		publisher:    pub,
		logger:       logger.WithField("component", "server"),
		jobs:         cron.New(),
		ledgerStatus: ledgerDisabled,
	}
	if ledgerClient != nil {
		s.ledgerStatus = ledgerUnknown
	}
	if cfg.Server.RateLimitPerMinute > 0 {
		s.limiter = newRateLimiter(cfg.Server.RateLimitPerMinute, cfg.Server.RateBurst)
	}

	s.router = s.setupRouter()
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	r.MaxMultipartMemory = int64(s.cfg.Server.MaxUploadMB) << 20

	r.GET("/health", s.handleHealth)
	r.GET("/visualization/:filename", s.handleVisualization)

	api := r.Group("/")
	if s.limiter != nil {
		api.Use(s.limiter.middleware())
	}
	api.Use(s.limitBody())
	{
		api.POST("/analyze", s.handleAnalyze)
		api.POST("/analyze/batch", s.handleAnalyzeBatch)
		api.POST("/mint-credits", s.handleMintCredits)
		api.POST("/register-project", s.handleRegisterProject)
		api.GET("/credits/project/:project_id", s.handleProjectCredits)
		api.GET("/credits/supply", s.handleTotalSupply)
	}

	r.NoRoute(func(c *gin.Context) {
		abortWithError(c, http.StatusNotFound, "endpoint not found")
	})
	return r
}

// StartJobs schedules the outbox flush, the ledger health check and the
// pruning of idle rate limiter entries.
func (s *Server) StartJobs() error {
	if s.ledger != nil {
		if _, err := s.jobs.AddFunc(s.cfg.Ledger.OutboxSchedule, s.flushOutbox); err != nil {
			return fmt.Errorf("invalid ledger.outboxSchedule %q: %w", s.cfg.Ledger.OutboxSchedule, err)
		}
		if _, err := s.jobs.AddFunc("@every 1m", s.checkLedger); err != nil {
			return err
		}
		go s.checkLedger()
	}
	if s.limiter != nil {
		if _, err := s.jobs.AddFunc("@every 10m", func() {
			if n := s.limiter.prune(10 * time.Minute); n > 0 {
				s.logger.WithField("clients", n).Debug("pruned idle rate limiters")
			}
		}); err != nil {
			return err
		}
	}

	s.jobs.Start()
	return nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := s.StartJobs(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("address", srv.Addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		<-s.jobs.Stop().Done()
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	<-s.jobs.Stop().Done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) flushOutbox() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	s.ledger.FlushOutbox(ctx)
}

func (s *Server) checkLedger() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status := ledgerHealthy
	if _, err := s.ledger.Health(ctx); err != nil {
		status = ledgerUnhealthy
		s.logger.WithError(err).Warn("ledger health check failed")
	}

	s.mu.Lock()
	s.ledgerStatus = status
	s.mu.Unlock()
}

func (s *Server) currentLedgerStatus() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledgerStatus
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"client":   c.ClientIP(),
			"duration": time.Since(start).String(),
		}).Debug("request")
	}
}

func (s *Server) limitBody() gin.HandlerFunc {
	max := int64(s.cfg.Server.MaxUploadMB) << 20
	return func(c *gin.Context) {
		if max > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		}
		c.Next()
	}
}

func abortWithError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   msg,
	})
}
