package control

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"quoteflow/aggregator"
	appconfig "quoteflow/config"
	"quoteflow/health"
	"quoteflow/logger"
	"quoteflow/models"
	"quoteflow/supervisor"
)

// AccountController is the slice of the supervisor the control surface
// drives.
type AccountController interface {
	Start(accountID string) error
	Stop(accountID string) error
	HardRestart(accountID string) error
	Status(accountID string) (models.AccountStatus, error)
	Snapshot() []models.AccountStatus
}

// RouteReader exposes the aggregation engine's routing table and counters.
type RouteReader interface {
	RouteSnapshots() []models.RouteSnapshot
	Stats() aggregator.EngineStats
}

// HealthReader exposes the evaluator's per-connection judgement.
type HealthReader interface {
	Snapshot() []health.AccountHealth
}

// AccountReloader re-reads the account snapshot from its source and
// applies it across the pipeline. It reports how many accounts the new
// snapshot carries.
type AccountReloader interface {
	ReloadAccounts() (int, error)
}

// Server hosts the Gin-powered operator API: account lifecycle commands
// plus read-only status, health, and routing snapshots.
type Server struct {
	cfg        appconfig.ControlConfig
	accounts   AccountController
	routes     RouteReader
	healths    HealthReader
	reloader   AccountReloader
	log        *logger.Entry
	httpServer *http.Server
}

// NewServer constructs the control server when the control surface is
// enabled; disabled configurations return nil.
func NewServer(cfg appconfig.ControlConfig, accounts AccountController, routes RouteReader, healths HealthReader, reloader AccountReloader) *Server {
	if !cfg.Enabled {
		return nil
	}
	return &Server{
		cfg:      cfg,
		accounts: accounts,
		routes:   routes,
		healths:  healths,
		reloader: reloader,
		log:      logger.GetLogger().WithComponent("control"),
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	s.log.WithFields(logger.Fields{"address": s.cfg.Address}).Info("control server started")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		s.log.Info("control server stopped")
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/api/accounts", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"accounts": s.accounts.Snapshot()})
	})

	router.GET("/api/accounts/:id", func(c *gin.Context) {
		status, err := s.accounts.Status(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	})

	router.POST("/api/accounts/:id/start", func(c *gin.Context) {
		s.lifecycle(c, s.accounts.Start)
	})

	router.POST("/api/accounts/:id/stop", func(c *gin.Context) {
		s.lifecycle(c, s.accounts.Stop)
	})

	router.POST("/api/accounts/:id/restart", func(c *gin.Context) {
		s.lifecycle(c, s.accounts.HardRestart)
	})

	router.POST("/api/reload", func(c *gin.Context) {
		if s.reloader == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "account reload not configured"})
			return
		}
		count, err := s.reloader.ReloadAccounts()
		if err != nil {
			s.log.WithError(err).Error("account reload failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "accounts": count})
	})

	router.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connections": s.healths.Snapshot()})
	})

	router.GET("/api/routes", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"routes": s.routes.RouteSnapshots(),
			"stats":  s.routes.Stats(),
		})
	})

	return router, nil
}

func (s *Server) lifecycle(c *gin.Context, op func(string) error) {
	accountID := c.Param("id")
	err := op(accountID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"account_id": accountID, "status": "ok"})
	case errors.Is(err, supervisor.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.log.WithFields(logger.Fields{"account_id": accountID}).WithError(err).Error("lifecycle command failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
