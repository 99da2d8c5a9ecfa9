// Package api exposes the engine over HTTP: agents, tasks, the ledger, the
// monitor and a server-sent event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/aristath/debai/internal/engine"
	"github.com/aristath/debai/internal/log"
)

// Config is the configuration of the API server.
type Config struct {
	Engine *engine.Engine
	Listen string
	// CORSOrigins are the browser origins allowed to call the API, none by default.
	CORSOrigins     []string
	ShutdownTimeout time.Duration
	Logger          log.Logger
}

func (c *Config) defaults() error {
	if c.Engine == nil {
		return fmt.Errorf("engine is required")
	}
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8420"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "api.Server"})
	return nil
}

// Server is the HTTP API.
type Server struct {
	cfg    Config
	logger log.Logger
	engine *engine.Engine
	router *gin.Engine
}

// New returns a server with every route attached.
func New(cfg Config) (*Server, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		engine: cfg.Engine,
		router: gin.New(),
	}
	s.router.Use(gin.Recovery(), s.logRequests)
	if len(cfg.CORSOrigins) > 0 {
		s.router.Use(cors.New(cors.Config{
			AllowOrigins:  cfg.CORSOrigins,
			AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}
	s.attachRoutes()
	return s, nil
}

func (s *Server) attachRoutes() {
	v1 := s.router.Group("/v1")
	{
		v1.GET("/stats", s.stats)
		v1.GET("/templates", s.templates)

		v1.GET("/agents", s.listAgents)
		v1.POST("/agents", s.createAgent)
		v1.GET("/agents/:id", s.getAgent)
		v1.DELETE("/agents/:id", s.deleteAgent)
		v1.POST("/agents/:id/start", s.startAgent)
		v1.POST("/agents/:id/stop", s.stopAgent)
		v1.POST("/agents/:id/act", s.act)
		v1.GET("/agents/:id/history", s.history)

		v1.GET("/tasks", s.listTasks)
		v1.POST("/tasks", s.createTask)
		v1.GET("/tasks/:id", s.getTask)
		v1.DELETE("/tasks/:id", s.deleteTask)
		v1.POST("/tasks/:id/run", s.runTask)
		v1.POST("/tasks/:id/cancel", s.cancelTask)
		v1.PUT("/tasks/:id/dependencies", s.setDependencies)

		v1.GET("/executions", s.executions)
		v1.GET("/transitions", s.transitions)
		v1.GET("/events", s.events)

		v1.GET("/confirmations", s.pendingConfirmations)
		v1.POST("/confirmations/:id", s.resolveConfirmation)
		v1.POST("/tokens", s.issueToken)
	}

	mon := v1.Group("/monitor", s.requireMonitor)
	{
		mon.GET("/latest", s.latestSample)
		mon.GET("/history", s.sampleHistory)
		mon.GET("/alerts", s.alerts)
		mon.GET("/thresholds", s.thresholds)
		mon.GET("/stats", s.monitorStats)
	}
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is done, then shuts the listener down gracefully.
// Request contexts derive from ctx so event streams end with it.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("API listening on %s", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("could not serve API: %w", err)
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("could not shut down API: %w", err)
	}
	s.logger.Infof("API stopped")
	return nil
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debugf("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
}
