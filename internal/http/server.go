// Package http serves the read-only status API of a running workflow.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/autopilot/internal/checkpoint"
	"github.com/fyrsmithlabs/autopilot/internal/menu"
	"github.com/fyrsmithlabs/autopilot/internal/orchestrator"
)

// WorkflowSource is the view of the controller the server reads.
type WorkflowSource interface {
	Snapshot() orchestrator.Snapshot
	MenuHistory() []menu.Entry
}

// CheckpointSource lists retained checkpoints.
type CheckpointSource interface {
	List(ctx context.Context) []*checkpoint.Checkpoint
	Get(ctx context.Context, id string) (*checkpoint.Checkpoint, error)
}

// PatternHealth reports the state of the pattern store.
type PatternHealth interface {
	Degraded() bool
	Pending() int
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Sources are the components the server reports on. Workflow and
// Checkpoints are required.
type Sources struct {
	Workflow    WorkflowSource
	Checkpoints CheckpointSource
	Patterns    PatternHealth
	Version     string
}

// Server provides the status endpoints.
type Server struct {
	echo    *echo.Echo
	sources Sources
	logger  *zap.Logger
	config  *Config

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a new HTTP server.
func NewServer(sources Sources, logger *zap.Logger, cfg *Config) (*Server, error) {
	if sources.Workflow == nil {
		return nil, fmt.Errorf("workflow source cannot be nil")
	}
	if sources.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint source cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 9191}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(newRequestMetrics(logger).middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:    e,
		sources: sources,
		logger:  logger,
		config:  cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/checkpoints", s.handleCheckpoints)
	v1.GET("/checkpoints/:id", s.handleCheckpoint)
	v1.GET("/menus/history", s.handleMenuHistory)
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if p := s.sources.Patterns; p != nil {
		resp.PatternStore = &PatternStoreHealth{Status: "ok", PendingWrites: p.Pending()}
		if p.Degraded() {
			resp.Status = "degraded"
			resp.PatternStore.Status = "degraded"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStatus(c echo.Context) error {
	snap := s.sources.Workflow.Snapshot()
	return c.JSON(http.StatusOK, StatusResponse{
		Status:      string(snap.State),
		Version:     s.sources.Version,
		Workflow:    snap,
		Checkpoints: len(s.sources.Checkpoints.List(c.Request().Context())),
	})
}

func (s *Server) handleCheckpoints(c echo.Context) error {
	cps := s.sources.Checkpoints.List(c.Request().Context())
	out := make([]CheckpointSummary, 0, len(cps))
	for _, cp := range cps {
		out = append(out, summarize(cp))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleCheckpoint(c echo.Context) error {
	cp, err := s.sources.Checkpoints.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, checkpoint.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "checkpoint not found")
	}
	if err != nil {
		s.logger.Warn("get checkpoint", zap.String("id", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "checkpoint lookup failed")
	}
	return c.JSON(http.StatusOK, cp)
}

func (s *Server) handleMenuHistory(c echo.Context) error {
	entries := s.sources.Workflow.MenuHistory()
	if limit, err := strconv.Atoi(c.QueryParam("limit")); err == nil && limit > 0 && limit < len(entries) {
		entries = entries[len(entries)-limit:]
	}
	if entries == nil {
		entries = []menu.Entry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens and serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("starting http server", zap.String("addr", ln.Addr().String()))
	s.echo.Listener = ln
	if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address once Start is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
