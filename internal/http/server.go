// Package http provides the batchd status API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/batchd/internal/checkpoint"
	"github.com/fyrsmithlabs/batchd/internal/credential"
)

// Credentials is the view of the credential coordinator the API needs.
type Credentials interface {
	Status() []credential.Info
	NextExpiry() (time.Time, bool)
	Reinstate(ctx context.Context, ref credential.Ref) error
}

// Slots reports worker slot usage.
type Slots interface {
	Capacity() int
	InUse() int
}

// Batch is the running batch, usually a *batch.Handle.
type Batch interface {
	ID() string
	Started() time.Time
	Snapshot(ctx context.Context) (checkpoint.BatchState, error)
	Records(ctx context.Context) ([]checkpoint.Record, error)
}

// Server provides HTTP endpoints for batchd.
type Server struct {
	echo     *echo.Echo
	creds    Credentials
	slots    Slots
	batch    atomic.Pointer[batchRef]
	registry *prometheus.Registry
	logger   *zap.Logger
	config   *Config
}

type batchRef struct{ b Batch }

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
	// Metrics records request metrics when set.
	Metrics *HTTPMetrics
}

// NewServer creates a new HTTP server.
func NewServer(creds Credentials, slots Slots, logger *zap.Logger, cfg *Config) (*Server, error) {
	if creds == nil {
		return nil, fmt.Errorf("credentials cannot be nil")
	}
	if slots == nil {
		return nil, fmt.Errorf("slots cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if cfg.Metrics != nil {
		e.Use(cfg.Metrics.MetricsMiddleware())
	}
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
		echo:     e,
		creds:    creds,
		slots:    slots,
		registry: prometheus.NewRegistry(),
		logger:   logger,
		config:   cfg,
	}
	s.registry.MustRegister(
		newCollector(s),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s.registerRoutes()
	return s, nil
}

// SetBatch publishes b as the batch the API reports on.
func (s *Server) SetBatch(b Batch) {
	if b == nil {
		s.batch.Store(nil)
		return
	}
	s.batch.Store(&batchRef{b: b})
}

func (s *Server) currentBatch() Batch {
	if ref := s.batch.Load(); ref != nil {
		return ref.b
	}
	return nil
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/batch", s.handleBatch)
	v1.GET("/credentials", s.handleCredentials)
	v1.POST("/credentials/:ref/reinstate", s.handleReinstate)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleStatus returns the compact view the monitor polls.
func (s *Server) handleStatus(c echo.Context) error {
	infos := s.creds.Status()
	resp := StatusResponse{
		Status:      "idle",
		Version:     s.config.Version,
		Credentials: CountCredentials(infos, s.creds),
		Slots:       SlotStatus{Capacity: s.slots.Capacity(), InUse: s.slots.InUse()},
	}

	if b := s.currentBatch(); b != nil {
		summary, err := s.summarize(c.Request().Context(), b)
		if err != nil {
			s.logger.Warn("batch snapshot failed", zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "batch snapshot failed")
		}
		resp.Status = string(summary.Outcome)
		resp.Batch = &summary
	}
	return c.JSON(http.StatusOK, resp)
}

// handleBatch returns batch state and every task record.
func (s *Server) handleBatch(c echo.Context) error {
	b := s.currentBatch()
	if b == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no batch is running")
	}
	ctx := c.Request().Context()

	summary, err := s.summarize(ctx, b)
	if err != nil {
		s.logger.Warn("batch snapshot failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "batch snapshot failed")
	}
	records, err := b.Records(ctx)
	if err != nil {
		s.logger.Warn("listing task records failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "listing task records failed")
	}
	return c.JSON(http.StatusOK, BatchResponse{Batch: summary, Tasks: records})
}

// handleCredentials lists refs and status. Secrets never reach this layer.
func (s *Server) handleCredentials(c echo.Context) error {
	infos := s.creds.Status()
	counts := CountCredentials(infos, s.creds)
	return c.JSON(http.StatusOK, CredentialsResponse{
		Credentials:  infos,
		AllExhausted: counts.AllExhausted(),
		NextExpiry:   counts.NextExpiry,
	})
}

// handleReinstate lifts a quarantine ahead of its expiry.
func (s *Server) handleReinstate(c echo.Context) error {
	ref := credential.Ref(c.Param("ref"))
	err := s.creds.Reinstate(c.Request().Context(), ref)
	switch {
	case errors.Is(err, credential.ErrUnknownCredential):
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("unknown credential %q", ref))
	case errors.Is(err, credential.ErrNotQuarantined):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error("reinstate failed", zap.String("cred_ref", string(ref)), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "reinstate failed")
	}

	for _, info := range s.creds.Status() {
		if info.Ref == ref {
			return c.JSON(http.StatusOK, info)
		}
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) summarize(ctx context.Context, b Batch) (BatchSummary, error) {
	st, err := b.Snapshot(ctx)
	if err != nil {
		return BatchSummary{}, err
	}
	return BatchSummary{
		BatchState:     st,
		StartedAt:      b.Started(),
		ElapsedSeconds: time.Since(b.Started()).Seconds(),
	}, nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
