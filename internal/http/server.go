// Package http provides the HTTP API for actiond.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/actiond/internal/action"
	"github.com/fyrsmithlabs/actiond/internal/executor"
	"github.com/fyrsmithlabs/actiond/internal/governor"
	"github.com/fyrsmithlabs/actiond/internal/learning"
	"github.com/fyrsmithlabs/actiond/internal/logging"
	"github.com/fyrsmithlabs/actiond/internal/outcome"
	"github.com/fyrsmithlabs/actiond/internal/registry"
	"github.com/fyrsmithlabs/actiond/internal/safety"
	"github.com/fyrsmithlabs/actiond/internal/translate"
)

// maxBodyBytes caps request bodies. Decisions are small.
const maxBodyBytes = "1M"

// Service is the governor surface the API exposes.
type Service interface {
	Submit(ctx context.Context, d action.Decision, in *learning.Input) (governor.SubmitResult, error)
	SubmitUpstream(ctx context.Context, u translate.Upstream) (governor.SubmitResult, error)
	Validate(d action.Decision) safety.Result
	Active() []registry.ActiveAction
	Get(id string) (registry.ActiveAction, bool)
	Rollback(ctx context.Context, id, reason string) executor.RollbackResult
	Rollbacks() []registry.RollbackRecord
	OutcomeStats() outcome.Stats
	RecentOutcomes(n int) []outcome.Outcome
	LearningStats(ctx context.Context) learning.Statistics
	Similar(ctx context.Context, pattern string, features map[string]any, topK int) []learning.Similar
}

var _ Service = (*governor.Governor)(nil)

// Server provides HTTP endpoints for actiond.
type Server struct {
	echo     *echo.Echo
	service  Service
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	config   *Config
	metrics  *apiMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
	// Mode is reported by /health: simulated or live.
	Mode string
}

// NewServer creates a new HTTP server. A nil gatherer serves the default
// Prometheus registry on /metrics.
func NewServer(service Service, gatherer prometheus.Gatherer, logger *zap.Logger, cfg *Config) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8085,
			Mode: "simulated",
		}
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		service:  service,
		gatherer: gatherer,
		logger:   logger,
		config:   cfg,
		metrics:  newAPIMetrics(logger),
	}
	e.HTTPErrorHandler = s.handleError

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(maxBodyBytes))
	e.Use(s.metrics.middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), requestID)))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID),
			)
			return nil
		}
	})

	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/decisions", s.handleSubmit)
	v1.POST("/decisions/upstream", s.handleSubmitUpstream)
	v1.POST("/validate", s.handleValidate)

	v1.GET("/actions", s.handleListActions)
	v1.GET("/actions/:id", s.handleGetAction)
	v1.POST("/actions/:id/rollback", s.handleRollback)
	v1.GET("/rollbacks", s.handleRollbacks)

	v1.GET("/outcomes", s.handleRecentOutcomes)
	v1.GET("/stats/outcomes", s.handleOutcomeStats)
	v1.GET("/stats/learning", s.handleLearningStats)
	v1.GET("/patterns/:type/similar", s.handleSimilar)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server and blocks until it stops. A graceful
// Shutdown yields a nil error.
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

// handleError renders every error as ErrorResponse.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := http.StatusText(code)

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = fmt.Sprint(he.Message)
	} else {
		s.logger.Error("unhandled request error", zap.Error(err))
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, ErrorResponse{Error: msg})
	}
	if err != nil {
		s.logger.Warn("failed to write error response", zap.Error(err))
	}
}
