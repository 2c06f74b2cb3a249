package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cwbudde/simopt/internal/session"
)

// Options configures a Server.
type Options struct {
	Addr          string
	MaxConcurrent int
	// Gatherer backs GET /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	// Broadcaster must be the one registered as the engine's observer for
	// the stream endpoint to see live events.
	Broadcaster *EventBroadcaster
}

// Server exposes a session engine over HTTP.
type Server struct {
	echo    *echo.Echo
	addr    string
	runner  *Runner
	handler *Handler
}

// New builds the server and registers its routes.
func New(engine *session.Engine, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = NewEventBroadcaster()
	}

	runner := NewRunner(engine, opts.MaxConcurrent)
	h := NewHandler(engine, runner, opts.Broadcaster)
	runner.retire = h.retire

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.Debug("HTTP request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.CORS())

	h.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))

	return &Server{echo: e, addr: opts.Addr, runner: runner, handler: h}
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("Starting HTTP server", "addr", s.addr)
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown interrupts background runs and stops the HTTP server. Sessions
// interrupted mid-run stay resumable.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	runErr := s.runner.Shutdown(ctx)
	if err := s.echo.Shutdown(ctx); err != nil {
		return err
	}
	return runErr
}
