// Package server hosts the HTTP surface: the webhook route, health checks
// and the metrics endpoint.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"agentrelay/internal/metrics"
)

// Handler registers routes on the shared echo instance.
type Handler interface {
	Register(e *echo.Echo)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Addr        string
	DB          Pinger
	MetricsPath string // empty disables the metrics route
	Handlers    []Handler
	Logger      *slog.Logger
}

type Server struct {
	echo   *echo.Echo
	addr   string
	db     Pinger
	logger *slog.Logger
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		echo:   echo.New(),
		addr:   cfg.Addr,
		db:     cfg.DB,
		logger: cfg.Logger.With("component", "server"),
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", c.RealIP()),
			)
			return nil
		},
	}))

	e.GET("/ping", s.ping)
	e.HEAD("/health", s.ping)
	e.GET("/healthz", s.healthz)
	if cfg.MetricsPath != "" {
		e.GET(cfg.MetricsPath, echo.WrapHandler(metrics.Default.Handler()))
	}
	for _, h := range cfg.Handlers {
		if h != nil {
			h.Register(e)
		}
	}
	return s
}

func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) Addr() string { return s.addr }

func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.addr)
	err := s.echo.Start(s.addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error { return s.echo.Shutdown(ctx) }

func (s *Server) ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// healthz also checks the database; the webhook is useless without it.
func (s *Server) healthz(c echo.Context) error {
	body := map[string]any{"status": "ok", "uptime_seconds": int64(metrics.Default.Uptime().Seconds())}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			body["status"] = "degraded"
			body["database"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		body["database"] = "ok"
	}
	return c.JSON(http.StatusOK, body)
}

// handleError renders every error in the webhook response shape.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	msg := http.StatusText(status)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		switch m := he.Message.(type) {
		case string:
			msg = m
		case error:
			msg = m.Error()
		default:
			msg = http.StatusText(status)
		}
	} else {
		s.logger.Error("unhandled error", "method", c.Request().Method, "uri", c.Request().RequestURI, "err", err)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, errorBody{Success: false, Error: msg})
	}
	if err != nil {
		s.logger.Warn("write error response", "err", err)
	}
}
