// Package server assembles the HTTP surface: middleware, metrics, health and identity routes
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/routes/identity"
)

// Config holds HTTP server configuration
type Config struct {
	Name              string
	Version           string
	Addr              string
	AllowOrigins      []string
	AllowMethods      []string
	Tracing           bool
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
}

// Server serves the fern API
type Server struct {
	echo   *echo.Echo
	http   *http.Server
	logger ectologger.Logger
}

// New wires middleware and routes onto a fresh echo instance
func New(cfg Config, engine identity.Engine, checker *health.Checker, logger ectologger.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.Recover())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	e.Use(middleware.Context())
	if cfg.Tracing {
		e.Use(otelecho.Middleware(cfg.Name))
	}
	e.Use(middleware.Logger(logger))
	e.HTTPErrorHandler = middleware.Error(logger)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	health.RegisterBanner(e, cfg.Name, cfg.Version)
	checker.RegisterRoutes(e)
	identity.NewHandler(engine).Register(e)

	return &Server{
		echo: e,
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           e,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			MaxHeaderBytes:    cfg.MaxHeaderBytes,
		},
		logger: logger,
	}
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens until Shutdown is called. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.http.Addr).Info("HTTP server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.WithContext(ctx).Info("HTTP server shutting down")
	return s.http.Shutdown(ctx)
}
