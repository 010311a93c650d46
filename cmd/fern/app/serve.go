package app

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/pkg/server"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const shutdownTimeout = 15 * time.Second

// NewServeCommand runs the HTTP API and, when enabled, the Kafka observation consumer
func (a *App) NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the identify API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *App) serve(ctx context.Context) error {
	cfg := a.config

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:      cfg.TracingEnabled,
		ServiceName:  cfg.AppName,
		Version:      cfg.Version,
		Exporter:     cfg.TracingExporter,
		OTLPEndpoint: cfg.TracingEndpoint,
		OTLPProtocol: cfg.TracingProtocol,
		OTLPInsecure: cfg.TracingInsecure,
		SampleRatio:  cfg.TracingSampleRatio,
	}, a.logger)
	if err != nil {
		return err
	}

	rt := a.newRuntime(runtimeOptions{migrate: true, consumer: true})
	if err := rt.startup.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return errors.Join(err, rt.startup.Stop(stopCtx), shutdownTracing(stopCtx))
	}

	srv := server.New(server.Config{
		Name:              cfg.AppName,
		Version:           cfg.Version,
		Addr:              cfg.HTTPAddr(),
		AllowOrigins:      cfg.AllowOrigins,
		AllowMethods:      cfg.AllowMethods,
		Tracing:           cfg.TracingEnabled,
		ReadTimeout:       cfg.HttpServerReadTimeout(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout(),
		WriteTimeout:      cfg.HttpServerWriteTimeout(),
		IdleTimeout:       cfg.HttpServerIdleTimeout(),
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}, rt.engine, rt.checker, a.logger)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()
	rt.checker.SetReady(true)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutdown signal received")
	case runErr = <-serveErr:
		if runErr != nil {
			a.logger.WithError(runErr).Error("HTTP server failed")
		}
	}
	rt.checker.SetReady(false)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	return errors.Join(
		runErr,
		srv.Shutdown(stopCtx),
		rt.startup.Stop(stopCtx),
		shutdownTracing(stopCtx),
	)
}
