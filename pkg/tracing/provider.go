package tracing

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
)

// Config selects and configures the span exporter
type Config struct {
	Enabled     bool
	ServiceName string
	Version     string
	// Exporter is "otlp" or "console"
	Exporter     string
	OTLPEndpoint string
	OTLPProtocol string
	OTLPInsecure bool
	// OTLPTimeout bounds each export; zero means ten seconds
	OTLPTimeout time.Duration
	SampleRatio float64
}

// Setup installs the global tracer provider and the package tracer. The returned
// function flushes and stops it.
func Setup(ctx context.Context, cfg Config, logger ectologger.Logger) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.Version),
		)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	SetTracer(tp.Tracer(cfg.ServiceName))

	logger.WithFields(map[string]any{
		"exporter":     cfg.Exporter,
		"protocol":     cfg.OTLPProtocol,
		"endpoint":     cfg.OTLPEndpoint,
		"sample_ratio": ratio,
	}).Info("Tracing enabled")

	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg Config, logger ectologger.Logger) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		timeout := cfg.OTLPTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		exp, err := exporters.NewOTLP(ctx, cfg.OTLPProtocol, exporters.Collector{
			Endpoint: cfg.OTLPEndpoint,
			Insecure: cfg.OTLPInsecure,
			Timeout:  timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		return exp, nil
	case "console", "":
		return exporters.NewConsoleExporter(logger), nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s (use 'otlp' or 'console')", cfg.Exporter)
	}
}
