package exporters

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const tracesPath = "/v1/traces"

// Collector is where spans are shipped. Endpoint is either host:port or a full URL; a
// URL's scheme decides TLS and overrides Insecure.
type Collector struct {
	Endpoint string
	Insecure bool
	Timeout  time.Duration
}

// NewOTLP builds the exporter for protocol "grpc" or "http". No connection is made until
// the first batch is exported.
func NewOTLP(ctx context.Context, protocol string, c Collector) (*otlptrace.Exporter, error) {
	if c.Endpoint == "" {
		return nil, fmt.Errorf("otlp %s exporter needs an endpoint", protocol)
	}

	switch protocol {
	case "grpc":
		return otlptracegrpc.New(ctx, grpcOptions(c)...)
	case "http":
		opts, err := httpOptions(c)
		if err != nil {
			return nil, err
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol: %s (use 'grpc' or 'http')", protocol)
	}
}

func grpcOptions(c Collector) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithTimeout(c.Timeout)}

	if isURL(c.Endpoint) {
		return append(opts, otlptracegrpc.WithEndpointURL(c.Endpoint))
	}

	opts = append(opts, otlptracegrpc.WithEndpoint(c.Endpoint))
	if c.Insecure {
		opts = append(opts,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	return opts
}

func httpOptions(c Collector) ([]otlptracehttp.Option, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithTimeout(c.Timeout)}

	if !isURL(c.Endpoint) {
		opts = append(opts, otlptracehttp.WithEndpoint(c.Endpoint))
		if c.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return opts, nil
	}

	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: %w", c.Endpoint, err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = tracesPath
	}
	return append(opts, otlptracehttp.WithEndpointURL(u.String())), nil
}

func isURL(endpoint string) bool {
	return strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://")
}
