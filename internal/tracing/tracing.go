// Package tracing configures OpenTelemetry for inbound requests and upstream calls.
package tracing

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/contrib/propagators/b3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"opsdesk-proxy/internal/config"
)

// Tracing bundles the tracer provider and propagator shared by the server
// handler and the upstream transport. A nil *Tracing disables tracing.
type Tracing struct {
	Provider   *sdktrace.TracerProvider
	Propagator propagation.TextMapPropagator
}

// New builds tracing from config. It returns nil when tracing is disabled so
// that no trace headers are added to forwarded requests.
func New(cfg *config.Config) (*Tracing, error) {
	if !cfg.Tracing.Enabled {
		return nil, nil
	}

	var exp sdktrace.SpanExporter
	if cfg.Tracing.Endpoint != "" {
		e, err := otlptracehttp.New(context.Background(), otlptracehttp.WithEndpointURL(cfg.Tracing.Endpoint))
		if err != nil {
			return nil, fmt.Errorf("tracing: otlp exporter: %w", err)
		}
		exp = e
	}

	return NewWithExporter(cfg.Tracing, exp), nil
}

// NewWithExporter builds tracing around exp. A nil exporter still records
// spans and propagates context, but exports nothing.
func NewWithExporter(cfg config.TracingConfig, exp sdktrace.SpanExporter) *Tracing {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
		)),
	}
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	return &Tracing{
		Provider:   sdktrace.NewTracerProvider(opts...),
		Propagator: NewPropagator(),
	}
}

// NewPropagator returns W3C trace context and baggage plus B3, which some
// upstream gateways still emit.
func NewPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
		b3.New(),
	)
}

// Transport wraps rt so every upstream call produces a client span.
func (t *Tracing) Transport(rt http.RoundTripper) http.RoundTripper {
	if t == nil {
		return rt
	}
	return otelhttp.NewTransport(rt,
		otelhttp.WithTracerProvider(t.Provider),
		otelhttp.WithPropagators(t.Propagator),
	)
}

// Handler wraps h so every inbound request produces a server span.
func (t *Tracing) Handler(h http.Handler, operation string) http.Handler {
	if t == nil {
		return h
	}
	return otelhttp.NewHandler(h, operation,
		otelhttp.WithTracerProvider(t.Provider),
		otelhttp.WithPropagators(t.Propagator),
	)
}

// Shutdown flushes pending spans.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return t.Provider.Shutdown(ctx)
}
