// Package tracing initializes OpenTelemetry tracing and exposes span
// helpers for the fetch → parse → link-discover → extract → embed →
// persist pipeline. Same OTLP-HTTP exporter, resource, and sampler
// wiring as the rest of the process's otel bootstrap, narrowed to the
// spans this pipeline actually needs.
package tracing

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// Config is the environment-driven shape a coordinator or worker process
// needs to report tracing data.
type Config struct {
	ServiceName   string
	Version       string
	OTLPEndpoint  string
	Enabled       bool
	SamplingRatio float64
	Environment   string
}

// Provider wraps the process-wide TracerProvider.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// Init reads OTEL_* environment variables and starts a Provider, or
// returns nil if tracing is disabled.
// Environment variables:
//   - OTEL_ENABLED (default: true)
//   - OTEL_EXPORTER_OTLP_ENDPOINT (default: http://localhost:4318)
//   - OTEL_SAMPLING_RATIO (default: 1.0)
//   - OTEL_ENVIRONMENT (default: development)
func Init(serviceName, version string) *Provider {
	cfg := Config{ServiceName: serviceName, Version: version}
	cfg.Enabled = os.Getenv("OTEL_ENABLED") != "false"
	if !cfg.Enabled {
		return nil
	}
	cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = "http://localhost:4318"
	}
	cfg.SamplingRatio = 1.0
	if ratio := os.Getenv("OTEL_SAMPLING_RATIO"); ratio != "" {
		if _, err := fmt.Sscanf(ratio, "%f", &cfg.SamplingRatio); err != nil {
			log.Printf("invalid OTEL_SAMPLING_RATIO %q, using 1.0", ratio)
		}
	}
	cfg.Environment = os.Getenv("OTEL_ENVIRONMENT")
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	p, err := NewProvider(cfg)
	if err != nil {
		log.Printf("tracing disabled: %v", err)
		return nil
	}
	return p
}

// NewProvider builds a TracerProvider exporting spans over OTLP/HTTP.
func NewProvider(cfg Config) (*Provider, error) {
	ctx := context.Background()

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(stripProtocol(cfg.OTLPEndpoint)),
		otlptracehttp.WithInsecure(),
	))
	if err != nil {
		return nil, fmt.Errorf("creating OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.Version),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRatio >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SamplingRatio <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRatio)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp, tracer: tp.Tracer("github.com/evalgo/docforge")}, nil
}

// Shutdown flushes pending spans with a bounded grace period.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(shutdownCtx)
}

// Tracer returns the process tracer, or the no-op global tracer if
// tracing was never initialized — every span helper below is safe to
// call on a nil Provider.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer("github.com/evalgo/docforge")
	}
	return p.tracer
}

// StartStage opens a span for one pipeline stage (processor.Process opens
// "process" around the whole item, then "fetch", "parse", and "persist"),
// tagging it with the run and document identifiers the way the processor
// threads them through every stage.
func (p *Provider) StartStage(ctx context.Context, stage, runID, docID string) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, "docforge."+stage, trace.WithAttributes(
		attribute.String("docforge.run_id", runID),
		attribute.String("docforge.doc_id", docID),
	))
}

// EndStage records the stage's outcome and ends the span. Call via defer
// immediately after StartStage, passing a pointer to the named error
// return so the deferred call sees its final value.
func EndStage(span trace.Span, err *error) {
	if err != nil && *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func stripProtocol(endpoint string) string {
	if len(endpoint) > 7 && endpoint[:7] == "http://" {
		return endpoint[7:]
	}
	if len(endpoint) > 8 && endpoint[:8] == "https://" {
		return endpoint[8:]
	}
	return endpoint
}
