package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentation = "predator.execution"

// OTelConfig configures the OTLP exporters.
type OTelConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Endpoint       string // gRPC, e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Insecure       bool
}

// DefaultOTelConfig returns local-collector defaults.
func DefaultOTelConfig() OTelConfig {
	return OTelConfig{
		ServiceName:    "predator",
		ServiceVersion: "2.0.0",
		Environment:    "development",
		Endpoint:       "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Insecure:       true,
	}
}

// Provider owns the trace and metric providers.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	logger         *zap.Logger
}

// NewProvider installs global OTLP trace and metric providers.
func NewProvider(ctx context.Context, cfg OTelConfig, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: trace exporter: %w", err)
	}
	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: metric exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	p := &Provider{
		tracerProvider: sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
			sdktrace.WithSampler(sampler),
		),
		meterProvider: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(15*time.Second))),
		),
		logger: logger.With(zap.String("component", "telemetry")),
	}
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p.logger.Info("otel initialized",
		zap.String("service", cfg.ServiceName),
		zap.String("endpoint", cfg.Endpoint),
		zap.Float64("sample_rate", cfg.SampleRate))
	return p, nil
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var first error
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		p.logger.Error("trace provider shutdown failed", zap.Error(err))
		first = err
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		p.logger.Error("meter provider shutdown failed", zap.Error(err))
		if first == nil {
			first = err
		}
	}
	return first
}

// OTelSink records each stage as a zero-length span and counts stages on
// an OTel counter. It uses whatever providers are installed globally, or
// the ones passed explicitly.
type OTelSink struct {
	tracer trace.Tracer
	stages metric.Int64Counter
}

// NewOTelSink builds a sink from tp and mp; nil arguments fall back to the
// global providers.
func NewOTelSink(tp trace.TracerProvider, mp metric.MeterProvider) (*OTelSink, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	counter, err := mp.Meter(instrumentation).Int64Counter("predator.stage.transitions",
		metric.WithDescription("Pipeline stage transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: stage counter: %w", err)
	}
	return &OTelSink{tracer: tp.Tracer(instrumentation), stages: counter}, nil
}

func (s *OTelSink) Emit(e Event) {
	attrs := []attribute.KeyValue{
		attribute.String("predator.stage", string(e.Stage)),
		attribute.String("predator.action_id", e.ActionID),
		attribute.String("predator.tenant_id", e.TenantID),
		attribute.String("predator.workflow_id", e.WorkflowID),
	}
	if e.Attempt > 0 {
		attrs = append(attrs, attribute.Int("predator.attempt", e.Attempt))
	}
	if e.Status != "" {
		attrs = append(attrs, attribute.String("predator.status", e.Status))
	}

	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, span := s.tracer.Start(context.Background(), "predator."+string(e.Stage),
		trace.WithTimestamp(at.Add(-e.Duration)),
		trace.WithAttributes(attrs...),
	)
	if e.Error != "" {
		span.AddEvent("error", trace.WithAttributes(attribute.String("error.message", e.Error)))
	}
	span.End(trace.WithTimestamp(at))

	s.stages.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("predator.stage", string(e.Stage)),
		attribute.String("predator.status", e.Status),
	))
}
