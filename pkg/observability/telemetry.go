// Package observability reports verification outcomes to tracing backends.
//
// Telemetry is a scoped sink: Open enables an OpenTelemetry tracer provider
// exporting over OTLP/HTTP, and Close flushes buffered spans and shuts it
// down. Callers defer Close so the flush happens on every exit path.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/cgast/obsagent/pkg/execution"
)

const instrumentationName = "github.com/cgast/obsagent"

// Config configures the tracer provider.
type Config struct {
	Enabled        bool    `yaml:"enabled"`
	Endpoint       string  `yaml:"endpoint"` // host:port of an OTLP/HTTP collector
	Insecure       bool    `yaml:"insecure"`
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
	Environment    string  `yaml:"environment"`
	SampleRate     float64 `yaml:"sample_rate"` // trace sampling, 0 means 1.0
}

// DefaultConfig returns a disabled configuration with local defaults.
func DefaultConfig() Config {
	return Config{
		Endpoint:    "localhost:4318",
		Insecure:    true,
		ServiceName: "obsagent",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// Telemetry owns a tracer provider for the duration of a scope.
type Telemetry struct {
	cfg      Config
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	logger   *slog.Logger
	closed   bool
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	exporter sdktrace.SpanExporter
	logger   *slog.Logger
	global   bool
}

// WithSpanExporter replaces the OTLP exporter.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *openOptions) {
		o.exporter = exp
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *openOptions) {
		o.logger = l
	}
}

// AsGlobal installs the provider as the process-wide OTel tracer provider.
func AsGlobal() Option {
	return func(o *openOptions) {
		o.global = true
	}
}

// Open enables tracing. With cfg.Enabled false and no exporter override it
// returns a Telemetry backed by a no-op tracer, so callers need no
// special-casing.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Telemetry, error) {
	o := &openOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "obsagent"
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = 1.0
	}

	t := &Telemetry{cfg: cfg, logger: o.logger.With("component", "observability")}
	if !cfg.Enabled && o.exporter == nil {
		t.tracer = noop.NewTracerProvider().Tracer(instrumentationName)
		return t, nil
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	exp := o.exporter
	if exp == nil {
		clientOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		exp, err = otlptrace.New(ctx, otlptracehttp.NewClient(clientOpts...))
		if err != nil {
			return nil, fmt.Errorf("observability: exporter: %w", err)
		}
	}

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	if o.global {
		otel.SetTracerProvider(t.provider)
	}
	t.tracer = t.provider.Tracer(instrumentationName)

	t.logger.InfoContext(ctx, "telemetry enabled",
		"service", cfg.ServiceName,
		"endpoint", cfg.Endpoint,
		"sample_rate", cfg.SampleRate,
	)
	return t, nil
}

// Tracer returns the scope's tracer.
func (t *Telemetry) Tracer() trace.Tracer { return t.tracer }

// Enabled reports whether spans are exported.
func (t *Telemetry) Enabled() bool { return t.provider != nil }

// Observer returns a span observer bound to the scope's tracer.
func (t *Telemetry) Observer() *SpanObserver {
	return NewSpanObserver(t.tracer)
}

// StartRun starts the span a verification run is reported under.
func (t *Telemetry) StartRun(ctx context.Context, contract string, exec *execution.Execution) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("obsagent.contract", contract)}
	if exec != nil {
		attrs = append(attrs,
			attribute.String("obsagent.execution.id", exec.ID),
			attribute.String("obsagent.agent", exec.Agent),
			attribute.Int("obsagent.execution.tool_calls", len(exec.ToolCalls)),
		)
	}
	return t.tracer.Start(ctx, "obsagent.verify", trace.WithAttributes(attrs...))
}

// Close flushes pending spans and shuts the provider down. It is safe to
// call more than once.
func (t *Telemetry) Close(ctx context.Context) error {
	if t.provider == nil || t.closed {
		return nil
	}
	t.closed = true
	flushErr := t.provider.ForceFlush(ctx)
	if err := errors.Join(flushErr, t.provider.Shutdown(ctx)); err != nil {
		return fmt.Errorf("observability: close: %w", err)
	}
	return nil
}

// Use opens telemetry, runs fn inside the scope and always closes it.
// fn's error takes precedence over a close error.
func Use(ctx context.Context, cfg Config, fn func(ctx context.Context, t *Telemetry) error, opts ...Option) (err error) {
	t, err := Open(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := t.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, t)
}
