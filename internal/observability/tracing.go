package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/traffic-gateway/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracing environment overrides.
const (
	EnvTracingEnabled     = "GATEWAY_TRACING_ENABLED"
	EnvTracingExporter    = "GATEWAY_TRACING_EXPORTER"
	EnvTracingService     = "GATEWAY_TRACING_SERVICE_NAME"
	EnvTracingSampleRatio = "GATEWAY_TRACING_SAMPLE_RATIO"
	EnvTracingEndpoint    = "GATEWAY_OTLP_ENDPOINT"
)

const (
	defaultServiceName  = "traffic-gateway"
	defaultOTLPEndpoint = "localhost:4317"
	shutdownTimeout     = 5 * time.Second
)

// TracingConfig governs how gateway tracing is initialised. Spans cover engine
// jobs, routing tool runs and admin RPCs.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Exporter    string  `yaml:"exporter"` // stdout | otlp
	Endpoint    string  `yaml:"endpoint"` // otlp only
	SampleRatio float64 `yaml:"sample_ratio"`

	// Output receives stdout-exporter spans; nil means os.Stdout.
	Output io.Writer `yaml:"-"`
}

// DefaultTracingConfig has tracing off, exporting to stdout with every trace
// sampled once enabled.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{ServiceName: defaultServiceName, Exporter: "stdout", SampleRatio: 1}
}

// WithEnv overlays the GATEWAY_TRACING_* variables found through lookup.
// Empty values, and unparsable or out-of-range sample ratios, are ignored.
func (c TracingConfig) WithEnv(lookup func(string) (string, bool)) TracingConfig {
	if v, ok := lookup(EnvTracingEnabled); ok && strings.TrimSpace(v) != "" {
		c.Enabled = strings.EqualFold(strings.TrimSpace(v), "true")
	}
	if v, ok := lookup(EnvTracingExporter); ok && v != "" {
		c.Exporter = strings.ToLower(v)
	}
	if v, ok := lookup(EnvTracingService); ok && v != "" {
		c.ServiceName = v
	}
	if v, ok := lookup(EnvTracingEndpoint); ok && v != "" {
		c.Endpoint = v
	}
	if v, ok := lookup(EnvTracingSampleRatio); ok && v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0 && ratio <= 1 {
			c.SampleRatio = ratio
		}
	}
	return c
}

// InitTracing installs the global tracer provider and propagators described
// by cfg and returns the function that flushes and stops it. With tracing
// disabled a no-op provider is installed and the shutdown does nothing.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		log.Debug(ctx, "tracing disabled")
		return func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "traffic"),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.Any("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "stdout", "":
		out := cfg.Output
		if out == nil {
			out = os.Stdout
		}
		return stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithoutTimestamps())
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	}
	return nil, fmt.Errorf("tracing: unsupported exporter %q", cfg.Exporter)
}

// ShutdownWithTimeout runs shutdown with a bounded deadline and only logs a
// failure.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}

const tracerName = "github.com/signalsfoundry/traffic-gateway"

// StartSpan starts an internal span named component/op.
func StartSpan(ctx context.Context, component, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName+"/"+component).Start(ctx, component+"/"+op, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
