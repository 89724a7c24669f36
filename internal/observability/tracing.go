package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/rail-simulator/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// TraceExporter names a span destination.
type TraceExporter string

const (
	ExporterStdout TraceExporter = "stdout"
	ExporterOTLP   TraceExporter = "otlp"
)

const (
	defaultOTLPEndpoint = "localhost:4317"
	defaultFlushTimeout = 5 * time.Second
)

// ParseTraceExporter accepts stdout, otlp and its otlpgrpc alias. Empty
// means stdout.
func ParseTraceExporter(name string) (TraceExporter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "stdout":
		return ExporterStdout, nil
	case "otlp", "otlpgrpc":
		return ExporterOTLP, nil
	}
	return "", fmt.Errorf("unsupported tracing exporter: %s", name)
}

// TracingConfig governs how planner and train spans are exported.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string
	// Endpoint is the OTLP collector address.
	Endpoint    string
	SampleRatio float64
}

// TracingConfigFromEnv reads the RAILSIM_TRACING_* variables and
// RAILSIM_OTLP_ENDPOINT.
func TracingConfigFromEnv() TracingConfig {
	return tracingConfigFrom(os.Getenv)
}

func tracingConfigFrom(getenv func(string) string) TracingConfig {
	cfg := TracingConfig{
		Enabled:     strings.EqualFold(getenv("RAILSIM_TRACING_ENABLED"), "true"),
		ServiceName: getenv("RAILSIM_TRACING_SERVICE_NAME"),
		Exporter:    strings.ToLower(getenv("RAILSIM_TRACING_EXPORTER")),
		Endpoint:    getenv("RAILSIM_OTLP_ENDPOINT"),
		SampleRatio: 1,
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "railsim"
	}
	if cfg.Exporter == "" {
		cfg.Exporter = string(ExporterStdout)
	}
	// An unparsable ratio keeps the default; an out-of-range one is kept so
	// Validate can report it.
	if raw := getenv("RAILSIM_TRACING_SAMPLE_RATIO"); raw != "" {
		if ratio, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.SampleRatio = ratio
		}
	}
	return cfg
}

// Validate rejects exporter names and ratios InitTracing cannot use.
func (c TracingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if _, err := ParseTraceExporter(c.Exporter); err != nil {
		return err
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("tracing sample ratio %v outside [0,1]", c.SampleRatio)
	}
	return nil
}

// Tracing is an installed global tracer provider.
type Tracing struct {
	provider *sdktrace.TracerProvider
	log      logging.Logger
}

// InitTracing installs the global tracer provider and propagators. Stdout
// spans are written to out, or stderr when out is nil, so they never mix
// with command output. A disabled config installs a noop provider.
func InitTracing(ctx context.Context, cfg TracingConfig, out io.Writer, log logging.Logger) (*Tracing, error) {
	if log == nil {
		log = logging.Noop()
	}
	t := &Tracing{log: log}

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Debug(ctx, "tracing disabled")
		return t, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	kind, _ := ParseTraceExporter(cfg.Exporter)
	exp, err := newSpanExporter(ctx, kind, cfg.Endpoint, out)
	if err != nil {
		return nil, fmt.Errorf("%s exporter: %w", kind, err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "railsim"),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(t.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", string(kind)),
		logging.String("service_name", cfg.ServiceName),
		logging.Any("sample_ratio", cfg.SampleRatio),
	)
	return t, nil
}

func newSpanExporter(ctx context.Context, kind TraceExporter, endpoint string, out io.Writer) (sdktrace.SpanExporter, error) {
	if kind == ExporterOTLP {
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	}
	if out == nil {
		out = os.Stderr
	}
	return stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithoutTimestamps())
}

// Enabled reports whether spans are exported.
func (t *Tracing) Enabled() bool { return t != nil && t.provider != nil }

// Shutdown flushes pending spans, bounded by timeout (5s when not
// positive). It still runs after ctx is cancelled and only logs failures.
func (t *Tracing) Shutdown(ctx context.Context, timeout time.Duration) {
	if !t.Enabled() {
		return
	}
	if timeout <= 0 {
		timeout = defaultFlushTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := t.provider.Shutdown(ctx); err != nil {
		t.log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
