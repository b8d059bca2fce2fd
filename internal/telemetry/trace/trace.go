// Package trace wraps OpenTelemetry tracing around the daemon's tick
// loop and the self-mod engine's mutations. Disabled by default; when
// disabled every call is a genuine no-op tracer with zero overhead.
package trace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const TracerName = "aethernet-core"

// Domain attribute keys used on tick and self-mod spans.
var (
	AttrTurnID       = attribute.Key("aethernet.turn.id")
	AttrSurvivalTier = attribute.Key("aethernet.survival.tier")
	AttrActionType   = attribute.Key("aethernet.action.type")
	AttrMutationPath = attribute.Key("aethernet.selfmod.path")
)

// Config mirrors the agent's telemetry config block.
type Config struct {
	Enabled     bool
	Exporter    string // otlp-http | stdout | none
	Endpoint    string
	ServiceName string
	SampleRate  float64
}

// Provider wraps a tracer and its shutdown hook.
type Provider struct {
	Tracer   oteltrace.Tracer
	shutdown func(context.Context) error
}

// Init sets up the tracer per cfg. A disabled config returns a no-op
// tracer so TickSpan is always safe to call unconditionally.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer:   nooptrace.NewTracerProvider().Tracer(TracerName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "aethernet-core"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(tp)

	return &Provider{
		Tracer:   tp.Tracer(TracerName),
		shutdown: tp.Shutdown,
	}, nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// TickSpan starts one span for a single orchestrator tick.
func (p *Provider) TickSpan(ctx context.Context) (context.Context, oteltrace.Span) {
	return p.Tracer.Start(ctx, "orchestrator.tick", oteltrace.WithSpanKind(oteltrace.SpanKindInternal))
}

// MutationSpan starts one span for a self-mod write.
func (p *Provider) MutationSpan(ctx context.Context, path string) (context.Context, oteltrace.Span) {
	return p.Tracer.Start(ctx, "selfmod.mutate",
		oteltrace.WithAttributes(AttrMutationPath.String(path)),
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal))
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return &noopExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

type noopExporter struct{}

func (e *noopExporter) ExportSpans(_ context.Context, _ []sdktrace.ReadOnlySpan) error { return nil }
func (e *noopExporter) Shutdown(_ context.Context) error                              { return nil }
