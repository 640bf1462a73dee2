// Package telemetry manages OpenTelemetry tracing for the defense
// pipeline.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"` // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"` // Use insecure connection for OTLP
}

// Provider manages OpenTelemetry tracing
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("quagmire"),
		}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "quagmire"
	}

	slog.Info("creating exporter", "type", cfg.Exporter)

	// Create exporter based on config
	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		// No exporter - tracing disabled
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("quagmire"),
		}, nil
	}

	// Create simple trace provider without resource (avoids schema version conflicts)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)

	// Set as global provider
	otel.SetTracerProvider(tp)

	return &Provider{
		config:   cfg,
		tracer:   tp.Tracer("quagmire"),
		provider: tp,
	}, nil
}

// createOTLPExporter creates an OTLP gRPC exporter
func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}

	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown gracefully shuts down the trace provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether telemetry is enabled
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Span attributes
const (
	AttrClientAddr     = "quagmire.client.addr"
	AttrVerdict        = "quagmire.edge.verdict"
	AttrScore          = "quagmire.decision.score"
	AttrClassification = "quagmire.decision.classification"
	AttrTrigger        = "quagmire.decision.trigger"
	AttrHops           = "quagmire.tarpit.hops"
	AttrRequestMethod  = "http.request.method"
	AttrRequestPath    = "url.path"
	AttrResponseCode   = "http.response.status_code"
)

// StartRequestSpan starts a span for an HTTP request on the edge listener
func (p *Provider) StartRequestSpan(ctx context.Context, clientAddr, method, path string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "edge.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrClientAddr, clientAddr),
			attribute.String(AttrRequestMethod, method),
			attribute.String(AttrRequestPath, path),
		),
	)
}

// EndRequestSpan ends a request span with the verdict
func (p *Provider) EndRequestSpan(span trace.Span, verdict string, statusCode int, err error) {
	span.SetAttributes(
		attribute.String(AttrVerdict, verdict),
		attribute.Int(AttrResponseCode, statusCode),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// RecordDecision exports an escalation decision as its own span
func (p *Provider) RecordDecision(ctx context.Context, clientAddr, classification, trigger string, score float64, reasons []string) {
	if !p.Enabled() {
		return
	}
	_, span := p.tracer.Start(ctx, "escalation.decision",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrClientAddr, clientAddr),
			attribute.String(AttrClassification, classification),
			attribute.String(AttrTrigger, trigger),
			attribute.Float64(AttrScore, score),
			attribute.StringSlice("quagmire.decision.reasons", reasons),
		),
	)
	span.End()
}

// RecordBlock records a blocklist write on the active span
func (p *Provider) RecordBlock(ctx context.Context, ip, trigger string, hops int64) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("enforcement.block",
		trace.WithAttributes(
			attribute.String(AttrClientAddr, ip),
			attribute.String(AttrTrigger, trigger),
			attribute.Int64(AttrHops, hops),
		),
	)
}

// NoopProvider returns a provider that does nothing (for testing)
func NoopProvider() *Provider {
	return &Provider{
		config: Config{Enabled: false},
		tracer: otel.Tracer("quagmire-noop"),
	}
}

// ContextWithTimeout creates a context with timeout for shutdown
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
