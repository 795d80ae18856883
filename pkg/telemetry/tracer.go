package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracer hands out spans for the governed operations. A nil Tracer is
// valid and produces no-op spans, so call sites never guard.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// noopTracer backs nil receivers and disabled tracing.
var noopTracer = noop.NewTracerProvider().Tracer("taskwarden")

// NewTracer builds the tracer identified by svc. With tracing disabled
// the returned tracer produces no-op spans and Shutdown is trivial.
func NewTracer(cfg TracingConfig, svc ServiceInfo) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{tracer: noopTracer}, nil
	}

	exporter, err := newSpanExporter(cfg)
	if err != nil {
		return nil, err
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(svc.Name),
		semconv.ServiceVersion(svc.Version),
		semconv.DeploymentEnvironment(svc.Environment),
	}
	for k, v := range svc.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	// A standalone resource, not merged with resource.Default: the default
	// carries its own schema URL and merging across versions errors.
	res := resource.NewWithAttributes(semconv.SchemaURL, attrs...)

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SamplingRate)),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}
	provider := sdktrace.NewTracerProvider(opts...)

	// Register globally so instrumented libraries pick the provider up,
	// and propagate W3C trace context plus baggage across processes.
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(svc.Name)}, nil
}

// sampler maps the configured rate onto the SDK samplers, parent-based so
// a sampled inbound context stays sampled.
func sampler(rate float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case rate >= 1:
		root = sdktrace.AlwaysSample()
	case rate <= 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}

// newSpanExporter builds the configured exporter. The none exporter (and
// an empty setting) records spans without exporting them.
func newSpanExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		// No blocking dial: an unreachable collector must not stall
		// daemon startup. The exporter connects and retries on its own.
		return otlptracegrpc.New(context.Background(), opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
}

// Start begins a span.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if t == nil {
		return noopTracer.Start(ctx, name, opts...)
	}
	return t.tracer.Start(ctx, name, opts...)
}

// StartSpan begins a span carrying the given attributes.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartTaskSpan begins a span for one task lifecycle operation.
func (t *Tracer) StartTaskSpan(ctx context.Context, operation, taskID string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "task."+operation,
		AttrTaskID.String(taskID),
		spanKind.String("task"),
	)
}

// StartClaimSpan begins a span for a claim attempt in the lane.
func (t *Tracer) StartClaimSpan(ctx context.Context, lane, workerID string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "task.claim",
		AttrTaskLane.String(lane),
		AttrWorkerID.String(workerID),
		spanKind.String("claim"),
	)
}

// StartReviewSpan begins a span for packet generation or a gavel decision.
func (t *Tracer) StartReviewSpan(ctx context.Context, operation, taskID string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "review."+operation,
		AttrTaskID.String(taskID),
		spanKind.String("review"),
	)
}

// StartScannerSpan begins a span for an evidence scanner invocation.
func (t *Tracer) StartScannerSpan(ctx context.Context, scannerName, taskID string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "scanner.collect",
		AttrScannerName.String(scannerName),
		AttrTaskID.String(taskID),
		spanKind.String("scanner"),
	)
}

// RecordError marks the span failed and records err on it.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span completed.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// spanKind labels which governed surface a span came from.
var spanKind = attribute.Key("span.kind")

// Attribute keys shared by spans across the engine.
var (
	AttrTaskID     = attribute.Key("task.id")
	AttrTaskLane   = attribute.Key("task.lane")
	AttrTaskStatus = attribute.Key("task.status")

	AttrWorkerID   = attribute.Key("worker.id")
	AttrWorkerTier = attribute.Key("worker.tier")
	AttrLeaseID    = attribute.Key("lease.id")

	AttrDecision     = attribute.Key("review.decision")
	AttrSnapshotHash = attribute.Key("review.snapshot_hash")

	AttrScannerName = attribute.Key("scanner.name")
)
