package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the observability components the daemon runs with.
// The fields are exported so call sites can reach one component directly;
// the engine takes the whole value and fans out itself.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
}

type telemetryContextKey struct{}

// NewTelemetry validates cfg and builds the full stack. Construction is
// all-or-nothing: a component that cannot start fails the caller rather
// than silently running without it.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	tracer, err := NewTracer(cfg.Tracing, cfg.serviceInfo())
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("build tracer: %w", err)
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("build metrics: %w", err)
	}
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("build events: %w", err)
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
	}, nil
}

// WithContext attaches the stack, and its root logger, to ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext returns the stack attached to ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// Shutdown flushes and stops the components in reverse initialization
// order, closing the log output last. The metrics listener keeps serving
// scrapes until the process exits.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}
	return t.Logger.Close()
}

// StartMetricsServer exposes the Prometheus registry over HTTP when
// metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// InstrumentedContext carries the span, the scoped logger, and the start
// time for one instrumented operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger

	start time.Time
}

// StartOperation opens a span and a scoped logger for one operation. It
// degrades cleanly: without telemetry in ctx the span is nil and the
// logger falls back, so one-shot commands share the daemon's call sites.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	ic := &InstrumentedContext{Ctx: ctx, start: time.Now()}

	tel := FromTelemetryContext(ctx)
	if tel == nil {
		ic.Logger = FromContext(ctx)
		return ic
	}

	ic.Ctx, ic.Span = tel.Tracer.StartSpan(ctx, operation, attrs...)
	ic.Logger = tel.Logger.WithField("operation", operation)
	if sc := ic.Span.SpanContext(); sc.IsValid() {
		ic.Logger = ic.Logger.WithFields(map[string]interface{}{
			"trace_id": sc.TraceID().String(),
			"span_id":  sc.SpanID().String(),
		})
	}
	return ic
}

// End closes the operation, recording the outcome and elapsed time on the
// span.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span == nil {
		return
	}
	ic.Span.SetAttributes(attribute.Float64("duration_seconds", time.Since(ic.start).Seconds()))
	if err != nil {
		RecordError(ic.Span, err)
	} else {
		RecordSuccess(ic.Span)
	}
	ic.Span.End()
}

// opContext rides in the context between a With helper and its End pair.
type opContext struct {
	span  trace.Span
	start time.Time
}

type taskOpKey struct{}
type claimOpKey struct{}

// endOp closes the stashed span and returns the elapsed time. Without a
// matching With call it does nothing and reports zero.
func endOp(ctx context.Context, key interface{}, err error) time.Duration {
	op, ok := ctx.Value(key).(opContext)
	if !ok {
		return 0
	}
	if err != nil {
		RecordError(op.span, err)
	} else {
		RecordSuccess(op.span)
	}
	op.span.End()
	return time.Since(op.start)
}

// WithTaskContext opens the span and logger fields that follow one task
// through its lifecycle. Pair with EndTaskContext.
func WithTaskContext(ctx context.Context, taskID, lane string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	ctx, span := tel.Tracer.StartTaskSpan(ctx, "process", taskID)
	ctx = tel.Logger.WithTaskID(taskID).WithLane(lane).WithContext(ctx)
	return context.WithValue(ctx, taskOpKey{}, opContext{span: span, start: time.Now()})
}

// EndTaskContext closes the task span and publishes the terminal event:
// a failure when err is set, a completion with the cycle time when the
// task finished COMPLETED.
func EndTaskContext(ctx context.Context, taskID, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	cycle := endOp(ctx, taskOpKey{}, err)
	switch {
	case err != nil:
		_ = tel.Events.PublishTaskFailed(taskID, err.Error())
	case status == "COMPLETED":
		_ = tel.Events.PublishTaskCompleted(taskID, cycle)
	}
}

// WithClaimContext opens the span and logger fields for one claim
// attempt. Pair with EndClaimContext.
func WithClaimContext(ctx context.Context, lane, workerID string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	ctx, span := tel.Tracer.StartClaimSpan(ctx, lane, workerID)
	ctx = tel.Logger.WithLane(lane).WithWorkerID(workerID).WithContext(ctx)
	return context.WithValue(ctx, claimOpKey{}, opContext{span: span, start: time.Now()})
}

// EndClaimContext closes the claim span. A successful claim, err nil and
// a task won, records the claim metric and publishes the claimed event.
func EndClaimContext(ctx context.Context, taskID, lane, workerID, tier string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	wait := endOp(ctx, claimOpKey{}, err)
	if err == nil && taskID != "" {
		tel.Metrics.RecordTaskClaimed(lane, tier, wait)
		_ = tel.Events.PublishTaskClaimed(taskID, lane, workerID)
	}
}

// WithScannerContext stamps the scanner identity on the context logger.
func WithScannerContext(ctx context.Context, scannerName, scannerVersion string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}
	return tel.Logger.WithScanner(scannerName, scannerVersion).WithContext(ctx)
}

// RecordScannerOperation wraps one evidence scanner call with a span and
// the scanner metrics. fn runs regardless of whether telemetry is
// attached.
func RecordScannerOperation(ctx context.Context, scannerName, taskID string, fn func() error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn()
	}

	_, span := tel.Tracer.StartScannerSpan(ctx, scannerName, taskID)
	defer span.End()

	start := time.Now()
	err := fn()
	tel.Metrics.RecordScannerCall(scannerName, time.Since(start))
	if err != nil {
		tel.Metrics.RecordScannerError(scannerName)
		RecordError(span, err)
		return err
	}
	RecordSuccess(span)
	return nil
}
