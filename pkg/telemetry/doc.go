// Package telemetry is the observability stack for the warden daemon and
// for programs embedding the engine as a library. It assembles zerolog
// structured logging, OpenTelemetry tracing, Prometheus metrics, and an
// in-process event stream behind a single Telemetry value so the engine,
// the facades, and the CLI all report through one configuration.
//
// The append-only audit ledger is deliberately not part of this package.
// Events here are best-effort and in-memory; the ledger lives in the store
// and never drops a row.
//
// # Bring-up and shutdown
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "warden"
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// Shutdown runs in reverse construction order: the event stream drains,
// the tracer exports its last batch, and the log output closes last so the
// other components can report their own teardown. StartMetricsServer
// exposes the Prometheus registry over HTTP and keeps serving until the
// process exits. DefaultConfig suits local work; ProductionConfig switches
// to sampled json logs and OTLP trace export.
//
// # Logging
//
// Logger wraps zerolog. Component loggers carry a component field, and the
// With helpers stamp the identifiers the rest of the system greps for:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger.WithTaskID("T-123").WithWorkerID("worker-7").Info("claim granted")
//	logger.WithError(err).Error("claim refused")
//
// With sampling enabled, debug and info chatter is thinned per second
// while warnings and errors always land, so refusals and escalations
// survive a busy daemon. Task goals and worker feedback may quote internal
// tickets; log them by ID, never verbatim.
//
// # Tracing
//
// Tracer hands out OpenTelemetry spans named after governed operations,
// exporting over OTLP in production and to stdout during development:
//
//	ctx, span := tel.Tracer.StartClaimSpan(ctx, lane, workerID)
//	defer span.End()
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// The exported Attr keys keep span attributes aligned with metric labels
// and log field names, so one task can be followed across all three.
//
// # Metrics
//
// Metrics is the Prometheus collector set for the task lifecycle:
//
//	tel.Metrics.RecordTaskClaimed("payments", "senior", latency)
//	tel.Metrics.RecordGavelDecision("APPROVE")
//	tel.Metrics.RecordError("conflict", "OWNERSHIP_ERROR")
//
// Methods are nil-safe, so instrumented code runs unchanged when metrics
// are disabled. Metric names carry the configured namespace, warden by
// default.
//
// # Events
//
// EventPublisher feeds the facade's agent subscription stream. In
// synchronous mode events are delivered on the publishing goroutine; in
// async mode they batch through a bounded buffer that drops rather than
// blocks when full. Filters apply per subscriber:
//
//	tel.Events.Subscribe(func(ev telemetry.Event) {
//	    notify(ev)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
//
// FilterByLevel, FilterByType, and FilterByTaskID cover the common cases;
// any func(Event) bool works.
//
// # Context helpers
//
// The context helpers bundle the span, the timer, the metric, and the
// event for one operation so call sites stay small:
//
//	ctx = telemetry.WithTaskContext(ctx, taskID, lane)
//	defer telemetry.EndTaskContext(ctx, taskID, status, err)
//
//	err := telemetry.RecordScannerOperation(ctx, "regex", taskID, func() error {
//	    return scanner.Collect(ctx, task)
//	})
//
// FromContext recovers the logger anywhere below; when no logger was
// attached it falls back to stderr so library code never nil-checks.
package telemetry
