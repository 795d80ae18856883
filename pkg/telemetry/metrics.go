package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for TaskWarden. A nil *Metrics is a
// valid no-op recorder: every method guards the receiver, so call sites
// built without telemetry record nothing instead of panicking.
type Metrics struct {
	config MetricsConfig

	// Task lifecycle metrics
	tasksCreated  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	taskCycleTime *prometheus.HistogramVec

	// Transition metrics
	transitions        *prometheus.CounterVec
	transitionsRefused *prometheus.CounterVec

	// Claim metrics
	tasksClaimed   *prometheus.CounterVec
	claimConflicts *prometheus.CounterVec
	claimLatency   *prometheus.HistogramVec

	// Review metrics
	gavelDecisions  *prometheus.CounterVec
	driftDetections *prometheus.CounterVec

	// Gatekeeper metrics
	gatekeeperFailures *prometheus.CounterVec

	// Sweep metrics
	leasesSwept  *prometheus.CounterVec
	blockedSwept prometheus.Counter
	escalations  *prometheus.CounterVec

	// Evidence scanner metrics
	scannerCalls    *prometheus.CounterVec
	scannerDuration *prometheus.HistogramVec
	scannerErrors   *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	tasksInProgress prometheus.Gauge
	tasksPending    prometheus.Gauge
	workersOnline   *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Task lifecycle metrics
		tasksCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_created_total",
				Help:      "Total number of tasks created",
			},
			[]string{"archetype", "spawned"},
		),
		tasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_finished_total",
				Help:      "Total number of tasks reaching a terminal or failed status",
			},
			[]string{"status"},
		),
		taskCycleTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_cycle_seconds",
				Help:      "Time from task creation to completion in seconds",
				Buckets:   buckets,
			},
			[]string{"archetype"},
		),

		// Transition metrics
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total number of applied status transitions",
			},
			[]string{"from", "to"},
		),
		transitionsRefused: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_refused_total",
				Help:      "Total number of refused status transitions",
			},
			[]string{"code"},
		),

		// Claim metrics
		tasksClaimed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_claimed_total",
				Help:      "Total number of successful task claims",
			},
			[]string{"lane", "tier"},
		),
		claimConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "claim_conflicts_total",
				Help:      "Total number of claim attempts lost to a concurrent claimer",
			},
			[]string{"lane"},
		),
		claimLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "claim_latency_seconds",
				Help:      "Duration of claim attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"lane"},
		),

		// Review metrics
		gavelDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gavel_decisions_total",
				Help:      "Total number of review decisions",
			},
			[]string{"decision"},
		),
		driftDetections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_detections_total",
				Help:      "Total number of approvals voided by packet drift",
			},
			[]string{"lane"},
		),

		// Gatekeeper metrics
		gatekeeperFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gatekeeper_failures_total",
				Help:      "Total number of completion attempts refused by validation",
			},
			[]string{"rule"},
		),

		// Sweep metrics
		leasesSwept: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "leases_swept_total",
				Help:      "Total number of expired leases reclaimed",
			},
			[]string{"outcome"},
		),
		blockedSwept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocked_swept_total",
				Help:      "Total number of stale blocked tasks flagged",
			},
		),
		escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escalations_total",
				Help:      "Total number of tasks escalated to FAILED",
			},
			[]string{"reason"},
		),

		// Evidence scanner metrics
		scannerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scanner_calls_total",
				Help:      "Total number of evidence scanner invocations",
			},
			[]string{"scanner"},
		),
		scannerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scanner_call_duration_seconds",
				Help:      "Duration of evidence scanner invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"scanner"},
		),
		scannerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scanner_errors_total",
				Help:      "Total number of evidence scanner errors",
			},
			[]string{"scanner"},
		),

		// Error metrics
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		// System metrics
		tasksInProgress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_in_progress",
				Help:      "Current number of leased tasks",
			},
		),
		tasksPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_pending",
				Help:      "Current number of claimable tasks",
			},
		),
		workersOnline: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_online",
				Help:      "Current number of registered workers by tier",
			},
			[]string{"tier"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.tasksCreated,
		m.tasksFinished,
		m.taskCycleTime,
		m.transitions,
		m.transitionsRefused,
		m.tasksClaimed,
		m.claimConflicts,
		m.claimLatency,
		m.gavelDecisions,
		m.driftDetections,
		m.gatekeeperFailures,
		m.leasesSwept,
		m.blockedSwept,
		m.escalations,
		m.scannerCalls,
		m.scannerDuration,
		m.scannerErrors,
		m.errorsByClass,
		m.errorsByCode,
		m.tasksInProgress,
		m.tasksPending,
		m.workersOnline,
	)

	return m, nil
}

// Task Lifecycle Metrics

// RecordTaskCreated increments the counter for created tasks.
func (m *Metrics) RecordTaskCreated(archetype string, spawned bool) {
	if m == nil || m.tasksCreated == nil {
		return
	}
	label := "false"
	if spawned {
		label = "true"
	}
	m.tasksCreated.WithLabelValues(archetype, label).Inc()
}

// RecordTaskFinished records a task reaching COMPLETED, FAILED, or CANCELLED.
func (m *Metrics) RecordTaskFinished(status, archetype string, cycle time.Duration) {
	if m == nil || m.tasksFinished == nil {
		return
	}
	m.tasksFinished.WithLabelValues(status).Inc()
	if status == "COMPLETED" {
		m.taskCycleTime.WithLabelValues(archetype).Observe(cycle.Seconds())
	}
}

// Transition Metrics

// RecordTransition records an applied status transition.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// RecordRefusal records a refused transition by error code.
func (m *Metrics) RecordRefusal(code string) {
	if m == nil || m.transitionsRefused == nil {
		return
	}
	m.transitionsRefused.WithLabelValues(code).Inc()
}

// Claim Metrics

// RecordTaskClaimed records a successful claim with its latency.
func (m *Metrics) RecordTaskClaimed(lane, tier string, latency time.Duration) {
	if m == nil || m.tasksClaimed == nil {
		return
	}
	m.tasksClaimed.WithLabelValues(lane, tier).Inc()
	m.claimLatency.WithLabelValues(lane).Observe(latency.Seconds())
}

// RecordClaimConflict records a claim attempt that lost the race.
func (m *Metrics) RecordClaimConflict(lane string) {
	if m == nil || m.claimConflicts == nil {
		return
	}
	m.claimConflicts.WithLabelValues(lane).Inc()
}

// Review Metrics

// RecordGavelDecision records an APPROVE or REJECT decision.
func (m *Metrics) RecordGavelDecision(decision string) {
	if m == nil || m.gavelDecisions == nil {
		return
	}
	m.gavelDecisions.WithLabelValues(decision).Inc()
}

// RecordDriftDetected records an approval voided because the task changed
// under review.
func (m *Metrics) RecordDriftDetected(lane string) {
	if m == nil || m.driftDetections == nil {
		return
	}
	m.driftDetections.WithLabelValues(lane).Inc()
}

// Gatekeeper Metrics

// RecordGatekeeperFailure records a completion attempt refused by a
// validation rule.
func (m *Metrics) RecordGatekeeperFailure(rule string) {
	if m == nil || m.gatekeeperFailures == nil {
		return
	}
	m.gatekeeperFailures.WithLabelValues(rule).Inc()
}

// Sweep Metrics

// RecordLeaseSwept records an expired lease reclaim with its outcome.
func (m *Metrics) RecordLeaseSwept(outcome string) {
	if m == nil || m.leasesSwept == nil {
		return
	}
	m.leasesSwept.WithLabelValues(outcome).Inc()
}

// RecordBlockedSwept records a stale blocked task flagged by the sweep.
func (m *Metrics) RecordBlockedSwept() {
	if m == nil || m.blockedSwept == nil {
		return
	}
	m.blockedSwept.Inc()
}

// RecordEscalation records a task escalated to FAILED.
func (m *Metrics) RecordEscalation(reason string) {
	if m == nil || m.escalations == nil {
		return
	}
	m.escalations.WithLabelValues(reason).Inc()
}

// Scanner Metrics

// RecordScannerCall records an evidence scanner invocation with its duration.
func (m *Metrics) RecordScannerCall(scanner string, duration time.Duration) {
	if m == nil || m.scannerCalls == nil {
		return
	}
	m.scannerCalls.WithLabelValues(scanner).Inc()
	m.scannerDuration.WithLabelValues(scanner).Observe(duration.Seconds())
}

// RecordScannerError records an evidence scanner error.
func (m *Metrics) RecordScannerError(scanner string) {
	if m == nil || m.scannerErrors == nil {
		return
	}
	m.scannerErrors.WithLabelValues(scanner).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// System Metrics

// SetTasksInProgress sets the current number of leased tasks.
func (m *Metrics) SetTasksInProgress(count float64) {
	if m == nil || m.tasksInProgress == nil {
		return
	}
	m.tasksInProgress.Set(count)
}

// SetTasksPending sets the current number of claimable tasks.
func (m *Metrics) SetTasksPending(count float64) {
	if m == nil || m.tasksPending == nil {
		return
	}
	m.tasksPending.Set(count)
}

// SetWorkersOnline sets the current number of registered workers for a tier.
func (m *Metrics) SetWorkersOnline(tier string, count float64) {
	if m == nil || m.workersOnline == nil {
		return
	}
	m.workersOnline.WithLabelValues(tier).Set(count)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
