package engine

import "context"

// Alerter receives circuit-breaker escalations: a task that exhausted its
// retries and landed in FAILED. Implementations page, post, or otherwise
// get a human looking at it. Escalation is distinct from an ordinary
// rejection; by the time the alerter fires, automatic recovery is over.
type Alerter interface {
	CriticalAlert(ctx context.Context, taskID, reason string)
}

// telemetryAlerter is the default Alerter: an error-level log line plus a
// task-failed event on the bus.
type telemetryAlerter struct {
	engine *Engine
}

func (a *telemetryAlerter) CriticalAlert(ctx context.Context, taskID, reason string) {
	a.engine.logger.Error().
		Str("task_id", taskID).
		Str("reason", reason).
		Msg("critical escalation")
	if ev := a.engine.events(); ev != nil {
		_ = ev.PublishTaskFailed(taskID, reason)
	}
}
