package engine

import (
	"context"

	"github.com/taskwarden/taskwarden/pkg/stores"
)

// BlockTask parks a task the worker cannot progress, typically waiting on
// something outside the system. The lease is released; when the blocker
// clears, the task is requeued by sweep or admin and claimed fresh.
func (e *Engine) BlockTask(ctx context.Context, taskID, workerID, reason string) (*stores.Task, error) {
	if workerID == "" {
		return nil, NewPermanentError("worker id is required", nil).
			WithCode(ErrCodeValidation).WithResource(taskID)
	}

	task, err := e.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	owner := ""
	if task.WorkerID != nil {
		owner = *task.WorkerID
	}
	if owner != workerID {
		return nil, e.refuse(ctx, taskID,
			newOwnershipError(taskID, owner, workerID), ActorAuto)
	}

	tr := &stores.TaskTransition{
		TaskID:       taskID,
		From:         task.Status,
		To:           StatusBlocked,
		ExpectWorker: &workerID,
		Actor:        ActorAuto,
	}
	if reason != "" {
		tr.Notes = &reason
	}
	if err := e.emit(ctx, tr, false); err != nil {
		return nil, err
	}

	e.releaseWorker(ctx, task)
	e.logger.Info().
		Str("task_id", taskID).
		Str("worker_id", workerID).
		Str("reason", reason).
		Msg("task blocked")
	return e.loadTask(ctx, taskID)
}

// SweepBlockedTasks requeues tasks that sat BLOCKED past the timeout,
// counting the attempt, and escalates to FAILED at the retry threshold.
// Idempotent and safe to run concurrently; a lost race counts as skipped.
func (e *Engine) SweepBlockedTasks(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}
	cutoff := e.now().UTC().Add(-e.blockedTimeout)

	var blocked []*stores.Task
	err := e.withStoreRetry(ctx, "list blocked tasks", func() error {
		var err error
		blocked, err = e.store.ListBlockedSince(ctx, cutoff)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, task := range blocked {
		result.Examined++

		if task.AttemptCount+1 >= e.retryThreshold {
			reason := "retries exhausted: blocked past timeout"
			tr := &stores.TaskTransition{
				TaskID:           task.ID,
				From:             StatusBlocked,
				To:               StatusFailed,
				IncrementAttempt: true,
				Event:            "ESCALATED",
				Actor:            ActorAuto,
				Notes:            &reason,
			}
			if err := e.emit(ctx, tr, false); err != nil {
				if IsConflict(err) || CodeOf(err) == ErrCodeInvalidTransition {
					result.Skipped++
					continue
				}
				return result, err
			}
			result.Escalated++
			e.metrics().RecordEscalation("blocked_timeout")
			e.metrics().RecordTaskFinished(string(StatusFailed), string(task.Archetype), e.now().UTC().Sub(task.CreatedAt))
			if ev := e.events(); ev != nil {
				_ = ev.PublishTaskEscalated(task.ID, task.AttemptCount+1, reason)
			}
			e.alerter.CriticalAlert(ctx, task.ID, reason)
			continue
		}

		notes := "blocked past timeout; requeued"
		tr := &stores.TaskTransition{
			TaskID:           task.ID,
			From:             StatusBlocked,
			To:               StatusPending,
			IncrementAttempt: true,
			Event:            "BLOCKED_TIMEOUT",
			Actor:            ActorAuto,
			Notes:            &notes,
		}
		if err := e.emit(ctx, tr, false); err != nil {
			if IsConflict(err) || CodeOf(err) == ErrCodeInvalidTransition {
				result.Skipped++
				continue
			}
			return result, err
		}
		result.Requeued++
		e.metrics().RecordBlockedSwept()
	}

	if result.Examined > 0 {
		e.logger.Info().
			Int("examined", result.Examined).
			Int("requeued", result.Requeued).
			Int("escalated", result.Escalated).
			Int("skipped", result.Skipped).
			Msg("blocked task sweep finished")
	}
	return result, nil
}

// RequeueTask revives a dead-lettered task: FAILED back to PENDING with
// the attempt counter cleared. Anything not FAILED is refused by the
// lifecycle table.
func (e *Engine) RequeueTask(ctx context.Context, taskID, reason string) (*stores.Task, error) {
	task, err := e.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := e.checkTaskPolicy(ctx, task, "requeue", ActorHuman); err != nil {
		return nil, err
	}

	tr := &stores.TaskTransition{
		TaskID:       taskID,
		From:         task.Status,
		To:           StatusPending,
		ResetAttempt: true,
		Event:        "REQUEUE",
		Actor:        ActorHuman,
	}
	if reason != "" {
		tr.Notes = &reason
	}
	if err := e.emit(ctx, tr, false); err != nil {
		return nil, err
	}

	e.logger.Info().Str("task_id", taskID).Str("reason", reason).Msg("task requeued from dead letter")
	return e.loadTask(ctx, taskID)
}

// ForceUnblock is the admin override for a BLOCKED task: straight back to
// PENDING without touching the attempt counter.
func (e *Engine) ForceUnblock(ctx context.Context, taskID, reason string) (*stores.Task, error) {
	task, err := e.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != StatusBlocked {
		return nil, e.refuse(ctx, taskID,
			newInvalidTransition(taskID, task.Status, StatusPending), ActorHuman)
	}

	view := taskView(task)
	if states, err := e.store.DependencyStates(ctx, taskID); err == nil {
		for _, st := range states {
			if st.Status != StatusCompleted {
				view.OpenDependencies++
			}
		}
	}
	if err := e.checkPolicyView(ctx, view, "force_unblock", ActorHuman); err != nil {
		return nil, err
	}

	tr := &stores.TaskTransition{
		TaskID: taskID,
		From:   StatusBlocked,
		To:     StatusPending,
		Event:  "FORCE_UNBLOCK",
		Actor:  ActorHuman,
	}
	if reason != "" {
		tr.Notes = &reason
	}
	if err := e.emit(ctx, tr, false); err != nil {
		return nil, err
	}

	e.logger.Info().Str("task_id", taskID).Str("reason", reason).Msg("task force-unblocked")
	return e.loadTask(ctx, taskID)
}

// CancelTask retires a task from any non-terminal state. Cancellation is
// cooperative: an in-flight worker keeps going until its next status
// check or failed renewal, which is why the lease is cleared here rather
// than revoked mid-operation.
func (e *Engine) CancelTask(ctx context.Context, taskID, reason string) (*stores.Task, error) {
	task, err := e.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := e.checkTaskPolicy(ctx, task, "cancel", ActorHuman); err != nil {
		return nil, err
	}

	tr := &stores.TaskTransition{
		TaskID: taskID,
		From:   task.Status,
		To:     StatusCancelled,
		Event:  "CANCEL",
		Actor:  ActorHuman,
	}
	if reason != "" {
		tr.Notes = &reason
	}
	if err := e.emit(ctx, tr, false); err != nil {
		return nil, err
	}

	if task.Status == StatusReviewing {
		if err := e.store.DeletePacket(ctx, taskID); err != nil {
			e.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to delete packet after cancel")
		}
	}
	if holdsLease(task.Status) {
		e.releaseWorker(ctx, task)
	}
	e.metrics().RecordTaskFinished(string(StatusCancelled), string(task.Archetype), e.now().UTC().Sub(task.CreatedAt))

	e.logger.Info().Str("task_id", taskID).Str("reason", reason).Msg("task cancelled")
	return e.loadTask(ctx, taskID)
}

// ListDeadLetter returns FAILED tasks, oldest first, optionally narrowed
// to a lane. They stay queryable until an admin requeues or cancels them.
func (e *Engine) ListDeadLetter(ctx context.Context, lane string) ([]*stores.Task, error) {
	failed := StatusFailed
	filter := stores.TaskFilter{Status: &failed, Limit: 1000}
	if lane != "" {
		filter.Lane = &lane
	}
	return e.ListTasks(ctx, filter)
}
