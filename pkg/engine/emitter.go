package engine

import (
	"context"

	"github.com/taskwarden/taskwarden/pkg/stores"
	"github.com/taskwarden/taskwarden/pkg/telemetry"
)

// legalTransitions is the task lifecycle table. Absent pairs are refused
// with INVALID_TRANSITION; COMPLETED and CANCELLED have no outgoing edges.
var legalTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusInProgress: true,
		StatusCancelled:  true,
	},
	StatusInProgress: {
		StatusReviewing: true,
		StatusBlocked:   true,
		StatusPending:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusReviewing: {
		StatusCompleted:  true,
		StatusInProgress: true,
		StatusBlocked:    true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
	StatusBlocked: {
		StatusPending:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusFailed: {
		StatusPending:   true,
		StatusCancelled: true,
	},
}

// TransitionAllowed reports whether from -> to appears in the lifecycle
// table. It does not check the Gavel rule; COMPLETED additionally requires
// an approval decision.
func TransitionAllowed(from, to Status) bool {
	return legalTransitions[from][to]
}

// holdsLease reports whether a status carries lease fields.
func holdsLease(s Status) bool {
	return s == StatusInProgress || s == StatusReviewing
}

// emit is the single choke point for status changes. Every mutation path
// except the claim loop funnels through here, so the lifecycle table and
// the Gavel rule are enforced in exactly one place. On success the
// conditional update and its ledger row are already committed.
//
// A false result from the store means the WHERE guards matched nothing.
// emit re-reads the task to name the refusal: the task is gone, its status
// moved, ownership changed, or a concurrent writer voided a lease guard.
// The last case comes back as a code-less conflict error so sweeps can
// count it as skipped work rather than a refusal.
func (e *Engine) emit(ctx context.Context, tr *stores.TaskTransition, viaGavel bool) error {
	if tr.From == tr.To || !TransitionAllowed(tr.From, tr.To) {
		return e.refuse(ctx, tr.TaskID, newInvalidTransition(tr.TaskID, tr.From, tr.To), tr.Actor)
	}
	if tr.To == StatusCompleted && !viaGavel {
		return e.refuse(ctx, tr.TaskID, newGavelViolation(tr.TaskID), tr.Actor)
	}

	if holdsLease(tr.From) && !holdsLease(tr.To) {
		tr.ClearLease = true
		tr.Lease = nil
	}
	if tr.To == StatusCompleted {
		tr.ResetAttempt = true
	}
	if tr.Event == "" {
		tr.Event = string(tr.From) + "->" + string(tr.To)
	}
	if tr.At.IsZero() {
		tr.At = e.now().UTC()
	}

	var ok bool
	err := e.withStoreRetry(ctx, "transition task", func() error {
		var err error
		ok, err = e.store.TransitionTask(ctx, tr)
		return err
	})
	if err != nil {
		return err
	}
	if !ok {
		return e.resolveGuardMiss(ctx, tr)
	}

	e.metrics().RecordTransition(string(tr.From), string(tr.To))
	if ev := e.events(); ev != nil {
		_ = ev.PublishTaskTransition(tr.TaskID, string(tr.From), string(tr.To))
	}
	e.logger.Info().
		Str("task_id", tr.TaskID).
		Str("from", string(tr.From)).
		Str("to", string(tr.To)).
		Str("event", tr.Event).
		Str("actor", string(tr.Actor)).
		Msg("task transition")
	return nil
}

// resolveGuardMiss turns a zero-row conditional update into the right
// error by comparing the caller's view against the current row.
func (e *Engine) resolveGuardMiss(ctx context.Context, tr *stores.TaskTransition) error {
	task, err := e.loadTask(ctx, tr.TaskID)
	if err != nil {
		return err
	}
	if task.Status != tr.From {
		return e.refuse(ctx, tr.TaskID,
			newInvalidTransition(tr.TaskID, task.Status, tr.To), tr.Actor)
	}
	if tr.ExpectWorker != nil {
		owner := ""
		if task.WorkerID != nil {
			owner = *task.WorkerID
		}
		if owner != *tr.ExpectWorker {
			return e.refuse(ctx, tr.TaskID,
				newOwnershipError(tr.TaskID, owner, *tr.ExpectWorker), tr.Actor)
		}
	}
	return NewConflictError("transition superseded by concurrent update", nil).
		WithResource(tr.TaskID).
		WithOperation(tr.Event)
}

// UpdateTaskState moves a task to a new status under the lifecycle table.
// The Gavel rule still applies, so COMPLETED is unreachable from here;
// approvals go through SubmitReviewDecision.
func (e *Engine) UpdateTaskState(ctx context.Context, taskID string, to Status, actor Actor) (task *stores.Task, err error) {
	ctx, span := e.tracer().StartTaskSpan(ctx, "transition", taskID)
	span.SetAttributes(telemetry.AttrTaskStatus.String(string(to)))
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}()

	task, err = e.loadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	tr := &stores.TaskTransition{
		TaskID: taskID,
		From:   task.Status,
		To:     to,
		Actor:  actor,
	}
	if err := e.emit(ctx, tr, false); err != nil {
		return nil, err
	}
	return e.loadTask(ctx, taskID)
}

// refuse records a refused request in the ledger, counts it, and returns
// the refusal. The ledger append is best effort; a storage hiccup must not
// convert a refusal into a different failure.
func (e *Engine) refuse(ctx context.Context, taskID string, engErr *EngineError, actor Actor) error {
	e.metrics().RecordRefusal(engErr.Code)

	notes := engErr.Message
	entry := &stores.LedgerEntry{
		Timestamp: e.now().UTC(),
		TaskID:    taskID,
		Event:     engErr.Code,
		Actor:     actor,
		Notes:     &notes,
	}
	if err := e.store.AppendLedger(ctx, entry); err != nil {
		e.logger.Error().Err(err).
			Str("task_id", taskID).
			Str("code", engErr.Code).
			Msg("failed to record refusal in ledger")
	}

	e.logger.Warn().
		Str("task_id", taskID).
		Str("code", engErr.Code).
		Str("actor", string(actor)).
		Msg(engErr.Message)
	return engErr
}
