package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskwarden/taskwarden/pkg/stores"
	"github.com/taskwarden/taskwarden/pkg/telemetry"
)

// claimBatchSize bounds how many candidates one claim round fetches.
const claimBatchSize = 10

// ClaimTask hands the best eligible PENDING task in the lane to the worker
// under a fresh lease. Eligible means every dependency is COMPLETED;
// ordering is archetype priority, then urgency, then FIFO. The claim is a
// single conditional update, so under contention exactly one caller wins
// each task; losers move to the next candidate and rescan with backoff for
// a bounded number of rounds.
//
// Returns (nil, nil) when the lane has no eligible work. A ttl of zero
// takes the engine default.
func (e *Engine) ClaimTask(ctx context.Context, lane, workerID string, ttl time.Duration) (task *stores.Task, err error) {
	if lane == "" {
		return nil, NewPermanentError("lane is required", nil).WithCode(ErrCodeValidation)
	}
	if workerID == "" {
		return nil, NewPermanentError("worker id is required", nil).WithCode(ErrCodeValidation)
	}
	if ttl <= 0 {
		ttl = e.leaseTTL
	}
	start := e.now()

	ctx, span := e.tracer().StartClaimSpan(ctx, lane, workerID)
	defer func() {
		switch {
		case err != nil:
			telemetry.RecordError(span, err)
		case task != nil:
			span.SetAttributes(telemetry.AttrTaskID.String(task.ID))
			telemetry.RecordSuccess(span)
		}
		span.End()
	}()

	// The worker row feeds policy input and the tier label. Claiming does
	// not require prior registration; heartbeats are presence, not auth.
	var worker *stores.Worker
	if w, err := e.store.GetWorker(ctx, workerID); err == nil {
		worker = w
	}

	var policyRefusal error
	for round := 0; round < e.claimRetries; round++ {
		var candidates []*stores.Task
		err := e.withStoreRetry(ctx, "select claim candidates", func() error {
			var err error
			candidates, err = e.store.SelectClaimCandidates(ctx, lane, claimBatchSize)
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			if policyRefusal != nil {
				return nil, policyRefusal
			}
			return nil, nil
		}

		contended := false
		for _, candidate := range candidates {
			if err := e.checkClaimPolicy(ctx, candidate, worker); err != nil {
				if policyRefusal == nil {
					policyRefusal = err
				}
				continue
			}

			now := e.now().UTC()
			grant := stores.LeaseGrant{
				WorkerID:  workerID,
				LeaseID:   uuid.NewString(),
				ExpiresAt: now.Add(ttl),
			}
			notes := "claimed by " + workerID
			tr := &stores.TaskTransition{
				TaskID: candidate.ID,
				From:   StatusPending,
				To:     StatusInProgress,
				Lease:  &grant,
				Event:  string(StatusPending) + "->" + string(StatusInProgress),
				Actor:  ActorAuto,
				Notes:  &notes,
				At:     now,
			}

			var won bool
			err := e.withStoreRetry(ctx, "claim task", func() error {
				var err error
				won, err = e.store.TransitionTask(ctx, tr)
				return err
			})
			if err != nil {
				return nil, err
			}
			if !won {
				e.metrics().RecordClaimConflict(lane)
				contended = true
				continue
			}

			candidate.Status = StatusInProgress
			candidate.WorkerID = &grant.WorkerID
			candidate.LeaseID = &grant.LeaseID
			candidate.LeaseExpiresAt = &grant.ExpiresAt
			candidate.UpdatedAt = now
			candidate.StatusUpdatedAt = now

			if err := e.store.AdjustWorkerLoad(ctx, workerID, +1, now); err != nil {
				e.logger.Debug().Err(err).Str("worker_id", workerID).Msg("load adjust skipped")
			}

			tier := string(stores.TierStandard)
			if worker != nil {
				tier = string(worker.Tier)
			}
			span.SetAttributes(
				telemetry.AttrLeaseID.String(grant.LeaseID),
				telemetry.AttrWorkerTier.String(tier),
			)
			e.metrics().RecordTaskClaimed(lane, tier, e.now().Sub(start))
			e.metrics().RecordTransition(string(StatusPending), string(StatusInProgress))
			if ev := e.events(); ev != nil {
				_ = ev.PublishTaskClaimed(candidate.ID, lane, workerID)
			}
			e.logger.Info().
				Str("task_id", candidate.ID).
				Str("lane", lane).
				Str("worker_id", workerID).
				Time("lease_expires_at", grant.ExpiresAt).
				Msg("task claimed")
			return candidate, nil
		}

		if !contended {
			// Nothing left to race for: every candidate was policy-blocked.
			if policyRefusal != nil {
				return nil, policyRefusal
			}
			return nil, nil
		}

		delay := retryBackoff(round, RetryPolicy{
			BaseDelay: 25 * time.Millisecond,
			MaxDelay:  250 * time.Millisecond,
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, NewTransientError("claim interrupted", ctx.Err()).
				WithCode(ErrCodeBackendUnavailable).WithOperation("claim task")
		}
	}

	return nil, NewConflictError("claim contention exhausted retries", nil).
		WithOperation("claim task").
		WithDetail("lane", lane)
}

// checkClaimPolicy runs claim-time governance policies for one candidate.
// A blocking violation refuses the candidate.
func (e *Engine) checkClaimPolicy(ctx context.Context, task *stores.Task, worker *stores.Worker) error {
	if e.policies == nil || worker == nil {
		return nil
	}

	result, err := e.policies.EvaluateClaim(ctx, taskView(task), workerView(worker))
	if err != nil {
		e.logger.Warn().Err(err).Str("task_id", task.ID).Msg("claim policy evaluation failed")
		return nil
	}
	for _, v := range result.Violations {
		if !v.Blocking() {
			continue
		}
		if ev := e.events(); ev != nil {
			_ = ev.PublishPolicyViolation(task.ID, v.Policy, v.Message)
		}
		return NewPermanentError(v.Message, nil).
			WithCode(ErrCodeValidation).
			WithResource(task.ID).
			WithOperation("claim task").
			WithDetail("policy", v.Policy)
	}
	return nil
}

// RenewLease extends the lease on a task the worker owns. The extension is
// conditional on current ownership and an active status, so a worker whose
// lease was swept away cannot resurrect it; it gets OwnershipError and
// should abandon the work.
func (e *Engine) RenewLease(ctx context.Context, taskID, workerID string, ttl time.Duration) (time.Time, error) {
	if taskID == "" || workerID == "" {
		return time.Time{}, NewPermanentError("task id and worker id are required", nil).
			WithCode(ErrCodeValidation)
	}
	if ttl <= 0 {
		ttl = e.leaseTTL
	}

	now := e.now().UTC()
	expiresAt := now.Add(ttl)

	var renewed bool
	err := e.withStoreRetry(ctx, "renew lease", func() error {
		var err error
		renewed, err = e.store.RenewLease(ctx, taskID, workerID, expiresAt, now)
		return err
	})
	if err != nil {
		return time.Time{}, err
	}
	if renewed {
		e.logger.Debug().
			Str("task_id", taskID).
			Str("worker_id", workerID).
			Time("lease_expires_at", expiresAt).
			Msg("lease renewed")
		return expiresAt, nil
	}

	task, err := e.loadTask(ctx, taskID)
	if err != nil {
		return time.Time{}, err
	}
	owner := ""
	if task.WorkerID != nil {
		owner = *task.WorkerID
	}
	return time.Time{}, e.refuse(ctx, taskID,
		newOwnershipError(taskID, owner, workerID), ActorAuto)
}

// SweepStaleLeases requeues IN_PROGRESS tasks whose lease expired, counts
// the lost attempt, and escalates to FAILED once attempts reach the retry
// threshold. It also discards review packets whose task has left REVIEWING.
// Safe to run concurrently: each requeue is guarded on the observed lease
// expiry, so a parallel sweep or an in-flight renew voids the update and
// the row is skipped.
//
// maxStale is an extra grace beyond lease expiry: only leases expired for
// at least that long are reclaimed. Zero sweeps everything past its
// expiry.
func (e *Engine) SweepStaleLeases(ctx context.Context, maxStale time.Duration) (*SweepResult, error) {
	if maxStale < 0 {
		maxStale = 0
	}
	result := &SweepResult{}
	cutoff := e.now().UTC().Add(-maxStale)

	var expired []*stores.Task
	err := e.withStoreRetry(ctx, "list expired leases", func() error {
		var err error
		expired, err = e.store.ListExpiredLeases(ctx, cutoff)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, task := range expired {
		result.Examined++

		worker := ""
		if task.WorkerID != nil {
			worker = *task.WorkerID
		}

		if task.AttemptCount+1 >= e.retryThreshold {
			if e.escalateExpired(ctx, task, worker) {
				result.Escalated++
			} else {
				result.Skipped++
			}
			continue
		}

		notes := "lease expired; requeued"
		tr := &stores.TaskTransition{
			TaskID:            task.ID,
			From:              StatusInProgress,
			To:                StatusPending,
			ExpectWorker:      task.WorkerID,
			ExpectLeaseExpiry: task.LeaseExpiresAt,
			IncrementAttempt:  true,
			Event:             "LEASE_EXPIRED",
			Actor:             ActorAuto,
			Notes:             &notes,
		}
		if err := e.emit(ctx, tr, false); err != nil {
			if IsConflict(err) || CodeOf(err) == ErrCodeInvalidTransition {
				result.Skipped++
				continue
			}
			return result, err
		}

		result.Requeued++
		e.metrics().RecordLeaseSwept("requeued")
		if ev := e.events(); ev != nil {
			_ = ev.PublishLeaseExpired(task.ID, worker, task.AttemptCount+1)
		}
		if worker != "" {
			if err := e.store.AdjustWorkerLoad(ctx, worker, -1, e.now().UTC()); err != nil {
				e.logger.Debug().Err(err).Str("worker_id", worker).Msg("load adjust skipped")
			}
		}
	}

	discarded, err := e.sweepOrphanPackets(ctx)
	if err != nil {
		return result, err
	}
	result.PacketsDiscarded = discarded

	if result.Examined > 0 || result.PacketsDiscarded > 0 {
		e.logger.Info().
			Int("examined", result.Examined).
			Int("requeued", result.Requeued).
			Int("escalated", result.Escalated).
			Int("skipped", result.Skipped).
			Int("packets_discarded", result.PacketsDiscarded).
			Msg("stale lease sweep finished")
	}
	return result, nil
}

// escalateExpired moves a task whose retries are spent to FAILED. Returns
// false when a concurrent writer got there first.
func (e *Engine) escalateExpired(ctx context.Context, task *stores.Task, worker string) bool {
	reason := "retries exhausted: lease expired"
	tr := &stores.TaskTransition{
		TaskID:            task.ID,
		From:              StatusInProgress,
		To:                StatusFailed,
		ExpectWorker:      task.WorkerID,
		ExpectLeaseExpiry: task.LeaseExpiresAt,
		IncrementAttempt:  true,
		Event:             "ESCALATED",
		Actor:             ActorAuto,
		Notes:             &reason,
	}
	if err := e.emit(ctx, tr, false); err != nil {
		if IsConflict(err) || CodeOf(err) == ErrCodeInvalidTransition {
			return false
		}
		e.logger.Error().Err(err).Str("task_id", task.ID).Msg("lease escalation failed")
		return false
	}

	e.metrics().RecordLeaseSwept("escalated")
	e.metrics().RecordEscalation("lease_expiry")
	e.metrics().RecordTaskFinished(string(StatusFailed), string(task.Archetype), e.now().UTC().Sub(task.CreatedAt))
	if ev := e.events(); ev != nil {
		_ = ev.PublishTaskEscalated(task.ID, task.AttemptCount+1, reason)
	}
	if worker != "" {
		if err := e.store.AdjustWorkerLoad(ctx, worker, -1, e.now().UTC()); err != nil {
			e.logger.Debug().Err(err).Str("worker_id", worker).Msg("load adjust skipped")
		}
	}
	e.alerter.CriticalAlert(ctx, task.ID, reason)
	return true
}

// sweepOrphanPackets deletes packets whose task has left REVIEWING. Packets
// are disposable snapshots; once the task moved on they are dead weight.
func (e *Engine) sweepOrphanPackets(ctx context.Context) (int, error) {
	var orphans []*stores.ReviewPacket
	err := e.withStoreRetry(ctx, "list orphan packets", func() error {
		var err error
		orphans, err = e.store.ListOrphanPackets(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}

	discarded := 0
	for _, packet := range orphans {
		if err := e.store.DeletePacket(ctx, packet.TaskID); err != nil {
			e.logger.Error().Err(err).Str("task_id", packet.TaskID).Msg("orphan packet discard failed")
			continue
		}
		discarded++
		e.logger.Debug().Str("task_id", packet.TaskID).Msg("orphan review packet discarded")
	}
	return discarded, nil
}
