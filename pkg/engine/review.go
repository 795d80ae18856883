package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"

	"github.com/taskwarden/taskwarden/pkg/authority"
	"github.com/taskwarden/taskwarden/pkg/stores"
	"github.com/taskwarden/taskwarden/pkg/telemetry"
)

// snapshotClaims projects the reviewable claims of a task. Slices are
// copied and normalized so the canonical JSON is stable: source ids keep
// their cited order, dependencies are sorted, nil becomes empty.
func snapshotClaims(task *stores.Task) packetClaims {
	deps := append([]string{}, task.Dependencies...)
	sort.Strings(deps)

	justification := ""
	if task.OverrideJustification != nil {
		justification = *task.OverrideJustification
	}
	return packetClaims{
		Description:           task.Description,
		SourceIDs:             append([]string{}, task.SourceIDs...),
		Archetype:             string(task.Archetype),
		Dependencies:          deps,
		OverrideJustification: justification,
	}
}

// packetVerdictOK reports whether the packet embedded a passing
// gatekeeper verdict. An unreadable verdict counts as passing, keeping
// the refusal on the drift path.
func packetVerdictOK(packet *stores.ReviewPacket) bool {
	var result packetResult
	if err := json.Unmarshal([]byte(packet.Result), &result); err != nil {
		return true
	}
	return result.OK
}

// claimsHash serializes the claims and hashes them. The raw JSON is
// returned too, since the packet stores exactly the bytes that were
// hashed.
func claimsHash(claims packetClaims) ([]byte, string, error) {
	raw, err := json.Marshal(claims)
	if err != nil {
		return nil, "", NewPermanentError("failed to serialize claims", err).
			WithCode(ErrCodeInternal)
	}
	sum := sha256.Sum256(raw)
	return raw, hex.EncodeToString(sum[:]), nil
}

// GenerateReviewPacket snapshots a task's claims, evidence, and gatekeeper
// verdict, persists the packet, and moves the task into REVIEWING. The
// packet is written strictly before the status flip, so a reviewer can
// never observe a REVIEWING task without its packet; a failed flip deletes
// the packet again.
//
// The embedded verdict is informational at this stage: a failing
// validation still reaches review, so the reviewer sees exactly what the
// gatekeeper saw and decides with that in front of them. Enforcement
// happens at approval, which re-validates live state.
func (e *Engine) GenerateReviewPacket(ctx context.Context, taskID, workerID string) (packet *stores.ReviewPacket, report *GatekeeperReport, err error) {
	if workerID == "" {
		return nil, nil, NewPermanentError("worker id is required", nil).
			WithCode(ErrCodeValidation).WithResource(taskID)
	}

	ctx, span := e.tracer().StartReviewSpan(ctx, "packet", taskID)
	defer func() {
		switch {
		case err != nil:
			telemetry.RecordError(span, err)
		case packet != nil:
			span.SetAttributes(telemetry.AttrSnapshotHash.String(packet.SnapshotHash))
			telemetry.RecordSuccess(span)
		}
		span.End()
	}()

	task, err := e.loadTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if task.Status != StatusInProgress {
		return nil, nil, e.refuse(ctx, taskID,
			newInvalidTransition(taskID, task.Status, StatusReviewing), ActorAuto)
	}
	owner := ""
	if task.WorkerID != nil {
		owner = *task.WorkerID
	}
	if owner != workerID {
		return nil, nil, e.refuse(ctx, taskID,
			newOwnershipError(taskID, owner, workerID), ActorAuto)
	}

	report, err = e.validateCompletion(ctx, task, false)
	if err != nil {
		return nil, nil, err
	}

	claims := snapshotClaims(task)
	claimsJSON, hash, err := claimsHash(claims)
	if err != nil {
		return nil, nil, err
	}
	evidenceJSON, err := json.Marshal(packetEvidence{
		Locations:    report.Evidence,
		PairedTestID: report.PairedTestID,
	})
	if err != nil {
		return nil, nil, NewPermanentError("failed to serialize evidence", err).
			WithCode(ErrCodeInternal).WithResource(taskID)
	}
	resultJSON, err := json.Marshal(packetResult{
		OK:       report.OK,
		Errors:   report.Errors,
		Warnings: report.Warnings,
	})
	if err != nil {
		return nil, nil, NewPermanentError("failed to serialize gatekeeper result", err).
			WithCode(ErrCodeInternal).WithResource(taskID)
	}

	packet = &stores.ReviewPacket{
		TaskID:       task.ID,
		GeneratedAt:  e.now().UTC(),
		SnapshotHash: hash,
		Claims:       string(claimsJSON),
		Evidence:     string(evidenceJSON),
		Result:       string(resultJSON),
	}
	if err := e.withStoreRetry(ctx, "save review packet", func() error {
		return e.store.SavePacket(ctx, packet)
	}); err != nil {
		return nil, nil, err
	}

	tr := &stores.TaskTransition{
		TaskID:       task.ID,
		From:         StatusInProgress,
		To:           StatusReviewing,
		ExpectWorker: &workerID,
		Actor:        ActorAuto,
	}
	if err := e.emit(ctx, tr, false); err != nil {
		if derr := e.store.DeletePacket(ctx, task.ID); derr != nil {
			e.logger.Error().Err(derr).Str("task_id", task.ID).
				Msg("failed to delete packet after flip failure")
		}
		return nil, nil, err
	}

	if ev := e.events(); ev != nil {
		_ = ev.PublishReviewRequested(task.ID, hash)
	}
	e.logger.Info().
		Str("task_id", task.ID).
		Str("worker_id", workerID).
		Str("snapshot_hash", hash).
		Bool("gatekeeper_ok", report.OK).
		Msg("review packet generated")
	return packet, report, nil
}

// SubmitReviewDecision is the Gavel: the only path that can complete a
// task. APPROVE re-validates live state first and refuses with
// DriftDetected when the workspace no longer backs the claims. REJECT
// sends the task back to its worker with feedback, or to FAILED with a
// critical alert once rejections exhaust the retry threshold.
func (e *Engine) SubmitReviewDecision(ctx context.Context, taskID string, decision GavelDecision, notes string, actor Actor) (task *stores.Task, err error) {
	if !decision.Valid() {
		return nil, NewPermanentError("decision must be APPROVE or REJECT", nil).
			WithCode(ErrCodeValidation).WithResource(taskID)
	}
	if actor == "" {
		actor = ActorHuman
	}

	ctx, span := e.tracer().StartReviewSpan(ctx, "decision", taskID)
	span.SetAttributes(telemetry.AttrDecision.String(string(decision)))
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
	if task.Status != StatusReviewing {
		return nil, e.refuse(ctx, taskID, newNotInReview(taskID, task.Status), actor)
	}

	packet, err := e.store.GetPacket(ctx, taskID)
	if err != nil {
		if !errors.Is(err, stores.ErrNotFound) {
			return nil, NewTransientError("failed to load review packet", err).
				WithCode(ErrCodeBackendUnavailable).WithResource(taskID)
		}
		// A sweep may have discarded the packet. The decision still
		// stands on live state; only the staleness advisory is lost.
		packet = nil
		e.logger.Warn().Str("task_id", taskID).Msg("review packet missing at decision time")
	}

	if decision == DecisionApprove {
		return e.approve(ctx, task, packet, notes, actor)
	}
	return e.reject(ctx, task, notes, actor)
}

func (e *Engine) approve(ctx context.Context, task *stores.Task, packet *stores.ReviewPacket, notes string, actor Actor) (*stores.Task, error) {
	report, err := e.validateCompletion(ctx, task, false)
	if err != nil {
		return nil, err
	}
	if !report.OK {
		// Drift means the packet looked clean and live state no longer
		// does. A packet that embedded a failing verdict never looked
		// clean, so the refusal is the same authority violation the
		// reviewer was already shown.
		if packet != nil && !packetVerdictOK(packet) {
			return nil, e.refuse(ctx, task.ID, newAuthorityViolation(task.ID, report.Errors), actor)
		}
		e.metrics().RecordDriftDetected(task.Lane)
		if ev := e.events(); ev != nil {
			expected := ""
			if packet != nil {
				expected = packet.SnapshotHash
			}
			_, actual, herr := claimsHash(snapshotClaims(task))
			if herr != nil {
				actual = ""
			}
			_ = ev.PublishDriftDetected(task.ID, expected, actual)
		}
		return nil, e.refuse(ctx, task.ID, newDriftDetected(task.ID, report.Errors), actor)
	}

	// Staleness is advisory. The claims may have moved since the packet
	// was cut, but re-validation just passed against what is actually
	// there now.
	if packet != nil {
		if _, fresh, herr := claimsHash(snapshotClaims(task)); herr == nil && fresh != packet.SnapshotHash {
			e.logger.Warn().
				Str("task_id", task.ID).
				Str("packet_hash", packet.SnapshotHash).
				Str("current_hash", fresh).
				Msg("claims changed since packet generation")
		}
	}

	tr := &stores.TaskTransition{
		TaskID: task.ID,
		From:   StatusReviewing,
		To:     StatusCompleted,
		Event:  string(DecisionApprove),
		Actor:  actor,
	}
	if notes != "" {
		tr.Notes = &notes
	}
	if snapshot := authority.Snapshot(report.Resolutions); snapshot != "" {
		tr.ResolvedAuthority = &snapshot
	}
	if err := e.emit(ctx, tr, true); err != nil {
		return nil, err
	}

	cycle := e.now().UTC().Sub(task.CreatedAt)
	e.metrics().RecordGavelDecision(string(DecisionApprove))
	e.metrics().RecordTaskFinished(string(StatusCompleted), string(task.Archetype), cycle)
	if ev := e.events(); ev != nil {
		_ = ev.PublishReviewDecided(task.ID, string(DecisionApprove), string(actor))
		_ = ev.PublishTaskCompleted(task.ID, cycle)
	}
	if err := e.store.DeletePacket(ctx, task.ID); err != nil {
		e.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to delete packet after approval")
	}
	e.releaseWorker(ctx, task)

	e.logger.Info().
		Str("task_id", task.ID).
		Str("actor", string(actor)).
		Dur("cycle_time", cycle).
		Msg("task approved and completed")
	return e.loadTask(ctx, task.ID)
}

func (e *Engine) reject(ctx context.Context, task *stores.Task, notes string, actor Actor) (*stores.Task, error) {
	nextAttempt := task.AttemptCount + 1

	if nextAttempt >= e.retryThreshold {
		reason := "retries exhausted"
		if notes != "" {
			reason = "retries exhausted: " + notes
		}
		tr := &stores.TaskTransition{
			TaskID:           task.ID,
			From:             StatusReviewing,
			To:               StatusFailed,
			IncrementAttempt: true,
			Event:            string(DecisionReject),
			Actor:            actor,
			Notes:            &reason,
		}
		if err := e.emit(ctx, tr, false); err != nil {
			return nil, err
		}

		e.metrics().RecordGavelDecision(string(DecisionReject))
		e.metrics().RecordEscalation("review_rejections")
		e.metrics().RecordTaskFinished(string(StatusFailed), string(task.Archetype), e.now().UTC().Sub(task.CreatedAt))
		if ev := e.events(); ev != nil {
			_ = ev.PublishReviewDecided(task.ID, string(DecisionReject), string(actor))
			_ = ev.PublishTaskEscalated(task.ID, nextAttempt, reason)
		}
		if err := e.store.DeletePacket(ctx, task.ID); err != nil {
			e.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to delete packet after escalation")
		}
		e.releaseWorker(ctx, task)
		e.alerter.CriticalAlert(ctx, task.ID, reason)

		e.logger.Warn().
			Str("task_id", task.ID).
			Int("attempts", nextAttempt).
			Msg("rejection escalated to FAILED")
		return e.loadTask(ctx, task.ID)
	}

	// The task goes back to the same worker with the reviewer's feedback;
	// the lease survives so work resumes without a fresh claim.
	tr := &stores.TaskTransition{
		TaskID:           task.ID,
		From:             StatusReviewing,
		To:               StatusInProgress,
		IncrementAttempt: true,
		Event:            string(DecisionReject),
		Actor:            actor,
	}
	if notes != "" {
		tr.Notes = &notes
		tr.Feedback = &notes
	}
	if err := e.emit(ctx, tr, false); err != nil {
		return nil, err
	}

	e.metrics().RecordGavelDecision(string(DecisionReject))
	if ev := e.events(); ev != nil {
		_ = ev.PublishReviewDecided(task.ID, string(DecisionReject), string(actor))
	}
	if err := e.store.DeletePacket(ctx, task.ID); err != nil {
		e.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to delete packet after rejection")
	}

	e.logger.Info().
		Str("task_id", task.ID).
		Int("attempts", nextAttempt).
		Msg("task rejected back to worker")
	return e.loadTask(ctx, task.ID)
}

// releaseWorker decrements the former owner's load after a task leaves the
// leased states. Best effort; the offline sweep corrects any miss.
func (e *Engine) releaseWorker(ctx context.Context, task *stores.Task) {
	if task.WorkerID == nil {
		return
	}
	if err := e.store.AdjustWorkerLoad(ctx, *task.WorkerID, -1, e.now().UTC()); err != nil {
		e.logger.Debug().Err(err).Str("worker_id", *task.WorkerID).Msg("load adjust skipped")
	}
}

// GetReviewPacket returns the stored packet for a task in review.
func (e *Engine) GetReviewPacket(ctx context.Context, taskID string) (*stores.ReviewPacket, error) {
	var packet *stores.ReviewPacket
	err := e.withStoreRetry(ctx, "get review packet", func() error {
		var err error
		packet, err = e.store.GetPacket(ctx, taskID)
		return err
	})
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, newNotFound("review packet", taskID)
		}
		return nil, err
	}
	return packet, nil
}

// ListReviewQueue returns every task awaiting a decision, each with its
// packet and a staleness advisory. Pass a lane to narrow the queue, or ""
// for all lanes.
func (e *Engine) ListReviewQueue(ctx context.Context, lane string) ([]ReviewQueueItem, error) {
	reviewing := StatusReviewing
	filter := stores.TaskFilter{Status: &reviewing, Limit: 1000}
	if lane != "" {
		filter.Lane = &lane
	}
	tasks, err := e.ListTasks(ctx, filter)
	if err != nil {
		return nil, err
	}

	items := make([]ReviewQueueItem, 0, len(tasks))
	for _, t := range tasks {
		// Re-read for the dependency list; the fresh hash needs it.
		full, err := e.loadTask(ctx, t.ID)
		if err != nil {
			if CodeOf(err) == ErrCodeNotFound {
				continue
			}
			return nil, err
		}
		item := ReviewQueueItem{Task: full}

		packet, err := e.store.GetPacket(ctx, t.ID)
		switch {
		case err == nil:
			item.Packet = packet
			if _, fresh, herr := claimsHash(snapshotClaims(full)); herr == nil && fresh != packet.SnapshotHash {
				item.Stale = true
			}
		case errors.Is(err, stores.ErrNotFound):
		default:
			return nil, NewTransientError("failed to load review packet", err).
				WithCode(ErrCodeBackendUnavailable).WithResource(t.ID)
		}
		items = append(items, item)
	}
	return items, nil
}
