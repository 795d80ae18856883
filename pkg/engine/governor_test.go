package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskwarden/taskwarden/pkg/policy"
)

func TestBlockTaskRequiresOwner(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	task := mustCreate(t, eng, &CreateTaskRequest{
		Lane: "core", Goal: "contested block", Archetype: ArchetypePlumbing,
	})
	mustClaim(t, eng, "core", "w1")

	if _, err := eng.BlockTask(ctx, task.ID, "w2", "not mine"); CodeOf(err) != ErrCodeOwnership {
		t.Errorf("foreign worker: expected OWNERSHIP_ERROR, got %v", err)
	}
	if _, err := eng.BlockTask(ctx, task.ID, "", "anonymous"); CodeOf(err) != ErrCodeValidation {
		t.Errorf("missing worker: expected VALIDATION_ERROR, got %v", err)
	}
}

func TestBlockedSweepRequeues(t *testing.T) {
	eng, _, clock := newTestEngine(t, Options{BlockedTimeout: time.Hour})
	ctx := context.Background()

	task := mustCreate(t, eng, &CreateTaskRequest{
		Lane: "core", Goal: "wait out the vendor", Archetype: ArchetypePlumbing,
	})
	mustClaim(t, eng, "core", "w1")
	if _, err := eng.BlockTask(ctx, task.ID, "w1", "vendor maintenance window"); err != nil {
		t.Fatalf("failed to block: %v", err)
	}

	// Too fresh to touch.
	result, err := eng.SweepBlockedTasks(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if result.Examined != 0 {
		t.Fatalf("fresh block examined: %+v", result)
	}

	clock.Advance(2 * time.Hour)
	result, err = eng.SweepBlockedTasks(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if result.Requeued != 1 || result.Escalated != 0 {
		t.Fatalf("unexpected sweep result: %+v", result)
	}

	got, err := eng.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to read task back: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s, want %s", got.Status, StatusPending)
	}
	if got.AttemptCount != 1 {
		t.Errorf("a blocked timeout burns an attempt, got %d", got.AttemptCount)
	}
	if !hasEvent(ledgerEvents(t, eng, task.ID), "BLOCKED_TIMEOUT") {
		t.Error("timeout requeue missing from the ledger")
	}
}

func TestBlockedSweepEscalates(t *testing.T) {
	alerts := &recordingAlerter{}
	eng, _, clock := newTestEngine(t, Options{
		BlockedTimeout: time.Hour, RetryThreshold: 1, Alerter: alerts,
	})
	ctx := context.Background()

	task := mustCreate(t, eng, &CreateTaskRequest{
		Lane: "core", Goal: "stuck for good", Archetype: ArchetypePlumbing,
	})
	mustClaim(t, eng, "core", "w1")
	if _, err := eng.BlockTask(ctx, task.ID, "w1", "no path forward"); err != nil {
		t.Fatalf("failed to block: %v", err)
	}
	clock.Advance(2 * time.Hour)

	result, err := eng.SweepBlockedTasks(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if result.Escalated != 1 || result.Requeued != 0 {
		t.Fatalf("unexpected sweep result: %+v", result)
	}

	got, err := eng.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to read task back: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("status = %s, want %s", got.Status, StatusFailed)
	}
	if alerts.count() != 1 {
		t.Errorf("expected one critical alert, got %d", alerts.count())
	}
	if !hasEvent(ledgerEvents(t, eng, task.ID), "ESCALATED") {
		t.Error("escalation missing from the ledger")
	}
}

func TestForceUnblock(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	task := mustCreate(t, eng, &CreateTaskRequest{
		Lane: "core", Goal: "waiting on credentials", Archetype: ArchetypePlumbing,
	})
	mustClaim(t, eng, "core", "w1")
	if _, err := eng.BlockTask(ctx, task.ID, "w1", "awaiting credentials"); err != nil {
		t.Fatalf("failed to block: %v", err)
	}

	got, err := eng.ForceUnblock(ctx, task.ID, "credentials arrived")
	if err != nil {
		t.Fatalf("force unblock failed: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s, want %s", got.Status, StatusPending)
	}
	if got.AttemptCount != 0 {
		t.Errorf("an admin unblock is not the task's fault, got %d attempts", got.AttemptCount)
	}
	if !hasEvent(ledgerEvents(t, eng, task.ID), "FORCE_UNBLOCK") {
		t.Error("unblock missing from the ledger")
	}

	if _, err := eng.ForceUnblock(ctx, task.ID, "again"); CodeOf(err) != ErrCodeInvalidTransition {
		t.Errorf("unblocked task: expected INVALID_TRANSITION, got %v", err)
	}
}

func TestRequeueResetsAttempts(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	task := mustCreate(t, eng, &CreateTaskRequest{
		Lane: "core", Goal: "fell over once", Archetype: ArchetypePlumbing,
	})
	mustClaim(t, eng, "core", "w1")
	if _, err := eng.UpdateTaskState(ctx, task.ID, StatusFailed, ActorAuto); err != nil {
		t.Fatalf("failed to fail the task: %v", err)
	}

	revived, err := eng.RequeueTask(ctx, task.ID, "transient infra problem")
	if err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	if revived.Status != StatusPending {
		t.Errorf("status = %s, want %s", revived.Status, StatusPending)
	}
	if revived.AttemptCount != 0 {
		t.Errorf("requeue resets the breaker, got %d attempts", revived.AttemptCount)
	}
	if !hasEvent(ledgerEvents(t, eng, task.ID), "REQUEUE") {
		t.Error("requeue missing from the ledger")
	}
}

func TestCancelTaskFromReview(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	task := mustCreate(t, eng, &CreateTaskRequest{
		Lane: "core", Goal: "descoped mid-review", Archetype: ArchetypePlumbing,
	})
	mustClaim(t, eng, "core", "w1")
	submitForReview(t, eng, task.ID, "w1")

	got, err := eng.CancelTask(ctx, task.ID, "descoped")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", got.Status, StatusCancelled)
	}
	if got.WorkerID != nil || got.LeaseID != nil {
		t.Error("cancellation releases the lease")
	}
	if _, err := eng.GetReviewPacket(ctx, task.ID); CodeOf(err) != ErrCodeNotFound {
		t.Errorf("packet should not outlive the task: %v", err)
	}
	if !hasEvent(ledgerEvents(t, eng, task.ID), "CANCEL") {
		t.Error("cancellation missing from the ledger")
	}

	if _, err := eng.CancelTask(ctx, task.ID, "twice"); CodeOf(err) != ErrCodeInvalidTransition {
		t.Errorf("repeat cancel: expected INVALID_TRANSITION, got %v", err)
	}
}

func TestCancelPolicyGuard(t *testing.T) {
	policies, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to build policy engine: %v", err)
	}
	eng, _, _ := newTestEngine(t, Options{Policies: policies, Environment: "production"})
	ctx := context.Background()

	hot := mustCreate(t, eng, &CreateTaskRequest{
		Lane: "payments", Goal: "hotfix the charge path", Archetype: ArchetypePlumbing,
		Priority: PriorityCritical, Urgent: true,
	})
	if _, err := eng.CancelTask(ctx, hot.ID, "cleanup"); CodeOf(err) != ErrCodeValidation {
		t.Fatalf("expected the admin safeguard to block, got %v", err)
	}

	calm := mustCreate(t, eng, &CreateTaskRequest{
		Lane: "payments", Goal: "retire the old path", Archetype: ArchetypePlumbing,
	})
	if _, err := eng.CancelTask(ctx, calm.ID, "cleanup"); err != nil {
		t.Fatalf("expected an ordinary cancel to pass, got %v", err)
	}
}

func TestListDeadLetterFilters(t *testing.T) {
	eng, _, clock := newTestEngine(t, Options{})
	ctx := context.Background()

	first := mustCreate(t, eng, &CreateTaskRequest{
		Lane: "core", Goal: "first casualty", Archetype: ArchetypePlumbing,
	})
	clock.Advance(time.Second)
	second := mustCreate(t, eng, &CreateTaskRequest{
		Lane: "edge", Goal: "second casualty", Archetype: ArchetypePlumbing,
	})

	for _, tc := range []struct{ lane, id string }{{"core", first.ID}, {"edge", second.ID}} {
		mustClaim(t, eng, tc.lane, "w1")
		if _, err := eng.UpdateTaskState(ctx, tc.id, StatusFailed, ActorAuto); err != nil {
			t.Fatalf("failed to fail %s: %v", tc.id, err)
		}
	}

	all, err := eng.ListDeadLetter(ctx, "")
	if err != nil {
		t.Fatalf("failed to list dead letter: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("dead letter size = %d, want 2", len(all))
	}
	if all[0].ID != first.ID {
		t.Errorf("dead letter should be oldest first, got %s", all[0].ID)
	}

	core, err := eng.ListDeadLetter(ctx, "core")
	if err != nil {
		t.Fatalf("failed to list dead letter: %v", err)
	}
	if len(core) != 1 || core[0].ID != first.ID {
		t.Fatalf("lane filter broken: %+v", core)
	}
}
