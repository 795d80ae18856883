package engine

import (
	"context"
	"testing"
	"time"

	"github.com/taskwarden/taskwarden/pkg/stores"
)

func TestHeartbeatRegistersWorker(t *testing.T) {
	eng, _, clock := newTestEngine(t, Options{})
	ctx := context.Background()

	worker, err := eng.Heartbeat(ctx, &HeartbeatRequest{WorkerID: "w1", Lanes: []string{"core"}})
	if err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if worker.Tier != stores.TierStandard {
		t.Errorf("tier default not applied: %s", worker.Tier)
	}
	if worker.CapacityLimit != 1 {
		t.Errorf("capacity default not applied: %d", worker.CapacityLimit)
	}
	if worker.Status != stores.WorkerOnline {
		t.Errorf("status = %s, want %s", worker.Status, stores.WorkerOnline)
	}
	if !worker.LastSeen.Equal(clock.Now()) {
		t.Errorf("last_seen = %v, want %v", worker.LastSeen, clock.Now())
	}

	if _, err := eng.Heartbeat(ctx, &HeartbeatRequest{Lanes: []string{"core"}}); CodeOf(err) != ErrCodeValidation {
		t.Errorf("missing worker id: expected VALIDATION_ERROR, got %v", err)
	}
	if _, err := eng.Heartbeat(ctx, &HeartbeatRequest{WorkerID: "w2"}); CodeOf(err) != ErrCodeValidation {
		t.Errorf("missing lanes: expected VALIDATION_ERROR, got %v", err)
	}
	if _, err := eng.Heartbeat(ctx, nil); CodeOf(err) != ErrCodeValidation {
		t.Errorf("nil request: expected VALIDATION_ERROR, got %v", err)
	}
}

func TestHeartbeatPreservesLoad(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	if _, err := eng.Heartbeat(ctx, &HeartbeatRequest{WorkerID: "w1", Lanes: []string{"core"}}); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	mustCreate(t, eng, &CreateTaskRequest{
		Lane: "core", Goal: "occupy the worker", Archetype: ArchetypePlumbing,
	})
	mustClaim(t, eng, "core", "w1")

	worker, err := eng.Heartbeat(ctx, &HeartbeatRequest{WorkerID: "w1", Lanes: []string{"core"}})
	if err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if worker.ActiveTasks != 1 {
		t.Errorf("active_tasks = %d, want 1", worker.ActiveTasks)
	}
	if worker.Status != stores.WorkerBusy {
		t.Errorf("status = %s, want %s", worker.Status, stores.WorkerBusy)
	}
}

func TestResolveAutoWorkerScoring(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	if _, err := eng.Heartbeat(ctx, &HeartbeatRequest{
		WorkerID: "senior-1", Lanes: []string{"core"}, Tier: stores.TierSenior,
	}); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if _, err := eng.Heartbeat(ctx, &HeartbeatRequest{
		WorkerID: "std-1", Lanes: []string{"core"},
	}); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	got, err := eng.ResolveAutoWorker(ctx, "core", EffortLarge, PriorityCritical)
	if err != nil {
		t.Fatalf("routing failed: %v", err)
	}
	if got != "senior-1" {
		t.Errorf("large critical work routed to %s, want senior-1", got)
	}

	got, err = eng.ResolveAutoWorker(ctx, "core", EffortSmall, PriorityNormal)
	if err != nil {
		t.Fatalf("routing failed: %v", err)
	}
	if got != "std-1" {
		t.Errorf("small work routed to %s, want std-1", got)
	}
}

func TestResolveAutoWorkerLaneFamily(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	// A family-level worker covers every sublane in the family.
	if _, err := eng.Heartbeat(ctx, &HeartbeatRequest{
		WorkerID: "w1", Lanes: []string{"backend"},
	}); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	got, err := eng.ResolveAutoWorker(ctx, "backend:billing", EffortMedium, PriorityNormal)
	if err != nil {
		t.Fatalf("routing failed: %v", err)
	}
	if got != "w1" {
		t.Errorf("sublane routed to %s, want w1", got)
	}

	// The reverse does not hold: serving one sublane covers neither the
	// family nor its siblings.
	if _, err := eng.Heartbeat(ctx, &HeartbeatRequest{
		WorkerID: "w2", Lanes: []string{"data:etl"},
	}); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if _, err := eng.ResolveAutoWorker(ctx, "data", EffortMedium, PriorityNormal); CodeOf(err) != ErrCodeCapacityExceeded {
		t.Errorf("family lane: expected CAPACITY_EXCEEDED, got %v", err)
	}
	if _, err := eng.ResolveAutoWorker(ctx, "data:export", EffortMedium, PriorityNormal); CodeOf(err) != ErrCodeCapacityExceeded {
		t.Errorf("sibling sublane: expected CAPACITY_EXCEEDED, got %v", err)
	}
}

func TestResolveAutoWorkerCapacity(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	if _, err := eng.Heartbeat(ctx, &HeartbeatRequest{
		WorkerID: "w1", Lanes: []string{"core"}, CapacityLimit: 1,
	}); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	mustCreate(t, eng, &CreateTaskRequest{
		Lane: "core", Goal: "fill the only slot", Archetype: ArchetypePlumbing,
	})
	mustClaim(t, eng, "core", "w1")

	_, err := eng.ResolveAutoWorker(ctx, "core", EffortMedium, PriorityNormal)
	if CodeOf(err) != ErrCodeCapacityExceeded {
		t.Fatalf("expected CAPACITY_EXCEEDED, got %v", err)
	}
	if !IsThrottled(err) {
		t.Error("capacity refusals should be throttled, not permanent")
	}
}

func TestListWorkers(t *testing.T) {
	eng, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	workers, err := eng.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(workers) != 0 {
		t.Fatalf("expected no workers, got %d", len(workers))
	}

	for _, id := range []string{"w1", "w2"} {
		if _, err := eng.Heartbeat(ctx, &HeartbeatRequest{WorkerID: id, Lanes: []string{"core"}}); err != nil {
			t.Fatalf("heartbeat failed: %v", err)
		}
	}

	workers, err = eng.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(workers) != 2 {
		t.Fatalf("listed %d workers, want 2", len(workers))
	}
}

func TestOfflineSweep(t *testing.T) {
	eng, store, clock := newTestEngine(t, Options{WorkerIdleTimeout: time.Minute})
	ctx := context.Background()

	if _, err := eng.Heartbeat(ctx, &HeartbeatRequest{WorkerID: "w1", Lanes: []string{"core"}}); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	clock.Advance(2 * time.Minute)

	// Silent workers are invisible to routing even before the sweep runs.
	if _, err := eng.ResolveAutoWorker(ctx, "core", EffortMedium, PriorityNormal); CodeOf(err) != ErrCodeCapacityExceeded {
		t.Errorf("stale worker still routable: %v", err)
	}

	flipped, err := eng.SweepOfflineWorkers(ctx)
	if err != nil {
		t.Fatalf("offline sweep failed: %v", err)
	}
	if flipped != 1 {
		t.Fatalf("flipped = %d, want 1", flipped)
	}
	w, err := store.GetWorker(ctx, "w1")
	if err != nil {
		t.Fatalf("failed to read worker: %v", err)
	}
	if w.Status != stores.WorkerOffline {
		t.Errorf("status = %s, want %s", w.Status, stores.WorkerOffline)
	}

	again, err := eng.SweepOfflineWorkers(ctx)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if again != 0 {
		t.Errorf("second sweep flipped %d workers, want 0", again)
	}

	// A fresh heartbeat brings the worker back.
	if _, err := eng.Heartbeat(ctx, &HeartbeatRequest{WorkerID: "w1", Lanes: []string{"core"}}); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	got, err := eng.ResolveAutoWorker(ctx, "core", EffortMedium, PriorityNormal)
	if err != nil || got != "w1" {
		t.Fatalf("revived worker not routable: %s %v", got, err)
	}
}

func TestPickTaskIsAdvisory(t *testing.T) {
	eng, _, clock := newTestEngine(t, Options{})
	ctx := context.Background()

	none, err := eng.PickTask(ctx, "core")
	if err != nil || none != nil {
		t.Fatalf("empty lane: got %v, %v", none, err)
	}
	if _, err := eng.PickTask(ctx, ""); CodeOf(err) != ErrCodeValidation {
		t.Errorf("empty lane name: expected VALIDATION_ERROR, got %v", err)
	}

	mustCreate(t, eng, &CreateTaskRequest{
		Lane: "core", Goal: "background cleanup", Archetype: ArchetypePlumbing,
	})
	clock.Advance(time.Second)
	sec := mustCreate(t, eng, &CreateTaskRequest{
		Lane: "core", Goal: "close the bypass", Archetype: ArchetypeSec,
	})

	pick, err := eng.PickTask(ctx, "core")
	if err != nil {
		t.Fatalf("pick failed: %v", err)
	}
	if pick.ID != sec.ID {
		t.Errorf("picked %s, want %s", pick.ID, sec.ID)
	}
	if pick.Status != StatusPending {
		t.Error("an advisory pick must not claim the task")
	}

	claimed := mustClaim(t, eng, "core", "w1")
	if claimed.ID != pick.ID {
		t.Errorf("claim handed out %s, pick predicted %s", claimed.ID, pick.ID)
	}
}
