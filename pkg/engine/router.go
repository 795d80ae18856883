package engine

import (
	"context"
	"sort"
	"time"

	"github.com/taskwarden/taskwarden/pkg/stores"
)

// PickTask returns the task ClaimTask would hand out next for the lane,
// without claiming it. Returns (nil, nil) when the lane has no eligible
// work. Purely advisory; by the time a claim arrives the answer may have
// changed.
func (e *Engine) PickTask(ctx context.Context, lane string) (*stores.Task, error) {
	if lane == "" {
		return nil, NewPermanentError("lane is required", nil).WithCode(ErrCodeValidation)
	}

	var candidates []*stores.Task
	err := e.withStoreRetry(ctx, "pick task", func() error {
		var err error
		candidates, err = e.store.SelectClaimCandidates(ctx, lane, 1)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	return candidates[0], nil
}

// ResolveAutoWorker picks the best worker to dispatch a task to. Candidates
// must be fresh (heartbeat within the idle window), not offline, under
// their capacity limit, and serving the lane either exactly or by family.
// Scoring favors free capacity, matches tier to effort, and nudges
// critical work toward senior workers. No eligible worker is a
// CAPACITY_EXCEEDED refusal, not an empty answer, because auto-routing
// with nobody to route to is an operational problem.
func (e *Engine) ResolveAutoWorker(ctx context.Context, lane string, effort Effort, priority Priority) (string, error) {
	if lane == "" {
		return "", NewPermanentError("lane is required", nil).WithCode(ErrCodeValidation)
	}

	var workers []*stores.Worker
	err := e.withStoreRetry(ctx, "list workers", func() error {
		var err error
		workers, err = e.store.ListWorkers(ctx)
		return err
	})
	if err != nil {
		return "", err
	}

	cutoff := e.now().UTC().Add(-e.workerIdleTimeout)
	family := LaneFamily(lane)

	type scored struct {
		worker *stores.Worker
		score  int
	}
	eligible := make([]scored, 0, len(workers))
	for _, w := range workers {
		if w.Status == stores.WorkerOffline || w.LastSeen.Before(cutoff) {
			continue
		}
		if w.ActiveTasks >= w.CapacityLimit {
			continue
		}
		if !servesLane(w, lane, family) {
			continue
		}

		free := w.CapacityLimit - w.ActiveTasks
		score := free*10 + tierMatchBonus(w.Tier, effort) + priorityBonus(w.Tier, priority)
		eligible = append(eligible, scored{worker: w, score: score})
	}

	if len(eligible) == 0 {
		e.metrics().RecordRefusal(ErrCodeCapacityExceeded)
		return "", newCapacityExceeded(lane)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].score != eligible[j].score {
			return eligible[i].score > eligible[j].score
		}
		if eligible[i].worker.ActiveTasks != eligible[j].worker.ActiveTasks {
			return eligible[i].worker.ActiveTasks < eligible[j].worker.ActiveTasks
		}
		return eligible[i].worker.WorkerID < eligible[j].worker.WorkerID
	})

	best := eligible[0].worker
	e.logger.Debug().
		Str("lane", lane).
		Str("worker_id", best.WorkerID).
		Int("score", eligible[0].score).
		Msg("auto-routed worker")
	return best.WorkerID, nil
}

// servesLane reports whether a worker's lane list covers a task lane,
// either exactly or at the family level ("backend" serves "backend:billing").
func servesLane(w *stores.Worker, lane, family string) bool {
	for _, l := range w.Lanes {
		if l == lane || l == family {
			return true
		}
	}
	return false
}

// tierMatchBonus matches worker tier to task effort. Large work wants
// senior hands; small work on a senior worker wastes them.
func tierMatchBonus(tier stores.WorkerTier, effort Effort) int {
	switch {
	case tier == stores.TierSenior && effort == stores.EffortLarge:
		return 15
	case tier == stores.TierSenior && effort == stores.EffortSmall:
		return -5
	case tier == stores.TierStandard && effort == stores.EffortLarge:
		return -10
	case tier == stores.TierStandard && effort == stores.EffortSmall:
		return 5
	default:
		return 0
	}
}

// priorityBonus nudges critical and high priority work toward seniors.
func priorityBonus(tier stores.WorkerTier, priority Priority) int {
	if tier == stores.TierSenior &&
		(priority == stores.PriorityCritical || priority == stores.PriorityHigh) {
		return 10
	}
	return 0
}

// Heartbeat registers or refreshes a worker's presence. Lanes, tier, and
// capacity come from the caller; active_tasks is owned by the claim and
// release paths and survives the upsert untouched. Status is derived from
// the current load.
func (e *Engine) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*stores.Worker, error) {
	if req == nil {
		return nil, NewPermanentError("request is nil", nil).WithCode(ErrCodeValidation)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	active := 0
	if existing, err := e.store.GetWorker(ctx, req.WorkerID); err == nil {
		active = existing.ActiveTasks
	}

	status := stores.WorkerOnline
	if active >= req.CapacityLimit {
		status = stores.WorkerBusy
	}

	worker := &stores.Worker{
		WorkerID:      req.WorkerID,
		Lanes:         req.Lanes,
		Tier:          req.Tier,
		CapacityLimit: req.CapacityLimit,
		LastSeen:      e.now().UTC(),
		Status:        status,
	}
	if err := e.withStoreRetry(ctx, "upsert worker", func() error {
		return e.store.UpsertWorker(ctx, worker)
	}); err != nil {
		return nil, err
	}

	worker.ActiveTasks = active
	e.logger.Debug().
		Str("worker_id", worker.WorkerID).
		Str("status", string(worker.Status)).
		Msg("worker heartbeat")
	return worker, nil
}

// ListWorkers returns every worker the router knows about, online or not.
func (e *Engine) ListWorkers(ctx context.Context) ([]*stores.Worker, error) {
	var workers []*stores.Worker
	err := e.withStoreRetry(ctx, "list workers", func() error {
		var err error
		workers, err = e.store.ListWorkers(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return workers, nil
}

// SweepOfflineWorkers marks workers silent past the idle timeout as
// offline so the router stops considering them. Returns how many flipped.
func (e *Engine) SweepOfflineWorkers(ctx context.Context) (int64, error) {
	now := e.now().UTC()
	cutoff := now.Add(-e.workerIdleTimeout)

	var workers []*stores.Worker
	err := e.withStoreRetry(ctx, "list workers", func() error {
		var err error
		workers, err = e.store.ListWorkers(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}

	var stale []string
	for _, w := range workers {
		if w.Status != stores.WorkerOffline && w.LastSeen.Before(cutoff) {
			stale = append(stale, w.WorkerID)
		}
	}

	var flipped int64
	err = e.withStoreRetry(ctx, "mark workers offline", func() error {
		var err error
		flipped, err = e.store.MarkWorkersOffline(ctx, cutoff)
		return err
	})
	if err != nil {
		return 0, err
	}

	if ev := e.events(); ev != nil {
		for _, id := range stale {
			_ = ev.PublishWorkerOffline(id)
		}
	}
	if flipped > 0 {
		e.logger.Info().Int64("workers", flipped).Msg("idle workers marked offline")
	}

	e.refreshWorkerGauges(workers, cutoff)
	return flipped, nil
}

// RefreshGauges recomputes the queue-depth and worker-presence gauges.
// The serve daemon runs this on a ticker.
func (e *Engine) RefreshGauges(ctx context.Context) error {
	inProgress := StatusInProgress
	pending := StatusPending

	running, err := e.ListTasks(ctx, stores.TaskFilter{Status: &inProgress, Limit: 10000})
	if err != nil {
		return err
	}
	queued, err := e.ListTasks(ctx, stores.TaskFilter{Status: &pending, Limit: 10000})
	if err != nil {
		return err
	}
	e.metrics().SetTasksInProgress(float64(len(running)))
	e.metrics().SetTasksPending(float64(len(queued)))

	var workers []*stores.Worker
	err = e.withStoreRetry(ctx, "list workers", func() error {
		var err error
		workers, err = e.store.ListWorkers(ctx)
		return err
	})
	if err != nil {
		return err
	}
	e.refreshWorkerGauges(workers, e.now().UTC().Add(-e.workerIdleTimeout))
	return nil
}

// refreshWorkerGauges updates the per-tier online worker gauges. Freshness
// is judged by heartbeat age, so a list read before a sweep still counts
// correctly.
func (e *Engine) refreshWorkerGauges(workers []*stores.Worker, cutoff time.Time) {
	counts := make(map[stores.WorkerTier]float64)
	for _, w := range workers {
		if w.Status != stores.WorkerOffline && !w.LastSeen.Before(cutoff) {
			counts[w.Tier]++
		}
	}
	for _, tier := range []stores.WorkerTier{stores.TierSenior, stores.TierStandard} {
		e.metrics().SetWorkersOnline(string(tier), counts[tier])
	}
}
