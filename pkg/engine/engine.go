package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/taskwarden/taskwarden/pkg/authority"
	"github.com/taskwarden/taskwarden/pkg/evidence"
	"github.com/taskwarden/taskwarden/pkg/policy"
	"github.com/taskwarden/taskwarden/pkg/stores"
	"github.com/taskwarden/taskwarden/pkg/telemetry"
)

// Options configures an Engine. Store and registry are passed to NewEngine
// directly; everything here is optional and zero values take defaults.
type Options struct {
	// Logger receives engine logs. Defaults to a disabled logger.
	Logger zerolog.Logger

	// Telemetry records metrics and publishes events when set.
	Telemetry *telemetry.Telemetry

	// Policies adds organization-defined Rego checks to task intake,
	// claims, admin operations, and the Gatekeeper.
	Policies *policy.Engine

	// Scanner locates provenance evidence in the governed workspace. When
	// nil, the Gatekeeper reports that scanning is disabled and finds no
	// evidence.
	Scanner evidence.Scanner

	// Alerter receives circuit-breaker escalations. Defaults to an
	// alerter that logs at error level and publishes a task-failed event.
	Alerter Alerter

	// WorkspaceRoot is the tree the scanner searches for provenance tags.
	WorkspaceRoot string

	// Environment names the deployment ("production", "staging") for
	// policy context.
	Environment string

	LeaseTTL          time.Duration
	RetryThreshold    int
	BlockedTimeout    time.Duration
	WorkerIdleTimeout time.Duration
	ClaimRetries      int

	// StoreRetry bounds retries of transient store failures.
	StoreRetry RetryPolicy

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Engine is the governed task orchestration core: lifecycle state machine,
// lease manager, dependency router, Gatekeeper, Review/Gavel protocol, and
// retry governor, all over one durable store.
type Engine struct {
	store    stores.Store
	registry *authority.Registry
	policies *policy.Engine
	scanner  evidence.Scanner
	alerter  Alerter
	tel      *telemetry.Telemetry
	logger   zerolog.Logger

	workspaceRoot string
	environment   string

	leaseTTL          time.Duration
	retryThreshold    int
	blockedTimeout    time.Duration
	workerIdleTimeout time.Duration
	claimRetries      int
	storeRetry        RetryPolicy

	now func() time.Time
}

// NewEngine creates an engine over the given store and authority registry.
func NewEngine(store stores.Store, registry *authority.Registry, opts Options) (*Engine, error) {
	if store == nil {
		return nil, NewPermanentError("store is required", nil).WithCode(ErrCodeValidation)
	}
	if registry == nil {
		return nil, NewPermanentError("authority registry is required", nil).WithCode(ErrCodeValidation)
	}

	e := &Engine{
		store:             store,
		registry:          registry,
		policies:          opts.Policies,
		scanner:           opts.Scanner,
		alerter:           opts.Alerter,
		tel:               opts.Telemetry,
		logger:            opts.Logger,
		workspaceRoot:     opts.WorkspaceRoot,
		environment:       opts.Environment,
		leaseTTL:          opts.LeaseTTL,
		retryThreshold:    opts.RetryThreshold,
		blockedTimeout:    opts.BlockedTimeout,
		workerIdleTimeout: opts.WorkerIdleTimeout,
		claimRetries:      opts.ClaimRetries,
		storeRetry:        opts.StoreRetry.normalized(),
		now:               opts.Now,
	}

	if e.leaseTTL <= 0 {
		e.leaseTTL = DefaultLeaseTTL
	}
	if e.retryThreshold <= 0 {
		e.retryThreshold = DefaultRetryThreshold
	}
	if e.blockedTimeout <= 0 {
		e.blockedTimeout = DefaultBlockedTimeout
	}
	if e.workerIdleTimeout <= 0 {
		e.workerIdleTimeout = DefaultWorkerIdleTimeout
	}
	if e.claimRetries <= 0 {
		e.claimRetries = DefaultClaimRetries
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.alerter == nil {
		e.alerter = &telemetryAlerter{engine: e}
	}

	return e, nil
}

// Registry returns the injected authority registry.
func (e *Engine) Registry() *authority.Registry {
	return e.registry
}

// metrics returns the metrics sink, possibly nil. Metrics methods are
// nil-safe, so call sites never guard.
func (e *Engine) metrics() *telemetry.Metrics {
	if e.tel == nil {
		return nil
	}
	return e.tel.Metrics
}

// events returns the event publisher, or nil when telemetry is absent.
func (e *Engine) events() *telemetry.EventPublisher {
	if e.tel == nil {
		return nil
	}
	return e.tel.Events
}

// tracer returns the span factory, possibly nil. Tracer methods are
// nil-safe and hand out no-op spans, so call sites never guard.
func (e *Engine) tracer() *telemetry.Tracer {
	if e.tel == nil {
		return nil
	}
	return e.tel.Tracer
}

// CreateTask validates the request, verifies the dependency graph stays
// acyclic, inserts the task, and auto-spawns the paired TEST guardian task
// when the archetype and cited sources require one.
func (e *Engine) CreateTask(ctx context.Context, req *CreateTaskRequest) (*stores.Task, error) {
	if req == nil {
		return nil, NewPermanentError("request is nil", nil).WithCode(ErrCodeValidation)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := ulid.Make().String()
	resolutions := e.registry.ResolveAll(req.SourceIDs)

	// Dependencies must exist and must not cycle the graph. A fresh id has
	// no inbound edges, so the check mainly guards self-references and
	// future edge additions, but it keeps intake and edge insertion on one
	// rule.
	for _, dep := range req.Dependencies {
		if dep == "" {
			return nil, NewPermanentError("dependency id is empty", nil).
				WithCode(ErrCodeValidation).WithResource(id)
		}
		if dep == id {
			return nil, newCircularDependency(id, []string{id, id})
		}
		if _, err := e.loadTask(ctx, dep); err != nil {
			if CodeOf(err) == ErrCodeNotFound {
				return nil, NewPermanentError(
					fmt.Sprintf("dependency %s does not exist", dep), nil).
					WithCode(ErrCodeValidation).WithResource(id)
			}
			return nil, err
		}
	}
	cyclic, cycle, err := e.WouldCreateCycle(ctx, id, req.Dependencies)
	if err != nil {
		return nil, err
	}
	if cyclic {
		return nil, newCircularDependency(id, cycle)
	}

	task := &stores.Task{
		ID:           id,
		Lane:         req.Lane,
		Goal:         req.Goal,
		Description:  req.Description,
		Status:       StatusPending,
		Archetype:    req.Archetype,
		Priority:     req.Priority,
		Urgent:       req.Urgent,
		Effort:       req.Effort,
		SourceIDs:    req.SourceIDs,
		Dependencies: req.Dependencies,
	}

	if err := e.checkTaskPolicy(ctx, task, "create", ActorHuman); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.StatusUpdatedAt = now

	if err := e.withStoreRetry(ctx, "create task", func() error {
		return e.store.CreateTask(ctx, task)
	}); err != nil {
		if errors.Is(err, stores.ErrDuplicate) {
			return nil, NewConflictError("task already exists", err).
				WithCode(ErrCodeDuplicateTask).WithResource(id)
		}
		return nil, err
	}

	e.metrics().RecordTaskCreated(string(task.Archetype), false)
	if ev := e.events(); ev != nil {
		_ = ev.PublishTaskCreated(task.ID, task.Lane, string(task.Archetype))
	}
	e.logger.Info().
		Str("task_id", task.ID).
		Str("lane", task.Lane).
		Str("archetype", string(task.Archetype)).
		Msg("task created")

	e.spawnGuardian(ctx, task, resolutions)

	return task, nil
}

// spawnGuardian creates the paired TEST task that satisfies the Test Gate
// for guarded archetypes citing domain or professional sources. Returns
// the guardian, or nil when none is needed or one already exists.
func (e *Engine) spawnGuardian(ctx context.Context, parent *stores.Task, resolutions []authority.Resolution) *stores.Task {
	if !guardedArchetypes[parent.Archetype] {
		return nil
	}
	governed := false
	for _, r := range resolutions {
		if r.Tier == authority.TierDomain || r.Tier == authority.TierProfessional {
			governed = true
			break
		}
	}
	if !governed {
		return nil
	}

	goal := "verify: " + parent.Goal
	if _, err := e.store.FindTaskByGoal(ctx, parent.Lane, goal); err == nil {
		// Dedup guard: a guardian with this (lane, goal) already exists.
		return nil
	}

	now := e.now().UTC()
	guardian := &stores.Task{
		ID:           ulid.Make().String(),
		Lane:         parent.Lane,
		Goal:         goal,
		Description:  "Auto-spawned verification task for " + parent.ID,
		Status:       StatusPending,
		Archetype:    stores.ArchetypeTest,
		Priority:     parent.Priority,
		Urgent:       parent.Urgent,
		Effort:       parent.Effort,
		SourceIDs:    append([]string{}, parent.SourceIDs...),
		Dependencies: []string{parent.ID},
		SpawnedBy:    &parent.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
		StatusUpdatedAt: now,
	}

	err := e.withStoreRetry(ctx, "spawn guardian task", func() error {
		return e.store.CreateTask(ctx, guardian)
	})
	if errors.Is(err, stores.ErrDuplicate) {
		// Lost the spawn race to a concurrent create. The partial unique
		// index on (lane, goal) is the safety net; a duplicate is a no-op.
		return nil
	}
	if err != nil {
		// The parent task stands. A missing guardian surfaces later as a
		// Test Gate error, which names the fix.
		e.logger.Error().Err(err).
			Str("task_id", parent.ID).
			Msg("failed to spawn guardian task")
		return nil
	}

	e.metrics().RecordTaskCreated(string(stores.ArchetypeTest), true)
	if ev := e.events(); ev != nil {
		_ = ev.PublishTaskCreated(guardian.ID, guardian.Lane, string(guardian.Archetype))
	}
	e.logger.Info().
		Str("task_id", guardian.ID).
		Str("spawned_by", parent.ID).
		Msg("guardian task spawned")

	return guardian
}

// GetTask returns one task with its dependency ids.
func (e *Engine) GetTask(ctx context.Context, taskID string) (*stores.Task, error) {
	return e.loadTask(ctx, taskID)
}

// ListTasks returns tasks matching the filter.
func (e *Engine) ListTasks(ctx context.Context, filter stores.TaskFilter) ([]*stores.Task, error) {
	var tasks []*stores.Task
	err := e.withStoreRetry(ctx, "list tasks", func() error {
		var err error
		tasks, err = e.store.ListTasks(ctx, filter)
		return err
	})
	return tasks, err
}

// ListLedger returns audit entries matching the filter, in insertion order.
func (e *Engine) ListLedger(ctx context.Context, filter stores.LedgerFilter) ([]*stores.LedgerEntry, error) {
	var entries []*stores.LedgerEntry
	err := e.withStoreRetry(ctx, "list ledger", func() error {
		var err error
		entries, err = e.store.ListLedger(ctx, filter)
		return err
	})
	return entries, err
}

// loadTask fetches a task, mapping a missing row to NotFound.
func (e *Engine) loadTask(ctx context.Context, taskID string) (*stores.Task, error) {
	if taskID == "" {
		return nil, NewPermanentError("task id is required", nil).WithCode(ErrCodeValidation)
	}
	var task *stores.Task
	err := e.withStoreRetry(ctx, "get task", func() error {
		var err error
		task, err = e.store.GetTask(ctx, taskID)
		return err
	})
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, newNotFound("task", taskID)
		}
		return nil, err
	}
	return task, nil
}

// checkTaskPolicy evaluates governance policies for one task operation.
// Blocking violations refuse the operation; warnings are logged.
func (e *Engine) checkTaskPolicy(ctx context.Context, task *stores.Task, operation string, actor Actor) error {
	return e.checkPolicyView(ctx, taskView(task), operation, actor)
}

// checkPolicyView is checkTaskPolicy over an already-built projection, for
// callers that enrich the view first (open dependency counts and the like).
func (e *Engine) checkPolicyView(ctx context.Context, view *policy.TaskView, operation string, actor Actor) error {
	if e.policies == nil {
		return nil
	}

	result, err := e.policies.EvaluateTask(ctx, view, &policy.PolicyContext{
		Actor:       string(actor),
		Environment: e.environment,
		Timestamp:   e.now().UTC(),
		Operation:   operation,
	})
	if err != nil {
		// Policy engine trouble must not take intake down with it.
		e.logger.Warn().Err(err).Str("operation", operation).Msg("policy evaluation failed")
		return nil
	}

	for _, v := range result.Violations {
		if v.Blocking() {
			if ev := e.events(); ev != nil {
				_ = ev.PublishPolicyViolation(view.ID, v.Policy, v.Message)
			}
			return NewPermanentError(v.Message, nil).
				WithCode(ErrCodeValidation).
				WithResource(view.ID).
				WithOperation(operation).
				WithDetail("policy", v.Policy)
		}
		e.logger.Warn().
			Str("task_id", view.ID).
			Str("policy", v.Policy).
			Str("operation", operation).
			Msg(v.Message)
	}
	return nil
}

// taskView projects a task for Rego input.
func taskView(task *stores.Task) *policy.TaskView {
	view := &policy.TaskView{
		ID:              task.ID,
		Lane:            task.Lane,
		Goal:            task.Goal,
		Archetype:       string(task.Archetype),
		Priority:        string(task.Priority),
		Urgent:          task.Urgent,
		Effort:          string(task.Effort),
		Status:          string(task.Status),
		SourceIDs:       task.SourceIDs,
		AttemptCount:    task.AttemptCount,
		DependencyCount: len(task.Dependencies),
	}
	if task.OverrideJustification != nil {
		view.Justification = *task.OverrideJustification
	}
	if task.SpawnedBy != nil {
		view.SpawnedBy = *task.SpawnedBy
	}
	return view
}

// workerView projects a worker row for Rego input.
func workerView(w *stores.Worker) *policy.WorkerView {
	return &policy.WorkerView{
		ID:            w.WorkerID,
		Tier:          string(w.Tier),
		Lanes:         w.Lanes,
		ActiveTasks:   w.ActiveTasks,
		CapacityLimit: w.CapacityLimit,
	}
}
