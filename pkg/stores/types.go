package stores

import (
	"context"
	"errors"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusReviewing  TaskStatus = "REVIEWING"
	TaskStatusBlocked    TaskStatus = "BLOCKED"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusFailed     TaskStatus = "FAILED"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
)

// Terminal reports whether no further transitions leave this status.
// FAILED is dead-letter: parked, but revivable by an explicit admin requeue.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

// Archetype represents a task's functional category, used for scheduling
// priority and test-pairing rules.
type Archetype string

const (
	ArchetypeLogic    Archetype = "LOGIC"
	ArchetypeAPI      Archetype = "API"
	ArchetypeSec      Archetype = "SEC"
	ArchetypeDB       Archetype = "DB"
	ArchetypeTest     Archetype = "TEST"
	ArchetypePlumbing Archetype = "PLUMBING"
)

// Priority represents task scheduling priority.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Effort represents the expected size of a task, used by auto-routing.
type Effort string

const (
	EffortSmall  Effort = "small"
	EffortMedium Effort = "medium"
	EffortLarge  Effort = "large"
)

// Actor identifies who performed a transition or decision.
type Actor string

const (
	ActorHuman Actor = "HUMAN"
	ActorAuto  Actor = "AUTO"
	ActorBatch Actor = "BATCH"
)

// WorkerTier represents a worker's experience tier for routing.
type WorkerTier string

const (
	TierSenior   WorkerTier = "senior"
	TierStandard WorkerTier = "standard"
)

// WorkerStatus represents worker availability.
type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// Task is the durable unit of governed work.
type Task struct {
	ID          string     `json:"id"`
	Lane        string     `json:"lane"`
	Goal        string     `json:"goal"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Archetype   Archetype  `json:"archetype"`
	Priority    Priority   `json:"priority"`
	Urgent      bool       `json:"urgent"`
	Effort      Effort     `json:"effort"`

	// SourceIDs is the ordered set of cited authority ids.
	SourceIDs []string `json:"source_ids"`

	// Dependencies holds the ids this task depends on. Populated by GetTask;
	// list queries leave it nil.
	Dependencies []string `json:"dependencies,omitempty"`

	OverrideJustification *string `json:"override_justification,omitempty"`

	// Lease fields. Non-null iff the task is IN_PROGRESS or REVIEWING.
	WorkerID       *string    `json:"worker_id,omitempty"`
	LeaseID        *string    `json:"lease_id,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	AttemptCount int     `json:"attempt_count"`
	Feedback     *string `json:"feedback,omitempty"`

	// SpawnedBy is the parent task id for auto-spawned guardian tasks.
	SpawnedBy *string `json:"spawned_by,omitempty"`

	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	StatusUpdatedAt time.Time `json:"status_updated_at"`
}

// DependencyEdge is one edge of the task dependency graph.
type DependencyEdge struct {
	TaskID    string `json:"task_id"`
	DependsOn string `json:"depends_on"`
}

// DependencyState pairs a dependency id with its current status.
type DependencyState struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
}

// Worker represents a worker agent's health row, maintained by heartbeats.
type Worker struct {
	WorkerID      string       `json:"worker_id"`
	Lanes         []string     `json:"lanes"`
	Tier          WorkerTier   `json:"tier"`
	CapacityLimit int          `json:"capacity_limit"`
	ActiveTasks   int          `json:"active_tasks"`
	LastSeen      time.Time    `json:"last_seen"`
	Status        WorkerStatus `json:"status"`
}

// LedgerEntry is one append-only audit record. Event carries either a
// transition ("PENDING->IN_PROGRESS"), a decision ("APPROVE"), or a refusal
// code. Rows are never updated or deleted.
type LedgerEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"task_id"`
	Event     string    `json:"event"`
	Actor     Actor     `json:"actor"`
	Notes     *string   `json:"notes,omitempty"`

	// ResolvedAuthority is a JSON snapshot of the authority resolution in
	// force at decision time.
	ResolvedAuthority *string `json:"resolved_authority,omitempty"`
}

// ReviewPacket is the disposable evidence snapshot for one in-flight review.
// Claims, Evidence, and Result are JSON blobs owned by the engine.
type ReviewPacket struct {
	TaskID       string    `json:"task_id"`
	GeneratedAt  time.Time `json:"generated_at"`
	SnapshotHash string    `json:"snapshot_hash"`
	Claims       string    `json:"claims"`
	Evidence     string    `json:"evidence"`
	Result       string    `json:"result"`
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	Lane     *string
	Status   *TaskStatus
	WorkerID *string
	Limit    int
	Offset   int
}

// LedgerFilter narrows ledger scans.
type LedgerFilter struct {
	TaskID *string
	Event  *string
	Actor  *string
	Since  *time.Time
	Limit  int
	Offset int
}

// LeaseGrant carries the lease fields set by a claiming transition.
type LeaseGrant struct {
	WorkerID  string
	LeaseID   string
	ExpiresAt time.Time
}

// TaskTransition describes one conditional status change plus its ledger
// record. The update and the append happen in a single transaction; ok=false
// from TransitionTask means the WHERE guards matched no row (lost race or
// stale view) and nothing was written.
type TaskTransition struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus

	// Guards beyond the from-status. ExpectWorker enforces ownership;
	// ExpectLeaseExpiry makes sweeps idempotent (a renew or claim between
	// select and update changes the column and voids the match).
	ExpectWorker      *string
	ExpectLeaseExpiry *time.Time

	// Mutations.
	Lease            *LeaseGrant
	ClearLease       bool
	IncrementAttempt bool
	ResetAttempt     bool
	Feedback         *string

	// Ledger record.
	Event             string
	Actor             Actor
	Notes             *string
	ResolvedAuthority *string

	// Timestamp applied to updated_at/status_updated_at and the ledger row.
	At time.Time
}

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert hits a uniqueness constraint.
var ErrDuplicate = errors.New("duplicate")

// Store defines the interface for the persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Task operations
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	TransitionTask(ctx context.Context, tr *TaskTransition) (bool, error)
	RenewLease(ctx context.Context, taskID, workerID string, expiresAt, now time.Time) (bool, error)
	UpdateJustification(ctx context.Context, taskID, text string, now time.Time) error
	SelectClaimCandidates(ctx context.Context, lane string, limit int) ([]*Task, error)
	ListExpiredLeases(ctx context.Context, cutoff time.Time) ([]*Task, error)
	ListBlockedSince(ctx context.Context, cutoff time.Time) ([]*Task, error)
	FindPairedTest(ctx context.Context, laneFamily string, sourceIDs []string) (*Task, error)
	FindTaskByGoal(ctx context.Context, lane, goal string) (*Task, error)

	// Dependency operations
	AddDependencies(ctx context.Context, taskID string, dependsOn []string) error
	ListDependencies(ctx context.Context, taskID string) ([]string, error)
	DependencyStates(ctx context.Context, taskID string) ([]DependencyState, error)
	ListEdges(ctx context.Context) ([]DependencyEdge, error)

	// Ledger operations
	AppendLedger(ctx context.Context, entry *LedgerEntry) error
	ListLedger(ctx context.Context, filter LedgerFilter) ([]*LedgerEntry, error)

	// Review packet operations
	SavePacket(ctx context.Context, packet *ReviewPacket) error
	GetPacket(ctx context.Context, taskID string) (*ReviewPacket, error)
	DeletePacket(ctx context.Context, taskID string) error
	ListPackets(ctx context.Context) ([]*ReviewPacket, error)
	ListOrphanPackets(ctx context.Context) ([]*ReviewPacket, error)

	// Worker operations
	UpsertWorker(ctx context.Context, worker *Worker) error
	GetWorker(ctx context.Context, workerID string) (*Worker, error)
	ListWorkers(ctx context.Context) ([]*Worker, error)
	AdjustWorkerLoad(ctx context.Context, workerID string, delta int, now time.Time) error
	MarkWorkersOffline(ctx context.Context, cutoff time.Time) (int64, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
