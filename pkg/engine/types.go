package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/taskwarden/taskwarden/pkg/authority"
	"github.com/taskwarden/taskwarden/pkg/evidence"
	"github.com/taskwarden/taskwarden/pkg/stores"
)

// Status is the task lifecycle state. The store owns the enum; the engine
// owns which transitions between states are legal.
type Status = stores.TaskStatus

// Re-exported lifecycle states so engine callers need only this package.
const (
	StatusPending    = stores.TaskStatusPending
	StatusInProgress = stores.TaskStatusInProgress
	StatusReviewing  = stores.TaskStatusReviewing
	StatusBlocked    = stores.TaskStatusBlocked
	StatusCompleted  = stores.TaskStatusCompleted
	StatusFailed     = stores.TaskStatusFailed
	StatusCancelled  = stores.TaskStatusCancelled
)

// Archetype is the task's functional category.
type Archetype = stores.Archetype

const (
	ArchetypeLogic    = stores.ArchetypeLogic
	ArchetypeAPI      = stores.ArchetypeAPI
	ArchetypeSec      = stores.ArchetypeSec
	ArchetypeDB       = stores.ArchetypeDB
	ArchetypeTest     = stores.ArchetypeTest
	ArchetypePlumbing = stores.ArchetypePlumbing
)

// Priority is the task's scheduling priority.
type Priority = stores.Priority

const (
	PriorityCritical = stores.PriorityCritical
	PriorityHigh     = stores.PriorityHigh
	PriorityNormal   = stores.PriorityNormal
	PriorityLow      = stores.PriorityLow
)

// Effort is the task's expected size.
type Effort = stores.Effort

const (
	EffortSmall  = stores.EffortSmall
	EffortMedium = stores.EffortMedium
	EffortLarge  = stores.EffortLarge
)

// Actor identifies who performed an operation.
type Actor = stores.Actor

const (
	ActorHuman = stores.ActorHuman
	ActorAuto  = stores.ActorAuto
	ActorBatch = stores.ActorBatch
)

// Engine tunables. Options fields left zero fall back to these.
const (
	// DefaultLeaseTTL is how long a claim holds a task without renewal.
	DefaultLeaseTTL = 300 * time.Second

	// DefaultRetryThreshold is the attempt count at which the circuit
	// breaker escalates a task to FAILED.
	DefaultRetryThreshold = 3

	// DefaultBlockedTimeout is how long a task may sit BLOCKED before the
	// sweep requeues it.
	DefaultBlockedTimeout = 24 * time.Hour

	// DefaultWorkerIdleTimeout is how long a worker may go without a
	// heartbeat before it is aged offline and excluded from routing.
	DefaultWorkerIdleTimeout = 5 * time.Minute

	// DefaultClaimRetries bounds how many selection rounds a single
	// ClaimTask call makes when it keeps losing claim races.
	DefaultClaimRetries = 5
)

// archetypeRank orders archetypes for scheduling. Higher claims first.
var archetypeRank = map[Archetype]int{
	stores.ArchetypeSec:      60,
	stores.ArchetypeDB:       50,
	stores.ArchetypeAPI:      40,
	stores.ArchetypeLogic:    30,
	stores.ArchetypeTest:     20,
	stores.ArchetypePlumbing: 10,
}

// ArchetypePriority returns the scheduling rank of an archetype. Unknown
// archetypes rank below PLUMBING.
func ArchetypePriority(a Archetype) int {
	return archetypeRank[a]
}

// LaneFamily returns the lane up to the first ':'. Test pairing and worker
// routing match on the family, so "billing:api" pairs with "billing" work.
func LaneFamily(lane string) string {
	if i := strings.IndexByte(lane, ':'); i >= 0 {
		return lane[:i]
	}
	return lane
}

// guardedArchetypes are the archetypes the Test Gate applies to.
var guardedArchetypes = map[Archetype]bool{
	stores.ArchetypeLogic: true,
	stores.ArchetypeAPI:   true,
	stores.ArchetypeSec:   true,
	stores.ArchetypeDB:    true,
}

// CreateTaskRequest describes a task to be created.
type CreateTaskRequest struct {
	Lane        string    `json:"lane"`
	Goal        string    `json:"goal"`
	Description string    `json:"description,omitempty"`
	Archetype   Archetype `json:"archetype"`
	Priority    Priority  `json:"priority,omitempty"`
	Urgent      bool      `json:"urgent,omitempty"`
	Effort      Effort    `json:"effort,omitempty"`

	// SourceIDs is the ordered set of cited authority ids.
	SourceIDs []string `json:"source_ids,omitempty"`

	// Dependencies lists task ids that must complete first.
	Dependencies []string `json:"dependencies,omitempty"`
}

// Validate checks the request and fills enum defaults (priority normal,
// effort medium).
func (r *CreateTaskRequest) Validate() error {
	if r.Lane == "" {
		return NewPermanentError("lane is required", nil).WithCode(ErrCodeValidation)
	}
	if r.Goal == "" {
		return NewPermanentError("goal is required", nil).WithCode(ErrCodeValidation)
	}

	switch r.Archetype {
	case stores.ArchetypeLogic, stores.ArchetypeAPI, stores.ArchetypeSec,
		stores.ArchetypeDB, stores.ArchetypeTest, stores.ArchetypePlumbing:
	default:
		return NewPermanentError(
			fmt.Sprintf("invalid archetype %q", r.Archetype), nil).
			WithCode(ErrCodeValidation)
	}

	if r.Priority == "" {
		r.Priority = stores.PriorityNormal
	}
	switch r.Priority {
	case stores.PriorityCritical, stores.PriorityHigh, stores.PriorityNormal, stores.PriorityLow:
	default:
		return NewPermanentError(
			fmt.Sprintf("invalid priority %q", r.Priority), nil).
			WithCode(ErrCodeValidation)
	}

	if r.Effort == "" {
		r.Effort = stores.EffortMedium
	}
	switch r.Effort {
	case stores.EffortSmall, stores.EffortMedium, stores.EffortLarge:
	default:
		return NewPermanentError(
			fmt.Sprintf("invalid effort %q", r.Effort), nil).
			WithCode(ErrCodeValidation)
	}

	for i, id := range r.SourceIDs {
		if id == "" {
			return NewPermanentError(
				fmt.Sprintf("source id %d is empty", i), nil).
				WithCode(ErrCodeValidation)
		}
	}

	return nil
}

// GavelDecision is a review verdict.
type GavelDecision string

const (
	// DecisionApprove completes the task after re-validation.
	DecisionApprove GavelDecision = "APPROVE"

	// DecisionReject returns the task to its worker with feedback.
	DecisionReject GavelDecision = "REJECT"
)

// Valid reports whether the decision is a known verdict.
func (d GavelDecision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// Gatekeeper rule names, used in issue records and failure metrics.
const (
	RuleMandatoryEvidence = "mandatory_evidence"
	RuleStrongEvidence    = "strong_evidence"
	RuleTestGate          = "test_gate"
	RulePolicy            = "policy"
	RuleScanner           = "scanner"
)

// ValidationIssue is one finding from the Gatekeeper.
type ValidationIssue struct {
	// Rule names the check that produced the issue.
	Rule string `json:"rule"`

	// SourceID is the cited id the issue concerns, when source-specific.
	SourceID string `json:"source_id,omitempty"`

	// Message explains the finding.
	Message string `json:"message"`

	// Remediation suggests a fix, when one exists.
	Remediation string `json:"remediation,omitempty"`
}

// GatekeeperReport is the outcome of validating a task for completion.
type GatekeeperReport struct {
	TaskID string `json:"task_id"`

	// OK is true when no hard errors were found.
	OK bool `json:"ok"`

	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`

	// Resolutions records how each cited source id resolved, in cited
	// order. The approval ledger entry snapshots this.
	Resolutions []authority.Resolution `json:"-"`

	// Evidence maps each cited source id to the locations found for it.
	// Ids with no evidence are absent.
	Evidence map[string][]evidence.Location `json:"evidence,omitempty"`

	// PairedTestID is the guardian TEST task satisfying the Test Gate,
	// when one was required and found.
	PairedTestID string `json:"paired_test_id,omitempty"`

	CheckedAt time.Time `json:"checked_at"`
}

// Err converts a failing report into an authority violation, or nil when
// the report is OK. Facades use it to map validation results onto the
// error surface.
func (r *GatekeeperReport) Err() error {
	if r.OK {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, issue := range r.Errors {
		msgs = append(msgs, issue.Message)
	}
	return NewPermanentError(strings.Join(msgs, "; "), nil).
		WithCode(ErrCodeAuthorityViolation).
		WithResource(r.TaskID).
		WithDetail("errors", len(r.Errors))
}

// packetClaims is the snapshot the review packet hash covers. Field order
// is fixed so the canonical JSON, and therefore the hash, is stable.
type packetClaims struct {
	Description           string   `json:"description"`
	SourceIDs             []string `json:"source_ids"`
	Archetype             string   `json:"archetype"`
	Dependencies          []string `json:"dependencies"`
	OverrideJustification string   `json:"override_justification"`
}

// packetResult is the gatekeeper outcome embedded in a review packet.
type packetResult struct {
	OK       bool              `json:"ok"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// packetEvidence is the evidence snapshot embedded in a review packet.
type packetEvidence struct {
	Locations    map[string][]evidence.Location `json:"locations,omitempty"`
	PairedTestID string                         `json:"paired_test_id,omitempty"`
}

// ReviewQueueItem pairs an in-flight review with its staleness advisory.
type ReviewQueueItem struct {
	Task   *stores.Task         `json:"task"`
	Packet *stores.ReviewPacket `json:"packet"`

	// Stale is true when the task's claims changed since the packet was
	// generated. Advisory only; approval re-validates live state anyway.
	Stale bool `json:"stale"`
}

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	// Examined is how many rows the sweep considered.
	Examined int `json:"examined"`

	// Requeued is how many tasks went back to PENDING.
	Requeued int `json:"requeued"`

	// Escalated is how many tasks hit the retry threshold and failed.
	Escalated int `json:"escalated"`

	// Skipped is how many tasks changed state between selection and
	// update, voiding the conditional write.
	Skipped int `json:"skipped"`

	// PacketsDiscarded is how many orphaned review packets were deleted.
	PacketsDiscarded int `json:"packets_discarded,omitempty"`
}

// HeartbeatRequest reports a worker's health and routing shape.
type HeartbeatRequest struct {
	WorkerID      string            `json:"worker_id"`
	Lanes         []string          `json:"lanes"`
	Tier          stores.WorkerTier `json:"tier"`
	CapacityLimit int               `json:"capacity_limit"`
}

// Validate checks the heartbeat and fills defaults (tier standard,
// capacity 1).
func (r *HeartbeatRequest) Validate() error {
	if r.WorkerID == "" {
		return NewPermanentError("worker id is required", nil).WithCode(ErrCodeValidation)
	}
	if len(r.Lanes) == 0 {
		return NewPermanentError("at least one lane is required", nil).WithCode(ErrCodeValidation)
	}
	if r.Tier == "" {
		r.Tier = stores.TierStandard
	}
	switch r.Tier {
	case stores.TierSenior, stores.TierStandard:
	default:
		return NewPermanentError(
			fmt.Sprintf("invalid tier %q", r.Tier), nil).
			WithCode(ErrCodeValidation)
	}
	if r.CapacityLimit <= 0 {
		r.CapacityLimit = 1
	}
	return nil
}
