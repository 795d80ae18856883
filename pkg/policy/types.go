package policy

import "time"

// Severity ranks how strongly a violation speaks. Error and critical
// block the governed operation; info and warning are advisory.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Policy is one named Rego rule set with its lifecycle metadata. The
// JSON tags double as the bundle file format, so a field rename is a
// format change.
type Policy struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Rego        string                 `json:"rego"`
	Severity    Severity               `json:"severity"`
	Enabled     bool                   `json:"enabled"`
	Tags        []string               `json:"tags,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// PolicyBundle is a versioned collection of policies loaded from a
// single bundle file.
type PolicyBundle struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Policies    []Policy  `json:"policies"`
	CreatedAt   time.Time `json:"created_at"`
}

// TaskView is the task projection handed to Rego as input.task. Field names
// follow the JSON tags, so rules reference input.task.source_ids and so on.
type TaskView struct {
	ID        string `json:"id"`
	Lane      string `json:"lane"`
	Goal      string `json:"goal"`
	Archetype string `json:"archetype"`
	Priority  string `json:"priority"`
	Urgent    bool   `json:"urgent"`
	Effort    string `json:"effort"`
	Status    string `json:"status"`

	// SourceIDs is the ordered set of cited authority ids. The omitempty tag
	// lets Rego rules test citation presence with "not task.source_ids".
	SourceIDs []string `json:"source_ids,omitempty"`

	// Justification is the override justification text, if any.
	Justification string `json:"justification,omitempty"`

	// SpawnedBy is the parent task id for auto-spawned verification tasks.
	SpawnedBy string `json:"spawned_by,omitempty"`

	AttemptCount int `json:"attempt_count"`

	// DependencyCount counts declared dependencies; OpenDependencies counts
	// the subset not yet completed.
	DependencyCount  int `json:"dependency_count"`
	OpenDependencies int `json:"open_dependencies"`
}

// WorkerView is the worker projection handed to Rego as input.worker during
// claim evaluation.
type WorkerView struct {
	ID            string   `json:"id"`
	Tier          string   `json:"tier"`
	Lanes         []string `json:"lanes,omitempty"`
	ActiveTasks   int      `json:"active_tasks"`
	CapacityLimit int      `json:"capacity_limit"`
}

// PolicyInput is the full document rules evaluate against. Worker is set
// only for claim evaluation; Context is always present.
type PolicyInput struct {
	Task    *TaskView      `json:"task,omitempty"`
	Worker  *WorkerView    `json:"worker,omitempty"`
	Context *PolicyContext `json:"context"`
}

// PolicyContext carries the circumstances of an evaluation: who is acting,
// which operation they attempt (create, claim, cancel, force_unblock), and
// the environment the daemon runs in. DryRun marks evaluations that report
// without enforcing.
type PolicyContext struct {
	Actor       string                 `json:"actor,omitempty"`
	Environment string                 `json:"environment,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Operation   string                 `json:"operation,omitempty"`
	DryRun      bool                   `json:"dry_run"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// PolicyViolation is one rule firing against one task or claim.
type PolicyViolation struct {
	Policy      string                 `json:"policy"`
	TaskID      string                 `json:"task_id,omitempty"`
	Message     string                 `json:"message"`
	Severity    Severity               `json:"severity"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Remediation string                 `json:"remediation,omitempty"`
	DetectedAt  time.Time              `json:"detected_at"`
}

// Blocking reports whether the violation severity blocks the operation.
func (v PolicyViolation) Blocking() bool {
	return v.Severity == SeverityError || v.Severity == SeverityCritical
}

// PolicyResult is the outcome of evaluating every enabled policy against
// one input. Allowed is false when any blocking violation fired. Warnings
// hold evaluation problems that did not block, such as a policy that
// failed to compile or evaluate.
type PolicyResult struct {
	Allowed           bool              `json:"allowed"`
	Violations        []PolicyViolation `json:"violations,omitempty"`
	Warnings          []string          `json:"warnings,omitempty"`
	EvaluatedAt       time.Time         `json:"evaluated_at"`
	EvaluatedPolicies []string          `json:"evaluated_policies"`
	Duration          time.Duration     `json:"duration"`
	Context           *PolicyContext    `json:"context,omitempty"`
}

// PolicySummary aggregates evaluation results for reporting.
type PolicySummary struct {
	TotalEvaluations     int              `json:"total_evaluations"`
	TotalViolations      int              `json:"total_violations"`
	ViolationsBySeverity map[Severity]int `json:"violations_by_severity"`
	AllowedOperations    int              `json:"allowed_operations"`
	BlockedOperations    int              `json:"blocked_operations"`
	EvaluationDuration   time.Duration    `json:"evaluation_duration"`
}

// Summarize folds evaluation results into a summary. Nil results are
// skipped so callers can pass collected slices without filtering.
func Summarize(results ...*PolicyResult) *PolicySummary {
	summary := &PolicySummary{
		ViolationsBySeverity: make(map[Severity]int),
	}

	for _, r := range results {
		if r == nil {
			continue
		}
		summary.TotalEvaluations++
		summary.TotalViolations += len(r.Violations)
		summary.EvaluationDuration += r.Duration

		for i := range r.Violations {
			summary.ViolationsBySeverity[r.Violations[i].Severity]++
		}

		if r.Allowed {
			summary.AllowedOperations++
		} else {
			summary.BlockedOperations++
		}
	}

	return summary
}
