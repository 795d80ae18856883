package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass sorts engine failures by how the caller should react. Retry
// helpers and facade status mappings key off the class and the code,
// never off message text.
type ErrorClass string

const (
	// ErrorClassTransient marks hiccups that a prompt retry may clear,
	// such as store lock contention or a busy timeout.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled marks capacity exhaustion, such as a lane with
	// no worker below its concurrent-task limit. Backing off helps;
	// immediate retries do not, so the retry helpers leave these alone.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict marks a lost race on shared state, typically a
	// conditional update that matched zero rows.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent marks refusals no retry can change: forbidden
	// transitions, authority violations, unknown tasks.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError is the engine's refusal currency. Every governed operation
// that says no says it with one of these, so facades translate the code
// and class into their own vocabularies without parsing messages.
// nolint:revive // the stutter is deliberate, callers read engine.EngineError
type EngineError struct {
	Class     ErrorClass
	Code      string
	Message   string
	Resource  string
	Operation string
	Details   map[string]interface{}
	Err       error
}

// Error renders class, message, context, and cause, skipping whatever is
// absent.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)

	var parts []string
	if e.Resource != "" {
		parts = append(parts, "resource="+e.Resource)
	}
	if e.Operation != "" {
		parts = append(parts, "operation="+e.Operation)
	}
	if len(parts) > 0 {
		b.WriteString(" (" + strings.Join(parts, ", ") + ")")
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func classified(class ErrorClass, message string, cause error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: cause}
}

// NewTransientError classifies a failure that a retry may clear.
func NewTransientError(message string, cause error) *EngineError {
	return classified(ErrorClassTransient, message, cause)
}

// NewThrottledError classifies capacity exhaustion.
func NewThrottledError(message string, cause error) *EngineError {
	return classified(ErrorClassThrottled, message, cause)
}

// NewConflictError classifies a lost race on shared state.
func NewConflictError(message string, cause error) *EngineError {
	return classified(ErrorClassConflict, message, cause)
}

// NewPermanentError classifies a refusal no retry can change.
func NewPermanentError(message string, cause error) *EngineError {
	return classified(ErrorClassPermanent, message, cause)
}

// WithCode sets the machine-readable refusal code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithResource names the task or worker the error concerns.
func (e *EngineError) WithResource(id string) *EngineError {
	e.Resource = id
	return e
}

// WithOperation names the operation that was refused or failed.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithDetail attaches one structured context field.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

// classOf extracts the classification from an error chain. Errors that
// carry no EngineError come back unclassified.
func classOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsTransient reports whether err is classified transient.
func IsTransient(err error) bool {
	return classOf(err) == ErrorClassTransient
}

// IsThrottled reports whether err is classified as capacity exhaustion.
func IsThrottled(err error) bool {
	return classOf(err) == ErrorClassThrottled
}

// IsConflict reports whether err is classified as a lost race.
func IsConflict(err error) bool {
	return classOf(err) == ErrorClassConflict
}

// IsPermanent reports whether err is classified permanent.
func IsPermanent(err error) bool {
	return classOf(err) == ErrorClassPermanent
}

// IsRetryable reports whether a retry is worth attempting. Transient
// failures and lost races qualify; throttled, permanent, and
// unclassified errors do not.
func IsRetryable(err error) bool {
	switch classOf(err) {
	case ErrorClassTransient, ErrorClassConflict:
		return true
	default:
		return false
	}
}

// CodeOf extracts the refusal code from an error chain, or "" when the
// chain carries no EngineError.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Refusal codes. Facades map these to their own status vocabularies.
const (
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeGavelViolation     = "GAVEL_VIOLATION"
	ErrCodeOwnership          = "OWNERSHIP_ERROR"
	ErrCodeCircularDependency = "CIRCULAR_DEPENDENCY"
	ErrCodeAuthorityViolation = "AUTHORITY_VIOLATION"
	ErrCodeDriftDetected      = "DRIFT_DETECTED"
	ErrCodeNotInReview        = "NOT_IN_REVIEW"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeCapacityExceeded   = "CAPACITY_EXCEEDED"
	ErrCodeDuplicateTask      = "DUPLICATE_TASK"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// newInvalidTransition builds the refusal for a status change the lifecycle
// table does not permit.
func newInvalidTransition(taskID string, from, to Status) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("transition %s -> %s is not permitted", from, to), nil).
		WithCode(ErrCodeInvalidTransition).
		WithResource(taskID).
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
}

// newGavelViolation builds the refusal for any attempt to reach COMPLETED
// outside the review path.
func newGavelViolation(taskID string) *EngineError {
	return NewPermanentError(
		"only a review decision may complete a task", nil).
		WithCode(ErrCodeGavelViolation).
		WithResource(taskID)
}

func newOwnershipError(taskID, owner, caller string) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("task is leased by %q, not %q", owner, caller), nil).
		WithCode(ErrCodeOwnership).
		WithResource(taskID).
		WithDetail("owner", owner).
		WithDetail("caller", caller)
}

func newCircularDependency(taskID string, cycle []string) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("dependency edge would create cycle: %s", formatCycle(cycle)), nil).
		WithCode(ErrCodeCircularDependency).
		WithResource(taskID).
		WithDetail("cycle", cycle)
}

func newNotInReview(taskID string, status Status) *EngineError {
	return NewPermanentError(
		fmt.Sprintf("task is %s, not REVIEWING", status), nil).
		WithCode(ErrCodeNotInReview).
		WithResource(taskID).
		WithDetail("status", string(status))
}

// newDriftDetected builds the refusal for an approval whose re-validation
// found the workspace no longer backs the packet's claims.
func newDriftDetected(taskID string, issues []ValidationIssue) *EngineError {
	msgs := make([]string, 0, len(issues))
	for _, issue := range issues {
		msgs = append(msgs, issue.Message)
	}
	return NewPermanentError(
		fmt.Sprintf("approval blocked, validation no longer passes: %s", strings.Join(msgs, "; ")), nil).
		WithCode(ErrCodeDriftDetected).
		WithResource(taskID)
}

// newAuthorityViolation builds the refusal for an approval of a packet
// that never looked clean: validation fails now as it failed at packet
// time, so nothing drifted.
func newAuthorityViolation(taskID string, issues []ValidationIssue) *EngineError {
	msgs := make([]string, 0, len(issues))
	for _, issue := range issues {
		msgs = append(msgs, issue.Message)
	}
	return NewPermanentError(
		fmt.Sprintf("approval blocked, validation fails: %s", strings.Join(msgs, "; ")), nil).
		WithCode(ErrCodeAuthorityViolation).
		WithResource(taskID)
}

func newNotFound(kind, id string) *EngineError {
	return NewPermanentError(fmt.Sprintf("%s not found", kind), nil).
		WithCode(ErrCodeNotFound).
		WithResource(id)
}

func newCapacityExceeded(lane string) *EngineError {
	return NewThrottledError(
		fmt.Sprintf("no worker in lane %q has free capacity", lane), nil).
		WithCode(ErrCodeCapacityExceeded).
		WithDetail("lane", lane)
}
