// Package protocol defines the framed JSON protocol spoken between worker
// agents and the warden daemon's agent socket.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/taskwarden/taskwarden/pkg/engine"
	"github.com/taskwarden/taskwarden/pkg/stores"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeHello is sent by the daemon when a connection opens
	MessageTypeHello MessageType = "HELLO"
	// MessageTypeRequest is an operation request from an agent
	MessageTypeRequest MessageType = "REQ"
	// MessageTypeResponse is a successful operation result
	MessageTypeResponse MessageType = "RES"
	// MessageTypeEvent is a pushed ledger event for subscribed agents
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeError is an operation refusal
	MessageTypeError MessageType = "ERROR"
	// MessageTypeBye is sent before either side closes the connection
	MessageTypeBye MessageType = "BYE"
)

// Op names one operation an agent can request.
type Op string

const (
	// OpTaskClaim claims the next runnable task in a lane
	OpTaskClaim Op = "task.claim"
	// OpLeaseRenew extends the lease on a claimed task
	OpLeaseRenew Op = "lease.renew"
	// OpTaskSubmit submits a claimed task for review
	OpTaskSubmit Op = "task.submit"
	// OpTaskBlock declares a claimed task blocked on an external obstacle
	OpTaskBlock Op = "task.block"
	// OpTaskJustify records an override justification on a task
	OpTaskJustify Op = "task.justify"
	// OpTaskGet fetches one task, including feedback from a rejection
	OpTaskGet Op = "task.get"
	// OpGateCheck dry-runs completion validation without changing state
	OpGateCheck Op = "gate.check"
	// OpReviewDecide records an approve or reject verdict
	OpReviewDecide Op = "review.decide"
	// OpWorkerHeartbeat reports agent health and routing shape
	OpWorkerHeartbeat Op = "worker.heartbeat"
	// OpEventsSubscribe opts the connection into pushed ledger events
	OpEventsSubscribe Op = "events.subscribe"
)

// Message is the base message structure for all protocol frames.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// HelloMessage is sent by the daemon when an agent connects.
type HelloMessage struct {
	Version  string            `json:"version"`
	Engine   string            `json:"engine"`
	PID      int               `json:"pid"`
	Ops      []string          `json:"ops"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RequestMessage asks the daemon to perform one operation.
type RequestMessage struct {
	ID       string            `json:"id"`
	Op       Op                `json:"op"`
	Params   json.RawMessage   `json:"params,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ResponseMessage carries a successful operation result.
type ResponseMessage struct {
	RequestID string          `json:"request_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Duration  float64         `json:"duration"` // seconds
}

// ErrorMessage carries an operation refusal. Code and Class come from the
// engine's error surface, so agents can switch on them.
type ErrorMessage struct {
	RequestID string                 `json:"request_id,omitempty"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Class     string                 `json:"class,omitempty"`
	Retryable bool                   `json:"retryable"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface so clients can return the refusal
// directly.
func (e *ErrorMessage) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// EventMessage is one pushed ledger event.
type EventMessage struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	TaskID    string                 `json:"task_id,omitempty"`
	WorkerID  string                 `json:"worker_id,omitempty"`
	Lane      string                 `json:"lane,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// ByeMessage is sent before a side terminates the connection.
type ByeMessage struct {
	Reason string `json:"reason"`
}

// Operation parameter and result structures

// ClaimParams requests the next runnable task in a lane.
type ClaimParams struct {
	WorkerID   string `json:"worker_id"`
	Lane       string `json:"lane"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"` // 0 = daemon default
}

// ClaimResult carries the claimed task, or Claimed=false when the lane has
// no eligible work.
type ClaimResult struct {
	Claimed bool         `json:"claimed"`
	Task    *stores.Task `json:"task,omitempty"`
}

// RenewParams extends a lease the worker holds.
type RenewParams struct {
	TaskID     string `json:"task_id"`
	WorkerID   string `json:"worker_id"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// RenewResult reports the new lease expiry.
type RenewResult struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// SubmitParams submits a claimed task for review.
type SubmitParams struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
}

// SubmitResult carries the generated review packet and the validation
// report it snapshots.
type SubmitResult struct {
	Packet *stores.ReviewPacket     `json:"packet"`
	Report *engine.GatekeeperReport `json:"report"`
}

// BlockParams declares a claimed task blocked.
type BlockParams struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason"`
}

// JustifyParams records an override justification on a task.
type JustifyParams struct {
	TaskID string `json:"task_id"`
	Text   string `json:"text"`
}

// JustifyResult acknowledges a recorded justification.
type JustifyResult struct {
	Justified bool `json:"justified"`
}

// GetParams fetches one task.
type GetParams struct {
	TaskID string `json:"task_id"`
}

// GateParams dry-runs completion validation for one task.
type GateParams struct {
	TaskID string `json:"task_id"`
}

// DecideParams records a review verdict. Decisions arriving over the agent
// socket are recorded with the AUTO actor; human verdicts go through the
// CLI or HTTP facade.
type DecideParams struct {
	TaskID   string `json:"task_id"`
	Decision string `json:"decision"` // APPROVE or REJECT
	Notes    string `json:"notes,omitempty"`
}

// HeartbeatParams reports agent health and routing shape.
type HeartbeatParams struct {
	WorkerID      string   `json:"worker_id"`
	Lanes         []string `json:"lanes"`
	Tier          string   `json:"tier,omitempty"`
	CapacityLimit int      `json:"capacity_limit,omitempty"`
}

// SubscribeParams opts the connection into pushed events. Empty fields
// match everything.
type SubscribeParams struct {
	Types  []string `json:"types,omitempty"`
	Lane   string   `json:"lane,omitempty"`
	TaskID string   `json:"task_id,omitempty"`
}

// SubscribeResult acknowledges a subscription.
type SubscribeResult struct {
	Subscribed bool `json:"subscribed"`
}

// Matches reports whether an event passes the subscription filter.
func (p *SubscribeParams) Matches(ev *EventMessage) bool {
	if p.Lane != "" && ev.Lane != p.Lane {
		return false
	}
	if p.TaskID != "" && ev.TaskID != p.TaskID {
		return false
	}
	if len(p.Types) == 0 {
		return true
	}
	for _, t := range p.Types {
		if ev.Type == t {
			return true
		}
	}
	return false
}

// Validation methods

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeHello, MessageTypeRequest, MessageTypeResponse,
		MessageTypeEvent, MessageTypeError, MessageTypeBye:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the op is known.
func (op Op) Validate() error {
	switch op {
	case OpTaskClaim, OpLeaseRenew, OpTaskSubmit, OpTaskBlock,
		OpTaskJustify, OpTaskGet, OpGateCheck, OpReviewDecide,
		OpWorkerHeartbeat, OpEventsSubscribe:
		return nil
	default:
		return fmt.Errorf("invalid op: %s", op)
	}
}

// Validate checks if the request message is valid. Params may be empty;
// ops that need them refuse on their own.
func (r *RequestMessage) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("request ID is required")
	}
	return r.Op.Validate()
}
