// Package handlers implements the operation registry for the agent facade.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/rs/zerolog"

	"github.com/taskwarden/taskwarden/pkg/engine"
	"github.com/taskwarden/taskwarden/pkg/facade/protocol"
)

// HandlerFunc executes one operation. The returned value is marshalled
// into the response frame.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Registry maps protocol ops to their handlers.
type Registry struct {
	logger zerolog.Logger
	ops    map[protocol.Op]HandlerFunc
}

// NewRegistry wires every agent-facing operation to the engine.
// events.subscribe is absent: subscriptions mutate connection state, so
// the socket server handles them itself.
func NewRegistry(eng *engine.Engine, logger zerolog.Logger) *Registry {
	claim := &ClaimHandler{engine: eng}
	submit := &SubmitHandler{engine: eng}
	review := &ReviewHandler{engine: eng}
	worker := &WorkerHandler{engine: eng}
	task := &TaskHandler{engine: eng}

	r := &Registry{
		logger: logger.With().Str("component", "facade").Logger(),
	}
	r.ops = map[protocol.Op]HandlerFunc{
		protocol.OpTaskClaim: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p protocol.ClaimParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			return claim.Claim(ctx, &p)
		},
		protocol.OpLeaseRenew: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p protocol.RenewParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			return claim.Renew(ctx, &p)
		},
		protocol.OpTaskSubmit: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p protocol.SubmitParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			return submit.Submit(ctx, &p)
		},
		protocol.OpTaskBlock: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p protocol.BlockParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			return submit.Block(ctx, &p)
		},
		protocol.OpTaskJustify: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p protocol.JustifyParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			return submit.Justify(ctx, &p)
		},
		protocol.OpGateCheck: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p protocol.GateParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			return submit.CheckGate(ctx, &p)
		},
		protocol.OpTaskGet: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p protocol.GetParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			return task.Get(ctx, &p)
		},
		protocol.OpReviewDecide: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p protocol.DecideParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			return review.Decide(ctx, &p)
		},
		protocol.OpWorkerHeartbeat: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var p protocol.HeartbeatParams
			if err := decodeParams(raw, &p); err != nil {
				return nil, err
			}
			return worker.Heartbeat(ctx, &p)
		},
	}
	return r
}

// Ops returns the registered op names, sorted, for the HELLO frame.
func (r *Registry) Ops() []string {
	names := make([]string, 0, len(r.ops)+1)
	for op := range r.ops {
		names = append(names, string(op))
	}
	names = append(names, string(protocol.OpEventsSubscribe))
	sort.Strings(names)
	return names
}

// Dispatch runs the handler for one request.
func (r *Registry) Dispatch(ctx context.Context, req *protocol.RequestMessage) (interface{}, error) {
	h, ok := r.ops[req.Op]
	if !ok {
		return nil, engine.NewPermanentError(
			"op "+string(req.Op)+" is not served here", nil).
			WithCode(engine.ErrCodeValidation).
			WithOperation(string(req.Op))
	}

	result, err := h(ctx, req.Params)
	if err != nil {
		r.logger.Debug().
			Err(err).
			Str("op", string(req.Op)).
			Str("request_id", req.ID).
			Msg("op refused")
		return nil, err
	}
	return result, nil
}

// Refusal converts a handler error into a protocol error frame. Engine
// errors keep their code, class, and details; anything else maps to an
// internal error.
func Refusal(requestID string, err error) *protocol.ErrorMessage {
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		code := engErr.Code
		if code == "" {
			code = engine.ErrCodeInternal
		}
		return &protocol.ErrorMessage{
			RequestID: requestID,
			Code:      code,
			Message:   engErr.Message,
			Class:     string(engErr.Class),
			Retryable: engine.IsRetryable(err),
			Details:   engErr.Details,
		}
	}
	return &protocol.ErrorMessage{
		RequestID: requestID,
		Code:      engine.ErrCodeInternal,
		Message:   err.Error(),
		Class:     string(engine.ErrorClassPermanent),
	}
}

// decodeParams unmarshals op params. Absent params decode to the zero
// value; the op's own validation names what was missing.
func decodeParams(raw json.RawMessage, target interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := protocol.ParseParams(raw, target); err != nil {
		return engine.NewPermanentError("malformed params", err).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}
