package handlers

import (
	"context"

	"github.com/taskwarden/taskwarden/pkg/engine"
	"github.com/taskwarden/taskwarden/pkg/facade/protocol"
	"github.com/taskwarden/taskwarden/pkg/stores"
)

// SubmitHandler serves the worker side of the review protocol: submitting
// finished work, declaring blocks, and recording justifications.
type SubmitHandler struct {
	engine *engine.Engine
}

// Submit generates the review packet for a claimed task and moves it to
// REVIEWING. The result carries the packet and the validation report the
// agent can relay to its operator.
func (h *SubmitHandler) Submit(ctx context.Context, params *protocol.SubmitParams) (*protocol.SubmitResult, error) {
	packet, report, err := h.engine.GenerateReviewPacket(ctx, params.TaskID, params.WorkerID)
	if err != nil {
		return nil, err
	}
	return &protocol.SubmitResult{Packet: packet, Report: report}, nil
}

// Block declares a claimed task blocked on an external obstacle. The
// result is the task in its BLOCKED state.
func (h *SubmitHandler) Block(ctx context.Context, params *protocol.BlockParams) (*stores.Task, error) {
	return h.engine.BlockTask(ctx, params.TaskID, params.WorkerID, params.Reason)
}

// Justify records an override justification on a task.
func (h *SubmitHandler) Justify(ctx context.Context, params *protocol.JustifyParams) (*protocol.JustifyResult, error) {
	if err := h.engine.AddJustification(ctx, params.TaskID, params.Text); err != nil {
		return nil, err
	}
	return &protocol.JustifyResult{Justified: true}, nil
}

// CheckGate dry-runs completion validation, so agents can see what the
// Gatekeeper would refuse before submitting.
func (h *SubmitHandler) CheckGate(ctx context.Context, params *protocol.GateParams) (*engine.GatekeeperReport, error) {
	return h.engine.CheckGatekeeper(ctx, params.TaskID)
}
