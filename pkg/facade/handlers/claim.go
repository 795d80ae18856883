package handlers

import (
	"context"
	"time"

	"github.com/taskwarden/taskwarden/pkg/engine"
	"github.com/taskwarden/taskwarden/pkg/facade/protocol"
)

// ClaimHandler serves lease acquisition and renewal.
type ClaimHandler struct {
	engine *engine.Engine
}

// Claim hands the agent the next runnable task in the lane. An empty lane
// is not an error; the result says Claimed=false and the agent backs off.
func (h *ClaimHandler) Claim(ctx context.Context, params *protocol.ClaimParams) (*protocol.ClaimResult, error) {
	ttl := time.Duration(params.TTLSeconds) * time.Second
	task, err := h.engine.ClaimTask(ctx, params.Lane, params.WorkerID, ttl)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return &protocol.ClaimResult{Claimed: false}, nil
	}
	return &protocol.ClaimResult{Claimed: true, Task: task}, nil
}

// Renew extends the lease on a task the agent owns.
func (h *ClaimHandler) Renew(ctx context.Context, params *protocol.RenewParams) (*protocol.RenewResult, error) {
	ttl := time.Duration(params.TTLSeconds) * time.Second
	expiresAt, err := h.engine.RenewLease(ctx, params.TaskID, params.WorkerID, ttl)
	if err != nil {
		return nil, err
	}
	return &protocol.RenewResult{ExpiresAt: expiresAt}, nil
}
