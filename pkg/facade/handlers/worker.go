package handlers

import (
	"context"

	"github.com/taskwarden/taskwarden/pkg/engine"
	"github.com/taskwarden/taskwarden/pkg/facade/protocol"
	"github.com/taskwarden/taskwarden/pkg/stores"
)

// WorkerHandler serves worker health reporting.
type WorkerHandler struct {
	engine *engine.Engine
}

// Heartbeat upserts the agent's health row. The engine fills tier and
// capacity defaults.
func (h *WorkerHandler) Heartbeat(ctx context.Context, params *protocol.HeartbeatParams) (*stores.Worker, error) {
	return h.engine.Heartbeat(ctx, &engine.HeartbeatRequest{
		WorkerID:      params.WorkerID,
		Lanes:         params.Lanes,
		Tier:          stores.WorkerTier(params.Tier),
		CapacityLimit: params.CapacityLimit,
	})
}

// TaskHandler serves task reads.
type TaskHandler struct {
	engine *engine.Engine
}

// Get fetches one task, including dependency ids and any review feedback.
func (h *TaskHandler) Get(ctx context.Context, params *protocol.GetParams) (*stores.Task, error) {
	return h.engine.GetTask(ctx, params.TaskID)
}
