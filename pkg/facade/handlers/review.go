package handlers

import (
	"context"
	"fmt"

	"github.com/taskwarden/taskwarden/pkg/engine"
	"github.com/taskwarden/taskwarden/pkg/facade/protocol"
	"github.com/taskwarden/taskwarden/pkg/stores"
)

// ReviewHandler serves review verdicts for automated reviewer agents.
type ReviewHandler struct {
	engine *engine.Engine
}

// Decide records an approve or reject verdict. Verdicts arriving over the
// agent socket are attributed to the AUTO actor; human verdicts go through
// the CLI or HTTP facade and say so.
func (h *ReviewHandler) Decide(ctx context.Context, params *protocol.DecideParams) (*stores.Task, error) {
	decision := engine.GavelDecision(params.Decision)
	if !decision.Valid() {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("invalid decision %q", params.Decision), nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(params.TaskID)
	}
	return h.engine.SubmitReviewDecision(ctx, params.TaskID, decision, params.Notes, engine.ActorAuto)
}
