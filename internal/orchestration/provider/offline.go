package provider

import "context"

// Offline is the provider used when no model backend is configured. Every
// completion acknowledges the last user message and ends the turn, which
// drives the orchestrator down its fallback planning path and lets agents
// finish tasks without inference.
type Offline struct{}

// Complete returns a canned acknowledgement.
func (Offline) Complete(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	return Response{
		Content:    "No model backend is configured; completing without inference.",
		StopReason: StopEndTurn,
	}, nil
}
