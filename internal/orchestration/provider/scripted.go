package provider

import (
	"context"
	"sync"

	"github.com/zjrosen/swarm/internal/orchestration/swarmerr"
)

// Step is one scripted exchange: the response (or error) the provider
// returns for the next Complete call. Match, when set, gates the step on a
// predicate over the request, letting scripts assert what they were asked.
type Step struct {
	Match    func(Request) bool
	Response Response
	Err      error
}

// Scripted is a deterministic ModelProvider driven by a fixed list of
// steps. It records every request it sees. Safe for concurrent use.
type Scripted struct {
	mu       sync.Mutex
	steps    []Step
	pos      int
	requests []Request
}

// NewScripted builds a scripted provider from the given steps.
func NewScripted(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

// Complete returns the next scripted step, honouring context cancellation.
func (s *Scripted) Complete(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	if s.pos >= len(s.steps) {
		return Response{}, swarmerr.Newf(swarmerr.CodeModelAPIError,
			"scripted provider exhausted after %d steps", len(s.steps))
	}

	step := s.steps[s.pos]
	if step.Match != nil && !step.Match(req) {
		return Response{}, swarmerr.Newf(swarmerr.CodeModelAPIError,
			"scripted provider: request %d did not match script", s.pos)
	}
	s.pos++

	if step.Err != nil {
		return Response{}, step.Err
	}
	resp := step.Response
	if resp.StopReason == "" {
		if len(resp.ToolCalls) > 0 {
			resp.StopReason = StopToolUse
		} else {
			resp.StopReason = StopEndTurn
		}
	}
	return resp, nil
}

// Requests returns a copy of every request seen so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Remaining returns how many scripted steps are unconsumed.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps) - s.pos
}
