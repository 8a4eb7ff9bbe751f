package session

// Status represents the lifecycle state of a session.
// Valid transitions:
//
//	Initializing -> Planning, Cancelled, Failed
//	Planning     -> Delegating, Paused, Cancelled, Failed
//	Delegating   -> Executing, Paused, Cancelled, Failed
//	Executing    -> Reviewing, Synthesizing, Paused, Cancelled, Failed
//	Reviewing    -> Executing, Synthesizing, Paused, Cancelled, Failed
//	Synthesizing -> Complete, Paused, Cancelled, Failed
//	Paused       -> Planning, Delegating, Executing, Reviewing, Synthesizing, Cancelled
//	Complete, Failed, Cancelled -> (terminal)
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusPlanning     Status = "planning"
	StatusDelegating   Status = "delegating"
	StatusExecuting    Status = "executing"
	StatusReviewing    Status = "reviewing"
	StatusSynthesizing Status = "synthesizing"
	StatusPaused       Status = "paused"
	StatusComplete     Status = "complete"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// validTransitions defines the allowed status transitions for sessions.
// The key is the current status, the value is a set of valid target statuses.
var validTransitions = map[Status]map[Status]bool{
	StatusInitializing: {
		StatusPlanning:  true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusPlanning: {
		StatusDelegating: true,
		StatusPaused:     true,
		StatusCancelled:  true,
		StatusFailed:     true,
	},
	StatusDelegating: {
		StatusExecuting: true,
		StatusPaused:    true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusExecuting: {
		StatusReviewing:    true,
		StatusSynthesizing: true,
		StatusPaused:       true,
		StatusCancelled:    true,
		StatusFailed:       true,
	},
	StatusReviewing: {
		StatusExecuting:    true,
		StatusSynthesizing: true,
		StatusPaused:       true,
		StatusCancelled:    true,
		StatusFailed:       true,
	},
	StatusSynthesizing: {
		StatusComplete:  true,
		StatusPaused:    true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusPaused: {
		StatusPlanning:     true,
		StatusDelegating:   true,
		StatusExecuting:    true,
		StatusReviewing:    true,
		StatusSynthesizing: true,
		StatusCancelled:    true,
	},
	// Terminal statuses have no valid transitions
	StatusComplete:  {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// String returns the string representation of the Status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized Status value.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal returns true if this status is absorbing
// (Complete, Failed, or Cancelled).
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo returns true if transitioning from the current status
// to the target status is valid according to the session state machine.
func (s Status) CanTransitionTo(target Status) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// ValidTargets returns all statuses reachable from the current status.
func (s Status) ValidTargets() []Status {
	allowed, ok := validTransitions[s]
	if !ok {
		return nil
	}
	targets := make([]Status, 0, len(allowed))
	for target := range allowed {
		targets = append(targets, target)
	}
	return targets
}
