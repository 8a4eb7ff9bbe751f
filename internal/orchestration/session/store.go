package session

import (
	"sort"
	"sync"

	"github.com/zjrosen/swarm/internal/clock"
	"github.com/zjrosen/swarm/internal/log"
	"github.com/zjrosen/swarm/internal/orchestration/events"
	"github.com/zjrosen/swarm/internal/orchestration/swarmerr"
)

// Patch describes the mutable fields of a session for Update.
// Nil fields are left unchanged; status changes go through Transition.
type Patch struct {
	Name      *string
	LeadModel *string
}

// Store owns all live sessions and enforces the lifecycle state machine.
type Store struct {
	sessions      map[string]*Session
	maxConcurrent int
	bus           *events.Bus
	clk           clock.Clock
	mu            sync.RWMutex
}

// NewStore creates a session store. maxConcurrent bounds the number of
// non-terminal sessions; 0 means unlimited.
func NewStore(maxConcurrent int, bus *events.Bus, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		sessions:      make(map[string]*Session),
		maxConcurrent: maxConcurrent,
		bus:           bus,
		clk:           clk,
	}
}

// Create registers a new session for the given task.
// Fails with ErrSessionLimitExceeded once maxConcurrent non-terminal
// sessions exist.
func (st *Store) Create(task, name string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.maxConcurrent > 0 {
		active := 0
		for _, s := range st.sessions {
			if !s.IsTerminal() {
				active++
			}
		}
		if active >= st.maxConcurrent {
			return nil, swarmerr.Newf(swarmerr.CodeSessionLimitExceeded,
				"session limit exceeded: %d active sessions", active)
		}
	}

	s := newSession(task, name, st.clk)
	st.sessions[s.ID] = s

	log.Info(log.CatSession, "Session created", "sessionID", s.ID, "name", s.Name)
	st.publish(s)
	return s, nil
}

// Adopt registers a restored session, subject to the same concurrency
// limit as Create when the session is non-terminal.
func (st *Store) Adopt(s *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, exists := st.sessions[s.ID]; exists {
		return swarmerr.Newf(swarmerr.CodeValidation, "session already registered: %s", s.ID)
	}
	if st.maxConcurrent > 0 && !s.IsTerminal() {
		active := 0
		for _, existing := range st.sessions {
			if !existing.IsTerminal() {
				active++
			}
		}
		if active >= st.maxConcurrent {
			return swarmerr.Newf(swarmerr.CodeSessionLimitExceeded,
				"session limit exceeded: %d active sessions", active)
		}
	}
	st.sessions[s.ID] = s
	log.Info(log.CatSession, "Session restored", "sessionID", s.ID)
	return nil
}

// Get returns the session with the given id.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s, ok := st.sessions[id]
	if !ok {
		return nil, swarmerr.Newf(swarmerr.CodeSessionNotFound, "session not found: %s", id)
	}
	return s, nil
}

// List returns all sessions ordered by creation time.
func (st *Store) List() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Update applies a patch to the session's mutable fields.
func (st *Store) Update(id string, patch Patch) (*Session, error) {
	s, err := st.Get(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if patch.Name != nil {
		s.Name = *patch.Name
	}
	if patch.LeadModel != nil {
		s.LeadModel = *patch.LeadModel
	}
	s.UpdatedAt = st.clk.Now()
	s.mu.Unlock()

	st.publish(s)
	return s, nil
}

// Delete removes a session. Only admissible while the session is in
// Initializing or a terminal status.
func (st *Store) Delete(id string) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok {
		return false, swarmerr.Newf(swarmerr.CodeSessionNotFound, "session not found: %s", id)
	}

	status := s.Status()
	if status != StatusInitializing && !status.IsTerminal() {
		return false, swarmerr.Newf(swarmerr.CodeSessionInvalidState,
			"cannot delete session %s in status %s", id, status)
	}

	delete(st.sessions, id)
	log.Info(log.CatSession, "Session deleted", "sessionID", id)
	return true, nil
}

// Transition moves a session to the target status if the state machine
// allows it, stamping start/end metrics per the lifecycle rules. The
// store state is unchanged when the transition is illegal.
func (st *Store) Transition(id string, target Status) error {
	s, err := st.Get(id)
	if err != nil {
		return err
	}

	// Validate and apply under the session lock so concurrent transitions
	// linearise.
	s.mu.Lock()
	if !s.status.CanTransitionTo(target) {
		from := s.status
		s.mu.Unlock()
		return swarmerr.Newf(swarmerr.CodeSessionInvalidState,
			"invalid session state transition from %s to %s", from, target)
	}

	now := st.clk.Now()
	s.status = target
	s.UpdatedAt = now
	if target == StatusPlanning && s.metrics.StartTime == nil {
		t := now
		s.metrics.StartTime = &t
	}
	if target.IsTerminal() && s.metrics.EndTime == nil {
		t := now
		s.metrics.EndTime = &t
		if s.metrics.StartTime != nil {
			s.metrics.Duration = t.Sub(*s.metrics.StartTime)
		}
	}
	s.mu.Unlock()

	log.Info(log.CatSession, "Session transitioned", "sessionID", id, "to", target)
	st.publish(s)
	return nil
}

// ActiveCount returns the number of non-terminal sessions.
func (st *Store) ActiveCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()

	n := 0
	for _, s := range st.sessions {
		if !s.IsTerminal() {
			n++
		}
	}
	return n
}

func (st *Store) publish(s *Session) {
	if st.bus == nil {
		return
	}
	st.bus.Publish(events.SessionUpdated, s.ID, events.SessionPayload{
		SessionID: s.ID,
		Status:    s.Status().String(),
	})
}
