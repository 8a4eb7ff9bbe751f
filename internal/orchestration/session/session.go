// Package session holds the session aggregate and its store. A session is a
// single user-submitted work item plus all state derived from it: the task
// board, the agent roster, the mailbox, artifacts, and metrics.
package session

import (
	"sync"
	"time"

	"github.com/zjrosen/swarm/internal/clock"
)

// Artifact is a named output produced while working a session.
type Artifact struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"` // "summary", "file", "report", ...
	Name        string    `json:"name"`
	Content     string    `json:"content"`
	ContentType string    `json:"content_type"`
	Version     int       `json:"version"`
	TaskID      string    `json:"task_id,omitempty"`
	FilePath    string    `json:"file_path,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Metrics aggregates per-session counters. StartTime is set when the
// session first leaves Initializing; EndTime when it enters a terminal
// status.
type Metrics struct {
	InputTokens    int           `json:"input_tokens"`
	OutputTokens   int           `json:"output_tokens"`
	TotalCostUSD   float64       `json:"total_cost_usd"`
	TasksCompleted int           `json:"tasks_completed"`
	TasksFailed    int           `json:"tasks_failed"`
	AgentsSpawned  int           `json:"agents_spawned"`
	MessagesSent   int           `json:"messages_sent"`
	StartTime      *time.Time    `json:"start_time,omitempty"`
	EndTime        *time.Time    `json:"end_time,omitempty"`
	Duration       time.Duration `json:"duration,omitempty"`
}

// Session is the aggregate root for one orchestrated work item.
// Mutations go through the store or through the session's own methods,
// all of which serialise on the session mutex.
type Session struct {
	ID           string
	Name         string
	OriginalTask string
	LeadModel    string

	status    Status
	artifacts []Artifact
	metrics   Metrics

	CreatedAt time.Time
	UpdatedAt time.Time

	// Health tracking for timeout reaping.
	lastHeartbeatAt time.Time
	lastProgressAt  time.Time

	clk clock.Clock
	mu  sync.RWMutex
}

// newSession constructs a session in Initializing status.
func newSession(task, name string, clk clock.Clock) *Session {
	now := clk.Now()
	if name == "" {
		name = "session-" + now.Format("20060102-150405")
	}
	return &Session{
		ID:              clock.NewID(),
		Name:            name,
		OriginalTask:    task,
		status:          StatusInitializing,
		CreatedAt:       now,
		UpdatedAt:       now,
		lastHeartbeatAt: now,
		lastProgressAt:  now,
		clk:             clk,
	}
}

// Status returns the current status thread-safely.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// IsTerminal returns true if the session is in an absorbing status.
func (s *Session) IsTerminal() bool {
	return s.Status().IsTerminal()
}

// Metrics returns a copy of the session metrics.
func (s *Session) Metrics() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

// UpdateMetrics applies fn to the session metrics under the session lock.
func (s *Session) UpdateMetrics(fn func(*Metrics)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.metrics)
	s.UpdatedAt = s.clk.Now()
}

// AddArtifact appends an artifact and returns it with identity and
// timestamps filled in.
func (s *Session) AddArtifact(a Artifact) Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = clock.NewID()
	}
	if a.Version == 0 {
		a.Version = 1
	}
	a.CreatedAt = s.clk.Now()
	s.artifacts = append(s.artifacts, a)
	s.UpdatedAt = a.CreatedAt
	return a
}

// Artifacts returns a copy of the artifact list.
func (s *Session) Artifacts() []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Artifact, len(s.artifacts))
	copy(out, s.artifacts)
	return out
}

// RecordHeartbeat notes activity from any component working this session.
func (s *Session) RecordHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeatAt = s.clk.Now()
}

// RecordProgress notes meaningful forward progress (phase transition,
// task completion). Progress implies a heartbeat.
func (s *Session) RecordProgress() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	s.lastProgressAt = now
	s.lastHeartbeatAt = now
}

// LastHeartbeat returns the time of the most recent activity.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeartbeatAt
}

// LastProgress returns the time of the most recent forward progress.
func (s *Session) LastProgress() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastProgressAt
}

// Snapshot is the serialisable view of a session.
type Snapshot struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	OriginalTask string     `json:"original_task"`
	LeadModel    string     `json:"lead_model,omitempty"`
	Status       Status     `json:"status"`
	Artifacts    []Artifact `json:"artifacts,omitempty"`
	Metrics      Metrics    `json:"metrics"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Snapshot returns a consistent copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifacts := make([]Artifact, len(s.artifacts))
	copy(artifacts, s.artifacts)
	return Snapshot{
		ID:           s.ID,
		Name:         s.Name,
		OriginalTask: s.OriginalTask,
		LeadModel:    s.LeadModel,
		Status:       s.status,
		Artifacts:    artifacts,
		Metrics:      s.metrics,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

// FromSnapshot rebuilds a session from persisted state.
func FromSnapshot(snap Snapshot, clk clock.Clock) *Session {
	if clk == nil {
		clk = clock.Real{}
	}
	now := clk.Now()
	return &Session{
		ID:              snap.ID,
		Name:            snap.Name,
		OriginalTask:    snap.OriginalTask,
		LeadModel:       snap.LeadModel,
		status:          snap.Status,
		artifacts:       append([]Artifact(nil), snap.Artifacts...),
		metrics:         snap.Metrics,
		CreatedAt:       snap.CreatedAt,
		UpdatedAt:       snap.UpdatedAt,
		lastHeartbeatAt: now,
		lastProgressAt:  now,
		clk:             clk,
	}
}

// Age returns how long the session has existed.
func (s *Session) Age() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clk.Now().Sub(s.CreatedAt)
}
