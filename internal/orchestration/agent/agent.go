package agent

import (
	"sync"
	"time"

	"github.com/zjrosen/swarm/internal/clock"
)

// Status is the lifecycle state of an agent instance.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusIdle         Status = "idle"
	StatusWorking      Status = "working"
	StatusWaiting      Status = "waiting"
	StatusBlocked      Status = "blocked"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTerminated   Status = "terminated"
)

// validTransitions encodes the agent lifecycle. Terminated is absorbing;
// every non-terminal status may move there.
var validTransitions = map[Status]map[Status]bool{
	StatusInitializing: {
		StatusIdle:       true,
		StatusFailed:     true,
		StatusTerminated: true,
	},
	StatusIdle: {
		StatusWorking:    true,
		StatusWaiting:    true,
		StatusCompleted:  true,
		StatusTerminated: true,
	},
	StatusWorking: {
		StatusIdle:       true,
		StatusWaiting:    true,
		StatusBlocked:    true,
		StatusFailed:     true,
		StatusTerminated: true,
	},
	StatusWaiting: {
		StatusIdle:       true,
		StatusWorking:    true,
		StatusTerminated: true,
	},
	StatusBlocked: {
		StatusWorking:    true,
		StatusIdle:       true,
		StatusFailed:     true,
		StatusTerminated: true,
	},
	StatusCompleted: {
		StatusTerminated: true,
	},
	StatusFailed: {
		StatusTerminated: true,
	},
	StatusTerminated: {},
}

// String returns the status as a string.
func (s Status) String() string { return string(s) }

// IsTerminal reports whether the agent has been removed from service.
func (s Status) IsTerminal() bool { return s == StatusTerminated }

// CanTransitionTo checks whether moving to target is legal.
func (s Status) CanTransitionTo(target Status) bool {
	return validTransitions[s][target]
}

// Usage aggregates the model consumption of one agent.
type Usage struct {
	InputTokens   int     `json:"input_tokens"`
	OutputTokens  int     `json:"output_tokens"`
	ContextTokens int     `json:"context_tokens"`
	ModelCalls    int     `json:"model_calls"`
	CostUSD       float64 `json:"cost_usd"`
}

// Instance is one spawned agent: a role-specialised worker holding at most
// one task at a time. All fields behind the mutex are read through the
// thread-safe accessors.
type Instance struct {
	ID        string
	SessionID string
	Role      Role
	Model     string

	// SystemPrompt is the resolved role prompt this instance was spawned
	// with; the runner prepends it to every model call.
	SystemPrompt string
	AllowedTools []string

	status         Status
	currentTaskID  string
	completedTasks []string
	failedTasks    []string
	usage          Usage
	worktreeID     string
	lastActiveAt   time.Time

	CreatedAt time.Time

	clk clock.Clock
	mu  sync.RWMutex
}

// newInstance constructs an agent in Initializing status.
func newInstance(sessionID string, cfg RoleConfig, clk clock.Clock) *Instance {
	now := clk.Now()
	return &Instance{
		ID:           clock.NewID(),
		SessionID:    sessionID,
		Role:         cfg.Name,
		Model:        cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
		AllowedTools: append([]string(nil), cfg.AllowedTools...),
		status:       StatusInitializing,
		lastActiveAt: now,
		CreatedAt:    now,
		clk:          clk,
	}
}

// Status returns the current status.
func (a *Instance) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// CurrentTaskID returns the id of the task being worked, or "".
func (a *Instance) CurrentTaskID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.currentTaskID
}

// CompletedTasks returns the ids of tasks this agent finished successfully.
func (a *Instance) CompletedTasks() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.completedTasks...)
}

// FailedTasks returns the ids of tasks this agent failed.
func (a *Instance) FailedTasks() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.failedTasks...)
}

// Usage returns a copy of the agent's consumption counters.
func (a *Instance) Usage() Usage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.usage
}

// RecordUsage adds one model call's token consumption.
func (a *Instance) RecordUsage(inputTokens, outputTokens int, costUSD float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usage.InputTokens += inputTokens
	a.usage.OutputTokens += outputTokens
	a.usage.ContextTokens = a.usage.InputTokens + a.usage.OutputTokens
	a.usage.ModelCalls++
	a.usage.CostUSD += costUSD
	a.lastActiveAt = a.clk.Now()
}

// WorktreeID returns the id of the worktree this agent works in, or "".
func (a *Instance) WorktreeID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.worktreeID
}

// SetWorktreeID records the worktree this agent was given.
func (a *Instance) SetWorktreeID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.worktreeID = id
}

// LastActive returns the time of the agent's most recent activity.
func (a *Instance) LastActive() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastActiveAt
}

// Touch marks the agent active now.
func (a *Instance) Touch() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastActiveAt = a.clk.Now()
}

// IdleFor returns how long the agent has been idle, or zero when it is not
// in Idle status.
func (a *Instance) IdleFor() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.status != StatusIdle {
		return 0
	}
	return a.clk.Now().Sub(a.lastActiveAt)
}

// Snapshot is a point-in-time copy of the agent for listings and
// persistence.
type Snapshot struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	Role           Role      `json:"role"`
	Model          string    `json:"model"`
	Status         Status    `json:"status"`
	CurrentTaskID  string    `json:"current_task_id,omitempty"`
	CompletedTasks []string  `json:"completed_tasks,omitempty"`
	FailedTasks    []string  `json:"failed_tasks,omitempty"`
	Usage          Usage     `json:"usage"`
	WorktreeID     string    `json:"worktree_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActiveAt   time.Time `json:"last_active_at"`
}

// Snapshot returns a consistent copy of the agent state.
func (a *Instance) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Snapshot{
		ID:             a.ID,
		SessionID:      a.SessionID,
		Role:           a.Role,
		Model:          a.Model,
		Status:         a.status,
		CurrentTaskID:  a.currentTaskID,
		CompletedTasks: append([]string(nil), a.completedTasks...),
		FailedTasks:    append([]string(nil), a.failedTasks...),
		Usage:          a.usage,
		WorktreeID:     a.worktreeID,
		CreatedAt:      a.CreatedAt,
		LastActiveAt:   a.lastActiveAt,
	}
}
