// Package board implements the task board: a dependency-aware DAG of
// subtasks projected onto kanban columns, with readiness recomputation,
// cycle refusal, and a bounded retry policy.
package board

import (
	"time"
)

// TaskType categorizes the kind of work a task represents.
type TaskType string

const (
	TypeDesign         TaskType = "design"
	TypeImplementation TaskType = "implementation"
	TypeRefactoring    TaskType = "refactoring"
	TypeTesting        TaskType = "testing"
	TypeReview         TaskType = "review"
	TypeDocumentation  TaskType = "documentation"
	TypeConfiguration  TaskType = "configuration"
	TypeResearch       TaskType = "research"
	TypeIntegration    TaskType = "integration"
)

// Priority orders tasks for scheduling.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// rank returns the scheduling order of a priority (lower runs first).
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusRevision   Status = "revision"
	StatusBlocked    Status = "blocked"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Column identifies a kanban column; it is a pure projection of status.
type Column string

const (
	ColumnBacklog    Column = "backlog"
	ColumnReady      Column = "ready"
	ColumnInProgress Column = "in_progress"
	ColumnReview     Column = "review"
	ColumnDone       Column = "done"
	ColumnFailed     Column = "failed"
)

// ColumnFor projects a task status onto its kanban column.
func ColumnFor(s Status) Column {
	switch s {
	case StatusPending, StatusBlocked:
		return ColumnBacklog
	case StatusReady:
		return ColumnReady
	case StatusAssigned, StatusInProgress, StatusRevision:
		return ColumnInProgress
	case StatusReview:
		return ColumnReview
	case StatusComplete:
		return ColumnDone
	case StatusFailed, StatusCancelled:
		return ColumnFailed
	default:
		return ColumnBacklog
	}
}

// ChangeKind classifies a code change.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeModify ChangeKind = "modify"
	ChangeDelete ChangeKind = "delete"
)

// CodeChange records one file mutation performed while working a task.
type CodeChange struct {
	Path       string     `json:"path"`
	Kind       ChangeKind `json:"kind"`
	NewContent string     `json:"new_content,omitempty"`
	Diff       string     `json:"diff,omitempty"`
}

// Result is the outcome of executing a task.
type Result struct {
	Success        bool         `json:"success"`
	Summary        string       `json:"summary"`
	CodeChanges    []CodeChange `json:"code_changes,omitempty"`
	Artifacts      []string     `json:"artifacts"`
	Issues         []string     `json:"issues,omitempty"`
	ReviewComments []string     `json:"review_comments,omitempty"`
}

// Task is one unit of work assigned to a single agent.
type Task struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	Type               TaskType `json:"type"`
	Priority           Priority `json:"priority"`
	Complexity         string   `json:"complexity,omitempty"`

	Status Status `json:"status"`
	Column Column `json:"column"`

	// BlockedBy and Blocks form a consistent inverse relation maintained
	// by the board; both hold task ids.
	BlockedBy []string `json:"blocked_by,omitempty"`
	Blocks    []string `json:"blocks,omitempty"`

	AssignedRole    string `json:"assigned_role,omitempty"`
	AssignedAgentID string `json:"assigned_agent_id,omitempty"`

	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"max_attempts"`
	Result      *Result `json:"result,omitempty"`

	ContextFiles    []string `json:"context_files,omitempty"`
	RequiredTools   []string `json:"required_tools,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	Notes           []string `json:"notes,omitempty"`
	EstimatedTokens int      `json:"estimated_tokens,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// seq is the insertion order, used to keep scheduling deterministic.
	seq int
}

// Active reports whether the task still needs work.
func (t *Task) Active() bool {
	switch t.Status {
	case StatusComplete, StatusFailed, StatusCancelled:
		return false
	default:
		return true
	}
}

// clone returns a shallow copy with copied slices, safe to hand to callers.
func (t *Task) clone() *Task {
	c := *t
	c.BlockedBy = append([]string(nil), t.BlockedBy...)
	c.Blocks = append([]string(nil), t.Blocks...)
	c.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	c.ContextFiles = append([]string(nil), t.ContextFiles...)
	c.RequiredTools = append([]string(nil), t.RequiredTools...)
	c.Tags = append([]string(nil), t.Tags...)
	c.Notes = append([]string(nil), t.Notes...)
	return &c
}
