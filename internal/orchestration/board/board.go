package board

import (
	"sort"
	"sync"

	"github.com/zjrosen/swarm/internal/clock"
	"github.com/zjrosen/swarm/internal/log"
	"github.com/zjrosen/swarm/internal/orchestration/events"
	"github.com/zjrosen/swarm/internal/orchestration/swarmerr"
)

// MetricsRecorder receives completion/failure counts; the session's
// metrics satisfy it.
type MetricsRecorder interface {
	TaskCompleted()
	TaskFailed()
}

// CreateInput carries the caller-supplied fields for a new task.
type CreateInput struct {
	Title              string
	Description        string
	AcceptanceCriteria []string
	Type               TaskType
	Priority           Priority
	Complexity         string
	BlockedBy          []string
	AssignedRole       string
	MaxAttempts        int
	ContextFiles       []string
	RequiredTools      []string
	Tags               []string
	EstimatedTokens    int
}

// UpdateInput patches mutable task fields; nil pointers leave the field
// unchanged.
type UpdateInput struct {
	Title        *string
	Description  *string
	Priority     *Priority
	AssignedRole *string
	Notes        *string // appended, not replaced
	Tags         []string
}

// Board owns the tasks of one session.
type Board struct {
	sessionID   string
	tasks       map[string]*Task
	maxTasks    int
	maxAttempts int
	nextSeq     int

	bus     *events.Bus
	metrics MetricsRecorder
	clk     clock.Clock
	mu      sync.RWMutex
}

// New creates an empty board for a session. maxTasks bounds board size
// (0 = unlimited); maxAttempts is the default retry budget for tasks
// that do not set their own.
func New(sessionID string, maxTasks, maxAttempts int, bus *events.Bus, metrics MetricsRecorder, clk clock.Clock) *Board {
	if clk == nil {
		clk = clock.Real{}
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Board{
		sessionID:   sessionID,
		tasks:       make(map[string]*Task),
		maxTasks:    maxTasks,
		maxAttempts: maxAttempts,
		bus:         bus,
		metrics:     metrics,
		clk:         clk,
	}
}

// CreateTask inserts a new task. Dependencies must reference existing
// tasks; the inverse Blocks relation is updated atomically and the task
// lands in the ready column iff it has no unmet dependencies.
func (b *Board) CreateTask(in CreateInput) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxTasks > 0 && len(b.tasks) >= b.maxTasks {
		return nil, swarmerr.Newf(swarmerr.CodeTaskLimitExceeded,
			"task limit exceeded: board holds %d tasks", len(b.tasks))
	}
	for _, dep := range in.BlockedBy {
		if _, ok := b.tasks[dep]; !ok {
			return nil, swarmerr.Newf(swarmerr.CodeTaskNotFound, "dependency not found: %s", dep)
		}
	}

	now := b.clk.Now()
	t := &Task{
		ID:                 clock.NewID(),
		Title:              in.Title,
		Description:        in.Description,
		AcceptanceCriteria: in.AcceptanceCriteria,
		Type:               in.Type,
		Priority:           in.Priority,
		Complexity:         in.Complexity,
		Status:             StatusPending,
		BlockedBy:          append([]string(nil), in.BlockedBy...),
		AssignedRole:       in.AssignedRole,
		MaxAttempts:        in.MaxAttempts,
		ContextFiles:       in.ContextFiles,
		RequiredTools:      in.RequiredTools,
		Tags:               in.Tags,
		EstimatedTokens:    in.EstimatedTokens,
		CreatedAt:          now,
		UpdatedAt:          now,
		seq:                b.nextSeq,
	}
	b.nextSeq++
	if t.Type == "" {
		t.Type = TypeImplementation
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = b.maxAttempts
	}

	b.tasks[t.ID] = t
	for _, dep := range t.BlockedBy {
		b.tasks[dep].Blocks = append(b.tasks[dep].Blocks, t.ID)
	}

	b.refreshReadiness(t)
	t.Column = ColumnFor(t.Status)

	log.Debug(log.CatBoard, "Task created", "sessionID", b.sessionID, "taskID", t.ID, "title", t.Title, "column", t.Column)
	b.publish(events.TaskCreated, t)
	return t.clone(), nil
}

// Restore installs persisted tasks into an empty board. Dependency links
// are taken as saved; readiness is recomputed for pending tasks.
func (b *Board) Restore(tasks []*Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.tasks) > 0 {
		return swarmerr.Newf(swarmerr.CodeValidation, "cannot restore into a non-empty board")
	}
	if b.maxTasks > 0 && len(tasks) > b.maxTasks {
		return swarmerr.Newf(swarmerr.CodeTaskLimitExceeded,
			"task limit exceeded: restoring %d tasks", len(tasks))
	}

	for _, src := range tasks {
		t := src.clone()
		t.seq = b.nextSeq
		b.nextSeq++
		b.tasks[t.ID] = t
	}
	for _, t := range b.tasks {
		for _, dep := range t.BlockedBy {
			if _, ok := b.tasks[dep]; !ok {
				return swarmerr.Newf(swarmerr.CodeTaskNotFound, "dependency not found: %s", dep)
			}
		}
	}
	for _, t := range b.tasks {
		if t.Status == StatusPending || t.Status == StatusReady {
			b.refreshReadiness(t)
			t.Column = ColumnFor(t.Status)
		}
	}
	return nil
}

// Get returns a copy of the task with the given id.
func (b *Board) Get(id string) (*Task, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.tasks[id]
	if !ok {
		return nil, swarmerr.Newf(swarmerr.CodeTaskNotFound, "task not found: %s", id)
	}
	return t.clone(), nil
}

// List returns copies of all tasks in insertion order.
func (b *Board) List() []*Task {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot(func(*Task) bool { return true })
}

// GetByStatus returns copies of all tasks with the given status.
func (b *Board) GetByStatus(s Status) []*Task {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot(func(t *Task) bool { return t.Status == s })
}

// GetReady returns the schedulable tasks: status Ready, ordered by
// priority then insertion order.
func (b *Board) GetReady() []*Task {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ready := b.snapshot(func(t *Task) bool { return t.Status == StatusReady })
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority.rank() != ready[j].Priority.rank() {
			return ready[i].Priority.rank() < ready[j].Priority.rank()
		}
		return ready[i].seq < ready[j].seq
	})
	return ready
}

// UpdateTask patches mutable fields of a task.
func (b *Board) UpdateTask(id string, in UpdateInput) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[id]
	if !ok {
		return nil, swarmerr.Newf(swarmerr.CodeTaskNotFound, "task not found: %s", id)
	}

	if in.Title != nil {
		t.Title = *in.Title
	}
	if in.Description != nil {
		t.Description = *in.Description
	}
	if in.Priority != nil {
		t.Priority = *in.Priority
	}
	if in.AssignedRole != nil {
		t.AssignedRole = *in.AssignedRole
	}
	if in.Notes != nil {
		t.Notes = append(t.Notes, *in.Notes)
	}
	if in.Tags != nil {
		t.Tags = in.Tags
	}
	t.UpdatedAt = b.clk.Now()

	b.publish(events.TaskUpdated, t)
	return t.clone(), nil
}

// DeleteTask removes a task and detaches it from the dependency graph.
// Dependents that lose their last unmet dependency become Ready.
func (b *Board) DeleteTask(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[id]
	if !ok {
		return swarmerr.Newf(swarmerr.CodeTaskNotFound, "task not found: %s", id)
	}

	for _, dep := range t.BlockedBy {
		if d, ok := b.tasks[dep]; ok {
			d.Blocks = remove(d.Blocks, id)
		}
	}
	dependents := append([]string(nil), t.Blocks...)
	for _, blocked := range dependents {
		if d, ok := b.tasks[blocked]; ok {
			d.BlockedBy = remove(d.BlockedBy, id)
		}
	}
	delete(b.tasks, id)

	b.publish(events.TaskDeleted, t)
	for _, blocked := range dependents {
		if d, ok := b.tasks[blocked]; ok {
			b.refreshReadinessAndPublish(d)
		}
	}
	return nil
}

// AssignTask binds a Ready task to an agent, moving it to Assigned.
func (b *Board) AssignTask(taskID, agentID string) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[taskID]
	if !ok {
		return nil, swarmerr.Newf(swarmerr.CodeTaskNotFound, "task not found: %s", taskID)
	}
	if t.AssignedAgentID != "" {
		return nil, swarmerr.Newf(swarmerr.CodeTaskAlreadyAssigned,
			"task %s already assigned to agent %s", taskID, t.AssignedAgentID)
	}
	if t.Status != StatusReady {
		return nil, swarmerr.Newf(swarmerr.CodeValidation,
			"task %s is not ready (status: %s)", taskID, t.Status)
	}

	t.AssignedAgentID = agentID
	b.setStatus(t, StatusAssigned)
	return t.clone(), nil
}

// UnassignTask releases an assigned task back to Ready.
func (b *Board) UnassignTask(taskID string) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[taskID]
	if !ok {
		return nil, swarmerr.Newf(swarmerr.CodeTaskNotFound, "task not found: %s", taskID)
	}
	if t.AssignedAgentID == "" {
		return t.clone(), nil
	}

	t.AssignedAgentID = ""
	b.setStatus(t, StatusReady)
	return t.clone(), nil
}

// Start moves an Assigned task to InProgress and stamps StartedAt.
func (b *Board) Start(taskID string) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[taskID]
	if !ok {
		return nil, swarmerr.Newf(swarmerr.CodeTaskNotFound, "task not found: %s", taskID)
	}
	if t.Status != StatusAssigned && t.Status != StatusRevision {
		return nil, swarmerr.Newf(swarmerr.CodeValidation,
			"task %s cannot start from status %s", taskID, t.Status)
	}

	now := b.clk.Now()
	t.StartedAt = &now
	b.setStatus(t, StatusInProgress)
	return t.clone(), nil
}

// MoveToReview parks an InProgress task for review.
func (b *Board) MoveToReview(taskID string) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[taskID]
	if !ok {
		return nil, swarmerr.Newf(swarmerr.CodeTaskNotFound, "task not found: %s", taskID)
	}
	if t.Status != StatusInProgress {
		return nil, swarmerr.Newf(swarmerr.CodeValidation,
			"task %s cannot move to review from status %s", taskID, t.Status)
	}
	b.setStatus(t, StatusReview)
	return t.clone(), nil
}

// MoveToRevision sends a reviewed task back for rework.
func (b *Board) MoveToRevision(taskID string) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[taskID]
	if !ok {
		return nil, swarmerr.Newf(swarmerr.CodeTaskNotFound, "task not found: %s", taskID)
	}
	if t.Status != StatusReview {
		return nil, swarmerr.Newf(swarmerr.CodeValidation,
			"task %s cannot move to revision from status %s", taskID, t.Status)
	}
	b.setStatus(t, StatusRevision)
	return t.clone(), nil
}

// CompleteTask records a successful result and unblocks dependents.
// The completion event is published strictly before any dependent's
// readiness event.
func (b *Board) CompleteTask(taskID string, result Result) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[taskID]
	if !ok {
		return nil, swarmerr.Newf(swarmerr.CodeTaskNotFound, "task not found: %s", taskID)
	}
	if !t.Active() {
		return nil, swarmerr.Newf(swarmerr.CodeValidation,
			"task %s is already finished (status: %s)", taskID, t.Status)
	}

	now := b.clk.Now()
	t.Result = &result
	t.CompletedAt = &now
	t.AssignedAgentID = ""
	b.setStatus(t, StatusComplete)
	if b.metrics != nil {
		b.metrics.TaskCompleted()
	}

	for _, blocked := range t.Blocks {
		if d, ok := b.tasks[blocked]; ok {
			b.refreshReadinessAndPublish(d)
		}
	}

	log.Info(log.CatBoard, "Task completed", "sessionID", b.sessionID, "taskID", taskID)
	return t.clone(), nil
}

// FailTask applies the retry policy: below the attempt budget the task
// returns to Ready unassigned; at the budget it is marked Failed with a
// failure result.
func (b *Board) FailTask(taskID, reason string) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[taskID]
	if !ok {
		return nil, swarmerr.Newf(swarmerr.CodeTaskNotFound, "task not found: %s", taskID)
	}
	if !t.Active() {
		return nil, swarmerr.Newf(swarmerr.CodeValidation,
			"task %s is already finished (status: %s)", taskID, t.Status)
	}

	t.Attempts++
	t.AssignedAgentID = ""

	if t.Attempts < t.MaxAttempts {
		log.Warn(log.CatBoard, "Task failed, retrying",
			"sessionID", b.sessionID, "taskID", taskID, "attempt", t.Attempts, "reason", reason)
		b.setStatus(t, StatusReady)
		return t.clone(), nil
	}

	t.Result = &Result{Success: false, Summary: reason, Artifacts: []string{}}
	now := b.clk.Now()
	t.CompletedAt = &now
	b.setStatus(t, StatusFailed)
	if b.metrics != nil {
		b.metrics.TaskFailed()
	}

	log.Error(log.CatBoard, "Task failed permanently",
		"sessionID", b.sessionID, "taskID", taskID, "attempts", t.Attempts, "reason", reason)
	return t.clone(), nil
}

// AddDependency inserts the edge task → dependsOn. The edge is refused
// when it would close a cycle. Readiness of the dependent task is
// recomputed.
func (b *Board) AddDependency(taskID, dependsOn string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[taskID]
	if !ok {
		return swarmerr.Newf(swarmerr.CodeTaskNotFound, "task not found: %s", taskID)
	}
	dep, ok := b.tasks[dependsOn]
	if !ok {
		return swarmerr.Newf(swarmerr.CodeTaskNotFound, "task not found: %s", dependsOn)
	}
	if taskID == dependsOn {
		return swarmerr.Newf(swarmerr.CodeTaskDependencyCycle,
			"task %s cannot depend on itself", taskID)
	}
	if contains(t.BlockedBy, dependsOn) {
		return nil // Edge already present
	}

	// BFS from dependsOn along blockedBy: reaching taskID means the new
	// edge would close a cycle.
	if b.reaches(dependsOn, taskID) {
		return swarmerr.Newf(swarmerr.CodeTaskDependencyCycle,
			"dependency %s -> %s would create a cycle", taskID, dependsOn)
	}

	t.BlockedBy = append(t.BlockedBy, dependsOn)
	dep.Blocks = append(dep.Blocks, taskID)
	b.refreshReadinessAndPublish(t)
	return nil
}

// RemoveDependency deletes the edge task → dependsOn and recomputes
// readiness.
func (b *Board) RemoveDependency(taskID, dependsOn string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[taskID]
	if !ok {
		return swarmerr.Newf(swarmerr.CodeTaskNotFound, "task not found: %s", taskID)
	}
	dep, ok := b.tasks[dependsOn]
	if !ok {
		return swarmerr.Newf(swarmerr.CodeTaskNotFound, "task not found: %s", dependsOn)
	}

	t.BlockedBy = remove(t.BlockedBy, dependsOn)
	dep.Blocks = remove(dep.Blocks, taskID)
	b.refreshReadinessAndPublish(t)
	return nil
}

// ExecutionOrder returns a topological sort of all tasks, stable under
// insertion order. AddDependency already refuses cycles, so a cycle here
// is a defence-in-depth failure.
func (b *Board) ExecutionOrder() ([]*Task, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// Kahn's algorithm with a seq-ordered frontier for determinism.
	indegree := make(map[string]int, len(b.tasks))
	for id, t := range b.tasks {
		indegree[id] = len(t.BlockedBy)
	}

	frontier := make([]*Task, 0, len(b.tasks))
	for id, t := range b.tasks {
		if indegree[id] == 0 {
			frontier = append(frontier, t)
		}
	}
	sortBySeq(frontier)

	order := make([]*Task, 0, len(b.tasks))
	for len(frontier) > 0 {
		t := frontier[0]
		frontier = frontier[1:]
		order = append(order, t.clone())

		released := make([]*Task, 0, len(t.Blocks))
		for _, blocked := range t.Blocks {
			indegree[blocked]--
			if indegree[blocked] == 0 {
				released = append(released, b.tasks[blocked])
			}
		}
		sortBySeq(released)
		frontier = append(frontier, released...)
	}

	if len(order) != len(b.tasks) {
		return nil, swarmerr.Newf(swarmerr.CodeTaskDependencyCycle,
			"dependency cycle detected during execution ordering")
	}
	return order, nil
}

// Count returns the number of tasks on the board.
func (b *Board) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tasks)
}

// AllFinished reports whether every task is Complete, Failed, or
// Cancelled.
func (b *Board) AllFinished() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, t := range b.tasks {
		if t.Active() {
			return false
		}
	}
	return true
}

// reaches reports whether `to` is reachable from `from` following
// blockedBy edges. Caller holds the lock.
func (b *Board) reaches(from, to string) bool {
	seen := map[string]bool{from: true}
	frontier := []string{from}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		t, ok := b.tasks[cur]
		if !ok {
			continue
		}
		for _, dep := range t.BlockedBy {
			if dep == to {
				return true
			}
			if !seen[dep] {
				seen[dep] = true
				frontier = append(frontier, dep)
			}
		}
	}
	return false
}

// refreshReadiness recomputes Ready/Pending for tasks not yet picked up.
// Caller holds the lock.
func (b *Board) refreshReadiness(t *Task) {
	switch t.Status {
	case StatusPending, StatusBlocked, StatusReady:
	default:
		return // Past the scheduling boundary
	}

	if b.depsComplete(t) {
		t.Status = StatusReady
	} else {
		t.Status = StatusPending
	}
	t.Column = ColumnFor(t.Status)
}

// refreshReadinessAndPublish recomputes readiness and publishes an update
// when the status changed. Caller holds the lock.
func (b *Board) refreshReadinessAndPublish(t *Task) {
	before := t.Status
	b.refreshReadiness(t)
	if t.Status != before {
		t.UpdatedAt = b.clk.Now()
		b.publish(events.TaskUpdated, t)
	}
}

func (b *Board) depsComplete(t *Task) bool {
	for _, dep := range t.BlockedBy {
		d, ok := b.tasks[dep]
		if !ok || d.Status != StatusComplete {
			return false
		}
	}
	return true
}

// setStatus applies a status change, refreshes the column projection, and
// publishes the update. Caller holds the lock.
func (b *Board) setStatus(t *Task, s Status) {
	t.Status = s
	t.Column = ColumnFor(s)
	t.UpdatedAt = b.clk.Now()
	b.publish(events.TaskUpdated, t)
}

func (b *Board) snapshot(keep func(*Task) bool) []*Task {
	out := make([]*Task, 0, len(b.tasks))
	for _, t := range b.tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	sortBySeq(out)
	return out
}

func (b *Board) publish(kind events.Kind, t *Task) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(kind, b.sessionID, events.TaskPayload{
		TaskID:   t.ID,
		Title:    t.Title,
		Status:   string(t.Status),
		Column:   string(t.Column),
		AgentID:  t.AssignedAgentID,
		Attempts: t.Attempts,
	})
}

func sortBySeq(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].seq < tasks[j].seq })
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
