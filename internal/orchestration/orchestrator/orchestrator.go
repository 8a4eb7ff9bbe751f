// Package orchestrator drives sessions through their phases: planning a
// task decomposition, delegating work to agents, supervising execution and
// review, and synthesizing the final outcome.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/swarm/internal/clock"
	"github.com/zjrosen/swarm/internal/config"
	"github.com/zjrosen/swarm/internal/log"
	"github.com/zjrosen/swarm/internal/orchestration/agent"
	"github.com/zjrosen/swarm/internal/orchestration/board"
	"github.com/zjrosen/swarm/internal/orchestration/costs"
	"github.com/zjrosen/swarm/internal/orchestration/events"
	"github.com/zjrosen/swarm/internal/orchestration/mailbox"
	"github.com/zjrosen/swarm/internal/orchestration/provider"
	"github.com/zjrosen/swarm/internal/orchestration/runner"
	"github.com/zjrosen/swarm/internal/orchestration/session"
	"github.com/zjrosen/swarm/internal/orchestration/swarmerr"
	"github.com/zjrosen/swarm/internal/orchestration/tracing"
)

// maxTickFailures is how many consecutive tick errors fail a session.
const maxTickFailures = 3

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Sessions *session.Store
	Provider provider.ModelProvider
	Runner   *runner.Runner
	Ledger   *costs.Ledger
	Catalog  *agent.Catalog
	Bus      *events.Bus
	Clock    clock.Clock
	Config   *config.Config
}

// sessionState is the per-session runtime the orchestrator owns.
type sessionState struct {
	sess    *session.Session
	board   *board.Board
	pool    *agent.Pool
	mailbox *mailbox.Mailbox

	// base outlives the tick loop so pausing does not interrupt in-flight
	// runners; it is cancelled only when the session ends.
	base       context.Context
	baseCancel context.CancelFunc
	// runs maps task id to the live runner attempt. Removing an entry
	// transfers ownership of the task's outcome away from that runner
	// goroutine. Guarded by the orchestrator mutex.
	runs map[string]*runHandle

	cancel       context.CancelFunc
	running      bool
	tickFailures int
	reviewAsked  map[string]bool
}

// runHandle identifies one runner attempt. A re-queued task gets a new
// handle, so a stale attempt cannot disturb its successor.
type runHandle struct {
	cancel context.CancelFunc
}

// Orchestrator owns all live session runtimes.
type Orchestrator struct {
	deps   Deps
	states map[string]*sessionState
	mu     sync.Mutex
}

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Config == nil {
		def := config.Default()
		deps.Config = &def
	}
	if deps.Catalog == nil {
		deps.Catalog = agent.DefaultCatalog()
	}
	o := &Orchestrator{deps: deps, states: make(map[string]*sessionState)}
	if deps.Runner != nil {
		deps.Runner.OnArtifact = o.recordArtifact
	}
	return o
}

// recordArtifact attaches a runner-produced artifact to its session and
// announces it.
func (o *Orchestrator) recordArtifact(sessionID, name, content, taskID string) {
	st, err := o.state(sessionID)
	if err != nil {
		return
	}
	a := st.sess.AddArtifact(session.Artifact{
		Type:    "summary",
		Name:    name,
		Content: content,
		TaskID:  taskID,
	})
	if o.deps.Bus != nil {
		o.deps.Bus.Publish(events.ArtifactCreated, sessionID, events.ArtifactPayload{
			ArtifactID: a.ID,
			Name:       a.Name,
			Type:       a.Type,
			TaskID:     taskID,
		})
	}
}

// CreateSession registers a session with its board, pool, and mailbox.
func (o *Orchestrator) CreateSession(task, name string) (*session.Session, error) {
	s, err := o.deps.Sessions.Create(task, name)
	if err != nil {
		return nil, err
	}

	st := o.newState(s)

	o.mu.Lock()
	o.states[s.ID] = st
	o.mu.Unlock()
	return s, nil
}

// newState builds the runtime for a session, including the base context
// runner executions derive from.
func (o *Orchestrator) newState(s *session.Session) *sessionState {
	cfg := o.deps.Config
	base, baseCancel := context.WithCancel(context.Background())
	return &sessionState{
		sess: s,
		board: board.New(s.ID, cfg.Tasks.MaxPerSession, cfg.Tasks.MaxAttempts,
			o.deps.Bus, newMetricsRecorder(s), o.deps.Clock),
		pool:        agent.NewPool(s.ID, cfg.Agents.MaxConcurrent, o.deps.Catalog, o.deps.Bus, o.deps.Clock),
		mailbox:     mailbox.New(s.ID, o.deps.Bus, o.deps.Clock),
		base:        base,
		baseCancel:  baseCancel,
		runs:        make(map[string]*runHandle),
		reviewAsked: make(map[string]bool),
	}
}

// AdoptSession registers a restored session and rehydrates its board and
// mailbox from persisted state. Agents are not revived; the delegation
// phase re-spawns them as tasks come up.
func (o *Orchestrator) AdoptSession(s *session.Session, tasks []*board.Task, msgs []*mailbox.Message) error {
	if err := o.deps.Sessions.Adopt(s); err != nil {
		return err
	}

	st := o.newState(s)
	if err := st.board.Restore(tasks); err != nil {
		return err
	}
	if err := st.mailbox.Restore(msgs); err != nil {
		return err
	}

	o.mu.Lock()
	o.states[s.ID] = st
	o.mu.Unlock()
	return nil
}

// Board returns the session's task board.
func (o *Orchestrator) Board(sessionID string) (*board.Board, error) {
	st, err := o.state(sessionID)
	if err != nil {
		return nil, err
	}
	return st.board, nil
}

// Pool returns the session's agent pool.
func (o *Orchestrator) Pool(sessionID string) (*agent.Pool, error) {
	st, err := o.state(sessionID)
	if err != nil {
		return nil, err
	}
	return st.pool, nil
}

// Mailbox returns the session's mailbox.
func (o *Orchestrator) Mailbox(sessionID string) (*mailbox.Mailbox, error) {
	st, err := o.state(sessionID)
	if err != nil {
		return nil, err
	}
	return st.mailbox, nil
}

// Start moves the session into Planning and begins ticking.
func (o *Orchestrator) Start(ctx context.Context, sessionID string) error {
	st, err := o.state(sessionID)
	if err != nil {
		return err
	}
	if err := o.deps.Sessions.Transition(sessionID, session.StatusPlanning); err != nil {
		return err
	}
	o.startLoop(ctx, st)
	return nil
}

// Pause stops ticking. In-flight agent work is not interrupted: runners
// execute on the session base context, which Pause leaves alone.
func (o *Orchestrator) Pause(sessionID string) error {
	st, err := o.state(sessionID)
	if err != nil {
		return err
	}
	if err := o.deps.Sessions.Transition(sessionID, session.StatusPaused); err != nil {
		return err
	}
	o.stopLoop(st)
	return nil
}

// Resume re-arms the tick loop. The session resumes to Executing when any
// task is in flight or under review, otherwise back to Planning.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) error {
	st, err := o.state(sessionID)
	if err != nil {
		return err
	}
	if st.sess.Status() != session.StatusPaused {
		return swarmerr.Newf(swarmerr.CodeSessionInvalidState,
			"session %s is not paused", sessionID)
	}

	target := session.StatusPlanning
	for _, t := range st.board.List() {
		if t.Status == board.StatusInProgress || t.Status == board.StatusReview {
			target = session.StatusExecuting
			break
		}
	}
	if err := o.deps.Sessions.Transition(sessionID, target); err != nil {
		return err
	}
	o.startLoop(ctx, st)
	return nil
}

// Cancel terminates the session and all its agents.
func (o *Orchestrator) Cancel(sessionID string) error {
	st, err := o.state(sessionID)
	if err != nil {
		return err
	}
	if err := o.deps.Sessions.Transition(sessionID, session.StatusCancelled); err != nil {
		return err
	}
	o.stopLoop(st)
	o.disownRuns(st)
	st.pool.TerminateAll()
	return nil
}

// disownRuns cancels the session base context and forgets every live
// runner, so late results are dropped instead of resolved.
func (o *Orchestrator) disownRuns(st *sessionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st.baseCancel()
	for id, h := range st.runs {
		h.cancel()
		delete(st.runs, id)
	}
}

// registerRun derives a runner context for a task from the session base
// and returns the handle identifying this attempt.
func (o *Orchestrator) registerRun(st *sessionState, taskID string) (context.Context, *runHandle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rctx, cancel := context.WithCancel(st.base)
	h := &runHandle{cancel: cancel}
	st.runs[taskID] = h
	return rctx, h
}

// releaseRun reports whether the attempt identified by h still owns the
// task's outcome, removing the registration when it does. A false return
// means the reaper or teardown resolved the task on the runner's behalf.
func (o *Orchestrator) releaseRun(st *sessionState, taskID string, h *runHandle) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st.runs[taskID] != h {
		return false
	}
	delete(st.runs, taskID)
	h.cancel()
	return true
}

// cancelRun cancels and disowns the task's live runner, if any.
func (o *Orchestrator) cancelRun(st *sessionState, taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := st.runs[taskID]; ok {
		delete(st.runs, taskID)
		h.cancel()
	}
}

// startLoop runs the tick loop until the session pauses, terminates, or
// the context ends. Ticks for one session never overlap: there is exactly
// one loop goroutine and it re-arms the timer after each step.
func (o *Orchestrator) startLoop(ctx context.Context, st *sessionState) {
	o.mu.Lock()
	if st.running {
		o.mu.Unlock()
		return
	}
	lctx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	st.running = true
	o.mu.Unlock()

	interval := o.deps.Config.Orchestration.TickInterval
	if interval <= 0 {
		interval = time.Second
	}

	log.SafeGo("orchestrator-"+st.sess.ID, func() {
		defer o.stopLoop(st)
		timer := time.NewTimer(0)
		defer timer.Stop()

		for {
			select {
			case <-lctx.Done():
				return
			case <-timer.C:
			}

			status := st.sess.Status()
			if status.IsTerminal() || status == session.StatusPaused {
				return
			}

			if err := o.tick(lctx, st); err != nil {
				st.tickFailures++
				log.Error(log.CatOrch, "Tick failed", "sessionID", st.sess.ID,
					"failures", st.tickFailures, "error", err)
				o.publishError(st.sess.ID, status, err)
				if st.tickFailures >= maxTickFailures {
					o.failSession(st, "repeated orchestration failures: "+err.Error())
					return
				}
			} else {
				st.tickFailures = 0
			}

			timer.Reset(interval)
		}
	})
}

// stopLoop cancels the loop context and marks the loop stopped.
func (o *Orchestrator) stopLoop(st *sessionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
	st.running = false
}

// tick runs one phase step.
func (o *Orchestrator) tick(ctx context.Context, st *sessionState) error {
	if o.enforceBudgets(st) {
		return nil
	}
	o.reapStuckTasks(st)
	st.sess.RecordHeartbeat()

	status := st.sess.Status()
	o.publishStep(st.sess.ID, status)

	ctx, span := tracing.Start(ctx, tracing.SpanPrefixTick+status.String(),
		attribute.String(tracing.AttrSessionID, st.sess.ID),
		attribute.String(tracing.AttrSessionStatus, status.String()),
	)
	err := o.step(ctx, st, status)
	tracing.End(span, err)
	return err
}

func (o *Orchestrator) step(ctx context.Context, st *sessionState, status session.Status) error {
	switch status {
	case session.StatusPlanning:
		return o.phasePlanning(ctx, st)
	case session.StatusDelegating:
		return o.phaseDelegating(st)
	case session.StatusExecuting:
		return o.phaseExecuting(st)
	case session.StatusReviewing:
		return o.phaseReviewing(st)
	case session.StatusSynthesizing:
		return o.phaseSynthesizing(st)
	default:
		return nil
	}
}

// enforceBudgets fails the session when it outlives its wall-clock budget
// or exceeds the configured token ceiling. Returns true when it acted.
func (o *Orchestrator) enforceBudgets(st *sessionState) bool {
	cfg := o.deps.Config

	m := st.sess.Metrics()
	if cfg.Sessions.TotalTimeout > 0 && m.StartTime != nil {
		if o.deps.Clock.Now().Sub(*m.StartTime) > cfg.Sessions.TotalTimeout {
			o.failSession(st, "session exceeded total timeout")
			return true
		}
	}
	if cfg.Sessions.TokenCeiling > 0 && m.InputTokens+m.OutputTokens > cfg.Sessions.TokenCeiling {
		o.failSession(st, "session exceeded token ceiling")
		return true
	}
	return false
}

// reapStuckTasks re-queues tasks stuck in execution past the timeout,
// feeding the board's retry policy. The stuck runner is cancelled and
// disowned first so it cannot resolve the task a second time.
func (o *Orchestrator) reapStuckTasks(st *sessionState) {
	timeout := o.deps.Config.Tasks.ExecutionTimeout
	if timeout <= 0 {
		return
	}
	now := o.deps.Clock.Now()
	for _, t := range st.board.GetByStatus(board.StatusInProgress) {
		if t.StartedAt != nil && now.Sub(*t.StartedAt) > timeout {
			log.Warn(log.CatOrch, "Reaping stuck task", "taskID", t.ID, "sessionID", st.sess.ID)
			o.cancelRun(st, t.ID)
			if t.AssignedAgentID != "" {
				_ = st.pool.CompleteAssignment(t.AssignedAgentID, false)
			}
			if _, err := st.board.FailTask(t.ID, "task execution timed out"); err != nil {
				log.Warn(log.CatOrch, "Failed to reap task", "taskID", t.ID, "error", err)
			}
		}
	}
}

// failSession force-fails via any legal path; terminal states are left
// alone.
func (o *Orchestrator) failSession(st *sessionState, reason string) {
	if st.sess.Status().IsTerminal() {
		return
	}
	if err := o.deps.Sessions.Transition(st.sess.ID, session.StatusFailed); err != nil {
		log.Error(log.CatOrch, "Failed to fail session", "sessionID", st.sess.ID, "error", err)
		return
	}
	o.disownRuns(st)
	st.pool.TerminateAll()
	o.publishError(st.sess.ID, session.StatusFailed, swarmerr.Newf(swarmerr.CodeInternal, "%s", reason))
}

func (o *Orchestrator) publishStep(sessionID string, status session.Status) {
	if o.deps.Bus == nil {
		return
	}
	o.deps.Bus.Publish(events.OrchestrationStep, sessionID, events.OrchestrationPayload{
		Phase: status.String(),
	})
}

func (o *Orchestrator) publishError(sessionID string, status session.Status, err error) {
	if o.deps.Bus == nil {
		return
	}
	o.deps.Bus.Publish(events.OrchestrationError, sessionID, events.OrchestrationPayload{
		Phase: status.String(),
		Err:   err.Error(),
	})
}

func (o *Orchestrator) state(sessionID string) (*sessionState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.states[sessionID]
	if !ok {
		return nil, swarmerr.Newf(swarmerr.CodeSessionNotFound, "session not found: %s", sessionID)
	}
	return st, nil
}

// sessionMetrics adapts a session to the board's metrics recorder.
type sessionMetrics struct {
	sess *session.Session
}

func newMetricsRecorder(s *session.Session) board.MetricsRecorder {
	return &sessionMetrics{sess: s}
}

func (m *sessionMetrics) TaskCompleted() {
	m.sess.UpdateMetrics(func(mm *session.Metrics) { mm.TasksCompleted++ })
	m.sess.RecordProgress()
}

func (m *sessionMetrics) TaskFailed() {
	m.sess.UpdateMetrics(func(mm *session.Metrics) { mm.TasksFailed++ })
}
