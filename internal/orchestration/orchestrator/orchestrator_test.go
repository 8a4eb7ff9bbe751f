package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/swarm/internal/clock"
	"github.com/zjrosen/swarm/internal/config"
	"github.com/zjrosen/swarm/internal/fileaccess"
	"github.com/zjrosen/swarm/internal/orchestration/agent"
	"github.com/zjrosen/swarm/internal/orchestration/board"
	"github.com/zjrosen/swarm/internal/orchestration/costs"
	"github.com/zjrosen/swarm/internal/orchestration/mailbox"
	"github.com/zjrosen/swarm/internal/orchestration/provider"
	"github.com/zjrosen/swarm/internal/orchestration/runner"
	"github.com/zjrosen/swarm/internal/orchestration/session"
	"github.com/zjrosen/swarm/internal/orchestration/swarmerr"
	"github.com/zjrosen/swarm/internal/orchestration/toolhost"
)

type env struct {
	o        *Orchestrator
	sessions *session.Store
	ledger   *costs.Ledger
	clk      *clock.Fake
	cfg      *config.Config
}

func newEnv(t *testing.T, p provider.ModelProvider, mutate func(*config.Config)) *env {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	cfg := config.Default()
	cfg.Orchestration.TickInterval = 2 * time.Millisecond
	cfg.Orchestration.ModelTimeout = time.Second
	cfg.Tasks.ExecutionTimeout = 0
	if mutate != nil {
		mutate(&cfg)
	}

	fa, err := fileaccess.New(t.TempDir())
	require.NoError(t, err)
	host, err := toolhost.New(fa, nil, time.Second)
	require.NoError(t, err)

	sessions := session.NewStore(0, nil, clk)
	ledger := costs.NewLedger(costs.NewPricingTable(), nil, clk)
	r := runner.New(runner.Config{
		Provider: p,
		Host:     host,
		Ledger:   ledger,
		Clock:    clk,
	})

	o := New(Deps{
		Sessions: sessions,
		Provider: p,
		Runner:   r,
		Ledger:   ledger,
		Clock:    clk,
		Config:   &cfg,
	})
	return &env{o: o, sessions: sessions, ledger: ledger, clk: clk, cfg: &cfg}
}

// newPlanningState creates a session already moved into Planning.
func (e *env) newPlanningState(t *testing.T) *sessionState {
	t.Helper()
	s, err := e.o.CreateSession("build a markdown parser", "")
	require.NoError(t, err)
	require.NoError(t, e.sessions.Transition(s.ID, session.StatusPlanning))
	st, err := e.o.state(s.ID)
	require.NoError(t, err)
	return st
}

func TestOrchestrator_PlanningFallback(t *testing.T) {
	e := newEnv(t, provider.Offline{}, nil)
	st := e.newPlanningState(t)

	// The offline provider cannot produce a decomposition; planning falls
	// back to the generic pipeline.
	require.NoError(t, e.o.phasePlanning(context.Background(), st))
	require.Equal(t, session.StatusDelegating, st.sess.Status())

	tasks := st.board.List()
	require.Len(t, tasks, 5)
	require.Equal(t, board.StatusReady, tasks[0].Status, "only the research task starts unblocked")
	for _, task := range tasks[1:] {
		require.Equal(t, board.StatusPending, task.Status)
	}

	order, err := st.board.ExecutionOrder()
	require.NoError(t, err)
	require.Len(t, order, 5)

	// Re-entering planning must not duplicate the plan.
	require.NoError(t, e.sessions.Transition(st.sess.ID, session.StatusPaused))
	require.NoError(t, e.sessions.Transition(st.sess.ID, session.StatusPlanning))
	require.NoError(t, e.o.phasePlanning(context.Background(), st))
	require.Equal(t, 5, st.board.Count())
}

func TestOrchestrator_PlanningFromModel(t *testing.T) {
	plan := `Here is the decomposition: {"tasks": [
		{"title": "Design schema", "description": "Define the tables.",
		 "type": "design", "priority": "high", "role": "architect",
		 "acceptance_criteria": ["tables defined"], "estimated_tokens": 2000},
		{"title": "Implement API", "description": "Build the endpoints.",
		 "type": "bogus", "priority": "medium", "role": "wizard",
		 "dependencies": ["task_0"]}
	]}`
	p := provider.NewScripted(provider.Step{Response: provider.Response{
		Content: plan,
		Usage:   provider.Usage{InputTokens: 500, OutputTokens: 100},
	}})
	e := newEnv(t, p, nil)
	st := e.newPlanningState(t)

	require.NoError(t, e.o.phasePlanning(context.Background(), st))

	tasks := st.board.List()
	require.Len(t, tasks, 2)

	design := tasks[0]
	require.Equal(t, board.TypeDesign, design.Type)
	require.Equal(t, string(agent.RoleArchitect), design.AssignedRole)
	require.Equal(t, 2000, design.EstimatedTokens)
	require.Equal(t, board.StatusReady, design.Status)

	impl := tasks[1]
	require.Equal(t, board.TypeImplementation, impl.Type, "unknown types coerce to implementation")
	require.Equal(t, string(agent.RoleDeveloper), impl.AssignedRole, "unknown roles fall back to the task-type mapping")
	require.Equal(t, defaultEstimatedTokens, impl.EstimatedTokens)
	require.Equal(t, []string{design.ID}, impl.BlockedBy)

	// Planning usage is priced and folded into the session metrics.
	recs := e.ledger.Records(st.sess.ID)
	require.Len(t, recs, 1)
	require.Equal(t, costs.RequestPlanning, recs[0].RequestType)
	require.Equal(t, 500, st.sess.Metrics().InputTokens)
}

func TestOrchestrator_Delegating(t *testing.T) {
	e := newEnv(t, provider.Offline{}, nil)
	st := e.newPlanningState(t)

	_, err := st.board.CreateTask(board.CreateInput{Title: "first", Type: board.TypeImplementation})
	require.NoError(t, err)
	_, err = st.board.CreateTask(board.CreateInput{Title: "second", Type: board.TypeTesting})
	require.NoError(t, err)
	require.NoError(t, e.sessions.Transition(st.sess.ID, session.StatusDelegating))

	require.NoError(t, e.o.phaseDelegating(st))
	require.Equal(t, session.StatusExecuting, st.sess.Status())
	require.Equal(t, 2, st.sess.Metrics().AgentsSpawned)

	// Each worker got its assignment message.
	for _, a := range st.pool.List() {
		inbox := st.mailbox.Inbox(a.ID, mailbox.Filter{Type: mailbox.TypeTaskAssignment})
		require.Len(t, inbox, 1)
		require.Equal(t, mailbox.RecipientLead, inbox[0].From)
	}

	// The offline runner finishes both tasks in the background.
	require.Eventually(t, st.board.AllFinished, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 2, st.sess.Metrics().TasksCompleted)
}

func TestOrchestrator_Delegating_PoolCap(t *testing.T) {
	e := newEnv(t, provider.Offline{}, func(cfg *config.Config) {
		cfg.Agents.MaxConcurrent = 1
	})
	st := e.newPlanningState(t)

	for i := 0; i < 3; i++ {
		_, err := st.board.CreateTask(board.CreateInput{Type: board.TypeImplementation})
		require.NoError(t, err)
	}
	require.NoError(t, e.sessions.Transition(st.sess.ID, session.StatusDelegating))

	require.NoError(t, e.o.phaseDelegating(st))
	require.Equal(t, 1, st.pool.LiveCount(), "delegation stops at the pool cap")
}

func TestOrchestrator_ExecutingRoutes(t *testing.T) {
	e := newEnv(t, provider.Offline{}, nil)
	st := e.newPlanningState(t)
	task, err := st.board.CreateTask(board.CreateInput{Type: board.TypeImplementation})
	require.NoError(t, err)

	require.NoError(t, e.sessions.Transition(st.sess.ID, session.StatusDelegating))
	require.NoError(t, e.sessions.Transition(st.sess.ID, session.StatusExecuting))

	// Ready but unassigned work sends the session back to delegation.
	require.NoError(t, e.o.phaseExecuting(st))
	require.Equal(t, session.StatusDelegating, st.sess.Status())

	// Everything finished moves to synthesis.
	worker, err := e.o.spawnAgent(st, agent.RoleDeveloper)
	require.NoError(t, err)
	_, err = st.board.AssignTask(task.ID, worker.ID)
	require.NoError(t, err)
	_, err = st.board.Start(task.ID)
	require.NoError(t, err)
	_, err = st.board.CompleteTask(task.ID, board.Result{Success: true})
	require.NoError(t, err)

	require.NoError(t, e.sessions.Transition(st.sess.ID, session.StatusExecuting))
	require.NoError(t, e.o.phaseExecuting(st))
	require.Equal(t, session.StatusSynthesizing, st.sess.Status())
}

func TestOrchestrator_Synthesizing(t *testing.T) {
	e := newEnv(t, provider.Offline{}, nil)
	st := e.newPlanningState(t)
	require.NoError(t, e.sessions.Transition(st.sess.ID, session.StatusDelegating))
	require.NoError(t, e.sessions.Transition(st.sess.ID, session.StatusExecuting))
	require.NoError(t, e.sessions.Transition(st.sess.ID, session.StatusSynthesizing))
	_, err := e.o.spawnAgent(st, agent.RoleDeveloper)
	require.NoError(t, err)

	require.NoError(t, e.o.phaseSynthesizing(st))
	require.Equal(t, session.StatusComplete, st.sess.Status())
	require.Zero(t, st.pool.LiveCount())

	arts := st.sess.Artifacts()
	require.Len(t, arts, 1)
	require.Equal(t, "session-summary", arts[0].Name)
	require.Len(t, st.mailbox.Broadcasts(), 1)
}

func TestOrchestrator_FullLifecycle(t *testing.T) {
	e := newEnv(t, provider.Offline{}, nil)
	s, err := e.o.CreateSession("add pagination to the listing endpoint", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.o.Start(ctx, s.ID))

	require.Eventually(t, func() bool {
		return s.Status() == session.StatusComplete
	}, 5*time.Second, 10*time.Millisecond)

	m := s.Metrics()
	require.Equal(t, 5, m.TasksCompleted)
	require.Zero(t, m.TasksFailed)
	require.Positive(t, m.AgentsSpawned)

	st, err := e.o.state(s.ID)
	require.NoError(t, err)
	require.True(t, st.board.AllFinished())
	require.Zero(t, st.pool.LiveCount())

	var names []string
	for _, a := range s.Artifacts() {
		names = append(names, a.Name)
	}
	require.Contains(t, names, "session-summary")
}

func TestOrchestrator_PauseResume(t *testing.T) {
	e := newEnv(t, provider.Offline{}, func(cfg *config.Config) {
		cfg.Orchestration.TickInterval = time.Hour
	})
	s, err := e.o.CreateSession("task", "")
	require.NoError(t, err)
	st, err := e.o.state(s.ID)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, e.o.Start(ctx, s.ID))

	// The immediate first tick runs planning, then the loop parks.
	require.Eventually(t, func() bool {
		return s.Status() == session.StatusDelegating
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.o.Pause(s.ID))
	require.Equal(t, session.StatusPaused, s.Status())

	// Nothing in flight resumes to Planning.
	require.NoError(t, e.o.Resume(ctx, s.ID))
	require.Eventually(t, func() bool {
		return s.Status() != session.StatusPaused
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return s.Status() == session.StatusDelegating
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, e.o.Pause(s.ID))

	// With a task in flight the session resumes straight to Executing.
	worker, err := e.o.spawnAgent(st, agent.RoleDeveloper)
	require.NoError(t, err)
	ready := st.board.GetReady()
	require.NotEmpty(t, ready)
	_, err = st.board.AssignTask(ready[0].ID, worker.ID)
	require.NoError(t, err)
	_, err = st.board.Start(ready[0].ID)
	require.NoError(t, err)

	require.NoError(t, e.o.Resume(ctx, s.ID))
	require.Equal(t, session.StatusExecuting, s.Status())

	require.NoError(t, e.o.Cancel(s.ID))
	require.Equal(t, session.StatusCancelled, s.Status())
	require.Zero(t, st.pool.LiveCount())
}

func TestOrchestrator_Resume_NotPaused(t *testing.T) {
	e := newEnv(t, provider.Offline{}, nil)
	s, err := e.o.CreateSession("task", "")
	require.NoError(t, err)

	err = e.o.Resume(context.Background(), s.ID)
	require.ErrorIs(t, err, swarmerr.ErrSessionInvalidState)
}

func TestOrchestrator_TokenCeiling(t *testing.T) {
	e := newEnv(t, provider.Offline{}, func(cfg *config.Config) {
		cfg.Sessions.TokenCeiling = 100
	})
	st := e.newPlanningState(t)
	st.sess.UpdateMetrics(func(m *session.Metrics) { m.InputTokens = 200 })

	require.NoError(t, e.o.tick(context.Background(), st))
	require.Equal(t, session.StatusFailed, st.sess.Status())
}

func TestOrchestrator_TotalTimeout(t *testing.T) {
	e := newEnv(t, provider.Offline{}, func(cfg *config.Config) {
		cfg.Sessions.TotalTimeout = time.Minute
	})
	st := e.newPlanningState(t)

	e.clk.Advance(2 * time.Minute)
	require.NoError(t, e.o.tick(context.Background(), st))
	require.Equal(t, session.StatusFailed, st.sess.Status())
}

func TestOrchestrator_ReapStuckTasks(t *testing.T) {
	e := newEnv(t, provider.Offline{}, func(cfg *config.Config) {
		cfg.Tasks.ExecutionTimeout = time.Minute
	})
	st := e.newPlanningState(t)

	task, err := st.board.CreateTask(board.CreateInput{Type: board.TypeImplementation})
	require.NoError(t, err)
	worker, err := e.o.spawnAgent(st, agent.RoleDeveloper)
	require.NoError(t, err)
	_, err = st.board.AssignTask(task.ID, worker.ID)
	require.NoError(t, err)
	require.NoError(t, st.pool.Assign(worker.ID, task.ID))
	_, err = st.board.Start(task.ID)
	require.NoError(t, err)

	// Within the timeout nothing happens.
	e.o.reapStuckTasks(st)
	got, err := st.board.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, board.StatusInProgress, got.Status)

	e.clk.Advance(2 * time.Minute)
	e.o.reapStuckTasks(st)

	// First attempt failed; the retry policy re-queues the task and the
	// agent returns to the pool.
	got, err = st.board.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, board.StatusReady, got.Status)
	require.Empty(t, got.AssignedAgentID)
	require.Equal(t, agent.StatusIdle, worker.Status())
	require.Equal(t, []string{task.ID}, worker.FailedTasks())
}

// gateProvider parks completions until released or cancelled, so tests
// can hold a runner in flight.
type gateProvider struct {
	release   chan struct{}
	started   chan struct{}
	cancelled chan struct{}
}

func newGateProvider() *gateProvider {
	return &gateProvider{
		release:   make(chan struct{}),
		started:   make(chan struct{}, 8),
		cancelled: make(chan struct{}, 8),
	}
}

func (g *gateProvider) Complete(ctx context.Context, _ provider.Request) (provider.Response, error) {
	select {
	case g.started <- struct{}{}:
	default:
	}
	select {
	case <-g.release:
		return provider.Response{Content: "finished the work", StopReason: provider.StopEndTurn}, nil
	case <-ctx.Done():
		select {
		case g.cancelled <- struct{}{}:
		default:
		}
		return provider.Response{}, ctx.Err()
	}
}

func TestOrchestrator_Pause_LeavesRunnersRunning(t *testing.T) {
	g := newGateProvider()
	e := newEnv(t, g, func(cfg *config.Config) {
		cfg.Orchestration.TickInterval = time.Hour
	})
	st := e.newPlanningState(t)

	task, err := st.board.CreateTask(board.CreateInput{Type: board.TypeImplementation})
	require.NoError(t, err)
	worker, err := e.o.spawnAgent(st, agent.RoleDeveloper)
	require.NoError(t, err)
	require.NoError(t, e.o.assign(st, worker, task))
	<-g.started

	require.NoError(t, e.o.Pause(st.sess.ID))
	require.Equal(t, session.StatusPaused, st.sess.Status())

	// The in-flight execution is untouched: no attempt burned, the agent
	// still holds the task.
	got, err := st.board.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, board.StatusInProgress, got.Status)
	require.Zero(t, got.Attempts)
	require.Equal(t, agent.StatusWorking, worker.Status())

	// Released after the pause, the runner finishes normally.
	close(g.release)
	require.Eventually(t, func() bool {
		got, err := st.board.Get(task.ID)
		return err == nil && got.Status == board.StatusComplete
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{task.ID}, worker.CompletedTasks())
}

func TestOrchestrator_Reap_CancelsAndDisownsRunner(t *testing.T) {
	g := newGateProvider()
	e := newEnv(t, g, func(cfg *config.Config) {
		cfg.Tasks.ExecutionTimeout = time.Minute
	})
	st := e.newPlanningState(t)

	task, err := st.board.CreateTask(board.CreateInput{Type: board.TypeImplementation})
	require.NoError(t, err)
	worker, err := e.o.spawnAgent(st, agent.RoleDeveloper)
	require.NoError(t, err)
	require.NoError(t, e.o.assign(st, worker, task))
	<-g.started

	e.clk.Advance(2 * time.Minute)
	e.o.reapStuckTasks(st)

	// The stale runner's context is cancelled before the task is failed.
	select {
	case <-g.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not cancel the runner context")
	}

	got, err := st.board.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, board.StatusReady, got.Status)
	require.Equal(t, 1, got.Attempts)
	require.Equal(t, agent.StatusIdle, worker.Status())

	// A retry proceeds cleanly; the disowned first attempt cannot resolve
	// the task a second time.
	require.NoError(t, e.o.assign(st, worker, task))
	<-g.started
	close(g.release)
	require.Eventually(t, func() bool {
		cur, err := st.board.Get(task.ID)
		return err == nil && cur.Status == board.StatusComplete
	}, 2*time.Second, 5*time.Millisecond)

	final, err := st.board.Get(task.ID)
	require.NoError(t, err)
	require.Equal(t, 1, final.Attempts, "the reaped attempt is the only failure")
	require.Equal(t, []string{task.ID}, worker.FailedTasks())
	require.Equal(t, []string{task.ID}, worker.CompletedTasks())
}

func TestOrchestrator_Reviewing_OneRequestPerRound(t *testing.T) {
	e := newEnv(t, provider.Offline{}, nil)
	st := e.newPlanningState(t)

	task, err := st.board.CreateTask(board.CreateInput{Type: board.TypeImplementation})
	require.NoError(t, err)
	dev, err := e.o.spawnAgent(st, agent.RoleDeveloper)
	require.NoError(t, err)
	_, err = st.board.AssignTask(task.ID, dev.ID)
	require.NoError(t, err)
	_, err = st.board.Start(task.ID)
	require.NoError(t, err)
	_, err = st.board.MoveToReview(task.ID)
	require.NoError(t, err)

	require.NoError(t, e.sessions.Transition(st.sess.ID, session.StatusDelegating))
	require.NoError(t, e.sessions.Transition(st.sess.ID, session.StatusExecuting))
	require.NoError(t, e.sessions.Transition(st.sess.ID, session.StatusReviewing))

	// Repeated ticks in the same round do not repeat the request.
	require.NoError(t, e.o.phaseReviewing(st))
	require.NoError(t, e.o.phaseReviewing(st))

	reviewers := st.pool.ByRole(agent.RoleReviewer)
	require.Len(t, reviewers, 1)
	inbox := st.mailbox.Inbox(reviewers[0].ID, mailbox.Filter{Type: mailbox.TypeReviewRequest})
	require.Len(t, inbox, 1)
	require.Equal(t, task.ID, inbox[0].TaskID)

	// An empty board ends the round.
	_, err = st.board.MoveToRevision(task.ID)
	require.NoError(t, err)
	require.NoError(t, e.o.phaseReviewing(st))
	require.Equal(t, session.StatusExecuting, st.sess.Status())

	// The task re-entering review starts a new round and asks again.
	_, err = st.board.Start(task.ID)
	require.NoError(t, err)
	_, err = st.board.MoveToReview(task.ID)
	require.NoError(t, err)
	require.NoError(t, e.sessions.Transition(st.sess.ID, session.StatusReviewing))
	require.NoError(t, e.o.phaseReviewing(st))

	inbox = st.mailbox.Inbox(reviewers[0].ID, mailbox.Filter{Type: mailbox.TypeReviewRequest})
	require.Len(t, inbox, 2)
}

func TestOrchestrator_AdoptSession(t *testing.T) {
	e := newEnv(t, provider.Offline{}, nil)
	clk := e.clk

	// Build donor state as a previous process would have persisted it.
	donor := board.New("restored", 0, 3, nil, nil, clk)
	first, err := donor.CreateTask(board.CreateInput{Title: "first", Type: board.TypeImplementation})
	require.NoError(t, err)
	second, err := donor.CreateTask(board.CreateInput{
		Title: "second", Type: board.TypeTesting, BlockedBy: []string{first.ID},
	})
	require.NoError(t, err)

	donorMail := mailbox.New("restored", nil, clk)
	donorMail.Register("agent-a")
	_, err = donorMail.Send(mailbox.SendInput{From: mailbox.RecipientLead, To: "agent-a", Content: "hello"})
	require.NoError(t, err)

	restored := session.FromSnapshot(session.Snapshot{
		ID:           "restored",
		OriginalTask: "finish the migration",
		Status:       session.StatusPaused,
	}, clk)

	require.NoError(t, e.o.AdoptSession(restored, donor.List(), donorMail.History()))

	b, err := e.o.Board("restored")
	require.NoError(t, err)
	require.Equal(t, 2, b.Count())
	got, err := b.Get(second.ID)
	require.NoError(t, err)
	require.Equal(t, board.StatusPending, got.Status, "dependencies survive adoption")

	mb, err := e.o.Mailbox("restored")
	require.NoError(t, err)
	require.Equal(t, 1, mb.Count())

	// Adopting the same session twice is refused.
	err = e.o.AdoptSession(restored, nil, nil)
	require.ErrorIs(t, err, swarmerr.ErrValidation)

	// A restored paused session resumes through the normal path and runs
	// to completion on the offline provider.
	require.NoError(t, e.o.Resume(context.Background(), "restored"))
	require.NotEqual(t, session.StatusPaused, restored.Status())
	require.Eventually(t, func() bool {
		return restored.Status().IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
}
