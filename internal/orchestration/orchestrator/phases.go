package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zjrosen/swarm/internal/log"
	"github.com/zjrosen/swarm/internal/orchestration/agent"
	"github.com/zjrosen/swarm/internal/orchestration/board"
	"github.com/zjrosen/swarm/internal/orchestration/costs"
	"github.com/zjrosen/swarm/internal/orchestration/mailbox"
	"github.com/zjrosen/swarm/internal/orchestration/provider"
	"github.com/zjrosen/swarm/internal/orchestration/session"
)

// planningSystemPrompt instructs the lead model to emit a machine-readable
// decomposition. Dependencies use symbolic indices resolved after parsing.
const planningSystemPrompt = `You are the lead of a team of software agents.
Decompose the user's task into subtasks. Respond with a JSON object:
{"tasks": [{"title": string, "description": string, "type": string,
"priority": string, "role": string, "acceptance_criteria": [string],
"dependencies": [string], "estimated_tokens": number}]}
where type is one of design, implementation, refactoring, testing, review,
documentation, configuration, research, integration; priority is one of
critical, high, medium, low; and dependencies reference earlier tasks by
symbolic index task_0..task_n.`

// plannedTask is the model's per-task JSON shape.
type plannedTask struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Type               string   `json:"type"`
	Priority           string   `json:"priority"`
	Role               string   `json:"role"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Dependencies       []string `json:"dependencies"`
	EstimatedTokens    int      `json:"estimated_tokens"`
}

const defaultEstimatedTokens = 3000

// phasePlanning fills an empty board with a task decomposition, then
// moves to Delegating.
func (o *Orchestrator) phasePlanning(ctx context.Context, st *sessionState) error {
	if st.board.Count() == 0 {
		planned, err := o.decompose(ctx, st)
		if err != nil {
			log.Warn(log.CatOrch, "Decomposition failed, using fallback plan",
				"sessionID", st.sess.ID, "error", err)
			planned = fallbackPlan(st.sess.OriginalTask)
		}
		if err := o.populateBoard(st, planned); err != nil {
			return err
		}
		st.sess.RecordProgress()
	}
	return o.deps.Sessions.Transition(st.sess.ID, session.StatusDelegating)
}

// decompose asks the lead model to plan the session's task.
func (o *Orchestrator) decompose(ctx context.Context, st *sessionState) ([]plannedTask, error) {
	model := st.sess.LeadModel
	if model == "" {
		model = o.deps.Config.Orchestration.LeadModel
	}

	cctx, cancel := context.WithTimeout(ctx, o.deps.Config.Orchestration.ModelTimeout)
	defer cancel()

	resp, err := o.deps.Provider.Complete(cctx, provider.Request{
		Model:  model,
		System: planningSystemPrompt,
		Messages: []provider.Message{
			{Role: provider.RoleUser, Content: st.sess.OriginalTask},
		},
	})
	if err != nil {
		return nil, err
	}

	o.recordPlanningUsage(st, model, resp.Usage)

	var parsed struct {
		Tasks []plannedTask `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		return nil, fmt.Errorf("parsing decomposition: %w", err)
	}
	if len(parsed.Tasks) == 0 {
		return nil, fmt.Errorf("decomposition produced no tasks")
	}
	return parsed.Tasks, nil
}

func (o *Orchestrator) recordPlanningUsage(st *sessionState, model string, u provider.Usage) {
	if u.InputTokens == 0 && u.OutputTokens == 0 {
		return
	}
	if o.deps.Ledger != nil {
		o.deps.Ledger.RecordUsage(st.sess.ID, costs.Usage{
			ModelID:      model,
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
		}, costs.RecordInput{RequestType: costs.RequestPlanning})
	}
	o.syncCostMetrics(st, u)
}

// syncCostMetrics folds consumption into the session metrics. The ledger,
// when present, is authoritative; otherwise raw token counts accumulate.
func (o *Orchestrator) syncCostMetrics(st *sessionState, u provider.Usage) {
	if o.deps.Ledger != nil {
		sum := o.deps.Ledger.Summary(st.sess.ID)
		st.sess.UpdateMetrics(func(m *session.Metrics) {
			m.InputTokens = sum.InputTokens
			m.OutputTokens = sum.OutputTokens
			m.TotalCostUSD = sum.TotalCostUSD
		})
		return
	}
	st.sess.UpdateMetrics(func(m *session.Metrics) {
		m.InputTokens += u.InputTokens
		m.OutputTokens += u.OutputTokens
	})
}

// extractJSON tolerates models that wrap JSON in code fences or prose.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

// fallbackPlan is the five-task decomposition used when the model cannot
// produce one.
func fallbackPlan(task string) []plannedTask {
	mk := func(title, typ string, deps ...string) plannedTask {
		return plannedTask{
			Title:        title,
			Description:  fmt.Sprintf("%s for: %s", title, task),
			Type:         typ,
			Priority:     string(board.PriorityMedium),
			Dependencies: deps,
		}
	}
	return []plannedTask{
		mk("Research the problem", string(board.TypeResearch)),
		mk("Design the solution", string(board.TypeDesign), "task_0"),
		mk("Implement the solution", string(board.TypeImplementation), "task_1"),
		mk("Test the implementation", string(board.TypeTesting), "task_2"),
		mk("Review the changes", string(board.TypeReview), "task_3"),
	}
}

// populateBoard creates tasks then wires symbolic dependencies.
func (o *Orchestrator) populateBoard(st *sessionState, planned []plannedTask) error {
	ids := make([]string, len(planned))

	for i, p := range planned {
		typ := board.TaskType(p.Type)
		switch typ {
		case board.TypeDesign, board.TypeImplementation, board.TypeRefactoring,
			board.TypeTesting, board.TypeReview, board.TypeDocumentation,
			board.TypeConfiguration, board.TypeResearch, board.TypeIntegration:
		default:
			typ = board.TypeImplementation
		}

		role := p.Role
		if _, ok := agent.ParseRole(role); !ok {
			role = string(agent.RoleForTaskType(typ))
		}

		est := p.EstimatedTokens
		if est <= 0 {
			est = defaultEstimatedTokens
		}

		t, err := st.board.CreateTask(board.CreateInput{
			Title:              p.Title,
			Description:        p.Description,
			AcceptanceCriteria: p.AcceptanceCriteria,
			Type:               typ,
			Priority:           board.Priority(p.Priority),
			AssignedRole:       role,
			EstimatedTokens:    est,
		})
		if err != nil {
			return err
		}
		ids[i] = t.ID
	}

	for i, p := range planned {
		for _, dep := range p.Dependencies {
			var idx int
			if _, err := fmt.Sscanf(dep, "task_%d", &idx); err != nil {
				continue
			}
			if idx < 0 || idx >= len(ids) || idx == i {
				continue
			}
			if err := st.board.AddDependency(ids[i], ids[idx]); err != nil {
				log.Warn(log.CatOrch, "Skipping planned dependency",
					"taskID", ids[i], "dependsOn", ids[idx], "error", err)
			}
		}
	}
	return nil
}

// phaseDelegating matches ready tasks with idle agents, spawning up to the
// pool cap, then moves to Executing.
func (o *Orchestrator) phaseDelegating(st *sessionState) error {
	for _, t := range st.board.GetReady() {
		if t.AssignedAgentID != "" {
			continue
		}

		role := agent.Role(t.AssignedRole)
		if _, ok := o.deps.Catalog.Get(role); !ok {
			role = agent.RoleForTaskType(t.Type)
		}

		worker := o.idleAgent(st, role)
		if worker == nil {
			spawned, err := o.spawnAgent(st, role)
			if err != nil {
				// Pool at capacity; the rest of the ready tasks wait.
				break
			}
			worker = spawned
		}

		if err := o.assign(st, worker, t); err != nil {
			return err
		}
	}
	return o.deps.Sessions.Transition(st.sess.ID, session.StatusExecuting)
}

// idleAgent finds an idle agent of the given role.
func (o *Orchestrator) idleAgent(st *sessionState, role agent.Role) *agent.Instance {
	for _, a := range st.pool.Idle() {
		if a.Role == role {
			return a
		}
	}
	return nil
}

// spawnAgent adds a worker and registers it with the mailbox.
func (o *Orchestrator) spawnAgent(st *sessionState, role agent.Role) (*agent.Instance, error) {
	a, err := st.pool.Spawn(role, "")
	if err != nil {
		return nil, err
	}
	if err := st.pool.SetStatus(a.ID, agent.StatusIdle); err != nil {
		return nil, err
	}
	st.mailbox.Register(a.ID)
	st.sess.UpdateMetrics(func(m *session.Metrics) { m.AgentsSpawned++ })
	return a, nil
}

// assign binds task to agent, posts the assignment message, and launches
// the execution loop.
func (o *Orchestrator) assign(st *sessionState, worker *agent.Instance, t *board.Task) error {
	if _, err := st.board.AssignTask(t.ID, worker.ID); err != nil {
		return err
	}
	if err := st.pool.Assign(worker.ID, t.ID); err != nil {
		if _, uerr := st.board.UnassignTask(t.ID); uerr != nil {
			log.Warn(log.CatOrch, "Unassign after pool failure failed", "taskID", t.ID, "error", uerr)
		}
		return err
	}

	if _, err := st.mailbox.Send(mailbox.SendInput{
		From:     mailbox.RecipientLead,
		To:       worker.ID,
		Type:     mailbox.TypeTaskAssignment,
		Subject:  t.Title,
		Content:  t.Description,
		Priority: assignmentPriority(t.Priority),
		TaskID:   t.ID,
	}); err != nil {
		return err
	}
	st.sess.UpdateMetrics(func(m *session.Metrics) { m.MessagesSent++ })

	o.launchRunner(st, worker, t)
	return nil
}

// assignmentPriority maps task priority onto message priority.
func assignmentPriority(p board.Priority) mailbox.Priority {
	switch p {
	case board.PriorityCritical:
		return mailbox.PriorityUrgent
	case board.PriorityHigh:
		return mailbox.PriorityHigh
	default:
		return mailbox.PriorityNormal
	}
}

// launchRunner executes the task out-of-band and folds the result back
// into the board and pool. The runner context derives from the session
// base, not the tick loop, so a pause leaves the execution running.
func (o *Orchestrator) launchRunner(st *sessionState, worker *agent.Instance, t *board.Task) {
	rctx, h := o.registerRun(st, t.ID)
	log.SafeGo("runner-"+t.ID, func() {
		started, err := st.board.Start(t.ID)
		if err != nil {
			log.Warn(log.CatOrch, "Task start failed", "taskID", t.ID, "error", err)
			o.releaseRun(st, t.ID, h)
			return
		}

		result := o.deps.Runner.Run(rctx, st.sess.ID, worker, started)
		o.syncCostMetrics(st, provider.Usage{})

		if !o.releaseRun(st, t.ID, h) {
			// The reaper or teardown already resolved this task.
			return
		}

		if result.Success {
			if _, err := st.board.CompleteTask(t.ID, result); err != nil {
				log.Warn(log.CatOrch, "Task completion failed", "taskID", t.ID, "error", err)
			}
		} else {
			if _, err := st.board.FailTask(t.ID, result.Summary); err != nil {
				log.Warn(log.CatOrch, "Task failure recording failed", "taskID", t.ID, "error", err)
			}
		}
		if err := st.pool.CompleteAssignment(worker.ID, result.Success); err != nil {
			log.Warn(log.CatOrch, "Pool release failed", "agentID", worker.ID, "error", err)
		}
	})
}

// phaseExecuting routes the session based on board state.
func (o *Orchestrator) phaseExecuting(st *sessionState) error {
	for _, t := range st.board.GetReady() {
		if t.AssignedAgentID == "" {
			return o.deps.Sessions.Transition(st.sess.ID, session.StatusDelegating)
		}
	}
	if len(st.board.GetByStatus(board.StatusReview)) > 0 {
		return o.deps.Sessions.Transition(st.sess.ID, session.StatusReviewing)
	}
	if st.board.Count() > 0 && st.board.AllFinished() {
		return o.deps.Sessions.Transition(st.sess.ID, session.StatusSynthesizing)
	}
	return nil
}

// phaseReviewing makes sure review requests are in reviewer inboxes, then
// returns to Executing once nothing is under review. Each task gets one
// request per review round; a task re-entering review asks again.
func (o *Orchestrator) phaseReviewing(st *sessionState) error {
	reviewTasks := st.board.GetByStatus(board.StatusReview)
	if len(reviewTasks) == 0 {
		st.reviewAsked = make(map[string]bool)
		return o.deps.Sessions.Transition(st.sess.ID, session.StatusExecuting)
	}

	inReview := make(map[string]bool, len(reviewTasks))
	for _, t := range reviewTasks {
		inReview[t.ID] = true
	}
	for id := range st.reviewAsked {
		if !inReview[id] {
			delete(st.reviewAsked, id)
		}
	}

	for _, t := range reviewTasks {
		if st.reviewAsked[t.ID] {
			continue
		}
		reviewer := o.idleAgent(st, agent.RoleReviewer)
		if reviewer == nil {
			spawned, err := o.spawnAgent(st, agent.RoleReviewer)
			if err != nil {
				break
			}
			reviewer = spawned
		}
		if _, err := st.mailbox.Send(mailbox.SendInput{
			From:     mailbox.RecipientLead,
			To:       reviewer.ID,
			Type:     mailbox.TypeReviewRequest,
			Subject:  "Code review requested: " + t.Title,
			Content:  "Please review the changes for this task.",
			Priority: mailbox.PriorityHigh,
			TaskID:   t.ID,
		}); err != nil {
			return err
		}
		st.reviewAsked[t.ID] = true
		st.sess.UpdateMetrics(func(m *session.Metrics) { m.MessagesSent++ })
	}
	return nil
}

// phaseSynthesizing finalises the session: summary artifact, completion
// broadcast, agent teardown, Complete.
func (o *Orchestrator) phaseSynthesizing(st *sessionState) error {
	m := st.sess.Metrics()
	summary := fmt.Sprintf("Session finished: %d tasks completed, %d failed, %d agents, $%.4f",
		m.TasksCompleted, m.TasksFailed, m.AgentsSpawned, m.TotalCostUSD)

	st.sess.AddArtifact(session.Artifact{
		Type:    "summary",
		Name:    "session-summary",
		Content: summary,
	})
	if _, err := st.mailbox.SendBroadcast(mailbox.RecipientLead, summary, mailbox.ImportanceInfo); err != nil {
		log.Warn(log.CatOrch, "Completion broadcast failed", "sessionID", st.sess.ID, "error", err)
	}
	st.pool.TerminateAll()
	st.sess.RecordProgress()
	return o.deps.Sessions.Transition(st.sess.ID, session.StatusComplete)
}
