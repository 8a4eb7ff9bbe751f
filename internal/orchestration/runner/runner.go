// Package runner executes one task with one agent: the iterative
// model-call/tool-dispatch loop that turns a task description into a
// TaskResult.
package runner

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/swarm/internal/clock"
	"github.com/zjrosen/swarm/internal/log"
	"github.com/zjrosen/swarm/internal/orchestration/agent"
	"github.com/zjrosen/swarm/internal/orchestration/board"
	"github.com/zjrosen/swarm/internal/orchestration/costs"
	"github.com/zjrosen/swarm/internal/orchestration/events"
	"github.com/zjrosen/swarm/internal/orchestration/provider"
	"github.com/zjrosen/swarm/internal/orchestration/toolhost"
	"github.com/zjrosen/swarm/internal/orchestration/tracing"
)

const (
	defaultMaxIterations = 10
	defaultModelTimeout  = 2 * time.Minute
	summaryLimit         = 500
)

// Runner drives agent task execution loops. One Runner serves all agents;
// each Run call is independent.
type Runner struct {
	provider      provider.ModelProvider
	host          *toolhost.Host
	ledger        *costs.Ledger
	bus           *events.Bus
	clk           clock.Clock
	maxIterations int
	modelTimeout  time.Duration

	// OnArtifact, when set, receives the summary artifact produced by
	// task_complete.
	OnArtifact func(sessionID, name, content, taskID string)
}

// Config wires a Runner.
type Config struct {
	Provider      provider.ModelProvider
	Host          *toolhost.Host
	Ledger        *costs.Ledger
	Bus           *events.Bus
	Clock         clock.Clock
	MaxIterations int
	ModelTimeout  time.Duration
}

// New creates a runner.
func New(cfg Config) *Runner {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = defaultModelTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Runner{
		provider:      cfg.Provider,
		host:          cfg.Host,
		ledger:        cfg.Ledger,
		bus:           cfg.Bus,
		clk:           cfg.Clock,
		maxIterations: cfg.MaxIterations,
		modelTimeout:  cfg.ModelTimeout,
	}
}

// Run executes the task with the agent until completion, cancellation,
// model failure, or iteration exhaustion.
func (r *Runner) Run(ctx context.Context, sessionID string, a *agent.Instance, task *board.Task) board.Result {
	transcript := []provider.Message{
		{Role: provider.RoleUser, Content: taskPrompt(task)},
	}
	tools := r.host.Definitions(a.AllowedTools)

	var changes []board.CodeChange
	var artifacts []string
	lastText := ""

	for iter := 1; iter <= r.maxIterations; iter++ {
		if ctx.Err() != nil {
			return cancelled(changes)
		}
		r.publishProgress(sessionID, a.ID, task.ID, min(iter*10, 90))

		resp, err := r.complete(ctx, provider.Request{
			Model:    a.Model,
			System:   a.SystemPrompt + "\n\n" + taskEnvelope(task),
			Messages: transcript,
			Tools:    tools,
		})
		if err != nil {
			if ctx.Err() != nil {
				return cancelled(changes)
			}
			log.Warn(log.CatRunner, "Model request failed", "agentID", a.ID, "taskID", task.ID, "error", err)
			return board.Result{Success: false, Summary: err.Error(), CodeChanges: changes, Artifacts: []string{}}
		}
		r.recordUsage(sessionID, a, task, resp.Usage)

		if resp.Content != "" {
			lastText = resp.Content
		}
		transcript = append(transcript, provider.Message{
			Role:      provider.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			r.publishProgress(sessionID, a.ID, task.ID, 100)
			return board.Result{
				Success:     true,
				Summary:     truncate(lastText, summaryLimit),
				CodeChanges: changes,
				Artifacts:   artifacts,
			}
		}

		for _, call := range resp.ToolCalls {
			if ctx.Err() != nil {
				return cancelled(changes)
			}
			res := r.host.Invoke(ctx, toolhost.Call{
				SessionID: sessionID,
				AgentID:   a.ID,
				TaskID:    task.ID,
				ID:        call.ID,
				Name:      call.Name,
				Args:      call.Args,
			})
			if res.Change != nil {
				changes = append(changes, *res.Change)
			}
			transcript = append(transcript, provider.Message{
				Role:       provider.RoleTool,
				Content:    res.Text(),
				ToolCallID: call.ID,
			})

			if res.Done {
				if r.OnArtifact != nil {
					r.OnArtifact(sessionID, "task-summary", res.Summary, task.ID)
				}
				artifacts = append(artifacts, res.FilesChanged...)
				r.publishProgress(sessionID, a.ID, task.ID, 100)
				result := board.Result{
					Success:     true,
					Summary:     truncate(res.Summary, summaryLimit),
					CodeChanges: changes,
					Artifacts:   artifacts,
				}
				if res.Notes != "" {
					result.Issues = []string{res.Notes}
				}
				return result
			}
		}
	}

	// Iteration budget spent without task_complete; report what we have.
	r.publishProgress(sessionID, a.ID, task.ID, 100)
	return board.Result{
		Success:     true,
		Summary:     truncate(lastText, summaryLimit),
		CodeChanges: changes,
		Artifacts:   artifacts,
	}
}

// complete issues one bounded model call.
func (r *Runner) complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	cctx, cancel := context.WithTimeout(ctx, r.modelTimeout)
	defer cancel()

	cctx, span := tracing.Start(cctx, tracing.SpanPrefixModel+"complete",
		attribute.String(tracing.AttrModelID, req.Model),
	)
	resp, err := r.provider.Complete(cctx, req)
	span.SetAttributes(
		attribute.Int(tracing.AttrInputTokens, resp.Usage.InputTokens),
		attribute.Int(tracing.AttrOutputTokens, resp.Usage.OutputTokens),
	)
	tracing.End(span, err)
	return resp, err
}

func (r *Runner) recordUsage(sessionID string, a *agent.Instance, task *board.Task, u provider.Usage) {
	if u.InputTokens == 0 && u.OutputTokens == 0 {
		return
	}
	var cost float64
	if r.ledger != nil {
		rec := r.ledger.RecordUsage(sessionID, costs.Usage{
			ModelID:      a.Model,
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
		}, costs.RecordInput{
			RequestType: costs.RequestExecution,
			AgentID:     a.ID,
			Role:        string(a.Role),
			TaskID:      task.ID,
		})
		cost = rec.CostUSD
	}
	a.RecordUsage(u.InputTokens, u.OutputTokens, cost)
}

func (r *Runner) publishProgress(sessionID, agentID, taskID string, progress int) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.AgentProgress, sessionID, events.ProgressPayload{
		AgentID:  agentID,
		TaskID:   taskID,
		Progress: progress,
	})
}

func cancelled(changes []board.CodeChange) board.Result {
	return board.Result{Success: false, Summary: "cancelled", CodeChanges: changes, Artifacts: []string{}}
}

// taskEnvelope is the system-side framing of the task for the model.
func taskEnvelope(task *board.Task) string {
	return fmt.Sprintf(
		"You are working on task %s (%s, priority %s). Use the provided tools; call task_complete with a summary when done.",
		task.ID, task.Type, task.Priority)
}

// taskPrompt is the user-side description of the work.
func taskPrompt(task *board.Task) string {
	var b strings.Builder
	b.WriteString("# " + task.Title + "\n\n")
	b.WriteString(task.Description + "\n")
	if len(task.AcceptanceCriteria) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, c := range task.AcceptanceCriteria {
			b.WriteString("- " + c + "\n")
		}
	}
	if len(task.ContextFiles) > 0 {
		b.WriteString("\nRelevant files:\n")
		for _, f := range task.ContextFiles {
			b.WriteString("- " + f + "\n")
		}
	}
	return b.String()
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
