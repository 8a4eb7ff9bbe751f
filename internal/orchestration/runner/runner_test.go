package runner

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/swarm/internal/clock"
	"github.com/zjrosen/swarm/internal/fileaccess"
	"github.com/zjrosen/swarm/internal/orchestration/agent"
	"github.com/zjrosen/swarm/internal/orchestration/board"
	"github.com/zjrosen/swarm/internal/orchestration/costs"
	"github.com/zjrosen/swarm/internal/orchestration/provider"
	"github.com/zjrosen/swarm/internal/orchestration/toolhost"
)

type fixture struct {
	runner *Runner
	agent  *agent.Instance
	task   *board.Task
	ledger *costs.Ledger
	dir    string
}

func newFixture(t *testing.T, p provider.ModelProvider) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	dir := t.TempDir()
	fa, err := fileaccess.New(dir)
	require.NoError(t, err)
	host, err := toolhost.New(fa, nil, 5*time.Second)
	require.NoError(t, err)

	pool := agent.NewPool("sess-1", 0, nil, nil, clk)
	a, err := pool.Spawn(agent.RoleDeveloper, "")
	require.NoError(t, err)

	b := board.New("sess-1", 0, 3, nil, nil, clk)
	task, err := b.CreateTask(board.CreateInput{
		Title:              "Add greeting",
		Description:        "Write a greeting module.",
		Type:               board.TypeImplementation,
		AcceptanceCriteria: []string{"greets by name"},
		ContextFiles:       []string{"src/index.ts"},
	})
	require.NoError(t, err)

	ledger := costs.NewLedger(costs.NewPricingTable(), nil, clk)
	r := New(Config{
		Provider:      p,
		Host:          host,
		Ledger:        ledger,
		Clock:         clk,
		MaxIterations: 5,
	})
	return &fixture{runner: r, agent: a, task: task, ledger: ledger, dir: dir}
}

func toolCall(id, name, args string) provider.ToolCall {
	return provider.ToolCall{ID: id, Name: name, Args: json.RawMessage(args)}
}

func TestRunner_PlainCompletion(t *testing.T) {
	p := provider.NewScripted(provider.Step{
		Response: provider.Response{
			Content: "The module already exists; nothing to do.",
			Usage:   provider.Usage{InputTokens: 120, OutputTokens: 30},
		},
	})
	f := newFixture(t, p)

	res := f.runner.Run(context.Background(), "sess-1", f.agent, f.task)
	require.True(t, res.Success)
	require.Equal(t, "The module already exists; nothing to do.", res.Summary)
	require.Empty(t, res.CodeChanges)
	require.Zero(t, p.Remaining())

	// Usage lands on both the ledger and the agent.
	require.Len(t, f.ledger.Records("sess-1"), 1)
	require.Equal(t, 1, f.agent.Usage().ModelCalls)
	require.Equal(t, 150, f.agent.Usage().ContextTokens)
}

func TestRunner_ToolLoopToCompletion(t *testing.T) {
	p := provider.NewScripted(
		provider.Step{
			Match: func(req provider.Request) bool {
				return strings.Contains(req.Messages[0].Content, "Add greeting") &&
					strings.Contains(req.System, "task_complete")
			},
			Response: provider.Response{
				ToolCalls: []provider.ToolCall{
					toolCall("c1", toolhost.ToolWriteFile, `{"path": "greet.ts", "content": "export const hi = 1"}`),
				},
				Usage: provider.Usage{InputTokens: 100, OutputTokens: 20},
			},
		},
		provider.Step{
			Match: func(req provider.Request) bool {
				// The tool result is fed back on the transcript.
				last := req.Messages[len(req.Messages)-1]
				return last.Role == provider.RoleTool && last.ToolCallID == "c1"
			},
			Response: provider.Response{
				ToolCalls: []provider.ToolCall{
					toolCall("c2", toolhost.ToolTaskComplete,
						`{"summary": "greeting added", "filesChanged": ["greet.ts"], "notes": "no tests yet"}`),
				},
				Usage: provider.Usage{InputTokens: 150, OutputTokens: 25},
			},
		},
	)
	f := newFixture(t, p)

	var artifactName, artifactContent string
	f.runner.OnArtifact = func(sessionID, name, content, taskID string) {
		require.Equal(t, "sess-1", sessionID)
		require.Equal(t, f.task.ID, taskID)
		artifactName, artifactContent = name, content
	}

	res := f.runner.Run(context.Background(), "sess-1", f.agent, f.task)
	require.True(t, res.Success)
	require.Equal(t, "greeting added", res.Summary)
	require.Equal(t, []string{"greet.ts"}, res.Artifacts)
	require.Equal(t, []string{"no tests yet"}, res.Issues)
	require.Len(t, res.CodeChanges, 1)
	require.Equal(t, board.ChangeCreate, res.CodeChanges[0].Kind)
	require.Equal(t, "task-summary", artifactName)
	require.Equal(t, "greeting added", artifactContent)
	require.Zero(t, p.Remaining())
}

func TestRunner_ModelError(t *testing.T) {
	p := provider.NewScripted(provider.Step{
		Err: context.DeadlineExceeded,
	})
	f := newFixture(t, p)

	res := f.runner.Run(context.Background(), "sess-1", f.agent, f.task)
	require.False(t, res.Success)
	require.Contains(t, res.Summary, "deadline")
}

func TestRunner_Cancellation(t *testing.T) {
	p := provider.NewScripted()
	f := newFixture(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := f.runner.Run(ctx, "sess-1", f.agent, f.task)
	require.False(t, res.Success)
	require.Equal(t, "cancelled", res.Summary)
	require.Empty(t, p.Requests(), "no model call after cancellation")
}

func TestRunner_IterationBudget(t *testing.T) {
	// Every step requests another read; the loop must stop at MaxIterations.
	steps := make([]provider.Step, 10)
	for i := range steps {
		steps[i] = provider.Step{Response: provider.Response{
			Content: "still looking",
			ToolCalls: []provider.ToolCall{
				toolCall("c", toolhost.ToolGlob, `{"pattern": "**/*.ts"}`),
			},
		}}
	}
	p := provider.NewScripted(steps...)
	f := newFixture(t, p)

	res := f.runner.Run(context.Background(), "sess-1", f.agent, f.task)
	require.True(t, res.Success, "budget exhaustion reports partial work")
	require.Equal(t, "still looking", res.Summary)
	require.Len(t, p.Requests(), 5)
}

func TestRunner_ToolErrorFedBack(t *testing.T) {
	p := provider.NewScripted(
		provider.Step{Response: provider.Response{
			ToolCalls: []provider.ToolCall{
				toolCall("c1", toolhost.ToolReadFile, `{"path": "missing.txt"}`),
			},
		}},
		provider.Step{
			Match: func(req provider.Request) bool {
				last := req.Messages[len(req.Messages)-1]
				return last.Role == provider.RoleTool && strings.Contains(last.Content, "missing.txt")
			},
			Response: provider.Response{Content: "file does not exist, stopping"},
		},
	)
	f := newFixture(t, p)

	res := f.runner.Run(context.Background(), "sess-1", f.agent, f.task)
	require.True(t, res.Success)
	require.Zero(t, p.Remaining())
}

func TestRunner_SummaryTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("日", 300)
	p := provider.NewScripted(provider.Step{Response: provider.Response{Content: long}})
	f := newFixture(t, p)

	res := f.runner.Run(context.Background(), "sess-1", f.agent, f.task)
	require.True(t, res.Success)
	require.LessOrEqual(t, len(res.Summary), summaryLimit)
	require.True(t, utf8.ValidString(res.Summary), "summaries are cut between runes")
}

func TestOffline_Complete(t *testing.T) {
	var p provider.Offline

	resp, err := p.Complete(context.Background(), provider.Request{Model: "claude-sonnet-4"})
	require.NoError(t, err)
	require.Equal(t, provider.StopEndTurn, resp.StopReason)
	require.Empty(t, resp.ToolCalls)
	require.NotEmpty(t, resp.Content)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Complete(ctx, provider.Request{})
	require.ErrorIs(t, err, context.Canceled)
}
