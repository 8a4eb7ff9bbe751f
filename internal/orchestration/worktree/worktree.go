// Package worktree isolates each agent's file mutations in a dedicated
// git worktree on its own branch, merged back into the base branch only
// when the work is accepted.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/zjrosen/swarm/internal/clock"
	"github.com/zjrosen/swarm/internal/git"
	"github.com/zjrosen/swarm/internal/log"
	"github.com/zjrosen/swarm/internal/orchestration/swarmerr"
)

// Status is the lifecycle state of a worktree.
type Status string

const (
	StatusActive    Status = "active"
	StatusMerged    Status = "merged"
	StatusAbandoned Status = "abandoned"
	StatusDeleted   Status = "deleted"
)

// Worktree is one isolated working copy bound to an agent.
type Worktree struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	AgentID    string    `json:"agent_id"`
	Path       string    `json:"path"`
	Branch     string    `json:"branch"`
	BaseBranch string    `json:"base_branch"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// MergeResult reports the outcome of merging a worktree branch.
type MergeResult struct {
	Success     bool     `json:"success"`
	MergedFiles []string `json:"merged_files,omitempty"`
	Conflicts   []string `json:"conflicts,omitempty"`
}

// Options configures the manager.
type Options struct {
	BranchPrefix      string
	BaseDir           string
	AutoCommitOnMerge bool
	MaxAge            time.Duration
}

// Manager creates, merges, and cleans up agent worktrees. Operations that
// touch the same repository serialise on a per-repo mutex.
type Manager struct {
	exec      git.Executor
	opts      Options
	worktrees map[string]*Worktree
	repoLocks map[string]*sync.Mutex
	clk       clock.Clock
	mu        sync.Mutex
}

// NewManager creates a worktree manager over the given git executor.
func NewManager(exec git.Executor, opts Options, clk clock.Clock) *Manager {
	if opts.BranchPrefix == "" {
		opts.BranchPrefix = "swarm"
	}
	if opts.BaseDir == "" {
		opts.BaseDir = ".swarm-worktrees"
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 24 * time.Hour
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		exec:      exec,
		opts:      opts,
		worktrees: make(map[string]*Worktree),
		repoLocks: make(map[string]*sync.Mutex),
		clk:       clk,
	}
}

// IsRepo reports whether path is inside a git repository.
func (m *Manager) IsRepo(ctx context.Context, path string) bool {
	return m.exec.In(path).IsGitRepo(ctx)
}

// Create makes a worktree for an agent inside the workspace repository.
func (m *Manager) Create(ctx context.Context, sessionID, agentID, workspacePath string) (*Worktree, error) {
	repo := m.exec.In(workspacePath)
	if !repo.IsGitRepo(ctx) {
		return nil, swarmerr.Newf(swarmerr.CodeWorktreeCreateFailed,
			"workspace is not a git repository: %s", workspacePath)
	}

	unlock := m.lockRepo(workspacePath)
	defer unlock()

	baseBranch, err := repo.CurrentBranch(ctx)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeWorktreeCreateFailed, err)
	}

	ts := m.clk.Now().UnixMilli()
	leaf := fmt.Sprintf("%s-%d", shortID(agentID), ts)
	branch := fmt.Sprintf("%s/%s/%s", m.opts.BranchPrefix, shortID(sessionID), leaf)
	path := filepath.Join(workspacePath, m.opts.BaseDir, leaf)

	if err := repo.AddWorktree(ctx, path, branch, baseBranch); err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeWorktreeCreateFailed, err)
	}

	w := &Worktree{
		ID:         clock.NewID(),
		SessionID:  sessionID,
		AgentID:    agentID,
		Path:       path,
		Branch:     branch,
		BaseBranch: baseBranch,
		Status:     StatusActive,
		CreatedAt:  m.clk.Now(),
	}

	m.mu.Lock()
	m.worktrees[w.ID] = w
	m.mu.Unlock()

	log.Info(log.CatWorktree, "Worktree created", "id", w.ID, "branch", branch, "path", path)
	out := *w
	return &out, nil
}

// Get returns a copy of the worktree.
func (m *Manager) Get(id string) (*Worktree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.worktrees[id]
	if !ok {
		return nil, swarmerr.Newf(swarmerr.CodeValidation, "worktree not found: %s", id)
	}
	out := *w
	return &out, nil
}

// ForSession returns all worktrees of a session.
func (m *Manager) ForSession(sessionID string) []*Worktree {
	return m.filter(func(w *Worktree) bool { return w.SessionID == sessionID })
}

// ForAgent returns all worktrees of an agent.
func (m *Manager) ForAgent(agentID string) []*Worktree {
	return m.filter(func(w *Worktree) bool { return w.AgentID == agentID })
}

// Merge integrates a worktree branch into its base branch with --no-ff.
// Conflicts abort the merge and come back in the result; the repository is
// left on the base branch at its pre-merge state.
func (m *Manager) Merge(ctx context.Context, id, message string) (*MergeResult, error) {
	m.mu.Lock()
	w, ok := m.worktrees[id]
	m.mu.Unlock()
	if !ok {
		return nil, swarmerr.Newf(swarmerr.CodeValidation, "worktree not found: %s", id)
	}
	if w.Status != StatusActive {
		return nil, swarmerr.Newf(swarmerr.CodeValidation,
			"cannot merge worktree %s in status %s", id, w.Status)
	}

	repoRoot := repoRootOf(w)
	unlock := m.lockRepo(repoRoot)
	defer unlock()

	wt := m.exec.In(w.Path)

	dirty, err := wt.HasUncommittedChanges(ctx)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeInternal, err)
	}
	if dirty && m.opts.AutoCommitOnMerge {
		if err := wt.AddAll(ctx); err != nil {
			return nil, swarmerr.Wrap(swarmerr.CodeInternal, err)
		}
		commitMsg := message
		if commitMsg == "" {
			commitMsg = fmt.Sprintf("[swarm] Auto-commit from agent %s", shortID(w.AgentID))
		}
		if err := wt.Commit(ctx, commitMsg); err != nil {
			return nil, swarmerr.Wrap(swarmerr.CodeInternal, err)
		}
	}

	changed, err := wt.ChangedFiles(ctx, w.BaseBranch)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeInternal, err)
	}

	main := m.exec.In(repoRoot)
	if err := main.Checkout(ctx, w.BaseBranch); err != nil {
		return nil, swarmerr.Wrap(swarmerr.CodeInternal, err)
	}

	mergeMsg := message
	if mergeMsg == "" {
		mergeMsg = fmt.Sprintf("Merge %s", w.Branch)
	}
	if err := main.Merge(ctx, w.Branch, mergeMsg); err != nil {
		if errors.Is(err, git.ErrMergeConflict) {
			conflicts, cerr := main.UnmergedFiles(ctx)
			if cerr != nil {
				conflicts = nil
			}
			if aerr := main.AbortMerge(ctx); aerr != nil {
				log.Warn(log.CatWorktree, "Merge abort failed", "id", id, "error", aerr)
			}
			log.Info(log.CatWorktree, "Merge conflict", "id", id, "conflicts", len(conflicts))
			return &MergeResult{Success: false, Conflicts: conflicts}, nil
		}
		return nil, swarmerr.Wrap(swarmerr.CodeInternal, err)
	}

	m.mu.Lock()
	w.Status = StatusMerged
	m.mu.Unlock()

	log.Info(log.CatWorktree, "Worktree merged", "id", id, "files", len(changed))
	return &MergeResult{Success: true, MergedFiles: changed}, nil
}

// Abandon marks an active worktree as discarded without deleting it.
func (m *Manager) Abandon(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.worktrees[id]
	if !ok {
		return swarmerr.Newf(swarmerr.CodeValidation, "worktree not found: %s", id)
	}
	if w.Status != StatusActive {
		return swarmerr.Newf(swarmerr.CodeValidation,
			"cannot abandon worktree %s in status %s", id, w.Status)
	}
	w.Status = StatusAbandoned
	return nil
}

// Delete removes a worktree's directory and, unless merged, its branch.
// The record stays as a Deleted tombstone for auditing. Active worktrees
// must be abandoned first.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	w, ok := m.worktrees[id]
	m.mu.Unlock()
	if !ok {
		return swarmerr.Newf(swarmerr.CodeValidation, "worktree not found: %s", id)
	}
	if w.Status == StatusActive {
		return swarmerr.Newf(swarmerr.CodeValidation,
			"cannot delete active worktree %s; abandon it first", id)
	}
	if w.Status == StatusDeleted {
		return swarmerr.Newf(swarmerr.CodeValidation,
			"worktree %s already deleted", id)
	}

	repoRoot := repoRootOf(w)
	unlock := m.lockRepo(repoRoot)
	defer unlock()

	main := m.exec.In(repoRoot)
	if err := main.RemoveWorktree(ctx, w.Path); err != nil {
		return swarmerr.Wrap(swarmerr.CodeInternal, err)
	}
	if w.Status != StatusMerged {
		if err := main.DeleteBranch(ctx, w.Branch); err != nil {
			log.Warn(log.CatWorktree, "Branch delete failed", "branch", w.Branch, "error", err)
		}
	}

	m.mu.Lock()
	w.Status = StatusDeleted
	m.mu.Unlock()

	log.Info(log.CatWorktree, "Worktree deleted", "id", id)
	return nil
}

// Cleanup deletes merged and abandoned worktrees older than the configured
// age, then prunes orphan registrations.
func (m *Manager) Cleanup(ctx context.Context, workspacePath string) (int, error) {
	cutoff := m.clk.Now().Add(-m.opts.MaxAge)

	var stale []string
	m.mu.Lock()
	for id, w := range m.worktrees {
		if w.Status != StatusActive && w.Status != StatusDeleted && w.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	removed := 0
	for _, id := range stale {
		if err := m.Delete(ctx, id); err != nil {
			log.Warn(log.CatWorktree, "Cleanup delete failed", "id", id, "error", err)
			continue
		}
		removed++
	}

	unlock := m.lockRepo(workspacePath)
	defer unlock()
	if err := m.exec.In(workspacePath).PruneWorktrees(ctx); err != nil {
		return removed, swarmerr.Wrap(swarmerr.CodeInternal, err)
	}
	return removed, nil
}

// ChangedFiles lists the files a worktree changed relative to its base.
func (m *Manager) ChangedFiles(ctx context.Context, id string) ([]string, error) {
	w, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return m.exec.In(w.Path).ChangedFiles(ctx, w.BaseBranch)
}

// Diff returns the worktree's unified diff against its base branch.
func (m *Manager) Diff(ctx context.Context, id string) (string, error) {
	w, err := m.Get(id)
	if err != nil {
		return "", err
	}
	return m.exec.In(w.Path).Diff(ctx, w.BaseBranch)
}

// lockRepo serialises operations on one repository.
func (m *Manager) lockRepo(root string) func() {
	m.mu.Lock()
	l, ok := m.repoLocks[root]
	if !ok {
		l = &sync.Mutex{}
		m.repoLocks[root] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (m *Manager) filter(pred func(*Worktree) bool) []*Worktree {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Worktree
	for _, w := range m.worktrees {
		if pred(w) {
			c := *w
			out = append(out, &c)
		}
	}
	return out
}

// repoRootOf recovers the workspace root from the worktree path, which is
// always {workspace}/{baseDir}/{leaf}.
func repoRootOf(w *Worktree) string {
	return filepath.Dir(filepath.Dir(w.Path))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
