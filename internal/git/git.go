// Package git wraps the git CLI for worktree isolation: creating and
// removing worktrees, committing agent changes, and merging task branches
// back with conflict detection.
package git

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// Errors surfaced from git stderr parsing.
var (
	ErrBranchAlreadyCheckedOut = errors.New("branch already checked out in another worktree")
	ErrPathAlreadyExists       = errors.New("worktree path already exists")
	ErrWorktreeLocked          = errors.New("worktree is locked")
	ErrNotGitRepo              = errors.New("not a git repository")
	ErrMergeConflict           = errors.New("merge conflict")
)

// WorktreeInfo describes one entry of `git worktree list`.
type WorktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
}

// Executor runs git operations against one repository or worktree.
// Implementations must be safe for concurrent use.
type Executor interface {
	IsGitRepo(ctx context.Context) bool
	RepoRoot(ctx context.Context) (string, error)
	CurrentBranch(ctx context.Context) (string, error)
	MainBranch(ctx context.Context) (string, error)
	BranchExists(ctx context.Context, name string) bool
	DeleteBranch(ctx context.Context, name string) error

	AddWorktree(ctx context.Context, path, newBranch, baseBranch string) error
	RemoveWorktree(ctx context.Context, path string) error
	PruneWorktrees(ctx context.Context) error
	ListWorktrees(ctx context.Context) ([]WorktreeInfo, error)

	// In runs the same operations with the working directory switched to
	// dir, for commands that must execute inside a specific worktree.
	In(dir string) Executor

	HasUncommittedChanges(ctx context.Context) (bool, error)
	ChangedFiles(ctx context.Context, ref string) ([]string, error)
	Diff(ctx context.Context, ref string) (string, error)
	AddAll(ctx context.Context) error
	Commit(ctx context.Context, message string) error
	Checkout(ctx context.Context, branch string) error

	// Merge merges branch into the current branch with --no-ff. On
	// conflict it returns ErrMergeConflict with the merge left in place
	// for inspection; AbortMerge restores the pre-merge state.
	Merge(ctx context.Context, branch, message string) error
	AbortMerge(ctx context.Context) error
	UnmergedFiles(ctx context.Context) ([]string, error)
}

// CLI implements Executor by shelling out to git.
type CLI struct {
	workDir string
}

var _ Executor = (*CLI)(nil)

// New creates a CLI executor operating in workDir.
func New(workDir string) *CLI {
	return &CLI{workDir: workDir}
}

// In returns an executor bound to a different working directory.
func (g *CLI) In(dir string) Executor {
	return &CLI{workDir: dir}
}

func (g *CLI) run(ctx context.Context, args ...string) error {
	_, err := g.output(ctx, args...)
	return err
}

func (g *CLI) output(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...) //nolint:gosec // G204: args come from controlled sources
	if g.workDir != "" {
		cmd.Dir = g.workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return strings.TrimSpace(stdout.String()), parseGitError(msg, err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// parseGitError converts git stderr messages to sentinel errors.
func parseGitError(stderr string, originalErr error) error {
	lower := strings.ToLower(stderr)

	switch {
	case strings.Contains(lower, "is already checked out"),
		strings.Contains(lower, "already checked out at"):
		return fmt.Errorf("%w: %s", ErrBranchAlreadyCheckedOut, stderr)
	case strings.Contains(lower, "already exists"):
		return fmt.Errorf("%w: %s", ErrPathAlreadyExists, stderr)
	case strings.Contains(lower, "is locked"):
		return fmt.Errorf("%w: %s", ErrWorktreeLocked, stderr)
	case strings.Contains(lower, "not a git repository"):
		return fmt.Errorf("%w: %s", ErrNotGitRepo, stderr)
	case strings.Contains(lower, "merge conflict"),
		strings.Contains(lower, "automatic merge failed"),
		strings.Contains(lower, "fix conflicts"):
		return fmt.Errorf("%w: %s", ErrMergeConflict, stderr)
	}
	return fmt.Errorf("git error: %s: %w", stderr, originalErr)
}

// IsGitRepo reports whether the working directory is inside a repository.
func (g *CLI) IsGitRepo(ctx context.Context) bool {
	return g.run(ctx, "rev-parse", "--git-dir") == nil
}

// RepoRoot returns the repository's top-level directory.
func (g *CLI) RepoRoot(ctx context.Context) (string, error) {
	return g.output(ctx, "rev-parse", "--show-toplevel")
}

// CurrentBranch returns the checked-out branch name.
func (g *CLI) CurrentBranch(ctx context.Context) (string, error) {
	out, err := g.output(ctx, "branch", "--show-current")
	if err == nil && out != "" {
		return out, nil
	}
	out, err = g.output(ctx, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("getting current branch: %w", err)
	}
	return out, nil
}

// MainBranch detects the integration branch.
// Order: config, remote HEAD, main/master existence, fallback to "main".
func (g *CLI) MainBranch(ctx context.Context) (string, error) {
	if branch, err := g.output(ctx, "config", "init.defaultBranch"); err == nil && branch != "" {
		if g.BranchExists(ctx, branch) {
			return branch, nil
		}
	}
	if ref, err := g.output(ctx, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		parts := strings.Split(ref, "/")
		if len(parts) > 0 {
			return parts[len(parts)-1], nil
		}
	}
	if g.BranchExists(ctx, "main") {
		return "main", nil
	}
	if g.BranchExists(ctx, "master") {
		return "master", nil
	}
	return "main", nil
}

// BranchExists checks for a local branch.
func (g *CLI) BranchExists(ctx context.Context, name string) bool {
	return g.run(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name) == nil
}

// DeleteBranch force-deletes a local branch.
func (g *CLI) DeleteBranch(ctx context.Context, name string) error {
	return g.run(ctx, "branch", "-D", name)
}

// AddWorktree creates a worktree at path on a new branch. An empty
// baseBranch starts from HEAD.
func (g *CLI) AddWorktree(ctx context.Context, path, newBranch, baseBranch string) error {
	args := []string{"worktree", "add", "-b", newBranch, path}
	if baseBranch != "" {
		args = append(args, baseBranch)
	}
	return g.run(ctx, args...)
}

// RemoveWorktree removes a worktree, retrying with --force for dirty trees.
func (g *CLI) RemoveWorktree(ctx context.Context, path string) error {
	if err := g.run(ctx, "worktree", "remove", path); err != nil {
		return g.run(ctx, "worktree", "remove", "--force", path)
	}
	return nil
}

// PruneWorktrees drops stale worktree registrations.
func (g *CLI) PruneWorktrees(ctx context.Context) error {
	return g.run(ctx, "worktree", "prune")
}

// ListWorktrees parses `git worktree list --porcelain`.
func (g *CLI) ListWorktrees(ctx context.Context) ([]WorktreeInfo, error) {
	out, err := g.output(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(out), nil
}

// parseWorktreeList parses porcelain output: one block per worktree with
// "worktree", "HEAD", and "branch" lines separated by blanks.
func parseWorktreeList(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if current.Path != "" {
				worktrees = append(worktrees, current)
			}
			current = WorktreeInfo{}
			continue
		}
		key, value, found := strings.Cut(line, " ")
		if !found {
			continue
		}
		switch key {
		case "worktree":
			current.Path = value
		case "HEAD":
			current.HEAD = value
		case "branch":
			current.Branch = strings.TrimPrefix(value, "refs/heads/")
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}

// HasUncommittedChanges reports whether the working tree is dirty.
func (g *CLI) HasUncommittedChanges(ctx context.Context) (bool, error) {
	out, err := g.output(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// ChangedFiles returns paths that differ from ref, sorted.
func (g *CLI) ChangedFiles(ctx context.Context, ref string) ([]string, error) {
	out, err := g.output(ctx, "diff", "--name-only", ref)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// Diff returns the unified diff against ref.
func (g *CLI) Diff(ctx context.Context, ref string) (string, error) {
	return g.output(ctx, "diff", ref)
}

// AddAll stages every change in the working tree.
func (g *CLI) AddAll(ctx context.Context) error {
	return g.run(ctx, "add", "-A")
}

// Commit records staged changes. A clean index is not an error.
func (g *CLI) Commit(ctx context.Context, message string) error {
	err := g.run(ctx, "commit", "-m", message)
	if err != nil && strings.Contains(err.Error(), "nothing to commit") {
		return nil
	}
	return err
}

// Checkout switches the working tree to branch.
func (g *CLI) Checkout(ctx context.Context, branch string) error {
	return g.run(ctx, "checkout", branch)
}

// Merge merges branch into the current branch with --no-ff.
func (g *CLI) Merge(ctx context.Context, branch, message string) error {
	args := []string{"merge", "--no-ff", branch}
	if message != "" {
		args = append(args, "-m", message)
	}
	err := g.run(ctx, args...)
	if err != nil {
		// Merge conflicts surface on stdout for some git versions; confirm
		// via the index before reporting a generic failure.
		if unmerged, uerr := g.UnmergedFiles(ctx); uerr == nil && len(unmerged) > 0 {
			return fmt.Errorf("%w: %s", ErrMergeConflict, strings.Join(unmerged, ", "))
		}
	}
	return err
}

// AbortMerge restores the pre-merge state.
func (g *CLI) AbortMerge(ctx context.Context) error {
	return g.run(ctx, "merge", "--abort")
}

// UnmergedFiles returns paths with merge conflicts, sorted.
func (g *CLI) UnmergedFiles(ctx context.Context) ([]string, error) {
	out, err := g.output(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	sort.Strings(out)
	return out
}
