package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// initRepo creates a git repository with one commit on branch "main".
func initRepo(t *testing.T) (string, *CLI) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	g := New(dir)
	ctx := context.Background()

	require.NoError(t, g.run(ctx, "init", "-b", "main"))
	require.NoError(t, g.run(ctx, "config", "user.email", "swarm@test.local"))
	require.NoError(t, g.run(ctx, "config", "user.name", "swarm"))

	writeFile(t, dir, "README.md", "hello\n")
	require.NoError(t, g.AddAll(ctx))
	require.NoError(t, g.Commit(ctx, "initial commit"))
	return dir, g
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCLI_IsGitRepo(t *testing.T) {
	dir, g := initRepo(t)
	ctx := context.Background()

	require.True(t, g.IsGitRepo(ctx))
	require.False(t, New(t.TempDir()).IsGitRepo(ctx))

	root, err := g.RepoRoot(ctx)
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	require.Equal(t, resolved, root)
}

func TestCLI_Branches(t *testing.T) {
	_, g := initRepo(t)
	ctx := context.Background()

	branch, err := g.CurrentBranch(ctx)
	require.NoError(t, err)
	require.Equal(t, "main", branch)

	main, err := g.MainBranch(ctx)
	require.NoError(t, err)
	require.Equal(t, "main", main)

	require.True(t, g.BranchExists(ctx, "main"))
	require.False(t, g.BranchExists(ctx, "feature"))

	require.NoError(t, g.run(ctx, "branch", "feature"))
	require.True(t, g.BranchExists(ctx, "feature"))
	require.NoError(t, g.DeleteBranch(ctx, "feature"))
	require.False(t, g.BranchExists(ctx, "feature"))
}

func TestCLI_StatusAndDiff(t *testing.T) {
	dir, g := initRepo(t)
	ctx := context.Background()

	dirty, err := g.HasUncommittedChanges(ctx)
	require.NoError(t, err)
	require.False(t, dirty)

	writeFile(t, dir, "a.txt", "one\n")
	writeFile(t, dir, "b.txt", "two\n")
	require.NoError(t, g.AddAll(ctx))

	dirty, err = g.HasUncommittedChanges(ctx)
	require.NoError(t, err)
	require.True(t, dirty)

	require.NoError(t, g.Commit(ctx, "add files"))

	changed, err := g.ChangedFiles(ctx, "HEAD~1")
	require.NoError(t, err)
	require.Equal(t, []string{"a.txt", "b.txt"}, changed)

	diff, err := g.Diff(ctx, "HEAD~1")
	require.NoError(t, err)
	require.Contains(t, diff, "+one")
}

func TestCLI_Commit_CleanIndexIsFine(t *testing.T) {
	_, g := initRepo(t)
	require.NoError(t, g.Commit(context.Background(), "nothing staged"))
}

func TestCLI_Worktrees(t *testing.T) {
	dir, g := initRepo(t)
	ctx := context.Background()

	wtPath := filepath.Join(dir, ".wt", "agent-1")
	require.NoError(t, g.AddWorktree(ctx, wtPath, "task/agent-1", "main"))

	list, err := g.ListWorktrees(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "task/agent-1", list[1].Branch)
	require.NotEmpty(t, list[1].HEAD)

	// The new branch is occupied; a second worktree on it must fail.
	err = g.AddWorktree(ctx, filepath.Join(dir, ".wt", "dup"), "task/agent-1", "main")
	require.Error(t, err)

	wt := g.In(wtPath)
	branch, err := wt.CurrentBranch(ctx)
	require.NoError(t, err)
	require.Equal(t, "task/agent-1", branch)

	require.NoError(t, g.RemoveWorktree(ctx, wtPath))
	require.NoError(t, g.PruneWorktrees(ctx))
	list, err = g.ListWorktrees(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestCLI_RemoveWorktree_ForcesDirtyTree(t *testing.T) {
	dir, g := initRepo(t)
	ctx := context.Background()

	wtPath := filepath.Join(dir, ".wt", "dirty")
	require.NoError(t, g.AddWorktree(ctx, wtPath, "task/dirty", "main"))
	writeFile(t, wtPath, "scratch.txt", "uncommitted\n")

	require.NoError(t, g.RemoveWorktree(ctx, wtPath))
}

func TestCLI_MergeCleanly(t *testing.T) {
	dir, g := initRepo(t)
	ctx := context.Background()

	wtPath := filepath.Join(dir, ".wt", "feature")
	require.NoError(t, g.AddWorktree(ctx, wtPath, "task/feature", "main"))
	writeFile(t, wtPath, "feature.txt", "new\n")
	wt := g.In(wtPath)
	require.NoError(t, wt.AddAll(ctx))
	require.NoError(t, wt.Commit(ctx, "add feature"))

	require.NoError(t, g.Merge(ctx, "task/feature", "merge feature"))
	require.FileExists(t, filepath.Join(dir, "feature.txt"))
}

func TestCLI_MergeConflict(t *testing.T) {
	dir, g := initRepo(t)
	ctx := context.Background()

	wtPath := filepath.Join(dir, ".wt", "conflicting")
	require.NoError(t, g.AddWorktree(ctx, wtPath, "task/conflicting", "main"))

	// Both sides edit README.md.
	writeFile(t, wtPath, "README.md", "theirs\n")
	wt := g.In(wtPath)
	require.NoError(t, wt.AddAll(ctx))
	require.NoError(t, wt.Commit(ctx, "their edit"))

	writeFile(t, dir, "README.md", "ours\n")
	require.NoError(t, g.AddAll(ctx))
	require.NoError(t, g.Commit(ctx, "our edit"))

	err := g.Merge(ctx, "task/conflicting", "")
	require.ErrorIs(t, err, ErrMergeConflict)

	unmerged, err := g.UnmergedFiles(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"README.md"}, unmerged)

	require.NoError(t, g.AbortMerge(ctx))
	unmerged, err = g.UnmergedFiles(ctx)
	require.NoError(t, err)
	require.Empty(t, unmerged)
}

func TestParseGitError(t *testing.T) {
	base := os.ErrInvalid
	tests := []struct {
		stderr string
		want   error
	}{
		{"fatal: 'task/x' is already checked out at '/tmp/wt'", ErrBranchAlreadyCheckedOut},
		{"fatal: '/tmp/wt' already exists", ErrPathAlreadyExists},
		{"fatal: '/tmp/wt' is locked", ErrWorktreeLocked},
		{"fatal: not a git repository (or any parent)", ErrNotGitRepo},
		{"CONFLICT (content): Merge conflict in a.txt\nAutomatic merge failed; fix conflicts", ErrMergeConflict},
	}
	for _, tt := range tests {
		require.ErrorIs(t, parseGitError(tt.stderr, base), tt.want, tt.stderr)
	}

	err := parseGitError("something unexpected", base)
	require.ErrorIs(t, err, base)
	require.Contains(t, err.Error(), "something unexpected")
}

func TestParseWorktreeList(t *testing.T) {
	out := "worktree /repo\nHEAD abc123\nbranch refs/heads/main\n\n" +
		"worktree /repo/.wt/a\nHEAD def456\nbranch refs/heads/task/a\n"
	list := parseWorktreeList(out)
	require.Len(t, list, 2)
	require.Equal(t, WorktreeInfo{Path: "/repo", HEAD: "abc123", Branch: "main"}, list[0])
	require.Equal(t, "task/a", list[1].Branch)

	require.Empty(t, parseWorktreeList(""))
}
