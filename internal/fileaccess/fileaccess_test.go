package fileaccess

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/swarm/internal/orchestration/swarmerr"
)

func newTestAccess(t *testing.T) (*FileAccess, string) {
	t.Helper()
	dir := t.TempDir()
	fa, err := New(dir)
	require.NoError(t, err)
	return fa, dir
}

func TestNew(t *testing.T) {
	_, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = New("/definitely/not/a/path")
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "plain.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = New(file)
	require.ErrorIs(t, err, swarmerr.ErrValidation)
}

func TestResolve(t *testing.T) {
	fa, dir := newTestAccess(t)

	abs, err := fa.Resolve("sub/file.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "sub", "file.txt"), abs)

	// The root itself resolves.
	abs, err = fa.Resolve(".")
	require.NoError(t, err)
	require.Equal(t, dir, abs)

	// Absolute paths under the root are accepted.
	abs, err = fa.Resolve(filepath.Join(dir, "ok.txt"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "ok.txt"), abs)

	for _, escape := range []string{"../outside.txt", "sub/../../outside.txt", "/etc/passwd"} {
		_, err = fa.Resolve(escape)
		require.ErrorIs(t, err, swarmerr.ErrValidation, escape)
	}
}

func TestReadWriteDelete(t *testing.T) {
	fa, _ := newTestAccess(t)

	// Write creates parent directories.
	require.NoError(t, fa.Write("deep/nested/file.txt", "content"))
	require.True(t, fa.Exists("deep/nested/file.txt"))

	got, err := fa.Read("deep/nested/file.txt")
	require.NoError(t, err)
	require.Equal(t, "content", got)

	require.NoError(t, fa.Delete("deep/nested/file.txt"))
	require.False(t, fa.Exists("deep/nested/file.txt"))

	_, err = fa.Read("absent.txt")
	require.Error(t, err)
	require.Error(t, fa.Delete("absent.txt"))
}

func TestGlob(t *testing.T) {
	fa, _ := newTestAccess(t)
	for _, p := range []string{"a.go", "sub/b.go", "sub/c.txt"} {
		require.NoError(t, fa.Write(p, "x"))
	}

	matches, err := fa.Glob("**/*.go")
	require.NoError(t, err)
	require.Equal(t, []string{"a.go", "sub/b.go"}, matches, "sorted for determinism")

	matches, err = fa.Glob("sub/*")
	require.NoError(t, err)
	require.Equal(t, []string{"sub/b.go", "sub/c.txt"}, matches)

	_, err = fa.Glob("[")
	require.ErrorIs(t, err, swarmerr.ErrValidation)
}

func TestGrep(t *testing.T) {
	fa, _ := newTestAccess(t)
	require.NoError(t, fa.Write("a.txt", "needle here\nnothing\nneedle again"))
	require.NoError(t, fa.Write("sub/b.txt", "another needle"))
	require.NoError(t, fa.Write("bin.dat", "needle\x00binary"))

	matches, err := fa.Grep("needle", "")
	require.NoError(t, err)
	require.Len(t, matches, 3, "binary files are skipped")
	require.Equal(t, GrepMatch{Path: "a.txt", Line: 1, Text: "needle here"}, matches[0])
	require.Equal(t, 3, matches[1].Line)

	matches, err = fa.Grep("needle", "sub/*.txt")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, "sub/b.txt", matches[0].Path)
}

func TestExec(t *testing.T) {
	fa, dir := newTestAccess(t)

	res, err := fa.Exec(context.Background(), "pwd && echo done", 5*time.Second)
	require.NoError(t, err)
	require.Zero(t, res.ExitCode)
	require.Contains(t, res.Stdout, "done")
	// Resolve symlinks so macOS /tmp vs /private/tmp compares equal.
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	require.Contains(t, res.Stdout, resolved)

	res, err = fa.Exec(context.Background(), "exit 3", 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 3, res.ExitCode)
}

func TestExec_Timeout(t *testing.T) {
	fa, _ := newTestAccess(t)

	res, err := fa.Exec(context.Background(), "sleep 5", 50*time.Millisecond)
	require.ErrorIs(t, err, swarmerr.ErrAgentTimeout)
	require.True(t, res.TimedOut)
	require.Equal(t, -1, res.ExitCode)
}
