// Package fileaccess provides workspace-rooted file operations. Every path
// is resolved relative to the root and refused if it escapes, so agents can
// be handed a FileAccess scoped to their worktree.
package fileaccess

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/zjrosen/swarm/internal/orchestration/swarmerr"
)

// FileAccess performs file operations confined to a root directory.
type FileAccess struct {
	root string
}

// New creates a FileAccess rooted at dir. The directory must exist.
func New(dir string) (*FileAccess, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, swarmerr.Newf(swarmerr.CodeValidation, "root is not a directory: %s", abs)
	}
	return &FileAccess{root: abs}, nil
}

// Root returns the absolute root directory.
func (f *FileAccess) Root() string { return f.root }

// Resolve maps a workspace-relative path to an absolute one, refusing
// escapes. Absolute inputs are accepted only when already under the root.
func (f *FileAccess) Resolve(rel string) (string, error) {
	p := rel
	if !filepath.IsAbs(p) {
		p = filepath.Join(f.root, p)
	}
	p = filepath.Clean(p)
	if p != f.root && !strings.HasPrefix(p, f.root+string(filepath.Separator)) {
		return "", swarmerr.Newf(swarmerr.CodeValidation, "path escapes workspace: %s", rel)
	}
	return p, nil
}

// Rel returns the workspace-relative form of an absolute path under root.
func (f *FileAccess) Rel(abs string) string {
	r, err := filepath.Rel(f.root, abs)
	if err != nil {
		return abs
	}
	return r
}

// Read returns the content of a file.
func (f *FileAccess) Read(path string) (string, error) {
	abs, err := f.Resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs) //nolint:gosec // G304: resolved inside root
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}

// Exists reports whether a path exists under the root.
func (f *FileAccess) Exists(path string) bool {
	abs, err := f.Resolve(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

// Write creates or replaces a file, creating parent directories as needed.
func (f *FileAccess) Write(path, content string) error {
	abs, err := f.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("creating parent dirs for %s: %w", path, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil { //nolint:gosec // G306: workspace file
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Delete removes a file.
func (f *FileAccess) Delete(path string) error {
	abs, err := f.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	return nil
}

// Glob returns workspace-relative paths matching a doublestar pattern,
// sorted for determinism.
func (f *FileAccess) Glob(pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, swarmerr.Newf(swarmerr.CodeValidation, "invalid glob pattern: %s", pattern)
	}
	matches, err := doublestar.Glob(os.DirFS(f.root), pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", pattern, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// GrepMatch is one matching line from Grep.
type GrepMatch struct {
	Path string
	Line int
	Text string
}

// Grep searches files matching the glob pattern for lines containing the
// substring. An empty pattern searches everything.
func (f *FileAccess) Grep(substr, pattern string) ([]GrepMatch, error) {
	if pattern == "" {
		pattern = "**/*"
	}
	paths, err := f.Glob(pattern)
	if err != nil {
		return nil, err
	}

	var out []GrepMatch
	for _, p := range paths {
		abs, err := f.Resolve(p)
		if err != nil {
			continue
		}
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			continue
		}
		data, err := os.ReadFile(abs) //nolint:gosec // G304: resolved inside root
		if err != nil {
			continue
		}
		if bytes.IndexByte(data, 0) >= 0 {
			continue // binary
		}
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, substr) {
				out = append(out, GrepMatch{Path: p, Line: i + 1, Text: line})
			}
		}
	}
	return out, nil
}

// ExecResult is the outcome of a shell command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Exec runs a shell command in the workspace root with a timeout.
func (f *FileAccess) Exec(ctx context.Context, command string, timeout time.Duration) (ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", command) //nolint:gosec // G204: agent tool surface
	cmd.Dir = f.root

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		return res, swarmerr.Newf(swarmerr.CodeAgentTimeout, "command timed out after %s", timeout)
	}
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			res.ExitCode = ee.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("running command: %w", err)
	}
	return res, nil
}
