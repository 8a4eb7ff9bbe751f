package toolhost

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/swarm/internal/fileaccess"
	"github.com/zjrosen/swarm/internal/orchestration/board"
)

func newTestHost(t *testing.T) (*Host, string) {
	t.Helper()
	dir := t.TempDir()
	fa, err := fileaccess.New(dir)
	require.NoError(t, err)
	h, err := New(fa, nil, 5*time.Second)
	require.NoError(t, err)
	return h, dir
}

func invoke(t *testing.T, h *Host, name string, args string) Result {
	t.Helper()
	return h.Invoke(context.Background(), Call{
		SessionID: "sess-1",
		AgentID:   "agent-a",
		ID:        "call-1",
		Name:      name,
		Args:      json.RawMessage(args),
	})
}

func TestHost_UnknownTool(t *testing.T) {
	h, _ := newTestHost(t)
	res := invoke(t, h, "launch_missiles", `{}`)
	require.True(t, res.IsError)
	require.Contains(t, res.Text(), "unknown tool")
}

func TestHost_SchemaValidation(t *testing.T) {
	h, _ := newTestHost(t)

	tests := []struct {
		name string
		tool string
		args string
	}{
		{"missing required", ToolReadFile, `{}`},
		{"wrong type", ToolReadFile, `{"path": 42}`},
		{"extra property", ToolWriteFile, `{"path": "a.txt", "content": "x", "mode": "0755"}`},
		{"malformed json", ToolGlob, `{"pattern":`},
		{"below minimum", ToolReadFile, `{"path": "a.txt", "startLine": 0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := invoke(t, h, tt.tool, tt.args)
			require.True(t, res.IsError)
		})
	}
}

func TestHost_ReadFile(t *testing.T) {
	h, dir := newTestHost(t)
	content := "one\ntwo\nthree\nfour\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(content), 0o600))

	res := invoke(t, h, ToolReadFile, `{"path": "notes.txt"}`)
	require.False(t, res.IsError)
	require.Equal(t, content, res.Text())

	// Line slicing is 1-based and inclusive.
	res = invoke(t, h, ToolReadFile, `{"path": "notes.txt", "startLine": 2, "endLine": 3}`)
	require.False(t, res.IsError)
	require.Equal(t, "two\nthree", res.Text())

	res = invoke(t, h, ToolReadFile, `{"path": "notes.txt", "startLine": 99}`)
	require.True(t, res.IsError)

	res = invoke(t, h, ToolReadFile, `{"path": "absent.txt"}`)
	require.True(t, res.IsError)
}

func TestHost_ReadFile_EscapeRefused(t *testing.T) {
	h, _ := newTestHost(t)
	res := invoke(t, h, ToolReadFile, `{"path": "../../etc/passwd"}`)
	require.True(t, res.IsError)
}

func TestHost_WriteFile(t *testing.T) {
	h, dir := newTestHost(t)

	res := invoke(t, h, ToolWriteFile, `{"path": "src/app.ts", "content": "export {}"}`)
	require.False(t, res.IsError)
	require.NotNil(t, res.Change)
	require.Equal(t, board.ChangeCreate, res.Change.Kind)
	require.Equal(t, "src/app.ts", res.Change.Path)

	data, err := os.ReadFile(filepath.Join(dir, "src", "app.ts"))
	require.NoError(t, err)
	require.Equal(t, "export {}", string(data))

	// Writing over an existing file reports a modify.
	res = invoke(t, h, ToolWriteFile, `{"path": "src/app.ts", "content": "export default {}"}`)
	require.False(t, res.IsError)
	require.Equal(t, board.ChangeModify, res.Change.Kind)
}

func TestHost_EditFile(t *testing.T) {
	h, dir := newTestHost(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello world"), 0o600))

	res := invoke(t, h, ToolEditFile, `{"path": "a.txt", "old": "world", "new": "swarm"}`)
	require.False(t, res.IsError)
	require.NotNil(t, res.Change)
	require.NotEmpty(t, res.Change.Diff)

	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello swarm", string(data))

	res = invoke(t, h, ToolEditFile, `{"path": "a.txt", "old": "absent", "new": "x"}`)
	require.True(t, res.IsError)
	require.Contains(t, res.Text(), "old text not found")
}

func TestHost_Glob(t *testing.T) {
	h, dir := newTestHost(t)
	for _, p := range []string{"src/a.ts", "src/b.ts", "src/c.js", "node_modules/dep/index.ts"} {
		full := filepath.Join(dir, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o750))
		require.NoError(t, os.WriteFile(full, []byte("x"), 0o600))
	}

	res := invoke(t, h, ToolGlob, `{"pattern": "**/*.ts"}`)
	require.False(t, res.IsError)
	require.Contains(t, res.Text(), "src/a.ts")
	require.Contains(t, res.Text(), "src/b.ts")
	require.NotContains(t, res.Text(), "node_modules", "dependency trees are excluded")
	require.NotContains(t, res.Text(), "c.js")

	res = invoke(t, h, ToolGlob, `{"pattern": "*.ts", "base": "src"}`)
	require.False(t, res.IsError)
	require.Contains(t, res.Text(), "src/a.ts")

	res = invoke(t, h, ToolGlob, `{"pattern": "**/*.rs"}`)
	require.Equal(t, "no matches", res.Text())
}

func TestHost_Grep(t *testing.T) {
	h, dir := newTestHost(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha\nBETA\ngamma"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("beta again"), 0o600))

	res := invoke(t, h, ToolGrep, `{"pattern": "beta"}`)
	require.False(t, res.IsError)
	require.Contains(t, res.Text(), "b.txt:1: beta again")
	require.NotContains(t, res.Text(), "BETA")

	res = invoke(t, h, ToolGrep, `{"pattern": "beta", "caseInsensitive": true}`)
	require.Contains(t, res.Text(), "a.txt:2: BETA")

	res = invoke(t, h, ToolGrep, `{"pattern": "["}`)
	require.True(t, res.IsError)
	require.Contains(t, res.Text(), "invalid pattern")

	res = invoke(t, h, ToolGrep, `{"pattern": "nowhere"}`)
	require.Equal(t, "no matches", res.Text())
}

func TestHost_Grep_TruncatesOnRuneBoundary(t *testing.T) {
	h, dir := newTestHost(t)
	line := "needle " + strings.Repeat("é", 200)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "u.txt"), []byte(line), 0o600))

	res := invoke(t, h, ToolGrep, `{"pattern": "needle"}`)
	require.False(t, res.IsError)
	require.True(t, utf8.ValidString(res.Text()), "long lines are cut between runes")
}

func TestTruncateLine(t *testing.T) {
	s := "a" + strings.Repeat("é", 150)
	cut := truncateLine(s, maxGrepLine)
	require.LessOrEqual(t, len(cut), maxGrepLine)
	require.True(t, utf8.ValidString(cut))
	require.Equal(t, s, truncateLine(s, len(s)), "short input passes through")
}

func TestHost_Bash(t *testing.T) {
	h, _ := newTestHost(t)

	res := invoke(t, h, ToolBash, `{"command": "echo hello"}`)
	require.False(t, res.IsError)
	require.Contains(t, res.Text(), "hello")

	// Non-zero exits come back as error parts with the output attached.
	res = invoke(t, h, ToolBash, `{"command": "ls /definitely/not/a/path"}`)
	require.True(t, res.IsError)
	require.Contains(t, res.Text(), "exit code")
}

func TestVetCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		ok      bool
	}{
		{"allowed", "npm test", true},
		{"allowed with args", "git status --short", true},
		{"not allow-listed", "curl http://example.com", false},
		{"empty", "   ", false},
		{"deny list beats allow list", "rm -rf /", false},
		{"fork bomb", "echo ':(){ :|:& };:'", false},
		{"disk overwrite", "cat foo > /dev/sda", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := vetCommand(tt.command)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestHost_Bash_DenyListBeforeExec(t *testing.T) {
	h, _ := newTestHost(t)
	res := invoke(t, h, ToolBash, `{"command": "rm -rf /"}`)
	require.True(t, res.IsError)
	require.Contains(t, res.Text(), "deny list")
}

func TestHost_TaskComplete(t *testing.T) {
	h, _ := newTestHost(t)

	res := invoke(t, h, ToolTaskComplete,
		`{"summary": "implemented the parser", "filesChanged": ["src/parser.ts"], "notes": "edge cases covered"}`)
	require.False(t, res.IsError)
	require.True(t, res.Done)
	require.Equal(t, "implemented the parser", res.Summary)
	require.Equal(t, []string{"src/parser.ts"}, res.FilesChanged)
	require.Equal(t, "edge cases covered", res.Notes)

	res = invoke(t, h, ToolTaskComplete, `{}`)
	require.True(t, res.IsError, "summary is required")
}

func TestHost_Definitions(t *testing.T) {
	h, _ := newTestHost(t)

	defs := h.Definitions([]string{ToolGrep, ToolReadFile, "made_up"})
	require.Len(t, defs, 2)
	// Canonical order, not request order.
	require.Equal(t, ToolReadFile, defs[0].Name)
	require.Equal(t, ToolGrep, defs[1].Name)
	for _, d := range defs {
		require.NotEmpty(t, d.Description)
		require.True(t, strings.Contains(string(d.Schema), "properties"))
	}
}
