// Package toolhost implements the bounded tool surface agents work
// through: file reads and writes, globbing, grepping, an allow-listed
// shell, and task completion. Arguments are validated against each tool's
// JSON schema before dispatch.
package toolhost

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sergi/go-diff/diffmatchpatch"
	"go.opentelemetry.io/otel/attribute"

	"github.com/zjrosen/swarm/internal/fileaccess"
	"github.com/zjrosen/swarm/internal/log"
	"github.com/zjrosen/swarm/internal/orchestration/board"
	"github.com/zjrosen/swarm/internal/orchestration/events"
	"github.com/zjrosen/swarm/internal/orchestration/tracing"
)

// Output bounds.
const (
	maxGlobResults = 100
	maxGrepMatches = 50
	maxGrepLine    = 200
	maxBashOutput  = 10000
)

// bashAllowList admits commands by their first token.
var bashAllowList = map[string]bool{
	"npm": true, "npx": true, "yarn": true, "pnpm": true, "node": true,
	"tsc": true, "eslint": true, "prettier": true, "git": true,
	"ls": true, "cat": true, "echo": true, "pwd": true, "mkdir": true,
	"cp": true, "mv": true, "rm": true, "grep": true, "find": true,
	"head": true, "tail": true, "wc": true,
}

// bashDenyPatterns reject destructive commands regardless of the allow
// list.
var bashDenyPatterns = []string{
	"rm -rf /",
	"rm -rf ~",
	"> /dev/sd",
	"mkfs",
	"dd if=",
	":(){ :|:& };:",
}

// excludedGlobPrefixes are never surfaced by glob or grep.
var excludedGlobPrefixes = []string{"node_modules/", ".git/"}

// PartType distinguishes tool result content.
type PartType string

const (
	PartText  PartType = "text"
	PartError PartType = "error"
)

// Part is one piece of tool result content.
type Part struct {
	Type PartType `json:"type"`
	Text string   `json:"text"`
}

// Call is one tool invocation request.
type Call struct {
	SessionID string
	AgentID   string
	TaskID    string
	ID        string
	Name      string
	Args      json.RawMessage
}

// Result is the outcome of a tool invocation. Change is set when the tool
// mutated a file; Done signals task_complete.
type Result struct {
	Parts   []Part
	IsError bool

	Change       *board.CodeChange
	Done         bool
	Summary      string
	FilesChanged []string
	Notes        string
}

// Text joins the result's content parts.
func (r Result) Text() string {
	parts := make([]string, len(r.Parts))
	for i, p := range r.Parts {
		parts[i] = p.Text
	}
	return strings.Join(parts, "\n")
}

func textResult(format string, args ...any) Result {
	return Result{Parts: []Part{{Type: PartText, Text: fmt.Sprintf(format, args...)}}}
}

func errorResult(format string, args ...any) Result {
	return Result{
		Parts:   []Part{{Type: PartError, Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

// Host dispatches tool calls against one workspace.
type Host struct {
	fa          *fileaccess.FileAccess
	bus         *events.Bus
	schemas     map[string]*jsonschema.Schema
	bashTimeout time.Duration
}

// New creates a tool host over the given workspace access.
func New(fa *fileaccess.FileAccess, bus *events.Bus, bashTimeout time.Duration) (*Host, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	if bashTimeout <= 0 {
		bashTimeout = 30 * time.Second
	}
	return &Host{fa: fa, bus: bus, schemas: schemas, bashTimeout: bashTimeout}, nil
}

// Invoke validates the call's arguments against the tool schema and
// dispatches. Handler failures come back as error content parts, never as
// Go errors; only unknown tools and schema violations are error results
// too, so the model always gets something to react to.
func (h *Host) Invoke(ctx context.Context, call Call) Result {
	ctx, span := tracing.Start(ctx, tracing.SpanPrefixTool+call.Name,
		attribute.String(tracing.AttrSessionID, call.SessionID),
		attribute.String(tracing.AttrAgentID, call.AgentID),
		attribute.String(tracing.AttrTaskID, call.TaskID),
		attribute.String(tracing.AttrToolCallID, call.ID),
	)
	res := h.dispatch(ctx, call)
	if res.IsError {
		tracing.End(span, fmt.Errorf("%s", res.Text()))
	} else {
		tracing.End(span, nil)
	}

	log.Debug(log.CatTool, "Tool call", "tool", call.Name, "agentID", call.AgentID, "isError", res.IsError)
	if h.bus != nil {
		h.bus.Publish(events.ToolCall, call.SessionID, events.ToolCallPayload{
			AgentID: call.AgentID,
			TaskID:  call.TaskID,
			Tool:    call.Name,
			IsError: res.IsError,
		})
	}
	return res
}

func (h *Host) dispatch(ctx context.Context, call Call) Result {
	sch, ok := h.schemas[call.Name]
	if !ok {
		return errorResult("unknown tool: %s", call.Name)
	}

	var args any
	if err := json.Unmarshal(normalizeArgs(call.Args), &args); err != nil {
		return errorResult("invalid tool arguments: %v", err)
	}
	if err := sch.Validate(args); err != nil {
		return errorResult("tool arguments failed validation: %v", err)
	}

	switch call.Name {
	case ToolReadFile:
		return h.readFile(call.Args)
	case ToolWriteFile:
		return h.writeFile(call.Args)
	case ToolEditFile:
		return h.editFile(call.Args)
	case ToolGlob:
		return h.glob(call.Args)
	case ToolGrep:
		return h.grep(call.Args)
	case ToolBash:
		return h.bash(ctx, call.Args)
	case ToolTaskComplete:
		return h.taskComplete(call.Args)
	default:
		return errorResult("unknown tool: %s", call.Name)
	}
}

// normalizeArgs treats empty argument payloads as an empty object.
func normalizeArgs(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

func (h *Host) readFile(raw json.RawMessage) Result {
	var args struct {
		Path      string `json:"path"`
		StartLine int    `json:"startLine"`
		EndLine   int    `json:"endLine"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult("invalid arguments: %v", err)
	}

	content, err := h.fa.Read(args.Path)
	if err != nil {
		return errorResult("%v", err)
	}

	if args.StartLine > 0 || args.EndLine > 0 {
		lines := strings.Split(content, "\n")
		start := args.StartLine
		if start < 1 {
			start = 1
		}
		end := args.EndLine
		if end < 1 || end > len(lines) {
			end = len(lines)
		}
		if start > len(lines) {
			return errorResult("start line %d past end of file (%d lines)", start, len(lines))
		}
		content = strings.Join(lines[start-1:end], "\n")
	}
	return textResult("%s", content)
}

func (h *Host) writeFile(raw json.RawMessage) Result {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult("invalid arguments: %v", err)
	}

	kind := board.ChangeCreate
	if h.fa.Exists(args.Path) {
		kind = board.ChangeModify
	}
	if err := h.fa.Write(args.Path, args.Content); err != nil {
		return errorResult("%v", err)
	}

	res := textResult("wrote %d bytes to %s", len(args.Content), args.Path)
	res.Change = &board.CodeChange{Path: args.Path, Kind: kind, NewContent: args.Content}
	return res
}

func (h *Host) editFile(raw json.RawMessage) Result {
	var args struct {
		Path string `json:"path"`
		Old  string `json:"old"`
		New  string `json:"new"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult("invalid arguments: %v", err)
	}

	content, err := h.fa.Read(args.Path)
	if err != nil {
		return errorResult("%v", err)
	}
	if !strings.Contains(content, args.Old) {
		return errorResult("old text not found in %s", args.Path)
	}

	updated := strings.Replace(content, args.Old, args.New, 1)
	if err := h.fa.Write(args.Path, updated); err != nil {
		return errorResult("%v", err)
	}

	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(content, updated)
	diff := dmp.PatchToText(patches)

	res := textResult("edited %s", args.Path)
	res.Change = &board.CodeChange{Path: args.Path, Kind: board.ChangeModify, Diff: diff}
	return res
}

func (h *Host) glob(raw json.RawMessage) Result {
	var args struct {
		Pattern string `json:"pattern"`
		Base    string `json:"base"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult("invalid arguments: %v", err)
	}

	pattern := args.Pattern
	if args.Base != "" {
		pattern = strings.TrimSuffix(args.Base, "/") + "/" + pattern
	}

	matches, err := h.fa.Glob(pattern)
	if err != nil {
		return errorResult("%v", err)
	}

	var kept []string
	for _, m := range matches {
		if excludedPath(m) {
			continue
		}
		kept = append(kept, m)
	}

	truncated := false
	if len(kept) > maxGlobResults {
		kept = kept[:maxGlobResults]
		truncated = true
	}
	out := strings.Join(kept, "\n")
	if truncated {
		out += fmt.Sprintf("\n... truncated to first %d results", maxGlobResults)
	}
	if out == "" {
		out = "no matches"
	}
	return textResult("%s", out)
}

func (h *Host) grep(raw json.RawMessage) Result {
	var args struct {
		Pattern         string `json:"pattern"`
		Base            string `json:"base"`
		FilePattern     string `json:"filePattern"`
		CaseInsensitive bool   `json:"caseInsensitive"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult("invalid arguments: %v", err)
	}

	expr := args.Pattern
	if args.CaseInsensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return errorResult("invalid pattern: %v", err)
	}

	filePattern := args.FilePattern
	if filePattern == "" {
		filePattern = "**/*"
	}
	if args.Base != "" {
		filePattern = strings.TrimSuffix(args.Base, "/") + "/" + filePattern
	}

	paths, err := h.fa.Glob(filePattern)
	if err != nil {
		return errorResult("%v", err)
	}

	var lines []string
	for _, p := range paths {
		if excludedPath(p) {
			continue
		}
		content, err := h.fa.Read(p)
		if err != nil {
			continue // binary, directory, permission
		}
		for i, line := range strings.Split(content, "\n") {
			if !re.MatchString(line) {
				continue
			}
			if len(line) > maxGrepLine {
				line = truncateLine(line, maxGrepLine)
			}
			lines = append(lines, fmt.Sprintf("%s:%d: %s", p, i+1, line))
			if len(lines) >= maxGrepMatches {
				return textResult("%s\n... capped at %d matches", strings.Join(lines, "\n"), maxGrepMatches)
			}
		}
	}
	if len(lines) == 0 {
		return textResult("no matches")
	}
	return textResult("%s", strings.Join(lines, "\n"))
}

func (h *Host) bash(ctx context.Context, raw json.RawMessage) Result {
	var args struct {
		Command   string `json:"command"`
		Cwd       string `json:"cwd"`
		TimeoutMs int    `json:"timeoutMs"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult("invalid arguments: %v", err)
	}

	if err := vetCommand(args.Command); err != nil {
		return errorResult("%v", err)
	}

	timeout := h.bashTimeout
	if args.TimeoutMs > 0 {
		timeout = time.Duration(args.TimeoutMs) * time.Millisecond
	}

	command := args.Command
	if args.Cwd != "" {
		if _, err := h.fa.Resolve(args.Cwd); err != nil {
			return errorResult("%v", err)
		}
		command = fmt.Sprintf("cd %q && %s", args.Cwd, args.Command)
	}

	res, err := h.fa.Exec(ctx, command, timeout)
	if err != nil && !res.TimedOut {
		return errorResult("%v", err)
	}

	out := res.Stdout
	if res.Stderr != "" {
		out += "\n" + res.Stderr
	}
	if len(out) > maxBashOutput {
		out = truncateLine(out, maxBashOutput) + "\n... output truncated"
	}
	if res.TimedOut {
		return errorResult("command timed out after %s\n%s", timeout, out)
	}
	if res.ExitCode != 0 {
		return errorResult("exit code %d\n%s", res.ExitCode, out)
	}
	return textResult("%s", out)
}

// vetCommand enforces the bash allow and deny lists before any subprocess
// is spawned.
func vetCommand(command string) error {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return fmt.Errorf("empty command")
	}

	for _, pattern := range bashDenyPatterns {
		if strings.Contains(trimmed, pattern) {
			return fmt.Errorf("command rejected by deny list: %s", pattern)
		}
	}

	first := strings.Fields(trimmed)[0]
	if !bashAllowList[first] {
		return fmt.Errorf("command not in allow list: %s", first)
	}
	return nil
}

func (h *Host) taskComplete(raw json.RawMessage) Result {
	var args struct {
		Summary      string   `json:"summary"`
		FilesChanged []string `json:"filesChanged"`
		Notes        string   `json:"notes"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResult("invalid arguments: %v", err)
	}

	res := textResult("task marked complete")
	res.Done = true
	res.Summary = args.Summary
	res.FilesChanged = args.FilesChanged
	res.Notes = args.Notes
	return res
}

func excludedPath(p string) bool {
	for _, prefix := range excludedGlobPrefixes {
		if strings.HasPrefix(p, prefix) || strings.Contains(p, "/"+prefix) {
			return true
		}
	}
	return false
}

// truncateLine cuts s to at most n bytes without splitting a rune.
func truncateLine(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
