package toolhost

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/zjrosen/swarm/internal/orchestration/provider"
)

// Tool names exposed to agents.
const (
	ToolReadFile     = "read_file"
	ToolWriteFile    = "write_file"
	ToolEditFile     = "edit_file"
	ToolGlob         = "glob"
	ToolGrep         = "grep"
	ToolBash         = "bash"
	ToolTaskComplete = "task_complete"
)

// toolSpec pairs a tool's public definition with its argument schema.
type toolSpec struct {
	name        string
	description string
	schema      string
}

var toolSpecs = []toolSpec{
	{
		name:        ToolReadFile,
		description: "Read a file from the workspace, optionally sliced to a line range.",
		schema: `{
			"type": "object",
			"properties": {
				"path": {"type": "string"},
				"startLine": {"type": "integer", "minimum": 1},
				"endLine": {"type": "integer", "minimum": 1}
			},
			"required": ["path"],
			"additionalProperties": false
		}`,
	},
	{
		name:        ToolWriteFile,
		description: "Create or replace a file in the workspace.",
		schema: `{
			"type": "object",
			"properties": {
				"path": {"type": "string"},
				"content": {"type": "string"}
			},
			"required": ["path", "content"],
			"additionalProperties": false
		}`,
	},
	{
		name:        ToolEditFile,
		description: "Replace one exact occurrence of a string in a file.",
		schema: `{
			"type": "object",
			"properties": {
				"path": {"type": "string"},
				"old": {"type": "string"},
				"new": {"type": "string"}
			},
			"required": ["path", "old", "new"],
			"additionalProperties": false
		}`,
	},
	{
		name:        ToolGlob,
		description: "List workspace files matching a glob pattern.",
		schema: `{
			"type": "object",
			"properties": {
				"pattern": {"type": "string"},
				"base": {"type": "string"}
			},
			"required": ["pattern"],
			"additionalProperties": false
		}`,
	},
	{
		name:        ToolGrep,
		description: "Search file contents with a regular expression.",
		schema: `{
			"type": "object",
			"properties": {
				"pattern": {"type": "string"},
				"base": {"type": "string"},
				"filePattern": {"type": "string"},
				"caseInsensitive": {"type": "boolean"}
			},
			"required": ["pattern"],
			"additionalProperties": false
		}`,
	},
	{
		name:        ToolBash,
		description: "Run an allow-listed shell command in the workspace.",
		schema: `{
			"type": "object",
			"properties": {
				"command": {"type": "string"},
				"cwd": {"type": "string"},
				"timeoutMs": {"type": "integer", "minimum": 1}
			},
			"required": ["command"],
			"additionalProperties": false
		}`,
	},
	{
		name:        ToolTaskComplete,
		description: "Signal that the task is finished, with a summary of the work.",
		schema: `{
			"type": "object",
			"properties": {
				"summary": {"type": "string"},
				"filesChanged": {"type": "array", "items": {"type": "string"}},
				"notes": {"type": "string"}
			},
			"required": ["summary"],
			"additionalProperties": false
		}`,
	},
}

// compileSchemas builds the validation schemas for every tool.
func compileSchemas() (map[string]*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	for _, spec := range toolSpecs {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(spec.schema))
		if err != nil {
			return nil, fmt.Errorf("parsing schema for %s: %w", spec.name, err)
		}
		if err := compiler.AddResource(spec.name+".json", doc); err != nil {
			return nil, fmt.Errorf("adding schema for %s: %w", spec.name, err)
		}
	}

	out := make(map[string]*jsonschema.Schema, len(toolSpecs))
	for _, spec := range toolSpecs {
		sch, err := compiler.Compile(spec.name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compiling schema for %s: %w", spec.name, err)
		}
		out[spec.name] = sch
	}
	return out, nil
}

// Definitions returns provider tool definitions for the named tools,
// preserving the canonical order and silently dropping unknown names.
func (h *Host) Definitions(allowed []string) []provider.ToolDef {
	allowSet := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		allowSet[name] = true
	}

	var out []provider.ToolDef
	for _, spec := range toolSpecs {
		if !allowSet[spec.name] {
			continue
		}
		out = append(out, provider.ToolDef{
			Name:        spec.name,
			Description: spec.description,
			Schema:      []byte(spec.schema),
		})
	}
	return out
}
