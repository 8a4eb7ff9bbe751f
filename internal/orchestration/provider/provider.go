// Package provider defines the model access boundary. The orchestrator and
// agent runners speak to any LLM backend through ModelProvider; the
// scripted implementation backs tests and dry runs.
package provider

import (
	"context"
	"encoding/json"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a model conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCallID ties a RoleTool message back to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolCalls is set on assistant turns that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolDef describes a tool offered to the model. Schema is a JSON Schema
// document for the tool's arguments.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Usage reports the token consumption of one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StopReason tells why the model stopped.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Request is one completion call.
type Request struct {
	Model     string    `json:"model"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Tools     []ToolDef `json:"tools,omitempty"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// Response is the model's answer to a Request.
type Response struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Usage      Usage      `json:"usage"`
	StopReason StopReason `json:"stop_reason"`
}

// ModelProvider abstracts an LLM backend. Implementations must be safe for
// concurrent use; the context bounds the call.
type ModelProvider interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
