package tracing

// Span attribute keys for orchestration tracing.
const (
	// Session attributes
	AttrSessionID     = "session.id"
	AttrSessionStatus = "session.status"

	// Agent attributes
	AttrAgentID   = "agent.id"
	AttrAgentRole = "agent.role"

	// Task attributes
	AttrTaskID   = "task.id"
	AttrTaskType = "task.type"

	// Model attributes
	AttrModelID      = "model.id"
	AttrInputTokens  = "model.input_tokens"
	AttrOutputTokens = "model.output_tokens"

	// Tool attributes
	AttrToolName   = "tool.name"
	AttrToolCallID = "tool.call_id"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixTick  = "orchestrator.tick."
	SpanPrefixModel = "model."
	SpanPrefixTool  = "tool."
)
