// Package events defines the typed event surface of the swarm core and the
// bus that carries it. Every externally observable mutation is published
// here; subscribers choose between back-pressure and bounded-buffer
// delivery per the pubsub broker contract.
package events

import (
	"context"
	"time"

	"github.com/zjrosen/swarm/internal/pubsub"
)

// Kind identifies the type of an event.
type Kind string

const (
	SessionUpdated     Kind = "session_updated"
	TaskCreated        Kind = "task_created"
	TaskUpdated        Kind = "task_updated"
	TaskDeleted        Kind = "task_deleted"
	AgentSpawned       Kind = "agent_spawned"
	AgentUpdated       Kind = "agent_updated"
	AgentProgress      Kind = "agent_progress"
	AgentTerminated    Kind = "agent_terminated"
	MessageSent        Kind = "message_sent"
	BroadcastSent      Kind = "broadcast_sent"
	ArtifactCreated    Kind = "artifact_created"
	ToolCall           Kind = "tool_call"
	CostUpdate         Kind = "cost_update"
	KeyUsage           Kind = "key_usage"
	QuotaExceeded      Kind = "quota_exceeded"
	RateLimitHit       Kind = "rate_limit_hit"
	OrchestrationStep  Kind = "orchestration_step"
	OrchestrationError Kind = "orchestration_error"
)

// Event is the envelope carried on the bus.
type Event struct {
	Kind      Kind
	SessionID string
	Timestamp time.Time
	Payload   any
}

// SessionPayload describes a session status change.
type SessionPayload struct {
	SessionID string
	Status    string
}

// TaskPayload describes a task mutation.
type TaskPayload struct {
	TaskID   string
	Title    string
	Status   string
	Column   string
	AgentID  string
	Attempts int
}

// AgentPayload describes an agent lifecycle change.
type AgentPayload struct {
	AgentID string
	Role    string
	Status  string
	TaskID  string
}

// ProgressPayload describes work progress on a task, 0..100.
type ProgressPayload struct {
	AgentID  string
	TaskID   string
	Progress int
}

// MessagePayload describes a delivered mailbox message.
type MessagePayload struct {
	MessageID string
	From      string
	To        string
	Type      string
	ThreadID  string
}

// BroadcastPayload describes a session-wide broadcast.
type BroadcastPayload struct {
	BroadcastID string
	From        string
	Importance  string
}

// ArtifactPayload describes a recorded artifact.
type ArtifactPayload struct {
	ArtifactID string
	Name       string
	Type       string
	TaskID     string
}

// ToolCallPayload describes one tool dispatch by an agent.
type ToolCallPayload struct {
	AgentID string
	TaskID  string
	Tool    string
	IsError bool
}

// CostPayload describes a cost ledger update.
type CostPayload struct {
	RecordID string
	AgentID  string
	TaskID   string
	ModelID  string
	Tokens   int
	CostUSD  float64
	TotalUSD float64
}

// KeyUsagePayload describes usage recorded against an API key.
type KeyUsagePayload struct {
	UserID string
	KeyID  string
	Tokens int
}

// QuotaPayload describes a quota boundary event.
type QuotaPayload struct {
	UserID string
	KeyID  string
	Used   int
	Quota  int
}

// RateLimitPayload describes a rejected request due to rate limiting.
type RateLimitPayload struct {
	KeyID      string
	RetryAfter int // seconds until the minute window rolls over
}

// OrchestrationPayload describes an orchestrator phase step or failure.
type OrchestrationPayload struct {
	Phase  string
	Detail string
	Err    string
}

// Bus fans events out to subscribers.
type Bus struct {
	broker *pubsub.Broker[Event]
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{broker: pubsub.NewBroker[Event]()}
}

// Publish emits an event. The timestamp is stamped here so subscribers
// observe bus order.
func (b *Bus) Publish(kind Kind, sessionID string, payload any) {
	b.broker.Publish(pubsub.UpdatedEvent, Event{
		Kind:      kind,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// Subscribe returns a back-pressure subscription (publisher waits for slow
// subscribers).
func (b *Bus) Subscribe(ctx context.Context) <-chan pubsub.Event[Event] {
	return b.broker.Subscribe(ctx)
}

// SubscribeBuffered returns a bounded-buffer subscription that may drop
// events when the subscriber falls behind.
func (b *Bus) SubscribeBuffered(ctx context.Context, size int) <-chan pubsub.Event[Event] {
	return b.broker.SubscribeBuffered(ctx, size)
}

// Close shuts down the bus.
func (b *Bus) Close() {
	b.broker.Close()
}
