// Package mailbox implements inter-agent messaging for a session: direct
// messages with threading, session-wide broadcasts with acknowledgement,
// per-agent inboxes, and unread tracking. Messages are append-only.
package mailbox

import (
	"sort"
	"sync"
	"time"

	"github.com/zjrosen/swarm/internal/clock"
	"github.com/zjrosen/swarm/internal/log"
	"github.com/zjrosen/swarm/internal/orchestration/events"
	"github.com/zjrosen/swarm/internal/orchestration/swarmerr"
)

// Reserved recipient names. Lead addresses the orchestrator; All addresses
// the whole session. Messages to either are log-only: they land in the
// session history and on the event bus but in no inbox. Tracked delivery
// to every participant goes through SendBroadcast.
const (
	RecipientLead = "lead"
	RecipientAll  = "all"
)

// MessageType classifies the intent of a message.
type MessageType string

const (
	TypeQuestion       MessageType = "question"
	TypeAnswer         MessageType = "answer"
	TypeStatusUpdate   MessageType = "status_update"
	TypeHelpRequest    MessageType = "help_request"
	TypeHandoff        MessageType = "handoff"
	TypeTaskAssignment MessageType = "task_assignment"
	TypeReviewRequest  MessageType = "review_request"
)

// Priority orders messages in an inbox.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Importance grades a broadcast.
type Importance string

const (
	ImportanceInfo     Importance = "info"
	ImportanceWarning  Importance = "warning"
	ImportanceCritical Importance = "critical"
)

// Message is one direct mailbox entry. From and To are agent ids or a
// reserved name.
type Message struct {
	ID               string      `json:"id"`
	SessionID        string      `json:"session_id"`
	From             string      `json:"from"`
	To               string      `json:"to"`
	Type             MessageType `json:"type"`
	Subject          string      `json:"subject,omitempty"`
	Content          string      `json:"content"`
	Priority         Priority    `json:"priority"`
	RequiresResponse bool        `json:"requires_response,omitempty"`
	ResponseDeadline *time.Time  `json:"response_deadline,omitempty"`
	Read             bool        `json:"read"`
	ReadAt           *time.Time  `json:"read_at,omitempty"`
	ThreadID         string      `json:"thread_id"`
	ReplyTo          string      `json:"reply_to,omitempty"`
	TaskID           string      `json:"task_id,omitempty"`
	Attachments      []string    `json:"attachments,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`

	seq int
}

// Broadcast is one session-wide announcement with acknowledgement
// tracking.
type Broadcast struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"session_id"`
	From           string     `json:"from"`
	Content        string     `json:"content"`
	Importance     Importance `json:"importance"`
	Recipients     []string   `json:"recipients,omitempty"`
	AcknowledgedBy []string   `json:"acknowledged_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`

	seq int
}

// Mailbox holds all messages and broadcasts of one session.
type Mailbox struct {
	sessionID  string
	messages   map[string]*Message
	broadcasts map[string]*Broadcast
	inboxes    map[string][]string // recipient -> message ids in arrival order
	unread     map[string]int
	recipients map[string]bool
	nextSeq    int
	bus        *events.Bus
	clk        clock.Clock
	mu         sync.RWMutex
}

// New creates an empty mailbox. The lead is always registered.
func New(sessionID string, bus *events.Bus, clk clock.Clock) *Mailbox {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Mailbox{
		sessionID:  sessionID,
		messages:   make(map[string]*Message),
		broadcasts: make(map[string]*Broadcast),
		inboxes:    make(map[string][]string),
		unread:     make(map[string]int),
		recipients: map[string]bool{RecipientLead: true},
		bus:        bus,
		clk:        clk,
	}
}

// Register adds a participant so broadcasts address it.
func (m *Mailbox) Register(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recipients[id] = true
}

// Unregister removes a participant from future broadcast audiences. Its
// inbox history is kept.
func (m *Mailbox) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recipients, id)
}

// Restore installs persisted messages into an empty mailbox, rebuilding
// inboxes and unread counts from each message's recipient and read flag.
func (m *Mailbox) Restore(msgs []*Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.messages) > 0 {
		return swarmerr.Newf(swarmerr.CodeValidation, "cannot restore into a non-empty mailbox")
	}

	ordered := append([]*Message(nil), msgs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})
	for _, src := range ordered {
		msg := src.copy()
		msg.seq = m.nextSeq
		m.nextSeq++
		m.messages[msg.ID] = msg
		for _, r := range deliveryTargets(msg.To) {
			m.inboxes[r] = append(m.inboxes[r], msg.ID)
			if !msg.Read {
				m.unread[r]++
			}
		}
	}
	return nil
}

// SendInput carries the caller-supplied fields of a direct message.
type SendInput struct {
	From             string
	To               string
	Type             MessageType
	Subject          string
	Content          string
	Priority         Priority
	RequiresResponse bool
	ResponseDeadline *time.Time
	TaskID           string
	Attachments      []string
}

// Send delivers a direct message. To may be an agent id, "lead", or "all".
// Only concrete agent ids get an inbox entry and an unread increment; the
// reserved names are log-only. A new thread is opened rooted at the
// message's own id.
func (m *Mailbox) Send(in SendInput) (*Message, error) {
	if in.From == "" || in.To == "" {
		return nil, swarmerr.Newf(swarmerr.CodeValidation, "message requires from and to")
	}
	if in.Type == "" {
		in.Type = TypeStatusUpdate
	}
	if in.Priority == "" {
		in.Priority = PriorityNormal
	}

	m.mu.Lock()
	msg := m.newMessage(&Message{
		From:             in.From,
		To:               in.To,
		Type:             in.Type,
		Subject:          in.Subject,
		Content:          in.Content,
		Priority:         in.Priority,
		RequiresResponse: in.RequiresResponse,
		ResponseDeadline: in.ResponseDeadline,
		TaskID:           in.TaskID,
		Attachments:      in.Attachments,
	})
	m.messages[msg.ID] = msg
	for _, r := range deliveryTargets(msg.To) {
		m.inboxes[r] = append(m.inboxes[r], msg.ID)
		m.unread[r]++
	}
	m.mu.Unlock()

	m.publishSent(msg)
	return msg.copy(), nil
}

// Reply delivers a response on an existing message's thread. The reply
// goes to the original sender and inherits the thread id.
func (m *Mailbox) Reply(replyToID, from, content string) (*Message, error) {
	m.mu.Lock()
	orig, ok := m.messages[replyToID]
	if !ok {
		m.mu.Unlock()
		return nil, swarmerr.Newf(swarmerr.CodeMessageNotFound, "message not found: %s", replyToID)
	}

	msg := m.newMessage(&Message{
		From:     from,
		To:       orig.From,
		Type:     TypeAnswer,
		Subject:  orig.Subject,
		Content:  content,
		Priority: orig.Priority,
		ThreadID: orig.ThreadID,
		ReplyTo:  orig.ID,
		TaskID:   orig.TaskID,
	})
	m.messages[msg.ID] = msg
	for _, r := range deliveryTargets(msg.To) {
		m.inboxes[r] = append(m.inboxes[r], msg.ID)
		m.unread[r]++
	}
	m.mu.Unlock()

	m.publishSent(msg)
	return msg.copy(), nil
}

// SendBroadcast announces to every registered participant except the
// sender. Recipients acknowledge individually.
func (m *Mailbox) SendBroadcast(from, content string, importance Importance) (*Broadcast, error) {
	if importance == "" {
		importance = ImportanceInfo
	}

	m.mu.Lock()
	recipients := make([]string, 0, len(m.recipients))
	for r := range m.recipients {
		if r != from {
			recipients = append(recipients, r)
		}
	}
	sort.Strings(recipients)
	b := &Broadcast{
		ID:         clock.NewID(),
		SessionID:  m.sessionID,
		From:       from,
		Content:    content,
		Importance: importance,
		Recipients: recipients,
		CreatedAt:  m.clk.Now(),
		seq:        m.nextSeq,
	}
	m.nextSeq++
	m.broadcasts[b.ID] = b
	m.mu.Unlock()

	log.Debug(log.CatMail, "Broadcast sent", "from", from, "importance", importance)
	if m.bus != nil {
		m.bus.Publish(events.BroadcastSent, m.sessionID, events.BroadcastPayload{
			BroadcastID: b.ID,
			From:        from,
			Importance:  string(importance),
		})
	}
	return b.copy(), nil
}

// Acknowledge records that a recipient has seen a broadcast. Idempotent.
func (m *Mailbox) Acknowledge(broadcastID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.broadcasts[broadcastID]
	if !ok {
		return swarmerr.Newf(swarmerr.CodeMessageNotFound, "broadcast not found: %s", broadcastID)
	}
	for _, id := range b.AcknowledgedBy {
		if id == agentID {
			return nil
		}
	}
	b.AcknowledgedBy = append(b.AcknowledgedBy, agentID)
	return nil
}

// Broadcasts returns all broadcasts in send order.
func (m *Mailbox) Broadcasts() []*Broadcast {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Broadcast, 0, len(m.broadcasts))
	for _, b := range m.broadcasts {
		out = append(out, b.copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Filter narrows inbox queries; set fields combine conjunctively. Limit
// keeps only the most recent n matches.
type Filter struct {
	Type       MessageType
	From       string
	TaskID     string
	UnreadOnly bool
	Since      time.Time
	Limit      int
}

func (f Filter) matches(msg *Message) bool {
	if f.Type != "" && msg.Type != f.Type {
		return false
	}
	if f.From != "" && msg.From != f.From {
		return false
	}
	if f.TaskID != "" && msg.TaskID != f.TaskID {
		return false
	}
	if f.UnreadOnly && msg.Read {
		return false
	}
	if !f.Since.IsZero() && msg.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// Inbox returns the recipient's messages matching the filter, in arrival
// order.
func (m *Mailbox) Inbox(recipient string, f Filter) []*Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.inboxes[recipient]
	out := make([]*Message, 0, len(ids))
	for _, id := range ids {
		if msg := m.messages[id]; f.matches(msg) {
			out = append(out, msg.copy())
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// UnreadCount returns how many of the recipient's messages are unread.
func (m *Mailbox) UnreadCount(recipient string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unread[recipient]
}

// MarkRead flags a message as read for its recipient. Idempotent.
func (m *Mailbox) MarkRead(recipient, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok {
		return swarmerr.Newf(swarmerr.CodeMessageNotFound, "message not found: %s", messageID)
	}
	for _, id := range m.inboxes[recipient] {
		if id != messageID {
			continue
		}
		if !msg.Read {
			msg.Read = true
			t := m.clk.Now()
			msg.ReadAt = &t
			if m.unread[recipient] > 0 {
				m.unread[recipient]--
			}
		}
		return nil
	}
	return swarmerr.Newf(swarmerr.CodeMessageNotFound,
		"message %s not in inbox of %s", messageID, recipient)
}

// MarkAllRead flags the recipient's whole inbox as read.
func (m *Mailbox) MarkAllRead(recipient string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	for _, id := range m.inboxes[recipient] {
		if msg := m.messages[id]; !msg.Read {
			msg.Read = true
			t := now
			msg.ReadAt = &t
		}
	}
	m.unread[recipient] = 0
}

// Thread returns all messages sharing a thread id, oldest first.
func (m *Mailbox) Thread(threadID string) []*Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Message
	for _, msg := range m.messages {
		if msg.ThreadID == threadID {
			out = append(out, msg.copy())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// History returns every direct message of the session in delivery order.
func (m *Mailbox) History() []*Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Message, 0, len(m.messages))
	for _, msg := range m.messages {
		out = append(out, msg.copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Count returns the number of direct messages recorded.
func (m *Mailbox) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

// newMessage stamps identity, thread, sequence, and time. Caller holds the
// write lock.
func (m *Mailbox) newMessage(msg *Message) *Message {
	msg.ID = clock.NewID()
	msg.SessionID = m.sessionID
	if msg.ThreadID == "" {
		msg.ThreadID = msg.ID
	}
	msg.CreatedAt = m.clk.Now()
	msg.seq = m.nextSeq
	m.nextSeq++
	return msg
}

// deliveryTargets expands a destination into inbox targets. Reserved names
// are log-only and yield none.
func deliveryTargets(to string) []string {
	if to == RecipientAll || to == RecipientLead {
		return nil
	}
	return []string{to}
}

func (m *Mailbox) publishSent(msg *Message) {
	log.Debug(log.CatMail, "Message sent", "from", msg.From, "to", msg.To, "type", msg.Type)
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.MessageSent, m.sessionID, events.MessagePayload{
		MessageID: msg.ID,
		From:      msg.From,
		To:        msg.To,
		Type:      string(msg.Type),
		ThreadID:  msg.ThreadID,
	})
}

func (msg *Message) copy() *Message {
	c := *msg
	c.Attachments = append([]string(nil), msg.Attachments...)
	return &c
}

func (b *Broadcast) copy() *Broadcast {
	c := *b
	c.Recipients = append([]string(nil), b.Recipients...)
	c.AcknowledgedBy = append([]string(nil), b.AcknowledgedBy...)
	return &c
}
