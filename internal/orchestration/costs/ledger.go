package costs

import (
	"sync"
	"time"

	"github.com/zjrosen/swarm/internal/clock"
	"github.com/zjrosen/swarm/internal/orchestration/events"
)

// RequestType labels what a model call was for.
type RequestType string

const (
	RequestPlanning     RequestType = "planning"
	RequestExecution    RequestType = "execution"
	RequestReview       RequestType = "review"
	RequestSynthesis    RequestType = "synthesis"
	RequestToolFollowup RequestType = "tool_followup"
)

// Usage is the token consumption of one model call.
type Usage struct {
	ModelID      string `json:"model_id"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// UsageRecord is one priced entry in the ledger.
type UsageRecord struct {
	ID           string      `json:"id"`
	SessionID    string      `json:"session_id"`
	ModelID      string      `json:"model_id"`
	RequestType  RequestType `json:"request_type"`
	AgentID      string      `json:"agent_id,omitempty"`
	Role         string      `json:"role,omitempty"`
	TaskID       string      `json:"task_id,omitempty"`
	InputTokens  int         `json:"input_tokens"`
	OutputTokens int         `json:"output_tokens"`
	CostUSD      float64     `json:"cost_usd"`
	Timestamp    time.Time   `json:"timestamp"`
}

// Breakdown aggregates tokens and cost for one grouping key.
type Breakdown struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Requests     int     `json:"requests"`
	CostUSD      float64 `json:"cost_usd"`
}

// CostSummary aggregates a session's spend with per-model, per-agent, and
// per-request-type breakdowns.
type CostSummary struct {
	SessionID     string               `json:"session_id"`
	InputTokens   int                  `json:"input_tokens"`
	OutputTokens  int                  `json:"output_tokens"`
	Requests      int                  `json:"requests"`
	TotalCostUSD  float64              `json:"total_cost_usd"`
	ByModel       map[string]Breakdown `json:"by_model"`
	ByAgent       map[string]Breakdown `json:"by_agent"`
	ByRequestType map[string]Breakdown `json:"by_request_type"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Ledger prices and records model usage per session.
type Ledger struct {
	pricing   *PricingTable
	records   map[string][]UsageRecord // session id -> records
	summaries map[string]*CostSummary
	bus       *events.Bus
	clk       clock.Clock
	mu        sync.RWMutex
}

// NewLedger creates a cost ledger backed by the given pricing table.
func NewLedger(pricing *PricingTable, bus *events.Bus, clk clock.Clock) *Ledger {
	if clk == nil {
		clk = clock.Real{}
	}
	if pricing == nil {
		pricing = NewPricingTable()
	}
	return &Ledger{
		pricing:   pricing,
		records:   make(map[string][]UsageRecord),
		summaries: make(map[string]*CostSummary),
		bus:       bus,
		clk:       clk,
	}
}

// CalculateCost prices a usage against the table.
func (l *Ledger) CalculateCost(u Usage) float64 {
	price := l.pricing.Price(u.ModelID)
	return float64(u.InputTokens)/1e6*price.InputPer1M +
		float64(u.OutputTokens)/1e6*price.OutputPer1M
}

// RecordInput carries the attribution fields of RecordUsage.
type RecordInput struct {
	RequestType RequestType
	AgentID     string
	Role        string
	TaskID      string
}

// RecordUsage appends a priced record and folds it into the session
// summary. Emits CostUpdate.
func (l *Ledger) RecordUsage(sessionID string, u Usage, in RecordInput) UsageRecord {
	cost := l.CalculateCost(u)

	l.mu.Lock()
	rec := UsageRecord{
		ID:           clock.NewID(),
		SessionID:    sessionID,
		ModelID:      u.ModelID,
		RequestType:  in.RequestType,
		AgentID:      in.AgentID,
		Role:         in.Role,
		TaskID:       in.TaskID,
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CostUSD:      cost,
		Timestamp:    l.clk.Now(),
	}
	l.records[sessionID] = append(l.records[sessionID], rec)

	s := l.summaries[sessionID]
	if s == nil {
		s = &CostSummary{
			SessionID:     sessionID,
			ByModel:       make(map[string]Breakdown),
			ByAgent:       make(map[string]Breakdown),
			ByRequestType: make(map[string]Breakdown),
		}
		l.summaries[sessionID] = s
	}
	s.InputTokens += u.InputTokens
	s.OutputTokens += u.OutputTokens
	s.Requests++
	s.TotalCostUSD += cost
	s.UpdatedAt = rec.Timestamp
	fold(s.ByModel, u.ModelID, rec)
	if in.AgentID != "" {
		fold(s.ByAgent, in.AgentID, rec)
	}
	fold(s.ByRequestType, string(in.RequestType), rec)
	total := s.TotalCostUSD
	l.mu.Unlock()

	if l.bus != nil {
		l.bus.Publish(events.CostUpdate, sessionID, events.CostPayload{
			RecordID: rec.ID,
			AgentID:  in.AgentID,
			TaskID:   in.TaskID,
			ModelID:  u.ModelID,
			Tokens:   u.InputTokens + u.OutputTokens,
			CostUSD:  cost,
			TotalUSD: total,
		})
	}
	return rec
}

// Summary returns a copy of the session's aggregated costs, or an empty
// summary when nothing was recorded.
func (l *Ledger) Summary(sessionID string) CostSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := l.summaries[sessionID]
	if s == nil {
		return CostSummary{
			SessionID:     sessionID,
			ByModel:       map[string]Breakdown{},
			ByAgent:       map[string]Breakdown{},
			ByRequestType: map[string]Breakdown{},
		}
	}
	out := *s
	out.ByModel = copyBreakdowns(s.ByModel)
	out.ByAgent = copyBreakdowns(s.ByAgent)
	out.ByRequestType = copyBreakdowns(s.ByRequestType)
	return out
}

// Records returns a copy of the session's usage records in append order.
func (l *Ledger) Records(sessionID string) []UsageRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	recs := l.records[sessionID]
	out := make([]UsageRecord, len(recs))
	copy(out, recs)
	return out
}

func fold(m map[string]Breakdown, key string, rec UsageRecord) {
	b := m[key]
	b.InputTokens += rec.InputTokens
	b.OutputTokens += rec.OutputTokens
	b.Requests++
	b.CostUSD += rec.CostUSD
	m[key] = b
}

func copyBreakdowns(m map[string]Breakdown) map[string]Breakdown {
	out := make(map[string]Breakdown, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
