package agent

import (
	"sort"
	"sync"
	"time"

	"github.com/zjrosen/swarm/internal/clock"
	"github.com/zjrosen/swarm/internal/log"
	"github.com/zjrosen/swarm/internal/orchestration/events"
	"github.com/zjrosen/swarm/internal/orchestration/swarmerr"
)

// Pool owns all agents spawned for one session. Terminated agents stay
// listed for auditing but stop counting toward the concurrency cap.
type Pool struct {
	sessionID     string
	agents        map[string]*Instance
	order         []string
	maxConcurrent int
	catalog       *Catalog
	bus           *events.Bus
	clk           clock.Clock
	mu            sync.RWMutex
}

// NewPool creates an agent pool for a session. maxConcurrent bounds the
// live (non-terminated) agents; 0 means unlimited.
func NewPool(sessionID string, maxConcurrent int, catalog *Catalog, bus *events.Bus, clk clock.Clock) *Pool {
	if clk == nil {
		clk = clock.Real{}
	}
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Pool{
		sessionID:     sessionID,
		agents:        make(map[string]*Instance),
		maxConcurrent: maxConcurrent,
		catalog:       catalog,
		bus:           bus,
		clk:           clk,
	}
}

// Spawn creates a new agent for the given role. It starts in Initializing
// and is moved to Idle once ready. modelOverride, when non-empty, replaces
// the role's default model. Both the pool-wide live cap and the role's
// concurrency cap are enforced here.
func (p *Pool) Spawn(role Role, modelOverride string) (*Instance, error) {
	cfg, ok := p.catalog.Get(role)
	if !ok {
		return nil, swarmerr.Newf(swarmerr.CodeValidation, "unknown agent role: %s", role)
	}
	if modelOverride != "" {
		cfg.Model = modelOverride
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.maxConcurrent > 0 && p.liveCount() >= p.maxConcurrent {
		return nil, swarmerr.Newf(swarmerr.CodeAgentLimitExceeded,
			"agent limit exceeded: %d live agents", p.liveCount())
	}
	if cfg.MaxConcurrentTasks > 0 {
		live := 0
		for _, a := range p.agents {
			if a.Role == role && !a.Status().IsTerminal() {
				live++
			}
		}
		if live >= cfg.MaxConcurrentTasks {
			return nil, swarmerr.Newf(swarmerr.CodeAgentLimitExceeded,
				"role %s at concurrency cap: %d live agents", role, live)
		}
	}

	a := newInstance(p.sessionID, cfg, p.clk)
	p.agents[a.ID] = a
	p.order = append(p.order, a.ID)

	log.Info(log.CatPool, "Agent spawned", "agentID", a.ID, "role", role, "model", cfg.Model)
	p.publish(events.AgentSpawned, a)
	return a, nil
}

// Get returns the agent with the given id.
func (p *Pool) Get(id string) (*Instance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	a, ok := p.agents[id]
	if !ok {
		return nil, swarmerr.Newf(swarmerr.CodeAgentNotFound, "agent not found: %s", id)
	}
	return a, nil
}

// List returns all agents in spawn order.
func (p *Pool) List() []*Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Instance, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.agents[id])
	}
	return out
}

// ByRole returns the non-terminated agents with the given role.
func (p *Pool) ByRole(role Role) []*Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*Instance
	for _, id := range p.order {
		a := p.agents[id]
		if a.Role == role && !a.Status().IsTerminal() {
			out = append(out, a)
		}
	}
	return out
}

// Idle returns agents currently in Idle status, longest-idle first.
func (p *Pool) Idle() []*Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*Instance
	for _, id := range p.order {
		if a := p.agents[id]; a.Status() == StatusIdle {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActive().Before(out[j].LastActive())
	})
	return out
}

// SetStatus moves an agent to the target status through the lifecycle
// state machine.
func (p *Pool) SetStatus(id string, target Status) error {
	a, err := p.Get(id)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if !a.status.CanTransitionTo(target) {
		from := a.status
		a.mu.Unlock()
		return swarmerr.Newf(swarmerr.CodeValidation,
			"invalid agent state transition from %s to %s", from, target)
	}
	a.status = target
	a.lastActiveAt = p.clk.Now()
	if target == StatusTerminated {
		a.currentTaskID = ""
	}
	a.mu.Unlock()

	p.publish(events.AgentUpdated, a)
	return nil
}

// Assign gives an idle agent a task, moving it to Working. The role's
// concurrency cap bounds how many agents of that role work simultaneously.
func (p *Pool) Assign(agentID, taskID string) error {
	a, err := p.Get(agentID)
	if err != nil {
		return err
	}

	cfg, _ := p.catalog.Get(a.Role)

	p.mu.RLock()
	working := 0
	for _, other := range p.agents {
		if other.Role == a.Role && other.Status() == StatusWorking {
			working++
		}
	}
	p.mu.RUnlock()
	if cfg.MaxConcurrentTasks > 0 && working >= cfg.MaxConcurrentTasks {
		return swarmerr.Newf(swarmerr.CodeAgentLimitExceeded,
			"role %s at concurrency cap: %d working", a.Role, working)
	}

	a.mu.Lock()
	if !a.status.CanTransitionTo(StatusWorking) {
		from := a.status
		a.mu.Unlock()
		return swarmerr.Newf(swarmerr.CodeValidation,
			"agent %s cannot take work in status %s", agentID, from)
	}
	a.status = StatusWorking
	a.currentTaskID = taskID
	a.lastActiveAt = p.clk.Now()
	a.mu.Unlock()

	log.Debug(log.CatPool, "Agent assigned", "agentID", agentID, "taskID", taskID)
	p.publish(events.AgentUpdated, a)
	return nil
}

// CompleteAssignment records the outcome of the agent's current task and
// returns it to Idle.
func (p *Pool) CompleteAssignment(agentID string, success bool) error {
	a, err := p.Get(agentID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.status != StatusWorking && a.status != StatusBlocked {
		from := a.status
		a.mu.Unlock()
		return swarmerr.Newf(swarmerr.CodeValidation,
			"agent %s has no assignment to complete in status %s", agentID, from)
	}
	taskID := a.currentTaskID
	if success {
		a.completedTasks = append(a.completedTasks, taskID)
	} else {
		a.failedTasks = append(a.failedTasks, taskID)
	}
	a.currentTaskID = ""
	a.status = StatusIdle
	a.lastActiveAt = p.clk.Now()
	a.mu.Unlock()

	log.Debug(log.CatPool, "Assignment finished", "agentID", agentID, "taskID", taskID, "success", success)
	p.publish(events.AgentUpdated, a)
	return nil
}

// Terminate removes an agent from service. Idempotent.
func (p *Pool) Terminate(id string) error {
	a, err := p.Get(id)
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.status == StatusTerminated {
		a.mu.Unlock()
		return nil
	}
	a.status = StatusTerminated
	a.currentTaskID = ""
	a.lastActiveAt = p.clk.Now()
	a.mu.Unlock()

	log.Info(log.CatPool, "Agent terminated", "agentID", id)
	p.publish(events.AgentTerminated, a)
	return nil
}

// TerminateAll terminates every live agent in the pool.
func (p *Pool) TerminateAll() {
	for _, a := range p.List() {
		if !a.Status().IsTerminal() {
			_ = p.Terminate(a.ID)
		}
	}
}

// LiveCount returns the number of non-terminated agents.
func (p *Pool) LiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.liveCount()
}

// liveCount must be called with the pool lock held.
func (p *Pool) liveCount() int {
	n := 0
	for _, a := range p.agents {
		if !a.Status().IsTerminal() {
			n++
		}
	}
	return n
}

// ReapIdle terminates agents idle longer than maxIdle and returns their
// ids. A zero maxIdle disables reaping.
func (p *Pool) ReapIdle(maxIdle time.Duration) []string {
	if maxIdle <= 0 {
		return nil
	}
	var reaped []string
	for _, a := range p.List() {
		if a.Status() == StatusIdle && a.IdleFor() >= maxIdle {
			if err := p.Terminate(a.ID); err == nil {
				reaped = append(reaped, a.ID)
			}
		}
	}
	return reaped
}

func (p *Pool) publish(kind events.Kind, a *Instance) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(kind, p.sessionID, events.AgentPayload{
		AgentID: a.ID,
		Role:    string(a.Role),
		Status:  a.Status().String(),
		TaskID:  a.CurrentTaskID(),
	})
}
