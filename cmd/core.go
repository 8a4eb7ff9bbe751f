package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zjrosen/swarm/internal/clock"
	"github.com/zjrosen/swarm/internal/config"
	"github.com/zjrosen/swarm/internal/fileaccess"
	"github.com/zjrosen/swarm/internal/git"
	"github.com/zjrosen/swarm/internal/log"
	"github.com/zjrosen/swarm/internal/orchestration/agent"
	"github.com/zjrosen/swarm/internal/orchestration/costs"
	"github.com/zjrosen/swarm/internal/orchestration/events"
	"github.com/zjrosen/swarm/internal/orchestration/orchestrator"
	"github.com/zjrosen/swarm/internal/orchestration/provider"
	"github.com/zjrosen/swarm/internal/orchestration/runner"
	"github.com/zjrosen/swarm/internal/orchestration/session"
	"github.com/zjrosen/swarm/internal/orchestration/toolhost"
	"github.com/zjrosen/swarm/internal/orchestration/tracing"
	"github.com/zjrosen/swarm/internal/orchestration/vault"
	"github.com/zjrosen/swarm/internal/orchestration/worktree"
	"github.com/zjrosen/swarm/internal/persistence"
)

// core is the assembled orchestration engine the commands run against.
type core struct {
	cfg      *config.Config
	bus      *events.Bus
	clk      clock.Clock
	sessions *session.Store
	pricing  *costs.PricingTable
	ledger   *costs.Ledger
	orch     *orchestrator.Orchestrator

	// Optional subsystems, nil when not configured.
	vault     *vault.Vault
	worktrees *worktree.Manager
	store     *persistence.Store

	traces *tracing.Provider
}

// buildCore wires the engine from the loaded config. The context bounds
// background watchers (pricing hot reload).
func buildCore(ctx context.Context, cfg *config.Config) (*core, error) {
	clk := clock.Real{}
	bus := events.NewBus()

	traces, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	pricing := costs.NewPricingTable()
	if cfg.Pricing.File != "" {
		if err := pricing.LoadFile(cfg.Pricing.File); err != nil {
			log.Warn(log.CatCost, "Pricing file not loaded", "file", cfg.Pricing.File, "error", err)
		}
		if cfg.Pricing.HotReload {
			if err := pricing.Watch(ctx, cfg.Pricing.File); err != nil {
				log.Warn(log.CatCost, "Pricing watcher not started", "error", err)
			}
		}
	}
	ledger := costs.NewLedger(pricing, bus, clk)

	fa, err := fileaccess.New(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("opening workspace: %w", err)
	}
	host, err := toolhost.New(fa, bus, cfg.Tools.BashTimeout)
	if err != nil {
		return nil, fmt.Errorf("creating tool host: %w", err)
	}

	catalog := agent.DefaultCatalog()
	if rolesPath := filepath.Join(cfg.Workspace, "roles.yaml"); fileExists(rolesPath) {
		catalog, err = agent.LoadCatalog(rolesPath)
		if err != nil {
			return nil, fmt.Errorf("loading role catalog: %w", err)
		}
	}

	// Model inference is out of scope for the core; the offline provider
	// exercises the fallback planning path.
	var prov provider.ModelProvider = provider.Offline{}

	run := runner.New(runner.Config{
		Provider:      prov,
		Host:          host,
		Ledger:        ledger,
		Bus:           bus,
		Clock:         clk,
		MaxIterations: cfg.Tools.MaxIterations,
		ModelTimeout:  cfg.Orchestration.ModelTimeout,
	})

	sessions := session.NewStore(cfg.Sessions.MaxConcurrent, bus, clk)

	c := &core{
		cfg:      cfg,
		bus:      bus,
		clk:      clk,
		sessions: sessions,
		pricing:  pricing,
		ledger:   ledger,
		traces:   traces,
	}

	if cfg.Vault.EncryptionSecret != "" {
		c.vault, err = vault.New(cfg.Vault.EncryptionSecret, bus, clk)
		if err != nil {
			return nil, fmt.Errorf("opening key vault: %w", err)
		}
	}

	if cfg.Worktrees.Enabled {
		c.worktrees = worktree.NewManager(git.New(cfg.Workspace), worktree.Options{
			BranchPrefix:      cfg.Worktrees.BranchPrefix,
			BaseDir:           cfg.Worktrees.BaseDir,
			AutoCommitOnMerge: cfg.Worktrees.AutoCommitOnMerge,
			MaxAge:            cfg.Worktrees.MaxAge,
		}, clk)
	}

	if cfg.Persistence.Enabled {
		c.store, err = persistence.Initialize(cfg.Workspace, clk)
		if err != nil {
			return nil, fmt.Errorf("initializing persistence: %w", err)
		}
	}

	c.orch = orchestrator.New(orchestrator.Deps{
		Sessions: sessions,
		Provider: prov,
		Runner:   run,
		Ledger:   ledger,
		Catalog:  catalog,
		Bus:      bus,
		Clock:    clk,
		Config:   cfg,
	})
	return c, nil
}

// shutdown flushes traces and closes the event bus.
func (c *core) shutdown(ctx context.Context) {
	if err := c.traces.Shutdown(ctx); err != nil {
		log.Warn(log.CatOrch, "Trace shutdown failed", "error", err)
	}
	c.bus.Close()
}

// saveSession persists the session's full state when persistence is on.
func (c *core) saveSession(sessionID string) error {
	if c.store == nil {
		return nil
	}
	s, err := c.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	b, err := c.orch.Board(sessionID)
	if err != nil {
		return err
	}
	pool, err := c.orch.Pool(sessionID)
	if err != nil {
		return err
	}
	mbox, err := c.orch.Mailbox(sessionID)
	if err != nil {
		return err
	}

	agents := pool.List()
	snaps := make([]agent.Snapshot, 0, len(agents))
	for _, a := range agents {
		snaps = append(snaps, a.Snapshot())
	}
	summary := c.ledger.Summary(sessionID)

	return c.store.Save(persistence.File{
		Session:      s.Snapshot(),
		Tasks:        b.List(),
		Agents:       snaps,
		Messages:     mbox.History(),
		CostSummary:  &summary,
		UsageRecords: c.ledger.Records(sessionID),
	})
}

// restoreSession rehydrates one saved session into the engine. Mid-flight
// sessions come back paused; Resume picks the phase.
func (c *core) restoreSession(f *persistence.File) (*session.Session, error) {
	snap := f.Session
	if !snap.Status.IsTerminal() && snap.Status != session.StatusInitializing {
		snap.Status = session.StatusPaused
	}
	s := session.FromSnapshot(snap, c.clk)
	if err := c.orch.AdoptSession(s, f.Tasks, f.Messages); err != nil {
		return nil, err
	}
	return s, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
