package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/swarm/internal/log"
	"github.com/zjrosen/swarm/internal/orchestration/session"
)

var daemonResume bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the orchestration engine until interrupted",
	Long: `Run the engine as a long-lived process. With --resume, saved sessions
are restored from the workspace's .swarm-sessions directory and paused
mid-flight sessions are resumed. Active sessions are saved on shutdown
when persistence is enabled.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().BoolVar(&daemonResume, "resume", false,
		"Restore saved sessions and resume the non-terminal ones")
}

func runDaemon(_ *cobra.Command, _ []string) error {
	cleanup, err := initLogging()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := buildCore(ctx, &cfg)
	if err != nil {
		return err
	}

	if daemonResume {
		if err := resumeSavedSessions(ctx, c); err != nil {
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("Swarm daemon started (workspace: %s)\n", c.cfg.Workspace)
	fmt.Println("Press Ctrl+C to stop")

	sig := <-sigCh
	fmt.Printf("\nReceived %s, shutting down...\n", sig)
	cancel()

	// Pause live sessions so their loops stop, then persist them.
	for _, s := range c.sessions.List() {
		if s.IsTerminal() {
			continue
		}
		if err := c.orch.Pause(s.ID); err != nil {
			log.Warn(log.CatOrch, "Pause on shutdown failed", "sessionID", s.ID, "error", err)
		}
		if err := c.saveSession(s.ID); err != nil {
			log.Warn(log.CatStore, "Session save failed", "sessionID", s.ID, "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	c.shutdown(shutdownCtx)

	fmt.Println("Daemon stopped")
	return nil
}

// resumeSavedSessions restores every saved session and resumes those that
// were mid-flight when saved.
func resumeSavedSessions(ctx context.Context, c *core) error {
	if c.store == nil {
		return fmt.Errorf("persistence is disabled; nothing to resume")
	}
	summaries, err := c.store.List()
	if err != nil {
		return fmt.Errorf("listing saved sessions: %w", err)
	}

	restored, resumed := 0, 0
	for _, sum := range summaries {
		f, err := c.store.Load(sum.ID)
		if err != nil {
			log.Warn(log.CatStore, "Skipping saved session", "sessionID", sum.ID, "error", err)
			continue
		}
		s, err := c.restoreSession(f)
		if err != nil {
			log.Warn(log.CatStore, "Restore failed", "sessionID", sum.ID, "error", err)
			continue
		}
		restored++

		if s.Status() != session.StatusPaused {
			continue
		}
		if err := c.orch.Resume(ctx, s.ID); err != nil {
			log.Warn(log.CatOrch, "Resume failed", "sessionID", s.ID, "error", err)
			continue
		}
		resumed++
	}

	fmt.Printf("Restored %d saved sessions, resumed %d\n", restored, resumed)
	return nil
}
