package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/swarm/internal/log"
	"github.com/zjrosen/swarm/internal/orchestration/session"
)

var (
	runName      string
	runLeadModel string
	runTimeout   time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run <task description>",
	Short: "Run one task to completion",
	Long: `Create a session for the given task, drive it through planning,
delegation, execution, and synthesis, and print the outcome.

Example:
  swarm run "Add input validation to the signup form"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runName, "name", "", "Session name (default: derived from time)")
	runCmd.Flags().StringVar(&runLeadModel, "lead-model", "", "Model used for task decomposition")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Abort after this long (default: session total_timeout)")
}

func runRun(_ *cobra.Command, args []string) error {
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
	defer c.shutdown(context.Background())

	task := strings.Join(args, " ")
	s, err := c.orch.CreateSession(task, runName)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	if runLeadModel != "" {
		if _, err := c.sessions.Update(s.ID, session.Patch{LeadModel: &runLeadModel}); err != nil {
			return err
		}
	}

	fmt.Printf("Session %s (%s)\n", s.ID, s.Name)
	if err := c.orch.Start(ctx, s.ID); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var deadline <-chan time.Time
	if runTimeout > 0 {
		timer := time.NewTimer(runTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	poll := time.NewTicker(200 * time.Millisecond)
	defer poll.Stop()

	for !s.IsTerminal() {
		select {
		case sig := <-sigCh:
			fmt.Printf("\nReceived %s, cancelling session...\n", sig)
			if err := c.orch.Cancel(s.ID); err != nil {
				log.Warn(log.CatOrch, "Cancel failed", "sessionID", s.ID, "error", err)
			}
		case <-deadline:
			fmt.Println("\nTimeout reached, cancelling session...")
			if err := c.orch.Cancel(s.ID); err != nil {
				log.Warn(log.CatOrch, "Cancel failed", "sessionID", s.ID, "error", err)
			}
		case <-poll.C:
		}
	}

	if c.store != nil {
		if err := c.saveSession(s.ID); err != nil {
			log.Warn(log.CatStore, "Session save failed", "sessionID", s.ID, "error", err)
		}
	}

	printOutcome(c, s.ID)
	if s.Status() != session.StatusComplete {
		return fmt.Errorf("session ended %s", s.Status())
	}
	return nil
}

func printOutcome(c *core, sessionID string) {
	s, err := c.sessions.Get(sessionID)
	if err != nil {
		return
	}
	m := s.Metrics()

	fmt.Printf("\nStatus:    %s\n", s.Status())
	fmt.Printf("Tasks:     %d completed, %d failed\n", m.TasksCompleted, m.TasksFailed)
	fmt.Printf("Agents:    %d spawned\n", m.AgentsSpawned)
	fmt.Printf("Tokens:    %d in / %d out\n", m.InputTokens, m.OutputTokens)
	fmt.Printf("Cost:      $%.4f\n", m.TotalCostUSD)
	fmt.Printf("Duration:  %s\n", m.Duration.Round(time.Millisecond))

	for _, a := range s.Artifacts() {
		if a.Type == "summary" && a.TaskID == "" {
			fmt.Printf("\n%s\n", a.Content)
		}
	}
}
