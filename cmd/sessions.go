package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/swarm/internal/clock"
	"github.com/zjrosen/swarm/internal/persistence"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage saved sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved sessions",
	RunE: func(_ *cobra.Command, _ []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		summaries, err := store.List()
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			fmt.Println("No saved sessions")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tTASKS\tAGENTS\tSAVED")
		for _, s := range summaries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				s.ID, s.Name, s.Status, s.TaskCount, s.AgentCount,
				s.SavedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one saved session",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		f, err := store.Load(args[0])
		if err != nil {
			return err
		}

		s := f.Session
		fmt.Printf("ID:       %s\n", s.ID)
		fmt.Printf("Name:     %s\n", s.Name)
		fmt.Printf("Status:   %s\n", s.Status)
		fmt.Printf("Task:     %s\n", s.OriginalTask)
		fmt.Printf("Saved:    %s\n", f.SavedAt.Format(time.RFC3339))
		fmt.Printf("Tasks:    %d (%d completed, %d failed)\n",
			len(f.Tasks), s.Metrics.TasksCompleted, s.Metrics.TasksFailed)
		fmt.Printf("Agents:   %d\n", len(f.Agents))
		fmt.Printf("Messages: %d\n", len(f.Messages))
		if f.CostSummary != nil {
			fmt.Printf("Cost:     $%.4f\n", f.CostSummary.TotalCostUSD)
		}
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a saved session",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		if !store.Exists(args[0]) {
			return fmt.Errorf("no saved session: %s", args[0])
		}
		if err := store.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

var sessionsExportOut string

var sessionsExportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a saved session as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		data, err := store.Export(args[0])
		if err != nil {
			return err
		}
		if sessionsExportOut == "" {
			fmt.Println(string(data))
			return nil
		}
		if err := os.WriteFile(sessionsExportOut, data, 0o644); err != nil { //nolint:gosec // G306: user-requested export
			return fmt.Errorf("writing export: %w", err)
		}
		fmt.Printf("Exported %s to %s\n", args[0], sessionsExportOut)
		return nil
	},
}

var sessionsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import an exported session file",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(args[0]) //nolint:gosec // G304: user-supplied import path
		if err != nil {
			return fmt.Errorf("reading import: %w", err)
		}
		id, err := store.Import(data)
		if err != nil {
			return err
		}
		fmt.Printf("Imported as %s\n", id)
		return nil
	},
}

var sessionsCleanupKeep int

var sessionsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete all but the newest saved sessions",
	RunE: func(_ *cobra.Command, _ []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		keep := sessionsCleanupKeep
		if keep <= 0 {
			keep = cfg.Persistence.MaxSessions
		}
		removed, err := store.Cleanup(keep)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d saved sessions, kept the newest %d\n", removed, keep)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd,
		sessionsExportCmd, sessionsImportCmd, sessionsCleanupCmd)

	sessionsExportCmd.Flags().StringVarP(&sessionsExportOut, "output", "o", "",
		"Write the export to a file instead of stdout")
	sessionsCleanupCmd.Flags().IntVar(&sessionsCleanupKeep, "keep", 0,
		"How many sessions to keep (default: persistence.max_sessions)")
}

// openStore opens the persistence store without building the full engine.
func openStore() (*persistence.Store, error) {
	return persistence.Initialize(cfg.Workspace, clock.Real{})
}
