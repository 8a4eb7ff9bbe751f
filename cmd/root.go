// Package cmd contains the swarm CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/swarm/internal/config"
	"github.com/zjrosen/swarm/internal/log"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "swarm",
	Short: "Multi-agent task orchestration",
	Long: `Swarm decomposes a natural-language task into a dependency-aware task
board and drives a bounded pool of role-specialised agents through it,
with cost tracking, API key management, and git worktree isolation.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./swarm.yaml or ~/.config/swarm/swarm.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")
}

func initConfig() {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
	}
	cfg = loaded
}

// initLogging turns on file logging when debug mode is requested via flag
// or environment. The returned cleanup closes the log file.
func initLogging() (func(), error) {
	debug := debugFlag || os.Getenv("SWARM_DEBUG") != ""
	if !debug {
		return func() {}, nil
	}

	logPath := os.Getenv("SWARM_LOG")
	if logPath == "" {
		logPath = "swarm-debug.log"
	}
	cleanup, err := log.Init(logPath)
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}
	log.Info(log.CatConfig, "Swarm starting", "debug", true, "logPath", logPath)
	return cleanup, nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
