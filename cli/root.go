// Package cli wires the docforge CLI surface (spec.md §6): coordinator,
// worker, deadletter, and queue subcommands over a shared cobra root
// command, generalized from the teacher's cli.RootCmd (cli/root.go) —
// same cobra + viper config-file/env-var precedence, narrowed from an
// HTTP-server bootstrap down to the process-lifecycle commands this
// module needs.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/evalgo/docforge/config"
)

var cfgFile string

// RootCmd is the docforge entry point. Every subcommand resolves its own
// *config.Config from cfgFile via loadConfig, matching the precedence
// config.Load documents: flags > env > file > defaults.
var RootCmd = &cobra.Command{
	Use:   "docforge",
	Short: "Distributed document-ingestion pipeline",
	Long: `docforge discovers documents from configured content sources,
processes them in parallel across worker processes without duplication
or loss, and persists parsed structural elements, cross-document
relationships, and extracted domain entities to a shared store.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (default: ./docforge.yaml)")
	RootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")

	RootCmd.AddCommand(coordinatorCmd)
	RootCmd.AddCommand(workerCmd)
	RootCmd.AddCommand(deadLetterCmd)
	RootCmd.AddCommand(queueCmd)
}

// loadConfig resolves the process configuration the way every
// subcommand needs it: --config flag, else config.Load's own search
// path and DOCFORGE_ environment overlay.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

// Execute runs the root command, matching main.go's single call site.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
