// Package cli wires the cobra command tree for the qbench binary.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qbench/qbench/pkg/config"
	"github.com/qbench/qbench/pkg/logger"
	"github.com/qbench/qbench/pkg/version"
)

var (
	flagLogLevel string
	flagLogJSON  bool
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "qbench",
		Short:         "Semantic retrieval engine for software test cases",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Get(),
	}
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "emit logs as JSON")
	root.AddCommand(newServeCmd())
	root.AddCommand(newIngestCmd())
	root.AddCommand(newHealthCmd())
	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setupContext loads configuration and attaches a configured logger to the
// command context. Flags override the environment.
func setupContext(cmd *cobra.Command) (context.Context, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Log.Level
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	log := logger.SetupDefault(&logger.Config{
		Level: logger.LogLevel(level),
		JSON:  flagLogJSON || cfg.Log.JSON,
	})
	return logger.ContextWithLogger(cmd.Context(), log), cfg, nil
}
