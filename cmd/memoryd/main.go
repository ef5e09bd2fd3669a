// memoryd is the adaptive memory daemon: a self-optimizing store for AI
// agent memories with weighted semantic search, usage learning, and
// background pattern mining.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	dataDir string
	verbose bool

	// Process-level logger; subsystem logs go to categorized files under
	// the data directory.
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "memoryd",
	Short: "memoryd - adaptive memory store for AI agents",
	Long: `memoryd stores agent memories and learns from how they are used.

Every read feeds usage tracking, every piece of feedback adjusts helpfulness
scores, and a background learning cycle mines temporal patterns, suggests
relationships, and flags stale memories. Search combines embedding
similarity with the learned per-principal weights.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.memoryd)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(maintenanceCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(reembedCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
