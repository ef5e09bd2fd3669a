package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"memoryd/internal/ranker"
)

var (
	principalFlag string
	topKFlag      int
	projectFlag   string
	jsonFlag      bool
	autoApplyFlag bool
)

func init() {
	for _, cmd := range []*cobra.Command{searchCmd, statsCmd, maintenanceCmd, analyzeCmd, reembedCmd} {
		cmd.Flags().StringVarP(&principalFlag, "principal", "p", "", "principal id (required)")
	}
	searchCmd.Flags().IntVarP(&topKFlag, "top", "k", 5, "number of results")
	searchCmd.Flags().StringVar(&projectFlag, "project", "", "restrict to a project")
	searchCmd.Flags().BoolVar(&jsonFlag, "json", false, "emit JSON")
	maintenanceCmd.Flags().BoolVar(&jsonFlag, "json", false, "emit JSON")
	analyzeCmd.Flags().BoolVar(&autoApplyFlag, "auto-apply", false, "apply high-confidence relationship suggestions")
}

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Run a weighted semantic search",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := context.WithTimeout(context.Background(), shortTimeout)
		defer cancel()

		query := args[0]
		results, degraded, err := a.service.Search(ctx, principalFlag, query, ranker.Options{
			K:                topKFlag,
			WeightByUsage:    true,
			DecayOldMemories: true,
			AdaptiveWeights:  true,
			ProjectID:        projectFlag,
		})
		if err != nil {
			return err
		}
		if degraded {
			fmt.Fprintln(os.Stderr, "warning: embedding provider unavailable, no results")
			return nil
		}
		if jsonFlag {
			return json.NewEncoder(os.Stdout).Encode(results)
		}
		for i, r := range results {
			fmt.Printf("%2d. [%.3f] %s\n    %s\n", i+1, r.Score, r.Memory.ID, firstLine(r.Memory.Text))
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store and tracker statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		stats, err := a.service.Stats()
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(stats))
		for k := range stats {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%-24s %d\n", k, stats[k])
		}
		return nil
	},
}

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Report duplicates, outdated memories, and archive candidates",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requirePrincipal(); err != nil {
			return err
		}
		a, err := buildApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := context.WithTimeout(context.Background(), shortTimeout)
		defer cancel()

		report, err := a.service.MaintenanceReport(ctx, principalFlag)
		if err != nil {
			return err
		}
		if jsonFlag {
			return json.NewEncoder(os.Stdout).Encode(report)
		}
		fmt.Printf("Scanned %d memories\n", report.MemoriesScanned)
		fmt.Printf("  duplicates:         %d pairs\n", len(report.Duplicates))
		fmt.Printf("  outdated:           %d\n", len(report.Outdated))
		fmt.Printf("  archive candidates: %d\n", len(report.ArchiveCandidates))
		fmt.Printf("  broken references:  %d\n", report.BrokenReferences)
		return nil
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run pattern mining and relationship suggestion on demand",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requirePrincipal(); err != nil {
			return err
		}
		a, err := buildApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := context.WithTimeout(context.Background(), shortTimeout)
		defer cancel()

		result, err := a.service.Analyze(ctx, principalFlag, autoApplyFlag)
		if err != nil {
			return err
		}
		applied := 0
		for _, s := range result.Suggestions {
			if s.Applied {
				applied++
			}
		}
		logger.Info("analysis complete",
			zap.Int("patterns", len(result.Patterns)),
			zap.Int("suggestions", len(result.Suggestions)),
			zap.Int("applied", applied),
			zap.Int("stale", result.StaleCount))
		fmt.Printf("%d patterns, %d suggestions (%d applied), %d stale memories\n",
			len(result.Patterns), len(result.Suggestions), applied, result.StaleCount)
		return nil
	},
}

var reembedCmd = &cobra.Command{
	Use:   "reembed",
	Short: "Backfill embeddings for memories stored while the provider was down",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requirePrincipal(); err != nil {
			return err
		}
		a, err := buildApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := context.WithTimeout(context.Background(), shortTimeout)
		defer cancel()

		n, err := a.service.ReembedAll(ctx, principalFlag)
		if err != nil {
			return err
		}
		fmt.Printf("Backfilled %d embeddings\n", n)
		return nil
	},
}

func requirePrincipal() error {
	if principalFlag == "" {
		return fmt.Errorf("--principal is required")
	}
	return nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' || i > 96 {
			return s[:i] + "..."
		}
	}
	return s
}
