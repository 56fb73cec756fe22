/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"locpipe/internal/adapter/outbound/checkpoint"

	"github.com/spf13/cobra"
)

// newMergeCmd creates and returns the merge command.
func newMergeCmd() *cobra.Command {
	var outPath string

	mergeCmd := &cobra.Command{
		Use:   "merge <checkpoint> [checkpoint...]",
		Short: "Merge checkpoint shards into one checkpoint",
		Long: `Merge checkpoint shards into one checkpoint.

When a dataset was split across machines, each shard produced its own
checkpoint. Merging unions the done ids, sums the outcome counters, and keeps
the highest resume hint, so a single follow-up run covers whatever remains.`,
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := GetConfig()
			configureLogging(cfg)

			if outPath == "" {
				outPath = cfg.Checkpoint.Path
			}

			record, err := checkpoint.NewStore().MergeFiles(cmd.Context(), outPath, args...)
			if err != nil {
				return err
			}

			stats := record.Stats()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Merged %d checkpoint(s) into %s\n", len(args), outPath)
			fmt.Fprintf(out, "  Done rows:  %d\n", record.DoneCount())
			fmt.Fprintf(out, "  Stats:      ok=%d escalated=%d failed=%d\n",
				stats.OK, stats.Escalated, stats.Failed)
			fmt.Fprintf(out, "  Next batch: %d\n", record.BatchIndex())
			return nil
		},
	}

	mergeCmd.Flags().StringVar(&outPath, "out", "", "Merged checkpoint destination (default: configured checkpoint path)")

	return mergeCmd
}

func init() { //nolint:gochecknoinits // Standard Cobra CLI pattern for command registration
	rootCmd.AddCommand(newMergeCmd())
}
