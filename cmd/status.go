/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"locpipe/internal/adapter/outbound/checkpoint"
	"locpipe/internal/adapter/outbound/dataset"

	"github.com/spf13/cobra"
)

// newStatusCmd creates and returns the status command.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "status",
		Short:        "Show checkpoint progress against the dataset",
		Long:         `Show how far the configured dataset has progressed: total rows, completed rows, pending rows, and the outcome counters recorded in the checkpoint.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd)
		},
	}
}

func runStatus(cmd *cobra.Command) error {
	cfg := GetConfig()
	configureLogging(cfg)
	ctx := cmd.Context()

	rows, err := dataset.NewCSVStore().LoadRows(ctx, cfg.Dataset.InputPath)
	if err != nil {
		return fmt.Errorf("loading dataset: %w", err)
	}

	record, err := checkpoint.NewStore().Load(ctx, cfg.Checkpoint.Path)
	if err != nil {
		return err
	}

	done := 0
	for _, row := range rows {
		if record.IsDone(row.ID()) {
			done++
		}
	}
	pending := len(rows) - done
	stats := record.Stats()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Dataset:     %s\n", cfg.Dataset.InputPath)
	fmt.Fprintf(out, "Checkpoint:  %s\n", cfg.Checkpoint.Path)
	fmt.Fprintf(out, "Total rows:  %d\n", len(rows))
	fmt.Fprintf(out, "Done:        %d\n", done)
	fmt.Fprintf(out, "Pending:     %d\n", pending)
	fmt.Fprintf(out, "Stats:       ok=%d escalated=%d failed=%d\n",
		stats.OK, stats.Escalated, stats.Failed)
	fmt.Fprintf(out, "Next batch:  %d\n", record.BatchIndex())
	if len(rows) > 0 {
		fmt.Fprintf(out, "Complete:    %.1f%%\n", float64(done)/float64(len(rows))*100)
	}
	return nil
}

func init() { //nolint:gochecknoinits // Standard Cobra CLI pattern for command registration
	rootCmd.AddCommand(newStatusCmd())
}
