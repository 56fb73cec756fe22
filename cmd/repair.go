/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"locpipe/internal/adapter/outbound/checkpoint"

	"github.com/spf13/cobra"
)

// newRepairCmd creates and returns the repair command.
func newRepairCmd() *cobra.Command {
	var journalPath string
	var outPath string

	repairCmd := &cobra.Command{
		Use:   "repair",
		Short: "Rebuild the checkpoint from the result journal",
		Long: `Rebuild the checkpoint from the result journal.

Use this when the checkpoint file is lost or corrupt: every row the journal
recorded is marked done again, so the next run skips work that already
completed. Duplicate journal entries are collapsed.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := GetConfig()
			configureLogging(cfg)

			if journalPath == "" {
				journalPath = cfg.Dataset.JournalPath
			}
			if outPath == "" {
				outPath = cfg.Checkpoint.Path
			}

			record, err := checkpoint.NewStore().RebuildFromJournal(cmd.Context(), journalPath, outPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Rebuilt checkpoint %s from %s\n", outPath, journalPath)
			fmt.Fprintf(out, "  Done rows:  %d\n", record.DoneCount())
			fmt.Fprintf(out, "  Next batch: %d\n", record.BatchIndex())
			return nil
		},
	}

	repairCmd.Flags().StringVar(&journalPath, "journal", "", "Result journal to rebuild from (default: configured journal path)")
	repairCmd.Flags().StringVar(&outPath, "out", "", "Checkpoint file to write (default: configured checkpoint path)")

	return repairCmd
}

func init() { //nolint:gochecknoinits // Standard Cobra CLI pattern for command registration
	rootCmd.AddCommand(newRepairCmd())
}
