package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nvandessel/rdfsweep/internal/constants"
	"github.com/nvandessel/rdfsweep/internal/store"
)

func newPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old runs from the ledger",
		Long: `Delete finished runs from an output directory's ledger together with their
scenario, step and result records. Runs still marked running are kept.
With both --keep and --max-age, a run survives only if both keep it.

Scenario directories and reports on disk are not touched.`,
		Example: `  rdfsweep prune --output ./results --keep 10
  rdfsweep prune --output ./results --max-age 30d`,
		RunE: func(cmd *cobra.Command, args []string) error {
			keep, _ := cmd.Flags().GetInt("keep")
			maxAge, _ := cmd.Flags().GetString("max-age")

			var policies []store.RetentionPolicy
			if cmd.Flags().Changed("keep") {
				if keep < 0 {
					return fmt.Errorf("--keep must be non-negative, got %d", keep)
				}
				policies = append(policies, &store.CountPolicy{MaxCount: keep})
			}
			if maxAge != "" {
				age, err := store.ParseAge(maxAge)
				if err != nil {
					return err
				}
				policies = append(policies, &store.AgePolicy{MaxAge: age})
			}
			if len(policies) == 0 {
				return fmt.Errorf("nothing to prune: set --keep or --max-age")
			}

			dbPath, _ := cmd.Flags().GetString("db")
			if dbPath == "" {
				outputDir, _ := cmd.Flags().GetString("output")
				dbPath = filepath.Join(outputDir, constants.LedgerFile)
			}
			if _, err := os.Stat(dbPath); err != nil {
				return fmt.Errorf("no ledger at %s: %w", dbPath, err)
			}
			ledger, err := store.Open(dbPath)
			if err != nil {
				return err
			}
			defer ledger.Close()

			deleted, err := ledger.Prune(cmd.Context(), &store.AllPolicy{Policies: policies})
			if err != nil {
				return err
			}

			jsonOut, _ := cmd.Flags().GetBool("json")
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"deleted": deleted,
					"count":   len(deleted),
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d runs.\n", len(deleted))
			return nil
		},
	}

	cmd.Flags().String("output", ".", "Output directory holding the ledger")
	cmd.Flags().String("db", "", "Ledger file (overrides --output)")
	cmd.Flags().Int("keep", 0, "Keep this many most recent runs")
	cmd.Flags().String("max-age", "", "Keep runs newer than this (e.g. 72h, 30d, 2w)")

	return cmd
}
