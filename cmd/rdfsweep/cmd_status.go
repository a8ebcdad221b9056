package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/nvandessel/rdfsweep/internal/constants"
	"github.com/nvandessel/rdfsweep/internal/store"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recorded runs from the ledger",
		Long: `Show the runs recorded in an output directory's ledger, newest first.
With --run, show that run's scenario outcomes instead.`,
		Example: `  rdfsweep status --output ./results
  rdfsweep status --output ./results --run 2b1f...`,
		RunE: func(cmd *cobra.Command, args []string) error {
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

			runID, _ := cmd.Flags().GetString("run")
			if runID != "" {
				return showRun(cmd, ledger, runID)
			}
			limit, _ := cmd.Flags().GetInt("limit")
			return listRuns(cmd, ledger, limit)
		},
	}

	cmd.Flags().String("output", ".", "Output directory holding the ledger")
	cmd.Flags().String("db", "", "Ledger file (overrides --output)")
	cmd.Flags().String("run", "", "Show scenarios of this run")
	cmd.Flags().Int("limit", 20, "Maximum runs to list (0 for all)")

	return cmd
}

func listRuns(cmd *cobra.Command, ledger *store.Ledger, limit int) error {
	runs, err := ledger.ListRuns(cmd.Context(), limit)
	if err != nil {
		return err
	}

	jsonOut, _ := cmd.Flags().GetBool("json")
	if jsonOut {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
			"runs":  runs,
			"count": len(runs),
		})
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Run", "Command", "Status", "Started", "Finished"})
	for _, r := range runs {
		finished := "-"
		if r.FinishedAt != nil {
			finished = r.FinishedAt.Local().Format("2006-01-02 15:04:05")
		}
		t.AppendRow(table.Row{r.ID, r.Command, r.Status, r.StartedAt.Local().Format("2006-01-02 15:04:05"), finished})
	}
	t.Render()
	return nil
}

func showRun(cmd *cobra.Command, ledger *store.Ledger, runID string) error {
	run, err := ledger.GetRun(cmd.Context(), runID)
	if errors.Is(err, store.ErrRunNotFound) {
		return fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return err
	}
	scenarios, err := ledger.ListScenarios(cmd.Context(), runID)
	if err != nil {
		return err
	}
	results, err := ledger.ListResults(cmd.Context(), runID)
	if err != nil {
		return err
	}

	jsonOut, _ := cmd.Flags().GetBool("json")
	if jsonOut {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
			"run":       run,
			"scenarios": scenarios,
			"results":   results,
		})
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Run %s (%s): %s\n", run.ID, run.Command, run.Status)
	if run.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", run.Error)
	}

	if len(scenarios) > 0 {
		t := table.NewWriter()
		t.SetOutputMirror(w)
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"Scenario", "Phase", "Status", "Failure", "Version", "Snapshot"})
		for _, s := range scenarios {
			t.AppendRow(table.Row{s.Scenario.Name(), s.Phase, s.Status, s.FailureKind, s.FailedVersion, s.FailedSnapshot})
		}
		t.Render()
	}

	if len(results) > 0 {
		t := table.NewWriter()
		t.SetOutputMirror(w)
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"Scenario", "Movement", "Deviation", "Rows"})
		for _, r := range results {
			t.AppendRow(table.Row{r.Scenario.Name(), r.TotalMovement, r.TotalDeviation, r.Rows})
		}
		t.Render()
	}
	return nil
}
