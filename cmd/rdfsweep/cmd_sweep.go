package main

import (
	"encoding/json"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/nvandessel/rdfsweep/internal/store"
	"github.com/nvandessel/rdfsweep/internal/sweep"
)

func newSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Generate and evaluate every scenario of the grid",
		Long: `Run the full parameter sweep. Every scenario gets its own directory under
--output named rdf-<rdf>-rd-<rd>-tb-<tb>. Scenarios whose generator does not
converge are removed and reported; the rest are evaluated into
<output>/<scenario>.csv, ready for aggregate.

The grid comes from the config file; see 'rdfsweep grid'.`,
		Example: `  rdfsweep sweep --topology ./topologies --output ./results --workers 4
  rdfsweep sweep --topology ./topologies --output ./results --skip-generate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			topologyDir, _ := cmd.Flags().GetString("topology")
			outputDir, _ := cmd.Flags().GetString("output")
			skipGenerate, _ := cmd.Flags().GetBool("skip-generate")
			skipEvaluate, _ := cmd.Flags().GetBool("skip-evaluate")
			workers := cfg.Sweep.Workers
			if cmd.Flags().Changed("workers") {
				workers, _ = cmd.Flags().GetInt("workers")
			}
			if workers < 1 {
				return fmt.Errorf("--workers must be at least 1, got %d", workers)
			}

			sess, err := openSession(cmd.Context(), cfg, "sweep", topologyDir, outputDir)
			if err != nil {
				return err
			}
			report, runErr := sess.runner().Sweep(cmd.Context(), cfg.Grid, sweep.Options{
				TopologyDir:  topologyDir,
				OutputDir:    outputDir,
				Versions:     versions(cmd, cfg),
				Workers:      workers,
				SkipGenerate: skipGenerate,
				SkipEvaluate: skipEvaluate,
			})
			if report != nil {
				if err := printReport(cmd, report); err != nil {
					return err
				}
			}
			return sess.close(cmd.Context(), runErr)
		},
	}

	addSingleFlags(cmd)
	cmd.Flags().Bool("skip-generate", false, "Evaluate existing scenario directories only")
	cmd.Flags().Bool("skip-evaluate", false, "Generate mappings only")
	cmd.Flags().Int("workers", 1, "Scenarios processed in parallel (default from config)")

	return cmd
}

func printReport(cmd *cobra.Command, report *sweep.Report) error {
	jsonOut, _ := cmd.Flags().GetBool("json")
	if jsonOut {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
			"run_id":    report.RunID,
			"outcomes":  report.Outcomes,
			"converged": report.Count(sweep.PhaseGenerate, store.ScenarioConverged),
			"failed":    report.Count(sweep.PhaseGenerate, store.ScenarioFailed),
			"evaluated": report.Count(sweep.PhaseEvaluate, store.ScenarioEvaluated),
			"skipped":   report.Count(sweep.PhaseEvaluate, store.ScenarioSkipped),
		})
	}

	w := cmd.OutOrStdout()
	var failed []sweep.Outcome
	for _, out := range report.Outcomes {
		if out.Status == store.ScenarioFailed {
			failed = append(failed, out)
		}
	}
	if len(failed) > 0 {
		t := table.NewWriter()
		t.SetOutputMirror(w)
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"Scenario", "Phase", "Kind", "Version", "Snapshot"})
		for _, out := range failed {
			t.AppendRow(table.Row{out.Scenario.Name(), out.Phase, out.Kind.String(), out.FailedVersion, out.FailedSnapshot})
		}
		t.Render()
	}

	fmt.Fprintf(w, "converged: %d  failed: %d  evaluated: %d  skipped: %d\n",
		report.Count(sweep.PhaseGenerate, store.ScenarioConverged),
		report.Count(sweep.PhaseGenerate, store.ScenarioFailed),
		report.Count(sweep.PhaseEvaluate, store.ScenarioEvaluated),
		report.Count(sweep.PhaseEvaluate, store.ScenarioSkipped))
	if report.RunID != "" {
		fmt.Fprintf(w, "run: %s\n", report.RunID)
	}
	return nil
}
