package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nvandessel/rdfsweep/internal/aggregate"
)

func newAggregateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Fold scenario reports into one comparison table",
		Long: `Sum the deviation and movement columns of every <scenario>.csv report in
--results and emit one line per scenario:

  rdf,rd,tb,totalMovement,totalDeviation

The first --start-row rows of each report are skipped. Files whose names are
not scenario keys are skipped with a warning unless --strict is set.`,
		Example: `  rdfsweep aggregate --results ./results --output summary.csv
  rdfsweep aggregate --results ./results --start-row 0 --count`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			resultsDir, _ := cmd.Flags().GetString("results")
			outputPath, _ := cmd.Flags().GetString("output")
			countOnly, _ := cmd.Flags().GetBool("count")
			jsonOut, _ := cmd.Flags().GetBool("json")

			startRow := cfg.Aggregate.StartRow
			if cmd.Flags().Changed("start-row") {
				startRow, _ = cmd.Flags().GetInt("start-row")
			}
			strict := cfg.Aggregate.Strict
			if cmd.Flags().Changed("strict") {
				strict, _ = cmd.Flags().GetBool("strict")
			}

			files, err := aggregate.Discover(resultsDir)
			if err != nil {
				return err
			}

			sess, err := openSession(cmd.Context(), cfg, "aggregate", "", resultsDir)
			if err != nil {
				return err
			}

			a := (&aggregate.Aggregator{
				StartRow:  startRow,
				CountOnly: countOnly,
				Strict:    strict,
				Logger:    sess.logger,
			}).Columns(cfg.Aggregate.DeviationColumn, cfg.Aggregate.MovementColumn)

			summary, runErr := a.Aggregate(files)
			if runErr == nil {
				sess.metrics.AggregatedRows(len(summary.Rows))
				if sess.ledger != nil {
					runErr = sess.ledger.RecordResults(cmd.Context(), sess.run.ID, summary.Rows)
				}
			}
			if runErr == nil && outputPath != "" {
				runErr = aggregate.WriteFile(outputPath, summary)
			}
			if err := sess.close(cmd.Context(), runErr); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			switch {
			case jsonOut:
				return json.NewEncoder(w).Encode(summary)
			case outputPath == "":
				fmt.Fprint(w, summary.CSV())
			default:
				fmt.Fprintf(w, "wrote %d rows to %s\n", len(summary.Rows), outputPath)
			}
			return nil
		},
	}

	cmd.Flags().String("results", ".", "Directory of <scenario>.csv reports")
	cmd.Flags().String("output", "", "Write the table to this file instead of stdout")
	cmd.Flags().Int("start-row", 1, "Leading rows of each report to skip (default from config)")
	cmd.Flags().Bool("count", false, "Log how many rows each report contributed")
	cmd.Flags().Bool("strict", false, "Fail on report names that are not scenario keys")

	return cmd
}
