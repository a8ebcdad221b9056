package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nvandessel/rdfsweep/internal/constants"
	"github.com/nvandessel/rdfsweep/internal/scenario"
	"github.com/nvandessel/rdfsweep/internal/sweep"
)

func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a mapping chain for one scenario",
		Long: `Generate mappings for every topology snapshot and algorithm version of one
scenario, writing them directly into --output. Each snapshot after the first
is generated relative to the previous snapshot's rdf map.

On failure the files this run wrote are removed and the command exits
non-zero.`,
		Example: `  rdfsweep generate --topology ./topologies --output ./out --rdf 16 --rd 4 --tb 0.05`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			s, err := singleScenario(cmd)
			if err != nil {
				return err
			}
			topologyDir, _ := cmd.Flags().GetString("topology")
			outputDir, _ := cmd.Flags().GetString("output")

			sess, err := openSession(cmd.Context(), cfg, "generate", topologyDir, outputDir)
			if err != nil {
				return err
			}
			out, runErr := sess.runner().GenerateSingle(cmd.Context(), s, sweep.Options{
				TopologyDir: topologyDir,
				OutputDir:   outputDir,
				Versions:    versions(cmd, cfg),
			})
			if err := sess.close(cmd.Context(), runErr); err != nil {
				return err
			}
			return printOutcome(cmd, out)
		},
	}

	addSingleFlags(cmd)
	cmd.Flags().Int("rdf", constants.DefaultRDF, "Replica distribution factor")
	cmd.Flags().Int("rd", constants.DefaultRackDiversity, "Rack diversity")
	cmd.Flags().Float64("tb", constants.DefaultTargetBalance, "Target balance")

	return cmd
}

func newEvaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate the mapping chain in an output directory",
		Long: `Evaluate the mappings that generate wrote into --output and write the
per-snapshot report to result.csv in the same directory. Every line after
the first carries the data moved since the previous snapshot.`,
		Example: `  rdfsweep evaluate --topology ./topologies --output ./out`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			topologyDir, _ := cmd.Flags().GetString("topology")
			outputDir, _ := cmd.Flags().GetString("output")

			// Report labels only; the mappings on disk decide what is evaluated.
			s, err := singleScenario(cmd)
			if err != nil {
				return err
			}

			sess, err := openSession(cmd.Context(), cfg, "evaluate", topologyDir, outputDir)
			if err != nil {
				return err
			}
			out, runErr := sess.runner().EvaluateSingle(cmd.Context(), s, sweep.Options{
				TopologyDir: topologyDir,
				OutputDir:   outputDir,
				Versions:    versions(cmd, cfg),
			})
			if err := sess.close(cmd.Context(), runErr); err != nil {
				return err
			}
			return printOutcome(cmd, out)
		},
	}

	addSingleFlags(cmd)
	cmd.Flags().Int("rdf", constants.DefaultRDF, "Replica distribution factor recorded for the run")
	cmd.Flags().Int("rd", constants.DefaultRackDiversity, "Rack diversity recorded for the run")
	cmd.Flags().Float64("tb", constants.DefaultTargetBalance, "Target balance recorded for the run")

	return cmd
}

func addSingleFlags(cmd *cobra.Command) {
	cmd.Flags().String("topology", "", "Directory of topology_* snapshots (required)")
	cmd.Flags().String("output", "", "Directory for mappings and reports (required)")
	cmd.Flags().StringSlice("version", nil, "Algorithm version, repeatable (default from config)")
	cmd.MarkFlagRequired("topology")
	cmd.MarkFlagRequired("output")
}

func singleScenario(cmd *cobra.Command) (scenario.Scenario, error) {
	rdf, _ := cmd.Flags().GetInt("rdf")
	rd, _ := cmd.Flags().GetInt("rd")
	tb, _ := cmd.Flags().GetFloat64("tb")
	if rdf <= 0 || rd <= 0 {
		return scenario.Scenario{}, fmt.Errorf("--rdf and --rd must be positive, got %d and %d", rdf, rd)
	}
	if tb <= 0 {
		return scenario.Scenario{}, fmt.Errorf("--tb must be positive, got %v", tb)
	}
	return scenario.Scenario{RDF: rdf, RD: rd, TB: tb}, nil
}

func printOutcome(cmd *cobra.Command, out sweep.Outcome) error {
	jsonOut, _ := cmd.Flags().GetBool("json")
	if jsonOut {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(out)
	}
	if out.Path != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s (%s)\n", out.Scenario.Name(), out.Phase, out.Status, out.Path)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", out.Scenario.Name(), out.Phase, out.Status)
	}
	return nil
}
