package main

import (
	"encoding/json"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/nvandessel/rdfsweep/internal/scenario"
)

func newGridCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grid",
		Short: "List the scenarios a sweep would run",
		Long: `List every scenario of the configured grid in sweep order. Rack diversity
values that give the same rdf/rd ratio as a smaller value are left out.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			countOnly, _ := cmd.Flags().GetBool("count")
			jsonOut, _ := cmd.Flags().GetBool("json")
			w := cmd.OutOrStdout()

			var scenarios []scenario.Scenario
			for s := range cfg.Grid.All() {
				scenarios = append(scenarios, s)
			}

			if jsonOut {
				if countOnly {
					return json.NewEncoder(w).Encode(map[string]int{"count": len(scenarios)})
				}
				return json.NewEncoder(w).Encode(map[string]any{
					"scenarios": scenarios,
					"count":     len(scenarios),
				})
			}
			if countOnly {
				fmt.Fprintln(w, len(scenarios))
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(w)
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Scenario", "RDF", "RD", "Ratio", "TB"})
			for _, s := range scenarios {
				t.AppendRow(table.Row{s.Name(), s.RDF, s.RD, s.Ratio(), scenario.FormatTB(s.TB)})
			}
			t.AppendFooter(table.Row{"", "", "", "Total", len(scenarios)})
			t.Render()
			return nil
		},
	}

	cmd.Flags().Bool("count", false, "Print only the number of scenarios")

	return cmd
}
