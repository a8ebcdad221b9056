package scenario

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func collect(g Grid) []Scenario {
	var out []Scenario
	for s := range g.All() {
		out = append(out, s)
	}
	return out
}

func TestRackDiversities(t *testing.T) {
	g := DefaultGrid()
	tests := []struct {
		rdf  int
		want []int
	}{
		// ratios 3,3,2,2,2,2
		{8, []int{3, 5}},
		// ratios 6,5,4,3,3,3
		{16, []int{3, 4, 5, 6}},
		// ratios 30,23,18,15,13,12
		{88, []int{3, 4, 5, 6, 7, 8}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, g.RackDiversities(tt.rdf)); diff != "" {
			t.Errorf("RackDiversities(%d) mismatch (-want +got):\n%s", tt.rdf, diff)
		}
	}
}

func TestRackDiversities_MinAlwaysRetained(t *testing.T) {
	// rdf smaller than every rd gives ratio 1 everywhere.
	g := Grid{RD: IntRange{Min: 3, Max: 8}}
	if diff := cmp.Diff([]int{3}, g.RackDiversities(2)); diff != "" {
		t.Errorf("RackDiversities(2) mismatch (-want +got):\n%s", diff)
	}
}

func TestGridCompleteness(t *testing.T) {
	g := DefaultGrid()
	seen := make(map[Scenario]bool)
	for _, s := range collect(g) {
		seen[s] = true
	}

	tbs := g.targetBalances()
	for rdf := g.RDF.Min; rdf <= g.RDF.Max; rdf += g.RDF.Step {
		for _, tb := range tbs {
			s := Scenario{RDF: rdf, RD: g.RD.Min, TB: tb}
			if !seen[s] {
				t.Errorf("missing %s", s.Name())
			}
		}
	}
}

func TestGridDedup(t *testing.T) {
	g := DefaultGrid()
	retained := make(map[int]map[int]bool)
	for _, s := range collect(g) {
		if retained[s.RDF] == nil {
			retained[s.RDF] = make(map[int]bool)
		}
		retained[s.RDF][s.RD] = true
	}

	for rdf, rds := range retained {
		for rd1 := g.RD.Min + 1; rd1 <= g.RD.Max; rd1++ {
			for rd2 := rd1 + 1; rd2 <= g.RD.Max; rd2++ {
				if Ratio(rdf, rd1) == Ratio(rdf, rd2) && rds[rd2] {
					t.Errorf("rdf %d: rd %d enumerated although rd %d has the same ratio %d",
						rdf, rd2, rd1, Ratio(rdf, rd1))
				}
			}
		}
	}
}

func TestTargetBalancesIncludeUpperBound(t *testing.T) {
	g := DefaultGrid()
	want := []float64{0.05, 0.07, 0.09, 0.11, 0.13, 0.15}
	if diff := cmp.Diff(want, g.targetBalances()); diff != "" {
		t.Errorf("targetBalances mismatch (-want +got):\n%s", diff)
	}
}

func TestGridAll_SingleTB(t *testing.T) {
	g := Grid{
		RDF: IntRange{Min: 10, Max: 10, Step: 8},
		RD:  IntRange{Min: 4, Max: 4},
		TB:  FloatRange{Min: 0.1, Max: 0.1, Step: 0.02},
	}
	want := []Scenario{{RDF: 10, RD: 4, TB: 0.1}}
	if diff := cmp.Diff(want, collect(g)); diff != "" {
		t.Errorf("All() mismatch (-want +got):\n%s", diff)
	}
}

func TestGridAll_Restartable(t *testing.T) {
	g := DefaultGrid()
	first := collect(g)
	second := collect(g)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("second enumeration differs (-first +second):\n%s", diff)
	}
	if got := g.Count(); got != len(first) {
		t.Errorf("Count() = %d, want %d", got, len(first))
	}
}

func TestGridAll_EarlyStop(t *testing.T) {
	n := 0
	for range DefaultGrid().All() {
		n++
		if n == 3 {
			break
		}
	}
	if n != 3 {
		t.Errorf("expected to stop after 3 scenarios, got %d", n)
	}
}

func TestGridAll_StopsNearMaxInt(t *testing.T) {
	g := Grid{
		RDF: IntRange{Min: math.MaxInt - 10, Max: math.MaxInt, Step: 8},
		RD:  IntRange{Min: 1, Max: 1},
		TB:  FloatRange{Min: 0.05, Max: 0.05, Step: 0.02},
	}

	var rdfs []int
	for s := range g.All() {
		rdfs = append(rdfs, s.RDF)
		if len(rdfs) > 2 {
			t.Fatalf("rdf wrapped around: %v", rdfs)
		}
	}
	if diff := cmp.Diff([]int{math.MaxInt - 10, math.MaxInt - 2}, rdfs); diff != "" {
		t.Errorf("rdf values mismatch (-want +got):\n%s", diff)
	}
}

func TestRackDiversities_StopsAtMaxInt(t *testing.T) {
	g := Grid{RD: IntRange{Min: math.MaxInt - 1, Max: math.MaxInt}}
	if diff := cmp.Diff([]int{math.MaxInt - 1}, g.RackDiversities(8)); diff != "" {
		t.Errorf("RackDiversities mismatch (-want +got):\n%s", diff)
	}
}

func TestGridValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Grid)
		wantErr bool
	}{
		{"default is valid", func(g *Grid) {}, false},
		{"zero rdf step", func(g *Grid) { g.RDF.Step = 0 }, true},
		{"inverted rdf", func(g *Grid) { g.RDF.Min, g.RDF.Max = 9, 8 }, true},
		{"rd below one", func(g *Grid) { g.RD.Min = 0 }, true},
		{"rd step not one", func(g *Grid) { g.RD.Step = 2 }, true},
		{"zero tb step", func(g *Grid) { g.TB.Step = 0 }, true},
		{"inverted tb", func(g *Grid) { g.TB.Min, g.TB.Max = 0.2, 0.1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := DefaultGrid()
			tt.mutate(&g)
			if err := g.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
