package scenario

import (
	"fmt"
	"iter"
	"math"

	"github.com/nvandessel/rdfsweep/internal/constants"
)

// tbTolerance absorbs float error when comparing a stepped target balance
// against the upper bound.
const tbTolerance = 1e-9

// tbScale is the rounding resolution for stepped target balances.
const tbScale = 1e9

// IntRange is an inclusive integer range.
type IntRange struct {
	Min  int `json:"min" yaml:"min"`
	Max  int `json:"max" yaml:"max"`
	Step int `json:"step,omitempty" yaml:"step,omitempty"`
}

// FloatRange is an inclusive float range.
type FloatRange struct {
	Min  float64 `json:"min" yaml:"min"`
	Max  float64 `json:"max" yaml:"max"`
	Step float64 `json:"step" yaml:"step"`
}

// Grid describes the three axes of the experiment. RD always steps by one.
type Grid struct {
	RDF IntRange   `json:"rdf" yaml:"rdf"`
	RD  IntRange   `json:"rd" yaml:"rd"`
	TB  FloatRange `json:"tb" yaml:"tb"`
}

// DefaultGrid returns the grid the sweep runs when nothing is configured.
func DefaultGrid() Grid {
	return Grid{
		RDF: IntRange{Min: constants.DefaultRDFMin, Max: constants.DefaultRDFMax, Step: constants.DefaultRDFStep},
		RD:  IntRange{Min: constants.DefaultRDMin, Max: constants.DefaultRDMax, Step: 1},
		TB:  FloatRange{Min: constants.DefaultTBMin, Max: constants.DefaultTBMax, Step: constants.DefaultTBStep},
	}
}

// Validate checks that every axis is a non-empty range with a positive step.
func (g Grid) Validate() error {
	if g.RDF.Step <= 0 {
		return fmt.Errorf("rdf step must be positive, got %d", g.RDF.Step)
	}
	if g.RDF.Min > g.RDF.Max {
		return fmt.Errorf("rdf range is empty: min %d > max %d", g.RDF.Min, g.RDF.Max)
	}
	if g.RD.Min < 1 {
		return fmt.Errorf("rd min must be at least 1, got %d", g.RD.Min)
	}
	if g.RD.Min > g.RD.Max {
		return fmt.Errorf("rd range is empty: min %d > max %d", g.RD.Min, g.RD.Max)
	}
	if g.RD.Step != 0 && g.RD.Step != 1 {
		return fmt.Errorf("rd always steps by 1, got step %d", g.RD.Step)
	}
	if g.TB.Step <= 0 || math.IsNaN(g.TB.Step) {
		return fmt.Errorf("tb step must be positive, got %v", g.TB.Step)
	}
	if g.TB.Min > g.TB.Max+tbTolerance {
		return fmt.Errorf("tb range is empty: min %v > max %v", g.TB.Min, g.TB.Max)
	}
	return nil
}

// All returns a lazy sequence over the grid. Each call starts a fresh
// enumeration.
//
// For a fixed rdf, an rd whose ratio rdf/rd+1 equals the ratio of the last
// retained rd produces an operationally identical placement and is skipped.
// rd == RD.Min is always retained so every rdf yields at least one rd.
func (g Grid) All() iter.Seq[Scenario] {
	return func(yield func(Scenario) bool) {
		if g.RDF.Step <= 0 || g.TB.Step <= 0 {
			return
		}
		tbs := g.targetBalances()
		for rdf := g.RDF.Min; rdf <= g.RDF.Max; rdf += g.RDF.Step {
			for _, rd := range g.RackDiversities(rdf) {
				for _, tb := range tbs {
					if !yield(Scenario{RDF: rdf, RD: rd, TB: tb}) {
						return
					}
				}
			}
			// The next step would pass Max, or wrap around near MaxInt.
			if rdf > g.RDF.Max-g.RDF.Step {
				return
			}
		}
	}
}

// RackDiversities returns the rd values retained for rdf after ratio
// deduplication, in ascending order.
func (g Grid) RackDiversities(rdf int) []int {
	var out []int
	retained := 0
	for rd := g.RD.Min; rd <= g.RD.Max; rd++ {
		ratio := Ratio(rdf, rd)
		if rd == g.RD.Min || ratio != retained {
			retained = ratio
			out = append(out, rd)
		}
		if rd == g.RD.Max {
			break
		}
	}
	return out
}

// targetBalances steps tb by an integer index so the upper bound is neither
// skipped nor duplicated by accumulated rounding.
func (g Grid) targetBalances() []float64 {
	var out []float64
	for k := 0; ; k++ {
		tb := g.TB.Min + float64(k)*g.TB.Step
		if tb > g.TB.Max+tbTolerance {
			break
		}
		out = append(out, roundTB(tb))
	}
	return out
}

// roundTB trims representation noise below the tolerance.
func roundTB(tb float64) float64 {
	return math.Round(tb*tbScale) / tbScale
}

// Count returns the number of scenarios All yields.
func (g Grid) Count() int {
	n := 0
	for range g.All() {
		n++
	}
	return n
}
