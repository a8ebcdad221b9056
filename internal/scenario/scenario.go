// Package scenario defines the identity of one point in the placement
// parameter grid and the grid enumeration that produces them.
package scenario

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Scenario is one (rdf, rd, tb) point of the parameter grid.
type Scenario struct {
	// RDF is the replica diversity factor.
	RDF int `json:"rdf" yaml:"rdf"`

	// RD is the rack diversity.
	RD int `json:"rd" yaml:"rd"`

	// TB is the target balance.
	TB float64 `json:"tb" yaml:"tb"`
}

// namePattern matches the serialized form produced by Name. The tb group is
// deliberately loose so names written by older tooling (with accumulated
// float noise such as 0.09000000000000001) still parse.
var namePattern = regexp.MustCompile(`^rdf-(-?\d+)-rd-(-?\d+)-tb-([0-9eE.+-]+)$`)

// Name returns the scenario key "rdf-{rdf}-rd-{rd}-tb-{tb}". It is used as
// the scenario's working directory name and, with a .csv suffix, as its
// report file name.
func (s Scenario) Name() string {
	return fmt.Sprintf("rdf-%d-rd-%d-tb-%s", s.RDF, s.RD, FormatTB(s.TB))
}

// String implements fmt.Stringer.
func (s Scenario) String() string {
	return s.Name()
}

// FileName returns the report file name for the scenario.
func (s Scenario) FileName() string {
	return s.Name() + ".csv"
}

// Ratio returns floor(rdf/rd)+1, the effective per-rack replica bound that
// the grid deduplicates on. A non-positive rd yields 0.
func (s Scenario) Ratio() int {
	return Ratio(s.RDF, s.RD)
}

// Ratio returns floor(rdf/rd)+1 for positive rd.
func Ratio(rdf, rd int) int {
	if rd <= 0 {
		return 0
	}
	return rdf/rd + 1
}

// FormatTB renders a target balance with the shortest decimal that
// round-trips, so 0.07 is never written as 0.07000000000000001.
func FormatTB(tb float64) string {
	return strconv.FormatFloat(tb, 'f', -1, 64)
}

// ParseName parses a scenario key produced by Name.
func ParseName(name string) (Scenario, error) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return Scenario{}, fmt.Errorf("scenario name %q does not match rdf-<rdf>-rd-<rd>-tb-<tb>", name)
	}

	rdf, err := strconv.Atoi(m[1])
	if err != nil {
		return Scenario{}, fmt.Errorf("parsing rdf in %q: %w", name, err)
	}
	rd, err := strconv.Atoi(m[2])
	if err != nil {
		return Scenario{}, fmt.Errorf("parsing rd in %q: %w", name, err)
	}
	tb, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return Scenario{}, fmt.Errorf("parsing tb in %q: %w", name, err)
	}

	return Scenario{RDF: rdf, RD: rd, TB: tb}, nil
}

// ParseFileName parses the scenario identity from a report path of the form
// <dir>/rdf-<rdf>-rd-<rd>-tb-<tb>.csv.
func ParseFileName(path string) (Scenario, error) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".csv") {
		return Scenario{}, fmt.Errorf("report file %q does not have a .csv extension", base)
	}
	return ParseName(strings.TrimSuffix(base, ".csv"))
}
