// Package mapping drives the external mapping generator and evaluator
// across a topology series for one scenario.
package mapping

import (
	"path/filepath"

	"github.com/nvandessel/rdfsweep/internal/constants"
	"github.com/nvandessel/rdfsweep/internal/topology"
)

// MappingPath is where the generator writes the mapping for version and
// snapshot inside a scenario's working directory.
func MappingPath(workdir, version string, snap topology.Snapshot) string {
	return filepath.Join(workdir, constants.MappingPrefix+version+"-"+snap.Name)
}

// DerivedPath is where the generator writes the rdf map for snapshot.
// It does not depend on the version; successive versions overwrite it.
func DerivedPath(workdir string, snap topology.Snapshot) string {
	return filepath.Join(workdir, constants.DerivedPrefix+snap.Name)
}

// PreviousDerivedPath returns the rdf map written for the snapshot before
// index i, or the "null" sentinel for the first snapshot.
func PreviousDerivedPath(workdir string, series *topology.Series, i int) string {
	prev, ok := series.Previous(i)
	if !ok {
		return constants.NullDerivedFile
	}
	return DerivedPath(workdir, prev)
}
