// Package topology provides the ordered series of topology snapshots a
// sweep replays. Each snapshot is a topology file paired with a mapping
// parameters file in the same directory.
package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nvandessel/rdfsweep/internal/constants"
)

// Snapshot is one topology file at a fixed position in its series.
type Snapshot struct {
	// Name is the topology file's base name.
	Name string `json:"name"`

	// Index is the ordinal position within the series.
	Index int `json:"index"`

	// Path is the topology file path.
	Path string `json:"path"`

	// ParamsPath is the mapping parameters file, params_<Name> beside Path.
	ParamsPath string `json:"params_path"`
}

// Series is an ordered, immutable list of snapshots.
type Series struct {
	snapshots []Snapshot
}

// NewSeries builds a series from topology paths in the given order.
// Parameter files are derived from each path.
func NewSeries(paths []string) *Series {
	snaps := make([]Snapshot, len(paths))
	for i, p := range paths {
		name := filepath.Base(p)
		snaps[i] = Snapshot{
			Name:       name,
			Index:      i,
			Path:       p,
			ParamsPath: filepath.Join(filepath.Dir(p), constants.ParamsPrefix+name),
		}
	}
	return &Series{snapshots: snaps}
}

// Discover returns the series of topology_* files in dir, sorted by name.
// It fails if none are found.
func Discover(dir string) (*Series, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("reading topology directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("topology path %s is not a directory", dir)
	}

	paths, err := filepath.Glob(filepath.Join(dir, constants.TopologyPrefix+"*"))
	if err != nil {
		return nil, fmt.Errorf("globbing topology files: %w", err)
	}

	var files []string
	for _, p := range paths {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			files = append(files, p)
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no %s* files found in %s", constants.TopologyPrefix, dir)
	}

	sort.Strings(files)
	return NewSeries(files), nil
}

// Len returns the number of snapshots.
func (s *Series) Len() int {
	return len(s.snapshots)
}

// At returns the snapshot at index i.
func (s *Series) At(i int) Snapshot {
	return s.snapshots[i]
}

// Previous returns the snapshot before index i, or false for the first.
func (s *Series) Previous(i int) (Snapshot, bool) {
	if i <= 0 || i > len(s.snapshots) {
		return Snapshot{}, false
	}
	return s.snapshots[i-1], true
}

// Snapshots returns a copy of the snapshots in series order.
func (s *Series) Snapshots() []Snapshot {
	out := make([]Snapshot, len(s.snapshots))
	copy(out, s.snapshots)
	return out
}

// MissingParams lists snapshots whose parameter file does not exist.
func (s *Series) MissingParams() []Snapshot {
	var missing []Snapshot
	for _, snap := range s.snapshots {
		if _, err := os.Stat(snap.ParamsPath); err != nil {
			missing = append(missing, snap)
		}
	}
	return missing
}

// String lists snapshot names.
func (s *Series) String() string {
	names := make([]string, len(s.snapshots))
	for i, snap := range s.snapshots {
		names[i] = snap.Name
	}
	return "[" + strings.Join(names, " ") + "]"
}
