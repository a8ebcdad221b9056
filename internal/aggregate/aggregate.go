// Package aggregate folds per-scenario evaluation reports into one
// comparison table with a row per scenario.
package aggregate

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/nvandessel/rdfsweep/internal/constants"
	"github.com/nvandessel/rdfsweep/internal/logging"
	"github.com/nvandessel/rdfsweep/internal/scenario"
)

// NameParseError reports a report file whose name is not a scenario key.
type NameParseError struct {
	Path string
	Err  error
}

func (e *NameParseError) Error() string {
	return fmt.Sprintf("cannot parse scenario from %s: %v", e.Path, e.Err)
}

func (e *NameParseError) Unwrap() error { return e.Err }

// InsufficientRowsError reports a report with fewer rows than the start row.
type InsufficientRowsError struct {
	Path string
	Want int
	Got  int
}

func (e *InsufficientRowsError) Error() string {
	return fmt.Sprintf("%s has %d rows, cannot skip %d", e.Path, e.Got, e.Want)
}

// Row is the aggregate of one scenario report.
type Row struct {
	Scenario       scenario.Scenario `json:"scenario"`
	TotalMovement  int64             `json:"total_movement"`
	TotalDeviation float64           `json:"total_deviation"`

	// Rows is how many report rows were summed.
	Rows int `json:"rows"`

	// Source is the report file the row came from.
	Source string `json:"source"`
}

// CSV renders the row as rdf,rd,tb,totalMovement,totalDeviation.
func (r Row) CSV() string {
	return fmt.Sprintf("%d,%d,%s,%d,%s",
		r.Scenario.RDF, r.Scenario.RD, scenario.FormatTB(r.Scenario.TB),
		r.TotalMovement, FormatDeviation(r.TotalDeviation))
}

// Summary is the result of one aggregation.
type Summary struct {
	Rows []Row `json:"rows"`

	// Skipped lists files ignored because their names did not parse.
	Skipped []string `json:"skipped,omitempty"`
}

// CSV renders every row, newline terminated, in input order.
func (s *Summary) CSV() string {
	var b strings.Builder
	for _, r := range s.Rows {
		b.WriteString(r.CSV())
		b.WriteByte('\n')
	}
	return b.String()
}

// Aggregator sums the deviation and movement columns of scenario reports.
type Aggregator struct {
	// StartRow is how many leading rows of every report are skipped.
	StartRow int

	// CountOnly logs how many rows each report contributed.
	CountOnly bool

	// Strict fails the aggregation on a file name that does not parse
	// instead of skipping the file.
	Strict bool

	// DeviationColumn and MovementColumn are zero-based field indices.
	// Zero values select constants.DeviationColumn and
	// constants.MovementColumn; use Columns to set them explicitly.
	DeviationColumn int
	MovementColumn  int

	Logger *slog.Logger

	explicitColumns bool
}

// Aggregate processes files in the order given and returns one row per
// report. A report with fewer rows than StartRow, or with a malformed cell,
// fails the whole call.
func (a *Aggregator) Aggregate(files []string) (*Summary, error) {
	logger := a.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	if a.StartRow < 0 {
		return nil, fmt.Errorf("start row must be non-negative, got %d", a.StartRow)
	}

	devCol, moveCol := a.columns()
	if devCol < 0 || moveCol < 0 {
		return nil, fmt.Errorf("column indices must be non-negative, got deviation %d movement %d", devCol, moveCol)
	}

	summary := &Summary{}
	for _, path := range files {
		s, err := scenario.ParseFileName(path)
		if err != nil {
			parseErr := &NameParseError{Path: path, Err: err}
			if a.Strict {
				return nil, parseErr
			}
			logger.Warn("skipping report", "error", parseErr)
			summary.Skipped = append(summary.Skipped, path)
			continue
		}

		row, err := a.aggregateFile(path, s, devCol, moveCol)
		if err != nil {
			return nil, err
		}
		if a.CountOnly {
			logger.Info("rows aggregated", "file", filepath.Base(path), "count", row.Rows)
		}
		summary.Rows = append(summary.Rows, row)
	}

	return summary, nil
}

// Columns returns an aggregator reading deviation and movement from the
// given zero-based columns.
func (a Aggregator) Columns(deviation, movement int) *Aggregator {
	a.DeviationColumn = deviation
	a.MovementColumn = movement
	a.explicitColumns = true
	return &a
}

func (a *Aggregator) columns() (int, int) {
	if a.explicitColumns || a.DeviationColumn != 0 || a.MovementColumn != 0 {
		return a.DeviationColumn, a.MovementColumn
	}
	return constants.DeviationColumn, constants.MovementColumn
}

func (a *Aggregator) aggregateFile(path string, s scenario.Scenario, devCol, moveCol int) (Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return Row{}, fmt.Errorf("opening report: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	row := Row{Scenario: s, Source: path}
	for skipped := 0; skipped < a.StartRow; skipped++ {
		if _, err := r.Read(); err != nil {
			if errors.Is(err, io.EOF) {
				return Row{}, &InsufficientRowsError{Path: path, Want: a.StartRow, Got: skipped}
			}
			return Row{}, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Row{}, fmt.Errorf("reading %s: %w", path, err)
		}

		line, _ := r.FieldPos(0)
		if need := max(devCol, moveCol) + 1; len(record) < need {
			return Row{}, fmt.Errorf("%s:%d: expected at least %d fields, got %d",
				path, line, need, len(record))
		}

		moved, err := strconv.ParseInt(strings.TrimSpace(record[moveCol]), 10, 64)
		if err != nil {
			return Row{}, fmt.Errorf("%s:%d: movement column: %w", path, line, err)
		}
		deviation, err := strconv.ParseFloat(strings.TrimSpace(record[devCol]), 64)
		if err != nil {
			return Row{}, fmt.Errorf("%s:%d: deviation column: %w", path, line, err)
		}

		row.TotalMovement += moved
		row.TotalDeviation += deviation
		row.Rows++
	}

	return row, nil
}

// Discover returns the *.csv files directly inside dir, sorted by path.
func Discover(dir string) ([]string, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("reading results directory: %w", err)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, fmt.Errorf("globbing results: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// WriteFile writes the summary's CSV form to path.
func WriteFile(path string, s *Summary) error {
	if err := os.WriteFile(path, []byte(s.CSV()), 0644); err != nil {
		return fmt.Errorf("writing aggregate: %w", err)
	}
	return nil
}

// FormatDeviation renders a summed deviation the way the comparison tables
// have always shown it: shortest round-trip decimal, with a trailing ".0"
// for whole numbers.
func FormatDeviation(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}
