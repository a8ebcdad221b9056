package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nvandessel/rdfsweep/internal/aggregate"
	"github.com/nvandessel/rdfsweep/internal/scenario"

	_ "modernc.org/sqlite" // SQLite driver
)

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCanceled  = "canceled"
)

// Scenario statuses.
const (
	ScenarioConverged = "converged"
	ScenarioFailed    = "failed"
	ScenarioEvaluated = "evaluated"
	ScenarioSkipped   = "skipped"
)

// ErrRunNotFound is returned when a run ID is not in the ledger.
var ErrRunNotFound = errors.New("run not found")

// Run is one invocation of the tool.
type Run struct {
	ID          string     `json:"id"`
	Command     string     `json:"command"`
	TopologyDir string     `json:"topology_dir,omitempty"`
	OutputDir   string     `json:"output_dir,omitempty"`
	Config      string     `json:"config,omitempty"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// ScenarioRecord is the outcome of one phase of one scenario.
type ScenarioRecord struct {
	RunID          string            `json:"run_id"`
	Scenario       scenario.Scenario `json:"scenario"`
	Phase          string            `json:"phase"`
	Status         string            `json:"status"`
	FailureKind    string            `json:"failure_kind,omitempty"`
	FailedVersion  string            `json:"failed_version,omitempty"`
	FailedSnapshot string            `json:"failed_snapshot,omitempty"`
	Error          string            `json:"error,omitempty"`
	RecordedAt     time.Time         `json:"recorded_at"`
}

// StepRecord is one external tool invocation.
type StepRecord struct {
	RunID    string        `json:"run_id"`
	Scenario string        `json:"scenario"`
	Phase    string        `json:"phase"`
	Version  string        `json:"version"`
	Snapshot string        `json:"snapshot"`
	Kind     string        `json:"kind"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Ledger is a SQLite-backed record of sweep runs.
type Ledger struct {
	mu     sync.Mutex
	db     *sql.DB
	dbPath string
}

// Open opens or creates the ledger database at path, creating parent
// directories as needed.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with single writer
	db.SetMaxOpenConns(1)

	if err := InitSchema(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Ledger{db: db, dbPath: path}, nil
}

// Path returns the database file path.
func (l *Ledger) Path() string { return l.dbPath }

// BeginRun inserts a running run. An empty ID is replaced by a new UUID.
func (l *Ledger) BeginRun(ctx context.Context, run Run) (Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if run.Command == "" {
		return Run{}, fmt.Errorf("run command is required")
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.Status = RunRunning

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (id, command, topology_dir, output_dir, config, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Command, nullString(run.TopologyDir), nullString(run.OutputDir),
		nullString(run.Config), run.Status, formatTime(run.StartedAt))
	if err != nil {
		return Run{}, fmt.Errorf("failed to insert run: %w", err)
	}
	return run, nil
}

// FinishRun marks a run finished with status. runErr, if non-nil, is
// stored as the run's error.
func (l *Ledger) FinishRun(ctx context.Context, id, status string, runErr error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errText sql.NullString
	if runErr != nil {
		errText = nullString(runErr.Error())
	}

	res, err := l.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, errText, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// RecordScenario upserts the outcome of a scenario phase.
func (l *Ledger) RecordScenario(ctx context.Context, rec ScenarioRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO scenarios
			(run_id, name, rdf, rd, tb, phase, status, failure_kind, failed_version, failed_snapshot, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Scenario.Name(), rec.Scenario.RDF, rec.Scenario.RD, rec.Scenario.TB,
		rec.Phase, rec.Status, nullString(rec.FailureKind), nullString(rec.FailedVersion),
		nullString(rec.FailedSnapshot), nullString(rec.Error), formatTime(rec.RecordedAt))
	if err != nil {
		return fmt.Errorf("failed to record scenario %s: %w", rec.Scenario.Name(), err)
	}
	return nil
}

// RecordStep appends one tool invocation.
func (l *Ledger) RecordStep(ctx context.Context, rec StepRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO steps (run_id, scenario, phase, version, snapshot, kind, exit_code, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Scenario, rec.Phase, rec.Version, rec.Snapshot, rec.Kind,
		rec.ExitCode, rec.Duration.Milliseconds(), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to record step: %w", err)
	}
	return nil
}

// RecordResults stores aggregated rows for a run in one transaction.
func (l *Ledger) RecordResults(ctx context.Context, runID string, rows []aggregate.Row) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO results (run_id, rdf, rd, tb, total_movement, total_deviation, row_count, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare result insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, runID, r.Scenario.RDF, r.Scenario.RD, r.Scenario.TB,
			r.TotalMovement, r.TotalDeviation, r.Rows, nullString(r.Source)); err != nil {
			return fmt.Errorf("failed to record result %s: %w", r.Scenario.Name(), err)
		}
	}

	return tx.Commit()
}

// GetRun returns a run by ID.
func (l *Ledger) GetRun(ctx context.Context, id string) (*Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row := l.db.QueryRowContext(ctx, `
		SELECT id, command, topology_dir, output_dir, config, status, error, started_at, finished_at
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all runs.
func (l *Ledger) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	query := `
		SELECT id, command, topology_dir, output_dir, config, status, error, started_at, finished_at
		FROM runs ORDER BY started_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ListScenarios returns a run's scenario records ordered by grid position
// and phase.
func (l *Ledger) ListScenarios(ctx context.Context, runID string) ([]ScenarioRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, rdf, rd, tb, phase, status, failure_kind, failed_version, failed_snapshot, error, recorded_at
		FROM scenarios WHERE run_id = ?
		ORDER BY rdf, rd, tb, phase DESC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query scenarios: %w", err)
	}
	defer rows.Close()

	var recs []ScenarioRecord
	for rows.Next() {
		var rec ScenarioRecord
		var kind, version, snapshot, errText sql.NullString
		var recordedAt string
		if err := rows.Scan(&rec.RunID, &rec.Scenario.RDF, &rec.Scenario.RD, &rec.Scenario.TB,
			&rec.Phase, &rec.Status, &kind, &version, &snapshot, &errText, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scenario: %w", err)
		}
		rec.FailureKind = kind.String
		rec.FailedVersion = version.String
		rec.FailedSnapshot = snapshot.String
		rec.Error = errText.String
		rec.RecordedAt = parseTime(recordedAt)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ListSteps returns the tool invocations recorded for a scenario of a run,
// in the order they were recorded.
func (l *Ledger) ListSteps(ctx context.Context, runID, scenarioName string) ([]StepRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, scenario, phase, version, snapshot, kind, exit_code, duration_ms
		FROM steps WHERE run_id = ? AND scenario = ? ORDER BY id`, runID, scenarioName)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var recs []StepRecord
	for rows.Next() {
		var rec StepRecord
		var exitCode, durationMS sql.NullInt64
		if err := rows.Scan(&rec.RunID, &rec.Scenario, &rec.Phase, &rec.Version, &rec.Snapshot,
			&rec.Kind, &exitCode, &durationMS); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		rec.ExitCode = int(exitCode.Int64)
		rec.Duration = time.Duration(durationMS.Int64) * time.Millisecond
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ListResults returns a run's aggregated rows ordered by grid position.
func (l *Ledger) ListResults(ctx context.Context, runID string) ([]aggregate.Row, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.QueryContext(ctx, `
		SELECT rdf, rd, tb, total_movement, total_deviation, row_count, source
		FROM results WHERE run_id = ? ORDER BY rdf, rd, tb`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var out []aggregate.Row
	for rows.Next() {
		var r aggregate.Row
		var source sql.NullString
		if err := rows.Scan(&r.Scenario.RDF, &r.Scenario.RD, &r.Scenario.TB,
			&r.TotalMovement, &r.TotalDeviation, &r.Rows, &source); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		r.Source = source.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var topo, output, config, errText, finishedAt sql.NullString
	var startedAt string
	if err := row.Scan(&run.ID, &run.Command, &topo, &output, &config, &run.Status,
		&errText, &startedAt, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	run.TopologyDir = topo.String
	run.OutputDir = output.String
	run.Config = config.String
	run.Error = errText.String
	run.StartedAt = parseTime(startedAt)
	if finishedAt.Valid {
		t := parseTime(finishedAt.String)
		run.FinishedAt = &t
	}
	return &run, nil
}

// timeLayout keeps fractional seconds fixed-width so stored times sort
// lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
