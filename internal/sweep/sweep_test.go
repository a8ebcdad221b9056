package sweep

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nvandessel/rdfsweep/internal/invoke"
	"github.com/nvandessel/rdfsweep/internal/logging"
	"github.com/nvandessel/rdfsweep/internal/mapping"
	"github.com/nvandessel/rdfsweep/internal/metrics"
	"github.com/nvandessel/rdfsweep/internal/scenario"
	"github.com/nvandessel/rdfsweep/internal/store"
)

var (
	genTool  = invoke.Tool{Name: "generator", Command: "gen"}
	evalTool = invoke.Tool{Name: "evaluator", Command: "eval"}
	moveTool = invoke.Tool{Name: "movement", Command: "move"}
)

// smallGrid enumerates rdf-8-rd-3, rdf-16-rd-3 and rdf-16-rd-4 at tb 0.05.
func smallGrid() scenario.Grid {
	return scenario.Grid{
		RDF: scenario.IntRange{Min: 8, Max: 16, Step: 8},
		RD:  scenario.IntRange{Min: 3, Max: 4},
		TB:  scenario.FloatRange{Min: 0.05, Max: 0.05, Step: 0.02},
	}
}

// fakeTools writes a mapping and rdf map for every generator call except
// the ones whose mapping path contains a failing key.
type fakeTools struct {
	mu        sync.Mutex
	genCalls  map[string][]string // scenario dir -> snapshots attempted
	evalCalls int

	// fail maps a scenario name to the snapshot it fails to converge at.
	fail map[string]string

	launchErr bool
	evalErr   error
}

func newFakeTools() *fakeTools {
	return &fakeTools{genCalls: map[string][]string{}, fail: map[string]string{}}
}

func (f *fakeTools) Run(ctx context.Context, tool invoke.Tool, args ...string) (invoke.Output, error) {
	if err := ctx.Err(); err != nil {
		return invoke.Output{}, err
	}
	switch tool.Name {
	case "generator":
		if f.launchErr {
			return invoke.Output{}, &invoke.LaunchError{Tool: tool.Name, Err: os.ErrNotExist}
		}
		mappingPath, derived := args[3], args[8]
		dir := filepath.Base(filepath.Dir(mappingPath))
		snap := filepath.Base(args[1])

		f.mu.Lock()
		f.genCalls[dir] = append(f.genCalls[dir], snap)
		failAt := f.fail[dir]
		f.mu.Unlock()

		if failAt == snap {
			return invoke.Output{ExitCode: 1}, nil
		}
		if err := os.WriteFile(mappingPath, []byte("1,node-a\n"), 0644); err != nil {
			return invoke.Output{}, err
		}
		if err := os.WriteFile(derived, []byte("node-a\n"), 0644); err != nil {
			return invoke.Output{}, err
		}
		return invoke.Output{}, nil
	case "evaluator":
		f.mu.Lock()
		f.evalCalls++
		f.mu.Unlock()
		if f.evalErr != nil {
			return invoke.Output{}, f.evalErr
		}
		return invoke.Output{Stdout: "1,5,2.0,0.5,0\n"}, nil
	case "movement":
		return invoke.Output{Stdout: "4\n"}, nil
	}
	return invoke.Output{}, errors.New("unexpected tool " + tool.Name)
}

func (f *fakeTools) attempts(dir string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.genCalls[dir]...)
}

func writeTopology(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("topology_%d", i)
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0644); err != nil {
			t.Fatalf("write topology: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "params_"+name), []byte("{}"), 0644); err != nil {
			t.Fatalf("write params: %v", err)
		}
	}
	return dir
}

func newRunner(tools invoke.Runner) *Runner {
	return &Runner{
		Generator: mapping.Generator{Runner: tools, Tool: genTool},
		Evaluator: mapping.Evaluator{Runner: tools, EvalTool: evalTool, MovementTool: moveTool},
	}
}

func testOptions(t *testing.T, snapshots int) Options {
	t.Helper()
	return Options{
		TopologyDir: writeTopology(t, snapshots),
		OutputDir:   filepath.Join(t.TempDir(), "out"),
		Versions:    []string{"3"},
		Workers:     1,
	}
}

func TestSweep_AllConverge(t *testing.T) {
	tools := newFakeTools()
	opts := testOptions(t, 3)

	report, err := newRunner(tools).Sweep(context.Background(), smallGrid(), opts)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if got := report.Count(PhaseGenerate, store.ScenarioConverged); got != 3 {
		t.Errorf("converged = %d, want 3", got)
	}
	if got := report.Count(PhaseEvaluate, store.ScenarioEvaluated); got != 3 {
		t.Errorf("evaluated = %d, want 3", got)
	}

	for _, name := range []string{"rdf-8-rd-3-tb-0.05", "rdf-16-rd-3-tb-0.05", "rdf-16-rd-4-tb-0.05"} {
		if _, err := os.Stat(filepath.Join(opts.OutputDir, name, "map-3-topology_3")); err != nil {
			t.Errorf("%s: last mapping missing: %v", name, err)
		}
		data, err := os.ReadFile(filepath.Join(opts.OutputDir, name+".csv"))
		if err != nil {
			t.Fatalf("%s: report missing: %v", name, err)
		}
		want := "1,5,2.0,0.5,0\n1,5,2.0,0.5,0,4\n1,5,2.0,0.5,0,4\n"
		if string(data) != want {
			t.Errorf("%s report = %q, want %q", name, data, want)
		}
	}
}

func TestSweep_NonConvergenceCleansUp(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			tools := newFakeTools()
			tools.fail["rdf-16-rd-3-tb-0.05"] = "topology_2"
			opts := testOptions(t, 3)
			opts.Workers = workers

			report, err := newRunner(tools).Sweep(context.Background(), smallGrid(), opts)
			if err != nil {
				t.Fatalf("Sweep() error = %v", err)
			}

			failedDir := filepath.Join(opts.OutputDir, "rdf-16-rd-3-tb-0.05")
			if _, err := os.Stat(failedDir); !os.IsNotExist(err) {
				t.Errorf("failed scenario directory still exists: %v", err)
			}
			if _, err := os.Stat(failedDir + ".csv"); !os.IsNotExist(err) {
				t.Errorf("failed scenario has a report: %v", err)
			}

			// No snapshot after the failing one was attempted.
			if diff := cmp.Diff([]string{"topology_1", "topology_2"}, tools.attempts("rdf-16-rd-3-tb-0.05")); diff != "" {
				t.Errorf("attempts mismatch (-want +got):\n%s", diff)
			}

			// Siblings are untouched.
			for _, name := range []string{"rdf-8-rd-3-tb-0.05", "rdf-16-rd-4-tb-0.05"} {
				if _, err := os.Stat(filepath.Join(opts.OutputDir, name+".csv")); err != nil {
					t.Errorf("%s report missing: %v", name, err)
				}
			}

			if got := report.Count(PhaseGenerate, store.ScenarioFailed); got != 1 {
				t.Errorf("failed = %d, want 1", got)
			}
			if got := report.Count(PhaseEvaluate, store.ScenarioSkipped); got != 1 {
				t.Errorf("skipped = %d, want 1", got)
			}

			var failed Outcome
			for _, o := range report.Outcomes {
				if o.Phase == PhaseGenerate && o.Status == store.ScenarioFailed {
					failed = o
				}
			}
			if failed.Kind != invoke.KindMissingArtifact || failed.FailedSnapshot != "topology_2" || failed.FailedVersion != "3" {
				t.Errorf("failed outcome = %+v", failed)
			}
			if !errors.Is(failed.Err, mapping.ErrNonConvergence) {
				t.Errorf("failed outcome error = %v, want ErrNonConvergence", failed.Err)
			}
		})
	}
}

func TestSweep_OutcomesInGridOrder(t *testing.T) {
	tools := newFakeTools()
	opts := testOptions(t, 2)
	opts.Workers = 3
	opts.SkipEvaluate = true

	report, err := newRunner(tools).Sweep(context.Background(), smallGrid(), opts)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	var got []string
	for _, o := range report.Outcomes {
		got = append(got, o.Scenario.Name())
	}
	want := []string{"rdf-8-rd-3-tb-0.05", "rdf-16-rd-3-tb-0.05", "rdf-16-rd-4-tb-0.05"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("outcome order mismatch (-want +got):\n%s", diff)
	}
	if tools.evalCalls != 0 {
		t.Errorf("evaluator ran %d times with evaluation skipped", tools.evalCalls)
	}
}

func TestSweep_SkipGenerateEvaluatesExisting(t *testing.T) {
	tools := newFakeTools()
	opts := testOptions(t, 2)

	// Only one scenario has mappings on disk.
	dir := filepath.Join(opts.OutputDir, "rdf-8-rd-3-tb-0.05")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	opts.SkipGenerate = true

	report, err := newRunner(tools).Sweep(context.Background(), smallGrid(), opts)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if got := report.Count(PhaseEvaluate, store.ScenarioEvaluated); got != 1 {
		t.Errorf("evaluated = %d, want 1", got)
	}
	if got := report.Count(PhaseEvaluate, store.ScenarioSkipped); got != 2 {
		t.Errorf("skipped = %d, want 2", got)
	}
	if len(tools.attempts("rdf-8-rd-3-tb-0.05")) != 0 {
		t.Error("generator ran with generation skipped")
	}
}

func TestSweep_LaunchFailureAborts(t *testing.T) {
	tools := newFakeTools()
	tools.launchErr = true
	opts := testOptions(t, 2)

	report, err := newRunner(tools).Sweep(context.Background(), smallGrid(), opts)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("Sweep() error = %v, want ErrAborted", err)
	}
	if len(report.Outcomes) != 1 {
		t.Errorf("expected the sweep to stop after the first scenario, got %d outcomes", len(report.Outcomes))
	}
	entries, _ := os.ReadDir(opts.OutputDir)
	if len(entries) != 0 {
		t.Errorf("output directory not empty after abort: %v", entries)
	}
}

func TestSweep_EvaluationFailureIsFatal(t *testing.T) {
	tools := newFakeTools()
	tools.evalErr = &invoke.ExitError{Tool: "evaluator", Code: 2, Stderr: "bad mapping"}
	opts := testOptions(t, 2)

	_, err := newRunner(tools).Sweep(context.Background(), smallGrid(), opts)
	var exitErr *invoke.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Sweep() error = %v, want *invoke.ExitError", err)
	}
	if _, statErr := os.Stat(filepath.Join(opts.OutputDir, "rdf-8-rd-3-tb-0.05.csv")); !os.IsNotExist(statErr) {
		t.Errorf("partial report written: %v", statErr)
	}
}

func TestSweep_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opts := testOptions(t, 2)
	_, err := newRunner(newFakeTools()).Sweep(ctx, smallGrid(), opts)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Sweep() error = %v, want context.Canceled", err)
	}
	entries, _ := os.ReadDir(opts.OutputDir)
	if len(entries) != 0 {
		t.Errorf("output directory not empty after cancel: %v", entries)
	}
}

func TestSweep_Validation(t *testing.T) {
	r := newRunner(newFakeTools())

	bad := smallGrid()
	bad.RDF.Step = 0
	if _, err := r.Sweep(context.Background(), bad, testOptions(t, 1)); err == nil {
		t.Error("expected error for invalid grid")
	}

	opts := testOptions(t, 1)
	opts.Versions = nil
	if _, err := r.Sweep(context.Background(), smallGrid(), opts); err == nil {
		t.Error("expected error without versions")
	}

	opts = testOptions(t, 1)
	opts.TopologyDir = t.TempDir()
	if _, err := r.Sweep(context.Background(), smallGrid(), opts); err == nil {
		t.Error("expected error for empty topology directory")
	}
}

func TestSweep_RecordsLedgerMetricsAndEvents(t *testing.T) {
	ctx := context.Background()
	tools := newFakeTools()
	tools.fail["rdf-16-rd-4-tb-0.05"] = "topology_1"
	opts := testOptions(t, 2)

	ledger, err := store.Open(filepath.Join(opts.OutputDir, "rdfsweep.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	defer ledger.Close()
	run, err := ledger.BeginRun(ctx, store.Run{Command: "sweep"})
	if err != nil {
		t.Fatalf("BeginRun() error = %v", err)
	}

	eventsPath := filepath.Join(opts.OutputDir, "rdfsweep-events.jsonl")
	events, err := logging.OpenEventLog(eventsPath, run.ID)
	if err != nil {
		t.Fatalf("OpenEventLog() error = %v", err)
	}

	m := metrics.New()
	r := newRunner(tools)
	r.Ledger = ledger
	r.Metrics = m
	r.Events = events
	r.RunID = run.ID

	if _, err := r.Sweep(ctx, smallGrid(), opts); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if err := events.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	recs, err := ledger.ListScenarios(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListScenarios() error = %v", err)
	}
	statuses := map[string]string{}
	for _, rec := range recs {
		statuses[rec.Scenario.Name()+"/"+rec.Phase] = rec.Status
	}
	want := map[string]string{
		"rdf-8-rd-3-tb-0.05/generate":  store.ScenarioConverged,
		"rdf-8-rd-3-tb-0.05/evaluate":  store.ScenarioEvaluated,
		"rdf-16-rd-3-tb-0.05/generate": store.ScenarioConverged,
		"rdf-16-rd-3-tb-0.05/evaluate": store.ScenarioEvaluated,
		"rdf-16-rd-4-tb-0.05/generate": store.ScenarioFailed,
		"rdf-16-rd-4-tb-0.05/evaluate": store.ScenarioSkipped,
	}
	if diff := cmp.Diff(want, statuses); diff != "" {
		t.Errorf("ledger statuses mismatch (-want +got):\n%s", diff)
	}

	steps, err := ledger.ListSteps(ctx, run.ID, "rdf-16-rd-4-tb-0.05")
	if err != nil {
		t.Fatalf("ListSteps() error = %v", err)
	}
	if len(steps) != 1 || steps[0].Kind != "missing_artifact" {
		t.Errorf("steps for failed scenario = %+v", steps)
	}

	promPath := filepath.Join(t.TempDir(), "rdfsweep.prom")
	if err := m.WriteTextfile(promPath); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	prom, _ := os.ReadFile(promPath)
	for _, want := range []string{
		`rdfsweep_scenario_outcomes_total{outcome="converged",phase="generate"} 2`,
		`rdfsweep_mapping_steps_total{kind="missing_artifact",phase="generate"} 1`,
		`rdfsweep_mapping_steps_total{kind="ok",phase="generate"} 4`,
	} {
		if !strings.Contains(string(prom), want) {
			t.Errorf("metrics missing %q:\n%s", want, prom)
		}
	}

	f, err := os.Open(eventsPath)
	if err != nil {
		t.Fatalf("open events: %v", err)
	}
	defer f.Close()
	counts := map[string]int{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad event line %q: %v", scanner.Text(), err)
		}
		if ev["run_id"] != run.ID {
			t.Errorf("event without run id: %v", ev)
		}
		counts[ev["event"].(string)]++
	}
	if counts["scenario"] != 6 {
		t.Errorf("scenario events = %d, want 6", counts["scenario"])
	}
	if counts["sweep_started"] != 1 {
		t.Errorf("sweep_started events = %d, want 1", counts["sweep_started"])
	}
}

func TestSweep_RerunDoesNotReuseStaleMappings(t *testing.T) {
	opts := testOptions(t, 3)
	name := "rdf-16-rd-3-tb-0.05"
	dir := filepath.Join(opts.OutputDir, name)

	// A previous sweep into the same output left mappings and a report.
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, p := range []string{
		filepath.Join(dir, "map-3-topology_2"),
		filepath.Join(dir, "map-3-topology_3"),
		filepath.Join(opts.OutputDir, name+".csv"),
	} {
		if err := os.WriteFile(p, []byte("old\n"), 0644); err != nil {
			t.Fatalf("write stale file: %v", err)
		}
	}

	tools := newFakeTools()
	tools.fail[name] = "topology_2"
	report, err := newRunner(tools).Sweep(context.Background(), smallGrid(), opts)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}

	if got := report.Count(PhaseGenerate, store.ScenarioFailed); got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}
	if got := report.Count(PhaseGenerate, store.ScenarioConverged); got != 2 {
		t.Errorf("converged = %d, want 2", got)
	}
	if diff := cmp.Diff([]string{"topology_1", "topology_2"}, tools.attempts(name)); diff != "" {
		t.Errorf("attempts mismatch (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("non-converging scenario directory kept: %v", err)
	}
	if _, err := os.Stat(filepath.Join(opts.OutputDir, name+".csv")); !os.IsNotExist(err) {
		t.Errorf("stale report kept: %v", err)
	}
}

func TestGenerateSingle(t *testing.T) {
	s := scenario.Scenario{RDF: 10, RD: 8, TB: 0.25}

	t.Run("success writes into output", func(t *testing.T) {
		opts := testOptions(t, 2)
		out, err := newRunner(newFakeTools()).GenerateSingle(context.Background(), s, opts)
		if err != nil {
			t.Fatalf("GenerateSingle() error = %v", err)
		}
		if out.Status != store.ScenarioConverged {
			t.Errorf("Status = %q", out.Status)
		}
		for _, name := range []string{"map-3-topology_1", "map-3-topology_2", "rdfmap-topology_2"} {
			if _, err := os.Stat(filepath.Join(opts.OutputDir, name)); err != nil {
				t.Errorf("%s missing: %v", name, err)
			}
		}
	})

	t.Run("failure removes what it wrote", func(t *testing.T) {
		tools := newFakeTools()
		opts := testOptions(t, 3)
		tools.fail[filepath.Base(opts.OutputDir)] = "topology_2"

		if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		keep := filepath.Join(opts.OutputDir, "notes.txt")
		if err := os.WriteFile(keep, []byte("keep"), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}

		out, err := newRunner(tools).GenerateSingle(context.Background(), s, opts)
		if !errors.Is(err, mapping.ErrNonConvergence) {
			t.Fatalf("GenerateSingle() error = %v, want ErrNonConvergence", err)
		}
		if out.FailedSnapshot != "topology_2" {
			t.Errorf("FailedSnapshot = %q", out.FailedSnapshot)
		}

		entries, err := os.ReadDir(opts.OutputDir)
		if err != nil {
			t.Fatalf("read output: %v", err)
		}
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		if diff := cmp.Diff([]string{"notes.txt"}, names); diff != "" {
			t.Errorf("output after failure mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("stale files from an earlier run", func(t *testing.T) {
		tools := newFakeTools()
		opts := testOptions(t, 3)
		tools.fail[filepath.Base(opts.OutputDir)] = "topology_2"

		if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		for _, name := range []string{"map-3-topology_2", "map-3-topology_3", "rdfmap-topology_3"} {
			if err := os.WriteFile(filepath.Join(opts.OutputDir, name), []byte("old\n"), 0644); err != nil {
				t.Fatalf("write stale file: %v", err)
			}
		}

		_, err := newRunner(tools).GenerateSingle(context.Background(), s, opts)
		if !errors.Is(err, mapping.ErrNonConvergence) {
			t.Fatalf("GenerateSingle() error = %v, want ErrNonConvergence", err)
		}

		entries, err := os.ReadDir(opts.OutputDir)
		if err != nil {
			t.Fatalf("read output: %v", err)
		}
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		// Steps after the failing one never ran, so their files are not ours to remove.
		if diff := cmp.Diff([]string{"map-3-topology_3", "rdfmap-topology_3"}, names); diff != "" {
			t.Errorf("output after failure mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestEvaluateSingle(t *testing.T) {
	opts := testOptions(t, 3)
	s := scenario.Scenario{RDF: 10, RD: 8, TB: 0.25}
	r := newRunner(newFakeTools())

	if _, err := r.GenerateSingle(context.Background(), s, opts); err != nil {
		t.Fatalf("GenerateSingle() error = %v", err)
	}
	out, err := r.EvaluateSingle(context.Background(), s, opts)
	if err != nil {
		t.Fatalf("EvaluateSingle() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(opts.OutputDir, "result.csv"))
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("result has %d lines, want 3: %q", len(lines), data)
	}
	if strings.Count(lines[0], ",") != 4 || strings.Count(lines[1], ",") != 5 {
		t.Errorf("unexpected report shape: %q", lines)
	}
	if out.Path != filepath.Join(opts.OutputDir, "result.csv") {
		t.Errorf("Path = %q", out.Path)
	}
}
