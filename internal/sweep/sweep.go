// Package sweep runs mapping generation and evaluation over every scenario
// of a parameter grid.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nvandessel/rdfsweep/internal/invoke"
	"github.com/nvandessel/rdfsweep/internal/logging"
	"github.com/nvandessel/rdfsweep/internal/mapping"
	"github.com/nvandessel/rdfsweep/internal/metrics"
	"github.com/nvandessel/rdfsweep/internal/pathutil"
	"github.com/nvandessel/rdfsweep/internal/scenario"
	"github.com/nvandessel/rdfsweep/internal/store"
	"github.com/nvandessel/rdfsweep/internal/topology"
	"golang.org/x/sync/errgroup"
)

// Phases of a scenario.
const (
	PhaseGenerate = "generate"
	PhaseEvaluate = "evaluate"
)

// Options select what a sweep does.
type Options struct {
	TopologyDir string
	OutputDir   string
	Versions    []string

	// Workers bounds how many scenarios run at once; values below 1 mean 1.
	Workers int

	SkipGenerate bool
	SkipEvaluate bool
}

// Outcome is what happened to one scenario in one phase.
type Outcome struct {
	Scenario scenario.Scenario  `json:"scenario"`
	Phase    string             `json:"phase"`
	Status   string             `json:"status"`
	Kind     invoke.FailureKind `json:"-"`
	Err      error              `json:"-"`

	// Path is the scenario directory for generation and the report file
	// for evaluation.
	Path string `json:"path,omitempty"`

	// FailedVersion and FailedSnapshot locate a generation failure.
	FailedVersion  string `json:"failed_version,omitempty"`
	FailedSnapshot string `json:"failed_snapshot,omitempty"`
}

// Report summarizes a sweep.
type Report struct {
	RunID    string    `json:"run_id"`
	Outcomes []Outcome `json:"outcomes"`
}

// Count returns how many outcomes of phase have status.
func (r *Report) Count(phase, status string) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Phase == phase && o.Status == status {
			n++
		}
	}
	return n
}

// ErrAborted is wrapped by the error Sweep returns when a failure that
// every remaining scenario would share stopped the sweep early.
var ErrAborted = errors.New("sweep aborted")

// Runner drives the generator and evaluator across a grid. Ledger, Metrics
// and Events are optional.
type Runner struct {
	Generator mapping.Generator
	Evaluator mapping.Evaluator

	Ledger  *store.Ledger
	Metrics *metrics.Metrics
	Events  *logging.EventLog
	Logger  *slog.Logger

	// RunID tags ledger rows and events. It must name a run already begun
	// in the ledger when Ledger is set.
	RunID string
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return logging.Discard()
	}
	return r.Logger
}

// Sweep generates and then evaluates every scenario of grid. A scenario
// that fails to generate is cleaned up and recorded; its siblings go on.
// The returned error is non-nil only when the sweep could not finish: the
// topology could not be read, the context was canceled, a tool could not
// be launched at all, or an evaluation failed.
func (r *Runner) Sweep(ctx context.Context, grid scenario.Grid, opts Options) (*Report, error) {
	if err := grid.Validate(); err != nil {
		return nil, fmt.Errorf("invalid grid: %w", err)
	}
	if len(opts.Versions) == 0 {
		return nil, fmt.Errorf("no algorithm versions given")
	}

	series, err := topology.Discover(opts.TopologyDir)
	if err != nil {
		return nil, err
	}
	if missing := series.MissingParams(); len(missing) > 0 {
		r.logger().Warn("topology snapshots without params files", "count", len(missing), "first", missing[0].ParamsPath)
	}

	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	var scenarios []scenario.Scenario
	for s := range grid.All() {
		scenarios = append(scenarios, s)
	}

	r.logger().Info("starting sweep", "scenarios", len(scenarios), "snapshots", series.Len(),
		"versions", len(opts.Versions), "workers", max(opts.Workers, 1))
	r.Events.Log("sweep_started", map[string]any{
		"scenarios": len(scenarios),
		"snapshots": series.Len(),
		"versions":  opts.Versions,
	})

	report := &Report{RunID: r.RunID}

	if !opts.SkipGenerate {
		outcomes, err := r.forEach(ctx, scenarios, opts.Workers, func(ctx context.Context, s scenario.Scenario) (Outcome, error) {
			return r.generateScenario(ctx, series, s, opts)
		})
		report.Outcomes = append(report.Outcomes, outcomes...)
		if err != nil {
			return report, err
		}
	}

	if !opts.SkipEvaluate {
		outcomes, err := r.forEach(ctx, scenarios, opts.Workers, func(ctx context.Context, s scenario.Scenario) (Outcome, error) {
			return r.evaluateScenario(ctx, series, s, opts)
		})
		report.Outcomes = append(report.Outcomes, outcomes...)
		if err != nil {
			return report, err
		}
	}

	r.logger().Info("sweep finished",
		"converged", report.Count(PhaseGenerate, store.ScenarioConverged),
		"failed", report.Count(PhaseGenerate, store.ScenarioFailed),
		"evaluated", report.Count(PhaseEvaluate, store.ScenarioEvaluated),
		"skipped", report.Count(PhaseEvaluate, store.ScenarioSkipped))

	return report, nil
}

// forEach runs fn over scenarios on a bounded pool and returns the
// outcomes of the scenarios that ran, in grid order. fn returns an error
// only to stop the whole pool.
func (r *Runner) forEach(ctx context.Context, scenarios []scenario.Scenario, workers int,
	fn func(context.Context, scenario.Scenario) (Outcome, error),
) ([]Outcome, error) {
	results := make([]*Outcome, len(scenarios))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i, s := range scenarios {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			out, err := fn(gctx, s)
			results[i] = &out
			r.record(gctx, out)
			return err
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	var outcomes []Outcome
	for _, o := range results {
		if o != nil {
			outcomes = append(outcomes, *o)
		}
	}
	return outcomes, err
}

func (r *Runner) generateScenario(ctx context.Context, series *topology.Series, s scenario.Scenario, opts Options) (Outcome, error) {
	out := Outcome{Scenario: s, Phase: PhaseGenerate}

	dir, err := pathutil.ScenarioDir(opts.OutputDir, s.Name())
	if err != nil {
		return r.fail(out, invoke.KindLaunch, err), fmt.Errorf("%w: %v", ErrAborted, err)
	}
	out.Path = dir

	// Mappings and reports from an earlier sweep into the same output are
	// replaced, never reused.
	if err := r.clearScenario(opts.OutputDir, dir, s); err != nil {
		return r.fail(out, invoke.KindLaunch, err), fmt.Errorf("%w: %v", ErrAborted, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return r.fail(out, invoke.KindLaunch, err), fmt.Errorf("%w: creating %s: %v", ErrAborted, pathutil.RedactPath(dir), err)
	}

	gen := r.Generator
	gen.Logger = r.logger()
	gen.OnStep = r.observeStep(ctx, s)

	start := time.Now()
	genErr := gen.Generate(ctx, opts.Versions, series, s, dir)
	if genErr == nil {
		out.Status = store.ScenarioConverged
		r.logger().Info("scenario converged", "scenario", s.Name(), "duration", time.Since(start))
		return out, nil
	}

	// A scenario directory holds mappings for every step or does not exist.
	if err := pathutil.RemoveScenarioDir(opts.OutputDir, dir); err != nil {
		r.logger().Error("cleanup failed", "scenario", s.Name(), "error", err)
	}

	kind := invoke.Classify(genErr)
	var stepErr *mapping.StepError
	if errors.As(genErr, &stepErr) {
		kind = stepErr.Kind
		out.FailedVersion = stepErr.Version
		out.FailedSnapshot = stepErr.Snapshot
	}
	out = r.fail(out, kind, genErr)

	switch {
	case errors.Is(genErr, mapping.ErrNonConvergence):
		r.logger().Info("scenario did not converge", "scenario", s.Name(),
			"version", out.FailedVersion, "snapshot", out.FailedSnapshot, "kind", kind)
		return out, nil
	case kind == invoke.KindCanceled:
		return out, genErr
	default:
		return out, fmt.Errorf("%w: %s: %v", ErrAborted, s.Name(), genErr)
	}
}

func (r *Runner) clearScenario(outputDir, dir string, s scenario.Scenario) error {
	if _, err := os.Stat(dir); err == nil {
		r.logger().Info("replacing existing scenario directory", "scenario", s.Name())
		if err := pathutil.RemoveScenarioDir(outputDir, dir); err != nil {
			return err
		}
	}
	return invoke.RemoveStale(filepath.Join(outputDir, s.FileName()))
}

func (r *Runner) evaluateScenario(ctx context.Context, series *topology.Series, s scenario.Scenario, opts Options) (Outcome, error) {
	out := Outcome{Scenario: s, Phase: PhaseEvaluate}

	dir, err := pathutil.ScenarioDir(opts.OutputDir, s.Name())
	if err != nil {
		return r.fail(out, invoke.KindLaunch, err), fmt.Errorf("%w: %v", ErrAborted, err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		out.Status = store.ScenarioSkipped
		r.logger().Debug("skipping evaluation, no mappings", "scenario", s.Name())
		return out, nil
	}

	eval := r.Evaluator
	eval.Logger = r.logger()
	eval.OnStep = r.observeStep(ctx, s)

	text, evalErr := eval.Evaluate(ctx, opts.Versions, series, dir)
	if evalErr != nil {
		out = r.fail(out, invoke.Classify(evalErr), evalErr)
		var stepErr *mapping.StepError
		if errors.As(evalErr, &stepErr) {
			out.Kind = stepErr.Kind
			out.FailedVersion = stepErr.Version
			out.FailedSnapshot = stepErr.Snapshot
		}
		return out, fmt.Errorf("evaluating %s: %w", s.Name(), evalErr)
	}

	path := filepath.Join(opts.OutputDir, s.FileName())
	if err := writeReport(path, text); err != nil {
		return r.fail(out, invoke.KindNone, err), err
	}
	out.Status = store.ScenarioEvaluated
	out.Path = path
	return out, nil
}

func (r *Runner) fail(out Outcome, kind invoke.FailureKind, err error) Outcome {
	out.Status = store.ScenarioFailed
	out.Kind = kind
	out.Err = err
	return out
}

// writeReport writes text to path through a temporary file so a report
// is either complete or absent.
func writeReport(path, text string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}
