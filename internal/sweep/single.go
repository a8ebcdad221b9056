package sweep

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nvandessel/rdfsweep/internal/constants"
	"github.com/nvandessel/rdfsweep/internal/invoke"
	"github.com/nvandessel/rdfsweep/internal/mapping"
	"github.com/nvandessel/rdfsweep/internal/pathutil"
	"github.com/nvandessel/rdfsweep/internal/scenario"
	"github.com/nvandessel/rdfsweep/internal/store"
	"github.com/nvandessel/rdfsweep/internal/topology"
)

// GenerateSingle generates mappings for one scenario directly into
// opts.OutputDir. On failure the mappings and rdf maps this call wrote are
// removed and the error is returned; the output directory itself is kept.
func (r *Runner) GenerateSingle(ctx context.Context, s scenario.Scenario, opts Options) (Outcome, error) {
	out := Outcome{Scenario: s, Phase: PhaseGenerate, Path: opts.OutputDir}

	if len(opts.Versions) == 0 {
		return out, fmt.Errorf("no algorithm versions given")
	}
	series, err := topology.Discover(opts.TopologyDir)
	if err != nil {
		return out, err
	}
	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return out, fmt.Errorf("creating output directory: %w", err)
	}

	var (
		mu      sync.Mutex
		written []string
	)
	observe := r.observeStep(ctx, s)

	gen := r.Generator
	gen.Logger = r.logger()
	gen.OnStep = func(step mapping.Step) {
		observe(step)
		mu.Lock()
		defer mu.Unlock()
		for _, p := range []string{step.Mapping, step.Derived} {
			if _, err := os.Stat(p); err == nil {
				written = append(written, p)
			}
		}
	}

	genErr := gen.Generate(ctx, opts.Versions, series, s, opts.OutputDir)
	if genErr == nil {
		out.Status = store.ScenarioConverged
		r.record(ctx, out)
		return out, nil
	}

	mu.Lock()
	for _, p := range written {
		if err := pathutil.Within(opts.OutputDir, p); err != nil {
			r.logger().Error("not removing artifact", "path", pathutil.RedactPath(p), "error", err)
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger().Warn("failed to remove artifact", "path", pathutil.RedactPath(p), "error", err)
		}
	}
	mu.Unlock()

	kind := invoke.Classify(genErr)
	var stepErr *mapping.StepError
	if errors.As(genErr, &stepErr) {
		kind = stepErr.Kind
		out.FailedVersion = stepErr.Version
		out.FailedSnapshot = stepErr.Snapshot
	}
	out = r.fail(out, kind, genErr)
	r.record(ctx, out)
	return out, fmt.Errorf("generating %s: %w", s.Name(), genErr)
}

// EvaluateSingle evaluates the mappings in opts.OutputDir and writes the
// report to result.csv there. s only labels the ledger and events.
func (r *Runner) EvaluateSingle(ctx context.Context, s scenario.Scenario, opts Options) (Outcome, error) {
	out := Outcome{Scenario: s, Phase: PhaseEvaluate}

	if len(opts.Versions) == 0 {
		return out, fmt.Errorf("no algorithm versions given")
	}
	series, err := topology.Discover(opts.TopologyDir)
	if err != nil {
		return out, err
	}

	eval := r.Evaluator
	eval.Logger = r.logger()
	eval.OnStep = r.observeStep(ctx, s)

	text, evalErr := eval.Evaluate(ctx, opts.Versions, series, opts.OutputDir)
	if evalErr != nil {
		out = r.fail(out, invoke.Classify(evalErr), evalErr)
		var stepErr *mapping.StepError
		if errors.As(evalErr, &stepErr) {
			out.Kind = stepErr.Kind
			out.FailedVersion = stepErr.Version
			out.FailedSnapshot = stepErr.Snapshot
		}
		r.record(ctx, out)
		return out, fmt.Errorf("evaluating %s: %w", pathutil.RedactPath(opts.OutputDir), evalErr)
	}

	path := filepath.Join(opts.OutputDir, constants.SingleResultFile)
	if err := writeReport(path, text); err != nil {
		out = r.fail(out, invoke.KindNone, err)
		r.record(ctx, out)
		return out, err
	}
	out.Status = store.ScenarioEvaluated
	out.Path = path
	r.record(ctx, out)
	return out, nil
}
