package mapping

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nvandessel/rdfsweep/internal/invoke"
	"github.com/nvandessel/rdfsweep/internal/logging"
	"github.com/nvandessel/rdfsweep/internal/topology"
)

// Evaluator runs the external evaluator and movement calculator over the
// mappings a Generator left in a scenario's working directory.
type Evaluator struct {
	Runner       invoke.Runner
	EvalTool     invoke.Tool
	MovementTool invoke.Tool
	Logger       *slog.Logger

	// OnStep, when set, is called after every invocation.
	OnStep func(Step)
}

// Evaluate returns one report line per (version, snapshot), in version-major
// order. A line is the evaluator's output for the snapshot; from the second
// snapshot on, the movement between the previous and current mapping of the
// same version is appended after a comma.
//
// Any failed invocation is returned as an error; no partial report is
// returned with it.
func (e *Evaluator) Evaluate(ctx context.Context, versions []string, series *topology.Series, workdir string) (string, error) {
	logger := e.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	var report strings.Builder
	for _, version := range versions {
		for i, snap := range series.Snapshots() {
			mapping := MappingPath(workdir, version, snap)
			derived := DerivedPath(workdir, snap)

			logger.Debug("evaluating mapping", "workdir", workdir, "version", version, "snapshot", snap.Name)
			line, err := e.run(ctx, "evaluate", e.EvalTool, version, snap, mapping, derived, snap.Path, mapping, derived)
			if err != nil {
				return "", err
			}

			if prev, ok := series.Previous(i); ok {
				prevMapping := MappingPath(workdir, version, prev)
				moved, err := e.run(ctx, "movement", e.MovementTool, version, snap, mapping, derived, prevMapping, mapping)
				if err != nil {
					return "", err
				}
				line += "," + moved
			}

			report.WriteString(line)
			report.WriteByte('\n')
		}
	}

	return report.String(), nil
}

func (e *Evaluator) run(ctx context.Context, phase string, tool invoke.Tool, version string, snap topology.Snapshot, mapping, derived string, args ...string) (string, error) {
	out, err := e.Runner.Run(ctx, tool, args...)
	if e.OnStep != nil {
		res := invoke.Result{Output: out, Kind: invoke.Classify(err), Err: err}
		e.OnStep(Step{Phase: phase, Version: version, Snapshot: snap, Mapping: mapping, Derived: derived, Result: res})
	}
	if err != nil {
		return "", &StepError{Kind: invoke.Classify(err), Version: version, Snapshot: snap.Name, Err: fmt.Errorf("%s: %w", phase, err)}
	}
	return strings.TrimSpace(out.Stdout), nil
}
