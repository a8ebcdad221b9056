package mapping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nvandessel/rdfsweep/internal/invoke"
	"github.com/nvandessel/rdfsweep/internal/logging"
	"github.com/nvandessel/rdfsweep/internal/scenario"
	"github.com/nvandessel/rdfsweep/internal/topology"
)

// ErrNonConvergence matches a StepError whose generator run produced no
// mapping, either because the tool gave up or because it timed out.
var ErrNonConvergence = errors.New("mapping generation did not converge")

// Rack diversity argument modes.
const (
	// RackDiversityRD passes the scenario's rack diversity unchanged.
	RackDiversityRD = "rd"

	// RackDiversityRatio passes rdf/rd+1, the per-rack bound the grid
	// deduplicates on.
	RackDiversityRatio = "ratio"
)

// StepError reports the (version, snapshot) step at which a scenario failed.
type StepError struct {
	Kind     invoke.FailureKind
	Version  string
	Snapshot string
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("version %s, snapshot %s: %s: %v", e.Version, e.Snapshot, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Is reports whether the step failed by not converging.
func (e *StepError) Is(target error) bool {
	return target == ErrNonConvergence &&
		(e.Kind == invoke.KindMissingArtifact || e.Kind == invoke.KindTimeout)
}

// Step describes one generator or evaluator invocation. It is passed to
// observers after the invocation completes.
type Step struct {
	Phase       string
	Version     string
	Snapshot    topology.Snapshot
	Mapping     string
	Derived     string
	PrevDerived string
	Result      invoke.Result
}

// Generator runs the external mapping generator over a topology series.
type Generator struct {
	Runner invoke.Runner
	Tool   invoke.Tool

	// TrackCapacity is passed to the generator as its replica capacity
	// tracking flag.
	TrackCapacity bool

	// RackDiversityArg selects what is passed as rack diversity:
	// RackDiversityRD (default) or RackDiversityRatio.
	RackDiversityArg string

	// MigrationMap, when set, is appended as an extra argument.
	MigrationMap string

	Logger *slog.Logger

	// OnStep, when set, is called after every invocation.
	OnStep func(Step)
}

// Generate produces a mapping for every (version, snapshot) pair, in
// version-major order. Each snapshot's generator call receives the rdf map
// written by the previous snapshot's call, or "null" for the first.
//
// The first step that yields no mapping aborts the whole operation and is
// returned as a *StepError. Cleaning up workdir is the caller's job.
func (g *Generator) Generate(ctx context.Context, versions []string, series *topology.Series, s scenario.Scenario, workdir string) error {
	logger := g.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.With("scenario", s.Name())

	rackDiversity, err := g.rackDiversity(s)
	if err != nil {
		return err
	}

	for _, version := range versions {
		for i, snap := range series.Snapshots() {
			if err := ctx.Err(); err != nil {
				return err
			}

			step := Step{
				Phase:       "generate",
				Version:     version,
				Snapshot:    snap,
				Mapping:     MappingPath(workdir, version, snap),
				Derived:     DerivedPath(workdir, snap),
				PrevDerived: PreviousDerivedPath(workdir, series, i),
			}

			args := []string{
				version,
				snap.Path,
				snap.ParamsPath,
				step.Mapping,
				strconv.Itoa(s.RDF),
				scenario.FormatTB(s.TB),
				strconv.Itoa(rackDiversity),
				strconv.FormatBool(g.TrackCapacity),
				step.Derived,
				step.PrevDerived,
			}
			if g.MigrationMap != "" {
				args = append(args, g.MigrationMap)
			}

			logger.Debug("generating mapping", "version", version, "snapshot", snap.Name, "index", i)
			if err := invoke.RemoveStale(step.Derived); err != nil {
				step.Result = invoke.Result{Kind: invoke.KindLaunch, Err: err}
			} else {
				step.Result = invoke.Produce(ctx, g.Runner, g.Tool, step.Mapping, args...)
			}
			if g.OnStep != nil {
				g.OnStep(step)
			}

			if !step.Result.OK() {
				logger.Info("generation failed", "version", version, "snapshot", snap.Name,
					"kind", step.Result.Kind, "error", step.Result.Err)
				return &StepError{
					Kind:     step.Result.Kind,
					Version:  version,
					Snapshot: snap.Name,
					Err:      step.Result.Err,
				}
			}
		}
	}

	return nil
}

func (g *Generator) rackDiversity(s scenario.Scenario) (int, error) {
	switch g.RackDiversityArg {
	case "", RackDiversityRD:
		return s.RD, nil
	case RackDiversityRatio:
		return s.Ratio(), nil
	default:
		return 0, fmt.Errorf("unknown rack diversity argument mode %q", g.RackDiversityArg)
	}
}
