package sweep

import (
	"context"

	"github.com/nvandessel/rdfsweep/internal/invoke"
	"github.com/nvandessel/rdfsweep/internal/mapping"
	"github.com/nvandessel/rdfsweep/internal/scenario"
	"github.com/nvandessel/rdfsweep/internal/store"
)

// observeStep returns the OnStep hook for one scenario. It writes the step
// to the metrics, the ledger and the event log.
func (r *Runner) observeStep(ctx context.Context, s scenario.Scenario) func(mapping.Step) {
	name := s.Name()
	return func(step mapping.Step) {
		r.Metrics.ObserveStep(step.Phase, step.Result.Kind)

		fields := map[string]any{
			"scenario": name,
			"phase":    step.Phase,
			"version":  step.Version,
			"snapshot": step.Snapshot.Name,
			"kind":     step.Result.Kind.String(),
			"duration": step.Result.Output.Duration.String(),
		}
		if step.Result.Err != nil {
			fields["error"] = step.Result.Err.Error()
		}
		r.Events.Log("step", fields)

		if r.Ledger == nil {
			return
		}
		// The step already ran; record it even if the sweep is being canceled.
		err := r.Ledger.RecordStep(context.WithoutCancel(ctx), store.StepRecord{
			RunID:    r.RunID,
			Scenario: name,
			Phase:    step.Phase,
			Version:  step.Version,
			Snapshot: step.Snapshot.Name,
			Kind:     step.Result.Kind.String(),
			ExitCode: step.Result.Output.ExitCode,
			Duration: step.Result.Output.Duration,
		})
		if err != nil {
			r.logger().Warn("failed to record step", "scenario", name, "error", err)
		}
	}
}

// record writes a scenario outcome to the ledger, metrics and event log.
func (r *Runner) record(ctx context.Context, out Outcome) {
	r.Metrics.ScenarioOutcome(out.Phase, out.Status)

	fields := map[string]any{
		"scenario": out.Scenario.Name(),
		"phase":    out.Phase,
		"status":   out.Status,
	}
	if out.Kind != invoke.KindNone {
		fields["kind"] = out.Kind.String()
	}
	if out.FailedSnapshot != "" {
		fields["failed_version"] = out.FailedVersion
		fields["failed_snapshot"] = out.FailedSnapshot
	}
	if out.Err != nil {
		fields["error"] = out.Err.Error()
	}
	r.Events.Log("scenario", fields)

	if r.Ledger == nil {
		return
	}
	rec := store.ScenarioRecord{
		RunID:          r.RunID,
		Scenario:       out.Scenario,
		Phase:          out.Phase,
		Status:         out.Status,
		FailedVersion:  out.FailedVersion,
		FailedSnapshot: out.FailedSnapshot,
	}
	if out.Kind != invoke.KindNone {
		rec.FailureKind = out.Kind.String()
	}
	if out.Err != nil {
		rec.Error = out.Err.Error()
	}
	if err := r.Ledger.RecordScenario(context.WithoutCancel(ctx), rec); err != nil {
		r.logger().Warn("failed to record scenario", "scenario", out.Scenario.Name(), "error", err)
	}
}
