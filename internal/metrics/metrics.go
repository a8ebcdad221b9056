// Package metrics counts tool invocations and scenario outcomes of a sweep
// and exports them in the Prometheus text format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nvandessel/rdfsweep/internal/invoke"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rdfsweep"

// Metrics holds the sweep collectors on a private registry. A nil *Metrics
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// invocations counts external tool runs by process outcome. A run that
	// exits cleanly without writing its artifact counts as ok here.
	// Labels: tool, kind (ok, timeout, launch, exit, canceled)
	invocations *prometheus.CounterVec

	// steps counts generation and evaluation steps by artifact outcome.
	// Labels: phase (generate, evaluate, movement), kind (ok, missing_artifact, timeout, launch, exit, canceled)
	steps *prometheus.CounterVec

	// invocationDuration measures external tool wall time.
	// Labels: tool
	invocationDuration *prometheus.HistogramVec

	// scenarios counts scenario phase outcomes.
	// Labels: phase (generate, evaluate), outcome (converged, failed, evaluated, skipped)
	scenarios *prometheus.CounterVec

	// aggregatedRows counts report rows summed by aggregation.
	aggregatedRows prometheus.Counter
}

// New returns Metrics registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "invocations_total",
			Help:      "External tool invocations by tool and outcome",
		}, []string{"tool", "kind"}),
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mapping",
			Name:      "steps_total",
			Help:      "Mapping generation and evaluation steps by outcome",
		}, []string{"phase", "kind"}),
		invocationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "duration_seconds",
			Help:      "External tool wall time in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27min
		}, []string{"tool"}),
		scenarios: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scenario",
			Name:      "outcomes_total",
			Help:      "Scenario phase outcomes",
		}, []string{"phase", "outcome"}),
		aggregatedRows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregate",
			Name:      "rows_total",
			Help:      "Report rows summed by aggregation",
		}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveInvocation records one tool run.
func (m *Metrics) ObserveInvocation(tool string, kind invoke.FailureKind, d time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(tool, kind.String()).Inc()
	m.invocationDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ObserveStep records one mapping step. Unlike ObserveInvocation, kind
// reflects whether the step's artifact was produced.
func (m *Metrics) ObserveStep(phase string, kind invoke.FailureKind) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(phase, kind.String()).Inc()
}

// ScenarioOutcome records the outcome of one scenario phase.
func (m *Metrics) ScenarioOutcome(phase, outcome string) {
	if m == nil {
		return
	}
	m.scenarios.WithLabelValues(phase, outcome).Inc()
}

// AggregatedRows adds n summed report rows.
func (m *Metrics) AggregatedRows(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.aggregatedRows.Add(float64(n))
}

// WriteTextfile writes every collected metric to path in the text
// exposition format, for the node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return errors.New("metrics are disabled")
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}

// instrumentedRunner records every Run on a Metrics.
type instrumentedRunner struct {
	next    invoke.Runner
	metrics *Metrics
}

// InstrumentRunner wraps r so every invocation is counted and timed under
// the tool's name. A nil m returns r unchanged.
func InstrumentRunner(r invoke.Runner, m *Metrics) invoke.Runner {
	if m == nil {
		return r
	}
	return &instrumentedRunner{next: r, metrics: m}
}

func (r *instrumentedRunner) Run(ctx context.Context, tool invoke.Tool, args ...string) (invoke.Output, error) {
	start := time.Now()
	out, err := r.next.Run(ctx, tool, args...)
	d := out.Duration
	if d == 0 {
		d = time.Since(start)
	}
	r.metrics.ObserveInvocation(tool.Name, invoke.Classify(err), d)
	return out, err
}
