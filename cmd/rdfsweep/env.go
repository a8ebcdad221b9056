package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nvandessel/rdfsweep/internal/config"
	"github.com/nvandessel/rdfsweep/internal/constants"
	"github.com/nvandessel/rdfsweep/internal/invoke"
	"github.com/nvandessel/rdfsweep/internal/logging"
	"github.com/nvandessel/rdfsweep/internal/mapping"
	"github.com/nvandessel/rdfsweep/internal/metrics"
	"github.com/nvandessel/rdfsweep/internal/pathutil"
	"github.com/nvandessel/rdfsweep/internal/store"
	"github.com/nvandessel/rdfsweep/internal/sweep"
)

// loadConfig loads the effective configuration for cmd: defaults, the
// config file, environment overrides, then the --log-level flag.
func loadConfig(cmd *cobra.Command) (*config.SweepConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// session holds the per-invocation ledger, event log and metrics. Every
// part is optional and nil when disabled.
type session struct {
	cfg     *config.SweepConfig
	logger  *slog.Logger
	ledger  *store.Ledger
	events  *logging.EventLog
	metrics *metrics.Metrics
	run     store.Run
}

// openSession starts a run named command rooted at outputDir. The ledger
// and event log live in outputDir unless the config names a ledger path.
func openSession(ctx context.Context, cfg *config.SweepConfig, command, topologyDir, outputDir string) (*session, error) {
	s := &session{
		cfg:     cfg,
		logger:  logging.NewLogger(cfg.Logging.Level, os.Stderr),
		metrics: metrics.New(),
		run: store.Run{
			Command:     command,
			TopologyDir: topologyDir,
			OutputDir:   outputDir,
		},
	}

	if cfg.Store.Enabled {
		path := cfg.Store.Path
		if path == "" {
			path = filepath.Join(outputDir, constants.LedgerFile)
		}
		ledger, err := store.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening ledger: %w", err)
		}
		s.ledger = ledger

		snapshot, err := json.Marshal(cfg)
		if err != nil {
			ledger.Close()
			return nil, fmt.Errorf("encoding config snapshot: %w", err)
		}
		s.run.Config = string(snapshot)

		run, err := ledger.BeginRun(ctx, s.run)
		if err != nil {
			ledger.Close()
			return nil, err
		}
		s.run = run
	}

	if cfg.Logging.Events {
		events, err := logging.OpenEventLog(filepath.Join(outputDir, constants.EventLogFile), s.run.ID)
		if err != nil {
			s.logger.Warn("event log disabled", "error", err)
		} else {
			s.events = events
		}
	}

	s.logger = s.logger.With("command", command)
	if s.run.ID != "" {
		s.logger = s.logger.With("run_id", s.run.ID)
	}
	s.logger.Debug("session opened", "output", pathutil.RedactPath(outputDir), "ledger", s.ledger != nil)
	return s, nil
}

// runner builds a sweep runner wired to the session's tools and sinks.
func (s *session) runner() *sweep.Runner {
	exec := invoke.NewExecRunner(s.cfg.Invoke.Dir, s.cfg.Invoke.Timeout, s.cfg.Invoke.Retries, s.logger)
	tools := metrics.InstrumentRunner(exec, s.metrics)

	return &sweep.Runner{
		Generator: mapping.Generator{
			Runner:           tools,
			Tool:             s.cfg.Tools.Generator,
			TrackCapacity:    s.cfg.Generator.TrackCapacity,
			RackDiversityArg: s.cfg.Generator.RackDiversityArg,
			MigrationMap:     s.cfg.Generator.MigrationMap,
		},
		Evaluator: mapping.Evaluator{
			Runner:       tools,
			EvalTool:     s.cfg.Tools.Evaluator,
			MovementTool: s.cfg.Tools.Movement,
		},
		Ledger:  s.ledger,
		Metrics: s.metrics,
		Events:  s.events,
		Logger:  s.logger,
		RunID:   s.run.ID,
	}
}

// close finishes the run with a status derived from runErr and releases
// the session. It returns runErr, or the first close error when runErr is
// nil.
func (s *session) close(ctx context.Context, runErr error) error {
	status := store.RunCompleted
	switch {
	case errors.Is(runErr, context.Canceled):
		status = store.RunCanceled
	case runErr != nil:
		status = store.RunFailed
	}

	var errs []error
	s.events.Log("run_finished", map[string]any{"status": status})

	if s.ledger != nil {
		if err := s.ledger.FinishRun(context.WithoutCancel(ctx), s.run.ID, status, runErr); err != nil {
			errs = append(errs, err)
		}
		if err := s.ledger.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.events.Close(); err != nil {
		errs = append(errs, err)
	}
	if path := s.cfg.Metrics.Textfile; path != "" {
		if err := s.metrics.WriteTextfile(path); err != nil {
			errs = append(errs, err)
		}
	}

	if runErr != nil {
		for _, err := range errs {
			s.logger.Warn("failed to close session", "error", err)
		}
		return runErr
	}
	return errors.Join(errs...)
}

// versions returns the flag's versions, or the configured ones.
func versions(cmd *cobra.Command, cfg *config.SweepConfig) []string {
	if v, _ := cmd.Flags().GetStringSlice("version"); len(v) > 0 {
		return v
	}
	return cfg.Generator.Versions
}
