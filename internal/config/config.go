// Package config provides unified configuration loading for rdfsweep.
// It supports loading from YAML files and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nvandessel/rdfsweep/internal/constants"
	"github.com/nvandessel/rdfsweep/internal/invoke"
	"github.com/nvandessel/rdfsweep/internal/mapping"
	"github.com/nvandessel/rdfsweep/internal/scenario"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the config file looked up in the working directory when
// no path is given.
const DefaultFile = "rdfsweep.yaml"

// SweepConfig contains all rdfsweep configuration settings.
type SweepConfig struct {
	// Grid is the parameter grid the sweep enumerates.
	Grid scenario.Grid `json:"grid" yaml:"grid"`

	// Generator contains arguments passed to every generator invocation.
	Generator GeneratorConfig `json:"generator" yaml:"generator"`

	// Tools describes how each external tool is launched.
	Tools ToolsConfig `json:"tools" yaml:"tools"`

	// Invoke bounds and retries tool invocations.
	Invoke InvokeConfig `json:"invoke" yaml:"invoke"`

	// Sweep controls scenario scheduling.
	Sweep SweepSettings `json:"sweep" yaml:"sweep"`

	// Aggregate controls report folding.
	Aggregate AggregateConfig `json:"aggregate" yaml:"aggregate"`

	// Logging contains settings for operational logging.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Store configures the SQLite run ledger.
	Store StoreConfig `json:"store" yaml:"store"`

	// Metrics configures the Prometheus textfile export.
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// GeneratorConfig holds generator arguments that are not part of a scenario.
type GeneratorConfig struct {
	// Versions are the mapping algorithm versions run for every scenario.
	Versions []string `json:"versions" yaml:"versions"`

	// TrackCapacity is passed as the generator's capacity tracking flag.
	TrackCapacity bool `json:"track_capacity" yaml:"track_capacity"`

	// RackDiversityArg selects what is passed as rack diversity: "rd"
	// (default) or "ratio".
	RackDiversityArg string `json:"rack_diversity_arg" yaml:"rack_diversity_arg"`

	// MigrationMap, when set, is appended to every generator call.
	MigrationMap string `json:"migration_map,omitempty" yaml:"migration_map,omitempty"`
}

// ToolsConfig describes the three external tools.
type ToolsConfig struct {
	Generator invoke.Tool `json:"generator" yaml:"generator"`
	Evaluator invoke.Tool `json:"evaluator" yaml:"evaluator"`
	Movement  invoke.Tool `json:"movement" yaml:"movement"`
}

// InvokeConfig bounds tool invocations.
type InvokeConfig struct {
	// Timeout bounds one invocation. Zero disables it.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// Retries is how many extra attempts a failed launch gets.
	Retries int `json:"retries" yaml:"retries"`

	// Dir is the working directory tools run in; empty is the current
	// directory.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// SweepSettings controls scenario scheduling.
type SweepSettings struct {
	// Workers is how many scenarios run at once.
	Workers int `json:"workers" yaml:"workers"`
}

// AggregateConfig controls report folding.
type AggregateConfig struct {
	// StartRow is how many leading rows of each report are skipped.
	StartRow int `json:"start_row" yaml:"start_row"`

	// Strict fails on report names that do not parse instead of skipping.
	Strict bool `json:"strict" yaml:"strict"`

	// DeviationColumn and MovementColumn are zero-based field indices.
	DeviationColumn int `json:"deviation_column" yaml:"deviation_column"`
	MovementColumn  int `json:"movement_column" yaml:"movement_column"`
}

// LoggingConfig configures rdfsweep's logging behavior.
type LoggingConfig struct {
	// Level sets the log verbosity: "info" (default), "debug", "trace",
	// "warn" or "error". "trace" includes every tool's command line and
	// output.
	Level string `json:"level" yaml:"level"`

	// Events enables the JSONL event log in the output directory.
	Events bool `json:"events" yaml:"events"`
}

// StoreConfig configures the run ledger.
type StoreConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Path overrides the ledger location; empty means rdfsweep.db in the
	// output directory.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// MetricsConfig configures the metrics export.
type MetricsConfig struct {
	// Textfile, when set, receives the collected metrics at the end of a
	// run.
	Textfile string `json:"textfile,omitempty" yaml:"textfile,omitempty"`
}

// Default returns a SweepConfig with sensible defaults.
func Default() *SweepConfig {
	return &SweepConfig{
		Grid: scenario.DefaultGrid(),
		Generator: GeneratorConfig{
			Versions:         []string{constants.DefaultAlgorithmVersion},
			TrackCapacity:    false,
			RackDiversityArg: mapping.RackDiversityRD,
		},
		Tools: ToolsConfig{
			Generator: invoke.Tool{Name: "generator", Command: "./runtask.sh", Args: []string{"CreateBlobstoreMapping"}, JoinArgs: true},
			Evaluator: invoke.Tool{Name: "evaluator", Command: "./runtask.sh", Args: []string{"EvaluateMapping", "json"}, JoinArgs: true},
			Movement:  invoke.Tool{Name: "movement", Command: "./runtask.sh", Args: []string{"CalculateMovement"}, JoinArgs: true},
		},
		Invoke: InvokeConfig{
			Timeout: 30 * time.Minute,
			Retries: 0,
		},
		Sweep: SweepSettings{
			Workers: 1,
		},
		Aggregate: AggregateConfig{
			StartRow:        constants.DefaultStartRow,
			DeviationColumn: constants.DeviationColumn,
			MovementColumn:  constants.MovementColumn,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Events: true,
		},
		Store: StoreConfig{
			Enabled: true,
		},
	}
}

// Load loads configuration from path, or from ./rdfsweep.yaml when path is
// empty and that file exists, then applies environment variable overrides.
// Order: defaults -> config file -> environment variables
func Load(path string) (*SweepConfig, error) {
	config := Default()

	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
		config = fileConfig
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}

	return config, nil
}

// ResolvePath returns the config file Load would read for path, or "" when
// defaults apply.
func ResolvePath(path string) string {
	if path != "" {
		return path
	}
	if _, err := os.Stat(DefaultFile); err == nil {
		return DefaultFile
	}
	return ""
}

// LoadFromFile loads configuration from a specific YAML file. Fields the
// file does not set keep their defaults.
func LoadFromFile(path string) (*SweepConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	config.Generator.MigrationMap = expandEnvVars(config.Generator.MigrationMap)
	config.Invoke.Dir = expandEnvVars(config.Invoke.Dir)

	return config, nil
}

// Validate checks that the configuration is valid.
func (c *SweepConfig) Validate() error {
	if err := c.Grid.Validate(); err != nil {
		return fmt.Errorf("grid: %w", err)
	}

	if len(c.Generator.Versions) == 0 {
		return fmt.Errorf("generator.versions must name at least one version")
	}
	for _, v := range c.Generator.Versions {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("generator.versions contains an empty version")
		}
	}

	switch c.Generator.RackDiversityArg {
	case "", mapping.RackDiversityRD, mapping.RackDiversityRatio:
	default:
		return fmt.Errorf("invalid generator.rack_diversity_arg: %s (valid: rd, ratio)", c.Generator.RackDiversityArg)
	}

	for name, tool := range map[string]invoke.Tool{
		"generator": c.Tools.Generator,
		"evaluator": c.Tools.Evaluator,
		"movement":  c.Tools.Movement,
	} {
		if tool.Command == "" {
			return fmt.Errorf("tools.%s.command is required", name)
		}
	}

	if c.Invoke.Timeout < 0 {
		return fmt.Errorf("invoke.timeout must be non-negative, got %v", c.Invoke.Timeout)
	}
	if c.Invoke.Retries < 0 {
		return fmt.Errorf("invoke.retries must be non-negative, got %d", c.Invoke.Retries)
	}

	if c.Sweep.Workers < 1 {
		return fmt.Errorf("sweep.workers must be at least 1, got %d", c.Sweep.Workers)
	}

	if c.Aggregate.StartRow < 0 {
		return fmt.Errorf("aggregate.start_row must be non-negative, got %d", c.Aggregate.StartRow)
	}
	if c.Aggregate.DeviationColumn < 0 || c.Aggregate.MovementColumn < 0 {
		return fmt.Errorf("aggregate columns must be non-negative, got deviation %d movement %d",
			c.Aggregate.DeviationColumn, c.Aggregate.MovementColumn)
	}

	validLevels := map[string]bool{"info": true, "debug": true, "trace": true, "warn": true, "error": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: info, debug, trace, warn, error, or empty for default)", c.Logging.Level)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(config *SweepConfig) error {
	if v := os.Getenv("RDFSWEEP_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}

	if v := os.Getenv("RDFSWEEP_EVENTS"); v != "" {
		config.Logging.Events = parseBool(v)
	}

	if v := os.Getenv("RDFSWEEP_VERSIONS"); v != "" {
		var versions []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				versions = append(versions, part)
			}
		}
		config.Generator.Versions = versions
	}

	if v := os.Getenv("RDFSWEEP_TRACK_CAPACITY"); v != "" {
		config.Generator.TrackCapacity = parseBool(v)
	}

	if v := os.Getenv("RDFSWEEP_RACK_DIVERSITY_ARG"); v != "" {
		config.Generator.RackDiversityArg = v
	}

	if v := os.Getenv("RDFSWEEP_MIGRATION_MAP"); v != "" {
		config.Generator.MigrationMap = v
	}

	if v := os.Getenv("RDFSWEEP_TOOL_DIR"); v != "" {
		config.Invoke.Dir = v
	}

	if v := os.Getenv("RDFSWEEP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("RDFSWEEP_TIMEOUT: %w", err)
		}
		config.Invoke.Timeout = d
	}

	if v := os.Getenv("RDFSWEEP_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RDFSWEEP_RETRIES: %w", err)
		}
		config.Invoke.Retries = n
	}

	if v := os.Getenv("RDFSWEEP_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RDFSWEEP_WORKERS: %w", err)
		}
		config.Sweep.Workers = n
	}

	if v := os.Getenv("RDFSWEEP_START_ROW"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RDFSWEEP_START_ROW: %w", err)
		}
		config.Aggregate.StartRow = n
	}

	if v := os.Getenv("RDFSWEEP_STRICT"); v != "" {
		config.Aggregate.Strict = parseBool(v)
	}

	if v := os.Getenv("RDFSWEEP_STORE_ENABLED"); v != "" {
		config.Store.Enabled = parseBool(v)
	}

	if v := os.Getenv("RDFSWEEP_STORE_PATH"); v != "" {
		config.Store.Path = v
	}

	if v := os.Getenv("RDFSWEEP_METRICS_TEXTFILE"); v != "" {
		config.Metrics.Textfile = v
	}

	return nil
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
