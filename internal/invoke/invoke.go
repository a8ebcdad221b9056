// Package invoke launches the external mapping tools and classifies how a
// launch ended.
package invoke

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/nvandessel/rdfsweep/internal/logging"
)

// stderrTail bounds how much stderr is kept on an ExitError.
const stderrTail = 2048

// waitDelay bounds how long a killed process may hold its output pipes open.
const waitDelay = 5 * time.Second

// ErrTimeout is wrapped by errors returned when an invocation exceeds the
// configured timeout.
var ErrTimeout = errors.New("invocation timed out")

// Tool describes how to launch one external executable.
type Tool struct {
	// Name identifies the tool in logs, metrics and errors.
	Name string `json:"name" yaml:"name"`

	// Command is the executable path.
	Command string `json:"command" yaml:"command"`

	// Args are prepended to every invocation's arguments.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	// JoinArgs passes all arguments as one space-separated argument, the
	// form the runtask.sh launcher expects.
	JoinArgs bool `json:"join_args,omitempty" yaml:"join_args,omitempty"`
}

// Argv returns the argument vector for an invocation.
func (t Tool) Argv(args ...string) []string {
	all := make([]string, 0, len(t.Args)+len(args))
	all = append(all, t.Args...)
	all = append(all, args...)
	if t.JoinArgs {
		return []string{strings.Join(all, " ")}
	}
	return all
}

// CommandLine renders the invocation for logging.
func (t Tool) CommandLine(args ...string) string {
	return strings.Join(append([]string{t.Command}, t.Argv(args...)...), " ")
}

// Output is what an invocation produced.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner launches a tool and waits for it to exit.
type Runner interface {
	Run(ctx context.Context, tool Tool, args ...string) (Output, error)
}

// LaunchError reports that the executable could not be started.
type LaunchError struct {
	Tool string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %s: %v", e.Tool, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ExitError reports a non-zero exit status.
type ExitError struct {
	Tool   string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s exited with status %d", e.Tool, e.Code)
	}
	return fmt.Sprintf("%s exited with status %d: %s", e.Tool, e.Code, e.Stderr)
}

// ExecRunner runs tools as child processes.
type ExecRunner struct {
	// Dir is the working directory for every child; empty means the
	// current directory.
	Dir string

	// Timeout bounds a single invocation. Zero disables it.
	Timeout time.Duration

	// Retries is how many extra attempts a LaunchError gets.
	Retries int

	Logger *slog.Logger
}

// NewExecRunner returns an ExecRunner with the given timeout.
func NewExecRunner(dir string, timeout time.Duration, retries int, logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = logging.Discard()
	}
	return &ExecRunner{Dir: dir, Timeout: timeout, Retries: retries, Logger: logger}
}

// Run launches tool with args. Launch failures are retried up to Retries
// times; timeouts and exit errors are not.
func (r *ExecRunner) Run(ctx context.Context, tool Tool, args ...string) (Output, error) {
	logger := r.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	var (
		out Output
		err error
	)
	for attempt := 0; attempt <= r.Retries; attempt++ {
		out, err = r.runOnce(ctx, logger, tool, args)
		var launchErr *LaunchError
		if err == nil || !errors.As(err, &launchErr) || ctx.Err() != nil {
			return out, err
		}
		if attempt < r.Retries {
			logger.Warn("retrying tool launch", "tool", tool.Name, "attempt", attempt+1, "error", err)
		}
	}
	return out, err
}

func (r *ExecRunner) runOnce(ctx context.Context, logger *slog.Logger, tool Tool, args []string) (Output, error) {
	runCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, tool.Command, tool.Argv(args...)...)
	cmd.Dir = r.Dir
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Log(ctx, logging.LevelTrace, "invoking tool", "tool", tool.Name, "command", tool.CommandLine(args...))

	start := time.Now()
	err := cmd.Run()
	out := Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		ExitCode: -1,
	}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	logger.Debug("tool finished", "tool", tool.Name, "exit_code", out.ExitCode, "duration", out.Duration)
	logger.Log(ctx, logging.LevelTrace, "tool output", "tool", tool.Name, "stdout", out.Stdout, "stderr", out.Stderr)

	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return out, fmt.Errorf("%s: %w", tool.Name, ctx.Err())
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return out, fmt.Errorf("%s after %v: %w", tool.Name, r.Timeout, ErrTimeout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out, &ExitError{Tool: tool.Name, Code: exitErr.ExitCode(), Stderr: tail(out.Stderr, stderrTail)}
	}
	return out, &LaunchError{Tool: tool.Name, Err: err}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
