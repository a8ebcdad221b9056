package invoke

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// FailureKind classifies why an invocation did not produce its artifact.
type FailureKind int

const (
	// KindNone means the artifact was produced.
	KindNone FailureKind = iota

	// KindMissingArtifact means the tool ran but left no artifact behind.
	KindMissingArtifact

	// KindTimeout means the invocation exceeded its timeout.
	KindTimeout

	// KindLaunch means the executable could not be started.
	KindLaunch

	// KindExit means the tool exited abnormally where the exit status matters.
	KindExit

	// KindCanceled means the run was canceled.
	KindCanceled
)

func (k FailureKind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case KindMissingArtifact:
		return "missing_artifact"
	case KindTimeout:
		return "timeout"
	case KindLaunch:
		return "launch"
	case KindExit:
		return "exit"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is the outcome of an invocation that is expected to write a file.
// Either Kind is KindNone and Artifact names the produced file, or Kind says
// what went wrong and Err carries the detail.
type Result struct {
	Artifact string
	Output   Output
	Kind     FailureKind
	Err      error
}

// OK reports whether the artifact was produced.
func (r Result) OK() bool {
	return r.Kind == KindNone
}

// Classify maps an invocation error to a FailureKind. A nil error is KindNone.
func Classify(err error) FailureKind {
	var launchErr *LaunchError
	var exitErr *ExitError
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.As(err, &launchErr):
		return KindLaunch
	case errors.As(err, &exitErr):
		return KindExit
	default:
		return KindLaunch
	}
}

// Produce runs tool and reports whether it wrote artifact. The tool's exit
// status is not inspected: a tool that exits non-zero but writes the
// artifact succeeded, and one that exits zero without writing it did not.
//
// Any artifact left by an earlier run is removed first, so a file present
// afterwards was written by this invocation.
func Produce(ctx context.Context, r Runner, tool Tool, artifact string, args ...string) Result {
	if err := RemoveStale(artifact); err != nil {
		return Result{Kind: KindLaunch, Err: err}
	}

	out, err := r.Run(ctx, tool, args...)
	res := Result{Output: out}

	if kind := Classify(err); kind != KindNone && kind != KindExit {
		res.Kind = kind
		res.Err = err
		return res
	}

	if _, statErr := os.Stat(artifact); statErr != nil {
		res.Kind = KindMissingArtifact
		res.Err = fmt.Errorf("%s did not produce %s", tool.Name, artifact)
		if err != nil {
			res.Err = fmt.Errorf("%w (%v)", res.Err, err)
		}
		return res
	}

	res.Artifact = artifact
	return res
}

// RemoveStale deletes path if it exists.
func RemoveStale(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale %s: %w", path, err)
	}
	return nil
}
