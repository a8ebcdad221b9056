package invoke

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("exec tests use /bin/sh")
	}
}

func shell(script string) Tool {
	return Tool{Name: "sh", Command: "/bin/sh", Args: []string{"-c", script}}
}

func TestToolArgv(t *testing.T) {
	tests := []struct {
		name string
		tool Tool
		args []string
		want []string
	}{
		{
			name: "prefix args",
			tool: Tool{Command: "java", Args: []string{"-jar", "crunch.jar"}},
			args: []string{"a", "b"},
			want: []string{"-jar", "crunch.jar", "a", "b"},
		},
		{
			name: "joined for launcher script",
			tool: Tool{Command: "./runtask.sh", Args: []string{"CalculateMovement"}, JoinArgs: true},
			args: []string{"old", "new"},
			want: []string{"CalculateMovement old new"},
		},
		{
			name: "no args",
			tool: Tool{Command: "true"},
			want: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.tool.Argv(tt.args...)); diff != "" {
				t.Errorf("Argv() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExecRunner_Stdout(t *testing.T) {
	skipOnWindows(t)
	r := NewExecRunner("", time.Minute, 0, nil)

	out, err := r.Run(context.Background(), shell("printf '1,2,0.5'"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Stdout != "1,2,0.5" {
		t.Errorf("Stdout = %q, want %q", out.Stdout, "1,2,0.5")
	}
	if out.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", out.ExitCode)
	}
}

func TestExecRunner_WorkingDir(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	r := NewExecRunner(dir, time.Minute, 0, nil)

	if _, err := r.Run(context.Background(), shell("touch marker")); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "marker")); err != nil {
		t.Errorf("expected marker in working dir: %v", err)
	}
}

func TestExecRunner_ExitError(t *testing.T) {
	skipOnWindows(t)
	r := NewExecRunner("", time.Minute, 0, nil)

	_, err := r.Run(context.Background(), shell("echo boom >&2; exit 3"))
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError, got %v", err)
	}
	if exitErr.Code != 3 {
		t.Errorf("Code = %d, want 3", exitErr.Code)
	}
	if !strings.Contains(exitErr.Stderr, "boom") {
		t.Errorf("Stderr = %q, want it to contain boom", exitErr.Stderr)
	}
	if Classify(err) != KindExit {
		t.Errorf("Classify() = %v, want exit", Classify(err))
	}
}

func TestExecRunner_LaunchError(t *testing.T) {
	r := NewExecRunner("", time.Minute, 2, nil)

	_, err := r.Run(context.Background(), Tool{Name: "missing", Command: filepath.Join(t.TempDir(), "no-such-tool")})
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("expected *LaunchError, got %v", err)
	}
	if Classify(err) != KindLaunch {
		t.Errorf("Classify() = %v, want launch", Classify(err))
	}
}

func TestExecRunner_Timeout(t *testing.T) {
	skipOnWindows(t)
	r := NewExecRunner("", 100*time.Millisecond, 0, nil)

	start := time.Now()
	_, err := r.Run(context.Background(), shell("sleep 10"))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 8*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	if Classify(err) != KindTimeout {
		t.Errorf("Classify() = %v, want timeout", Classify(err))
	}
}

func TestExecRunner_Canceled(t *testing.T) {
	skipOnWindows(t)
	r := NewExecRunner("", time.Minute, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx, shell("sleep 10"))
	if err == nil {
		t.Fatal("expected error for canceled context")
	}
	if Classify(err) != KindCanceled {
		t.Errorf("Classify() = %v, want canceled", Classify(err))
	}
}

// fakeRunner writes the artifact (when asked) and returns a fixed error.
type fakeRunner struct {
	write string
	err   error
}

func (f fakeRunner) Run(ctx context.Context, tool Tool, args ...string) (Output, error) {
	if f.write != "" {
		if err := os.WriteFile(f.write, []byte("1,node-a\n"), 0644); err != nil {
			return Output{}, err
		}
	}
	return Output{Stdout: "done"}, f.err
}

func TestProduce(t *testing.T) {
	tool := Tool{Name: "generator"}

	tests := []struct {
		name     string
		writes   bool
		err      error
		wantKind FailureKind
	}{
		{"artifact written", true, nil, KindNone},
		{"non-zero exit but artifact written", true, &ExitError{Tool: "generator", Code: 1}, KindNone},
		{"clean exit without artifact", false, nil, KindMissingArtifact},
		{"non-zero exit without artifact", false, &ExitError{Tool: "generator", Code: 1}, KindMissingArtifact},
		{"timeout", false, fmt.Errorf("generator: %w", ErrTimeout), KindTimeout},
		{"launch", false, &LaunchError{Tool: "generator", Err: errors.New("no such file")}, KindLaunch},
		{"canceled", false, context.Canceled, KindCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			artifact := filepath.Join(t.TempDir(), "map-3-topology_1")
			r := fakeRunner{err: tt.err}
			if tt.writes {
				r.write = artifact
			}

			res := Produce(context.Background(), r, tool, artifact)
			if res.Kind != tt.wantKind {
				t.Fatalf("Kind = %v, want %v (err %v)", res.Kind, tt.wantKind, res.Err)
			}
			if res.OK() != (tt.wantKind == KindNone) {
				t.Errorf("OK() = %v", res.OK())
			}
			if res.OK() && res.Artifact != artifact {
				t.Errorf("Artifact = %q, want %q", res.Artifact, artifact)
			}
			if !res.OK() && res.Err == nil {
				t.Error("failed result should carry an error")
			}
		})
	}
}

func TestProduce_StaleArtifactIsNotReused(t *testing.T) {
	artifact := filepath.Join(t.TempDir(), "map-3-topology_2")
	if err := os.WriteFile(artifact, []byte("old\n"), 0644); err != nil {
		t.Fatalf("write stale artifact: %v", err)
	}

	res := Produce(context.Background(), fakeRunner{}, Tool{Name: "generator"}, artifact)
	if res.Kind != KindMissingArtifact {
		t.Fatalf("Kind = %v, want missing_artifact", res.Kind)
	}
	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Errorf("stale artifact still present: %v", err)
	}

	res = Produce(context.Background(), fakeRunner{write: artifact}, Tool{Name: "generator"}, artifact)
	if !res.OK() {
		t.Fatalf("rewritten artifact not accepted: %v", res.Err)
	}
}

func TestRemoveStale(t *testing.T) {
	dir := t.TempDir()
	if err := RemoveStale(filepath.Join(dir, "missing")); err != nil {
		t.Errorf("RemoveStale(missing) error = %v", err)
	}

	// A non-empty directory cannot be removed as a file.
	busy := filepath.Join(dir, "busy")
	if err := os.MkdirAll(filepath.Join(busy, "child"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := RemoveStale(busy); err == nil {
		t.Error("expected error removing a non-empty directory")
	}
}

func TestFailureKindString(t *testing.T) {
	if KindMissingArtifact.String() != "missing_artifact" {
		t.Errorf("String() = %q", KindMissingArtifact.String())
	}
	if FailureKind(42).String() != "kind(42)" {
		t.Errorf("String() = %q", FailureKind(42).String())
	}
}
