// Package logging provides leveled logging and the per-run event trace for rdfsweep.
// It offers two complementary outputs:
//   - A leveled slog.Logger for stderr (operational output)
//   - An EventLog for structured JSONL run traces (<output>/rdfsweep-events.jsonl)
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LevelTrace is a custom slog level below Debug for full content logging.
// At this level, external tool command lines and captured output are included.
const LevelTrace = slog.LevelDebug - 4

// ParseLevel maps a string level name to a slog.Level.
// Supported values: "info", "debug", "trace", "warn", "error" (case-insensitive).
// Unknown values default to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "trace":
		return LevelTrace
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a leveled slog.Logger writing to w.
func NewLogger(level string, w io.Writer) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Label the custom trace level
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Discard returns a logger that drops everything. Useful as a default for
// components constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// EventLog writes structured run events to a JSONL file. It is opened at
// the start of a run and closed at its end. It is safe for concurrent use.
// A nil EventLog is safe to use; all methods are no-ops on nil receiver.
type EventLog struct {
	mu    sync.Mutex
	file  *os.File
	runID string
}

// OpenEventLog opens path for append, creating parent directories.
// Every event is stamped with runID.
func OpenEventLog(path, runID string) (*EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating event log directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}

	return &EventLog{file: f, runID: runID}, nil
}

// Log writes an event as a single JSONL line.
// "event", "run_id" and "time" fields are added automatically. The caller's
// map is not mutated. Safe to call on nil receiver.
func (el *EventLog) Log(event string, fields map[string]any) {
	if el == nil {
		return
	}

	// Copy to avoid mutating caller's map
	entry := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		entry[k] = v
	}
	entry["event"] = event
	entry["run_id"] = el.runID
	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	el.mu.Lock()
	defer el.mu.Unlock()
	if el.file == nil {
		return
	}
	_, _ = el.file.Write(data)
}

// Close flushes and closes the underlying file. Safe to call on nil receiver
// and more than once.
func (el *EventLog) Close() error {
	if el == nil {
		return nil
	}

	el.mu.Lock()
	defer el.mu.Unlock()
	if el.file == nil {
		return nil
	}

	syncErr := el.file.Sync()
	closeErr := el.file.Close()
	el.file = nil
	if closeErr != nil {
		return closeErr
	}
	return syncErr
}
