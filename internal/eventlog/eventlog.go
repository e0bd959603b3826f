// Package eventlog appends system events to a JSONL file, one event
// per line, for post-run inspection.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Entry is one logged event.
type Entry struct {
	Timestamp string         `json:"ts"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data,omitempty"`
}

// Writer appends entries to a file. Safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	f   *os.File
	now func() time.Time
}

// Open creates or appends to the log at path.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	return &Writer{f: f, now: time.Now}, nil
}

// Append writes one entry and flushes it to the OS.
func (w *Writer) Append(event string, data map[string]any) error {
	line, err := json.Marshal(Entry{
		Timestamp: w.now().UTC().Format(time.RFC3339Nano),
		Event:     event,
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
