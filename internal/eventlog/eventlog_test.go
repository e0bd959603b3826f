package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAppend_JSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	w, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := w.Append("FATAL", map[string]any{"reason": "S02_TEMP out of range"}); err != nil {
		t.Fatal(err)
	}
	if err := w.Append("SAFETY_RESET", nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("Expected valid JSONL line, got %q: %v", scanner.Text(), err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Event != "FATAL" || entries[0].Data["reason"] == nil {
		t.Fatalf("Expected FATAL entry with reason, got %+v", entries[0])
	}
	if entries[0].Timestamp == "" {
		t.Fatal("Expected timestamp")
	}
}

func TestOpen_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	w, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	w.Append("A", nil)
	w.Close()

	w2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	w2.Append("B", nil)
	w2.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(splitLines(data)); got != 2 {
		t.Fatalf("Expected 2 lines after reopen, got %d", got)
	}
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	return lines
}
