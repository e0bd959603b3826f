package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/verdantlabs/canopy/internal/config"
)

func oneShotConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CANOPY_SETTINGS_PATH", filepath.Join(dir, "settings.json"))
	t.Setenv("CANOPY_EVENT_LOG_PATH", filepath.Join(dir, "events.jsonl"))
	t.Setenv("CANOPY_SCRATCH_ROOT", dir)
	t.Setenv("CANOPY_CONFIG", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestRunOneShot_ReturnsAndTearsDown(t *testing.T) {
	cfg := oneShotConfig(t)

	// A successful run must return instead of exiting, so the deferred
	// engine teardown can flush the event log.
	if err := runOneShot(cfg, `{"command": "keep ph between 5.8 and 6.5"}`); err != nil {
		t.Fatalf("Expected one-shot run to succeed, got %v", err)
	}

	data, err := os.ReadFile(cfg.EventLogPath)
	if err != nil {
		t.Fatalf("Expected event log on disk after teardown: %v", err)
	}
	if !strings.Contains(string(data), "WORKFLOW_UPDATE") {
		t.Fatalf("Expected workflow events in the log, got %q", data)
	}
}

func TestRunOneShot_BadArgument(t *testing.T) {
	cfg := oneShotConfig(t)

	err := runOneShot(cfg, "not json")
	if err == nil || errors.Is(err, errGoalRejected) {
		t.Fatalf("Expected a parse error distinct from a rejected goal, got %v", err)
	}

	err = runOneShot(cfg, `{"command": ""}`)
	if err == nil || errors.Is(err, errGoalRejected) {
		t.Fatalf("Expected an empty goal to fail before running, got %v", err)
	}
}
