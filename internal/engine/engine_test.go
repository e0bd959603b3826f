package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/verdantlabs/canopy/internal/config"
	"github.com/verdantlabs/canopy/internal/uibridge"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	dir := t.TempDir()
	return &config.AppConfig{
		Mode:              "sim",
		ScratchRoot:       dir,
		BudgetHours:       2,
		HTTPPort:          "0",
		HealthPort:        "0",
		TwinTick:          20 * time.Millisecond,
		SampleInterval:    10 * time.Millisecond,
		PublishInterval:   50 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		StallThreshold:    time.Second,
		SettingsPath:      filepath.Join(dir, "settings.json"),
		EventLogPath:      filepath.Join(dir, "events.jsonl"),
		SafetyResetToken:  "secret",
		ServiceName:       "canopy-test",
		ServiceVersion:    "0.0.0",
		Environment:       "test",
		LogLevel:          "INFO",
	}
}

func TestEngine_RunAndShutdown(t *testing.T) {
	var out bytes.Buffer
	e, err := New(testConfig(t),
		WithLogger(discardLogger()),
		WithSeed(17),
		WithStdoutTransport(uibridge.NewStdoutTransport(&out)),
	)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	// Let a few ticks and heartbeats through.
	time.Sleep(500 * time.Millisecond)

	status := e.Status()
	if status["mode"] != "sim" {
		t.Fatalf("Expected sim mode, got %v", status["mode"])
	}
	safetyInfo, _ := status["safety"].(map[string]any)
	if safetyInfo["latched"] != false {
		t.Fatalf("Expected clear safety state, got %v", safetyInfo)
	}

	e.Shutdown()
	e.Shutdown() // idempotent

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for shutdown")
	}

	// The stdout feed carried telemetry and heartbeat frames.
	feed := out.String()
	if !strings.Contains(feed, "GREENHOUSE_TELEMETRY") {
		t.Fatal("Expected telemetry frames on the stdout feed")
	}
	if !strings.Contains(feed, "HEARTBEAT") {
		t.Fatal("Expected heartbeat frames on the stdout feed")
	}
	for _, line := range strings.Split(strings.TrimSpace(feed), "\n") {
		if !strings.HasPrefix(line, uibridge.FramePrefix) {
			t.Fatalf("Expected every feed line framed, got %q", line)
		}
	}
}

func TestEngine_RunGoal(t *testing.T) {
	e, err := New(testConfig(t), WithLogger(discardLogger()), WithSeed(17))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	artifacts, valid, err := e.RunGoal(ctx, "stabilize ec at 1.8")
	if err != nil {
		t.Fatalf("Expected goal run to succeed, got %v", err)
	}
	if !valid {
		t.Fatalf("Expected valid verdict, got artifacts %v", artifacts)
	}
	if artifacts["code"] == nil || artifacts["docs"] == nil {
		t.Fatalf("Expected accumulated artifacts, got %v", artifacts)
	}
}

func TestEngine_CommandPlaneIntegration(t *testing.T) {
	e, err := New(testConfig(t), WithLogger(discardLogger()), WithSeed(17))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()
	if err := e.bridge.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	in := strings.NewReader(`{"command":"PING"}` + "\n" +
		`{"command":"AGENT_MSG","payload":{"message":"START_PUMP"}}` + "\n")
	var out bytes.Buffer
	if err := e.ServeCommands(context.Background(), in, &out); err != nil {
		t.Fatalf("Expected clean EOF, got %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(lines))
	}
	var first, second map[string]any
	json.Unmarshal([]byte(lines[0]), &first)
	json.Unmarshal([]byte(lines[1]), &second)
	if first["type"] != "PONG" {
		t.Fatalf("Expected PONG, got %v", first)
	}
	if second["type"] != "COMMAND_SUCCESS" {
		t.Fatalf("Expected pump ack, got %v", second)
	}
}
