package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/verdantlabs/canopy/internal/bridge"
	"github.com/verdantlabs/canopy/internal/bus"
	"github.com/verdantlabs/canopy/internal/safety"
	"github.com/verdantlabs/canopy/internal/settings"
	"github.com/verdantlabs/canopy/internal/twin"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	srv      *httptest.Server
	twin     *twin.Twin
	watchdog *safety.Watchdog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.New(discardLogger())
	t.Cleanup(b.Close)
	tw := twin.New(discardLogger(), twin.WithSeed(13))
	wd := safety.New(safety.DefaultPolicy(), tw, "secret", discardLogger())

	br := bridge.New(bridge.NewSimDriver(tw), b, discardLogger(), bridge.WithWriteGate(wd))
	if err := br.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { br.Disconnect() })

	store, err := settings.Open(filepath.Join(t.TempDir(), "settings.json"), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	api := New(Deps{
		Twin:     tw,
		Writer:   br,
		Watchdog: wd,
		Settings: store,
		RunGoal: func(ctx context.Context, goal string) (map[string]any, bool, error) {
			if goal == "fail" {
				return nil, false, errors.New("chain failed")
			}
			return map[string]any{"goal": goal, "code": "ok"}, true, nil
		},
		Status: func() map[string]any { return map[string]any{"mode": "sim"} },
	}, discardLogger())

	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, twin: tw, watchdog: wd}
}

func (f *fixture) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp, decode(t, resp)
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	return resp, decode(t, resp)
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Expected JSON body: %v", err)
	}
	return out
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/api/status")
	if resp.StatusCode != http.StatusOK || body["mode"] != "sim" {
		t.Fatalf("Expected sim status, got %d %v", resp.StatusCode, body)
	}
}

func TestPostActuator(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "/api/actuator", map[string]any{"name": "pump_active", "value": true, "action": "set"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %v", resp.StatusCode, body)
	}
	if body["status"] != "ok" || body["actuator"] != "pump_active" {
		t.Fatalf("Expected ok ack, got %v", body)
	}
	if body["override_active"] != true {
		t.Fatal("Expected override_active true for a user write")
	}
	if code, _ := body["bcc"].(string); len(code) != 2 {
		t.Fatalf("Expected two-digit bcc, got %v", body["bcc"])
	}
	if v, _ := f.twin.Actuator(twin.ActPump); v != 1 {
		t.Fatal("Expected pump on")
	}

	resp, _ = f.post(t, "/api/actuator", map[string]any{"name": "warp_drive", "value": 1})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("Expected 409 for unknown actuator, got %d", resp.StatusCode)
	}

	resp, _ = f.post(t, "/api/actuator", map[string]any{"value": 1})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400 for missing name, got %d", resp.StatusCode)
	}

	resp, _ = f.post(t, "/api/actuator", map[string]any{"name": "pump_active", "action": "mangle"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400 for unknown action, got %d", resp.StatusCode)
	}
}

func TestPostActuator_ToggleAndClear(t *testing.T) {
	f := newFixture(t)

	// User pins the pump on, then clears the override; agents write
	// freely again afterwards.
	resp, _ := f.post(t, "/api/actuator", map[string]any{"name": "pump_active", "value": 1})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if f.twin.SetActuator(twin.ActPump, 0, twin.SourceAgent) {
		t.Fatal("Expected agent write blocked while override active")
	}

	resp, body := f.post(t, "/api/actuator", map[string]any{"name": "pump_active", "action": "toggle"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for toggle, got %d", resp.StatusCode)
	}
	if body["value"] != 0.0 {
		t.Fatalf("Expected toggle to flip pump off, got %v", body["value"])
	}

	resp, body = f.post(t, "/api/actuator", map[string]any{"name": "pump_active", "action": "clear_override"})
	if resp.StatusCode != http.StatusOK || body["override_active"] != false {
		t.Fatalf("Expected override cleared, got %d %v", resp.StatusCode, body)
	}
	if !f.twin.SetActuator(twin.ActPump, 1, twin.SourceAgent) {
		t.Fatal("Expected agent write accepted after clear_override")
	}
}

func TestPostActuator_ClearAll(t *testing.T) {
	f := newFixture(t)
	f.twin.SetActuator(twin.ActPump, 1, twin.SourceUser)
	f.twin.SetActuator(twin.ActHeater, 1, twin.SourceUser)

	resp, body := f.post(t, "/api/actuator", map[string]any{"action": "clear_all"})
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("Expected 200 ok, got %d %v", resp.StatusCode, body)
	}
	if body["action"] != "clear_all" {
		t.Fatalf("Expected clear_all ack, got %v", body)
	}
	for _, key := range []string{"actuator", "value", "bcc", "override_active"} {
		if _, present := body[key]; present {
			t.Fatalf("Expected no per-actuator field %q in clear_all response, got %v", key, body)
		}
	}
	if f.twin.OverrideActive(twin.ActPump) || f.twin.OverrideActive(twin.ActHeater) {
		t.Fatal("Expected all overrides cleared")
	}
}

func TestPostActuator_LatchedSafety(t *testing.T) {
	f := newFixture(t)
	f.watchdog.TriggerEmergencyStop("test")

	resp, body := f.post(t, "/api/actuator", map[string]any{"name": "pump_active", "value": 1})
	if resp.StatusCode != http.StatusLocked {
		t.Fatalf("Expected 423 while latched, got %d: %v", resp.StatusCode, body)
	}
}

func TestGetOverrides(t *testing.T) {
	f := newFixture(t)
	f.twin.SetActuator(twin.ActHeater, 1, twin.SourceUser)

	_, body := f.get(t, "/api/overrides")
	overrides, _ := body["overrides"].(map[string]any)
	if overrides["heater"] != true {
		t.Fatalf("Expected heater override listed, got %v", body)
	}
	if body["count"] != 1.0 {
		t.Fatalf("Expected count 1, got %v", body["count"])
	}
}

func TestPostGoal(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "/api/goal", map[string]any{"goal": "lower ec"})
	if resp.StatusCode != http.StatusOK || body["valid"] != true {
		t.Fatalf("Expected valid goal run, got %d %v", resp.StatusCode, body)
	}

	resp, body = f.post(t, "/api/goal", map[string]any{"goal": "fail"})
	if resp.StatusCode != http.StatusUnprocessableEntity || body["valid"] != false {
		t.Fatalf("Expected 422 for failed run, got %d %v", resp.StatusCode, body)
	}

	resp, _ = f.post(t, "/api/goal", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400 for empty goal, got %d", resp.StatusCode)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	f := newFixture(t)

	resp, body := f.post(t, "/api/settings", map[string]any{"target_ph": 6.0})
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("Expected settings write ack, got %d %v", resp.StatusCode, body)
	}

	_, body = f.get(t, "/api/settings")
	if body["target_ph"] != 6.0 {
		t.Fatalf("Expected persisted setting, got %v", body)
	}
}

func TestSafetyReset(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.post(t, "/api/safety/reset", map[string]any{"token": "secret"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("Expected 409 when not latched, got %d", resp.StatusCode)
	}

	f.watchdog.TriggerEmergencyStop("test")

	resp, _ = f.post(t, "/api/safety/reset", map[string]any{"token": "wrong"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("Expected 403 for bad token, got %d", resp.StatusCode)
	}

	resp, _ = f.post(t, "/api/safety/reset", map[string]any{"token": "secret"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for valid reset, got %d", resp.StatusCode)
	}
	if latched, _ := f.watchdog.Latched(); latched {
		t.Fatal("Expected latch released")
	}
}
