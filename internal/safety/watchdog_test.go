package safety

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/verdantlabs/canopy/internal/twin"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWatchdog(t *testing.T, opts ...Option) (*Watchdog, *twin.Twin) {
	t.Helper()
	tw := twin.New(discardLogger(), twin.WithSeed(7))
	w := New(DefaultPolicy(), tw, "secret", discardLogger(), opts...)
	return w, tw
}

func TestCheckTelemetry_TripsAndLatches(t *testing.T) {
	var fatals int
	w, tw := newTestWatchdog(t, WithEventSink(func(event string, data map[string]any) {
		if event == "COMMAND_ERROR" && data["severity"] == "FATAL" {
			fatals++
		}
	}))

	tw.SetActuator(twin.ActHeater, 1, twin.SourceAgent)
	tw.SetActuator(twin.ActPump, 1, twin.SourceAgent)

	w.CheckTelemetry(map[string]float64{twin.SensorTemperature: 50.0})

	latched, reason := w.Latched()
	if !latched {
		t.Fatal("Expected watchdog to latch on out-of-range temperature")
	}
	if reason == "" {
		t.Fatal("Expected a trip reason")
	}

	// Safe state applied: heater and pump off, vent open.
	if v, _ := tw.Actuator(twin.ActHeater); v != 0 {
		t.Fatal("Expected heater forced off")
	}
	if v, _ := tw.Actuator(twin.ActPump); v != 0 {
		t.Fatal("Expected pump forced off")
	}
	if v, _ := tw.Actuator(twin.ActVent); v != 1 {
		t.Fatal("Expected vent forced open")
	}

	// Further violations while latched emit nothing.
	w.CheckTelemetry(map[string]float64{twin.SensorPH: 12.0})
	if fatals != 1 {
		t.Fatalf("Expected exactly one FATAL event per latch, got %d", fatals)
	}
}

func TestCheckTelemetry_InRangeDoesNotTrip(t *testing.T) {
	w, _ := newTestWatchdog(t)
	w.CheckTelemetry(map[string]float64{
		twin.SensorTemperature: 22.0,
		twin.SensorHumidity:    45.0,
		twin.SensorPH:          6.2,
	})
	if latched, _ := w.Latched(); latched {
		t.Fatal("Expected no latch for nominal readings")
	}
}

func TestValidateWrite_RejectedWhileLatched(t *testing.T) {
	w, _ := newTestWatchdog(t)
	w.TriggerEmergencyStop("test trip")

	err := w.ValidateWrite(twin.ActPump, 1)
	if !errors.Is(err, ErrLatched) {
		t.Fatalf("Expected ErrLatched, got %v", err)
	}
}

func TestValidateWrite_ConflictInterlock(t *testing.T) {
	w, tw := newTestWatchdog(t)

	tw.SetActuator(twin.ActPHUpPump, 1, twin.SourceAgent)

	if err := w.ValidateWrite(twin.ActPHDownPump, 1); !errors.Is(err, ErrConflict) {
		t.Fatalf("Expected ErrConflict, got %v", err)
	}
	// De-energizing either side is always fine.
	if err := w.ValidateWrite(twin.ActPHUpPump, 0); err != nil {
		t.Fatalf("Expected turn-off to pass, got %v", err)
	}
	if err := w.ValidateWrite(twin.ActPHDownPump, 0); err != nil {
		t.Fatalf("Expected turn-off to pass, got %v", err)
	}
}

func TestReset_TokenGate(t *testing.T) {
	w, _ := newTestWatchdog(t)

	if err := w.Reset("secret"); !errors.Is(err, ErrNotLatched) {
		t.Fatalf("Expected ErrNotLatched before any trip, got %v", err)
	}

	w.TriggerEmergencyStop("test trip")

	if err := w.Reset("wrong"); !errors.Is(err, ErrBadToken) {
		t.Fatalf("Expected ErrBadToken, got %v", err)
	}
	if latched, _ := w.Latched(); !latched {
		t.Fatal("Expected latch to hold after bad token")
	}

	if err := w.Reset("secret"); err != nil {
		t.Fatalf("Expected reset to succeed, got %v", err)
	}
	if latched, _ := w.Latched(); latched {
		t.Fatal("Expected latch released after valid token")
	}
	if err := w.ValidateWrite(twin.ActPump, 1); err != nil {
		t.Fatalf("Expected writes allowed after reset, got %v", err)
	}
}

func TestCheckLiveness_StaleTelemetryTrips(t *testing.T) {
	clock := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	w, _ := newTestWatchdog(t, WithClock(now))

	w.CheckLiveness()
	if latched, _ := w.Latched(); latched {
		t.Fatal("Expected fresh watchdog to stay clear")
	}

	clock = clock.Add(31 * time.Second)
	w.CheckLiveness()
	latched, reason := w.Latched()
	if !latched {
		t.Fatal("Expected latch after 31s of silence")
	}
	if reason == "" {
		t.Fatal("Expected trip reason to mention silence")
	}
}

func TestTripHook_FiresOncePerLatch(t *testing.T) {
	var reasons []string
	w, _ := newTestWatchdog(t, WithTripHook(func(reason string) {
		reasons = append(reasons, reason)
	}))

	w.TriggerEmergencyStop("first")
	w.TriggerEmergencyStop("second")
	if len(reasons) != 1 || reasons[0] != "first" {
		t.Fatalf("Expected single hook call for first trip, got %v", reasons)
	}

	if err := w.Reset("secret"); err != nil {
		t.Fatal(err)
	}
	w.TriggerEmergencyStop("third")
	if len(reasons) != 2 || reasons[1] != "third" {
		t.Fatalf("Expected hook on relatch, got %v", reasons)
	}
}
