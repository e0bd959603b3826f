package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/verdantlabs/canopy/internal/bus"
	"github.com/verdantlabs/canopy/internal/twin"
)

// twinWriter drives the twin directly, standing in for the bridge.
type twinWriter struct{ tw *twin.Twin }

func (w twinWriter) WriteSetpoint(ctx context.Context, id string, value float64, user bool) error {
	src := twin.SourceAgent
	if user {
		src = twin.SourceUser
	}
	if !w.tw.SetActuator(id, value, src) {
		return errors.New("write rejected")
	}
	return nil
}

func TestClimate_HeatsWhenCold(t *testing.T) {
	b := bus.New(discardLogger())
	defer b.Close()
	tw := twin.New(discardLogger(), twin.WithSeed(3))
	r := NewRuntime(b, t.TempDir(), discardLogger())
	RegisterClimateRole(r, b, twinWriter{tw}, discardLogger())

	a, err := r.Spawn(context.Background(), "climate")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Kill(context.Background(), a.ID)

	cold := bus.NewMessage(bus.TopicTelemetryGreenhouse, bus.KindEvent, "twin", map[string]any{
		"temperature": 12.0,
		"lux":         20000.0,
	})
	if err := b.Publish(context.Background(), cold); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		v, _ := tw.Actuator(twin.ActHeater)
		return v == 1
	}, "heater on below the comfort band")

	hot := bus.NewMessage(bus.TopicTelemetryGreenhouse, bus.KindEvent, "twin", map[string]any{
		"temperature": 30.0,
		"lux":         20000.0,
	})
	if err := b.Publish(context.Background(), hot); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		h, _ := tw.Actuator(twin.ActHeater)
		v, _ := tw.Actuator(twin.ActVent)
		return h == 0 && v == 1
	}, "heater off and vent open above the band")
}

func TestClimate_RespectsUserOverride(t *testing.T) {
	b := bus.New(discardLogger())
	defer b.Close()
	tw := twin.New(discardLogger(), twin.WithSeed(3))
	r := NewRuntime(b, t.TempDir(), discardLogger())
	RegisterClimateRole(r, b, twinWriter{tw}, discardLogger())

	a, err := r.Spawn(context.Background(), "climate")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Kill(context.Background(), a.ID)

	// Operator pins the heater off; the agent must not flip it back.
	tw.SetActuator(twin.ActHeater, 0, twin.SourceUser)

	cold := bus.NewMessage(bus.TopicTelemetryGreenhouse, bus.KindEvent, "twin", map[string]any{
		"temperature": 12.0,
	})
	if err := b.Publish(context.Background(), cold); err != nil {
		t.Fatal(err)
	}

	time.Sleep(200 * time.Millisecond)
	if v, _ := tw.Actuator(twin.ActHeater); v != 0 {
		t.Fatal("Expected user override to hold against the climate agent")
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
