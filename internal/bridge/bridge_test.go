package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/verdantlabs/canopy/internal/bus"
	"github.com/verdantlabs/canopy/internal/twin"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// flakyTransport fails every read after a configurable point.
type flakyTransport struct {
	mu        sync.Mutex
	failAfter int
	reads     int
	connectOK bool
}

func (f *flakyTransport) Name() string { return "flaky" }
func (f *flakyTransport) Connect(ctx context.Context) error {
	if !f.connectOK {
		return errors.New("no route to station")
	}
	return nil
}
func (f *flakyTransport) Disconnect() error { return nil }
func (f *flakyTransport) ReadSensors(ctx context.Context) (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.reads > f.failAfter {
		return nil, errors.New("sensor bus fault")
	}
	return map[string]float64{twin.SensorTemperature: 21.5}, nil
}
func (f *flakyTransport) WriteSetpoint(ctx context.Context, id string, value float64, user bool) error {
	return nil
}

func TestConnect_FallsBackToSim(t *testing.T) {
	b := bus.New(discardLogger())
	defer b.Close()
	tw := twin.New(discardLogger(), twin.WithSeed(5))

	primary := &flakyTransport{connectOK: false}
	br := New(primary, b, discardLogger(), WithFallback(NewSimDriver(tw)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := br.Connect(ctx); err != nil {
		t.Fatalf("Expected fallback connect to succeed, got %v", err)
	}
	if br.Mode() != "sim" {
		t.Fatalf("Expected sim mode after fallback, got %s", br.Mode())
	}

	// Idempotent.
	if err := br.Connect(ctx); err != nil {
		t.Fatalf("Expected repeat connect to be a no-op, got %v", err)
	}
}

func TestRun_PublishesConditionedTelemetry(t *testing.T) {
	b := bus.New(discardLogger())
	defer b.Close()
	tw := twin.New(discardLogger(), twin.WithSeed(5))

	var reported []map[string]any
	var mu sync.Mutex
	br := New(NewSimDriver(tw), b, discardLogger(),
		WithIntervals(5*time.Millisecond, 25*time.Millisecond),
		WithReporter(func(packet map[string]any) {
			mu.Lock()
			reported = append(reported, packet)
			mu.Unlock()
		}),
	)

	sub, err := b.Subscribe(bus.TopicTelemetryIndustrial, bus.WithQueueDepth(64))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := br.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	go br.Run(ctx)
	defer br.Disconnect()

	var packet map[string]any
	deadline := time.After(5 * time.Second)
	for packet == nil {
		select {
		case msg := <-sub.C():
			// Wait for a deep enough window to carry noise stats.
			if msg.Payload["temperature_noise_std"] != nil {
				packet = msg.Payload
			}
		case <-deadline:
			t.Fatal("Expected a conditioned telemetry packet")
		}
	}

	if packet["temperature"] == nil || packet["humidity"] == nil {
		t.Fatalf("Expected raw readings in packet, got %v", packet)
	}
	vpdVal, ok := packet["vpd_kpa"].(float64)
	if !ok {
		t.Fatalf("Expected vpd_kpa, got %v", packet["vpd_kpa"])
	}
	temp := packet["temperature"].(float64)
	hum := packet["humidity"].(float64)
	svp := 0.61078 * math.Exp(17.27*temp/(temp+237.3))
	if want := svp * (1 - hum/100); math.Abs(vpdVal-want) > 1e-9 {
		t.Fatalf("Expected vpd %f, got %f", want, vpdVal)
	}
	if packet["transport"] != "sim" {
		t.Fatalf("Expected sim transport tag, got %v", packet["transport"])
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reported) == 0 {
		t.Fatal("Expected the reporter hook to observe packets")
	}
}

func TestSample_BreakerEscalatesToEStop(t *testing.T) {
	b := bus.New(discardLogger())
	defer b.Close()

	var estopped []string
	var mu sync.Mutex
	flaky := &flakyTransport{connectOK: true, failAfter: 2}
	br := New(flaky, b, discardLogger(),
		WithIntervals(time.Millisecond, time.Hour),
		WithEStop(func(reason string) {
			mu.Lock()
			estopped = append(estopped, reason)
			mu.Unlock()
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := br.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	go br.Run(ctx)
	defer br.Disconnect()

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		n := len(estopped)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Expected breaker to escalate to emergency stop")
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(estopped) != 1 {
		t.Fatalf("Expected a single escalation per trip, got %d", len(estopped))
	}
}

func TestWriteSetpoint_GateBlocks(t *testing.T) {
	b := bus.New(discardLogger())
	defer b.Close()
	tw := twin.New(discardLogger(), twin.WithSeed(5))

	gateErr := errors.New("interlock")
	br := New(NewSimDriver(tw), b, discardLogger(),
		WithWriteGate(gateFunc(func(id string, value float64) error {
			if id == twin.ActPHUpPump {
				return gateErr
			}
			return nil
		})),
	)

	ctx := context.Background()
	if err := br.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	if err := br.WriteSetpoint(ctx, twin.ActPHUpPump, 1, false); !errors.Is(err, gateErr) {
		t.Fatalf("Expected gate error, got %v", err)
	}
	if v, _ := tw.Actuator(twin.ActPHUpPump); v != 0 {
		t.Fatal("Expected blocked write to never reach the plant")
	}

	if err := br.WriteSetpoint(ctx, twin.ActPump, 1, true); err != nil {
		t.Fatalf("Expected allowed write to land, got %v", err)
	}
	if v, _ := tw.Actuator(twin.ActPump); v != 1 {
		t.Fatal("Expected pump on after write")
	}
	if !tw.OverrideActive(twin.ActPump) {
		t.Fatal("Expected user-sourced write to set the override")
	}
}

type gateFunc func(id string, value float64) error

func (f gateFunc) ValidateWrite(id string, value float64) error { return f(id, value) }

func TestDisconnect_Idempotent(t *testing.T) {
	b := bus.New(discardLogger())
	defer b.Close()
	tw := twin.New(discardLogger(), twin.WithSeed(5))
	br := New(NewSimDriver(tw), b, discardLogger())

	if err := br.Disconnect(); err != nil {
		t.Fatalf("Expected disconnect before connect to be a no-op, got %v", err)
	}
	if err := br.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := br.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if err := br.Disconnect(); err != nil {
		t.Fatalf("Expected repeat disconnect to be a no-op, got %v", err)
	}
	if err := br.WriteSetpoint(context.Background(), twin.ActPump, 1, false); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Expected ErrNotConnected after disconnect, got %v", err)
	}
}

func TestRing_Stats(t *testing.T) {
	r := newRing(4)
	if _, ok := r.latest(); ok {
		t.Fatal("Expected empty ring to have no latest")
	}

	for _, v := range []float64{1, 2, 3, 4, 5} { // 1 evicted
		r.push(v)
	}
	if r.len() != 4 {
		t.Fatalf("Expected full ring of 4, got %d", r.len())
	}
	if v, _ := r.latest(); v != 5 {
		t.Fatalf("Expected latest 5, got %f", v)
	}
	if m := r.mean(); m != 3.5 {
		t.Fatalf("Expected mean 3.5, got %f", m)
	}
	if sd := r.stddev(); math.Abs(sd-math.Sqrt(1.25)) > 1e-12 {
		t.Fatalf("Expected stddev sqrt(1.25), got %f", sd)
	}
}
