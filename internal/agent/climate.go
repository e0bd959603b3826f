package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/verdantlabs/canopy/internal/bus"
	"github.com/verdantlabs/canopy/internal/twin"
)

// ActuatorWriter pushes agent-sourced setpoints toward the plant. The
// industrial bridge implements it; writes pass the safety watchdog
// before reaching the twin or the hardware driver.
type ActuatorWriter interface {
	WriteSetpoint(ctx context.Context, id string, value float64, user bool) error
}

// Climate setpoints. The agent holds the house inside this band.
const (
	heatBelowC    = 18.0
	heatOffAboveC = 22.0
	ventAboveC    = 26.0
	lightBelowLux = 8000.0
)

// ClimateHandler closes the control loop: it consumes telemetry frames
// and nudges heater, vent, and lights toward the comfort band.
// Rejected writes (user overrides, safety latch) are logged and
// skipped.
type ClimateHandler struct {
	Bus    *bus.Bus
	Writer ActuatorWriter
	Logger *slog.Logger

	mu     sync.Mutex
	subs   []*bus.Subscription
	cancel context.CancelFunc
}

func (h *ClimateHandler) Initialize(ctx context.Context, a *Agent) error {
	topics := []string{bus.TopicTelemetryGreenhouse, bus.TopicTelemetryIndustrial}
	subs := make([]*bus.Subscription, 0, len(topics))
	for _, topic := range topics {
		sub, err := h.Bus.Subscribe(topic,
			bus.WithOwner(a.ID),
			bus.WithQueueDepth(8),
		)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return fmt.Errorf("failed to subscribe %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.subs = subs
	h.cancel = cancel
	h.mu.Unlock()

	for _, sub := range subs {
		go h.controlLoop(loopCtx, a, sub)
	}
	return nil
}

func (h *ClimateHandler) controlLoop(ctx context.Context, a *Agent, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			h.react(ctx, a, msg.Payload)
		}
	}
}

func (h *ClimateHandler) react(ctx context.Context, a *Agent, reading map[string]any) {
	temp, ok := asFloat(reading["temperature"])
	if !ok {
		return
	}

	switch {
	case temp < heatBelowC:
		h.write(ctx, a, twin.ActHeater, 1)
		h.write(ctx, a, twin.ActVent, 0)
	case temp > ventAboveC:
		h.write(ctx, a, twin.ActHeater, 0)
		h.write(ctx, a, twin.ActVent, 1)
	case temp > heatOffAboveC:
		h.write(ctx, a, twin.ActHeater, 0)
	}

	if lux, ok := asFloat(reading["lux"]); ok {
		if lux < lightBelowLux {
			h.write(ctx, a, twin.ActLights, 1)
		} else {
			h.write(ctx, a, twin.ActLights, 0)
		}
	}
}

func (h *ClimateHandler) write(ctx context.Context, a *Agent, id string, value float64) {
	err := h.Writer.WriteSetpoint(ctx, id, value, false)
	if err != nil && !errors.Is(err, context.Canceled) {
		h.Logger.Debug("climate write rejected", "agent_id", a.ID, "actuator", id, "error", err)
	}
}

// HandleRequest reports the current setpoint band; the real work
// happens in the telemetry loop.
func (h *ClimateHandler) HandleRequest(ctx context.Context, a *Agent, msg bus.Message) (map[string]any, error) {
	return map[string]any{
		"role":          "climate",
		"heat_below_c":  heatBelowC,
		"vent_above_c":  ventAboveC,
		"light_below":   lightBelowLux,
		"control_state": string(a.State()),
	}, nil
}

func (h *ClimateHandler) Teardown(ctx context.Context, a *Agent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
	}
	for _, sub := range h.subs {
		sub.Unsubscribe()
	}
	h.subs = nil
	return nil
}

// RegisterClimateRole installs the climate control role.
func RegisterClimateRole(r *Runtime, b *bus.Bus, writer ActuatorWriter, logger *slog.Logger) {
	r.RegisterRole("climate", func() Handler {
		return &ClimateHandler{Bus: b, Writer: writer, Logger: logger}
	})
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
