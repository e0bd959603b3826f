// Package safety implements the supervisory watchdog: hard sensor
// limits, actuator conflict interlocks, and a latched emergency stop
// that only an operator token can release.
package safety

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/verdantlabs/canopy/internal/twin"
)

var (
	// ErrLatched rejects actuator writes while the emergency stop holds.
	ErrLatched = errors.New("emergency stop latched, writes rejected")
	// ErrConflict rejects writes that would energize both sides of an
	// interlocked actuator pair.
	ErrConflict = errors.New("conflicting actuator already energized")
	// ErrBadToken rejects a reset attempt with the wrong operator token.
	ErrBadToken = errors.New("invalid safety reset token")
	// ErrNotLatched rejects a reset when no stop is active.
	ErrNotLatched = errors.New("emergency stop is not latched")
)

// ActuatorPlant is the slice of the twin the watchdog drives when it
// forces the plant into its safe state.
type ActuatorPlant interface {
	SetActuator(id string, value float64, source twin.Source) bool
	Actuator(id string) (float64, bool)
}

// EventSink receives watchdog events (FATAL trips, resets).
type EventSink func(event string, data map[string]any)

// TripHook is called once per latch transition, after the safe state
// has been applied.
type TripHook func(reason string)

// Watchdog enforces the safety policy. All methods are safe for
// concurrent use.
type Watchdog struct {
	mu sync.Mutex

	policy     Policy
	plant      ActuatorPlant
	resetToken string

	latched    bool
	tripReason string
	trippedAt  time.Time
	lastSeen   time.Time

	now    func() time.Time
	logger *slog.Logger
	sink   EventSink
	onTrip TripHook
}

// Option customizes a Watchdog at construction time.
type Option func(*Watchdog)

// WithClock substitutes the wall clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) { w.now = now }
}

// WithEventSink installs the callback that receives trip and reset
// events.
func WithEventSink(sink EventSink) Option {
	return func(w *Watchdog) { w.sink = sink }
}

// WithTripHook installs a callback fired on each latch transition.
func WithTripHook(hook TripHook) Option {
	return func(w *Watchdog) { w.onTrip = hook }
}

// New builds a watchdog over the given plant. resetToken is the
// operator secret required to release a latched stop.
func New(policy Policy, plant ActuatorPlant, resetToken string, logger *slog.Logger, opts ...Option) *Watchdog {
	w := &Watchdog{
		policy:     policy,
		plant:      plant,
		resetToken: resetToken,
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.lastSeen = w.now()
	return w
}

// ValidateWrite gates an actuator write before it reaches the plant.
// It rejects everything while the stop is latched and enforces the
// conflict interlocks for energizing writes.
func (w *Watchdog) ValidateWrite(id string, value float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.latched {
		return fmt.Errorf("%w (reason: %s)", ErrLatched, w.tripReason)
	}

	if value <= 0 {
		return nil // de-energizing is always allowed
	}
	for _, pair := range w.policy.Conflicts {
		other := ""
		switch id {
		case pair[0]:
			other = pair[1]
		case pair[1]:
			other = pair[0]
		default:
			continue
		}
		if v, ok := w.plant.Actuator(other); ok && v > 0 {
			return fmt.Errorf("%w: %s is on, refusing %s", ErrConflict, other, id)
		}
	}
	return nil
}

// CheckTelemetry evaluates a reading set against the policy ranges and
// trips the emergency stop on the first violation. Repeated violations
// while already latched are silent.
func (w *Watchdog) CheckTelemetry(readings map[string]float64) {
	w.mu.Lock()
	w.lastSeen = w.now()
	if w.latched {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	for id, r := range w.policy.Ranges {
		v, ok := readings[id]
		if !ok {
			continue
		}
		if v < r.Min || v > r.Max {
			reason := fmt.Sprintf("%s out of range: %.2f not in [%.1f, %.1f]", r.Code, v, r.Min, r.Max)
			w.TriggerEmergencyStop(reason)
			return
		}
	}
}

// CheckLiveness trips the stop when no telemetry has arrived within the
// policy command timeout. The engine calls it from its supervision loop.
func (w *Watchdog) CheckLiveness() {
	w.mu.Lock()
	stale := !w.latched && w.now().Sub(w.lastSeen) > w.policy.CommandTimeout
	age := w.now().Sub(w.lastSeen)
	w.mu.Unlock()

	if stale {
		w.TriggerEmergencyStop(fmt.Sprintf("telemetry silent for %s", age.Round(time.Second)))
	}
}

// TriggerEmergencyStop latches the stop, drives the plant to its safe
// state, and emits a single FATAL event. Calling it while already
// latched is a no-op.
func (w *Watchdog) TriggerEmergencyStop(reason string) {
	w.mu.Lock()
	if w.latched {
		w.mu.Unlock()
		return
	}
	w.latched = true
	w.tripReason = reason
	w.trippedAt = w.now()
	w.mu.Unlock()

	w.applySafeState()

	w.logger.Error("EMERGENCY STOP", "reason", reason)
	if w.sink != nil {
		w.sink("COMMAND_ERROR", map[string]any{
			"severity":   "FATAL",
			"reason":     reason,
			"tripped_at": w.trippedAt.UTC().Format(time.RFC3339),
		})
	}
	if w.onTrip != nil {
		w.onTrip(reason)
	}
}

// applySafeState de-energizes every dosing and heating actuator and
// opens the vent. Writes go in as user-sourced so agents cannot undo
// them before the latch is noticed.
func (w *Watchdog) applySafeState() {
	off := []string{
		twin.ActPump,
		twin.ActHeater,
		twin.ActNutrientA,
		twin.ActNutrientB,
		twin.ActPHUpPump,
		twin.ActPHDownPump,
		twin.ActLights,
	}
	for _, id := range off {
		w.plant.SetActuator(id, 0, twin.SourceUser)
	}
	w.plant.SetActuator(twin.ActVent, 1, twin.SourceUser)
	w.plant.SetActuator(twin.ActFan, 1, twin.SourceUser)
}

// Reset releases the latch. The token must match the configured
// operator secret.
func (w *Watchdog) Reset(token string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.latched {
		return ErrNotLatched
	}
	if w.resetToken == "" || token != w.resetToken {
		w.logger.Warn("safety reset rejected: bad token")
		return ErrBadToken
	}

	w.latched = false
	w.tripReason = ""
	w.lastSeen = w.now()
	w.logger.Info("emergency stop released by operator")
	if w.sink != nil {
		w.sink("SAFETY_RESET", map[string]any{})
	}
	return nil
}

// Latched reports the latch state and, when latched, the trip reason.
func (w *Watchdog) Latched() (bool, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latched, w.tripReason
}
