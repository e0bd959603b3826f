// Package twin holds the greenhouse digital twin: the authoritative
// simulated state vector, the physics step that advances it, and the
// actuator arbitration that decides whose writes stick.
package twin

import (
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/verdantlabs/canopy/internal/bcc"
)

// Source identifies who is asking for an actuator change. User writes
// take priority and lock the actuator against agents until the
// override is cleared.
type Source string

const (
	SourceAgent Source = "agent"
	SourceUser  Source = "user"
)

// ActuatorKind constrains the value range of an actuator.
type ActuatorKind int

const (
	// Switch is on/off; values are clamped to 0 or 1.
	Switch ActuatorKind = iota
	// Fraction is a continuous opening in [0,1], e.g. the vent.
	Fraction
	// Rate is a non-negative dosing speed.
	Rate
)

// Well-known actuator ids. The set is fixed at startup.
const (
	ActPump          = "pump_active"
	ActBackflowValve = "backflow_valve"
	ActNutrientA     = "nutrient_a"
	ActNutrientB     = "nutrient_b"
	ActPHUpPump      = "ph_up_pump"
	ActPHDownPump    = "ph_down_pump"
	ActO2Pump        = "o2_pump"
	ActHeater        = "heater"
	ActVent          = "vent"
	ActFan           = "fan"
	ActLights        = "lights"
)

// Well-known sensor ids.
const (
	SensorTemperature   = "temperature"
	SensorHumidity      = "humidity"
	SensorCO2           = "co2"
	SensorLux           = "lux"
	SensorPH            = "ph_level"
	SensorEC            = "ec_level"
	SensorWaterPressure = "water_pressure"
	SensorWaterTemp     = "water_temp"
	SensorDissolvedO2   = "dissolved_o2"
)

// Weather conditions rolled on each simulated day boundary.
const (
	WeatherSunny    = "sunny"
	WeatherOvercast = "overcast"
	WeatherRain     = "rain"
)

type actuator struct {
	kind  ActuatorKind
	value float64
}

// Environment is the simulated outside world.
type Environment struct {
	SimDay      int     `json:"sim_day"`
	SimHour     float64 `json:"sim_hour"`
	Weather     string  `json:"weather"`
	OutsideTemp float64 `json:"outside_temp"`
	Sunrise     int     `json:"sunrise"`
	Sunset      int     `json:"sunset"`
}

// Crop tracks the plant currently in the house.
type Crop struct {
	PlantID     string `json:"plant_id"`
	Stage       string `json:"stage"`
	DayPlanted  int    `json:"day_planted"`
	DaysInStage int    `json:"days_in_stage"`
}

// Opex accumulates operating cost counters. All fields are
// monotonically non-decreasing.
type Opex struct {
	ElectricityKWh float64 `json:"electricity_kwh"`
	NutrientsL     float64 `json:"nutrients_l"`
	UtilityCost    float64 `json:"utility_cost"`
	LaborSavedH    float64 `json:"labor_saved_h"`
}

// EventSink receives twin-originated UI events (override notifications).
type EventSink func(event string, data map[string]any)

// Twin owns the full greenhouse state vector. A single mutex guards
// every mutation; reads by other components go through Snapshot or
// TelemetryPacket which copy under the lock.
type Twin struct {
	mu sync.Mutex

	sensors   map[string]float64
	actuators map[string]*actuator
	overrides map[string]bool
	env       Environment
	crop      Crop
	opex      Opex

	stressIndex    float64
	plantHealth    float64
	yieldPotential float64
	wastedCrops    float64

	simTime    float64
	cycleCount int64
	createdAt  time.Time
	updatedAt  time.Time

	rng    *rand.Rand
	now    func() time.Time
	logger *slog.Logger
	sink   EventSink
}

// Option customizes a Twin at construction time.
type Option func(*Twin)

// WithSeed fixes the noise source so two runs with the same actuator
// trajectory produce identical states.
func WithSeed(seed int64) Option {
	return func(t *Twin) { t.rng = rand.New(rand.NewSource(seed)) }
}

// WithClock substitutes the wall clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(t *Twin) { t.now = now }
}

// WithEventSink installs the callback that receives override events.
func WithEventSink(sink EventSink) Option {
	return func(t *Twin) { t.sink = sink }
}

// New builds a twin with the fixed actuator set and nominal initial
// sensor values.
func New(logger *slog.Logger, opts ...Option) *Twin {
	t := &Twin{
		sensors: map[string]float64{
			SensorTemperature:   22.0,
			SensorHumidity:      45.0,
			SensorCO2:           400.0,
			SensorLux:           15000.0,
			SensorPH:            6.5,
			SensorEC:            1.8,
			SensorWaterPressure: 0.0,
			SensorWaterTemp:     20.0,
			SensorDissolvedO2:   8.0,
		},
		actuators: map[string]*actuator{
			ActPump:          {kind: Switch},
			ActBackflowValve: {kind: Switch, value: 1},
			ActNutrientA:     {kind: Rate},
			ActNutrientB:     {kind: Rate},
			ActPHUpPump:      {kind: Switch},
			ActPHDownPump:    {kind: Switch},
			ActO2Pump:        {kind: Switch},
			ActHeater:        {kind: Switch},
			ActVent:          {kind: Fraction},
			ActFan:           {kind: Switch},
			ActLights:        {kind: Switch},
		},
		overrides: make(map[string]bool),
		env: Environment{
			SimDay:      1,
			SimHour:     6.0,
			Weather:     WeatherSunny,
			OutsideTemp: 18.0,
			Sunrise:     5,
			Sunset:      20,
		},
		crop: Crop{
			PlantID:    "tomato",
			Stage:      "vegetative",
			DayPlanted: 1,
		},
		plantHealth:    1.0,
		yieldPotential: 100.0,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		now:            time.Now,
		logger:         logger,
	}

	for _, opt := range opts {
		opt(t)
	}
	t.createdAt = t.now()
	t.updatedAt = t.createdAt
	return t
}

func clampValue(kind ActuatorKind, v float64) float64 {
	switch kind {
	case Switch:
		if v >= 0.5 {
			return 1
		}
		return 0
	case Fraction:
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	default: // Rate
		if v < 0 {
			return 0
		}
		return v
	}
}

// SetActuator applies a write under the arbitration rules:
// unknown ids are rejected; a user write always lands and locks the
// actuator; an agent write lands only when no user override is active.
// The returned bool is the only failure signal.
func (t *Twin) SetActuator(id string, value float64, source Source) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	act, ok := t.actuators[id]
	if !ok {
		return false
	}

	v := clampValue(act.kind, value)

	if source == SourceUser {
		act.value = v
		t.overrides[id] = true
		t.updatedAt = t.now()
		code := bcc.Compute(Receipt("USER", id, v))
		t.logger.Info("user override: agents locked out",
			"actuator", id,
			"value", v,
			"bcc", code,
		)
		if t.sink != nil {
			t.sink("ACTUATOR_OVERRIDE", map[string]any{
				"actuator": id,
				"value":    v,
				"bcc":      code,
			})
		}
		return true
	}

	if t.overrides[id] {
		t.logger.Info("agent write rejected by user override", "actuator", id)
		return false
	}

	act.value = v
	t.updatedAt = t.now()
	t.logger.Info("agent command applied",
		"actuator", id,
		"value", v,
		"bcc", bcc.Compute(Receipt("AGENT", id, v)),
	)
	return true
}

// Receipt builds the canonical payload string checksummed for
// external industrial consumers. Switch values render as True/False to
// match what the PLC side expects.
func Receipt(who, id string, v float64) string {
	switch v {
	case 1:
		return who + "_SET_" + id + "_True"
	case 0:
		return who + "_SET_" + id + "_False"
	default:
		return who + "_SET_" + id + "_" + strconv.FormatFloat(v, 'f', -1, 64)
	}
}

// Actuator returns the current value of an actuator and whether the id
// is known.
func (t *Twin) Actuator(id string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	act, ok := t.actuators[id]
	if !ok {
		return 0, false
	}
	return act.value, true
}

// OverrideActive reports whether a user override locks the actuator.
func (t *Twin) OverrideActive(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overrides[id]
}

// ClearOverride releases a single actuator back to agent control. The
// actuator value is left untouched.
func (t *Twin) ClearOverride(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.actuators[id]; !ok {
		return
	}
	delete(t.overrides, id)
	t.logger.Info("override cleared", "actuator", id)
}

// ClearAllOverrides restores full agent control.
func (t *Twin) ClearAllOverrides() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overrides = make(map[string]bool)
	t.logger.Info("all overrides cleared")
}

// Overrides returns the set of actuators currently under user control.
func (t *Twin) Overrides() map[string]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]bool, len(t.overrides))
	for id, on := range t.overrides {
		if on {
			out[id] = true
		}
	}
	return out
}
