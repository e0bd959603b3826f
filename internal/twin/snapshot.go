package twin

import "time"

// Snapshot is a full, detached copy of the twin state. Mutating it has
// no effect on the live twin.
type Snapshot struct {
	Sensors        map[string]float64 `json:"sensors"`
	Actuators      map[string]float64 `json:"actuators"`
	Overrides      map[string]bool    `json:"overrides"`
	Environment    Environment        `json:"environment"`
	Crop           Crop               `json:"crop"`
	Opex           Opex               `json:"opex"`
	StressIndex    float64            `json:"stress_index"`
	PlantHealth    float64            `json:"plant_health"`
	YieldPotential float64            `json:"yield_potential"`
	WastedCrops    float64            `json:"wasted_crops"`
	SimTime        float64            `json:"sim_time"`
	CycleCount     int64              `json:"cycle_count"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Snapshot copies the whole state vector under the lock.
func (t *Twin) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		Sensors:        make(map[string]float64, len(t.sensors)),
		Actuators:      make(map[string]float64, len(t.actuators)),
		Overrides:      make(map[string]bool, len(t.overrides)),
		Environment:    t.env,
		Crop:           t.crop,
		Opex:           t.opex,
		StressIndex:    t.stressIndex,
		PlantHealth:    t.plantHealth,
		YieldPotential: t.yieldPotential,
		WastedCrops:    t.wastedCrops,
		SimTime:        t.simTime,
		CycleCount:     t.cycleCount,
		UpdatedAt:      t.updatedAt,
	}
	for id, v := range t.sensors {
		s.Sensors[id] = v
	}
	for id, a := range t.actuators {
		s.Actuators[id] = a.value
	}
	for id, on := range t.overrides {
		if on {
			s.Overrides[id] = true
		}
	}
	return s
}

// TelemetryPacket is the compact reading set published on the bus and
// streamed to UI clients, with display rounding applied.
type TelemetryPacket struct {
	Temperature   float64 `json:"temperature"`
	Humidity      float64 `json:"humidity"`
	CO2           float64 `json:"co2"`
	Lux           float64 `json:"lux"`
	PHLevel       float64 `json:"ph_level"`
	ECLevel       float64 `json:"ec_level"`
	WaterPressure float64 `json:"water_pressure"`
	DissolvedO2   float64 `json:"dissolved_o2"`
	PumpStatus    bool    `json:"pump_status"`
	PlantHealth   float64 `json:"plant_health"`
	StressIndex   float64 `json:"stress_index"`
	PowerKWh      float64 `json:"power_kwh"`
	SimDay        int     `json:"sim_day"`
	SimHour       float64 `json:"sim_hour"`
	Weather       string  `json:"weather"`
}

// TelemetryPacket builds the rounded reading set under the lock.
func (t *Twin) TelemetryPacket() TelemetryPacket {
	t.mu.Lock()
	defer t.mu.Unlock()

	return TelemetryPacket{
		Temperature:   round(t.sensors[SensorTemperature], 1),
		Humidity:      round(t.sensors[SensorHumidity], 1),
		CO2:           round(t.sensors[SensorCO2], 0),
		Lux:           round(t.sensors[SensorLux], 0),
		PHLevel:       round(t.sensors[SensorPH], 2),
		ECLevel:       round(t.sensors[SensorEC], 2),
		WaterPressure: round(t.sensors[SensorWaterPressure], 1),
		DissolvedO2:   round(t.sensors[SensorDissolvedO2], 2),
		PumpStatus:    t.actuators[ActPump].value > 0,
		PlantHealth:   round(t.plantHealth, 2),
		StressIndex:   round(t.stressIndex, 2),
		PowerKWh:      round(t.opex.ElectricityKWh, 3),
		SimDay:        t.env.SimDay,
		SimHour:       round(t.env.SimHour, 2),
		Weather:       t.env.Weather,
	}
}
