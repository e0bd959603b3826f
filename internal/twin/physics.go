package twin

import (
	"math"
)

// Physics constants. The cycle runs at 1 Hz; one real second advances
// the simulation by TimeSpeed seconds.
const (
	TimeSpeed     = 60.0 // 1 real second = 1 simulated minute
	tempBase      = 20.0 // °C baseline inside the house
	tempAmplitude = 3.0  // day/night swing
	phMaxLevel    = 8.5
	phMinLevel    = 4.0

	electricityRate = 0.12 // $/kWh
)

// Per-actuator power draw in kW, used for opex accumulation.
var powerConsumption = map[string]float64{
	ActHeater: 1.5,
	ActFan:    0.2,
	ActPump:   0.1,
	ActLights: 0.6,
	ActO2Pump: 0.05,
}

// Step advances the twin by delta seconds of real time. It never
// panics: negative deltas are clamped to zero and any factor that
// would produce a non-finite value is skipped and logged. Holding the
// state mutex for the whole step keeps it atomic with respect to
// actuator writes.
func (t *Twin) Step(delta float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if delta < 0 {
		delta = 0
	}

	t.simTime = t.now().Sub(t.createdAt).Seconds()
	t.cycleCount++
	t.updatedAt = t.now()

	dtRatio := delta / 3600.0

	// Simulated clock. Weather rerolls and the crop ages on each day
	// boundary.
	simMinutes := (delta * TimeSpeed) / 60.0
	t.env.SimHour += simMinutes / 60.0
	if t.env.SimHour >= 24.0 {
		t.env.SimHour -= 24.0
		t.env.SimDay++
		t.crop.DaysInStage++
		t.env.Weather = t.rollWeather()
	}

	hour := t.env.SimHour
	isDaytime := float64(t.env.Sunrise) <= hour && hour < float64(t.env.Sunset)

	t.stepOutsideTemp(hour)
	t.stepTemperature(hour, isDaytime)
	t.stepHumidity(hour)
	t.stepLux(hour, isDaytime)
	t.stepPH()
	t.stepWaterPressure()
	t.stepCO2()
	t.stepDissolvedO2()
	t.stepOpex(delta, dtRatio)
	t.stepStress(isDaytime, dtRatio)

	if t.cycleCount%60 == 0 {
		t.logger.Info("twin state",
			"temperature", round(t.sensors[SensorTemperature], 1),
			"ph", round(t.sensors[SensorPH], 2),
			"stress", round(t.stressIndex, 2),
			"power_kwh", round(t.opex.ElectricityKWh, 2),
			"sim_day", t.env.SimDay,
			"weather", t.env.Weather,
		)
	}
}

// rollWeather is weighted: sunny and overcast twice as likely as rain.
func (t *Twin) rollWeather() string {
	choices := []string{WeatherSunny, WeatherSunny, WeatherOvercast, WeatherOvercast, WeatherRain}
	return choices[t.rng.Intn(len(choices))]
}

func (t *Twin) stepOutsideTemp(hour float64) {
	base := 10.0
	if hour >= 6 && hour <= 18 {
		dayProgress := (hour - 6) / 12.0
		base = 15.0 + 10.0*math.Sin(dayProgress*math.Pi)
	}
	switch t.env.Weather {
	case WeatherOvercast:
		base -= 3.0
	case WeatherRain:
		base -= 6.0
	}
	t.setSensor("outside", &t.env.OutsideTemp, base+t.noise(0.5))
}

func (t *Twin) stepTemperature(hour float64, isDaytime bool) {
	base := tempBase - 2
	if isDaytime {
		base = tempBase + tempAmplitude*math.Sin((hour-6)*math.Pi/12)
	}

	// Greenhouse walls leak: the outside pulls the inside toward it.
	base += (t.env.OutsideTemp - base) * 0.1

	if t.actuators[ActHeater].value > 0 {
		base += 2.0
	}
	if vent := t.actuators[ActVent].value; vent > 0 {
		base -= vent * 3.0
	}

	t.writeSensor(SensorTemperature, base+t.noise(0.05))
}

func (t *Twin) stepHumidity(hour float64) {
	base := 50 + 10*math.Cos((hour-12)*math.Pi/12)
	switch t.env.Weather {
	case WeatherRain:
		base += 15
	case WeatherOvercast:
		base += 5
	}
	t.writeSensor(SensorHumidity, clamp(base+t.noise(0.3), 20, 95))
}

func (t *Twin) stepLux(hour float64, isDaytime bool) {
	base := 0.0
	if isDaytime {
		base = 30000 * math.Sin((hour-6)*math.Pi/12)
		switch t.env.Weather {
		case WeatherOvercast:
			base *= 0.4
		case WeatherRain:
			base *= 0.2
		}
	}
	if t.actuators[ActLights].value > 0 {
		base += 15000
	}
	t.writeSensor(SensorLux, math.Max(0, base+t.noise(100)))
}

func (t *Twin) stepPH() {
	ph := t.sensors[SensorPH]
	dosing := t.actuators[ActPump].value > 0 ||
		t.actuators[ActNutrientA].value > 0 ||
		t.actuators[ActNutrientB].value > 0

	switch {
	case t.actuators[ActPHUpPump].value > 0:
		ph = math.Min(phMaxLevel, ph+0.08*t.rng.Float64())
	case t.actuators[ActPHDownPump].value > 0:
		ph = math.Max(phMinLevel, ph-0.08*t.rng.Float64())
	case dosing:
		// Nutrient injection drifts pH upward, scaled by dose rate.
		strength := math.Min(100, t.actuators[ActNutrientA].value+t.actuators[ActNutrientB].value)
		if strength == 0 {
			strength = 100 // bare pump circulation
		}
		ph = math.Min(phMaxLevel, ph+0.05*(strength/100.0)*t.rng.Float64())
	default:
		// Natural acidification.
		ph = math.Max(phMinLevel, ph-0.01*t.rng.Float64())
	}
	t.writeSensor(SensorPH, ph)
}

func (t *Twin) stepWaterPressure() {
	target := 0.0
	if t.actuators[ActPump].value > 0 {
		target = 40.0
	}
	p := t.sensors[SensorWaterPressure]
	t.writeSensor(SensorWaterPressure, p+(target-p)*0.2)
}

func (t *Twin) stepCO2() {
	co2 := t.sensors[SensorCO2]
	if t.actuators[ActVent].value > 0.5 {
		co2 = math.Max(300, co2-5) // fresh air exchange
	} else {
		co2 = math.Min(1200, co2+2) // plant respiration
	}
	t.writeSensor(SensorCO2, co2)
}

func (t *Twin) stepDissolvedO2() {
	o2 := t.sensors[SensorDissolvedO2]
	if t.actuators[ActO2Pump].value > 0 {
		o2 = math.Min(12.0, o2+0.1)
	} else {
		o2 = math.Max(3.0, o2-0.02)
	}
	t.writeSensor(SensorDissolvedO2, o2)
}

func (t *Twin) stepOpex(delta, dtRatio float64) {
	for id, kw := range powerConsumption {
		if t.actuators[id].value > 0 {
			t.opex.ElectricityKWh += kw * dtRatio
		}
	}
	t.opex.UtilityCost = t.opex.ElectricityKWh * electricityRate

	speedA := doseSpeed(t.actuators[ActNutrientA].value)
	speedB := doseSpeed(t.actuators[ActNutrientB].value)
	if speedA > 0 || speedB > 0 {
		avgSpeed := (speedA + speedB) / 200.0
		t.opex.NutrientsL += 0.01 * avgSpeed * (delta / 60.0)
		t.writeSensor(SensorEC, math.Min(3.5, t.sensors[SensorEC]+0.01*avgSpeed))
	} else {
		// Plants keep absorbing nutrients between doses.
		t.writeSensor(SensorEC, math.Max(0.5, t.sensors[SensorEC]-0.001))
	}
}

// doseSpeed maps a rate actuator to a 0..100 dosing speed.
func doseSpeed(v float64) float64 {
	return math.Min(100, v*100)
}

type stressFactor struct {
	name string
	gain float64
}

func (t *Twin) stepStress(isDaytime bool, dtRatio float64) {
	var factors []stressFactor

	temp := t.sensors[SensorTemperature]
	switch {
	case temp > 32.0:
		factors = append(factors, stressFactor{"temp_high", (temp - 32.0) * 0.03})
	case temp > 28.0:
		factors = append(factors, stressFactor{"temp_warm", (temp - 28.0) * 0.01})
	case temp < 15.0:
		factors = append(factors, stressFactor{"temp_cold", (15.0 - temp) * 0.03})
	case temp < 18.0:
		factors = append(factors, stressFactor{"temp_cool", (18.0 - temp) * 0.01})
	}

	ph := t.sensors[SensorPH]
	if ph < 5.5 || ph > 7.0 {
		factors = append(factors, stressFactor{"ph_extreme", 0.02})
	} else if ph < 5.8 || ph > 6.5 {
		factors = append(factors, stressFactor{"ph_suboptimal", 0.005})
	}

	ec := t.sensors[SensorEC]
	if ec < 0.8 {
		factors = append(factors, stressFactor{"ec_low", (0.8 - ec) * 0.02})
	} else if ec > 3.0 {
		factors = append(factors, stressFactor{"ec_high", (ec - 3.0) * 0.03})
	}

	humidity := t.sensors[SensorHumidity]
	if humidity > 85 {
		factors = append(factors, stressFactor{"humidity_high", (humidity - 85) * 0.002})
	} else if humidity < 30 {
		factors = append(factors, stressFactor{"humidity_low", (30 - humidity) * 0.002})
	}

	if t.sensors[SensorLux] < 5000 && isDaytime {
		factors = append(factors, stressFactor{"light_low", 0.01})
	}

	if o2 := t.sensors[SensorDissolvedO2]; o2 < 5.0 {
		factors = append(factors, stressFactor{"o2_low", (5.0 - o2) * 0.02})
	}

	var totalGain float64
	var names []string
	for _, f := range factors {
		if !math.IsNaN(f.gain) && !math.IsInf(f.gain, 0) {
			totalGain += f.gain
			names = append(names, f.name)
		}
	}

	if totalGain > 0 {
		t.logger.Debug("stress factors active", "factors", names)
		t.stressIndex = math.Min(1.0, t.stressIndex+totalGain*dtRatio*10)
	} else {
		// Recovery once every factor is back in its optimal band.
		t.stressIndex = math.Max(0.0, t.stressIndex-0.01)
	}
	t.plantHealth = math.Max(0.0, 1.0-math.Pow(t.stressIndex, 0.7))

	if t.stressIndex > 0.5 {
		loss := (t.stressIndex - 0.5) * 0.1
		t.yieldPotential = math.Max(0, t.yieldPotential-loss)
		t.wastedCrops += loss
	}

	// Autonomous operation saves manual intervention while the house
	// is healthy.
	if t.stressIndex < 0.2 {
		t.opex.LaborSavedH += 0.5 * dtRatio
	}
}

// writeSensor guards against non-finite values leaking into state: a
// bad factor computation is skipped and logged, never stored.
func (t *Twin) writeSensor(id string, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		t.logger.Warn("skipping non-finite sensor update", "sensor", id)
		return
	}
	t.sensors[id] = v
}

func (t *Twin) setSensor(name string, dst *float64, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		t.logger.Warn("skipping non-finite update", "field", name)
		return
	}
	*dst = v
}

func (t *Twin) noise(amplitude float64) float64 {
	return (t.rng.Float64()*2 - 1) * amplitude
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}
