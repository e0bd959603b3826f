// Package bridge connects the control plane to the plant, real or
// simulated. It samples sensors at 10 Hz, derives latent variables
// over a rolling window, and publishes conditioned telemetry at 2 Hz.
// A circuit breaker over the read path escalates persistent sensor
// failures to an emergency stop.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/verdantlabs/canopy/internal/bus"
	"github.com/verdantlabs/canopy/internal/observability"
	"github.com/verdantlabs/canopy/internal/twin"
)

// ErrAlreadyRunning rejects a second Run on a live bridge.
var ErrAlreadyRunning = errors.New("bridge already running")

const (
	ringCapacity    = 50
	minNoiseSamples = 10
	breakerTripN    = 5
)

// WriteGate pre-validates setpoint writes. The safety watchdog
// implements it.
type WriteGate interface {
	ValidateWrite(id string, value float64) error
}

// EStopFunc escalates a telemetry blackout to the watchdog.
type EStopFunc func(reason string)

// Reporter observes each published telemetry packet.
type Reporter func(packet map[string]any)

// Bridge owns the plant transport and the sampling pipeline.
type Bridge struct {
	mu        sync.Mutex
	transport Transport
	fallback  Transport
	running   bool
	connected bool
	cancel    context.CancelFunc

	rings map[string]*ring

	bus     *bus.Bus
	gate    WriteGate
	estop   EStopFunc
	report  Reporter
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	metrics *observability.MetricsManager

	sampleInterval  time.Duration
	publishInterval time.Duration
}

// Option customizes a Bridge.
type Option func(*Bridge)

// WithFallback installs the transport used when the primary cannot
// connect. Normally the sim driver backing a hardware deployment.
func WithFallback(t Transport) Option {
	return func(b *Bridge) { b.fallback = t }
}

// WithWriteGate installs the safety validator on the write path.
func WithWriteGate(g WriteGate) Option {
	return func(b *Bridge) { b.gate = g }
}

// WithEStop installs the escalation path for persistent read failures.
func WithEStop(f EStopFunc) Option {
	return func(b *Bridge) { b.estop = f }
}

// WithReporter installs an observer for each published packet.
func WithReporter(r Reporter) Option {
	return func(b *Bridge) { b.report = r }
}

// WithIntervals overrides the 10 Hz sample and 2 Hz publish cadence.
func WithIntervals(sample, publish time.Duration) Option {
	return func(b *Bridge) {
		if sample > 0 {
			b.sampleInterval = sample
		}
		if publish > 0 {
			b.publishInterval = publish
		}
	}
}

// WithMetrics wires frame counters into the metrics pipeline.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(b *Bridge) { b.metrics = mm }
}

// New builds a bridge over the given primary transport.
func New(transport Transport, msgBus *bus.Bus, logger *slog.Logger, opts ...Option) *Bridge {
	b := &Bridge{
		transport:       transport,
		rings:           make(map[string]*ring),
		bus:             msgBus,
		logger:          logger,
		sampleInterval:  100 * time.Millisecond,
		publishInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}

	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "plant-read",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripN
		},
		Timeout: 10 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("plant read breaker state change", "from", from.String(), "to", to.String())
			if to == gobreaker.StateOpen && b.estop != nil {
				b.estop(fmt.Sprintf("plant unreadable: %d consecutive sensor failures", breakerTripN))
			}
		},
	})
	return b
}

// Connect brings the primary transport up, retrying with exponential
// backoff, then falls back to the secondary. Idempotent.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	primary := b.transport
	b.mu.Unlock()

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	err := backoff.Retry(func() error {
		return primary.Connect(ctx)
	}, policy)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		if b.fallback == nil {
			return fmt.Errorf("failed to connect %s transport: %w", primary.Name(), err)
		}
		b.logger.Warn("primary transport unreachable, falling back",
			"primary", primary.Name(),
			"fallback", b.fallback.Name(),
			"error", err,
		)
		if err := b.fallback.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect fallback transport: %w", err)
		}
		b.transport = b.fallback
	}
	b.connected = true
	b.logger.Info("bridge connected", "transport", b.transport.Name())
	return nil
}

// Mode reports which transport is live.
func (b *Bridge) Mode() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transport.Name()
}

// Run starts the sampling and publishing loops. It blocks until ctx is
// cancelled or the bridge is disconnected.
func (b *Bridge) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return ErrAlreadyRunning
	}
	if !b.connected {
		b.mu.Unlock()
		return ErrNotConnected
	}
	b.running = true
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	sampleTick := time.NewTicker(b.sampleInterval)
	defer sampleTick.Stop()
	publishTick := time.NewTicker(b.publishInterval)
	defer publishTick.Stop()

	for {
		select {
		case <-runCtx.Done():
			return nil
		case <-sampleTick.C:
			b.sample(runCtx)
		case <-publishTick.C:
			b.publish(runCtx)
		}
	}
}

func (b *Bridge) sample(ctx context.Context) {
	result, err := b.breaker.Execute(func() (any, error) {
		readCtx, cancel := context.WithTimeout(ctx, b.sampleInterval)
		defer cancel()
		return b.transport.ReadSensors(readCtx)
	})
	if err != nil {
		if !errors.Is(err, gobreaker.ErrOpenState) {
			b.logger.Warn("sensor read failed", "error", err)
		}
		return
	}

	readings := result.(map[string]float64)
	b.mu.Lock()
	for id, v := range readings {
		r, ok := b.rings[id]
		if !ok {
			r = newRing(ringCapacity)
			b.rings[id] = r
		}
		r.push(v)
	}
	b.mu.Unlock()
}

// publish conditions the window into one packet: latest raw values,
// vapor pressure deficit, and per-sensor noise once the window is deep
// enough.
func (b *Bridge) publish(ctx context.Context) {
	b.mu.Lock()
	packet := make(map[string]any, len(b.rings)+4)
	var temp, hum float64
	var haveTemp, haveHum bool
	for id, r := range b.rings {
		v, ok := r.latest()
		if !ok {
			continue
		}
		packet[id] = v
		switch id {
		case twin.SensorTemperature:
			temp, haveTemp = v, true
		case twin.SensorHumidity:
			hum, haveHum = v, true
		}
		if r.len() > minNoiseSamples {
			packet[id+"_noise_std"] = r.stddev()
		}
	}
	mode := b.transport.Name()
	b.mu.Unlock()

	if len(packet) == 0 {
		return
	}
	if haveTemp && haveHum {
		packet["vpd_kpa"] = vpd(temp, hum)
	}
	packet["transport"] = mode
	packet["sampled_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	msg := bus.NewMessage(bus.TopicTelemetryIndustrial, bus.KindEvent, "bridge", packet)
	if err := b.bus.Publish(ctx, msg); err != nil {
		b.logger.Warn("failed to publish industrial telemetry", "error", err)
		return
	}
	if b.metrics != nil {
		b.metrics.IncrementTelemetryFrames(ctx, mode)
	}
	if b.report != nil {
		b.report(packet)
	}
}

// vpd is the vapor pressure deficit in kPa from air temperature in
// Celsius and relative humidity in percent.
func vpd(tempC, rhPercent float64) float64 {
	svp := 0.61078 * math.Exp(17.27*tempC/(tempC+237.3))
	return svp * (1 - rhPercent/100)
}

// WriteSetpoint pushes one actuator value to the plant. Order is
// fixed: connection check, safety gate, then transport. The gate
// always runs before anything reaches the plant.
func (b *Bridge) WriteSetpoint(ctx context.Context, id string, value float64, user bool) error {
	b.mu.Lock()
	transport := b.transport
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	if b.gate != nil {
		if err := b.gate.ValidateWrite(id, value); err != nil {
			return fmt.Errorf("setpoint blocked: %w", err)
		}
	}

	if err := transport.WriteSetpoint(ctx, id, value, user); err != nil {
		return err
	}
	b.logger.Debug("setpoint written", "actuator", id, "value", value, "user", user)
	return nil
}

// Disconnect stops the loops and closes the transport. Idempotent.
func (b *Bridge) Disconnect() error {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	transport := b.transport
	b.mu.Unlock()

	if err := transport.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect %s transport: %w", transport.Name(), err)
	}
	b.logger.Info("bridge disconnected")
	return nil
}
