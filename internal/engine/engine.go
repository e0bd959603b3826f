// Package engine composes every subsystem into one runnable service:
// twin, safety, bus, agents, workflows, bridges, command plane, and
// the HTTP surfaces. Nothing in here is a singleton; construct as many
// engines as you need.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/verdantlabs/canopy/internal/agent"
	"github.com/verdantlabs/canopy/internal/bridge"
	"github.com/verdantlabs/canopy/internal/bus"
	"github.com/verdantlabs/canopy/internal/command"
	"github.com/verdantlabs/canopy/internal/config"
	"github.com/verdantlabs/canopy/internal/eventlog"
	"github.com/verdantlabs/canopy/internal/finance"
	"github.com/verdantlabs/canopy/internal/httpapi"
	"github.com/verdantlabs/canopy/internal/observability"
	"github.com/verdantlabs/canopy/internal/safety"
	"github.com/verdantlabs/canopy/internal/settings"
	"github.com/verdantlabs/canopy/internal/twin"
	"github.com/verdantlabs/canopy/internal/uibridge"
	"github.com/verdantlabs/canopy/internal/workflow"
)

// Engine owns the composed system. Construct with New, run with Run,
// stop with Shutdown.
type Engine struct {
	cfg    *config.AppConfig
	logger *slog.Logger

	obs     *observability.Observability
	metrics *observability.MetricsManager
	traces  *observability.TraceManager

	twin     *twin.Twin
	watchdog *safety.Watchdog
	bus      *bus.Bus
	settings *settings.Store
	events   *eventlog.Writer
	ui       *uibridge.Bridge
	wsHub    *uibridge.WSHub
	runtime  *agent.Runtime
	tracker  *finance.Tracker
	executor *workflow.Executor
	bridge   *bridge.Bridge
	plane    *command.Plane

	httpSrv   *http.Server
	healthSrv *observability.HealthServer

	startedAt    time.Time
	stopOnce     sync.Once
	teardownOnce sync.Once
	stopCh       chan struct{}
}

// Option customizes engine construction.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	noObs   bool
	seed    *int64
	stdoutW uibridge.Transport
}

// WithLogger bypasses the observability stack and logs through the
// given logger. Metrics and tracing are disabled. Used by tests.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
		o.noObs = true
	}
}

// WithSeed fixes the twin's noise source for reproducible runs.
func WithSeed(seed int64) Option {
	return func(o *options) { o.seed = &seed }
}

// WithStdoutTransport attaches a UI transport at construction, before
// any event can fire.
func WithStdoutTransport(t uibridge.Transport) Option {
	return func(o *options) { o.stdoutW = t }
}

// New wires the full system in dependency order. It does not start any
// loop; call Run for that.
func New(cfg *config.AppConfig, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		cfg:       cfg,
		startedAt: time.Now().UTC(),
		stopCh:    make(chan struct{}),
	}

	if o.noObs {
		e.logger = o.logger
	} else {
		obs, err := observability.New(observability.Config{
			ServiceName:    cfg.ServiceName,
			ServiceVersion: cfg.ServiceVersion,
			OTLPEndpoint:   observability.DefaultConfig(cfg.ServiceName).OTLPEndpoint,
			Environment:    cfg.Environment,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize observability: %w", err)
		}
		e.obs = obs
		e.logger = obs.Logger
		mm, err := observability.NewMetricsManager(obs.Meter)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
		e.metrics = mm
		e.traces = observability.NewTraceManager(cfg.ServiceName)
	}

	// UI fanout and event log come first so every later component can
	// emit through them.
	e.ui = uibridge.New(e.logger,
		uibridge.WithHeartbeat(cfg.HeartbeatInterval, cfg.StallThreshold),
		uibridge.WithMetrics(e.metrics),
	)
	e.wsHub = uibridge.NewWSHub(e.logger)
	e.ui.Attach(e.wsHub)
	if o.stdoutW != nil {
		e.ui.Attach(o.stdoutW)
	}

	events, err := eventlog.Open(cfg.EventLogPath)
	if err != nil {
		return nil, err
	}
	e.events = events

	twinOpts := []twin.Option{twin.WithEventSink(e.emitEvent)}
	if o.seed != nil {
		twinOpts = append(twinOpts, twin.WithSeed(*o.seed))
	}
	e.twin = twin.New(e.logger, twinOpts...)

	policy, err := safety.LoadPolicy(cfg.SafetyPath)
	if err != nil {
		return nil, err
	}
	e.watchdog = safety.New(policy, e.twin, cfg.SafetyResetToken, e.logger,
		safety.WithEventSink(e.emitEvent),
		safety.WithTripHook(func(reason string) {
			if e.metrics != nil {
				e.metrics.IncrementSafetyTrips(context.Background(), reason)
			}
		}),
	)

	busOpts := []bus.Option{}
	if e.metrics != nil {
		busOpts = append(busOpts, bus.WithMetrics(e.metrics))
	}
	if e.traces != nil {
		busOpts = append(busOpts, bus.WithTracing(e.traces))
	}
	e.bus = bus.New(e.logger, busOpts...)

	store, err := settings.Open(cfg.SettingsPath, e.logger)
	if err != nil {
		return nil, err
	}
	e.settings = store
	if err := store.Watch(func(values map[string]any) {
		e.emitEvent("SETTINGS_RELOADED", map[string]any{"keys": len(values)})
	}); err != nil {
		return nil, err
	}

	e.tracker = finance.NewTracker(cfg.BudgetHours, e.logger)

	var primary bridge.Transport
	if cfg.Mode == "hardware" && cfg.DriverEndpoint != "" {
		primary = bridge.NewHardwareDriver(cfg.DriverEndpoint, 1)
	} else {
		primary = bridge.NewSimDriver(e.twin)
	}
	bridgeOpts := []bridge.Option{
		bridge.WithFallback(bridge.NewSimDriver(e.twin)),
		bridge.WithWriteGate(e.watchdog),
		bridge.WithEStop(e.watchdog.TriggerEmergencyStop),
		bridge.WithIntervals(cfg.SampleInterval, cfg.PublishInterval),
		// Every published frame passes the range check, so hardware
		// readings trip the watchdog even when the twin looks healthy.
		bridge.WithReporter(func(packet map[string]any) {
			readings := make(map[string]float64, len(packet))
			for k, v := range packet {
				if f, ok := v.(float64); ok {
					readings[k] = f
				}
			}
			e.watchdog.CheckTelemetry(readings)
		}),
	}
	if e.metrics != nil {
		bridgeOpts = append(bridgeOpts, bridge.WithMetrics(e.metrics))
	}
	e.bridge = bridge.New(primary, e.bus, e.logger, bridgeOpts...)

	runtimeOpts := []agent.Option{}
	if e.metrics != nil {
		runtimeOpts = append(runtimeOpts, agent.WithMetrics(e.metrics))
	}
	e.runtime = agent.NewRuntime(e.bus, cfg.ScratchRoot, e.logger, runtimeOpts...)
	agent.RegisterBuiltinRoles(e.runtime, e.bus)
	agent.RegisterClimateRole(e.runtime, e.bus, e.bridge, e.logger)

	execOpts := []workflow.Option{
		workflow.WithEventSink(e.emitEvent),
	}
	if e.metrics != nil {
		execOpts = append(execOpts, workflow.WithMetrics(e.metrics))
	}
	e.executor = workflow.NewExecutor(e.bus, e.runtime, e.tracker, e.logger, execOpts...)

	e.plane = command.NewPlane(command.Deps{
		Runtime:   e.runtime,
		Bus:       e.bus,
		Writer:    e.bridge,
		Overrides: e.twin,
		Status:    e.Status,
		Shutdown:  e.Shutdown,
	}, e.logger)

	// Same command grammar over websocket text frames as over stdin.
	wsCommands := command.NewServer(e.plane, io.Discard)
	e.wsHub.SetCommandHandler(func(line []byte) []byte {
		res := wsCommands.HandleLine(context.Background(), line)
		data, err := json.Marshal(res)
		if err != nil {
			return []byte(`{"type":"COMMAND_ERROR","error":"failed to encode result"}`)
		}
		return data
	})

	api := httpapi.New(httpapi.Deps{
		Twin:     e.twin,
		Writer:   e.bridge,
		Watchdog: e.watchdog,
		Settings: e.settings,
		RunGoal:  e.RunGoal,
		Status:   e.Status,
	}, e.logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", e.wsHub)
	mux.Handle("/", api.Router())
	e.httpSrv = &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: mux,
	}

	if !o.noObs {
		e.healthSrv = observability.NewHealthServer(cfg.HealthPort, cfg.ServiceName, cfg.ServiceVersion)
		e.healthSrv.AddChecker("bus", observability.NewBasicHealthChecker("bus", func(ctx context.Context) error {
			return nil
		}))
		e.healthSrv.AddChecker("safety", observability.NewBasicHealthChecker("safety", func(ctx context.Context) error {
			if latched, reason := e.watchdog.Latched(); latched {
				return fmt.Errorf("emergency stop latched: %s", reason)
			}
			return nil
		}))
	}

	return e, nil
}

// emitEvent fans one system event to the UI transports and the
// append-only log.
func (e *Engine) emitEvent(event string, data map[string]any) {
	if event == "WORKFLOW_UPDATE" {
		e.ui.BroadcastWorkflowStep(context.Background(), data)
	} else {
		e.ui.Emit(context.Background(), event, data)
	}
	if err := e.events.Append(event, data); err != nil {
		e.logger.Warn("failed to append event", "event", event, "error", err)
	}
}

// Run connects the bridge and drives every loop until ctx is cancelled
// or Shutdown is called.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	if err := e.bridge.Connect(runCtx); err != nil {
		return err
	}
	e.logger.Info("engine up",
		"mode", e.bridge.Mode(),
		"http_port", e.cfg.HTTPPort,
		"twin_tick", e.cfg.TwinTick,
	)

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error { return e.twinLoop(gctx) })
	g.Go(func() error { return e.livenessLoop(gctx) })
	g.Go(func() error { return e.bridge.Run(gctx) })
	g.Go(func() error {
		e.ui.RunHeartbeat(gctx)
		return nil
	})
	g.Go(func() error {
		err := e.httpSrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		return e.httpSrv.Shutdown(shutCtx)
	})
	if e.healthSrv != nil {
		g.Go(func() error {
			err := e.healthSrv.Start(gctx)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutCancel()
			return e.healthSrv.Shutdown(shutCtx)
		})
	}

	err := g.Wait()
	e.teardown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// twinLoop advances the simulation once per tick and publishes the
// conditioned reading set.
func (e *Engine) twinLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TwinTick)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			delta := now.Sub(last).Seconds()
			last = now

			start := time.Now()
			e.twin.Step(delta)
			if e.metrics != nil {
				e.metrics.IncrementTwinSteps(ctx)
				e.metrics.RecordTwinStepDuration(ctx, time.Since(start))
			}

			packet := e.twin.TelemetryPacket()
			payload := packetToMap(packet)
			msg := bus.NewMessage(bus.TopicTelemetryGreenhouse, bus.KindEvent, "twin", payload)
			if err := e.bus.Publish(ctx, msg); err != nil && !errors.Is(err, bus.ErrClosed) {
				e.logger.Warn("failed to publish greenhouse telemetry", "error", err)
			}

			e.ui.MarkTick()
			e.ui.Emit(ctx, "GREENHOUSE_TELEMETRY", payload)
			e.watchdog.CheckTelemetry(e.twin.Snapshot().Sensors)
		}
	}
}

// livenessLoop keeps the watchdog's telemetry timeout honest,
// refreshes runtime gauges, and pushes the agent roster to frontends.
func (e *Engine) livenessLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.watchdog.CheckLiveness()
			e.ui.BroadcastAgentStatus(ctx, e.runtime.ListByRole(""))
			if e.metrics != nil {
				e.metrics.UpdateSystemMetrics(ctx)
			}
		}
	}
}

// ServeCommands runs the operator line protocol until the input stream
// ends. Results go to out as JSON lines.
func (e *Engine) ServeCommands(ctx context.Context, in io.Reader, out io.Writer) error {
	srv := command.NewServer(e.plane, out)
	return srv.Serve(ctx, in)
}

// RunGoal executes the standard validation chain for one goal and
// returns the artifacts plus the final verdict.
func (e *Engine) RunGoal(ctx context.Context, goal string) (map[string]any, bool, error) {
	artifacts, err := e.executor.Run(ctx, workflow.ValidationChain(), map[string]any{"goal": goal})
	if err != nil {
		return artifacts, false, err
	}
	return artifacts, workflow.Verdict(artifacts), nil
}

// Status assembles the full system snapshot served by /api/status and
// the /status slash command.
func (e *Engine) Status() map[string]any {
	snapshot := e.twin.Snapshot()
	latched, reason := e.watchdog.Latched()
	status := "ok"
	if latched {
		status = "latched"
	}
	return map[string]any{
		"status":      status,
		"mode":        e.bridge.Mode(),
		"uptime_s":    time.Since(e.startedAt).Seconds(),
		"connections": e.wsHub.ClientCount(),
		"greenhouse":  snapshot,
		"safety": map[string]any{
			"latched": latched,
			"reason":  reason,
		},
		"agents":  e.runtime.ListByRole(""),
		"finance": e.tracker.Summary(),
	}
}

// Shutdown stops the engine. Safe to call from any goroutine, any
// number of times.
func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
}

// Close stops the engine and releases its resources. For engines that
// were never Run, this is the only way to tear down.
func (e *Engine) Close() {
	e.Shutdown()
	e.teardown()
}

// teardown releases resources in reverse construction order.
func (e *Engine) teardown() {
	e.teardownOnce.Do(e.doTeardown)
}

func (e *Engine) doTeardown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.bridge.Disconnect(); err != nil {
		e.logger.Warn("bridge disconnect failed", "error", err)
	}
	e.runtime.KillAll(ctx)
	e.bus.Close()
	if err := e.settings.Close(); err != nil {
		e.logger.Warn("settings close failed", "error", err)
	}
	e.ui.Close()
	if err := e.events.Close(); err != nil {
		e.logger.Warn("event log close failed", "error", err)
	}
	if e.obs != nil {
		if err := e.obs.Shutdown(ctx); err != nil {
			e.logger.Warn("observability shutdown failed", "error", err)
		}
	}
	e.logger.Info("engine stopped")
}

func packetToMap(p twin.TelemetryPacket) map[string]any {
	return map[string]any{
		"temperature":    p.Temperature,
		"humidity":       p.Humidity,
		"co2":            p.CO2,
		"lux":            p.Lux,
		"ph_level":       p.PHLevel,
		"ec_level":       p.ECLevel,
		"water_pressure": p.WaterPressure,
		"dissolved_o2":   p.DissolvedO2,
		"pump_status":    p.PumpStatus,
		"plant_health":   p.PlantHealth,
		"stress_index":   p.StressIndex,
		"power_kwh":      p.PowerKWh,
		"sim_day":        p.SimDay,
		"sim_hour":       p.SimHour,
		"weather":        p.Weather,
	}
}
