package observability

import (
	"context"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsManager owns the instrument set shared by the control plane:
// twin stepping, actuator arbitration, bus traffic, telemetry frames,
// safety trips and workflow node outcomes.
type MetricsManager struct {
	meter metric.Meter

	twinStepsTotal       metric.Int64Counter
	twinStepDuration     metric.Float64Histogram
	actuatorWritesTotal  metric.Int64Counter
	safetyTripsTotal     metric.Int64Counter
	telemetryFramesTotal metric.Int64Counter

	busPublishedTotal metric.Int64Counter
	busDroppedTotal   metric.Int64Counter
	busRequestsTotal  metric.Int64Counter
	busRequestLatency metric.Float64Histogram

	workflowNodesTotal metric.Int64Counter
	agentSpawnsTotal   metric.Int64Counter
	uiEventsTotal      metric.Int64Counter

	goGoroutines         metric.Int64UpDownCounter
	goMemstatsAllocBytes metric.Int64UpDownCounter
}

func NewMetricsManager(meter metric.Meter) (*MetricsManager, error) {
	mm := &MetricsManager{meter: meter}

	var err error

	mm.twinStepsTotal, err = meter.Int64Counter(
		"twin_steps_total",
		metric.WithDescription("Total number of digital twin physics steps"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.twinStepDuration, err = meter.Float64Histogram(
		"twin_step_duration_seconds",
		metric.WithDescription("Digital twin step duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.actuatorWritesTotal, err = meter.Int64Counter(
		"actuator_writes_total",
		metric.WithDescription("Total number of actuator write attempts"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.safetyTripsTotal, err = meter.Int64Counter(
		"safety_trips_total",
		metric.WithDescription("Total number of emergency lock transitions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.telemetryFramesTotal, err = meter.Int64Counter(
		"telemetry_frames_total",
		metric.WithDescription("Total number of telemetry frames published"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.busPublishedTotal, err = meter.Int64Counter(
		"bus_published_total",
		metric.WithDescription("Total number of messages published on the bus"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.busDroppedTotal, err = meter.Int64Counter(
		"bus_dropped_total",
		metric.WithDescription("Total number of messages dropped by backpressure"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.busRequestsTotal, err = meter.Int64Counter(
		"bus_requests_total",
		metric.WithDescription("Total number of point-to-point agent requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.busRequestLatency, err = meter.Float64Histogram(
		"bus_request_duration_seconds",
		metric.WithDescription("Agent request round-trip duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.workflowNodesTotal, err = meter.Int64Counter(
		"workflow_nodes_total",
		metric.WithDescription("Total number of workflow nodes executed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.agentSpawnsTotal, err = meter.Int64Counter(
		"agent_spawns_total",
		metric.WithDescription("Total number of agents spawned"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.uiEventsTotal, err = meter.Int64Counter(
		"ui_events_total",
		metric.WithDescription("Total number of events broadcast to UI transports"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.goGoroutines, err = meter.Int64UpDownCounter(
		"go_goroutines",
		metric.WithDescription("Number of goroutines that currently exist"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.goMemstatsAllocBytes, err = meter.Int64UpDownCounter(
		"go_memstats_alloc_bytes",
		metric.WithDescription("Number of bytes allocated and still in use"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return mm, nil
}

func (mm *MetricsManager) IncrementTwinSteps(ctx context.Context) {
	mm.twinStepsTotal.Add(ctx, 1)
}

func (mm *MetricsManager) RecordTwinStepDuration(ctx context.Context, duration time.Duration) {
	mm.twinStepDuration.Record(ctx, duration.Seconds())
}

func (mm *MetricsManager) IncrementActuatorWrites(ctx context.Context, actuator, source string, accepted bool) {
	mm.actuatorWritesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("actuator", actuator),
		attribute.String("source", source),
		attribute.Bool("accepted", accepted),
	))
}

func (mm *MetricsManager) IncrementSafetyTrips(ctx context.Context, reason string) {
	mm.safetyTripsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

func (mm *MetricsManager) IncrementTelemetryFrames(ctx context.Context, mode string) {
	mm.telemetryFramesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
	))
}

func (mm *MetricsManager) IncrementBusPublished(ctx context.Context, topic string) {
	mm.busPublishedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
	))
}

func (mm *MetricsManager) IncrementBusDropped(ctx context.Context, topic string) {
	mm.busDroppedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
	))
}

func (mm *MetricsManager) IncrementBusRequests(ctx context.Context, target string, success bool) {
	mm.busRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("target", target),
		attribute.Bool("success", success),
	))
}

func (mm *MetricsManager) RecordBusRequestDuration(ctx context.Context, target string, duration time.Duration) {
	mm.busRequestLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("target", target),
	))
}

func (mm *MetricsManager) IncrementWorkflowNodes(ctx context.Context, workflow, node, status string) {
	mm.workflowNodesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("node", node),
		attribute.String("status", status),
	))
}

func (mm *MetricsManager) IncrementAgentSpawns(ctx context.Context, role string) {
	mm.agentSpawnsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", role),
	))
}

func (mm *MetricsManager) IncrementUIEvents(ctx context.Context, eventType string) {
	mm.uiEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

func (mm *MetricsManager) UpdateSystemMetrics(ctx context.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mm.goGoroutines.Add(ctx, int64(runtime.NumGoroutine()))
	mm.goMemstatsAllocBytes.Add(ctx, int64(m.Alloc))
}

// StartTimer returns a closure that records elapsed time into the twin
// step histogram when invoked.
func (mm *MetricsManager) StartTimer() func(ctx context.Context) {
	start := time.Now()
	return func(ctx context.Context) {
		mm.RecordTwinStepDuration(ctx, time.Since(start))
	}
}
