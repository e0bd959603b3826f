package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type TraceManager struct {
	tracer trace.Tracer
}

func NewTraceManager(serviceName string) *TraceManager {
	return &TraceManager{
		tracer: otel.Tracer(serviceName),
	}
}

func (tm *TraceManager) StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, operationName, trace.WithAttributes(attrs...))
}

// StartPublishSpan opens a span for a bus publish.
func (tm *TraceManager) StartPublishSpan(ctx context.Context, topic string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "bus_publish", trace.WithAttributes(
		attribute.String("messaging.system", "canopy_bus"),
		attribute.String("messaging.destination", topic),
		attribute.String("messaging.operation", "publish"),
	))
}

// StartRequestSpan opens a span for a point-to-point agent request.
func (tm *TraceManager) StartRequestSpan(ctx context.Context, from, to string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "agent_request", trace.WithAttributes(
		attribute.String("messaging.system", "canopy_bus"),
		attribute.String("messaging.operation", "request"),
		attribute.String("a2a.from_agent", from),
		attribute.String("a2a.to_agent", to),
	))
}

// StartActuatorSpan opens a span for an actuator write crossing the
// safety gate.
func (tm *TraceManager) StartActuatorSpan(ctx context.Context, actuator, source string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "actuator_write", trace.WithAttributes(
		attribute.String("actuator.id", actuator),
		attribute.String("actuator.source", source),
	))
}

// StartWorkflowSpan opens a span covering one workflow node execution.
func (tm *TraceManager) StartWorkflowSpan(ctx context.Context, workflow, node, agentID string) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, "workflow_node", trace.WithAttributes(
		attribute.String("workflow.name", workflow),
		attribute.String("workflow.node", node),
		attribute.String("workflow.agent_id", agentID),
	))
}

func (tm *TraceManager) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (tm *TraceManager) SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddMessageAttributes adds bus message routing information to a span.
func (tm *TraceManager) AddMessageAttributes(span trace.Span, messageID, kind, priority string) {
	span.SetAttributes(
		attribute.String("a2a.message.id", messageID),
		attribute.String("a2a.message.kind", kind),
		attribute.String("a2a.message.priority", priority),
	)
}

// AddComponentAttribute tags a span with the emitting component.
func (tm *TraceManager) AddComponentAttribute(span trace.Span, component string) {
	span.SetAttributes(attribute.String("canopy.component", component))
}
