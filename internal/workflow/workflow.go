// Package workflow runs multi-agent pipelines: each node dispatches to
// a freshly spawned agent, artifacts accumulate across nodes, and a
// viability check gates every step against the financial ledger.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/verdantlabs/canopy/internal/agent"
	"github.com/verdantlabs/canopy/internal/bus"
	"github.com/verdantlabs/canopy/internal/finance"
	"github.com/verdantlabs/canopy/internal/observability"
)

var (
	// ErrNotViable aborts a run when spend has outpaced earned value.
	ErrNotViable = errors.New("workflow not viable: ledger unstable")
	// ErrBudgetExceeded aborts a run past the hour budget.
	ErrBudgetExceeded = errors.New("workflow aborted: hour budget exceeded")
	// ErrRevisitLimit aborts a run that keeps returning to one node.
	ErrRevisitLimit = errors.New("workflow aborted: node revisit limit reached")
	// ErrUnknownNode means a successor name is not in the definition.
	ErrUnknownNode = errors.New("workflow references unknown node")
	// ErrNodeFailed wraps an agent-side failure.
	ErrNodeFailed = errors.New("workflow node failed")
)

const (
	defaultNodeTimeout = 60 * time.Second
	defaultMaxVisits   = 3
)

// Node is one pipeline step. Build shapes the request from the
// artifacts gathered so far; Next picks the successor from the updated
// artifacts, returning "" to finish. A nil Next follows After.
type Node struct {
	Name  string
	Role  string
	After string
	Build func(artifacts map[string]any) map[string]any
	Next  func(artifacts map[string]any) string
}

// Definition is a named pipeline.
type Definition struct {
	Name      string
	Start     string
	Nodes     map[string]Node
	MaxVisits int
}

// EventSink receives step-by-step progress events.
type EventSink func(event string, data map[string]any)

// Executor runs definitions against the agent runtime.
type Executor struct {
	bus     *bus.Bus
	runtime *agent.Runtime
	tracker *finance.Tracker
	logger  *slog.Logger

	nodeTimeout time.Duration
	sink        EventSink
	metrics     *observability.MetricsManager
}

// Option customizes an Executor.
type Option func(*Executor)

// WithNodeTimeout bounds each node's agent round trip.
func WithNodeTimeout(d time.Duration) Option {
	return func(e *Executor) { e.nodeTimeout = d }
}

// WithEventSink installs the progress callback.
func WithEventSink(sink EventSink) Option {
	return func(e *Executor) { e.sink = sink }
}

// WithMetrics wires node counters into the metrics pipeline.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(e *Executor) { e.metrics = mm }
}

// NewExecutor builds an executor over the given runtime and ledger.
func NewExecutor(b *bus.Bus, rt *agent.Runtime, tracker *finance.Tracker, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		bus:         b,
		runtime:     rt,
		tracker:     tracker,
		logger:      logger,
		nodeTimeout: defaultNodeTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes a definition to completion, returning the accumulated
// artifacts. It stops early with an error when a node fails, a
// successor is unknown, the revisit limit is hit, or the ledger says
// the run is no longer affordable.
func (e *Executor) Run(ctx context.Context, def Definition, initial map[string]any) (map[string]any, error) {
	runID := uuid.NewString()
	runStart := time.Now()
	artifacts := make(map[string]any, len(initial))
	for k, v := range initial {
		artifacts[k] = v
	}

	maxVisits := def.MaxVisits
	if maxVisits <= 0 {
		maxVisits = defaultMaxVisits
	}
	visits := make(map[string]int)

	current := def.Start
	for current != "" {
		node, ok := def.Nodes[current]
		if !ok {
			return artifacts, fmt.Errorf("%w: %s", ErrUnknownNode, current)
		}

		visits[current]++
		if visits[current] > maxVisits {
			e.emit(runID, def.Name, current, "aborted", artifacts)
			return artifacts, fmt.Errorf("%w: %s visited %d times", ErrRevisitLimit, current, visits[current])
		}

		if err := e.checkViability(runStart); err != nil {
			e.emit(runID, def.Name, current, "aborted", artifacts)
			return artifacts, err
		}

		e.emit(runID, def.Name, current, "started", artifacts)
		start := time.Now()
		resp, err := e.runNode(ctx, node, artifacts)
		e.tracker.LogUtilization(node.Role, time.Since(start))

		if err != nil {
			e.record(ctx, def.Name, current, "failed")
			e.emit(runID, def.Name, current, "failed", map[string]any{"error": err.Error()})
			return artifacts, err
		}

		for k, v := range resp {
			artifacts[k] = v
		}
		e.tracker.LogEffectiveness(node.Role, 0.1)
		e.record(ctx, def.Name, current, "completed")
		e.emit(runID, def.Name, current, "completed", artifacts)

		if node.Next != nil {
			current = node.Next(artifacts)
		} else {
			current = node.After
		}
	}
	return artifacts, nil
}

// runNode spawns a one-shot agent for the node, dispatches the built
// request, and tears the agent down again.
func (e *Executor) runNode(ctx context.Context, node Node, artifacts map[string]any) (map[string]any, error) {
	a, err := e.runtime.Spawn(ctx, node.Role)
	if err != nil {
		return nil, fmt.Errorf("%w: spawn %s: %v", ErrNodeFailed, node.Role, err)
	}
	defer func() {
		if err := e.runtime.Kill(context.Background(), a.ID); err != nil {
			e.logger.Warn("failed to kill node agent", "agent_id", a.ID, "error", err)
		}
	}()

	payload := artifacts
	if node.Build != nil {
		payload = node.Build(artifacts)
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.nodeTimeout)
	defer cancel()
	resp, err := e.bus.Request(reqCtx, "workflow", a.ID, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNodeFailed, node.Name, err)
	}
	if errMsg, ok := resp.Payload["error"].(string); ok && errMsg != "" {
		return nil, fmt.Errorf("%w: %s: %s", ErrNodeFailed, node.Name, errMsg)
	}
	return resp.Payload, nil
}

// checkViability gates the next step on the ledger and on wall-clock
// time elapsed since this run started. Earlier runs never count
// against a fresh one.
func (e *Executor) checkViability(runStart time.Time) error {
	if !e.tracker.IsStable() {
		return ErrNotViable
	}
	if !e.tracker.WithinBudget(time.Since(runStart)) {
		return ErrBudgetExceeded
	}
	return nil
}

func (e *Executor) emit(runID, workflow, node, status string, extra map[string]any) {
	e.logger.Info("workflow step", "execution_id", runID, "workflow", workflow, "node", node, "status", status)
	if e.sink == nil {
		return
	}
	data := map[string]any{
		"execution_id": runID,
		"workflow":     workflow,
		"node":         node,
		"status":       status,
	}
	if errMsg, ok := extra["error"]; ok {
		data["error"] = errMsg
	}
	e.sink("WORKFLOW_UPDATE", data)
}

func (e *Executor) record(ctx context.Context, workflow, node, status string) {
	if e.metrics != nil {
		e.metrics.IncrementWorkflowNodes(ctx, workflow, node, status)
	}
}
