// Package uibridge streams system events to operator frontends: a
// framed stdout feed for supervising processes and a websocket fanout
// for browser dashboards. It also runs the heartbeat that tells
// frontends whether the control loop is alive.
package uibridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/verdantlabs/canopy/internal/observability"
)

// FramePrefix marks event lines on stdout so supervising processes can
// separate them from stray output.
const FramePrefix = "::SUDO::"

// Event is the envelope for every frontend-bound message.
type Event struct {
	Type      string         `json:"type"`
	Event     string         `json:"event"`
	AgentID   string         `json:"agent_id,omitempty"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

// Transport delivers one encoded frame to a frontend.
type Transport interface {
	Send(frame []byte)
	Close()
}

// StdoutTransport writes prefixed JSON lines to a stream, one event
// per line.
type StdoutTransport struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStdoutTransport frames events onto w.
func NewStdoutTransport(w io.Writer) *StdoutTransport {
	return &StdoutTransport{w: w}
}

func (t *StdoutTransport) Send(frame []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.w.Write([]byte(FramePrefix))
	t.w.Write(frame)
	t.w.Write([]byte("\n"))
}

func (t *StdoutTransport) Close() {}

// Bridge fans events out to every attached transport and owns the
// heartbeat loop.
type Bridge struct {
	mu         sync.Mutex
	transports []Transport
	lastTick   time.Time
	stalled    bool
	startedAt  time.Time

	heartbeatInterval time.Duration
	stallThreshold    time.Duration

	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.MetricsManager
}

// Option customizes a Bridge.
type Option func(*Bridge)

// WithHeartbeat overrides the 2s heartbeat and 10s stall threshold.
func WithHeartbeat(interval, stallThreshold time.Duration) Option {
	return func(b *Bridge) {
		if interval > 0 {
			b.heartbeatInterval = interval
		}
		if stallThreshold > 0 {
			b.stallThreshold = stallThreshold
		}
	}
}

// WithClock substitutes the wall clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// WithMetrics wires event counters into the metrics pipeline.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(b *Bridge) { b.metrics = mm }
}

// New builds a bridge over the given transports.
func New(logger *slog.Logger, opts ...Option) *Bridge {
	b := &Bridge{
		heartbeatInterval: 2 * time.Second,
		stallThreshold:    10 * time.Second,
		now:               time.Now,
		logger:            logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.startedAt = b.now()
	b.lastTick = b.startedAt
	return b
}

// Attach adds a transport to the fanout.
func (b *Bridge) Attach(t Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transports = append(b.transports, t)
}

// Emit frames an event and delivers it to every transport.
func (b *Bridge) Emit(ctx context.Context, event string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	frame, err := json.Marshal(Event{
		Type:      "IPC_EVENT",
		Event:     event,
		Data:      data,
		Timestamp: b.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		b.logger.Warn("failed to encode ui event", "event", event, "error", err)
		return
	}

	b.mu.Lock()
	transports := make([]Transport, len(b.transports))
	copy(transports, b.transports)
	b.mu.Unlock()

	for _, t := range transports {
		t.Send(frame)
	}
	if b.metrics != nil {
		b.metrics.IncrementUIEvents(ctx, event)
	}
}

// MarkTick records one control-loop cycle. The heartbeat reports a
// stall when ticks stop arriving.
func (b *Bridge) MarkTick() {
	b.mu.Lock()
	b.lastTick = b.now()
	b.mu.Unlock()
}

// RunHeartbeat emits a heartbeat event on a fixed cadence until ctx is
// cancelled. Each transition into or out of the stalled state also
// logs.
func (b *Bridge) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Emit(ctx, "SYSTEM_HEARTBEAT", b.heartbeatPayload())
		}
	}
}

func (b *Bridge) heartbeatPayload() map[string]any {
	b.mu.Lock()
	now := b.now()
	delta := now.Sub(b.lastTick)
	stalled := delta > b.stallThreshold
	transition := stalled != b.stalled
	b.stalled = stalled
	uptime := now.Sub(b.startedAt)
	b.mu.Unlock()

	status := "alive"
	if stalled {
		status = "stalled"
	}
	if transition {
		if stalled {
			b.logger.Warn("control loop stalled", "last_tick_delta", delta)
		} else {
			b.logger.Info("control loop recovered")
		}
	}
	return map[string]any{
		"status":            status,
		"uptime_s":          uptime.Seconds(),
		"last_tick_delta_s": delta.Seconds(),
	}
}

// BroadcastAgentStatus pushes the current agent roster.
func (b *Bridge) BroadcastAgentStatus(ctx context.Context, agents any) {
	b.Emit(ctx, "AGENT_STATUS", map[string]any{"agents": agents})
}

// BroadcastWorkflowStep relays a workflow progress event. Counts as a
// control-loop tick.
func (b *Bridge) BroadcastWorkflowStep(ctx context.Context, data map[string]any) {
	b.MarkTick()
	b.Emit(ctx, "WORKFLOW_UPDATE", data)
}

// Close shuts down every transport.
func (b *Bridge) Close() {
	b.mu.Lock()
	transports := b.transports
	b.transports = nil
	b.mu.Unlock()
	for _, t := range transports {
		t.Close()
	}
}
