package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/verdantlabs/canopy/internal/bus"
	"github.com/verdantlabs/canopy/internal/observability"
)

var (
	// ErrUnknownRole rejects a spawn for a role never registered.
	ErrUnknownRole = errors.New("unknown agent role")
	// ErrUnknownAgent rejects operations on an id that is not alive.
	ErrUnknownAgent = errors.New("unknown agent id")
)

const (
	defaultMailboxSize = 32
	drainTimeout       = 5 * time.Second
)

// Factory builds a fresh handler for each spawned agent of a role.
type Factory func() Handler

// Runtime spawns agents from registered role factories and tracks
// their lifecycle.
type Runtime struct {
	mu     sync.Mutex
	roles  map[string]Factory
	agents map[string]*Agent

	bus         *bus.Bus
	scratchRoot string
	mailboxSize int
	logger      *slog.Logger
	metrics     *observability.MetricsManager
}

// Option customizes a Runtime at construction time.
type Option func(*Runtime)

// WithMailboxSize bounds each agent's inbox queue.
func WithMailboxSize(n int) Option {
	return func(r *Runtime) { r.mailboxSize = n }
}

// WithMetrics wires spawn counters into the metrics pipeline.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(r *Runtime) { r.metrics = mm }
}

// NewRuntime builds an empty runtime. scratchRoot is where per-agent
// working directories are created.
func NewRuntime(b *bus.Bus, scratchRoot string, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		roles:       make(map[string]Factory),
		agents:      make(map[string]*Agent),
		bus:         b,
		scratchRoot: scratchRoot,
		mailboxSize: defaultMailboxSize,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterRole installs a role factory. Re-registering replaces the
// previous factory; live agents keep their old handler.
func (r *Runtime) RegisterRole(role string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[role] = factory
}

// Roles lists the registered role names.
func (r *Runtime) Roles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.roles))
	for role := range r.roles {
		out = append(out, role)
	}
	return out
}

// Spawn creates and starts an agent of the given role: fresh id and
// scratch dir, inbox subscription, Initialize, then the inbox loop.
func (r *Runtime) Spawn(ctx context.Context, role string) (*Agent, error) {
	r.mu.Lock()
	factory, ok := r.roles[role]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}

	id := role + "-" + strings.Split(uuid.NewString(), "-")[0]
	scratch := filepath.Join(r.scratchRoot, id)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch dir for %s: %w", id, err)
	}

	sub, err := r.bus.Subscribe(bus.InboxTopic(id),
		bus.WithOwner(id),
		bus.WithQueueDepth(r.mailboxSize),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe inbox for %s: %w", id, err)
	}

	agentCtx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		ID:         id,
		Role:       role,
		ScratchDir: scratch,
		CreatedAt:  time.Now().UTC(),
		state:      StateSpawning,
		handler:    factory(),
		sub:        sub,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	if err := a.handler.Initialize(ctx, a); err != nil {
		cancel()
		sub.Unsubscribe()
		return nil, fmt.Errorf("failed to initialize %s: %w", id, err)
	}

	r.mu.Lock()
	r.agents[id] = a
	r.mu.Unlock()

	a.setState(StateReady)
	go r.inboxLoop(agentCtx, a)

	if r.metrics != nil {
		r.metrics.IncrementAgentSpawns(ctx, role)
	}
	r.logger.Info("agent spawned", "agent_id", id, "role", role, "scratch", scratch)
	return a, nil
}

// inboxLoop serves requests until the agent is killed. A handler error
// becomes an error payload in the response rather than killing the
// agent; a handler panic is contained the same way.
func (r *Runtime) inboxLoop(ctx context.Context, a *Agent) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-a.sub.C():
			if !ok {
				return
			}
			a.setState(StateBusy)
			payload := r.serve(ctx, a, msg)
			r.bus.Respond(msg, a.ID, payload)
			a.setState(StateReady)
		}
	}
}

func (r *Runtime) serve(ctx context.Context, a *Agent, msg bus.Message) (payload map[string]any) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("agent handler panicked", "agent_id", a.ID, "panic", rec)
			payload = map[string]any{"error": fmt.Sprintf("handler panic: %v", rec)}
		}
	}()

	result, err := a.handler.HandleRequest(ctx, a, msg)
	if err != nil {
		r.logger.Warn("agent request failed", "agent_id", a.ID, "error", err)
		return map[string]any{"error": err.Error()}
	}
	return result
}

// Kill stops an agent: no new requests, drain the in-flight one, run
// Teardown, mark dead. The scratch dir is left for inspection.
func (r *Runtime) Kill(ctx context.Context, id string) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if ok {
		delete(r.agents, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}

	a.setState(StateDraining)
	a.sub.Unsubscribe()
	a.cancel()

	select {
	case <-a.done:
	case <-time.After(drainTimeout):
		r.logger.Warn("agent did not drain in time", "agent_id", id)
	}

	if err := a.handler.Teardown(ctx, a); err != nil {
		r.logger.Warn("agent teardown failed", "agent_id", id, "error", err)
	}
	a.setState(StateDead)
	r.logger.Info("agent killed", "agent_id", id)
	return nil
}

// KillAll tears down every live agent.
func (r *Runtime) KillAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.Kill(ctx, id); err != nil && !errors.Is(err, ErrUnknownAgent) {
			r.logger.Warn("failed to kill agent", "agent_id", id, "error", err)
		}
	}
}

// Get returns a live agent by id.
func (r *Runtime) Get(id string) (*Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	return a, ok
}

// ListByRole returns live agents of one role, or all when role is
// empty.
func (r *Runtime) ListByRole(role string) []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Info
	for _, a := range r.agents {
		if role == "" || a.Role == role {
			out = append(out, a.Info())
		}
	}
	return out
}
