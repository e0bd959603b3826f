// Package agent manages the lifecycle of in-process worker agents:
// spawn, inbox processing, and teardown. Each agent owns a scratch
// directory and a bus inbox subscription.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/verdantlabs/canopy/internal/bus"
)

// State is the agent lifecycle phase. Transitions only move forward
// except busy<->ready.
type State string

const (
	StateSpawning State = "spawning"
	StateReady    State = "ready"
	StateBusy     State = "busy"
	StateDraining State = "draining"
	StateDead     State = "dead"
)

// Handler is the behavior of one agent role. Initialize and Teardown
// bracket the inbox loop; HandleRequest runs once per inbound request.
type Handler interface {
	Initialize(ctx context.Context, a *Agent) error
	HandleRequest(ctx context.Context, a *Agent, msg bus.Message) (map[string]any, error)
	Teardown(ctx context.Context, a *Agent) error
}

// Agent is one live worker. Fields are read-only after spawn except
// the state, which is guarded.
type Agent struct {
	ID         string
	Role       string
	ScratchDir string
	CreatedAt  time.Time

	mu    sync.Mutex
	state State

	handler Handler
	sub     *bus.Subscription
	cancel  context.CancelFunc
	done    chan struct{}
}

// State returns the current lifecycle phase.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Info is the externally visible agent summary.
type Info struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// Info snapshots the agent for status reporting.
func (a *Agent) Info() Info {
	return Info{
		ID:        a.ID,
		Role:      a.Role,
		State:     a.State(),
		CreatedAt: a.CreatedAt,
	}
}
