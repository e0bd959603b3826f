// Package command is the operator-facing control surface: a closed set
// of tagged commands arriving as JSON lines over stdin or a websocket,
// dispatched to the runtime, the plant, and the orchestrator.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/verdantlabs/canopy/internal/agent"
	"github.com/verdantlabs/canopy/internal/bus"
	"github.com/verdantlabs/canopy/internal/twin"
)

var (
	// ErrUnknownCommand rejects tags outside the closed set.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrBadPayload rejects commands missing required fields.
	ErrBadPayload = errors.New("invalid command payload")
)

// Command is one inbound operator instruction.
type Command struct {
	Tag     string         `json:"command"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Result is the reply to one command. Every dispatch produces exactly
// one terminal result, COMMAND_SUCCESS or COMMAND_ERROR (PONG for
// pings); failures carry an "error" key instead of a transport error.
type Result map[string]any

// ActuatorWriter pushes operator setpoints to the plant.
type ActuatorWriter interface {
	WriteSetpoint(ctx context.Context, id string, value float64, user bool) error
}

// OverrideStore releases user overrides.
type OverrideStore interface {
	ClearOverride(id string)
	ClearAllOverrides()
}

// Deps wires the plane to the rest of the system. Shutdown must be
// idempotent; the plane may call it more than once.
type Deps struct {
	Runtime   *agent.Runtime
	Bus       *bus.Bus
	Writer    ActuatorWriter
	Overrides OverrideStore
	Status    func() map[string]any
	Shutdown  func()
}

// Plane dispatches operator commands.
type Plane struct {
	deps   Deps
	logger *slog.Logger
}

// NewPlane builds a command plane.
func NewPlane(deps Deps, logger *slog.Logger) *Plane {
	return &Plane{deps: deps, logger: logger}
}

// Dispatch routes one command and always returns a result. Errors are
// folded into a COMMAND_ERROR result so callers have a single reply
// path.
func (p *Plane) Dispatch(ctx context.Context, cmd Command) Result {
	res, err := p.dispatch(ctx, cmd)
	if err != nil {
		p.logger.Warn("command failed", "command", cmd.Tag, "error", err)
		return Result{"type": "COMMAND_ERROR", "error": err.Error()}
	}
	return res
}

func success(extra map[string]any) Result {
	res := Result{"type": "COMMAND_SUCCESS"}
	for k, v := range extra {
		res[k] = v
	}
	return res
}

func (p *Plane) dispatch(ctx context.Context, cmd Command) (Result, error) {
	switch cmd.Tag {
	case "PING":
		return Result{"type": "PONG", "timestamp": time.Now().UTC().Format(time.RFC3339)}, nil
	case "SPAWN_AGENT":
		return p.spawnAgent(ctx, cmd)
	case "KILL_AGENT":
		return p.killAgent(ctx, cmd)
	case "AGENT_MSG":
		return p.agentMsg(ctx, cmd)
	case "SYSTEM_SHUTDOWN":
		p.deps.Shutdown()
		return success(map[string]any{"status": "shutting_down"}), nil
	case "SLASH_COMMAND":
		return p.slashCommand(ctx, cmd)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Tag)
	}
}

func (p *Plane) spawnAgent(ctx context.Context, cmd Command) (Result, error) {
	role, _ := cmd.Payload["role"].(string)
	if role == "" {
		return nil, fmt.Errorf("%w: SPAWN_AGENT requires role", ErrBadPayload)
	}
	a, err := p.deps.Runtime.Spawn(ctx, role)
	if err != nil {
		return nil, err
	}
	res := map[string]any{"action": "AGENT_SPAWNED", "agent_id": a.ID, "role": a.Role}
	// A requested display name is echoed back; the runtime addresses
	// agents by the generated id.
	if name, _ := cmd.Payload["name"].(string); name != "" {
		res["name"] = name
	}
	return success(res), nil
}

func (p *Plane) killAgent(ctx context.Context, cmd Command) (Result, error) {
	// Agent ids are the agents' names; "agent_id" is accepted as an
	// alias for "name".
	id, _ := cmd.Payload["name"].(string)
	if id == "" {
		id, _ = cmd.Payload["agent_id"].(string)
	}
	if id == "" {
		return nil, fmt.Errorf("%w: KILL_AGENT requires name", ErrBadPayload)
	}
	if err := p.deps.Runtime.Kill(ctx, id); err != nil {
		return nil, err
	}
	return success(map[string]any{"action": "AGENT_KILLED", "agent_id": id}), nil
}

// Greenhouse verbs routed directly to the plant instead of an agent.
var plantVerbs = map[string]struct {
	actuator string
	value    float64
}{
	"START_PUMP": {twin.ActPump, 1},
	"STOP_PUMP":  {twin.ActPump, 0},
}

// agentMsg routes on the target: a target with the "greenhouse" prefix
// (or none at all) is a plant command keyed by "action"; anything else
// is a generic request relayed to that agent over the bus. "message"
// is accepted as an alias for "action".
func (p *Plane) agentMsg(ctx context.Context, cmd Command) (Result, error) {
	target, _ := cmd.Payload["target"].(string)
	action, _ := cmd.Payload["action"].(string)
	if action == "" {
		action, _ = cmd.Payload["message"].(string)
	}

	if target == "" || strings.HasPrefix(target, "greenhouse") {
		if res, handled, err := p.plantCommand(ctx, cmd, action); handled {
			return res, err
		}
		if strings.HasPrefix(target, "greenhouse") {
			return nil, fmt.Errorf("%w: unknown greenhouse action %q", ErrBadPayload, action)
		}
	}
	if target == "" {
		return nil, fmt.Errorf("%w: AGENT_MSG requires target or a plant action", ErrBadPayload)
	}

	inner, _ := cmd.Payload["request"].(map[string]any)
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	resp, err := p.deps.Bus.Request(reqCtx, "operator", target, inner)
	if err != nil {
		return nil, err
	}
	return success(map[string]any{"agent_id": target, "payload": resp.Payload}), nil
}

// plantCommand executes one greenhouse actuator action. handled is
// false when the action is not a plant verb at all.
func (p *Plane) plantCommand(ctx context.Context, cmd Command, action string) (Result, bool, error) {
	if verb, ok := plantVerbs[action]; ok {
		if err := p.deps.Writer.WriteSetpoint(ctx, verb.actuator, verb.value, true); err != nil {
			return nil, true, err
		}
		return success(map[string]any{"action": action}), true, nil
	}

	switch action {
	case "SET_HEATER":
		value, ok := asFloat(cmd.Payload["value"])
		if !ok {
			return nil, true, fmt.Errorf("%w: SET_HEATER requires value", ErrBadPayload)
		}
		if err := p.deps.Writer.WriteSetpoint(ctx, twin.ActHeater, value, true); err != nil {
			return nil, true, err
		}
		return success(map[string]any{"action": action}), true, nil
	case "CLEAR_OVERRIDE":
		actuator, _ := cmd.Payload["actuator"].(string)
		if actuator == "" {
			return nil, true, fmt.Errorf("%w: CLEAR_OVERRIDE requires actuator", ErrBadPayload)
		}
		p.deps.Overrides.ClearOverride(actuator)
		return success(map[string]any{"action": action, "actuator": actuator}), true, nil
	case "CLEAR_ALL_OVERRIDES":
		p.deps.Overrides.ClearAllOverrides()
		return success(map[string]any{"action": action}), true, nil
	}
	return nil, false, nil
}

// slashCommand parses the interactive shorthand: /pump on, /status,
// /agent spawn <role>.
func (p *Plane) slashCommand(ctx context.Context, cmd Command) (Result, error) {
	line, _ := cmd.Payload["command"].(string)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty slash command", ErrBadPayload)
	}

	switch fields[0] {
	case "/pump":
		if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
			return nil, fmt.Errorf("%w: usage /pump on|off", ErrBadPayload)
		}
		value := 0.0
		if fields[1] == "on" {
			value = 1.0
		}
		if err := p.deps.Writer.WriteSetpoint(ctx, twin.ActPump, value, true); err != nil {
			return nil, err
		}
		return success(map[string]any{"message": line}), nil
	case "/status":
		return success(map[string]any{"status": p.deps.Status()}), nil
	case "/agent":
		if len(fields) == 3 && fields[1] == "spawn" {
			return p.spawnAgent(ctx, Command{Payload: map[string]any{"role": fields[2]}})
		}
		if len(fields) == 2 && fields[1] == "list" {
			return success(map[string]any{"agents": p.deps.Runtime.ListByRole("")}), nil
		}
		return nil, fmt.Errorf("%w: usage /agent spawn <role> | /agent list", ErrBadPayload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, fields[0])
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
