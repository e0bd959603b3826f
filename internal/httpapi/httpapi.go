// Package httpapi exposes the REST control surface: system status,
// goal submission, actuator writes, override inspection, and settings.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/verdantlabs/canopy/internal/bcc"
	"github.com/verdantlabs/canopy/internal/safety"
	"github.com/verdantlabs/canopy/internal/settings"
	"github.com/verdantlabs/canopy/internal/twin"
)

// ActuatorWriter pushes operator setpoints to the plant.
type ActuatorWriter interface {
	WriteSetpoint(ctx context.Context, id string, value float64, user bool) error
}

// GoalRunner executes a goal pipeline and returns its artifacts.
type GoalRunner func(ctx context.Context, goal string) (map[string]any, bool, error)

// Deps wires the API to the rest of the system.
type Deps struct {
	Twin     *twin.Twin
	Writer   ActuatorWriter
	Watchdog *safety.Watchdog
	Settings *settings.Store
	RunGoal  GoalRunner
	Status   func() map[string]any
}

// API is the REST handler set.
type API struct {
	deps   Deps
	logger *slog.Logger
}

// New builds the API.
func New(deps Deps, logger *slog.Logger) *API {
	return &API{deps: deps, logger: logger}
}

// Router assembles the chi route tree.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", a.getStatus)
		r.Post("/goal", a.postGoal)
		r.Post("/actuator", a.postActuator)
		r.Get("/overrides", a.getOverrides)
		r.Get("/settings", a.getSettings)
		r.Post("/settings", a.postSettings)
		r.Post("/safety/reset", a.postSafetyReset)
	})
	return r
}

func (a *API) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Status())
}

type goalRequest struct {
	Goal string `json:"goal"`
}

func (a *API) postGoal(w http.ResponseWriter, r *http.Request) {
	var req goalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Goal == "" {
		writeError(w, http.StatusBadRequest, "goal is required")
		return
	}

	artifacts, valid, err := a.deps.RunGoal(r.Context(), req.Goal)
	if err != nil {
		a.logger.Warn("goal run failed", "goal", req.Goal, "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"goal":  req.Goal,
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"goal":      req.Goal,
		"valid":     valid,
		"artifacts": artifacts,
	})
}

type actuatorRequest struct {
	Name   string `json:"name"`
	Value  any    `json:"value"`
	Action string `json:"action"`
}

func (a *API) postActuator(w http.ResponseWriter, r *http.Request) {
	var req actuatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object")
		return
	}
	if req.Action == "" {
		req.Action = "set"
	}
	if req.Name == "" && req.Action != "clear_all" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	switch req.Action {
	case "set", "toggle":
		var value float64
		if req.Action == "toggle" {
			current, ok := a.deps.Twin.Actuator(req.Name)
			if !ok {
				writeError(w, http.StatusConflict, "unknown actuator: "+req.Name)
				return
			}
			if current < 0.5 {
				value = 1
			}
		} else {
			v, ok := coerceValue(req.Value)
			if !ok {
				writeError(w, http.StatusBadRequest, "set requires a numeric or boolean value")
				return
			}
			value = v
		}
		if err := a.deps.Writer.WriteSetpoint(r.Context(), req.Name, value, true); err != nil {
			status := http.StatusConflict
			if errors.Is(err, safety.ErrLatched) {
				status = http.StatusLocked
			}
			writeError(w, status, err.Error())
			return
		}
	case "clear_override":
		a.deps.Twin.ClearOverride(req.Name)
	case "clear_all":
		a.deps.Twin.ClearAllOverrides()
		// No single actuator to report on; the per-actuator fields and
		// receipt would be meaningless here.
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"action": "clear_all",
		})
		return
	default:
		writeError(w, http.StatusBadRequest, "unknown action: "+req.Action)
		return
	}

	value, _ := a.deps.Twin.Actuator(req.Name)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"actuator":        req.Name,
		"value":           value,
		"override_active": a.deps.Twin.OverrideActive(req.Name),
		"bcc":             bcc.Compute(twin.Receipt("USER", req.Name, value)),
	})
}

// coerceValue accepts JSON numbers and booleans as setpoints.
func coerceValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func (a *API) getOverrides(w http.ResponseWriter, r *http.Request) {
	overrides := a.deps.Twin.Overrides()
	writeJSON(w, http.StatusOK, map[string]any{
		"overrides": overrides,
		"count":     len(overrides),
	})
}

func (a *API) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Settings.All())
}

func (a *API) postSettings(w http.ResponseWriter, r *http.Request) {
	var values map[string]any
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		writeError(w, http.StatusBadRequest, "settings body must be a JSON object")
		return
	}
	receipt, err := a.deps.Settings.Replace(values)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "bcc": receipt})
}

type resetRequest struct {
	Token string `json:"token"`
}

func (a *API) postSafetyReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	switch err := a.deps.Watchdog.Reset(req.Token); {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "reset"})
	case errors.Is(err, safety.ErrBadToken):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, safety.ErrNotLatched):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
