// Package finance tracks what the agent fleet costs and earns, and
// answers the one question the orchestrator asks before every step:
// can we afford to keep going.
package finance

import (
	"log/slog"
	"sync"
	"time"
)

// ModelRate prices tokens in dollars per 1000.
type ModelRate struct {
	InputPer1K  float64
	OutputPer1K float64
}

// DefaultRates is the built-in pricing table.
var DefaultRates = map[string]ModelRate{
	"standard": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"fast":     {InputPer1K: 0.0008, OutputPer1K: 0.004},
	"local":    {InputPer1K: 0, OutputPer1K: 0},
}

// Summary is a point-in-time financial snapshot.
type Summary struct {
	TotalIn       float64            `json:"total_in"`
	TotalOut      float64            `json:"total_out"`
	Net           float64            `json:"net"`
	SpendByAgent  map[string]float64 `json:"spend_by_agent"`
	BusyHours     float64            `json:"busy_hours"`
	BudgetHours   float64            `json:"budget_hours"`
	IsStable      bool               `json:"is_stable"`
	TrackingSince time.Time          `json:"tracking_since"`
}

// Tracker accumulates spend and earned value. Safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	rates        map[string]ModelRate
	spendByAgent map[string]float64
	totalIn      float64
	totalOut     float64
	busyHours    float64
	budgetHours  float64
	startedAt    time.Time

	logger *slog.Logger
}

// NewTracker builds a tracker with the default rate table. budgetHours
// caps the wall-clock time of a single workflow run.
func NewTracker(budgetHours float64, logger *slog.Logger) *Tracker {
	return &Tracker{
		rates:        DefaultRates,
		spendByAgent: make(map[string]float64),
		budgetHours:  budgetHours,
		startedAt:    time.Now().UTC(),
		logger:       logger,
	}
}

// SetRate overrides pricing for a model tier.
func (t *Tracker) SetRate(model string, rate ModelRate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rates[model] = rate
}

// LogTokens records token usage for an agent and returns the dollar
// cost. Unknown models price at the standard tier.
func (t *Tracker) LogTokens(agentID, model string, promptTokens, completionTokens int) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	rate, ok := t.rates[model]
	if !ok {
		rate = t.rates["standard"]
	}
	cost := float64(promptTokens)/1000*rate.InputPer1K + float64(completionTokens)/1000*rate.OutputPer1K
	t.spendByAgent[agentID] += cost
	t.totalOut += cost
	return cost
}

// LogEffectiveness credits earned value: a completed step, a validated
// artifact, a crop improvement, priced by the caller.
func (t *Tracker) LogEffectiveness(agentID string, value float64) {
	if value <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalIn += value
	t.logger.Debug("value credited", "agent_id", agentID, "value", value)
}

// LogUtilization records agent busy time against the hour budget.
func (t *Tracker) LogUtilization(agentID string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.busyHours += d.Hours()
}

// IsStable reports whether spend is still proportionate to earned
// value. The ledger tolerates spending up to ten times what has come
// in, plus a flat hundred-dollar float for cold starts.
func (t *Tracker) IsStable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !(t.totalOut > t.totalIn*10+100)
}

// WithinBudget reports whether a run's elapsed wall-clock time is
// still under the hour budget. Agent busy time is tracked separately,
// for reporting only.
func (t *Tracker) WithinBudget(elapsed time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return elapsed.Hours() < t.budgetHours
}

// Summary snapshots the ledger.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	byAgent := make(map[string]float64, len(t.spendByAgent))
	for id, v := range t.spendByAgent {
		byAgent[id] = v
	}
	return Summary{
		TotalIn:       t.totalIn,
		TotalOut:      t.totalOut,
		Net:           t.totalIn - t.totalOut,
		SpendByAgent:  byAgent,
		BusyHours:     t.busyHours,
		BudgetHours:   t.budgetHours,
		IsStable:      !(t.totalOut > t.totalIn*10+100),
		TrackingSince: t.startedAt,
	}
}
