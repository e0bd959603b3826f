package bus

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies a message on the wire.
type Kind string

const (
	KindRequest   Kind = "request"
	KindResponse  Kind = "response"
	KindBroadcast Kind = "broadcast"
	KindEvent     Kind = "event"
)

// Priority is advisory routing metadata carried with each message.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Well-known topics. Agent inboxes live under the agents/ prefix;
// anything under telemetry/ is lossy by contract and may drop the
// oldest queued message for a slow consumer.
const (
	TopicTelemetryPrefix     = "telemetry/"
	TopicTelemetryGreenhouse = "telemetry/greenhouse"
	TopicTelemetryIndustrial = "telemetry/industrial"
	TopicUIEvents            = "ui/events"
	TopicBroadcast           = "broadcast"
	TopicAgentPrefix         = "agents/"
)

// InboxTopic returns the request inbox topic for an agent id.
func InboxTopic(agentID string) string {
	return TopicAgentPrefix + agentID + "/inbox"
}

// Message is the unit of exchange between agents and system
// components. Payload maps are shared by reference; consumers must not
// mutate them.
type Message struct {
	ID            string         `json:"id"`
	Topic         string         `json:"topic"`
	Kind          Kind           `json:"kind"`
	Priority      Priority       `json:"priority"`
	From          string         `json:"from"`
	To            string         `json:"to,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Payload       map[string]any `json:"payload"`
	Timestamp     time.Time      `json:"timestamp"`
}

// NewMessage stamps a fresh id and timestamp. Priority defaults to
// normal.
func NewMessage(topic string, kind Kind, from string, payload map[string]any) Message {
	return Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Kind:      kind,
		Priority:  PriorityNormal,
		From:      from,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
