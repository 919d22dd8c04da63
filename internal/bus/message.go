package bus

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a control-plane message
type EventType string

const (
	EventHealthCheck    EventType = "HEALTH_CHECK"
	EventHealthResponse EventType = "HEALTH_RESPONSE"

	EventCircuitOpen     EventType = "CIRCUIT_BREAKER_OPEN"
	EventCircuitHalfOpen EventType = "CIRCUIT_BREAKER_HALF_OPEN"
	EventCircuitClosed   EventType = "CIRCUIT_BREAKER_CLOSED"

	EventAgentStarting     EventType = "AGENT_STARTING"
	EventAgentReady        EventType = "AGENT_READY"
	EventAgentBusy         EventType = "AGENT_BUSY"
	EventAgentError        EventType = "AGENT_ERROR"
	EventAgentDegraded     EventType = "AGENT_DEGRADED"
	EventAgentShuttingDown EventType = "AGENT_SHUTTING_DOWN"
	EventAgentRestarting   EventType = "AGENT_RESTARTING"
	EventAgentOffline      EventType = "AGENT_OFFLINE"

	EventValidationRequest  EventType = "VALIDATION_REQUEST"
	EventValidationResponse EventType = "VALIDATION_RESPONSE"

	// AnyEvent subscribes a handler to every event type
	AnyEvent EventType = "*"
)

// BroadcastDestination is the destination of broadcast messages
const BroadcastDestination = "*"

var statusEvents = map[string]EventType{
	"starting":   EventAgentStarting,
	"ready":      EventAgentReady,
	"busy":       EventAgentBusy,
	"error":      EventAgentError,
	"degraded":   EventAgentDegraded,
	"stopping":   EventAgentShuttingDown,
	"restarting": EventAgentRestarting,
	"offline":    EventAgentOffline,
}

// StatusEventType maps an agent status to its lifecycle event. The match is
// case-insensitive; ok is false for statuses with no lifecycle event.
func StatusEventType(status string) (EventType, bool) {
	ev, ok := statusEvents[strings.ToLower(status)]
	return ev, ok
}

// Priority represents message priority levels
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Metadata contains delivery hints
type Metadata struct {
	Priority Priority `json:"priority"`
}

// Message is the unit carried by a MessageBus
type Message struct {
	MessageID        string                 `json:"messageId"`
	CorrelationID    string                 `json:"correlationId,omitempty"`
	Timestamp        time.Time              `json:"timestamp"`
	Source           string                 `json:"source"`
	Destination      string                 `json:"destination"`
	EventType        EventType              `json:"eventType"`
	Payload          map[string]interface{} `json:"payload"`
	Metadata         Metadata               `json:"metadata"`
	RequiresResponse bool                   `json:"requiresResponse,omitempty"`
}

// NewMessage creates a new message with normal priority
func NewMessage(source, destination string, eventType EventType, payload map[string]interface{}) *Message {
	if payload == nil {
		payload = make(map[string]interface{})
	}
	return &Message{
		MessageID:   uuid.New().String(),
		Timestamp:   time.Now(),
		Source:      source,
		Destination: destination,
		EventType:   eventType,
		Payload:     payload,
		Metadata:    Metadata{Priority: PriorityNormal},
	}
}

// WithPriority sets the message priority
func (m *Message) WithPriority(p Priority) *Message {
	m.Metadata.Priority = p
	return m
}

// WithCorrelationID sets the correlation id
func (m *Message) WithCorrelationID(id string) *Message {
	m.CorrelationID = id
	return m
}

// ToJSON serializes the message
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON deserializes a message
func FromJSON(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
