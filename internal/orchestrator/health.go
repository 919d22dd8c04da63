package orchestrator

import (
	"time"
)

// AgentStatus represents the lifecycle state of an agent
type AgentStatus string

const (
	StatusUnknown    AgentStatus = "UNKNOWN"
	StatusStarting   AgentStatus = "STARTING"
	StatusReady      AgentStatus = "READY"
	StatusBusy       AgentStatus = "BUSY"
	StatusDegraded   AgentStatus = "DEGRADED"
	StatusError      AgentStatus = "ERROR"
	StatusRestarting AgentStatus = "RESTARTING"
	StatusStopping   AgentStatus = "STOPPING"
	StatusOffline    AgentStatus = "OFFLINE"
)

// HealthCheck is the result of the most recent health probes
type HealthCheck struct {
	IsHealthy           bool       `json:"isHealthy"`
	LastCheckTime       *time.Time `json:"lastCheckTime,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastError           string     `json:"lastError,omitempty"`
}

// AgentHealth is the health record of one registered agent
type AgentHealth struct {
	AgentID              string                 `json:"agentId"`
	Status               AgentStatus            `json:"status"`
	HealthCheck          HealthCheck            `json:"healthCheck"`
	Metrics              map[string]interface{} `json:"metrics"`
	LastStatusChangeTime time.Time              `json:"lastStatusChangeTime"`
}

// Clone returns a deep copy of the record
func (h AgentHealth) Clone() AgentHealth {
	out := h
	if h.HealthCheck.LastCheckTime != nil {
		t := *h.HealthCheck.LastCheckTime
		out.HealthCheck.LastCheckTime = &t
	}
	out.Metrics = cloneMap(h.Metrics)
	return out
}

// HealthUpdate is a partial change to an AgentHealth. Nil fields are left
// untouched; Metrics keys are merged into the existing map.
type HealthUpdate struct {
	Status              *AgentStatus
	IsHealthy           *bool
	LastCheckTime       *time.Time
	ConsecutiveFailures *int
	LastError           *string
	Metrics             map[string]interface{}
}

// apply merges u into h and reports whether the status changed
func (h *AgentHealth) apply(u HealthUpdate, now time.Time) bool {
	changed := false
	if u.Status != nil && *u.Status != h.Status {
		h.Status = *u.Status
		h.LastStatusChangeTime = now
		changed = true
	}
	if u.IsHealthy != nil {
		h.HealthCheck.IsHealthy = *u.IsHealthy
	}
	if u.LastCheckTime != nil {
		t := *u.LastCheckTime
		h.HealthCheck.LastCheckTime = &t
	}
	if u.ConsecutiveFailures != nil {
		h.HealthCheck.ConsecutiveFailures = *u.ConsecutiveFailures
	}
	if u.LastError != nil {
		h.HealthCheck.LastError = *u.LastError
	}
	if len(u.Metrics) > 0 {
		if h.Metrics == nil {
			h.Metrics = make(map[string]interface{}, len(u.Metrics))
		}
		for k, v := range u.Metrics {
			h.Metrics[k] = cloneValue(v)
		}
	}
	return changed
}

func newAgentHealth(agentID string, now time.Time) AgentHealth {
	return AgentHealth{
		AgentID:              agentID,
		Status:               StatusUnknown,
		Metrics:              make(map[string]interface{}),
		LastStatusChangeTime: now,
	}
}

func ptr[T any](v T) *T {
	return &v
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
