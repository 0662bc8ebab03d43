package telemetry

import (
	"maps"
	"time"
)

// Phase marks where in an operation an Event was emitted.
type Phase string

const (
	PhaseStart    Phase = "start"
	PhaseComplete Phase = "complete"
)

// Event is one telemetry record. Every operation emits a start event and exactly one complete event.
type Event struct {
	Operation string            `json:"operation"`
	Phase     Phase             `json:"phase"`
	Success   bool              `json:"success"`
	TenantID  string            `json:"tenant_id"`
	ServiceID string            `json:"service_id,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Source    string            `json:"source"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Clone returns a copy of e that shares no maps with it.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	out := *e
	out.Details = maps.Clone(e.Details)
	return &out
}
