package domain

import "time"

const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// Health describes store reachability as seen by one adapter.
type Health struct {
	Status    string            `json:"status"`
	Adapter   string            `json:"adapter"`
	Latency   time.Duration     `json:"latency"`
	CheckedAt time.Time         `json:"checked_at"`
	Details   map[string]string `json:"details,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Healthy reports whether the adapter answered its health check.
func (h Health) Healthy() bool { return h.Status == HealthHealthy }

// CheckHealth times fn and converts its result into a Health for adapter.
func CheckHealth(adapter string, now func() time.Time, fn func() error) Health {
	start := now()
	err := fn()
	h := Health{
		Status:    HealthHealthy,
		Adapter:   adapter,
		Latency:   now().Sub(start),
		CheckedAt: start,
	}
	if err != nil {
		h.Status = HealthUnhealthy
		h.Error = err.Error()
	}
	return h
}

// ServiceHealth rolls the health of a service and the components it depends on into one status.
type ServiceHealth struct {
	Service    string            `json:"service"`
	Status     string            `json:"status"`
	Components map[string]Health `json:"components,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// NewServiceHealth is healthy iff every component is.
func NewServiceHealth(service string, checkedAt time.Time, components map[string]Health) ServiceHealth {
	status := HealthHealthy
	for _, c := range components {
		if !c.Healthy() {
			status = HealthUnhealthy
		}
	}
	return ServiceHealth{Service: service, Status: status, Components: components, CheckedAt: checkedAt}
}

func (h ServiceHealth) Healthy() bool { return h.Status == HealthHealthy }

// AsHealth summarizes h as a single component health for a parent rollup.
func (h ServiceHealth) AsHealth() Health {
	out := Health{Status: h.Status, Adapter: h.Service, CheckedAt: h.CheckedAt, Details: h.Details}
	if !h.Healthy() {
		for name, c := range h.Components {
			if !c.Healthy() {
				out.Error = name + ": " + c.Error
				break
			}
		}
	}
	return out
}
