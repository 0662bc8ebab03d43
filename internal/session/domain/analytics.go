package domain

import (
	"maps"
	"time"
)

// Analytics holds per-session usage counters. It is a satellite of Session and never authoritative.
type Analytics struct {
	SessionID           string            `json:"session_id"`
	TotalRequests       int64             `json:"total_requests"`
	SuccessfulRequests  int64             `json:"successful_requests"`
	FailedRequests      int64             `json:"failed_requests"`
	AverageResponseTime time.Duration     `json:"average_response_time"`
	LastActivity        time.Time         `json:"last_activity"`
	SecurityEvents      int64             `json:"security_events"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// Activity is one observed request against a session.
type Activity struct {
	Success       bool
	ResponseTime  time.Duration
	SecurityEvent bool
}

// NewAnalytics returns zeroed counters for sessionID.
func NewAnalytics(sessionID string, now time.Time) *Analytics {
	return &Analytics{SessionID: sessionID, LastActivity: now}
}

// Record folds a into the counters. Counters only grow and successful+failed always equals total.
func (a *Analytics) Record(act Activity, now time.Time) {
	rt := act.ResponseTime
	if rt < 0 {
		rt = 0
	}
	total := a.AverageResponseTime*time.Duration(a.TotalRequests) + rt
	a.TotalRequests++
	if act.Success {
		a.SuccessfulRequests++
	} else {
		a.FailedRequests++
	}
	if act.SecurityEvent {
		a.SecurityEvents++
	}
	a.AverageResponseTime = total / time.Duration(a.TotalRequests)
	a.LastActivity = now
}

// SuccessRate returns the percentage of successful requests, or 0 with no traffic.
func (a *Analytics) SuccessRate() float64 {
	if a.TotalRequests == 0 {
		return 0
	}
	return float64(a.SuccessfulRequests) / float64(a.TotalRequests) * 100
}

// ErrorDensity returns the fraction of failed requests, or 0 with no traffic.
func (a *Analytics) ErrorDensity() float64 {
	if a.TotalRequests == 0 {
		return 0
	}
	return float64(a.FailedRequests) / float64(a.TotalRequests)
}

// Consistent reports whether the counter invariants hold.
func (a *Analytics) Consistent() bool {
	return a.TotalRequests >= 0 && a.SuccessfulRequests >= 0 && a.FailedRequests >= 0 &&
		a.SecurityEvents >= 0 && a.SuccessfulRequests+a.FailedRequests <= a.TotalRequests
}

// Clone returns a deep copy of a.
func (a *Analytics) Clone() *Analytics {
	if a == nil {
		return nil
	}
	out := *a
	out.Metadata = maps.Clone(a.Metadata)
	return &out
}
