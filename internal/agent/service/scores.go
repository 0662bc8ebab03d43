package service

import (
	"time"

	"session-control-plane/backend/internal/session/domain"
)

// AgentAnalytics is the raw analytics of an agent session plus derived scores out of 100.
type AgentAnalytics struct {
	SessionID        string            `json:"session_id"`
	AgentID          string            `json:"agent_id"`
	Analytics        *domain.Analytics `json:"analytics"`
	PerformanceScore float64           `json:"performance_score"`
	SecurityScore    float64           `json:"security_score"`
	ReliabilityScore float64           `json:"reliability_score"`
	Recommendations  []string          `json:"recommendations"`
}

func analyze(sessionID, agentID string, an *domain.Analytics) *AgentAnalytics {
	return &AgentAnalytics{
		SessionID:        sessionID,
		AgentID:          agentID,
		Analytics:        an,
		PerformanceScore: performanceScore(an),
		SecurityScore:    securityScore(an),
		ReliabilityScore: an.SuccessRate(),
		Recommendations:  analyticsRecommendations(an),
	}
}

// performanceScore averages the success rate with a latency score that loses a point per 10ms.
func performanceScore(an *domain.Analytics) float64 {
	if an.TotalRequests == 0 {
		return 0
	}
	ms := float64(an.AverageResponseTime) / float64(time.Millisecond)
	latency := max(0, 100-ms/10)
	return (an.SuccessRate() + latency) / 2
}

func securityScore(an *domain.Analytics) float64 {
	switch n := an.SecurityEvents; {
	case n == 0:
		return 100
	case n <= 2:
		return 80
	case n <= 5:
		return 60
	}
	return 40
}

func analyticsRecommendations(an *domain.Analytics) []string {
	var out []string
	if an.SecurityEvents > 0 {
		out = append(out, "Security events detected - review session security")
	}
	if an.AverageResponseTime > time.Second {
		out = append(out, "High response times detected - consider performance optimization")
	}
	if an.FailedRequests > an.SuccessfulRequests {
		out = append(out, "High failure rate detected - review session reliability")
	}
	if len(out) == 0 {
		out = append(out, "Session analytics are within normal parameters")
	}
	return out
}
