package composition

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"session-control-plane/backend/internal/session/domain"
)

// Grade is the qualitative health of a session.
type Grade string

const (
	GradeExcellent Grade = "excellent"
	GradeGood      Grade = "good"
	GradeFair      Grade = "fair"
	GradePoor      Grade = "poor"
	GradeUnhealthy Grade = "unhealthy"
)

func (g Grade) rank() int {
	switch g {
	case GradeExcellent:
		return 4
	case GradeGood:
		return 3
	case GradeFair:
		return 2
	case GradePoor:
		return 1
	}
	return 0
}

const slowResponse = time.Second

// Assessment is a derived view over a session and its analytics.
type Assessment struct {
	SessionID           string               `json:"session_id"`
	Health              Grade                `json:"health"`
	Status              domain.Status        `json:"status"`
	SecurityLevel       domain.SecurityLevel `json:"security_level"`
	SuccessRate         float64              `json:"success_rate"`
	ErrorDensity        float64              `json:"error_density"`
	AverageResponseTime time.Duration        `json:"average_response_time"`
	IdleFor             time.Duration        `json:"idle_for"`
	SecurityEvents      int64                `json:"security_events"`
	IsSecure            bool                 `json:"is_secure"`
	Recommendations     []string             `json:"recommendations"`
	AssessedAt          time.Time            `json:"assessed_at"`
}

// Assess grades the session from its analytics and idle time.
func (s *Service) Assess(ctx context.Context, id string, sc domain.Context) (a *Assessment, err error) {
	ctx, op := s.recorder.Start(ctx, ServiceName, "perform_session_assessment", sc)
	op.SetSession(id)
	defer func() {
		d := map[string]string{}
		if a != nil {
			d["health"] = string(a.Health)
		}
		op.End(err, d)
	}()

	sess, err := s.repo.Get(ctx, id, sc)
	if err != nil {
		return nil, err
	}
	an, err := s.repo.Analytics(ctx, id, sc)
	if err != nil {
		return nil, err
	}
	return assess(sess, an, s.now(), s.idleThreshold), nil
}

func assess(sess *domain.Session, an *domain.Analytics, now time.Time, idleThreshold time.Duration) *Assessment {
	last := sess.LastAccessed
	if an.LastActivity.After(last) {
		last = an.LastActivity
	}
	idle := max(now.Sub(last), 0)

	a := &Assessment{
		SessionID:           sess.ID,
		Status:              sess.Status,
		SecurityLevel:       sess.SecurityLevel,
		SuccessRate:         an.SuccessRate(),
		ErrorDensity:        an.ErrorDensity(),
		AverageResponseTime: an.AverageResponseTime,
		IdleFor:             idle,
		SecurityEvents:      an.SecurityEvents,
		IsSecure:            sess.SecurityLevel.AtLeast(domain.SecurityHigh),
		AssessedAt:          now,
	}
	a.Health = grade(sess, an, idle > idleThreshold)
	a.Recommendations = recommendations(a, idleThreshold)
	return a
}

func grade(sess *domain.Session, an *domain.Analytics, idle bool) Grade {
	if sess.Status != domain.StatusActive {
		return GradeUnhealthy
	}
	var g Grade
	rate := an.SuccessRate()
	switch {
	case an.TotalRequests == 0 && !idle:
		g = GradeGood
	case an.TotalRequests == 0:
		g = GradeFair
	case rate >= 95 && an.SecurityEvents == 0:
		g = GradeExcellent
	case rate >= 90 && an.SecurityEvents <= 1:
		g = GradeGood
	case rate >= 80:
		g = GradeFair
	default:
		g = GradePoor
	}
	if idle && g.rank() > GradeFair.rank() {
		g = GradeFair
	}
	return g
}

func recommendations(a *Assessment, idleThreshold time.Duration) []string {
	var out []string
	if a.Status != domain.StatusActive {
		out = append(out, "Session is not active - consider refreshing or recreating")
	}
	if a.SecurityEvents > 0 {
		out = append(out, "Security events detected - review session security")
	}
	if a.AverageResponseTime > slowResponse {
		out = append(out, "High response times detected - consider performance optimization")
	}
	if a.IdleFor > idleThreshold {
		out = append(out, fmt.Sprintf("Session idle for %s - consider revoking it", a.IdleFor.Truncate(time.Second)))
	}
	if a.SecurityLevel == domain.SecurityLow {
		out = append(out, "Consider upgrading to higher security level")
	}
	if len(out) == 0 {
		out = append(out, "Session is operating normally")
	}
	return out
}

// String renders the grade with its success rate, for logs and the CLI.
func (a *Assessment) String() string {
	return string(a.Health) + " (success " + strconv.FormatFloat(a.SuccessRate, 'f', 1, 64) + "%)"
}
