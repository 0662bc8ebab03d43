package engine

import (
	"context"
	"strings"

	"session-control-plane/backend/internal/session/domain"
)

// Denial reasons produced by the built-in access policy.
const (
	ReasonTenantMismatch            = "tenant_mismatch"
	ReasonAgentMismatch             = "agent_mismatch"
	ReasonInsufficientSecurityLevel = "insufficient_security_level"

	// ReasonTenantPolicy is used when a tenant policy denies without naming a reason.
	ReasonTenantPolicy = "tenant_policy"
)

// AccessInput describes a caller asking to act on a session.
type AccessInput struct {
	Operation string
	Caller    domain.Context
	Session   *domain.Session
	// MinSecurityLevel is the weakest tier the session may have. Empty means no floor.
	MinSecurityLevel domain.SecurityLevel
}

// Decision is the outcome of an access evaluation.
type Decision struct {
	Allow   bool
	Reasons []string
}

// Err returns nil when d allows access, else an error wrapping domain.ErrUnauthorized with the reasons.
func (d Decision) Err() error {
	if d.Allow {
		return nil
	}
	if len(d.Reasons) == 0 {
		return domain.Denied("denied by policy")
	}
	return domain.Denied(strings.Join(d.Reasons, ","))
}

// AccessEvaluator decides whether a caller may act on a session.
type AccessEvaluator interface {
	EvaluateAccess(ctx context.Context, in AccessInput) (Decision, error)
}
