// Package service adds agent identity semantics on top of session composition:
// every agent-facing call is checked against the access policy before it touches the session.
package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"session-control-plane/backend/internal/policy/engine"
	"session-control-plane/backend/internal/session/composition"
	"session-control-plane/backend/internal/session/domain"
	"session-control-plane/backend/internal/telemetry"
)

// ServiceName is the registry name of the agent session service.
const ServiceName = "agent_session_service"

// DefaultMinSecurityLevel is the weakest tier an agent session may have.
const DefaultMinSecurityLevel = domain.SecurityMedium

// ErrMissingDependency is returned by New when a collaborator is nil.
var ErrMissingDependency = errors.New("agent service: missing dependency")

// Workflows is the composition surface the agent service needs.
type Workflows interface {
	Orchestrate(ctx context.Context, workflow string, sc domain.Context, overrides *domain.CreateRequest) (*composition.WorkflowResult, error)
	CreateWithSecurity(ctx context.Context, sc domain.Context, req domain.CreateRequest, level domain.SecurityLevel) (*composition.SecureSessionResult, error)
	HealthCheck(ctx context.Context) domain.ServiceHealth
}

// SessionRepo is the minimal session store surface needed after a session exists.
type SessionRepo interface {
	Get(ctx context.Context, id string, sc domain.Context) (*domain.Session, error)
	Validate(ctx context.Context, id string, sc domain.Context) (bool, error)
	Refresh(ctx context.Context, id string, sc domain.Context) (*domain.Session, error)
	Revoke(ctx context.Context, id string, sc domain.Context) error
	Analytics(ctx context.Context, id string, sc domain.Context) (*domain.Analytics, error)
}

// PolicyHealth is implemented by evaluators that can self-check.
type PolicyHealth interface {
	HealthCheck(ctx context.Context) error
}

// AgentSession is the result of CreateAgentSession.
type AgentSession struct {
	composition.SecureSessionResult
	AgentID string `json:"agent_id"`
}

// Service implements agent session create, validate, analytics, refresh, revoke and dispatch.
type Service struct {
	workflows Workflows
	sessions  SessionRepo
	policy    engine.AccessEvaluator
	minLevel  domain.SecurityLevel
	recorder  *telemetry.Recorder
	now       func() time.Time
	logger    zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithMinSecurityLevel sets the weakest tier agents may create or use.
func WithMinSecurityLevel(l domain.SecurityLevel) Option {
	return func(s *Service) {
		if l.Valid() {
			s.minLevel = l
		}
	}
}

func WithRecorder(r *telemetry.Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New returns an agent session service.
func New(workflows Workflows, sessions SessionRepo, policy engine.AccessEvaluator, opts ...Option) (*Service, error) {
	if workflows == nil || sessions == nil || policy == nil {
		return nil, ErrMissingDependency
	}
	s := &Service{
		workflows: workflows,
		sessions:  sessions,
		policy:    policy,
		minLevel:  DefaultMinSecurityLevel,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With().Str("component", ServiceName).Logger()
	return s, nil
}

// CreateAgentSession creates a session bound to agentID and mints its access token.
// sessionType defaults to agent and level to high. A level below the configured minimum is denied
// rather than raised. A token failure returns the partial result with composition.ErrTokenNotIssued.
func (s *Service) CreateAgentSession(ctx context.Context, agentID string, sc domain.Context, sessionType domain.Type, level domain.SecurityLevel) (res *AgentSession, err error) {
	caller := sc.WithAgent(agentID)
	ctx, op := s.recorder.Start(ctx, ServiceName, "create_agent_session", caller)
	defer func() {
		d := map[string]string{"agent_id": agentID}
		if res != nil {
			op.SetSession(res.SessionID)
			d["token_issued"] = strconv.FormatBool(res.TokenIssued)
		}
		op.End(err, d)
	}()

	if agentID == "" {
		return nil, domain.Invalid("agent_id is required")
	}
	if sessionType == "" {
		sessionType = domain.TypeAgent
	}
	if level == "" {
		level = domain.SecurityHigh
	}
	if !level.Valid() {
		return nil, domain.Invalid("unknown security level %q", level)
	}
	if !level.AtLeast(s.minLevel) {
		return nil, domain.Denied(engine.ReasonInsufficientSecurityLevel)
	}

	req := domain.CreateRequest{
		UserID:   caller.UserID(),
		AgentID:  agentID,
		Type:     sessionType,
		Metadata: map[string]string{"created_for": "agent"},
	}
	secure, err := s.workflows.CreateWithSecurity(ctx, caller, req, level)
	if secure == nil {
		return nil, err
	}
	return &AgentSession{SecureSessionResult: *secure, AgentID: agentID}, err
}

// ValidateAgentSession reports whether the session is usable by agentID. A session owned by
// another agent, even in the same tenant, is a permission-denied error rather than false.
// An absent or expired session is (false, nil).
func (s *Service) ValidateAgentSession(ctx context.Context, sessionID, agentID string, sc domain.Context) (valid bool, err error) {
	caller := sc.WithAgent(agentID)
	ctx, op := s.recorder.Start(ctx, ServiceName, "validate_agent_session", caller)
	op.SetSession(sessionID)
	defer func() { op.End(err, map[string]string{"agent_id": agentID, "valid": strconv.FormatBool(valid)}) }()

	if _, err := s.authorize(ctx, "validate", sessionID, caller); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return s.sessions.Validate(ctx, sessionID, caller)
}

// AgentSessionAnalytics returns analytics with derived scores after the same identity check as validation.
func (s *Service) AgentSessionAnalytics(ctx context.Context, sessionID, agentID string, sc domain.Context) (res *AgentAnalytics, err error) {
	caller := sc.WithAgent(agentID)
	ctx, op := s.recorder.Start(ctx, ServiceName, "get_agent_session_analytics", caller)
	op.SetSession(sessionID)
	defer func() {
		d := map[string]string{"agent_id": agentID}
		if res != nil {
			d["performance_score"] = strconv.FormatFloat(res.PerformanceScore, 'f', 1, 64)
		}
		op.End(err, d)
	}()

	if _, err := s.authorize(ctx, "analytics", sessionID, caller); err != nil {
		return nil, err
	}
	an, err := s.sessions.Analytics(ctx, sessionID, caller)
	if err != nil {
		return nil, err
	}
	return analyze(sessionID, agentID, an), nil
}

// ManageAgentSession opens the session template matching kind. The agent identity comes from
// overrides when set, else from sc.AgentID.
func (s *Service) ManageAgentSession(ctx context.Context, kind OperationKind, sc domain.Context, overrides *domain.CreateRequest) (res *composition.WorkflowResult, err error) {
	ctx, op := s.recorder.Start(ctx, ServiceName, "manage_agent_session", sc)
	defer func() {
		if res != nil {
			op.SetSession(res.SessionID)
		}
		op.End(err, map[string]string{"operation_type": string(kind)})
	}()

	workflow := kind.workflow()
	if workflow == "" {
		return nil, ErrUnknownOperation
	}
	agentID := sc.AgentID
	if overrides != nil && overrides.AgentID != "" {
		agentID = overrides.AgentID
	}
	if agentID == "" {
		return nil, domain.Invalid("agent_id is required for %s", kind)
	}
	if overrides != nil && overrides.SecurityLevel != "" && !overrides.SecurityLevel.AtLeast(s.minLevel) {
		return nil, domain.Denied(engine.ReasonInsufficientSecurityLevel)
	}
	return s.workflows.Orchestrate(ctx, workflow, sc.WithAgent(agentID), overrides)
}

// RefreshAgentSession extends the session expiry after the identity check.
func (s *Service) RefreshAgentSession(ctx context.Context, sessionID, agentID string, sc domain.Context) (sess *domain.Session, err error) {
	caller := sc.WithAgent(agentID)
	ctx, op := s.recorder.Start(ctx, ServiceName, "refresh_agent_session", caller)
	op.SetSession(sessionID)
	defer func() { op.End(err, map[string]string{"agent_id": agentID}) }()

	if _, err := s.authorize(ctx, "refresh", sessionID, caller); err != nil {
		return nil, err
	}
	return s.sessions.Refresh(ctx, sessionID, caller)
}

// RevokeAgentSession marks the session revoked after the identity check.
func (s *Service) RevokeAgentSession(ctx context.Context, sessionID, agentID string, sc domain.Context) (err error) {
	caller := sc.WithAgent(agentID)
	ctx, op := s.recorder.Start(ctx, ServiceName, "revoke_agent_session", caller)
	op.SetSession(sessionID)
	defer func() { op.End(err, map[string]string{"agent_id": agentID}) }()

	if _, err := s.authorize(ctx, "revoke", sessionID, caller); err != nil {
		return err
	}
	return s.sessions.Revoke(ctx, sessionID, caller)
}

// authorize loads the session and runs the access policy for caller.
func (s *Service) authorize(ctx context.Context, operation, sessionID string, caller domain.Context) (*domain.Session, error) {
	if caller.AgentID == "" {
		return nil, domain.Invalid("agent_id is required")
	}
	sess, err := s.sessions.Get(ctx, sessionID, caller)
	if err != nil {
		return nil, err
	}
	d, err := s.policy.EvaluateAccess(ctx, engine.AccessInput{
		Operation:        operation,
		Caller:           caller,
		Session:          sess,
		MinSecurityLevel: s.minLevel,
	})
	if err != nil {
		return nil, err
	}
	if !d.Allow {
		s.logger.Warn().
			Str("operation", operation).
			Str("tenant_id", caller.TenantID).
			Str("agent_id", caller.AgentID).
			Str("session_id", sessionID).
			Strs("reasons", d.Reasons).
			Msg("agent session access denied")
		return nil, d.Err()
	}
	return sess, nil
}

// HealthCheck rolls up composition and policy engine health.
func (s *Service) HealthCheck(ctx context.Context) domain.ServiceHealth {
	now := s.now()
	components := map[string]domain.Health{
		composition.ServiceName: s.workflows.HealthCheck(ctx).AsHealth(),
	}
	if ph, ok := s.policy.(PolicyHealth); ok {
		components["policy_engine"] = domain.CheckHealth("opa", s.now, func() error { return ph.HealthCheck(ctx) })
	}
	h := domain.NewServiceHealth(ServiceName, now, components)
	h.Details = map[string]string{"min_security_level": string(s.minLevel)}
	return h
}
