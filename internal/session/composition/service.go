// Package composition builds multi-step session workflows on top of a single session store.
// Workflows are not transactional: a failure after the session exists is reported as a partial result.
package composition

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"session-control-plane/backend/internal/session/domain"
	"session-control-plane/backend/internal/session/repository"
	"session-control-plane/backend/internal/telemetry"
)

// ServiceName is the registry name of the composition service and the created_by stamp on its sessions.
const ServiceName = "session_composition_service"

// DefaultIdleThreshold is how long a session may go unused before its assessment is capped at fair.
const DefaultIdleThreshold = 30 * time.Minute

var (
	// ErrTokenNotIssued is returned with a partial result when the session was created but minting failed.
	ErrTokenNotIssued = errors.New("composition: session created but token not issued")
	// ErrNoRepository is returned by New without a session store.
	ErrNoRepository = errors.New("composition: session repository is required")
)

// SecureSessionResult reports each step of a create-then-mint sequence separately.
type SecureSessionResult struct {
	SessionID      string               `json:"session_id"`
	SessionType    domain.Type          `json:"session_type"`
	SecurityLevel  domain.SecurityLevel `json:"security_level"`
	ExpiresAt      time.Time            `json:"expires_at"`
	SessionCreated bool                 `json:"session_created"`
	TokenIssued    bool                 `json:"token_issued"`
	TokenID        string               `json:"token_id,omitempty"`
	TokenValue     string               `json:"-"`
	TokenExpiresAt time.Time            `json:"token_expires_at,omitzero"`
}

// WorkflowResult is the outcome of Orchestrate.
type WorkflowResult struct {
	SecureSessionResult
	Workflow  string            `json:"workflow"`
	Analytics *domain.Analytics `json:"analytics,omitempty"`
}

// Metrics is the single-call monitoring view of the service.
type Metrics struct {
	AdapterHealth domain.Health `json:"adapter_health"`
	Workflows     []string      `json:"workflows"`
	WorkflowCount int           `json:"workflow_count"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Service orchestrates session workflows. It holds no session state of its own.
type Service struct {
	repo          repository.Repository
	registry      *Registry
	recorder      *telemetry.Recorder
	idleThreshold time.Duration
	now           func() time.Time
	logger        zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithRegistry replaces the default workflow catalogue.
func WithRegistry(r *Registry) Option {
	return func(s *Service) {
		if r != nil {
			s.registry = r
		}
	}
}

func WithRecorder(r *telemetry.Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithIdleThreshold sets the idle time after which Assess caps the grade at fair.
func WithIdleThreshold(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.idleThreshold = d
		}
	}
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

// New returns a Service over repo, normally the session abstraction.
func New(repo repository.Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, ErrNoRepository
	}
	s := &Service{
		repo:          repo,
		registry:      DefaultRegistry(),
		idleThreshold: DefaultIdleThreshold,
		now:           func() time.Time { return time.Now().UTC() },
		logger:        zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With().Str("component", ServiceName).Logger()
	return s, nil
}

// Registry returns the workflow catalogue.
func (s *Service) Registry() *Registry { return s.registry }

// Orchestrate creates a session from the named workflow template and mints its access token.
// The principal is taken from overrides when given, else from sc (metadata user_id and AgentID).
// On a token failure the partial result is returned with ErrTokenNotIssued.
func (s *Service) Orchestrate(ctx context.Context, workflow string, sc domain.Context, overrides *domain.CreateRequest) (res *WorkflowResult, err error) {
	ctx, op := s.recorder.Start(ctx, ServiceName, "orchestrate_session_management", sc)
	defer func() {
		d := map[string]string{"workflow": workflow}
		if res != nil {
			op.SetSession(res.SessionID)
			d["session_created"] = strconv.FormatBool(res.SessionCreated)
			d["token_issued"] = strconv.FormatBool(res.TokenIssued)
		}
		op.End(err, d)
	}()

	w, err := s.registry.Lookup(workflow)
	if err != nil {
		return nil, err
	}
	req := w.request(sc, overrides)
	secure, err := s.createSecure(ctx, sc, req, req.SecurityLevel)
	if secure == nil {
		return nil, err
	}
	res = &WorkflowResult{SecureSessionResult: *secure, Workflow: w.Name}
	if err != nil {
		return res, err
	}

	if w.IncludeAnalytics {
		an, aerr := s.repo.Analytics(ctx, res.SessionID, sc)
		if aerr != nil {
			s.logger.Warn().Err(aerr).Str("workflow", w.Name).Str("session_id", res.SessionID).Msg("analytics unavailable for new session")
		} else {
			res.Analytics = an
		}
	}
	return res, nil
}

// CreateWithSecurity creates a session at level and then mints an access token for it.
// The two steps are independent writes. When minting fails the returned result has
// SessionCreated true and TokenIssued false and err wraps ErrTokenNotIssued, so the caller
// can retry the mint or revoke the session.
func (s *Service) CreateWithSecurity(ctx context.Context, sc domain.Context, req domain.CreateRequest, level domain.SecurityLevel) (res *SecureSessionResult, err error) {
	ctx, op := s.recorder.Start(ctx, ServiceName, "create_session_with_security", sc)
	defer func() {
		d := map[string]string{"security_level": string(level)}
		if res != nil {
			op.SetSession(res.SessionID)
			d["session_created"] = strconv.FormatBool(res.SessionCreated)
			d["token_issued"] = strconv.FormatBool(res.TokenIssued)
		}
		op.End(err, d)
	}()

	return s.createSecure(ctx, sc, req, level)
}

func (s *Service) createSecure(ctx context.Context, sc domain.Context, req domain.CreateRequest, level domain.SecurityLevel) (*SecureSessionResult, error) {
	if level == "" {
		level = req.SecurityLevel
	}
	if level != "" && !level.Valid() {
		return nil, domain.Invalid("unknown security level %q", level)
	}
	req.SecurityLevel = level
	md := maps.Clone(req.Metadata)
	if md == nil {
		md = make(map[string]string, 2)
	}
	md["created_by"] = ServiceName
	md["security_enhanced"] = "true"
	req.Metadata = md

	sess, err := s.repo.Create(ctx, sc, req)
	if err != nil {
		return nil, err
	}
	res := &SecureSessionResult{
		SessionID:      sess.ID,
		SessionType:    sess.Type,
		SecurityLevel:  sess.SecurityLevel,
		ExpiresAt:      sess.ExpiresAt,
		SessionCreated: true,
	}

	tok, err := s.repo.CreateToken(ctx, sess.ID, repository.DefaultTokenType, sc)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.ID).Str("tenant_id", sc.TenantID).Msg("token mint failed after session create")
		return res, fmt.Errorf("%w: %w", ErrTokenNotIssued, err)
	}
	res.TokenIssued = true
	res.TokenID = tok.ID
	res.TokenValue = tok.Value
	res.TokenExpiresAt = tok.ExpiresAt
	return res, nil
}

// Metrics returns adapter health and the workflow catalogue.
func (s *Service) Metrics(ctx context.Context) (m *Metrics, err error) {
	ctx, op := s.recorder.Start(ctx, ServiceName, "get_session_metrics", domain.Context{})
	defer func() {
		d := map[string]string{}
		if m != nil {
			d["adapter_status"] = m.AdapterHealth.Status
			d["workflow_count"] = strconv.Itoa(m.WorkflowCount)
		}
		op.End(err, d)
	}()

	names := s.registry.Names()
	return &Metrics{
		AdapterHealth: s.repo.HealthCheck(ctx),
		Workflows:     names,
		WorkflowCount: len(names),
		Timestamp:     s.now(),
	}, nil
}

// HealthCheck reports the service as healthy iff its session store is.
func (s *Service) HealthCheck(ctx context.Context) domain.ServiceHealth {
	h := domain.NewServiceHealth(ServiceName, s.now(), map[string]domain.Health{
		"session_abstraction": s.repo.HealthCheck(ctx),
	})
	h.Details = map[string]string{"workflow_count": strconv.Itoa(s.registry.Len())}
	return h
}
