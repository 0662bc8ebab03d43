// Package repository defines the session store contract and its backends.
// Every method is scoped by the caller's tenant: a record owned by another tenant is reported as absent.
package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"session-control-plane/backend/internal/security"
	"session-control-plane/backend/internal/session/domain"
)

// Adapter type names reported by Type and stamped into record metadata.
const (
	TypeMemory   = "memory"
	TypeRedis    = "redis"
	TypePostgres = "postgres"
	TypeBolt     = "bolt"
)

const (
	// DefaultSessionTTL is the session lifetime when a request does not override it.
	DefaultSessionTTL = time.Hour
	// DefaultTokenTTL is the token lifetime, capped by the parent session expiry.
	DefaultTokenTTL = 30 * time.Minute
	// DefaultTokenType is used when CreateToken is called with an empty type.
	DefaultTokenType = "access"
)

// Repository is the operation surface every session backend implements.
type Repository interface {
	// Type names the backend, e.g. "memory" or "redis".
	Type() string

	Create(ctx context.Context, sc domain.Context, req domain.CreateRequest) (*domain.Session, error)
	// Get returns domain.ErrNotFound for absent, expired, or foreign-tenant sessions.
	Get(ctx context.Context, id string, sc domain.Context) (*domain.Session, error)
	Update(ctx context.Context, id string, upd domain.Update, sc domain.Context) error
	// Destroy removes the session with its tokens and analytics. Absent sessions yield domain.AlreadyGone.
	Destroy(ctx context.Context, id string, sc domain.Context) (domain.DestroyOutcome, error)
	// Validate reports whether the session is active, unexpired, and owned by sc.TenantID.
	Validate(ctx context.Context, id string, sc domain.Context) (bool, error)
	// Refresh extends the session expiry by the configured session TTL.
	Refresh(ctx context.Context, id string, sc domain.Context) (*domain.Session, error)
	// Revoke marks the session revoked. The record remains readable until it expires or is destroyed.
	Revoke(ctx context.Context, id string, sc domain.Context) error
	List(ctx context.Context, sc domain.Context, f domain.Filter) ([]*domain.Session, error)

	CreateToken(ctx context.Context, sessionID, tokenType string, sc domain.Context) (*domain.Token, error)
	// ValidateToken resolves a presented token value to its usable parent session.
	ValidateToken(ctx context.Context, value string, sc domain.Context) (*domain.Session, error)
	RevokeToken(ctx context.Context, tokenID string, sc domain.Context) error

	Analytics(ctx context.Context, id string, sc domain.Context) (*domain.Analytics, error)
	RecordActivity(ctx context.Context, id string, act domain.Activity, sc domain.Context) (*domain.Analytics, error)

	HealthCheck(ctx context.Context) domain.Health
}

// Option configures a backend.
type Option func(*settings)

// WithSessionTTL sets the default session lifetime.
func WithSessionTTL(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.sessionTTL = d
		}
	}
}

// WithTokenTTL sets the token lifetime.
func WithTokenTTL(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.tokenTTL = d
		}
	}
}

// WithTokenIssuer sets how token values are minted. Defaults to opaque random values.
func WithTokenIssuer(iss security.TokenIssuer) Option {
	return func(s *settings) {
		if iss != nil {
			s.issuer = iss
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides session and token ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *settings) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithLogger sets the backend logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

type settings struct {
	sessionTTL time.Duration
	tokenTTL   time.Duration
	issuer     security.TokenIssuer
	now        func() time.Time
	newID      func() string
	logger     zerolog.Logger
}

func newSettings(adapter string, opts []Option) settings {
	s := settings{
		sessionTTL: DefaultSessionTTL,
		tokenTTL:   DefaultTokenTTL,
		issuer:     security.NewOpaqueIssuer(),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(&s)
	}
	s.logger = s.logger.With().Str("component", "session_repository").Str("adapter", adapter).Logger()
	return s
}

// newSession validates the request and builds the record to persist.
func (s settings) newSession(sc domain.Context, req domain.CreateRequest) (*domain.Session, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if err := req.Normalize(); err != nil {
		return nil, err
	}
	return domain.NewSession(s.newID(), sc.TenantID, req, s.now(), s.sessionTTL), nil
}

// mintToken builds a token for a usable session. The returned token carries the raw value.
func (s settings) mintToken(sess *domain.Session, tokenType string) (*domain.Token, error) {
	if tokenType == "" {
		tokenType = DefaultTokenType
	}
	now := s.now()
	tok := &domain.Token{
		ID:        s.newID(),
		SessionID: sess.ID,
		TenantID:  sess.TenantID,
		Type:      tokenType,
		CreatedAt: now,
		ExpiresAt: domain.TokenExpiry(now, s.tokenTTL, sess),
		Metadata: map[string]string{
			"security_level": string(sess.SecurityLevel),
			"token_format":   s.issuer.Format(),
		},
	}
	subject := sess.UserID
	if subject == "" {
		subject = sess.AgentID
	}
	value, err := s.issuer.Issue(security.TokenClaims{
		TokenID:   tok.ID,
		TenantID:  tok.TenantID,
		Subject:   subject,
		TokenType: tokenType,
		IssuedAt:  now,
		ExpiresAt: tok.ExpiresAt,
	})
	if err != nil {
		return nil, err
	}
	tok.Value = value
	tok.ValueHash = security.HashToken(value)
	return tok, nil
}

// checkMutable maps a live session's state to the error a mutation should return.
func checkMutable(sess *domain.Session) error {
	if sess.Status != domain.StatusActive {
		return domain.ErrInactive
	}
	return nil
}

func validateID(id string, sc domain.Context) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	if id == "" {
		return domain.Invalid("id is required")
	}
	return nil
}
