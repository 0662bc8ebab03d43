package domain

import (
	"maps"
	"slices"
	"time"
)

// Type is the kind of principal binding a session represents.
type Type string

const (
	TypeUser    Type = "user"
	TypeAgent   Type = "agent"
	TypeService Type = "service"
	TypeAPI     Type = "api"
	TypeWeb     Type = "web"
	TypeMobile  Type = "mobile"
)

// Valid reports whether t is one of the known session types.
func (t Type) Valid() bool {
	switch t {
	case TypeUser, TypeAgent, TypeService, TypeAPI, TypeWeb, TypeMobile:
		return true
	}
	return false
}

// ParseType converts s to a Type, returning ErrValidation for unknown values.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", Invalid("unknown session type %q", s)
	}
	return t, nil
}

// Status is the lifecycle state of a session. Expired and revoked are terminal.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusExpired, StatusRevoked:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusRevoked
}

// SecurityLevel is an ordered tier: low < medium < high.
type SecurityLevel string

const (
	SecurityLow    SecurityLevel = "low"
	SecurityMedium SecurityLevel = "medium"
	SecurityHigh   SecurityLevel = "high"
)

// Rank returns the ordinal of l (1..3), or 0 when l is unknown.
func (l SecurityLevel) Rank() int {
	switch l {
	case SecurityLow:
		return 1
	case SecurityMedium:
		return 2
	case SecurityHigh:
		return 3
	}
	return 0
}

// Valid reports whether l is a known tier.
func (l SecurityLevel) Valid() bool { return l.Rank() > 0 }

// AtLeast reports whether l is the same tier as floor or stronger.
func (l SecurityLevel) AtLeast(floor SecurityLevel) bool {
	return l.Valid() && l.Rank() >= floor.Rank()
}

// ParseSecurityLevel converts s to a SecurityLevel, returning ErrValidation for unknown values.
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	l := SecurityLevel(s)
	if !l.Valid() {
		return "", Invalid("unknown security level %q", s)
	}
	return l, nil
}

// Session is a live binding between a principal and a tenant-scoped execution context.
// (TenantID, ID) is the compound identity every backend keys on.
type Session struct {
	ID            string            `json:"session_id"`
	TenantID      string            `json:"tenant_id"`
	UserID        string            `json:"user_id,omitempty"`
	AgentID       string            `json:"agent_id,omitempty"`
	Type          Type              `json:"session_type"`
	Status        Status            `json:"status"`
	SecurityLevel SecurityLevel     `json:"security_level"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	LastAccessed  time.Time         `json:"last_accessed"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Usable reports whether the session is active, unexpired at now, and owned by tenantID.
// It is derived from stored fields on every call.
func (s *Session) Usable(now time.Time, tenantID string) bool {
	return s != nil && s.TenantID == tenantID && s.Status == StatusActive && !s.Expired(now)
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Metadata = maps.Clone(s.Metadata)
	out.Tags = slices.Clone(s.Tags)
	return &out
}

// Token is a bearer credential minted against an active session.
// Value is only populated on the token returned from minting; backends keep its hash.
type Token struct {
	ID        string            `json:"token_id"`
	SessionID string            `json:"session_id"`
	TenantID  string            `json:"tenant_id"`
	Type      string            `json:"token_type"`
	Value     string            `json:"-"`
	ValueHash string            `json:"token_hash"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Revoked   bool              `json:"revoked,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of t.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	out := *t
	out.Metadata = maps.Clone(t.Metadata)
	return &out
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	UserID  string
	AgentID string
	Type    Type
	Status  Status
}

// Match reports whether s satisfies every non-zero field of f.
func (f Filter) Match(s *Session) bool {
	if f.UserID != "" && s.UserID != f.UserID {
		return false
	}
	if f.AgentID != "" && s.AgentID != f.AgentID {
		return false
	}
	if f.Type != "" && s.Type != f.Type {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	return true
}

// DestroyOutcome distinguishes a removal from a no-op on an absent session.
type DestroyOutcome int

const (
	Destroyed DestroyOutcome = iota + 1
	AlreadyGone
)

func (o DestroyOutcome) String() string {
	switch o {
	case Destroyed:
		return "destroyed"
	case AlreadyGone:
		return "already_gone"
	}
	return "unknown"
}
