package domain

import (
	"maps"
	"slices"
	"time"
)

// Reserved metadata keys stamped by the abstraction layer.
const (
	MetaAdapterType      = "adapter_type"
	MetaAbstractionLayer = "abstraction_layer"
)

// ReservedKey reports whether k is set by the platform and may not be supplied by callers.
func ReservedKey(k string) bool {
	return k == MetaAdapterType || k == MetaAbstractionLayer
}

// CreateRequest is the caller-supplied data for a new session.
type CreateRequest struct {
	UserID        string
	AgentID       string
	Type          Type
	SecurityLevel SecurityLevel
	Metadata      map[string]string
	Tags          []string
	// TTL overrides the backend default lifetime when positive.
	TTL time.Duration
}

// Normalize fills defaults and validates r.
func (r *CreateRequest) Normalize() error {
	if r.Type == "" {
		r.Type = TypeUser
	}
	if r.SecurityLevel == "" {
		r.SecurityLevel = SecurityMedium
	}
	if !r.Type.Valid() {
		return Invalid("unknown session type %q", r.Type)
	}
	if !r.SecurityLevel.Valid() {
		return Invalid("unknown security level %q", r.SecurityLevel)
	}
	if r.UserID == "" && r.AgentID == "" {
		return Invalid("user_id or agent_id is required")
	}
	if r.Type == TypeAgent && r.AgentID == "" {
		return Invalid("agent sessions require agent_id")
	}
	if r.TTL < 0 {
		return Invalid("ttl must not be negative")
	}
	for k := range r.Metadata {
		if ReservedKey(k) {
			return Invalid("metadata key %q is reserved", k)
		}
	}
	return nil
}

// NewSession builds an active session from a normalized request.
func NewSession(id, tenantID string, r CreateRequest, now time.Time, ttl time.Duration) *Session {
	if r.TTL > 0 {
		ttl = r.TTL
	}
	return &Session{
		ID:            id,
		TenantID:      tenantID,
		UserID:        r.UserID,
		AgentID:       r.AgentID,
		Type:          r.Type,
		Status:        StatusActive,
		SecurityLevel: r.SecurityLevel,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		LastAccessed:  now,
		Metadata:      maps.Clone(r.Metadata),
		Tags:          MergeTags(nil, r.Tags),
	}
}

// Update holds the mutable fields of a session. Metadata is merged, tags are unioned.
type Update struct {
	Metadata map[string]string
	Tags     []string
	// Touch sets last_accessed to the time of the update.
	Touch bool
}

// Validate rejects updates that would overwrite platform metadata.
func (u Update) Validate() error {
	for k := range u.Metadata {
		if ReservedKey(k) {
			return Invalid("metadata key %q is reserved", k)
		}
	}
	return nil
}

// Apply mutates s in place. Callers must check s is active first.
func (u Update) Apply(s *Session, now time.Time) {
	if len(u.Metadata) > 0 {
		if s.Metadata == nil {
			s.Metadata = make(map[string]string, len(u.Metadata))
		}
		maps.Copy(s.Metadata, u.Metadata)
	}
	if len(u.Tags) > 0 {
		s.Tags = MergeTags(s.Tags, u.Tags)
	}
	if u.Touch {
		s.LastAccessed = now
	}
}

// MergeTags returns the sorted, de-duplicated union of a and b without empty labels.
func MergeTags(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make([]string, 0, len(a)+len(b))
	for _, t := range slices.Concat(a, b) {
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// TokenExpiry caps a token lifetime at its parent session's expiry.
func TokenExpiry(now time.Time, ttl time.Duration, s *Session) time.Time {
	exp := now.Add(ttl)
	if s.ExpiresAt.Before(exp) {
		return s.ExpiresAt
	}
	return exp
}
