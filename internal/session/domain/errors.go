package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a session or token is absent or expired.
	ErrNotFound = errors.New("session: not found")
	// ErrUnauthorized is returned on a tenant or agent identity mismatch.
	ErrUnauthorized = errors.New("session: unauthorized")
	// ErrBackendUnavailable is returned when an adapter cannot reach its store.
	ErrBackendUnavailable = errors.New("session: backend unavailable")
	// ErrValidation is returned for malformed requests.
	ErrValidation = errors.New("session: validation failed")
	// ErrInactive is returned when mutating a session that is no longer active.
	ErrInactive = errors.New("session: not active")
)

// Invalid returns an error wrapping ErrValidation with the formatted detail.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Unavailable wraps a store failure so callers can match both ErrBackendUnavailable and the cause.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrBackendUnavailable, err)
}

// Denied returns an error wrapping ErrUnauthorized with the reason.
func Denied(reason string) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, reason)
}

// Kind names the taxonomy bucket of err for logs, metrics and audit records.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrInactive):
		return "inactive"
	}
	return "internal"
}

// Actor returns the most specific principal in c: user, then agent, then service.
func (c Context) Actor() string {
	switch {
	case c.UserID() != "":
		return c.UserID()
	case c.AgentID != "":
		return c.AgentID
	}
	return c.ServiceID
}
