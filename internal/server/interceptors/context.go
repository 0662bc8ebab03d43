package interceptors

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"

	"session-control-plane/backend/internal/session/domain"
)

type contextKey struct{ name string }

var (
	callerKey    = contextKey{"caller"}
	sessionIDKey = contextKey{"session_id"}
)

// Metadata keys a caller uses to identify itself.
const (
	MDTenantID    = "x-tenant-id"
	MDServiceID   = "x-service-id"
	MDAgentID     = "x-agent-id"
	MDUserID      = "x-user-id"
	MDEnvironment = "x-environment"
	MDRegion      = "x-region"
)

// WithCaller returns a context carrying sc. Handlers read it via GetCaller.
func WithCaller(ctx context.Context, sc domain.Context) context.Context {
	return context.WithValue(ctx, callerKey, sc)
}

// GetCaller returns the caller from context and true if set; otherwise a zero Context, false.
func GetCaller(ctx context.Context) (domain.Context, bool) {
	sc, ok := ctx.Value(callerKey).(domain.Context)
	return sc, ok
}

// WithSessionID returns a context with the authenticated session id set.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// GetSessionID returns the session_id from context and true if set; otherwise "", false.
func GetSessionID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(sessionIDKey).(string)
	return v, ok
}

// CallerFromMetadata builds the caller asserted in incoming gRPC metadata.
// A caller already placed in ctx takes precedence.
func CallerFromMetadata(ctx context.Context) domain.Context {
	if sc, ok := GetCaller(ctx); ok {
		return sc
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return domain.Context{}
	}
	get := func(key string) string {
		if vals := md.Get(key); len(vals) > 0 {
			return strings.TrimSpace(vals[0])
		}
		return ""
	}
	sc := domain.Context{
		TenantID:    get(MDTenantID),
		ServiceID:   get(MDServiceID),
		AgentID:     get(MDAgentID),
		Environment: get(MDEnvironment),
		Region:      get(MDRegion),
	}
	if u := get(MDUserID); u != "" {
		sc.Metadata = map[string]string{"user_id": u}
	}
	return sc
}
