package interceptors

import (
	"context"
	"errors"
	"maps"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"session-control-plane/backend/internal/session/domain"
)

const bearerPrefix = "bearer "

// TokenValidator resolves a presented session token to its parent session.
type TokenValidator interface {
	ValidateToken(ctx context.Context, value string, sc domain.Context) (*domain.Session, error)
}

// AuthUnary returns a unary server interceptor that validates the Bearer session token
// from gRPC metadata against the session store, scoped to the x-tenant-id the caller asserts.
// On success the caller (with the session's user and agent) and the session id are set in context.
// publicMethods is the set of full method names that do not require a token (e.g. health checks).
// A store outage is reported as Unavailable rather than Unauthenticated.
func AuthUnary(tokens TokenValidator, publicMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		caller := CallerFromMetadata(ctx)
		public := publicMethods[info.FullMethod]
		token := extractBearer(ctx)

		if token == "" || caller.TenantID == "" {
			if public {
				return handler(WithCaller(ctx, caller), req)
			}
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}

		sess, err := tokens.ValidateToken(ctx, token, caller)
		if err != nil {
			if errors.Is(err, domain.ErrBackendUnavailable) {
				return nil, status.Error(codes.Unavailable, "session store unavailable")
			}
			if public {
				return handler(WithCaller(ctx, caller), req)
			}
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}

		caller.AgentID = sess.AgentID
		md := maps.Clone(caller.Metadata)
		if md == nil {
			md = map[string]string{}
		}
		if sess.UserID != "" {
			md["user_id"] = sess.UserID
		} else {
			delete(md, "user_id")
		}
		caller.Metadata = md
		ctx = WithCaller(ctx, caller)
		ctx = WithSessionID(ctx, sess.ID)
		return handler(ctx, req)
	}
}

// extractBearer returns the Bearer token from ctx metadata, or "" if missing or malformed.
func extractBearer(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	v := strings.TrimSpace(vals[0])
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
