package interceptors

import (
	"context"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"session-control-plane/backend/internal/audit"
)

// AuditUnary returns a unary server interceptor that records an audit entry after each RPC.
// skipMethods is the set of full method names to not audit. Only RPCs with a tenant in context are
// recorded; the audit logger is best-effort and never fails the RPC.
func AuditUnary(logger audit.AuditLogger, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if logger == nil || skipMethods[info.FullMethod] {
			return resp, err
		}
		caller := CallerFromMetadata(ctx)
		if caller.TenantID == "" {
			return resp, err
		}
		resource, action := parseFullMethod(info.FullMethod)
		meta := map[string]string{"status_code": status.Code(err).String()}
		if id, ok := GetSessionID(ctx); ok {
			meta["session_id"] = id
		}
		logger.LogEvent(ctx, caller.TenantID, caller.Actor(), action, resource, meta)
		return resp, err
	}
}

// parseFullMethod splits "/pkg.v1.FooService/DoThing" into ("foo", "do_thing").
func parseFullMethod(fullMethod string) (resource, action string) {
	svc, method, ok := strings.Cut(strings.TrimPrefix(fullMethod, "/"), "/")
	if !ok {
		return "unknown", "unknown"
	}
	if i := strings.LastIndex(svc, "."); i >= 0 {
		svc = svc[i+1:]
	}
	svc = strings.TrimSuffix(svc, "Service")
	return snake(svc), snake(method)
}

func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ClientIP returns the client IP from gRPC metadata (x-forwarded-for, x-real-ip) or peer, or "unknown".
func ClientIP(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("x-forwarded-for"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				if i := strings.Index(s, ","); i > 0 {
					s = strings.TrimSpace(s[:i])
				}
				return s
			}
		}
		if vals := md.Get("x-real-ip"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				return s
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "unknown"
}
