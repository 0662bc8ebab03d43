package interceptors

import (
	"context"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"session-control-plane/backend/internal/telemetry"
)

// TelemetryUnary returns a unary server interceptor that emits a grpc_request event after each RPC.
// Best-effort: emits run asynchronously and failures are logged. If emitter is nil, the interceptor no-ops.
// skipMethods is the set of full method names to not emit.
func TelemetryUnary(emitter telemetry.EventEmitter, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if emitter == nil || skipMethods[info.FullMethod] {
			return resp, err
		}
		caller := CallerFromMetadata(ctx)
		sessionID, _ := GetSessionID(ctx)
		telemetry.EmitAsync(emitter, ctx, &telemetry.Event{
			Operation: "grpc_request",
			Phase:     telemetry.PhaseComplete,
			Success:   err == nil,
			TenantID:  caller.TenantID,
			ServiceID: caller.ServiceID,
			AgentID:   caller.AgentID,
			SessionID: sessionID,
			Source:    "grpc_interceptor",
			Details: map[string]string{
				"full_method": info.FullMethod,
				"status_code": status.Code(err).String(),
				"duration_ms": strconv.FormatInt(time.Since(start).Milliseconds(), 10),
				"client_ip":   ClientIP(ctx),
			},
			Timestamp: time.Now().UTC(),
		})
		return resp, err
	}
}
