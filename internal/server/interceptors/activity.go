package interceptors

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"session-control-plane/backend/internal/session/domain"
)

// ActivityRecorder feeds per-session analytics. *abstraction.Abstraction satisfies it.
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, id string, act domain.Activity, sc domain.Context) (*domain.Analytics, error)
}

// ActivityUnary returns a unary server interceptor that records one activity sample against the
// authenticated session after each RPC. It must run after AuthUnary; calls without a session id are skipped.
// A denied call counts as a security event. Recording is best-effort and never fails the RPC.
func ActivityUnary(recorder ActivityRecorder, logger zerolog.Logger, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if recorder == nil || skipMethods[info.FullMethod] {
			return resp, err
		}
		sessionID, ok := GetSessionID(ctx)
		if !ok || sessionID == "" {
			return resp, err
		}
		caller, _ := GetCaller(ctx)
		act := domain.Activity{
			Success:       err == nil,
			ResponseTime:  time.Since(start),
			SecurityEvent: denied(err),
		}
		if _, rerr := recorder.RecordActivity(context.WithoutCancel(ctx), sessionID, act, caller); rerr != nil {
			// The handler may have revoked or destroyed its own session.
			lvl := zerolog.WarnLevel
			if errors.Is(rerr, domain.ErrInactive) || errors.Is(rerr, domain.ErrNotFound) {
				lvl = zerolog.DebugLevel
			}
			logger.WithLevel(lvl).Err(rerr).
				Str("session_id", sessionID).
				Str("tenant_id", caller.TenantID).
				Str("full_method", info.FullMethod).
				Msg("record session activity failed")
		}
		return resp, err
	}
}

func denied(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrUnauthorized) {
		return true
	}
	return status.Code(err) == codes.PermissionDenied
}
