// Package server assembles the gRPC server: interceptor chain, OTel stats handler and the health service.
package server

import (
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"session-control-plane/backend/internal/audit"
	healthhandler "session-control-plane/backend/internal/health/handler"
	"session-control-plane/backend/internal/server/interceptors"
	"session-control-plane/backend/internal/telemetry"
)

// Health RPCs are served without a session token and are never audited.
var (
	healthCheckMethod = "/" + healthpb.Health_ServiceDesc.ServiceName + "/Check"
	healthWatchMethod = "/" + healthpb.Health_ServiceDesc.ServiceName + "/Watch"
	healthListMethod  = "/" + healthpb.Health_ServiceDesc.ServiceName + "/List"
)

// Deps holds optional dependencies for the server. Nil fields disable the matching interceptor.
type Deps struct {
	// Tokens validates bearer session tokens. If nil, no auth interceptor is installed.
	Tokens interceptors.TokenValidator
	// Activity records per-session analytics for authenticated RPCs. Ignored without Tokens.
	Activity interceptors.ActivityRecorder
	// Audit records an entry per RPC. If nil, RPCs are not audited.
	Audit audit.AuditLogger
	// Emitter receives a grpc_request event per RPC. If nil, no events are emitted.
	Emitter telemetry.EventEmitter
	// Health is the health service. Required.
	Health *healthhandler.Server
	// Logger receives interceptor failures that do not fail the RPC.
	Logger zerolog.Logger
}

// PublicMethods returns the full method names that do not require a session token.
func PublicMethods() map[string]bool {
	return map[string]bool{healthCheckMethod: true, healthWatchMethod: true, healthListMethod: true}
}

// UnaryInterceptors returns the chain in the order it runs: auth, activity, audit, then telemetry.
func UnaryInterceptors(deps Deps) []grpc.UnaryServerInterceptor {
	public := PublicMethods()
	var chain []grpc.UnaryServerInterceptor
	if deps.Tokens != nil {
		chain = append(chain, interceptors.AuthUnary(deps.Tokens, public))
		if deps.Activity != nil {
			chain = append(chain, interceptors.ActivityUnary(deps.Activity, deps.Logger, public))
		}
	}
	if deps.Audit != nil {
		chain = append(chain, interceptors.AuditUnary(deps.Audit, public))
	}
	if deps.Emitter != nil {
		chain = append(chain, interceptors.TelemetryUnary(deps.Emitter, public))
	}
	return chain
}

// NewServer builds a gRPC server with OTel instrumentation and the interceptor chain, and registers services.
func NewServer(deps Deps, opts ...grpc.ServerOption) *grpc.Server {
	all := append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(UnaryInterceptors(deps)...),
	}, opts...)
	s := grpc.NewServer(all...)
	RegisterServices(s, deps)
	return s
}

// RegisterServices registers every gRPC service with r.
//
//   - grpc.health.v1.Health → internal/health/handler
func RegisterServices(r grpc.ServiceRegistrar, deps Deps) {
	if deps.Health != nil {
		deps.Health.Register(r)
	}
}
