// Package handler serves the standard gRPC health protocol. Each registered component is a health
// "service" whose serving status mirrors its last reported domain health.
package handler

import (
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"session-control-plane/backend/internal/session/domain"
)

// Server wraps the grpc health server and logs serving status transitions.
type Server struct {
	hs     *health.Server
	logger zerolog.Logger

	mu   sync.Mutex
	last map[string]healthpb.HealthCheckResponse_ServingStatus
}

// NewServer returns a health server whose overall status starts at NOT_SERVING until the first report.
func NewServer(logger zerolog.Logger) *Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &Server{
		hs:     hs,
		logger: logger.With().Str("component", "health").Logger(),
		last:   map[string]healthpb.HealthCheckResponse_ServingStatus{},
	}
}

// Register exposes grpc.health.v1.Health on r.
func (s *Server) Register(r grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(r, s.hs)
}

// Health returns the underlying server, e.g. to call Check in-process.
func (s *Server) Health() healthpb.HealthServer { return s.hs }

// Report sets the serving status of name from h.
func (s *Server) Report(name string, h domain.ServiceHealth) {
	st := ServingStatus(h)
	s.set(name, st)
	if st != healthpb.HealthCheckResponse_SERVING {
		ev := s.logger.Warn().Str("service", name)
		for c, ch := range h.Components {
			if !ch.Healthy() {
				ev = ev.Str(c, ch.Error)
			}
		}
		ev.Msg("service not serving")
	}
}

// SetOverall sets the status reported for the empty service name.
func (s *Server) SetOverall(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.set("", st)
}

// Shutdown marks every service NOT_SERVING and ignores later reports.
func (s *Server) Shutdown() {
	s.hs.Shutdown()
	s.logger.Info().Msg("health server shut down")
}

func (s *Server) set(name string, st healthpb.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	prev, seen := s.last[name]
	s.last[name] = st
	s.mu.Unlock()

	s.hs.SetServingStatus(name, st)
	if !seen || prev != st {
		s.logger.Info().Str("service", name).Str("status", st.String()).Msg("serving status changed")
	}
}

// ServingStatus maps a domain health report onto the gRPC health enum.
func ServingStatus(h domain.ServiceHealth) healthpb.HealthCheckResponse_ServingStatus {
	if h.Healthy() {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
