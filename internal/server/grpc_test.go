package server

import (
	"context"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"session-control-plane/backend/internal/audit"
	auditrepo "session-control-plane/backend/internal/audit/repository"
	healthhandler "session-control-plane/backend/internal/health/handler"
	"session-control-plane/backend/internal/session/domain"
	"session-control-plane/backend/internal/session/repository"
	"session-control-plane/backend/internal/telemetry"
)

type mockServiceRegistrar struct {
	services []string
}

func (m *mockServiceRegistrar) RegisterService(desc *grpc.ServiceDesc, _ any) {
	m.services = append(m.services, desc.ServiceName)
}

type noTokens struct{}

func (noTokens) ValidateToken(context.Context, string, domain.Context) (*domain.Session, error) {
	return nil, domain.ErrNotFound
}

func TestRegisterServices(t *testing.T) {
	reg := &mockServiceRegistrar{}
	RegisterServices(reg, Deps{Health: healthhandler.NewServer(zerolog.Nop())})
	assert.Equal(t, []string{healthpb.Health_ServiceDesc.ServiceName}, reg.services)

	reg = &mockServiceRegistrar{}
	RegisterServices(reg, Deps{})
	assert.Empty(t, reg.services)
}

func TestUnaryInterceptors(t *testing.T) {
	assert.Empty(t, UnaryInterceptors(Deps{}))
	full := Deps{Tokens: noTokens{}, Audit: audit.NewLogger(auditrepo.NewMemoryRepository()), Emitter: telemetry.Nop}
	assert.Len(t, UnaryInterceptors(full), 3)

	full.Activity = repository.NewMemoryRepository()
	full.Logger = zerolog.Nop()
	assert.Len(t, UnaryInterceptors(full), 4)
	assert.Empty(t, UnaryInterceptors(Deps{Activity: full.Activity}), "activity needs an authenticated session")
}

func TestPublicMethods(t *testing.T) {
	public := PublicMethods()
	assert.True(t, public["/grpc.health.v1.Health/Check"])
	assert.True(t, public["/grpc.health.v1.Health/Watch"])
}

func TestNewServer_HealthIsPublic(t *testing.T) {
	hs := healthhandler.NewServer(zerolog.Nop())
	hs.SetOverall(true)
	auditRepo := auditrepo.NewMemoryRepository()
	s := NewServer(Deps{
		Tokens:  noTokens{},
		Audit:   audit.NewLogger(auditRepo),
		Emitter: telemetry.Nop,
		Health:  hs,
	})

	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
	assert.Zero(t, auditRepo.Len())
}
