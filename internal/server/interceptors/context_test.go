package interceptors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/metadata"

	"session-control-plane/backend/internal/session/domain"
)

func TestCallerFromMetadata(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(
		MDTenantID, " tenant-a ",
		MDServiceID, "svc",
		MDAgentID, "agent-1",
		MDUserID, "u1",
		MDEnvironment, "prod",
		MDRegion, "eu-west-1",
	))
	sc := CallerFromMetadata(ctx)
	assert.Equal(t, "tenant-a", sc.TenantID)
	assert.Equal(t, "svc", sc.ServiceID)
	assert.Equal(t, "agent-1", sc.AgentID)
	assert.Equal(t, "u1", sc.UserID())
	assert.Equal(t, "prod", sc.Environment)
	assert.Equal(t, "eu-west-1", sc.Region)
}

func TestCallerFromMetadata_NoMetadata(t *testing.T) {
	sc := CallerFromMetadata(context.Background())
	assert.Empty(t, sc.TenantID)
	assert.Nil(t, sc.Metadata)
}

func TestCallerFromMetadata_ContextWins(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(MDTenantID, "from-md"))
	ctx = WithCaller(ctx, domain.Context{TenantID: "from-ctx"})
	assert.Equal(t, "from-ctx", CallerFromMetadata(ctx).TenantID)
}

func TestSessionIDRoundTrip(t *testing.T) {
	_, ok := GetSessionID(context.Background())
	assert.False(t, ok)
	id, ok := GetSessionID(WithSessionID(context.Background(), "s-1"))
	assert.True(t, ok)
	assert.Equal(t, "s-1", id)
}
