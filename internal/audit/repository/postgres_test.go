package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-control-plane/backend/internal/audit/domain"
	"session-control-plane/backend/internal/db"
	"session-control-plane/backend/internal/db/migrate"
)

func TestPostgresRepository_RoundTrip(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	require.NoError(t, migrate.Run(dsn, "up"))
	ctx := context.Background()
	conn, err := db.Open(ctx, dsn, db.DefaultPool)
	require.NoError(t, err)
	defer conn.Close()

	repo := NewPostgresRepository(conn)
	tenant := "audit-" + uuid.NewString()[:8]
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	older := &domain.AuditLog{ID: uuid.NewString(), TenantID: tenant, Action: "session.create", Resource: "session", IP: "unknown", CreatedAt: base}
	newer := &domain.AuditLog{ID: uuid.NewString(), TenantID: tenant, Actor: "u1", Action: "session.destroy", Resource: "session",
		IP: "10.0.0.1:1", Metadata: map[string]string{"error": "not_found"}, CreatedAt: base.Add(time.Second)}
	require.NoError(t, repo.Create(ctx, older))
	require.NoError(t, repo.Create(ctx, newer))

	got, err := repo.GetByID(ctx, newer.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.Actor)
	assert.Equal(t, "not_found", got.Metadata["error"])
	assert.True(t, got.CreatedAt.Equal(newer.CreatedAt))

	list, err := repo.ListByTenant(ctx, tenant, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.Empty(t, list[1].Actor)

	missing, err := repo.GetByID(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, missing)
}
