package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-control-plane/backend/internal/db"
	"session-control-plane/backend/internal/db/migrate"
	"session-control-plane/backend/internal/policy/domain"
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
	tenant := "policy-" + uuid.NewString()[:8]
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &domain.Policy{ID: uuid.NewString(), TenantID: tenant, Rules: "package session.access", Enabled: true, CreatedAt: now}
	require.NoError(t, repo.Create(ctx, p))
	require.NoError(t, repo.Create(ctx, &domain.Policy{ID: uuid.NewString(), TenantID: tenant, Rules: "x", CreatedAt: now.Add(time.Second)}))

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.Rules, got.Rules)
	assert.True(t, got.CreatedAt.Equal(now))

	all, err := repo.ListByTenant(ctx, tenant)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	enabled, err := repo.GetEnabledPoliciesByTenant(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, enabled, 1)

	p.Enabled = false
	require.NoError(t, repo.Update(ctx, p))
	enabled, err = repo.GetEnabledPoliciesByTenant(ctx, tenant)
	require.NoError(t, err)
	assert.Empty(t, enabled)

	missing, err := repo.GetByID(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, missing)
}
