package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-control-plane/backend/internal/session/domain"
)

func newMemoryHarness(t *testing.T, clock *fakeClock, opts ...Option) harness {
	t.Helper()
	repo := NewMemoryRepository(append([]Option{WithClock(clock.Now)}, opts...)...)
	return harness{repo: repo, clock: clock, advance: clock.Advance}
}

func TestMemoryRepository_Contract(t *testing.T) {
	runContractTests(t, newMemoryHarness)
}

func TestMemoryRepository_PurgeExpired(t *testing.T) {
	clock := newFakeClock()
	repo := NewMemoryRepository(WithClock(clock.Now), WithSessionTTL(time.Minute))
	ctx := context.Background()
	sc := tenantCtx("purge")

	short, err := repo.Create(ctx, sc, domain.CreateRequest{UserID: "u1"})
	require.NoError(t, err)
	long, err := repo.Create(ctx, sc, domain.CreateRequest{UserID: "u2", TTL: time.Hour})
	require.NoError(t, err)
	_, err = repo.CreateToken(ctx, short.ID, "access", sc)
	require.NoError(t, err)

	assert.Equal(t, 0, repo.PurgeExpired(clock.Now()))
	assert.Equal(t, 1, repo.PurgeExpired(clock.Now().Add(2*time.Minute)))

	repo.mu.RLock()
	assert.Len(t, repo.sessions, 1)
	assert.Empty(t, repo.tokens)
	assert.Empty(t, repo.tokenHashes)
	repo.mu.RUnlock()

	_, err = repo.Get(ctx, long.ID, sc)
	assert.NoError(t, err)
}

func TestMemoryRepository_ExpiredTokenPruned(t *testing.T) {
	clock := newFakeClock()
	repo := NewMemoryRepository(WithClock(clock.Now), WithTokenTTL(time.Minute))
	ctx := context.Background()
	sc := tenantCtx("tokexp")

	s, err := repo.Create(ctx, sc, domain.CreateRequest{UserID: "u1", TTL: time.Hour})
	require.NoError(t, err)
	stale, err := repo.CreateToken(ctx, s.ID, "access", sc)
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	fresh, err := repo.CreateToken(ctx, s.ID, "access", sc)
	require.NoError(t, err)

	clock.Advance(45 * time.Second)
	_, err = repo.ValidateToken(ctx, stale.Value, sc)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	repo.mu.RLock()
	assert.Equal(t, []string{fresh.ID}, repo.sessionTokens[memKey{sc.TenantID, s.ID}])
	assert.NotContains(t, repo.tokens, memKey{sc.TenantID, stale.ID})
	repo.mu.RUnlock()

	clock.Advance(time.Minute)
	_, err = repo.ValidateToken(ctx, fresh.Value, sc)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	repo.mu.RLock()
	assert.NotContains(t, repo.sessionTokens, memKey{sc.TenantID, s.ID})
	assert.Empty(t, repo.tokens)
	assert.Empty(t, repo.tokenHashes)
	repo.mu.RUnlock()
}

func TestMemoryRepository_DuplicateID(t *testing.T) {
	repo := NewMemoryRepository(WithIDGenerator(func() string { return "fixed" }))
	ctx := context.Background()
	sc := tenantCtx("dup")

	_, err := repo.Create(ctx, sc, domain.CreateRequest{UserID: "u1"})
	require.NoError(t, err)
	_, err = repo.Create(ctx, sc, domain.CreateRequest{UserID: "u2"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	sc := tenantCtx("copy")

	s, err := repo.Create(ctx, sc, domain.CreateRequest{UserID: "u1", Metadata: map[string]string{"k": "v"}})
	require.NoError(t, err)
	s.Metadata["k"] = "mutated"
	s.Status = domain.StatusRevoked

	got, err := repo.Get(ctx, s.ID, sc)
	require.NoError(t, err)
	assert.Equal(t, "v", got.Metadata["k"])
	assert.Equal(t, domain.StatusActive, got.Status)
}

func TestMemoryRepository_TokenValueNotStored(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	sc := tenantCtx("tokval")

	s, err := repo.Create(ctx, sc, domain.CreateRequest{UserID: "u1"})
	require.NoError(t, err)
	tok, err := repo.CreateToken(ctx, s.ID, "access", sc)
	require.NoError(t, err)

	repo.mu.RLock()
	defer repo.mu.RUnlock()
	stored := repo.tokens[memKey{sc.TenantID, tok.ID}]
	require.NotNil(t, stored)
	assert.Empty(t, stored.Value)
	assert.Equal(t, tok.ValueHash, stored.ValueHash)
}

func TestMemoryRepository_ConcurrentActivity(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	sc := tenantCtx("conc")
	s, err := repo.Create(ctx, sc, domain.CreateRequest{UserID: "u1"})
	require.NoError(t, err)

	const workers, perWorker = 8, 50
	done := make(chan struct{})
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < perWorker; i++ {
				_, _ = repo.RecordActivity(ctx, s.ID, domain.Activity{Success: (w+i)%3 != 0, ResponseTime: time.Millisecond}, sc)
			}
		}(w)
	}
	for w := 0; w < workers; w++ {
		<-done
	}

	a, err := repo.Analytics(ctx, s.ID, sc)
	require.NoError(t, err)
	assert.EqualValues(t, workers*perWorker, a.TotalRequests)
	assert.True(t, a.Consistent())
}
