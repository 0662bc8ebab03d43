package repository

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-control-plane/backend/internal/session/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// harness builds a fresh backend sharing clock; advance moves both the clock and any store-native TTLs.
type harness struct {
	repo    Repository
	clock   *fakeClock
	advance func(time.Duration)
}

type factory func(t *testing.T, clock *fakeClock, opts ...Option) harness

func tenantCtx(prefix string) domain.Context {
	return domain.Context{
		ServiceID:   "svc-test",
		TenantID:    prefix + "-" + uuid.NewString()[:8],
		Environment: "test",
		Region:      "local",
	}
}

// runContractTests exercises the behavior every Repository must share.
func runContractTests(t *testing.T, newHarness factory) {
	ctx := context.Background()

	t.Run("CreateGetRoundTrip", func(t *testing.T) {
		h := newHarness(t, newFakeClock())
		sc := tenantCtx("rt")
		meta := map[string]string{"origin": "test", "channel": "cli"}
		created, err := h.repo.Create(ctx, sc, domain.CreateRequest{
			UserID: "u1", AgentID: "a1", Type: domain.TypeAgent, SecurityLevel: domain.SecurityHigh,
			Metadata: meta, Tags: []string{"beta", "alpha"},
		})
		require.NoError(t, err)
		require.NotEmpty(t, created.ID)
		assert.Equal(t, domain.StatusActive, created.Status)
		assert.False(t, created.ExpiresAt.Before(created.CreatedAt))

		got, err := h.repo.Get(ctx, created.ID, sc)
		require.NoError(t, err)
		assert.Equal(t, "u1", got.UserID)
		assert.Equal(t, "a1", got.AgentID)
		assert.Equal(t, domain.TypeAgent, got.Type)
		assert.Equal(t, domain.SecurityHigh, got.SecurityLevel)
		assert.Equal(t, sc.TenantID, got.TenantID)
		assert.Equal(t, []string{"alpha", "beta"}, got.Tags)
		for k, v := range meta {
			assert.Equal(t, v, got.Metadata[k])
		}
		assert.True(t, got.ExpiresAt.Equal(created.ExpiresAt))
	})

	t.Run("CreateValidation", func(t *testing.T) {
		h := newHarness(t, newFakeClock())
		_, err := h.repo.Create(ctx, domain.Context{}, domain.CreateRequest{UserID: "u1"})
		assert.ErrorIs(t, err, domain.ErrValidation)
		_, err = h.repo.Create(ctx, tenantCtx("v"), domain.CreateRequest{})
		assert.ErrorIs(t, err, domain.ErrValidation)
		_, err = h.repo.Create(ctx, tenantCtx("v"), domain.CreateRequest{UserID: "u1", Type: "robot"})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("ValidateLifecycle", func(t *testing.T) {
		clock := newFakeClock()
		h := newHarness(t, clock, WithSessionTTL(10*time.Minute))
		sc := tenantCtx("life")

		s1, err := h.repo.Create(ctx, sc, domain.CreateRequest{UserID: "u1"})
		require.NoError(t, err)
		ok, err := h.repo.Validate(ctx, s1.ID, sc)
		require.NoError(t, err)
		assert.True(t, ok, "valid immediately after creation")

		outcome, err := h.repo.Destroy(ctx, s1.ID, sc)
		require.NoError(t, err)
		assert.Equal(t, domain.Destroyed, outcome)
		ok, err = h.repo.Validate(ctx, s1.ID, sc)
		require.NoError(t, err)
		assert.False(t, ok, "invalid after destroy")

		s2, err := h.repo.Create(ctx, sc, domain.CreateRequest{UserID: "u2"})
		require.NoError(t, err)
		h.advance(11 * time.Minute)
		ok, err = h.repo.Validate(ctx, s2.ID, sc)
		require.NoError(t, err)
		assert.False(t, ok, "invalid after expiry")
		_, err = h.repo.Get(ctx, s2.ID, sc)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("DestroyIdempotent", func(t *testing.T) {
		h := newHarness(t, newFakeClock())
		sc := tenantCtx("idem")
		s, err := h.repo.Create(ctx, sc, domain.CreateRequest{UserID: "u1"})
		require.NoError(t, err)

		first, err := h.repo.Destroy(ctx, s.ID, sc)
		require.NoError(t, err)
		second, err := h.repo.Destroy(ctx, s.ID, sc)
		require.NoError(t, err)
		never, err := h.repo.Destroy(ctx, "never-existed", sc)
		require.NoError(t, err)

		assert.Equal(t, domain.Destroyed, first)
		assert.Equal(t, domain.AlreadyGone, second)
		assert.Equal(t, domain.AlreadyGone, never)
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		h := newHarness(t, newFakeClock(), WithIDGenerator(func() string { return "colliding-id" }))
		a, b, c := tenantCtx("a"), tenantCtx("b"), tenantCtx("c")

		_, err := h.repo.Create(ctx, a, domain.CreateRequest{UserID: "user-of-a"})
		require.NoError(t, err)
		_, err = h.repo.Create(ctx, b, domain.CreateRequest{UserID: "user-of-b"})
		require.NoError(t, err)

		got, err := h.repo.Get(ctx, "colliding-id", b)
		require.NoError(t, err)
		assert.Equal(t, "user-of-b", got.UserID)

		_, err = h.repo.Get(ctx, "colliding-id", c)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.ErrorIs(t, h.repo.Update(ctx, "colliding-id", domain.Update{Touch: true}, c), domain.ErrNotFound)
		ok, err := h.repo.Validate(ctx, "colliding-id", c)
		require.NoError(t, err)
		assert.False(t, ok)
		outcome, err := h.repo.Destroy(ctx, "colliding-id", c)
		require.NoError(t, err)
		assert.Equal(t, domain.AlreadyGone, outcome)

		_, err = h.repo.Destroy(ctx, "colliding-id", b)
		require.NoError(t, err)
		got, err = h.repo.Get(ctx, "colliding-id", a)
		require.NoError(t, err, "destroying tenant B's record must not touch tenant A")
		assert.Equal(t, "user-of-a", got.UserID)
	})

	t.Run("UpdateIsAdditive", func(t *testing.T) {
		clock := newFakeClock()
		h := newHarness(t, clock)
		sc := tenantCtx("upd")
		s, err := h.repo.Create(ctx, sc, domain.CreateRequest{UserID: "u1", Metadata: map[string]string{"a": "1"}})
		require.NoError(t, err)

		h.advance(time.Minute)
		require.NoError(t, h.repo.Update(ctx, s.ID, domain.Update{
			Metadata: map[string]string{"b": "2"}, Tags: []string{"x"}, Touch: true,
		}, sc))
		got, err := h.repo.Get(ctx, s.ID, sc)
		require.NoError(t, err)
		assert.Equal(t, "1", got.Metadata["a"])
		assert.Equal(t, "2", got.Metadata["b"])
		assert.Equal(t, []string{"x"}, got.Tags)
		assert.True(t, got.LastAccessed.After(s.LastAccessed))

		err = h.repo.Update(ctx, s.ID, domain.Update{Metadata: map[string]string{domain.MetaAdapterType: "fake"}}, sc)
		assert.ErrorIs(t, err, domain.ErrValidation)
		assert.ErrorIs(t, h.repo.Update(ctx, "missing", domain.Update{Touch: true}, sc), domain.ErrNotFound)

		require.NoError(t, h.repo.Revoke(ctx, s.ID, sc))
		assert.ErrorIs(t, h.repo.Update(ctx, s.ID, domain.Update{Touch: true}, sc), domain.ErrInactive)
	})

	t.Run("Tokens", func(t *testing.T) {
		h := newHarness(t, newFakeClock())
		sc := tenantCtx("tok")
		s, err := h.repo.Create(ctx, sc, domain.CreateRequest{UserID: "u1", SecurityLevel: domain.SecurityHigh})
		require.NoError(t, err)

		tok, err := h.repo.CreateToken(ctx, s.ID, "", sc)
		require.NoError(t, err)
		assert.Equal(t, s.ID, tok.SessionID)
		assert.Equal(t, DefaultTokenType, tok.Type)
		assert.NotEmpty(t, tok.Value)
		assert.False(t, strings.Contains(tok.Value, s.ID), "token value must not embed the session id")
		assert.Equal(t, "high", tok.Metadata["security_level"])
		assert.False(t, tok.ExpiresAt.After(s.ExpiresAt))

		second, err := h.repo.CreateToken(ctx, s.ID, "refresh", sc)
		require.NoError(t, err)
		assert.NotEqual(t, tok.Value, second.Value)

		got, err := h.repo.ValidateToken(ctx, tok.Value, sc)
		require.NoError(t, err)
		assert.Equal(t, s.ID, got.ID)

		_, err = h.repo.ValidateToken(ctx, tok.Value, tenantCtx("other"))
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = h.repo.ValidateToken(ctx, "st_forged", sc)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		require.NoError(t, h.repo.RevokeToken(ctx, second.ID, sc))
		_, err = h.repo.ValidateToken(ctx, second.Value, sc)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.ErrorIs(t, h.repo.RevokeToken(ctx, second.ID, sc), domain.ErrNotFound)

		_, err = h.repo.Destroy(ctx, s.ID, sc)
		require.NoError(t, err)
		_, err = h.repo.ValidateToken(ctx, tok.Value, sc)
		assert.ErrorIs(t, err, domain.ErrNotFound, "token must die with its session")

		_, err = h.repo.CreateToken(ctx, s.ID, "access", sc)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("TokenOnRevokedSession", func(t *testing.T) {
		h := newHarness(t, newFakeClock())
		sc := tenantCtx("tokrev")
		s, err := h.repo.Create(ctx, sc, domain.CreateRequest{UserID: "u1"})
		require.NoError(t, err)
		tok, err := h.repo.CreateToken(ctx, s.ID, "access", sc)
		require.NoError(t, err)

		require.NoError(t, h.repo.Revoke(ctx, s.ID, sc))
		_, err = h.repo.ValidateToken(ctx, tok.Value, sc)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = h.repo.CreateToken(ctx, s.ID, "access", sc)
		assert.ErrorIs(t, err, domain.ErrInactive)
	})

	t.Run("Analytics", func(t *testing.T) {
		h := newHarness(t, newFakeClock())
		sc := tenantCtx("an")
		s, err := h.repo.Create(ctx, sc, domain.CreateRequest{UserID: "u1"})
		require.NoError(t, err)

		a, err := h.repo.Analytics(ctx, s.ID, sc)
		require.NoError(t, err)
		assert.Zero(t, a.TotalRequests)
		assert.True(t, a.Consistent())

		acts := []domain.Activity{
			{Success: true, ResponseTime: 100 * time.Millisecond},
			{Success: false, ResponseTime: 300 * time.Millisecond, SecurityEvent: true},
			{Success: true, ResponseTime: 200 * time.Millisecond},
		}
		for _, act := range acts {
			a, err = h.repo.RecordActivity(ctx, s.ID, act, sc)
			require.NoError(t, err)
			assert.True(t, a.Consistent())
		}
		a, err = h.repo.Analytics(ctx, s.ID, sc)
		require.NoError(t, err)
		assert.EqualValues(t, 3, a.TotalRequests)
		assert.EqualValues(t, 2, a.SuccessfulRequests)
		assert.EqualValues(t, 1, a.FailedRequests)
		assert.EqualValues(t, 1, a.SecurityEvents)
		assert.Equal(t, 200*time.Millisecond, a.AverageResponseTime)

		_, err = h.repo.Analytics(ctx, "missing", sc)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = h.repo.RecordActivity(ctx, "missing", domain.Activity{Success: true}, sc)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("ActivityOnRevokedSession", func(t *testing.T) {
		h := newHarness(t, newFakeClock())
		sc := tenantCtx("actrev")
		s, err := h.repo.Create(ctx, sc, domain.CreateRequest{UserID: "u1"})
		require.NoError(t, err)
		_, err = h.repo.RecordActivity(ctx, s.ID, domain.Activity{Success: true, ResponseTime: time.Millisecond}, sc)
		require.NoError(t, err)
		require.NoError(t, h.repo.Revoke(ctx, s.ID, sc))
		before, err := h.repo.Get(ctx, s.ID, sc)
		require.NoError(t, err)

		h.advance(time.Minute)
		_, err = h.repo.RecordActivity(ctx, s.ID, domain.Activity{Success: true}, sc)
		assert.ErrorIs(t, err, domain.ErrInactive)

		a, err := h.repo.Analytics(ctx, s.ID, sc)
		require.NoError(t, err)
		assert.EqualValues(t, 1, a.TotalRequests)
		after, err := h.repo.Get(ctx, s.ID, sc)
		require.NoError(t, err)
		assert.True(t, before.LastAccessed.Equal(after.LastAccessed), "revoked session is not touched")
	})

	t.Run("RefreshRevokeList", func(t *testing.T) {
		h := newHarness(t, newFakeClock(), WithSessionTTL(10*time.Minute))
		sc := tenantCtx("list")
		s1, err := h.repo.Create(ctx, sc, domain.CreateRequest{UserID: "u1"})
		require.NoError(t, err)
		h.advance(time.Second)
		s2, err := h.repo.Create(ctx, sc, domain.CreateRequest{AgentID: "agent-7", Type: domain.TypeAgent})
		require.NoError(t, err)

		h.advance(5 * time.Minute)
		refreshed, err := h.repo.Refresh(ctx, s1.ID, sc)
		require.NoError(t, err)
		assert.True(t, refreshed.ExpiresAt.After(s1.ExpiresAt))

		all, err := h.repo.List(ctx, sc, domain.Filter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, s1.ID, all[0].ID)

		agents, err := h.repo.List(ctx, sc, domain.Filter{AgentID: "agent-7"})
		require.NoError(t, err)
		require.Len(t, agents, 1)
		assert.Equal(t, s2.ID, agents[0].ID)

		require.NoError(t, h.repo.Revoke(ctx, s2.ID, sc))
		got, err := h.repo.Get(ctx, s2.ID, sc)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusRevoked, got.Status)
		ok, err := h.repo.Validate(ctx, s2.ID, sc)
		require.NoError(t, err)
		assert.False(t, ok)
		_, err = h.repo.Refresh(ctx, s2.ID, sc)
		assert.ErrorIs(t, err, domain.ErrInactive)

		revoked, err := h.repo.List(ctx, sc, domain.Filter{Status: domain.StatusRevoked})
		require.NoError(t, err)
		assert.Len(t, revoked, 1)

		h.advance(6 * time.Minute)
		all, err = h.repo.List(ctx, sc, domain.Filter{})
		require.NoError(t, err)
		require.Len(t, all, 1, "only the refreshed session outlives the original ttl")
		assert.Equal(t, s1.ID, all[0].ID)

		empty, err := h.repo.List(ctx, tenantCtx("nobody"), domain.Filter{})
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("HealthCheck", func(t *testing.T) {
		h := newHarness(t, newFakeClock())
		health := h.repo.HealthCheck(ctx)
		assert.True(t, health.Healthy(), health.Error)
		assert.Equal(t, h.repo.Type(), health.Adapter)
	})
}
