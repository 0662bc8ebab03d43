package abstraction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-control-plane/backend/internal/session/domain"
	"session-control-plane/backend/internal/session/repository"
	"session-control-plane/backend/internal/telemetry"
)

var sc = domain.Context{ServiceID: "svc-test", TenantID: "tenant-a", Environment: "test"}

func newRedisRepo(t *testing.T) (*repository.RedisRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return repository.NewRedisRepository(client, "abs:"), mr
}

func newAbstraction(t *testing.T) (*Abstraction, *telemetry.Capture) {
	t.Helper()
	capture := &telemetry.Capture{}
	a, err := New(repository.NewMemoryRepository(), WithRecorder(telemetry.NewRecorder(telemetry.WithEmitter(capture))))
	require.NoError(t, err)
	return a, capture
}

func TestNew_RequiresAdapter(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrNoAdapter)
}

func TestProvenanceIsAdditive(t *testing.T) {
	a, _ := newAbstraction(t)
	ctx := context.Background()

	s, err := a.Create(ctx, sc, domain.CreateRequest{UserID: "u1", Metadata: map[string]string{"channel": "cli"}})
	require.NoError(t, err)
	assert.Equal(t, "memory", s.Metadata[domain.MetaAdapterType])
	assert.Equal(t, LayerName, s.Metadata[domain.MetaAbstractionLayer])
	assert.Equal(t, "cli", s.Metadata["channel"])

	got, err := a.Get(ctx, s.ID, sc)
	require.NoError(t, err)
	assert.Equal(t, "cli", got.Metadata["channel"])
	assert.Equal(t, "memory", got.Metadata[domain.MetaAdapterType])

	tok, err := a.CreateToken(ctx, s.ID, "access", sc)
	require.NoError(t, err)
	assert.Equal(t, LayerName, tok.Metadata[domain.MetaAbstractionLayer])
	assert.Equal(t, "medium", tok.Metadata["security_level"])

	an, err := a.Analytics(ctx, s.ID, sc)
	require.NoError(t, err)
	assert.Equal(t, "memory", an.Metadata[domain.MetaAdapterType])

	list, err := a.List(ctx, sc, domain.Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, LayerName, list[0].Metadata[domain.MetaAbstractionLayer])
}

func TestReservedKeysRejected(t *testing.T) {
	a, _ := newAbstraction(t)
	_, err := a.Create(context.Background(), sc, domain.CreateRequest{
		UserID: "u1", Metadata: map[string]string{domain.MetaAdapterType: "forged"},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestTelemetryPairsEveryOperation(t *testing.T) {
	a, capture := newAbstraction(t)
	ctx := context.Background()

	s, err := a.Create(ctx, sc, domain.CreateRequest{UserID: "u1"})
	require.NoError(t, err)
	_, err = a.Validate(ctx, s.ID, sc)
	require.NoError(t, err)
	_, err = a.Get(ctx, "missing", sc)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = a.Destroy(ctx, s.ID, sc)
	require.NoError(t, err)

	for _, name := range []string{"create_session", "validate_session", "get_session", "destroy_session"} {
		events := capture.Operation(name)
		require.Len(t, events, 2, name)
		assert.Equal(t, telemetry.PhaseStart, events[0].Phase, name)
		assert.Equal(t, telemetry.PhaseComplete, events[1].Phase, name)
		assert.Equal(t, "memory", events[1].Details[domain.MetaAdapterType], name)
		assert.Equal(t, "tenant-a", events[1].TenantID, name)
	}
	assert.True(t, capture.Operation("create_session")[1].Success)
	assert.Equal(t, s.ID, capture.Operation("create_session")[1].SessionID)
	assert.False(t, capture.Operation("get_session")[1].Success)
	assert.Equal(t, "not_found", capture.Operation("get_session")[1].Details["error_kind"])
	assert.Equal(t, "destroyed", capture.Operation("destroy_session")[1].Details["outcome"])
	assert.Equal(t, "true", capture.Operation("validate_session")[1].Details["valid"])
}

func TestSwap_RoutesNewCalls(t *testing.T) {
	a, _ := newAbstraction(t)
	ctx := context.Background()
	_, err := a.Create(ctx, sc, domain.CreateRequest{UserID: "before-swap"})
	require.NoError(t, err)

	redisRepo, _ := newRedisRepo(t)
	prev, err := a.Swap(ctx, redisRepo)
	require.NoError(t, err)
	assert.Equal(t, "memory", prev.Type())
	assert.Equal(t, "redis", a.Type())

	s, err := a.Create(ctx, sc, domain.CreateRequest{UserID: "after-swap"})
	require.NoError(t, err)
	assert.Equal(t, "redis", s.Metadata[domain.MetaAdapterType])
	ok, err := a.Validate(ctx, s.ID, sc)
	require.NoError(t, err)
	assert.True(t, ok)

	h := a.HealthCheck(ctx)
	assert.True(t, h.Healthy())
	assert.Equal(t, "redis", h.Details[domain.MetaAdapterType])
	assert.Equal(t, LayerName, h.Details[domain.MetaAbstractionLayer])
}

func TestSwap_RefusesUnhealthyAdapter(t *testing.T) {
	a, capture := newAbstraction(t)
	redisRepo, mr := newRedisRepo(t)
	mr.Close()

	prev, err := a.Swap(context.Background(), redisRepo)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.Nil(t, prev)
	assert.Equal(t, "memory", a.Type(), "active adapter unchanged")

	events := capture.Operation("swap_adapter")
	require.Len(t, events, 2)
	assert.False(t, events[1].Success)

	_, err = a.Swap(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoAdapter)
}

func TestBackendUnavailableIsSurfaced(t *testing.T) {
	redisRepo, mr := newRedisRepo(t)
	a, err := New(redisRepo)
	require.NoError(t, err)
	mr.Close()

	_, err = a.Create(context.Background(), sc, domain.CreateRequest{UserID: "u1"})
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	_, err = a.Get(context.Background(), "any", sc)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}

func TestSwap_ConcurrentWithTraffic(t *testing.T) {
	a, _ := newAbstraction(t)
	ctx := context.Background()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, 64)

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s, err := a.Create(ctx, sc, domain.CreateRequest{UserID: "u"})
				if err != nil {
					errs <- err
					return
				}
				if _, err := a.Destroy(ctx, s.ID, sc); err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	for i := 0; i < 10; i++ {
		_, err := a.Swap(ctx, repository.NewMemoryRepository())
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	close(stop)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("operation failed during swap: %v", err)
	}
}
