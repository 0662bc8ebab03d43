package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-control-plane/backend/internal/config"
	policydomain "session-control-plane/backend/internal/policy/domain"
	"session-control-plane/backend/internal/security"
	"session-control-plane/backend/internal/session/domain"
)

func baseConfig() *config.Config {
	return &config.Config{
		GRPCAddr:                ":0",
		SessionBackend:          config.BackendMemory,
		SessionTTL:              time.Hour,
		TokenTTL:                30 * time.Minute,
		RedisKeyPrefix:          "scp:",
		TokenFormat:             config.TokenFormatOpaque,
		AssessmentIdleThreshold: 30 * time.Minute,
		AgentMinSecurityLevel:   string(domain.SecurityMedium),
		HealthPollInterval:      time.Second,
		OTelServiceName:         "session-control-plane-test",
	}
}

func build(t *testing.T, cfg *config.Config) *Stack {
	t.Helper()
	require.NoError(t, cfg.Validate())
	st, err := Build(context.Background(), cfg, zerolog.Nop(), Options{SkipExport: true})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, st.Close(context.Background())) })
	return st
}

func TestBuild_Backends(t *testing.T) {
	mr := miniredis.RunT(t)
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"memory", func(*config.Config) {}, "memory"},
		{"redis", func(c *config.Config) { c.SessionBackend = config.BackendRedis; c.RedisAddr = mr.Addr() }, "redis"},
		{"bolt", func(c *config.Config) {
			c.SessionBackend = config.BackendBolt
			c.BoltPath = filepath.Join(t.TempDir(), "sessions.db")
		}, "bolt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig()
			tc.mutate(cfg)
			st := build(t, cfg)
			assert.Equal(t, tc.want, st.Sessions.Type())
			assert.Equal(t, tc.want == "memory", st.Memory != nil)

			sc := domain.Context{TenantID: "tenant-a", ServiceID: "svc", Metadata: map[string]string{"user_id": "u1"}}
			res, err := st.Composition.Orchestrate(context.Background(), "user_session", sc, nil)
			require.NoError(t, err)
			assert.True(t, res.TokenIssued)

			assert.True(t, st.Composition.HealthCheck(context.Background()).Healthy())
			assert.True(t, st.Agents.HealthCheck(context.Background()).Healthy())
		})
	}
}

func TestBuild_AgentMinimumFromConfig(t *testing.T) {
	cfg := baseConfig()
	cfg.AgentMinSecurityLevel = string(domain.SecurityHigh)
	st := build(t, cfg)
	assert.Equal(t, domain.SecurityHigh, st.Policy.MinSecurityLevel())
}

const sharedAgentsPolicy = `package session.access

default allow := false

allow if input.caller.tenant_id == input.session.tenant_id

decision := {"allow": allow, "reasons": reasons}

reasons := [] if allow
reasons := ["tenant_mismatch"] if not allow
`

const prodOnlyPolicy = `package session.access

deny contains "environment_not_allowed" if input.caller.environment != "prod"

decision := {"allow": count(deny) == 0, "reasons": sort(deny)}
`

func TestBuild_TenantPolicyCannotLiftAgentCheck(t *testing.T) {
	st := build(t, baseConfig())
	ctx := context.Background()
	sc := domain.Context{TenantID: "tenant-a", ServiceID: "svc"}

	res, err := st.Agents.CreateAgentSession(ctx, "agent-7", sc, "", "")
	require.NoError(t, err)

	require.NoError(t, st.Policies.Create(ctx, &policydomain.Policy{
		ID: "p1", TenantID: "tenant-a", Rules: sharedAgentsPolicy, Enabled: true, CreatedAt: time.Now().UTC(),
	}))
	_, err = st.Agents.ValidateAgentSession(ctx, res.SessionID, "agent-9", sc)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Contains(t, err.Error(), "agent_mismatch")

	ok, err := st.Agents.ValidateAgentSession(ctx, res.SessionID, "agent-7", sc)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBuild_TenantPolicyAddsRestriction(t *testing.T) {
	st := build(t, baseConfig())
	ctx := context.Background()
	sc := domain.Context{TenantID: "tenant-a", ServiceID: "svc", Environment: "staging"}

	res, err := st.Agents.CreateAgentSession(ctx, "agent-7", sc, "", "")
	require.NoError(t, err)
	require.NoError(t, st.Policies.Create(ctx, &policydomain.Policy{
		ID: "p1", TenantID: "tenant-a", Rules: prodOnlyPolicy, Enabled: true, CreatedAt: time.Now().UTC(),
	}))

	_, err = st.Agents.ValidateAgentSession(ctx, res.SessionID, "agent-7", sc)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Contains(t, err.Error(), "environment_not_allowed")

	sc.Environment = "prod"
	ok, err := st.Agents.ValidateAgentSession(ctx, res.SessionID, "agent-7", sc)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTokenIssuer(t *testing.T) {
	cfg := baseConfig()
	iss, err := TokenIssuer(cfg)
	require.NoError(t, err)
	assert.Equal(t, security.FormatOpaque, iss.Format())

	cfg.TokenFormat = config.TokenFormatJWT
	cfg.JWTPrivateKey = "not a key"
	cfg.JWTPublicKey = "not a key"
	_, err = TokenIssuer(cfg)
	assert.Error(t, err)
}
