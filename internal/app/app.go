// Package app assembles the session stack from config. cmd/server and cmd/sessionctl share it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	agentservice "session-control-plane/backend/internal/agent/service"
	"session-control-plane/backend/internal/audit"
	auditrepo "session-control-plane/backend/internal/audit/repository"
	"session-control-plane/backend/internal/config"
	"session-control-plane/backend/internal/db"
	"session-control-plane/backend/internal/policy/engine"
	policyrepo "session-control-plane/backend/internal/policy/repository"
	"session-control-plane/backend/internal/security"
	"session-control-plane/backend/internal/session/abstraction"
	"session-control-plane/backend/internal/session/composition"
	"session-control-plane/backend/internal/session/repository"
	"session-control-plane/backend/internal/telemetry"
	otelsetup "session-control-plane/backend/internal/telemetry/otel"
	"session-control-plane/backend/internal/telemetry/producer"
)

// Stack is every long-lived component built from one Config.
type Stack struct {
	Config *config.Config
	Logger zerolog.Logger

	// Memory is set when the active adapter is the in-process store, so callers can schedule sweeps.
	Memory *repository.MemoryRepository

	Sessions    *abstraction.Abstraction
	Composition *composition.Service
	Agents      *agentservice.Service
	Policy      *engine.OPAEvaluator
	// Policies holds tenant access policies; in-process unless DATABASE_URL is set.
	Policies policyrepo.Repository

	Audit     audit.AuditLogger
	Emitter   telemetry.EventEmitter
	Providers *otelsetup.Providers

	closers []func(context.Context) error
}

// Options tweak Build for a particular binary.
type Options struct {
	// AuditIP resolves the client address recorded in audit entries. Defaults to the gRPC peer.
	AuditIP audit.IPExtractor
	// SkipExport keeps OTel in-process and skips Kafka even when configured, e.g. for the CLI.
	SkipExport bool
}

// Build wires config into a ready stack. On error everything opened so far is closed.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger, o Options) (_ *Stack, err error) {
	st := &Stack{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = st.Close(context.Background())
		}
	}()

	otelCfg := otelsetup.Config{ServiceName: cfg.OTelServiceName, Environment: cfg.Env, Insecure: cfg.OTelInsecure}
	if !o.SkipExport {
		otelCfg.Endpoint = cfg.OTelEndpoint
	}
	st.Providers, err = otelsetup.NewProviders(ctx, otelCfg)
	if err != nil {
		return nil, err
	}
	st.Providers.SetGlobal()
	st.onClose(st.Providers.Shutdown)

	var pg *sql.DB
	if cfg.DatabaseURL != "" {
		pg, err = db.Open(ctx, cfg.DatabaseURL, db.DefaultPool)
		if err != nil {
			return nil, err
		}
		st.onClose(func(context.Context) error { return pg.Close() })
	}

	st.Emitter = st.buildEmitter(o)
	st.Audit = buildAudit(pg, logger, o.AuditIP)
	recorder := telemetry.NewRecorder(
		telemetry.WithEmitter(st.Emitter),
		telemetry.WithAuditor(st.Audit),
		telemetry.WithTracerProvider(st.Providers.TracerProvider),
		telemetry.WithMeterProvider(st.Providers.MeterProvider),
		telemetry.WithRecorderLogger(logger),
	)

	issuer, err := TokenIssuer(cfg)
	if err != nil {
		return nil, err
	}
	adapter, err := st.openAdapter(cfg, pg, issuer)
	if err != nil {
		return nil, err
	}

	st.Sessions, err = abstraction.New(adapter, abstraction.WithRecorder(recorder), abstraction.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	st.Composition, err = composition.New(st.Sessions,
		composition.WithRecorder(recorder),
		composition.WithIdleThreshold(cfg.AssessmentIdleThreshold),
		composition.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	st.Policies = policyrepo.NewMemoryRepository()
	if pg != nil {
		st.Policies = policyrepo.NewPostgresRepository(pg)
	}
	st.Policy = engine.NewOPAEvaluator(
		engine.WithPolicyRepository(st.Policies),
		engine.WithMinSecurityLevel(cfg.AgentMinLevel()),
		engine.WithLogger(logger),
	)

	st.Agents, err = agentservice.New(st.Composition, st.Sessions, st.Policy,
		agentservice.WithMinSecurityLevel(cfg.AgentMinLevel()),
		agentservice.WithRecorder(recorder),
		agentservice.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	logger.Info().Str("adapter", adapter.Type()).Str("token_format", issuer.Format()).Msg("session stack ready")
	return st, nil
}

// Close releases everything Build opened, newest first.
func (s *Stack) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *Stack) onClose(fn func(context.Context) error) { s.closers = append(s.closers, fn) }

// buildEmitter fans events out to the debug log, the OTel log pipeline and, when configured, Kafka.
// Exporting emitters run asynchronously so a slow sink never delays a session operation.
func (s *Stack) buildEmitter(o Options) telemetry.EventEmitter {
	sinks := []telemetry.EventEmitter{
		telemetry.NewLogEmitter(s.Logger),
		telemetry.Async(otelsetup.NewEventEmitter(s.Providers.LoggerProvider), s.Logger),
	}
	if brokers := s.Config.TelemetryKafkaBrokersList(); len(brokers) > 0 && !o.SkipExport {
		p, err := producer.NewKafkaProducer(brokers, s.Config.TelemetryKafkaTopic)
		if err != nil {
			s.Logger.Warn().Err(err).Msg("kafka telemetry disabled")
		} else {
			sinks = append(sinks, telemetry.Async(p, s.Logger))
			s.onClose(func(context.Context) error { return p.Close() })
			s.Logger.Info().Strs("brokers", brokers).Str("topic", p.Topic()).Msg("publishing session events to kafka")
		}
	}
	return telemetry.Multi(sinks...)
}

func buildAudit(pg *sql.DB, logger zerolog.Logger, ip audit.IPExtractor) audit.AuditLogger {
	var repo auditrepo.Repository = auditrepo.NewMemoryRepository()
	if pg != nil {
		repo = auditrepo.NewPostgresRepository(pg)
	}
	opts := []audit.Option{audit.WithLogger(logger)}
	if ip != nil {
		opts = append(opts, audit.WithIPExtractor(ip))
	}
	return audit.NewLogger(repo, opts...)
}

// TokenIssuer returns the issuer selected by TOKEN_FORMAT.
func TokenIssuer(cfg *config.Config) (security.TokenIssuer, error) {
	if cfg.TokenFormat != config.TokenFormatJWT {
		return security.NewOpaqueIssuer(), nil
	}
	signer, pub, err := security.LoadKeyPair(cfg.JWTPrivateKey, cfg.JWTPublicKey)
	if err != nil {
		return nil, fmt.Errorf("jwt keys: %w", err)
	}
	return security.NewJWTIssuer(signer, pub, cfg.JWTIssuer, cfg.JWTAudience), nil
}

func (s *Stack) openAdapter(cfg *config.Config, pg *sql.DB, issuer security.TokenIssuer) (repository.Repository, error) {
	opts := []repository.Option{
		repository.WithSessionTTL(cfg.SessionTTL),
		repository.WithTokenTTL(cfg.TokenTTL),
		repository.WithTokenIssuer(issuer),
		repository.WithLogger(s.Logger),
	}
	switch cfg.SessionBackend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		s.onClose(func(context.Context) error { return client.Close() })
		return repository.NewRedisRepository(client, cfg.RedisKeyPrefix, opts...), nil
	case config.BackendPostgres:
		if pg == nil {
			return nil, db.ErrNoDSN
		}
		return repository.NewPostgresRepository(pg, opts...), nil
	case config.BackendBolt:
		b, err := repository.NewBoltRepository(cfg.BoltPath, opts...)
		if err != nil {
			return nil, err
		}
		s.onClose(func(context.Context) error { return b.Close() })
		return b, nil
	default:
		s.Memory = repository.NewMemoryRepository(opts...)
		return s.Memory, nil
	}
}
