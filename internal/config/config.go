// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"session-control-plane/backend/internal/session/domain"
)

// Session backends selectable with SESSION_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendBolt     = "bolt"
)

// Token formats selectable with TOKEN_FORMAT.
const (
	TokenFormatOpaque = "opaque"
	TokenFormatJWT    = "jwt"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// GRPCAddr is the address the gRPC health/presence server listens on (e.g. :8080).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// Env is the application environment (e.g. "development", "production").
	Env      string `mapstructure:"APP_ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// SessionBackend is one of memory, redis, postgres, bolt.
	SessionBackend string        `mapstructure:"SESSION_BACKEND"`
	SessionTTL     time.Duration `mapstructure:"SESSION_TTL"`
	// TokenTTL is capped by the parent session expiry.
	TokenTTL time.Duration `mapstructure:"TOKEN_TTL"`
	// MemorySweepInterval schedules PurgeExpired on the memory backend; zero disables it.
	MemorySweepInterval time.Duration `mapstructure:"SESSION_MEMORY_SWEEP_INTERVAL"`

	RedisAddr      string `mapstructure:"REDIS_ADDR"`
	RedisPassword  string `mapstructure:"REDIS_PASSWORD"`
	RedisDB        int    `mapstructure:"REDIS_DB"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`

	// DatabaseURL is the Postgres DSN. Required for the postgres backend; when set, audit
	// records and tenant access policies are also stored there.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	BoltPath    string `mapstructure:"BOLT_PATH"`

	// TokenFormat is opaque (random values) or jwt (signed with the key pair below).
	TokenFormat string `mapstructure:"TOKEN_FORMAT"`
	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	JWTIssuer    string `mapstructure:"JWT_ISSUER"`
	JWTAudience  string `mapstructure:"JWT_AUDIENCE"`

	// AssessmentIdleThreshold caps session assessments at fair once a session has been idle this long.
	AssessmentIdleThreshold time.Duration `mapstructure:"ASSESSMENT_IDLE_THRESHOLD"`
	// AgentMinSecurityLevel is the weakest tier agents may create or use.
	AgentMinSecurityLevel string        `mapstructure:"AGENT_MIN_SECURITY_LEVEL"`
	HealthPollInterval    time.Duration `mapstructure:"HEALTH_POLL_INTERVAL"`

	// OTel (optional). Traces, metrics and telemetry log records are exported when the endpoint is set.
	OTelEndpoint    string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelInsecure    bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// Telemetry (optional). When Kafka brokers are set, session events are also published to Kafka.
	// TelemetryKafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	TelemetryKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	TelemetryKafkaTopic   string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SESSION_BACKEND", BackendMemory)
	v.SetDefault("SESSION_TTL", "1h")
	v.SetDefault("TOKEN_TTL", "30m")
	v.SetDefault("SESSION_MEMORY_SWEEP_INTERVAL", "0s")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_KEY_PREFIX", "scp:")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("BOLT_PATH", "sessions.db")
	v.SetDefault("TOKEN_FORMAT", TokenFormatOpaque)
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "session-control-plane")
	v.SetDefault("JWT_AUDIENCE", "session-api")
	v.SetDefault("ASSESSMENT_IDLE_THRESHOLD", "30m")
	v.SetDefault("AGENT_MIN_SECURITY_LEVEL", string(domain.SecurityMedium))
	v.SetDefault("HEALTH_POLL_INTERVAL", "10s")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "session-control-plane")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "session-telemetry")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements. Load calls it; tests may call it on hand-built configs.
func (c *Config) Validate() error {
	if c.GRPCAddr == "" {
		return errors.New("config: GRPC_ADDR must be set")
	}
	c.SessionBackend = strings.ToLower(strings.TrimSpace(c.SessionBackend))
	switch c.SessionBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("config: REDIS_ADDR must be set when SESSION_BACKEND=redis")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL must be set when SESSION_BACKEND=postgres")
		}
	case BackendBolt:
		if c.BoltPath == "" {
			return errors.New("config: BOLT_PATH must be set when SESSION_BACKEND=bolt")
		}
	default:
		return fmt.Errorf("config: unknown SESSION_BACKEND %q", c.SessionBackend)
	}
	if c.SessionTTL <= 0 {
		return errors.New("config: SESSION_TTL must be positive")
	}
	if c.TokenTTL <= 0 {
		return errors.New("config: TOKEN_TTL must be positive")
	}
	if c.MemorySweepInterval < 0 {
		return errors.New("config: SESSION_MEMORY_SWEEP_INTERVAL must not be negative")
	}
	if c.AssessmentIdleThreshold <= 0 {
		return errors.New("config: ASSESSMENT_IDLE_THRESHOLD must be positive")
	}
	if c.HealthPollInterval <= 0 {
		return errors.New("config: HEALTH_POLL_INTERVAL must be positive")
	}
	if _, err := domain.ParseSecurityLevel(c.AgentMinSecurityLevel); err != nil {
		return fmt.Errorf("config: AGENT_MIN_SECURITY_LEVEL: %w", err)
	}
	switch c.TokenFormat {
	case TokenFormatOpaque:
	case TokenFormatJWT:
		if c.JWTPrivateKey == "" || c.JWTPublicKey == "" {
			return errors.New("config: JWT_PRIVATE_KEY and JWT_PUBLIC_KEY must be set when TOKEN_FORMAT=jwt")
		}
	default:
		return fmt.Errorf("config: unknown TOKEN_FORMAT %q", c.TokenFormat)
	}
	return nil
}

// AgentMinLevel returns AgentMinSecurityLevel as a domain value. Validate has already checked it.
func (c *Config) AgentMinLevel() domain.SecurityLevel {
	return domain.SecurityLevel(c.AgentMinSecurityLevel)
}

// TelemetryKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if telemetry is enabled (non-empty list) and to create the producer.
func (c *Config) TelemetryKafkaBrokersList() []string {
	if c == nil || c.TelemetryKafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.TelemetryKafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
