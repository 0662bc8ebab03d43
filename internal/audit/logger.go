// Package audit records failed session operations so they can be reviewed per tenant.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/peer"

	"session-control-plane/backend/internal/audit/domain"
	auditrepo "session-control-plane/backend/internal/audit/repository"
)

// SentinelTenantID is the tenant recorded for events that arrive without one.
const SentinelTenantID = "_system"

const writeTimeout = 5 * time.Second

// IPExtractor returns the client IP from the request context (e.g. gRPC peer).
type IPExtractor func(context.Context) string

// AuditLogger writes a single audit event. LogEvent is best-effort: failures are logged and do not affect the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, tenantID, actor, action, resource string, metadata map[string]string)
}

// Logger implements AuditLogger using the audit repository and an optional IP extractor.
type Logger struct {
	repo        auditrepo.Repository
	ipExtractor IPExtractor
	logger      zerolog.Logger
	now         func() time.Time
}

// Option configures a Logger.
type Option func(*Logger)

// WithIPExtractor sets how the client address is resolved. Defaults to the gRPC peer.
func WithIPExtractor(fn IPExtractor) Option {
	return func(l *Logger) { l.ipExtractor = fn }
}

// WithLogger sets where write failures are reported.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Logger) { l.logger = logger.With().Str("component", "audit").Logger() }
}

// WithClock overrides the entry timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// NewLogger returns an AuditLogger that persists to repo.
func NewLogger(repo auditrepo.Repository, opts ...Option) *Logger {
	l := &Logger{
		repo:        repo,
		ipExtractor: PeerIP,
		logger:      zerolog.Nop(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent writes one audit log entry. Best-effort: errors are logged and not returned.
func (l *Logger) LogEvent(ctx context.Context, tenantID, actor, action, resource string, metadata map[string]string) {
	if l == nil || l.repo == nil {
		return
	}
	ip := "unknown"
	if l.ipExtractor != nil {
		if v := l.ipExtractor(ctx); v != "" {
			ip = v
		}
	}
	if tenantID == "" {
		tenantID = SentinelTenantID
	}
	entry := &domain.AuditLog{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Actor:     actor,
		Action:    action,
		Resource:  resource,
		IP:        ip,
		Metadata:  metadata,
		CreatedAt: l.now(),
	}
	if err := l.repo.Create(ctx, entry); err != nil {
		l.logger.Warn().Err(err).Str("action", action).Str("resource", resource).Msg("failed to write audit entry")
	}
}

// LogEventAsync runs LogEvent in a goroutine on a background context so request cancellation does not drop the entry.
// The gRPC peer of ctx, if any, is carried over for IP extraction.
func LogEventAsync(l AuditLogger, ctx context.Context, tenantID, actor, action, resource string, metadata map[string]string) {
	if l == nil {
		return
	}
	base := context.Background()
	if p, ok := peer.FromContext(ctx); ok {
		base = peer.NewContext(base, p)
	}
	go func() {
		writeCtx, cancel := context.WithTimeout(base, writeTimeout)
		defer cancel()
		l.LogEvent(writeCtx, tenantID, actor, action, resource, metadata)
	}()
}

// PeerIP returns the remote address of the gRPC peer in ctx, or "" outside a gRPC call.
func PeerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return p.Addr.String()
}
