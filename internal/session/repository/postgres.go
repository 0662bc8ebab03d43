package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"session-control-plane/backend/internal/security"
	"session-control-plane/backend/internal/session/domain"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const sessionColumns = `tenant_id, id, user_id, agent_id, session_type, status, security_level,
	created_at, expires_at, last_accessed, metadata, tags`

// PostgresRepository stores sessions in the tables created by internal/db/migrations.
// Expired rows are filtered on read and deleted lazily.
type PostgresRepository struct {
	settings
	db *sql.DB
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository returns a Repository over db (see db.Open).
func NewPostgresRepository(db *sql.DB, opts ...Option) *PostgresRepository {
	return &PostgresRepository{settings: newSettings(TypePostgres, opts), db: db}
}

func (r *PostgresRepository) Type() string { return TypePostgres }

func pgErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	for _, known := range []error{domain.ErrNotFound, domain.ErrInactive, domain.ErrValidation} {
		if errors.Is(err, known) {
			return err
		}
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch pe.Code {
		case pgUniqueViolation:
			return domain.Invalid("%s: duplicate key", op)
		case pgForeignKeyViolation:
			return domain.ErrNotFound
		}
	}
	return domain.Unavailable("postgres "+op, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		s             domain.Session
		typ, st, lvl  string
		metadata, tag []byte
	)
	if err := row.Scan(&s.TenantID, &s.ID, &s.UserID, &s.AgentID, &typ, &st, &lvl,
		&s.CreatedAt, &s.ExpiresAt, &s.LastAccessed, &metadata, &tag); err != nil {
		return nil, err
	}
	s.Type, s.Status, s.SecurityLevel = domain.Type(typ), domain.Status(st), domain.SecurityLevel(lvl)
	s.CreatedAt, s.ExpiresAt, s.LastAccessed = s.CreatedAt.UTC(), s.ExpiresAt.UTC(), s.LastAccessed.UTC()
	if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tag, &s.Tags); err != nil {
		return nil, err
	}
	if len(s.Metadata) == 0 {
		s.Metadata = nil
	}
	if len(s.Tags) == 0 {
		s.Tags = nil
	}
	return &s, nil
}

func jsonColumn(v any, empty string) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte(empty), nil
	}
	return b, nil
}

func (r *PostgresRepository) Create(ctx context.Context, sc domain.Context, req domain.CreateRequest) (*domain.Session, error) {
	sess, err := r.newSession(sc, req)
	if err != nil {
		return nil, err
	}
	metadata, err := jsonColumn(sess.Metadata, "{}")
	if err != nil {
		return nil, err
	}
	tags, err := jsonColumn(sess.Tags, "[]")
	if err != nil {
		return nil, err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, pgErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		sess.TenantID, sess.ID, sess.UserID, sess.AgentID, string(sess.Type), string(sess.Status),
		string(sess.SecurityLevel), sess.CreatedAt, sess.ExpiresAt, sess.LastAccessed, metadata, tags)
	if err != nil {
		return nil, pgErr("create session", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO session_analytics (tenant_id, session_id, last_activity)
		VALUES ($1, $2, $3)`, sess.TenantID, sess.ID, sess.CreatedAt)
	if err != nil {
		return nil, pgErr("create analytics", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, pgErr("commit", err)
	}
	return sess, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string, sc domain.Context) (*domain.Session, error) {
	if err := validateID(id, sc); err != nil {
		return nil, err
	}
	sess, err := scanSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = $1 AND id = $2`, sc.TenantID, id))
	if err != nil {
		return nil, pgErr("get session", err)
	}
	if sess.Expired(r.now()) {
		r.evict(ctx, sc.TenantID, id)
		return nil, domain.ErrNotFound
	}
	return sess, nil
}

// evict deletes an expired row. Failures are logged; the row stays invisible to reads either way.
func (r *PostgresRepository) evict(ctx context.Context, tenantID, id string) {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE tenant_id = $1 AND id = $2 AND expires_at < $3`,
		tenantID, id, r.now())
	if err != nil {
		r.logger.Warn().Err(err).Str("session_id", id).Msg("lazy eviction failed")
	}
}

// mutate locks the session row, applies fn, and writes the mutable columns back.
func (r *PostgresRepository) mutate(ctx context.Context, id string, sc domain.Context, fn func(*domain.Session) error) (*domain.Session, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, pgErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()
	sess, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, sc.TenantID, id))
	if err != nil {
		return nil, pgErr("lock session", err)
	}
	if sess.Expired(r.now()) {
		return nil, domain.ErrNotFound
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	metadata, err := jsonColumn(sess.Metadata, "{}")
	if err != nil {
		return nil, err
	}
	tags, err := jsonColumn(sess.Tags, "[]")
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE sessions
		SET status = $3, expires_at = $4, last_accessed = $5, metadata = $6, tags = $7
		WHERE tenant_id = $1 AND id = $2`,
		sc.TenantID, id, string(sess.Status), sess.ExpiresAt, sess.LastAccessed, metadata, tags)
	if err != nil {
		return nil, pgErr("update session", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, pgErr("commit", err)
	}
	return sess, nil
}

func (r *PostgresRepository) Update(ctx context.Context, id string, upd domain.Update, sc domain.Context) error {
	if err := validateID(id, sc); err != nil {
		return err
	}
	if err := upd.Validate(); err != nil {
		return err
	}
	_, err := r.mutate(ctx, id, sc, func(s *domain.Session) error {
		if err := checkMutable(s); err != nil {
			return err
		}
		upd.Apply(s, r.now())
		return nil
	})
	return err
}

func (r *PostgresRepository) Destroy(ctx context.Context, id string, sc domain.Context) (domain.DestroyOutcome, error) {
	if err := validateID(id, sc); err != nil {
		return 0, err
	}
	var expiresAt time.Time
	err := r.db.QueryRowContext(ctx, `DELETE FROM sessions WHERE tenant_id = $1 AND id = $2 RETURNING expires_at`,
		sc.TenantID, id).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AlreadyGone, nil
	}
	if err != nil {
		return 0, pgErr("destroy session", err)
	}
	if r.now().After(expiresAt) {
		return domain.AlreadyGone, nil
	}
	return domain.Destroyed, nil
}

func (r *PostgresRepository) Validate(ctx context.Context, id string, sc domain.Context) (bool, error) {
	sess, err := r.Get(ctx, id, sc)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sess.Usable(r.now(), sc.TenantID), nil
}

func (r *PostgresRepository) Refresh(ctx context.Context, id string, sc domain.Context) (*domain.Session, error) {
	if err := validateID(id, sc); err != nil {
		return nil, err
	}
	return r.mutate(ctx, id, sc, func(s *domain.Session) error {
		if err := checkMutable(s); err != nil {
			return err
		}
		now := r.now()
		s.ExpiresAt = now.Add(r.sessionTTL)
		s.LastAccessed = now
		return nil
	})
}

func (r *PostgresRepository) Revoke(ctx context.Context, id string, sc domain.Context) error {
	if err := validateID(id, sc); err != nil {
		return err
	}
	_, err := r.mutate(ctx, id, sc, func(s *domain.Session) error {
		s.Status = domain.StatusRevoked
		return nil
	})
	return err
}

func (r *PostgresRepository) List(ctx context.Context, sc domain.Context, f domain.Filter) ([]*domain.Session, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	where := []string{"tenant_id = $1", "expires_at >= $2"}
	args := []any{sc.TenantID, r.now()}
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("user_id", f.UserID)
	add("agent_id", f.AgentID)
	add("session_type", string(f.Type))
	add("status", string(f.Status))
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE `+
		strings.Join(where, " AND ")+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, pgErr("list sessions", err)
	}
	defer rows.Close()
	var out []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, pgErr("scan session", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, pgErr("list sessions", err)
	}
	return out, nil
}

func (r *PostgresRepository) CreateToken(ctx context.Context, sessionID, tokenType string, sc domain.Context) (*domain.Token, error) {
	sess, err := r.Get(ctx, sessionID, sc)
	if err != nil {
		return nil, err
	}
	if err := checkMutable(sess); err != nil {
		return nil, err
	}
	tok, err := r.mintToken(sess, tokenType)
	if err != nil {
		return nil, err
	}
	metadata, err := jsonColumn(tok.Metadata, "{}")
	if err != nil {
		return nil, err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO session_tokens
		(tenant_id, id, session_id, token_type, token_hash, created_at, expires_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tok.TenantID, tok.ID, tok.SessionID, tok.Type, tok.ValueHash, tok.CreatedAt, tok.ExpiresAt, metadata)
	if err != nil {
		return nil, pgErr("create token", err)
	}
	return tok, nil
}

func (r *PostgresRepository) ValidateToken(ctx context.Context, value string, sc domain.Context) (*domain.Session, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if err := r.issuer.Verify(value); err != nil {
		return nil, domain.ErrNotFound
	}
	var (
		tokenID, sessionID, storedHash string
		expiresAt                      time.Time
	)
	err := r.db.QueryRowContext(ctx, `SELECT id, session_id, token_hash, expires_at FROM session_tokens
		WHERE tenant_id = $1 AND token_hash = $2`, sc.TenantID, security.HashToken(value)).
		Scan(&tokenID, &sessionID, &storedHash, &expiresAt)
	if err != nil {
		return nil, pgErr("get token", err)
	}
	if !security.TokenHashEqual(value, storedHash) {
		return nil, domain.ErrNotFound
	}
	if r.now().After(expiresAt) {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM session_tokens WHERE tenant_id = $1 AND id = $2`,
			sc.TenantID, tokenID); err != nil {
			r.logger.Warn().Err(err).Str("token_id", tokenID).Msg("lazy token eviction failed")
		}
		return nil, domain.ErrNotFound
	}
	sess, err := r.Get(ctx, sessionID, sc)
	if err != nil {
		return nil, err
	}
	if !sess.Usable(r.now(), sc.TenantID) {
		return nil, domain.ErrNotFound
	}
	return sess, nil
}

func (r *PostgresRepository) RevokeToken(ctx context.Context, tokenID string, sc domain.Context) error {
	if err := validateID(tokenID, sc); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM session_tokens WHERE tenant_id = $1 AND id = $2`, sc.TenantID, tokenID)
	if err != nil {
		return pgErr("revoke token", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return pgErr("revoke token", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const analyticsColumns = `total_requests, successful_requests, failed_requests, security_events,
	response_time_total_us, last_activity`

func scanAnalytics(id string, row rowScanner) (*domain.Analytics, error) {
	a := &domain.Analytics{SessionID: id}
	var rtTotal int64
	if err := row.Scan(&a.TotalRequests, &a.SuccessfulRequests, &a.FailedRequests, &a.SecurityEvents,
		&rtTotal, &a.LastActivity); err != nil {
		return nil, err
	}
	a.LastActivity = a.LastActivity.UTC()
	if a.TotalRequests > 0 {
		a.AverageResponseTime = time.Duration(rtTotal) * time.Microsecond / time.Duration(a.TotalRequests)
	}
	return a, nil
}

func (r *PostgresRepository) Analytics(ctx context.Context, id string, sc domain.Context) (*domain.Analytics, error) {
	sess, err := r.Get(ctx, id, sc)
	if err != nil {
		return nil, err
	}
	a, err := scanAnalytics(id, r.db.QueryRowContext(ctx, `SELECT `+analyticsColumns+
		` FROM session_analytics WHERE tenant_id = $1 AND session_id = $2`, sc.TenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewAnalytics(id, sess.LastAccessed), nil
	}
	if err != nil {
		return nil, pgErr("get analytics", err)
	}
	return a, nil
}

func (r *PostgresRepository) RecordActivity(ctx context.Context, id string, act domain.Activity, sc domain.Context) (*domain.Analytics, error) {
	if err := validateID(id, sc); err != nil {
		return nil, err
	}
	now := r.now()
	if _, err := r.mutate(ctx, id, sc, func(s *domain.Session) error {
		if err := checkMutable(s); err != nil {
			return err
		}
		s.LastAccessed = now
		return nil
	}); err != nil {
		return nil, err
	}
	var ok, failed, sec int64
	if act.Success {
		ok = 1
	} else {
		failed = 1
	}
	if act.SecurityEvent {
		sec = 1
	}
	rt := max(act.ResponseTime, 0).Microseconds()
	a, err := scanAnalytics(id, r.db.QueryRowContext(ctx, `INSERT INTO session_analytics AS a
		(tenant_id, session_id, total_requests, successful_requests, failed_requests, security_events,
		 response_time_total_us, last_activity)
		VALUES ($1, $2, 1, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, session_id) DO UPDATE SET
			total_requests = a.total_requests + 1,
			successful_requests = a.successful_requests + EXCLUDED.successful_requests,
			failed_requests = a.failed_requests + EXCLUDED.failed_requests,
			security_events = a.security_events + EXCLUDED.security_events,
			response_time_total_us = a.response_time_total_us + EXCLUDED.response_time_total_us,
			last_activity = EXCLUDED.last_activity
		RETURNING `+analyticsColumns, sc.TenantID, id, ok, failed, sec, rt, now))
	if err != nil {
		return nil, pgErr("record activity", err)
	}
	return a, nil
}

func (r *PostgresRepository) HealthCheck(ctx context.Context) domain.Health {
	h := domain.CheckHealth(TypePostgres, r.now, func() error { return r.db.PingContext(ctx) })
	h.Details = map[string]string{"session_ttl": r.sessionTTL.String()}
	if h.Healthy() {
		stats := r.db.Stats()
		h.Details["open_connections"] = fmt.Sprint(stats.OpenConnections)
	}
	return h
}
