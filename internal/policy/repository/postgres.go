package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"session-control-plane/backend/internal/policy/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a policy repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const policyColumns = `id, tenant_id, rules, enabled, created_at`

// GetByID returns the policy for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Policy, error) {
	p, err := scanPolicy(r.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM access_policies WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ListByTenant returns all policies for the given tenant. Returns (nil, error) only on database errors.
func (r *PostgresRepository) ListByTenant(ctx context.Context, tenantID string) ([]*domain.Policy, error) {
	return r.list(ctx, `SELECT `+policyColumns+` FROM access_policies WHERE tenant_id = $1 ORDER BY created_at, id`, tenantID)
}

func (r *PostgresRepository) GetEnabledPoliciesByTenant(ctx context.Context, tenantID string) ([]*domain.Policy, error) {
	return r.list(ctx, `SELECT `+policyColumns+` FROM access_policies
		WHERE tenant_id = $1 AND enabled ORDER BY created_at, id`, tenantID)
}

func (r *PostgresRepository) list(ctx context.Context, query, tenantID string) ([]*domain.Policy, error) {
	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Create persists the policy to the database. The policy must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, p *domain.Policy) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO access_policies (`+policyColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.TenantID, p.Rules, p.Enabled, p.CreatedAt)
	return err
}

// Update replaces the rules and enabled flag of an existing policy.
func (r *PostgresRepository) Update(ctx context.Context, p *domain.Policy) error {
	res, err := r.db.ExecContext(ctx, `UPDATE access_policies SET rules = $2, enabled = $3 WHERE id = $1`,
		p.ID, p.Rules, p.Enabled)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("policy %s: %w", p.ID, sql.ErrNoRows)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*domain.Policy, error) {
	var p domain.Policy
	if err := row.Scan(&p.ID, &p.TenantID, &p.Rules, &p.Enabled, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}
