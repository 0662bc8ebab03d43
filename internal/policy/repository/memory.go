package repository

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sync"

	"session-control-plane/backend/internal/policy/domain"
)

// MemoryRepository keeps policies in process. Used when no database is configured and in tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	policies []*domain.Policy
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*domain.Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.policies {
		if p.ID == id {
			c := *p
			return &c, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) ListByTenant(ctx context.Context, tenantID string) ([]*domain.Policy, error) {
	return r.filter(func(p *domain.Policy) bool { return p.TenantID == tenantID }), nil
}

func (r *MemoryRepository) GetEnabledPoliciesByTenant(ctx context.Context, tenantID string) ([]*domain.Policy, error) {
	return r.filter(func(p *domain.Policy) bool { return p.TenantID == tenantID && p.Enabled }), nil
}

func (r *MemoryRepository) filter(keep func(*domain.Policy) bool) []*domain.Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Policy
	for _, p := range r.policies {
		if keep(p) {
			c := *p
			out = append(out, &c)
		}
	}
	return out
}

func (r *MemoryRepository) Create(ctx context.Context, p *domain.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.ContainsFunc(r.policies, func(e *domain.Policy) bool { return e.ID == p.ID }) {
		return fmt.Errorf("policy %s already exists", p.ID)
	}
	c := *p
	r.policies = append(r.policies, &c)
	return nil
}

func (r *MemoryRepository) Update(ctx context.Context, p *domain.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.policies {
		if e.ID == p.ID {
			e.Rules, e.Enabled = p.Rules, p.Enabled
			return nil
		}
	}
	return fmt.Errorf("policy %s: %w", p.ID, sql.ErrNoRows)
}
