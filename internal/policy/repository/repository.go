package repository

import (
	"context"

	"session-control-plane/backend/internal/policy/domain"
)

// Repository defines persistence for tenant access policies.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Policy, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*domain.Policy, error)
	// GetEnabledPoliciesByTenant returns only enabled policies, oldest first.
	GetEnabledPoliciesByTenant(ctx context.Context, tenantID string) ([]*domain.Policy, error)
	Create(ctx context.Context, p *domain.Policy) error
	Update(ctx context.Context, p *domain.Policy) error
}
