package repository

import (
	"context"

	"session-control-plane/backend/internal/audit/domain"
)

// Repository defines persistence for audit logs.
type Repository interface {
	// GetByID returns nil, nil when no entry has id.
	GetByID(ctx context.Context, id string) (*domain.AuditLog, error)
	// ListByTenant returns newest entries first.
	ListByTenant(ctx context.Context, tenantID string, limit, offset int32) ([]*domain.AuditLog, error)
	Create(ctx context.Context, a *domain.AuditLog) error
}
