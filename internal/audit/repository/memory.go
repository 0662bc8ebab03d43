package repository

import (
	"context"
	"maps"
	"slices"
	"sync"

	"session-control-plane/backend/internal/audit/domain"
)

// MemoryRepository keeps audit logs in process. Used when no database is configured and in tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries []*domain.AuditLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Create(_ context.Context, a *domain.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, clone(a))
	return nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (*domain.AuditLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.ID == id {
			return clone(e), nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) ListByTenant(_ context.Context, tenantID string, limit, offset int32) ([]*domain.AuditLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.AuditLog
	for _, e := range slices.Backward(r.entries) {
		if e.TenantID == tenantID {
			out = append(out, clone(e))
		}
	}
	return page(out, limit, offset), nil
}

// Len returns the number of stored entries.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func page(in []*domain.AuditLog, limit, offset int32) []*domain.AuditLog {
	if offset < 0 {
		offset = 0
	}
	if int(offset) >= len(in) {
		return nil
	}
	in = in[offset:]
	if limit > 0 && int(limit) < len(in) {
		in = in[:limit]
	}
	return in
}

func clone(a *domain.AuditLog) *domain.AuditLog {
	out := *a
	out.Metadata = maps.Clone(a.Metadata)
	return &out
}
