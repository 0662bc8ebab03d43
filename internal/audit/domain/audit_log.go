package domain

import "time"

// AuditLog is one recorded failure or administrative action, scoped to a tenant.
type AuditLog struct {
	ID       string
	TenantID string
	// Actor is the user, agent or service that triggered the entry. Empty when unknown.
	Actor     string
	Action    string
	Resource  string
	IP        string
	Metadata  map[string]string
	CreatedAt time.Time
}
