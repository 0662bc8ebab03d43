package domain

import "time"

// Policy is a tenant-supplied Rego module for package session.access.
// Enabled policies for a tenant replace the built-in access policy for that tenant.
type Policy struct {
	ID        string
	TenantID  string
	Rules     string
	Enabled   bool
	CreatedAt time.Time
}
