package db

import "embed"

// MigrationFS holds the schema for sessions, tokens, analytics and audit logs.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
