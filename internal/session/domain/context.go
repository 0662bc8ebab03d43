package domain

// Context identifies the caller of a session operation. It is built per call and never persisted.
type Context struct {
	ServiceID   string
	AgentID     string
	TenantID    string
	Environment string
	Region      string
	Metadata    map[string]string
}

// Validate checks the fields every operation depends on.
func (c Context) Validate() error {
	if c.TenantID == "" {
		return Invalid("tenant_id is required")
	}
	return nil
}

// UserID returns the principal the caller asserted in metadata, if any.
func (c Context) UserID() string {
	return c.Metadata["user_id"]
}

// WithAgent returns a copy of c scoped to agentID.
func (c Context) WithAgent(agentID string) Context {
	c.AgentID = agentID
	return c
}
