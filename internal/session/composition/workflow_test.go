package composition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-control-plane/backend/internal/session/domain"
)

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{
		WorkflowAgent, WorkflowAPI, WorkflowComprehensive, WorkflowLLM, WorkflowMCP,
		WorkflowMobile, WorkflowTool, WorkflowUser, WorkflowWeb,
	}, r.Names())

	w, err := r.Lookup(WorkflowMobile)
	require.NoError(t, err)
	assert.Equal(t, domain.TypeMobile, w.Type)
	assert.Equal(t, domain.SecurityHigh, w.SecurityLevel)

	_, err = r.Lookup("nope")
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestNewRegistry_Rejects(t *testing.T) {
	ok := Workflow{Name: "a", Type: domain.TypeUser, SecurityLevel: domain.SecurityLow}

	_, err := NewRegistry(ok, ok)
	assert.Error(t, err, "duplicate")
	_, err = NewRegistry(Workflow{Type: domain.TypeUser, SecurityLevel: domain.SecurityLow})
	assert.Error(t, err, "no name")
	_, err = NewRegistry(Workflow{Name: "b", Type: "robot", SecurityLevel: domain.SecurityLow})
	assert.Error(t, err)
	_, err = NewRegistry(Workflow{Name: "c", Type: domain.TypeUser, SecurityLevel: "max"})
	assert.Error(t, err)

	r, err := NewRegistry(ok)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())
}

func TestWorkflow_RequestFromContext(t *testing.T) {
	w := Workflow{Name: "custom", Type: domain.TypeService, SecurityLevel: domain.SecurityLow, OperationType: "batch",
		Metadata: map[string]string{"team": "ops"}}
	sc := domain.Context{TenantID: "t", AgentID: "a1", Metadata: map[string]string{"user_id": "u1"}}

	req := w.request(sc, nil)
	assert.Equal(t, "u1", req.UserID)
	assert.Equal(t, "a1", req.AgentID)
	assert.Equal(t, domain.TypeService, req.Type)
	assert.Equal(t, domain.SecurityLow, req.SecurityLevel)
	assert.Equal(t, map[string]string{"team": "ops", "workflow": "custom", "operation_type": "batch"}, req.Metadata)

	req.Metadata["team"] = "changed"
	assert.Equal(t, "ops", w.Metadata["team"], "template metadata is not aliased")
}
