package service

import (
	"fmt"

	"session-control-plane/backend/internal/session/composition"
	"session-control-plane/backend/internal/session/domain"
)

// OperationKind is the closed set of agent activities ManageAgentSession can open a session for.
type OperationKind string

const (
	OperationLLM   OperationKind = "llm_session"
	OperationMCP   OperationKind = "mcp_session"
	OperationTool  OperationKind = "tool_session"
	OperationAgent OperationKind = "agent_session"
)

// ErrUnknownOperation is returned for operation kinds outside the closed set.
var ErrUnknownOperation = fmt.Errorf("%w: unknown operation", domain.ErrValidation)

// OperationKinds lists every supported kind.
func OperationKinds() []OperationKind {
	return []OperationKind{OperationLLM, OperationMCP, OperationTool, OperationAgent}
}

// ParseOperationKind returns ErrUnknownOperation for anything outside the closed set.
func ParseOperationKind(s string) (OperationKind, error) {
	k := OperationKind(s)
	if k.workflow() == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownOperation, s)
	}
	return k, nil
}

// workflow maps k to its composition template.
func (k OperationKind) workflow() string {
	switch k {
	case OperationLLM:
		return composition.WorkflowLLM
	case OperationMCP:
		return composition.WorkflowMCP
	case OperationTool:
		return composition.WorkflowTool
	case OperationAgent:
		return composition.WorkflowAgent
	}
	return ""
}
