package composition

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"session-control-plane/backend/internal/session/domain"
)

// Workflow template names.
const (
	WorkflowUser          = "user_session"
	WorkflowLLM           = "llm_session"
	WorkflowMCP           = "mcp_session"
	WorkflowTool          = "tool_session"
	WorkflowAgent         = "agent_session"
	WorkflowComprehensive = "comprehensive_session"
	WorkflowAPI           = "api_session"
	WorkflowWeb           = "web_session"
	WorkflowMobile        = "mobile_session"
)

// ErrUnknownWorkflow is returned when a workflow name is not in the registry.
var ErrUnknownWorkflow = fmt.Errorf("%w: unknown workflow", domain.ErrValidation)

// Workflow is a fixed recipe for creating a session: its default type and tier plus the
// metadata every session created from it carries.
type Workflow struct {
	Name          string
	Type          domain.Type
	SecurityLevel domain.SecurityLevel
	// OperationType is stamped as operation_type metadata when set.
	OperationType    string
	IncludeAnalytics bool
	Metadata         map[string]string
}

func (w Workflow) validate() error {
	if w.Name == "" {
		return errors.New("composition: workflow name is required")
	}
	if !w.Type.Valid() {
		return fmt.Errorf("composition: workflow %s: unknown session type %q", w.Name, w.Type)
	}
	if !w.SecurityLevel.Valid() {
		return fmt.Errorf("composition: workflow %s: unknown security level %q", w.Name, w.SecurityLevel)
	}
	return nil
}

// request builds the create request for sc. Non-zero override fields win over the template,
// and override metadata is layered over the template's.
func (w Workflow) request(sc domain.Context, overrides *domain.CreateRequest) domain.CreateRequest {
	req := domain.CreateRequest{UserID: sc.UserID(), AgentID: sc.AgentID}
	if overrides != nil {
		req = *overrides
		req.Tags = slices.Clone(overrides.Tags)
		if req.UserID == "" && req.AgentID == "" {
			req.UserID, req.AgentID = sc.UserID(), sc.AgentID
		}
	}
	if req.Type == "" {
		req.Type = w.Type
	}
	if req.SecurityLevel == "" {
		req.SecurityLevel = w.SecurityLevel
	}

	md := maps.Clone(w.Metadata)
	if md == nil {
		md = make(map[string]string)
	}
	if overrides != nil {
		maps.Copy(md, overrides.Metadata)
	}
	md["workflow"] = w.Name
	if w.OperationType != "" {
		md["operation_type"] = w.OperationType
	}
	req.Metadata = md
	return req
}

// Registry is the immutable catalogue of workflow templates.
type Registry struct {
	workflows map[string]Workflow
}

// NewRegistry builds a registry from ws. Names must be unique.
func NewRegistry(ws ...Workflow) (*Registry, error) {
	r := &Registry{workflows: make(map[string]Workflow, len(ws))}
	for _, w := range ws {
		if err := w.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.workflows[w.Name]; dup {
			return nil, fmt.Errorf("composition: duplicate workflow %s", w.Name)
		}
		w.Metadata = maps.Clone(w.Metadata)
		r.workflows[w.Name] = w
	}
	return r, nil
}

// DefaultRegistry returns the built-in workflow catalogue.
func DefaultRegistry() *Registry {
	agent := func(name, op string) Workflow {
		return Workflow{Name: name, Type: domain.TypeAgent, SecurityLevel: domain.SecurityHigh, OperationType: op}
	}
	ws := []Workflow{
		{Name: WorkflowUser, Type: domain.TypeUser, SecurityLevel: domain.SecurityMedium},
		agent(WorkflowLLM, "llm"),
		agent(WorkflowMCP, "mcp"),
		agent(WorkflowTool, "tool"),
		agent(WorkflowAgent, "agent"),
		{Name: WorkflowComprehensive, Type: domain.TypeUser, SecurityLevel: domain.SecurityHigh, IncludeAnalytics: true},
		{Name: WorkflowAPI, Type: domain.TypeAPI, SecurityLevel: domain.SecurityHigh},
		{Name: WorkflowWeb, Type: domain.TypeWeb, SecurityLevel: domain.SecurityMedium},
		{Name: WorkflowMobile, Type: domain.TypeMobile, SecurityLevel: domain.SecurityHigh},
	}
	r := &Registry{workflows: make(map[string]Workflow, len(ws))}
	for _, w := range ws {
		r.workflows[w.Name] = w
	}
	return r
}

// Lookup returns the named workflow or ErrUnknownWorkflow.
func (r *Registry) Lookup(name string) (Workflow, error) {
	w, ok := r.workflows[name]
	if !ok {
		return Workflow{}, fmt.Errorf("%w: %q", ErrUnknownWorkflow, name)
	}
	w.Metadata = maps.Clone(w.Metadata)
	return w, nil
}

// Names returns the workflow names in sorted order.
func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.workflows))
}

func (r *Registry) Len() int { return len(r.workflows) }
