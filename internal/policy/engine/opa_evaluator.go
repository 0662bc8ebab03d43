package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"session-control-plane/backend/internal/policy/repository"
	"session-control-plane/backend/internal/session/domain"
)

const decisionQuery = "data.session.access.decision"

// Default Rego policy. It is always evaluated; tenant policies can only deny more.
const defaultRegoPolicy = `package session.access

default allow := false

allow if count(deny) == 0

deny contains "tenant_mismatch" if {
	input.caller.tenant_id != input.session.tenant_id
}

deny contains "agent_mismatch" if {
	input.caller.agent_id != input.session.agent_id
}

deny contains "insufficient_security_level" if {
	input.session.security_rank < input.min_security_rank
}

decision := {"allow": allow, "reasons": sort(deny)}
`

// OPAEvaluator evaluates session access with OPA Rego. The default policy is compiled once;
// tenant policies are compiled per evaluation.
type OPAEvaluator struct {
	policyRepo repository.Repository
	minLevel   domain.SecurityLevel
	logger     zerolog.Logger

	once     sync.Once
	prepared rego.PreparedEvalQuery
	prepErr  error
}

var _ AccessEvaluator = (*OPAEvaluator)(nil)

// Option configures an OPAEvaluator.
type Option func(*OPAEvaluator)

// WithPolicyRepository enables tenant-specific policies.
func WithPolicyRepository(r repository.Repository) Option {
	return func(e *OPAEvaluator) { e.policyRepo = r }
}

// WithMinSecurityLevel sets the floor applied when an input does not carry its own.
func WithMinSecurityLevel(l domain.SecurityLevel) Option {
	return func(e *OPAEvaluator) { e.minLevel = l }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *OPAEvaluator) { e.logger = l }
}

// NewOPAEvaluator returns an OPA-based access evaluator.
func NewOPAEvaluator(opts ...Option) *OPAEvaluator {
	e := &OPAEvaluator{logger: zerolog.Nop()}
	for _, o := range opts {
		o(e)
	}
	e.logger = e.logger.With().Str("component", "policy").Logger()
	return e
}

// MinSecurityLevel returns the configured floor.
func (e *OPAEvaluator) MinSecurityLevel() domain.SecurityLevel { return e.minLevel }

func (e *OPAEvaluator) defaultQuery() (rego.PreparedEvalQuery, error) {
	e.once.Do(func() {
		e.prepared, e.prepErr = prepare(context.Background(), map[string]string{"policy_0.rego": defaultRegoPolicy})
	})
	return e.prepared, e.prepErr
}

func prepare(ctx context.Context, modules map[string]string) (rego.PreparedEvalQuery, error) {
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("compile policies: %w", err)
	}
	return rego.New(rego.Query(decisionQuery), rego.Compiler(compiler)).PrepareForEval(ctx)
}

// HealthCheck verifies that the in-process OPA engine can compile and evaluate the default policy.
// Does not call the policy repo. Returns nil on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	q, err := e.defaultQuery()
	if err != nil {
		return err
	}
	sess := &domain.Session{TenantID: "health", SecurityLevel: domain.SecurityHigh}
	_, err = eval(ctx, q, buildInput(AccessInput{Caller: domain.Context{TenantID: "health"}, Session: sess}, ""))
	return err
}

// EvaluateAccess evaluates the default policy and then the tenant's enabled policies, if any.
// Access is allowed only when every evaluated policy allows it; denial reasons are merged.
// A tenant policy that fails to load, compile or evaluate is skipped.
func (e *OPAEvaluator) EvaluateAccess(ctx context.Context, in AccessInput) (Decision, error) {
	if in.Session == nil {
		return Decision{}, errors.New("policy: session is required")
	}
	input := buildInput(in, e.minLevel)

	q, err := e.defaultQuery()
	if err != nil {
		return Decision{}, err
	}
	d, err := eval(ctx, q, input)
	if err != nil {
		return Decision{}, err
	}

	if tq, ok := e.tenantQuery(ctx, in.Caller.TenantID); ok {
		td, err := eval(ctx, tq, input)
		if err != nil {
			e.logger.Warn().Err(err).Str("tenant_id", in.Caller.TenantID).Msg("tenant policy evaluation failed, using default")
			return d, nil
		}
		d = merge(d, td)
	}
	return d, nil
}

// merge combines two decisions so that either one can deny.
func merge(a, b Decision) Decision {
	out := Decision{Allow: a.Allow && b.Allow}
	seen := make(map[string]bool, len(a.Reasons)+len(b.Reasons))
	for _, r := range append(append([]string(nil), a.Reasons...), b.Reasons...) {
		if !seen[r] {
			seen[r] = true
			out.Reasons = append(out.Reasons, r)
		}
	}
	sort.Strings(out.Reasons)
	if !out.Allow && len(out.Reasons) == 0 {
		out.Reasons = []string{ReasonTenantPolicy}
	}
	return out
}

func (e *OPAEvaluator) tenantQuery(ctx context.Context, tenantID string) (rego.PreparedEvalQuery, bool) {
	if e.policyRepo == nil || tenantID == "" {
		return rego.PreparedEvalQuery{}, false
	}
	policies, err := e.policyRepo.GetEnabledPoliciesByTenant(ctx, tenantID)
	if err != nil {
		e.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("failed to load tenant policies")
		return rego.PreparedEvalQuery{}, false
	}
	modules := make(map[string]string, len(policies))
	for i, p := range policies {
		if p.Enabled && p.Rules != "" {
			modules[fmt.Sprintf("policy_%d.rego", i)] = p.Rules
		}
	}
	if len(modules) == 0 {
		return rego.PreparedEvalQuery{}, false
	}
	q, err := prepare(ctx, modules)
	if err != nil {
		e.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("tenant policy does not compile")
		return rego.PreparedEvalQuery{}, false
	}
	return q, true
}

func buildInput(in AccessInput, floor domain.SecurityLevel) map[string]any {
	if in.MinSecurityLevel != "" {
		floor = in.MinSecurityLevel
	}
	s := in.Session
	return map[string]any{
		"operation": in.Operation,
		"caller": map[string]any{
			"tenant_id":   in.Caller.TenantID,
			"agent_id":    in.Caller.AgentID,
			"service_id":  in.Caller.ServiceID,
			"user_id":     in.Caller.UserID(),
			"environment": in.Caller.Environment,
			"region":      in.Caller.Region,
		},
		"session": map[string]any{
			"id":             s.ID,
			"tenant_id":      s.TenantID,
			"agent_id":       s.AgentID,
			"user_id":        s.UserID,
			"type":           string(s.Type),
			"status":         string(s.Status),
			"security_level": string(s.SecurityLevel),
			"security_rank":  s.SecurityLevel.Rank(),
		},
		"min_security_level": string(floor),
		"min_security_rank":  floor.Rank(),
	}
}

func eval(ctx context.Context, q rego.PreparedEvalQuery, input map[string]any) (Decision, error) {
	rs, err := q.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("eval policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{}, errors.New("policy query returned no result")
	}
	obj, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("policy decision has type %T", rs[0].Expressions[0].Value)
	}
	var d Decision
	d.Allow, _ = obj["allow"].(bool)
	if reasons, ok := obj["reasons"].([]any); ok {
		for _, r := range reasons {
			if s, ok := r.(string); ok {
				d.Reasons = append(d.Reasons, s)
			}
		}
	}
	return d, nil
}
