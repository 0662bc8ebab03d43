package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	agentservice "session-control-plane/backend/internal/agent/service"
	"session-control-plane/backend/internal/app"
	"session-control-plane/backend/internal/session/domain"
)

type cli struct {
	out   io.Writer
	build func(context.Context) (*app.Stack, error)
	stack *app.Stack

	tenant, service, agent, user, env string
}

func (c *cli) caller() domain.Context {
	sc := domain.Context{TenantID: c.tenant, ServiceID: c.service, AgentID: c.agent, Environment: c.env}
	if c.user != "" {
		sc.Metadata = map[string]string{"user_id": c.user}
	}
	return sc
}

// connect builds the stack once per process and validates the caller flags.
func (c *cli) connect(cmd *cobra.Command) (*app.Stack, domain.Context, error) {
	sc := c.caller()
	if err := sc.Validate(); err != nil {
		return nil, sc, fmt.Errorf("--tenant: %w", err)
	}
	if c.stack == nil {
		st, err := c.build(cmd.Context())
		if err != nil {
			return nil, sc, err
		}
		c.stack = st
	}
	return c.stack, sc, nil
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withToken adds the minted token value, which result types never serialize on their own.
type withToken struct {
	Result any    `json:"result"`
	Token  string `json:"token,omitempty"`
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "sessionctl",
		Short:         "Inspect and manage tenant sessions",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(c.out)
	pf := root.PersistentFlags()
	pf.StringVar(&c.tenant, "tenant", "", "tenant id every operation is scoped to (required)")
	pf.StringVar(&c.service, "service", "sessionctl", "calling service id")
	pf.StringVar(&c.agent, "agent", "", "calling agent id")
	pf.StringVar(&c.user, "user", "", "principal asserted by the caller")
	pf.StringVar(&c.env, "env", "", "caller environment")

	root.AddCommand(
		createCmd(c), getCmd(c), validateCmd(c), refreshCmd(c), destroyCmd(c), revokeCmd(c), listCmd(c),
		tokenCmd(c), activityCmd(c), workflowCmd(c), assessCmd(c), metricsCmd(c), agentCmd(c),
	)
	return root
}

func createCmd(c *cli) *cobra.Command {
	var (
		typ, level string
		ttl        time.Duration
		tags       []string
		meta       map[string]string
		secure     bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session for --user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, sc, err := c.connect(cmd)
			if err != nil {
				return err
			}
			req := domain.CreateRequest{
				UserID: c.user, AgentID: c.agent, Type: domain.Type(typ),
				SecurityLevel: domain.SecurityLevel(level), TTL: ttl, Tags: tags, Metadata: meta,
			}
			if secure {
				res, err := st.Composition.CreateWithSecurity(cmd.Context(), sc, req, req.SecurityLevel)
				if res != nil {
					if perr := c.print(withToken{Result: res, Token: res.TokenValue}); perr != nil {
						return perr
					}
				}
				return err
			}
			sess, err := st.Sessions.Create(cmd.Context(), sc, req)
			if err != nil {
				return err
			}
			return c.print(sess)
		},
	}
	f := cmd.Flags()
	f.StringVar(&typ, "type", "", "session type (default user)")
	f.StringVar(&level, "level", "", "security level low|medium|high (default medium)")
	f.DurationVar(&ttl, "ttl", 0, "lifetime override")
	f.StringSliceVar(&tags, "tag", nil, "tag to attach, repeatable")
	f.StringToStringVar(&meta, "meta", nil, "metadata key=value pairs")
	f.BoolVar(&secure, "secure", false, "also mint an access token at the requested level")
	return cmd
}

func getCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, sc, err := c.connect(cmd)
			if err != nil {
				return err
			}
			sess, err := st.Sessions.Get(cmd.Context(), args[0], sc)
			if err != nil {
				return err
			}
			return c.print(sess)
		},
	}
}

func validateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <session-id>",
		Short: "Report whether a session is usable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, sc, err := c.connect(cmd)
			if err != nil {
				return err
			}
			valid, err := st.Sessions.Validate(cmd.Context(), args[0], sc)
			if err != nil {
				return err
			}
			return c.print(map[string]any{"session_id": args[0], "valid": valid})
		},
	}
}

func refreshCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <session-id>",
		Short: "Extend an active session by the configured TTL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, sc, err := c.connect(cmd)
			if err != nil {
				return err
			}
			sess, err := st.Sessions.Refresh(cmd.Context(), args[0], sc)
			if err != nil {
				return err
			}
			return c.print(sess)
		},
	}
}

func destroyCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <session-id>",
		Short: "Remove a session with its tokens and analytics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, sc, err := c.connect(cmd)
			if err != nil {
				return err
			}
			outcome, err := st.Sessions.Destroy(cmd.Context(), args[0], sc)
			if err != nil {
				return err
			}
			return c.print(map[string]any{"session_id": args[0], "outcome": outcome.String()})
		},
	}
}

func revokeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <session-id>",
		Short: "Revoke a session, keeping the record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, sc, err := c.connect(cmd)
			if err != nil {
				return err
			}
			if err := st.Sessions.Revoke(cmd.Context(), args[0], sc); err != nil {
				return err
			}
			return c.print(map[string]any{"session_id": args[0], "status": domain.StatusRevoked})
		},
	}
}

func listCmd(c *cli) *cobra.Command {
	var f domain.Filter
	var typ, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the tenant's sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, sc, err := c.connect(cmd)
			if err != nil {
				return err
			}
			f.Type, f.Status = domain.Type(typ), domain.Status(status)
			out, err := st.Sessions.List(cmd.Context(), sc, f)
			if err != nil {
				return err
			}
			return c.print(out)
		},
	}
	cmd.Flags().StringVar(&f.UserID, "filter-user", "", "only sessions for this user")
	cmd.Flags().StringVar(&f.AgentID, "filter-agent", "", "only sessions for this agent")
	cmd.Flags().StringVar(&typ, "type", "", "only sessions of this type")
	cmd.Flags().StringVar(&status, "status", "", "only sessions in this status")
	return cmd
}

func tokenCmd(c *cli) *cobra.Command {
	var typ string
	cmd := &cobra.Command{
		Use:   "token <session-id>",
		Short: "Mint a token for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, sc, err := c.connect(cmd)
			if err != nil {
				return err
			}
			tok, err := st.Sessions.CreateToken(cmd.Context(), args[0], typ, sc)
			if err != nil {
				return err
			}
			return c.print(withToken{Result: tok, Token: tok.Value})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "access", "token type")

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <token-id>",
		Short: "Revoke one token; its session stays usable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, sc, err := c.connect(cmd)
			if err != nil {
				return err
			}
			if err := st.Sessions.RevokeToken(cmd.Context(), args[0], sc); err != nil {
				return err
			}
			return c.print(map[string]any{"token_id": args[0], "revoked": true})
		},
	})
	return cmd
}

func activityCmd(c *cli) *cobra.Command {
	var act domain.Activity
	cmd := &cobra.Command{
		Use:   "activity <session-id>",
		Short: "Record one request against a session and show its analytics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, sc, err := c.connect(cmd)
			if err != nil {
				return err
			}
			a, err := st.Sessions.RecordActivity(cmd.Context(), args[0], act, sc)
			if err != nil {
				return err
			}
			return c.print(a)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&act.Success, "success", true, "whether the request succeeded")
	f.DurationVar(&act.ResponseTime, "response-time", 0, "observed response time")
	f.BoolVar(&act.SecurityEvent, "security-event", false, "count the request as a security event")
	return cmd
}

func workflowCmd(c *cli) *cobra.Command {
	var level string
	cmd := &cobra.Command{
		Use:   "workflow [name]",
		Short: "Run a named workflow, or list workflows when no name is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, sc, err := c.connect(cmd)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				return c.print(st.Composition.Registry().Names())
			}
			var overrides *domain.CreateRequest
			if level != "" {
				overrides = &domain.CreateRequest{SecurityLevel: domain.SecurityLevel(level)}
			}
			res, err := st.Composition.Orchestrate(cmd.Context(), args[0], sc, overrides)
			if res != nil {
				if perr := c.print(withToken{Result: res, Token: res.TokenValue}); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&level, "level", "", "override the workflow's security level")
	return cmd
}

func assessCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "assess <session-id>",
		Short: "Grade a session from its analytics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, sc, err := c.connect(cmd)
			if err != nil {
				return err
			}
			a, err := st.Composition.Assess(cmd.Context(), args[0], sc)
			if err != nil {
				return err
			}
			return c.print(a)
		},
	}
}

func metricsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show adapter health and available workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, _, err := c.connect(cmd)
			if err != nil {
				return err
			}
			m, err := st.Composition.Metrics(cmd.Context())
			if err != nil {
				return err
			}
			return c.print(m)
		},
	}
}

var errNoAgent = errors.New("--agent is required")

func agentCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "Agent-scoped session operations"}

	var typ, level string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a session for --agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.agent == "" {
				return errNoAgent
			}
			st, sc, err := c.connect(cmd)
			if err != nil {
				return err
			}
			res, err := st.Agents.CreateAgentSession(cmd.Context(), c.agent, sc, domain.Type(typ), domain.SecurityLevel(level))
			if res != nil {
				if perr := c.print(withToken{Result: res, Token: res.TokenValue}); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	create.Flags().StringVar(&typ, "type", string(domain.TypeAgent), "session type")
	create.Flags().StringVar(&level, "level", "", "security level (default high)")

	validate := &cobra.Command{
		Use:   "validate <session-id>",
		Short: "Report whether --agent may use a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.agent == "" {
				return errNoAgent
			}
			st, sc, err := c.connect(cmd)
			if err != nil {
				return err
			}
			valid, err := st.Agents.ValidateAgentSession(cmd.Context(), args[0], c.agent, sc)
			if err != nil {
				return err
			}
			return c.print(map[string]any{"session_id": args[0], "agent_id": c.agent, "valid": valid})
		},
	}

	manage := &cobra.Command{
		Use:   "manage <llm_session|mcp_session|tool_session|agent_session>",
		Short: "Run an agent workflow for --agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.agent == "" {
				return errNoAgent
			}
			kind, err := agentservice.ParseOperationKind(args[0])
			if err != nil {
				return err
			}
			st, sc, err := c.connect(cmd)
			if err != nil {
				return err
			}
			res, err := st.Agents.ManageAgentSession(cmd.Context(), kind, sc, nil)
			if res != nil {
				if perr := c.print(withToken{Result: res, Token: res.TokenValue}); perr != nil {
					return perr
				}
			}
			return err
		},
	}

	analytics := &cobra.Command{
		Use:   "analytics <session-id>",
		Short: "Score an agent session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.agent == "" {
				return errNoAgent
			}
			st, sc, err := c.connect(cmd)
			if err != nil {
				return err
			}
			a, err := st.Agents.AgentSessionAnalytics(cmd.Context(), args[0], c.agent, sc)
			if err != nil {
				return err
			}
			return c.print(a)
		},
	}

	refresh := &cobra.Command{
		Use:   "refresh <session-id>",
		Short: "Extend a session owned by --agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.agent == "" {
				return errNoAgent
			}
			st, sc, err := c.connect(cmd)
			if err != nil {
				return err
			}
			sess, err := st.Agents.RefreshAgentSession(cmd.Context(), args[0], c.agent, sc)
			if err != nil {
				return err
			}
			return c.print(sess)
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <session-id>",
		Short: "Revoke a session owned by --agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.agent == "" {
				return errNoAgent
			}
			st, sc, err := c.connect(cmd)
			if err != nil {
				return err
			}
			if err := st.Agents.RevokeAgentSession(cmd.Context(), args[0], c.agent, sc); err != nil {
				return err
			}
			return c.print(map[string]any{"session_id": args[0], "agent_id": c.agent, "status": domain.StatusRevoked})
		},
	}

	cmd.AddCommand(create, validate, manage, analytics, refresh, revoke)
	return cmd
}
