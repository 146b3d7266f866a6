package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/config"
	"github.com/haasonsaas/conductor/internal/mcp"
)

// =============================================================================
// run
// =============================================================================

type runOptions struct {
	strategy         string
	userID           string
	maxSteps         int
	metricsAddr      string
	verbose          bool
	watch            bool
	requireApproval  bool
	autoApprove      bool
	autoApproveTools []string
}

func buildRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start an interactive conversation",
		Long: `Start a conversation on the terminal.

Each line you type starts a run. Tool calls that need approval are shown
as prompts; answer y, n, or "e {...}" to approve with edited arguments.
Press Ctrl-C once to stop a run after its current step, twice to cancel it.

When input is piped, each line is processed in turn and any approval or
input request is refused.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.strategy, "strategy", "", "Loop strategy for this conversation (agentic, act, think_act, react)")
	cmd.Flags().StringVar(&opts.userID, "user", "", "Acting user id (default: $USER)")
	cmd.Flags().IntVar(&opts.maxSteps, "max-steps", 0, "Step limit per run (default from config)")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Show loop phases and tool progress")
	cmd.Flags().BoolVar(&opts.watch, "watch", true, "Reload the approval policy when the config file changes")
	cmd.Flags().BoolVar(&opts.requireApproval, "require-approval", false, "Confirm every tool call")
	cmd.Flags().BoolVar(&opts.autoApprove, "auto-approve", false, "Skip confirmation for calls the policy does not force")
	cmd.Flags().StringSliceVar(&opts.autoApproveTools, "auto-approve-tool", nil, "Qualified tool name to skip confirmation for (repeatable)")
	return cmd
}

func runChat(cmd *cobra.Command, opts runOptions) error {
	path := resolveConfigPath(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if opts.strategy != "" {
		if _, err := agent.ParseStrategyKind(opts.strategy); err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx, cfg, runtimeOptions{metricsAddr: opts.metricsAddr, withProvider: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	if opts.watch {
		go func() {
			err := config.Watch(ctx, path, config.WatchOptions{Logger: rt.logger}, func(next *config.Config) {
				policy := next.Approval.ApprovalPolicy
				rt.orch.SetApprovalPolicy(&policy)
				rt.logger.Info("approval policy reloaded", "force_all", policy.ForceAll, "require_by_default", policy.RequireByDefault)
			})
			if err != nil {
				rt.logger.Warn("config watch stopped", "error", err)
			}
		}()
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	identity := agent.Identity{UserID: resolveUser(opts.userID)}
	session := &chatSession{
		orch:     rt.orch,
		tools:    rt.registry,
		identity: identity,
		prefs: agent.Preferences{
			RequireApproval:  opts.requireApproval,
			AutoApprove:      opts.autoApprove,
			AutoApproveTools: opts.autoApproveTools,
		},
		strategy:    opts.strategy,
		maxSteps:    opts.maxSteps,
		interactive: term.IsTerminal(int(os.Stdin.Fd())),
		verbose:     opts.verbose,
		metrics:     rt.metrics,
		logger:      rt.logger,
		in:          cmd.InOrStdin(),
		out:         &syncWriter{w: cmd.OutOrStdout()},
		interrupts:  interrupts,
	}
	if cfg.Audit.Enabled {
		session.audit = rt.audit.Sink(identity.UserID)
	}
	return session.Run(ctx)
}

func resolveUser(userID string) string {
	if id := strings.TrimSpace(userID); id != "" {
		return id
	}
	if id := strings.TrimSpace(os.Getenv("USER")); id != "" {
		return id
	}
	return "local"
}

// =============================================================================
// tools
// =============================================================================

func buildToolsCmd() *cobra.Command {
	var (
		userID  string
		servers []string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Connect to the configured tool servers and list their functions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd.Context(), cfg, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			identity := agent.Identity{UserID: resolveUser(userID), AuthorizedServers: servers}
			return printTools(cmd, rt.registry, identity, asJSON)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Acting user id (default: $USER)")
	cmd.Flags().StringSliceVar(&servers, "server", nil, "Only show these servers (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print status and catalog as JSON")
	return cmd
}

func printTools(cmd *cobra.Command, registry *mcp.Registry, identity agent.Identity, asJSON bool) error {
	statuses := registry.Status()
	catalog := registry.Catalog(identity)
	out := cmd.OutOrStdout()

	if asJSON {
		payload := struct {
			Servers []mcp.SessionStatus  `json:"servers"`
			Catalog []agent.CatalogEntry `json:"catalog"`
		}{statuses, catalog}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}

	if len(statuses) == 0 {
		fmt.Fprintln(out, "No tool servers configured.")
		return nil
	}
	fmt.Fprintln(out, "Tool servers:")
	for _, st := range statuses {
		fmt.Fprintf(out, "  %s (%s) - %s", st.Name, st.Transport, st.State)
		if st.LastError != "" {
			fmt.Fprintf(out, " [%s]", st.LastError)
		}
		fmt.Fprintln(out)
	}
	for _, entry := range catalog {
		fmt.Fprintf(out, "\n%s:\n", entry.Server)
		for _, fn := range entry.Functions {
			fmt.Fprintf(out, "  %s  %s\n", fn.Name, firstLine(fn.Description))
		}
	}
	return nil
}

// =============================================================================
// config
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration file",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(configPath)
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			kind, _ := agent.ParseStrategyKind(cfg.Agent.Strategy)
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid: provider %s, strategy %s, %d tool server(s)\n",
				path, cfg.LLM.Provider, kind, len(cfg.MCP.Servers))
			return nil
		},
	}
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema for the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return err
		},
	}
}
