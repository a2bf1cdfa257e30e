package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"finguard/internal/app"
	"finguard/internal/config"
	"finguard/internal/db"
	"finguard/internal/domain"
	"finguard/internal/governance"
	"finguard/internal/repo"
	"finguard/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fg",
	Short: "finguard governance CLI",
	Long: `finguard gates mutations of financial planning data.
- Requests are checked by the rules configured for their action type; a blocking violation rejects them.
- Passing requests enter an approval workflow of ordered stages, each with an SLA and escalation tiers.
- Every transition is appended to a hash-chained audit ledger; 'fg audit verify' recomputes the chain.
- Terminal requests are committed or discarded by the collaborator exactly once.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(newLogger(cmd.ErrOrStderr(), viper.GetString("log-format"), viper.GetString("log-level")))
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FINGUARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/finguard.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("log-format", "text", "log format: text or json")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.StringSlice("roles", nil, "actor roles")
	flags.StringSlice("cost-centers", nil, "cost centers owned by the actor")
	for _, name := range []string{"workspace", "config", "json", "log-format", "log-level", "actor-id", "roles", "cost-centers"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(decideCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apiKeyCmd())
}

func newLogger(w io.Writer, format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if addr := viper.GetString("redis-addr"); addr != "" {
		cfg.Locks.Backend = "redis"
		cfg.Locks.Redis.Addr = addr
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Config:    cfg,
		Logger:    slog.Default(),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actorFromFlags() domain.Actor {
	return domain.Actor{
		ID:          viper.GetString("actor-id"),
		Roles:       viper.GetStringSlice("roles"),
		CostCenters: viper.GetStringSlice("cost-centers"),
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the background loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				secret := viper.GetString("jwt-secret")
				if secret == "" && !a.Config.Server.AllowDevHeaders {
					return fmt.Errorf("FINGUARD_JWT_SECRET is required for bearer auth")
				}
				addr := viper.GetString("addr")
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				handler, err := server.New(server.Config{
					Governance: a.Governance,
					APIKeys:    a.Repo,
					Metrics:    a.Metrics,
					BasePath:   a.Config.Server.BasePath,
					Auth: server.AuthConfig{
						JWTSecret:       secret,
						AllowDevHeaders: a.Config.Server.AllowDevHeaders,
					},
					RateLimit: server.RateLimitConfig{
						RPS:   a.Config.Server.RateLimit.RPS,
						Burst: a.Config.Server.RateLimit.Burst,
					},
				})
				if err != nil {
					return err
				}

				ctx, cancel := context.WithCancel(ctx)
				defer cancel()
				runErr := make(chan error, 1)
				go func() {
					runErr <- a.Governance.Run(ctx)
					cancel()
				}()

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
					defer stop()
					srv.Shutdown(shutdownCtx)
				}()
				slog.Info("serving finguard API", "addr", addr, "base_path", a.Config.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					cancel()
					<-runErr
					return err
				}
				cancel()
				return <-runErr
			})
		},
	}
	cmd.Flags().String("addr", "", "listen address (default server.addr)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().String("redis-addr", "", "use redis request locks at this address")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	_ = viper.BindPFlag("redis-addr", cmd.Flags().Lookup("redis-addr"))
	return cmd
}

// parsePayload accepts inline JSON or @path.
func parsePayload(raw string) (map[string]any, error) {
	data := []byte(raw)
	if path, ok := strings.CutPrefix(raw, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		data = b
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return payload, nil
}

func submitCmd() *cobra.Command {
	var id, action, payload string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a mutation for governance",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePayload(payload)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				decision, err := a.Governance.Submit(ctx, domain.GovernanceRequest{
					ID:         id,
					Actor:      actorFromFlags(),
					ActionType: action,
					Payload:    p,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(decision)
				}
				fmt.Printf("Request %s: %s\n", decision.RequestID, decision.Status)
				printViolations(decision.Violations)
				return decision.Err()
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "request id (generated when empty)")
	cmd.Flags().StringVar(&action, "action", "", "action type")
	cmd.Flags().StringVar(&payload, "payload", "{}", "payload as JSON or @file")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func decideCmd() *cobra.Command {
	var stage, decision, comment string
	cmd := &cobra.Command{
		Use:   "decide <request-id>",
		Short: "Approve or reject the current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := domain.Decision(strings.ToUpper(decision))
			if d != domain.DecisionApprove && d != domain.DecisionReject {
				return fmt.Errorf("--decision must be APPROVE or REJECT")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				inst, err := a.Governance.RecordDecision(ctx, args[0], stage, d, comment, actorFromFlags())
				if err != nil {
					return err
				}
				return printInstance(inst)
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "stage being decided")
	cmd.Flags().StringVar(&decision, "decision", "", "APPROVE or REJECT")
	cmd.Flags().StringVar(&comment, "comment", "", "comment")
	_ = cmd.MarkFlagRequired("stage")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func cancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Cancel an open request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				inst, err := a.Governance.Cancel(ctx, args[0], actorFromFlags(), reason)
				if err != nil {
					return err
				}
				return printInstance(inst)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <request-id>",
		Short: "Show a request with its workflow, timers and outbox state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Governance.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				printStatus(st)
				return nil
			})
		},
	}
	return cmd
}

func printStatus(st governance.RequestStatus) {
	fmt.Printf("Request: %s (%s) by %s at %s\n", st.Request.ID, st.Request.ActionType, st.Request.Actor.ID, st.Request.SubmittedAt)
	printViolations(st.Verdict.Violations)
	if st.Instance == nil {
		fmt.Println("Workflow: none (rejected by rules)")
		return
	}
	inst := *st.Instance
	fmt.Printf("Workflow: %s, tier %d\n", inst.Status, inst.EscalationTier)

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Stage", "Role", "SLA", "Decision", "Approver"})
	decided := map[string]domain.ApprovalDecision{}
	for _, d := range st.Decisions {
		decided[d.StageName] = d
	}
	for i, s := range inst.Stages {
		marker := fmt.Sprint(i)
		if i == inst.CurrentStageIndex && !inst.Status.Terminal() {
			marker += "*"
		}
		d := decided[s.Name]
		tw.AppendRow(table.Row{marker, s.Name, s.RequiredRole, time.Duration(s.SLASeconds) * time.Second, d.Decision, d.Approver})
	}
	tw.Render()

	if len(st.Timers) > 0 {
		fmt.Println("Timers:")
		for _, t := range st.Timers {
			fmt.Printf("  %s due %s (fired=%t, generation %d)\n", t.StageName, t.Deadline, t.Fired, t.Generation)
		}
	}
	if st.Action != nil {
		delivered := "pending"
		if st.Action.DeliveredAt != nil {
			delivered = "delivered " + *st.Action.DeliveredAt
		}
		fmt.Printf("Collaborator: %s %s (attempts %d)\n", st.Action.Action, delivered, st.Action.Attempts)
	}
}

func printViolations(vs []domain.Violation) {
	if len(vs) == 0 {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Rule", "Severity", "Message"})
	for _, v := range vs {
		tw.AppendRow(table.Row{v.RuleID, v.Severity, v.Message})
	}
	tw.Render()
}

func printInstance(inst domain.WorkflowInstance) error {
	if viper.GetBool("json") {
		return printJSON(inst)
	}
	stage := "-"
	if s, ok := inst.CurrentStage(); ok {
		stage = s.Name
	}
	fmt.Printf("Request %s: %s (stage %s, tier %d)\n", inst.RequestID, inst.Status, stage, inst.EscalationTier)
	return nil
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit ledger",
	}
	cmd.AddCommand(auditVerifyCmd())
	cmd.AddCommand(auditExportCmd())
	cmd.AddCommand(auditResumeCmd())
	return cmd
}

func auditVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute the hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Governance.Verify(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(report); err != nil {
						return err
					}
				} else if report.Valid {
					fmt.Printf("chain OK: %d entries, head %d %s\n", report.Entries, report.HeadSequence, report.HeadHash)
				}
				if !report.Valid {
					return fmt.Errorf("%w: broken at %d: %s", domain.ErrLedgerCorruption, report.BrokenAt, report.Reason)
				}
				return nil
			})
		},
	}
}

func auditResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Clear a ledger halt once the chain verifies again",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Governance.Resume(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("ledger resumed at sequence %d\n", report.HeadSequence)
				return nil
			})
		},
	}
}

func auditExportCmd() *cobra.Command {
	var after int64
	var limit int
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export entries ordered by sequence number",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Ledger.Export(ctx, after, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Event", "Recorded", "Payload hash"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.SequenceNo, e.EventType, e.RecordedAt, e.PayloadHash[:12]})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "export entries after this sequence number")
	cmd.Flags().IntVar(&limit, "limit", 100, "max entries")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long:  "Config holds the rules per action type, the approval workflows with their SLAs and escalation tiers, and the server, lock and collaborator settings.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprint(cmd.OutOrStdout(), config.GenerateDefault())
			return err
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func tokenCmd() *cobra.Command {
	var perms []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the acting identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), actorFromFlags(), perms, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&perms, "permissions", nil, "permissions, e.g. audit.read,audit.resume")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage collaborator API keys",
		Long:  "API keys let a collaborator service authenticate with X-Api-Key. The key is shown once; only its hash is stored.",
	}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyRevokeCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	var perms []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a key for the acting identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := actorFromFlags()
			secret := "fgk_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
			key := domain.APIKey{
				ID:          uuid.NewString(),
				ActorID:     actor.ID,
				Name:        name,
				KeyHash:     repo.HashAPIKey(secret),
				Roles:       actor.Roles,
				Permissions: perms,
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": secret})
				}
				fmt.Printf("API key %s for %s (store it now, it is not shown again):\n%s\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	cmd.Flags().StringSliceVar(&perms, "permissions", nil, "permissions, e.g. audit.read")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Roles", "Permissions", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, strings.Join(k.Roles, ","), strings.Join(k.Permissions, ","), k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "only keys of this actor")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
