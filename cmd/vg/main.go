package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"venturegate/internal/app"
	"venturegate/internal/checkpoint"
	"venturegate/internal/config"
	"venturegate/internal/db"
	"venturegate/internal/domain"
	"venturegate/internal/repo"
	"venturegate/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "vg",
	Short: "Venturegate CLI",
	Long: `Venturegate validates startup ideas through a five-phase evidence pipeline.
A run moves PHASE_1A (founder's brief) -> PHASE_1B (customer discovery) ->
PHASE_2 (desirability) -> PHASE_3 (feasibility) -> PHASE_4 (viability).
Every phase pauses at a human checkpoint; the three later phases are gated
on evidence thresholds and can recommend pivots. Nothing advances without
an explicit approve, reject, or regenerate from you.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("VENTUREGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Manage validation runs",
		Long:  "A run carries one idea through the validation pipeline. It pauses at checkpoints for your decision and ends with proceed, pivot, or stop.",
	}
	run.AddCommand(runCreateCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runStateCmd())
	run.AddCommand(runAdvanceCmd())
	run.AddCommand(runCancelCmd())
	run.AddCommand(runRetryCmd())
	return run
}

func runCreateCmd() *cobra.Command {
	var idea, owner string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a validation run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if idea == "" {
				return fmt.Errorf("--idea required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if owner == "" {
					owner = viper.GetString("actor-id")
				}
				run, err := a.Engine.CreateRun(ctx, owner, idea)
				if err != nil {
					return err
				}
				a.Supervisor.Wait()
				run, err = a.Engine.GetRun(ctx, run.ID)
				if err != nil {
					return err
				}
				return printRun(run)
			})
		},
	}
	cmd.Flags().StringVar(&idea, "idea", "", "the startup idea to validate")
	cmd.Flags().StringVar(&owner, "owner", "", "owner id (defaults to --actor-id)")
	_ = cmd.MarkFlagRequired("idea")
	return cmd
}

func runListCmd() *cobra.Command {
	var status, owner string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List validation runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runs, err := a.Engine.ListRuns(ctx, repo.RunFilters{OwnerID: owner, Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "State", "Status", "HITL", "Decision", "Caution", "Idea"})
				for _, r := range runs {
					decision := ""
					if r.FinalDecision != nil {
						decision = *r.FinalDecision
					}
					t.AppendRow(table.Row{r.ID, r.State, r.Status, r.HITLState, decision, r.Caution, truncate(r.Idea, 48)})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&owner, "owner", "", "owner filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Engine.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printRun(run)
			})
		},
	}
	return cmd
}

func runStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state <id>",
		Short: "Show a run's accumulated evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Engine.PhaseState(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]json.RawMessage{}
				for _, e := range entries {
					out[e.Key] = json.RawMessage(e.Payload)
				}
				return printJSON(out)
			})
		},
	}
	return cmd
}

func runAdvanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance <id>",
		Short: "Drive one orchestration step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				// Steps go through the supervisor so they coalesce with any
				// in-flight work on the same run.
				a.Supervisor.Submit(ctx, args[0])
				a.Supervisor.Wait()
				run, err := a.Engine.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printRun(run)
			})
		},
	}
	return cmd
}

func runCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Archive a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Engine.CancelRun(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printRun(run)
			})
		},
	}
	return cmd
}

func runRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Return a failed run to running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Engine.Retry(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				a.Supervisor.Wait()
				run, err = a.Engine.GetRun(ctx, run.ID)
				if err != nil {
					return err
				}
				return printRun(run)
			})
		},
	}
	return cmd
}

func checkpointCmd() *cobra.Command {
	cp := &cobra.Command{
		Use:   "checkpoint",
		Short: "Review and resolve checkpoints",
		Long:  "Checkpoints are where the pipeline waits for you. Approve to continue (optionally with --edit corrections), reject with --feedback to redo the step, or regenerate to redo it unchanged.",
	}
	cp.AddCommand(checkpointListCmd())
	cp.AddCommand(checkpointShowCmd())
	cp.AddCommand(checkpointResolveCmd("approve", "Approve a pending checkpoint", checkpoint.OutcomeApprove))
	cp.AddCommand(checkpointResolveCmd("reject", "Reject a pending checkpoint with feedback", checkpoint.OutcomeReject))
	cp.AddCommand(checkpointResolveCmd("regenerate", "Re-run the step behind a pending checkpoint", checkpoint.OutcomeRegenerate))
	return cp
}

func checkpointListCmd() *cobra.Command {
	var runID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListCheckpoints(ctx, repo.CheckpointFilters{RunID: runID, Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Run", "Type", "Status", "Created"})
				for _, cp := range items {
					t.AppendRow(table.Row{cp.ID, cp.RunID, cp.Type, cp.Status, cp.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, approved, rejected)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func checkpointShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cp, err := a.Engine.Repo.GetCheckpoint(ctx, args[0])
				if err != nil {
					return err
				}
				return printCheckpoint(cp)
			})
		},
	}
	return cmd
}

func checkpointResolveCmd(use, short string, kind checkpoint.OutcomeKind) *cobra.Command {
	var feedback string
	var edits []string
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsedEdits, err := parseEdits(edits)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out := checkpoint.Outcome{
					Kind:     kind,
					ActorID:  viper.GetString("actor-id"),
					Feedback: feedback,
					Edits:    parsedEdits,
				}
				resolution, run, err := a.Engine.ResolveCheckpoint(ctx, args[0], out)
				if err != nil {
					return err
				}
				a.Supervisor.Wait()
				run, err = a.Engine.GetRun(ctx, run.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"checkpoint": resolution.Checkpoint,
						"run":        run,
						"duplicate":  resolution.Duplicate,
					})
				}
				note := fmt.Sprintf("checkpoint %s: %s", resolution.Checkpoint.ID, resolution.Checkpoint.Status)
				if resolution.Duplicate {
					note += " (duplicate delivery; original resolution shown)"
				}
				fmt.Println(note)
				return printRun(run)
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "feedback for the crew (required for reject)")
	if kind == checkpoint.OutcomeApprove {
		cmd.Flags().StringArrayVar(&edits, "edit", []string{}, "field correction path=json-value (repeatable)")
	}
	return cmd
}

// parseEdits turns repeated path=value flags into an edits map. Values are
// JSON; bare words fall back to strings so --edit summary=better works.
func parseEdits(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	edits := make(map[string]any, len(raw))
	for _, item := range raw {
		path, value, ok := strings.Cut(item, "=")
		if !ok || strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("invalid --edit %q: want path=value", item)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		edits[strings.TrimSpace(path)] = parsed
	}
	return edits, nil
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default venturegate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var runID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.LatestEvents(ctx, n, runID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"TS", "Type", "Run", "Actor", "Payload"})
				for _, e := range events {
					t.AppendRow(table.Row{e.TS, e.Type, e.RunID, e.ActorID, truncate(e.Payload, 48)})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&runID, "run", "", "run id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				secret := a.Config.Server.JWTSecret
				if env := os.Getenv("VENTUREGATE_JWT_SECRET"); env != "" {
					secret = env
				}
				authCfg := server.AuthConfig{JWTSecret: secret}
				if secret == "" {
					fmt.Println("WARNING: no JWT secret configured; accepting X-Actor-Id without auth")
					authCfg.AllowLegacyActorHeader = true
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				supCtx, stopSup := context.WithCancel(ctx)
				defer stopSup()
				go a.Supervisor.Run(supCtx)
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Venturegate API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"), nil)
	if err != nil {
		return err
	}
	defer a.Close()
	err = fn(ctx, a)
	a.Supervisor.Wait()
	return err
}

func printRun(r domain.Run) error {
	if viper.GetBool("json") {
		return printJSON(r)
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendRows([]table.Row{
		{"ID", r.ID},
		{"Idea", truncate(r.Idea, 72)},
		{"Phase", fmt.Sprintf("%d (%s)", r.Phase, r.State)},
		{"Status", r.Status},
		{"HITL", r.HITLState},
		{"Decision", strOr(r.FinalDecision)},
		{"Pivot", strOr(r.PivotType)},
		{"Caution", r.Caution},
		{"Version", r.Version},
		{"Attempts", r.Attempts},
		{"Last error", strOr(r.LastError)},
		{"Created", r.CreatedAt},
		{"Updated", r.UpdatedAt},
		{"Completed", strOr(r.CompletedAt)},
	})
	t.Render()
	return nil
}

func printCheckpoint(cp domain.Checkpoint) error {
	if viper.GetBool("json") {
		return printJSON(cp)
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendRows([]table.Row{
		{"ID", cp.ID},
		{"Run", cp.RunID},
		{"Type", cp.Type},
		{"Status", cp.Status},
		{"Feedback", strOr(cp.Feedback)},
		{"Created", cp.CreatedAt},
		{"Resolved", strOr(cp.ResolvedAt)},
	})
	t.Render()
	if cp.PayloadJSON != "" {
		var pretty json.RawMessage = []byte(cp.PayloadJSON)
		b, err := json.MarshalIndent(pretty, "", "  ")
		if err == nil {
			fmt.Println(string(b))
		}
	}
	return nil
}

func strOr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
