package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Boomerang-Apps/storyline/internal/config"
	"github.com/Boomerang-Apps/storyline/internal/db"
	"github.com/Boomerang-Apps/storyline/internal/engine"
	"github.com/Boomerang-Apps/storyline/internal/migrate"
	"github.com/Boomerang-Apps/storyline/internal/repo"
	"github.com/Boomerang-Apps/storyline/internal/router"
	"github.com/Boomerang-Apps/storyline/internal/server"
	"github.com/Boomerang-Apps/storyline/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "storyctl",
	Short: "Storyline CLI",
	Long: `Storyline drives a story through a fixed sequence of quality gates.
Each run routes its task across domains, executes independent domains in
parallel, retries failed verifications with backoff, reviews completed work
with multiple reviewers, and escalates to a human when automation gives up.
State lives in the .storyline workspace database; every transition is
checkpointed and logged before the next one starts.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STORYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var storyID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil {
				fmt.Printf("Workspace ready (existing config at %s)\n", cfgPath)
				return nil
			}
			if storyID == "" {
				storyID = "story-1"
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(storyID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Workspace ready; config written to %s\n", cfgPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&storyID, "story-id", "", "story identifier for the generated config")
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Manage runs",
		Long:  "Runs carry one story through the gates. Start a run, watch its status, answer escalations, and cancel when needed.",
	}
	run.AddCommand(runStartCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runStatusCmd())
	run.AddCommand(runAdvanceCmd())
	run.AddCommand(runResumeCmd())
	run.AddCommand(runCancelCmd())
	run.AddCommand(runResetCmd())
	return run
}

func runStartCmd() *cobra.Command {
	var name, task, depsSpec string
	var domains, criteria []string
	var tokenLimit int64
	var costLimit float64
	var noDrive bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			deps := router.ParseDeps(depsSpec)
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				run, err := e.Start(ctx, engine.StartOptions{
					Name:               name,
					Task:               task,
					Domains:            domains,
					Dependencies:       deps,
					AcceptanceCriteria: criteria,
					TokenLimit:         tokenLimit,
					CostLimitUSD:       costLimit,
				})
				if err != nil {
					return err
				}
				if noDrive {
					return printJSONOrTable(run)
				}
				view, err := e.Drive(ctx, run.ID)
				if err != nil {
					return err
				}
				return printRunView(view)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "story name")
	cmd.Flags().StringVar(&task, "task", "", "task description")
	cmd.Flags().StringSliceVar(&domains, "domains", nil, "domains touched by the task")
	cmd.Flags().StringVar(&depsSpec, "deps", "", "dependencies, e.g. backend:database;frontend:backend")
	cmd.Flags().StringSliceVar(&criteria, "criteria", nil, "acceptance criteria")
	cmd.Flags().Int64Var(&tokenLimit, "token-limit", 0, "token budget (0 = config default)")
	cmd.Flags().Float64Var(&costLimit, "cost-limit", 0, "cost budget in USD (0 = config default)")
	cmd.Flags().BoolVar(&noDrive, "no-drive", false, "create the run without driving it")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func runListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				runs, err := r.ListRuns(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Gate", "Tokens", "Cost USD", "Updated"})
				for _, run := range runs {
					tw.AppendRow(table.Row{
						run.ID, run.Name, run.Status, run.CurrentGate,
						run.TokensUsed, fmt.Sprintf("%.2f", run.CostUsedUSD), run.UpdatedAt,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func runStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				view, err := e.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printRunView(view)
			})
		},
	}
	return cmd
}

func runAdvanceCmd() *cobra.Command {
	var dataJSON string
	cmd := &cobra.Command{
		Use:   "advance <run-id>",
		Short: "Advance a gate with supplied data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data map[string]any
			if dataJSON != "" {
				if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
					return fmt.Errorf("invalid --data: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if _, err := e.Advance(ctx, args[0], data); err != nil {
					return err
				}
				view, err := e.Drive(ctx, args[0])
				if err != nil {
					return err
				}
				return printRunView(view)
			})
		},
	}
	cmd.Flags().StringVar(&dataJSON, "data", "", "gate data as JSON")
	return cmd
}

func runResumeCmd() *cobra.Command {
	var approve, reject bool
	var feedback string
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resolve an open escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return fmt.Errorf("exactly one of --approve or --reject is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				view, err := e.ResumeEscalation(ctx, args[0], engine.Decision{
					Approved: approve,
					Feedback: feedback,
				})
				if err != nil {
					return err
				}
				if approve {
					view, err = e.Drive(ctx, args[0])
					if err != nil {
						return err
					}
				}
				return printRunView(view)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "accept the escalated work")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the escalated work and fail the run")
	cmd.Flags().StringVar(&feedback, "feedback", "", "human feedback recorded on the escalation")
	return cmd
}

func runCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.Cancel(ctx, args[0]); err != nil {
					return err
				}
				run, err := e.Repo.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func runResetCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "reset <run-id>",
		Short: "Reset a run's gates to the start",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.Gates.Reset(ctx, args[0], confirm); err != nil {
					return err
				}
				view, err := e.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printRunView(view)
			})
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm the reset")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail <run-id>",
		Short: "Tail run events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, args[0], n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "TS", "Type", "Domain", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.Seq, evt.TS, evt.Type, evt.Domain, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, cfg, err := openWorkspace(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()
			e := engine.New(conn, cfg, worker.NewScripted(), logger)
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			secret := os.Getenv("STORYLINE_JWT_SECRET")
			if secret == "" {
				secret = cfg.Server.JWTSecret
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret},
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Storyline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func openWorkspace(workspace string) (*sql.DB, *config.Config, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, cfg, nil
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, cfg, err := openWorkspace(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	logger := zap.NewNop()
	e := engine.New(conn, cfg, worker.NewScripted(), logger)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, _, err := openWorkspace(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func printRunView(view engine.View) error {
	if viper.GetBool("json") {
		return printJSON(view)
	}
	fmt.Printf("Run: %s (%s) gate=%d status=%s\n", view.Run.ID, view.Run.Name, view.Run.CurrentGate, view.Run.Status)
	fmt.Printf("Budget: %d tokens, $%.2f used\n", view.Run.TokensUsed, view.Run.CostUsedUSD)
	if len(view.Domains) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Domain", "Layer", "Status", "Retries", "Last Error"})
		for _, d := range view.Domains {
			tw.AppendRow(table.Row{d.Name, d.Layer, d.Status, d.Retry.Count, d.LastError})
		}
		tw.Render()
	}
	for _, esc := range view.Escalations {
		if esc.Status == "open" {
			fmt.Printf("Escalation open on %s: %s\n", esc.Domain, esc.Reason)
			fmt.Printf("Resolve with: storyctl run resume %s --approve|--reject\n", view.Run.ID)
		}
	}
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
