package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"siteforge/internal/agents"
	"siteforge/internal/config"
	"siteforge/internal/db"
	"siteforge/internal/domain"
	"siteforge/internal/ledger"
	"siteforge/internal/migrate"
	"siteforge/internal/pipeline"
	"siteforge/internal/server"
	"siteforge/internal/stream"
	"siteforge/internal/supervisor"
	siteforgesdk "siteforge/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "sf",
	Short: "Siteforge CLI",
	Long: `Siteforge turns a prompt into a built website through a pipeline of agents.
Core concepts:
- Build job: one run of the agent pipeline for a project; statuses go
  queued -> running -> completed (failed/cancelled are exits).
- Agent steps: the pipeline stages (planner, frontend, backend, image,
  testing, deployment), each with its own credit cost.
- Credits: builds reserve their estimated cost up front; on completion the
  actual cost is charged and the remainder refunded.
- Stream: 'sf build watch' follows a build live over the websocket feed.`,
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
	viper.SetEnvPrefix("SITEFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8870", "API server base URL")
	rootCmd.PersistentFlags().String("token", "", "bearer token for the API")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(buildCmd())
	rootCmd.AddCommand(creditsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(loginCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	var workers int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the build API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				cfg.Auth.JWTSecret = os.Getenv("SITEFORGE_JWT_SECRET")
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret (or SITEFORGE_JWT_SECRET) is required")
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("workers") {
				cfg.Build.Workers = workers
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log := slog.New(slog.NewTextHandler(os.Stderr, nil))

			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}

			pipe, err := pipeline.New(cfg.Pricing)
			if err != nil {
				return err
			}
			led := ledger.New(conn)
			bc := stream.NewBroadcaster(cfg.Stream.ReplayBufferSize, cfg.Stream.SendQueueSize)
			runner := &agents.ScriptedRunner{}
			sup := supervisor.New(conn, led, pipe, bc, runner, log)
			hooks := server.NewWebhookNotifier(cfg.Webhooks.URLs, log)
			sup.OnTerminal = hooks.NotifyTerminal
			sup.Start(cfg.Build.Workers)
			defer sup.Close()
			defer hooks.Wait()

			handler, err := server.New(server.Config{
				Supervisor: sup,
				Ledger:     led,
				Service:    cfg,
				Log:        log,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutCtx)
			}()

			fmt.Printf("Serving Siteforge API on http://%s%s (OpenAPI at /openapi.json, docs at /docs)\n",
				cfg.Server.Addr, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8870", "listen address")
	cmd.Flags().IntVar(&workers, "workers", 4, "concurrent build workers")
	return cmd
}

func buildCmd() *cobra.Command {
	build := &cobra.Command{
		Use:   "build",
		Short: "Start, watch, and manage builds",
	}
	build.AddCommand(buildStartCmd())
	build.AddCommand(buildStatusCmd())
	build.AddCommand(buildListCmd())
	build.AddCommand(buildWatchCmd())
	build.AddCommand(buildCancelCmd())
	return build
}

func buildStartCmd() *cobra.Command {
	var prompt string
	var assets []string
	var withBackend, withImages, watch bool
	cmd := &cobra.Command{
		Use:   "start <project-id>",
		Short: "Start a build for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := args[0]
			client := apiClient()
			started, err := client.StartBuild(cmd.Context(), projectID, prompt, siteforgesdk.BuildOptions{
				InputAssets: assets,
				WithBackend: withBackend,
				WithImages:  withImages,
			})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(started)
			}
			fmt.Printf("Build %s queued (estimated cost: %d credits)\n", started.JobID, started.EstimatedCost)
			if !watch {
				fmt.Printf("Follow it with: sf build watch %s\n", projectID)
				return nil
			}
			return watchBuild(cmd.Context(), client, projectID)
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "what the website should be")
	cmd.Flags().StringArrayVar(&assets, "asset", []string{}, "input asset reference (repeatable)")
	cmd.Flags().BoolVar(&withBackend, "with-backend", false, "include the backend agent")
	cmd.Flags().BoolVar(&withImages, "with-images", false, "include the image generation agent")
	cmd.Flags().BoolVar(&watch, "watch", false, "stream progress until the build finishes")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func buildStatusCmd() *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "status <project-id>",
		Short: "Show the latest build for a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := apiClient()
			var snap siteforgesdk.JobSnapshot
			var err error
			switch {
			case jobID != "":
				snap, err = client.JobSnapshot(cmd.Context(), jobID)
			case len(args) == 1:
				snap, err = client.ProjectSnapshot(cmd.Context(), args[0])
			default:
				return fmt.Errorf("a project id or --job is required")
			}
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(snap)
			}
			printJob(snap.Job)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id (instead of project latest)")
	return cmd
}

func buildListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list <project-id>",
		Short: "List recent builds for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := apiClient().ProjectBuilds(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(jobs)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Job", "Status", "Estimated", "Actual", "Created"})
			for _, j := range jobs {
				actual := ""
				if j.ActualCost != nil {
					actual = fmt.Sprintf("%d", *j.ActualCost)
				}
				tw.AppendRow(table.Row{j.ID, j.Status, j.EstimatedCost, actual, j.CreatedAt})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum builds to list")
	return cmd
}

func buildWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <project-id>",
		Short: "Stream build progress live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchBuild(cmd.Context(), apiClient(), args[0])
		},
	}
	return cmd
}

func buildCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or running build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiClient().Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("cancellation requested")
			return nil
		},
	}
	return cmd
}

// watchBuild follows the project's build over the websocket stream, printing
// progress lines until the job reaches a terminal state.
func watchBuild(ctx context.Context, client *siteforgesdk.Client, projectID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	session := stream.NewSession(stream.SessionConfig{
		URL:       client.StreamURL(projectID),
		ProjectID: projectID,
		Snapshot: func(ctx context.Context) (domain.BuildJob, uint64, error) {
			snap, err := client.ProjectSnapshot(ctx, projectID)
			if err != nil {
				return domain.BuildJob{}, 0, err
			}
			return snapshotToDomain(snap.Job), snap.Seq, nil
		},
		OnMessage: func(msg stream.Message) {
			printStreamMessage(msg)
			if msg.Type == stream.TypeBuildComplete || msg.Type == stream.TypeBuildError {
				cancel()
			}
		},
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
	err := session.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	p := session.Projection()
	if p.Status != "" && viper.GetBool("json") {
		return printJSON(map[string]any{
			"job_id":         p.JobID,
			"status":         p.Status,
			"result":         p.Result,
			"error":          p.Error,
			"build_time":     p.BuildTime,
			"charged":        p.Charged,
			"refunded":       p.Refunded,
			"cost_breakdown": p.CostBreakdown,
		})
	}
	return err
}

func printStreamMessage(msg stream.Message) {
	switch msg.Type {
	case stream.TypeAgentMessage:
		if msg.Agent != nil {
			fmt.Printf("[%s] %3d%% %s\n", msg.Agent.AgentType, msg.Agent.Progress, msg.Agent.Message)
		}
	case stream.TypeBuildProgress:
		if msg.Progress != nil {
			fmt.Printf("build: %s (%d%%)\n", msg.Progress.Status, msg.Progress.Percent)
		}
	case stream.TypeBuildComplete:
		if msg.Complete != nil {
			fmt.Printf("build complete in %.1fs: %s (charged %d, refunded %d)\n",
				msg.Complete.BuildTime, msg.Complete.Result, msg.Complete.Charged, msg.Complete.Refunded)
		}
	case stream.TypeBuildError:
		if msg.Error != nil {
			if msg.Error.Cancelled {
				fmt.Printf("build cancelled: %s\n", msg.Error.Error)
			} else {
				fmt.Printf("build failed: %s\n", msg.Error.Error)
			}
		}
	}
}

func creditsCmd() *cobra.Command {
	credits := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and manage credits",
	}
	credits.AddCommand(creditsBalanceCmd())
	credits.AddCommand(creditsHistoryCmd())
	credits.AddCommand(creditsAddCmd())
	return credits
}

func creditsBalanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show credit balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			bal, err := apiClient().CreditBalance(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(bal)
			}
			fmt.Printf("Balance: %d credits\n", bal.Balance)
			return nil
		},
	}
	return cmd
}

func creditsHistoryCmd() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List credit transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			hist, err := apiClient().CreditHistory(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(hist)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"When", "Type", "Amount", "Job", "Note"})
			for _, tx := range hist.Transactions {
				job := ""
				if tx.JobID != nil {
					job = *tx.JobID
				}
				tw.AppendRow(table.Row{tx.CreatedAt, tx.Type, tx.Amount, job, tx.Note})
			}
			tw.Render()
			fmt.Printf("Balance: %d credits\n", hist.Balance)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func creditsAddCmd() *cobra.Command {
	var amount int
	var note string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add credits to the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if amount < 1 {
				return fmt.Errorf("--amount must be at least 1")
			}
			bal, err := apiClient().AddCredits(cmd.Context(), amount, note)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(bal)
			}
			fmt.Printf("Balance: %d credits\n", bal.Balance)
			return nil
		},
	}
	cmd.Flags().IntVar(&amount, "amount", 0, "credits to add")
	cmd.Flags().StringVar(&note, "note", "", "transaction note")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <user-id>",
		Short: "Mint a development token (server must allow dev login)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := apiClient().DevLogin(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			fmt.Fprintln(os.Stderr, "export SITEFORGE_TOKEN=<token above> to use it")
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace configuration",
	}
	cfg.AddCommand(configCheckCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the workspace config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			fmt.Printf("%s: ok\n", config.Path(workspace))
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			data, err := config.Default().ToYAML()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

// --- helpers ---

func apiClient() *siteforgesdk.Client {
	c := siteforgesdk.New(viper.GetString("server"))
	c.BearerToken = viper.GetString("token")
	return c
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJob(job siteforgesdk.BuildJob) {
	fmt.Printf("Job %s [%s] project=%s estimated=%d", job.ID, job.Status, job.ProjectID, job.EstimatedCost)
	if job.ActualCost != nil {
		fmt.Printf(" actual=%d", *job.ActualCost)
	}
	fmt.Println()
	if job.Error != nil {
		fmt.Printf("  error: %s\n", *job.Error)
	}
	if job.Result != nil {
		fmt.Printf("  result: %s\n", *job.Result)
	}
	if len(job.Steps) == 0 {
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Agent", "Status", "Progress", "Message"})
	for _, s := range job.Steps {
		tw.AppendRow(table.Row{s.Ordinal, s.AgentType, s.Status, fmt.Sprintf("%d%%", s.Progress), s.Message})
	}
	tw.Render()
}

// snapshotToDomain converts the SDK's job model for projection replacement
// during stream gap recovery.
func snapshotToDomain(job siteforgesdk.BuildJob) domain.BuildJob {
	out := domain.BuildJob{
		ID:            job.ID,
		ProjectID:     job.ProjectID,
		UserID:        job.UserID,
		Prompt:        job.Prompt,
		Status:        domain.JobStatus(job.Status),
		EstimatedCost: job.EstimatedCost,
		ActualCost:    job.ActualCost,
		CostOverrun:   job.CostOverrun,
		Result:        job.Result,
		Error:         job.Error,
		CreatedAt:     job.CreatedAt,
		StartedAt:     job.StartedAt,
		EndedAt:       job.EndedAt,
	}
	for _, s := range job.Steps {
		out.Steps = append(out.Steps, domain.AgentStep{
			JobID:      s.JobID,
			Ordinal:    s.Ordinal,
			AgentType:  s.AgentType,
			Status:     domain.StepStatus(s.Status),
			Progress:   s.Progress,
			Message:    s.Message,
			BaseCost:   s.BaseCost,
			ActualCost: s.ActualCost,
		})
	}
	return out
}
