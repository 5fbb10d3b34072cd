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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caliber/internal/app"
	"caliber/internal/config"
	"caliber/internal/db"
	"caliber/internal/domain"
	"caliber/internal/engine"
	"caliber/internal/migrate"
	"caliber/internal/repo"
	"caliber/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "caliber",
	Short: "Caliber CLI",
	Long: `Caliber runs timed, adaptive skills assessments graded by an external oracle.
- Workspace: the .caliber directory holding the SQLite database; the job
  definition lives in caliber.yml next to it.
- Assessment: one candidate's timed interview. The clock starts on the first
  answer and the assessment stops at the item limit or when time runs out.
- Items: question/answer pairs. Each answer is graded in two oracle passes
  with a deterministic tie-break, producing a 0-9 BARS total.
- Staircase: difficulty steps up on strong answers (7+) and down on weak
  ones (3 or less).
- Sessions: candidate-scoped tokens; finishing an assessment revokes them.
- Report: per-item scores, the normalized average, and an integrity risk
  band computed from behavioral signals.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("CALIBER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier")
	rootCmd.PersistentFlags().String("job", "", "job id (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("job", rootCmd.PersistentFlags().Lookup("job"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(assessmentCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(nextCmd())
	rootCmd.AddCommand(gradeCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(bankCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage job config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default caliber.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(jobID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "default-job", "job id")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the resolved job config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("job"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func assessmentCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "assessment",
		Short: "Manage assessments",
		Long:  "Assessments are one candidate's timed run. Create one, issue a session, collect answers, then pull the report.",
	}
	a.AddCommand(assessmentCreateCmd())
	a.AddCommand(assessmentListCmd())
	a.AddCommand(assessmentShowCmd())
	a.AddCommand(assessmentFinishCmd())
	a.AddCommand(assessmentReportCmd())
	return a
}

func assessmentCreateCmd() *cobra.Command {
	var opts engine.AssessmentCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an assessment",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			if opts.JobID == "" {
				opts.JobID = viper.GetString("job")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateAssessment(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "assessment id (random UUID if omitted)")
	cmd.Flags().StringVar(&opts.JobID, "job-id", "", "job id")
	cmd.Flags().StringVar(&opts.CandidateName, "candidate", "", "candidate name")
	cmd.Flags().IntVar(&opts.MaxItems, "max-items", 0, "item limit (config default if omitted)")
	cmd.Flags().IntVar(&opts.DurationMinutes, "duration", 0, "duration in minutes (config default if omitted)")
	return cmd
}

func assessmentListCmd() *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assessments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAssessments(ctx, jobID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Job", "Candidate", "Step", "Started", "Finished", "Stop"})
				for _, a := range items {
					tw.AppendRow(table.Row{
						a.ID, a.JobID, a.CandidateName, a.Step,
						stringOr(a.StartedAt, "-"), stringOr(a.FinishedAt, "-"), stringOr(a.StopReason, "-"),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&jobID, "job-id", "", "filter by job id")
	return cmd
}

func assessmentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an assessment with its items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAssessment(ctx, args[0])
				if err != nil {
					return err
				}
				items, err := e.Repo.ListItemEvents(ctx, a.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"assessment": a,
					"items":      items,
				})
			})
		},
	}
	return cmd
}

func assessmentFinishCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "finish <id>",
		Short: "Finish an assessment and revoke its sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.FinishAssessment(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "stop reason (MAX_ITEMS or TIME, default TIME)")
	return cmd
}

func assessmentReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <id>",
		Short: "Show the scoring and integrity report",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("assessment id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.Report(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Item", "Total", "Kappa", "Policy", "Decision", "Evidence"})
				for _, it := range r.Items {
					if it.Score == nil {
						tw.AppendRow(table.Row{it.ItemID, "-", "-", "-", "-", "-"})
						continue
					}
					tw.AppendRow(table.Row{
						it.ItemID, it.Score.Total, fmt.Sprintf("%.2f", it.Score.Kappa),
						it.Score.Criteria.PolicyProcedure,
						it.Score.Criteria.DecisionQuality,
						it.Score.Criteria.EvidenceSpecificity,
					})
				}
				tw.Render()
				fmt.Printf("Average: %.1f%%\n", r.AverageTotal)
				fmt.Printf("Integrity: %.2f (%s)\n", r.Integrity.Risk, r.Integrity.Band)
				for _, reason := range r.Integrity.Reasons {
					fmt.Printf("  - %s\n", reason)
				}
				return nil
			})
		},
	}
	return cmd
}

func submitCmd() *cobra.Command {
	var assessmentID, itemID, answer, answerFile, question string
	var signals []string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit and grade an answer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if answerFile != "" {
				data, err := os.ReadFile(answerFile)
				if err != nil {
					return err
				}
				answer = string(data)
			}
			parsed, err := parseSignals(signals)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.SubmitAnswer(ctx, engine.SubmitOptions{
					AssessmentID: assessmentID,
					ItemID:       itemID,
					AnswerText:   answer,
					QuestionText: question,
					Signals:      parsed,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				outcome, gerr := e.GradeItem(ctx, ev.ID, viper.GetString("actor-id"))
				if gerr != nil {
					fmt.Printf("submitted %s; grading failed: %v\n", ev.ID, gerr)
					return printJSONOrTable(ev)
				}
				return printJSONOrTable(map[string]any{
					"item_event": ev,
					"score":      outcome,
				})
			})
		},
	}
	cmd.Flags().StringVar(&assessmentID, "assessment", "", "assessment id")
	cmd.Flags().StringVar(&itemID, "item", "", "item id")
	cmd.Flags().StringVar(&answer, "answer", "", "answer text")
	cmd.Flags().StringVar(&answerFile, "answer-file", "", "read answer text from file")
	cmd.Flags().StringVar(&question, "question", "", "question text (bank text used for known item ids)")
	cmd.Flags().StringArrayVar(&signals, "signal", []string{}, "integrity signal type (repeatable)")
	_ = cmd.MarkFlagRequired("assessment")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

func nextCmd() *cobra.Command {
	var assessmentID string
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Fetch the next question",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := e.NextQuestion(ctx, assessmentID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	cmd.Flags().StringVar(&assessmentID, "assessment", "", "assessment id")
	_ = cmd.MarkFlagRequired("assessment")
	return cmd
}

func gradeCmd() *cobra.Command {
	var assessmentID, itemID string
	cmd := &cobra.Command{
		Use:   "grade",
		Short: "Grade a submitted item (retry after oracle failures)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.Repo.GetItemEventByItem(ctx, assessmentID, itemID)
				if err != nil {
					return err
				}
				outcome, err := e.GradeItem(ctx, ev.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(outcome)
			})
		},
	}
	cmd.Flags().StringVar(&assessmentID, "assessment", "", "assessment id")
	cmd.Flags().StringVar(&itemID, "item", "", "item id")
	_ = cmd.MarkFlagRequired("assessment")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{Use: "session", Short: "Manage candidate sessions"}
	s.AddCommand(sessionIssueCmd())
	s.AddCommand(sessionListCmd())
	return s
}

func sessionIssueCmd() *cobra.Command {
	var assessmentID string
	var ttlMinutes int
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a candidate session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				token, s, err := e.IssueSession(ctx, assessmentID, viper.GetString("actor-id"), time.Duration(ttlMinutes)*time.Minute)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"token":      token,
					"session_id": s.ID,
					"expires_at": s.ExpiresAt,
				})
			})
		},
	}
	cmd.Flags().StringVar(&assessmentID, "assessment", "", "assessment id")
	cmd.Flags().IntVar(&ttlMinutes, "ttl", 0, "token lifetime in minutes (default 120)")
	_ = cmd.MarkFlagRequired("assessment")
	return cmd
}

func sessionListCmd() *cobra.Command {
	var assessmentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions for an assessment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				sessions, err := r.ListSessions(ctx, assessmentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(sessions)
			})
		},
	}
	cmd.Flags().StringVar(&assessmentID, "assessment", "", "assessment id")
	_ = cmd.MarkFlagRequired("assessment")
	return cmd
}

func bankCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bank",
		Short: "List the static question bank",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("job"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Bank)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Difficulty", "Question"})
			for _, item := range cfg.Bank {
				tw.AppendRow(table.Row{item.ID, item.Difficulty, item.Text})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, assessmentID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, assessmentID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&assessmentID, "assessment", "", "assessment id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := app.ResolveConfig(workspace, viper.GetString("job"))
			if err != nil {
				return err
			}
			e := app.BuildEngine(conn, cfg, nil)
			if e.JWTSecret == "" {
				return fmt.Errorf("%s is required for session auth", app.EnvJWTSecret)
			}
			authCfg := server.AuthConfig{AdminKey: os.Getenv(app.EnvAdminKey)}
			if authCfg.AdminKey == "" {
				return fmt.Errorf("%s is required for admin auth", app.EnvAdminKey)
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Caliber API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := app.ResolveConfig(workspace, viper.GetString("job"))
	if err != nil {
		return err
	}
	e := app.BuildEngine(conn, cfg, nil)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func parseSignals(raw []string) ([]domain.IntegrityEvent, error) {
	var res []domain.IntegrityEvent
	for _, s := range raw {
		switch s {
		case domain.SignalVisibilityChange, domain.SignalPaste, domain.SignalBlur,
			domain.SignalFocus, domain.SignalLatencyOutlier:
			res = append(res, domain.IntegrityEvent{Type: s})
		default:
			return nil, fmt.Errorf("unknown signal type %q", s)
		}
	}
	return res, nil
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

func stringOr(v *string, fallback string) string {
	if v == nil {
		return fallback
	}
	return *v
}
