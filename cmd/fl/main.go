package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"folioline/internal/app"
	"folioline/internal/config"
	"folioline/internal/db"
	"folioline/internal/domain"
	"folioline/internal/engine"
	"folioline/internal/events"
	"folioline/internal/gate"
	"folioline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Folioline CLI",
	Long: `Folioline turns public-domain texts into narrated videos, one project at a time per slot.
Core concepts:
- Workspace: the directory holding folioline.yml and .folioline/ (record files plus the sqlite audit index).
- Project: one source text moving through SELECTED -> RESEARCHED -> ... -> REVIEW -> COMPLETE.
- Step: run the action of the current state once (collaborator, gate, render or job probe). Safe to repeat.
- Gates: provenance, coverage and structure checks whose verdicts are written once and never retried.
- Human actions: review approve|reject, publish public, budget override, cancel, rework, resume.
- Audit log: every change lands in the record and in the index; view it with 'fl log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FOLIOLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (when no argument is given)")
	rootCmd.PersistentFlags().String("slot", "", "slot (defaults to workflow.slot)")
	rootCmd.PersistentFlags().Bool("verbose", false, "log engine diagnostics to stderr")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "slot", "verbose"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(nextCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(budgetCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(reworkCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(attemptsCmd())
	rootCmd.AddCommand(renderCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create folioline.yml and the .folioline directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := app.Init(viper.GetString("workspace"), viper.GetString("slot"), force)
			if err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectActiveCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id string
	var src domain.Source
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project from a source text",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.Create(ctx, engine.CreateOptions{
					ID:     id,
					Slot:   viper.GetString("slot"),
					Source: src,
					Actor:  viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printRecord(rec)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (slug); a uuid when empty")
	cmd.Flags().StringVar(&src.Title, "title", "", "source title")
	cmd.Flags().StringVar(&src.Author, "author", "", "source author")
	cmd.Flags().StringVar(&src.Language, "language", "", "source language")
	cmd.Flags().StringVar(&src.Path, "path", "", "source text path, relative to the workspace")
	cmd.Flags().StringVar(&src.URL, "url", "", "source url")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

func projectListCmd() *cobra.Command {
	var state string
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st := domain.State(strings.ToUpper(state))
				if st != "" && !st.Valid() {
					return fmt.Errorf("invalid state %q", state)
				}
				items, err := e.List(ctx, engine.ListFilter{Slot: viper.GetString("slot"), State: st, IncludeTerminal: all})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "ID", "Slot", "State", "Title", "Cost", "Updated"})
				for _, r := range items {
					title := ""
					if r.Fields.Source != nil {
						title = r.Fields.Source.Title
					}
					tw.AppendRow(table.Row{r.Seq, r.ID, r.Slot, r.State, title, fmt.Sprintf("%.2f", r.Costs.Total), r.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().BoolVar(&all, "all", false, "include COMPLETE and CANCELLED projects")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show a project record",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := projectArg(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.Get(ctx, id)
				if err != nil {
					return err
				}
				return printRecord(rec)
			})
		},
	}
	return cmd
}

func projectActiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "active",
		Short: "Show the oldest non-terminal project of the slot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.ListActive(ctx, viper.GetString("slot"))
				if err != nil {
					return err
				}
				if rec == nil {
					if viper.GetBool("json") {
						return printJSON(nil)
					}
					fmt.Println("no active project")
					return nil
				}
				return printRecord(*rec)
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Count projects per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.List(ctx, engine.ListFilter{Slot: viper.GetString("slot"), IncludeTerminal: true})
				if err != nil {
					return err
				}
				counts := map[domain.State]int{}
				for _, r := range items {
					counts[r.State]++
				}
				active, err := e.ListActive(ctx, viper.GetString("slot"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					out := map[string]any{"counts": counts, "active": nil}
					if active != nil {
						out["active"] = active.ID
					}
					return printJSON(out)
				}
				if active != nil {
					fmt.Printf("Active: %s (%s)\n", active.ID, active.State)
				} else {
					fmt.Println("Active: none")
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"State", "Projects"})
				for _, s := range domain.States {
					if counts[s] > 0 {
						tw.AppendRow(table.Row{s, counts[s]})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func stepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step [id]",
		Short: "Run the action of a project's current state once",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := projectArg(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := engine.Runner{Engine: e, Actor: driverActor()}.Step(ctx, id)
				return printStep(out, err)
			})
		},
	}
	return cmd
}

func nextCmd() *cobra.Command {
	var loop bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Step the active project of the slot",
		Long:  "Step the oldest non-terminal project of the slot. With --loop, keep stepping until the slot is idle, a human is needed or a step fails.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r := engine.Runner{Engine: e, Actor: driverActor()}
				for {
					out, err := r.Next(ctx, viper.GetString("slot"))
					if perr := printStep(out, err); perr != nil || !loop {
						return perr
					}
					switch out.Outcome {
					case engine.OutcomeAdvanced:
						continue
					case engine.OutcomeParked:
						select {
						case <-ctx.Done():
							return nil
						case <-time.After(interval):
						}
					default:
						return nil
					}
				}
			})
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "keep stepping while the project advances or is parked")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "wait between probes of a parked job")
	return cmd
}

func transitionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transition [id] <STATE>",
		Short: "Attempt a declared transition",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := domain.State(strings.ToUpper(args[len(args)-1]))
			if !target.Valid() {
				return fmt.Errorf("invalid state %q", args[len(args)-1])
			}
			id, err := projectArg(args[:len(args)-1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.AttemptTransition(ctx, id, target, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printRecord(rec)
			})
		},
	}
	return cmd
}

func gateCmd() *cobra.Command {
	g := &cobra.Command{
		Use:   "gate",
		Short: "Run a gate without touching any record",
		Long:  "Evaluate a gate on files, or on a project's current inputs with --project. Exits 1 when the gate fails.",
	}
	g.AddCommand(gateRunCmd("coverage", engine.FieldTranslationValidation, "chunk", "last translated chunk"))
	g.AddCommand(gateRunCmd("provenance", engine.FieldResearchValidation, "derived", "research document"))
	g.AddCommand(gateRunCmd("structure", engine.FieldPackageValidation, "file", "rendered description"))
	return g
}

var errGateFailed = errors.New("gate failed")

func gateRunCmd(name, field, outputFlag, outputDesc string) *cobra.Command {
	var sourcePath, outputPath string
	cmd := &cobra.Command{
		Use:   name,
		Short: "Run the " + name + " gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.Gates.For(field)
				if err != nil {
					return err
				}
				var verdict gate.Verdict
				if id := viper.GetString("project"); id != "" {
					rec, err := e.Get(ctx, id)
					if err != nil {
						return err
					}
					verdict = e.EvaluateGate(g, rec, field)
				} else {
					in, err := gateFiles(name, sourcePath, outputPath)
					if err != nil {
						return err
					}
					verdict = g.Evaluate(in)
				}
				if viper.GetBool("json") {
					if err := printJSON(verdict); err != nil {
						return err
					}
				} else {
					fmt.Printf("%s: %s\n", g.Name(), verdict)
				}
				if !verdict.Passed {
					return errGateFailed
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sourcePath, "source", "", "source text file")
	cmd.Flags().StringVar(&outputPath, outputFlag, "", outputDesc+" file")
	return cmd
}

func gateFiles(name, sourcePath, outputPath string) (gate.Inputs, error) {
	var in gate.Inputs
	if outputPath == "" {
		return in, fmt.Errorf("either --project or the output file is required")
	}
	out, err := os.ReadFile(outputPath)
	if err != nil {
		return in, err
	}
	in.Output = string(out)
	if name == "structure" {
		return in, nil
	}
	if sourcePath == "" {
		return in, fmt.Errorf("--source is required")
	}
	src, err := os.ReadFile(sourcePath)
	if err != nil {
		return in, err
	}
	in.Source = string(src)
	return in, nil
}

func jobCmd() *cobra.Command {
	j := &cobra.Command{Use: "job", Short: "Inspect parked jobs"}
	j.AddCommand(&cobra.Command{
		Use:   "probe [id]",
		Short: "Probe the parked job of a project without changing the record",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := projectArg(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.ProbeJob(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("%s: %s (%d bytes)\n", id, p.Status, p.SizeBytes)
				if p.Detail != "" {
					fmt.Println(p.Detail)
				}
				return nil
			})
		},
	})
	return j
}

// humanCmd builds a command running a human operation on one project as --actor-id.
func humanCmd(use, short string, run func(ctx context.Context, e engine.Engine, id, actor string) (domain.Record, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [id]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := projectArg(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := run(ctx, e, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printRecord(rec)
			})
		},
	}
}

func reviewCmd() *cobra.Command {
	var note string
	r := &cobra.Command{Use: "review", Short: "Approve or reject a finished package"}
	approve := humanCmd("approve", "Approve the package in REVIEW", func(ctx context.Context, e engine.Engine, id, actor string) (domain.Record, error) {
		return e.ApproveReview(ctx, id, actor, note)
	})
	reject := humanCmd("reject", "Reject the package in REVIEW", func(ctx context.Context, e engine.Engine, id, actor string) (domain.Record, error) {
		return e.RejectReview(ctx, id, actor, note)
	})
	for _, c := range []*cobra.Command{approve, reject} {
		c.Flags().StringVar(&note, "note", "", "review note")
		r.AddCommand(c)
	}
	return r
}

func publishCmd() *cobra.Command {
	p := &cobra.Command{Use: "publish", Short: "Change public visibility"}
	p.AddCommand(humanCmd("public", "Make the uploaded video public and complete the project", func(ctx context.Context, e engine.Engine, id, actor string) (domain.Record, error) {
		return e.MakePublic(ctx, id, actor)
	}))
	return p
}

func budgetCmd() *cobra.Command {
	var reason string
	var ceiling float64
	b := &cobra.Command{Use: "budget", Short: "Budget decisions"}
	override := humanCmd("override", "Allow spend past the budget ceiling", func(ctx context.Context, e engine.Engine, id, actor string) (domain.Record, error) {
		return e.OverrideBudget(ctx, id, actor, reason, ceiling)
	})
	override.Flags().StringVar(&reason, "reason", "", "why the overrun is accepted")
	override.Flags().Float64Var(&ceiling, "ceiling", 0, "new upper bound (0 means unbounded)")
	_ = override.MarkFlagRequired("reason")
	b.AddCommand(override)
	return b
}

func cancelCmd() *cobra.Command {
	var reason string
	cmd := humanCmd("cancel", "Cancel a project", func(ctx context.Context, e engine.Engine, id, actor string) (domain.Record, error) {
		return e.Cancel(ctx, id, actor, reason)
	})
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func reworkCmd() *cobra.Command {
	var reason string
	cmd := humanCmd("rework", "Send a project back to the stage that produced a rejected output", func(ctx context.Context, e engine.Engine, id, actor string) (domain.Record, error) {
		return e.Rework(ctx, id, actor, reason)
	})
	cmd.Flags().StringVar(&reason, "reason", "", "rework reason")
	return cmd
}

func resumeCmd() *cobra.Command {
	var reason string
	cmd := humanCmd("resume", "Restart the job stage of a HALTED project", func(ctx context.Context, e engine.Engine, id, actor string) (domain.Record, error) {
		return e.Resume(ctx, id, actor, reason)
	})
	cmd.Flags().StringVar(&reason, "reason", "", "resume reason")
	return cmd
}

func attemptsCmd() *cobra.Command {
	a := &cobra.Command{Use: "attempts", Short: "Automatic attempt counters"}
	a.AddCommand(humanCmd("reset", "Clear the failed attempt counter of the current state", func(ctx context.Context, e engine.Engine, id, actor string) (domain.Record, error) {
		return e.ResetAttempts(ctx, id, actor)
	}))
	return a
}

func renderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render [id]",
		Short: "Print the description a project would render, without writing it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := projectArg(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.Get(ctx, id)
				if err != nil {
					return err
				}
				text, err := e.Describe(rec)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": rec.ID, "description": text})
				}
				fmt.Print(text)
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Audit log index"}
	l.AddCommand(logTailCmd())
	l.AddCommand(logReindexCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := events.Reader{DB: ws.DB}.Latest(ctx, events.Filter{
					ProjectID: viper.GetString("project"),
					Type:      evtType,
					Limit:     n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Project", "Type", "From", "To", "Actor", "Detail"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.ProjectID, evt.Type, evt.From, evt.To, evt.ActorID, evt.Detail})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func logReindexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the audit index from the record files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				recs, corrupt, err := ws.Store.List(ctx)
				if err != nil {
					return err
				}
				for _, c := range corrupt {
					fmt.Fprintln(os.Stderr, "skipped:", c)
				}
				n, err := events.Reindex(ctx, ws.DB, recs)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"records": len(recs), "entries": n, "corrupt": len(corrupt), "index": db.Path(ws.Dir)})
				}
				fmt.Printf("indexed %d entries from %d records into %s\n", n, len(recs), db.Path(ws.Dir))
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is the rulebook in folioline.yml: slot and retry limits, gate thresholds, parking deadlines, packaging template, collaborator commands and rbac.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg == nil {
				cfg = config.Default(viper.GetString("slot"))
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate folioline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				_, err = engine.BuildGates(cfg)
			}
			if viper.GetBool("json") {
				if perr := printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)}); perr != nil {
					return perr
				}
				return err
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default folioline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := app.Init(viper.GetString("workspace"), viper.GetString("slot"), force)
			if err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var actorHeader, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				logger := log.New(os.Stderr, "folioline: ", log.LstdFlags)
				authCfg := server.AuthConfig{
					JWTSecret:        viper.GetString("jwt-secret"),
					AllowActorHeader: actorHeader,
					AllowDevLogin:    devLogin,
					Logger:           logger,
				}
				if authCfg.JWTSecret == "" && !actorHeader {
					return fmt.Errorf("FOLIOLINE_JWT_SECRET is required for bearer auth (or pass --allow-actor-header for local use)")
				}
				handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				go server.NewWebhookDispatcher(events.Reader{DB: ws.DB}, ws.Config.Webhooks, logger).Run(ctx)
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Folioline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&actorHeader, "allow-actor-header", false, "trust X-Actor-Id without a token (local use only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func cliLogger() *log.Logger {
	if viper.GetBool("verbose") {
		return log.New(os.Stderr, "fl: ", log.LstdFlags)
	}
	return log.New(io.Discard, "", 0)
}

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.Open(ctx, viper.GetString("workspace"), cliLogger())
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withWorkspace(ctx, func(ctx context.Context, ws *app.Workspace) error {
		return fn(ctx, ws.Engine)
	})
}

func projectArg(args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return strings.TrimSpace(args[0]), nil
	}
	if id := strings.TrimSpace(viper.GetString("project")); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("project id required (argument or --project)")
}

// driverActor keeps automatic steps attributed to the driver unless --actor-id was set.
func driverActor() string {
	if rootCmd.PersistentFlags().Changed("actor-id") || os.Getenv("FOLIOLINE_ACTOR_ID") != "" {
		return viper.GetString("actor-id")
	}
	return engine.DriverActor
}

func printStep(out engine.StepOutcome, stepErr error) error {
	if viper.GetBool("json") {
		res := map[string]any{"outcome": out.Outcome, "id": out.ID, "action": out.Action, "from": out.From, "to": out.To, "detail": out.Detail}
		if stepErr != nil {
			res["error"] = stepErr.Error()
		}
		if err := printJSON(res); err != nil {
			return err
		}
		return stepErr
	}
	switch {
	case out.ID == "":
		fmt.Println(out.Outcome)
	case out.From != out.To && out.To != "":
		fmt.Printf("%s: %s %s -> %s\n", out.ID, out.Outcome, out.From, out.To)
	default:
		fmt.Printf("%s: %s in %s\n", out.ID, out.Outcome, out.From)
	}
	if out.Detail != "" {
		fmt.Println("  " + out.Detail)
	}
	return stepErr
}

func printRecord(rec domain.Record) error {
	if viper.GetBool("json") {
		return printJSON(rec)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRow(table.Row{"ID", rec.ID})
	tw.AppendRow(table.Row{"Slot", rec.Slot})
	tw.AppendRow(table.Row{"Seq", rec.Seq})
	tw.AppendRow(table.Row{"State", rec.State})
	if rec.Fields.Source != nil {
		tw.AppendRow(table.Row{"Title", rec.Fields.Source.Title})
	}
	tw.AppendRow(table.Row{"Cost", fmt.Sprintf("%.2f", rec.Costs.Total)})
	states := make([]string, 0, len(rec.Attempts))
	for s := range rec.Attempts {
		states = append(states, string(s))
	}
	sort.Strings(states)
	for _, s := range states {
		tw.AppendRow(table.Row{"Attempts " + s, rec.Attempts[domain.State(s)]})
	}
	tw.AppendRow(table.Row{"Updated", rec.UpdatedAt})
	if n := len(rec.AuditLog); n > 0 {
		last := rec.AuditLog[n-1]
		tw.AppendRow(table.Row{"Last event", last.Type + " " + last.Detail})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
