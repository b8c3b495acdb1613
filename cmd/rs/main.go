package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"runselect/internal/app"
	"runselect/internal/config"
	"runselect/internal/db"
	"runselect/internal/dq"
	"runselect/internal/engine"
	"runselect/internal/logging"
	"runselect/internal/report"
	"runselect/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rs",
	Short: "Run selection CLI",
	Long: `rs evaluates data-quality check documents of data-taking runs and decides
which runs are good for physics analysis.
- Documents: per-run check results written by the DQ processors (trigger, time, run, PMT).
- Tracks: every run is judged twice, under the original criteria and under the amended ones.
- Revisions: each processor's criteria changed over time; the run number picks the revision in force.
- Low-level checks: run type, duration and crate HV/DAC from the RUN and DQLL tables.
- Event log: every import and evaluation is recorded, view it with 'rs log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		cfg, err := config.LoadOptional(workspace)
		if err != nil {
			return err
		}
		levelName := cfg.Logging.Level
		if v := viper.GetString("log-level"); v != "" {
			levelName = v
		}
		level, err := logging.ParseLevel(levelName)
		if err != nil {
			return err
		}
		logging.Init(level, cfg.Logging.Format)
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RUNSELECT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error); overrides config")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(runlistCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write runselect.yml and create the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			ws, err := app.OpenWorkspace(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer ws.Close()
			if viper.GetBool("json") {
				return printJSON(map[string]string{"config": path, "database": db.Path(workspace)})
			}
			fmt.Printf("Wrote %s\nDatabase at %s\n", path, db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func importCmd() *cobra.Command {
	imp := &cobra.Command{
		Use:   "import",
		Short: "Import DQ documents, RUN table rows or DQLL rows",
		Long:  "Each file holds a JSON array or a single object. Imports are all or nothing.",
	}
	imp.AddCommand(importSubCmd("documents", "DQ check documents", func(ctx context.Context, svc app.Service, data []byte) (int, error) {
		docs, err := app.ParseList[app.DocumentInput](data)
		if err != nil {
			return 0, err
		}
		return svc.ImportDocuments(ctx, docs, viper.GetString("actor-id"))
	}))
	imp.AddCommand(importSubCmd("runstate", "RUN table rows (run, runtype)", func(ctx context.Context, svc app.Service, data []byte) (int, error) {
		rows, err := app.ParseList[app.RunStateInput](data)
		if err != nil {
			return 0, err
		}
		return svc.ImportRunStates(ctx, rows, viper.GetString("actor-id"))
	}))
	imp.AddCommand(importSubCmd("dqll", "DQLL table rows", func(ctx context.Context, svc app.Service, data []byte) (int, error) {
		rows, err := app.ParseList[app.DQLLInput](data)
		if err != nil {
			return 0, err
		}
		return svc.ImportDQLL(ctx, rows, viper.GetString("actor-id"))
	}))
	return imp
}

func importSubCmd(use, short string, fn func(context.Context, app.Service, []byte) (int, error)) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   use,
		Short: "Import " + short,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withService(cmd.Context(), func(ctx context.Context, svc app.Service) error {
				n, err := fn(ctx, svc, data)
				if err != nil {
					return fmt.Errorf("import %s: %w", file, err)
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"imported": n, "kind": use})
				}
				fmt.Printf("Imported %d %s from %s\n", n, use, file)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func evaluateCmd() *cobra.Command {
	var run int
	var file string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate one run",
		Long: `Without --file the stored tables of the run are evaluated and the result recorded.
With --file the document in the file is evaluated and nothing is stored.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if run <= 0 {
				return fmt.Errorf("--run must be positive")
			}
			return withService(cmd.Context(), func(ctx context.Context, svc app.Service) error {
				var v engine.RunVerdict
				var out any
				if file != "" {
					data, err := os.ReadFile(file)
					if err != nil {
						return err
					}
					rec, err := dq.ParseDocument(data)
					if err != nil {
						return err
					}
					if v, err = svc.Engine.EvaluateRun(rec, run); err != nil {
						return err
					}
					out = v
				} else {
					o, err := svc.EvaluateStored(ctx, run, viper.GetString("actor-id"))
					if err != nil {
						return err
					}
					v, out = o.Verdict, o
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				report.VerdictTable(os.Stdout, []engine.RunVerdict{v})
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&run, "run", 0, "run number")
	cmd.Flags().StringVar(&file, "file", "", "evaluate this document instead of the stored one")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func runlistCmd() *cobra.Command {
	var first, last, parallel int
	var out string
	cmd := &cobra.Command{
		Use:   "runlist",
		Short: "Evaluate a run range and write the run list",
		RunE: func(cmd *cobra.Command, args []string) error {
			if first <= 0 || last < first {
				return fmt.Errorf("need 0 < --first <= --last")
			}
			if out == "" {
				out = fmt.Sprintf("runlist_%d-%d.txt", first, last)
			}
			return withService(cmd.Context(), func(ctx context.Context, svc app.Service) error {
				if parallel > 0 {
					svc.Parallel = parallel
				}
				res, err := svc.EvaluateRange(ctx, first, last, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if err := writeRunList(out, res); err != nil {
					return err
				}
				for _, e := range res.Errors {
					fmt.Fprintln(os.Stderr, "warning:", e)
				}
				if viper.GetBool("json") {
					if err := printJSON(map[string]any{
						"file":      out,
						"evaluated": len(res.Outcomes),
						"skipped":   res.Skipped,
						"errors":    len(res.Errors),
					}); err != nil {
						return err
					}
				} else {
					fmt.Printf("Wrote %s: %d runs evaluated, %d skipped, %d errors\n",
						out, len(res.Outcomes), len(res.Skipped), len(res.Errors))
				}
				return res.Err()
			})
		},
	}
	cmd.Flags().IntVar(&first, "first", 0, "first run")
	cmd.Flags().IntVar(&last, "last", 0, "last run")
	cmd.Flags().IntVar(&parallel, "parallel", 0, "worker count (default from config)")
	cmd.Flags().StringVar(&out, "out", "", "output file (default runlist_<first>-<last>.txt)")
	_ = cmd.MarkFlagRequired("first")
	_ = cmd.MarkFlagRequired("last")
	return cmd
}

func writeRunList(path string, res app.RangeResult) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	rl := report.NewRunList(f)
	if err := rl.WriteHeader(); err != nil {
		f.Close()
		return err
	}
	for _, o := range res.Outcomes {
		if err := rl.WriteRow(o.Row()); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

func statsCmd() *cobra.Command {
	var first, last int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Verdict counts over the latest evaluation of each run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if last < first {
				return fmt.Errorf("--last must not be below --first")
			}
			return withService(cmd.Context(), func(ctx context.Context, svc app.Service) error {
				st, err := svc.Stats(ctx, first, last)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				report.StatsTable(os.Stdout, st)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&first, "first", 0, "first run")
	cmd.Flags().IntVar(&last, "last", 1<<31-1, "last run")
	return cmd
}

func catalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List criteria revisions, the boundary table and thresholds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc app.Service) error {
				cat := svc.Engine.Catalog
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"thresholds": cat.Thresholds(),
						"revisions":  cat.Revisions(),
						"boundaries": cat.Boundaries(),
					})
				}
				report.CatalogTable(os.Stdout, cat)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect runselect.yml",
		Long:  "Config picks the threshold set, batch parallelism, server, logging, roles and webhooks. A missing file means defaults.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the resolved config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate runselect.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
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

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every import, evaluation and key change, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc app.Service) error {
				events, err := svc.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + "/" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles, perms []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 bearer token signed with RUNSELECT_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := server.SignToken(viper.GetString("jwt-secret"), subject, roles, perms, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": tok})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (actor id)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role from rbac.roles (repeatable)")
	cmd.Flags().StringSliceVar(&perms, "permission", nil, "extra permission claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for none")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var actor, name, role string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc app.Service) error {
				key, plain, err := svc.CreateAPIKey(ctx, actor, name, role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"api_key": key, "key": plain})
				}
				fmt.Printf("Created key %s for %s (%s)\n%s\n", key.ID, key.ActorID, key.Role, plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "label")
	create.Flags().StringVar(&role, "role", "", "role from rbac.roles")
	_ = create.MarkFlagRequired("actor")
	_ = create.MarkFlagRequired("role")

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc app.Service) error {
				items, err := svc.Repo.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Role", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.Role, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "actor filter")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc app.Service) error {
				return svc.DeleteAPIKey(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}

	keys.AddCommand(create, list, del)
	return keys
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("RUNSELECT_JWT_SECRET is required for bearer auth")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ws, err := app.OpenWorkspace(ctx, viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer ws.Close()
			svc, err := ws.Service()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("addr") && ws.Config.Server.Addr != "" {
				addr = ws.Config.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && ws.Config.Server.BasePath != "" {
				basePath = ws.Config.Server.BasePath
			}
			log := logging.New("server")
			handler, err := server.New(server.Config{
				Service:  svc,
				Config:   ws.Config,
				BasePath: basePath,
				Auth:     authCfg,
				Log:      log,
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(ctx, svc.Repo, ws.Config.Webhooks, logging.New("webhooks"))

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info("serving", "addr", addr, "base_path", basePath, "thresholds", svc.ThresholdSet())
			fmt.Printf("Serving run selection API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withService(ctx context.Context, fn func(context.Context, app.Service) error) error {
	ws, err := app.OpenWorkspace(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer ws.Close()
	svc, err := ws.Service()
	if err != nil {
		return err
	}
	return fn(ctx, svc)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
