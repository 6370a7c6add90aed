package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trustlens/internal/app"
	"trustlens/internal/batch"
	"trustlens/internal/config"
	"trustlens/internal/domain"
	"trustlens/internal/repo"
	"trustlens/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "trustlens",
	Short: "TrustLens CLI",
	Long: `TrustLens scores video authenticity by fusing independent forensic signals.
- analyze: run one file through extraction, the signal analyzers, and fusion.
- robustness: re-run the analysis under a catalogue of simulated attacks
  (compression, noise, scaling, ...) and report how much each one moves the score.
- batch: analyze many files concurrently; one corrupt file never sinks the batch.
- Results, batch jobs, and the event log live in the .trustlens workspace database.`,
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
	viper.SetEnvPrefix("TRUSTLENS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("verbose", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(robustnessCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(analysesCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(hashCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func analyzeCmd() *cobra.Command {
	var filename string
	cmd := &cobra.Command{
		Use:   "analyze <path>",
		Short: "Analyze a video file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			return withRuntime(func(rt *app.Runtime) error {
				name := filename
				if name == "" {
					name = baseName(path)
				}
				a, err := rt.Engine.Analyze(cmd.Context(), path, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(a)
				}
				printVerdict(a.Filename, a.Verdict)
				fmt.Printf("Stored as %s\n", a.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filename, "filename", "", "display name (defaults to the path's base name)")
	return cmd
}

func robustnessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "robustness <path>",
		Short: "Run the attack matrix against a video file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			return withRuntime(func(rt *app.Runtime) error {
				report, err := rt.Engine.TestRobustness(cmd.Context(), path, baseName(path), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				printVerdict("baseline", report.Baseline)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Attack", "Intensity", "Score", "Degradation", "Error"})
				for _, cell := range report.Attacks {
					deg := ""
					if cell.Degradation != nil {
						deg = fmt.Sprintf("%+.4f", *cell.Degradation)
					}
					tw.AppendRow(table.Row{cell.Key.Attack, cell.Key.Intensity, fmt.Sprintf("%.4f", cell.Score), deg, cell.Error})
				}
				tw.Render()
				if report.MostResilient != nil {
					fmt.Printf("Most resilient:  %s\n", report.MostResilient)
				}
				if report.MostVulnerable != nil {
					fmt.Printf("Most vulnerable: %s\n", report.MostVulnerable)
				}
				return nil
			})
		},
	}
	return cmd
}

func batchCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "batch",
		Short: "Batch analysis jobs",
	}
	b.AddCommand(batchSubmitCmd())
	b.AddCommand(batchStatusCmd())
	return b
}

func batchSubmitCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "submit <path>...",
		Short: "Submit files for concurrent analysis",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *app.Runtime) error {
				items := make([]batch.Item, 0, len(args))
				for _, p := range args {
					items = append(items, batch.Item{Filename: baseName(p), Path: p})
				}
				job, err := rt.Engine.SubmitBatch(cmd.Context(), items, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if wait {
					rt.Engine.Orchestrator.Wait()
					job, err = rt.Engine.BatchStatus(cmd.Context(), job.ID)
					if err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(job)
				}
				printBatchJob(job)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the job finishes")
	return cmd
}

func batchStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show batch job status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *app.Runtime) error {
				job, err := rt.Engine.BatchStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(job)
				}
				printBatchJob(job)
				return nil
			})
		},
	}
	return cmd
}

func analysesCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "analyses",
		Short: "Browse stored analyses",
	}
	a.AddCommand(analysesListCmd())
	a.AddCommand(analysesGetCmd())
	return a
}

func analysesListCmd() *cobra.Command {
	var decision, cursor string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List analyses, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *app.Runtime) error {
				var curCreated, curID string
				if cursor != "" {
					parts := strings.SplitN(cursor, "|", 2)
					if len(parts) != 2 {
						return fmt.Errorf("invalid cursor %q", cursor)
					}
					curCreated, curID = parts[0], parts[1]
				}
				items, err := rt.Engine.ListAnalyses(cmd.Context(), repo.AnalysisFilters{
					Decision:        decision,
					Limit:           limit,
					CursorCreatedAt: curCreated,
					CursorID:        curID,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Filename", "Decision", "Score", "Created"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Filename, it.Verdict.Decision, fmt.Sprintf("%.4f", it.Verdict.FinalScore), it.CreatedAt})
				}
				tw.Render()
				if len(items) == limit && limit > 0 {
					last := items[len(items)-1]
					fmt.Printf("Next cursor: %s|%s\n", last.CreatedAt, last.ID)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "decision filter (real, likely_real, ambiguous, likely_fake, fake)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	cmd.Flags().StringVar(&cursor, "cursor", "", "pagination cursor (created_at|id)")
	return cmd
}

func analysesGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *app.Runtime) error {
				a, err := rt.Engine.GetAnalysis(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(a)
				}
				printVerdict(a.Filename, a.Verdict)
				return nil
			})
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Analysis counts by decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *app.Runtime) error {
				counts, err := rt.Engine.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Decision", "Count"})
				for _, d := range []domain.Decision{
					domain.DecisionReal, domain.DecisionLikelyReal, domain.DecisionAmbiguous,
					domain.DecisionLikelyFake, domain.DecisionFake,
				} {
					tw.AppendRow(table.Row{string(d), counts[string(d)]})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func hashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash <path>",
		Short: "SHA-256 fingerprint of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *app.Runtime) error {
				digest, err := rt.Engine.HashFile(args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"path": args[0], "sha256": digest})
				}
				fmt.Printf("%s  %s\n", digest, args[0])
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *app.Runtime) error {
				events, err := rt.Engine.Repo.LatestEventsFrom(cmd.Context(), n, 0, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					entity := evt.EntityKind
					if evt.EntityID != "" {
						entity += "/" + evt.EntityID
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, entity, evt.ActorID})
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

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *app.Runtime) error {
				target := actor
				if target == "" {
					target = viper.GetString("actor-id")
				}
				key, raw, err := rt.Engine.CreateAPIKey(cmd.Context(), target, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": raw})
				}
				fmt.Printf("Created key %s for %s\n", key.ID, key.ActorID)
				fmt.Printf("Secret (shown once): %s\n", raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *app.Runtime) error {
				keys, err := rt.Engine.Repo.ListAPIKeys(cmd.Context(), actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *app.Runtime) error {
				return rt.Engine.DeleteAPIKey(cmd.Context(), args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Inspect calibration config",
		Long:  "Config holds the fusion weights, quality tiers with their threshold bands, the robustness attack catalogue, and extraction settings. Loaded from <workspace>/trustlens.yml, falling back to built-in defaults.",
	}
	c.AddCommand(configShowCmd())
	c.AddCommand(configValidateCmd())
	c.AddCommand(configInitCmd())
	return c
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

func configValidateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filePath
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			_, err := config.FromFile(path)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "config file (defaults to workspace trustlens.yml)")
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
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
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing file")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *app.Runtime) error {
				authCfg := server.AuthConfig{
					JWTSecret:              os.Getenv("TRUSTLENS_JWT_SECRET"),
					AllowLegacyActorHeader: allowLegacyActor,
					Logger:                 rt.Logger,
				}
				if authCfg.JWTSecret == "" && !allowLegacyActor {
					return fmt.Errorf("TRUSTLENS_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor for local use)")
				}
				handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Auth: authCfg})
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
				fmt.Printf("Serving TrustLens API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor", false, "accept the X-Actor-Id header without credentials")
	return cmd
}

// --- helpers ---

func withRuntime(fn func(*app.Runtime) error) error {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	rt, err := app.Open(viper.GetString("workspace"), logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func printVerdict(label string, v domain.TrustVerdict) {
	fmt.Printf("%s: %s (score %.4f, raw %.4f)\n", label, v.Decision, v.FinalScore, v.RawScore)
	fmt.Printf("  %s\n", v.Reason)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Signal", "Score"})
	for _, name := range []string{domain.SignalVision, domain.SignalAudio, domain.SignalTemporal} {
		if res, ok := v.Signals[name]; ok {
			tw.AppendRow(table.Row{name, fmt.Sprintf("%.4f", res.Score)})
		}
	}
	tw.AppendRow(table.Row{"quality", fmt.Sprintf("%.4f", v.Quality.Overall)})
	tw.Render()
}

func printBatchJob(job domain.BatchJob) {
	fmt.Printf("Job %s: %s (%d/%d, %.0f%%)\n", job.ID, job.Status, job.Completed, job.Total, job.Progress)
	if len(job.Results) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Filename", "Decision", "Score"})
		for _, res := range job.Results {
			tw.AppendRow(table.Row{res.Filename, res.Verdict.Decision, fmt.Sprintf("%.4f", res.Verdict.FinalScore)})
		}
		tw.Render()
	}
	for _, ie := range job.Errors {
		fmt.Printf("  failed: %s: %s\n", ie.Filename, ie.Message)
	}
}

func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
