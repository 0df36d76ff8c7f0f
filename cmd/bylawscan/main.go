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
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bylawscan/internal/config"
	"bylawscan/internal/db"
	"bylawscan/internal/domain"
	"bylawscan/internal/engine"
	"bylawscan/internal/migrate"
	"bylawscan/internal/repo"
	"bylawscan/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bylawscan",
	Short: "Municipal bylaw relevance pipeline",
	Long: `bylawscan ingests municipal regulatory documents, downloads and extracts
their text, and scores it for accessory-dwelling-unit regulation relevance.
Documents move through three stages (download, extraction, analysis); bulk
jobs drive many documents through the stages with bounded parallelism and
externally pollable progress.`,
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
	viper.SetEnvPrefix("BYLAWSCAN")
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
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(docCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default bylawscan.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	return cmd
}

func orgCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "org", Short: "Manage organizations"}
	cmd.AddCommand(orgAddCmd())
	cmd.AddCommand(orgListCmd())
	return cmd
}

func orgAddCmd() *cobra.Command {
	var state, website string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register an organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				org, err := e.CreateOrganization(ctx, args[0], state, website)
				if err != nil {
					return err
				}
				return printJSON(org)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state or province")
	cmd.Flags().StringVar(&website, "website", "", "organization website")
	return cmd
}

func orgListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List organizations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				orgs, err := e.Repo.ListOrganizations(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(orgs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "State", "Website"})
				for _, o := range orgs {
					tw.AppendRow(table.Row{o.ID, o.Name, o.State, o.Website})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func docCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "doc", Short: "Manage documents"}
	cmd.AddCommand(docIngestCmd())
	cmd.AddCommand(docListCmd())
	cmd.AddCommand(docShowCmd())
	return cmd
}

func docIngestCmd() *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "ingest <org-id> <title> <source-url>",
		Short: "Register a discovered document",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				doc, err := e.IngestDocument(ctx, args[0], args[1], args[2], contentType)
				if err != nil {
					return err
				}
				return printJSON(doc)
			})
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "expected content type")
	return cmd
}

func docListCmd() *cobra.Command {
	var orgID, stage, status string
	var relevant bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				f := repo.DocumentFilters{
					OrgID:  orgID,
					Stage:  domain.Stage(stage),
					Status: domain.StageStatus(status),
					Limit:  limit,
				}
				if cmd.Flags().Changed("relevant") {
					f.Relevant = &relevant
				}
				docs, err := e.Repo.ListDocuments(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(docs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Download", "Extraction", "Analysis", "Relevant", "Confidence"})
				for _, d := range docs {
					relevantCol, confidenceCol := "", ""
					if d.IsRelevant != nil {
						relevantCol = fmt.Sprint(*d.IsRelevant)
					}
					if d.RelevanceConfidence != nil {
						confidenceCol = fmt.Sprintf("%.3f", *d.RelevanceConfidence)
					}
					tw.AppendRow(table.Row{d.ID, d.Title, d.DownloadStatus, d.ExtractionStatus, d.AnalysisStatus, relevantCol, confidenceCol})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organization id filter")
	cmd.Flags().StringVar(&stage, "stage", "", "stage filter (with --status)")
	cmd.Flags().StringVar(&status, "status", "", "stage status filter (with --stage)")
	cmd.Flags().BoolVar(&relevant, "relevant", false, "relevance verdict filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func docShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <document-id>",
		Short: "Show one document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				doc, err := e.Repo.GetDocument(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(doc)
			})
		},
	}
}

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "job", Short: "Manage bulk jobs"}
	cmd.AddCommand(jobStartCmd())
	cmd.AddCommand(jobShowCmd())
	cmd.AddCommand(jobListCmd())
	cmd.AddCommand(jobCancelCmd())
	cmd.AddCommand(jobDeleteCmd())
	cmd.AddCommand(jobWatchCmd())
	return cmd
}

func jobStartCmd() *cobra.Command {
	var targets []string
	var priority string
	var skipExisting, retryFailed, validateResults bool
	var batchSize int
	var detach bool
	cmd := &cobra.Command{
		Use:   "start <operation>",
		Short: "Start a bulk job (download_all, extract_all, analyze_all, full_pipeline, organization_batch)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				job, err := e.StartJob(ctx, engine.StartJobOptions{
					Operation:  domain.Operation(args[0]),
					TargetOrgs: targets,
					Priority:   domain.Priority(priority),
					Options: &domain.JobOptions{
						SkipExisting:    skipExisting,
						RetryFailed:     retryFailed,
						ValidateResults: validateResults,
						BatchSize:       batchSize,
					},
				})
				if err != nil {
					return err
				}
				if detach {
					return printJSON(job)
				}
				return watchJob(ctx, e, job.ID)
			})
		},
	}
	cmd.Flags().StringSliceVar(&targets, "org", []string{domain.TargetAll}, "target organization ids, or 'all'")
	cmd.Flags().StringVar(&priority, "priority", "", "low|normal|high|urgent")
	cmd.Flags().BoolVar(&skipExisting, "skip-existing", true, "skip stages already completed")
	cmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "reschedule previously failed stages")
	cmd.Flags().BoolVar(&validateResults, "validate-results", false, "sanity-check analysis outputs")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "batch size (0 = config default)")
	cmd.Flags().BoolVar(&detach, "detach", false, "print the job and exit without waiting")
	return cmd
}

func jobShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job and its progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				job, err := e.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				snap, err := e.GetProgress(ctx, args[0])
				if err != nil && !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				return printJSON(map[string]any{"job": job, "progress": snap})
			})
		},
	}
}

func jobListCmd() *cobra.Command {
	var status, operation string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Job history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				jobs, total, err := e.ListJobs(ctx, repo.JobFilters{
					Status:    domain.JobStatus(status),
					Operation: domain.Operation(operation),
					Limit:     limit,
					Offset:    offset,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"jobs": jobs, "total": total})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Operation", "Status", "Progress", "Created"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.ID, j.Operation, j.Status,
						fmt.Sprintf("%d/%d", j.CompletedOperations, j.TotalOperations), j.CreatedAt})
				}
				tw.Render()
				fmt.Printf("%d of %d\n", len(jobs), total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&operation, "operation", "", "operation filter")
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	return cmd
}

func jobCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cooperative cancellation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				job, err := e.CancelJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(job)
			})
		},
	}
}

func jobDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a terminal job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.DeleteJob(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func jobWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Poll a job until it reaches a terminal state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return watchJob(ctx, e, args[0])
			})
		},
	}
}

// watchJob is the fixed-interval polling loop: re-fetch until terminal.
func watchJob(ctx context.Context, e *engine.Engine, jobID string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		job, err := e.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		snap, err := e.GetProgress(ctx, jobID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		eta := ""
		if snap.EstimatedSecondsRemaining != nil {
			eta = fmt.Sprintf(" eta=%.0fs", *snap.EstimatedSecondsRemaining)
		}
		fmt.Printf("\r%s %d/%d%s   ", job.Status, job.CompletedOperations, job.TotalOperations, eta)
		if job.Status.Terminal() {
			fmt.Println()
			return printJSON(job)
		}
		select {
		case <-ctx.Done():
			fmt.Println()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func scoreCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "score [text]",
		Short: "Score text for ADU relevance",
		Long:  "Scores the given text, stdin, or a local file. PDF and HTML files are run through text extraction first.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var text string
				switch {
				case len(args) == 1:
					text = args[0]
				case file != "":
					data, err := os.ReadFile(file)
					if err != nil {
						return err
					}
					text, err = e.Extractor.Extract(ctx, data, contentTypeForFile(file), "")
					if err != nil {
						return err
					}
				default:
					data, err := io.ReadAll(os.Stdin)
					if err != nil {
						return err
					}
					text = string(data)
				}
				return printJSON(e.ScoreText(text))
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "read text from file (.pdf and .html are extracted)")
	return cmd
}

func contentTypeForFile(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "application/pdf"
	case ".html", ".htm":
		return "text/html"
	}
	return "text/plain"
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				evts, err := e.Events.Tail(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "ID", "Payload"})
				for _, ev := range evts {
					tw.AppendRow(table.Row{ev.TS, ev.Type, ev.EntityKind, ev.EntityID, ev.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&limit, "limit", 50, "max events")
	cmd.AddCommand(tail)
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
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

			log := slog.New(slog.NewTextHandler(os.Stderr, nil))
			e := engine.New(conn, cfg, log)
			defer e.Close()
			if err := e.FailInterruptedJobs(cmd.Context()); err != nil {
				return err
			}

			handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
			if err != nil {
				return err
			}
			if addr == "" {
				addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info("serving bylawscan API", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
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
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	e := engine.New(conn, cfg, log)
	defer e.Close()
	return fn(ctx, e)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
