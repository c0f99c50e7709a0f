package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"github.com/bryan-buckman/digestdesk/internal/config"
	"github.com/bryan-buckman/digestdesk/internal/database"
	"github.com/bryan-buckman/digestdesk/internal/github/githubtest"
	"github.com/bryan-buckman/digestdesk/internal/opml"
	"github.com/bryan-buckman/digestdesk/internal/rss"
	"github.com/bryan-buckman/digestdesk/internal/server"
	"github.com/bryan-buckman/digestdesk/internal/summary"
	"github.com/bryan-buckman/digestdesk/internal/workflow"
)

var version = "dev"

var (
	configFile string
	devMode    bool
	allFeeds   bool
)

var rootCmd = &cobra.Command{
	Use:           "digestdesk",
	Short:         "Admin backend for a GitHub-hosted news digest",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the admin API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile, cmd.Flags().Changed("config"))
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return serve(cmd.Context(), cfg, logger)
	},
}

var checkFeedsCmd = &cobra.Command{
	Use:   "check-feeds <opml-file>",
	Short: "Fetch every feed of an OPML file and report its health",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		feeds, err := opml.Parse(f)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", args[0], err)
		}
		if !allFeeds {
			enabled := feeds[:0]
			for _, fd := range feeds {
				if fd.Enabled {
					enabled = append(enabled, fd)
				}
			}
			feeds = enabled
		}

		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
		results := rss.NewChecker(nil, logger).Check(cmd.Context(), feeds)

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STATUS\tGROUP\tNAME\tITEMS\tLATEST\tERROR")
		failed := 0
		for _, r := range results {
			status, latest := "ok", "-"
			if !r.OK() {
				status = "FAIL"
				failed++
			}
			if r.Latest != nil {
				latest = r.Latest.Format(time.DateTime)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", status, r.Group, r.Name, r.Items, latest, r.Error)
		}
		w.Flush()
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d feeds checked, %d failed\n", len(results), failed)
		if failed > 0 {
			return fmt.Errorf("%d feeds failed", failed)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "digestdesk", version)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configFile, "config", "digestdesk.yaml", "Path to the YAML config file")
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Serve against an in-memory fake GitHub repository")
	checkFeedsCmd.Flags().BoolVar(&allFeeds, "all", false, "Also check feeds marked disabled")
	rootCmd.AddCommand(serveCmd, checkFeedsCmd, versionCmd)
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

const devWorkflow = `name: Fetch News

on:
  schedule:
    - cron: '0 22 * * *'
  workflow_dispatch:
`

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open session database: %w", err)
	}
	defer db.Close()

	files := make(map[workflow.Job]string, len(cfg.GitHub.Workflows))
	for name, file := range cfg.GitHub.Workflows {
		job, err := workflow.ParseJob(name)
		if err != nil {
			return fmt.Errorf("github.workflows: %w", err)
		}
		files[job] = file
	}

	opts := server.Options{
		GitHubBaseURL: cfg.GitHub.BaseURL,
		Branch:        cfg.GitHub.Branch,
		Ref:           cfg.GitHub.Ref,
		Workflows:     files,
		SessionTTL:    cfg.SessionTTL,
		Watch:         workflow.WatchOptions{Interval: cfg.Watch.Interval, Horizon: cfg.Watch.Horizon},
		Summary: summary.Options{
			Provider: cfg.Summary.Provider,
			Model:    cfg.Summary.Model,
			BaseURL:  cfg.Summary.BaseURL,
		},
		Logger: logger,
	}
	if cfg.WeWeURL != "" {
		opts.WeWe = rss.NewWeWe(cfg.WeWeURL)
	}

	if devMode {
		fake := githubtest.New()
		defer fake.Close()
		fake.SetFile(workflow.WorkflowsDir+"/"+workflow.DefaultFiles[workflow.JobFetch], []byte(devWorkflow))
		opts.GitHubBaseURL = fake.URL
		opts.HTTPClient = fake.Server.Client()
		opts.Branch = ""
		fmt.Printf("Dev mode: log in with token %q, owner %q, repo %q\n", githubtest.Token, githubtest.Owner, githubtest.Repo)
	}

	srv := server.New(db, opts)
	errc := make(chan error, 1)
	go func() { errc <- srv.Start(cfg.Addr) }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errc
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
