// Package main provides the postloop CLI entry point.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/richinex/postloop/cli"
	"github.com/richinex/postloop/config"
	"github.com/richinex/postloop/telemetry"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
)

var version = "dev"

var (
	// Global flags
	provider    string
	dbPath      string
	promptsFile string
	tenant      string
	maxIter     int
	concurrency int
	jsonOut     bool
	verbose     bool
)

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	rootCmd := &cobra.Command{
		Use:     "postloop",
		Short:   "Draft social posts and topic plans with a create, critique and fix loop",
		Version: version,
		Long: `A CLI for refining content with LLM agents.

A creator drafts, a critic scores from 0 to 100 and a fixer revises until the
score reaches the target or the iteration budget runs out. Every stage is
recorded and can be inspected with "runs show".

Agent prompts, providers, models and keys are per-tenant settings, created
from defaults on first use and editable with "settings set".`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&provider, "provider", "p", "", "Default LLM provider ("+strings.Join(config.SupportedProviders(), ", ")+")")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite path or postgres:// DSN (default $POSTLOOP_DB or .postloop/postloop.db)")
	rootCmd.PersistentFlags().StringVar(&promptsFile, "prompts", "", "YAML file overriding built-in agent defaults")
	rootCmd.PersistentFlags().StringVarP(&tenant, "tenant", "t", cli.DefaultTenant, "Tenant whose settings and runs are used")
	rootCmd.PersistentFlags().IntVarP(&maxIter, "max-iter", "m", 0, "Maximum critic passes per run (default $REFINE_MAX_ITERATIONS or 3)")
	rootCmd.PersistentFlags().IntVar(&concurrency, "concurrency", 0, "Parallel runs for batch (default $REFINE_CONCURRENCY or 4)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")

	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(topicsCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(settingsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp wires the application around fn and tears it down afterwards.
func withApp(fn func(ctx context.Context, app *cli.App) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := cli.Options{
		Provider:      provider,
		DBPath:        dbPath,
		PromptsFile:   promptsFile,
		Tenant:        tenant,
		MaxIterations: maxIter,
		Concurrency:   concurrency,
		JSON:          jsonOut,
	}
	settings, err := cli.LoadSettings(opts)
	if err != nil {
		return err
	}

	level := settings.LogLevel
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	shutdown, err := telemetry.Init(ctx, settings.Telemetry.Endpoint, settings.Telemetry.ServiceName, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	app, err := cli.OpenWithSettings(ctx, settings, opts, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}()

	return fn(ctx, app)
}

func draftCmd() *cobra.Command {
	var opts cli.DraftOptions

	cmd := &cobra.Command{
		Use:   "draft [topic]",
		Short: "Draft and refine one post",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Topic = args[0]
			return withApp(func(ctx context.Context, app *cli.App) error {
				return cli.Draft(ctx, app, opts)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Theme, "theme", "", "Weekly theme the post belongs to")
	cmd.Flags().StringVar(&opts.Prompt, "prompt", "", "Replace the creator system prompt for this run")
	cmd.Flags().StringVar(&opts.Model, "model", "", "Use this model for every stage of this run")

	return cmd
}

func topicsCmd() *cobra.Command {
	var opts cli.TopicsOptions

	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Plan and refine a list of topics for a theme",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *cli.App) error {
				return cli.Topics(ctx, app, opts)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Theme, "theme", "", "Weekly theme")
	cmd.Flags().IntVarP(&opts.Count, "count", "n", 7, "Number of topics")
	cmd.Flags().StringArrayVar(&opts.Existing, "existing", nil, "Topic already covered (repeatable)")
	cmd.Flags().StringVar(&opts.Prompt, "prompt", "", "Replace the creator system prompt for this run")
	cmd.Flags().StringVar(&opts.Model, "model", "", "Use this model for every stage of this run")
	_ = cmd.MarkFlagRequired("theme")

	return cmd
}

func batchCmd() *cobra.Command {
	var opts cli.BatchOptions

	cmd := &cobra.Command{
		Use:   "batch [topic...]",
		Short: "Draft and refine several posts concurrently",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Topics = args
			return withApp(func(ctx context.Context, app *cli.App) error {
				return cli.Batch(ctx, app, opts)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Theme, "theme", "", "Weekly theme the posts belong to")
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "Read topics from a file, one per line (- for stdin)")
	cmd.Flags().StringVar(&opts.Model, "model", "", "Use this model for every stage")

	return cmd
}

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded refinement runs",
	}

	var all bool
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the newest runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *cli.App) error {
				return cli.ListRuns(ctx, app, all, limit)
			})
		},
	}
	list.Flags().BoolVar(&all, "all", false, "List runs of every tenant")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum runs to show")

	show := &cobra.Command{
		Use:   "show [run-id]",
		Short: "Show a run with every stage it recorded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *cli.App) error {
				return cli.ShowRun(ctx, app, args[0])
			})
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read and change per-tenant agent settings",
		Long: `Agent settings are keyed agent.<slot>.<field>.

Slots: post_creator, post_critic, post_fixer, topic_creator, topic_critic, topic_fixer
Fields: prompt, provider, model, api_key`,
	}

	get := &cobra.Command{
		Use:   "get [key]",
		Short: "Print a setting, initializing it from defaults if absent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *cli.App) error {
				return cli.GetSetting(ctx, app, args[0])
			})
		},
	}

	set := &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Store a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *cli.App) error {
				return cli.SetSetting(ctx, app, args[0], args[1])
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *cli.App) error {
				return cli.ListSettings(ctx, app)
			})
		},
	}

	cmd.AddCommand(get, set, list)
	return cmd
}
