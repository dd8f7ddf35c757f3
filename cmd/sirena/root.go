package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/S0nnyyy/SirenaVysociny/source"
	"github.com/S0nnyyy/SirenaVysociny/syncer"
)

// RootOptions holds flags shared by every command. A flag overrides the
// config file only when it was set explicitly.
type RootOptions struct {
	ConfigPath string
	EnvFile    string
	Debug      bool
	LogFile    string

	Driver    string
	DBPath    string
	DSN       string
	StoreFile string

	SourceURL string
	Interval  time.Duration
	Backfill  bool
	Listen    string
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sirena",
		Short: "Incremental sync of Vysočina fire rescue interventions",
		Long: `sirena polls the public intervention table, stores new interventions,
tracks their status changes and serves the result over a JSON API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.ConfigPath, "config", "", "YAML config file path")
	pf.StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file with DATABASE_URL / SIRENA_SOURCE_URL")
	pf.BoolVar(&opts.Debug, "debug", false, "enable debug logs")
	pf.StringVar(&opts.LogFile, "log-file", "", "also write logs to this rotated file")
	pf.StringVar(&opts.Driver, "driver", syncer.DriverSQLite, "store driver: sqlite, postgres or file")
	pf.StringVar(&opts.DBPath, "db", "sirena.db", "SQLite database path")
	pf.StringVar(&opts.DSN, "dsn", "", "Postgres connection string")
	pf.StringVar(&opts.StoreFile, "store-file", "interventions.json", "JSON document path for the file driver")
	pf.StringVar(&opts.SourceURL, "url", syncer.DefaultSourceURL, "source page URL")
	pf.DurationVar(&opts.Interval, "interval", syncer.DefaultInterval, "poll interval")
	pf.BoolVar(&opts.Backfill, "backfill", false, "insert unknown rows at or below the cursor")
	pf.StringVar(&opts.Listen, "listen", ":8080", "API listen address")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	return cmd
}

// resolveConfig merges, from lowest to highest precedence: defaults, the YAML
// file, the environment, explicitly set flags.
func resolveConfig(cmd *cobra.Command, opts *RootOptions) (*syncer.FileConfig, error) {
	if err := syncer.LoadDotEnv(opts.EnvFile); err != nil {
		return nil, err
	}
	cfg := &syncer.FileConfig{}
	if opts.ConfigPath != "" {
		loaded, err := syncer.LoadConfig(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	cfg.ApplyEnv()

	changed := func(name string) bool { return cmd.Flags().Changed(name) }
	if changed("debug") {
		cfg.Debug = opts.Debug
	}
	if changed("log-file") {
		cfg.LogFile = opts.LogFile
	}
	if changed("driver") {
		cfg.Store.Driver = opts.Driver
	}
	if changed("db") {
		cfg.Store.Path = opts.DBPath
	}
	if changed("dsn") {
		cfg.Store.DSN = opts.DSN
	}
	if changed("store-file") {
		cfg.Store.File = opts.StoreFile
	}
	if changed("url") {
		cfg.Source.URL = opts.SourceURL
	}
	if changed("interval") {
		cfg.Schedule = syncer.ScheduleConfig{Interval: opts.Interval}
	}
	if changed("backfill") {
		cfg.Reconcile.BackfillBelowCursor = opts.Backfill
	}
	if changed("listen") {
		cfg.API.Listen = opts.Listen
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app is the wired set of components shared by the commands.
type app struct {
	cfg       *syncer.FileConfig
	logger    *slog.Logger
	logCloser io.Closer
	store     syncer.Store
	metrics   *syncer.Metrics
}

func newApp(ctx context.Context, cmd *cobra.Command, opts *RootOptions) (*app, error) {
	cfg, err := resolveConfig(cmd, opts)
	if err != nil {
		return nil, err
	}
	logger, closer := syncer.NewLogger(cmd.ErrOrStderr(), syncer.LogConfig{Debug: cfg.Debug, File: cfg.LogFile})
	logger.Debug("config resolved", "driver", cfg.Store.Driver, "source", cfg.Source.URL)

	st, err := syncer.OpenStore(ctx, cfg.Store)
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &app{cfg: cfg, logger: logger, logCloser: closer, store: st, metrics: syncer.NewMetrics()}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("close store", "err", err)
	}
	_ = a.logCloser.Close()
}

func (a *app) newRunner() (*syncer.Runner, error) {
	reader, err := source.NewReader(source.Config{
		URL:        a.cfg.Source.URL,
		UserAgent:  a.cfg.Source.UserAgent,
		TableIndex: a.cfg.Source.TableIndex,
		Timeout:    a.cfg.Source.Timeout,
		MaxRetries: a.cfg.Source.MaxRetries,
		Backoff:    a.cfg.Source.Backoff,
		MaxBackoff: a.cfg.Source.MaxBackoff,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	sched, err := syncer.NewSchedule(a.cfg.Schedule)
	if err != nil {
		return nil, err
	}
	var notifier syncer.Notifier
	if a.cfg.Notify.SyslogAddr != "" {
		notifier = syncer.NewSyslogNotifier(syncer.NewSyslogClient(a.cfg.Notify.SyslogAddr), a.cfg.Notify)
	}
	return syncer.NewRunner(syncer.RunnerConfig{
		Fetcher:   reader,
		Store:     a.store,
		Reconcile: a.cfg.Reconcile,
		Schedule:  sched,
		Notifier:  notifier,
		Metrics:   a.metrics,
		Logger:    a.logger,
	})
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
