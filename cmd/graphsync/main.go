package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ajitpratap0/graphsync/internal/config"
	"github.com/ajitpratap0/graphsync/internal/fetch"
	"github.com/ajitpratap0/graphsync/internal/migrate"
	"github.com/ajitpratap0/graphsync/internal/orchestrator"
	"github.com/ajitpratap0/graphsync/internal/registry"
	"github.com/ajitpratap0/graphsync/internal/store"
)

var (
	cfg        *config.Config
	schemaPath string
)

// exitError carries a process exit code other than 1.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	rootCmd := &cobra.Command{
		Use:          "graphsync",
		Short:        "graphsync mirrors a SaaS REST API into a Neo4j graph",
		Long:         "graphsync fetches paginated records from a SaaS API, upserts them as nodes, links them by foreign key, maintains aggregate metrics and versions the graph schema with migrations.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&schemaPath, "schema", "", "schema definition file (overrides sync.schema_file)")

	rootCmd.AddCommand(
		syncCmd(),
		migrateCmd(),
		scheduleCmd(),
		serveCmd(),
		mcpCmd(),
		healthCmd(),
		validateCmd(),
	)

	rootCmd.SetContext(ctx)

	err := rootCmd.Execute()
	stop()
	if err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	var out io.Writer = os.Stderr
	format := "text"
	if cfg != nil {
		switch cfg.Logging.Level {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
		if cfg.Logging.File != "" {
			out = &lumberjack.Logger{
				Filename:   cfg.Logging.File,
				MaxSize:    cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
				MaxAge:     cfg.Logging.MaxAgeDays,
				Compress:   true,
			}
		}
		format = cfg.Logging.Format
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

func newStore(ctx context.Context, logger *slog.Logger) (store.Store, error) {
	st, err := store.NewNeo4jStore(ctx, store.Neo4jOptions{
		URI:          cfg.Neo4j.URI,
		Username:     cfg.Neo4j.Username,
		Password:     cfg.Neo4j.Password,
		Database:     cfg.Neo4j.Database,
		MaxPoolSize:  cfg.Neo4j.MaxPoolSize,
		DialTimeout:  cfg.Neo4j.ConnectTimeout,
		ReadTimeout:  cfg.Neo4j.ReadTimeout,
		WriteTimeout: cfg.Neo4j.WriteTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func newAuthenticator() fetch.Authenticator {
	a := cfg.Source.Auth
	switch a.Type {
	case config.AuthAPIKey:
		return &fetch.APIKey{Header: a.APIKeyHeader, Key: a.APIKey}
	case config.AuthBasic:
		return fetch.BasicAuth(a.Username, a.Password)
	case config.AuthBearer:
		return fetch.BearerToken(a.Token)
	default:
		return fetch.NewOAuth2ClientCredentials(a.TokenURL, a.ClientID, a.ClientSecret, a.Scopes, nil)
	}
}

func newClient(logger *slog.Logger) (*fetch.Client, error) {
	if err := cfg.ValidateSource(); err != nil {
		return nil, fmt.Errorf("validating source config: %w", err)
	}
	src := cfg.Source
	opts := fetch.Options{
		BaseURL:   src.BaseURL,
		UserAgent: src.UserAgent,
		Auth:      newAuthenticator(),
		Retry: fetch.RetryPolicy{
			MaxAttempts: src.Retry.MaxAttempts,
			BaseDelay:   src.Retry.BaseDelay,
			MaxDelay:    src.Retry.MaxDelay,
		},
		MinInterval: src.MinRequestInterval,
		Timeout:     src.RequestTimeout,
	}
	if cb := src.CircuitBreaker; cb.Enabled {
		opts.Breaker = &fetch.BreakerSettings{
			MaxRequests:  cb.MaxRequests,
			Interval:     cb.Interval,
			Timeout:      cb.Timeout,
			MinRequests:  cb.MinRequests,
			FailureRatio: cb.FailureRatio,
		}
	}
	return fetch.NewClient(opts, logger), nil
}

// loadRegistry reads the schema file and validates it against st.
func loadRegistry(st store.Store, logger *slog.Logger) (*registry.Registry, error) {
	path := schemaPath
	if path == "" {
		path = cfg.Sync.SchemaFile
	}
	b, err := registry.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return b.MigrationBatchSize(cfg.Migrate.BatchSize).Build(st, logger)
}

func newMigrator(st store.Store, reg *registry.Registry, logger *slog.Logger) (*migrate.Engine, error) {
	return migrate.NewEngine(st, reg.Migrations(), migrate.Options{LockTTL: cfg.Migrate.LockTTL}, logger)
}

func newOrchestrator(reg *registry.Registry, client *fetch.Client, st store.Store, logger *slog.Logger) *orchestrator.Orchestrator {
	return orchestrator.New(reg, client, st, orchestrator.Config{
		BatchSize:     cfg.Sync.BatchSize,
		Concurrency:   cfg.Sync.Concurrency,
		WriteRetries:  cfg.Sync.WriteRetries,
		Lookback:      cfg.Sync.Lookback,
		SampleLimit:   cfg.Sync.SampleLimit,
		EnableMetrics: cfg.Sync.EnableMetrics,
	}, logger)
}

// app is the wiring shared by the long-running commands.
type app struct {
	st       store.Store
	reg      *registry.Registry
	migrator *migrate.Engine
	orch     *orchestrator.Orchestrator
}

// newRuntime connects to the graph and builds every component. The fetch
// client is only built when withSource is set.
func newRuntime(ctx context.Context, logger *slog.Logger, withSource bool) (*app, error) {
	st, err := newStore(ctx, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to graph store: %w", err)
	}
	reg, err := loadRegistry(st, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	migrator, err := newMigrator(st, reg, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	rt := &app{st: st, reg: reg, migrator: migrator}
	if withSource {
		client, err := newClient(logger)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		rt.orch = newOrchestrator(reg, client, st, logger)
	}
	return rt, nil
}

func (rt *app) Close() error {
	return rt.st.Close()
}
