// Package main is the entry point for the mailroom retry worker: a
// long-running process that periodically sweeps failed send records and
// re-attempts them against the provider.
//
// One instance runs per deployment; the sweep loop is single-threaded by
// construction so sweeps never overlap.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailroom/internal/config"
	"mailroom/internal/db"
	"mailroom/internal/delivery"
	"mailroom/internal/provider"
	"mailroom/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("mailroom retry worker starting",
		"environment", cfg.Environment,
		"sweep_interval", cfg.Retry.SweepInterval.String(),
		"batch_size", cfg.Retry.BatchSize,
	)
	appLog := &slogAdapter{l: logger}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("parsing database URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	gateway := provider.NewClient(provider.ClientConfig{
		APIKey:         cfg.Provider.APIKey,
		BaseURL:        cfg.Provider.BaseURL,
		FromAddress:    cfg.Provider.FromAddress,
		FromName:       cfg.Provider.FromName,
		AttemptTimeout: cfg.Provider.AttemptTimeout,
		Logger:         logger,
	})

	alerter, metrics, err := newObservability(ctx, cfg, appLog)
	if err != nil {
		return err
	}

	scheduler := delivery.NewScheduler(delivery.SchedulerConfig{
		Records:               db.NewSendRecordRepository(pool),
		Gateway:               gateway,
		Alerter:               alerter,
		Metrics:               metrics,
		Logger:                appLog,
		SweepInterval:         cfg.Retry.SweepInterval,
		BatchSize:             cfg.Retry.BatchSize,
		MaxRetries:            cfg.Retry.MaxRetries,
		MaxAge:                cfg.Retry.MaxAge,
		SweepConcurrency:      cfg.Retry.SweepConcurrency,
		FailureAlertThreshold: cfg.Retry.FailureAlertThreshold,
		FailureWindow:         cfg.Retry.FailureWindow,
	})

	if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("retry scheduler: %w", err)
	}
	logger.Info("mailroom retry worker stopped cleanly")
	return nil
}

// newObservability wires the alert sink and metrics backend, mirroring the
// API process so both emit to the same channels.
func newObservability(ctx context.Context, cfg *config.Config, appLog types.Logger) (delivery.Alerter, delivery.Metrics, error) {
	var alerter delivery.Alerter = delivery.NewLogAlerter(appLog)
	var metrics delivery.Metrics = delivery.NoopMetrics{}

	if cfg.AWS.AlertQueueURL == "" && cfg.Environment == "local" {
		return alerter, metrics, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	if cfg.AWS.EndpointURL != "" {
		awsCfg.BaseEndpoint = &cfg.AWS.EndpointURL
	}

	if cfg.AWS.AlertQueueURL != "" {
		alerter = delivery.NewSQSAlerter(sqs.NewFromConfig(awsCfg), cfg.AWS.AlertQueueURL, appLog)
	}
	if cfg.Environment != "local" {
		metrics = delivery.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.AWS.MetricsNamespace, appLog)
	}
	return alerter, metrics, nil
}

// newLogger creates a JSON slog.Logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// slogAdapter bridges *slog.Logger to the types.Logger interface the domain
// packages depend on.
type slogAdapter struct {
	l *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.l.Info(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.l.Error(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger { return &slogAdapter{l: a.l.With(args...)} }
