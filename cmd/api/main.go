// Package main is the entry point for the mailroom API server: the send
// endpoint, the message query surface, the provider event webhook, and the
// health check.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailroom/internal/api/handlers"
	"mailroom/internal/config"
	"mailroom/internal/core"
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
	logger.Info("mailroom API starting",
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
	)
	appLog := &slogAdapter{l: logger}

	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	records := db.NewSendRecordRepository(pool)
	suppressions := db.NewSuppressionRepository(pool)

	verifier, err := provider.NewEventVerifier(cfg.Webhook.PublicKey)
	if err != nil {
		return fmt.Errorf("configuring webhook verifier: %w", err)
	}

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

	pipeline := delivery.NewPipeline(delivery.PipelineConfig{
		Records:      records,
		Suppressions: suppressions,
		Gateway:      gateway,
		Safeguard: delivery.NewSafeguard(
			delivery.SafeguardMode(cfg.Safeguard.Mode),
			cfg.Safeguard.NormalizedDomains(),
			cfg.Safeguard.RedirectAddress,
			appLog,
		),
		Alerter:           alerter,
		Metrics:           metrics,
		Logger:            appLog,
		InitialRetryDelay: cfg.Retry.InitialDelay,
		MaxRetries:        cfg.Retry.MaxRetries,
		MaxAge:            cfg.Retry.MaxAge,
	})

	applier := delivery.NewApplier(delivery.ApplierConfig{
		Records:      records,
		Suppressions: suppressions,
		Alerter:      alerter,
		Metrics:      metrics,
		Logger:       appLog,
	})

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = []core.HealthProbe{
		core.ProbeFunc{ProbeName: "database", Fn: pool.Ping},
	}

	handlers.NewMessagesHandler(pipeline, records, appLog).Mount(srv.Router())
	handlers.NewDeliveryWebhookHandler(verifier, applier, cfg.Webhook.MaxBodySize, appLog).Mount(srv.Router())

	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("mailroom API stopped cleanly")
	return nil
}

// newPool builds the pgx connection pool from the database config.
func newPool(ctx context.Context, dbCfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dbCfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	poolCfg.MaxConns = int32(dbCfg.MaxConns)
	poolCfg.MinConns = int32(dbCfg.MinConns)
	poolCfg.MaxConnLifetime = dbCfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, dbCfg.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// newObservability wires the alert sink and metrics backend. Without an alert
// queue configured, alerts go to the structured log; outside local
// environments metrics go to CloudWatch.
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
