// doorpostd serves the visual analysis API and runs the worker pool that
// drains the submission queue.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcsclient "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/7and1/thedoorpost/internal/analyzer"
	"github.com/7and1/thedoorpost/internal/api"
	"github.com/7and1/thedoorpost/internal/clock"
	"github.com/7and1/thedoorpost/internal/config"
	"github.com/7and1/thedoorpost/internal/deadletter"
	"github.com/7and1/thedoorpost/internal/id/uuid"
	"github.com/7and1/thedoorpost/internal/jobstore"
	"github.com/7and1/thedoorpost/internal/kv"
	kvmemory "github.com/7and1/thedoorpost/internal/kv/memory"
	"github.com/7and1/thedoorpost/internal/logging"
	"github.com/7and1/thedoorpost/internal/metrics"
	"github.com/7and1/thedoorpost/internal/orchestrator"
	"github.com/7and1/thedoorpost/internal/progress"
	"github.com/7and1/thedoorpost/internal/queue/memory"
	"github.com/7and1/thedoorpost/internal/queue/pubsub"
	"github.com/7and1/thedoorpost/internal/ratelimit"
	"github.com/7and1/thedoorpost/internal/renderer"
	"github.com/7and1/thedoorpost/internal/reportstore"
	"github.com/7and1/thedoorpost/internal/safeurl"
	"github.com/7and1/thedoorpost/internal/scorer"
	gcsstore "github.com/7and1/thedoorpost/internal/storage/gcs"
	memstore "github.com/7and1/thedoorpost/internal/storage/memory"
	"github.com/7and1/thedoorpost/internal/verify"
	"github.com/7and1/thedoorpost/internal/webhook"
	"github.com/7and1/thedoorpost/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional, env vars apply)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "doorpostd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	kvStore := kvmemory.New()
	dlq := deadletter.New(kvStore, logger.Named("deadletter"))
	jobs := jobstore.New(kvStore, cfg.JobTTL(), logger.Named("jobstore"))

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	durable, dbPing, dbClose, err := buildDurable(ctx, cfg)
	if err != nil {
		return err
	}
	defer dbClose()

	reports := reportstore.New(kvStore, durable, blobs, dlq, cfg.ReportCacheTTL(), logger.Named("reportstore"))

	queue, queueClose, err := buildQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer queueClose()

	// Mock mode runs the full pipeline without Chrome or model traffic.
	var rend analyzer.Renderer
	if cfg.Scorer.Mock {
		mockRend := renderer.NewMock()
		defer mockRend.Close()
		rend = mockRend
	} else {
		chromeRend, err := renderer.New(renderer.Config{
			MaxParallel:       cfg.Render.MaxParallel,
			UserAgent:         cfg.Render.UserAgent,
			NavigationTimeout: cfg.NavTimeout(),
		}, logger.Named("renderer"))
		if err != nil {
			return fmt.Errorf("init renderer: %w", err)
		}
		defer chromeRend.Close()
		rend = chromeRend
	}

	score := scorer.New(scorer.Config{
		BaseURL:    cfg.Scorer.BaseURL,
		APIKeys:    cfg.Scorer.APIKeys,
		Models:     cfg.Scorer.Models,
		Stream:     cfg.Scorer.Stream,
		MaxRetries: cfg.Scorer.MaxRetries,
		Timeout:    time.Duration(cfg.Scorer.TimeoutSeconds) * time.Second,
		Mock:       cfg.Scorer.Mock,
	}, logger.Named("scorer"))
	score.SetAttemptObserver(func(model, outcome string) {
		m.ScorerAttempts.WithLabelValues(model, outcome).Inc()
	})

	notifier := webhook.New(webhook.Config{
		Timeout:    time.Duration(cfg.Webhook.TimeoutSeconds) * time.Second,
		MaxRetries: cfg.Webhook.MaxRetries,
	}, dlq, logger.Named("webhook"))

	sysClock := clock.System{}
	ids := uuid.Generator{}

	orch := orchestrator.New(orchestrator.Deps{
		Jobs:       jobs,
		Reports:    reports,
		Blobs:      blobs,
		Renderer:   rend,
		Scorer:     score,
		Notifier:   notifier,
		IDs:        ids,
		Clock:      sysClock,
		Metrics:    m,
		BlobPrefix: cfg.Storage.Prefix,
	}, logger.Named("orchestrator"))

	pool := worker.New(queue, orch, cfg.Workers.Concurrency, m, logger.Named("worker"))
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		pool.Run(ctx)
	}()

	validator := safeurl.New(safeurl.Config{
		EnableDoH:   cfg.Safety.EnableDoH,
		DoHEndpoint: cfg.Safety.DoHEndpoint,
		DNSTimeout:  time.Duration(cfg.Safety.DNSTimeoutSec) * time.Second,
		CacheTTL:    time.Duration(cfg.Safety.DNSCacheTTLSec) * time.Second,
	}, logger.Named("safeurl"))

	verifier := verify.New(verify.Config{
		Secret:     cfg.Verify.Secret,
		Endpoint:   cfg.Verify.Endpoint,
		SkipVerify: cfg.Verify.SkipVerify,
	}, logger.Named("verify"))

	server := api.New(api.Config{
		RequestTimeout: time.Duration(cfg.Server.RequestTimeout) * time.Second,
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		AdminAPIKey:    cfg.Auth.AdminAPIKey,
		AllowedOrigins: cfg.Origins.Allowed,
		IPPerMinute:    cfg.Limits.IPPerMinute,
		EmailPerMinute: cfg.Limits.EmailPerMinute,
	}, api.Deps{
		Jobs:       jobs,
		Reports:    reports,
		Aggregates: reports,
		Queue:      queue,
		Limiter:    buildLimiter(cfg, kvStore),
		Verifier:   verifier,
		Validator:  validator,
		Streamer:   progress.New(jobs, logger.Named("progress")),
		IDs:        ids,
		Clock:      sysClock,
		Metrics:    m,
		Gatherer:   registry,
		Health: api.Health{
			KV:          kvStore,
			PingDB:      dbPing,
			Blobs:       blobs,
			ScorerReady: cfg.Scorer.Mock || len(cfg.Scorer.APIKeys) > 0,
		},
	}, logger.Named("api"))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.Int("port", cfg.Server.Port))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	stop()
	<-workersDone
	logger.Info("stopped")
	return nil
}

func buildBlobStore(ctx context.Context, cfg config.Config) (analyzer.BlobStore, error) {
	switch cfg.Storage.Provider {
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		return gcsstore.New(client, gcsstore.Config{
			Bucket:        cfg.Storage.GCSBucket,
			PublicBaseURL: cfg.Reports.PublicBaseURL,
		})
	case "memory", "":
		return memstore.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Storage.Provider)
	}
}

func buildDurable(ctx context.Context, cfg config.Config) (reportstore.Durable, func(context.Context) error, func(), error) {
	switch cfg.DB.Provider {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DB.DSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		pg := reportstore.NewPostgres(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return pg, pool.Ping, pool.Close, nil
	case "noop", "":
		return reportstore.NewMemory(), nil, func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown db provider %q", cfg.DB.Provider)
	}
}

func buildQueue(ctx context.Context, cfg config.Config, logger *zap.Logger) (analyzer.Queue, func(), error) {
	switch cfg.Queue.Provider {
	case "pubsub":
		q, err := pubsub.New(ctx, pubsub.Config{
			ProjectID:      cfg.Queue.ProjectID,
			TopicID:        cfg.Queue.TopicID,
			SubscriptionID: cfg.Queue.SubscriptionID,
		}, logger.Named("queue"))
		if err != nil {
			return nil, nil, err
		}
		return q, func() {
			if closeErr := q.Close(); closeErr != nil {
				logger.Warn("close pubsub queue", zap.Error(closeErr))
			}
		}, nil
	case "memory", "":
		return memory.NewQueue(cfg.Queue.Depth), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue provider %q", cfg.Queue.Provider)
	}
}

func buildLimiter(cfg config.Config, store kv.Store) analyzer.RateLimiter {
	if cfg.Limits.Implementation == "kv" {
		return ratelimit.NewKVWindow(store)
	}
	return ratelimit.NewSerialized()
}
