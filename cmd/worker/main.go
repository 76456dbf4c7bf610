package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-chat/internal/analysis"
	"github.com/spec-kit/ticket-chat/internal/config"
	"github.com/spec-kit/ticket-chat/internal/observability"
	"github.com/spec-kit/ticket-chat/internal/persistence"
	"github.com/spec-kit/ticket-chat/internal/queue"
	"github.com/spec-kit/ticket-chat/internal/repository"
	"github.com/spec-kit/ticket-chat/internal/storage"
	"github.com/spec-kit/ticket-chat/internal/worker"
)

func main() {
	flags := pflag.NewFlagSet("worker", pflag.ExitOnError)
	reanalyze := flags.String("reanalyze", "", "analyze every image attachment of this ticket once and exit")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger, cfg.App)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck
	logger = logger.Named("analysis-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	redis := persistence.NewRedis(ctx, cfg.Redis, logger)
	defer redis.Close()

	blobs, err := persistence.NewMinio(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatal("failed to init attachment storage", zap.Error(err))
	}

	if cfg.Analysis.ProviderAPIKey == "" {
		logger.Warn("ANALYSIS_PROVIDER_API_KEY not set, every analysis will end with the sentinel")
	}

	metrics := observability.NewMetrics()
	attachments := repository.NewAttachmentRepository(pg.PoolHandle())

	analyzer := analysis.NewAnalyzer(&analysis.Dependencies{
		Results:    attachments,
		Blobs:      storage.NewMinioStore(blobs.Client, blobs.Bucket),
		Inferencer: analysis.NewGeminiClient(cfg.Analysis.ProviderURL, cfg.Analysis.ProviderModel, cfg.Analysis.ProviderAPIKey, &http.Client{}),
		Logger:     logger,
		Metrics:    metrics,
		Options: analysis.Options{
			MaxAttempts:      cfg.Analysis.MaxAttempts,
			BaseDelay:        cfg.Analysis.BaseDelay(),
			Jitter:           cfg.Analysis.Jitter(),
			CallTimeout:      cfg.Analysis.CallTimeout(),
			BatchConcurrency: cfg.Analysis.BatchConcurrency,
		},
	})

	if *reanalyze != "" {
		outcomes, err := worker.Reanalyze(ctx, attachments, analyzer, *reanalyze)
		if err != nil {
			logger.Fatal("reanalysis failed", zap.Error(err))
		}
		for _, out := range outcomes {
			logger.Info("attachment reanalyzed",
				zap.String("attachment_id", out.AttachmentID),
				zap.Int("attempts", out.Attempts),
				zap.Bool("sentinel", out.Sentinel),
				zap.Error(out.Err),
			)
		}
		return
	}

	pool := worker.NewPool(&worker.Dependencies{
		Queue:     queue.NewRedisQueue(redis.Client, cfg.Queue.Prefix, cfg.Queue.Visibility()),
		Processor: analyzer,
		Backlog:   attachments,
		Logger:    logger,
		Metrics:   metrics,
		Config: worker.Config{
			Size:             cfg.Analysis.Workers,
			DequeueWait:      cfg.Queue.DequeueWait(),
			ReclaimInterval:  cfg.Queue.ReclaimInterval(),
			BackfillInterval: cfg.Analysis.BackfillInterval(),
			BackfillGrace:    cfg.Analysis.BackfillGrace(),
		},
	})

	logger.Info("analysis workers starting", zap.Int("workers", cfg.Analysis.Workers))
	if err := pool.Run(ctx); err != nil {
		logger.Error("worker pool stopped", zap.Error(err))
	}
	logger.Info("analysis workers stopped", zap.Any("counters", metrics.Snapshot()["counters"]))
}
