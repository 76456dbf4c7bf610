package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/ticket-chat/internal/api/http"
	"github.com/spec-kit/ticket-chat/internal/api/http/handlers"
	"github.com/spec-kit/ticket-chat/internal/auth"
	"github.com/spec-kit/ticket-chat/internal/config"
	"github.com/spec-kit/ticket-chat/internal/gateway"
	"github.com/spec-kit/ticket-chat/internal/observability"
	"github.com/spec-kit/ticket-chat/internal/persistence"
	"github.com/spec-kit/ticket-chat/internal/queue"
	"github.com/spec-kit/ticket-chat/internal/repository"
	"github.com/spec-kit/ticket-chat/internal/service"
	"github.com/spec-kit/ticket-chat/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger, cfg.App)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), cfg.Postgres.MigrationsDir, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis := persistence.NewRedis(ctx, cfg.Redis, logger)
	defer redis.Close()

	blobs, err := persistence.NewMinio(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatal("failed to init attachment storage", zap.Error(err))
	}

	metrics := observability.NewMetrics()
	pool := pg.PoolHandle()
	jobs := queue.NewRedisQueue(redis.Client, cfg.Queue.Prefix, cfg.Queue.Visibility())

	rooms := gateway.New(gateway.Config{SendBuffer: cfg.Gateway.SendBuffer}, logger, metrics)

	chat := service.NewChatService(service.ChatDependencies{
		TicketRepo:     repository.NewTicketRepository(pool),
		MessageRepo:    repository.NewMessageRepository(pool),
		AttachmentRepo: repository.NewAttachmentRepository(pool),
		Blobs:          storage.NewMinioStore(blobs.Client, blobs.Bucket),
		Queue:          jobs,
		Notifier:       service.NewNotificationService(rooms, logger),
		Logger:         logger,
		Metrics:        metrics,
	})

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTLMinutes)

	app := fiber.New(fiber.Config{
		AppName:               cfg.App.Name,
		BodyLimit:             cfg.App.MaxUploadBytes + 1<<20,
		DisableStartupMessage: cfg.App.Env != "development",
	})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health: handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, map[string]handlers.Pinger{
			"postgres": pg,
			"redis":    redis,
			"minio":    blobs,
		}),
		Metrics:        handlers.NewMetricsHandler(metrics, rooms, jobs),
		Messages:       handlers.NewMessagesHandler(chat, cfg.App.MaxUploadBytes),
		Attachments:    handlers.NewAttachmentsHandler(chat, cfg.App.MaxUploadBytes),
		Realtime:       handlers.NewRealtimeHandler(rooms, logger, cfg.Gateway.WriteTimeout(), cfg.Gateway.PingInterval()),
		AuthMiddleware: auth.NewAuthMiddleware(tokens),
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	rooms.Close()
	_ = app.Shutdown()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
