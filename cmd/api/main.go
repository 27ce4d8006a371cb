package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/ticket-gateway/internal/api/http"
	"github.com/spec-kit/ticket-gateway/internal/api/http/handlers"
	"github.com/spec-kit/ticket-gateway/internal/auth"
	"github.com/spec-kit/ticket-gateway/internal/config"
	"github.com/spec-kit/ticket-gateway/internal/events"
	"github.com/spec-kit/ticket-gateway/internal/observability"
	"github.com/spec-kit/ticket-gateway/internal/persistence"
	"github.com/spec-kit/ticket-gateway/internal/service"
	"github.com/spec-kit/ticket-gateway/internal/staging"
	"github.com/spec-kit/ticket-gateway/internal/upstream"
	"github.com/spec-kit/ticket-gateway/internal/worker"
)

// bodyLimitSlack leaves room for form fields next to the largest attachment.
const bodyLimitSlack = 1 << 20

func main() {
	var envFiles []string
	flagSet := pflag.NewFlagSet("ticket-gateway", pflag.ExitOnError)
	flagSet.StringSliceVar(&envFiles, "env-file", nil, "dotenv file(s) to load before reading the environment (default: .env)")
	_ = flagSet.Parse(os.Args[1:])

	cfg, err := config.Load(envFiles...)
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

	metrics := observability.NewMetrics()

	tokenOpts := auth.OptionsFromConfig(*cfg)
	tokenOpts.Logger = logger
	tokenOpts.OnRefresh = metrics.RecordTokenRefresh

	var redisPinger handlers.Pinger
	if cfg.Redis.Enabled() {
		redis := persistence.NewRedis(cfg.Redis, logger)
		defer redis.Close()
		tokenOpts.Store = persistence.NewRedisTokenStore(redis, cfg.Redis.TokenKey)
		redisPinger = redis
	}
	tokens := auth.NewTokenManager(tokenOpts)

	clientOpts := upstream.OptionsFromConfig(cfg.Upstream)
	clientOpts.Logger = logger
	clientOpts.Metrics = metrics
	client := upstream.NewClient(clientOpts, tokens)

	stager := staging.NewStager(cfg.Staging, logger)
	if err := stager.Writable(); err != nil {
		logger.Fatal("staging directory not writable", zap.String("dir", cfg.Staging.Dir), zap.Error(err))
	}

	dispatcher := events.NewInMemoryDispatcher()
	notifications := service.NewNotificationService(dispatcher, logger, cfg.Notification)
	notifier := worker.StartNotificationWorker(ctx, notifications, logger)

	ticketService := service.NewTicketService(service.TicketDependencies{
		Upstream:   client,
		Staging:    stager,
		Dispatcher: dispatcher,
		Metrics:    metrics,
		Logger:     logger,
		PersonID:   cfg.Upstream.PersonID,
	})

	app := fiber.New(fiber.Config{
		AppName:               cfg.App.Name,
		BodyLimit:             int(cfg.Staging.MaxBytes) + bodyLimitSlack,
		DisableStartupMessage: true,
	})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:  handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, redisPinger, stager),
		Token:   handlers.NewTokenHandler(tokens),
		Calls:   handlers.NewCallsHandler(ticketService, stager),
		Metrics: handlers.NewMetricsHandler(metrics),
	})

	go func() {
		logger.Info("listening", zap.String("addr", cfg.App.Addr()), zap.String("upstream", cfg.Upstream.BaseURL))
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	notifier.Stop()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
