package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/signal-notifier/internal/config"
	"github.com/kursadbilgin/signal-notifier/internal/domain"
	"github.com/kursadbilgin/signal-notifier/internal/handler"
	"github.com/kursadbilgin/signal-notifier/internal/infra/postgresql"
	"github.com/kursadbilgin/signal-notifier/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/signal-notifier/internal/infra/redis"
	"github.com/kursadbilgin/signal-notifier/internal/observability"
	"github.com/kursadbilgin/signal-notifier/internal/provider"
	"github.com/kursadbilgin/signal-notifier/internal/ratelimit"
	"github.com/kursadbilgin/signal-notifier/internal/repository"
	"github.com/kursadbilgin/signal-notifier/internal/service"
	"github.com/kursadbilgin/signal-notifier/internal/transport"
	"github.com/kursadbilgin/signal-notifier/internal/webhook"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.Options{})
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	var rdb *goredis.Client
	if cfg.RedisURL != "" {
		rdb, err = infraredis.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis initialization failed", zap.Error(err))
		}
		defer rdb.Close()
	}

	metrics := observability.NewMetrics()

	notifications := repository.NewGormNotificationRepo(db)
	users := repository.NewGormUserRepo(db)
	attempts := repository.NewGormAttemptRepo(db)
	runs := repository.NewGormDispatchRunRepo(db)

	writer, err := service.NewQueueWriter(notifications, cfg.NotificationBaseURL, logger)
	if err != nil {
		logger.Fatal("queue writer init failed", zap.Error(err))
	}
	writer.SetMetrics(metrics)

	limiter, err := newRateLimiter(cfg, rdb)
	if err != nil {
		logger.Fatal("rate limiter init failed", zap.Error(err))
	}

	dispatcher, err := service.NewDispatcher(
		notifications,
		users,
		provider.NewHTTPDeliveryClient(cfg.DeliveryTimeout),
		limiter,
		service.DispatcherConfig{
			Enabled:          cfg.NotificationsEnabled,
			MaxRetries:       cfg.MaxRetries,
			BatchSize:        cfg.BatchSize,
			DeferOnRateLimit: cfg.RateLimitDefer,
			DeferWindow:      cfg.RateWindow,
			RetryBackoffBase: cfg.RetryBackoffBase,
			RetryBackoffMax:  cfg.RetryBackoffMax,
		},
		logger,
	)
	if err != nil {
		logger.Fatal("dispatcher init failed", zap.Error(err))
	}
	dispatcher.SetMetrics(metrics)
	dispatcher.SetJournal(attempts, runs)
	if cfg.RunGuardBackend == config.BackendRedis {
		lock, err := infraredis.NewRunLock(rdb, "", cfg.RunLockTTL, logger)
		if err != nil {
			logger.Fatal("run lock init failed", zap.Error(err))
		}
		dispatcher.SetSharedGuard(lock)
	}

	sweeper, err := service.NewRetentionSweeper(notifications, cfg.Retention(), cfg.PendingMaxAge, logger)
	if err != nil {
		logger.Fatal("retention sweeper init failed", zap.Error(err))
	}
	sweeper.SetMetrics(metrics)

	events, err := service.NewEventHandler(users, writer, cfg.NotificationBaseURL, logger)
	if err != nil {
		logger.Fatal("event handler init failed", zap.Error(err))
	}

	var reminders *service.ReminderService
	if cfg.RemindersEnabled {
		reminders, err = service.NewReminderService(users, writer, logger)
		if err != nil {
			logger.Fatal("reminder service init failed", zap.Error(err))
		}
	}

	scheduler := service.NewScheduler(logger)
	if err := registerJobs(scheduler, cfg, dispatcher, sweeper, reminders, logger); err != nil {
		logger.Fatal("scheduler setup failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	for _, h := range transport.RequestID() {
		app.Use(h)
	}
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	if err := handler.RegisterMetricsRoute(app, metrics); err != nil {
		logger.Fatal("metrics route setup failed", zap.Error(err))
	}
	decoder := webhook.NewDecoder(webhook.Options{VerifySignature: cfg.WebhookVerifySignature}, logger)
	if err := handler.RegisterWebhookRoutes(app, decoder, events, handler.WebhookOptions{
		RatePerSec: cfg.WebhookRatePerSec,
		Metrics:    metrics,
		Logger:     logger,
	}); err != nil {
		logger.Fatal("webhook route setup failed", zap.Error(err))
	}
	if err := handler.RegisterDispatcherRoutes(app, dispatcher, notifications, runs); err != nil {
		logger.Fatal("dispatcher route setup failed", zap.Error(err))
	}
	if err := handler.RegisterNotificationRoutes(app, notifications, attempts); err != nil {
		logger.Fatal("notification route setup failed", zap.Error(err))
	}
	if reminders != nil {
		if err := handler.RegisterReminderRoutes(app, reminders); err != nil {
			logger.Fatal("reminder route setup failed", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Start(gctx)
	})
	g.Go(func() error {
		logger.Info("signal-notifier api started",
			zap.Int("port", cfg.APIPort),
			zap.Bool("notificationsEnabled", cfg.NotificationsEnabled),
			zap.String("rateLimitBackend", cfg.RateLimitBackend),
			zap.String("runGuardBackend", cfg.RunGuardBackend),
		)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("signal-notifier stopped with error", zap.Error(err))
		return
	}
	logger.Info("signal-notifier stopped")
}

func newRateLimiter(cfg *config.Config, rdb *goredis.Client) (ratelimit.RateLimiter, error) {
	if cfg.RateLimitBackend == config.BackendRedis {
		limiter, err := infraredis.NewSlidingWindowLimiter(rdb, cfg.RateLimit, cfg.RateWindow)
		if err != nil {
			return nil, err
		}
		return limiter, nil
	}
	return ratelimit.NewSlidingWindow(cfg.RateLimit, cfg.RateWindow), nil
}

func registerJobs(
	scheduler *service.Scheduler,
	cfg *config.Config,
	dispatcher *service.Dispatcher,
	sweeper *service.RetentionSweeper,
	reminders *service.ReminderService,
	logger *zap.Logger,
) error {
	if err := scheduler.Register("dispatch", cfg.DispatchSchedule, dispatcher.Run); err != nil {
		return err
	}
	if err := scheduler.Register("retention", cfg.RetentionSchedule, func(ctx context.Context) {
		sweeper.Sweep(ctx)
	}); err != nil {
		return err
	}

	if reminders == nil {
		return nil
	}

	for _, r := range []struct {
		name string
		hour int
		kind domain.Type
	}{
		{name: "daily-reminder", hour: cfg.DailyReminderHour, kind: domain.TypeDailyReminder},
		{name: "evening-reminder", hour: cfg.EveningReminderHour, kind: domain.TypeEveningReminder},
	} {
		kind := r.kind
		if err := scheduler.Register(r.name, service.DailyAt(r.hour), func(ctx context.Context) {
			if _, err := reminders.EnqueueDaily(ctx, kind); err != nil {
				logger.Error("reminder enqueue failed", zap.String("type", kind.String()), zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}
	return nil
}
