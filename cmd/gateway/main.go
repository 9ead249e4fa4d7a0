package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JuyeonYu/readit/internal/api"
	"github.com/JuyeonYu/readit/internal/billing"
	"github.com/JuyeonYu/readit/internal/circuitbreaker"
	"github.com/JuyeonYu/readit/internal/config"
	"github.com/JuyeonYu/readit/internal/db"
	"github.com/JuyeonYu/readit/internal/memstore"
	"github.com/JuyeonYu/readit/internal/message"
	"github.com/JuyeonYu/readit/internal/notify"
	"github.com/JuyeonYu/readit/internal/observ"
	"github.com/JuyeonYu/readit/internal/quota"
	"github.com/JuyeonYu/readit/internal/reads"
	"github.com/JuyeonYu/readit/internal/redis"
	"github.com/JuyeonYu/readit/internal/sns"
	"github.com/JuyeonYu/readit/internal/sqs"
	"github.com/JuyeonYu/readit/internal/worker"
)

// store is everything the services need from persistence. Both the
// Postgres repository and the in-memory store satisfy it.
type store interface {
	message.Store
	reads.Store
	notify.Store
	billing.Store
	api.AccountStore
}

var (
	_ store = (*db.Repository)(nil)
	_ store = (*memstore.Store)(nil)
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(observ.Options{
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		Service: "readit-gateway",
		File:    cfg.LogFile,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting readit gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.Store),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	authority := quota.NewAuthority(cfg.FreeMessageLimit, cfg.FreeHistoryWindow(), cfg.AdminEmail)

	// Redis backs rate limiting, billing replay protection and idempotent
	// creates. Without it those features are off.
	var (
		readLimiter api.RateLimiter
		apiLimiter  api.RateLimiter
		idempotency *redis.IdempotencyService
		replayGuard billing.ReplayGuard
	)
	if cfg.RedisEnabled {
		redisClient, err := redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, rate limiting and idempotency disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
		} else {
			defer redisClient.Close()
			readLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  cfg.ReadRateLimit,
				Window: time.Minute,
				Prefix: "read",
			})
			apiLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  300,
				Window: time.Minute,
				Prefix: "api",
			})
			idempotency = redis.NewIdempotencyService(redisClient, logger)
			replayGuard = redis.NewReplayGuard(redisClient, "billing", 0)
		}
	}

	enqueuer, source, err := openQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var coordinatorOpts []reads.Option
	coordinatorOpts = append(coordinatorOpts, reads.WithStatsWindow(time.Duration(cfg.StatsWindowDays)*24*time.Hour))
	if cfg.ReadEventsTopicARN != "" {
		publisher, err := sns.NewPublisher(ctx, cfg.ReadEventsTopicARN, cfg.SNSRegion, "")
		if err != nil {
			logger.Warn("sns publisher unavailable, read events will not be published", zap.Error(err))
		} else {
			coordinatorOpts = append(coordinatorOpts, reads.WithPublisher(publisher))
		}
	}

	emailSender, err := newEmailSender(ctx, cfg, logger)
	if err != nil {
		return err
	}
	webhookSender := worker.NewWebhookSender(logger, worker.WebhookConfig{
		ConnectTimeout: cfg.WebhookConnectTimeout,
		ReadTimeout:    cfg.WebhookReadTimeout,
	})
	// The first sender supporting a channel wins, so webhooks go ahead of a
	// log sender that accepts every channel.
	senders := worker.NewMultiSender(logger,
		circuitbreaker.NewProtectedSender(webhookSender, circuitbreaker.Config{
			Name:            "webhook",
			MaxFailures:     cfg.BreakerFailures,
			RecoveryTimeout: cfg.BreakerCooldown,
		}, logger, circuitbreaker.WithKeyFunc(circuitbreaker.ByHost)),
		circuitbreaker.NewProtectedSender(emailSender, circuitbreaker.Config{
			Name:            "email",
			MaxFailures:     cfg.BreakerFailures,
			RecoveryTimeout: cfg.BreakerCooldown,
		}, logger),
	)

	messages := message.NewService(st, authority, cfg.PublicBaseURL, logger)
	dispatcher := notify.NewDispatcher(st, authority, senders, senders, messages.ShareURL, logger)
	coordinator := reads.NewCoordinator(st, authority, enqueuer, logger, coordinatorOpts...)
	billingService := billing.NewService(st, cfg.BillingWebhookSecret, replayGuard, logger)

	cookieSecret := cfg.CookieSecret
	if cookieSecret == "" {
		// Viewer cookies issued before a restart stop verifying.
		cookieSecret = uuid.NewString()
		logger.Warn("COOKIE_SECRET not set, using an ephemeral secret")
	}

	handler := api.NewHandler(logger, api.Deps{
		Store:       st,
		Messages:    messages,
		Reads:       coordinator,
		Dispatcher:  dispatcher,
		Billing:     billingService,
		Quota:       authority,
		Idempotency: idempotency,
	})
	router := api.NewRouter(handler, api.RouterConfig{
		Signer:        reads.NewCookieSigner(cookieSecret),
		SecureCookies: cfg.IsProduction(),
		ReadLimiter:   readLimiter,
		APILimiter:    apiLimiter,
		Timeout:       30 * time.Second,

		TrustProxyHeaders: cfg.TrustProxyHeaders,
	}, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	w := worker.New(source, dispatcher, worker.Config{Concurrency: cfg.WorkerConcurrency}, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return w.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logger.Info("server stopped gracefully")
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store, func(), error) {
	if cfg.Store == "memory" {
		logger.Warn("using in-memory store, data is lost on restart")
		return memstore.New(logger, memstore.WithLockTimeout(cfg.ReadLockTimeout)), func() {}, nil
	}

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: int32(cfg.DBMaxConns),
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)
	return db.NewRepository(database, logger, cfg.ReadLockTimeout), database.Close, nil
}

// openQueue returns where reads enqueue dispatch jobs and where the worker
// receives them: SQS when a queue URL is configured, otherwise an
// in-process queue.
func openQueue(ctx context.Context, cfg *config.Config, logger *zap.Logger) (reads.Enqueuer, worker.JobSource, error) {
	if cfg.SQSQueueURL == "" {
		logger.Info("using in-process dispatch queue")
		q := worker.NewMemoryQueue(0, 0)
		return q, q, nil
	}

	client, err := sqs.NewClient(ctx, sqs.Config{Region: cfg.SQSRegion, QueueURL: cfg.SQSQueueURL})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create sqs client: %w", err)
	}
	return sqs.NewProducer(client, cfg.SQSQueueURL, logger),
		sqs.NewConsumer(client, cfg.SQSQueueURL, logger),
		nil
}

func newEmailSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (notify.Sender, error) {
	switch cfg.EmailTransport {
	case "ses":
		sender, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES email sender: %w", err)
		}
		return sender, nil
	case "smtp":
		return worker.NewSMTPSender(worker.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}, logger), nil
	default:
		logger.Warn("email transport is log, notification emails are only logged")
		return worker.NewLogSender(logger), nil
	}
}
