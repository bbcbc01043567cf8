package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"ms-booking/internal/api"
	"ms-booking/internal/auth"
	"ms-booking/internal/config"
	"ms-booking/internal/database/migrations"
	"ms-booking/internal/kafka"
	"ms-booking/internal/logger"
	"ms-booking/internal/models"
	"ms-booking/internal/notification"
	"ms-booking/internal/notification/batching"
	"ms-booking/internal/notification/channels"
	notificationdb "ms-booking/internal/notification/db"
	"ms-booking/internal/payment"
	paymentdb "ms-booking/internal/payment/db"
	paymentredis "ms-booking/internal/payment/redis"
	"ms-booking/internal/retry"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

func connectPostgres(cfg config.DatabaseConfig, log *logger.Logger) *bun.DB {
	var sqldb *sql.DB
	var err error
	maxRetries := 5

	for i := 0; i < maxRetries; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		sqldb, err = sql.Open("postgres", cfg.ConnectionString())
		if err == nil {
			if err = sqldb.Ping(); err == nil {
				break
			}
		}
		log.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if i < maxRetries-1 {
			time.Sleep(2 * time.Second)
		}
	}
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL after %d attempts: %v", maxRetries, err))
	}

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)
	log.Info("DATABASE", "PostgreSQL connection successful")
	return bun.NewDB(sqldb, pgdialect.New())
}

func connectRedis(ctx context.Context, addr string, log *logger.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal("REDIS", fmt.Sprintf("Redis connection error: %v", err))
	}
	log.Info("REDIS", fmt.Sprintf("Redis connection successful to %s", addr))
	return client
}

func main() {
	log := logger.NewLogger("booking-service")
	defer log.Close()

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bunDB := connectPostgres(cfg.Database, log)
	defer bunDB.Close()

	if cfg.Database.AutoMigrate {
		runner := migrations.NewRunner(bunDB, log)
		if err := runner.MigrateUp(); err != nil {
			log.Fatal("DATABASE", fmt.Sprintf("Migrations failed: %v", err))
		}
		runner.Close()
	}

	redisClient := connectRedis(ctx, cfg.Redis.Addr, log)
	defer redisClient.Close()

	// ---------------- KAFKA ----------------
	var producer *kafka.Producer
	var lifecycle payment.EventPublisher
	if cfg.Kafka.Enabled {
		topics := []string{cfg.Kafka.Topics.Lifecycle, cfg.Kafka.Topics.Push}
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, topics, log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		producer = kafka.NewProducer(cfg.Kafka.Brokers, log)
		defer producer.Close()
		lifecycle = kafka.NewLifecyclePublisher(producer, cfg.Kafka.Topics.Lifecycle)
	} else {
		log.Warn("KAFKA", "Kafka disabled: no lifecycle events, push notifications or lifecycle fan-out")
	}

	// ---------------- PAYMENTS ----------------
	processor, err := payment.NewStripeProcessor(cfg.Stripe.SecretKey, log)
	if err != nil {
		log.Fatal("PAYMENT", err.Error())
	}
	orchestrator := payment.NewOrchestrator(processor, payment.OrchestratorConfig{
		ConnectAccountID:    cfg.Stripe.ConnectAccountID,
		VendorDepositAmount: cfg.Payment.VendorDepositAmount,
		RequesterAmount:     cfg.Payment.RequesterAmount,
		Currency:            cfg.Payment.Currency,
	}, log)
	coordinator := payment.NewCoordinator(
		orchestrator,
		&paymentdb.DB{Bun: bunDB},
		paymentredis.NewClaimer(redisClient, cfg.Redis.CommitClaimTTL),
		lifecycle,
		log,
	)

	// ---------------- NOTIFICATIONS ----------------
	store := &notificationdb.DB{Bun: bunDB}
	senders := map[models.Channel]notification.Sender{
		models.ChannelEmail: channels.NewEmailSender(channels.EmailConfig{
			Host:     cfg.Email.SMTPHost,
			Port:     cfg.Email.SMTPPort,
			Username: cfg.Email.SMTPUsername,
			Password: cfg.Email.SMTPPassword,
			From:     cfg.Email.From,
		}),
	}
	if cfg.SMS.GatewayURL != "" {
		senders[models.ChannelSMS] = channels.NewSMSSender(channels.SMSConfig{
			GatewayURL: cfg.SMS.GatewayURL,
			APIKey:     cfg.SMS.APIKey,
			Sender:     cfg.SMS.Sender,
		}, nil)
	}

	var queue notification.PushQueue
	var batcher *batching.Batcher
	batcherDone := make(chan struct{})
	if producer != nil {
		push := channels.NewPushGateway(producer, cfg.Kafka.Topics.Push)
		senders[models.ChannelPush] = push
		batcher = batching.NewBatcher(push, store, batching.Config{
			QueueSize:     cfg.Notification.PushQueueSize,
			FlushInterval: cfg.Notification.PushFlushInterval,
		}, log)
		queue = batcher
		go func() {
			defer close(batcherDone)
			batcher.Run(ctx)
		}()
	} else {
		close(batcherDone)
	}

	dispatcher := notification.NewDispatcher(store, senders, queue, retry.Policy{
		MaxAttempts:     cfg.Notification.MaxAttempts,
		InitialInterval: cfg.Notification.InitialDelay,
		MaxInterval:     cfg.Notification.MaxDelay,
		Multiplier:      cfg.Notification.BackoffMultiplier,
		JitterPercent:   cfg.Notification.JitterPercent,
	}, log)

	consumerDone := make(chan struct{})
	if cfg.Kafka.Enabled {
		notifier := notification.NewLifecycleNotifier(dispatcher, log)
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topics.Lifecycle, cfg.Kafka.GroupID, log)
		defer consumer.Close()
		go func() {
			defer close(consumerDone)
			consumer.Start(ctx, kafka.LifecycleHandler(log, notifier.Handle))
		}()
	} else {
		close(consumerDone)
	}

	redriver := notification.NewRedriver(store, dispatcher, notification.RedriveConfig{
		Schedule:    cfg.Notification.RedriveSchedule,
		StaleAfter:  cfg.Notification.RedriveStaleAfter,
		MaxAttempts: cfg.Notification.RedriveMaxAttempts,
	}, log)
	if err := redriver.Start(); err != nil {
		log.Error("NOTIFY", err.Error())
	}

	// ---------------- HTTP ----------------
	var verifiers []auth.Verifier
	if cfg.Auth.OIDCIssuer != "" {
		oidcVerifier, err := auth.NewOIDCVerifier(ctx, cfg.Auth.OIDCIssuer, cfg.Auth.OIDCClientID)
		if err != nil {
			log.Fatal("AUTH", err.Error())
		}
		verifiers = append(verifiers, oidcVerifier)
	}
	if cfg.Auth.HMACSecret != "" {
		verifiers = append(verifiers, auth.NewHMACVerifier(cfg.Auth.HMACSecret, cfg.Auth.HMACIssuer))
	}
	if len(verifiers) == 0 {
		log.Warn("AUTH", "No token verifier configured, API routes are unauthenticated")
	}

	routerCfg := api.RouterConfig{CORSOrigins: cfg.Auth.CORSOrigins, Verifiers: verifiers}
	if cfg.Stripe.WebhookSecret != "" {
		routerCfg.Webhook = &api.StripeWebhook{Secret: cfg.Stripe.WebhookSecret, Logger: log}
	}
	handler := &api.Handler{
		Reservations:  coordinator,
		Notifications: dispatcher,
		Store:         store,
		Logger:        log,
	}

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      api.NewRouter(handler, routerCfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("Booking service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	<-ctx.Done()
	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	}
	<-redriver.Stop().Done()
	<-consumerDone
	// Pending push batches are flushed by Run on its way out.
	<-batcherDone

	log.Info("APP", "Booking service shutdown complete")
}
