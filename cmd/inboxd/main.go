package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ChinmaiMod/staffinghrms-sub000/internal/config"
	"github.com/ChinmaiMod/staffinghrms-sub000/internal/handler"
	"github.com/ChinmaiMod/staffinghrms-sub000/internal/httpserver"
	"github.com/ChinmaiMod/staffinghrms-sub000/internal/inbox"
	"github.com/ChinmaiMod/staffinghrms-sub000/internal/repository"
	"github.com/ChinmaiMod/staffinghrms-sub000/internal/subscriber"
	"github.com/ChinmaiMod/staffinghrms-sub000/pkg/circuitbreaker"
	"github.com/ChinmaiMod/staffinghrms-sub000/pkg/db"
	"github.com/ChinmaiMod/staffinghrms-sub000/pkg/logger"
	pkgmq "github.com/ChinmaiMod/staffinghrms-sub000/pkg/mq"
	"github.com/ChinmaiMod/staffinghrms-sub000/pkg/outbox"
	"github.com/ChinmaiMod/staffinghrms-sub000/pkg/redis"
	"github.com/ChinmaiMod/staffinghrms-sub000/pkg/util"
)

func main() {
	cfg := config.Load()

	log := logger.NewLogger()
	defer log.Sync()

	if cfg.Inbox.RecipientID == "" {
		log.Fatal("inbox.recipient_id is required (or set INBOX_RECIPIENT_ID)")
	}

	log.Info("Starting inboxd...",
		zap.String("recipient_id", cfg.Inbox.RecipientID),
		zap.String("db_host", cfg.DB.Host),
		zap.Int("db_port", cfg.DB.Port),
		zap.String("mq_url", cfg.MQ.URL),
	)

	// DB
	log.Info("Initializing database connection...")
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer dbConn.Close()
	log.Info("Database connection established successfully")

	// Redis
	rdb := redis.NewRedisClient(cfg.Redis)
	defer rdb.Close()

	// MQ Publisher
	publisher, err := pkgmq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	// Repositories
	outboxRepo := outbox.NewRepository(dbConn)
	notificationRepo := repository.NewNotificationRepository(dbConn, outboxRepo, log)

	// Sync engine
	store := inbox.NewStore(log)
	engine := inbox.NewEngine(cfg.Inbox.RecipientID, store, notificationRepo, inbox.EngineConfig{
		PageSize:       cfg.Inbox.PageSize,
		QueryTimeout:   time.Duration(cfg.Inbox.QueryTimeoutSeconds) * time.Second,
		BackoffInitial: time.Duration(cfg.Inbox.ReconnectInitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.Inbox.ReconnectMaxMs) * time.Millisecond,
	}, log)

	breaker := circuitbreaker.NewCircuitBreaker("notification-backend", circuitbreaker.DefaultConfig(), log)
	coordinator := inbox.NewCoordinator(
		cfg.Inbox.RecipientID,
		store,
		notificationRepo,
		breaker,
		time.Duration(cfg.Inbox.MutationTimeoutSeconds)*time.Second,
		engine.RequestResync,
		log,
	)

	// Event stream subscriber
	dedupTTL := time.Hour
	if cfg.Inbox.DedupTTLSeconds > 0 {
		dedupTTL = time.Duration(cfg.Inbox.DedupTTLSeconds) * time.Second
	}
	deduper := util.NewDeduperWithLogger(rdb, dedupTTL, log)
	retryCounter := util.NewRetryCounter(rdb, time.Hour)

	sub := subscriber.NewSubscriber(subscriber.Config{
		URL:             cfg.MQ.URL,
		RecipientID:     cfg.Inbox.RecipientID,
		MaxRedeliveries: cfg.Inbox.MaxRedeliveries,
		BackoffInitial:  time.Duration(cfg.Inbox.ReconnectInitialMs) * time.Millisecond,
		BackoffMax:      time.Duration(cfg.Inbox.ReconnectMaxMs) * time.Millisecond,
	}, engine, deduper, retryCounter, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Start(ctx, sub)
	log.Info("Sync engine started", zap.String("recipient_id", cfg.Inbox.RecipientID))

	// Outbox dispatcher: ships committed change events to the exchange
	dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log)
	go dispatcher.Start(ctx)

	// HTTP Server
	inboxHandler := handler.NewInboxHandler(engine, coordinator, log)
	simulateHandler := handler.NewSimulateHandler(notificationRepo, log)
	adminHandler := handler.NewAdminHandler(outboxRepo, log)
	router := httpserver.NewRouter(inboxHandler, simulateHandler, adminHandler, cfg.Inbox.RecipientID, cfg.JWT.Secret, dbConn)

	port := cfg.Server.Port
	if port == "" {
		port = "8086"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router.Engine,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("inboxd is fully initialized and running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-engine.Fatal():
		log.Error("Event stream failed permanently, shutting down", zap.Error(err))
	}

	log.Info("Shutting down inboxd gracefully...")

	// Stop the subscriber and the resync worker
	cancel()

	// Close HTTP server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}

	// Close connections
	publisher.Close()
	rdb.Close()
	dbConn.Close()

	log.Info("inboxd shutdown complete")
}
