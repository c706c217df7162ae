package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/remitware/payment-proxy/internal/config"
	"github.com/remitware/payment-proxy/internal/db"
	"github.com/remitware/payment-proxy/internal/domain"
	"github.com/remitware/payment-proxy/internal/events"
	"github.com/remitware/payment-proxy/internal/gateway"
	"github.com/remitware/payment-proxy/internal/httpserver"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg := config.Load()
	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		log.Fatal("failed to create database pool", zap.Error(err))
	}
	defer pool.Close()

	if err := db.EnsureSchema(ctx, pool); err != nil {
		log.Fatal("failed to apply schema", zap.Error(err))
	}
	log.Info("database initialized")

	balanceRepo := db.NewBalanceRepository(pool.Pool)
	operationRepo := db.NewOperationRepository(pool.Pool)
	settingsRepo := db.NewSettingsRepository(pool.Pool)
	txManager := db.NewTransactionManager(pool.Pool, log)

	registry := gateway.NewRegistry()
	systems, err := settingsRepo.ListPaymentSystems(ctx)
	if err != nil {
		log.Fatal("failed to list payment systems", zap.Error(err))
	}
	for _, ps := range systems {
		registry.Register(ps.Name, gateway.NewHTTPAdapter(ps.Name, ps.APIOrigin, cfg.AdapterTimeout, log))
		log.Info("registered payment provider", zap.String("name", ps.Name), zap.String("origin", ps.APIOrigin))
	}

	var publisher domain.EventPublisher
	if cfg.RabbitMQ.URL != "" {
		rabbit, err := events.NewRabbitMQPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.RoutingKey, log)
		if err != nil {
			log.Fatal("failed to connect to RabbitMQ", zap.Error(err))
		}
		defer rabbit.Close()
		publisher = rabbit
		log.Info("event publishing enabled", zap.String("exchange", cfg.RabbitMQ.Exchange))
	}

	engine := domain.NewEngine(
		balanceRepo,
		operationRepo,
		settingsRepo,
		txManager,
		registry,
		publisher,
		cfg.HashSalt,
		cfg.OperationLifetime,
		log,
	)

	handler := httpserver.NewHandler(engine, settingsRepo, log)
	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           httpserver.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("payment proxy listening", zap.String("port", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown did not finish cleanly", zap.Error(err))
	}
	log.Info("stopped")
}
