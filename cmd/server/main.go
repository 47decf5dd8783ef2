// Package main provides the API server entry point for the chain crawler.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chain-crawler/internal/api"
	"github.com/chain-crawler/internal/config"
	"github.com/chain-crawler/internal/events"
	"github.com/chain-crawler/internal/job"
	"github.com/chain-crawler/internal/logging"
	"github.com/chain-crawler/internal/service"
	"github.com/chain-crawler/internal/storage"
	"github.com/chain-crawler/internal/types"
	"github.com/redis/go-redis/v9"
)

// redisPinger adapts a go-redis client to the health check
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func main() {
	fmt.Println("Chain Crawler API Server")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	logger.Info("Connecting to databases...")

	ctx := context.Background()

	postgres, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	redisClient, err := storage.NewRedisClient(ctx, &cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisClient.Close()

	logger.Info("Database connections established")

	// The server only enqueues; processors run in the worker
	engine, err := job.NewEngine(&job.EngineConfig{
		Redis:  redisClient,
		Prefix: cfg.Queue.Prefix,
		Logger: logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create job engine")
	}

	bus := events.NewBus(logger)
	bus.Subscribe(types.EventAccountUpsertEach, service.NewAccountTrigger(engine).OnUpsertEach)

	searchService := service.NewSearchService(storage.NewTransactionRepository(postgres))
	if cfg.Cache.TTL > 0 {
		searchService.WithCache(storage.NewCacheService(redisClient, cfg.Cache.Prefix, cfg.Cache.TTL))
	}
	accountService := service.NewAccountInfoService(storage.NewAccountResourceRepository(postgres), bus)

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RequestRPS:      cfg.Server.RequestRPS,
		Chains:          cfg.Chains,
		Logger:          logger,
	}

	server := api.NewServer(serverConfig, searchService, accountService, postgres, redisPinger{client: redisClient})

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host":   cfg.Server.Host,
		"port":   cfg.Server.Port,
		"chains": cfg.Chains.IDs(),
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
