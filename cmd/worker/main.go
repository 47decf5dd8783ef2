// Package main provides the crawl worker entry point for the chain crawler.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/chain-crawler/internal/adapter"
	"github.com/chain-crawler/internal/circuitbreaker"
	"github.com/chain-crawler/internal/config"
	"github.com/chain-crawler/internal/events"
	"github.com/chain-crawler/internal/job"
	"github.com/chain-crawler/internal/logging"
	"github.com/chain-crawler/internal/service"
	"github.com/chain-crawler/internal/storage"
	"github.com/chain-crawler/internal/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	fmt.Println("Chain Crawler Worker")
	log.Println("Worker starting...")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Connecting to databases...")

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

	accountRepo := storage.NewAccountResourceRepository(postgres)
	proposalRepo := storage.NewProposalRepository(postgres)
	txRepo := storage.NewTransactionRepository(postgres)

	engine, err := job.NewEngine(&job.EngineConfig{
		Redis:           redisClient,
		Prefix:          cfg.Queue.Prefix,
		PollInterval:    cfg.Queue.PollInterval,
		LockDuration:    cfg.Queue.LockDuration,
		StalledInterval: cfg.Queue.StalledInterval,
		Logger:          logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create job engine")
	}
	engine.AddListener(&job.LogListener{Logger: logger})

	lcd := adapter.NewLCDClient(&adapter.LCDClientConfig{
		Chains:   cfg.Chains,
		Timeout:  cfg.Crawl.HTTPTimeout,
		Breakers: circuitbreaker.NewManager(circuitbreaker.DefaultConfig("lcd")),
		Logger:   logger,
	})
	collector := adapter.NewCollector(lcd)
	bus := events.NewBus(logger)

	maturity := service.NewMaturityScheduler(engine, logger)
	accounts := service.NewAccountCrawler(collector, accountRepo, maturity, &service.AccountCrawlerConfig{
		Chains:    cfg.Chains,
		PageLimit: cfg.Crawl.AccountPageLimit,
		Logger:    logger,
	})
	proposals := service.NewProposalCrawler(collector, proposalRepo, bus, cfg.Crawl.ProposalPageLimit, logger)
	deposits := service.NewDepositCrawler(collector, proposalRepo, engine, cfg.Crawl.DepositPageLimit, logger)
	ingestor := service.NewTransactionIngestor(redisClient, txRepo, service.IngestorConfig{
		Stream:       cfg.Stream.Name,
		Group:        cfg.Stream.Group,
		PollInterval: cfg.Stream.PollInterval,
		MinIdle:      cfg.Stream.MinIdle,
		BatchSize:    cfg.Stream.BatchSize,
		RepeatLimit:  cfg.Stream.RepeatLimit,
		Logger:       logger,
	})

	bus.Subscribe(types.EventAccountUpsertEach, service.NewAccountTrigger(engine).OnUpsertEach)
	bus.Subscribe(types.EventProposalDepositing, deposits.OnProposalDepositing)

	processors := []struct {
		queue       string
		concurrency int
		handler     job.Handler
	}{
		{types.QueueAccountBalances, cfg.Crawl.BalancesConcurrency, accounts.HandleBalances},
		{types.QueueAccountUnbonds, cfg.Crawl.UnbondsConcurrency, accounts.HandleUnbonds},
		{types.QueueProposal, 1, proposals.Handle},
		{types.QueueDepositProposal, 1, deposits.Handle},
		{types.QueueHandleTransaction, 1, ingestor.Handle},
	}
	for _, p := range processors {
		if err := engine.RegisterProcessor(p.queue, p.concurrency, p.handler); err != nil {
			logger.WithError(err).Fatalf("Failed to register processor for %s", p.queue)
		}
	}

	if err := ingestor.Bootstrap(ctx); err != nil {
		logger.WithError(err).Error("Failed to create transaction consumer group")
	}
	if err := ingestor.Schedule(ctx, engine); err != nil {
		logger.WithError(err).Fatal("Failed to schedule transaction ingestion")
	}
	if err := proposals.Schedule(ctx, engine, cfg.Chains.IDs(), cfg.Crawl.ProposalInterval); err != nil {
		logger.WithError(err).Fatal("Failed to schedule proposal crawls")
	}

	metricsServer := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           metricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server stopped")
		}
	}()

	// Handlers run on their own context so a signal lets in-flight jobs finish during Stop
	if err := engine.Start(context.Background()); err != nil {
		logger.WithError(err).Fatal("Failed to start job engine")
	}

	logger.WithFields(map[string]interface{}{
		"chains":   cfg.Chains.IDs(),
		"consumer": ingestor.Consumer(),
		"metrics":  cfg.Metrics.Addr,
	}).Info("Worker started successfully")

	<-ctx.Done()
	logger.Info("Shutting down worker...")

	engine.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Metrics server shutdown failed")
	}

	logger.Info("Worker exited")
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
