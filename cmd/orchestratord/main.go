// Package main is the entry point for the orchestration core daemon: it
// wires the registry, communication bus, task delegation, orchestrator,
// consensus, and feedback services together and optionally exposes them
// over HTTP.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/opsloop/agentcore/internal/bus"
	"github.com/opsloop/agentcore/internal/common/clock"
	"github.com/opsloop/agentcore/internal/common/config"
	"github.com/opsloop/agentcore/internal/common/database"
	"github.com/opsloop/agentcore/internal/common/logger"
	"github.com/opsloop/agentcore/internal/consensus"
	"github.com/opsloop/agentcore/internal/delegation"
	eventbus "github.com/opsloop/agentcore/internal/events/bus"
	"github.com/opsloop/agentcore/internal/feedback"
	"github.com/opsloop/agentcore/internal/httpapi"
	"github.com/opsloop/agentcore/internal/memorystore"
	"github.com/opsloop/agentcore/internal/metrics"
	"github.com/opsloop/agentcore/internal/orchestrator"
	"github.com/opsloop/agentcore/internal/registry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting orchestration core")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.Real{}

	memory, closeMemory := newMemoryStore(ctx, cfg, log)
	defer closeMemory()

	transport, closeTransport := newTransport(cfg, log)
	defer closeTransport()

	busSvc := bus.New(transport, clk, log, cfg.Bus.HistoryCapPerSession)
	reg := registry.New(clk, log)
	delegationSvc := delegation.New(clk, log, memory, delegation.Config{
		MaxAttempts:   cfg.Delegation.TaskMaxAttempts,
		BackoffBaseMs: int64(cfg.Delegation.BackoffBaseMs),
		BackoffCapMs:  int64(cfg.Delegation.BackoffCapMs),
	})
	consensusEngine := consensus.New(consensus.Config{
		AgreementThreshold:         cfg.Consensus.AgreementThreshold,
		ConstitutionalBlocklist:    cfg.Consensus.ConstitutionalBlocklist,
		SupportSimilarityThreshold: cfg.Consensus.SupportSimilarityThreshold,
		ObjectSimilarityThreshold:  cfg.Consensus.ObjectSimilarityThreshold,
	}, nil)
	feedbackSvc := feedback.New(delegationSvc, memory, clk, log)
	metricsRegistry := metrics.Default()

	orch := orchestrator.New(reg, busSvc, delegationSvc, clk, log, metricsRegistry, orchestrator.Config{
		TaskExecutionTimeout:     time.Duration(cfg.Orchestrator.TaskExecutionTimeoutMs) * time.Millisecond,
		RequeueSchedulerInterval: time.Duration(cfg.Orchestrator.RequeueSchedulerIntervalMs) * time.Millisecond,
		SimulateAgentExecution:   cfg.Orchestrator.SimulateAgentExecution,
		SimulatedAgentDelay:      time.Duration(cfg.Orchestrator.SimulatedAgentDelayMs) * time.Millisecond,
		MetricsWindowSize:        cfg.Orchestrator.MetricsWindowSize,
	})
	orch.StartRequeueScheduler(ctx)
	defer orch.StopRequeueScheduler()

	log.Info("orchestration core services started")

	if !cfg.Server.Enabled {
		waitForShutdown(log)
		return
	}

	router := httpapi.NewRouter(reg, busSvc, delegationSvc, orch, consensusEngine, feedbackSvc, metricsRegistry, log)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start http server", zap.Error(err))
		}
	}()

	waitForShutdown(log)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
}

func waitForShutdown(log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down orchestration core")
}

func newMemoryStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (memorystore.Store, func()) {
	if cfg.Database.Driver != "postgres" {
		clk := clock.Real{}
		return memorystore.NewInMemory(clk), func() {}
	}

	db, err := database.NewDB(ctx, cfg.Database)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	store := memorystore.NewPostgresMemoryStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatal("failed to ensure memory_records schema", zap.Error(err))
	}
	log.Info("connected to postgres memory store")
	return store, db.Close
}

func newTransport(cfg *config.Config, log *logger.Logger) (eventbus.EventBus, func()) {
	if cfg.NATS.URL == "" {
		memBus := eventbus.NewMemoryEventBus(log)
		return memBus, memBus.Close
	}

	natsBus, err := eventbus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		log.Fatal("failed to connect to nats", zap.Error(err))
	}
	log.Info("connected to nats event bus")
	return natsBus, natsBus.Close
}
