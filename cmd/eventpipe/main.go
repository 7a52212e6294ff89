package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/openchainlab/eventpipe/internal/broker"
	"github.com/openchainlab/eventpipe/internal/broker/kafka"
	"github.com/openchainlab/eventpipe/internal/chain"
	"github.com/openchainlab/eventpipe/internal/chain/evm"
	"github.com/openchainlab/eventpipe/internal/config"
	"github.com/openchainlab/eventpipe/internal/domain/model"
	"github.com/openchainlab/eventpipe/internal/pipeline/retry"
	"github.com/openchainlab/eventpipe/internal/pipeline/stages"
	"github.com/openchainlab/eventpipe/internal/runner"
	"github.com/openchainlab/eventpipe/internal/store"
	"github.com/openchainlab/eventpipe/internal/store/postgres"
	redispkg "github.com/openchainlab/eventpipe/internal/store/redis"
	"github.com/openchainlab/eventpipe/internal/task"
)

const dbPoolStatsInterval = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting eventpipe",
		"chains", len(cfg.Chains),
		"kafka_brokers", cfg.Kafka.Brokers,
		"redis_enabled", cfg.Redis.Enabled,
		"metrics_port", cfg.Server.MetricsPort,
	)

	// Connect to PostgreSQL
	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.RunMigrations(cfg.DB.MigrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// Create repositories
	taskRepo := postgres.NewTaskRepo(db)
	pipelineRepo := postgres.NewPipelineRepo(db)
	auditRepo := postgres.NewCallAuditRepo(db)

	var cursors store.CursorRepository = postgres.NewCursorRepo(db)
	auditSinks := []stages.AuditSink{auditRepo}

	if cfg.Redis.Enabled {
		rdb, err := redispkg.New(cfg.Redis.URL)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err, "redis_url", cfg.Redis.URL)
			os.Exit(1)
		}
		defer rdb.Close()

		cursors = redispkg.NewCheckpointCache(rdb, cursors)
		auditSinks = append(auditSinks, redispkg.NewAuditStream(rdb))
		logger.Info("redis checkpoint cache enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Dial one RPC client per configured chain
	readers := make(map[model.Chain]chain.Reader, len(cfg.Chains))
	for ch, cc := range cfg.Chains {
		client, err := evm.Dial(ctx, ch, cc.RPCURL, logger,
			evm.WithRateLimit(cc.RateLimit, cc.RateBurst),
		)
		if err != nil {
			logger.Error("failed to dial rpc", "chain", ch, "error", err)
			os.Exit(1)
		}
		defer client.Close()
		readers[ch] = client
	}

	kafkaCfg := &kafka.Config{
		Brokers:          cfg.Kafka.Brokers,
		ClientID:         cfg.Kafka.ClientID,
		GroupID:          cfg.Kafka.GroupID,
		SecurityProtocol: cfg.Kafka.SecurityProtocol,
		SASLMechanism:    cfg.Kafka.SASLMechanism,
		SASLUsername:     cfg.Kafka.SASLUsername,
		SASLPassword:     cfg.Kafka.SASLPassword,
	}
	producer, err := kafka.NewProducer(kafkaCfg, logger)
	if err != nil {
		logger.Error("failed to create kafka producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	manager := task.NewManager(taskRepo, logger,
		task.WithHeartbeatInterval(cfg.Task.HeartbeatInterval),
	)
	recovered, err := manager.RecoverOrphans(ctx)
	if err != nil {
		logger.Error("failed to recover orphaned tasks", "error", err)
		os.Exit(1)
	}
	if recovered > 0 {
		logger.Info("recovered orphaned tasks", "count", recovered)
	}

	sweeper := task.NewSweeper(manager, cfg.Task.SweepInterval, cfg.Task.StaleThreshold)

	defs, err := pipelineRepo.ListActive(ctx)
	if err != nil {
		logger.Error("failed to load pipeline definitions", "error", err)
		os.Exit(1)
	}
	if len(defs) == 0 {
		logger.Warn("no active pipeline definitions found")
	}
	for _, def := range defs {
		if def.Source.BatchSize == 0 {
			def.Source.BatchSize = uint64(cfg.Source.BatchSize)
		}
		if def.Source.PollInterval == 0 {
			def.Source.PollInterval = time.Duration(cfg.Source.PollIntervalMs) * time.Millisecond
		}
	}

	run := runner.New(runner.Deps{
		Readers:    readers,
		Producer:   producer,
		Cursors:    cursors,
		AuditSinks: auditSinks,
		Manager:    manager,
		RetryCfg:   retry.Config{MaxAttempts: cfg.Source.RetryAttempts},
		Logger:     logger,
		Consumers: func(topic string) (broker.Consumer, error) {
			return kafka.NewConsumer(kafkaCfg, []string{topic}, logger)
		},
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runMetricsServer(gCtx, cfg.Server.MetricsPort, logger)
	})

	g.Go(func() error {
		return sweeper.Run(gCtx)
	})

	g.Go(func() error {
		return run.RunAll(gCtx, defs)
	})

	go db.ReportPoolStats(gCtx, dbPoolStatsInterval)

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("eventpipe exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("eventpipe shut down gracefully")
}

func runMetricsServer(ctx context.Context, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server shutdown error", "error", err)
		}
	}()

	logger.Info("metrics server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
