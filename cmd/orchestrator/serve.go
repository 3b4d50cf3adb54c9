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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/veritas-orchestrator/internal/audit"
	"github.com/xela07ax/veritas-orchestrator/internal/connectors"
	"github.com/xela07ax/veritas-orchestrator/internal/engine"
	"github.com/xela07ax/veritas-orchestrator/internal/evidence"
	"github.com/xela07ax/veritas-orchestrator/internal/infra"
	"github.com/xela07ax/veritas-orchestrator/internal/notify"
	"github.com/xela07ax/veritas-orchestrator/internal/policy"
	"github.com/xela07ax/veritas-orchestrator/internal/proof"
	"github.com/xela07ax/veritas-orchestrator/internal/server"
	"github.com/xela07ax/veritas-orchestrator/internal/server/handler"
)

func runServe(configPath string) error {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer logger.Sync()

	// 2. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := engine.NewMetrics(reg)

	// 3. Хранилище доказательств и пруфы
	store, err := evidence.NewStore(cfg.Storage.SessionsDir, evidence.Limits{
		MaxVideoBytes: cfg.Limits.MaxVideoBytes(),
		MaxAudioBytes: cfg.Limits.MaxAudioBytes(),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to init evidence store: %w", err)
	}

	signer, err := proof.NewSignerFromPEM(cfg.Proof.SigningKey, cfg.Proof.Issuer)
	if err != nil {
		return fmt.Errorf("failed to init proof signer: %w", err)
	}
	if _, ok := signer.(proof.NopSigner); ok {
		logger.Warn("proof signing key not configured, proofs will be unsigned")
	}

	builder, err := proof.NewBuilder(cfg.Storage.ProofsDir, cfg.Modules.Refs(), signer, store, logger)
	if err != nil {
		return fmt.Errorf("failed to init proof builder: %w", err)
	}

	// 4. Журнал (Drain Pattern: останавливается после HTTP-сервера)
	sink, err := audit.NewFileSink(cfg.Storage.AuditDir)
	if err != nil {
		return fmt.Errorf("failed to init journal sink: %w", err)
	}
	journal := audit.NewJournal(sink, cfg.Pipeline.JournalBuffer, logger, audit.WithBufferGauge(metrics.JournalBufferFill))
	journal.Start()

	// 5. Нотификатор: без Redis работаем молча
	var notifier engine.Notifier = notify.Nop{}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable at startup, notifications may fail", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		cancel()
		notifier = notify.NewRedisNotifier(rdb, logger)
	}

	// 6. Исходящий клиент (Rate Limit -> Circuit Breaker -> Retry -> Timeout)
	client := connectors.NewClient(nil, connectors.Options{
		Timeout:            cfg.HTTP.Timeout,
		Retries:            cfg.HTTP.Retries,
		RetryBackoff:       cfg.HTTP.RetryBackoff,
		MaxErrorText:       cfg.HTTP.MaxErrorText,
		MaxResponseBytes:   cfg.HTTP.MaxResponseBytes,
		RateLimit:          cfg.HTTP.RateLimit,
		RateBurst:          cfg.HTTP.RateBurst,
		BreakerMaxRequests: cfg.Breaker.MaxRequests,
		BreakerInterval:    cfg.Breaker.Interval,
		BreakerTimeout:     cfg.Breaker.Timeout,
		BreakerMaxFailures: cfg.Breaker.MaxFailures,
	}, metrics, logger)

	// 7. Конвейер
	pipeline := engine.NewPipeline(engine.Deps{
		Resolver: policy.StaticResolver{},
		Store:    store,
		Client:   client,
		Proofs:   builder,
		Journal:  journal,
		Notifier: notifier,
		Metrics:  metrics,
	}, engine.Options{
		Modules:          cfg.Modules,
		MaxFlags:         cfg.Pipeline.MaxFlags,
		ParallelPrecheck: cfg.Pipeline.ParallelPrecheck,
	}, logger)

	// 8. HTTP Server
	// Потолок тела: оба клипа плюс запас на поля формы
	maxBody := cfg.Limits.MaxVideoBytes() + cfg.Limits.MaxAudioBytes() + 1<<20
	api := server.NewServer(logger, reg,
		handler.NewVerifyHandler(pipeline, maxBody, logger),
		handler.NewChallengeHandler(pipeline),
		handler.NewHealthHandler(cfg, version),
	)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 9. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("orchestrator started",
			zap.String("addr", srv.Addr),
			zap.String("version", version),
			zap.Bool("parallel_precheck", cfg.Pipeline.ParallelPrecheck))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("orchestrator stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	// Запросы завершены: новых событий не будет, дописываем журнал
	journal.Stop()
	logger.Info("orchestrator exited properly")
	return nil
}
