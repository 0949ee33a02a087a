// Tandem API — HTTP вход для команд.
//
// API:
//   - Принимает команды и выполняет команды сущностей сразу
//   - Запускает оркестрации для остальных команд
//   - Отдаёт статус команд (GET и websocket watch)
//   - Принимает callback от провайдеров
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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Tandem/internal/api"
	"github.com/shaiso/Tandem/internal/callback"
	"github.com/shaiso/Tandem/internal/config"
	"github.com/shaiso/Tandem/internal/durable"
	"github.com/shaiso/Tandem/internal/handler"
	"github.com/shaiso/Tandem/internal/mq"
	"github.com/shaiso/Tandem/internal/orchestrator"
	"github.com/shaiso/Tandem/internal/repo"
	"github.com/shaiso/Tandem/internal/telemetry"
)

var startTime = time.Now()

func main() {
	cfg, err := config.LoadAPI()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.NewLogger(cfg.Log.Format, cfg.Log.SlogLevel(), true)
	logger.Info("starting tandem-api")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "tandem-api")
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer shutdownTracing(context.Background())

	// Подключаемся к базе данных
	pool, err := repo.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("connected to database")

	repos := repo.NewRepositories(pool)

	// RabbitMQ (опционально)
	var queue handler.Queue = handler.NewMemoryQueue()
	var notifier durable.Notifier
	mqConn, err := mq.Connect(ctx, cfg.Broker.URL, logger, mq.WithConnectionName("tandem-api"))
	if err != nil {
		logger.Warn("RabbitMQ not available, follow-on commands are kept in memory", "error", err)
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		publisher := mq.NewPublisher(mqConn, logger)
		queue = mq.NewCommandQueue(publisher)
		notifier = mq.NewNotifier(publisher)
	}

	// Реестр callback-токенов
	var registry callback.Registry = callback.NewMemoryRegistry()
	redisRegistry, err := callback.NewRedisRegistry(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Warn("Redis not available, callback tokens are tracked in memory", "error", err)
	} else {
		defer redisRegistry.Close()
		registry = redisRegistry
	}

	callbacks := callback.NewService(callback.Config{
		BaseURL:    cfg.Callback.BaseURL,
		SigningKey: cfg.Callback.SigningKey,
		TTL:        cfg.Callback.TTL,
		Registry:   registry,
		Logger:     logger,
	})

	// Клиент оркестраций: экземпляры исполняет tandem-orchestrator
	client := durable.NewClient(repo.NewDurableStore(pool), notifier, logger)

	orchestrations := durable.NewRegistry()
	orchestrator.NewOrchestrations(orchestrator.DefaultTimings()).Register(orchestrations)

	statusURL := func(id uuid.UUID) string {
		return cfg.Callback.BaseURL + "/api/v1/commands/" + id.String()
	}
	resolver := handler.NewResolver(client, repos.Audit, statusURL)

	handlers := handler.NewRegistry()
	handler.RegisterDefaults(handlers, repos)
	handlers.SetFallback(handler.NewOrchestrationHandler(resolver, logger), orchestrations)

	processor := handler.NewProcessor(handler.ProcessorConfig{
		Registry: handlers,
		Queue:    queue,
		Client:   client,
		Audit:    repos.Audit,
		Resolver: resolver,
		Logger:   logger,
	})

	h := api.NewHandler(api.Config{
		Processor: processor,
		Resolver:  resolver,
		Instances: client,
		Callbacks: callbacks,
		Repos:     repos,
		Logger:    logger,
	})

	mux := http.NewServeMux()

	// Health и metrics
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime))
	})
	mux.Handle("/metrics", promhttp.Handler())

	// Регистрируем API маршруты
	h.RegisterRoutes(mux)

	addr := ":" + cfg.Port
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("tandem-api stopped")
}
