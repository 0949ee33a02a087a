// Tandem Worker — выполняет activity оркестраций.
//
// Worker:
//   - Получает запросы activity из RabbitMQ
//   - Обращается к провайдерам, движку развёртываний и Docker
//   - Отправляет результат обратно оркестратору
//
// Workers масштабируются горизонтально.
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

	"github.com/shaiso/Tandem/internal/callback"
	"github.com/shaiso/Tandem/internal/config"
	"github.com/shaiso/Tandem/internal/deploy"
	"github.com/shaiso/Tandem/internal/durable"
	"github.com/shaiso/Tandem/internal/mq"
	"github.com/shaiso/Tandem/internal/orchestrator"
	"github.com/shaiso/Tandem/internal/provider"
	"github.com/shaiso/Tandem/internal/repo"
	"github.com/shaiso/Tandem/internal/runner"
	"github.com/shaiso/Tandem/internal/telemetry"
	"github.com/shaiso/Tandem/internal/worker"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.NewLogger(cfg.Log.Format, cfg.Log.SlogLevel(), true)
	logger.Info("starting tandem-worker", "concurrency", cfg.Concurrency)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "tandem-worker")
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer shutdownTracing(context.Background())

	// DB pool
	pool, err := repo.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	repos := repo.NewRepositories(pool)

	// RabbitMQ: без брокера worker не получает activity
	mqConn, err := mq.Connect(ctx, cfg.Broker.URL, logger, mq.WithConnectionName("tandem-worker"))
	if err != nil {
		logger.Error("RabbitMQ not available", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()
	logger.Info("RabbitMQ connected")

	publisher := mq.NewPublisher(mqConn, logger)

	// Реестр callback-токенов
	var tokens callback.Registry = callback.NewMemoryRegistry()
	redisRegistry, err := callback.NewRedisRegistry(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Warn("Redis not available, callback tokens are tracked in memory", "error", err)
	} else {
		defer redisRegistry.Close()
		tokens = redisRegistry
	}

	docker, err := runner.NewDocker("", logger)
	if err != nil {
		logger.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer docker.Close()
	if err := docker.Ping(ctx); err != nil {
		logger.Warn("docker daemon not reachable, component tasks will fail", "error", err)
	}

	client := durable.NewClient(repo.NewDurableStore(pool), mq.NewNotifier(publisher), logger)

	registry := durable.NewRegistry()
	orchestrator.NewActivities(orchestrator.ActivitiesConfig{
		Repos: repos,
		Providers: provider.New(provider.Config{
			RequestTimeout: cfg.Providers.RequestTimeout,
			RateLimit:      cfg.Providers.RateLimit,
			RateBurst:      cfg.Providers.RateBurst,
			Logger:         logger,
		}),
		Callbacks: callback.NewService(callback.Config{
			BaseURL:    cfg.Callback.BaseURL,
			SigningKey: cfg.Callback.SigningKey,
			TTL:        cfg.Callback.TTL,
			Registry:   tokens,
			Logger:     logger,
		}),
		Engine: deploy.NewClient(cfg.Providers.DeploymentEngineURL, cfg.Providers.RequestTimeout, logger),
		Runner: docker,
		Client: client,
		StatusURL: func(id uuid.UUID) string {
			return cfg.Callback.BaseURL + "/api/v1/commands/" + id.String()
		},
		Logger: logger,
	}).Register(registry)

	// Создаём worker
	w := worker.New(worker.Config{
		Registry:    registry,
		Publisher:   publisher,
		Conn:        mqConn,
		Concurrency: cfg.Concurrency,
		Logger:      logger,
	})

	// Запускаем worker
	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		if w.IsStopped() || !mqConn.IsConnected() {
			http.Error(rw, "unavailable", http.StatusServiceUnavailable)
			return
		}
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":" + cfg.Port
	server := &http.Server{Addr: port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info("listening", "addr", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	// Останавливаем worker
	w.Stop()
	logger.Info("tandem-worker stopped")
}
