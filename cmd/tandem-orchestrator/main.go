// Tandem Orchestrator — исполняет оркестрации команд.
//
// Orchestrator:
//   - Получает команды из RabbitMQ и передаёт их обработчикам
//   - Исполняет экземпляры оркестраций durable runtime
//   - Отправляет activity в worker (или выполняет их сам при LOCAL_ACTIVITIES)
//   - Подхватывает брошенные экземпляры других процессов
//
// Использование:
//
//	tandem-orchestrator               запуск
//	tandem-orchestrator migrate       применить миграции и выйти
//	tandem-orchestrator migrate down  откатить последнюю миграцию
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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
	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
	"github.com/shaiso/Tandem/internal/engine"
	"github.com/shaiso/Tandem/internal/handler"
	"github.com/shaiso/Tandem/internal/mq"
	"github.com/shaiso/Tandem/internal/orchestrator"
	"github.com/shaiso/Tandem/internal/provider"
	"github.com/shaiso/Tandem/internal/repo"
	"github.com/shaiso/Tandem/internal/runner"
	"github.com/shaiso/Tandem/internal/telemetry"
)

func main() {
	cfg, err := config.LoadOrchestrator()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.NewLogger(cfg.Log.Format, cfg.Log.SlogLevel(), true)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		migrator := repo.NewMigrator(cfg.Database.URL, logger)
		migrate := migrator.Up
		if len(os.Args) > 2 && os.Args[2] == "down" {
			migrate = migrator.Down
		}
		if err := migrate(ctx); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		return
	}

	logger.Info("starting tandem-orchestrator", "local_activities", cfg.LocalActivities)

	shutdownTracing, err := telemetry.SetupTracing(ctx, "tandem-orchestrator")
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer shutdownTracing(context.Background())

	if cfg.Database.Migrate {
		if err := repo.NewMigrator(cfg.Database.URL, logger).Up(ctx); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
	}

	// DB pool
	pool, err := repo.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	repos := repo.NewRepositories(pool)

	if cfg.Providers.CatalogFile != "" {
		if err := seedProviders(ctx, repos.Providers, cfg.Providers.CatalogFile, logger); err != nil {
			logger.Error("failed to load provider catalog", "error", err)
			os.Exit(1)
		}
	}

	// RabbitMQ
	var publisher *mq.Publisher
	mqConn, err := mq.Connect(ctx, cfg.Broker.URL, logger, mq.WithConnectionName("tandem-orchestrator"))
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")
		publisher = mq.NewPublisher(mqConn, logger)
	}

	// Без брокера activity выполняются в этом процессе
	localActivities := cfg.LocalActivities || publisher == nil

	registry := durable.NewRegistry()
	runtimeCfg := durable.Config{
		Store:            repo.NewDurableStore(pool),
		Registry:         registry,
		LeaseTTL:         cfg.Runtime.LeaseTTL,
		PollInterval:     cfg.Runtime.PollInterval,
		RecoveryInterval: cfg.Runtime.RecoveryInterval,
		Logger:           logger,
	}
	if publisher != nil {
		runtimeCfg.Notifier = mq.NewNotifier(publisher)
		if !localActivities {
			runtimeCfg.Dispatcher = mq.NewActivityDispatcher(publisher)
		}
	}
	rt := durable.New(runtimeCfg)

	statusURL := func(id uuid.UUID) string {
		return cfg.Callback.BaseURL + "/api/v1/commands/" + id.String()
	}

	orchestrator.NewOrchestrations(cfg.Orchestration).Register(registry)

	if localActivities {
		activities, closeActivities, err := newActivities(ctx, cfg, repos, rt.Client(), statusURL, logger)
		if err != nil {
			logger.Error("failed to set up activities", "error", err)
			os.Exit(1)
		}
		defer closeActivities()
		activities.Register(registry)
	}

	logger.Info("orchestrations registered", "names", registry.OrchestratorNames())

	// Обработчики команд
	resolver := handler.NewResolver(rt.Client(), repos.Audit, statusURL)
	handlers := handler.NewRegistry()
	handler.RegisterDefaults(handlers, repos)
	handlers.SetFallback(handler.NewOrchestrationHandler(resolver, logger), registry)

	var queue handler.Queue
	local := &localQueue{ctx: ctx, logger: logger}
	if publisher != nil {
		queue = mq.NewCommandQueue(publisher)
	} else {
		queue = local
	}

	processor := handler.NewProcessor(handler.ProcessorConfig{
		Registry: handlers,
		Queue:    queue,
		Client:   rt.Client(),
		Audit:    repos.Audit,
		Resolver: resolver,
		Logger:   logger,
	})
	local.processor = processor

	// Создаём orchestrator
	orch := orchestrator.New(orchestrator.Config{
		Runtime:   rt,
		Processor: processor,
		Conn:      mqConn,
		Prefetch:  cfg.Broker.Prefetch,
		Logger:    logger,
	})

	// Запускаем orchestrator
	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if orch.IsStopped() {
			http.Error(w, "stopped", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok active=%d", orch.ActiveInstances())
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

	// Останавливаем orchestrator
	orch.Stop()
	logger.Info("tandem-orchestrator stopped")
}

// newActivities собирает activity с внешними зависимостями.
// Возвращённая функция освобождает ресурсы.
func newActivities(
	ctx context.Context,
	cfg config.Orchestrator,
	repos *repo.Repositories,
	client *durable.Client,
	statusURL func(uuid.UUID) string,
	logger *slog.Logger,
) (*orchestrator.Activities, func(), error) {
	var registry callback.Registry = callback.NewMemoryRegistry()
	closers := []func(){}

	redisRegistry, err := callback.NewRedisRegistry(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Warn("Redis not available, callback tokens are tracked in memory", "error", err)
	} else {
		registry = redisRegistry
		closers = append(closers, func() { redisRegistry.Close() })
	}

	docker, err := runner.NewDocker("", logger)
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, func() { docker.Close() })
	if err := docker.Ping(ctx); err != nil {
		logger.Warn("docker daemon not reachable, component tasks will fail", "error", err)
	}

	activities := orchestrator.NewActivities(orchestrator.ActivitiesConfig{
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
			Registry:   registry,
			Logger:     logger,
		}),
		Engine:    deploy.NewClient(cfg.Providers.DeploymentEngineURL, cfg.Providers.RequestTimeout, logger),
		Runner:    docker,
		Client:    client,
		StatusURL: statusURL,
		Logger:    logger,
	})

	return activities, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}

// seedProviders добавляет провайдеров каталога, которых ещё нет в хранилище.
func seedProviders(ctx context.Context, providers repo.Repository[domain.Provider], path string, logger *slog.Logger) error {
	catalog, err := engine.LoadCatalog(path)
	if err != nil {
		return err
	}

	for _, p := range catalog.Domain(time.Now().UTC()) {
		_, err := providers.Add(ctx, &p)
		switch {
		case err == nil:
			logger.Info("provider added from catalog", "provider_id", p.ID)
		case errors.Is(err, repo.ErrAlreadyExists):
		default:
			return fmt.Errorf("add provider %s: %w", p.ID, err)
		}
	}
	return nil
}

// localQueue выполняет производные команды в этом процессе,
// когда брокер недоступен.
type localQueue struct {
	ctx       context.Context
	processor *handler.Processor
	logger    *slog.Logger
}

func (q *localQueue) Enqueue(_ context.Context, cmds ...*domain.Command) error {
	go func() {
		for _, cmd := range cmds {
			res := q.processor.Process(q.ctx, cmd)
			q.logger.Debug("local command processed",
				"command_id", cmd.CommandID,
				"runtime_status", res.RuntimeStatus,
			)
		}
	}()
	return nil
}
