package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shaiso/Tandem/internal/callback"
	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/repo"
)

const defaultWatchInterval = time.Second

// CommandProcessor принимает команды (handler.Processor).
type CommandProcessor interface {
	Process(ctx context.Context, cmd *domain.Command) *domain.CommandResult
}

// CommandResolver восстанавливает результат команды по id (handler.Resolver).
type CommandResolver interface {
	Resolve(ctx context.Context, commandID uuid.UUID) (*domain.CommandResult, error)
}

// Instances — операции над экземплярами оркестраций (durable.Client).
type Instances interface {
	Terminate(ctx context.Context, instanceID, reason string) error
	RaiseEventOnce(ctx context.Context, instanceID, name, dedupeKey string, payload any) error
}

// CallbackVerifier проверяет и гасит callback-токены (callback.Service).
type CallbackVerifier interface {
	Verify(ctx context.Context, token string) (*callback.Claims, error)
	Consume(ctx context.Context, claims *callback.Claims) error
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	processor     CommandProcessor
	resolver      CommandResolver
	instances     Instances
	callbacks     CallbackVerifier
	providers     repo.Repository[domain.Provider]
	schedules     repo.Repository[domain.Schedule]
	upgrader      websocket.Upgrader
	watchInterval time.Duration
	logger        *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Processor CommandProcessor
	Resolver  CommandResolver
	Instances Instances
	Callbacks CallbackVerifier
	Repos     *repo.Repositories

	// WatchInterval — период опроса результата для /watch (default: 1s).
	WatchInterval time.Duration

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.WatchInterval
	if interval <= 0 {
		interval = defaultWatchInterval
	}

	h := &Handler{
		processor:     cfg.Processor,
		resolver:      cfg.Resolver,
		instances:     cfg.Instances,
		callbacks:     cfg.Callbacks,
		watchInterval: interval,
		logger:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	if cfg.Repos != nil {
		h.providers = cfg.Repos.Providers
		h.schedules = cfg.Repos.Schedules
	}
	return h
}
