package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
	"github.com/shaiso/Tandem/internal/mq"
)

// Default configuration values.
const (
	defaultCommandPrefetch  = 10
	defaultInstancePrefetch = 10
)

// CommandProcessor выполняет принятые команды (handler.Processor).
type CommandProcessor interface {
	Process(ctx context.Context, cmd *domain.Command) *domain.CommandResult
}

// Orchestrator хостит среду выполнения оркестраций команд.
//
// Orchestrator — центральный компонент системы, который:
//   - Получает команды из очереди commands.pending и передаёт их Processor
//   - Исполняет экземпляры оркестраций по instances.ready
//   - Принимает результаты activity из activities.completed
//   - Получает широковещательные сигналы (внешние события, остановка)
//
// Без подключения к RabbitMQ Orchestrator работает только с
// recovery polling среды выполнения.
type Orchestrator struct {
	runtime   *durable.Runtime
	processor CommandProcessor
	conn      *mq.Connection

	// Consumers
	consumers []*mq.Consumer
	prefetch  int

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Orchestrator.
type Config struct {
	// Runtime — среда выполнения с зарегистрированными оркестрациями.
	Runtime *durable.Runtime

	// Processor — обработчик команд из очереди.
	Processor CommandProcessor

	// MQ (опционально)
	Conn *mq.Connection

	Prefetch int // prefetch очереди команд (default: 10)

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultCommandPrefetch
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		runtime:   cfg.Runtime,
		processor: cfg.Processor,
		conn:      cfg.Conn,
		prefetch:  prefetch,
		logger:    logger,
	}
}

// Start запускает Orchestrator.
//
// Запускает:
//   - Среду выполнения (recovery и продление аренд)
//   - Consumer для commands.pending
//   - Consumer для instances.ready
//   - Consumer для activities.completed
//   - Consumer эксклюзивной очереди сигналов
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.runtime == nil {
		return ErrNoRuntime
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.logger.Info("starting orchestrator",
		"owner_id", o.runtime.OwnerID(),
		"broker", o.conn != nil,
	)

	if err := o.runtime.Start(ctx); err != nil {
		cancel()
		return err
	}

	if o.conn != nil {
		o.startConsumer(ctx, "command", mq.ConsumerConfig{
			Queue:    string(mq.QueueCommandsPending),
			Handler:  o.handleCommandPending,
			Prefetch: o.prefetch,
		})
		o.startConsumer(ctx, "instance", mq.ConsumerConfig{
			Queue:    string(mq.QueueInstancesReady),
			Handler:  o.handleInstanceReady,
			Prefetch: defaultInstancePrefetch,
		})
		o.startConsumer(ctx, "activity result", mq.ConsumerConfig{
			Queue:    string(mq.QueueActivitiesCompleted),
			Handler:  o.handleActivityCompleted,
			Prefetch: defaultInstancePrefetch,
		})
		o.startConsumer(ctx, "signal", mq.ConsumerConfig{
			Declare:  mq.DeclareSignalQueue,
			Handler:  o.handleSignal,
			Prefetch: defaultInstancePrefetch,
		})
	}

	o.logger.Info("orchestrator started")
	return nil
}

func (o *Orchestrator) startConsumer(ctx context.Context, name string, cfg mq.ConsumerConfig) {
	consumer := mq.NewConsumer(o.conn, o.logger, cfg)
	o.consumers = append(o.consumers, consumer)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error(name+" consumer error", "error", err)
		}
	}()
}

// Stop останавливает Orchestrator. Исполняемые экземпляры прерываются
// и продолжаются другим оркестратором после истечения аренды.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}

	for _, c := range o.consumers {
		c.Stop()
	}
	o.wg.Wait()

	active := 0
	if o.runtime != nil {
		active = o.runtime.ActiveCount()
		o.runtime.Stop()
	}

	o.logger.Info("orchestrator stopped", "interrupted_instances", active)
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

// ActiveInstances возвращает количество исполняемых здесь экземпляров.
func (o *Orchestrator) ActiveInstances() int {
	if o.runtime == nil {
		return 0
	}
	return o.runtime.ActiveCount()
}
