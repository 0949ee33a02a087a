package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shaiso/Tandem/internal/durable"
	"github.com/shaiso/Tandem/internal/mq"
	"github.com/shaiso/Tandem/internal/telemetry"
)

// Default configuration values.
const (
	defaultConcurrency = 4
	defaultPrefetch    = 1
)

// ResultPublisher публикует результаты activity.
type ResultPublisher interface {
	PublishActivityCompleted(ctx context.Context, res durable.ActivityResult) error
}

// Worker выполняет activity оркестраций.
//
// Worker — stateless компонент системы, который:
//   - Получает запросы activity из очереди activities.ready
//   - Выполняет activity по имени из реестра с retry policy запроса
//   - Отправляет результат в очередь activities.completed
//
// Workers масштабируются горизонтально — несколько экземпляров
// могут потреблять из одной очереди. Потерянный запрос повторно
// отправит оркестратор при replay экземпляра.
type Worker struct {
	registry  *durable.Registry
	publisher ResultPublisher
	conn      *mq.Connection

	consumers   []*mq.Consumer
	concurrency int
	prefetch    int

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Worker.
type Config struct {
	// Registry — activity, которые умеет выполнять Worker.
	Registry *durable.Registry

	// MQ
	Publisher ResultPublisher
	Conn      *mq.Connection

	Concurrency int // параллельных consumer'ов (default: 4)
	Prefetch    int // prefetch каждого consumer'а (default: 1)

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = durable.NewRegistry()
	}

	return &Worker{
		registry:    registry,
		publisher:   cfg.Publisher,
		conn:        cfg.Conn,
		concurrency: concurrency,
		prefetch:    prefetch,
		logger:      logger,
	}
}

// Start запускает consumer'ы activities.ready.
func (w *Worker) Start(ctx context.Context) error {
	if w.conn == nil {
		return ErrNoBroker
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.logger.Info("starting worker",
		"concurrency", w.concurrency,
		"prefetch", w.prefetch,
	)

	for i := 0; i < w.concurrency; i++ {
		consumer := mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
			Queue:    string(mq.QueueActivitiesReady),
			Handler:  w.handleActivityReady,
			Prefetch: w.prefetch,
		})
		w.consumers = append(w.consumers, consumer)

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("activity consumer error", "error", err)
			}
		}()
	}

	w.logger.Info("worker started")
	return nil
}

// Stop останавливает Worker и ждёт завершения текущих activity.
func (w *Worker) Stop() {
	w.stoppedMu.Lock()
	w.stopped = true
	w.stoppedMu.Unlock()

	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	for _, c := range w.consumers {
		c.Stop()
	}

	w.wg.Wait()

	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	w.stoppedMu.RLock()
	defer w.stoppedMu.RUnlock()
	return w.stopped
}

// handleActivityReady выполняет activity и публикует результат.
func (w *Worker) handleActivityReady(ctx context.Context, delivery *mq.Delivery) error {
	req, err := mq.ParsePayload[durable.ActivityRequest](delivery)
	if err != nil {
		w.logger.Error("failed to parse activity.ready payload", "error", err)
		return err
	}

	logger := telemetry.WithInstanceID(w.logger, req.InstanceID).With(
		"activity", req.Name,
		"seq", req.Seq,
	)
	ctx = telemetry.WithLogger(ctx, logger)

	logger.Debug("activity started")

	res := durable.ExecuteActivity(ctx, w.registry, req, logger)

	// Выполнение прервано остановкой: результат не публикуется,
	// сообщение вернётся в очередь.
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s", ErrWorkerStopped, req.Name)
	}

	if res.Failure != nil {
		logger.Warn("activity failed",
			"attempts", res.Attempts,
			"error", res.Failure.Message,
		)
	} else {
		logger.Info("activity succeeded", "attempts", res.Attempts)
	}

	if err := w.publisher.PublishActivityCompleted(context.WithoutCancel(ctx), res); err != nil {
		return fmt.Errorf("publish activity result: %w", err)
	}
	return nil
}
