package durable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/telemetry"
)

var tracer = otel.Tracer("tandem.durable")

// Значения конфигурации по умолчанию.
const (
	defaultLeaseTTL         = 30 * time.Second
	defaultPollInterval     = time.Second
	defaultRecoveryInterval = 5 * time.Second
	defaultRecoveryBatch    = 100
)

// errDeadline — ожидание завершилось по дедлайну.
var errDeadline = errors.New("wait deadline reached")

// Notifier сообщает другим процессам об изменениях экземпляров.
//
// Без Notifier процессы узнают об изменениях через polling.
type Notifier interface {
	// InstanceReady — экземпляр создан и готов к выполнению.
	InstanceReady(ctx context.Context, instanceID string) error

	// EventRaised — экземпляру отправлено внешнее событие.
	EventRaised(ctx context.Context, instanceID, name string) error

	// InstanceTerminated — экземпляр остановлен через Terminate.
	InstanceTerminated(ctx context.Context, instanceID string) error
}

// Runtime исполняет экземпляры оркестраций.
//
// Runtime:
//   - Исполняет экземпляры по Schedule (из Client или из очереди)
//   - Периодически подбирает экземпляры без действующей аренды (recovery)
//   - Продлевает аренду исполняемых экземпляров
//   - Принимает результаты activity (CompleteActivity)
//
// Несколько Runtime могут работать с одним Store: аренда экземпляра
// гарантирует, что в каждый момент его исполняет только один из них.
type Runtime struct {
	store      Store
	registry   *Registry
	dispatcher Dispatcher
	notifier   Notifier
	ownerID    string

	leaseTTL         time.Duration
	pollInterval     time.Duration
	recoveryInterval time.Duration

	signals *signalHub

	// Active instances — исполняемые экземпляры (id → отмена выполнения)
	active map[string]context.CancelCauseFunc
	mu     sync.Mutex

	// Lifecycle
	logger     *slog.Logger
	baseCtx    context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	started    bool
	stopped    bool
}

// Config — конфигурация Runtime.
type Config struct {
	// Store — хранилище экземпляров и истории.
	Store Store

	// Registry — оркестрации, activity и entity.
	Registry *Registry

	// Dispatcher — доставка activity (default: LocalDispatcher).
	Dispatcher Dispatcher

	// Notifier — уведомление других процессов (опционально).
	Notifier Notifier

	// OwnerID — идентификатор этого Runtime в арендах (default: случайный).
	OwnerID string

	LeaseTTL         time.Duration // срок аренды (default: 30s)
	PollInterval     time.Duration // polling ожиданий (default: 1s)
	RecoveryInterval time.Duration // поиск брошенных экземпляров (default: 5s)

	// Logger
	Logger *slog.Logger
}

// New создаёт Runtime.
func New(cfg Config) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	ownerID := cfg.OwnerID
	if ownerID == "" {
		ownerID = "runtime-" + uuid.NewString()
	}

	r := &Runtime{
		store:            cfg.Store,
		registry:         registry,
		dispatcher:       cfg.Dispatcher,
		notifier:         cfg.Notifier,
		ownerID:          ownerID,
		leaseTTL:         orDefault(cfg.LeaseTTL, defaultLeaseTTL),
		pollInterval:     orDefault(cfg.PollInterval, defaultPollInterval),
		recoveryInterval: orDefault(cfg.RecoveryInterval, defaultRecoveryInterval),
		signals:          newSignalHub(),
		active:           make(map[string]context.CancelCauseFunc),
		logger:           logger,
		baseCtx:          context.Background(),
	}

	if r.dispatcher == nil {
		r.dispatcher = NewLocalDispatcher(registry, r, logger)
	}

	return r
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// Registry возвращает реестр Runtime.
func (r *Runtime) Registry() *Registry { return r.registry }

// OwnerID возвращает идентификатор Runtime в арендах.
func (r *Runtime) OwnerID() string { return r.ownerID }

// Client возвращает клиента, который исполняет экземпляры в этом Runtime.
func (r *Runtime) Client() *Client {
	return NewClient(r.store, r, r.logger)
}

// Start запускает Runtime.
//
// Запускает:
//   - Recovery горутину (брошенные и остановленные экземпляры)
//   - Продление аренды исполняемых экземпляров
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	r.baseCtx = ctx
	r.cancelFunc = cancel
	r.started = true
	r.mu.Unlock()

	r.logger.Info("starting durable runtime",
		"owner_id", r.ownerID,
		"lease_ttl", r.leaseTTL,
		"recovery_interval", r.recoveryInterval,
	)

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.recoveryLoop(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.leaseLoop(ctx)
	}()

	return nil
}

// Stop останавливает Runtime. Исполняемые экземпляры прерываются
// и будут продолжены другим Runtime после истечения аренды.
func (r *Runtime) Stop() {
	r.mu.Lock()
	r.stopped = true
	cancel := r.cancelFunc
	r.mu.Unlock()

	r.logger.Info("stopping durable runtime...")

	if cancel != nil {
		cancel()
	}

	r.wg.Wait()
	r.logger.Info("durable runtime stopped")
}

// IsStopped проверяет, остановлен ли Runtime.
func (r *Runtime) IsStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// ActiveCount возвращает количество исполняемых экземпляров.
func (r *Runtime) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Schedule запускает исполнение экземпляра, если он ещё не исполняется здесь.
func (r *Runtime) Schedule(_ context.Context, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started || r.stopped {
		return ErrRuntimeStopped
	}
	if _, exists := r.active[instanceID]; exists {
		return nil
	}

	// Место резервируется до запуска горутины, чтобы не исполнить экземпляр дважды.
	r.active[instanceID] = func(error) {}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.removeActive(instanceID)
		r.execute(instanceID)
	}()
	return nil
}

func (r *Runtime) schedule(ctx context.Context, instanceID string) {
	if err := r.Schedule(ctx, instanceID); err != nil {
		r.logger.Warn("failed to schedule instance", "instance_id", instanceID, "error", err)
	}
}

func (r *Runtime) setActive(instanceID string, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[instanceID] = cancel
}

func (r *Runtime) removeActive(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, instanceID)
}

func (r *Runtime) cancelActive(instanceID string, cause error) {
	r.mu.Lock()
	cancel, ok := r.active[instanceID]
	r.mu.Unlock()
	if ok {
		cancel(cause)
	}
}

// execute исполняет экземпляр до завершения, прерывания или ContinueAsNew.
func (r *Runtime) execute(instanceID string) {
	ctx := r.baseCtx
	logger := r.logger.With("instance_id", instanceID)

	for {
		inst, err := r.store.GetInstance(ctx, instanceID)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("failed to load instance", "error", err)
			}
			return
		}
		if inst.IsDone() {
			r.notify(doneKey(instanceID))
			return
		}

		claimed, err := r.store.ClaimInstance(ctx, instanceID, r.ownerID, time.Now().Add(r.leaseTTL))
		if err != nil {
			logger.Error("failed to claim instance", "error", err)
			return
		}
		if !claimed {
			logger.Debug("instance is leased by another runtime")
			return
		}

		next, err := r.runGeneration(ctx, inst, logger)
		if err != nil {
			logger.Error("orchestration execution failed", "error", err)
		}
		if !next {
			return
		}
	}
}

// runGeneration исполняет одно поколение экземпляра.
// Возвращает true, если экземпляр продолжен через ContinueAsNew.
func (r *Runtime) runGeneration(ctx context.Context, inst *Instance, logger *slog.Logger) (bool, error) {
	defer func() {
		if err := r.store.ReleaseInstance(context.WithoutCancel(ctx), inst.ID, r.ownerID); err != nil {
			logger.Warn("failed to release instance", "error", err)
		}
	}()

	fn, err := r.registry.Orchestrator(inst.Name)
	if err != nil {
		return false, r.finish(ctx, inst, domain.RuntimeStatusFailed, nil, FailureFromError(err))
	}

	if err := r.store.SetRunning(ctx, inst.ID); err != nil {
		return false, fmt.Errorf("set running: %w", err)
	}

	history, err := r.store.LoadHistory(ctx, inst.ID, inst.Generation)
	if err != nil {
		return false, fmt.Errorf("load history: %w", err)
	}

	spanCtx, span := tracer.Start(ctx, "orchestration "+inst.Name, trace.WithAttributes(
		attribute.String("tandem.instance_id", inst.ID),
		attribute.Int("tandem.generation", inst.Generation),
		attribute.Int("tandem.history_events", len(history)),
	))
	defer span.End()

	runCtx, abort := context.WithCancelCause(spanCtx)
	defer abort(nil)
	r.setActive(inst.ID, abort)

	telemetry.InstancesStarted.WithLabelValues(inst.Name).Inc()
	telemetry.ActiveInstances.Inc()
	defer telemetry.ActiveInstances.Dec()
	start := time.Now()

	oc := newOrchestrationContext(runCtx, abort, r, inst, history)
	output, runErr := invokeOrchestrator(fn, oc)

	telemetry.InstanceDuration.WithLabelValues(inst.Name).Observe(time.Since(start).Seconds())

	// Прерванное выполнение не фиксируется: экземпляр продолжит
	// этот же или другой Runtime.
	if runCtx.Err() != nil {
		cause := context.Cause(runCtx)
		logger.Info("orchestration execution interrupted", "cause", cause)
		span.SetStatus(codes.Error, "interrupted")
		if errors.Is(cause, ErrTerminated) {
			r.notify(doneKey(inst.ID))
		}
		return false, nil
	}

	var can *continueAsNewError
	if errors.As(runErr, &can) {
		if err := r.store.UnlockAll(ctx, inst.ID); err != nil {
			return false, fmt.Errorf("unlock entities: %w", err)
		}
		gen, err := r.store.ContinueAsNew(ctx, inst.ID, can.input)
		if err != nil {
			return false, fmt.Errorf("continue as new: %w", err)
		}
		logger.Debug("orchestration continued as new", "generation", gen)
		return true, nil
	}

	if runErr != nil {
		span.SetStatus(codes.Error, runErr.Error())
		return false, r.finish(ctx, inst, domain.RuntimeStatusFailed, nil, FailureFromError(runErr))
	}

	payload, err := marshalValue(output)
	if err != nil {
		return false, r.finish(ctx, inst, domain.RuntimeStatusFailed, nil, FailureFromError(
			fmt.Errorf("encode orchestration output: %w", err)))
	}
	return false, r.finish(ctx, inst, domain.RuntimeStatusCompleted, payload, nil)
}

func (r *Runtime) finish(ctx context.Context, inst *Instance, status domain.RuntimeStatus, output []byte, failure *FailureDetails) error {
	updated, err := r.store.CompleteInstance(ctx, inst.ID, status, output, failure)
	if err != nil {
		return fmt.Errorf("complete instance: %w", err)
	}
	if err := r.store.UnlockAll(ctx, inst.ID); err != nil {
		r.logger.Warn("failed to unlock entities", "instance_id", inst.ID, "error", err)
	}

	if updated {
		telemetry.InstancesFinished.WithLabelValues(inst.Name, string(status)).Inc()
		r.logger.Info("orchestration finished",
			"instance_id", inst.ID,
			"orchestration", inst.Name,
			"status", status,
		)
	}

	r.notify(doneKey(inst.ID))
	return nil
}

// invokeOrchestrator вызывает fn и превращает panic в ошибку.
func invokeOrchestrator(fn OrchestratorFunc, oc *OrchestrationContext) (out any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("orchestration panic: %v", rec)
		}
	}()
	return fn(oc)
}

// recoveryLoop — цикл поиска брошенных экземпляров.
func (r *Runtime) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(r.recoveryInterval)
	defer ticker.Stop()

	// Первый проход сразу при старте (подхватываем экземпляры, брошенные до рестарта)
	r.recoverAbandoned(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.recoverAbandoned(ctx)
		}
	}
}

func (r *Runtime) recoverAbandoned(ctx context.Context) {
	now := time.Now()
	instances, err := r.store.ListInstances(ctx, InstanceFilter{
		Statuses: []domain.RuntimeStatus{
			domain.RuntimeStatusPending,
			domain.RuntimeStatusRunning,
			domain.RuntimeStatusContinuedAsNew,
		},
		LeaseExpiredBefore: &now,
		Limit:              defaultRecoveryBatch,
	})
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("failed to list abandoned instances", "error", err)
		}
		return
	}

	for i := range instances {
		r.schedule(ctx, instances[i].ID)
	}

	r.checkTerminated(ctx)
}

// checkTerminated прерывает исполняемые здесь экземпляры, остановленные
// из другого процесса.
func (r *Runtime) checkTerminated(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		inst, err := r.store.GetInstance(ctx, id)
		if err != nil {
			continue
		}
		if inst.Status == domain.RuntimeStatusTerminated {
			r.cancelActive(id, ErrTerminated)
		}
	}
}

// leaseLoop продлевает аренду экземпляров этого Runtime.
func (r *Runtime) leaseLoop(ctx context.Context) {
	ticker := time.NewTicker(r.leaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.RenewLeases(ctx, r.ownerID, time.Now().Add(r.leaseTTL)); err != nil && ctx.Err() == nil {
				r.logger.Warn("failed to renew leases", "error", err)
			}
		}
	}
}

// CompleteActivity записывает результат activity в историю экземпляра.
// Повторная доставка того же результата ничего не меняет.
func (r *Runtime) CompleteActivity(ctx context.Context, res ActivityResult) error {
	ev := HistoryEvent{
		InstanceID: res.InstanceID,
		Generation: res.Generation,
		Seq:        res.Seq,
		Kind:       EventActivityCompleted,
		Name:       res.Name,
		Completed:  true,
		Payload:    res.Output,
	}
	if res.Failure != nil {
		ev.Kind = EventActivityFailed
		ev.Payload = nil
		ev.Failure = res.Failure
	}

	if err := r.store.SaveHistory(ctx, ev); err != nil {
		return fmt.Errorf("save activity result: %w", err)
	}
	r.notify(activityKey(res.InstanceID, res.Generation, res.Seq))
	return nil
}

// InstanceReady реализует Notifier: исполняет экземпляр в этом Runtime.
func (r *Runtime) InstanceReady(ctx context.Context, instanceID string) error {
	return r.Schedule(ctx, instanceID)
}

// EventRaised реализует Notifier: будит ожидание события.
func (r *Runtime) EventRaised(_ context.Context, instanceID, name string) error {
	r.notify(eventKey(instanceID, name))
	return nil
}

// InstanceTerminated реализует Notifier: прерывает исполнение экземпляра.
func (r *Runtime) InstanceTerminated(_ context.Context, instanceID string) error {
	r.cancelActive(instanceID, ErrTerminated)
	r.notify(doneKey(instanceID))
	return nil
}

func (r *Runtime) notify(key string) {
	r.signals.notify(key)
}

// raiseEvent кладёт событие во входящие экземпляра и будит ожидание.
func (r *Runtime) raiseEvent(ctx context.Context, instanceID, name, dedupeKey string, payload []byte) error {
	if err := r.store.EnqueueEvent(ctx, instanceID, name, dedupeKey, payload); err != nil {
		return fmt.Errorf("enqueue event %s: %w", name, err)
	}
	r.notify(eventKey(instanceID, name))

	if r.notifier != nil {
		if err := r.notifier.EventRaised(ctx, instanceID, name); err != nil {
			r.logger.Warn("failed to notify event", "instance_id", instanceID, "event", name, "error", err)
		}
	}
	return nil
}

// await ждёт, пока check вернёт true. Проверка повторяется по сигналу key
// и по таймеру polling. При deadline != nil после его наступления
// возвращается errDeadline.
func (r *Runtime) await(ctx context.Context, key string, deadline *time.Time, check func(context.Context) (bool, error)) error {
	sig, unsubscribe := r.signals.subscribe(key)
	defer unsubscribe()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	var deadlineC <-chan time.Time
	if deadline != nil {
		timer := time.NewTimer(time.Until(*deadline))
		defer timer.Stop()
		deadlineC = timer.C
	}

	for {
		ok, err := check(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sig:
		case <-ticker.C:
		case <-deadlineC:
			if ok, err := check(ctx); err == nil && ok {
				return nil
			}
			return errDeadline
		}
	}
}
