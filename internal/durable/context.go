package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tandem/internal/domain"
)

// guidNamespace — namespace для детерминированных UUID (NewGUID).
var guidNamespace = uuid.MustParse("9e952958-5e33-4daf-827f-2fa12937b875")

// Группы операций: событие истории должно относиться к той же группе,
// что и вызов, который его читает при replay.
const (
	opActivity = "activity"
	opSubOrch  = "suborchestration"
	opTimer    = "timer"
	opWait     = "wait"
	opSend     = "send"
	opEntity   = "entity"
	opLock     = "lock"
	opUnlock   = "unlock"
	opClock    = "clock"
)

func opOf(kind EventKind) string {
	switch kind {
	case EventActivityCompleted, EventActivityFailed:
		return opActivity
	case EventSubOrchestrationCompleted, EventSubOrchestrationFailed:
		return opSubOrch
	case EventTimerCreated, EventTimerFired:
		return opTimer
	case EventWaitStarted, EventReceived, EventTimedOut:
		return opWait
	case EventSent:
		return opSend
	case EventEntityCalled, EventEntityFailed:
		return opEntity
	case EventEntityLocked:
		return opLock
	case EventEntityUnlocked:
		return opUnlock
	case EventClockRead:
		return opClock
	default:
		return ""
	}
}

// continueAsNewError — сигнал среде выполнения начать новое поколение.
type continueAsNewError struct {
	input json.RawMessage
}

func (e *continueAsNewError) Error() string { return "continue as new" }

// CallOption — параметр вызова activity или под-оркестрации.
type CallOption func(*callOptions)

type callOptions struct {
	retry         RetryOptions
	allowExisting bool
}

// WithRetry задаёт retry policy для activity.
func WithRetry(retry RetryOptions) CallOption {
	return func(o *callOptions) { o.retry = retry }
}

// AllowExisting разрешает присоединиться к уже существующему экземпляру
// под-оркестрации с другим родителем вместо ошибки ErrInstanceExists.
func AllowExisting() CallOption {
	return func(o *callOptions) { o.allowExisting = true }
}

// OrchestrationContext — единственный способ оркестрации взаимодействовать
// с внешним миром. Методы вызываются из горутины оркестрации.
type OrchestrationContext struct {
	ctx    context.Context
	abort  context.CancelCauseFunc
	rt     *Runtime
	inst   *Instance
	logger *slog.Logger

	mu        sync.Mutex
	seq       int
	lastSeq   int
	guidCount int
	history   map[int]HistoryEvent
}

func newOrchestrationContext(ctx context.Context, abort context.CancelCauseFunc, rt *Runtime, inst *Instance, history []HistoryEvent) *OrchestrationContext {
	c := &OrchestrationContext{
		ctx:     ctx,
		abort:   abort,
		rt:      rt,
		inst:    inst,
		history: make(map[int]HistoryEvent, len(history)),
	}
	for _, ev := range history {
		c.history[ev.Seq] = ev
		if ev.Seq > c.lastSeq {
			c.lastSeq = ev.Seq
		}
	}
	c.logger = slog.New(newReplaySafeHandler(rt.logger.Handler(), c.IsReplaying)).With(
		"instance_id", inst.ID,
		"orchestration", inst.Name,
	)
	return c
}

// InstanceID возвращает id экземпляра.
func (c *OrchestrationContext) InstanceID() string { return c.inst.ID }

// Name возвращает имя оркестрации.
func (c *OrchestrationContext) Name() string { return c.inst.Name }

// ParentInstanceID возвращает id родителя (пусто для корневых экземпляров).
func (c *OrchestrationContext) ParentInstanceID() string { return c.inst.ParentID }

// Generation возвращает номер поколения.
func (c *OrchestrationContext) Generation() int { return c.inst.Generation }

// Context возвращает context выполнения. Отменяется при остановке среды
// или Terminate.
func (c *OrchestrationContext) Context() context.Context { return c.ctx }

// Logger возвращает логгер, который молчит во время replay.
func (c *OrchestrationContext) Logger() *slog.Logger { return c.logger }

// IsReplaying возвращает true, пока оркестрация воспроизводит уже записанную историю.
func (c *OrchestrationContext) IsReplaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq < c.lastSeq
}

// GetInput разбирает входные данные экземпляра в v.
func (c *OrchestrationContext) GetInput(v any) error {
	if len(c.inst.Input) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.inst.Input, v); err != nil {
		return fmt.Errorf("decode orchestration input: %w", err)
	}
	return nil
}

// next назначает следующий seq и возвращает записанное для него событие.
func (c *OrchestrationContext) next(op, name string) (int, *HistoryEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	seq := c.seq

	ev, ok := c.history[seq]
	if !ok {
		return seq, nil, nil
	}
	if opOf(ev.Kind) != op || ev.Name != name {
		return seq, nil, fmt.Errorf("%w: seq %d recorded %s %q, called %s %q",
			ErrNonDeterministic, seq, ev.Kind, ev.Name, op, name)
	}
	return seq, &ev, nil
}

func (c *OrchestrationContext) event(seq int, kind EventKind, name string) HistoryEvent {
	return HistoryEvent{
		InstanceID: c.inst.ID,
		Generation: c.inst.Generation,
		Seq:        seq,
		Kind:       kind,
		Name:       name,
	}
}

// resolve завершает task событием, которое сейчас записано в истории для seq.
func (c *OrchestrationContext) resolve(t *Task, seq int) {
	ev, err := c.rt.store.GetHistoryEvent(c.ctx, c.inst.ID, c.inst.Generation, seq)
	if err != nil {
		c.fail(t, err)
		return
	}
	if ev == nil || !ev.Completed {
		c.fail(t, fmt.Errorf("history event %d of %s is missing", seq, c.inst.ID))
		return
	}
	t.complete(ev.Payload, ev.Err())
}

// fail прерывает выполнение экземпляра из-за инфраструктурной ошибки.
// Экземпляр будет продолжен с последней записанной точки.
func (c *OrchestrationContext) fail(t *Task, err error) {
	if c.ctx.Err() == nil {
		c.rt.logger.Error("orchestration execution aborted",
			"instance_id", c.inst.ID,
			"error", err,
		)
		c.abort(err)
	}
	t.complete(nil, ErrAborted)
}

func (c *OrchestrationContext) completed(t *Task, ev *HistoryEvent) bool {
	if ev == nil || !ev.Completed {
		return false
	}
	t.complete(ev.Payload, ev.Err())
	return true
}

// CallActivity планирует activity и возвращает Task с её результатом.
func (c *OrchestrationContext) CallActivity(name string, input any, opts ...CallOption) *Task {
	seq, ev, err := c.next(opActivity, name)
	t := newTask(seq, name)
	if err != nil {
		t.complete(nil, err)
		return t
	}
	if c.completed(t, ev) {
		return t
	}

	payload, err := marshalValue(input)
	if err != nil {
		t.complete(nil, fmt.Errorf("encode %s input: %w", name, err))
		return t
	}

	o := callOptions{retry: DefaultRetryOptions()}
	for _, opt := range opts {
		opt(&o)
	}

	req := ActivityRequest{
		InstanceID: c.inst.ID,
		Generation: c.inst.Generation,
		Seq:        seq,
		Name:       name,
		Input:      payload,
		Retry:      o.retry,
	}

	go func() {
		if err := c.rt.dispatcher.Dispatch(c.ctx, req); err != nil {
			c.fail(t, fmt.Errorf("dispatch activity %s: %w", name, err))
			return
		}
		if err := c.waitRecorded(seq, nil); err != nil {
			c.fail(t, err)
			return
		}
		c.resolve(t, seq)
	}()

	return t
}

// waitRecorded ждёт, пока для seq появится завершённое событие.
func (c *OrchestrationContext) waitRecorded(seq int, deadline *time.Time) error {
	return c.rt.await(c.ctx, activityKey(c.inst.ID, c.inst.Generation, seq), deadline, func(ctx context.Context) (bool, error) {
		ev, err := c.rt.store.GetHistoryEvent(ctx, c.inst.ID, c.inst.Generation, seq)
		if err != nil {
			return false, err
		}
		return ev != nil && ev.Completed, nil
	})
}

// CallSubOrchestrator запускает оркестрацию name с адресом instanceID
// и ждёт её завершения.
//
// Если экземпляр с таким id уже создан другим родителем, Task завершается
// ошибкой ErrInstanceExists (см. AllowExisting).
func (c *OrchestrationContext) CallSubOrchestrator(name, instanceID string, input any, opts ...CallOption) *Task {
	seq, ev, err := c.next(opSubOrch, name)
	t := newTask(seq, name)
	if err != nil {
		t.complete(nil, err)
		return t
	}
	// Счётчик NewGUID сдвигается и при replay, иначе следующие
	// анонимные дочерние экземпляры получат чужие id.
	if instanceID == "" {
		instanceID = c.NewGUID().String()
	}
	if c.completed(t, ev) {
		return t
	}

	payload, err := marshalValue(input)
	if err != nil {
		t.complete(nil, fmt.Errorf("encode %s input: %w", name, err))
		return t
	}

	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	go func() {
		if err := c.startChild(name, instanceID, payload, o.allowExisting); err != nil {
			if errors.Is(err, ErrInstanceExists) {
				c.record(t, seq, EventSubOrchestrationFailed, name, nil, FailureFromError(
					fmt.Errorf("%w: %s", ErrInstanceExists, instanceID)))
				return
			}
			c.fail(t, err)
			return
		}

		var child *Instance
		err := c.rt.await(c.ctx, doneKey(instanceID), nil, func(ctx context.Context) (bool, error) {
			inst, err := c.rt.store.GetInstance(ctx, instanceID)
			if err != nil {
				return false, err
			}
			child = inst
			return inst.IsDone(), nil
		})
		if err != nil {
			c.fail(t, err)
			return
		}

		if child.Status == domain.RuntimeStatusCompleted {
			c.record(t, seq, EventSubOrchestrationCompleted, name, child.Output, nil)
			return
		}
		c.record(t, seq, EventSubOrchestrationFailed, name, nil, childFailure(child))
	}()

	return t
}

func (c *OrchestrationContext) startChild(name, instanceID string, input json.RawMessage, allowExisting bool) error {
	err := c.rt.store.CreateInstance(c.ctx, &Instance{
		ID:       instanceID,
		Name:     name,
		ParentID: c.inst.ID,
		Input:    input,
	})
	if err == nil {
		c.rt.schedule(c.ctx, instanceID)
		return nil
	}
	if !errors.Is(err, ErrInstanceExists) {
		return fmt.Errorf("create sub-orchestration %s: %w", instanceID, err)
	}

	existing, getErr := c.rt.store.GetInstance(c.ctx, instanceID)
	if getErr != nil {
		return fmt.Errorf("get sub-orchestration %s: %w", instanceID, getErr)
	}
	// Экземпляр создан этой же оркестрацией до рестарта.
	if existing.ParentID == c.inst.ID || allowExisting {
		return nil
	}
	return ErrInstanceExists
}

func childFailure(child *Instance) *FailureDetails {
	if child.Failure != nil {
		return child.Failure
	}
	if child.Status == domain.RuntimeStatusTerminated {
		return &FailureDetails{Type: failureTerminated, Message: fmt.Sprintf("orchestration %s terminated", child.ID)}
	}
	return &FailureDetails{Type: "OrchestrationFailed", Message: fmt.Sprintf("orchestration %s finished with status %s", child.ID, child.Status)}
}

// record сохраняет завершённое событие и завершает task тем, что записано.
func (c *OrchestrationContext) record(t *Task, seq int, kind EventKind, name string, payload json.RawMessage, failure *FailureDetails) {
	ev := c.event(seq, kind, name)
	ev.Completed = true
	ev.Payload = payload
	ev.Failure = failure
	if err := c.rt.store.SaveHistory(c.ctx, ev); err != nil {
		c.fail(t, fmt.Errorf("save history: %w", err))
		return
	}
	c.resolve(t, seq)
}

// CreateTimer создаёт durable timer на d от момента первого вызова.
func (c *OrchestrationContext) CreateTimer(d time.Duration) *Task {
	seq, ev, err := c.next(opTimer, opTimer)
	t := newTask(seq, opTimer)
	if err != nil {
		t.complete(nil, err)
		return t
	}
	if c.completed(t, ev) {
		return t
	}

	var fireAt time.Time
	if ev != nil && ev.FireAt != nil {
		fireAt = *ev.FireAt
	} else {
		fireAt = time.Now().UTC().Add(d)
		marker := c.event(seq, EventTimerCreated, opTimer)
		marker.FireAt = &fireAt
		if err := c.rt.store.SaveHistory(c.ctx, marker); err != nil {
			c.fail(t, fmt.Errorf("save timer: %w", err))
			return t
		}
	}

	go func() {
		timer := time.NewTimer(time.Until(fireAt))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-c.ctx.Done():
			t.complete(nil, ErrAborted)
			return
		}
		c.record(t, seq, EventTimerFired, opTimer, nil, nil)
	}()

	return t
}

// WaitForExternalEvent ждёт событие name. При timeout > 0 по истечении
// срока Task завершается ошибкой ErrEventTimeout.
func (c *OrchestrationContext) WaitForExternalEvent(name string, timeout time.Duration) *Task {
	seq, ev, err := c.next(opWait, name)
	t := newTask(seq, name)
	if err != nil {
		t.complete(nil, err)
		return t
	}
	if c.completed(t, ev) {
		return t
	}

	var deadline *time.Time
	if ev != nil {
		deadline = ev.FireAt
	} else {
		marker := c.event(seq, EventWaitStarted, name)
		if timeout > 0 {
			d := time.Now().UTC().Add(timeout)
			deadline = &d
			marker.FireAt = deadline
		}
		if err := c.rt.store.SaveHistory(c.ctx, marker); err != nil {
			c.fail(t, fmt.Errorf("save event wait: %w", err))
			return t
		}
	}

	go func() {
		record := c.event(seq, EventReceived, name)
		record.Completed = true

		err := c.rt.await(c.ctx, eventKey(c.inst.ID, name), deadline, func(ctx context.Context) (bool, error) {
			_, ok, err := c.rt.store.ReceiveEvent(ctx, c.inst.ID, name, record)
			return ok, err
		})
		switch {
		case err == nil:
			c.resolve(t, seq)
		case errors.Is(err, errDeadline):
			c.record(t, seq, EventTimedOut, name, nil, &FailureDetails{
				Type:    failureEventTimeout,
				Message: fmt.Sprintf("event %q was not received within %s", name, timeout),
			})
		default:
			c.fail(t, err)
		}
	}()

	return t
}

// RaiseEvent отправляет событие другому экземпляру. Повтор при replay
// не создаёт дубликатов.
func (c *OrchestrationContext) RaiseEvent(instanceID, name string, payload any) error {
	label := name + "@" + instanceID
	seq, ev, err := c.next(opSend, label)
	if err != nil {
		return err
	}
	if ev != nil && ev.Completed {
		return nil
	}

	data, err := marshalValue(payload)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", name, err)
	}

	dedupeKey := c.inst.ID + ":" + strconv.Itoa(c.inst.Generation) + ":" + strconv.Itoa(seq)
	if err := c.rt.raiseEvent(c.ctx, instanceID, name, dedupeKey, data); err != nil {
		return err
	}

	sent := c.event(seq, EventSent, label)
	sent.Completed = true
	return c.rt.store.SaveHistory(c.ctx, sent)
}

// CallEntity выполняет операцию над entity и возвращает её результат.
func (c *OrchestrationContext) CallEntity(id EntityID, operation string, input any) *Task {
	label := id.String() + "#" + operation
	seq, ev, err := c.next(opEntity, label)
	t := newTask(seq, label)
	if err != nil {
		t.complete(nil, err)
		return t
	}
	if c.completed(t, ev) {
		return t
	}

	payload, err := marshalValue(input)
	if err != nil {
		t.complete(nil, fmt.Errorf("encode entity input: %w", err))
		return t
	}

	go func() {
		result, err := invokeEntity(c.ctx, c.rt.store, c.rt.registry, id, operation, payload)
		if err != nil {
			if c.ctx.Err() != nil {
				t.complete(nil, ErrAborted)
				return
			}
			c.record(t, seq, EventEntityFailed, label, nil, FailureFromError(err))
			return
		}
		c.record(t, seq, EventEntityCalled, label, result, nil)
	}()

	return t
}

// LockEntity блокирует entity до Release или завершения экземпляра.
// Блокировки берутся в фиксированном порядке.
func (c *OrchestrationContext) LockEntity(ids ...EntityID) (*EntityLock, error) {
	ids = sortEntityIDs(ids)
	label := joinEntityIDs(ids)

	seq, ev, err := c.next(opLock, label)
	if err != nil {
		return nil, err
	}
	lock := &EntityLock{ctx: c, ids: ids}
	if ev != nil && ev.Completed {
		return lock, nil
	}

	for _, id := range ids {
		err := c.rt.await(c.ctx, unlockKey(id), nil, func(ctx context.Context) (bool, error) {
			return c.rt.store.TryLockEntity(ctx, id, c.inst.ID)
		})
		if err != nil {
			return nil, err
		}
	}

	locked := c.event(seq, EventEntityLocked, label)
	locked.Completed = true
	if err := c.rt.store.SaveHistory(c.ctx, locked); err != nil {
		return nil, fmt.Errorf("save entity lock: %w", err)
	}
	return lock, nil
}

func (c *OrchestrationContext) unlockEntities(ids []EntityID) error {
	label := joinEntityIDs(ids)
	seq, ev, err := c.next(opUnlock, label)
	if err != nil {
		return err
	}
	if ev != nil && ev.Completed {
		return nil
	}

	for _, id := range ids {
		if err := c.rt.store.UnlockEntity(c.ctx, id, c.inst.ID); err != nil {
			return fmt.Errorf("unlock entity %s: %w", id, err)
		}
		c.rt.notify(unlockKey(id))
	}

	unlocked := c.event(seq, EventEntityUnlocked, label)
	unlocked.Completed = true
	return c.rt.store.SaveHistory(c.ctx, unlocked)
}

// CurrentTime возвращает время, одинаковое при каждом replay.
func (c *OrchestrationContext) CurrentTime() time.Time {
	seq, ev, err := c.next(opClock, opClock)
	if err == nil && ev != nil && ev.Completed {
		var ts time.Time
		if json.Unmarshal(ev.Payload, &ts) == nil {
			return ts
		}
	}

	now := time.Now().UTC()
	if err != nil {
		c.logger.Warn("clock read out of order", "error", err)
		return now
	}

	payload, _ := json.Marshal(now)
	read := c.event(seq, EventClockRead, opClock)
	read.Completed = true
	read.Payload = payload
	if err := c.rt.store.SaveHistory(c.ctx, read); err != nil {
		c.rt.logger.Warn("failed to save clock read", "instance_id", c.inst.ID, "error", err)
	}
	return now
}

// NewGUID возвращает UUID, одинаковый при каждом replay.
func (c *OrchestrationContext) NewGUID() uuid.UUID {
	c.mu.Lock()
	c.guidCount++
	n := c.guidCount
	c.mu.Unlock()

	name := fmt.Sprintf("%s:%d:%d", c.inst.ID, c.inst.Generation, n)
	return uuid.NewSHA1(guidNamespace, []byte(name))
}

// SetCustomStatus сохраняет пользовательский статус экземпляра.
func (c *OrchestrationContext) SetCustomStatus(v any) error {
	if c.IsReplaying() {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode custom status: %w", err)
	}
	return c.rt.store.SetCustomStatus(c.ctx, c.inst.ID, data)
}

// ContinueAsNew возвращает ошибку, которую оркестрация должна вернуть,
// чтобы начать новое поколение с input.
//
//	return nil, ctx.ContinueAsNew(state)
func (c *OrchestrationContext) ContinueAsNew(input any) error {
	data, err := marshalValue(input)
	if err != nil {
		return fmt.Errorf("encode continue-as-new input: %w", err)
	}
	return &continueAsNewError{input: data}
}

func activityKey(instanceID string, generation, seq int) string {
	return instanceID + "|" + strconv.Itoa(generation) + "|" + strconv.Itoa(seq)
}

func doneKey(instanceID string) string {
	return "done|" + instanceID
}

func eventKey(instanceID, name string) string {
	return "event|" + instanceID + "|" + name
}

func unlockKey(id EntityID) string {
	return "unlock|" + id.String()
}
