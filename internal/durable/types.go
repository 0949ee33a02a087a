package durable

import (
	"encoding/json"
	"time"

	"github.com/shaiso/Tandem/internal/domain"
)

// Instance — экземпляр оркестрации.
type Instance struct {
	// ID — адрес экземпляра (для команд — CommandID).
	ID string `json:"id"`

	// Name — имя зарегистрированной оркестрации.
	Name string `json:"name"`

	// ParentID — родительский экземпляр для под-оркестраций.
	ParentID string `json:"parent_id,omitempty"`

	// Status — статус выполнения.
	Status domain.RuntimeStatus `json:"status"`

	// Generation — номер поколения: увеличивается при каждом ContinueAsNew.
	Generation int `json:"generation"`

	// Input — входные данные текущего поколения.
	Input json.RawMessage `json:"input,omitempty"`

	// Output — результат завершённой оркестрации.
	Output json.RawMessage `json:"output,omitempty"`

	// CustomStatus — последняя пометка SetCustomStatus.
	CustomStatus json.RawMessage `json:"custom_status,omitempty"`

	// Failure — ошибка для FAILED.
	Failure *FailureDetails `json:"failure,omitempty"`

	// LockedBy — среда выполнения, которая сейчас исполняет экземпляр.
	LockedBy string `json:"locked_by,omitempty"`

	// LockedUntil — срок аренды.
	LockedUntil *time.Time `json:"locked_until,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsDone возвращает true, когда экземпляр больше не выполняется:
// COMPLETED, FAILED, CANCELED или TERMINATED.
//
// Это не то же самое, что RuntimeStatus.IsFinal: FAILED здесь
// считается завершением выполнения, но не финальным статусом команды.
func (i *Instance) IsDone() bool {
	return isDone(i.Status)
}

func isDone(s domain.RuntimeStatus) bool {
	switch s {
	case domain.RuntimeStatusCompleted, domain.RuntimeStatusFailed,
		domain.RuntimeStatusCanceled, domain.RuntimeStatusTerminated:
		return true
	default:
		return false
	}
}

// DecodeOutput разбирает Output в v.
func (i *Instance) DecodeOutput(v any) error {
	if len(i.Output) == 0 {
		return nil
	}
	return json.Unmarshal(i.Output, v)
}

// CustomStatusText возвращает CustomStatus как строку, если это JSON-строка.
func (i *Instance) CustomStatusText() string {
	if len(i.CustomStatus) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(i.CustomStatus, &s); err != nil {
		return string(i.CustomStatus)
	}
	return s
}

// EventKind — тип записи истории.
type EventKind string

const (
	EventActivityCompleted EventKind = "ActivityCompleted"
	EventActivityFailed    EventKind = "ActivityFailed"

	EventSubOrchestrationCompleted EventKind = "SubOrchestrationCompleted"
	EventSubOrchestrationFailed    EventKind = "SubOrchestrationFailed"

	EventTimerCreated EventKind = "TimerCreated"
	EventTimerFired   EventKind = "TimerFired"

	EventWaitStarted EventKind = "EventWaitStarted"
	EventReceived    EventKind = "EventReceived"
	EventTimedOut    EventKind = "EventTimedOut"
	EventSent        EventKind = "EventSent"

	EventEntityCalled   EventKind = "EntityCalled"
	EventEntityFailed   EventKind = "EntityFailed"
	EventEntityLocked   EventKind = "EntityLocked"
	EventEntityUnlocked EventKind = "EntityUnlocked"

	EventClockRead EventKind = "ClockRead"
)

// HistoryEvent — одна запись истории экземпляра.
//
// На каждый seq хранится одна запись. Незавершённая запись (Completed=false)
// фиксирует момент планирования (время срабатывания таймера, дедлайн
// ожидания) и заменяется завершённой.
type HistoryEvent struct {
	InstanceID string          `json:"instance_id"`
	Generation int             `json:"generation"`
	Seq        int             `json:"seq"`
	Kind       EventKind       `json:"kind"`
	Name       string          `json:"name"`
	Completed  bool            `json:"completed"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Failure    *FailureDetails `json:"failure,omitempty"`
	FireAt     *time.Time      `json:"fire_at,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Err возвращает ошибку, записанную в событии, или nil.
func (e *HistoryEvent) Err() error {
	if e.Failure == nil {
		return nil
	}
	return &TaskFailedError{Name: e.Name, Failure: *e.Failure}
}

// EntityID — адрес entity: имя функции и ключ экземпляра.
type EntityID struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// String возвращает "@name@key".
func (id EntityID) String() string {
	return "@" + id.Name + "@" + id.Key
}

// InstanceFilter — параметры выборки экземпляров.
type InstanceFilter struct {
	// Statuses — допустимые статусы (пусто — любые).
	Statuses []domain.RuntimeStatus

	// Name — имя оркестрации (пусто — любое).
	Name string

	// LeaseExpiredBefore — только экземпляры без действующей аренды.
	LeaseExpiredBefore *time.Time

	// Limit — максимум записей (0 — без ограничения).
	Limit int
}
