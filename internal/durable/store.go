package durable

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shaiso/Tandem/internal/domain"
)

// Store — персистентное состояние среды выполнения.
//
// Реализации: repo.DurableStore (Postgres) и MemoryStore.
type Store interface {
	// CreateInstance создаёт экземпляр. ErrInstanceExists, если id занят.
	CreateInstance(ctx context.Context, inst *Instance) error

	// GetInstance возвращает экземпляр. ErrInstanceNotFound, если его нет.
	GetInstance(ctx context.Context, id string) (*Instance, error)

	// ListInstances возвращает экземпляры по фильтру.
	ListInstances(ctx context.Context, filter InstanceFilter) ([]Instance, error)

	// SetRunning переводит PENDING/CONTINUED_AS_NEW в RUNNING.
	SetRunning(ctx context.Context, id string) error

	// CompleteInstance фиксирует итог выполнения. Экземпляры, которые
	// уже завершены (например, TERMINATED), не перезаписываются;
	// в этом случае возвращается false.
	CompleteInstance(ctx context.Context, id string, status domain.RuntimeStatus, output json.RawMessage, failure *FailureDetails) (bool, error)

	// SetCustomStatus сохраняет пользовательский статус.
	SetCustomStatus(ctx context.Context, id string, status json.RawMessage) error

	// ContinueAsNew начинает новое поколение: сохраняет input, удаляет историю
	// предыдущего поколения и возвращает номер нового.
	ContinueAsNew(ctx context.Context, id string, input json.RawMessage) (int, error)

	// PurgeInstance удаляет экземпляр, его историю и входящие события.
	PurgeInstance(ctx context.Context, id string) error

	// ClaimInstance берёт аренду, если она свободна, истекла или уже принадлежит owner.
	ClaimInstance(ctx context.Context, id, owner string, until time.Time) (bool, error)

	// RenewLeases продлевает все аренды owner.
	RenewLeases(ctx context.Context, owner string, until time.Time) error

	// ReleaseInstance снимает аренду owner.
	ReleaseInstance(ctx context.Context, id, owner string) error

	// SaveHistory сохраняет событие истории. Завершённое событие для seq
	// не перезаписывается; незавершённое заменяется завершённым.
	SaveHistory(ctx context.Context, ev HistoryEvent) error

	// LoadHistory возвращает историю поколения, упорядоченную по seq.
	LoadHistory(ctx context.Context, id string, generation int) ([]HistoryEvent, error)

	// GetHistoryEvent возвращает событие seq или nil.
	GetHistoryEvent(ctx context.Context, id string, generation, seq int) (*HistoryEvent, error)

	// EnqueueEvent кладёт внешнее событие во входящие экземпляра.
	// Повтор с тем же dedupeKey игнорируется (пустой ключ не дедуплицируется).
	EnqueueEvent(ctx context.Context, instanceID, name, dedupeKey string, payload json.RawMessage) error

	// ReceiveEvent атомарно забирает самое старое событие name и сохраняет
	// record (с payload события) в историю. ok=false, если событий нет.
	ReceiveEvent(ctx context.Context, instanceID, name string, record HistoryEvent) (payload json.RawMessage, ok bool, err error)

	// UpdateEntity выполняет fn над состоянием entity; вызовы для одного
	// entity сериализуются. fn возвращает новое состояние (nil — удалить).
	UpdateEntity(ctx context.Context, id EntityID, fn func(state json.RawMessage) (json.RawMessage, error)) error

	// GetEntity возвращает состояние entity или nil.
	GetEntity(ctx context.Context, id EntityID) (json.RawMessage, error)

	// TryLockEntity берёт эксклюзивную блокировку entity для owner.
	// Повторный вызов тем же owner успешен.
	TryLockEntity(ctx context.Context, id EntityID, owner string) (bool, error)

	// UnlockEntity снимает блокировку owner.
	UnlockEntity(ctx context.Context, id EntityID, owner string) error

	// UnlockAll снимает все блокировки owner (при завершении экземпляра).
	UnlockAll(ctx context.Context, owner string) error
}
