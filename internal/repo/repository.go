package repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tandem/internal/domain"
)

// Scope — область выборки List. Пустые поля не фильтруют.
type Scope struct {
	Organization string
	ProjectID    string
	ComponentID  string
}

// Repository — контракт хранилища сущностей, с которым работают
// обработчики команд.
//
// Все методы могут вернуть ErrNotFound, ErrAlreadyExists или
// ErrETagMismatch; обработчики переводят их в ошибки результата команды.
type Repository[T domain.Entity] interface {
	// Get возвращает сущность по id.
	Get(ctx context.Context, id string) (*T, error)

	// Add добавляет новую сущность.
	Add(ctx context.Context, entity *T) (*T, error)

	// Set сохраняет сущность. Для сущностей с ETag проверяется версия.
	Set(ctx context.Context, entity *T) (*T, error)

	// Remove удаляет сущность и возвращает удалённую версию.
	Remove(ctx context.Context, entity *T) (*T, error)

	// List возвращает сущности в области scope.
	List(ctx context.Context, scope Scope) ([]T, error)
}

// ScheduleRepository — хранилище расписаний с выборкой для scheduler.
type ScheduleRepository interface {
	Repository[domain.Schedule]

	// ListDue возвращает включённые расписания с next_due_at <= now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)

	// RecordRun фиксирует запуск и следующее время срабатывания.
	RecordRun(ctx context.Context, id, commandID string, ranAt, nextDue time.Time) error
}

// AuditEventReceived — первая запись команды. На команду она одна.
const AuditEventReceived = "Received"

// AuditEntry — одна запись аудита команды.
type AuditEntry struct {
	ID            int64                 `json:"id"`
	CommandID     uuid.UUID             `json:"command_id"`
	CommandType   domain.CommandType    `json:"command_type"`
	ProjectID     string                `json:"project_id,omitempty"`
	ProviderID    string                `json:"provider_id,omitempty"`
	Event         string                `json:"event"`
	RuntimeStatus domain.RuntimeStatus  `json:"runtime_status,omitempty"`
	Command       *domain.Command       `json:"command"`
	Result        *domain.CommandResult `json:"result,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
}

// AuditLog — журнал команд: что было отправлено и с каким результатом.
type AuditLog interface {
	// Write добавляет запись.
	Write(ctx context.Context, entry AuditEntry) error

	// Claim добавляет запись AuditEventReceived. ErrAlreadyExists,
	// если команда с этим id уже принималась.
	Claim(ctx context.Context, entry AuditEntry) error

	// GetCommand возвращает команду из первой записи аудита.
	GetCommand(ctx context.Context, commandID uuid.UUID) (*domain.Command, error)

	// ListEntries возвращает записи команды в порядке добавления.
	ListEntries(ctx context.Context, commandID uuid.UUID) ([]AuditEntry, error)
}

// Repositories — все хранилища, нужные обработчикам и оркестрациям.
type Repositories struct {
	Organizations    Repository[domain.Organization]
	DeploymentScopes Repository[domain.DeploymentScope]
	Projects         Repository[domain.Project]
	Components       Repository[domain.Component]
	ComponentTasks   Repository[domain.ComponentTask]
	Providers        Repository[domain.Provider]
	Schedules        ScheduleRepository
	Audit            AuditLog
}

// scopeOf извлекает область сущности.
func scopeOf(entity domain.Entity) Scope {
	var s Scope
	if o, ok := entity.(domain.OrganizationScoped); ok {
		s.Organization = o.OrganizationScope()
	}
	if p, ok := entity.(domain.ProjectScoped); ok {
		s.ProjectID = p.ProjectScope()
	}
	if c, ok := entity.(domain.ComponentScoped); ok {
		s.ComponentID = c.ComponentScope()
	}
	return s
}

// matches проверяет, попадает ли сущность в scope.
func (s Scope) matches(entity domain.Entity) bool {
	es := scopeOf(entity)
	if s.Organization != "" && es.Organization != s.Organization {
		return false
	}
	if s.ProjectID != "" && es.ProjectID != s.ProjectID {
		return false
	}
	if s.ComponentID != "" && es.ComponentID != s.ComponentID {
		return false
	}
	return true
}

// etagOf возвращает текущий ETag сущности, если он есть.
func etagOf(entity any) string {
	if v, ok := entity.(domain.Versioned); ok {
		return v.ETagValue()
	}
	return ""
}

// setETag присваивает новый ETag сущностям, которые его поддерживают.
func setETag(entity any) string {
	etag := uuid.NewString()
	if v, ok := entity.(interface{ SetETag(string) }); ok {
		v.SetETag(etag)
	}
	return etag
}
