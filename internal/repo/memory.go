package repo

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tandem/internal/domain"
)

// MemoryRepository — Repository в памяти процесса.
//
// Используется в тестах и в локальном режиме. Сущности хранятся
// в JSON, поэтому вызывающий не может изменить сохранённую копию.
type MemoryRepository[T domain.Entity] struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryRepository создаёт пустой MemoryRepository.
func NewMemoryRepository[T domain.Entity]() *MemoryRepository[T] {
	return &MemoryRepository[T]{items: make(map[string][]byte)}
}

func (r *MemoryRepository[T]) Get(_ context.Context, id string) (*T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	raw, ok := r.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return decodeDoc[T](raw)
}

func (r *MemoryRepository[T]) Add(_ context.Context, entity *T) (*T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := (*entity).EntityID()
	if _, exists := r.items[id]; exists {
		return nil, ErrAlreadyExists
	}
	setETag(entity)
	return r.storeLocked(id, entity)
}

func (r *MemoryRepository[T]) Set(_ context.Context, entity *T) (*T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := (*entity).EntityID()
	raw, exists := r.items[id]
	if !exists {
		return nil, ErrNotFound
	}

	if want := etagOf(*entity); want != "" {
		current, err := decodeDoc[T](raw)
		if err != nil {
			return nil, err
		}
		if etagOf(*current) != want {
			return nil, ErrETagMismatch
		}
	}
	setETag(entity)
	return r.storeLocked(id, entity)
}

func (r *MemoryRepository[T]) Remove(_ context.Context, entity *T) (*T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := (*entity).EntityID()
	raw, exists := r.items[id]
	if !exists {
		return nil, ErrNotFound
	}
	delete(r.items, id)
	return decodeDoc[T](raw)
}

func (r *MemoryRepository[T]) List(_ context.Context, scope Scope) ([]T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]T, 0, len(ids))
	for _, id := range ids {
		item, err := decodeDoc[T](r.items[id])
		if err != nil {
			return nil, err
		}
		if scope.matches(*item) {
			out = append(out, *item)
		}
	}
	return out, nil
}

func (r *MemoryRepository[T]) storeLocked(id string, entity *T) (*T, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, err
	}
	r.items[id] = raw
	return decodeDoc[T](raw)
}

func decodeDoc[T any](raw []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// MemoryScheduleRepository — ScheduleRepository в памяти процесса.
type MemoryScheduleRepository struct {
	*MemoryRepository[domain.Schedule]
}

// NewMemoryScheduleRepository создаёт пустой MemoryScheduleRepository.
func NewMemoryScheduleRepository() *MemoryScheduleRepository {
	return &MemoryScheduleRepository{MemoryRepository: NewMemoryRepository[domain.Schedule]()}
}

func (r *MemoryScheduleRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	all, err := r.List(ctx, Scope{})
	if err != nil {
		return nil, err
	}

	var due []domain.Schedule
	for _, s := range all {
		if s.IsDue(now) {
			due = append(due, s)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextDueAt.Before(*due[j].NextDueAt) })

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *MemoryScheduleRepository) RecordRun(ctx context.Context, id, commandID string, ranAt, nextDue time.Time) error {
	s, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	s.LastRunAt = &ranAt
	s.LastCommandID = commandID
	s.NextDueAt = &nextDue
	s.UpdatedAt = ranAt
	_, err = r.Set(ctx, s)
	return err
}

// MemoryAuditLog — AuditLog в памяти процесса.
type MemoryAuditLog struct {
	mu      sync.RWMutex
	entries []AuditEntry
}

// NewMemoryAuditLog создаёт пустой MemoryAuditLog.
func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{}
}

func (a *MemoryAuditLog) Write(_ context.Context, entry AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.append(entry)
	return nil
}

func (a *MemoryAuditLog) Claim(_ context.Context, entry AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, e := range a.entries {
		if e.CommandID == entry.CommandID && e.Event == AuditEventReceived {
			return ErrAlreadyExists
		}
	}
	entry.Event = AuditEventReceived
	a.append(entry)
	return nil
}

// append копирует запись в журнал. Вызывается под a.mu.
func (a *MemoryAuditLog) append(entry AuditEntry) {
	entry.ID = int64(len(a.entries) + 1)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Command != nil {
		cmd := *entry.Command
		entry.Command = &cmd
	}
	if entry.Result != nil {
		res := *entry.Result
		res.Errors = append([]domain.CommandError(nil), entry.Result.Errors...)
		entry.Result = &res
	}
	a.entries = append(a.entries, entry)
}

func (a *MemoryAuditLog) GetCommand(_ context.Context, commandID uuid.UUID) (*domain.Command, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, e := range a.entries {
		if e.CommandID == commandID && e.Command != nil {
			cmd := *e.Command
			return &cmd, nil
		}
	}
	return nil, ErrNotFound
}

func (a *MemoryAuditLog) ListEntries(_ context.Context, commandID uuid.UUID) ([]AuditEntry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []AuditEntry
	for _, e := range a.entries {
		if e.CommandID == commandID {
			out = append(out, e)
		}
	}
	return out, nil
}

// NewMemoryRepositories создаёт набор хранилищ в памяти.
func NewMemoryRepositories() *Repositories {
	return &Repositories{
		Organizations:    NewMemoryRepository[domain.Organization](),
		DeploymentScopes: NewMemoryRepository[domain.DeploymentScope](),
		Projects:         NewMemoryRepository[domain.Project](),
		Components:       NewMemoryRepository[domain.Component](),
		ComponentTasks:   NewMemoryRepository[domain.ComponentTask](),
		Providers:        NewMemoryRepository[domain.Provider](),
		Schedules:        NewMemoryScheduleRepository(),
		Audit:            NewMemoryAuditLog(),
	}
}

// Проверка соответствия интерфейсам.
var (
	_ Repository[domain.Project] = (*MemoryRepository[domain.Project])(nil)
	_ ScheduleRepository         = (*MemoryScheduleRepository)(nil)
	_ AuditLog                   = (*MemoryAuditLog)(nil)
)
