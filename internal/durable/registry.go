package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// OrchestratorFunc — функция оркестрации. Возвращаемое значение
// сериализуется в Output экземпляра.
type OrchestratorFunc func(ctx *OrchestrationContext) (any, error)

// ActivityFunc — функция activity. Выполняется at-least-once.
type ActivityFunc func(ctx context.Context, input Input) (any, error)

// EntityFunc — функция entity. Вызовы для одного EntityID сериализуются.
type EntityFunc func(ctx *EntityContext) error

// Input — сырые входные данные activity.
type Input json.RawMessage

// Decode разбирает входные данные в v.
func (in Input) Decode(v any) error {
	if len(in) == 0 {
		return nil
	}
	if err := json.Unmarshal(in, v); err != nil {
		return NonRetryable(fmt.Errorf("decode activity input: %w", err))
	}
	return nil
}

// Registry — реестр оркестраций, activity и entity по имени.
//
// Оркестрации исполняет только Runtime, activity — Runtime (локально)
// или worker (через очередь), поэтому реестр разделяется между ними.
type Registry struct {
	mu            sync.RWMutex
	orchestrators map[string]OrchestratorFunc
	activities    map[string]ActivityFunc
	entities      map[string]EntityFunc
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		orchestrators: make(map[string]OrchestratorFunc),
		activities:    make(map[string]ActivityFunc),
		entities:      make(map[string]EntityFunc),
	}
}

// AddOrchestrator регистрирует оркестрацию.
func (r *Registry) AddOrchestrator(name string, fn OrchestratorFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orchestrators[name] = fn
}

// AddActivity регистрирует activity.
func (r *Registry) AddActivity(name string, fn ActivityFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities[name] = fn
}

// AddEntity регистрирует entity.
func (r *Registry) AddEntity(name string, fn EntityFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[name] = fn
}

// Orchestrator возвращает оркестрацию по имени.
func (r *Registry) Orchestrator(name string) (OrchestratorFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.orchestrators[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrchestrator, name)
	}
	return fn, nil
}

// HasOrchestrator проверяет, зарегистрирована ли оркестрация.
func (r *Registry) HasOrchestrator(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.orchestrators[name]
	return ok
}

// Activity возвращает activity по имени.
func (r *Registry) Activity(name string) (ActivityFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.activities[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActivity, name)
	}
	return fn, nil
}

// Entity возвращает entity по имени.
func (r *Registry) Entity(name string) (EntityFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.entities[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}
	return fn, nil
}

// OrchestratorNames возвращает имена зарегистрированных оркестраций.
func (r *Registry) OrchestratorNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.orchestrators))
	for name := range r.orchestrators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
