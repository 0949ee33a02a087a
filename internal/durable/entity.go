package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// EntityContext — контекст одной операции entity.
type EntityContext struct {
	ctx       context.Context
	id        EntityID
	operation string
	input     json.RawMessage
	state     json.RawMessage
	result    json.RawMessage
	deleted   bool
	changed   bool
}

// ID возвращает адрес entity.
func (e *EntityContext) ID() EntityID { return e.id }

// Operation возвращает имя операции.
func (e *EntityContext) Operation() string { return e.operation }

// Context возвращает context вызова.
func (e *EntityContext) Context() context.Context { return e.ctx }

// GetInput разбирает входные данные операции.
func (e *EntityContext) GetInput(v any) error {
	if len(e.input) == 0 {
		return nil
	}
	return json.Unmarshal(e.input, v)
}

// HasState возвращает true, если у entity есть сохранённое состояние.
func (e *EntityContext) HasState() bool {
	return len(e.state) > 0 && !e.deleted
}

// GetState разбирает состояние в v. Без состояния v не меняется.
func (e *EntityContext) GetState(v any) error {
	if !e.HasState() {
		return nil
	}
	return json.Unmarshal(e.state, v)
}

// SetState заменяет состояние entity.
func (e *EntityContext) SetState(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode entity state: %w", err)
	}
	e.state = data
	e.deleted = false
	e.changed = true
	return nil
}

// DeleteState удаляет состояние entity.
func (e *EntityContext) DeleteState() {
	e.state = nil
	e.deleted = true
	e.changed = true
}

// Return задаёт результат операции.
func (e *EntityContext) Return(v any) error {
	data, err := marshalValue(v)
	if err != nil {
		return fmt.Errorf("encode entity result: %w", err)
	}
	e.result = data
	return nil
}

// invokeEntity выполняет операцию entity внутри Store.UpdateEntity.
func invokeEntity(ctx context.Context, store Store, registry *Registry, id EntityID, operation string, input json.RawMessage) (json.RawMessage, error) {
	fn, err := registry.Entity(id.Name)
	if err != nil {
		return nil, err
	}

	var result json.RawMessage
	err = store.UpdateEntity(ctx, id, func(state json.RawMessage) (json.RawMessage, error) {
		ec := &EntityContext{ctx: ctx, id: id, operation: operation, input: input, state: state}
		if err := callEntity(fn, ec); err != nil {
			return nil, err
		}
		result = ec.result
		if !ec.changed {
			return state, nil
		}
		if ec.deleted {
			return nil, nil
		}
		return ec.state, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func callEntity(fn EntityFunc, ec *EntityContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("entity %s panic: %v", ec.id, r)
		}
	}()
	return fn(ec)
}

// EntityLock — набор entity, заблокированных оркестрацией.
type EntityLock struct {
	ctx      *OrchestrationContext
	ids      []EntityID
	released bool
}

// Release снимает блокировку. Повторный вызов ничего не делает.
func (l *EntityLock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	return l.ctx.unlockEntities(l.ids)
}

// sortEntityIDs упорядочивает и убирает дубли: так разные оркестрации
// берут блокировки в одном порядке.
func sortEntityIDs(ids []EntityID) []EntityID {
	seen := make(map[EntityID]struct{}, len(ids))
	out := make([]EntityID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func joinEntityIDs(ids []EntityID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}
