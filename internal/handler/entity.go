package handler

import (
	"context"
	"fmt"

	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
	"github.com/shaiso/Tandem/internal/repo"
)

// PrepareFunc дополняет сущность перед записью (время, вычисляемые поля).
// current — сохранённая версия для Update и Delete, nil для Create.
type PrepareFunc[T domain.Entity] func(ctx context.Context, action domain.CommandAction, entity, current *T) error

// EntityHandler выполняет Create/Update/Delete сущности без производных команд.
type EntityHandler[T domain.Entity] struct {
	repo    repo.Repository[T]
	prepare PrepareFunc[T]
}

// NewEntityHandler создаёт обработчик для хранилища r. prepare может быть nil.
func NewEntityHandler[T domain.Entity](r repo.Repository[T], prepare PrepareFunc[T]) *EntityHandler[T] {
	return &EntityHandler[T]{repo: r, prepare: prepare}
}

func (h *EntityHandler[T]) Handle(ctx context.Context, cmd *domain.Command, _ Queue, _ *durable.Client) *domain.CommandResult {
	res := cmd.CreateResult()

	entity, err := domain.DecodePayload[T](cmd)
	if err != nil {
		return fail(res, err)
	}

	var current *T
	if cmd.Action != domain.ActionCreate {
		if current, err = h.repo.Get(ctx, entity.EntityID()); err != nil {
			return fail(res, fmt.Errorf("%s '%s': %w", entity.Kind(), entity.EntityID(), err))
		}
	}

	if cmd.Action != domain.ActionDelete {
		if err := validate.Struct(entity); err != nil {
			return fail(res, err)
		}
	}

	if h.prepare != nil {
		if err := h.prepare(ctx, cmd.Action, &entity, current); err != nil {
			return fail(res, err)
		}
	}

	var out *T
	switch cmd.Action {
	case domain.ActionCreate:
		out, err = h.repo.Add(ctx, &entity)
	case domain.ActionUpdate:
		out, err = h.repo.Set(ctx, &entity)
	case domain.ActionDelete:
		out, err = h.repo.Remove(ctx, current)
	default:
		err = fmt.Errorf("%w: %s", ErrNoHandler, cmd.Type)
	}
	if err != nil {
		return fail(res, fmt.Errorf("%s '%s': %w", entity.Kind(), entity.EntityID(), err))
	}

	if err := res.SetResult(out); err != nil {
		return fail(res, err)
	}
	res.RuntimeStatus = domain.RuntimeStatusCompleted
	return res
}
