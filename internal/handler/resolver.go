package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
	"github.com/shaiso/Tandem/internal/repo"
)

// CommandOrchestration — имя оркестрации верхнего уровня, которая
// аудирует команду и вызывает "{CommandType}Orchestration".
const CommandOrchestration = "CommandOrchestration"

// WrapperInstanceID возвращает id экземпляра CommandOrchestration.
// Экземпляр оркестрации типа команды адресуется самим CommandID.
func WrapperInstanceID(commandID uuid.UUID) string {
	return commandID.String() + "-wrapper"
}

// Resolver восстанавливает текущий CommandResult по id команды.
//
// Порядок: экземпляр {id}, затем {id}-wrapper, затем аудит.
// Для принятой команды результат есть всегда.
type Resolver struct {
	client    *durable.Client
	audit     repo.AuditLog
	statusURL func(uuid.UUID) string
}

// NewResolver создаёт Resolver. statusURL может быть nil.
func NewResolver(client *durable.Client, audit repo.AuditLog, statusURL func(uuid.UUID) string) *Resolver {
	return &Resolver{client: client, audit: audit, statusURL: statusURL}
}

// Resolve возвращает результат команды. ErrCommandNotFound, если
// команда никогда не принималась.
func (r *Resolver) Resolve(ctx context.Context, commandID uuid.UUID) (*domain.CommandResult, error) {
	if r.client != nil {
		for _, id := range []string{commandID.String(), WrapperInstanceID(commandID)} {
			inst, err := r.client.GetStatus(ctx, id)
			if errors.Is(err, durable.ErrInstanceNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("get instance %s: %w", id, err)
			}

			res, err := ResultFromInstance(inst)
			if err != nil {
				continue
			}
			return r.decorate(res), nil
		}
	}

	res, err := r.fromAudit(ctx, commandID)
	if err != nil {
		return nil, err
	}
	return r.decorate(res), nil
}

func (r *Resolver) fromAudit(ctx context.Context, commandID uuid.UUID) (*domain.CommandResult, error) {
	if r.audit == nil {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, commandID)
	}

	entries, err := r.audit.ListEntries(ctx, commandID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, commandID)
	}

	// Последняя запись с результатом, иначе результат по умолчанию
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Result != nil && entries[i].ProviderID == "" {
			res := *entries[i].Result
			return &res, nil
		}
	}

	for _, e := range entries {
		if e.Command != nil {
			return e.Command.CreateResult(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, commandID)
}

func (r *Resolver) decorate(res *domain.CommandResult) *domain.CommandResult {
	if res.Errors == nil {
		res.Errors = []domain.CommandError{}
	}
	if r.statusURL != nil {
		res.SetLink(domain.LinkStatus, r.statusURL(res.CommandID))
	}
	return res
}

// ResultFromInstance строит CommandResult из экземпляра оркестрации команды.
//
// Вход экземпляра — команда, выход (если есть) — результат. Статус
// берётся из экземпляра; завершённый экземпляр с ошибками в результате
// даёт FAILED.
func ResultFromInstance(inst *durable.Instance) (*domain.CommandResult, error) {
	var cmd domain.Command
	if err := json.Unmarshal(inst.Input, &cmd); err != nil {
		return nil, fmt.Errorf("decode command of instance %s: %w", inst.ID, err)
	}
	if cmd.CommandID == uuid.Nil {
		return nil, fmt.Errorf("instance %s input is not a command", inst.ID)
	}

	res := cmd.CreateResult()
	if len(inst.Output) > 0 {
		var out domain.CommandResult
		if err := inst.DecodeOutput(&out); err == nil && out.CommandID == cmd.CommandID {
			res = &out
		}
	}

	res.RuntimeStatus = inst.Status
	if cs := inst.CustomStatusText(); cs != "" {
		res.CustomStatus = cs
	}
	res.CreatedTime = inst.CreatedAt
	res.LastUpdatedTime = inst.UpdatedAt

	if inst.Failure != nil {
		if inst.Failure.Error != nil {
			res.Errors = append(res.Errors, *inst.Failure.Error)
		} else {
			res.Errors = append(res.Errors, domain.CommandError{Code: domain.ErrorCodeInternal, Message: inst.Failure.Message})
		}
	}

	if res.RuntimeStatus == domain.RuntimeStatusCompleted && res.HasErrors() {
		res.RuntimeStatus = domain.RuntimeStatusFailed
	}
	return res, nil
}
