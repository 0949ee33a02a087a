package orchestrator

import (
	"errors"

	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
)

// componentTaskRun — ComponentTaskRunCommandOrchestration.
//
// Под блокировкой компонента запускает контейнер задачи (если он ещё не
// запущен), опрашивает его раз в ComponentTaskMonitorInterval до итога
// или до ComponentTaskTTL и всегда удаляет контейнер в конце. Итог
// задачи переносится в состояние компонента; успешная задача Delete
// удаляет компонент.
func (o *Orchestrations) componentTaskRun(ctx *durable.OrchestrationContext) (any, error) {
	var cmd domain.Command
	if err := ctx.GetInput(&cmd); err != nil {
		return nil, durable.NonRetryable(err)
	}
	res := cmd.CreateResult()

	payload, err := domain.DecodePayload[domain.ComponentTask](&cmd)
	if err != nil {
		res.AddError(err)
		return res, nil
	}

	task, err := o.runComponentTask(ctx, &payload, res)
	if err != nil {
		if errors.Is(err, durable.ErrAborted) {
			return nil, err
		}
		res.AddError(err)
	}
	if task != nil {
		if err := res.SetResult(task); err != nil {
			res.AddError(err)
		}
	}
	if !res.HasErrors() {
		res.RuntimeStatus = domain.RuntimeStatusCompleted
	}
	return res, nil
}

func (o *Orchestrations) runComponentTask(ctx *durable.OrchestrationContext, payload *domain.ComponentTask, res *domain.CommandResult) (*domain.ComponentTask, error) {
	var task domain.ComponentTask
	if err := ctx.CallActivity(ComponentTaskEnsureActivity, payload).Await(&task); err != nil {
		return nil, err
	}
	var component domain.Component
	if err := ctx.CallActivity(ComponentGetActivity, task.ComponentID).Await(&component); err != nil {
		return &task, err
	}

	lockID := componentLock(component.ID)
	lock, err := ctx.LockEntity(lockID)
	if err != nil {
		return &task, err
	}
	if err := ctx.CallEntity(lockID, opAcquire, task.ID).Err(); err != nil {
		ctx.Logger().Warn("failed to record component lock owner", "component_id", component.ID, "error", err)
	}

	runErr := o.runContainer(ctx, &task)

	// Контейнер удаляется в любом исходе, логи остаются в задаче.
	setStatus(ctx, "Terminating component task")
	var terminated domain.ComponentTask
	if err := ctx.CallActivity(ComponentTaskTerminateActivity, task).Await(&terminated); err != nil {
		ctx.Logger().Warn("failed to terminate component task", "task_id", task.ID, "error", err)
	} else {
		task = terminated
	}

	if err := ctx.CallEntity(lockID, opRelease, nil).Err(); err != nil {
		ctx.Logger().Warn("failed to clear component lock owner", "component_id", component.ID, "error", err)
	}
	if err := lock.Release(); err != nil {
		return &task, err
	}

	if runErr != nil {
		if errors.Is(runErr, durable.ErrAborted) {
			return &task, runErr
		}
		res.AddError(runErr)
	}

	return &task, o.applyTaskOutcome(ctx, &component, &task, res)
}

// runContainer запускает контейнер и ждёт его итога.
func (o *Orchestrations) runContainer(ctx *durable.OrchestrationContext, task *domain.ComponentTask) error {
	if task.ResourceState.IsFinal() {
		return nil
	}

	if task.ResourceID == "" {
		setStatus(ctx, "Initializing component task")
		task.ResourceState = domain.ResourceStateInitializing
		if err := ctx.CallActivity(ComponentTaskSetActivity, task).Await(task); err != nil {
			return err
		}

		setStatus(ctx, "Starting component task")
		if err := ctx.CallActivity(ComponentTaskStartActivity, task,
			durable.WithRetry(durable.DefaultRetryOptions())).Await(task); err != nil {
			return err
		}
	}

	setStatus(ctx, "Provisioning component task")
	deadline := task.CreatedAt.Add(o.cfg.ComponentTaskTTL)

	for !task.ResourceState.IsFinal() {
		if ctx.CurrentTime().After(deadline) {
			task.ResourceState = domain.ResourceStateFailed
			if err := ctx.CallActivity(ComponentTaskSetActivity, task).Await(task); err != nil {
				return err
			}
			return domain.NewTimeoutError("Component task '%s' did not finish within %s", task.ID, o.cfg.ComponentTaskTTL)
		}
		if err := ctx.CreateTimer(o.cfg.ComponentTaskMonitorInterval).Err(); err != nil {
			return err
		}
		if err := ctx.CallActivity(ComponentTaskMonitorActivity, task).Await(task); err != nil {
			return err
		}
	}
	return nil
}

// applyTaskOutcome переносит итог задачи на компонент.
func (o *Orchestrations) applyTaskOutcome(ctx *durable.OrchestrationContext, component *domain.Component, task *domain.ComponentTask, res *domain.CommandResult) error {
	if task.ResourceState == domain.ResourceStateFailed && !res.HasErrors() {
		code := -1
		if task.ExitCode != nil {
			code = *task.ExitCode
		}
		res.AddError(domain.NewCommandError(domain.ErrorCodeDeployment,
			"Component task '%s' failed with exit code %d", task.ID, code))
	}

	switch task.Type {
	case domain.ComponentTaskTypeDelete:
		if task.ResourceState == domain.ResourceStateSucceeded {
			return ctx.CallActivity(ComponentRemoveActivity, component.ID).Err()
		}
		return nil
	case domain.ComponentTaskTypeCreate:
		state := ComponentStateInput{ComponentID: component.ID, ResourceState: task.ResourceState}
		return ctx.CallActivity(ComponentStateActivity, state).Err()
	default:
		return nil
	}
}
