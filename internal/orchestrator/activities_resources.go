package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/shaiso/Tandem/internal/deploy"
	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
	"github.com/shaiso/Tandem/internal/engine"
	"github.com/shaiso/Tandem/internal/repo"
	"github.com/shaiso/Tandem/internal/runner"
	"github.com/shaiso/Tandem/internal/telemetry"
)

// Шаблон развёртывания группы ресурсов проекта.
const projectTemplate = "project"

// Ключ выходов шаблона проекта с id созданной группы ресурсов.
const outputResourceGroupID = "resourceGroupId"

// projectAdd сохраняет проект. Повтор той же команды после успешной записи
// возвращает уже сохранённый проект, проект другой команды даёт Conflict.
func (a *Activities) projectAdd(ctx context.Context, project domain.Project) (any, error) {
	existing, err := a.repos.Projects.Get(ctx, project.ID)
	switch {
	case err == nil && existing.Deleted == nil && ownedBy(existing, project.CreatedByCommand):
		return existing, nil
	case err == nil && existing.Deleted == nil:
		return nil, durable.NonRetryable(domain.NewCommandError(domain.ErrorCodeConflict,
			"Project '%s' already exists", project.ID))
	case err == nil:
		return nil, durable.NonRetryable(domain.NewCommandError(domain.ErrorCodeConflict,
			"Project '%s' is being deleted", project.ID))
	case !errors.Is(err, repo.ErrNotFound):
		return nil, err
	}

	now := a.now()
	project.CreatedAt = now
	project.UpdatedAt = now
	out, err := a.repos.Projects.Add(ctx, &project)
	if err != nil {
		return nil, entityError(domain.KindProject, project.ID, err)
	}
	return out, nil
}

func ownedBy(p *domain.Project, commandID string) bool {
	return commandID != "" && p.CreatedByCommand == commandID
}

func (a *Activities) projectGet(ctx context.Context, id string) (any, error) {
	project, err := a.repos.Projects.Get(ctx, id)
	if err != nil {
		return nil, entityError(domain.KindProject, id, err)
	}
	return project, nil
}

func (a *Activities) projectMarkDeleted(ctx context.Context, id string) (any, error) {
	project, err := a.repos.Projects.Get(ctx, id)
	if err != nil {
		return nil, entityError(domain.KindProject, id, err)
	}
	if project.Deleted != nil {
		return project, nil
	}

	now := a.now()
	project.Deleted = &now
	project.UpdatedAt = now
	out, err := a.repos.Projects.Set(ctx, project)
	if err != nil {
		return nil, entityError(domain.KindProject, id, err)
	}
	return out, nil
}

func (a *Activities) projectRemove(ctx context.Context, id string) (any, error) {
	project, err := a.repos.Projects.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := a.repos.Projects.Remove(ctx, project); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	return nil, nil
}

// projectResourcesCreate запускает развёртывание группы ресурсов проекта.
func (a *Activities) projectResourcesCreate(ctx context.Context, project domain.Project) (any, error) {
	params, err := json.Marshal(map[string]any{
		"projectId":     project.ID,
		"organization":  project.Organization,
		"resourceGroup": project.ResourceGroup,
	})
	if err != nil {
		return nil, durable.NonRetryable(err)
	}
	return a.engine.Start(ctx, deploy.Request{Template: projectTemplate, Parameters: params})
}

// projectResourcesUpdate переносит id созданной группы ресурсов в проект.
func (a *Activities) projectResourcesUpdate(ctx context.Context, in ProjectResourcesInput) (any, error) {
	groupID, _ := in.Outputs[outputResourceGroupID].(string)
	if groupID == "" {
		return nil, durable.NonRetryable(domain.NewCommandError(domain.ErrorCodeDeployment,
			"Project '%s' deployment returned no %s output", in.ProjectID, outputResourceGroupID))
	}

	for attempt := 1; ; attempt++ {
		project, err := a.repos.Projects.Get(ctx, in.ProjectID)
		if err != nil {
			return nil, entityError(domain.KindProject, in.ProjectID, err)
		}
		if project.ResourceGroup == nil {
			project.ResourceGroup = &domain.ResourceGroup{}
		}
		project.ResourceGroup.ID = groupID
		project.UpdatedAt = a.now()

		out, err := a.repos.Projects.Set(ctx, project)
		if errors.Is(err, repo.ErrETagMismatch) && attempt < etagRetryAttempts {
			continue
		}
		if err != nil {
			return nil, entityError(domain.KindProject, in.ProjectID, err)
		}
		return out, nil
	}
}

// projectGrantContributor выдаёт провайдеру права на группу ресурсов проекта.
func (a *Activities) projectGrantContributor(ctx context.Context, in GrantInput) (any, error) {
	project, err := a.repos.Projects.Get(ctx, in.ProjectID)
	if err != nil {
		return nil, entityError(domain.KindProject, in.ProjectID, err)
	}
	if project.ResourceGroup == nil || project.ResourceGroup.ID == "" {
		return nil, nil
	}
	return nil, a.engine.GrantContributor(ctx, project.ResourceGroup.ID, in.PrincipalID)
}

func (a *Activities) deploymentState(ctx context.Context, id string) (any, error) {
	state, err := a.engine.State(ctx, id)
	if err != nil {
		return nil, err
	}
	telemetry.DeploymentPolls.WithLabelValues(string(state)).Inc()
	return state, nil
}

func (a *Activities) deploymentOutputs(ctx context.Context, id string) (any, error) {
	return a.engine.Outputs(ctx, id)
}

func (a *Activities) deploymentErrors(ctx context.Context, id string) (any, error) {
	return a.engine.Errors(ctx, id)
}

func (a *Activities) resourceGroupReset(ctx context.Context, id string) (any, error) {
	return a.engine.ResetResourceGroup(ctx, id)
}

func (a *Activities) resourceGroupDelete(ctx context.Context, id string) (any, error) {
	return nil, a.engine.DeleteResourceGroup(ctx, id)
}

func (a *Activities) resourceDelete(ctx context.Context, id string) (any, error) {
	return nil, a.engine.DeleteResource(ctx, id)
}

func (a *Activities) componentGet(ctx context.Context, id string) (any, error) {
	component, err := a.repos.Components.Get(ctx, id)
	if err != nil {
		return nil, entityError(domain.KindComponent, id, err)
	}
	return component, nil
}

func (a *Activities) componentState(ctx context.Context, in ComponentStateInput) (any, error) {
	for attempt := 1; ; attempt++ {
		component, err := a.repos.Components.Get(ctx, in.ComponentID)
		if err != nil {
			return nil, entityError(domain.KindComponent, in.ComponentID, err)
		}
		if component.ResourceState == in.ResourceState {
			return component, nil
		}
		component.ResourceState = in.ResourceState
		component.UpdatedAt = a.now()

		out, err := a.repos.Components.Set(ctx, component)
		if errors.Is(err, repo.ErrETagMismatch) && attempt < etagRetryAttempts {
			continue
		}
		if err != nil {
			return nil, entityError(domain.KindComponent, in.ComponentID, err)
		}
		return out, nil
	}
}

func (a *Activities) componentRemove(ctx context.Context, id string) (any, error) {
	component, err := a.repos.Components.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := a.repos.Components.Remove(ctx, component); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	return nil, nil
}

// componentRefresh выравнивает состояние компонента по последней
// завершённой задаче Create. Удалённый компонент даёт nil.
func (a *Activities) componentRefresh(ctx context.Context, id string) (any, error) {
	component, err := a.repos.Components.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if component.Deleted != nil {
		return nil, nil
	}

	tasks, err := a.repos.ComponentTasks.List(ctx, repo.Scope{ComponentID: id})
	if err != nil {
		return nil, err
	}

	var latest *domain.ComponentTask
	for i := range tasks {
		t := &tasks[i]
		if t.Type != domain.ComponentTaskTypeCreate || !t.ResourceState.IsFinal() {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	if latest == nil || latest.ResourceState == component.ResourceState {
		return component, nil
	}

	return a.componentState(ctx, ComponentStateInput{ComponentID: id, ResourceState: latest.ResourceState})
}

// componentMonitorStart запускает монитор компонента, если он не работает,
// и возвращает id его экземпляра.
func (a *Activities) componentMonitorStart(ctx context.Context, componentID string) (any, error) {
	instanceID := componentMonitorInstanceID(componentID)

	inst, err := a.client.GetStatus(ctx, instanceID)
	switch {
	case err == nil && !inst.IsDone():
		return instanceID, nil
	case err == nil:
		if err := a.client.Purge(ctx, instanceID); err != nil {
			return nil, err
		}
	case !errors.Is(err, durable.ErrInstanceNotFound):
		return nil, err
	}

	_, err = a.client.StartNew(ctx, ComponentMonitorOrchestration, instanceID, ComponentMonitorInput{ComponentID: componentID})
	if err != nil && !errors.Is(err, durable.ErrInstanceExists) {
		return nil, err
	}
	a.log(ctx).Info("component monitor started", "component_id", componentID, "instance_id", instanceID)
	return instanceID, nil
}

// componentTaskEnsure возвращает сохранённую задачу или сохраняет новую.
func (a *Activities) componentTaskEnsure(ctx context.Context, task domain.ComponentTask) (any, error) {
	existing, err := a.repos.ComponentTasks.Get(ctx, task.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	if task.Type == "" {
		task.Type = domain.ComponentTaskTypeCustom
	}
	if task.ResourceState == "" {
		task.ResourceState = domain.ResourceStatePending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = a.now()
	}
	out, err := a.repos.ComponentTasks.Add(ctx, &task)
	if err != nil {
		return nil, entityError(domain.KindComponentTask, task.ID, err)
	}
	return out, nil
}

func (a *Activities) componentTaskSet(ctx context.Context, task domain.ComponentTask) (any, error) {
	out, err := a.repos.ComponentTasks.Set(ctx, &task)
	if err != nil {
		return nil, entityError(domain.KindComponentTask, task.ID, err)
	}
	return out, nil
}

// componentTaskStart запускает контейнер задачи. Имя контейнера
// выводится из id задачи, поэтому повтор возвращает тот же контейнер.
func (a *Activities) componentTaskStart(ctx context.Context, task domain.ComponentTask) (any, error) {
	project, err := a.repos.Projects.Get(ctx, task.ProjectID)
	if err != nil {
		return nil, entityError(domain.KindProject, task.ProjectID, err)
	}
	component, err := a.repos.Components.Get(ctx, task.ComponentID)
	if err != nil {
		return nil, entityError(domain.KindComponent, task.ComponentID, err)
	}
	if component.Image == "" {
		return nil, durable.NonRetryable(domain.NewCommandError(domain.ErrorCodeValidation,
			"Component '%s' has no image", component.ID))
	}

	tctx, err := engine.NewTaskContext(project, component, &task)
	if err != nil {
		return nil, durable.NonRetryable(domain.NewCommandError(domain.ErrorCodeValidation, "%v", err))
	}
	vars, err := engine.TaskEnvironment(tctx)
	if err != nil {
		return nil, durable.NonRetryable(domain.NewCommandError(domain.ErrorCodeValidation, "%v", err))
	}
	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	slices.Sort(env)

	id, err := a.runner.Start(ctx, runner.Spec{
		Name:  "tandem-task-" + task.ID,
		Image: component.Image,
		Env:   env,
		Labels: map[string]string{
			"tandem.project":   task.ProjectID,
			"tandem.component": task.ComponentID,
			"tandem.task":      task.ID,
			"tandem.task-type": string(task.Type),
		},
	})
	if err != nil {
		telemetry.ComponentTaskRuns.WithLabelValues("start_failed").Inc()
		return nil, fmt.Errorf("start component task %s: %w", task.ID, err)
	}

	task.MarkStarted(id, a.now())
	out, err := a.repos.ComponentTasks.Set(ctx, &task)
	if err != nil {
		return nil, entityError(domain.KindComponentTask, task.ID, err)
	}
	telemetry.ComponentTaskRuns.WithLabelValues("started").Inc()
	a.log(ctx).Info("component task started",
		"task_id", task.ID,
		"component_id", task.ComponentID,
		"container_id", id,
	)
	return out, nil
}

// componentTaskMonitor опрашивает контейнер задачи. Пропавший контейнер
// считается завершившимся с ошибкой.
func (a *Activities) componentTaskMonitor(ctx context.Context, task domain.ComponentTask) (any, error) {
	status, err := a.runner.Status(ctx, task.ResourceID)
	switch {
	case errors.Is(err, runner.ErrNotFound):
		task.Output = strings.TrimSpace(task.Output + "\ncontainer not found")
		task.MarkFinished(-1, a.now())
	case err != nil:
		return nil, err
	case !status.Finished():
		return task, nil
	default:
		if logs, err := a.runner.Logs(ctx, task.ResourceID, a.logTail); err == nil {
			task.Output = logs
		} else {
			a.log(ctx).Warn("failed to read component task logs", "task_id", task.ID, "error", err)
		}
		code := status.ExitCode
		if status.Error != "" {
			task.Output = strings.TrimSpace(task.Output + "\n" + status.Error)
			if code == 0 {
				code = -1
			}
		}
		task.MarkFinished(code, status.FinishedAt)
	}

	outcome := "succeeded"
	if task.ResourceState == domain.ResourceStateFailed {
		outcome = "failed"
	}
	telemetry.ComponentTaskRuns.WithLabelValues(outcome).Inc()

	out, err := a.repos.ComponentTasks.Set(ctx, &task)
	if err != nil {
		return nil, entityError(domain.KindComponentTask, task.ID, err)
	}
	return out, nil
}

// componentTaskTerminate удаляет контейнер задачи, сохраняя его логи.
func (a *Activities) componentTaskTerminate(ctx context.Context, task domain.ComponentTask) (any, error) {
	if task.ResourceID == "" {
		return task, nil
	}
	if task.Output == "" {
		logs, err := a.runner.Logs(ctx, task.ResourceID, a.logTail)
		if err == nil {
			task.Output = logs
		}
	}
	if err := a.runner.Remove(ctx, task.ResourceID); err != nil {
		return nil, err
	}

	out, err := a.repos.ComponentTasks.Set(ctx, &task)
	if err != nil {
		return nil, entityError(domain.KindComponentTask, task.ID, err)
	}
	return out, nil
}
