package orchestrator

import (
	"encoding/json"
	"errors"
	"slices"

	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
)

// projectCreate — ProjectCreateCommandOrchestration.
//
// Сохраняет проект, разворачивает его группу ресурсов (если она задана
// без id) и отправляет команду провайдерам проекта по batch. Ошибка
// провайдера останавливает следующие batch.
func (o *Orchestrations) projectCreate(ctx *durable.OrchestrationContext) (any, error) {
	var cmd domain.Command
	if err := ctx.GetInput(&cmd); err != nil {
		return nil, durable.NonRetryable(err)
	}
	res := cmd.CreateResult()

	project, err := domain.DecodePayload[domain.Project](&cmd)
	if err != nil {
		res.AddError(err)
		return res, nil
	}

	if err := o.createProject(ctx, &cmd, &project, res); err != nil {
		if errors.Is(err, durable.ErrAborted) {
			return nil, err
		}
		res.AddError(err)
	}
	if err := res.SetResult(project); err != nil {
		res.AddError(err)
	}
	if !res.HasErrors() {
		res.RuntimeStatus = domain.RuntimeStatusCompleted
	}
	return res, nil
}

func (o *Orchestrations) createProject(ctx *durable.OrchestrationContext, cmd *domain.Command, project *domain.Project, res *domain.CommandResult) error {
	setStatus(ctx, "Creating project")
	project.CreatedByCommand = cmd.CommandID.String()
	if err := ctx.CallActivity(ProjectAddActivity, project).Await(project); err != nil {
		return err
	}

	if project.ResourceGroup != nil && project.ResourceGroup.ID == "" {
		setStatus(ctx, "Deploying project resources")

		input, err := json.Marshal(project)
		if err != nil {
			return err
		}
		var outputs map[string]any
		err = ctx.CallSubOrchestrator(DeploymentOrchestration, cmd.CommandID.String()+"-resources",
			DeploymentInput{Activity: ProjectResourcesCreateActivity, Input: input}).Await(&outputs)
		if err != nil {
			return err
		}
		update := ProjectResourcesInput{ProjectID: project.ID, Outputs: outputs}
		if err := ctx.CallActivity(ProjectResourcesUpdateActivity, update).Await(project); err != nil {
			return err
		}
	}

	batches, err := o.projectProviders(ctx, project)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		return nil
	}

	out, err := o.sendToProviders(ctx, cmd, project, batches, true)
	if err != nil {
		return err
	}
	mergeResults(res, out)

	// Выходы провайдеров записаны в проект во время отправки.
	return ctx.CallActivity(ProjectGetActivity, project.ID).Await(project)
}

// projectDelete — ProjectDeleteCommandOrchestration.
//
// Помечает проект удалённым, отправляет команду провайдерам в обратном
// порядке зависимостей, удаляет ресурсы проекта и сам документ.
// Ошибки провайдеров не останавливают удаление.
func (o *Orchestrations) projectDelete(ctx *durable.OrchestrationContext) (any, error) {
	var cmd domain.Command
	if err := ctx.GetInput(&cmd); err != nil {
		return nil, durable.NonRetryable(err)
	}
	res := cmd.CreateResult()

	payload, err := domain.DecodePayload[domain.Project](&cmd)
	if err != nil {
		res.AddError(err)
		return res, nil
	}

	project, err := o.deleteProject(ctx, &cmd, payload.ID, res)
	if err != nil {
		if errors.Is(err, durable.ErrAborted) {
			return nil, err
		}
		res.AddError(err)
	}
	if project != nil {
		if err := res.SetResult(project); err != nil {
			res.AddError(err)
		}
	}
	if !res.HasErrors() {
		res.RuntimeStatus = domain.RuntimeStatusCompleted
	}
	return res, nil
}

func (o *Orchestrations) deleteProject(ctx *durable.OrchestrationContext, cmd *domain.Command, projectID string, res *domain.CommandResult) (*domain.Project, error) {
	setStatus(ctx, "Deleting project")

	var project domain.Project
	if err := ctx.CallActivity(ProjectMarkDeletedActivity, projectID).Await(&project); err != nil {
		return nil, err
	}

	batches, err := o.projectProviders(ctx, &project)
	if err != nil {
		return &project, err
	}
	if len(batches) > 0 {
		slices.Reverse(batches)
		out, err := o.sendToProviders(ctx, cmd, &project, batches, false)
		if err != nil {
			return &project, err
		}
		mergeResults(res, out)
	}

	if resources := project.CleanupResources(); len(resources) > 0 {
		setStatus(ctx, "Deleting project resources")
		if err := ctx.CallSubOrchestrator(ResourceCleanupOrchestration, cmd.CommandID.String()+"-cleanup", resources).Err(); err != nil {
			res.AddError(commandError(ctx, err, "project resource cleanup failed", "project_id", projectID))
		}
	}

	if err := ctx.CallActivity(ProjectRemoveActivity, projectID).Err(); err != nil {
		return &project, err
	}
	return &project, nil
}

// projectProviders загружает провайдеров проекта и раскладывает их по batch.
func (o *Orchestrations) projectProviders(ctx *durable.OrchestrationContext, project *domain.Project) ([][]domain.Provider, error) {
	ids := project.ProviderIDs()
	if len(ids) == 0 {
		return nil, nil
	}

	var providers []domain.Provider
	if err := ctx.CallActivity(ProviderListActivity, ids).Await(&providers); err != nil {
		return nil, err
	}

	// Свойства проекта для провайдера дополняют собственные свойства провайдера.
	for i := range providers {
		for _, pp := range project.Providers {
			if pp.ID != providers[i].ID || len(pp.Properties) == 0 {
				continue
			}
			merged := make(map[string]string, len(providers[i].Properties)+len(pp.Properties))
			for k, v := range providers[i].Properties {
				merged[k] = v
			}
			for k, v := range pp.Properties {
				merged[k] = v
			}
			providers[i].Properties = merged
		}
	}

	batches, err := projectBatches(project, providers)
	if err != nil {
		return nil, domain.NewCommandError(domain.ErrorCodeValidation, "%v", err)
	}
	return batches, nil
}

// sendToProviders отправляет команду с актуальным проектом в payload.
func (o *Orchestrations) sendToProviders(ctx *durable.OrchestrationContext, cmd *domain.Command, project *domain.Project, batches [][]domain.Provider, failFast bool) (SendOutput, error) {
	var out SendOutput

	send, err := cmd.WithPayload(project)
	if err != nil {
		return out, err
	}

	err = ctx.CallSubOrchestrator(CommandSendOrchestration, cmd.CommandID.String()+"-send",
		SendInput{Command: send, Batches: batches, FailFast: failFast}).Await(&out)
	return out, err
}
