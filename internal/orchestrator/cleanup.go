package orchestrator

import (
	"encoding/json"
	"errors"

	"github.com/shaiso/Tandem/internal/deploy"
	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
)

// resourceCleanup — ResourceCleanupOrchestration: удаление ресурсов
// проекта в две фазы.
//
// Первая фаза параллельно очищает группы ресурсов (развёртыванием
// пустого шаблона) и удаляет отдельные ресурсы. Вторая удаляет сами
// группы. Ошибки собираются; вторая фаза выполняется в любом случае.
func (o *Orchestrations) resourceCleanup(ctx *durable.OrchestrationContext) (any, error) {
	var ids []string
	if err := ctx.GetInput(&ids); err != nil {
		return nil, durable.NonRetryable(err)
	}

	groups, resources, invalid := deploy.PartitionResources(ids)
	if len(invalid) > 0 {
		ctx.Logger().Warn("skipping unrecognized resource ids", "resource_ids", invalid)
	}

	retry := durable.WithRetry(durable.DefaultRetryOptions())

	var tasks []*durable.Task
	for _, g := range groups {
		input, err := json.Marshal(g)
		if err != nil {
			return nil, durable.NonRetryable(err)
		}
		tasks = append(tasks, ctx.CallSubOrchestrator(DeploymentOrchestration, "",
			DeploymentInput{Activity: ResourceGroupResetActivity, Input: input}))
	}
	for _, r := range resources {
		tasks = append(tasks, ctx.CallActivity(ResourceDeleteActivity, r, retry))
	}

	var details []string
	collect := func(tasks []*durable.Task) error {
		for _, t := range tasks {
			if err := t.Err(); err != nil {
				if errors.Is(err, durable.ErrAborted) {
					return err
				}
				details = append(details, err.Error())
			}
		}
		return nil
	}
	if err := collect(tasks); err != nil {
		return nil, err
	}

	tasks = tasks[:0]
	for _, g := range groups {
		tasks = append(tasks, ctx.CallActivity(ResourceGroupDeleteActivity, g, retry))
	}
	if err := collect(tasks); err != nil {
		return nil, err
	}

	if len(details) > 0 {
		return nil, &domain.CommandError{
			Code:    domain.ErrorCodeDeployment,
			Message: "Failed to clean up project resources",
			Details: details,
		}
	}
	return nil, nil
}
