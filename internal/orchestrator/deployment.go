package orchestrator

import (
	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
)

// deployment — DeploymentOrchestration: запуск развёртывания и опрос
// его состояния до итога.
//
// Первое поколение вызывает стартовую activity. Каждое поколение ждёт
// DeploymentPollInterval и опрашивает состояние; пока развёртывание идёт,
// оркестрация продолжается новым поколением. Успех возвращает выходы
// развёртывания, ошибка превращается в DEPLOYMENT с деталями движка.
func (o *Orchestrations) deployment(ctx *durable.OrchestrationContext) (any, error) {
	var in DeploymentInput
	if err := ctx.GetInput(&in); err != nil {
		return nil, durable.NonRetryable(err)
	}

	if in.DeploymentID == "" {
		var id string
		err := ctx.CallActivity(in.Activity, in.Input, durable.WithRetry(durable.DefaultRetryOptions())).Await(&id)
		if err != nil {
			return nil, commandError(ctx, err, "deployment start failed", "activity", in.Activity)
		}
		if id == "" {
			return nil, nil
		}
		started := ctx.CurrentTime()
		in.DeploymentID = id
		in.StartedAt = &started
		ctx.Logger().Info("deployment started", "deployment_id", id, "activity", in.Activity)
	}

	if err := ctx.CreateTimer(o.cfg.DeploymentPollInterval).Err(); err != nil {
		return nil, err
	}

	var state domain.DeploymentState
	if err := ctx.CallActivity(DeploymentStateActivity, in.DeploymentID,
		durable.WithRetry(durable.DefaultRetryOptions())).Await(&state); err != nil {
		return nil, commandError(ctx, err, "deployment state query failed", "deployment_id", in.DeploymentID)
	}

	switch {
	case state.IsProgressing():
		if ceiling := o.cfg.DeploymentPollingCeiling; ceiling > 0 && in.StartedAt != nil {
			if ctx.CurrentTime().Sub(*in.StartedAt) > ceiling {
				return nil, domain.NewTimeoutError("Deployment '%s' did not finish within %s", in.DeploymentID, ceiling)
			}
		}
		return nil, ctx.ContinueAsNew(in)

	case state.IsError():
		var details []string
		if err := ctx.CallActivity(DeploymentErrorsActivity, in.DeploymentID).Await(&details); err != nil {
			details = append(details, err.Error())
		}
		return nil, domain.NewDeploymentError(in.DeploymentID, details)

	default:
		var outputs map[string]any
		if err := ctx.CallActivity(DeploymentOutputsActivity, in.DeploymentID).Await(&outputs); err != nil {
			return nil, commandError(ctx, err, "deployment outputs query failed", "deployment_id", in.DeploymentID)
		}
		return outputs, nil
	}
}
