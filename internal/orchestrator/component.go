package orchestrator

import (
	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
)

// componentMonitorCommand — ComponentMonitorCommandOrchestration:
// запускает долгоживущий монитор компонента, если он ещё не работает.
func (o *Orchestrations) componentMonitorCommand(ctx *durable.OrchestrationContext) (any, error) {
	var cmd domain.Command
	if err := ctx.GetInput(&cmd); err != nil {
		return nil, durable.NonRetryable(err)
	}
	res := cmd.CreateResult()

	component, err := domain.DecodePayload[domain.Component](&cmd)
	if err != nil {
		res.AddError(err)
		return res, nil
	}

	var instanceID string
	if err := ctx.CallActivity(ComponentMonitorStartActivity, component.ID).Await(&instanceID); err != nil {
		res.AddError(err)
		return res, nil
	}
	ctx.Logger().Debug("component monitor running",
		"component_id", component.ID,
		"monitor_instance_id", instanceID,
	)

	if err := res.SetResult(component); err != nil {
		res.AddError(err)
		return res, nil
	}
	res.SetLink("monitor", instanceID)
	res.RuntimeStatus = domain.RuntimeStatusCompleted
	return res, nil
}

// componentMonitor — ComponentMonitorOrchestration: раз в
// ComponentMonitorInterval обновляет состояние компонента.
// Завершается, когда компонент удалён.
func (o *Orchestrations) componentMonitor(ctx *durable.OrchestrationContext) (any, error) {
	var in ComponentMonitorInput
	if err := ctx.GetInput(&in); err != nil {
		return nil, durable.NonRetryable(err)
	}

	var component *domain.Component
	if err := ctx.CallActivity(ComponentRefreshActivity, in.ComponentID).Await(&component); err != nil {
		return nil, err
	}
	if component == nil {
		ctx.Logger().Info("component gone, monitor stopped", "component_id", in.ComponentID)
		return nil, nil
	}

	if err := ctx.CreateTimer(o.cfg.ComponentMonitorInterval).Err(); err != nil {
		return nil, err
	}
	return nil, ctx.ContinueAsNew(in)
}
