package orchestrator

import (
	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
)

// serialize ставит команду в очередь проекта и ждёт, пока предыдущая
// команда того же проекта не освободит его.
//
// Под блокировкой ProjectCommandLock команда становится активной и
// получает id предыдущей. Если предыдущая ещё выполняется, рядом
// запускается ProjectCommandMonitorOrchestration, а обёртка ждёт
// внешнее событие с именем предыдущей команды.
func (o *Orchestrations) serialize(ctx *durable.OrchestrationContext, cmd *domain.Command) error {
	if !cmd.IsProjectScoped() {
		return nil
	}

	own := cmd.CommandID.String()
	id := projectLock(cmd.ProjectID)

	lock, err := ctx.LockEntity(id)
	if err != nil {
		return err
	}
	var previous string
	err = ctx.CallEntity(id, opExchange, own).Await(&previous)
	if rerr := lock.Release(); rerr != nil && err == nil {
		err = rerr
	}
	if err != nil {
		return err
	}

	if previous == "" || previous == own {
		return nil
	}

	var status CommandStatus
	if err := ctx.CallActivity(CommandStatusActivity, previous).Await(&status); err != nil {
		return err
	}
	if status.Released() {
		return nil
	}

	setStatus(ctx, "Waiting for command "+previous)
	ctx.Logger().Info("waiting for previous project command",
		"project_id", cmd.ProjectID,
		"previous_command_id", previous,
	)

	// Монитор не ожидается: событие от него приходит раньше его завершения.
	ctx.CallSubOrchestrator(ProjectCommandMonitorOrchestration, ctx.InstanceID()+"-monitor",
		MonitorInput{Waiter: ctx.InstanceID(), CommandID: previous})

	return ctx.WaitForExternalEvent(previous, 0).Err()
}

// Released возвращает true, если команда больше не держит проект:
// её нет или обёртка в финальном статусе. Упавшая обёртка держит проект
// до Terminate.
func (s CommandStatus) Released() bool {
	return !s.Found || s.RuntimeStatus.IsFinal()
}

// projectCommandMonitor — ProjectCommandMonitorOrchestration.
//
// Проверяет команду раз в CommandMonitorInterval; когда она освобождает
// проект, отправляет ожидающему экземпляру событие с её id.
func (o *Orchestrations) projectCommandMonitor(ctx *durable.OrchestrationContext) (any, error) {
	var in MonitorInput
	if err := ctx.GetInput(&in); err != nil {
		return nil, durable.NonRetryable(err)
	}

	var status CommandStatus
	if err := ctx.CallActivity(CommandStatusActivity, in.CommandID).Await(&status); err != nil {
		return nil, err
	}

	if status.Released() {
		if err := ctx.RaiseEvent(in.Waiter, in.CommandID, status); err != nil {
			return nil, err
		}
		return status, nil
	}

	if err := ctx.CreateTimer(o.cfg.CommandMonitorInterval).Err(); err != nil {
		return nil, err
	}
	return nil, ctx.ContinueAsNew(in)
}
