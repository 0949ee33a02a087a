package orchestrator

import (
	"errors"

	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
)

// command — CommandOrchestration, обёртка каждой команды без прямого
// обработчика. Экземпляр: "{commandId}-wrapper".
//
// Шаги: аудит, ожидание предыдущей команды проекта, оркестрация типа
// команды ("{Type}Orchestration", экземпляр = commandId), дополнение
// результата, аудит результата. Ошибки шагов попадают в Errors результата,
// сама обёртка завершается COMPLETED.
func (o *Orchestrations) command(ctx *durable.OrchestrationContext) (any, error) {
	var cmd domain.Command
	if err := ctx.GetInput(&cmd); err != nil {
		return nil, durable.NonRetryable(err)
	}

	logger := ctx.Logger().With("command_id", cmd.CommandID, "command_type", cmd.Type)
	res := cmd.CreateResult()

	setStatus(ctx, "Auditing command")
	o.audit(ctx, &cmd, nil, "", AuditStarted)

	out, err := o.process(ctx, &cmd)
	if out != nil {
		res = out
	}
	if err != nil {
		logger.Warn("command processing failed", "error", err)
		res.AddError(err)
	}

	setStatus(ctx, "Augmenting command result")
	var augmented domain.CommandResult
	if err := ctx.CallActivity(CommandAugmentActivity, res).Await(&augmented); err != nil {
		res.AddError(err)
	} else {
		res = &augmented
	}

	if !res.RuntimeStatus.IsFinal() {
		res.RuntimeStatus = domain.RuntimeStatusCompleted
	}
	if res.HasErrors() {
		res.RuntimeStatus = domain.RuntimeStatusFailed
	}

	setStatus(ctx, "Auditing command result")
	o.audit(ctx, &cmd, res, "", AuditFinished)

	if res.HasErrors() {
		res.CustomStatus = "Command failed: " + res.Errors[0].Message
	} else {
		res.CustomStatus = "Command succeeded"
	}
	setStatus(ctx, res.CustomStatus)

	return res, nil
}

// process выполняет оркестрацию типа команды после сериализации по проекту.
func (o *Orchestrations) process(ctx *durable.OrchestrationContext, cmd *domain.Command) (*domain.CommandResult, error) {
	if err := o.serialize(ctx, cmd); err != nil {
		return nil, err
	}

	setStatus(ctx, "Processing command")

	var out domain.CommandResult
	err := ctx.CallSubOrchestrator(cmd.OrchestrationName(), cmd.CommandID.String(), cmd).Await(&out)
	if err == nil {
		if out.CommandID == cmd.CommandID {
			return &out, nil
		}
		return nil, nil
	}
	if !errors.Is(err, durable.ErrInstanceExists) {
		return nil, err
	}

	// Экземпляр команды уже запускал кто-то другой: отдаём его результат.
	var existing *domain.CommandResult
	if qerr := ctx.CallActivity(CommandResultQueryActivity, cmd.CommandID.String()).Await(&existing); qerr != nil {
		return nil, qerr
	}
	if existing == nil {
		return nil, err
	}
	return existing, nil
}

// audit пишет запись аудита. Ошибка аудита команду не прерывает.
func (o *Orchestrations) audit(ctx *durable.OrchestrationContext, cmd *domain.Command, res *domain.CommandResult, providerID, event string) {
	in := AuditInput{Command: cmd, Result: res, ProviderID: providerID, Event: event}
	if err := ctx.CallActivity(CommandAuditActivity, in).Err(); err != nil {
		ctx.Logger().Warn("failed to audit command",
			"command_id", cmd.CommandID,
			"event", event,
			"error", err,
		)
	}
}
