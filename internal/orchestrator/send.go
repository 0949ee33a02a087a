package orchestrator

import (
	"errors"
	"maps"

	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
	"github.com/shaiso/Tandem/internal/engine"
)

// Retry отправки провайдеру: сетевые ошибки и 5xx повторяются,
// 4xx activity помечает как не подлежащие повтору.
var providerRetry = durable.RetryOptions{MaxAttempts: 5}

// providerBatches раскладывает провайдеров по batch согласно DependsOn.
func providerBatches(providers []domain.Provider) ([][]domain.Provider, error) {
	ids, err := engine.ProviderBatches(providers)
	if err != nil {
		return nil, err
	}
	return resolveBatches(ids, providers)
}

// projectBatches раскладывает провайдеров проекта по batch согласно
// зависимостям, заданным в проекте. Если проект зависимостей не задаёт,
// используются собственные DependsOn провайдеров.
func projectBatches(project *domain.Project, providers []domain.Provider) ([][]domain.Provider, error) {
	declared := false
	for _, pp := range project.Providers {
		declared = declared || len(pp.DependsOn) > 0
	}
	if !declared {
		return providerBatches(providers)
	}

	ids, err := engine.ProjectBatches(project)
	if err != nil {
		return nil, err
	}
	return resolveBatches(ids, providers)
}

func resolveBatches(ids [][]string, providers []domain.Provider) ([][]domain.Provider, error) {
	byID := make(map[string]domain.Provider, len(providers))
	for _, p := range providers {
		byID[p.ID] = p
	}

	batches := make([][]domain.Provider, 0, len(ids))
	for _, batch := range ids {
		resolved := make([]domain.Provider, 0, len(batch))
		for _, id := range batch {
			p, ok := byID[id]
			if !ok {
				return nil, domain.NewCommandError(domain.ErrorCodeNotFound, "Provider '%s' not found", id)
			}
			resolved = append(resolved, p)
		}
		batches = append(batches, resolved)
	}
	return batches, nil
}

// commandSend — CommandSendOrchestration: отправка команды провайдерам
// по batch.
//
// Внутри batch провайдеры работают параллельно; следующий batch
// начинается после завершения всех провайдеров предыдущего и получает
// их выходные свойства в Results.
func (o *Orchestrations) commandSend(ctx *durable.OrchestrationContext) (any, error) {
	var in SendInput
	if err := ctx.GetInput(&in); err != nil {
		return nil, durable.NonRetryable(err)
	}
	if in.Command == nil {
		return nil, durable.NonRetryable(domain.ErrNilPayload)
	}

	out := SendOutput{
		Results: []domain.CommandResult{},
		Outputs: map[string]map[string]string{},
	}
	commandID := in.Command.CommandID.String()

	for i, batch := range in.Batches {
		if in.FailFast && hasErrors(out.Results) {
			ctx.Logger().Info("skipping remaining provider batches",
				"command_id", commandID,
				"skipped_from", i,
			)
			break
		}

		setStatus(ctx, "Sending command to providers")

		tasks := make([]*durable.Task, len(batch))
		for j, p := range batch {
			tasks[j] = ctx.CallSubOrchestrator(ProviderSendOrchestration,
				providerSendInstanceID(commandID, p.ID),
				ProviderSendInput{Command: in.Command, Provider: p, Results: maps.Clone(out.Outputs)})
		}

		for j, t := range tasks {
			res := in.Command.CreateResult()
			if err := t.Await(res); err != nil {
				if errors.Is(err, durable.ErrAborted) {
					return nil, err
				}
				res.AddError(err)
			}
			out.Results = append(out.Results, *res)
			out.Outputs[batch[j].ID] = res.ProviderProperties()
		}
	}

	return out, nil
}

func hasErrors(results []domain.CommandResult) bool {
	for i := range results {
		if results[i].HasErrors() {
			return true
		}
	}
	return false
}

// mergeResults переносит ошибки провайдеров в результат команды.
func mergeResults(res *domain.CommandResult, out SendOutput) {
	for i := range out.Results {
		res.Errors = append(res.Errors, out.Results[i].Errors...)
	}
}

// providerSend — ProviderSendOrchestration: команда одному провайдеру.
//
// Выдаёт callback URL, при необходимости регистрирует провайдера и
// выдаёт ему права на ресурсы проекта, отправляет команду и, если
// провайдер ответил RUNNING, ждёт callback не дольше таймаута провайдера.
// Callback URL отзывается в любом исходе.
func (o *Orchestrations) providerSend(ctx *durable.OrchestrationContext) (any, error) {
	var in ProviderSendInput
	if err := ctx.GetInput(&in); err != nil {
		return nil, durable.NonRetryable(err)
	}
	if in.Command == nil {
		return nil, durable.NonRetryable(domain.ErrNilPayload)
	}

	cmd := in.Command
	p := in.Provider
	commandID := cmd.CommandID.String()

	var callbackURL string
	err := ctx.CallActivity(CallbackAcquireActivity,
		CallbackInput{InstanceID: ctx.InstanceID(), CommandID: commandID}).Await(&callbackURL)
	if err != nil {
		return providerFailure(cmd, err)
	}

	res, err := o.sendToProvider(ctx, in, callbackURL)

	if ierr := ctx.CallActivity(CallbackInvalidateActivity, callbackURL).Err(); ierr != nil {
		ctx.Logger().Warn("failed to invalidate callback",
			"command_id", commandID,
			"provider_id", p.ID,
			"error", ierr,
		)
	}

	if err != nil {
		if errors.Is(err, durable.ErrAborted) {
			return nil, err
		}
		return providerFailure(cmd, err)
	}
	return res, nil
}

func (o *Orchestrations) sendToProvider(ctx *durable.OrchestrationContext, in ProviderSendInput, callbackURL string) (*domain.CommandResult, error) {
	cmd := in.Command
	p := in.Provider
	commandID := cmd.CommandID.String()

	if !in.SkipRegistration && !p.IsRegistered() {
		setStatus(ctx, "Registering provider "+p.ID)
		registered, err := o.ensureRegistered(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		p = *registered
	}

	if cmd.IsProjectScoped() && p.PrincipalID != "" {
		grant := GrantInput{ProjectID: cmd.ProjectID, PrincipalID: p.PrincipalID}
		if err := ctx.CallActivity(ProjectGrantContributorActivity, grant, durable.WithRetry(durable.DefaultRetryOptions())).Err(); err != nil {
			return nil, err
		}
	}

	pcmd := domain.ProviderCommand{
		Command:     *cmd,
		Properties:  maps.Clone(p.Properties),
		Results:     in.Results,
		CallbackURL: callbackURL,
	}
	pcmd.ProviderID = p.ID

	setStatus(ctx, "Sending command to provider "+p.ID)
	o.audit(ctx, cmd, nil, p.ID, AuditSending)

	var res *domain.CommandResult
	err := ctx.CallActivity(ProviderSendActivity, ProviderRequest{Provider: p, Command: pcmd},
		durable.WithRetry(providerRetry)).Await(&res)

	if err == nil && res != nil && res.RuntimeStatus.IsActive() {
		setStatus(ctx, "Waiting for provider "+p.ID)
		timeout := min(p.Timeout(), o.cfg.ProviderCallbackTimeout)

		var callback domain.CommandResult
		werr := ctx.WaitForExternalEvent(commandID, timeout).Await(&callback)
		switch {
		case errors.Is(werr, durable.ErrEventTimeout):
			res = cmd.CreateResult()
			res.AddError(domain.NewTimeoutError("Provider '%s' ran into timeout (%s)", p.ID, timeout))
		case werr != nil:
			err = werr
		default:
			res = &callback
		}
	}

	if err == nil && res == nil {
		err = domain.NewCommandError(domain.ErrorCodeProvider,
			"Provider '%s' returned no result for command '%s'", p.ID, commandID)
	}

	audited := res
	if err != nil {
		audited = cmd.CreateResult()
		audited.AddError(err)
	}
	o.audit(ctx, cmd, audited, p.ID, AuditSent)

	if err != nil {
		return nil, err
	}

	res.CommandID = cmd.CommandID
	if !res.HasErrors() && cmd.IsProjectScoped() {
		props := res.ProviderProperties()
		if len(props) > 0 {
			output := ProviderOutputInput{
				ProjectID:   cmd.ProjectID,
				ProviderID:  p.ID,
				CommandType: cmd.Type,
				Properties:  props,
			}
			if err := ctx.CallActivity(ProviderOutputActivity, output, durable.WithRetry(durable.DefaultRetryOptions())).Err(); err != nil {
				res.AddError(err)
			}
		}
	}
	return res, nil
}

// providerFailure — результат провайдера, который не удалось получить.
func providerFailure(cmd *domain.Command, err error) (*domain.CommandResult, error) {
	res := cmd.CreateResult()
	res.AddError(err)
	return res, nil
}
