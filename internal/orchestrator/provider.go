package orchestrator

import (
	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
)

// ensureRegistered ждёт общую регистрацию провайдера.
//
// Экземпляр регистрации один на провайдера: параллельные отправки
// подключаются к уже запущенному. Упавший или устаревший экземпляр
// ProviderRegisterPrepareActivity удаляет перед подключением.
func (o *Orchestrations) ensureRegistered(ctx *durable.OrchestrationContext, providerID string) (*domain.Provider, error) {
	var instanceID string
	if err := ctx.CallActivity(ProviderRegisterPrepareActivity, providerID).Await(&instanceID); err != nil {
		return nil, err
	}

	var p domain.Provider
	err := ctx.CallSubOrchestrator(ProviderRegisterOrchestration, instanceID, providerID,
		durable.AllowExisting()).Await(&p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// providerRegister — ProviderRegisterOrchestration: отправляет провайдеру
// ProviderRegisterCommand и отмечает его зарегистрированным.
// Результат — обновлённый провайдер.
func (o *Orchestrations) providerRegister(ctx *durable.OrchestrationContext) (any, error) {
	var providerID string
	if err := ctx.GetInput(&providerID); err != nil {
		return nil, durable.NonRetryable(err)
	}

	var p domain.Provider
	if err := ctx.CallActivity(ProviderGetActivity, providerID).Await(&p); err != nil {
		return nil, err
	}

	cmd, err := registrationCommand(ctx, &p)
	if err != nil {
		return nil, durable.NonRetryable(err)
	}

	var res domain.CommandResult
	err = ctx.CallSubOrchestrator(ProviderSendOrchestration,
		providerSendInstanceID(cmd.CommandID.String(), p.ID),
		ProviderSendInput{Command: cmd, Provider: p, SkipRegistration: true}).Await(&res)
	if err != nil {
		return nil, commandError(ctx, err, "provider registration send failed", "provider_id", p.ID)
	}
	if res.HasErrors() {
		return nil, res.Err()
	}

	var registered domain.Provider
	in := ProviderRegisteredInput{ProviderID: p.ID, Properties: res.ProviderProperties()}
	if err := ctx.CallActivity(ProviderRegisteredActivity, in).Await(&registered); err != nil {
		return nil, err
	}

	ctx.Logger().Info("provider registered", "provider_id", p.ID)
	return registered, nil
}

// registrationCommand собирает команду регистрации. Id и время берутся
// из контекста: при replay команда та же.
func registrationCommand(ctx *durable.OrchestrationContext, p *domain.Provider) (*domain.Command, error) {
	cmd := &domain.Command{
		CommandID:  ctx.NewGUID(),
		Type:       domain.CommandProviderRegister,
		Action:     domain.ActionRegister,
		User:       domain.SystemUser,
		ProviderID: p.ID,
		CreatedAt:  ctx.CurrentTime(),
	}
	return cmd.WithPayload(domain.ProviderRegistration{ProviderID: p.ID, Properties: p.Properties})
}

// providerRegisterCommand — ProviderRegisterCommandOrchestration.
// Регистрирует провайдера из payload (повторно, если он уже
// зарегистрирован) и возвращает его.
func (o *Orchestrations) providerRegisterCommand(ctx *durable.OrchestrationContext) (any, error) {
	var cmd domain.Command
	if err := ctx.GetInput(&cmd); err != nil {
		return nil, durable.NonRetryable(err)
	}
	res := cmd.CreateResult()

	payload, err := domain.DecodePayload[domain.Provider](&cmd)
	if err != nil {
		res.AddError(err)
		return res, nil
	}

	p, err := o.ensureRegistered(ctx, payload.ID)
	if err != nil {
		res.AddError(err)
		return res, nil
	}
	if err := res.SetResult(p); err != nil {
		res.AddError(err)
		return res, nil
	}
	res.RuntimeStatus = domain.RuntimeStatusCompleted
	return res, nil
}
