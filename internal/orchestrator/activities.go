package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/shaiso/Tandem/internal/deploy"
	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
	"github.com/shaiso/Tandem/internal/handler"
	"github.com/shaiso/Tandem/internal/provider"
	"github.com/shaiso/Tandem/internal/repo"
	"github.com/shaiso/Tandem/internal/runner"
	"github.com/shaiso/Tandem/internal/telemetry"
)

const (
	defaultLogTail    = 200
	etagRetryAttempts = 3
)

// ProviderSender отправляет команду провайдеру (provider.Client).
type ProviderSender interface {
	Send(ctx context.Context, p domain.Provider, cmd *domain.ProviderCommand) (*domain.CommandResult, error)
}

// CallbackIssuer выдаёт и отзывает callback URL (callback.Service).
type CallbackIssuer interface {
	Acquire(ctx context.Context, instanceID, commandID string) (string, error)
	Invalidate(ctx context.Context, callbackURL string) error
}

// Activities — activity оркестраций команд.
//
// Выполняются в worker (или в оркестраторе при LOCAL_ACTIVITIES) и
// повторяются retry policy вызова, поэтому каждая activity идемпотентна.
type Activities struct {
	repos     *repo.Repositories
	providers ProviderSender
	callbacks CallbackIssuer
	engine    deploy.Engine
	runner    runner.Runner
	client    *durable.Client
	statusURL func(uuid.UUID) string
	logTail   int

	// registrations схлопывает параллельную подготовку регистрации
	// одного провайдера в пределах процесса.
	registrations singleflight.Group

	logger *slog.Logger
	now    func() time.Time
}

// ActivitiesConfig — зависимости Activities.
type ActivitiesConfig struct {
	Repos     *repo.Repositories
	Providers ProviderSender
	Callbacks CallbackIssuer
	Engine    deploy.Engine
	Runner    runner.Runner
	Client    *durable.Client

	// StatusURL строит ссылку status результата (может быть nil).
	StatusURL func(uuid.UUID) string

	// LogTail — сколько строк логов контейнера сохранять в задаче (default: 200).
	LogTail int

	Logger *slog.Logger
}

// NewActivities создаёт Activities.
func NewActivities(cfg ActivitiesConfig) *Activities {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logTail := cfg.LogTail
	if logTail <= 0 {
		logTail = defaultLogTail
	}
	return &Activities{
		repos:     cfg.Repos,
		providers: cfg.Providers,
		callbacks: cfg.Callbacks,
		engine:    cfg.Engine,
		runner:    cfg.Runner,
		client:    cfg.Client,
		statusURL: cfg.StatusURL,
		logTail:   logTail,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// activity адаптирует типизированную функцию к durable.ActivityFunc.
func activity[In any](fn func(ctx context.Context, in In) (any, error)) durable.ActivityFunc {
	return func(ctx context.Context, input durable.Input) (any, error) {
		var in In
		if err := input.Decode(&in); err != nil {
			return nil, err
		}
		return fn(ctx, in)
	}
}

// Register добавляет activity в реестр.
func (a *Activities) Register(reg *durable.Registry) {
	reg.AddActivity(CommandAuditActivity, activity(a.audit))
	reg.AddActivity(CommandAugmentActivity, activity(a.augment))
	reg.AddActivity(CommandStatusActivity, activity(a.commandStatus))
	reg.AddActivity(CommandResultQueryActivity, activity(a.commandResult))

	reg.AddActivity(ProviderGetActivity, activity(a.providerGet))
	reg.AddActivity(ProviderListActivity, activity(a.providerList))
	reg.AddActivity(ProviderSendActivity, activity(a.providerSend))
	reg.AddActivity(ProviderRegisterPrepareActivity, activity(a.providerRegisterPrepare))
	reg.AddActivity(ProviderRegisteredActivity, activity(a.providerRegistered))
	reg.AddActivity(ProviderOutputActivity, activity(a.providerOutput))

	reg.AddActivity(CallbackAcquireActivity, activity(a.callbackAcquire))
	reg.AddActivity(CallbackInvalidateActivity, activity(a.callbackInvalidate))

	reg.AddActivity(ProjectAddActivity, activity(a.projectAdd))
	reg.AddActivity(ProjectGetActivity, activity(a.projectGet))
	reg.AddActivity(ProjectMarkDeletedActivity, activity(a.projectMarkDeleted))
	reg.AddActivity(ProjectRemoveActivity, activity(a.projectRemove))
	reg.AddActivity(ProjectResourcesCreateActivity, activity(a.projectResourcesCreate))
	reg.AddActivity(ProjectResourcesUpdateActivity, activity(a.projectResourcesUpdate))
	reg.AddActivity(ProjectGrantContributorActivity, activity(a.projectGrantContributor))

	reg.AddActivity(DeploymentStateActivity, activity(a.deploymentState))
	reg.AddActivity(DeploymentOutputsActivity, activity(a.deploymentOutputs))
	reg.AddActivity(DeploymentErrorsActivity, activity(a.deploymentErrors))
	reg.AddActivity(ResourceGroupResetActivity, activity(a.resourceGroupReset))
	reg.AddActivity(ResourceGroupDeleteActivity, activity(a.resourceGroupDelete))
	reg.AddActivity(ResourceDeleteActivity, activity(a.resourceDelete))

	reg.AddActivity(ComponentGetActivity, activity(a.componentGet))
	reg.AddActivity(ComponentStateActivity, activity(a.componentState))
	reg.AddActivity(ComponentRemoveActivity, activity(a.componentRemove))
	reg.AddActivity(ComponentRefreshActivity, activity(a.componentRefresh))
	reg.AddActivity(ComponentMonitorStartActivity, activity(a.componentMonitorStart))

	reg.AddActivity(ComponentTaskEnsureActivity, activity(a.componentTaskEnsure))
	reg.AddActivity(ComponentTaskSetActivity, activity(a.componentTaskSet))
	reg.AddActivity(ComponentTaskStartActivity, activity(a.componentTaskStart))
	reg.AddActivity(ComponentTaskMonitorActivity, activity(a.componentTaskMonitor))
	reg.AddActivity(ComponentTaskTerminateActivity, activity(a.componentTaskTerminate))
}

func (a *Activities) log(ctx context.Context) *slog.Logger {
	return telemetry.FromContext(ctx, a.logger)
}

// entityError переводит ошибки хранилища в ошибки команды. Отсутствие
// и конфликт не повторяются.
func entityError(kind domain.EntityKind, id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return durable.NonRetryable(domain.NewCommandError(domain.ErrorCodeNotFound, "%s '%s' not found", kind, id))
	case errors.Is(err, repo.ErrAlreadyExists):
		return durable.NonRetryable(domain.NewCommandError(domain.ErrorCodeConflict, "%s '%s' already exists", kind, id))
	default:
		return fmt.Errorf("%s '%s': %w", kind, id, err)
	}
}

func (a *Activities) audit(ctx context.Context, in AuditInput) (any, error) {
	if a.repos.Audit == nil || in.Command == nil {
		return nil, nil
	}
	entry := repo.AuditEntry{
		CommandID:   in.Command.CommandID,
		CommandType: in.Command.Type,
		ProjectID:   in.Command.ProjectID,
		ProviderID:  in.ProviderID,
		Event:       in.Event,
		Command:     in.Command,
		Result:      in.Result,
	}
	if in.Result != nil {
		entry.RuntimeStatus = in.Result.RuntimeStatus
	}
	return nil, a.repos.Audit.Write(ctx, entry)
}

// augment дополняет результат временем, ссылками и пустым списком ошибок.
func (a *Activities) augment(ctx context.Context, res domain.CommandResult) (any, error) {
	res.LastUpdatedTime = a.now()
	if res.CreatedTime.IsZero() && a.client != nil {
		inst, err := a.client.GetStatus(ctx, handler.WrapperInstanceID(res.CommandID))
		switch {
		case err == nil:
			res.CreatedTime = inst.CreatedAt
		case !errors.Is(err, durable.ErrInstanceNotFound):
			return nil, err
		}
	}
	if res.Errors == nil {
		res.Errors = []domain.CommandError{}
	}
	if a.statusURL != nil {
		res.SetLink(domain.LinkStatus, a.statusURL(res.CommandID))
	}
	return res, nil
}

// commandStatus возвращает статус обёртки команды.
func (a *Activities) commandStatus(ctx context.Context, commandID string) (any, error) {
	id, err := uuid.Parse(commandID)
	if err != nil {
		return nil, durable.NonRetryable(err)
	}
	inst, err := a.client.GetStatus(ctx, handler.WrapperInstanceID(id))
	if errors.Is(err, durable.ErrInstanceNotFound) {
		return CommandStatus{}, nil
	}
	if err != nil {
		return nil, err
	}
	return CommandStatus{Found: true, RuntimeStatus: inst.Status}, nil
}

// commandResult возвращает результат экземпляра команды или nil.
func (a *Activities) commandResult(ctx context.Context, commandID string) (any, error) {
	inst, err := a.client.GetStatus(ctx, commandID)
	if errors.Is(err, durable.ErrInstanceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	res, err := handler.ResultFromInstance(inst)
	if err != nil {
		return nil, durable.NonRetryable(err)
	}
	return res, nil
}

func (a *Activities) providerGet(ctx context.Context, id string) (any, error) {
	p, err := a.repos.Providers.Get(ctx, id)
	if err != nil {
		return nil, entityError(domain.KindProvider, id, err)
	}
	return p, nil
}

func (a *Activities) providerList(ctx context.Context, ids []string) (any, error) {
	providers := make([]domain.Provider, 0, len(ids))
	for _, id := range ids {
		p, err := a.repos.Providers.Get(ctx, id)
		if err != nil {
			return nil, entityError(domain.KindProvider, id, err)
		}
		providers = append(providers, *p)
	}
	return providers, nil
}

// providerSend отправляет команду провайдеру. Ответы 4xx и битые
// ответы не повторяются.
func (a *Activities) providerSend(ctx context.Context, req ProviderRequest) (any, error) {
	logger := telemetry.WithProviderID(a.log(ctx), req.Provider.ID)

	res, err := a.providers.Send(ctx, req.Provider, &req.Command)
	if err != nil {
		ce := domain.NewCommandError(domain.ErrorCodeProvider, "Provider '%s' failed: %v", req.Provider.ID, err)
		if provider.IsTemporary(err) {
			logger.Warn("provider request failed", "command_id", req.Command.CommandID, "error", err)
			return nil, ce
		}
		return nil, durable.NonRetryable(ce)
	}
	if res == nil {
		return nil, nil
	}

	logger.Info("provider responded",
		"command_id", req.Command.CommandID,
		"runtime_status", res.RuntimeStatus,
	)
	return res, nil
}

// providerRegisterPrepare готовит общий экземпляр регистрации:
// упавший или завершённый без результата удаляется, чтобы регистрация
// началась заново. Возвращает id экземпляра.
func (a *Activities) providerRegisterPrepare(ctx context.Context, providerID string) (any, error) {
	instanceID := providerRegisterInstanceID(providerID)

	_, err, _ := a.registrations.Do(providerID, func() (any, error) {
		inst, err := a.client.GetStatus(ctx, instanceID)
		if errors.Is(err, durable.ErrInstanceNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if !inst.IsDone() {
			return nil, nil
		}

		if inst.Status == domain.RuntimeStatusCompleted {
			p, err := a.repos.Providers.Get(ctx, providerID)
			if err != nil {
				return nil, entityError(domain.KindProvider, providerID, err)
			}
			if p.IsRegistered() {
				return nil, nil
			}
		}

		a.log(ctx).Info("purging stale provider registration",
			"provider_id", providerID,
			"status", inst.Status,
		)
		return nil, a.client.Purge(ctx, instanceID)
	})
	if err != nil {
		return nil, err
	}
	return instanceID, nil
}

func (a *Activities) providerRegistered(ctx context.Context, in ProviderRegisteredInput) (any, error) {
	for attempt := 1; ; attempt++ {
		p, err := a.repos.Providers.Get(ctx, in.ProviderID)
		if err != nil {
			return nil, entityError(domain.KindProvider, in.ProviderID, err)
		}

		now := a.now()
		p.Registered = &now
		p.UpdatedAt = now
		if len(in.Properties) > 0 {
			if p.Properties == nil {
				p.Properties = make(map[string]string, len(in.Properties))
			}
			maps.Copy(p.Properties, in.Properties)
		}

		out, err := a.repos.Providers.Set(ctx, p)
		if errors.Is(err, repo.ErrETagMismatch) && attempt < etagRetryAttempts {
			continue
		}
		if err != nil {
			return nil, entityError(domain.KindProvider, in.ProviderID, err)
		}
		return out, nil
	}
}

// providerOutput сохраняет выходные свойства провайдера в проекте.
// При конкурентной записи проект перечитывается.
func (a *Activities) providerOutput(ctx context.Context, in ProviderOutputInput) (any, error) {
	for attempt := 1; ; attempt++ {
		project, err := a.repos.Projects.Get(ctx, in.ProjectID)
		if err != nil {
			return nil, entityError(domain.KindProject, in.ProjectID, err)
		}
		project.SetProviderOutput(in.ProviderID, in.CommandType, in.Properties)
		project.UpdatedAt = a.now()

		_, err = a.repos.Projects.Set(ctx, project)
		if errors.Is(err, repo.ErrETagMismatch) && attempt < etagRetryAttempts {
			continue
		}
		return nil, entityError(domain.KindProject, in.ProjectID, err)
	}
}

func (a *Activities) callbackAcquire(ctx context.Context, in CallbackInput) (any, error) {
	return a.callbacks.Acquire(ctx, in.InstanceID, in.CommandID)
}

func (a *Activities) callbackInvalidate(ctx context.Context, callbackURL string) (any, error) {
	return nil, a.callbacks.Invalidate(ctx, callbackURL)
}
