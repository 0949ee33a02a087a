package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/shaiso/Tandem/internal/config"
	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
)

// Orchestrations — оркестрации команд и их entity.
//
// Оркестрации только планируют работу: всё, что трогает хранилище,
// провайдеров, движок развёртываний и контейнеры, вызывается через
// activity (см. Activities).
type Orchestrations struct {
	cfg config.Orchestration
}

// NewOrchestrations создаёт набор оркестраций с интервалами cfg.
// Нулевые значения заменяются значениями по умолчанию.
func NewOrchestrations(cfg config.Orchestration) *Orchestrations {
	def := DefaultTimings()
	if cfg.ProviderCallbackTimeout <= 0 {
		cfg.ProviderCallbackTimeout = def.ProviderCallbackTimeout
	}
	if cfg.CommandMonitorInterval <= 0 {
		cfg.CommandMonitorInterval = def.CommandMonitorInterval
	}
	if cfg.DeploymentPollInterval <= 0 {
		cfg.DeploymentPollInterval = def.DeploymentPollInterval
	}
	if cfg.DeploymentPollingCeiling <= 0 {
		cfg.DeploymentPollingCeiling = def.DeploymentPollingCeiling
	}
	if cfg.ComponentTaskMonitorInterval <= 0 {
		cfg.ComponentTaskMonitorInterval = def.ComponentTaskMonitorInterval
	}
	if cfg.ComponentTaskTTL <= 0 {
		cfg.ComponentTaskTTL = def.ComponentTaskTTL
	}
	if cfg.ComponentMonitorInterval <= 0 {
		cfg.ComponentMonitorInterval = def.ComponentMonitorInterval
	}
	return &Orchestrations{cfg: cfg}
}

// DefaultTimings возвращает интервалы по умолчанию.
func DefaultTimings() config.Orchestration {
	return config.Orchestration{
		ProviderCallbackTimeout:      30 * time.Minute,
		CommandMonitorInterval:       5 * time.Second,
		DeploymentPollInterval:       10 * time.Second,
		DeploymentPollingCeiling:     2 * time.Hour,
		ComponentTaskMonitorInterval: 10 * time.Second,
		ComponentTaskTTL:             30 * time.Minute,
		ComponentMonitorInterval:     5 * time.Minute,
	}
}

// Register добавляет оркестрации и entity в реестр.
func (o *Orchestrations) Register(reg *durable.Registry) {
	reg.AddOrchestrator(CommandOrchestration, o.command)
	reg.AddOrchestrator(ProjectCommandMonitorOrchestration, o.projectCommandMonitor)
	reg.AddOrchestrator(CommandSendOrchestration, o.commandSend)
	reg.AddOrchestrator(ProviderSendOrchestration, o.providerSend)
	reg.AddOrchestrator(ProviderRegisterOrchestration, o.providerRegister)
	reg.AddOrchestrator(DeploymentOrchestration, o.deployment)
	reg.AddOrchestrator(ResourceCleanupOrchestration, o.resourceCleanup)
	reg.AddOrchestrator(ComponentMonitorOrchestration, o.componentMonitor)

	reg.AddOrchestrator(ProjectCreateOrchestration, o.projectCreate)
	reg.AddOrchestrator(ProjectDeleteOrchestration, o.projectDelete)
	reg.AddOrchestrator(ProviderRegisterCommand, o.providerRegisterCommand)
	reg.AddOrchestrator(ComponentTaskRunOrchestration, o.componentTaskRun)
	reg.AddOrchestrator(ComponentMonitorCommand, o.componentMonitorCommand)

	reg.AddEntity(ProjectCommandLock, projectCommandLock)
	reg.AddEntity(ComponentLock, componentLockEntity)
}

// setStatus пишет прогресс в custom status. Ошибка только логируется:
// прогресс не влияет на результат.
func setStatus(ctx *durable.OrchestrationContext, status string) {
	if err := ctx.SetCustomStatus(status); err != nil {
		ctx.Logger().Warn("failed to set custom status", "status", status, "error", err)
	}
}

// Входы оркестраций и activity.
type (
	// AuditInput — запись аудита из оркестрации.
	AuditInput struct {
		Command    *domain.Command       `json:"command"`
		Result     *domain.CommandResult `json:"result,omitempty"`
		ProviderID string                `json:"provider_id,omitempty"`
		Event      string                `json:"event"`
	}

	// CommandStatus — состояние экземпляра команды для сериализации.
	CommandStatus struct {
		Found         bool                 `json:"found"`
		RuntimeStatus domain.RuntimeStatus `json:"runtime_status,omitempty"`
	}

	// MonitorInput — вход ProjectCommandMonitorOrchestration.
	MonitorInput struct {
		// Waiter — экземпляр, которому отправляется событие.
		Waiter string `json:"waiter"`

		// CommandID — команда, завершения которой ждёт Waiter.
		CommandID string `json:"command_id"`
	}

	// SendInput — вход CommandSendOrchestration.
	SendInput struct {
		Command  *domain.Command     `json:"command"`
		Batches  [][]domain.Provider `json:"batches"`
		FailFast bool                `json:"fail_fast,omitempty"`
	}

	// SendOutput — результаты всех провайдеров команды.
	SendOutput struct {
		Results []domain.CommandResult       `json:"results"`
		Outputs map[string]map[string]string `json:"outputs,omitempty"`
	}

	// ProviderSendInput — вход ProviderSendOrchestration.
	ProviderSendInput struct {
		Command  *domain.Command              `json:"command"`
		Provider domain.Provider              `json:"provider"`
		Results  map[string]map[string]string `json:"results,omitempty"`

		// SkipRegistration — команда сама является регистрацией.
		SkipRegistration bool `json:"skip_registration,omitempty"`
	}

	// ProviderRequest — вход ProviderSendActivity.
	ProviderRequest struct {
		Provider domain.Provider        `json:"provider"`
		Command  domain.ProviderCommand `json:"command"`
	}

	// ProviderOutputInput — выходы провайдера для записи в проект.
	ProviderOutputInput struct {
		ProjectID   string             `json:"project_id"`
		ProviderID  string             `json:"provider_id"`
		CommandType domain.CommandType `json:"command_type"`
		Properties  map[string]string  `json:"properties"`
	}

	// ProviderRegisteredInput — итог регистрации провайдера.
	ProviderRegisteredInput struct {
		ProviderID string            `json:"provider_id"`
		Properties map[string]string `json:"properties,omitempty"`
	}

	// CallbackInput — вход CallbackAcquireActivity.
	CallbackInput struct {
		InstanceID string `json:"instance_id"`
		CommandID  string `json:"command_id"`
	}

	// GrantInput — выдача прав провайдеру на ресурсы проекта.
	GrantInput struct {
		ProjectID   string `json:"project_id"`
		PrincipalID string `json:"principal_id"`
	}

	// DeploymentInput — вход DeploymentOrchestration.
	//
	// Activity запускает развёртывание и возвращает его id; пустой id
	// означает, что развёртывать нечего.
	DeploymentInput struct {
		Activity     string          `json:"activity"`
		Input        json.RawMessage `json:"input,omitempty"`
		DeploymentID string          `json:"deployment_id,omitempty"`
		StartedAt    *time.Time      `json:"started_at,omitempty"`
	}

	// ProjectResourcesInput — выходы развёртывания ресурсов проекта.
	ProjectResourcesInput struct {
		ProjectID string         `json:"project_id"`
		Outputs   map[string]any `json:"outputs,omitempty"`
	}

	// ComponentStateInput — новое состояние ресурса компонента.
	ComponentStateInput struct {
		ComponentID   string               `json:"component_id"`
		ResourceState domain.ResourceState `json:"resource_state"`
	}

	// ComponentMonitorInput — вход ComponentMonitorOrchestration.
	ComponentMonitorInput struct {
		ComponentID string `json:"component_id"`
	}
)
