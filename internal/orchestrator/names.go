package orchestrator

import (
	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
	"github.com/shaiso/Tandem/internal/handler"
)

// Оркестрации.
const (
	CommandOrchestration               = handler.CommandOrchestration
	CommandSendOrchestration           = "CommandSendOrchestration"
	ProviderSendOrchestration          = "ProviderSendOrchestration"
	ProviderRegisterOrchestration      = "ProviderRegisterOrchestration"
	DeploymentOrchestration            = "DeploymentOrchestration"
	ResourceCleanupOrchestration       = "ResourceCleanupOrchestration"
	ProjectCommandMonitorOrchestration = "ProjectCommandMonitorOrchestration"
	ComponentMonitorOrchestration      = "ComponentMonitorOrchestration"
)

// Оркестрации типов команд: "{Type}Orchestration".
var (
	ProjectCreateOrchestration    = domain.CommandProjectCreate.OrchestrationName()
	ProjectDeleteOrchestration    = domain.CommandProjectDelete.OrchestrationName()
	ProviderRegisterCommand       = domain.CommandProviderRegister.OrchestrationName()
	ComponentTaskRunOrchestration = domain.CommandComponentTaskRun.OrchestrationName()
	ComponentMonitorCommand       = domain.CommandComponentMonitor.OrchestrationName()
)

// Activity.
const (
	CommandAuditActivity       = "CommandAuditActivity"
	CommandAugmentActivity     = "CommandAugmentActivity"
	CommandStatusActivity      = "CommandStatusActivity"
	CommandResultQueryActivity = "CommandResultQueryActivity"

	ProviderGetActivity             = "ProviderGetActivity"
	ProviderListActivity            = "ProviderListActivity"
	ProviderSendActivity            = "ProviderSendActivity"
	ProviderRegisterPrepareActivity = "ProviderRegisterPrepareActivity"
	ProviderRegisteredActivity      = "ProviderRegisteredActivity"
	ProviderOutputActivity          = "ProviderOutputActivity"

	CallbackAcquireActivity    = "CallbackAcquireActivity"
	CallbackInvalidateActivity = "CallbackInvalidateActivity"

	ProjectAddActivity              = "ProjectAddActivity"
	ProjectGetActivity              = "ProjectGetActivity"
	ProjectMarkDeletedActivity      = "ProjectMarkDeletedActivity"
	ProjectRemoveActivity           = "ProjectRemoveActivity"
	ProjectResourcesCreateActivity  = "ProjectResourcesCreateActivity"
	ProjectResourcesUpdateActivity  = "ProjectResourcesUpdateActivity"
	ProjectGrantContributorActivity = "ProjectGrantContributorActivity"

	DeploymentStateActivity   = "DeploymentStateActivity"
	DeploymentOutputsActivity = "DeploymentOutputsActivity"
	DeploymentErrorsActivity  = "DeploymentErrorsActivity"

	ResourceGroupResetActivity  = "ResourceGroupResetActivity"
	ResourceGroupDeleteActivity = "ResourceGroupDeleteActivity"
	ResourceDeleteActivity      = "ResourceDeleteActivity"

	ComponentGetActivity          = "ComponentGetActivity"
	ComponentStateActivity        = "ComponentStateActivity"
	ComponentRemoveActivity       = "ComponentRemoveActivity"
	ComponentRefreshActivity      = "ComponentRefreshActivity"
	ComponentMonitorStartActivity = "ComponentMonitorStartActivity"

	ComponentTaskEnsureActivity    = "ComponentTaskEnsureActivity"
	ComponentTaskSetActivity       = "ComponentTaskSetActivity"
	ComponentTaskStartActivity     = "ComponentTaskStartActivity"
	ComponentTaskMonitorActivity   = "ComponentTaskMonitorActivity"
	ComponentTaskTerminateActivity = "ComponentTaskTerminateActivity"
)

// Entity.
const (
	ProjectCommandLock = "ProjectCommandLock"
	ComponentLock      = "ComponentLock"
)

// События аудита оркестрации команды.
const (
	AuditStarted  = "Started"
	AuditFinished = "Finished"
	AuditSending  = "ProviderSending"
	AuditSent     = "ProviderSent"
)

func projectLock(projectID string) durable.EntityID {
	return durable.EntityID{Name: ProjectCommandLock, Key: projectID}
}

func componentLock(componentID string) durable.EntityID {
	return durable.EntityID{Name: ComponentLock, Key: componentID}
}

// providerSendInstanceID — экземпляр отправки команды одному провайдеру.
func providerSendInstanceID(commandID, providerID string) string {
	return commandID + "-" + providerID
}

// providerRegisterInstanceID — общий экземпляр регистрации провайдера.
func providerRegisterInstanceID(providerID string) string {
	return "provider-register-" + providerID
}

// componentMonitorInstanceID — долгоживущий монитор компонента.
func componentMonitorInstanceID(componentID string) string {
	return "component-monitor-" + componentID
}
