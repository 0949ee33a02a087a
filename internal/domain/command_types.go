package domain

import (
	"slices"
	"strings"
)

// CommandType — тег типа команды. По нему выбирается обработчик
// и имя оркестрации ("{CommandType}Orchestration").
type CommandType string

// Зарегистрированные типы команд.
const (
	CommandOrganizationCreate CommandType = "OrganizationCreateCommand"
	CommandOrganizationUpdate CommandType = "OrganizationUpdateCommand"
	CommandOrganizationDelete CommandType = "OrganizationDeleteCommand"

	CommandDeploymentScopeCreate CommandType = "DeploymentScopeCreateCommand"
	CommandDeploymentScopeUpdate CommandType = "DeploymentScopeUpdateCommand"
	CommandDeploymentScopeDelete CommandType = "DeploymentScopeDeleteCommand"

	CommandProjectCreate CommandType = "ProjectCreateCommand"
	CommandProjectUpdate CommandType = "ProjectUpdateCommand"
	CommandProjectDelete CommandType = "ProjectDeleteCommand"

	CommandComponentCreate  CommandType = "ComponentCreateCommand"
	CommandComponentUpdate  CommandType = "ComponentUpdateCommand"
	CommandComponentDelete  CommandType = "ComponentDeleteCommand"
	CommandComponentMonitor CommandType = "ComponentMonitorCommand"

	CommandComponentTaskCreate CommandType = "ComponentTaskCreateCommand"
	CommandComponentTaskRun    CommandType = "ComponentTaskRunCommand"

	CommandScheduleCreate CommandType = "ScheduleCreateCommand"
	CommandScheduleUpdate CommandType = "ScheduleUpdateCommand"
	CommandScheduleDelete CommandType = "ScheduleDeleteCommand"

	CommandProviderCreate   CommandType = "ProviderCreateCommand"
	CommandProviderUpdate   CommandType = "ProviderUpdateCommand"
	CommandProviderDelete   CommandType = "ProviderDeleteCommand"
	CommandProviderRegister CommandType = "ProviderRegisterCommand"
)

var knownCommandTypes = map[CommandType]EntityKind{
	CommandOrganizationCreate:    KindOrganization,
	CommandOrganizationUpdate:    KindOrganization,
	CommandOrganizationDelete:    KindOrganization,
	CommandDeploymentScopeCreate: KindDeploymentScope,
	CommandDeploymentScopeUpdate: KindDeploymentScope,
	CommandDeploymentScopeDelete: KindDeploymentScope,
	CommandProjectCreate:         KindProject,
	CommandProjectUpdate:         KindProject,
	CommandProjectDelete:         KindProject,
	CommandComponentCreate:       KindComponent,
	CommandComponentUpdate:       KindComponent,
	CommandComponentDelete:       KindComponent,
	CommandComponentMonitor:      KindComponent,
	CommandComponentTaskCreate:   KindComponentTask,
	CommandComponentTaskRun:      KindComponentTask,
	CommandScheduleCreate:        KindSchedule,
	CommandScheduleUpdate:        KindSchedule,
	CommandScheduleDelete:        KindSchedule,
	CommandProviderCreate:        KindProvider,
	CommandProviderUpdate:        KindProvider,
	CommandProviderDelete:        KindProvider,
	CommandProviderRegister:      KindProvider,
}

// CommandTypeOf строит тип команды из сущности и действия:
// (Component, Create) → "ComponentCreateCommand".
func CommandTypeOf(kind EntityKind, action CommandAction) CommandType {
	return CommandType(string(kind) + string(action) + "Command")
}

// IsKnown возвращает true для зарегистрированных типов.
func (t CommandType) IsKnown() bool {
	_, ok := knownCommandTypes[t]
	return ok
}

// Kind возвращает тип сущности, над которой работает команда.
func (t CommandType) Kind() EntityKind {
	return knownCommandTypes[t]
}

// Action возвращает действие, закодированное в типе команды.
func (t CommandType) Action() CommandAction {
	name := strings.TrimSuffix(string(t), "Command")
	name = strings.TrimPrefix(name, string(t.Kind()))
	return CommandAction(name)
}

// OrchestrationName возвращает имя оркестрации для этого типа.
func (t CommandType) OrchestrationName() string {
	return string(t) + "Orchestration"
}

// String возвращает строковое представление CommandType.
func (t CommandType) String() string {
	return string(t)
}

// KnownCommandTypes возвращает все зарегистрированные типы по алфавиту.
func KnownCommandTypes() []CommandType {
	types := make([]CommandType, 0, len(knownCommandTypes))
	for t := range knownCommandTypes {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
