package domain

// RuntimeStatus — статус выполнения команды (и оркестрации, которая её исполняет).
//
// Жизненный цикл:
//
//	UNKNOWN → PENDING → RUNNING → COMPLETED
//	                           ↘ FAILED
//	                           ↘ CONTINUED_AS_NEW → RUNNING
//	          (или) → CANCELED / TERMINATED
type RuntimeStatus string

const (
	// RuntimeStatusUnknown — результат только создан, оркестрация ещё ничего не сообщила.
	RuntimeStatusUnknown RuntimeStatus = "UNKNOWN"

	// RuntimeStatusRunning — команда выполняется.
	RuntimeStatusRunning RuntimeStatus = "RUNNING"

	// RuntimeStatusCompleted — команда успешно завершена.
	RuntimeStatusCompleted RuntimeStatus = "COMPLETED"

	// RuntimeStatusContinuedAsNew — оркестрация перезапущена с новой историей.
	RuntimeStatusContinuedAsNew RuntimeStatus = "CONTINUED_AS_NEW"

	// RuntimeStatusFailed — оркестрация завершилась ошибкой.
	RuntimeStatusFailed RuntimeStatus = "FAILED"

	// RuntimeStatusCanceled — команда отменена.
	RuntimeStatusCanceled RuntimeStatus = "CANCELED"

	// RuntimeStatusTerminated — оркестрация принудительно остановлена.
	RuntimeStatusTerminated RuntimeStatus = "TERMINATED"

	// RuntimeStatusPending — оркестрация создана, но ещё не запущена.
	RuntimeStatusPending RuntimeStatus = "PENDING"
)

// IsFinal возвращает true для CANCELED, COMPLETED и TERMINATED.
//
// FAILED финальным не считается: упавшую команду ожидают явно
// перезапустить или остановить. Этот набор используется при polling,
// при fallback-разрешении статуса и при освобождении project lock.
func (s RuntimeStatus) IsFinal() bool {
	switch s {
	case RuntimeStatusCanceled, RuntimeStatusCompleted, RuntimeStatusTerminated:
		return true
	default:
		return false
	}
}

// IsActive возвращает true, если провайдер или оркестрация ещё работают
// и результат придёт позже.
func (s RuntimeStatus) IsActive() bool {
	switch s {
	case RuntimeStatusRunning, RuntimeStatusPending, RuntimeStatusContinuedAsNew:
		return true
	default:
		return false
	}
}

// String возвращает строковое представление RuntimeStatus.
func (s RuntimeStatus) String() string {
	return string(s)
}

// ParseRuntimeStatus парсит строку в RuntimeStatus.
// Неизвестные значения превращаются в UNKNOWN.
func ParseRuntimeStatus(s string) RuntimeStatus {
	switch RuntimeStatus(s) {
	case RuntimeStatusRunning, RuntimeStatusCompleted, RuntimeStatusContinuedAsNew,
		RuntimeStatusFailed, RuntimeStatusCanceled, RuntimeStatusTerminated, RuntimeStatusPending:
		return RuntimeStatus(s)
	default:
		return RuntimeStatusUnknown
	}
}

// ResourceState — состояние ресурса, который создаёт компонентная задача.
//
// Жизненный цикл:
//
//	PENDING → INITIALIZING → PROVISIONING → SUCCEEDED
//	                                      ↘ FAILED
type ResourceState string

const (
	ResourceStatePending      ResourceState = "PENDING"
	ResourceStateInitializing ResourceState = "INITIALIZING"
	ResourceStateProvisioning ResourceState = "PROVISIONING"
	ResourceStateSucceeded    ResourceState = "SUCCEEDED"
	ResourceStateFailed       ResourceState = "FAILED"
)

// IsFinal возвращает true, если ресурс больше не меняет состояние.
func (s ResourceState) IsFinal() bool {
	switch s {
	case ResourceStateSucceeded, ResourceStateFailed:
		return true
	default:
		return false
	}
}

// DeploymentState — состояние внешнего развёртывания, которое опрашивает
// оркестрация развёртывания.
type DeploymentState string

const (
	DeploymentStateInProgress DeploymentState = "IN_PROGRESS"
	DeploymentStateSucceeded  DeploymentState = "SUCCEEDED"
	DeploymentStateFailed     DeploymentState = "FAILED"
	DeploymentStateCanceled   DeploymentState = "CANCELED"
)

// IsProgressing возвращает true, пока развёртывание не пришло к итогу.
func (s DeploymentState) IsProgressing() bool {
	return s == DeploymentStateInProgress || s == ""
}

// IsError возвращает true для FAILED и CANCELED.
func (s DeploymentState) IsError() bool {
	return s == DeploymentStateFailed || s == DeploymentStateCanceled
}
