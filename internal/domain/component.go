package domain

import "time"

// ComponentType — тип компонента проекта.
type ComponentType string

const (
	ComponentTypeEnvironment ComponentType = "Environment"
	ComponentTypeRepository  ComponentType = "Repository"
	ComponentTypeNamespace   ComponentType = "Namespace"
)

// Component — компонент проекта (окружение, репозиторий, ...).
type Component struct {
	ID                string        `json:"id" validate:"required"`
	Organization      string        `json:"organization" validate:"required"`
	ProjectID         string        `json:"project_id" validate:"required"`
	DisplayName       string        `json:"display_name,omitempty"`
	Type              ComponentType `json:"type" validate:"required"`
	DeploymentScopeID string        `json:"deployment_scope_id,omitempty"`

	// Image — образ контейнера, выполняющего задачи компонента.
	Image string `json:"image,omitempty"`

	// InputJSON — входные параметры шаблона компонента.
	InputJSON string `json:"input_json,omitempty"`

	// ResourceID — ресурс, созданный для компонента.
	ResourceID    string        `json:"resource_id,omitempty"`
	ResourceState ResourceState `json:"resource_state,omitempty"`

	Creator   string     `json:"creator,omitempty"`
	Deleted   *time.Time `json:"deleted,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (c Component) Kind() EntityKind { return KindComponent }
func (c Component) EntityID() string { return c.ID }
func (c Component) ProjectScope() string { return c.ProjectID }
func (c Component) OrganizationScope() string { return c.Organization }

// ComponentTaskType — тип задачи компонента.
type ComponentTaskType string

const (
	ComponentTaskTypeCreate ComponentTaskType = "Create"
	ComponentTaskTypeDelete ComponentTaskType = "Delete"
	ComponentTaskTypeCustom ComponentTaskType = "Custom"
)

// ComponentTask — одна запущенная задача компонента (развёртывание, удаление, custom).
//
// Задача выполняется в контейнере; ResourceID хранит id контейнера.
type ComponentTask struct {
	ID           string            `json:"id" validate:"required"`
	Organization string            `json:"organization"`
	ProjectID    string            `json:"project_id" validate:"required"`
	ComponentID  string            `json:"component_id" validate:"required"`
	Type         ComponentTaskType `json:"type" validate:"required"`

	// TypeName — имя custom-задачи.
	TypeName string `json:"type_name,omitempty"`

	RequestedBy string `json:"requested_by,omitempty"`

	// ScheduleID — расписание, создавшее задачу (если есть).
	ScheduleID string `json:"schedule_id,omitempty"`

	InputJSON string `json:"input_json,omitempty"`

	// ResourceID — id контейнера, исполняющего задачу.
	ResourceID    string        `json:"resource_id,omitempty"`
	ResourceState ResourceState `json:"resource_state,omitempty"`

	ExitCode *int   `json:"exit_code,omitempty"`
	Output   string `json:"output,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (t ComponentTask) Kind() EntityKind { return KindComponentTask }
func (t ComponentTask) EntityID() string { return t.ID }
func (t ComponentTask) ProjectScope() string { return t.ProjectID }
func (t ComponentTask) OrganizationScope() string { return t.Organization }
func (t ComponentTask) ComponentScope() string { return t.ComponentID }

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если задача ещё не завершена.
func (t *ComponentTask) Duration() time.Duration {
	if t.StartedAt == nil || t.FinishedAt == nil {
		return 0
	}
	return t.FinishedAt.Sub(*t.StartedAt)
}

// MarkStarted переводит задачу в PROVISIONING.
func (t *ComponentTask) MarkStarted(containerID string, at time.Time) {
	t.ResourceID = containerID
	t.ResourceState = ResourceStateProvisioning
	t.StartedAt = &at
}

// MarkFinished фиксирует код выхода; ненулевой код — FAILED.
func (t *ComponentTask) MarkFinished(exitCode int, at time.Time) {
	t.ExitCode = &exitCode
	t.FinishedAt = &at
	if exitCode == 0 {
		t.ResourceState = ResourceStateSucceeded
	} else {
		t.ResourceState = ResourceStateFailed
	}
}
