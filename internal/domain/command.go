package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CommandAction — семантика команды над сущностью.
type CommandAction string

// Базовые действия. Всё остальное — custom-действия (Run, Monitor, Register).
const (
	ActionCreate   CommandAction = "Create"
	ActionUpdate   CommandAction = "Update"
	ActionDelete   CommandAction = "Delete"
	ActionRun      CommandAction = "Run"
	ActionMonitor  CommandAction = "Monitor"
	ActionRegister CommandAction = "Register"
)

// IsCustom возвращает true для действий вне Create/Update/Delete.
func (a CommandAction) IsCustom() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return false
	default:
		return true
	}
}

// EntityKind — тип доменной сущности, над которой выполняется команда.
type EntityKind string

const (
	KindOrganization    EntityKind = "Organization"
	KindDeploymentScope EntityKind = "DeploymentScope"
	KindProject         EntityKind = "Project"
	KindComponent       EntityKind = "Component"
	KindComponentTask   EntityKind = "ComponentTask"
	KindSchedule        EntityKind = "Schedule"
	KindProvider        EntityKind = "Provider"
)

// Entity — payload команды.
type Entity interface {
	Kind() EntityKind
	EntityID() string
}

// ProjectScoped реализуют сущности, принадлежащие проекту.
type ProjectScoped interface {
	ProjectScope() string
}

// OrganizationScoped реализуют сущности, принадлежащие организации.
type OrganizationScoped interface {
	OrganizationScope() string
}

// ComponentScoped реализуют сущности, принадлежащие компоненту.
type ComponentScoped interface {
	ComponentScope() string
}

// Versioned реализуют сущности с ETag (оптимистическая блокировка документа).
type Versioned interface {
	ETagValue() string
}

// Command — неизменяемый после создания конверт команды.
//
// CommandID — ключ экземпляра оркестрации: одна команда — один экземпляр.
// ProjectID решает, нужна ли сериализация: команды без проекта идут
// в обход project lock.
type Command struct {
	// CommandID — уникальный идентификатор команды.
	CommandID uuid.UUID `json:"command_id" validate:"required"`

	// Type — тип команды, например "ComponentCreateCommand".
	Type CommandType `json:"type" validate:"required"`

	// Action — действие над сущностью.
	Action CommandAction `json:"action" validate:"required"`

	// User — кто отправил команду.
	User User `json:"user"`

	// Organization — организация, к которой относится команда.
	Organization string `json:"organization,omitempty"`

	// ProjectID — проект (пусто для команд вне проекта).
	ProjectID string `json:"project_id,omitempty"`

	// ProviderID — провайдер, которому адресована команда (для send).
	ProviderID string `json:"provider_id,omitempty"`

	// Payload — сущность в JSON.
	Payload json.RawMessage `json:"payload,omitempty"`

	// CreatedAt — время создания команды.
	CreatedAt time.Time `json:"created_at"`
}

// CommandOption настраивает команду при создании.
type CommandOption func(*Command)

// WithCommandID задаёт идентификатор явно (идемпотентный повтор).
func WithCommandID(id uuid.UUID) CommandOption {
	return func(c *Command) { c.CommandID = id }
}

// WithProjectID задаёт проект явно.
func WithProjectID(projectID string) CommandOption {
	return func(c *Command) { c.ProjectID = projectID }
}

// WithProviderID задаёт провайдера команды.
func WithProviderID(providerID string) CommandOption {
	return func(c *Command) { c.ProviderID = providerID }
}

// NewCommand создаёт команду для сущности.
//
// CommandID выводится из ETag сущности, если он есть и парсится как UUID,
// иначе генерируется случайно. ProjectID для создания проекта берётся
// из id самого проекта, для остальных сущностей — из ProjectScope().
func NewCommand(user User, action CommandAction, payload Entity, opts ...CommandOption) (*Command, error) {
	if payload == nil {
		return nil, ErrNilPayload
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	cmd := &Command{
		Type:      CommandTypeOf(payload.Kind(), action),
		Action:    action,
		User:      user,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}

	cmd.CommandID = uuid.New()
	if v, ok := payload.(Versioned); ok {
		cmd.CommandID = CommandIDFromETag(v.ETagValue())
	}

	switch {
	case payload.Kind() == KindProject:
		cmd.ProjectID = payload.EntityID()
	default:
		if ps, ok := payload.(ProjectScoped); ok {
			cmd.ProjectID = ps.ProjectScope()
		}
	}

	if org, ok := payload.(OrganizationScoped); ok {
		cmd.Organization = org.OrganizationScope()
	}

	for _, opt := range opts {
		opt(cmd)
	}

	return cmd, nil
}

// CommandIDFromETag выводит идентификатор команды из ETag документа.
// Кавычки отбрасываются; если ETag не UUID — возвращается случайный id.
func CommandIDFromETag(etag string) uuid.UUID {
	trimmed := strings.Trim(strings.TrimSpace(etag), `"`)
	if trimmed == "" {
		return uuid.New()
	}
	id, err := uuid.Parse(trimmed)
	if err != nil {
		return uuid.New()
	}
	return id
}

// CreateResult создаёт результат команды со статусом UNKNOWN.
//
// Вызывается один раз на попытку выполнения; дальше результат
// мутируется на месте. Время здесь не проставляется: в оркестрации
// чтение часов должно идти через контекст.
func (c *Command) CreateResult() *CommandResult {
	return &CommandResult{
		CommandID:     c.CommandID,
		CommandType:   c.Type,
		RuntimeStatus: RuntimeStatusUnknown,
		Errors:        []CommandError{},
		Links:         map[string]string{},
	}
}

// IsProjectScoped возвращает true, если команда сериализуется по проекту.
func (c *Command) IsProjectScoped() bool {
	return c.ProjectID != ""
}

// OrchestrationName возвращает имя оркестрации, обрабатывающей команду.
func (c *Command) OrchestrationName() string {
	return c.Type.OrchestrationName()
}

// DecodePayload извлекает типизированный payload команды.
func DecodePayload[T any](c *Command) (T, error) {
	var payload T
	if len(c.Payload) == 0 {
		return payload, ErrNilPayload
	}
	if err := json.Unmarshal(c.Payload, &payload); err != nil {
		return payload, fmt.Errorf("%w: %s: %v", ErrPayloadMismatch, c.Type, err)
	}
	return payload, nil
}

// WithPayload возвращает копию команды с заменённым payload.
// Используется, когда отправляется провайдеру дополненная сущность.
func (c *Command) WithPayload(payload any) (*Command, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	clone := *c
	clone.Payload = raw
	return &clone, nil
}
