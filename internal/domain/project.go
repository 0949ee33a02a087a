package domain

import "time"

// ResourceGroup — группа ресурсов проекта во внешнем облаке.
type ResourceGroup struct {
	ID             string `json:"id,omitempty"`
	Name           string `json:"name,omitempty"`
	Region         string `json:"region,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// ProjectProvider — провайдер, подключённый к проекту.
type ProjectProvider struct {
	// ID — идентификатор провайдера.
	ID string `json:"id" validate:"required"`

	// DependsOn — провайдеры, чьи результаты нужны этому провайдеру.
	DependsOn []string `json:"depends_on,omitempty"`

	// Properties — настройки провайдера для этого проекта.
	Properties map[string]string `json:"properties,omitempty"`
}

// Project — проект организации, основная единица сериализации команд.
type Project struct {
	// ID — идентификатор проекта (он же ключ project lock).
	ID string `json:"id" validate:"required"`

	// Organization — организация-владелец.
	Organization string `json:"organization" validate:"required"`

	// DisplayName — отображаемое имя.
	DisplayName string `json:"display_name,omitempty"`

	// ResourceGroup — группа ресурсов проекта.
	ResourceGroup *ResourceGroup `json:"resource_group,omitempty"`

	// Resources — идентификаторы отдельных ресурсов вне группы (key vault и т.п.).
	Resources []string `json:"resources,omitempty"`

	// Providers — провайдеры проекта и их зависимости.
	Providers []ProjectProvider `json:"providers,omitempty"`

	// Properties — пользовательские свойства.
	Properties map[string]string `json:"properties,omitempty"`

	// ProviderOutputs — выходные свойства провайдеров: провайдер → тип команды → свойства.
	ProviderOutputs map[string]map[CommandType]map[string]string `json:"provider_outputs,omitempty"`

	// Deleted — проект помечен удалённым.
	Deleted *time.Time `json:"deleted,omitempty"`

	// CreatedByCommand — id команды, создавшей проект.
	CreatedByCommand string `json:"created_by_command,omitempty"`

	// ETag — версия документа.
	ETag string `json:"etag,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p Project) Kind() EntityKind { return KindProject }
func (p Project) EntityID() string { return p.ID }
func (p Project) ETagValue() string { return p.ETag }
func (p Project) ProjectScope() string { return p.ID }
func (p Project) OrganizationScope() string { return p.Organization }

// SetProviderOutput сохраняет выходные свойства провайдера для типа команды.
func (p *Project) SetProviderOutput(providerID string, commandType CommandType, properties map[string]string) {
	if p.ProviderOutputs == nil {
		p.ProviderOutputs = make(map[string]map[CommandType]map[string]string)
	}
	if p.ProviderOutputs[providerID] == nil {
		p.ProviderOutputs[providerID] = make(map[CommandType]map[string]string)
	}
	p.ProviderOutputs[providerID][commandType] = properties
}

// ProviderIDs возвращает идентификаторы провайдеров проекта.
func (p *Project) ProviderIDs() []string {
	ids := make([]string, 0, len(p.Providers))
	for _, pp := range p.Providers {
		ids = append(ids, pp.ID)
	}
	return ids
}

// CleanupResources возвращает всё, что нужно удалить вместе с проектом:
// группу ресурсов и отдельные ресурсы.
func (p *Project) CleanupResources() []string {
	var ids []string
	if p.ResourceGroup != nil && p.ResourceGroup.ID != "" {
		ids = append(ids, p.ResourceGroup.ID)
	}
	return append(ids, p.Resources...)
}

// SetETag задаёт новую версию документа.
func (p *Project) SetETag(etag string) { p.ETag = etag }
