package domain

import "time"

// Organization — корень иерархии: организации принадлежат проекты и deployment scopes.
type Organization struct {
	ID             string    `json:"id" validate:"required"`
	DisplayName    string    `json:"display_name,omitempty"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	ResourceID     string    `json:"resource_id,omitempty"`
	ETag           string    `json:"etag,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (o Organization) Kind() EntityKind { return KindOrganization }
func (o Organization) EntityID() string { return o.ID }
func (o Organization) ETagValue() string { return o.ETag }
func (o Organization) OrganizationScope() string { return o.ID }

// DeploymentScope — куда разворачиваются компоненты (подписка, management group).
type DeploymentScope struct {
	ID                string            `json:"id" validate:"required"`
	Organization      string            `json:"organization" validate:"required"`
	DisplayName       string            `json:"display_name,omitempty"`
	Type              string            `json:"type,omitempty"`
	ManagementGroupID string            `json:"management_group_id,omitempty"`
	SubscriptionIDs   []string          `json:"subscription_ids,omitempty"`
	Properties        map[string]string `json:"properties,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

func (d DeploymentScope) Kind() EntityKind { return KindDeploymentScope }
func (d DeploymentScope) EntityID() string { return d.ID }
func (d DeploymentScope) OrganizationScope() string { return d.Organization }

// SetETag задаёт новую версию документа.
func (o *Organization) SetETag(etag string) { o.ETag = etag }
