package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tandem/internal/domain"
)

// Command DTOs

// SubmitCommandRequest — запрос на выполнение команды.
//
// Payload — сущность, над которой выполняется команда; её тип задаёт
// Type. Проект и организация команды выводятся из payload.
type SubmitCommandRequest struct {
	CommandID  *uuid.UUID         `json:"command_id,omitempty"`
	Type       domain.CommandType `json:"type"`
	User       *domain.User       `json:"user,omitempty"`
	ProviderID string             `json:"provider_id,omitempty"`
	Payload    json.RawMessage    `json:"payload"`
}

// ErrUnknownCommandType — тип команды не зарегистрирован.
var ErrUnknownCommandType = errors.New("unknown command type")

// ToCommand строит конверт команды. user подставляется, если в запросе
// пользователя нет.
func (r *SubmitCommandRequest) ToCommand(user domain.User) (*domain.Command, error) {
	if !r.Type.IsKnown() {
		return nil, fmt.Errorf("%w %q", ErrUnknownCommandType, r.Type)
	}
	if len(r.Payload) == 0 {
		return nil, fmt.Errorf("payload is required")
	}
	if r.User != nil && r.User.ID != "" {
		user = *r.User
	}
	if user.ID == "" {
		return nil, fmt.Errorf("user is required")
	}

	entity, err := decodeEntity(r.Type.Kind(), r.Payload)
	if err != nil {
		return nil, err
	}

	var opts []domain.CommandOption
	if r.CommandID != nil && *r.CommandID != uuid.Nil {
		opts = append(opts, domain.WithCommandID(*r.CommandID))
	}
	if r.ProviderID != "" {
		opts = append(opts, domain.WithProviderID(r.ProviderID))
	}

	return domain.NewCommand(user, r.Type.Action(), entity, opts...)
}

// decodeEntity разбирает payload в сущность нужного типа.
func decodeEntity(kind domain.EntityKind, raw json.RawMessage) (domain.Entity, error) {
	switch kind {
	case domain.KindOrganization:
		return decodeAs[domain.Organization](raw)
	case domain.KindDeploymentScope:
		return decodeAs[domain.DeploymentScope](raw)
	case domain.KindProject:
		return decodeAs[domain.Project](raw)
	case domain.KindComponent:
		return decodeAs[domain.Component](raw)
	case domain.KindComponentTask:
		return decodeAs[domain.ComponentTask](raw)
	case domain.KindSchedule:
		return decodeAs[domain.Schedule](raw)
	case domain.KindProvider:
		return decodeAs[domain.Provider](raw)
	default:
		return nil, fmt.Errorf("unsupported entity kind %q", kind)
	}
}

func decodeAs[T domain.Entity](raw json.RawMessage) (domain.Entity, error) {
	var entity T
	if err := json.Unmarshal(raw, &entity); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %v", entity.Kind(), err)
	}
	return entity, nil
}

// Provider DTOs

// ProviderResponse — провайдер без секретов.
type ProviderResponse struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	PrincipalID string            `json:"principal_id,omitempty"`
	Version     string            `json:"version,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	TimeoutSec  int               `json:"timeout_sec,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	Registered  *time.Time        `json:"registered,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ProviderFromDomain конвертирует domain.Provider в ProviderResponse.
func ProviderFromDomain(p *domain.Provider) ProviderResponse {
	return ProviderResponse{
		ID:          p.ID,
		URL:         p.URL,
		PrincipalID: p.PrincipalID,
		Version:     p.Version,
		DependsOn:   p.DependsOn,
		TimeoutSec:  p.TimeoutSec,
		Properties:  p.Properties,
		Registered:  p.Registered,
		CreatedAt:   p.CreatedAt,
	}
}

// Schedule DTOs

// ScheduleResponse — ответ с schedule.
type ScheduleResponse struct {
	ID            string     `json:"id"`
	Organization  string     `json:"organization,omitempty"`
	ProjectID     string     `json:"project_id"`
	ComponentID   string     `json:"component_id"`
	TaskType      string     `json:"task_type"`
	TaskTypeName  string     `json:"task_type_name,omitempty"`
	CronExpr      string     `json:"cron_expr"`
	Timezone      string     `json:"timezone"`
	Enabled       bool       `json:"enabled"`
	NextDueAt     *time.Time `json:"next_due_at,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastCommandID string     `json:"last_command_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ScheduleFromDomain конвертирует domain.Schedule в ScheduleResponse.
func ScheduleFromDomain(s *domain.Schedule) ScheduleResponse {
	return ScheduleResponse{
		ID:            s.ID,
		Organization:  s.Organization,
		ProjectID:     s.ProjectID,
		ComponentID:   s.ComponentID,
		TaskType:      string(s.TaskType),
		TaskTypeName:  s.TaskTypeName,
		CronExpr:      s.CronExpr,
		Timezone:      s.Timezone,
		Enabled:       s.Enabled,
		NextDueAt:     s.NextDueAt,
		LastRunAt:     s.LastRunAt,
		LastCommandID: s.LastCommandID,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}
