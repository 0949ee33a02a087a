package deploy

import (
	"context"
	"encoding/json"

	"github.com/shaiso/Tandem/internal/domain"
)

// Request — запрос на запуск развёртывания.
type Request struct {
	// Template — имя шаблона развёртывания.
	Template string `json:"template"`

	// ResourceGroupID — группа ресурсов, куда разворачивается шаблон.
	ResourceGroupID string `json:"resource_group_id,omitempty"`

	// Parameters — параметры шаблона.
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Engine — внешний движок развёртываний.
//
// Все операции идут через activity оркестраций и повторяются
// retry policy, поэтому должны быть идемпотентны на стороне движка.
type Engine interface {
	// Start запускает развёртывание. Пустой id — развёртывать нечего.
	Start(ctx context.Context, req Request) (string, error)

	// State возвращает текущее состояние развёртывания.
	State(ctx context.Context, deploymentID string) (domain.DeploymentState, error)

	// Outputs возвращает выходные значения успешного развёртывания.
	Outputs(ctx context.Context, deploymentID string) (map[string]any, error)

	// Errors возвращает ошибки неуспешного развёртывания.
	Errors(ctx context.Context, deploymentID string) ([]string, error)

	// ResetResourceGroup запускает развёртывание, удаляющее содержимое
	// группы ресурсов. Пустой id — группа уже пуста.
	ResetResourceGroup(ctx context.Context, resourceGroupID string) (string, error)

	// DeleteResourceGroup удаляет пустую группу ресурсов.
	DeleteResourceGroup(ctx context.Context, resourceGroupID string) error

	// DeleteResource удаляет отдельный ресурс.
	DeleteResource(ctx context.Context, resourceID string) error

	// GrantContributor выдаёт principal права contributor на группу ресурсов.
	GrantContributor(ctx context.Context, resourceGroupID, principalID string) error
}
