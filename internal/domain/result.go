package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ключи Links.
const (
	LinkStatus   = "status"
	LinkCallback = "callback"
)

// CommandResult — изменяемый результат команды, который видит клиент при polling.
//
// Создаётся через Command.CreateResult() и дальше мутируется на месте.
// Errors только накапливаются и никогда не очищаются.
type CommandResult struct {
	// CommandID — копия идентификатора команды.
	CommandID uuid.UUID `json:"command_id"`

	// CommandType — тип команды (для восстановления результата по аудиту).
	CommandType CommandType `json:"command_type,omitempty"`

	// CreatedTime — время создания экземпляра оркестрации.
	CreatedTime time.Time `json:"created_time"`

	// LastUpdatedTime — время последнего изменения.
	LastUpdatedTime time.Time `json:"last_updated_time"`

	// RuntimeStatus — статус выполнения.
	RuntimeStatus RuntimeStatus `json:"runtime_status"`

	// CustomStatus — произвольная пометка о прогрессе.
	CustomStatus string `json:"custom_status,omitempty"`

	// Errors — накопленные ошибки.
	Errors []CommandError `json:"errors"`

	// Links — ссылки для клиента (status, callback).
	Links map[string]string `json:"links,omitempty"`

	// Result — созданная или изменённая сущность в JSON.
	Result json.RawMessage `json:"result,omitempty"`
}

// AddError добавляет ошибку в сериализуемой форме. nil игнорируется.
func (r *CommandResult) AddError(err error) {
	ce := AsCommandError(err)
	if ce == nil {
		return
	}
	r.Errors = append(r.Errors, *ce)
}

// HasErrors возвращает true, если есть хотя бы одна ошибка.
func (r *CommandResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Err возвращает первую ошибку результата или nil.
func (r *CommandResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	if len(r.Errors) == 1 {
		return &r.Errors[0]
	}
	ce := r.Errors[0]
	ce.Details = append(append([]string{}, ce.Details...), fmt.Sprintf("%d more error(s)", len(r.Errors)-1))
	return &ce
}

// SetResult сохраняет сущность в Result.
func (r *CommandResult) SetResult(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	r.Result = raw
	return nil
}

// SetLink задаёт ссылку, создавая map при необходимости.
func (r *CommandResult) SetLink(name, url string) {
	if r.Links == nil {
		r.Links = make(map[string]string)
	}
	r.Links[name] = url
}

// Merge переносит статус, ошибки и payload из другого результата той же команды.
// Ошибки добавляются, существующие остаются.
func (r *CommandResult) Merge(other *CommandResult) {
	if other == nil {
		return
	}
	if other.RuntimeStatus != "" {
		r.RuntimeStatus = other.RuntimeStatus
	}
	if other.CustomStatus != "" {
		r.CustomStatus = other.CustomStatus
	}
	if len(other.Result) > 0 {
		r.Result = other.Result
	}
	if !other.LastUpdatedTime.IsZero() {
		r.LastUpdatedTime = other.LastUpdatedTime
	}
	r.Errors = append(r.Errors, other.Errors...)
	for k, v := range other.Links {
		r.SetLink(k, v)
	}
}

// DecodeResult извлекает типизированный Result.
func DecodeResult[T any](r *CommandResult) (T, error) {
	var v T
	if r == nil || len(r.Result) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(r.Result, &v); err != nil {
		return v, fmt.Errorf("decode result: %w", err)
	}
	return v, nil
}

// ProviderOutput — полезная нагрузка результата команды, отправленной провайдеру.
// Properties становятся доступны провайдерам следующих batch через Results.
type ProviderOutput struct {
	Properties map[string]string `json:"properties,omitempty"`
}

// ProviderProperties извлекает Properties из результата провайдера.
// Результат без payload или с другой формой даёт пустой map.
func (r *CommandResult) ProviderProperties() map[string]string {
	out, err := DecodeResult[ProviderOutput](r)
	if err != nil || out.Properties == nil {
		return map[string]string{}
	}
	return out.Properties
}
