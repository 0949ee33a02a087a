package domain

import "time"

// DefaultProviderTimeout — верхняя граница ожидания callback от провайдера.
const DefaultProviderTimeout = 30 * time.Minute

// Provider — внешний исполнитель, которому отправляются команды.
//
// Провайдер принимает команду по URL и либо отвечает результатом сразу,
// либо отвечает RUNNING и позже присылает результат на callback URL.
type Provider struct {
	// ID — идентификатор провайдера.
	ID string `json:"id" validate:"required"`

	// URL — endpoint для отправки команд.
	URL string `json:"url" validate:"required,url"`

	// AuthCode — секрет, передаваемый провайдеру в заголовке.
	AuthCode string `json:"auth_code,omitempty"`

	// PrincipalID — идентичность провайдера для выдачи прав на ресурсы проекта.
	PrincipalID string `json:"principal_id,omitempty"`

	// Version — версия API провайдера.
	Version string `json:"version,omitempty"`

	// DependsOn — провайдеры, которые должны отработать раньше.
	DependsOn []string `json:"depends_on,omitempty"`

	// TimeoutSec — собственный таймаут провайдера; ограничен DefaultProviderTimeout.
	TimeoutSec int `json:"timeout_sec,omitempty"`

	// Properties — свойства, добавляемые к каждой команде провайдера.
	Properties map[string]string `json:"properties,omitempty"`

	// Registered — время последней регистрации. Nil — провайдер не инициализирован.
	Registered *time.Time `json:"registered,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p Provider) Kind() EntityKind { return KindProvider }
func (p Provider) EntityID() string { return p.ID }

// IsRegistered возвращает true, если провайдер уже прошёл регистрацию.
func (p *Provider) IsRegistered() bool {
	return p.Registered != nil
}

// Timeout возвращает время ожидания callback: собственный таймаут
// провайдера, но не больше DefaultProviderTimeout.
func (p *Provider) Timeout() time.Duration {
	if p.TimeoutSec <= 0 {
		return DefaultProviderTimeout
	}
	d := time.Duration(p.TimeoutSec) * time.Second
	if d > DefaultProviderTimeout {
		return DefaultProviderTimeout
	}
	return d
}

// ProviderCommand — то, что получает провайдер: исходная команда,
// свойства провайдера и результаты провайдеров предыдущих batch.
type ProviderCommand struct {
	Command

	// Properties — свойства провайдера и проекта.
	Properties map[string]string `json:"properties,omitempty"`

	// Results — выходные свойства ранее отработавших провайдеров.
	Results map[string]map[string]string `json:"results,omitempty"`

	// CallbackURL — куда провайдер присылает асинхронный результат.
	CallbackURL string `json:"callback_url,omitempty"`
}

// ProviderRegistration — payload команды регистрации провайдера.
type ProviderRegistration struct {
	ProviderID string            `json:"provider_id"`
	Properties map[string]string `json:"properties,omitempty"`
}
