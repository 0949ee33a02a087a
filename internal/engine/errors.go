package engine

import "errors"

// Ошибки графа провайдеров.
var (
	// ErrEmptyProviderID — провайдер не имеет ID.
	ErrEmptyProviderID = errors.New("provider has empty ID")

	// ErrDuplicateProviderID — несколько провайдеров с одинаковым ID.
	ErrDuplicateProviderID = errors.New("duplicate provider ID")

	// ErrMissingDependency — провайдер зависит от неизвестного провайдера.
	ErrMissingDependency = errors.New("provider depends on unknown provider")

	// ErrCyclicDependency — обнаружен цикл в зависимостях.
	ErrCyclicDependency = errors.New("cyclic dependency detected")

	// ErrSelfDependency — провайдер зависит от самого себя.
	ErrSelfDependency = errors.New("provider depends on itself")
)

// Ошибки каталога провайдеров.
var (
	// ErrEmptyCatalog — каталог не содержит провайдеров.
	ErrEmptyCatalog = errors.New("provider catalog is empty")

	// ErrInvalidProvider — описание провайдера не прошло валидацию.
	ErrInvalidProvider = errors.New("invalid provider definition")
)

// Ошибки рендеринга шаблонов.
var (
	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	ProviderID string // провайдер, где произошла ошибка
	Field      string // поле, вызвавшее ошибку
	Message    string // описание ошибки
	Err        error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.ProviderID != "" {
		return "provider " + e.ProviderID + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(providerID, field, message string, err error) *ValidationError {
	return &ValidationError{
		ProviderID: providerID,
		Field:      field,
		Message:    message,
		Err:        err,
	}
}
