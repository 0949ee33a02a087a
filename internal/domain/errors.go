package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Ошибки доменной модели.
var (
	// ErrNilPayload — команда создаётся без payload.
	ErrNilPayload = errors.New("command payload is nil")

	// ErrUnknownCommandType — тип команды не зарегистрирован.
	ErrUnknownCommandType = errors.New("unknown command type")

	// ErrPayloadMismatch — payload не соответствует типу команды.
	ErrPayloadMismatch = errors.New("payload does not match command type")
)

// ErrorCode — категория ошибки команды.
type ErrorCode string

const (
	ErrorCodeValidation ErrorCode = "VALIDATION"
	ErrorCodeNotFound   ErrorCode = "NOT_FOUND"
	ErrorCodeConflict   ErrorCode = "CONFLICT"
	ErrorCodeTimeout    ErrorCode = "TIMEOUT"
	ErrorCodeDeployment ErrorCode = "DEPLOYMENT"
	ErrorCodeProvider   ErrorCode = "PROVIDER"
	ErrorCodeCanceled   ErrorCode = "CANCELED"
	ErrorCodeInternal   ErrorCode = "INTERNAL"
)

// CommandError — сериализуемая ошибка команды.
//
// Всё, что пересекает границу оркестрации (результат, вывод, ошибка
// под-оркестрации), переводится в CommandError: среда выполнения хранит
// ошибки в JSON и восстанавливает их при replay.
type CommandError struct {
	// Code — категория ошибки.
	Code ErrorCode `json:"code"`

	// Message — текст ошибки.
	Message string `json:"message"`

	// ResourceID — ресурс, к которому относится ошибка (для ошибок развёртывания).
	ResourceID string `json:"resource_id,omitempty"`

	// Details — дополнительные сообщения (например, ошибки развёртывания).
	Details []string `json:"details,omitempty"`
}

// NewCommandError создаёт CommandError с форматированным сообщением.
func NewCommandError(code ErrorCode, format string, args ...any) *CommandError {
	return &CommandError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error реализует интерфейс error.
func (e *CommandError) Error() string {
	if len(e.Details) == 0 {
		return e.Message
	}
	return e.Message + ": " + strings.Join(e.Details, "; ")
}

// Is позволяет сравнивать ошибки по коду через errors.Is.
func (e *CommandError) Is(target error) bool {
	var other *CommandError
	if errors.As(target, &other) {
		return other.Code == e.Code && (other.Message == "" || other.Message == e.Message)
	}
	return false
}

// NewDeploymentError создаёт ошибку развёртывания с идентификатором ресурса и списком ошибок.
func NewDeploymentError(resourceID string, details []string) *CommandError {
	return &CommandError{
		Code:       ErrorCodeDeployment,
		Message:    fmt.Sprintf("Deployment '%s' failed", resourceID),
		ResourceID: resourceID,
		Details:    details,
	}
}

// NewTimeoutError создаёт ошибку таймаута.
func NewTimeoutError(format string, args ...any) *CommandError {
	return NewCommandError(ErrorCodeTimeout, format, args...)
}

// AsCommandError переводит произвольную ошибку в сериализуемую форму.
// nil остаётся nil.
func AsCommandError(err error) *CommandError {
	if err == nil {
		return nil
	}

	var ce *CommandError
	if errors.As(err, &ce) {
		return ce
	}

	var coded interface{ ErrorCode() ErrorCode }
	if errors.As(err, &coded) {
		return &CommandError{Code: coded.ErrorCode(), Message: err.Error()}
	}

	return &CommandError{Code: ErrorCodeInternal, Message: err.Error()}
}
