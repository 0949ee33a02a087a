package durable

import (
	"errors"
	"fmt"

	"github.com/shaiso/Tandem/internal/domain"
)

// Ошибки среды выполнения.
var (
	// ErrInstanceExists — экземпляр с таким id уже создан.
	ErrInstanceExists = errors.New("orchestration instance already exists")

	// ErrInstanceNotFound — экземпляр не найден.
	ErrInstanceNotFound = errors.New("orchestration instance not found")

	// ErrUnknownOrchestrator — оркестрация с таким именем не зарегистрирована.
	ErrUnknownOrchestrator = errors.New("unknown orchestrator")

	// ErrUnknownActivity — activity с таким именем не зарегистрирована.
	ErrUnknownActivity = errors.New("unknown activity")

	// ErrUnknownEntity — entity с таким именем не зарегистрирована.
	ErrUnknownEntity = errors.New("unknown entity")

	// ErrNonDeterministic — при replay вызов не совпал с историей.
	ErrNonDeterministic = errors.New("non-deterministic orchestration")

	// ErrTerminated — экземпляр остановлен через Terminate.
	ErrTerminated = errors.New("orchestration terminated")

	// ErrAborted — выполнение прервано остановкой среды; экземпляр будет продолжен позже.
	ErrAborted = errors.New("orchestration execution aborted")

	// ErrEventTimeout — внешнее событие не пришло вовремя.
	ErrEventTimeout = errors.New("external event timeout")

	// ErrRuntimeStopped — среда выполнения остановлена.
	ErrRuntimeStopped = errors.New("runtime stopped")
)

// Типы FailureDetails, которые восстанавливаются в конкретные ошибки.
const (
	failureInstanceExists = "InstanceExists"
	failureEventTimeout   = "EventTimeout"
	failureCommandError   = "CommandError"
	failureTerminated     = "Terminated"
	failureNonDeterminism = "NonDeterministic"
)

// FailureDetails — сериализуемое описание ошибки activity или оркестрации.
type FailureDetails struct {
	// Type — тип ошибки ("CommandError", "InstanceExists", "*errors.errorString", ...).
	Type string `json:"type"`

	// Message — текст ошибки.
	Message string `json:"message"`

	// Error — доменная ошибка, если она была.
	Error *domain.CommandError `json:"error,omitempty"`

	// NonRetryable — activity не нужно повторять.
	NonRetryable bool `json:"non_retryable,omitempty"`
}

// FailureFromError переводит ошибку в сериализуемую форму.
func FailureFromError(err error) *FailureDetails {
	if err == nil {
		return nil
	}

	var tfe *TaskFailedError
	if errors.As(err, &tfe) {
		f := tfe.Failure
		return &f
	}

	f := &FailureDetails{Message: err.Error(), NonRetryable: isNonRetryable(err)}

	var ce *domain.CommandError
	switch {
	case errors.As(err, &ce):
		f.Type = failureCommandError
		f.Error = ce
	case errors.Is(err, ErrInstanceExists):
		f.Type = failureInstanceExists
	case errors.Is(err, ErrEventTimeout):
		f.Type = failureEventTimeout
	case errors.Is(err, ErrTerminated):
		f.Type = failureTerminated
	case errors.Is(err, ErrNonDeterministic):
		f.Type = failureNonDeterminism
	default:
		f.Type = fmt.Sprintf("%T", err)
	}

	return f
}

// TaskFailedError — ошибка activity или под-оркестрации, восстановленная из истории.
type TaskFailedError struct {
	// Name — имя activity или оркестрации.
	Name string

	// Failure — сохранённое описание ошибки.
	Failure FailureDetails
}

func (e *TaskFailedError) Error() string {
	if e.Name == "" {
		return e.Failure.Message
	}
	return fmt.Sprintf("%s failed: %s", e.Name, e.Failure.Message)
}

// Unwrap возвращает доменную ошибку или sentinel, соответствующий типу.
func (e *TaskFailedError) Unwrap() error {
	switch e.Failure.Type {
	case failureCommandError:
		if e.Failure.Error != nil {
			return e.Failure.Error
		}
	case failureInstanceExists:
		return ErrInstanceExists
	case failureEventTimeout:
		return ErrEventTimeout
	case failureTerminated:
		return ErrTerminated
	case failureNonDeterminism:
		return ErrNonDeterministic
	}
	return nil
}

// nonRetryableError помечает ошибку activity как не подлежащую повтору.
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable оборачивает ошибку activity, чтобы retry policy её не повторяла.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

func isNonRetryable(err error) bool {
	var nr *nonRetryableError
	return errors.As(err, &nr)
}
