package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"

	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/repo"
)

// Ошибки обработки команд.
var (
	// ErrNoHandler — для типа команды нет ни обработчика, ни оркестрации.
	ErrNoHandler = errors.New("no handler found for command")

	// ErrAlreadyStarted — команда с этим id уже принята и ещё выполняется.
	ErrAlreadyStarted = errors.New("command can only be started once")

	// ErrCommandNotFound — команда с таким id никогда не принималась.
	ErrCommandNotFound = errors.New("command not found")
)

// commandError переводит ошибку хранилища или валидации в ошибку результата.
func commandError(err error) *domain.CommandError {
	var ce *domain.CommandError
	var verrs validator.ValidationErrors

	switch {
	case err == nil:
		return nil
	case errors.As(err, &ce):
		return ce
	case errors.As(err, &verrs):
		return &domain.CommandError{Code: domain.ErrorCodeValidation, Message: describe(verrs)}
	case errors.Is(err, repo.ErrNotFound):
		return &domain.CommandError{Code: domain.ErrorCodeNotFound, Message: err.Error()}
	case errors.Is(err, repo.ErrAlreadyExists), errors.Is(err, repo.ErrETagMismatch),
		errors.Is(err, ErrAlreadyStarted):
		return &domain.CommandError{Code: domain.ErrorCodeConflict, Message: err.Error()}
	case errors.Is(err, ErrNoHandler), errors.Is(err, domain.ErrUnknownCommandType),
		errors.Is(err, domain.ErrPayloadMismatch), errors.Is(err, domain.ErrNilPayload):
		return &domain.CommandError{Code: domain.ErrorCodeValidation, Message: err.Error()}
	default:
		return domain.AsCommandError(err)
	}
}

// fail добавляет ошибку в результат и возвращает его.
func fail(res *domain.CommandResult, err error) *domain.CommandResult {
	if ce := commandError(err); ce != nil {
		res.Errors = append(res.Errors, *ce)
	}
	return res
}
