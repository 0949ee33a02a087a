package orchestrator

import (
	"errors"

	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
)

// Ошибки оркестратора.
var (
	// ErrNoRuntime — оркестратор запущен без среды выполнения.
	ErrNoRuntime = errors.New("orchestrator: runtime is not configured")

	// ErrOrchestratorStopped — оркестратор остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)

// commandError переводит ошибку шага оркестрации в сериализуемую
// CommandError: только она переживает запись в историю без потерь.
// Исходная ошибка пишется в журнал экземпляра с args.
func commandError(ctx *durable.OrchestrationContext, err error, msg string, args ...any) error {
	if err == nil {
		return nil
	}
	ce := domain.AsCommandError(err)
	ctx.Logger().Error(msg, append(args, "code", ce.Code, "error", err)...)
	return ce
}
