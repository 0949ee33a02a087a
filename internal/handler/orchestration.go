package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
)

// OrchestrationHandler — запасной обработчик: запускает
// CommandOrchestration для команды и возвращает её текущий результат.
type OrchestrationHandler struct {
	resolver *Resolver
	logger   *slog.Logger
}

// NewOrchestrationHandler создаёт запасной обработчик.
func NewOrchestrationHandler(resolver *Resolver, logger *slog.Logger) *OrchestrationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrchestrationHandler{resolver: resolver, logger: logger}
}

// Handle запускает оркестрацию. Повторный запуск той же команды
// возвращает результат первого; если его нет — ошибку ErrAlreadyStarted.
func (h *OrchestrationHandler) Handle(ctx context.Context, cmd *domain.Command, _ Queue, client *durable.Client) *domain.CommandResult {
	res := cmd.CreateResult()
	if client == nil {
		return fail(res, fmt.Errorf("%w: %s requires orchestration runtime", ErrNoHandler, cmd.Type))
	}

	instanceID := WrapperInstanceID(cmd.CommandID)
	_, err := client.StartNew(ctx, CommandOrchestration, instanceID, cmd)
	switch {
	case errors.Is(err, durable.ErrInstanceExists):
		existing, rerr := h.resolver.Resolve(ctx, cmd.CommandID)
		if rerr != nil {
			h.logger.Warn("duplicate command without result",
				"command_id", cmd.CommandID,
				"error", rerr,
			)
			return fail(res, fmt.Errorf("%w: %s", ErrAlreadyStarted, cmd.CommandID))
		}
		h.logger.Info("command already started, returning existing result",
			"command_id", cmd.CommandID,
			"runtime_status", existing.RuntimeStatus,
		)
		return existing

	case err != nil:
		return fail(res, fmt.Errorf("start %s: %w", CommandOrchestration, err))
	}

	h.logger.Info("command orchestration started",
		"command_id", cmd.CommandID,
		"command_type", cmd.Type,
		"instance_id", instanceID,
	)

	current, err := h.resolver.Resolve(ctx, cmd.CommandID)
	if err != nil {
		res.RuntimeStatus = domain.RuntimeStatusPending
		return res
	}
	return current
}
