package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
	"github.com/shaiso/Tandem/internal/repo"
	"github.com/shaiso/Tandem/internal/telemetry"
)

// События аудита, которые пишет Processor.
const (
	AuditReceived = repo.AuditEventReceived
	AuditHandled  = "Handled"
)

// Processor — точка входа для команд: API и потребитель очереди
// команд вызывают только его.
type Processor struct {
	registry *Registry
	queue    Queue
	client   *durable.Client
	audit    repo.AuditLog
	resolver *Resolver
	logger   *slog.Logger
}

// ProcessorConfig — зависимости Processor.
type ProcessorConfig struct {
	Registry *Registry
	Queue    Queue
	Client   *durable.Client // может быть nil: тогда оркестрации недоступны
	Audit    repo.AuditLog
	Resolver *Resolver
	Logger   *slog.Logger
}

// NewProcessor создаёт Processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = NewResolver(cfg.Client, cfg.Audit, nil)
	}
	return &Processor{
		registry: cfg.Registry,
		queue:    cfg.Queue,
		client:   cfg.Client,
		audit:    cfg.Audit,
		resolver: resolver,
		logger:   logger,
	}
}

// Process выполняет команду и возвращает её результат.
//
// Ошибки не возвращаются: невалидная команда, отсутствие обработчика
// и повторный запуск попадают в Errors результата.
func (p *Processor) Process(ctx context.Context, cmd *domain.Command) *domain.CommandResult {
	if cmd == nil {
		return fail(&domain.CommandResult{Errors: []domain.CommandError{}}, domain.ErrNilPayload)
	}

	logger := telemetry.WithCommandID(telemetry.FromContext(ctx, p.logger), cmd.CommandID.String()).With("command_type", cmd.Type)
	if cmd.ProjectID != "" {
		logger = telemetry.WithProjectID(logger, cmd.ProjectID)
	}
	res := cmd.CreateResult()

	if err := Validate(cmd); err != nil {
		logger.Warn("command rejected", "error", err)
		return fail(res, err)
	}

	h, ok := p.registry.Resolve(cmd)
	if !ok {
		logger.Warn("no handler for command")
		return fail(res, fmt.Errorf("%w: %s", ErrNoHandler, cmd.Type))
	}

	// Повторы оркестрационных команд отсекает StartNew, прямые
	// обработчики повторно не вызываются.
	if err := p.claim(ctx, logger, cmd); errors.Is(err, repo.ErrAlreadyExists) {
		if p.registry.HasHandler(cmd.Type) {
			return p.duplicate(ctx, logger, cmd, res)
		}
	} else {
		telemetry.CommandsAccepted.WithLabelValues(string(cmd.Type)).Inc()
	}

	if out := h.Handle(ctx, cmd, p.queue, p.client); out != nil {
		res = out
	} else if resolved, err := p.resolver.Resolve(ctx, cmd.CommandID); err == nil {
		res = resolved
	} else {
		logger.Warn("failed to resolve command result", "error", err)
	}

	if res.HasErrors() && res.RuntimeStatus == domain.RuntimeStatusUnknown {
		res.RuntimeStatus = domain.RuntimeStatusFailed
	}

	if res.RuntimeStatus.IsFinal() || res.HasErrors() {
		p.writeAudit(ctx, logger, cmd, res, AuditHandled)
		telemetry.CommandsFinished.WithLabelValues(string(cmd.Type), string(res.RuntimeStatus)).Inc()
	}

	logger.Info("command processed",
		"runtime_status", res.RuntimeStatus,
		"errors", len(res.Errors),
	)
	return res
}

// Resolver возвращает Resolver, которым пользуется Processor.
func (p *Processor) Resolver() *Resolver {
	return p.resolver
}

// claim пишет первую запись аудита команды. Ошибки, кроме повтора,
// только логируются.
func (p *Processor) claim(ctx context.Context, logger *slog.Logger, cmd *domain.Command) error {
	if p.audit == nil {
		return nil
	}
	err := p.audit.Claim(ctx, repo.AuditEntry{
		CommandID:   cmd.CommandID,
		CommandType: cmd.Type,
		ProjectID:   cmd.ProjectID,
		Command:     cmd,
	})
	if err != nil && !errors.Is(err, repo.ErrAlreadyExists) {
		logger.Warn("failed to audit command", "event", AuditReceived, "error", err)
	}
	return err
}

// duplicate отвечает на повтор уже принятой команды: готовый результат
// возвращается как есть, незавершённая команда даёт ErrAlreadyStarted.
func (p *Processor) duplicate(ctx context.Context, logger *slog.Logger, cmd *domain.Command, res *domain.CommandResult) *domain.CommandResult {
	existing, err := p.resolver.Resolve(ctx, cmd.CommandID)
	if err == nil && (existing.RuntimeStatus.IsFinal() || existing.HasErrors()) {
		logger.Info("duplicate command, returning existing result", "runtime_status", existing.RuntimeStatus)
		return existing
	}
	logger.Warn("duplicate command is still in progress")
	return fail(res, fmt.Errorf("%w: %s", ErrAlreadyStarted, cmd.CommandID))
}

// writeAudit пишет запись аудита. Ошибка аудита не прерывает команду.
func (p *Processor) writeAudit(ctx context.Context, logger *slog.Logger, cmd *domain.Command, res *domain.CommandResult, event string) {
	if p.audit == nil {
		return
	}

	entry := repo.AuditEntry{
		CommandID:   cmd.CommandID,
		CommandType: cmd.Type,
		ProjectID:   cmd.ProjectID,
		Event:       event,
		Command:     cmd,
		Result:      res,
	}
	if res != nil {
		entry.RuntimeStatus = res.RuntimeStatus
	}

	if err := p.audit.Write(ctx, entry); err != nil {
		logger.Warn("failed to audit command", "event", event, "error", err)
	}
}
