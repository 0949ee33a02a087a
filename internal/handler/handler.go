package handler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
)

// Handler выполняет команду.
//
// Возвращает результат со статусом COMPLETED при успехе или с
// заполненным Errors при ошибке. nil означает, что результат нужно
// получить из оркестрации команды.
type Handler interface {
	Handle(ctx context.Context, cmd *domain.Command, queue Queue, client *durable.Client) *domain.CommandResult
}

// HandlerFunc — адаптер функции к Handler.
type HandlerFunc func(ctx context.Context, cmd *domain.Command, queue Queue, client *durable.Client) *domain.CommandResult

func (f HandlerFunc) Handle(ctx context.Context, cmd *domain.Command, queue Queue, client *durable.Client) *domain.CommandResult {
	return f(ctx, cmd, queue, client)
}

// OrchestrationLookup сообщает, зарегистрирована ли оркестрация.
// Реализуется durable.Registry.
type OrchestrationLookup interface {
	HasOrchestrator(name string) bool
}

// Registry — таблица обработчиков по типу команды.
//
// Если прямого обработчика нет, а оркестрация "{CommandType}Orchestration"
// зарегистрирована, используется запасной обработчик.
type Registry struct {
	mu             sync.RWMutex
	handlers       map[domain.CommandType]Handler
	fallback       Handler
	orchestrations OrchestrationLookup
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.CommandType]Handler)}
}

// Register регистрирует обработчик для типов команд.
func (r *Registry) Register(h Handler, types ...domain.CommandType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range types {
		r.handlers[t] = h
	}
}

// SetFallback задаёт запасной обработчик и реестр оркестраций,
// по которому проверяется его применимость.
func (r *Registry) SetFallback(h Handler, orchestrations OrchestrationLookup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
	r.orchestrations = orchestrations
}

// Resolve возвращает обработчик команды.
func (r *Registry) Resolve(cmd *domain.Command) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.handlers[cmd.Type]; ok {
		return h, true
	}
	if r.fallback != nil && r.orchestrations != nil && r.orchestrations.HasOrchestrator(cmd.OrchestrationName()) {
		return r.fallback, true
	}
	return nil, false
}

// HasHandler сообщает, есть ли у типа прямой обработчик.
func (r *Registry) HasHandler(t domain.CommandType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[t]
	return ok
}

// CanHandle сообщает, может ли реестр выполнить команду.
func (r *Registry) CanHandle(cmd *domain.Command) bool {
	_, ok := r.Resolve(cmd)
	return ok
}

// Types возвращает типы команд с прямыми обработчиками.
func (r *Registry) Types() []domain.CommandType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.CommandType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate проверяет команду: обязательные поля и известный тип.
func Validate(cmd *domain.Command) error {
	if cmd == nil {
		return domain.ErrNilPayload
	}
	if err := validate.Struct(cmd); err != nil {
		return err
	}
	if !cmd.Type.IsKnown() {
		return fmt.Errorf("%w: %s", domain.ErrUnknownCommandType, cmd.Type)
	}
	if len(cmd.Payload) == 0 {
		return domain.ErrNilPayload
	}
	return nil
}

func describe(verrs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return "validation failed: " + strings.Join(msgs, ", ")
}
