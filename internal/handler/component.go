package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
	"github.com/shaiso/Tandem/internal/repo"
)

// ComponentHandler обрабатывает Create/Update/Delete компонентов.
//
// Создание и удаление компонента порождают задачу (Create или Delete)
// и команду ComponentTaskRunCommand; создание дополнительно запускает
// ComponentMonitorCommand.
type ComponentHandler struct {
	projects   repo.Repository[domain.Project]
	components repo.Repository[domain.Component]
	tasks      repo.Repository[domain.ComponentTask]
	now        func() time.Time
}

// NewComponentHandler создаёт ComponentHandler.
func NewComponentHandler(repos *repo.Repositories) *ComponentHandler {
	return &ComponentHandler{
		projects:   repos.Projects,
		components: repos.Components,
		tasks:      repos.ComponentTasks,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (h *ComponentHandler) Handle(ctx context.Context, cmd *domain.Command, queue Queue, _ *durable.Client) *domain.CommandResult {
	res := cmd.CreateResult()

	component, err := domain.DecodePayload[domain.Component](cmd)
	if err != nil {
		return fail(res, err)
	}

	var out *domain.Component
	switch cmd.Action {
	case domain.ActionCreate:
		out, err = h.create(ctx, cmd, &component, queue)
	case domain.ActionUpdate:
		out, err = h.update(ctx, &component)
	case domain.ActionDelete:
		out, err = h.delete(ctx, cmd, &component, queue)
	default:
		err = fmt.Errorf("%w: %s", ErrNoHandler, cmd.Type)
	}
	if out != nil {
		if serr := res.SetResult(out); serr != nil && err == nil {
			err = serr
		}
	}
	if err != nil {
		return fail(res, err)
	}

	res.RuntimeStatus = domain.RuntimeStatusCompleted
	return res
}

func (h *ComponentHandler) create(ctx context.Context, cmd *domain.Command, c *domain.Component, queue Queue) (*domain.Component, error) {
	if err := validate.Struct(c); err != nil {
		return nil, err
	}

	project, err := h.projects.Get(ctx, c.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("project '%s': %w", c.ProjectID, err)
	}
	if project.Deleted != nil {
		return nil, domain.NewCommandError(domain.ErrorCodeConflict, "Project '%s' is deleted", project.ID)
	}

	now := h.now()
	c.ResourceState = domain.ResourceStatePending
	c.Deleted = nil
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Creator == "" {
		c.Creator = cmd.User.ID
	}

	added, err := h.components.Add(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("component '%s': %w", c.ID, err)
	}

	task, err := h.addTask(ctx, cmd, added, domain.ComponentTaskTypeCreate)
	if err != nil {
		return added, err
	}

	run, err := domain.NewCommand(cmd.User, domain.ActionRun, *task)
	if err != nil {
		return added, err
	}
	monitor, err := domain.NewCommand(cmd.User, domain.ActionMonitor, *added)
	if err != nil {
		return added, err
	}
	if err := queue.Enqueue(ctx, run, monitor); err != nil {
		return added, fmt.Errorf("enqueue component commands: %w", err)
	}
	return added, nil
}

func (h *ComponentHandler) update(ctx context.Context, c *domain.Component) (*domain.Component, error) {
	if err := validate.Struct(c); err != nil {
		return nil, err
	}

	current, err := h.components.Get(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("component '%s': %w", c.ID, err)
	}
	if current.Deleted != nil {
		return nil, domain.NewCommandError(domain.ErrorCodeConflict, "Component '%s' is deleted", c.ID)
	}

	// Ресурс и его состояние меняют только задачи компонента
	c.ResourceID = current.ResourceID
	c.ResourceState = current.ResourceState
	c.Creator = current.Creator
	c.CreatedAt = current.CreatedAt
	c.UpdatedAt = h.now()

	out, err := h.components.Set(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("component '%s': %w", c.ID, err)
	}
	return out, nil
}

func (h *ComponentHandler) delete(ctx context.Context, cmd *domain.Command, c *domain.Component, queue Queue) (*domain.Component, error) {
	current, err := h.components.Get(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("component '%s': %w", c.ID, err)
	}
	if current.Deleted != nil {
		return current, nil
	}

	now := h.now()
	current.Deleted = &now
	current.UpdatedAt = now

	out, err := h.components.Set(ctx, current)
	if err != nil {
		return nil, fmt.Errorf("component '%s': %w", c.ID, err)
	}

	task, err := h.addTask(ctx, cmd, out, domain.ComponentTaskTypeDelete)
	if err != nil {
		return out, err
	}
	run, err := domain.NewCommand(cmd.User, domain.ActionRun, *task)
	if err != nil {
		return out, err
	}
	if err := queue.Enqueue(ctx, run); err != nil {
		return out, fmt.Errorf("enqueue component commands: %w", err)
	}
	return out, nil
}

func (h *ComponentHandler) addTask(ctx context.Context, cmd *domain.Command, c *domain.Component, taskType domain.ComponentTaskType) (*domain.ComponentTask, error) {
	task := &domain.ComponentTask{
		ID:            uuid.NewString(),
		Organization:  c.Organization,
		ProjectID:     c.ProjectID,
		ComponentID:   c.ID,
		Type:          taskType,
		RequestedBy:   cmd.User.ID,
		InputJSON:     c.InputJSON,
		ResourceState: domain.ResourceStatePending,
		CreatedAt:     h.now(),
	}
	added, err := h.tasks.Add(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("component task '%s': %w", task.ID, err)
	}
	return added, nil
}

// ComponentTaskHandler обрабатывает ComponentTaskCreateCommand:
// сохраняет задачу и отправляет команду её запуска.
type ComponentTaskHandler struct {
	components repo.Repository[domain.Component]
	tasks      repo.Repository[domain.ComponentTask]
	now        func() time.Time
}

// NewComponentTaskHandler создаёт ComponentTaskHandler.
func NewComponentTaskHandler(repos *repo.Repositories) *ComponentTaskHandler {
	return &ComponentTaskHandler{
		components: repos.Components,
		tasks:      repos.ComponentTasks,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (h *ComponentTaskHandler) Handle(ctx context.Context, cmd *domain.Command, queue Queue, _ *durable.Client) *domain.CommandResult {
	res := cmd.CreateResult()

	task, err := domain.DecodePayload[domain.ComponentTask](cmd)
	if err != nil {
		return fail(res, err)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Type == "" {
		task.Type = domain.ComponentTaskTypeCustom
	}
	if err := validate.Struct(task); err != nil {
		return fail(res, err)
	}

	component, err := h.components.Get(ctx, task.ComponentID)
	if err != nil {
		return fail(res, fmt.Errorf("component '%s': %w", task.ComponentID, err))
	}
	if component.Deleted != nil {
		return fail(res, domain.NewCommandError(domain.ErrorCodeConflict, "Component '%s' is deleted", component.ID))
	}

	task.Organization = component.Organization
	task.ProjectID = component.ProjectID
	task.ResourceID = ""
	task.ResourceState = domain.ResourceStatePending
	task.CreatedAt = h.now()
	if task.RequestedBy == "" {
		task.RequestedBy = cmd.User.ID
	}

	added, err := h.tasks.Add(ctx, &task)
	if err != nil {
		return fail(res, fmt.Errorf("component task '%s': %w", task.ID, err))
	}
	if err := res.SetResult(added); err != nil {
		return fail(res, err)
	}

	run, err := domain.NewCommand(cmd.User, domain.ActionRun, *added)
	if err != nil {
		return fail(res, err)
	}
	if err := queue.Enqueue(ctx, run); err != nil {
		return fail(res, fmt.Errorf("enqueue task run: %w", err))
	}

	res.RuntimeStatus = domain.RuntimeStatusCompleted
	return res
}
