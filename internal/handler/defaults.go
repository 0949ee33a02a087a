package handler

import (
	"context"
	"time"

	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/repo"
	"github.com/shaiso/Tandem/internal/scheduler"
)

// RegisterDefaults регистрирует прямые обработчики команд.
//
// ProjectCreate/Delete, ComponentTaskRun, ComponentMonitor и
// ProviderRegister прямых обработчиков не имеют: их выполняют
// одноимённые оркестрации через запасной обработчик.
func RegisterDefaults(reg *Registry, repos *repo.Repositories) {
	reg.Register(NewEntityHandler(repos.Organizations, prepareOrganization),
		domain.CommandOrganizationCreate,
		domain.CommandOrganizationUpdate,
		domain.CommandOrganizationDelete,
	)
	reg.Register(NewEntityHandler(repos.DeploymentScopes, prepareDeploymentScope),
		domain.CommandDeploymentScopeCreate,
		domain.CommandDeploymentScopeUpdate,
		domain.CommandDeploymentScopeDelete,
	)
	reg.Register(NewEntityHandler(repos.Projects, prepareProject),
		domain.CommandProjectUpdate,
	)
	reg.Register(NewComponentHandler(repos),
		domain.CommandComponentCreate,
		domain.CommandComponentUpdate,
		domain.CommandComponentDelete,
	)
	reg.Register(NewComponentTaskHandler(repos),
		domain.CommandComponentTaskCreate,
	)
	reg.Register(NewEntityHandler[domain.Schedule](repos.Schedules, prepareSchedule),
		domain.CommandScheduleCreate,
		domain.CommandScheduleUpdate,
		domain.CommandScheduleDelete,
	)
	reg.Register(NewEntityHandler(repos.Providers, prepareProvider),
		domain.CommandProviderCreate,
		domain.CommandProviderUpdate,
		domain.CommandProviderDelete,
	)
}

func now() time.Time { return time.Now().UTC() }

func prepareOrganization(_ context.Context, action domain.CommandAction, o, current *domain.Organization) error {
	switch action {
	case domain.ActionCreate:
		o.CreatedAt = now()
	case domain.ActionUpdate:
		o.CreatedAt = current.CreatedAt
	}
	return nil
}

func prepareDeploymentScope(_ context.Context, action domain.CommandAction, d, current *domain.DeploymentScope) error {
	switch action {
	case domain.ActionCreate:
		d.CreatedAt = now()
	case domain.ActionUpdate:
		d.CreatedAt = current.CreatedAt
	}
	return nil
}

func prepareProject(_ context.Context, action domain.CommandAction, p, current *domain.Project) error {
	if action != domain.ActionUpdate {
		return nil
	}
	if current.Deleted != nil {
		return domain.NewCommandError(domain.ErrorCodeConflict, "Project '%s' is deleted", p.ID)
	}
	// Выходы провайдеров пишет только отправка команд провайдерам
	p.ProviderOutputs = current.ProviderOutputs
	p.CreatedByCommand = current.CreatedByCommand
	p.CreatedAt = current.CreatedAt
	p.UpdatedAt = now()
	return nil
}

func prepareSchedule(_ context.Context, action domain.CommandAction, s, current *domain.Schedule) error {
	if action == domain.ActionDelete {
		return nil
	}
	if err := scheduler.Validate(s); err != nil {
		return domain.NewCommandError(domain.ErrorCodeValidation, "%v", err)
	}

	ts := now()
	switch action {
	case domain.ActionCreate:
		s.CreatedAt = ts
	case domain.ActionUpdate:
		s.CreatedAt = current.CreatedAt
		s.LastRunAt = current.LastRunAt
		s.LastCommandID = current.LastCommandID
	}
	s.UpdatedAt = ts

	s.NextDueAt = nil
	if s.Enabled {
		next, err := scheduler.NextDue(s, ts)
		if err != nil {
			return domain.NewCommandError(domain.ErrorCodeValidation, "%v", err)
		}
		s.NextDueAt = &next
	}
	return nil
}

func prepareProvider(_ context.Context, action domain.CommandAction, p, current *domain.Provider) error {
	ts := now()
	switch action {
	case domain.ActionCreate:
		p.Registered = nil
		p.CreatedAt = ts
	case domain.ActionUpdate:
		p.Registered = current.Registered
		p.CreatedAt = current.CreatedAt
	}
	p.UpdatedAt = ts
	return nil
}
