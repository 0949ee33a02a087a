package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/handler"
	"github.com/shaiso/Tandem/internal/provider"
	"github.com/shaiso/Tandem/internal/repo"
)

func testProject(providers ...string) *domain.Project {
	p := &domain.Project{ID: "proj-1", Organization: "org-1", DisplayName: "Project One"}
	for _, id := range providers {
		p.Providers = append(p.Providers, domain.ProjectProvider{ID: id})
	}
	return p
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}

// --- Project create ---

func TestProjectCreate_SendsBatchesInDependencyOrder(t *testing.T) {
	env := newTestEnv(t, testTimings())
	env.addProvider(t, domain.Provider{ID: "a", Registered: registered()})
	env.addProvider(t, domain.Provider{ID: "b", DependsOn: []string{"a"}, Registered: registered()})

	env.sender.respond = func(p domain.Provider, cmd *domain.ProviderCommand) (*domain.CommandResult, error) {
		return completed(cmd, map[string]string{"endpoint": p.ID + ".internal"}), nil
	}

	cmd := newCommand(t, domain.ActionCreate, testProject("a", "b"))
	env.submit(t, cmd)

	res := env.result(t, cmd)
	assert.Equal(t, domain.RuntimeStatusCompleted, res.RuntimeStatus)
	assert.Empty(t, res.Errors)
	assert.Equal(t, "Command succeeded", res.CustomStatus)

	calls := env.sender.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "a", calls[0].ProviderID)
	assert.Equal(t, "b", calls[1].ProviderID)
	assert.Equal(t, "a.internal", calls[1].Results["a"]["endpoint"], "later batch sees earlier outputs")
	assert.NotEmpty(t, calls[0].CallbackURL)

	project, err := env.repos.Projects.Get(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "b.internal", project.ProviderOutputs["b"][domain.CommandProjectCreate]["endpoint"])

	stored, err := domain.DecodeResult[domain.Project](res)
	require.NoError(t, err)
	assert.Equal(t, "proj-1", stored.ID)

	assert.Len(t, env.callbacks.Invalidated(), 2, "every callback is invalidated")

	entries, err := env.repos.Audit.ListEntries(context.Background(), cmd.CommandID)
	require.NoError(t, err)
	events := make([]string, 0, len(entries))
	for _, e := range entries {
		events = append(events, e.Event)
	}
	assert.Equal(t, AuditStarted, events[0])
	assert.Equal(t, AuditFinished, events[len(events)-1])
	assert.Contains(t, events, AuditSending)
	assert.Contains(t, events, AuditSent)
}

func TestProjectCreate_ProviderFailureSkipsLaterBatches(t *testing.T) {
	env := newTestEnv(t, testTimings())
	env.addProvider(t, domain.Provider{ID: "a", Registered: registered()})
	env.addProvider(t, domain.Provider{ID: "b", DependsOn: []string{"a"}, Registered: registered()})

	env.sender.respond = func(p domain.Provider, cmd *domain.ProviderCommand) (*domain.CommandResult, error) {
		return nil, &provider.StatusError{ProviderID: p.ID, StatusCode: 400, Body: "bad request"}
	}

	cmd := newCommand(t, domain.ActionCreate, testProject("a", "b"))
	env.submit(t, cmd)

	res := env.result(t, cmd)
	assert.Equal(t, domain.RuntimeStatusFailed, res.RuntimeStatus)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, domain.ErrorCodeProvider, res.Errors[0].Code)
	assert.Contains(t, res.CustomStatus, "Command failed")

	calls := env.sender.Calls()
	require.Len(t, calls, 1, "non-temporary failure is not retried and stops the next batch")
	assert.Equal(t, "a", calls[0].ProviderID)
}

func TestProjectCreate_ExistingProjectConflicts(t *testing.T) {
	env := newTestEnv(t, testTimings())
	env.addProvider(t, domain.Provider{ID: "a", Registered: registered()})

	existing := testProject("a")
	existing.DisplayName = "Existing"
	existing.CreatedByCommand = "another-command"
	_, err := env.repos.Projects.Add(context.Background(), existing)
	require.NoError(t, err)

	intruder := testProject("a")
	intruder.DisplayName = "Intruder"
	cmd := newCommand(t, domain.ActionCreate, intruder)
	env.submit(t, cmd)

	res := env.result(t, cmd)
	assert.Equal(t, domain.RuntimeStatusFailed, res.RuntimeStatus)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, domain.ErrorCodeConflict, res.Errors[0].Code)
	assert.Empty(t, env.sender.Calls(), "providers never see a conflicting create")

	stored, err := env.repos.Projects.Get(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "Existing", stored.DisplayName)
	assert.Equal(t, "another-command", stored.CreatedByCommand)
}

func TestProjectAdd_RepeatBySameCommand(t *testing.T) {
	repos := repo.NewMemoryRepositories()
	a := NewActivities(ActivitiesConfig{Repos: repos})

	project := *testProject()
	project.CreatedByCommand = "cmd-1"
	first, err := a.projectAdd(context.Background(), project)
	require.NoError(t, err)

	project.DisplayName = "Renamed"
	again, err := a.projectAdd(context.Background(), project)
	require.NoError(t, err)
	assert.Equal(t, first.(*domain.Project).ETag, again.(*domain.Project).ETag, "repeat returns the stored project")
	assert.Equal(t, "Project One", again.(*domain.Project).DisplayName)

	project.CreatedByCommand = "cmd-2"
	_, err = a.projectAdd(context.Background(), project)
	require.Error(t, err)
	assert.Equal(t, domain.ErrorCodeConflict, domain.AsCommandError(err).Code)

	project.CreatedByCommand = ""
	_, err = a.projectAdd(context.Background(), project)
	require.Error(t, err, "a project without creator is never adopted")
}

func TestProjectCreate_DeploysResourceGroup(t *testing.T) {
	env := newTestEnv(t, testTimings())
	env.engine.pending = 1
	env.engine.outputs = map[string]any{"resourceGroupId": "/subscriptions/s/resourceGroups/rg-proj-1"}

	project := testProject()
	project.ResourceGroup = &domain.ResourceGroup{Name: "rg-proj-1", Region: "westeurope"}

	cmd := newCommand(t, domain.ActionCreate, project)
	env.submit(t, cmd)

	res := env.result(t, cmd)
	assert.Equal(t, domain.RuntimeStatusCompleted, res.RuntimeStatus)

	stored, err := env.repos.Projects.Get(context.Background(), "proj-1")
	require.NoError(t, err)
	require.NotNil(t, stored.ResourceGroup)
	assert.Equal(t, "/subscriptions/s/resourceGroups/rg-proj-1", stored.ResourceGroup.ID)
	require.Len(t, env.engine.started, 1)
	assert.Equal(t, projectTemplate, env.engine.started[0].Template)
}

// --- Callbacks ---

func TestProviderSend_WaitsForCallback(t *testing.T) {
	env := newTestEnv(t, testTimings())
	env.addProvider(t, domain.Provider{ID: "a", Registered: registered()})

	env.sender.respond = func(_ domain.Provider, cmd *domain.ProviderCommand) (*domain.CommandResult, error) {
		res := cmd.CreateResult()
		res.RuntimeStatus = domain.RuntimeStatusRunning
		return res, nil
	}

	cmd := newCommand(t, domain.ActionCreate, testProject("a"))
	env.submit(t, cmd)

	waitFor(t, func() bool { return len(env.sender.Calls()) == 1 })

	callback := cmd.CreateResult()
	callback.RuntimeStatus = domain.RuntimeStatusCompleted
	require.NoError(t, callback.SetResult(domain.ProviderOutput{Properties: map[string]string{"repo": "git://a"}}))

	instanceID := providerSendInstanceID(cmd.CommandID.String(), "a")
	require.NoError(t, env.client.RaiseEvent(context.Background(), instanceID, cmd.CommandID.String(), callback))

	res := env.result(t, cmd)
	assert.Equal(t, domain.RuntimeStatusCompleted, res.RuntimeStatus)
	assert.Empty(t, res.Errors)

	project, err := env.repos.Projects.Get(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "git://a", project.ProviderOutputs["a"][domain.CommandProjectCreate]["repo"])
}

func TestProviderSend_CallbackTimeout(t *testing.T) {
	timings := testTimings()
	timings.ProviderCallbackTimeout = 100 * time.Millisecond

	env := newTestEnv(t, timings)
	env.addProvider(t, domain.Provider{ID: "a", Registered: registered()})

	env.sender.respond = func(_ domain.Provider, cmd *domain.ProviderCommand) (*domain.CommandResult, error) {
		res := cmd.CreateResult()
		res.RuntimeStatus = domain.RuntimeStatusRunning
		return res, nil
	}

	cmd := newCommand(t, domain.ActionCreate, testProject("a"))
	env.submit(t, cmd)

	res := env.result(t, cmd)
	assert.Equal(t, domain.RuntimeStatusFailed, res.RuntimeStatus)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, domain.ErrorCodeTimeout, res.Errors[0].Code)
	assert.Len(t, env.callbacks.Invalidated(), 1)
}

// --- Registration ---

func TestProviderSend_RegistersProviderFirst(t *testing.T) {
	env := newTestEnv(t, testTimings())
	env.addProvider(t, domain.Provider{ID: "a"})

	env.sender.respond = func(_ domain.Provider, cmd *domain.ProviderCommand) (*domain.CommandResult, error) {
		if cmd.Type == domain.CommandProviderRegister {
			return completed(cmd, map[string]string{"version": "2"}), nil
		}
		return completed(cmd, nil), nil
	}

	cmd := newCommand(t, domain.ActionCreate, testProject("a"))
	env.submit(t, cmd)

	res := env.result(t, cmd)
	assert.Equal(t, domain.RuntimeStatusCompleted, res.RuntimeStatus)

	calls := env.sender.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, domain.CommandProviderRegister, calls[0].Type)
	assert.Equal(t, domain.CommandProjectCreate, calls[1].Type)
	assert.Equal(t, "2", calls[1].Properties["version"], "registration properties reach later commands")

	p, err := env.repos.Providers.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, p.IsRegistered())
}

// --- Serialization ---

func TestCommand_SerializesProjectCommands(t *testing.T) {
	env := newTestEnv(t, testTimings())
	env.addProvider(t, domain.Provider{ID: "a", Registered: registered()})

	first := newCommand(t, domain.ActionCreate, testProject("a"))
	second := newCommand(t, domain.ActionDelete, testProject("a"))

	env.sender.respond = func(_ domain.Provider, cmd *domain.ProviderCommand) (*domain.CommandResult, error) {
		res := cmd.CreateResult()
		res.RuntimeStatus = domain.RuntimeStatusCompleted
		if cmd.CommandID == first.CommandID {
			res.RuntimeStatus = domain.RuntimeStatusRunning
		}
		return res, nil
	}

	env.submit(t, first)
	waitFor(t, func() bool { return len(env.sender.Calls()) == 1 })

	env.submit(t, second)
	time.Sleep(200 * time.Millisecond)
	require.Len(t, env.sender.Calls(), 1, "second command waits for the first")

	callback := first.CreateResult()
	callback.RuntimeStatus = domain.RuntimeStatusCompleted
	instanceID := providerSendInstanceID(first.CommandID.String(), "a")
	require.NoError(t, env.client.RaiseEvent(context.Background(), instanceID, first.CommandID.String(), callback))

	assert.Equal(t, domain.RuntimeStatusCompleted, env.result(t, first).RuntimeStatus)
	assert.Equal(t, domain.RuntimeStatusCompleted, env.result(t, second).RuntimeStatus)

	calls := env.sender.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, first.CommandID, calls[0].CommandID)
	assert.Equal(t, second.CommandID, calls[1].CommandID)
	assert.Equal(t, domain.CommandProjectDelete, calls[1].Type)

	_, err := env.repos.Projects.Get(context.Background(), "proj-1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCommand_FailedCommandReleasesProject(t *testing.T) {
	env := newTestEnv(t, testTimings())
	env.addProvider(t, domain.Provider{ID: "a", Registered: registered()})

	first := newCommand(t, domain.ActionCreate, testProject("a"))
	second := newCommand(t, domain.ActionDelete, testProject("a"))

	env.sender.respond = func(p domain.Provider, cmd *domain.ProviderCommand) (*domain.CommandResult, error) {
		if cmd.CommandID == first.CommandID {
			return nil, &provider.StatusError{ProviderID: p.ID, StatusCode: 400, Body: "bad request"}
		}
		return completed(cmd, nil), nil
	}

	env.submit(t, first)
	assert.Equal(t, domain.RuntimeStatusFailed, env.result(t, first).RuntimeStatus)

	// Обёртка упавшей команды завершается штатно и освобождает проект.
	inst, err := env.client.GetStatus(context.Background(), handler.WrapperInstanceID(first.CommandID))
	require.NoError(t, err)
	assert.Equal(t, domain.RuntimeStatusCompleted, inst.Status)

	env.submit(t, second)
	assert.Equal(t, domain.RuntimeStatusCompleted, env.result(t, second).RuntimeStatus)
	require.Len(t, env.sender.Calls(), 2)
}

// --- Project delete ---

func TestProjectDelete_ReversesBatchesAndCleansUp(t *testing.T) {
	env := newTestEnv(t, testTimings())
	env.addProvider(t, domain.Provider{ID: "a", Registered: registered()})
	env.addProvider(t, domain.Provider{ID: "b", DependsOn: []string{"a"}, Registered: registered()})

	group := "/subscriptions/s/resourceGroups/rg-proj-1"
	project := testProject("a", "b")
	project.ResourceGroup = &domain.ResourceGroup{ID: group}
	_, err := env.repos.Projects.Add(context.Background(), project)
	require.NoError(t, err)

	cmd := newCommand(t, domain.ActionDelete, project)
	env.submit(t, cmd)

	res := env.result(t, cmd)
	assert.Equal(t, domain.RuntimeStatusCompleted, res.RuntimeStatus)
	assert.Empty(t, res.Errors)

	calls := env.sender.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "b", calls[0].ProviderID)
	assert.Equal(t, "a", calls[1].ProviderID)

	assert.Equal(t, []string{group}, env.engine.resets)
	assert.Equal(t, []string{group}, env.engine.deletedGroups)

	_, err = env.repos.Projects.Get(context.Background(), "proj-1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

// --- Component tasks ---

func (e *testEnv) seedComponent(t *testing.T) *domain.Component {
	t.Helper()
	ctx := context.Background()

	_, err := e.repos.Projects.Add(ctx, testProject())
	require.NoError(t, err)

	component := &domain.Component{
		ID:           "comp-1",
		Organization: "org-1",
		ProjectID:    "proj-1",
		Type:         domain.ComponentTypeEnvironment,
		Image:        "registry.test/runner:1",
		InputJSON:    `{"size":"small"}`,
	}
	out, err := e.repos.Components.Add(ctx, component)
	require.NoError(t, err)
	return out
}

func TestComponentTaskRun_Succeeds(t *testing.T) {
	env := newTestEnv(t, testTimings())
	env.runner.running = 2
	component := env.seedComponent(t)

	task := &domain.ComponentTask{
		ID:           "task-1",
		Organization: "org-1",
		ProjectID:    component.ProjectID,
		ComponentID:  component.ID,
		Type:         domain.ComponentTaskTypeCreate,
	}
	cmd := newCommand(t, domain.ActionRun, task)
	env.submit(t, cmd)

	res := env.result(t, cmd)
	assert.Equal(t, domain.RuntimeStatusCompleted, res.RuntimeStatus)
	assert.Empty(t, res.Errors)

	stored, err := env.repos.ComponentTasks.Get(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceStateSucceeded, stored.ResourceState)
	require.NotNil(t, stored.ExitCode)
	assert.Equal(t, 0, *stored.ExitCode)
	assert.Equal(t, "task output", stored.Output)

	updated, err := env.repos.Components.Get(context.Background(), component.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceStateSucceeded, updated.ResourceState)

	require.Len(t, env.runner.specs, 1)
	assert.Equal(t, "tandem-task-task-1", env.runner.specs[0].Name)
	assert.Contains(t, env.runner.specs[0].Env, "TANDEM_PROJECT_ID=proj-1")
	assert.Equal(t, []string{stored.ResourceID}, env.runner.removed, "container is removed after the run")
}

func TestComponentTaskRun_FailedExitCode(t *testing.T) {
	env := newTestEnv(t, testTimings())
	env.runner.exitCode = 3
	component := env.seedComponent(t)

	task := &domain.ComponentTask{
		ID:          "task-2",
		ProjectID:   component.ProjectID,
		ComponentID: component.ID,
		Type:        domain.ComponentTaskTypeDelete,
	}
	cmd := newCommand(t, domain.ActionRun, task)
	env.submit(t, cmd)

	res := env.result(t, cmd)
	assert.Equal(t, domain.RuntimeStatusFailed, res.RuntimeStatus)
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, domain.ErrorCodeDeployment, res.Errors[0].Code)
	assert.Contains(t, res.Errors[0].Message, "exit code 3")

	_, err := env.repos.Components.Get(context.Background(), component.ID)
	assert.NoError(t, err, "failed delete task keeps the component")
}

func TestComponentMonitorCommand_StartsSingleMonitor(t *testing.T) {
	env := newTestEnv(t, testTimings())
	component := env.seedComponent(t)

	cmd := newCommand(t, domain.ActionMonitor, component)
	env.submit(t, cmd)

	res := env.result(t, cmd)
	assert.Equal(t, domain.RuntimeStatusCompleted, res.RuntimeStatus)
	assert.Equal(t, componentMonitorInstanceID(component.ID), res.Links["monitor"])

	inst, err := env.client.GetStatus(context.Background(), componentMonitorInstanceID(component.ID))
	require.NoError(t, err)
	assert.False(t, inst.IsDone())

	removed, err := env.repos.Components.Get(context.Background(), component.ID)
	require.NoError(t, err)
	_, err = env.repos.Components.Remove(context.Background(), removed)
	require.NoError(t, err)

	done := env.waitDone(t, componentMonitorInstanceID(component.ID))
	assert.Equal(t, domain.RuntimeStatusCompleted, done.Status, "monitor stops once the component is gone")
}
