package repo

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Tandem/internal/domain"
)

func TestMemoryRepository_CRUD(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository[domain.Component]()

	added, err := r.Add(ctx, &domain.Component{ID: "web", Organization: "contoso", ProjectID: "p1", Type: domain.ComponentTypeEnvironment})
	require.NoError(t, err)
	assert.Equal(t, "web", added.ID)

	_, err = r.Add(ctx, &domain.Component{ID: "web", ProjectID: "p1"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	got, err := r.Get(ctx, "web")
	require.NoError(t, err)
	got.DisplayName = "Web"
	_, err = r.Set(ctx, got)
	require.NoError(t, err)

	again, err := r.Get(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, "Web", again.DisplayName)

	_, err = r.Remove(ctx, again)
	require.NoError(t, err)

	_, err = r.Get(ctx, "web")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Set(ctx, again)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepository_StoredCopyIsIsolated(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository[domain.Project]()

	p := &domain.Project{ID: "p1", Organization: "contoso", Properties: map[string]string{"a": "1"}}
	_, err := r.Add(ctx, p)
	require.NoError(t, err)

	p.Properties["a"] = "changed"

	got, err := r.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "1", got.Properties["a"])
}

func TestMemoryRepository_ETag(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository[domain.Project]()

	added, err := r.Add(ctx, &domain.Project{ID: "p1", Organization: "contoso"})
	require.NoError(t, err)
	require.NotEmpty(t, added.ETag)

	first := *added
	second := *added

	first.DisplayName = "first"
	updated, err := r.Set(ctx, &first)
	require.NoError(t, err)
	assert.NotEqual(t, added.ETag, updated.ETag)

	// Вторая запись основана на устаревшей версии
	second.DisplayName = "second"
	_, err = r.Set(ctx, &second)
	assert.ErrorIs(t, err, ErrETagMismatch)

	got, err := r.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "first", got.DisplayName)
}

func TestMemoryRepository_ListScope(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository[domain.ComponentTask]()

	for _, task := range []domain.ComponentTask{
		{ID: "t1", Organization: "contoso", ProjectID: "p1", ComponentID: "web"},
		{ID: "t2", Organization: "contoso", ProjectID: "p1", ComponentID: "db"},
		{ID: "t3", Organization: "contoso", ProjectID: "p2", ComponentID: "web"},
	} {
		task := task
		_, err := r.Add(ctx, &task)
		require.NoError(t, err)
	}

	all, err := r.List(ctx, Scope{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byProject, err := r.List(ctx, Scope{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Len(t, byProject, 2)

	byComponent, err := r.List(ctx, Scope{ProjectID: "p1", ComponentID: "web"})
	require.NoError(t, err)
	require.Len(t, byComponent, 1)
	assert.Equal(t, "t1", byComponent[0].ID)
}

func TestMemoryScheduleRepository_ListDue(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryScheduleRepository()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	earlier := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	for _, s := range []domain.Schedule{
		{ID: "due", ProjectID: "p1", ComponentID: "web", CronExpr: "* * * * *", Enabled: true, NextDueAt: &past},
		{ID: "due-earlier", ProjectID: "p1", ComponentID: "web", CronExpr: "* * * * *", Enabled: true, NextDueAt: &earlier},
		{ID: "future", ProjectID: "p1", ComponentID: "web", CronExpr: "* * * * *", Enabled: true, NextDueAt: &future},
		{ID: "disabled", ProjectID: "p1", ComponentID: "web", CronExpr: "* * * * *", Enabled: false, NextDueAt: &past},
	} {
		s := s
		_, err := r.Add(ctx, &s)
		require.NoError(t, err)
	}

	due, err := r.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "due-earlier", due[0].ID)
	assert.Equal(t, "due", due[1].ID)

	next := now.Add(5 * time.Minute)
	require.NoError(t, r.RecordRun(ctx, "due", "cmd-1", now, next))

	got, err := r.Get(ctx, "due")
	require.NoError(t, err)
	assert.Equal(t, "cmd-1", got.LastCommandID)
	assert.True(t, got.NextDueAt.Equal(next))
}

func TestMemoryAuditLog(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAuditLog()

	cmd := &domain.Command{CommandID: uuid.New(), Type: domain.CommandProjectCreate, ProjectID: "p1"}
	result := cmd.CreateResult()

	require.NoError(t, a.Write(ctx, AuditEntry{CommandID: cmd.CommandID, CommandType: cmd.Type, Event: "started", Command: cmd, Result: result}))

	result.RuntimeStatus = domain.RuntimeStatusCompleted
	require.NoError(t, a.Write(ctx, AuditEntry{CommandID: cmd.CommandID, CommandType: cmd.Type, Event: "finished", Command: cmd, Result: result}))

	got, err := a.GetCommand(ctx, cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ProjectID)

	entries, err := a.ListEntries(ctx, cmd.CommandID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.RuntimeStatusUnknown, entries[0].Result.RuntimeStatus)
	assert.Equal(t, domain.RuntimeStatusCompleted, entries[1].Result.RuntimeStatus)

	_, err = a.GetCommand(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryAuditLog_Claim(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAuditLog()

	cmd := &domain.Command{CommandID: uuid.New(), Type: domain.CommandOrganizationCreate}
	entry := AuditEntry{CommandID: cmd.CommandID, CommandType: cmd.Type, Command: cmd}

	require.NoError(t, a.Claim(ctx, entry))
	assert.ErrorIs(t, a.Claim(ctx, entry), ErrAlreadyExists)

	other := &domain.Command{CommandID: uuid.New(), Type: domain.CommandOrganizationCreate}
	assert.NoError(t, a.Claim(ctx, AuditEntry{CommandID: other.CommandID, CommandType: other.Type, Command: other}))

	entries, err := a.ListEntries(ctx, cmd.CommandID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, AuditEventReceived, entries[0].Event)
}
