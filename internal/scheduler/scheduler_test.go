package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/repo"
)

type fakeQueue struct {
	mu   sync.Mutex
	cmds []*domain.Command
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, cmds ...*domain.Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.cmds = append(q.cmds, cmds...)
	return nil
}

// --- Cron Tests ---

func TestNextDue(t *testing.T) {
	from := time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		cronExpr string
		timezone string
		want     time.Time
	}{
		{
			name:     "every five minutes",
			cronExpr: "*/5 * * * *",
			want:     time.Date(2026, 3, 10, 8, 35, 0, 0, time.UTC),
		},
		{
			name:     "daily at nine",
			cronExpr: "0 9 * * *",
			want:     time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		},
		{
			name:     "daily at nine in Moscow",
			cronExpr: "0 9 * * *",
			timezone: "Europe/Moscow",
			want:     time.Date(2026, 3, 11, 6, 0, 0, 0, time.UTC),
		},
		{
			name:     "invalid timezone falls back to UTC",
			cronExpr: "0 9 * * *",
			timezone: "Mars/Olympus",
			want:     time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := &domain.Schedule{CronExpr: tt.cronExpr, Timezone: tt.timezone}
			got, err := NextDue(sched, from)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestNextDue_InvalidExpr(t *testing.T) {
	_, err := NextDue(&domain.Schedule{CronExpr: "every day"}, time.Now())
	assert.Error(t, err)
}

func TestNextDue_Descriptor(t *testing.T) {
	from := time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)
	got, err := NextDue(&domain.Schedule{CronExpr: "@daily"}, from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), got)
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		expr, tz string
		ok       bool
	}{
		"weekday range":   {"0 */2 * * 1-5", "", true},
		"descriptor":      {"@hourly", "Europe/Moscow", true},
		"missing field":   {"0 9 * *", "", false},
		"minute overflow": {"61 * * * *", "", false},
		"unknown zone":    {"0 9 * * *", "Mars/Olympus", false},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			err := Validate(&domain.Schedule{CronExpr: tt.expr, Timezone: tt.tz})
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

// --- Tick Tests ---

func newTestScheduler(t *testing.T, now time.Time) (*Scheduler, *repo.Repositories, *fakeQueue) {
	t.Helper()

	repos := repo.NewMemoryRepositories()
	queue := &fakeQueue{}
	s := New(Config{
		Schedules:  repos.Schedules,
		Components: repos.Components,
		Queue:      queue,
	})
	s.now = func() time.Time { return now }
	return s, repos, queue
}

func addSchedule(t *testing.T, repos *repo.Repositories, id string, nextDue time.Time, enabled bool) {
	t.Helper()
	_, err := repos.Schedules.Add(context.Background(), &domain.Schedule{
		ID:           id,
		Organization: "org",
		ProjectID:    "proj",
		ComponentID:  "comp",
		TaskTypeName: "backup",
		CronExpr:     "0 * * * *",
		Enabled:      enabled,
		Creator:      "alice",
		NextDueAt:    &nextDue,
	})
	require.NoError(t, err)
}

func addComponent(t *testing.T, repos *repo.Repositories, deleted bool) {
	t.Helper()
	c := &domain.Component{
		ID:           "comp",
		Organization: "org",
		ProjectID:    "proj",
		Type:         domain.ComponentTypeEnvironment,
	}
	if deleted {
		at := time.Now()
		c.Deleted = &at
	}
	_, err := repos.Components.Add(context.Background(), c)
	require.NoError(t, err)
}

func TestTick_EnqueuesDueSchedules(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)
	s, repos, queue := newTestScheduler(t, now)

	addComponent(t, repos, false)
	addSchedule(t, repos, "due", now.Add(-time.Minute), true)
	addSchedule(t, repos, "future", now.Add(time.Hour), true)
	addSchedule(t, repos, "disabled", now.Add(-time.Minute), false)

	require.NoError(t, s.Tick(ctx))

	require.Len(t, queue.cmds, 1)
	cmd := queue.cmds[0]
	assert.Equal(t, domain.CommandComponentTaskRun, cmd.Type)
	assert.Equal(t, domain.ActionRun, cmd.Action)
	assert.Equal(t, "proj", cmd.ProjectID)
	assert.Equal(t, "alice", cmd.User.ID)

	task, err := domain.DecodePayload[domain.ComponentTask](cmd)
	require.NoError(t, err)
	assert.Equal(t, cmd.CommandID.String(), task.ID)
	assert.Equal(t, "due", task.ScheduleID)
	assert.Equal(t, domain.ComponentTaskTypeCustom, task.Type)
	assert.Equal(t, "backup", task.TypeName)

	sched, err := repos.Schedules.Get(ctx, "due")
	require.NoError(t, err)
	assert.Equal(t, cmd.CommandID.String(), sched.LastCommandID)
	require.NotNil(t, sched.NextDueAt)
	assert.True(t, sched.NextDueAt.Equal(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)))

	// Следующий тик в ту же минуту ничего не находит
	require.NoError(t, s.Tick(ctx))
	assert.Len(t, queue.cmds, 1)
}

func TestTick_CommandIDIsStablePerDueTime(t *testing.T) {
	due := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	a := &domain.Schedule{ID: "s1", NextDueAt: &due}
	b := &domain.Schedule{ID: "s1", NextDueAt: &due}
	assert.Equal(t, RunCommandID(a), RunCommandID(b))

	later := due.Add(time.Hour)
	c := &domain.Schedule{ID: "s1", NextDueAt: &later}
	assert.NotEqual(t, RunCommandID(a), RunCommandID(c))
}

func TestTick_SkipsMissingOrDeletedComponent(t *testing.T) {
	for _, deleted := range []bool{false, true} {
		ctx := context.Background()
		now := time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)
		s, repos, queue := newTestScheduler(t, now)

		if deleted {
			addComponent(t, repos, true)
		}
		addSchedule(t, repos, "due", now.Add(-time.Minute), true)

		require.NoError(t, s.Tick(ctx))
		assert.Empty(t, queue.cmds)

		sched, err := repos.Schedules.Get(ctx, "due")
		require.NoError(t, err)
		assert.True(t, sched.NextDueAt.After(now), "next due must move forward")
	}
}

func TestTick_EnqueueFailureKeepsSchedule(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)
	s, repos, queue := newTestScheduler(t, now)
	queue.err = errors.New("broker down")

	addComponent(t, repos, false)
	due := now.Add(-time.Minute)
	addSchedule(t, repos, "due", due, true)

	require.NoError(t, s.Tick(ctx))

	sched, err := repos.Schedules.Get(ctx, "due")
	require.NoError(t, err)
	assert.True(t, sched.NextDueAt.Equal(due), "next due must stay for retry")
	assert.Empty(t, sched.LastCommandID)
}
