package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Tandem/internal/domain"
)

// ScheduleRepo — репозиторий для работы с schedules.
type ScheduleRepo struct {
	pool *pgxpool.Pool
}

// NewScheduleRepo создаёт новый ScheduleRepo.
func NewScheduleRepo(pool *pgxpool.Pool) *ScheduleRepo {
	return &ScheduleRepo{pool: pool}
}

const scheduleColumns = `id, organization, project_id, component_id, task_type, task_type_name,
	cron_expr, timezone, enabled, creator, next_due_at, last_run_at, last_command_id,
	created_at, updated_at`

// Add создаёт новый schedule.
func (r *ScheduleRepo) Add(ctx context.Context, s *domain.Schedule) (*domain.Schedule, error) {
	query := `
		INSERT INTO schedules (id, organization, project_id, component_id, task_type, task_type_name,
		                       cron_expr, timezone, enabled, creator, next_due_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING ` + scheduleColumns

	taskType := s.TaskType
	if taskType == "" {
		taskType = domain.ComponentTaskTypeCustom
	}
	timezone := s.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	out, err := scanSchedule(r.pool.QueryRow(ctx, query,
		s.ID,
		nullString(s.Organization),
		s.ProjectID,
		s.ComponentID,
		taskType,
		nullString(s.TaskTypeName),
		s.CronExpr,
		timezone,
		s.Enabled,
		nullString(s.Creator),
		s.NextDueAt,
		s.CreatedAt,
		s.UpdatedAt,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert schedule: %w", err)
	}
	return out, nil
}

// Get возвращает schedule по ID.
func (r *ScheduleRepo) Get(ctx context.Context, id string) (*domain.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1`
	return scanSchedule(r.pool.QueryRow(ctx, query, id))
}

// List возвращает schedules в области scope.
func (r *ScheduleRepo) List(ctx context.Context, scope Scope) ([]domain.Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE ($1::text IS NULL OR organization = $1)
		  AND ($2::text IS NULL OR project_id = $2)
		  AND ($3::text IS NULL OR component_id = $3)
		ORDER BY created_at DESC
	`
	rows, err := r.pool.Query(ctx, query,
		nullString(scope.Organization),
		nullString(scope.ProjectID),
		nullString(scope.ComponentID),
	)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	return collectSchedules(rows)
}

// ListDue возвращает schedules, готовые к выполнению.
func (r *ScheduleRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE enabled = true
		  AND next_due_at IS NOT NULL
		  AND next_due_at <= $1
		ORDER BY next_due_at ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	return collectSchedules(rows)
}

// Set обновляет schedule.
func (r *ScheduleRepo) Set(ctx context.Context, s *domain.Schedule) (*domain.Schedule, error) {
	query := `
		UPDATE schedules
		SET task_type = $2, task_type_name = $3, cron_expr = $4, timezone = $5,
		    enabled = $6, creator = $7, next_due_at = $8, updated_at = now()
		WHERE id = $1
		RETURNING ` + scheduleColumns

	return scanSchedule(r.pool.QueryRow(ctx, query,
		s.ID,
		s.TaskType,
		nullString(s.TaskTypeName),
		s.CronExpr,
		s.Timezone,
		s.Enabled,
		nullString(s.Creator),
		s.NextDueAt,
	))
}

// Remove удаляет schedule.
func (r *ScheduleRepo) Remove(ctx context.Context, s *domain.Schedule) (*domain.Schedule, error) {
	query := `DELETE FROM schedules WHERE id = $1 RETURNING ` + scheduleColumns
	return scanSchedule(r.pool.QueryRow(ctx, query, s.ID))
}

// RecordRun записывает информацию о запуске.
func (r *ScheduleRepo) RecordRun(ctx context.Context, id, commandID string, ranAt, nextDue time.Time) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE schedules
		SET last_run_at = $2, last_command_id = $3, next_due_at = $4, updated_at = $2
		WHERE id = $1
	`, id, ranAt, commandID, nextDue)
	if err != nil {
		return fmt.Errorf("record schedule run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Helpers ---

func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var s domain.Schedule
	var organization, taskTypeName, creator, lastCommandID *string

	err := row.Scan(
		&s.ID,
		&organization,
		&s.ProjectID,
		&s.ComponentID,
		&s.TaskType,
		&taskTypeName,
		&s.CronExpr,
		&s.Timezone,
		&s.Enabled,
		&creator,
		&s.NextDueAt,
		&s.LastRunAt,
		&lastCommandID,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}

	s.Organization = derefString(organization)
	s.TaskTypeName = derefString(taskTypeName)
	s.Creator = derefString(creator)
	s.LastCommandID = derefString(lastCommandID)

	return &s, nil
}

func collectSchedules(rows pgx.Rows) ([]domain.Schedule, error) {
	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, *s)
	}
	return schedules, rows.Err()
}

// Проверка соответствия интерфейсу.
var _ ScheduleRepository = (*ScheduleRepo)(nil)
