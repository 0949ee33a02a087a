package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/repo"
)

// runNamespace — namespace для идентификаторов команд запуска по расписанию.
var runNamespace = uuid.MustParse("0f6b3a52-7d0e-4c5e-9a8e-3f1d2b7c4e90")

// Queue — очередь команд, куда scheduler отправляет запуски задач.
type Queue interface {
	Enqueue(ctx context.Context, cmds ...*domain.Command) error
}

// Scheduler — планировщик, запускающий задачи компонентов по расписанию.
type Scheduler struct {
	schedules  repo.ScheduleRepository
	components repo.Repository[domain.Component]
	queue      Queue
	logger     *slog.Logger
	batchSize  int
	now        func() time.Time
}

// Config — конфигурация Scheduler.
type Config struct {
	Schedules  repo.ScheduleRepository
	Components repo.Repository[domain.Component]
	Queue      Queue
	Logger     *slog.Logger
	BatchSize  int // количество schedules за один тик (default: 100)
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		schedules:  cfg.Schedules,
		components: cfg.Components,
		queue:      cfg.Queue,
		logger:     logger,
		batchSize:  batchSize,
		now:        time.Now,
	}
}

// Tick выполняет один тик планировщика.
//
// 1. Находит due schedules (enabled, next_due_at <= now)
// 2. Для каждого отправляет ComponentTaskRunCommand
// 3. Сдвигает next_due_at
//
// Ошибки одного schedule не блокируют обработку остальных.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now().UTC()

	schedules, err := s.schedules.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}
	if len(schedules) == 0 {
		return nil
	}

	s.logger.Debug("found due schedules", "count", len(schedules))

	var enqueued int
	for i := range schedules {
		sched := &schedules[i]

		ok, err := s.processSchedule(ctx, sched, now)
		if err != nil {
			s.logger.Error("failed to process schedule",
				"schedule_id", sched.ID,
				"component_id", sched.ComponentID,
				"error", err,
			)
			continue
		}
		if ok {
			enqueued++
		}
	}

	s.logger.Info("scheduler tick completed",
		"due", len(schedules),
		"commands_enqueued", enqueued,
	)
	return nil
}

// processSchedule обрабатывает один schedule.
// Возвращает true, если команда запуска отправлена.
func (s *Scheduler) processSchedule(ctx context.Context, sched *domain.Schedule, now time.Time) (bool, error) {
	nextDue, err := NextDue(sched, now)
	if err != nil {
		// Некорректное выражение — next_due_at не трогаем
		s.logger.Error("failed to calculate next due",
			"schedule_id", sched.ID,
			"error", err,
		)
		return false, nil
	}

	component, err := s.components.Get(ctx, sched.ComponentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.logger.Warn("component not found for schedule, skipping",
				"schedule_id", sched.ID,
				"component_id", sched.ComponentID,
			)
			return false, s.schedules.RecordRun(ctx, sched.ID, sched.LastCommandID, now, nextDue)
		}
		return false, fmt.Errorf("get component: %w", err)
	}
	if component.Deleted != nil {
		return false, s.schedules.RecordRun(ctx, sched.ID, sched.LastCommandID, now, nextDue)
	}

	// Один запуск на (schedule, next_due_at): повторный тик после сбоя
	// отправит команду с тем же id, и оркестрация не запустится дважды.
	commandID := RunCommandID(sched)

	task := sched.NewTask(commandID.String(), now)
	user := domain.SystemUser
	if sched.Creator != "" {
		user = domain.User{ID: sched.Creator, Role: domain.UserRoleService}
	}

	cmd, err := domain.NewCommand(user, domain.ActionRun, task, domain.WithCommandID(commandID))
	if err != nil {
		return false, fmt.Errorf("create command: %w", err)
	}

	if err := s.queue.Enqueue(ctx, cmd); err != nil {
		return false, fmt.Errorf("enqueue command: %w", err)
	}

	s.logger.Info("component task scheduled",
		"schedule_id", sched.ID,
		"component_id", sched.ComponentID,
		"command_id", commandID,
		"next_due_at", nextDue,
	)

	if err := s.schedules.RecordRun(ctx, sched.ID, commandID.String(), now, nextDue); err != nil {
		return true, fmt.Errorf("record run: %w", err)
	}
	return true, nil
}

// RunCommandID возвращает id команды запуска для текущего next_due_at schedule.
func RunCommandID(sched *domain.Schedule) uuid.UUID {
	var due int64
	if sched.NextDueAt != nil {
		due = sched.NextDueAt.Unix()
	}
	return uuid.NewSHA1(runNamespace, []byte(fmt.Sprintf("%s_%d", sched.ID, due)))
}
