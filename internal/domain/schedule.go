package domain

import "time"

// Schedule — расписание автоматического запуска задачи компонента.
//
// Scheduler проверяет next_due_at и, когда время подошло, отправляет
// ComponentTaskRunCommand для компонента.
type Schedule struct {
	// ID — уникальный идентификатор schedule.
	ID string `json:"id" validate:"required"`

	// Organization — организация-владелец.
	Organization string `json:"organization"`

	// ProjectID — проект компонента.
	ProjectID string `json:"project_id" validate:"required"`

	// ComponentID — компонент, для которого запускается задача.
	ComponentID string `json:"component_id" validate:"required"`

	// TaskType — тип запускаемой задачи (Custom с TypeName, обычно).
	TaskType ComponentTaskType `json:"task_type"`

	// TaskTypeName — имя custom-задачи.
	TaskTypeName string `json:"task_type_name,omitempty"`

	// CronExpr — cron-выражение.
	// Формат: "минуты часы дни месяцы дни_недели"
	// Примеры:
	//   "0 9 * * *"     — каждый день в 9:00
	//   "*/5 * * * *"   — каждые 5 минут
	CronExpr string `json:"cron_expr" validate:"required"`

	// Timezone — часовой пояс для вычисления времени.
	// По умолчанию: "UTC".
	Timezone string `json:"timezone"`

	// Enabled — флаг активности расписания.
	Enabled bool `json:"enabled"`

	// Creator — от чьего имени отправляются команды.
	Creator string `json:"creator,omitempty"`

	// NextDueAt — время следующего запуска.
	NextDueAt *time.Time `json:"next_due_at,omitempty"`

	// LastRunAt — время последнего запуска.
	LastRunAt *time.Time `json:"last_run_at,omitempty"`

	// LastCommandID — последняя отправленная команда.
	LastCommandID string `json:"last_command_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s Schedule) Kind() EntityKind { return KindSchedule }
func (s Schedule) EntityID() string { return s.ID }
func (s Schedule) ProjectScope() string { return s.ProjectID }
func (s Schedule) OrganizationScope() string { return s.Organization }
func (s Schedule) ComponentScope() string { return s.ComponentID }

// IsDue проверяет, пора ли запускать.
func (s *Schedule) IsDue(now time.Time) bool {
	if !s.Enabled {
		return false
	}
	if s.NextDueAt == nil {
		return false
	}
	return now.After(*s.NextDueAt) || now.Equal(*s.NextDueAt)
}

// RecordRun записывает информацию о запуске.
func (s *Schedule) RecordRun(commandID string, nextDue time.Time) {
	now := time.Now()
	s.LastRunAt = &now
	s.LastCommandID = commandID
	s.NextDueAt = &nextDue
	s.UpdatedAt = now
}

// NewTask создаёт задачу компонента для очередного запуска.
func (s *Schedule) NewTask(id string, now time.Time) ComponentTask {
	taskType := s.TaskType
	if taskType == "" {
		taskType = ComponentTaskTypeCustom
	}
	return ComponentTask{
		ID:            id,
		Organization:  s.Organization,
		ProjectID:     s.ProjectID,
		ComponentID:   s.ComponentID,
		Type:          taskType,
		TypeName:      s.TaskTypeName,
		RequestedBy:   s.Creator,
		ScheduleID:    s.ID,
		ResourceState: ResourceStatePending,
		CreatedAt:     now,
	}
}
