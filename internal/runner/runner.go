package runner

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound — контейнер не найден.
var ErrNotFound = errors.New("runner: container not found")

// Spec — описание запускаемого контейнера.
type Spec struct {
	// Name — имя контейнера. Повторный Start с тем же именем
	// возвращает уже созданный контейнер.
	Name   string
	Image  string
	Cmd    []string
	Env    []string
	Labels map[string]string
}

// Status — состояние контейнера.
type Status struct {
	ID         string
	Running    bool
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
}

// Finished возвращает true, если контейнер запускался и уже остановился.
func (s Status) Finished() bool {
	return !s.Running && !s.FinishedAt.IsZero()
}

// Succeeded возвращает true, если контейнер завершился с кодом 0.
func (s Status) Succeeded() bool {
	return s.Finished() && s.ExitCode == 0 && s.Error == ""
}

// Runner запускает контейнеры задач компонентов.
type Runner interface {
	Start(ctx context.Context, spec Spec) (string, error)
	Status(ctx context.Context, id string) (Status, error)
	Logs(ctx context.Context, id string, tail int) (string, error)
	Remove(ctx context.Context, id string) error
}
