package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Tandem/internal/domain"
)

// Пять полей и дескрипторы вида @daily, @every 15m.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate проверяет cron-выражение и timezone schedule.
func Validate(s *domain.Schedule) error {
	if _, err := cronParser.Parse(s.CronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", s.CronExpr, err)
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
		}
	}
	return nil
}

// NextDue возвращает следующий запуск после from в UTC.
//
// Выражение вычисляется в timezone schedule. Сохранённые до проверки
// timezone записи с неизвестным поясом считаются в UTC.
func NextDue(s *domain.Schedule, from time.Time) (time.Time, error) {
	expr, err := cronParser.Parse(s.CronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", s.CronExpr, err)
	}

	loc := time.UTC
	if s.Timezone != "" {
		if l, err := time.LoadLocation(s.Timezone); err == nil {
			loc = l
		}
	}

	next := expr.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q never fires", s.CronExpr)
	}
	return next.UTC(), nil
}
