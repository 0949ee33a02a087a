// Package scheduler реализует планировщик задач компонентов.
//
// Scheduler выбирает включённые schedules с наступившим next_due_at,
// создаёт по ним ComponentTaskRunCommand и сдвигает next_due_at.
// У удалённого компонента запуск пропускается, next_due_at всё равно сдвигается.
//
// Структура:
//   - scheduler.go — основная логика Scheduler (Tick, processSchedule)
//   - cron.go      — проверка schedule и вычисление следующего запуска
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    Schedules:  repos.Schedules,
//	    Components: repos.Components,
//	    Queue:      mq.NewCommandQueue(publisher),
//	    Logger:     logger,
//	})
//
//	if err := sched.Tick(ctx); err != nil {
//	    logger.Error("scheduler tick failed", "error", err)
//	}
//
// Tick вызывается только лидером: tandem-scheduler держит
// pg_try_advisory_lock на выделенном соединении пула.
package scheduler
