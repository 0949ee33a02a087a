// Package runner запускает контейнеры задач компонентов (component task)
// через Docker Engine API.
//
// Runner не ждёт завершения контейнера: оркестрация задачи опрашивает
// Status по таймеру и по завершении забирает логи и удаляет контейнер.
package runner
