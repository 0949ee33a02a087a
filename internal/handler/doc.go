// Package handler выбирает и выполняет обработчик команды.
//
// Состав:
//   - handler.go       — интерфейс Handler и Registry (тип команды → обработчик)
//   - processor.go     — Processor: валидация, аудит, вызов обработчика
//   - orchestration.go — запасной обработчик, запускающий оркестрацию команды
//   - resolver.go      — восстановление CommandResult по id команды
//   - entity.go        — простые Create/Update/Delete над хранилищами
//   - component.go     — компоненты и их задачи (с производными командами)
//   - queue.go         — очередь производных команд
//
// Обработчик никогда не возвращает ошибку: всё, что пошло не так,
// попадает в CommandResult.Errors.
package handler
