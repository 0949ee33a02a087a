// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go          — Handler с DI (processor, resolver, репозитории, logger)
//   - routes.go           — регистрация маршрутов
//   - middleware.go       — middleware (recovery, metrics, logging)
//   - response.go         — унифицированные JSON-ответы и обработка ошибок
//   - dto.go              — Data Transfer Objects (request/response)
//   - command_handler.go  — приём команд, статус, остановка, websocket watch
//   - callback_handler.go — callback провайдеров
//   - provider_handler.go — чтение /providers
//   - schedule_handler.go — чтение /schedules
//
// Всё, что меняет состояние, проходит через команды: POST /api/v1/commands
// возвращает CommandResult, дальнейший статус доступен по Links["status"].
package api
