// Package cli реализует инструмент командной строки Tandem.
//
// # Обзор
//
// CLI — клиентская утилита для Tandem API. Работает через HTTP и
// websocket, не импортирует внутренние пакеты системы.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Tandem API. Инкапсулирует запросы, разбор ответов
// (DataResponse, ListResponse, ErrorResponse) и поток /watch.
//
//	client := cli.NewClient("http://localhost:8080", "alice")
//	res, err := client.GetCommand(id)
//
// ## Output
//
// Форматирование вывода: таблицы (text/tabwriter) по умолчанию,
// JSON с флагом --json. Данные идут в stdout, сообщения — в stderr:
//
//	tandem command get ID --json | jq .runtime_status
//
// ## Commands
//
// Cobra-команды по ресурсам:
//   - command: submit, get, watch, terminate
//   - provider: list, show, register
//   - schedule: list, create, show, delete, enable, disable
//
// Файл для command submit — YAML или JSON с полями type, payload и
// необязательными command_id, provider_id.
package cli
