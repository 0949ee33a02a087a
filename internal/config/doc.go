// Package config — конфигурация сервисов из переменных окружения.
//
// Каждый бинарник читает свою структуру (API, Orchestrator, Worker,
// Scheduler); общие секции (Database, Broker, Redis, Callback, Log)
// встраиваются в неё.
package config
