// Package provider отправляет команды внешним исполнителям (провайдерам).
//
// Client выполняет один HTTP-запрос; повторы делает retry policy activity.
// Limiter ограничивает частоту запросов к каждому провайдеру, чтобы
// fan-out большой команды не перегружал один провайдер.
package provider
