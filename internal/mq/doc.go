// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений в очереди
//   - consumer.go   — потребление сообщений из очередей
//   - transport.go  — адаптеры durable.Dispatcher, durable.Notifier и очередь команд
//
// Типы сообщений:
//   - command.pending      — команда ожидает запуска оркестрации
//   - instance.ready       — экземпляр оркестрации готов к исполнению
//   - event.raised         — экземпляру отправлено внешнее событие
//   - instance.terminated  — экземпляр остановлен
//   - activity.ready       — activity готова к выполнению
//   - activity.completed   — activity выполнена
package mq
