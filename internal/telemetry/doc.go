// Package telemetry — логирование, метрики и трассировка сервисов Tandem.
//
// Логгер создаётся NewLogger (text или json) и передаётся через context:
// WithLogger кладёт его, FromContext достаёт. Поля command_id, instance_id,
// project_id и provider_id добавляются одноимёнными With* функциями.
//
// Метрики регистрируются через promauto и отдаются на /metrics каждого
// бинарника. Трассировка включается переменной OTEL_ENDPOINT, trace context
// передаётся в заголовках HTTP и AMQP.
package telemetry
