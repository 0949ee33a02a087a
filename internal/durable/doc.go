// Package durable — среда выполнения долгоживущих оркестраций.
//
// Оркестрация — обычная Go-функция, которая все побочные эффекты делает
// через OrchestrationContext:
//   - CallActivity         — вызов activity (at-least-once, с retry)
//   - CallSubOrchestrator  — вызов под-оркестрации по instance id
//   - CreateTimer          — durable timer
//   - WaitForExternalEvent — ожидание внешнего события по имени, с таймаутом
//   - CallEntity / LockEntity — сериализованный доступ к entity
//   - CurrentTime / NewGUID — детерминированные часы и идентификаторы
//   - ContinueAsNew        — перезапуск с новым input и пустой историей
//
// Каждый вызов получает порядковый номер (seq) и его результат пишется
// в историю экземпляра. После рестарта функция выполняется заново:
// вызовы с записанным результатом возвращают его сразу (replay), поэтому
// код оркестрации обязан быть детерминированным.
//
// Хранилище истории — Store (Postgres в repo, MemoryStore для тестов).
// Доставка activity — Dispatcher (локально или через RabbitMQ).
package durable
