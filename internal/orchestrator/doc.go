// Package orchestrator исполняет команды Tandem как долговечные оркестрации.
//
// Пакет состоит из трёх частей:
//   - Orchestrations — оркестрации команд: обёртка с аудитом и
//     сериализацией по проекту, отправка провайдерам по batch,
//     развёртывания, очистка ресурсов, задачи и мониторы компонентов
//   - Activities — всё, что трогает хранилище, провайдеров, движок
//     развёртываний и контейнеры; выполняются в worker
//   - Orchestrator — процесс, хостящий среду выполнения и потребляющий
//     очереди команд, экземпляров, результатов activity и сигналов
//
// Команды одного проекта выполняются строго по очереди: каждая обёртка
// регистрирует себя в entity блокировки проекта и ждёт завершения
// предыдущей команды.
package orchestrator
