// Package engine содержит вычисления, не зависящие от среды выполнения.
//
// Включает:
//   - graph.go    — граф зависимостей провайдеров и разбиение на batch
//   - catalog.go  — YAML-каталог провайдеров и его валидация
//   - template.go — рендеринг входных параметров задач ({{ .Inputs.x }})
//
// Функции пакета детерминированы: оркестрации вызывают их напрямую,
// без activity, и результат должен совпадать при каждом replay.
package engine
