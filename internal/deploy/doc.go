// Package deploy — клиент внешнего движка развёртываний и разбор
// идентификаторов облачных ресурсов.
//
// Оркестрации обращаются к движку только из activity: запуск
// развёртывания, опрос состояния, выходные значения, очистка групп
// ресурсов и выдача прав провайдерам.
package deploy
