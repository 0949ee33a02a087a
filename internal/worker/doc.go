// Package worker выполняет activity оркестраций.
//
// # Обзор
//
// Worker — stateless компонент системы Tandem. Оркестратор публикует
// запрос activity (имя, input, retry policy) в activities.ready; Worker
// выполняет его через durable.ExecuteActivity и публикует результат
// в activities.completed, откуда его забирает Runtime оркестратора.
//
//	w := worker.New(worker.Config{
//	    Registry:  registry,
//	    Publisher: publisher,
//	    Conn:      mqConn,
//	    Logger:    logger,
//	})
//
//	if err := w.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Stop()
//
// # Retry
//
// Retry выполняется в процессе (in-process), а не через requeue в RabbitMQ:
// policy приходит вместе с запросом, результат публикуется один раз после
// последней попытки. Ошибки, помеченные durable.NonRetryable, не повторяются.
//
// # Гарантии
//
// Activity выполняется at-least-once: сообщение подтверждается только
// после публикации результата. Повторный результат с тем же (instance,
// generation, seq) оркестратор игнорирует.
package worker
