package worker

import "errors"

// Ошибки воркера.
var (
	// ErrWorkerStopped — воркер остановлен во время выполнения activity.
	ErrWorkerStopped = errors.New("worker stopped")

	// ErrNoBroker — воркер запущен без подключения к RabbitMQ.
	ErrNoBroker = errors.New("worker requires a broker connection")
)
