package handler

import (
	"context"
	"sync"

	"github.com/shaiso/Tandem/internal/domain"
)

// Queue — очередь производных команд (только добавление).
// Порядок между разными типами команд не гарантируется.
type Queue interface {
	Enqueue(ctx context.Context, cmds ...*domain.Command) error
}

// MemoryQueue — Queue в памяти процесса. Используется в тестах
// и в локальном режиме без брокера.
type MemoryQueue struct {
	mu   sync.Mutex
	cmds []*domain.Command
}

// NewMemoryQueue создаёт пустую очередь.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(_ context.Context, cmds ...*domain.Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cmds = append(q.cmds, cmds...)
	return nil
}

// Drain возвращает накопленные команды и очищает очередь.
func (q *MemoryQueue) Drain() []*domain.Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.cmds
	q.cmds = nil
	return out
}

// Len возвращает количество команд в очереди.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.cmds)
}
