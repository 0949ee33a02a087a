package mq

import (
	"context"

	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
)

// ActivityPublisher — часть Publisher, нужная ActivityDispatcher.
type ActivityPublisher interface {
	PublishActivityReady(ctx context.Context, req durable.ActivityRequest) error
}

// ActivityDispatcher отправляет activity на исполнение в worker.
// Реализует durable.Dispatcher.
type ActivityDispatcher struct {
	pub ActivityPublisher
}

// NewActivityDispatcher создаёт ActivityDispatcher.
func NewActivityDispatcher(pub ActivityPublisher) *ActivityDispatcher {
	return &ActivityDispatcher{pub: pub}
}

// Dispatch публикует запрос activity.
func (d *ActivityDispatcher) Dispatch(ctx context.Context, req durable.ActivityRequest) error {
	return d.pub.PublishActivityReady(ctx, req)
}

// SignalPublisher — часть Publisher, нужная Notifier.
type SignalPublisher interface {
	PublishInstanceReady(ctx context.Context, instanceID string) error
	PublishEventRaised(ctx context.Context, instanceID, name string) error
	PublishInstanceTerminated(ctx context.Context, instanceID string) error
}

// Notifier рассылает изменения экземпляров через брокер.
// Реализует durable.Notifier.
type Notifier struct {
	pub SignalPublisher
}

// NewNotifier создаёт Notifier.
func NewNotifier(pub SignalPublisher) *Notifier {
	return &Notifier{pub: pub}
}

func (n *Notifier) InstanceReady(ctx context.Context, instanceID string) error {
	return n.pub.PublishInstanceReady(ctx, instanceID)
}

func (n *Notifier) EventRaised(ctx context.Context, instanceID, name string) error {
	return n.pub.PublishEventRaised(ctx, instanceID, name)
}

func (n *Notifier) InstanceTerminated(ctx context.Context, instanceID string) error {
	return n.pub.PublishInstanceTerminated(ctx, instanceID)
}

// CommandPublisher — часть Publisher, нужная CommandQueue.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, cmd *domain.Command) error
}

// CommandQueue — очередь follow-on команд поверх tandem.commands.
type CommandQueue struct {
	pub CommandPublisher
}

// NewCommandQueue создаёт CommandQueue.
func NewCommandQueue(pub CommandPublisher) *CommandQueue {
	return &CommandQueue{pub: pub}
}

// Enqueue ставит команды в очередь по порядку.
func (q *CommandQueue) Enqueue(ctx context.Context, cmds ...*domain.Command) error {
	for _, cmd := range cmds {
		if err := q.pub.PublishCommand(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ durable.Dispatcher = (*ActivityDispatcher)(nil)
	_ durable.Notifier   = (*Notifier)(nil)
)
