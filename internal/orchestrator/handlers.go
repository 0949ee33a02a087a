package orchestrator

import (
	"context"
	"fmt"

	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
	"github.com/shaiso/Tandem/internal/mq"
	"github.com/shaiso/Tandem/internal/telemetry"
)

// handleCommandPending выполняет команду из очереди.
//
// Ошибки команды остаются в её результате; сообщение подтверждается
// всегда, кроме остановки оркестратора.
func (o *Orchestrator) handleCommandPending(ctx context.Context, delivery *mq.Delivery) error {
	cmd, err := mq.ParsePayload[domain.Command](delivery)
	if err != nil {
		o.logger.Error("failed to parse command.pending payload", "error", err)
		return err
	}
	if o.processor == nil {
		return fmt.Errorf("%w: no command processor", ErrNoRuntime)
	}

	logger := telemetry.WithCommandID(o.logger, cmd.CommandID.String())
	logger.Debug("received command.pending event", "command_type", cmd.Type)

	res := o.processor.Process(ctx, &cmd)
	if ctx.Err() != nil {
		return fmt.Errorf("%w: command %s", ErrOrchestratorStopped, cmd.CommandID)
	}

	if res.HasErrors() {
		logger.Warn("queued command rejected",
			"runtime_status", res.RuntimeStatus,
			"error", res.Err(),
		)
	}
	return nil
}

// handleInstanceReady запускает исполнение экземпляра в этом процессе.
func (o *Orchestrator) handleInstanceReady(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.InstancePayload](delivery)
	if err != nil {
		o.logger.Error("failed to parse instance.ready payload", "error", err)
		return err
	}

	o.logger.Debug("received instance.ready event", "instance_id", payload.InstanceID)
	return o.runtime.InstanceReady(ctx, payload.InstanceID)
}

// handleActivityCompleted записывает результат activity из worker.
func (o *Orchestrator) handleActivityCompleted(ctx context.Context, delivery *mq.Delivery) error {
	res, err := mq.ParsePayload[durable.ActivityResult](delivery)
	if err != nil {
		o.logger.Error("failed to parse activity.completed payload", "error", err)
		return err
	}

	o.logger.Debug("received activity.completed event",
		"instance_id", res.InstanceID,
		"activity", res.Name,
		"seq", res.Seq,
		"failed", res.Failure != nil,
	)

	if err := o.runtime.CompleteActivity(ctx, res); err != nil {
		o.logger.Error("failed to record activity result",
			"instance_id", res.InstanceID,
			"activity", res.Name,
			"error", err,
		)
		return err
	}
	return nil
}

// handleSignal будит ожидания этого процесса. Сигналы рассылаются всем
// оркестраторам, экземпляр которых может исполняться где угодно.
func (o *Orchestrator) handleSignal(ctx context.Context, delivery *mq.Delivery) error {
	switch delivery.Type {
	case mq.MessageTypeEventRaised:
		payload, err := mq.ParsePayload[mq.EventRaisedPayload](delivery)
		if err != nil {
			return err
		}
		return o.runtime.EventRaised(ctx, payload.InstanceID, payload.Name)

	case mq.MessageTypeInstanceTerminated:
		payload, err := mq.ParsePayload[mq.InstancePayload](delivery)
		if err != nil {
			return err
		}
		o.logger.Info("instance terminated", "instance_id", payload.InstanceID)
		return o.runtime.InstanceTerminated(ctx, payload.InstanceID)

	default:
		o.logger.Warn("unknown signal type, dropping", "type", delivery.Type)
		return nil
	}
}
