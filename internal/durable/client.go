package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tandem/internal/domain"
)

// Client управляет экземплярами: создаёт, опрашивает, отправляет события
// и останавливает. Работает в любом процессе с доступом к Store.
type Client struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
}

// NewClient создаёт Client. notifier может быть nil: тогда Runtime
// узнает о новых экземплярах через recovery polling.
func NewClient(store Store, notifier Notifier, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{store: store, notifier: notifier, logger: logger}
}

// StartNew создаёт экземпляр оркестрации name. Пустой instanceID
// заменяется случайным. ErrInstanceExists, если id занят.
func (c *Client) StartNew(ctx context.Context, name, instanceID string, input any) (string, error) {
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	payload, err := marshalValue(input)
	if err != nil {
		return "", fmt.Errorf("encode orchestration input: %w", err)
	}

	if err := c.store.CreateInstance(ctx, &Instance{ID: instanceID, Name: name, Input: payload}); err != nil {
		return "", err
	}

	if c.notifier != nil {
		if err := c.notifier.InstanceReady(ctx, instanceID); err != nil {
			c.logger.Warn("failed to notify instance ready, relying on recovery",
				"instance_id", instanceID,
				"error", err,
			)
		}
	}

	return instanceID, nil
}

// GetStatus возвращает экземпляр. ErrInstanceNotFound, если его нет.
func (c *Client) GetStatus(ctx context.Context, instanceID string) (*Instance, error) {
	return c.store.GetInstance(ctx, instanceID)
}

// ListInstances возвращает экземпляры по фильтру.
func (c *Client) ListInstances(ctx context.Context, filter InstanceFilter) ([]Instance, error) {
	return c.store.ListInstances(ctx, filter)
}

// RaiseEvent отправляет экземпляру внешнее событие.
func (c *Client) RaiseEvent(ctx context.Context, instanceID, name string, payload any) error {
	return c.RaiseEventOnce(ctx, instanceID, name, "", payload)
}

// RaiseEventOnce отправляет событие с ключом дедупликации: повторная
// отправка с тем же dedupeKey не создаёт второго события.
func (c *Client) RaiseEventOnce(ctx context.Context, instanceID, name, dedupeKey string, payload any) error {
	if _, err := c.store.GetInstance(ctx, instanceID); err != nil {
		return err
	}

	data, err := marshalValue(payload)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", name, err)
	}

	if err := c.store.EnqueueEvent(ctx, instanceID, name, dedupeKey, data); err != nil {
		return fmt.Errorf("enqueue event %s: %w", name, err)
	}

	if c.notifier != nil {
		if err := c.notifier.EventRaised(ctx, instanceID, name); err != nil {
			c.logger.Warn("failed to notify event", "instance_id", instanceID, "event", name, "error", err)
		}
	}
	return nil
}

// Terminate останавливает экземпляр со статусом TERMINATED.
// Завершённые экземпляры не меняются.
func (c *Client) Terminate(ctx context.Context, instanceID, reason string) error {
	failure := &FailureDetails{Type: failureTerminated, Message: reason}
	updated, err := c.store.CompleteInstance(ctx, instanceID, domain.RuntimeStatusTerminated, nil, failure)
	if err != nil {
		return err
	}
	if !updated {
		return nil
	}

	if err := c.store.UnlockAll(ctx, instanceID); err != nil {
		c.logger.Warn("failed to unlock entities of terminated instance", "instance_id", instanceID, "error", err)
	}

	c.logger.Info("orchestration terminated", "instance_id", instanceID, "reason", reason)

	if c.notifier != nil {
		if err := c.notifier.InstanceTerminated(ctx, instanceID); err != nil {
			c.logger.Warn("failed to notify termination", "instance_id", instanceID, "error", err)
		}
	}
	return nil
}

// WaitForCompletion опрашивает экземпляр, пока он не завершится.
func (c *Client) WaitForCompletion(ctx context.Context, instanceID string, poll time.Duration) (*Instance, error) {
	if poll <= 0 {
		poll = defaultPollInterval
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		inst, err := c.store.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		if inst.IsDone() {
			return inst, nil
		}

		select {
		case <-ctx.Done():
			return inst, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Purge удаляет завершённый экземпляр вместе с историей.
func (c *Client) Purge(ctx context.Context, instanceID string) error {
	inst, err := c.store.GetInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, ErrInstanceNotFound) {
			return nil
		}
		return err
	}
	if !inst.IsDone() {
		return fmt.Errorf("purge %s: instance is %s", instanceID, inst.Status)
	}
	return c.store.PurgeInstance(ctx, instanceID)
}

// GetEntityState разбирает состояние entity в v. Возвращает false, если состояния нет.
func (c *Client) GetEntityState(ctx context.Context, id EntityID, v any) (bool, error) {
	state, err := c.store.GetEntity(ctx, id)
	if err != nil {
		return false, err
	}
	if len(state) == 0 {
		return false, nil
	}
	return true, json.Unmarshal(state, v)
}
