package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaiso/Tandem/internal/telemetry"
)

// ActivityRequest — запрос на выполнение activity.
//
// (InstanceID, Generation, Seq) однозначно задают место вызова в истории:
// по ним результат возвращается в оркестрацию.
type ActivityRequest struct {
	InstanceID string          `json:"instance_id"`
	Generation int             `json:"generation"`
	Seq        int             `json:"seq"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
	Retry      RetryOptions    `json:"retry"`
}

// ActivityResult — результат выполнения activity.
type ActivityResult struct {
	InstanceID string          `json:"instance_id"`
	Generation int             `json:"generation"`
	Seq        int             `json:"seq"`
	Name       string          `json:"name"`
	Output     json.RawMessage `json:"output,omitempty"`
	Failure    *FailureDetails `json:"failure,omitempty"`
	Attempts   int             `json:"attempts"`
}

// Dispatcher доставляет запросы activity исполнителю.
//
// Результат возвращается через Runtime.CompleteActivity: напрямую
// (LocalDispatcher) или через очередь (mq.ActivityDispatcher + worker).
type Dispatcher interface {
	Dispatch(ctx context.Context, req ActivityRequest) error
}

// ActivityCompleter принимает результаты activity.
type ActivityCompleter interface {
	CompleteActivity(ctx context.Context, res ActivityResult) error
}

// LocalDispatcher выполняет activity в горутине текущего процесса.
type LocalDispatcher struct {
	registry  *Registry
	completer ActivityCompleter
	logger    *slog.Logger
}

// NewLocalDispatcher создаёт LocalDispatcher.
func NewLocalDispatcher(registry *Registry, completer ActivityCompleter, logger *slog.Logger) *LocalDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalDispatcher{registry: registry, completer: completer, logger: logger}
}

// Dispatch запускает activity и сразу возвращает управление.
func (d *LocalDispatcher) Dispatch(ctx context.Context, req ActivityRequest) error {
	go func() {
		res := ExecuteActivity(ctx, d.registry, req, d.logger)
		if ctx.Err() != nil {
			return
		}
		if err := d.completer.CompleteActivity(context.WithoutCancel(ctx), res); err != nil {
			d.logger.Error("failed to complete activity",
				"activity", req.Name,
				"instance_id", req.InstanceID,
				"error", err,
			)
		}
	}()
	return nil
}

// ExecuteActivity выполняет activity с учётом retry policy запроса.
//
// Ошибки activity не возвращаются, а записываются в ActivityResult.Failure.
func ExecuteActivity(ctx context.Context, registry *Registry, req ActivityRequest, logger *slog.Logger) ActivityResult {
	res := ActivityResult{
		InstanceID: req.InstanceID,
		Generation: req.Generation,
		Seq:        req.Seq,
		Name:       req.Name,
	}

	ctx, span := tracer.Start(ctx, "activity "+req.Name, trace.WithAttributes(
		attribute.String("tandem.instance_id", req.InstanceID),
		attribute.Int("tandem.seq", req.Seq),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		telemetry.ActivityDuration.WithLabelValues(req.Name).Observe(time.Since(start).Seconds())
	}()

	fn, err := registry.Activity(req.Name)
	if err != nil {
		res.Failure = FailureFromError(NonRetryable(err))
		telemetry.ActivitiesExecuted.WithLabelValues(req.Name, "unknown").Inc()
		span.SetStatus(codes.Error, err.Error())
		return res
	}

	policy := req.Retry.withDefaults()
	delays := policy.newBackOff()

	var (
		output any
		runErr error
	)

	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		output, runErr = invokeActivity(ctx, fn, Input(req.Input))
		if runErr == nil {
			break
		}

		if attempt >= policy.MaxAttempts || isNonRetryable(runErr) || ctx.Err() != nil {
			break
		}

		delay := min(delays.NextBackOff(), policy.MaxInterval)
		logger.Debug("retrying activity",
			"activity", req.Name,
			"instance_id", req.InstanceID,
			"attempt", attempt,
			"delay", delay,
			"error", runErr,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}
	}

	if runErr != nil {
		res.Failure = FailureFromError(runErr)
		telemetry.ActivitiesExecuted.WithLabelValues(req.Name, "failed").Inc()
		span.SetStatus(codes.Error, runErr.Error())
		return res
	}

	payload, err := marshalValue(output)
	if err != nil {
		res.Failure = FailureFromError(NonRetryable(fmt.Errorf("encode %s output: %w", req.Name, err)))
		telemetry.ActivitiesExecuted.WithLabelValues(req.Name, "failed").Inc()
		return res
	}

	res.Output = payload
	telemetry.ActivitiesExecuted.WithLabelValues(req.Name, "succeeded").Inc()
	return res
}

// invokeActivity вызывает fn и превращает panic в ошибку.
func invokeActivity(ctx context.Context, fn ActivityFunc, in Input) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NonRetryable(fmt.Errorf("activity panic: %v", r))
		}
	}()
	return fn(ctx, in)
}

// marshalValue сериализует значение; json.RawMessage и nil проходят как есть.
func marshalValue(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return val, nil
	case Input:
		return json.RawMessage(val), nil
	}
	return json.Marshal(v)
}
