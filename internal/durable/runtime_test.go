package durable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Tandem/internal/domain"
)

func newTestRuntime(t *testing.T, store Store, register func(r *Registry)) (*Runtime, *Client) {
	t.Helper()

	if store == nil {
		store = NewMemoryStore()
	}

	registry := NewRegistry()
	if register != nil {
		register(registry)
	}

	rt := New(Config{
		Registry:         registry,
		Store:            store,
		LeaseTTL:         time.Second,
		PollInterval:     10 * time.Millisecond,
		RecoveryInterval: 20 * time.Millisecond,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(rt.Stop)

	return rt, rt.Client()
}

func waitDone(t *testing.T, client *Client, id string) *Instance {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inst, err := client.WaitForCompletion(ctx, id, 10*time.Millisecond)
	require.NoError(t, err, "instance %s did not finish", id)
	return inst
}

var fastRetry = WithRetry(RetryOptions{MaxAttempts: 3, InitialInterval: 5 * time.Millisecond, MaxInterval: 10 * time.Millisecond})

// --- Activity Tests ---

func TestRuntime_CallActivity(t *testing.T) {
	rt, client := newTestRuntime(t, nil, nil)

	rt.Registry().AddActivity("Double", func(_ context.Context, in Input) (any, error) {
		var n int
		if err := in.Decode(&n); err != nil {
			return nil, err
		}
		return n * 2, nil
	})
	rt.Registry().AddOrchestrator("DoubleOrchestration", func(ctx *OrchestrationContext) (any, error) {
		var n int
		if err := ctx.GetInput(&n); err != nil {
			return nil, err
		}
		var out int
		if err := ctx.CallActivity("Double", n).Await(&out); err != nil {
			return nil, err
		}
		return out, nil
	})

	id, err := client.StartNew(context.Background(), "DoubleOrchestration", "", 21)
	require.NoError(t, err)

	inst := waitDone(t, client, id)
	assert.Equal(t, domain.RuntimeStatusCompleted, inst.Status)

	var out int
	require.NoError(t, inst.DecodeOutput(&out))
	assert.Equal(t, 42, out)
}

func TestRuntime_ActivityRetry(t *testing.T) {
	rt, client := newTestRuntime(t, nil, nil)

	var calls atomic.Int32
	rt.Registry().AddActivity("Flaky", func(context.Context, Input) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	rt.Registry().AddOrchestrator("Retry", func(ctx *OrchestrationContext) (any, error) {
		var out string
		err := ctx.CallActivity("Flaky", nil, fastRetry).Await(&out)
		return out, err
	})

	id, err := client.StartNew(context.Background(), "Retry", "", nil)
	require.NoError(t, err)

	inst := waitDone(t, client, id)
	assert.Equal(t, domain.RuntimeStatusCompleted, inst.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRuntime_ActivityFailure(t *testing.T) {
	rt, client := newTestRuntime(t, nil, nil)

	var calls atomic.Int32
	rt.Registry().AddActivity("Broken", func(context.Context, Input) (any, error) {
		calls.Add(1)
		return nil, NonRetryable(domain.NewCommandError(domain.ErrorCodeValidation, "bad input"))
	})
	rt.Registry().AddOrchestrator("Failing", func(ctx *OrchestrationContext) (any, error) {
		err := ctx.CallActivity("Broken", nil, fastRetry).Err()

		// Доменная ошибка восстанавливается из истории.
		var ce *domain.CommandError
		if !errors.As(err, &ce) || ce.Code != domain.ErrorCodeValidation {
			return nil, fmt.Errorf("unexpected error: %v", err)
		}
		return nil, err
	})

	id, err := client.StartNew(context.Background(), "Failing", "", nil)
	require.NoError(t, err)

	inst := waitDone(t, client, id)
	assert.Equal(t, domain.RuntimeStatusFailed, inst.Status)
	require.NotNil(t, inst.Failure)
	assert.Equal(t, failureCommandError, inst.Failure.Type)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRuntime_WhenAll(t *testing.T) {
	rt, client := newTestRuntime(t, nil, nil)

	rt.Registry().AddActivity("Square", func(_ context.Context, in Input) (any, error) {
		var n int
		_ = in.Decode(&n)
		return n * n, nil
	})
	rt.Registry().AddOrchestrator("FanOut", func(ctx *OrchestrationContext) (any, error) {
		tasks := make([]*Task, 0, 5)
		for i := 1; i <= 5; i++ {
			tasks = append(tasks, ctx.CallActivity("Square", i))
		}
		if err := WhenAll(tasks...); err != nil {
			return nil, err
		}

		sum := 0
		for _, task := range tasks {
			var v int
			if err := task.Await(&v); err != nil {
				return nil, err
			}
			sum += v
		}
		return sum, nil
	})

	id, err := client.StartNew(context.Background(), "FanOut", "", nil)
	require.NoError(t, err)

	inst := waitDone(t, client, id)
	var sum int
	require.NoError(t, inst.DecodeOutput(&sum))
	assert.Equal(t, 55, sum)
}

// --- External Event Tests ---

func TestRuntime_WaitForExternalEvent(t *testing.T) {
	rt, client := newTestRuntime(t, nil, nil)

	rt.Registry().AddOrchestrator("Approval", func(ctx *OrchestrationContext) (any, error) {
		var answer string
		if err := ctx.WaitForExternalEvent("Approved", 0).Await(&answer); err != nil {
			return nil, err
		}
		return answer, nil
	})

	id, err := client.StartNew(context.Background(), "Approval", "approval-1", nil)
	require.NoError(t, err)

	require.NoError(t, client.RaiseEvent(context.Background(), id, "Approved", "yes"))

	inst := waitDone(t, client, id)
	assert.Equal(t, domain.RuntimeStatusCompleted, inst.Status)

	var answer string
	require.NoError(t, inst.DecodeOutput(&answer))
	assert.Equal(t, "yes", answer)
}

func TestRuntime_WaitForExternalEvent_Timeout(t *testing.T) {
	rt, client := newTestRuntime(t, nil, nil)

	rt.Registry().AddOrchestrator("Impatient", func(ctx *OrchestrationContext) (any, error) {
		err := ctx.WaitForExternalEvent("Never", 50*time.Millisecond).Err()
		if errors.Is(err, ErrEventTimeout) {
			return "timed out", nil
		}
		return nil, fmt.Errorf("expected timeout, got %v", err)
	})

	id, err := client.StartNew(context.Background(), "Impatient", "", nil)
	require.NoError(t, err)

	inst := waitDone(t, client, id)
	assert.Equal(t, domain.RuntimeStatusCompleted, inst.Status)
}

func TestRuntime_RaiseEventBetweenInstances(t *testing.T) {
	rt, client := newTestRuntime(t, nil, nil)

	rt.Registry().AddOrchestrator("Receiver", func(ctx *OrchestrationContext) (any, error) {
		var v int
		err := ctx.WaitForExternalEvent("Ping", 0).Await(&v)
		return v, err
	})
	rt.Registry().AddOrchestrator("Sender", func(ctx *OrchestrationContext) (any, error) {
		return nil, ctx.RaiseEvent("receiver-1", "Ping", 7)
	})

	_, err := client.StartNew(context.Background(), "Receiver", "receiver-1", nil)
	require.NoError(t, err)
	_, err = client.StartNew(context.Background(), "Sender", "sender-1", nil)
	require.NoError(t, err)

	inst := waitDone(t, client, "receiver-1")
	var v int
	require.NoError(t, inst.DecodeOutput(&v))
	assert.Equal(t, 7, v)
}

// --- Sub-orchestration Tests ---

func TestRuntime_CallSubOrchestrator(t *testing.T) {
	rt, client := newTestRuntime(t, nil, nil)

	rt.Registry().AddOrchestrator("Child", func(ctx *OrchestrationContext) (any, error) {
		var name string
		_ = ctx.GetInput(&name)
		return "hello " + name, nil
	})
	rt.Registry().AddOrchestrator("Parent", func(ctx *OrchestrationContext) (any, error) {
		var out string
		err := ctx.CallSubOrchestrator("Child", "child-1", "tandem").Await(&out)
		return out, err
	})

	id, err := client.StartNew(context.Background(), "Parent", "parent-1", nil)
	require.NoError(t, err)

	inst := waitDone(t, client, id)
	var out string
	require.NoError(t, inst.DecodeOutput(&out))
	assert.Equal(t, "hello tandem", out)

	child, err := client.GetStatus(context.Background(), "child-1")
	require.NoError(t, err)
	assert.Equal(t, "parent-1", child.ParentID)
}

func TestRuntime_CallSubOrchestrator_InstanceExists(t *testing.T) {
	rt, client := newTestRuntime(t, nil, nil)

	rt.Registry().AddOrchestrator("Child", func(ctx *OrchestrationContext) (any, error) {
		return "first", nil
	})
	rt.Registry().AddOrchestrator("Parent", func(ctx *OrchestrationContext) (any, error) {
		err := ctx.CallSubOrchestrator("Child", "shared", nil).Err()
		if errors.Is(err, ErrInstanceExists) {
			return "exists", nil
		}
		return nil, fmt.Errorf("expected instance exists, got %v", err)
	})

	_, err := client.StartNew(context.Background(), "Child", "shared", nil)
	require.NoError(t, err)
	waitDone(t, client, "shared")

	id, err := client.StartNew(context.Background(), "Parent", "", nil)
	require.NoError(t, err)

	inst := waitDone(t, client, id)
	assert.Equal(t, domain.RuntimeStatusCompleted, inst.Status)
	var out string
	require.NoError(t, inst.DecodeOutput(&out))
	assert.Equal(t, "exists", out)
}

func TestRuntime_CallSubOrchestrator_AllowExisting(t *testing.T) {
	rt, client := newTestRuntime(t, nil, nil)

	rt.Registry().AddOrchestrator("Child", func(ctx *OrchestrationContext) (any, error) {
		return "shared result", nil
	})
	rt.Registry().AddOrchestrator("Parent", func(ctx *OrchestrationContext) (any, error) {
		var out string
		err := ctx.CallSubOrchestrator("Child", "shared", nil, AllowExisting()).Await(&out)
		return out, err
	})

	_, err := client.StartNew(context.Background(), "Child", "shared", nil)
	require.NoError(t, err)

	id, err := client.StartNew(context.Background(), "Parent", "", nil)
	require.NoError(t, err)

	inst := waitDone(t, client, id)
	var out string
	require.NoError(t, inst.DecodeOutput(&out))
	assert.Equal(t, "shared result", out)
}

// --- Timer Tests ---

func TestRuntime_CreateTimer(t *testing.T) {
	rt, client := newTestRuntime(t, nil, nil)

	rt.Registry().AddOrchestrator("Sleeper", func(ctx *OrchestrationContext) (any, error) {
		start := ctx.CurrentTime()
		if err := ctx.CreateTimer(30 * time.Millisecond).Err(); err != nil {
			return nil, err
		}
		return time.Since(start) >= 30*time.Millisecond, nil
	})

	id, err := client.StartNew(context.Background(), "Sleeper", "", nil)
	require.NoError(t, err)

	inst := waitDone(t, client, id)
	var slept bool
	require.NoError(t, inst.DecodeOutput(&slept))
	assert.True(t, slept)
}

// --- ContinueAsNew Tests ---

func TestRuntime_ContinueAsNew(t *testing.T) {
	rt, client := newTestRuntime(t, nil, nil)

	rt.Registry().AddOrchestrator("Counter", func(ctx *OrchestrationContext) (any, error) {
		var n int
		_ = ctx.GetInput(&n)
		if n < 3 {
			return nil, ctx.ContinueAsNew(n + 1)
		}
		return ctx.Generation(), nil
	})

	id, err := client.StartNew(context.Background(), "Counter", "", 0)
	require.NoError(t, err)

	inst := waitDone(t, client, id)
	assert.Equal(t, domain.RuntimeStatusCompleted, inst.Status)

	var generation int
	require.NoError(t, inst.DecodeOutput(&generation))
	assert.Equal(t, 3, generation)
}

// --- Replay Tests ---

func TestRuntime_ReplayUsesRecordedResult(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Экземпляр с уже записанным результатом activity "Lookup".
	require.NoError(t, store.CreateInstance(ctx, &Instance{ID: "replay-1", Name: "Replay"}))
	require.NoError(t, store.SaveHistory(ctx, HistoryEvent{
		InstanceID: "replay-1",
		Seq:        1,
		Kind:       EventActivityCompleted,
		Name:       "Lookup",
		Completed:  true,
		Payload:    []byte(`"recorded"`),
	}))

	// Activity не зарегистрирована: результат может прийти только из истории.
	_, client := newTestRuntime(t, store, func(r *Registry) {
		r.AddOrchestrator("Replay", func(ctx *OrchestrationContext) (any, error) {
			var out string
			err := ctx.CallActivity("Lookup", nil).Await(&out)
			return out, err
		})
	})

	inst := waitDone(t, client, "replay-1")
	assert.Equal(t, domain.RuntimeStatusCompleted, inst.Status)

	var out string
	require.NoError(t, inst.DecodeOutput(&out))
	assert.Equal(t, "recorded", out)
}

func TestRuntime_ReplayKeepsAnonymousChildIDs(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	parent := &Instance{ID: "restart-1", Name: "FanOut"}
	ids := newOrchestrationContext(ctx, func(error) {}, New(Config{Store: store, Logger: logger}), parent, nil)
	firstID, secondID := ids.NewGUID().String(), ids.NewGUID().String()

	// До рестарта успел завершиться только первый дочерний экземпляр.
	require.NoError(t, store.CreateInstance(ctx, parent))
	require.NoError(t, store.CreateInstance(ctx, &Instance{
		ID:       firstID,
		Name:     "Echo",
		ParentID: parent.ID,
		Status:   domain.RuntimeStatusCompleted,
		Output:   []byte(`"a"`),
	}))
	require.NoError(t, store.SaveHistory(ctx, HistoryEvent{
		InstanceID: parent.ID,
		Seq:        1,
		Kind:       EventSubOrchestrationCompleted,
		Name:       "Echo",
		Completed:  true,
		Payload:    []byte(`"a"`),
	}))

	_, client := newTestRuntime(t, store, func(r *Registry) {
		r.AddOrchestrator("Echo", func(ctx *OrchestrationContext) (any, error) {
			var in string
			err := ctx.GetInput(&in)
			return in, err
		})
		r.AddOrchestrator("FanOut", func(ctx *OrchestrationContext) (any, error) {
			var a, b string
			if err := ctx.CallSubOrchestrator("Echo", "", "a").Await(&a); err != nil {
				return nil, err
			}
			if err := ctx.CallSubOrchestrator("Echo", "", "b").Await(&b); err != nil {
				return nil, err
			}
			return a + b, nil
		})
	})

	inst := waitDone(t, client, parent.ID)
	require.Equal(t, domain.RuntimeStatusCompleted, inst.Status)

	var out string
	require.NoError(t, inst.DecodeOutput(&out))
	assert.Equal(t, "ab", out)

	second, err := client.GetStatus(ctx, secondID)
	require.NoError(t, err)
	assert.Equal(t, parent.ID, second.ParentID)
}

func TestRuntime_ReplayNonDeterministic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.CreateInstance(ctx, &Instance{ID: "replay-2", Name: "Changed"}))
	require.NoError(t, store.SaveHistory(ctx, HistoryEvent{
		InstanceID: "replay-2",
		Seq:        1,
		Kind:       EventActivityCompleted,
		Name:       "OldActivity",
		Completed:  true,
	}))

	_, client := newTestRuntime(t, store, func(r *Registry) {
		r.AddOrchestrator("Changed", func(ctx *OrchestrationContext) (any, error) {
			return nil, ctx.CallActivity("NewActivity", nil).Err()
		})
	})

	inst := waitDone(t, client, "replay-2")
	assert.Equal(t, domain.RuntimeStatusFailed, inst.Status)
	require.NotNil(t, inst.Failure)
	assert.Equal(t, failureNonDeterminism, inst.Failure.Type)
}

func TestOrchestrationContext_NewGUIDDeterministic(t *testing.T) {
	rt := New(Config{Store: NewMemoryStore(), Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	inst := &Instance{ID: "guid", Generation: 2}

	first := newOrchestrationContext(context.Background(), func(error) {}, rt, inst, nil)
	second := newOrchestrationContext(context.Background(), func(error) {}, rt, inst, nil)

	a1, a2 := first.NewGUID(), first.NewGUID()
	b1, b2 := second.NewGUID(), second.NewGUID()

	assert.Equal(t, a1, b1)
	assert.Equal(t, a2, b2)
	assert.NotEqual(t, a1, a2)
}

// --- Entity Tests ---

func TestRuntime_CallEntity(t *testing.T) {
	rt, client := newTestRuntime(t, nil, nil)

	rt.Registry().AddEntity("Counter", func(ec *EntityContext) error {
		var state int
		if err := ec.GetState(&state); err != nil {
			return err
		}
		var delta int
		if err := ec.GetInput(&delta); err != nil {
			return err
		}
		state += delta
		if err := ec.SetState(state); err != nil {
			return err
		}
		return ec.Return(state)
	})
	rt.Registry().AddOrchestrator("Adder", func(ctx *OrchestrationContext) (any, error) {
		var total int
		err := ctx.CallEntity(EntityID{Name: "Counter", Key: "k"}, "add", 5).Await(&total)
		return total, err
	})

	for i := 0; i < 3; i++ {
		id, err := client.StartNew(context.Background(), "Adder", "", nil)
		require.NoError(t, err)
		waitDone(t, client, id)
	}

	var state int
	found, err := client.GetEntityState(context.Background(), EntityID{Name: "Counter", Key: "k"}, &state)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 15, state)
}

func TestRuntime_LockEntity(t *testing.T) {
	rt, client := newTestRuntime(t, nil, nil)
	resource := EntityID{Name: "Project", Key: "p1"}

	rt.Registry().AddOrchestrator("Holder", func(ctx *OrchestrationContext) (any, error) {
		lock, err := ctx.LockEntity(resource)
		if err != nil {
			return nil, err
		}
		if err := ctx.WaitForExternalEvent("Release", 0).Err(); err != nil {
			return nil, err
		}
		return nil, lock.Release()
	})
	rt.Registry().AddOrchestrator("Waiter", func(ctx *OrchestrationContext) (any, error) {
		lock, err := ctx.LockEntity(resource)
		if err != nil {
			return nil, err
		}
		return "locked", lock.Release()
	})

	_, err := client.StartNew(context.Background(), "Holder", "holder", nil)
	require.NoError(t, err)

	// Holder должен взять блокировку первым.
	require.Eventually(t, func() bool {
		inst, err := client.GetStatus(context.Background(), "holder")
		return err == nil && inst.Status == domain.RuntimeStatusRunning
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	_, err = client.StartNew(context.Background(), "Waiter", "waiter", nil)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	waiter, err := client.GetStatus(context.Background(), "waiter")
	require.NoError(t, err)
	assert.False(t, waiter.IsDone(), "waiter must block while the entity is locked")

	require.NoError(t, client.RaiseEvent(context.Background(), "holder", "Release", nil))

	assert.Equal(t, domain.RuntimeStatusCompleted, waitDone(t, client, "holder").Status)
	assert.Equal(t, domain.RuntimeStatusCompleted, waitDone(t, client, "waiter").Status)
}

// --- Lifecycle Tests ---

func TestRuntime_Terminate(t *testing.T) {
	rt, client := newTestRuntime(t, nil, nil)

	rt.Registry().AddOrchestrator("Forever", func(ctx *OrchestrationContext) (any, error) {
		return nil, ctx.WaitForExternalEvent("Never", 0).Err()
	})

	id, err := client.StartNew(context.Background(), "Forever", "", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rt.ActiveCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Terminate(context.Background(), id, "stopped by test"))

	inst := waitDone(t, client, id)
	assert.Equal(t, domain.RuntimeStatusTerminated, inst.Status)
	require.NotNil(t, inst.Failure)
	assert.Equal(t, "stopped by test", inst.Failure.Message)

	require.Eventually(t, func() bool { return rt.ActiveCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRuntime_UnknownOrchestrator(t *testing.T) {
	_, client := newTestRuntime(t, nil, nil)

	id, err := client.StartNew(context.Background(), "Missing", "", nil)
	require.NoError(t, err)

	inst := waitDone(t, client, id)
	assert.Equal(t, domain.RuntimeStatusFailed, inst.Status)
}

func TestClient_StartNew_InstanceExists(t *testing.T) {
	client := NewClient(NewMemoryStore(), nil, nil)

	_, err := client.StartNew(context.Background(), "Any", "dup", nil)
	require.NoError(t, err)

	_, err = client.StartNew(context.Background(), "Any", "dup", nil)
	assert.ErrorIs(t, err, ErrInstanceExists)
}

func TestRuntime_RecoversPendingInstances(t *testing.T) {
	store := NewMemoryStore()

	// Экземпляр создан без уведомления: его подберёт recovery.
	client := NewClient(store, nil, nil)
	id, err := client.StartNew(context.Background(), "Late", "", nil)
	require.NoError(t, err)

	newTestRuntime(t, store, func(r *Registry) {
		r.AddOrchestrator("Late", func(ctx *OrchestrationContext) (any, error) {
			return "picked up", nil
		})
	})

	inst := waitDone(t, client, id)
	assert.Equal(t, domain.RuntimeStatusCompleted, inst.Status)
}
