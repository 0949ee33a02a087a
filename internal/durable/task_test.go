package durable

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shaiso/Tandem/internal/domain"
)

// --- Task Tests ---

func TestTask_Await(t *testing.T) {
	task := newTask(1, "test")
	task.complete(json.RawMessage(`{"value":3}`), nil)

	var out struct {
		Value int `json:"value"`
	}
	if err := task.Await(&out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Value != 3 {
		t.Errorf("expected 3, got %d", out.Value)
	}
}

func TestTask_CompleteOnce(t *testing.T) {
	task := newTask(1, "test")
	task.complete(nil, errors.New("first"))
	task.complete(json.RawMessage(`1`), nil)

	if err := task.Err(); err == nil || err.Error() != "first" {
		t.Errorf("expected first completion to win, got %v", err)
	}
}

func TestWhenAll_JoinsErrors(t *testing.T) {
	a, b, c := newTask(1, "a"), newTask(2, "b"), newTask(3, "c")
	a.complete(nil, nil)
	b.complete(nil, ErrEventTimeout)
	c.complete(nil, ErrTerminated)

	err := WhenAll(a, b, c)
	if !errors.Is(err, ErrEventTimeout) || !errors.Is(err, ErrTerminated) {
		t.Errorf("expected joined errors, got %v", err)
	}
}

func TestWhenAny(t *testing.T) {
	slow, fast := newTask(1, "slow"), newTask(2, "fast")

	go func() {
		time.Sleep(10 * time.Millisecond)
		fast.complete(nil, nil)
	}()

	if winner := WhenAny(slow, fast); winner != fast {
		t.Errorf("expected fast task to win")
	}

	// Завершённые задачи выбираются в порядке аргументов.
	slow.complete(nil, nil)
	if winner := WhenAny(slow, fast); winner != slow {
		t.Errorf("expected first completed argument")
	}
}

// --- Retry Tests ---

func TestRetryOptions_Backoff(t *testing.T) {
	opts := RetryOptions{InitialInterval: time.Second, MaxInterval: 5 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}

	for _, tt := range tests {
		if got := opts.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	fixed := RetryOptions{InitialInterval: 100 * time.Millisecond, Fixed: true}
	if got := fixed.Backoff(5); got != 100*time.Millisecond {
		t.Errorf("fixed backoff = %v", got)
	}

	capped := RetryOptions{InitialInterval: 10 * time.Second, MaxInterval: 3 * time.Second}
	if got := capped.Backoff(1); got != 3*time.Second {
		t.Errorf("capped backoff = %v", got)
	}
}

func TestExecuteActivity_UnknownActivity(t *testing.T) {
	res := ExecuteActivity(context.Background(), NewRegistry(), ActivityRequest{Name: "Missing"}, slog.Default())

	if res.Failure == nil || !res.Failure.NonRetryable {
		t.Fatalf("expected non-retryable failure, got %+v", res.Failure)
	}
}

func TestExecuteActivity_Panic(t *testing.T) {
	reg := NewRegistry()
	reg.AddActivity("Panics", func(context.Context, Input) (any, error) {
		panic("boom")
	})

	res := ExecuteActivity(context.Background(), reg, ActivityRequest{Name: "Panics"}, slog.Default())
	if res.Failure == nil {
		t.Fatal("expected failure")
	}
	if res.Attempts != 1 {
		t.Errorf("panic must not be retried, attempts = %d", res.Attempts)
	}
}

// --- Failure Tests ---

func TestFailureFromError_RoundTrip(t *testing.T) {
	ce := domain.NewCommandError(domain.ErrorCodeConflict, "busy")

	f := FailureFromError(ce)
	if f.Type != failureCommandError {
		t.Fatalf("expected CommandError type, got %s", f.Type)
	}

	restored := &TaskFailedError{Name: "X", Failure: *f}
	var got *domain.CommandError
	if !errors.As(restored, &got) || got.Code != domain.ErrorCodeConflict {
		t.Errorf("expected command error to be restored, got %v", restored)
	}

	if !errors.Is(&TaskFailedError{Failure: *FailureFromError(ErrInstanceExists)}, ErrInstanceExists) {
		t.Error("expected ErrInstanceExists to be restored")
	}
}

// --- Logger Tests ---

func TestReplaySafeHandler(t *testing.T) {
	var buf bytes.Buffer
	replaying := true

	logger := slog.New(newReplaySafeHandler(slog.NewTextHandler(&buf, nil), func() bool { return replaying }))

	logger.Info("during replay")
	if buf.Len() != 0 {
		t.Errorf("expected no output during replay, got %q", buf.String())
	}

	replaying = false
	logger.With("k", "v").Info("live")
	if !bytes.Contains(buf.Bytes(), []byte("live")) {
		t.Errorf("expected live record, got %q", buf.String())
	}
}

// --- MemoryStore Tests ---

func TestMemoryStore_CompleteDoesNotOverwriteTerminated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.CreateInstance(ctx, &Instance{ID: "i", Name: "n"}); err != nil {
		t.Fatal(err)
	}

	if ok, _ := store.CompleteInstance(ctx, "i", domain.RuntimeStatusTerminated, nil, nil); !ok {
		t.Fatal("expected first completion to apply")
	}
	if ok, _ := store.CompleteInstance(ctx, "i", domain.RuntimeStatusCompleted, nil, nil); ok {
		t.Error("terminated instance must not be overwritten")
	}

	inst, _ := store.GetInstance(ctx, "i")
	if inst.Status != domain.RuntimeStatusTerminated {
		t.Errorf("expected TERMINATED, got %s", inst.Status)
	}
}

func TestMemoryStore_EventDedupe(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_ = store.EnqueueEvent(ctx, "i", "e", "k1", json.RawMessage(`1`))
	_ = store.EnqueueEvent(ctx, "i", "e", "k1", json.RawMessage(`1`))

	record := HistoryEvent{InstanceID: "i", Seq: 1, Kind: EventReceived, Name: "e", Completed: true}
	if _, ok, _ := store.ReceiveEvent(ctx, "i", "e", record); !ok {
		t.Fatal("expected event")
	}
	record.Seq = 2
	if _, ok, _ := store.ReceiveEvent(ctx, "i", "e", record); ok {
		t.Error("duplicate event must be dropped")
	}
}

func TestMemoryStore_CompletedHistoryIsFinal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_ = store.SaveHistory(ctx, HistoryEvent{InstanceID: "i", Seq: 1, Kind: EventActivityCompleted, Name: "a", Completed: true, Payload: json.RawMessage(`1`)})
	_ = store.SaveHistory(ctx, HistoryEvent{InstanceID: "i", Seq: 1, Kind: EventActivityCompleted, Name: "a", Completed: true, Payload: json.RawMessage(`2`)})

	ev, _ := store.GetHistoryEvent(ctx, "i", 0, 1)
	if ev == nil || string(ev.Payload) != "1" {
		t.Errorf("expected first result to be kept, got %+v", ev)
	}
}

func TestMemoryStore_EntityLock(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	id := EntityID{Name: "Project", Key: "p"}

	if ok, _ := store.TryLockEntity(ctx, id, "a"); !ok {
		t.Fatal("expected lock for a")
	}
	if ok, _ := store.TryLockEntity(ctx, id, "b"); ok {
		t.Error("b must not acquire lock held by a")
	}
	if ok, _ := store.TryLockEntity(ctx, id, "a"); !ok {
		t.Error("lock must be re-entrant for the owner")
	}

	_ = store.UnlockAll(ctx, "a")
	if ok, _ := store.TryLockEntity(ctx, id, "b"); !ok {
		t.Error("expected lock for b after release")
	}
}
