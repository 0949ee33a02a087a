package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shaiso/Tandem/internal/durable"
	"github.com/shaiso/Tandem/internal/mq"
)

type capturePublisher struct {
	results []durable.ActivityResult
	err     error
}

func (p *capturePublisher) PublishActivityCompleted(_ context.Context, res durable.ActivityResult) error {
	if p.err != nil {
		return p.err
	}
	p.results = append(p.results, res)
	return nil
}

func delivery(t *testing.T, req durable.ActivityRequest) *mq.Delivery {
	t.Helper()
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return &mq.Delivery{ID: "m-1", Type: mq.MessageTypeActivityReady, Payload: payload}
}

func newTestWorker(pub ResultPublisher) *Worker {
	registry := durable.NewRegistry()
	registry.AddActivity("Echo", func(_ context.Context, in durable.Input) (any, error) {
		var s string
		if err := in.Decode(&s); err != nil {
			return nil, err
		}
		return "echo: " + s, nil
	})
	registry.AddActivity("Broken", func(context.Context, durable.Input) (any, error) {
		return nil, durable.NonRetryable(errors.New("provider rejected command"))
	})
	return New(Config{Registry: registry, Publisher: pub})
}

// --- handleActivityReady Tests ---

func TestHandleActivityReady_Success(t *testing.T) {
	pub := &capturePublisher{}
	w := newTestWorker(pub)

	req := durable.ActivityRequest{
		InstanceID: "cmd-1",
		Generation: 2,
		Seq:        5,
		Name:       "Echo",
		Input:      json.RawMessage(`"hello"`),
	}

	if err := w.handleActivityReady(context.Background(), delivery(t, req)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pub.results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(pub.results))
	}
	res := pub.results[0]
	if res.InstanceID != "cmd-1" || res.Generation != 2 || res.Seq != 5 {
		t.Errorf("result addressing mismatch: %+v", res)
	}
	if res.Failure != nil {
		t.Fatalf("unexpected failure: %+v", res.Failure)
	}
	var out string
	if err := json.Unmarshal(res.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out != "echo: hello" {
		t.Errorf("expected 'echo: hello', got %q", out)
	}
}

func TestHandleActivityReady_FailureIsPublished(t *testing.T) {
	pub := &capturePublisher{}
	w := newTestWorker(pub)

	req := durable.ActivityRequest{InstanceID: "cmd-2", Seq: 1, Name: "Broken"}
	if err := w.handleActivityReady(context.Background(), delivery(t, req)); err != nil {
		t.Fatalf("failure must be published, not returned: %v", err)
	}

	if len(pub.results) != 1 || pub.results[0].Failure == nil {
		t.Fatalf("expected failed result, got %+v", pub.results)
	}
	if pub.results[0].Attempts != 1 {
		t.Errorf("non-retryable activity should run once, got %d attempts", pub.results[0].Attempts)
	}
}

func TestHandleActivityReady_UnknownActivity(t *testing.T) {
	pub := &capturePublisher{}
	w := newTestWorker(pub)

	req := durable.ActivityRequest{InstanceID: "cmd-3", Seq: 1, Name: "Missing"}
	if err := w.handleActivityReady(context.Background(), delivery(t, req)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.results) != 1 || pub.results[0].Failure == nil {
		t.Fatal("unknown activity should produce a failed result")
	}
}

func TestHandleActivityReady_PublishError(t *testing.T) {
	pub := &capturePublisher{err: errors.New("channel closed")}
	w := newTestWorker(pub)

	req := durable.ActivityRequest{InstanceID: "cmd-4", Seq: 1, Name: "Echo", Input: json.RawMessage(`"x"`)}
	if err := w.handleActivityReady(context.Background(), delivery(t, req)); err == nil {
		t.Fatal("expected error so the message is redelivered")
	}
}

func TestHandleActivityReady_InvalidPayload(t *testing.T) {
	w := newTestWorker(&capturePublisher{})

	err := w.handleActivityReady(context.Background(), &mq.Delivery{Payload: json.RawMessage(`"oops"`)})
	if !errors.Is(err, mq.ErrReject) {
		t.Fatalf("expected ErrReject, got %v", err)
	}
}

func TestHandleActivityReady_Stopped(t *testing.T) {
	pub := &capturePublisher{}
	w := newTestWorker(pub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := durable.ActivityRequest{InstanceID: "cmd-5", Seq: 1, Name: "Echo", Input: json.RawMessage(`"x"`)}
	err := w.handleActivityReady(ctx, delivery(t, req))
	if !errors.Is(err, ErrWorkerStopped) {
		t.Fatalf("expected ErrWorkerStopped, got %v", err)
	}
	if len(pub.results) != 0 {
		t.Error("result must not be published after stop")
	}
}

// --- Lifecycle Tests ---

func TestStart_WithoutBroker(t *testing.T) {
	w := New(Config{})
	if err := w.Start(context.Background()); !errors.Is(err, ErrNoBroker) {
		t.Fatalf("expected ErrNoBroker, got %v", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	w := New(Config{})
	if w.concurrency != defaultConcurrency {
		t.Errorf("expected concurrency %d, got %d", defaultConcurrency, w.concurrency)
	}
	if w.prefetch != defaultPrefetch {
		t.Errorf("expected prefetch %d, got %d", defaultPrefetch, w.prefetch)
	}
	if w.registry == nil {
		t.Error("registry should default to an empty registry")
	}
}
