package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/shaiso/Tandem/internal/domain"
)

func newCommand() *domain.ProviderCommand {
	return &domain.ProviderCommand{
		Command: domain.Command{
			CommandID: uuid.New(),
			Type:      domain.CommandProjectCreate,
			ProjectID: "p1",
		},
		Results: map[string]map[string]string{"azure": {"rg": "rg-p1"}},
	}
}

// --- Send Tests ---

func TestSend_Completed(t *testing.T) {
	cmd := newCommand()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("expected auth header, got %q", got)
		}
		if got := r.Header.Get("X-Tandem-Command-Id"); got != cmd.CommandID.String() {
			t.Errorf("expected command id header, got %q", got)
		}

		var received domain.ProviderCommand
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if received.Results["azure"]["rg"] != "rg-p1" {
			t.Errorf("results from earlier batches must be forwarded, got %v", received.Results)
		}

		json.NewEncoder(w).Encode(domain.CommandResult{
			CommandID:     cmd.CommandID,
			RuntimeStatus: domain.RuntimeStatusCompleted,
		})
	}))
	defer server.Close()

	c := New(Config{})
	res, err := c.Send(context.Background(), domain.Provider{ID: "github", URL: server.URL, AuthCode: "secret"}, cmd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res == nil || res.RuntimeStatus != domain.RuntimeStatusCompleted {
		t.Fatalf("expected completed result, got %+v", res)
	}
}

func TestSend_NoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	res, err := New(Config{}).Send(context.Background(), domain.Provider{ID: "p", URL: server.URL}, newCommand())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil {
		t.Errorf("expected nil result, got %+v", res)
	}
}

func TestSend_FillsMissingCommandID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"runtime_status":"RUNNING"}`))
	}))
	defer server.Close()

	cmd := newCommand()
	res, err := New(Config{}).Send(context.Background(), domain.Provider{ID: "p", URL: server.URL}, cmd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.CommandID != cmd.CommandID {
		t.Errorf("expected command id %s, got %s", cmd.CommandID, res.CommandID)
	}
	if res.RuntimeStatus != domain.RuntimeStatusRunning {
		t.Errorf("expected RUNNING, got %s", res.RuntimeStatus)
	}
}

func TestSend_ForeignCommandID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(domain.CommandResult{CommandID: uuid.New()})
	}))
	defer server.Close()

	_, err := New(Config{}).Send(context.Background(), domain.Provider{ID: "p", URL: server.URL}, newCommand())
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
	if IsTemporary(err) {
		t.Error("invalid response must not be retried")
	}
}

func TestSend_StatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		temporary bool
	}{
		{"bad request", http.StatusBadRequest, false},
		{"not found", http.StatusNotFound, false},
		{"throttled", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
		{"unavailable", http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte("nope"))
			}))
			defer server.Close()

			_, err := New(Config{}).Send(context.Background(), domain.Provider{ID: "p", URL: server.URL}, newCommand())
			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("expected StatusError, got %v", err)
			}
			if se.StatusCode != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, se.StatusCode)
			}
			if IsTemporary(err) != tt.temporary {
				t.Errorf("expected temporary=%v", tt.temporary)
			}
		})
	}
}

func TestSend_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := New(Config{}).Send(context.Background(), domain.Provider{ID: "p", URL: url}, newCommand())
	if !errors.Is(err, ErrRequest) {
		t.Fatalf("expected ErrRequest, got %v", err)
	}
	if !IsTemporary(err) {
		t.Error("network errors should be retried")
	}
}

// --- Limiter Tests ---

func TestLimiter_PerProvider(t *testing.T) {
	l := NewLimiter(0.001, 1)

	if !l.Allow("a") {
		t.Fatal("first request to a should pass")
	}
	if l.Allow("a") {
		t.Error("second request to a should be throttled")
	}
	if !l.Allow("b") {
		t.Error("provider b has its own budget")
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !l.Allow("a") {
			t.Fatalf("request %d throttled without a limit", i)
		}
	}
}
