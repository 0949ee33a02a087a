package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Tandem/internal/callback"
	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
	"github.com/shaiso/Tandem/internal/handler"
	"github.com/shaiso/Tandem/internal/repo"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// --- Fakes ---

type raisedEvent struct {
	instanceID, name, dedupe string
	payload                  any
}

type fakeInstances struct {
	mu         sync.Mutex
	terminated []string
	raised     []raisedEvent
	missing    bool
}

func (f *fakeInstances) Terminate(_ context.Context, instanceID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, instanceID)
	return nil
}

func (f *fakeInstances) RaiseEventOnce(_ context.Context, instanceID, name, dedupe string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing {
		return durable.ErrInstanceNotFound
	}
	f.raised = append(f.raised, raisedEvent{instanceID, name, dedupe, payload})
	return nil
}

// fakeResolver отдаёт статусы по очереди, повторяя последний.
type fakeResolver struct {
	mu       sync.Mutex
	id       uuid.UUID
	statuses []domain.RuntimeStatus
	calls    int
}

func (f *fakeResolver) Resolve(_ context.Context, id uuid.UUID) (*domain.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.id {
		return nil, handler.ErrCommandNotFound
	}
	i := f.calls
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.calls++
	return &domain.CommandResult{
		CommandID:       id,
		RuntimeStatus:   f.statuses[i],
		Errors:          []domain.CommandError{},
		LastUpdatedTime: time.Unix(int64(i), 0),
	}, nil
}

// --- Helpers ---

type testEnv struct {
	repos     *repo.Repositories
	instances *fakeInstances
	callbacks *callback.Service
	mux       *http.ServeMux
}

func newTestEnv(t *testing.T, resolver CommandResolver) *testEnv {
	t.Helper()

	repos := repo.NewMemoryRepositories()
	reg := handler.NewRegistry()
	handler.RegisterDefaults(reg, repos)

	defaultResolver := handler.NewResolver(nil, repos.Audit, func(id uuid.UUID) string {
		return "http://tandem.test/api/v1/commands/" + id.String()
	})
	if resolver == nil {
		resolver = defaultResolver
	}

	processor := handler.NewProcessor(handler.ProcessorConfig{
		Registry: reg,
		Queue:    handler.NewMemoryQueue(),
		Audit:    repos.Audit,
		Resolver: defaultResolver,
		Logger:   discard,
	})

	env := &testEnv{
		repos:     repos,
		instances: &fakeInstances{},
		callbacks: callback.NewService(callback.Config{
			BaseURL:    "http://tandem.test",
			SigningKey: "test-key",
			TTL:        time.Minute,
			Logger:     discard,
		}),
		mux: http.NewServeMux(),
	}

	h := NewHandler(Config{
		Processor:     processor,
		Resolver:      resolver,
		Instances:     env.instances,
		Callbacks:     env.callbacks,
		Repos:         repos,
		WatchInterval: 10 * time.Millisecond,
		Logger:        discard,
	})
	h.RegisterRoutes(env.mux)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, user string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		req.Header.Set(HeaderUser, user)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var resp struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Error
}

func providerCommand(t *testing.T, id string) SubmitCommandRequest {
	t.Helper()
	payload, err := json.Marshal(domain.Provider{ID: id, URL: "http://" + id + ".test", AuthCode: "secret"})
	require.NoError(t, err)
	return SubmitCommandRequest{Type: domain.CommandProviderCreate, Payload: payload}
}

// --- Command Tests ---

func TestSubmitCommand_CompletesEntityCommand(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/commands", providerCommand(t, "p1"), "alice")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decodeData[domain.CommandResult](t, rec)
	assert.Equal(t, domain.RuntimeStatusCompleted, res.RuntimeStatus)
	assert.Equal(t, domain.CommandProviderCreate, res.CommandType)
	assert.Empty(t, res.Errors)

	// Статус доступен и после выполнения
	rec = env.do(t, http.MethodGet, "/api/v1/commands/"+res.CommandID.String(), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeData[domain.CommandResult](t, rec)
	assert.Equal(t, res.CommandID, got.CommandID)
	assert.Equal(t, domain.RuntimeStatusCompleted, got.RuntimeStatus)
	assert.Equal(t, "http://tandem.test/api/v1/commands/"+res.CommandID.String(), rec.Header().Get("Location"))

	// Секрет провайдера наружу не отдаётся
	rec = env.do(t, http.MethodGet, "/api/v1/providers", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
	providers := decodeData[[]ProviderResponse](t, rec)
	require.Len(t, providers, 1)
	assert.Equal(t, "p1", providers[0].ID)
}

func TestSubmitCommand_ExplicitCommandID(t *testing.T) {
	env := newTestEnv(t, nil)

	req := providerCommand(t, "p1")
	id := uuid.New()
	req.CommandID = &id

	rec := env.do(t, http.MethodPost, "/api/v1/commands", req, "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decodeData[domain.CommandResult](t, rec).CommandID)
}

func TestSubmitCommand_DomainErrorsStayInResult(t *testing.T) {
	env := newTestEnv(t, nil)

	payload, err := json.Marshal(domain.Provider{ID: "ghost", URL: "http://ghost.test"})
	require.NoError(t, err)
	req := SubmitCommandRequest{Type: domain.CommandProviderUpdate, Payload: payload}

	rec := env.do(t, http.MethodPost, "/api/v1/commands", req, "alice")
	require.Equal(t, http.StatusOK, rec.Code)

	res := decodeData[domain.CommandResult](t, rec)
	assert.Equal(t, domain.RuntimeStatusFailed, res.RuntimeStatus)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, domain.ErrorCodeNotFound, res.Errors[0].Code)
}

func TestSubmitCommand_BadRequest(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body any
		user string
	}{
		{"invalid json", "{", "alice"},
		{"unknown type", SubmitCommandRequest{Type: "ProviderFlyCommand", Payload: json.RawMessage(`{}`)}, "alice"},
		{"missing payload", SubmitCommandRequest{Type: domain.CommandProviderCreate}, "alice"},
		{"payload of wrong shape", SubmitCommandRequest{Type: domain.CommandProviderCreate, Payload: json.RawMessage(`[1]`)}, "alice"},
		{"missing user", providerCommand(t, "p1"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/commands", tt.body, tt.user)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, ErrCodeBadRequest, decodeError(t, rec).Code)
		})
	}
}

func TestSubmitCommand_UnknownTypeListsKnownTypes(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/commands",
		SubmitCommandRequest{Type: "ProviderFlyCommand", Payload: json.RawMessage(`{}`)}, "alice")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	detail := decodeError(t, rec)
	assert.Contains(t, detail.Message, "ProviderFlyCommand")
	assert.Contains(t, detail.Details, string(domain.CommandProviderCreate))
	assert.True(t, sort.StringsAreSorted(detail.Details))
}

func TestSubmitCommand_UserFromBody(t *testing.T) {
	env := newTestEnv(t, nil)

	req := providerCommand(t, "p1")
	req.User = &domain.User{ID: "bob"}

	rec := env.do(t, http.MethodPost, "/api/v1/commands", req, "")
	require.Equal(t, http.StatusOK, rec.Code)

	res := decodeData[domain.CommandResult](t, rec)
	cmd, err := env.repos.Audit.GetCommand(context.Background(), res.CommandID)
	require.NoError(t, err)
	assert.Equal(t, "bob", cmd.User.ID)
}

func TestGetCommand_Errors(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/api/v1/commands/not-a-uuid", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/commands/"+uuid.NewString(), nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetCommand_RunningIsAccepted(t *testing.T) {
	id := uuid.New()
	env := newTestEnv(t, &fakeResolver{id: id, statuses: []domain.RuntimeStatus{domain.RuntimeStatusRunning}})

	rec := env.do(t, http.MethodGet, "/api/v1/commands/"+id.String(), nil, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, domain.RuntimeStatusRunning, decodeData[domain.CommandResult](t, rec).RuntimeStatus)
}

func TestTerminateCommand(t *testing.T) {
	id := uuid.New()
	resolver := &fakeResolver{id: id, statuses: []domain.RuntimeStatus{
		domain.RuntimeStatusRunning,
		domain.RuntimeStatusTerminated,
	}}
	env := newTestEnv(t, resolver)

	rec := env.do(t, http.MethodDelete, "/api/v1/commands/"+id.String(), nil, "alice")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, domain.RuntimeStatusTerminated, decodeData[domain.CommandResult](t, rec).RuntimeStatus)
	assert.Equal(t, []string{id.String(), handler.WrapperInstanceID(id)}, env.instances.terminated)

	// Завершённую команду остановить нельзя
	rec = env.do(t, http.MethodDelete, "/api/v1/commands/"+id.String(), nil, "alice")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Len(t, env.instances.terminated, 2)
}

func TestWatchCommand_StreamsUntilSettled(t *testing.T) {
	id := uuid.New()
	resolver := &fakeResolver{id: id, statuses: []domain.RuntimeStatus{
		domain.RuntimeStatusRunning, // проверка до upgrade
		domain.RuntimeStatusPending,
		domain.RuntimeStatusRunning,
		domain.RuntimeStatusCompleted,
	}}
	env := newTestEnv(t, resolver)

	srv := httptest.NewServer(env.mux)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/commands/" + id.String() + "/watch"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var seen []domain.RuntimeStatus
	for {
		var res domain.CommandResult
		err := conn.ReadJSON(&res)
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		assert.Equal(t, id, res.CommandID)
		seen = append(seen, res.RuntimeStatus)
	}

	assert.Equal(t, []domain.RuntimeStatus{
		domain.RuntimeStatusPending,
		domain.RuntimeStatusRunning,
		domain.RuntimeStatusCompleted,
	}, seen)
}

func TestWatchCommand_UnknownCommand(t *testing.T) {
	env := newTestEnv(t, &fakeResolver{id: uuid.New(), statuses: []domain.RuntimeStatus{domain.RuntimeStatusRunning}})

	rec := env.do(t, http.MethodGet, "/api/v1/commands/"+uuid.NewString()+"/watch", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// --- Callback Tests ---

func acquireToken(t *testing.T, env *testEnv, instanceID string, commandID uuid.UUID) string {
	t.Helper()
	callbackURL, err := env.callbacks.Acquire(context.Background(), instanceID, commandID.String())
	require.NoError(t, err)
	token, err := callback.TokenFromURL(callbackURL)
	require.NoError(t, err)
	return token
}

func TestHandleCallback_RaisesEventOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	commandID := uuid.New()
	token := acquireToken(t, env, "inst-1", commandID)

	result := domain.CommandResult{CommandID: commandID, RuntimeStatus: domain.RuntimeStatusCompleted}

	rec := env.do(t, http.MethodPost, "/api/v1/callbacks/"+token, result, "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Len(t, env.instances.raised, 1)
	ev := env.instances.raised[0]
	assert.Equal(t, "inst-1", ev.instanceID)
	assert.Equal(t, commandID.String(), ev.name)
	assert.NotEmpty(t, ev.dedupe)

	raised, ok := ev.payload.(*domain.CommandResult)
	require.True(t, ok)
	assert.Equal(t, domain.RuntimeStatusCompleted, raised.RuntimeStatus)

	// Повторный callback по тому же URL
	rec = env.do(t, http.MethodPost, "/api/v1/callbacks/"+token, result, "")
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Len(t, env.instances.raised, 1)
}

func TestHandleCallback_Rejects(t *testing.T) {
	env := newTestEnv(t, nil)
	commandID := uuid.New()
	token := acquireToken(t, env, "inst-1", commandID)

	// Чужой id команды — токен остаётся действующим
	rec := env.do(t, http.MethodPost, "/api/v1/callbacks/"+token, domain.CommandResult{CommandID: uuid.New()}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/callbacks/"+token, "not json", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/callbacks/garbage", domain.CommandResult{CommandID: commandID}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Empty(t, env.instances.raised)

	rec = env.do(t, http.MethodPost, "/api/v1/callbacks/"+token, domain.CommandResult{CommandID: commandID}, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHandleCallback_InstanceGone(t *testing.T) {
	env := newTestEnv(t, nil)
	env.instances.missing = true
	commandID := uuid.New()
	token := acquireToken(t, env, "inst-1", commandID)

	rec := env.do(t, http.MethodPost, "/api/v1/callbacks/"+token, domain.CommandResult{CommandID: commandID}, "")
	assert.Equal(t, http.StatusGone, rec.Code)
}

// --- Schedule Tests ---

func TestListSchedules_Filters(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	for _, s := range []domain.Schedule{
		{ID: "s1", ProjectID: "p1", ComponentID: "c1", CronExpr: "* * * * *", Enabled: true},
		{ID: "s2", ProjectID: "p1", ComponentID: "c2", CronExpr: "* * * * *", Enabled: false},
		{ID: "s3", ProjectID: "p2", ComponentID: "c3", CronExpr: "* * * * *", Enabled: true},
	} {
		_, err := env.repos.Schedules.Add(ctx, &s)
		require.NoError(t, err)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/schedules?project_id=p1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeData[[]ScheduleResponse](t, rec), 2)

	rec = env.do(t, http.MethodGet, "/api/v1/schedules?project_id=p1&enabled=true", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeData[[]ScheduleResponse](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "s1", list[0].ID)

	rec = env.do(t, http.MethodGet, "/api/v1/schedules/s3", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "p2", decodeData[ScheduleResponse](t, rec).ProjectID)

	rec = env.do(t, http.MethodGet, "/api/v1/schedules/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
