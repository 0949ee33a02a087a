package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- ParseCommand Tests ---

func TestParseCommand_YAML(t *testing.T) {
	req, err := ParseCommand([]byte(`
type: ProjectCreateCommand
provider_id: arm
payload:
  id: web
  organization: acme
  tags:
    env: prod
`))
	require.NoError(t, err)

	assert.Equal(t, "ProjectCreateCommand", req.Type)
	assert.Equal(t, "arm", req.ProviderID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(req.Payload, &payload))
	assert.Equal(t, "web", payload["id"])
	assert.Equal(t, map[string]any{"env": "prod"}, payload["tags"])
}

func TestParseCommand_JSON(t *testing.T) {
	req, err := ParseCommand([]byte(`{"type": "ComponentTaskRunCommand", "command_id": "c0ffee00-0000-4000-8000-000000000000", "payload": {"id": "t1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "ComponentTaskRunCommand", req.Type)
	assert.Equal(t, "c0ffee00-0000-4000-8000-000000000000", req.CommandID)
	assert.JSONEq(t, `{"id": "t1"}`, string(req.Payload))
}

func TestParseCommand_Invalid(t *testing.T) {
	tests := map[string]string{
		"no type":    "payload: {id: x}",
		"no payload": "type: ProjectCreateCommand",
		"not yaml":   "type: [",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCommand([]byte(data))
			assert.Error(t, err)
		})
	}
}

// --- Client Tests ---

func TestClient_SubmitCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/commands", r.URL.Path)
		assert.Equal(t, "alice", r.Header.Get("X-Tandem-User"))

		var req SubmitCommandRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ProviderRegisterCommand", req.Type)

		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"data": {"command_id": "c1", "runtime_status": "RUNNING", "errors": []}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", "alice")
	res, err := client.SubmitCommand(SubmitCommandRequest{Type: "ProviderRegisterCommand", Payload: json.RawMessage(`{"id":"p1"}`)})
	require.NoError(t, err)
	assert.Equal(t, "c1", res.CommandID)
	assert.False(t, res.Settled())
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": {"code": "NOT_FOUND", "message": "command not found"}}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").GetCommand("nope")
	require.Error(t, err)
	assert.Equal(t, "NOT_FOUND: command not found", err.Error())
}

func TestClient_WatchCommand(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/commands/c1/watch", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		conn.WriteJSON(CommandResult{CommandID: "c1", RuntimeStatus: "RUNNING"})
		conn.WriteJSON(CommandResult{CommandID: "c1", RuntimeStatus: "COMPLETED"})
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "COMPLETED"))
	}))
	defer srv.Close()

	var updates atomic.Int32
	last, err := NewClient(srv.URL, "").WatchCommand(t.Context(), "c1", func(*CommandResult) {
		updates.Add(1)
	})
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", last.RuntimeStatus)
	assert.True(t, last.Settled())
	assert.Equal(t, int32(2), updates.Load())
}

func TestClient_WebsocketURL(t *testing.T) {
	u, err := NewClient("https://tandem.example.com", "").websocketURL("/x")
	require.NoError(t, err)
	assert.Equal(t, "wss://tandem.example.com/x", u)

	_, err = NewClient("ftp://tandem", "").websocketURL("/x")
	assert.Error(t, err)
}

// --- Output Tests ---

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("YAML")
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatTable, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestOutput_Table(t *testing.T) {
	var out, errOut bytes.Buffer
	o := NewOutputTo(FormatTable, &out, &errOut)

	o.Print([]string{"ID", "STATUS"}, [][]string{{"c1", "RUNNING"}}, nil)
	o.Success("done")

	assert.Equal(t, "ID  STATUS\n--  ------\nc1  RUNNING\n", out.String())
	assert.Equal(t, "done\n", errOut.String())
}

func TestOutput_YAML(t *testing.T) {
	var out bytes.Buffer
	o := NewOutputTo(FormatYAML, &out, &bytes.Buffer{})

	o.Print(nil, nil, &CommandResult{
		CommandID:     "c1",
		RuntimeStatus: "COMPLETED",
		CustomStatus:  "true",
		Errors:        []CommandError{{Code: "NOT_FOUND", Message: "gone"}},
	})

	expected := `command_id: c1
runtime_status: COMPLETED
custom_status: "true"
errors:
  - code: NOT_FOUND
    message: gone
`
	assert.Equal(t, expected, out.String())
}

func TestOutput_JSON(t *testing.T) {
	var out bytes.Buffer
	o := NewOutputTo(FormatJSON, &out, &bytes.Buffer{})
	assert.True(t, o.Structured())

	o.Print(nil, nil, map[string]int{"total": 2})
	assert.JSONEq(t, `{"total": 2}`, out.String())
}
