package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// --- Response types (дублируются из api/dto.go и domain, CLI не импортирует internal/) ---

// CommandError — ошибка в результате команды.
type CommandError struct {
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	ResourceID string   `json:"resource_id,omitempty"`
	Details    []string `json:"details,omitempty"`
}

// CommandResult — результат команды из API.
type CommandResult struct {
	CommandID       string            `json:"command_id"`
	CommandType     string            `json:"command_type,omitempty"`
	CreatedTime     string            `json:"created_time,omitempty"`
	LastUpdatedTime string            `json:"last_updated_time,omitempty"`
	RuntimeStatus   string            `json:"runtime_status"`
	CustomStatus    string            `json:"custom_status,omitempty"`
	Errors          []CommandError    `json:"errors"`
	Links           map[string]string `json:"links,omitempty"`
	Result          json.RawMessage   `json:"result,omitempty"`
}

// Settled возвращает true, когда результат больше не изменится сам.
func (r *CommandResult) Settled() bool {
	switch r.RuntimeStatus {
	case "COMPLETED", "CANCELED", "TERMINATED", "FAILED":
		return true
	default:
		return false
	}
}

// ProviderResponse — провайдер из API.
type ProviderResponse struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	PrincipalID string            `json:"principal_id,omitempty"`
	Version     string            `json:"version,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	TimeoutSec  int               `json:"timeout_sec,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	Registered  string            `json:"registered,omitempty"`
	CreatedAt   string            `json:"created_at"`
}

// ScheduleResponse — schedule из API. Поля совпадают с payload
// Schedule*Command, поэтому ответ можно отправить обратно командой.
type ScheduleResponse struct {
	ID            string `json:"id"`
	Organization  string `json:"organization,omitempty"`
	ProjectID     string `json:"project_id"`
	ComponentID   string `json:"component_id"`
	TaskType      string `json:"task_type,omitempty"`
	TaskTypeName  string `json:"task_type_name,omitempty"`
	CronExpr      string `json:"cron_expr"`
	Timezone      string `json:"timezone,omitempty"`
	Enabled       bool   `json:"enabled"`
	NextDueAt     string `json:"next_due_at,omitempty"`
	LastRunAt     string `json:"last_run_at,omitempty"`
	LastCommandID string `json:"last_command_id,omitempty"`
	CreatedAt     string `json:"created_at,omitempty"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

// --- Request types ---

// SubmitCommandRequest — команда для POST /api/v1/commands.
type SubmitCommandRequest struct {
	CommandID  string          `json:"command_id,omitempty"`
	Type       string          `json:"type"`
	ProviderID string          `json:"provider_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// ListSchedulesOpts — параметры фильтрации schedules.
type ListSchedulesOpts struct {
	ProjectID   string
	ComponentID string
	Enabled     *bool
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Tandem API.
type Client struct {
	baseURL    string
	user       string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewClient создаёт клиент для API. user передаётся в X-Tandem-User.
func NewClient(baseURL, user string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		user:    user,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// --- Commands ---

// SubmitCommand отправляет команду.
func (c *Client) SubmitCommand(req SubmitCommandRequest) (*CommandResult, error) {
	var res CommandResult
	err := c.post("/api/v1/commands", req, &res)
	return &res, err
}

// GetCommand возвращает текущий результат команды.
func (c *Client) GetCommand(id string) (*CommandResult, error) {
	var res CommandResult
	err := c.get("/api/v1/commands/"+id, &res)
	return &res, err
}

// TerminateCommand останавливает команду.
func (c *Client) TerminateCommand(id string) (*CommandResult, error) {
	var res CommandResult
	err := c.doData(http.MethodDelete, "/api/v1/commands/"+id, nil, &res)
	return &res, err
}

// WatchCommand получает результаты команды по websocket и вызывает fn
// на каждое изменение. Возвращает последний результат, когда сервер
// закрывает соединение.
func (c *Client) WatchCommand(ctx context.Context, id string, fn func(*CommandResult)) (*CommandResult, error) {
	wsURL, err := c.websocketURL("/api/v1/commands/" + id + "/watch")
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if c.user != "" {
		header.Set("X-Tandem-User", c.user)
	}

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			defer resp.Body.Close()
			return nil, c.checkError(resp)
		}
		return nil, fmt.Errorf("failed to open watch stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var last *CommandResult
	for {
		var res CommandResult
		if err := conn.ReadJSON(&res); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && last != nil {
				return last, nil
			}
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, fmt.Errorf("watch stream closed: %w", err)
		}
		last = &res
		if fn != nil {
			fn(last)
		}
	}
}

// --- Providers ---

// ListProviders возвращает провайдеров.
func (c *Client) ListProviders() ([]ProviderResponse, error) {
	var providers []ProviderResponse
	err := c.list("/api/v1/providers", nil, &providers)
	return providers, err
}

// GetProvider возвращает провайдера по ID.
func (c *Client) GetProvider(id string) (*ProviderResponse, error) {
	var provider ProviderResponse
	err := c.get("/api/v1/providers/"+url.PathEscape(id), &provider)
	return &provider, err
}

// --- Schedules ---

// ListSchedules возвращает schedules с фильтрацией.
func (c *Client) ListSchedules(opts ListSchedulesOpts) ([]ScheduleResponse, error) {
	params := url.Values{}
	if opts.ProjectID != "" {
		params.Set("project_id", opts.ProjectID)
	}
	if opts.ComponentID != "" {
		params.Set("component_id", opts.ComponentID)
	}
	if opts.Enabled != nil {
		params.Set("enabled", fmt.Sprintf("%t", *opts.Enabled))
	}

	var schedules []ScheduleResponse
	err := c.list("/api/v1/schedules", params, &schedules)
	return schedules, err
}

// GetSchedule возвращает schedule по ID.
func (c *Client) GetSchedule(id string) (*ScheduleResponse, error) {
	var schedule ScheduleResponse
	err := c.get("/api/v1/schedules/"+url.PathEscape(id), &schedule)
	return &schedule, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.Header.Set("X-Tandem-User", c.user)
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}

func (c *Client) websocketURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("invalid api url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.New("api url must be http or https")
	}
	return u.String(), nil
}
