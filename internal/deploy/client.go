package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/telemetry"
)

// ErrEngine — движок развёртываний ответил ошибкой.
var ErrEngine = errors.New("deployment engine error")

// Client — HTTP-клиент движка развёртываний.
//
// Эндпоинты (id передаётся в query-параметре, т.к. содержит '/'):
//
//	POST   /deployments                  -> {"id": "..."}
//	GET    /deployments?id=...           -> {"state": "..."}
//	GET    /deployments/outputs?id=...   -> {"outputs": {...}}
//	GET    /deployments/errors?id=...    -> {"errors": [...]}
//	POST   /resource-groups/reset?id=... -> {"id": "..."}
//	DELETE /resource-groups?id=...
//	DELETE /resources?id=...
//	PUT    /role-assignments             <- {"scope", "principal_id", "role"}
//
// 404 на удаление считается успехом.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient создаёт клиент движка по базовому URL.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

var _ Engine = (*Client)(nil)

func (c *Client) Start(ctx context.Context, req Request) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/deployments", nil, req, &resp); err != nil {
		return "", err
	}
	c.logger.Debug("deployment started", "template", req.Template, "deployment_id", resp.ID)
	return resp.ID, nil
}

func (c *Client) State(ctx context.Context, deploymentID string) (domain.DeploymentState, error) {
	var resp struct {
		State string `json:"state"`
	}
	if err := c.do(ctx, http.MethodGet, "/deployments", idQuery(deploymentID), nil, &resp); err != nil {
		return "", err
	}
	state := domain.DeploymentState(strings.ToUpper(resp.State))
	telemetry.DeploymentPolls.WithLabelValues(string(state)).Inc()
	return state, nil
}

func (c *Client) Outputs(ctx context.Context, deploymentID string) (map[string]any, error) {
	var resp struct {
		Outputs map[string]any `json:"outputs"`
	}
	if err := c.do(ctx, http.MethodGet, "/deployments/outputs", idQuery(deploymentID), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Outputs == nil {
		resp.Outputs = map[string]any{}
	}
	return resp.Outputs, nil
}

func (c *Client) Errors(ctx context.Context, deploymentID string) ([]string, error) {
	var resp struct {
		Errors []string `json:"errors"`
	}
	if err := c.do(ctx, http.MethodGet, "/deployments/errors", idQuery(deploymentID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Errors, nil
}

func (c *Client) ResetResourceGroup(ctx context.Context, resourceGroupID string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/resource-groups/reset", idQuery(resourceGroupID), nil, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) DeleteResourceGroup(ctx context.Context, resourceGroupID string) error {
	return ignoreNotFound(c.do(ctx, http.MethodDelete, "/resource-groups", idQuery(resourceGroupID), nil, nil))
}

func (c *Client) DeleteResource(ctx context.Context, resourceID string) error {
	return ignoreNotFound(c.do(ctx, http.MethodDelete, "/resources", idQuery(resourceID), nil, nil))
}

func (c *Client) GrantContributor(ctx context.Context, resourceGroupID, principalID string) error {
	body := map[string]string{
		"scope":        resourceGroupID,
		"principal_id": principalID,
		"role":         "Contributor",
	}
	return c.do(ctx, http.MethodPut, "/role-assignments", nil, body, nil)
}

// StatusError — ответ движка с HTTP-кодом ошибки.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("deployment engine: HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrEngine
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngine, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrEngine, err)
	}
	if resp.StatusCode >= 400 {
		msg := string(data)
		if len(msg) > 200 {
			msg = msg[:200] + "..."
		}
		return &StatusError{StatusCode: resp.StatusCode, Body: msg}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrEngine, err)
	}
	return nil
}

func idQuery(id string) url.Values {
	return url.Values{"id": []string{id}}
}

func ignoreNotFound(err error) error {
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}
