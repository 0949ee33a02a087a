package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/telemetry"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxErrorBody          = 200
)

// Ошибки клиента провайдеров.
var (
	// ErrRequest — запрос не удалось отправить или прочитать ответ.
	ErrRequest = errors.New("provider request failed")

	// ErrInvalidResponse — ответ провайдера не является CommandResult.
	ErrInvalidResponse = errors.New("provider returned invalid response")
)

// StatusError — провайдер ответил HTTP-кодом ошибки.
type StatusError struct {
	ProviderID string
	StatusCode int
	Body       string
}

// Error реализует интерфейс error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("provider %s: HTTP %d: %s", e.ProviderID, e.StatusCode, e.Body)
}

// Temporary возвращает true для кодов, при которых запрос имеет смысл повторить.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsTemporary проверяет, можно ли повторить запрос после ошибки err.
// Сетевые ошибки считаются временными.
func IsTemporary(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return !errors.Is(err, ErrInvalidResponse)
}

// Client отправляет команды провайдерам по HTTP.
//
// Протокол:
//   - POST на Provider.URL, тело — ProviderCommand в JSON
//   - 200/202 с телом — CommandResult (RUNNING означает, что результат
//     придёт на callback URL)
//   - 204 или пустое тело — провайдер результата не вернул
//   - 429 и 5xx — временная ошибка, остальные 4xx — окончательная
type Client struct {
	http    *http.Client
	limiter *Limiter
	logger  *slog.Logger
}

// Config — конфигурация Client.
type Config struct {
	RequestTimeout time.Duration // таймаут одного запроса (default: 30s)
	RateLimit      float64       // запросов в секунду на провайдера (0 — без ограничения)
	RateBurst      int

	Logger *slog.Logger
}

// New создаёт Client.
func New(cfg Config) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		limiter: NewLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:  logger,
	}
}

// Send отправляет команду провайдеру.
// Возвращает nil результат, если провайдер ответил без тела.
func (c *Client) Send(ctx context.Context, p domain.Provider, cmd *domain.ProviderCommand) (*domain.CommandResult, error) {
	if err := c.limiter.Wait(ctx, p.ID); err != nil {
		return nil, fmt.Errorf("%w: rate limit: %v", ErrRequest, err)
	}

	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal command: %v", ErrInvalidResponse, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tandem-Command-Id", cmd.CommandID.String())
	req.Header.Set("X-Tandem-Command-Type", string(cmd.Type))
	if p.AuthCode != "" {
		req.Header.Set("Authorization", "Bearer "+p.AuthCode)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		telemetry.ProviderRequests.WithLabelValues(p.ID, "error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrRequest, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		telemetry.ProviderRequests.WithLabelValues(p.ID, "error").Inc()
		return nil, fmt.Errorf("%w: read response: %v", ErrRequest, err)
	}

	if resp.StatusCode >= 400 {
		telemetry.ProviderRequests.WithLabelValues(p.ID, "http_"+strconv.Itoa(resp.StatusCode)).Inc()
		return nil, &StatusError{
			ProviderID: p.ID,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(respBody), maxErrorBody),
		}
	}

	telemetry.ProviderRequests.WithLabelValues(p.ID, "ok").Inc()

	if resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(respBody)) == 0 {
		c.logger.Debug("provider returned no result",
			"provider_id", p.ID,
			"command_id", cmd.CommandID,
		)
		return nil, nil
	}

	var result domain.CommandResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if result.CommandID == uuid.Nil {
		result.CommandID = cmd.CommandID
	}
	if result.CommandID != cmd.CommandID {
		return nil, fmt.Errorf("%w: result for command %s, expected %s",
			ErrInvalidResponse, result.CommandID, cmd.CommandID)
	}

	c.logger.Debug("provider responded",
		"provider_id", p.ID,
		"command_id", cmd.CommandID,
		"runtime_status", result.RuntimeStatus,
	)
	return &result, nil
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
