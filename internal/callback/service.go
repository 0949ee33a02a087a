package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/shaiso/Tandem/internal/telemetry"
)

// PathPrefix — путь, по которому API принимает callback.
const PathPrefix = "/api/v1/callbacks/"

// Ошибки callback.
var (
	// ErrInvalidToken — токен не прошёл проверку подписи или формата.
	ErrInvalidToken = errors.New("invalid callback token")

	// ErrTokenExpired — срок действия токена истёк.
	ErrTokenExpired = errors.New("callback token expired")

	// ErrTokenGone — токен уже использован или отозван.
	ErrTokenGone = errors.New("callback token is no longer valid")
)

// Service выдаёт callback URL провайдерам и проверяет входящие callback.
//
// URL содержит подписанный токен (экземпляр, команда, срок). Действующие
// токены хранятся в Registry: использование или отзыв удаляет запись,
// и повторный POST на тот же URL отклоняется.
type Service struct {
	tokens   *Tokens
	registry Registry
	baseURL  string
	ttl      time.Duration
	logger   *slog.Logger
}

// Config — конфигурация Service.
type Config struct {
	BaseURL    string
	SigningKey string
	TTL        time.Duration
	Registry   Registry
	Logger     *slog.Logger
}

// NewService создаёт Service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewMemoryRegistry()
	}
	return &Service{
		tokens:   NewTokens(cfg.SigningKey),
		registry: registry,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		ttl:      cfg.TTL,
		logger:   logger,
	}
}

// Acquire выдаёт callback URL для команды, которую ждёт экземпляр.
func (s *Service) Acquire(ctx context.Context, instanceID, commandID string) (string, error) {
	token, claims, err := s.tokens.Issue(instanceID, commandID, s.ttl)
	if err != nil {
		return "", err
	}
	if err := s.registry.Register(ctx, claims.ID, s.ttl); err != nil {
		return "", err
	}

	telemetry.Callbacks.WithLabelValues("issued").Inc()
	s.logger.Debug("callback issued",
		"instance_id", instanceID,
		"command_id", commandID,
		"token_id", claims.ID,
	)
	return s.baseURL + PathPrefix + token, nil
}

// Verify проверяет токен входящего callback. Токен остаётся действующим
// до Consume.
func (s *Service) Verify(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		telemetry.Callbacks.WithLabelValues("rejected").Inc()
		return nil, err
	}
	active, err := s.registry.Active(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if !active {
		telemetry.Callbacks.WithLabelValues("rejected").Inc()
		return nil, ErrTokenGone
	}
	return claims, nil
}

// Consume отмечает callback использованным.
func (s *Service) Consume(ctx context.Context, claims *Claims) error {
	if _, err := s.registry.Consume(ctx, claims.ID); err != nil {
		return err
	}
	telemetry.Callbacks.WithLabelValues("accepted").Inc()
	return nil
}

// Invalidate отзывает callback URL. Отзыв уже использованного или
// просроченного URL не является ошибкой.
func (s *Service) Invalidate(ctx context.Context, callbackURL string) error {
	if callbackURL == "" {
		return nil
	}
	token, err := TokenFromURL(callbackURL)
	if err != nil {
		return err
	}
	claims, err := s.tokens.ParseExpired(token)
	if err != nil {
		return err
	}
	removed, err := s.registry.Consume(ctx, claims.ID)
	if err != nil {
		return err
	}
	if removed {
		telemetry.Callbacks.WithLabelValues("invalidated").Inc()
		s.logger.Debug("callback invalidated",
			"instance_id", claims.InstanceID,
			"command_id", claims.CommandID,
		)
	}
	return nil
}

// TokenFromURL извлекает токен из callback URL.
func TokenFromURL(callbackURL string) (string, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !strings.HasPrefix(u.Path, PathPrefix) {
		return "", fmt.Errorf("%w: unexpected path %q", ErrInvalidToken, u.Path)
	}
	token := path.Base(u.Path)
	if token == "" || token == "." || token == "/" {
		return "", ErrInvalidToken
	}
	return token, nil
}
