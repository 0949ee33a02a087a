package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
	"github.com/shaiso/Tandem/internal/handler"
)

// HeaderUser — id пользователя, от имени которого отправлена команда,
// если в теле запроса его нет.
const HeaderUser = "X-Tandem-User"

const watchWriteWait = 10 * time.Second

// SubmitCommand принимает команду и возвращает её начальный результат.
// POST /api/v1/commands
//
// 202 — команда выполняется, результат доступен по Links["status"];
// 200 — команда уже завершилась (в том числе с ошибками).
func (h *Handler) SubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req SubmitCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	cmd, err := req.ToCommand(domain.User{ID: r.Header.Get(HeaderUser)})
	if errors.Is(err, ErrUnknownCommandType) {
		BadRequest(w, err.Error(), knownTypes()...)
		return
	}
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	res := h.processor.Process(r.Context(), cmd)
	writeCommandResult(w, res)
}

func knownTypes() []string {
	types := domain.KnownCommandTypes()
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = t.String()
	}
	return out
}

// GetCommand возвращает текущий результат команды.
// GET /api/v1/commands/{id}
func (h *Handler) GetCommand(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid command id")
		return
	}

	res, ok := h.resolve(r.Context(), w, id)
	if !ok {
		return
	}
	writeCommandResult(w, res)
}

// TerminateCommand останавливает оркестрацию команды.
// DELETE /api/v1/commands/{id}
func (h *Handler) TerminateCommand(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid command id")
		return
	}

	res, ok := h.resolve(r.Context(), w, id)
	if !ok {
		return
	}
	if res.RuntimeStatus.IsFinal() {
		InvalidState(w, fmt.Sprintf("command is already %s", res.RuntimeStatus))
		return
	}

	reason := "terminated via api"
	if user := r.Header.Get(HeaderUser); user != "" {
		reason = "terminated by " + user
	}

	for _, instanceID := range []string{id.String(), handler.WrapperInstanceID(id)} {
		err := h.instances.Terminate(r.Context(), instanceID, reason)
		if err != nil && !errors.Is(err, durable.ErrInstanceNotFound) {
			InternalError(w, h.logger, err)
			return
		}
	}

	h.logger.Info("command terminated", "command_id", id, "reason", reason)

	res, ok = h.resolve(r.Context(), w, id)
	if !ok {
		return
	}
	Accepted(w, res)
}

// WatchCommand отправляет результат команды по websocket при каждом
// изменении, пока команда не завершится.
// GET /api/v1/commands/{id}/watch
func (h *Handler) WatchCommand(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid command id")
		return
	}

	// Неизвестная команда — обычный 404 до upgrade
	if _, ok := h.resolve(r.Context(), w, id); !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "command_id", id, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Клиент ничего не шлёт; чтение нужно, чтобы заметить закрытие
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.watchInterval)
	defer ticker.Stop()

	var last string
	for {
		res, err := h.resolver.Resolve(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Error("failed to resolve watched command", "command_id", id, "error", err)
			closeWatch(conn, websocket.CloseInternalServerErr, "failed to resolve command")
			return
		}

		if key := watchKey(res); key != last {
			last = key
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if err := conn.WriteJSON(res); err != nil {
				h.logger.Debug("websocket write failed", "command_id", id, "error", err)
				return
			}
		}

		if isSettled(res) {
			closeWatch(conn, websocket.CloseNormalClosure, string(res.RuntimeStatus))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// resolve пишет 404 для команды, которая никогда не принималась.
func (h *Handler) resolve(ctx context.Context, w http.ResponseWriter, id uuid.UUID) (*domain.CommandResult, bool) {
	res, err := h.resolver.Resolve(ctx, id)
	if errors.Is(err, handler.ErrCommandNotFound) {
		NotFound(w, "command not found")
		return nil, false
	}
	if err != nil {
		InternalError(w, h.logger, err)
		return nil, false
	}
	return res, true
}

// isSettled — результат больше не изменится без вмешательства.
func isSettled(res *domain.CommandResult) bool {
	return res.RuntimeStatus.IsFinal() || res.RuntimeStatus == domain.RuntimeStatusFailed
}

func writeCommandResult(w http.ResponseWriter, res *domain.CommandResult) {
	if link := res.Links[domain.LinkStatus]; link != "" {
		w.Header().Set("Location", link)
	}
	if isSettled(res) {
		Success(w, res)
		return
	}
	Accepted(w, res)
}

func watchKey(res *domain.CommandResult) string {
	return fmt.Sprintf("%s|%s|%d|%d",
		res.RuntimeStatus,
		res.CustomStatus,
		len(res.Errors),
		res.LastUpdatedTime.UnixNano(),
	)
}

func closeWatch(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(watchWriteWait))
}
