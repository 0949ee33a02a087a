package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shaiso/Tandem/internal/callback"
	"github.com/shaiso/Tandem/internal/domain"
	"github.com/shaiso/Tandem/internal/durable"
)

// HandleCallback принимает асинхронный результат провайдера.
// POST /api/v1/callbacks/{token}
//
// Результат поднимается событием с именем id команды в экземпляре из
// токена. После этого токен гасится: повторный POST получает 410.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims, err := h.callbacks.Verify(ctx, r.PathValue("token"))
	switch {
	case errors.Is(err, callback.ErrTokenGone), errors.Is(err, callback.ErrTokenExpired):
		Gone(w, err.Error())
		return
	case errors.Is(err, callback.ErrInvalidToken):
		Unauthorized(w, "invalid callback token")
		return
	case err != nil:
		InternalError(w, h.logger, err)
		return
	}

	var res domain.CommandResult
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		BadRequest(w, "invalid command result")
		return
	}
	if res.CommandID.String() != claims.CommandID {
		BadRequest(w, "command id does not match callback")
		return
	}

	logger := h.logger.With(
		"instance_id", claims.InstanceID,
		"command_id", claims.CommandID,
	)

	// jti — ключ дедупликации события
	err = h.instances.RaiseEventOnce(ctx, claims.InstanceID, claims.CommandID, claims.ID, &res)
	if errors.Is(err, durable.ErrInstanceNotFound) {
		Gone(w, "orchestration instance no longer exists")
		return
	}
	if err != nil {
		InternalError(w, logger, err)
		return
	}

	if err := h.callbacks.Consume(ctx, claims); err != nil {
		logger.Warn("failed to consume callback token", "error", err)
	}

	logger.Info("provider callback accepted", "runtime_status", res.RuntimeStatus)
	Accepted(w, map[string]string{"command_id": claims.CommandID})
}
