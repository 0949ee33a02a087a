package durable

import (
	"context"
	"log/slog"
)

// replaySafeHandler отбрасывает записи, пока оркестрация воспроизводит историю,
// чтобы каждое сообщение попадало в лог один раз.
type replaySafeHandler struct {
	inner     slog.Handler
	replaying func() bool
}

func newReplaySafeHandler(inner slog.Handler, replaying func() bool) *replaySafeHandler {
	return &replaySafeHandler{inner: inner, replaying: replaying}
}

func (h *replaySafeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.replaying() {
		return false
	}
	return h.inner.Enabled(ctx, level)
}

func (h *replaySafeHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *replaySafeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &replaySafeHandler{inner: h.inner.WithAttrs(attrs), replaying: h.replaying}
}

func (h *replaySafeHandler) WithGroup(name string) slog.Handler {
	return &replaySafeHandler{inner: h.inner.WithGroup(name), replaying: h.replaying}
}
