package api

import (
	"net/http"
)

// RegisterRoutes регистрирует маршруты API.
//
// Изменения проходят только через POST /commands, ресурсы провайдеров
// и schedules доступны на чтение.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		Recovery(h.logger),
		Tracing(),
		Metrics(),
		Logging(h.logger),
	)

	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"POST /api/v1/commands", h.SubmitCommand},
		{"GET /api/v1/commands/{id}", h.GetCommand},
		{"DELETE /api/v1/commands/{id}", h.TerminateCommand},
		{"GET /api/v1/commands/{id}/watch", h.WatchCommand},

		{"POST /api/v1/callbacks/{token}", h.HandleCallback},

		{"GET /api/v1/providers", h.ListProviders},
		{"GET /api/v1/providers/{id}", h.GetProvider},

		{"GET /api/v1/schedules", h.ListSchedules},
		{"GET /api/v1/schedules/{id}", h.GetSchedule},
	}
	for _, rt := range routes {
		mux.Handle(rt.pattern, chain(rt.handler))
	}
}
