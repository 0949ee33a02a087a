package api

import (
	"net/http"

	"github.com/shaiso/Tandem/internal/repo"
)

// ListSchedules возвращает список schedules с фильтрацией.
// GET /api/v1/schedules?organization=...&project_id=...&component_id=...&enabled=...
//
// Создание и изменение расписаний идут командами Schedule*Command.
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	scope := repo.Scope{
		Organization: query.Get("organization"),
		ProjectID:    query.Get("project_id"),
		ComponentID:  query.Get("component_id"),
	}

	schedules, err := h.schedules.List(r.Context(), scope)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	enabledStr := query.Get("enabled")

	result := make([]ScheduleResponse, 0, len(schedules))
	for i := range schedules {
		if enabledStr != "" && schedules[i].Enabled != (enabledStr == "true") {
			continue
		}
		result = append(result, ScheduleFromDomain(&schedules[i]))
	}

	List(w, result, len(result))
}

// GetSchedule возвращает schedule по ID.
// GET /api/v1/schedules/{id}
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := h.schedules.Get(r.Context(), r.PathValue("id"))
	if HandleRepoError(w, h.logger, err, "schedule not found") {
		return
	}

	Success(w, ScheduleFromDomain(schedule))
}
