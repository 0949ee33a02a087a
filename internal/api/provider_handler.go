package api

import (
	"net/http"
	"sort"

	"github.com/shaiso/Tandem/internal/repo"
)

// ListProviders возвращает зарегистрированных провайдеров.
// GET /api/v1/providers
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.providers.List(r.Context(), repo.Scope{})
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	sort.Slice(providers, func(i, j int) bool { return providers[i].ID < providers[j].ID })

	result := make([]ProviderResponse, len(providers))
	for i := range providers {
		result[i] = ProviderFromDomain(&providers[i])
	}

	List(w, result, len(result))
}

// GetProvider возвращает провайдера по ID.
// GET /api/v1/providers/{id}
func (h *Handler) GetProvider(w http.ResponseWriter, r *http.Request) {
	provider, err := h.providers.Get(r.Context(), r.PathValue("id"))
	if HandleRepoError(w, h.logger, err, "provider not found") {
		return
	}

	Success(w, ProviderFromDomain(provider))
}
