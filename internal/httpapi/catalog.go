package httpapi

import (
	"net/http"

	"repairpos/backend/internal/domain"
)

func (a *API) handleCatalogPrice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	model, err := a.catalog.Get(r.Context(), q.Get("brand"), q.Get("model"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"model": model})
}

func (a *API) handleListCatalog(w http.ResponseWriter, r *http.Request) {
	models, err := a.catalog.List(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (a *API) handleUpsertCatalog(w http.ResponseWriter, r *http.Request) {
	var req domain.CatalogModel
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	model, err := a.catalog.Upsert(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"model": model})
}
