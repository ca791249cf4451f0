package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/validation"
)

func (a *API) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.DeviceFilter{
		StoreID: strings.TrimSpace(q.Get("store_id")),
		Status:  domain.DeviceStatus(strings.TrimSpace(q.Get("status"))),
		IMEI:    validation.NormalizeIMEI(q.Get("imei")),
		Limit:   parsePositiveLimit(q.Get("limit"), 50, 500),
	}
	devices, err := a.buyback.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (a *API) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := a.buyback.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": device})
}

func (a *API) handleDeviceLedgerEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := a.ledger.GetByDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": entry})
}

func (a *API) handleTransitionDevice(w http.ResponseWriter, r *http.Request) {
	var req domain.DeviceTransitionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	device, err := a.buyback.Transition(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": device})
}

func (a *API) handleRevalueDevice(w http.ResponseWriter, r *http.Request) {
	device, err := a.buyback.Revalue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": device})
}

// handleOverrideDevice sets a manual offer. Admin role and manager PIN are
// both required.
func (a *API) handleOverrideDevice(w http.ResponseWriter, r *http.Request) {
	var req domain.PriceOverrideRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.checkManagerPIN(w, r, req.ManagerPIN) {
		return
	}
	device, err := a.buyback.Override(r.Context(), chi.URLParam(r, "id"), req.Amount, req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": device})
}
