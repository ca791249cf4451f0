package httpapi

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"repairpos/backend/internal/domain"
)

// ledgerFilterFromQuery reads the search parameters shared by the list and
// export endpoints. Date-only bounds are read in the ledger time zone and
// a date-only "to" includes the whole day.
func (a *API) ledgerFilterFromQuery(q url.Values) (domain.LedgerFilter, error) {
	filter := domain.LedgerFilter{
		StoreID:    strings.TrimSpace(q.Get("store_id")),
		Query:      q.Get("q"),
		IMEI:       q.Get("imei"),
		SellerName: q.Get("seller"),
		Status:     domain.LedgerStatus(strings.TrimSpace(q.Get("status"))),
		Limit:      parsePositiveLimit(q.Get("limit"), 100, 1000),
	}

	if raw := strings.TrimSpace(q.Get("declared")); raw != "" {
		declared, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, domain.NewValidationError("declared", "must be true or false")
		}
		filter.Declared = &declared
	}
	if raw := strings.TrimSpace(q.Get("offset")); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return filter, domain.NewValidationError("offset", "must be a non-negative integer")
		}
		filter.Offset = offset
	}

	from, err := a.parsePeriodBound("from", q.Get("from"), false)
	if err != nil {
		return filter, err
	}
	to, err := a.parsePeriodBound("to", q.Get("to"), true)
	if err != nil {
		return filter, err
	}
	filter.From, filter.To = from, to
	return filter, nil
}

// parsePeriodBound accepts RFC 3339 timestamps or YYYY-MM-DD dates.
func (a *API) parsePeriodBound(field string, raw string, upper bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	day, err := time.ParseInLocation(time.DateOnly, raw, a.ledger.Location())
	if err != nil {
		return nil, domain.NewValidationError(field, "must be a date (YYYY-MM-DD) or an RFC 3339 timestamp")
	}
	if upper {
		day = day.AddDate(0, 0, 1)
	}
	return &day, nil
}

func (a *API) handleSearchLedger(w http.ResponseWriter, r *http.Request) {
	filter, err := a.ledgerFilterFromQuery(r.URL.Query())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	entries, err := a.ledger.Search(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleAppendLedger records an acquisition made outside the buyback
// workflow. Entries tied to a device are only created by its payment.
func (a *API) handleAppendLedger(w http.ResponseWriter, r *http.Request) {
	var draft domain.LedgerDraft
	if err := decodeJSON(r, &draft); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(draft.DeviceID) != "" {
		writeServiceError(w, domain.NewValidationError("device_id", "device entries are created when the device is paid"))
		return
	}
	entry, err := a.ledger.Append(r.Context(), draft)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"entry": entry})
}

func (a *API) handleGetLedgerEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := a.ledger.Get(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": entry})
}

// handleExportLedger streams the register as CSV, or as JSON with
// ?format=json.
func (a *API) handleExportLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, err := a.ledgerFilterFromQuery(q)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	export, err := a.ledger.Export(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if strings.EqualFold(q.Get("format"), "json") {
		writeJSON(w, http.StatusOK, export)
		return
	}

	filename := fmt.Sprintf("logbook-%s.csv", export.GeneratedAt.In(a.ledger.Location()).Format("20060102"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	if err := cw.Write(export.Columns); err != nil {
		a.logger.Error("logbook export failed", "error", err)
		return
	}
	if err := cw.WriteAll(export.Rows); err != nil {
		a.logger.Error("logbook export failed", "error", err)
	}
}

func (a *API) handleUndeclaredSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := a.parsePeriodBound("from", q.Get("from"), false)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	to, err := a.parsePeriodBound("to", q.Get("to"), true)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if from == nil || to == nil {
		writeServiceError(w, domain.NewValidationError("period", "from and to are required"))
		return
	}

	summary, err := a.ledger.UndeclaredSummary(r.Context(), strings.TrimSpace(q.Get("store_id")), *from, *to)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}

type lifecycleRequest struct {
	domain.LedgerLifecycleUpdate
	ManagerPIN string `json:"manager_pin"`
}

// handleLedgerLifecycle closes an active entry. Admin role and manager PIN
// are both required.
func (a *API) handleLedgerLifecycle(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !a.checkManagerPIN(w, r, req.ManagerPIN) {
		return
	}
	entry, err := a.ledger.UpdateLifecycle(r.Context(), chi.URLParam(r, "number"), req.LedgerLifecycleUpdate)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": entry})
}

func (a *API) handleMarkDeclared(w http.ResponseWriter, r *http.Request) {
	var req domain.DeclarationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := a.ledger.MarkDeclared(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
