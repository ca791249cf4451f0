// Package httpapi exposes the buyback workflow, the compliance ledger and
// their administration over JSON/HTTP.
package httpapi

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"repairpos/backend/internal/buyback"
	"repairpos/backend/internal/catalog"
	"repairpos/backend/internal/domain"
	"repairpos/backend/internal/intake"
	"repairpos/backend/internal/ledger"
	"repairpos/backend/internal/service"
	"repairpos/backend/internal/store"
)

var (
	errMissingCSRF      = errors.New("missing or invalid CSRF token")
	errMissingToken     = errors.New("missing bearer token")
	errForbiddenRole    = errors.New("forbidden role")
	errTooManyAttempts  = errors.New("too many attempts, retry later")
	errInvalidPIN       = errors.New("invalid manager PIN")
	errMethodNotAllowed = errors.New("method not allowed")
	errRouteNotFound    = errors.New("route not found")
)

const maxJSONBody = 1 << 20

type Deps struct {
	Intake        *intake.Controller
	Buyback       *buyback.Manager
	Ledger        *ledger.Service
	Catalog       *catalog.Service
	Auditor       *service.Auditor
	Auth          *AuthManager
	Flags         ledger.FlagSource
	Logger        *slog.Logger
	AllowedOrigin string
}

type API struct {
	intake        *intake.Controller
	buyback       *buyback.Manager
	ledger        *ledger.Service
	catalog       *catalog.Service
	auditor       *service.Auditor
	auth          *AuthManager
	flags         ledger.FlagSource
	logger        *slog.Logger
	allowedOrigin string
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
	csrfSecret    []byte
}

func New(deps Deps) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		panic("httpapi: crypto/rand unavailable: " + err.Error())
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &API{
		intake:        deps.Intake,
		buyback:       deps.Buyback,
		ledger:        deps.Ledger,
		catalog:       deps.Catalog,
		auditor:       deps.Auditor,
		auth:          deps.Auth,
		flags:         deps.Flags,
		logger:        deps.Logger,
		allowedOrigin: deps.AllowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		csrfSecret:    csrfSecret,
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(a.secureHeaders)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errRouteNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
	})

	r.Get("/healthz", a.handleHealth)
	r.Post("/api/v1/auth/login", a.handleLogin)
	r.Get("/api/v1/auth/csrf-token", a.handleCSRFToken)

	r.Group(func(r chi.Router) {
		r.Use(a.requireAuth(domain.RoleOperator, domain.RoleAdmin))

		r.Get("/api/v1/features", a.handleFeatures)

		r.Route("/api/v1/evaluations", func(r chi.Router) {
			r.Post("/", a.handleStartEvaluation)
			r.Get("/{id}", a.handleGetEvaluation)
			r.Delete("/{id}", a.handleCancelEvaluation)
			r.Put("/{id}/steps/{step}", a.handleUpdateStep)
			r.Post("/{id}/next", a.handleNextStep)
			r.Post("/{id}/back", a.handleBackStep)
			r.Get("/{id}/preview", a.handlePreview)
			r.Post("/{id}/photos", a.handleAttachPhoto)
			r.Post("/{id}/finalize", a.handleFinalize)
		})

		r.Route("/api/v1/buyback/devices", func(r chi.Router) {
			r.Get("/", a.handleListDevices)
			r.Get("/{id}", a.handleGetDevice)
			r.Get("/{id}/ledger-entry", a.handleDeviceLedgerEntry)
			r.Post("/{id}/transition", a.handleTransitionDevice)
			r.Post("/{id}/revalue", a.handleRevalueDevice)
			r.With(a.requireRole(domain.RoleAdmin)).Post("/{id}/override", a.handleOverrideDevice)
		})

		r.Route("/api/v1/logbook", func(r chi.Router) {
			r.Get("/entries", a.handleSearchLedger)
			r.Post("/entries", a.handleAppendLedger)
			r.Get("/entries/{number}", a.handleGetLedgerEntry)
			r.Get("/export", a.handleExportLedger)
			r.Get("/undeclared-summary", a.handleUndeclaredSummary)

			r.Group(func(r chi.Router) {
				r.Use(a.requireRole(domain.RoleAdmin))
				r.Post("/entries/{number}/lifecycle", a.handleLedgerLifecycle)
				r.Post("/declarations", a.handleMarkDeclared)
			})
		})

		r.Get("/api/v1/catalog/price", a.handleCatalogPrice)
		r.Get("/api/v1/catalog/models", a.handleListCatalog)

		r.Group(func(r chi.Router) {
			r.Use(a.requireRole(domain.RoleAdmin))
			r.Put("/api/v1/catalog/models", a.handleUpsertCatalog)
			r.Get("/api/v1/audit-logs", a.handleAuditLogs)
			r.Get("/api/v1/users/operators", a.handleListOperators)
			r.Post("/api/v1/users/operators", a.handleCreateOperator)
		})
	})

	return r
}

// secureHeaders sets the security and CORS headers, answers preflight
// requests, bounds JSON bodies and enforces CSRF on state-changing calls.
func (a *API) secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		h.Set("Access-Control-Allow-Origin", a.allowedOrigin)
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		h.Set("Vary", "Origin")

		if isStateChanging(r.Method) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if !a.checkCSRF(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(startedAt),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, http.StatusUnauthorized, errMissingToken)
				return
			}

			actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}
			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errForbiddenRole)
				return
			}
			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

// requireRole narrows an authenticated group further. It must run after
// requireAuth.
func (a *API) requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := service.ActorFromContext(r.Context())
			if !ok || !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errForbiddenRole)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

// checkManagerPIN rate limits PIN attempts per client and writes the
// failure response itself.
func (a *API) checkManagerPIN(w http.ResponseWriter, r *http.Request, pin string) bool {
	if !a.pinLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errTooManyAttempts)
		return false
	}
	if !a.auth.ValidateManagerPIN(pin) {
		writeError(w, http.StatusForbidden, errInvalidPIN)
		return false
	}
	return true
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errTooManyAttempts)
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken returns a stateless token to send as X-CSRF-Token on
// every state-changing request.
func (a *API) handleCSRFToken(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"csrf_token": a.generateCSRFToken()})
}

func (a *API) handleFeatures(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"features": a.flags.FeatureFlags()})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	logs, err := a.auditor.List(r.Context(), q.Get("store_id"), q.Get("date"), parsePositiveLimit(q.Get("limit"), 100, 500))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

func (a *API) handleListOperators(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"operators": a.auth.ListOperators(r.Context())})
}

func (a *API) handleCreateOperator(w http.ResponseWriter, r *http.Request) {
	var req domain.OperatorCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	operator, err := a.auth.CreateOperator(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	a.auditor.Record(r.Context(), "", "operator_create", "user_account", operator.Username, "role="+operator.Role)
	writeJSON(w, http.StatusCreated, map[string]any{"operator": operator})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	if parsed, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && parsed > 0 {
		limit = parsed
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

type errorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category"`
	Field    string `json:"field,omitempty"`
}

// statusFor maps an error category onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrComplianceAccess):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrStateTransition), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrLookup):
		return http.StatusFailedDependency
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func categoryFor(status int, err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrConflict):
		return "conflict"
	}
	if category := domain.Category(err); category != "internal" {
		return category
	}
	switch status {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	}
	if status < 500 {
		return "bad_request"
	}
	return "internal"
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

// writeError renders {"error","category","field"}. 5xx messages are
// replaced with a generic text; the cause goes to the log only.
func writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: err.Error(), Category: categoryFor(status, err)}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	if status >= 500 {
		slog.Error("internal error", "status", status, "error", err)
		resp.Error = "internal server error"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
