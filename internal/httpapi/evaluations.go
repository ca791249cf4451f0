package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"repairpos/backend/internal/intake"
	"repairpos/backend/internal/photo"
)

const photoFormField = "photo"

type startEvaluationRequest struct {
	StoreID string `json:"store_id,omitempty"`
}

func (a *API) handleStartEvaluation(w http.ResponseWriter, r *http.Request) {
	var req startEvaluationRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	session := a.intake.Start(r.Context(), req.StoreID)
	writeJSON(w, http.StatusCreated, map[string]any{"session": session})
}

func (a *API) handleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	session, err := a.intake.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleCancelEvaluation(w http.ResponseWriter, r *http.Request) {
	if err := a.intake.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUpdateStep stores the step data. The validation outcome is part of
// the response body; a failing step is not an HTTP error.
func (a *API) handleUpdateStep(w http.ResponseWriter, r *http.Request) {
	step, err := intake.ParseStep(chi.URLParam(r, "step"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	input, err := decodeStepInput(r, step)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	session, result, err := a.intake.UpdateStep(r.Context(), chi.URLParam(r, "id"), input)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session, "validation": result})
}

func decodeStepInput(r *http.Request, step intake.Step) (intake.StepInput, error) {
	switch step {
	case intake.StepIdentification:
		return decodeInput[intake.IdentificationInput](r)
	case intake.StepDevice:
		return decodeInput[intake.DeviceInput](r)
	case intake.StepCondition:
		return decodeInput[intake.ConditionInput](r)
	case intake.StepDocumentation:
		return decodeInput[intake.DocumentationInput](r)
	case intake.StepOfferReview:
		return decodeInput[intake.OfferReviewInput](r)
	}
	return nil, errors.New("unknown step")
}

func decodeInput[T intake.StepInput](r *http.Request) (intake.StepInput, error) {
	var in T
	if err := decodeJSON(r, &in); err != nil {
		return nil, err
	}
	return in, nil
}

func (a *API) handleNextStep(w http.ResponseWriter, r *http.Request) {
	session, result, err := a.intake.Next(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !result.Valid {
		writeServiceError(w, result.Err())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session, "validation": result})
}

func (a *API) handleBackStep(w http.ResponseWriter, r *http.Request) {
	session, err := a.intake.Back(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handlePreview(w http.ResponseWriter, r *http.Request) {
	valuation, err := a.intake.Preview(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valuation": valuation})
}

// handleAttachPhoto accepts one multipart file in the "photo" field.
func (a *API) handleAttachPhoto(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, photo.MaxSize+(1<<20))
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile(photoFormField)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer file.Close()

	session, ref, err := a.intake.AttachPhoto(r.Context(), chi.URLParam(r, "id"), header.Filename, file)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": session, "photo_ref": ref})
}

func (a *API) handleFinalize(w http.ResponseWriter, r *http.Request) {
	device, err := a.intake.Finalize(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"device": device})
}
