package attempt

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"examhub/internal/app/apiresp"
	"examhub/internal/exam"
	"examhub/internal/identity"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Handler struct {
	svc attemptService
}

type attemptService interface {
	CreateAttempt(ctx context.Context, ident identity.Identity, assignmentID uuid.UUID) (*Attempt, error)
	SaveResponses(ctx context.Context, ident identity.Identity, attemptID uuid.UUID, inputs []ResponseInput) error
	Submit(ctx context.Context, ident identity.Identity, attemptID uuid.UUID) (*Attempt, error)
	GetAttempt(ctx context.Context, ident identity.Identity, attemptID uuid.UUID) (*AttemptDetail, error)
}

func NewHandler(svc attemptService) *Handler {
	return &Handler{svc: svc}
}

type createAttemptRequest struct {
	AssignmentID uuid.UUID `json:"assignment_id"`
}

type saveResponsesRequest struct {
	Responses []ResponseInput `json:"responses"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity.FromContext(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createAttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AssignmentID == uuid.Nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "assignment_id is required")
		return
	}

	attempt, err := h.svc.CreateAttempt(r.Context(), ident, req.AssignmentID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, attempt)
}

func (h *Handler) SaveResponses(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity.FromContext(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	attemptID, err := uuid.Parse(chi.URLParam(r, "attemptID"))
	if err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid attempt id")
		return
	}

	var req saveResponsesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := h.svc.SaveResponses(r.Context(), ident, attemptID, req.Responses); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, map[string]int{"saved": len(req.Responses)})
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity.FromContext(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	attemptID, err := uuid.Parse(chi.URLParam(r, "attemptID"))
	if err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid attempt id")
		return
	}

	attempt, err := h.svc.Submit(r.Context(), ident, attemptID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, attempt)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity.FromContext(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	attemptID, err := uuid.Parse(chi.URLParam(r, "attemptID"))
	if err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid attempt id")
		return
	}

	detail, err := h.svc.GetAttempt(r.Context(), ident, attemptID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, detail)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrAssignmentNotFound), errors.Is(err, ErrAttemptNotFound),
		errors.Is(err, exam.ErrExamNotFound):
		apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAssignmentForbidden), errors.Is(err, ErrAttemptForbidden):
		apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, ErrAttemptInProgress), errors.Is(err, ErrQuotaExhausted),
		errors.Is(err, ErrAlreadySubmitted), errors.Is(err, ErrAttemptNotEditable):
		apiresp.WriteError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, exam.ErrSchemaInvalid):
		apiresp.WriteError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrNotExamAssignment), errors.Is(err, ErrQuestionNotInExam),
		errors.Is(err, ErrInvalidResponse):
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
	default:
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}
