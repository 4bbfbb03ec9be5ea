package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"examhub/internal/app/apiresp"
	"examhub/internal/identity"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Handler struct {
	svc assignService
}

type assignService interface {
	AssignManual(ctx context.Context, ident identity.Identity, in ManualAssignInput) (*ManualAssignResult, error)
}

func NewHandler(svc assignService) *Handler {
	return &Handler{svc: svc}
}

type manualAssignRequest struct {
	StudentIDs     []uuid.UUID `json:"student_ids"`
	LessonID       uuid.UUID   `json:"lesson_id"`
	ExamID         uuid.UUID   `json:"exam_id"`
	AssignmentType string      `json:"assignment_type"`
	MaxAttempts    int         `json:"max_attempts"`
	DueAt          *time.Time  `json:"due_at"`
}

func (h *Handler) AssignManual(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity.FromContext(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	subjectID, err := uuid.Parse(chi.URLParam(r, "subjectID"))
	if err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid subject id")
		return
	}

	var req manualAssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := h.svc.AssignManual(r.Context(), ident, ManualAssignInput{
		SubjectID:      subjectID,
		StudentIDs:     req.StudentIDs,
		LessonID:       req.LessonID,
		ExamID:         req.ExamID,
		AssignmentType: req.AssignmentType,
		MaxAttempts:    req.MaxAttempts,
		DueAt:          req.DueAt,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, result)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrSubjectNotFound), errors.Is(err, ErrContentNotFound):
		apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, ErrInvalidInput):
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
	default:
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}
