package exam

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"examhub/internal/app/apiresp"
	"examhub/internal/identity"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Handler struct {
	svc contentService
}

type contentService interface {
	UploadExam(ctx context.Context, ident identity.Identity, subjectID uuid.UUID, payload json.RawMessage) (*UploadExamResult, error)
	PublishLesson(ctx context.Context, ident identity.Identity, subjectID uuid.UUID, title string) (*PublishLessonResult, error)
	GetNormalizedExam(ctx context.Context, tenantID, examID uuid.UUID) (*NormalizedExam, error)
}

func NewHandler(svc contentService) *Handler {
	return &Handler{svc: svc}
}

type publishLessonRequest struct {
	Title string `json:"title"`
}

// UploadExam accepts a raw exam payload under a subject. The body is the exam
// document itself; a rejected payload answers 422 with the collected errors.
func (h *Handler) UploadExam(w http.ResponseWriter, r *http.Request) {
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

	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := h.svc.UploadExam(r.Context(), ident, subjectID, payload)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if result.Exam == nil {
		apiresp.WriteValidation(w, r, "exam payload rejected", result.Errors)
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, result)
}

func (h *Handler) PublishLesson(w http.ResponseWriter, r *http.Request) {
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

	var req publishLessonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		apiresp.WriteError(w, r, http.StatusBadRequest, "title is required")
		return
	}

	result, err := h.svc.PublishLesson(r.Context(), ident, subjectID, req.Title)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, result)
}

// GetExam returns the canonical normalized schema of an exam.
func (h *Handler) GetExam(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity.FromContext(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	examID, err := uuid.Parse(chi.URLParam(r, "examID"))
	if err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid exam id")
		return
	}

	normalized, err := h.svc.GetNormalizedExam(r.Context(), ident.TenantID, examID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, normalized)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrSubjectNotFound), errors.Is(err, ErrExamNotFound):
		apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, ErrSchemaInvalid):
		apiresp.WriteError(w, r, http.StatusUnprocessableEntity, "exam schema missing or malformed")
	default:
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}
