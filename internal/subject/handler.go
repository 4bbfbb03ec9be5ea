package subject

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"examhub/internal/app/apiresp"
	"examhub/internal/assignment"
	"examhub/internal/identity"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Handler struct {
	svc subjectService
}

type subjectService interface {
	CreateSubject(ctx context.Context, ident identity.Identity, name string) (*Subject, error)
	EnrollStudent(ctx context.Context, ident identity.Identity, subjectID, studentID uuid.UUID, autoAssignFuture bool) (*Enrollment, assignment.Result, error)
	SetEnrollmentStatus(ctx context.Context, ident identity.Identity, enrollmentID uuid.UUID, status string) (*Enrollment, assignment.Result, error)
}

func NewHandler(svc subjectService) *Handler {
	return &Handler{svc: svc}
}

type createSubjectRequest struct {
	Name string `json:"name"`
}

type enrollRequest struct {
	StudentID        uuid.UUID `json:"student_id"`
	AutoAssignFuture *bool     `json:"auto_assign_future"`
}

type enrollmentStatusRequest struct {
	Status string `json:"status"`
}

type enrollResponse struct {
	Enrollment   *Enrollment       `json:"enrollment"`
	Materialized assignment.Result `json:"materialized"`
}

func (h *Handler) CreateSubject(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity.FromContext(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createSubjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	subj, err := h.svc.CreateSubject(r.Context(), ident, req.Name)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, subj)
}

func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
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

	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.StudentID == uuid.Nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "student_id is required")
		return
	}
	autoAssign := true
	if req.AutoAssignFuture != nil {
		autoAssign = *req.AutoAssignFuture
	}

	enr, matResult, err := h.svc.EnrollStudent(r.Context(), ident, subjectID, req.StudentID, autoAssign)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, enrollResponse{Enrollment: enr, Materialized: matResult})
}

func (h *Handler) SetEnrollmentStatus(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity.FromContext(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	enrollmentID, err := uuid.Parse(chi.URLParam(r, "enrollmentID"))
	if err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid enrollment id")
		return
	}

	var req enrollmentStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	enr, matResult, err := h.svc.SetEnrollmentStatus(r.Context(), ident, enrollmentID, req.Status)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, enrollResponse{Enrollment: enr, Materialized: matResult})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrSubjectNotFound), errors.Is(err, ErrEnrollmentNotFound):
		apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, ErrInvalidInput):
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
	default:
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}
