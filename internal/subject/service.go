package subject

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"examhub/internal/assignment"
	"examhub/internal/audit"
	"examhub/internal/identity"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrSubjectNotFound    = errors.New("subject not found")
	ErrEnrollmentNotFound = errors.New("enrollment not found")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidInput       = errors.New("invalid input")
)

const (
	EnrollmentActive    = "active"
	EnrollmentCompleted = "completed"
)

type Subject struct {
	ID             uuid.UUID `json:"id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	TeacherOwnerID uuid.UUID `json:"teacher_owner_id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
}

type Enrollment struct {
	ID               uuid.UUID `json:"id"`
	TenantID         uuid.UUID `json:"tenant_id"`
	SubjectID        uuid.UUID `json:"subject_id"`
	StudentID        uuid.UUID `json:"student_id"`
	Status           string    `json:"status"`
	AutoAssignFuture bool      `json:"auto_assign_future"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type Service struct {
	db           *sql.DB
	materializer *assignment.Materializer
	audit        *audit.Sink
	logger       zerolog.Logger
}

func NewService(db *sql.DB, materializer *assignment.Materializer, auditSink *audit.Sink, logger zerolog.Logger) *Service {
	return &Service{db: db, materializer: materializer, audit: auditSink, logger: logger}
}

// CreateSubject is idempotent on (tenant, owner, normalized name): creating a
// subject that already exists returns the existing record.
func (s *Service) CreateSubject(ctx context.Context, ident identity.Identity, name string) (*Subject, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	normalized := normalizeName(name)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subjects (id, tenant_id, teacher_owner_id, name, name_normalized)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, teacher_owner_id, name_normalized) DO NOTHING
	`, uuid.New(), ident.TenantID, ident.UserID, name, normalized)
	if err != nil {
		return nil, fmt.Errorf("insert subject: %w", err)
	}

	var subj Subject
	err = s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, teacher_owner_id, name, created_at
		FROM subjects
		WHERE tenant_id = $1 AND teacher_owner_id = $2 AND name_normalized = $3
	`, ident.TenantID, ident.UserID, normalized).Scan(
		&subj.ID, &subj.TenantID, &subj.TeacherOwnerID, &subj.Name, &subj.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("load subject: %w", err)
	}
	return &subj, nil
}

// EnrollStudent creates (or reactivates) the student's enrollment and, when
// this activates it, materializes assignments for all published content.
func (s *Service) EnrollStudent(ctx context.Context, ident identity.Identity, subjectID, studentID uuid.UUID, autoAssignFuture bool) (*Enrollment, assignment.Result, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, assignment.Result{}, fmt.Errorf("begin enroll tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	teacherOwnerID, err := s.loadOwnedSubject(ctx, tx, ident, subjectID)
	if err != nil {
		return nil, assignment.Result{}, err
	}

	insertResult, err := tx.ExecContext(ctx, `
		INSERT INTO subject_enrollments (id, tenant_id, subject_id, student_id, status, auto_assign_future)
		VALUES ($1, $2, $3, $4, 'active', $5)
		ON CONFLICT (subject_id, student_id) DO NOTHING
	`, uuid.New(), ident.TenantID, subjectID, studentID, autoAssignFuture)
	if err != nil {
		return nil, assignment.Result{}, fmt.Errorf("insert enrollment: %w", err)
	}
	inserted, _ := insertResult.RowsAffected()

	enr, err := loadEnrollmentBySubjectStudent(ctx, tx, subjectID, studentID)
	if err != nil {
		return nil, assignment.Result{}, err
	}

	activated := inserted > 0
	if !activated && enr.Status == EnrollmentCompleted {
		// Re-enrolling a completed student reactivates the enrollment.
		if err := updateEnrollmentStatus(ctx, tx, enr.ID, EnrollmentActive); err != nil {
			return nil, assignment.Result{}, err
		}
		enr.Status = EnrollmentActive
		activated = true
	}

	var matResult assignment.Result
	if activated {
		matResult, err = s.materializer.OnEnrollmentActivated(ctx, tx, assignment.EnrollmentRef{
			ID:             enr.ID,
			TenantID:       enr.TenantID,
			SubjectID:      subjectID,
			StudentID:      studentID,
			TeacherOwnerID: teacherOwnerID,
		})
		if err != nil {
			return nil, assignment.Result{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, assignment.Result{}, fmt.Errorf("commit enroll tx: %w", err)
	}

	if activated {
		s.audit.Emit(ctx, audit.Event{
			TenantID:   ident.TenantID,
			ActorID:    ident.UserID,
			Action:     audit.ActionAssignmentMaterialized,
			EntityType: "subject_enrollment",
			EntityID:   enr.ID,
			Payload:    matResult,
		})
	}
	return enr, matResult, nil
}

// SetEnrollmentStatus transitions an enrollment between active and completed.
// Reactivation (completed to active) triggers materialization.
func (s *Service) SetEnrollmentStatus(ctx context.Context, ident identity.Identity, enrollmentID uuid.UUID, status string) (*Enrollment, assignment.Result, error) {
	if status != EnrollmentActive && status != EnrollmentCompleted {
		return nil, assignment.Result{}, fmt.Errorf("%w: unknown enrollment status %q", ErrInvalidInput, status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, assignment.Result{}, fmt.Errorf("begin status tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	enr := &Enrollment{}
	var teacherOwnerID uuid.UUID
	err = tx.QueryRowContext(ctx, `
		SELECT se.id, se.tenant_id, se.subject_id, se.student_id, se.status,
		       se.auto_assign_future, se.created_at, se.updated_at,
		       s.teacher_owner_id
		FROM subject_enrollments se
		JOIN subjects s ON s.id = se.subject_id
		WHERE se.id = $1 AND se.tenant_id = $2
		FOR UPDATE OF se
	`, enrollmentID, ident.TenantID).Scan(
		&enr.ID, &enr.TenantID, &enr.SubjectID, &enr.StudentID, &enr.Status,
		&enr.AutoAssignFuture, &enr.CreatedAt, &enr.UpdatedAt,
		&teacherOwnerID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, assignment.Result{}, ErrEnrollmentNotFound
		}
		return nil, assignment.Result{}, fmt.Errorf("load enrollment: %w", err)
	}
	if ident.ActiveRole != identity.RoleAdmin && teacherOwnerID != ident.UserID {
		return nil, assignment.Result{}, ErrForbidden
	}

	reactivated := enr.Status == EnrollmentCompleted && status == EnrollmentActive
	if enr.Status != status {
		if err := updateEnrollmentStatus(ctx, tx, enr.ID, status); err != nil {
			return nil, assignment.Result{}, err
		}
		enr.Status = status
	}

	var matResult assignment.Result
	if reactivated {
		matResult, err = s.materializer.OnEnrollmentActivated(ctx, tx, assignment.EnrollmentRef{
			ID:             enr.ID,
			TenantID:       enr.TenantID,
			SubjectID:      enr.SubjectID,
			StudentID:      enr.StudentID,
			TeacherOwnerID: teacherOwnerID,
		})
		if err != nil {
			return nil, assignment.Result{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, assignment.Result{}, fmt.Errorf("commit status tx: %w", err)
	}
	return enr, matResult, nil
}

func (s *Service) loadOwnedSubject(ctx context.Context, tx *sql.Tx, ident identity.Identity, subjectID uuid.UUID) (uuid.UUID, error) {
	var teacherOwnerID uuid.UUID
	err := tx.QueryRowContext(ctx, `
		SELECT teacher_owner_id FROM subjects WHERE id = $1 AND tenant_id = $2
	`, subjectID, ident.TenantID).Scan(&teacherOwnerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, ErrSubjectNotFound
		}
		return uuid.Nil, fmt.Errorf("load subject: %w", err)
	}
	if ident.ActiveRole != identity.RoleAdmin && teacherOwnerID != ident.UserID {
		return uuid.Nil, ErrForbidden
	}
	return teacherOwnerID, nil
}

func loadEnrollmentBySubjectStudent(ctx context.Context, tx *sql.Tx, subjectID, studentID uuid.UUID) (*Enrollment, error) {
	enr := &Enrollment{}
	err := tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, subject_id, student_id, status, auto_assign_future, created_at, updated_at
		FROM subject_enrollments
		WHERE subject_id = $1 AND student_id = $2
	`, subjectID, studentID).Scan(
		&enr.ID, &enr.TenantID, &enr.SubjectID, &enr.StudentID, &enr.Status,
		&enr.AutoAssignFuture, &enr.CreatedAt, &enr.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, fmt.Errorf("load enrollment: %w", err)
	}
	return enr, nil
}

func updateEnrollmentStatus(ctx context.Context, tx *sql.Tx, enrollmentID uuid.UUID, status string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE subject_enrollments SET status = $2, updated_at = now() WHERE id = $1
	`, enrollmentID, status); err != nil {
		return fmt.Errorf("update enrollment status: %w", err)
	}
	return nil
}

// normalizeName lower-cases and collapses interior whitespace so subject
// identity is stable across cosmetic variations.
func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
