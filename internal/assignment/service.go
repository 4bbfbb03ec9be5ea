package assignment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"examhub/internal/audit"
	"examhub/internal/identity"
	"examhub/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrSubjectNotFound = errors.New("subject not found")
	ErrContentNotFound = errors.New("content not found")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidInput    = errors.New("invalid input")
)

// Service handles the manual assignment path. It bypasses the materializer
// but still guarantees an enrollment row per target student so enrollment
// bookkeeping stays consistent.
type Service struct {
	db                 *sql.DB
	metrics            *observability.Collector
	audit              *audit.Sink
	logger             zerolog.Logger
	defaultMaxAttempts int
}

func NewService(db *sql.DB, metrics *observability.Collector, auditSink *audit.Sink, logger zerolog.Logger, defaultMaxAttempts int) *Service {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 3
	}
	return &Service{
		db:                 db,
		metrics:            metrics,
		audit:              auditSink,
		logger:             logger,
		defaultMaxAttempts: defaultMaxAttempts,
	}
}

type ManualAssignInput struct {
	SubjectID      uuid.UUID
	StudentIDs     []uuid.UUID
	LessonID       uuid.UUID
	ExamID         uuid.UUID
	AssignmentType string
	MaxAttempts    int
	DueAt          *time.Time
}

type ManualAssignResult struct {
	Candidates int `json:"candidates"`
	Created    int `json:"created"`
}

func (s *Service) AssignManual(ctx context.Context, ident identity.Identity, in ManualAssignInput) (*ManualAssignResult, error) {
	if len(in.StudentIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one student is required", ErrInvalidInput)
	}
	if (in.LessonID == uuid.Nil) == (in.ExamID == uuid.Nil) {
		return nil, fmt.Errorf("%w: exactly one of lesson_id or exam_id is required", ErrInvalidInput)
	}
	assignmentType := in.AssignmentType
	if assignmentType == "" {
		assignmentType = TypePractice
	}
	if assignmentType != TypePractice && assignmentType != TypeAssessment {
		return nil, fmt.Errorf("%w: unknown assignment type %q", ErrInvalidInput, in.AssignmentType)
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.defaultMaxAttempts
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin manual assign tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var teacherOwnerID uuid.UUID
	err = tx.QueryRowContext(ctx, `
		SELECT teacher_owner_id
		FROM subjects
		WHERE id = $1 AND tenant_id = $2
	`, in.SubjectID, ident.TenantID).Scan(&teacherOwnerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubjectNotFound
		}
		return nil, fmt.Errorf("load subject: %w", err)
	}
	if ident.ActiveRole != identity.RoleAdmin && teacherOwnerID != ident.UserID {
		return nil, ErrForbidden
	}

	var lessonID, examID any
	if in.LessonID != uuid.Nil {
		lessonID = in.LessonID
		if err := contentExists(ctx, tx, "lessons", in.LessonID, in.SubjectID); err != nil {
			return nil, err
		}
	} else {
		examID = in.ExamID
		if err := contentExists(ctx, tx, "exams", in.ExamID, in.SubjectID); err != nil {
			return nil, err
		}
	}

	result := &ManualAssignResult{Candidates: len(in.StudentIDs)}
	for _, studentID := range in.StudentIDs {
		enrollmentID, err := ensureEnrollment(ctx, tx, ident.TenantID, in.SubjectID, studentID)
		if err != nil {
			return nil, err
		}

		insertResult, err := tx.ExecContext(ctx, `
			INSERT INTO assignments (
				id, tenant_id, assignee_student_id, assigned_by_teacher_id,
				lesson_id, exam_id, assignment_source, assignment_type,
				max_attempts, due_at, subject_enrollment_id
			) VALUES ($1, $2, $3, $4, $5, $6, 'manual', $7, $8, $9, $10)
			ON CONFLICT `+assignmentConflictKey+` DO NOTHING
		`, uuid.New(), ident.TenantID, studentID, ident.UserID,
			lessonID, examID, assignmentType, maxAttempts, in.DueAt, enrollmentID)
		if err != nil {
			return nil, fmt.Errorf("insert manual assignment: %w", err)
		}
		created, _ := insertResult.RowsAffected()
		result.Created += int(created)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit manual assign tx: %w", err)
	}

	if s.metrics != nil {
		s.metrics.Add(observability.CounterAssignmentsCreatedManual, int64(result.Created))
		s.metrics.Add(observability.CounterAssignmentsSkippedManual, int64(result.Candidates-result.Created))
	}
	s.audit.Emit(ctx, audit.Event{
		TenantID:   ident.TenantID,
		ActorID:    ident.UserID,
		Action:     audit.ActionAssignmentManual,
		EntityType: "subject",
		EntityID:   in.SubjectID,
		Payload:    result,
	})

	return result, nil
}

// ensureEnrollment guarantees an enrollment row for the student, creating one
// with auto_assign_future disabled when absent. Idempotent on the
// (subject, student) uniqueness key.
func ensureEnrollment(ctx context.Context, tx *sql.Tx, tenantID, subjectID, studentID uuid.UUID) (uuid.UUID, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO subject_enrollments (id, tenant_id, subject_id, student_id, status, auto_assign_future)
		VALUES ($1, $2, $3, $4, 'active', FALSE)
		ON CONFLICT (subject_id, student_id) DO NOTHING
	`, uuid.New(), tenantID, subjectID, studentID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("ensure enrollment: %w", err)
	}

	var enrollmentID uuid.UUID
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM subject_enrollments WHERE subject_id = $1 AND student_id = $2
	`, subjectID, studentID).Scan(&enrollmentID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("load enrollment: %w", err)
	}
	return enrollmentID, nil
}

func contentExists(ctx context.Context, tx *sql.Tx, table string, contentID, subjectID uuid.UUID) error {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM `+table+`
			WHERE id = $1 AND subject_id = $2 AND NOT is_deleted
		)
	`, contentID, subjectID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check content: %w", err)
	}
	if !exists {
		return ErrContentNotFound
	}
	return nil
}
