package exam

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"examhub/internal/assignment"
	"examhub/internal/audit"
	"examhub/internal/identity"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrSubjectNotFound = errors.New("subject not found")
	ErrExamNotFound    = errors.New("exam not found")
	ErrForbidden       = errors.New("forbidden")
	ErrSchemaInvalid   = errors.New("exam schema missing or malformed")
)

// Service persists normalized exam content and lessons and triggers
// auto-assignment materialization on publication.
type Service struct {
	db           *sql.DB
	materializer *assignment.Materializer
	audit        *audit.Sink
	logger       zerolog.Logger
}

func NewService(db *sql.DB, materializer *assignment.Materializer, auditSink *audit.Sink, logger zerolog.Logger) *Service {
	return &Service{db: db, materializer: materializer, audit: auditSink, logger: logger}
}

type ExamRecord struct {
	ID                  uuid.UUID `json:"id"`
	TenantID            uuid.UUID `json:"tenant_id"`
	SubjectID           uuid.UUID `json:"subject_id"`
	Title               string    `json:"title"`
	TimeLimitMinutes    int       `json:"time_limit_minutes"`
	PassingScorePercent int       `json:"passing_score_percent"`
	CreatedAt           time.Time `json:"created_at"`
}

type LessonRecord struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	SubjectID uuid.UUID `json:"subject_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

type UploadExamResult struct {
	Exam         *ExamRecord       `json:"exam,omitempty"`
	Errors       []string          `json:"errors"`
	Warnings     []string          `json:"warnings"`
	Materialized assignment.Result `json:"materialized"`
}

// UploadExam normalizes the raw payload and, when it is accepted, persists
// the exam and materializes assignments for eligible enrollments in one
// transaction. A rejected payload returns the collected validation errors
// with Exam nil and no error.
func (s *Service) UploadExam(ctx context.Context, ident identity.Identity, subjectID uuid.UUID, payload json.RawMessage) (*UploadExamResult, error) {
	teacherOwnerID, err := s.loadOwnedSubject(ctx, ident, subjectID)
	if err != nil {
		return nil, err
	}

	normResult := Normalize(payload)
	if normResult.Normalized == nil {
		return &UploadExamResult{Errors: normResult.Errors, Warnings: normResult.Warnings}, nil
	}
	normalized := normResult.Normalized

	normalizedJSON, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("encode normalized exam: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upload tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	record := &ExamRecord{
		ID:                  uuid.New(),
		TenantID:            ident.TenantID,
		SubjectID:           subjectID,
		Title:               normalized.Title,
		TimeLimitMinutes:    normalized.Settings.TimeLimitMinutes,
		PassingScorePercent: normalized.Settings.PassingScorePercent,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO exams (id, tenant_id, subject_id, title, normalized_json, time_limit_minutes, passing_score_percent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, record.ID, record.TenantID, record.SubjectID, record.Title,
		normalizedJSON, record.TimeLimitMinutes, record.PassingScorePercent,
	).Scan(&record.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert exam: %w", err)
	}

	matResult, err := s.materializer.OnContentPublished(ctx, tx, assignment.ContentRef{
		TenantID:       ident.TenantID,
		SubjectID:      subjectID,
		TeacherOwnerID: teacherOwnerID,
		ExamID:         record.ID,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upload tx: %w", err)
	}

	s.audit.Emit(ctx, audit.Event{
		TenantID:   ident.TenantID,
		ActorID:    ident.UserID,
		Action:     audit.ActionExamUploaded,
		EntityType: "exam",
		EntityID:   record.ID,
		Payload:    matResult,
	})

	return &UploadExamResult{
		Exam:         record,
		Errors:       normResult.Errors,
		Warnings:     normResult.Warnings,
		Materialized: matResult,
	}, nil
}

type PublishLessonResult struct {
	Lesson       *LessonRecord     `json:"lesson"`
	Materialized assignment.Result `json:"materialized"`
}

// PublishLesson creates a lesson under the subject and materializes
// assignments for eligible enrollments in one transaction.
func (s *Service) PublishLesson(ctx context.Context, ident identity.Identity, subjectID uuid.UUID, title string) (*PublishLessonResult, error) {
	teacherOwnerID, err := s.loadOwnedSubject(ctx, ident, subjectID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin publish tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	record := &LessonRecord{
		ID:        uuid.New(),
		TenantID:  ident.TenantID,
		SubjectID: subjectID,
		Title:     title,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO lessons (id, tenant_id, subject_id, title)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, record.ID, record.TenantID, record.SubjectID, record.Title).Scan(&record.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert lesson: %w", err)
	}

	matResult, err := s.materializer.OnContentPublished(ctx, tx, assignment.ContentRef{
		TenantID:       ident.TenantID,
		SubjectID:      subjectID,
		TeacherOwnerID: teacherOwnerID,
		LessonID:       record.ID,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit publish tx: %w", err)
	}

	s.audit.Emit(ctx, audit.Event{
		TenantID:   ident.TenantID,
		ActorID:    ident.UserID,
		Action:     audit.ActionLessonPublished,
		EntityType: "lesson",
		EntityID:   record.ID,
		Payload:    matResult,
	})

	return &PublishLessonResult{Lesson: record, Materialized: matResult}, nil
}

// GetNormalizedExam loads the canonical schema for an exam. A present row
// whose schema no longer decodes is reported as ErrSchemaInvalid so callers
// abort rather than grade partially.
func (s *Service) GetNormalizedExam(ctx context.Context, tenantID, examID uuid.UUID) (*NormalizedExam, error) {
	var normalizedJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT normalized_json
		FROM exams
		WHERE id = $1 AND tenant_id = $2 AND NOT is_deleted
	`, examID, tenantID).Scan(&normalizedJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("load normalized exam: %w", err)
	}

	var normalized NormalizedExam
	if err := json.Unmarshal(normalizedJSON, &normalized); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	if len(normalized.Questions) == 0 {
		return nil, ErrSchemaInvalid
	}
	return &normalized, nil
}

func (s *Service) loadOwnedSubject(ctx context.Context, ident identity.Identity, subjectID uuid.UUID) (uuid.UUID, error) {
	var teacherOwnerID uuid.UUID
	err := s.db.QueryRowContext(ctx, `
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
