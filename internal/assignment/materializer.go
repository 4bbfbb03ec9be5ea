package assignment

import (
	"context"
	"database/sql"
	"fmt"

	"examhub/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	SourceManual      = "manual"
	SourceSubjectAuto = "subject_auto"

	TypePractice   = "practice"
	TypeAssessment = "assessment"
)

// assignmentConflictKey must match the expressions of the
// assignments_natural_key unique index so ON CONFLICT inference resolves.
const assignmentConflictKey = `(assignee_student_id, COALESCE(lesson_id, exam_id), COALESCE(subject_enrollment_id, '00000000-0000-0000-0000-000000000000'::uuid))`

// Result reports candidate and created counts per content kind. Skipped
// candidates (created < candidates) are expected steady-state, not failures.
type Result struct {
	LessonCandidates int `json:"lesson_candidates"`
	LessonCreated    int `json:"lesson_created"`
	ExamCandidates   int `json:"exam_candidates"`
	ExamCreated      int `json:"exam_created"`
}

func (r Result) add(other Result) Result {
	r.LessonCandidates += other.LessonCandidates
	r.LessonCreated += other.LessonCreated
	r.ExamCandidates += other.ExamCandidates
	r.ExamCreated += other.ExamCreated
	return r
}

// EnrollmentRef identifies an activated enrollment plus the subject context
// the materializer needs to build candidate rows.
type EnrollmentRef struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	SubjectID      uuid.UUID
	StudentID      uuid.UUID
	TeacherOwnerID uuid.UUID
}

// ContentRef identifies newly published content under a subject. Exactly one
// of LessonID/ExamID is set.
type ContentRef struct {
	TenantID       uuid.UUID
	SubjectID      uuid.UUID
	TeacherOwnerID uuid.UUID
	LessonID       uuid.UUID
	ExamID         uuid.UUID
}

// Materializer keeps assignment rows synchronized with the cross product of
// eligible enrollments and published content. Both entry points run inside
// the caller's transaction and are idempotent: re-running for the same
// (enrollment, content) pair creates nothing.
type Materializer struct {
	metrics            *observability.Collector
	logger             zerolog.Logger
	defaultMaxAttempts int
}

func NewMaterializer(metrics *observability.Collector, logger zerolog.Logger, defaultMaxAttempts int) *Materializer {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 3
	}
	return &Materializer{
		metrics:            metrics,
		logger:             logger,
		defaultMaxAttempts: defaultMaxAttempts,
	}
}

// OnEnrollmentActivated creates one auto assignment per already-published,
// non-deleted lesson and exam under the enrollment's subject.
func (m *Materializer) OnEnrollmentActivated(ctx context.Context, tx *sql.Tx, enr EnrollmentRef) (Result, error) {
	var res Result

	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM lessons WHERE subject_id = $1 AND NOT is_deleted
	`, enr.SubjectID).Scan(&res.LessonCandidates); err != nil {
		return Result{}, fmt.Errorf("count lesson candidates: %w", err)
	}

	lessonResult, err := tx.ExecContext(ctx, `
		INSERT INTO assignments (
			id, tenant_id, assignee_student_id, assigned_by_teacher_id,
			lesson_id, exam_id, assignment_source, assignment_type,
			max_attempts, due_at, subject_enrollment_id
		)
		SELECT
			gen_random_uuid(), l.tenant_id, $1, $2,
			l.id, NULL, 'subject_auto', 'practice',
			$3, NULL, $4
		FROM lessons l
		WHERE l.subject_id = $5 AND NOT l.is_deleted
		ON CONFLICT `+assignmentConflictKey+` DO NOTHING
	`, enr.StudentID, enr.TeacherOwnerID, m.defaultMaxAttempts, enr.ID, enr.SubjectID)
	if err != nil {
		return Result{}, fmt.Errorf("materialize lesson assignments: %w", err)
	}
	created, _ := lessonResult.RowsAffected()
	res.LessonCreated = int(created)

	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM exams WHERE subject_id = $1 AND NOT is_deleted
	`, enr.SubjectID).Scan(&res.ExamCandidates); err != nil {
		return Result{}, fmt.Errorf("count exam candidates: %w", err)
	}

	examResult, err := tx.ExecContext(ctx, `
		INSERT INTO assignments (
			id, tenant_id, assignee_student_id, assigned_by_teacher_id,
			lesson_id, exam_id, assignment_source, assignment_type,
			max_attempts, due_at, subject_enrollment_id
		)
		SELECT
			gen_random_uuid(), e.tenant_id, $1, $2,
			NULL, e.id, 'subject_auto', 'practice',
			$3, NULL, $4
		FROM exams e
		WHERE e.subject_id = $5 AND NOT e.is_deleted
		ON CONFLICT `+assignmentConflictKey+` DO NOTHING
	`, enr.StudentID, enr.TeacherOwnerID, m.defaultMaxAttempts, enr.ID, enr.SubjectID)
	if err != nil {
		return Result{}, fmt.Errorf("materialize exam assignments: %w", err)
	}
	created, _ = examResult.RowsAffected()
	res.ExamCreated = int(created)

	m.recordCounts(res, observability.CounterAssignmentsCreatedEnrollment, observability.CounterAssignmentsSkippedEnrollment)
	m.logger.Info().
		Str("enrollment_id", enr.ID.String()).
		Int("lesson_created", res.LessonCreated).
		Int("exam_created", res.ExamCreated).
		Msg("materialized assignments on enrollment activation")
	return res, nil
}

// OnContentPublished creates one auto assignment for the new content per
// active enrollment that opted into future auto-assignment.
func (m *Materializer) OnContentPublished(ctx context.Context, tx *sql.Tx, content ContentRef) (Result, error) {
	if (content.LessonID == uuid.Nil) == (content.ExamID == uuid.Nil) {
		return Result{}, fmt.Errorf("content ref must carry exactly one of lesson or exam id")
	}

	var candidates int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM subject_enrollments
		WHERE subject_id = $1 AND status = 'active' AND auto_assign_future
	`, content.SubjectID).Scan(&candidates); err != nil {
		return Result{}, fmt.Errorf("count enrollment candidates: %w", err)
	}

	var lessonID, examID any
	if content.LessonID != uuid.Nil {
		lessonID = content.LessonID
	}
	if content.ExamID != uuid.Nil {
		examID = content.ExamID
	}

	insertResult, err := tx.ExecContext(ctx, `
		INSERT INTO assignments (
			id, tenant_id, assignee_student_id, assigned_by_teacher_id,
			lesson_id, exam_id, assignment_source, assignment_type,
			max_attempts, due_at, subject_enrollment_id
		)
		SELECT
			gen_random_uuid(), se.tenant_id, se.student_id, $1,
			$2, $3, 'subject_auto', 'practice',
			$4, NULL, se.id
		FROM subject_enrollments se
		WHERE se.subject_id = $5 AND se.status = 'active' AND se.auto_assign_future
		ON CONFLICT `+assignmentConflictKey+` DO NOTHING
	`, content.TeacherOwnerID, lessonID, examID, m.defaultMaxAttempts, content.SubjectID)
	if err != nil {
		return Result{}, fmt.Errorf("materialize assignments for content: %w", err)
	}
	created, _ := insertResult.RowsAffected()

	var res Result
	if content.LessonID != uuid.Nil {
		res.LessonCandidates = candidates
		res.LessonCreated = int(created)
	} else {
		res.ExamCandidates = candidates
		res.ExamCreated = int(created)
	}

	m.recordCounts(res, observability.CounterAssignmentsCreatedContent, observability.CounterAssignmentsSkippedContent)
	m.logger.Info().
		Str("subject_id", content.SubjectID.String()).
		Int("candidates", candidates).
		Int64("created", created).
		Msg("materialized assignments on content publication")
	return res, nil
}

func (m *Materializer) recordCounts(res Result, createdCounter, skippedCounter string) {
	if m.metrics == nil {
		return
	}
	created := res.LessonCreated + res.ExamCreated
	candidates := res.LessonCandidates + res.ExamCandidates
	m.metrics.Add(createdCounter, int64(created))
	m.metrics.Add(skippedCounter, int64(candidates-created))
}
