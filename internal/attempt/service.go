package attempt

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"examhub/internal/audit"
	"examhub/internal/exam"
	"examhub/internal/identity"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

var (
	ErrAssignmentNotFound  = errors.New("assignment not found")
	ErrAssignmentForbidden = errors.New("assignment forbidden")
	ErrNotExamAssignment   = errors.New("assignment does not reference an exam")
	ErrAttemptNotFound     = errors.New("attempt not found")
	ErrAttemptForbidden    = errors.New("attempt forbidden")
	ErrAttemptInProgress   = errors.New("an attempt is already in progress")
	ErrQuotaExhausted      = errors.New("attempt quota exhausted")
	ErrAlreadySubmitted    = errors.New("attempt already submitted")
	ErrAttemptNotEditable  = errors.New("attempt is not editable")
	ErrQuestionNotInExam   = errors.New("question not in exam")
	ErrInvalidResponse     = errors.New("invalid response")
)

const (
	StatusInProgress  = "in_progress"
	StatusSubmitted   = "submitted"
	StatusGraded      = "graded"
	StatusNeedsReview = "needs_review"
)

// createAttemptRetries bounds retries on serialization failures of the
// serializable create-attempt transaction.
const createAttemptRetries = 3

type examStore interface {
	GetNormalizedExam(ctx context.Context, tenantID, examID uuid.UUID) (*exam.NormalizedExam, error)
}

// Service governs the attempt state machine:
// in_progress -> submitted -> {graded | needs_review}.
type Service struct {
	db       *sql.DB
	exams    examStore
	pipeline *Pipeline
	audit    *audit.Sink
	logger   zerolog.Logger
}

func NewService(db *sql.DB, exams examStore, pipeline *Pipeline, auditSink *audit.Sink, logger zerolog.Logger) *Service {
	return &Service{db: db, exams: exams, pipeline: pipeline, audit: auditSink, logger: logger}
}

type Attempt struct {
	ID             uuid.UUID       `json:"id"`
	TenantID       uuid.UUID       `json:"tenant_id"`
	AssignmentID   uuid.UUID       `json:"assignment_id"`
	StudentID      uuid.UUID       `json:"student_id"`
	ExamID         uuid.UUID       `json:"exam_id"`
	Status         string          `json:"status"`
	ScorePercent   *int            `json:"score_percent,omitempty"`
	GradingSummary *GradingSummary `json:"grading_summary,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	SubmittedAt    *time.Time      `json:"submitted_at,omitempty"`
}

type ResponseInput struct {
	QuestionID string          `json:"question_id"`
	Answer     json.RawMessage `json:"answer"`
}

// CreateAttempt opens a new attempt under serializable isolation. The guard
// sequence (ownership, single in-flight, quota) must observe a consistent
// snapshot so two racing creations cannot both pass the quota check.
func (s *Service) CreateAttempt(ctx context.Context, ident identity.Identity, assignmentID uuid.UUID) (*Attempt, error) {
	var attempt *Attempt
	var err error
	for try := 0; try < createAttemptRetries; try++ {
		attempt, err = s.createAttemptOnce(ctx, ident, assignmentID)
		if err == nil || !isSerializationFailure(err) {
			break
		}
		s.logger.Debug().Int("try", try+1).Msg("create attempt serialization retry")
	}
	if err != nil && isSerializationFailure(err) {
		// Exhausted retries racing another creation; report as the conflict
		// the other request won.
		return nil, ErrAttemptInProgress
	}
	return attempt, err
}

func (s *Service) createAttemptOnce(ctx context.Context, ident identity.Identity, assignmentID uuid.UUID) (*Attempt, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin create attempt tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		assigneeID  uuid.UUID
		examID      uuid.NullUUID
		maxAttempts int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT assignee_student_id, exam_id, max_attempts
		FROM assignments
		WHERE id = $1 AND tenant_id = $2
	`, assignmentID, ident.TenantID).Scan(&assigneeID, &examID, &maxAttempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAssignmentNotFound
		}
		return nil, fmt.Errorf("load assignment: %w", err)
	}
	if assigneeID != ident.UserID {
		return nil, ErrAssignmentForbidden
	}
	if !examID.Valid {
		return nil, ErrNotExamAssignment
	}

	var inFlight bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM attempts
			WHERE assignment_id = $1 AND student_id = $2 AND status = 'in_progress'
		)
	`, assignmentID, ident.UserID).Scan(&inFlight)
	if err != nil {
		return nil, fmt.Errorf("check in-flight attempt: %w", err)
	}
	if inFlight {
		return nil, ErrAttemptInProgress
	}

	var priorAttempts int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM attempts WHERE assignment_id = $1 AND student_id = $2
	`, assignmentID, ident.UserID).Scan(&priorAttempts)
	if err != nil {
		return nil, fmt.Errorf("count prior attempts: %w", err)
	}
	if priorAttempts >= maxAttempts {
		return nil, ErrQuotaExhausted
	}

	attempt := &Attempt{
		ID:           uuid.New(),
		TenantID:     ident.TenantID,
		AssignmentID: assignmentID,
		StudentID:    ident.UserID,
		ExamID:       examID.UUID,
		Status:       StatusInProgress,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO attempts (id, tenant_id, assignment_id, student_id, exam_id, status)
		VALUES ($1, $2, $3, $4, $5, 'in_progress')
		RETURNING started_at
	`, attempt.ID, attempt.TenantID, attempt.AssignmentID, attempt.StudentID, attempt.ExamID).Scan(&attempt.StartedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAttemptInProgress
		}
		return nil, fmt.Errorf("insert attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create attempt tx: %w", err)
	}
	return attempt, nil
}

// SaveResponses upserts one or more answers atomically. Permitted only while
// the attempt is in progress; every answer must target a question of the
// attempt's exam and must not be null.
func (s *Service) SaveResponses(ctx context.Context, ident identity.Identity, attemptID uuid.UUID, inputs []ResponseInput) error {
	if len(inputs) == 0 {
		return fmt.Errorf("%w: no responses given", ErrInvalidResponse)
	}

	row, err := s.loadAttemptRow(ctx, attemptID, ident.TenantID)
	if err != nil {
		return err
	}
	if row.StudentID != ident.UserID {
		return ErrAttemptForbidden
	}
	if row.Status != StatusInProgress {
		return ErrAttemptNotEditable
	}

	normalized, err := s.exams.GetNormalizedExam(ctx, ident.TenantID, row.ExamID)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(normalized.Questions))
	for _, q := range normalized.Questions {
		known[q.ID] = struct{}{}
	}

	for _, in := range inputs {
		if _, ok := known[in.QuestionID]; !ok {
			return fmt.Errorf("%w: %q", ErrQuestionNotInExam, in.QuestionID)
		}
		if len(in.Answer) == 0 || bytes.Equal(bytes.TrimSpace(in.Answer), []byte("null")) {
			return fmt.Errorf("%w: question %q has no answer", ErrInvalidResponse, in.QuestionID)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin autosave tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, in := range inputs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO responses (attempt_id, question_id, answer_json, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (attempt_id, question_id)
			DO UPDATE SET answer_json = EXCLUDED.answer_json, updated_at = now()
		`, attemptID, in.QuestionID, []byte(in.Answer)); err != nil {
			return fmt.Errorf("upsert response: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit autosave tx: %w", err)
	}
	return nil
}

// Submit performs the single terminal transition. The status flip is a
// conditional single-row update only one caller can win; grading then runs to
// completion and its results are persisted in one transaction.
func (s *Service) Submit(ctx context.Context, ident identity.Identity, attemptID uuid.UUID) (*Attempt, error) {
	row, err := s.loadAttemptRow(ctx, attemptID, ident.TenantID)
	if err != nil {
		return nil, err
	}
	if row.StudentID != ident.UserID {
		return nil, ErrAttemptForbidden
	}

	// A submitted attempt whose exam schema is missing or malformed must not
	// be partially graded; verify before claiming the transition.
	normalized, err := s.exams.GetNormalizedExam(ctx, ident.TenantID, row.ExamID)
	if err != nil {
		return nil, err
	}

	claim, err := s.db.ExecContext(ctx, `
		UPDATE attempts
		SET status = 'submitted', submitted_at = now()
		WHERE id = $1 AND student_id = $2 AND status = 'in_progress'
	`, attemptID, ident.UserID)
	if err != nil {
		return nil, fmt.Errorf("claim submit: %w", err)
	}
	if n, _ := claim.RowsAffected(); n == 0 {
		return nil, s.classifySubmitConflict(ctx, attemptID, ident)
	}

	answers, err := s.loadAnswers(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	outcome := s.pipeline.Grade(ctx, normalized.Questions, answers)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin grading tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	summaryJSON, err := json.Marshal(outcome.Summary)
	if err != nil {
		return nil, fmt.Errorf("encode grading summary: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE attempts
		SET status = $2, score_percent = $3, grading_summary = $4
		WHERE id = $1
	`, attemptID, outcome.Status, outcome.ScorePercent, summaryJSON); err != nil {
		return nil, fmt.Errorf("persist grading outcome: %w", err)
	}

	for _, graded := range outcome.Questions {
		gradedJSON, err := json.Marshal(graded)
		if err != nil {
			return nil, fmt.Errorf("encode graded question: %w", err)
		}
		// Creates the response row when no answer was ever autosaved.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO responses (attempt_id, question_id, grading_json, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (attempt_id, question_id)
			DO UPDATE SET grading_json = EXCLUDED.grading_json, updated_at = now()
		`, attemptID, graded.QuestionID, gradedJSON); err != nil {
			return nil, fmt.Errorf("persist graded question: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit grading tx: %w", err)
	}

	s.audit.Emit(ctx, audit.Event{
		TenantID:   ident.TenantID,
		ActorID:    ident.UserID,
		Action:     audit.ActionAttemptSubmitted,
		EntityType: "attempt",
		EntityID:   attemptID,
		Payload:    outcome.Summary,
	})

	final, err := s.loadAttemptRow(ctx, attemptID, ident.TenantID)
	if err != nil {
		return nil, err
	}
	return final.toAttempt(), nil
}

type AttemptDetail struct {
	Attempt   Attempt          `json:"attempt"`
	Responses []ResponseRecord `json:"responses"`
}

type ResponseRecord struct {
	QuestionID string          `json:"question_id"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Grading    json.RawMessage `json:"grading,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (s *Service) GetAttempt(ctx context.Context, ident identity.Identity, attemptID uuid.UUID) (*AttemptDetail, error) {
	row, err := s.loadAttemptRow(ctx, attemptID, ident.TenantID)
	if err != nil {
		return nil, err
	}
	if ident.ActiveRole == identity.RoleStudent && row.StudentID != ident.UserID {
		return nil, ErrAttemptForbidden
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT question_id, answer_json, grading_json, updated_at
		FROM responses
		WHERE attempt_id = $1
		ORDER BY question_id
	`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query responses: %w", err)
	}
	defer rows.Close()

	responses := make([]ResponseRecord, 0)
	for rows.Next() {
		var rec ResponseRecord
		var answer, grading []byte
		if err := rows.Scan(&rec.QuestionID, &answer, &grading, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		rec.Answer = answer
		rec.Grading = grading
		responses = append(responses, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate responses: %w", err)
	}

	return &AttemptDetail{Attempt: *row.toAttempt(), Responses: responses}, nil
}

func (s *Service) classifySubmitConflict(ctx context.Context, attemptID uuid.UUID, ident identity.Identity) error {
	row, err := s.loadAttemptRow(ctx, attemptID, ident.TenantID)
	if err != nil {
		return err
	}
	if row.StudentID != ident.UserID {
		return ErrAttemptForbidden
	}
	return ErrAlreadySubmitted
}

func (s *Service) loadAnswers(ctx context.Context, attemptID uuid.UUID) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT question_id, answer_json
		FROM responses
		WHERE attempt_id = $1 AND answer_json IS NOT NULL
	`, attemptID)
	if err != nil {
		return nil, fmt.Errorf("query answers: %w", err)
	}
	defer rows.Close()

	answers := make(map[string]json.RawMessage)
	for rows.Next() {
		var questionID string
		var answer []byte
		if err := rows.Scan(&questionID, &answer); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		answers[questionID] = answer
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate answers: %w", err)
	}
	return answers, nil
}

type attemptRow struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	AssignmentID   uuid.UUID
	StudentID      uuid.UUID
	ExamID         uuid.UUID
	Status         string
	ScorePercent   sql.NullInt64
	GradingSummary []byte
	StartedAt      time.Time
	SubmittedAt    sql.NullTime
}

func (r *attemptRow) toAttempt() *Attempt {
	a := &Attempt{
		ID:           r.ID,
		TenantID:     r.TenantID,
		AssignmentID: r.AssignmentID,
		StudentID:    r.StudentID,
		ExamID:       r.ExamID,
		Status:       r.Status,
		StartedAt:    r.StartedAt,
	}
	if r.ScorePercent.Valid {
		score := int(r.ScorePercent.Int64)
		a.ScorePercent = &score
	}
	if r.SubmittedAt.Valid {
		t := r.SubmittedAt.Time
		a.SubmittedAt = &t
	}
	if len(r.GradingSummary) > 0 {
		var summary GradingSummary
		if err := json.Unmarshal(r.GradingSummary, &summary); err == nil {
			a.GradingSummary = &summary
		}
	}
	return a
}

func (s *Service) loadAttemptRow(ctx context.Context, attemptID, tenantID uuid.UUID) (*attemptRow, error) {
	row := &attemptRow{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, assignment_id, student_id, exam_id, status,
		       score_percent, grading_summary, started_at, submitted_at
		FROM attempts
		WHERE id = $1 AND tenant_id = $2
	`, attemptID, tenantID).Scan(
		&row.ID,
		&row.TenantID,
		&row.AssignmentID,
		&row.StudentID,
		&row.ExamID,
		&row.Status,
		&row.ScorePercent,
		&row.GradingSummary,
		&row.StartedAt,
		&row.SubmittedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("load attempt: %w", err)
	}
	return row, nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
