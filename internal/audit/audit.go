package audit

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Actions recorded by the core services.
const (
	ActionExamUploaded           = "exam.uploaded"
	ActionLessonPublished        = "lesson.published"
	ActionAssignmentMaterialized = "assignment.materialized"
	ActionAssignmentManual       = "assignment.manual"
	ActionAttemptSubmitted       = "attempt.submitted"
)

type Event struct {
	TenantID   uuid.UUID
	ActorID    uuid.UUID
	Action     string
	EntityType string
	EntityID   uuid.UUID
	Payload    any
}

// Sink appends events to the audit log. Writes are best-effort: failures are
// logged and swallowed so the emitting operation never fails on audit.
type Sink struct {
	db     *sql.DB
	logger zerolog.Logger
}

func NewSink(db *sql.DB, logger zerolog.Logger) *Sink {
	return &Sink{db: db, logger: logger}
}

func (s *Sink) Emit(ctx context.Context, ev Event) {
	var payload []byte
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			s.logger.Error().Err(err).Str("action", ev.Action).Msg("marshal audit payload")
		} else {
			payload = b
		}
	}

	var entityID any
	if ev.EntityID != uuid.Nil {
		entityID = ev.EntityID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, tenant_id, actor_id, action, entity_type, entity_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), ev.TenantID, ev.ActorID, ev.Action, ev.EntityType, entityID, nullableJSON(payload))
	if err != nil {
		s.logger.Error().Err(err).Str("action", ev.Action).Msg("append audit event")
	}
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
