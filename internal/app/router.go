package app

import (
	"database/sql"
	"net/http"
	"time"

	"examhub/internal/assignment"
	"examhub/internal/attempt"
	"examhub/internal/audit"
	"examhub/internal/config"
	"examhub/internal/exam"
	"examhub/internal/grader"
	"examhub/internal/identity"
	"examhub/internal/observability"
	"examhub/internal/subject"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// NewRouter wires the HTTP surface. Identity is resolved from gateway headers
// on every /api/v1 route; role checks sit on the route groups.
func NewRouter(cfg *config.Config, db *sql.DB, logger zerolog.Logger, collector *observability.Collector, g grader.Grader) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(collector.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           cfg.CORS.MaxAge,
	}))

	auditSink := audit.NewSink(db, logger)
	materializer := assignment.NewMaterializer(collector, logger, cfg.Assignments.DefaultMaxAttempts)

	subjectSvc := subject.NewService(db, materializer, auditSink, logger)
	examSvc := exam.NewService(db, materializer, auditSink, logger)
	assignmentSvc := assignment.NewService(db, collector, auditSink, logger, cfg.Assignments.DefaultMaxAttempts)
	pipeline := attempt.NewPipeline(g, collector, logger, cfg.Grader.MaxConcurrency)
	attemptSvc := attempt.NewService(db, examSvc, pipeline, auditSink, logger)

	subjectHandler := subject.NewHandler(subjectSvc)
	examHandler := exam.NewHandler(examSvc)
	assignmentHandler := assignment.NewHandler(assignmentSvc)
	attemptHandler := attempt.NewHandler(attemptSvc)

	limiter := NewIPRateLimiter(cfg.Server.RateLimitPerMin, time.Minute)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	r.Get("/metrics", collector.MetricsHandler)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(identity.Require)
		api.Use(RateLimitMiddleware(limiter))

		api.Group(func(teach chi.Router) {
			teach.Use(identity.RequireRoles(identity.RoleTeacher, identity.RoleAdmin))

			teach.Post("/subjects", subjectHandler.CreateSubject)
			teach.Post("/subjects/{subjectID}/enrollments", subjectHandler.Enroll)
			teach.Patch("/enrollments/{enrollmentID}", subjectHandler.SetEnrollmentStatus)

			teach.Post("/subjects/{subjectID}/exams", examHandler.UploadExam)
			teach.Post("/subjects/{subjectID}/lessons", examHandler.PublishLesson)
			teach.Post("/subjects/{subjectID}/assignments", assignmentHandler.AssignManual)
		})

		api.Get("/exams/{examID}", examHandler.GetExam)

		api.Group(func(study chi.Router) {
			study.Use(identity.RequireRoles(identity.RoleStudent))

			study.Post("/attempts", attemptHandler.Create)
			study.Put("/attempts/{attemptID}/responses", attemptHandler.SaveResponses)
			study.Post("/attempts/{attemptID}/submit", attemptHandler.Submit)
		})

		api.Get("/attempts/{attemptID}", attemptHandler.Get)
	})

	return r
}
