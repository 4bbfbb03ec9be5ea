package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"examhub/internal/config"
	"examhub/internal/grader"
	"examhub/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Routing smoke checks that never reach the database: health, metrics, and
// the identity/role gates in front of every API route.
func TestRouterSmoke(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.RateLimitPerMin = 1000
	cfg.CORS.AllowedOrigins = []string{"*"}

	collector := observability.NewCollector(nil, zerolog.Nop())
	router := NewRouter(cfg, nil, zerolog.Nop(), collector, grader.NewOpenAIGrader(grader.OpenAIConfig{}))

	userID := uuid.NewString()
	tenantID := uuid.NewString()

	tests := []struct {
		name       string
		method     string
		target     string
		role       string
		wantStatus int
	}{
		{name: "healthz", method: http.MethodGet, target: "/healthz", wantStatus: http.StatusOK},
		{name: "metrics", method: http.MethodGet, target: "/metrics", wantStatus: http.StatusOK},
		{name: "no identity", method: http.MethodPost, target: "/api/v1/subjects", wantStatus: http.StatusUnauthorized},
		{name: "student on teacher route", method: http.MethodPost, target: "/api/v1/subjects", role: "student", wantStatus: http.StatusForbidden},
		{name: "teacher on student route", method: http.MethodPost, target: "/api/v1/attempts", role: "teacher", wantStatus: http.StatusForbidden},
		{name: "teacher bad body", method: http.MethodPost, target: "/api/v1/subjects", role: "teacher", wantStatus: http.StatusBadRequest},
		{name: "bad attempt id", method: http.MethodPost, target: "/api/v1/attempts/not-a-uuid/submit", role: "student", wantStatus: http.StatusBadRequest},
		{name: "bad role", method: http.MethodPost, target: "/api/v1/subjects", role: "superuser", wantStatus: http.StatusUnauthorized},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.target, nil)
			if tc.role != "" {
				req.Header.Set("X-User-Id", userID)
				req.Header.Set("X-Tenant-Id", tenantID)
				req.Header.Set("X-Role", tc.role)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tc.wantStatus {
				t.Fatalf("%s %s: got status %d, want %d", tc.method, tc.target, w.Code, tc.wantStatus)
			}
		})
	}
}
