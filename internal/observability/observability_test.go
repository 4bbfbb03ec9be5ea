package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector(nil, zerolog.Nop())

	c.Inc(CounterGradingObjective)
	c.Add(CounterGradingObjective, 2)
	c.Add(CounterGradingLLMOK, 0)

	if got := c.Value(CounterGradingObjective); got != 3 {
		t.Fatalf("got %d, want 3", got)
	}
	if got := c.Value(CounterGradingLLMOK); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}

func TestCollectorCountersConcurrent(t *testing.T) {
	c := NewCollector(nil, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Inc(CounterGradingLLMOK)
		}()
	}
	wg.Wait()

	if got := c.Value(CounterGradingLLMOK); got != 50 {
		t.Fatalf("got %d, want 50", got)
	}
}

func TestMetricsHandlerOutput(t *testing.T) {
	c := NewCollector(nil, zerolog.Nop())
	c.Add(CounterAssignmentsCreatedManual, 7)

	handler := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/subjects/6f1e98b2-45e7-4b7e-8a3e-9a4f6f9f2c11/exams", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	w := httptest.NewRecorder()
	c.MetricsHandler(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := w.Body.String()
	if !strings.Contains(body, "examhub_assignments_created_manual 7") {
		t.Fatalf("counter missing from output:\n%s", body)
	}
	if !strings.Contains(body, `path="/api/v1/subjects/{id}/exams"`) {
		t.Fatalf("http stat path not normalized:\n%s", body)
	}
	if !strings.Contains(body, `status="201"`) {
		t.Fatalf("http stat status missing:\n%s", body)
	}
}

func TestNormalizedPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/healthz", "/healthz"},
		{"/api/v1/attempts/0b6c6d3e-7b1a-4f6e-bb76-1f2d3c4b5a69", "/api/v1/attempts/{id}"},
		{"/api/v1/attempts/12345/submit", "/api/v1/attempts/{id}/submit"},
		{"/api/v1/subjects", "/api/v1/subjects"},
	}
	for _, tc := range tests {
		if got := normalizedPath(tc.in); got != tc.want {
			t.Errorf("normalizedPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
