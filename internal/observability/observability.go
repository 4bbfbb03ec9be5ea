package observability

import (
	"database/sql"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Domain counter names incremented by the core services. Incrementing is
// fire-and-forget: callers never block on or fail because of the collector.
const (
	CounterAssignmentsCreatedEnrollment = "assignments_created_on_enrollment"
	CounterAssignmentsSkippedEnrollment = "assignments_skipped_on_enrollment"
	CounterAssignmentsCreatedContent    = "assignments_created_on_content"
	CounterAssignmentsSkippedContent    = "assignments_skipped_on_content"
	CounterAssignmentsCreatedManual     = "assignments_created_manual"
	CounterAssignmentsSkippedManual     = "assignments_skipped_manual"
	CounterGradingObjective             = "grading_objective_total"
	CounterGradingLLMOK                 = "grading_llm_ok_total"
	CounterGradingLLMFailed             = "grading_llm_failed_total"
	CounterGradingNeedsReview           = "grading_needs_review_total"
)

type httpKey struct {
	Method string
	Path   string
	Status int
}

type httpStat struct {
	Count     int64
	LatencyMS float64
}

type Collector struct {
	db     *sql.DB
	logger zerolog.Logger

	mu        sync.RWMutex
	counters  map[string]int64
	httpStats map[httpKey]httpStat
	startedAt time.Time
}

func NewCollector(db *sql.DB, logger zerolog.Logger) *Collector {
	return &Collector{
		db:        db,
		logger:    logger,
		counters:  make(map[string]int64),
		httpStats: make(map[httpKey]httpStat),
		startedAt: time.Now(),
	}
}

func (c *Collector) Inc(name string) {
	c.Add(name, 1)
}

func (c *Collector) Add(name string, delta int64) {
	if delta == 0 {
		return
	}
	c.mu.Lock()
	c.counters[name] += delta
	c.mu.Unlock()
}

func (c *Collector) Value(name string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[name]
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		latencyMS := float64(time.Since(start).Microseconds()) / 1000.0
		path := normalizedPath(r.URL.Path)

		c.mu.Lock()
		k := httpKey{Method: r.Method, Path: path, Status: rec.status}
		s := c.httpStats[k]
		s.Count++
		s.LatencyMS += latencyMS
		c.httpStats[k] = s
		c.mu.Unlock()

		c.logger.Info().
			Str("method", r.Method).
			Str("path", path).
			Int("status", rec.status).
			Float64("latency_ms", latencyMS).
			Str("remote_ip", strings.TrimSpace(r.RemoteAddr)).
			Msg("http request")
	})
}

func (c *Collector) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	countersCopy := make(map[string]int64, len(c.counters))
	for k, v := range c.counters {
		countersCopy[k] = v
	}
	statsCopy := make(map[httpKey]httpStat, len(c.httpStats))
	for k, v := range c.httpStats {
		statsCopy[k] = v
	}
	startedAt := c.startedAt
	c.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString("# examhub observability metrics\n")
	sb.WriteString("# TYPE examhub_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("examhub_uptime_seconds %.0f\n", time.Since(startedAt).Seconds()))

	counterNames := make([]string, 0, len(countersCopy))
	for name := range countersCopy {
		counterNames = append(counterNames, name)
	}
	sort.Strings(counterNames)
	for _, name := range counterNames {
		sb.WriteString(fmt.Sprintf("# TYPE examhub_%s counter\n", name))
		sb.WriteString(fmt.Sprintf("examhub_%s %d\n", name, countersCopy[name]))
	}

	keys := make([]httpKey, 0, len(statsCopy))
	for k := range statsCopy {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Method != keys[j].Method {
			return keys[i].Method < keys[j].Method
		}
		if keys[i].Path != keys[j].Path {
			return keys[i].Path < keys[j].Path
		}
		return keys[i].Status < keys[j].Status
	})

	sb.WriteString("# TYPE examhub_http_requests_total counter\n")
	sb.WriteString("# TYPE examhub_http_request_latency_ms_sum counter\n")
	for _, k := range keys {
		s := statsCopy[k]
		labels := fmt.Sprintf("method=%q,path=%q,status=\"%d\"", k.Method, k.Path, k.Status)
		sb.WriteString(fmt.Sprintf("examhub_http_requests_total{%s} %d\n", labels, s.Count))
		sb.WriteString(fmt.Sprintf("examhub_http_request_latency_ms_sum{%s} %.3f\n", labels, s.LatencyMS))
	}

	if c.db != nil {
		dbs := c.db.Stats()
		sb.WriteString("# TYPE examhub_db_open_connections gauge\n")
		sb.WriteString(fmt.Sprintf("examhub_db_open_connections %d\n", dbs.OpenConnections))
		sb.WriteString("# TYPE examhub_db_in_use_connections gauge\n")
		sb.WriteString(fmt.Sprintf("examhub_db_in_use_connections %d\n", dbs.InUse))
		sb.WriteString("# TYPE examhub_db_wait_count counter\n")
		sb.WriteString(fmt.Sprintf("examhub_db_wait_count %d\n", dbs.WaitCount))
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

// normalizedPath collapses ID-ish path segments so metrics stay low-cardinality.
func normalizedPath(path string) string {
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if p == "" {
			continue
		}
		if looksLikeID(p) {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func looksLikeID(segment string) bool {
	if len(segment) == 36 && strings.Count(segment, "-") == 4 {
		return true
	}
	for _, r := range segment {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(segment) > 0
}
