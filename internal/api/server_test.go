package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitequest/sitequest/internal/coordinator"
	"github.com/sitequest/sitequest/internal/crawler"
	"github.com/sitequest/sitequest/internal/queue"
)

type fixedIDGen struct{ id string }

func (g fixedIDGen) NewID() (string, error) { return g.id, nil }

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

type testEnv struct {
	server   *Server
	registry *coordinator.Registry
	queue    *queue.Memory
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	reg := coordinator.NewRegistry()
	q := queue.NewMemory(8)
	srv := NewServer(cfg, Deps{
		Registry: reg,
		Queue:    q,
		IDGen:    fixedIDGen{id: "job-fixed"},
		Clock:    fakeClock{},
	})
	return &testEnv{server: srv, registry: reg, queue: q}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func validRequest() map[string]any {
	return map[string]any{
		"url":       "https://example.com/docs",
		"objective": "find the changelog",
		"config": map[string]any{
			"max_pages": 10,
			"formats":   []string{"markdown", "links"},
		},
	}
}

func TestSubmitCrawl_Accepts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	rec := env.do(t, http.MethodPost, "/v1/crawl", validRequest())
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "job-fixed", resp["job_id"])
	require.Equal(t, "running", resp["status"])

	// Coordinator registered and submission queued.
	_, ok := env.registry.Get("job-fixed")
	require.True(t, ok)
	sub, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-fixed", sub.JobID)
	require.Equal(t, 10, sub.Config.MaxPages)
	require.Equal(t, []crawler.Format{crawler.FormatMarkdown, crawler.FormatLinks}, sub.Config.Formats)
	require.True(t, sub.Config.EarlyTermination)
}

func TestSubmitCrawl_AppliesDefaultsAndCaps(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	req := map[string]any{
		"url": "https://example.com",
		"config": map[string]any{
			"max_pages":   100000,
			"concurrency": 999,
		},
	}
	rec := env.do(t, http.MethodPost, "/v1/crawl", req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	sub, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, DefaultLimits().MaxPages, sub.Config.MaxPages)
	require.Equal(t, DefaultLimits().MaxConcurrency, sub.Config.Concurrency)
	require.Equal(t, DefaultLimits().DefaultMaxDepth, sub.Config.MaxDepth)
	require.Equal(t, []crawler.Format{crawler.FormatMarkdown}, sub.Config.Formats)
}

func TestSubmitCrawl_RejectsBadInput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	cases := []struct {
		name string
		body map[string]any
	}{
		{"bad scheme", map[string]any{"url": "ftp://example.com"}},
		{"missing url", map[string]any{}},
		{"unknown format", map[string]any{
			"url":    "https://example.com",
			"config": map[string]any{"formats": []string{"pdf"}},
		}},
		{"bad include pattern", map[string]any{
			"url":    "https://example.com",
			"config": map[string]any{"include_patterns": []string{"["}},
		}},
		{"unknown webhook event", map[string]any{
			"url":     "https://example.com",
			"webhook": map[string]any{"url": "https://hooks.example.com", "events": []string{"job.paused"}},
		}},
		{"relative webhook url", map[string]any{
			"url":     "https://example.com",
			"webhook": map[string]any{"url": "/hooks"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/crawl", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGetJob_NotFound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	rec := env.do(t, http.MethodGet, "/v1/jobs/unknown", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJob_ReturnsSnapshot(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	env.do(t, http.MethodPost, "/v1/crawl", validRequest())

	rec := env.do(t, http.MethodGet, "/v1/jobs/job-fixed", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var job crawler.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, "job-fixed", job.ID)
	require.Equal(t, crawler.JobStatusPending, job.Status)
	require.Equal(t, "https://example.com/docs", job.SeedURL)
	require.Equal(t, 1, job.PagesFound)
}

func TestGetDecisions_EmptyJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	env.do(t, http.MethodPost, "/v1/crawl", validRequest())

	rec := env.do(t, http.MethodGet, "/v1/jobs/job-fixed/decisions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		JobID     string                      `json:"job_id"`
		Decisions []crawler.Decision          `json:"decisions"`
		Patterns  []crawler.DiscoveredPattern `json:"patterns"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "job-fixed", resp.JobID)
	require.NotNil(t, resp.Decisions)
	require.Empty(t, resp.Decisions)
}

func TestCancelJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	env.do(t, http.MethodPost, "/v1/crawl", validRequest())

	rec := env.do(t, http.MethodPost, "/v1/jobs/job-fixed/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "cancelled", resp["status"])

	coord, ok := env.registry.Get("job-fixed")
	require.True(t, ok)
	require.Equal(t, crawler.JobStatusCancelled, coord.Snapshot().Status)
}

func TestAPIKey_GuardsV1Routes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{AuthEnabled: true, APIKey: "secret"})

	rec := env.do(t, http.MethodPost, "/v1/crawl", validRequest())
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Health stays open.
	rec = env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// With the key the request goes through.
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(validRequest()))
	req := httptest.NewRequest(http.MethodPost, "/v1/crawl", &buf)
	req.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
