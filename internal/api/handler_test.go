package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permitflow/internal/extract"
	"permitflow/internal/shared/queue"
	"permitflow/pkg/logging"
)

const (
	testProjectID = "11111111-1111-4111-8111-111111111111"
	testUserID    = "22222222-2222-4222-8222-222222222222"
)

// failingQueue 入队总是失败
type failingQueue struct {
	queue.RunQueue
}

func (failingQueue) EnqueueRun(context.Context, *queue.RunMessage) (string, error) {
	return "", errors.New("redis: connection refused")
}

type recordingExtractor struct {
	mu   sync.Mutex
	reqs []extract.Request
}

func (e *recordingExtractor) Extract(_ context.Context, req extract.Request) (*extract.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reqs = append(e.reqs, req)
	return &extract.Result{Pages: 3}, nil
}

func newTestHandler(t *testing.T, q queue.RunQueue, ext extract.Extractor) *Handler {
	t.Helper()
	contract, err := LoadContract()
	require.NoError(t, err)
	return NewHandler(Deps{
		Queue:     q,
		Messages:  &memoryMessages{},
		Extractor: ext,
		Contract:  contract,
		Metrics:   NewMetrics(nil, "test"),
		Log:       logging.Nop(),
	})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// ============================================================================
// /health
// ============================================================================

func TestHealthEndpoint(t *testing.T) {
	h := newTestHandler(t, queue.NewMemoryQueue(1), nil)
	h.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	w := do(t, h.Router(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "2026-03-01T12:00:00Z", resp["timestamp"])
}

// ============================================================================
// /generate
// ============================================================================

func TestGenerateEnqueues(t *testing.T) {
	q := queue.NewMemoryQueue(4)
	h := newTestHandler(t, q, nil)

	body := `{"project_id":"` + testProjectID + `","user_id":"` + testUserID + `","flow_type":"corrections-analysis"}`
	w := do(t, h.Router(), http.MethodPost, "/generate", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"status":"processing","project_id":"`+testProjectID+`"}`, w.Body.String())

	msgs, err := q.ConsumeRuns(context.Background(), "c1", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, testProjectID, msgs[0].ProjectID)
	assert.Equal(t, testUserID, msgs[0].UserID)
	assert.Equal(t, "corrections-analysis", msgs[0].FlowType)
}

func TestGenerateRejectsInvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"project_id":`},
		{"missing user", `{"project_id":"` + testProjectID + `","flow_type":"city-review"}`},
		{"unknown flow", `{"project_id":"` + testProjectID + `","user_id":"` + testUserID + `","flow_type":"permit-magic"}`},
		{"project id not a uuid", `{"project_id":"abc","user_id":"` + testUserID + `","flow_type":"city-review"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := queue.NewMemoryQueue(4)
			h := newTestHandler(t, q, nil)

			w := do(t, h.Router(), http.MethodPost, "/generate", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, problemMediaType, w.Header().Get("Content-Type"))

			var problem map[string]interface{}
			require.NoError(t, json.NewDecoder(w.Body).Decode(&problem))
			assert.Equal(t, "validation_error", problem["type"])
			assert.Equal(t, "/generate", problem["instance"])
			assert.NotEmpty(t, problem["detail"])
			assert.Zero(t, q.Len())
		})
	}
}

func TestGenerateValidationWithoutContract(t *testing.T) {
	// 不加载契约时由 validator 兜底
	q := queue.NewMemoryQueue(4)
	h := NewHandler(Deps{Queue: q, Metrics: NewMetrics(nil, "test")})

	w := do(t, h.Router(), http.MethodPost, "/generate",
		`{"project_id":"abc","user_id":"`+testUserID+`","flow_type":"city-review"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "project_id: must satisfy uuid")

	w = do(t, h.Router(), http.MethodPost, "/generate",
		`{"project_id":"`+testProjectID+`","user_id":"`+testUserID+`","flow_type":"other"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "flow_type: must satisfy oneof=")
	assert.Zero(t, q.Len())
}

func TestGenerateQueueUnavailable(t *testing.T) {
	h := newTestHandler(t, failingQueue{}, nil)

	body := `{"project_id":"` + testProjectID + `","user_id":"` + testUserID + `","flow_type":"city-review"}`
	w := do(t, h.Router(), http.MethodPost, "/generate", body)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "run queue unavailable")
}

// ============================================================================
// /extract
// ============================================================================

func TestExtractRunsInBackground(t *testing.T) {
	ext := &recordingExtractor{}
	h := newTestHandler(t, queue.NewMemoryQueue(1), ext)

	w := do(t, h.Router(), http.MethodPost, "/extract", `{"project_id":"`+testProjectID+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"extracting","project_id":"`+testProjectID+`"}`, w.Body.String())

	h.Wait()
	require.Len(t, ext.reqs, 1)
	assert.Equal(t, testProjectID, ext.reqs[0].ProjectID)
}

func TestExtractRequiresProjectID(t *testing.T) {
	ext := &recordingExtractor{}
	h := newTestHandler(t, queue.NewMemoryQueue(1), ext)

	w := do(t, h.Router(), http.MethodPost, "/extract", `{}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	h.Wait()
	assert.Empty(t, ext.reqs)
}

// ============================================================================
// 契约与指标
// ============================================================================

func TestContractPassesUndeclaredRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	contract, err := LoadContract()
	require.NoError(t, err)
	h := NewHandler(Deps{
		Queue:    queue.NewMemoryQueue(1),
		Contract: contract,
		Metrics:  NewMetrics(reg, "test"),
		Gatherer: reg,
	})
	router := h.Router()

	do(t, router, http.MethodGet, "/health", "")
	w := do(t, router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `test_http_requests_total{method="GET",path="/health",status="200"} 1`)
}

func TestContractMiddlewareRouting(t *testing.T) {
	contract, err := LoadContract()
	require.NoError(t, err)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := contract.Middleware(next)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"undeclared path", http.MethodGet, "/metrics", "", http.StatusTeapot},
		{"undeclared method", http.MethodDelete, "/health", "", http.StatusTeapot},
		{"declared route", http.MethodGet, "/health", "", http.StatusTeapot},
		{"invalid body", http.MethodPost, "/generate", `{"project_id":1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestNewRequestValidatorRejectsBrokenContract(t *testing.T) {
	_, err := NewRequestValidator([]byte("openapi: 3.0.3\npaths: [\n"))
	assert.Error(t, err)
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/ws/projects/{id}/messages", normalizePath("/ws/projects/"+testProjectID+"/messages"))
	assert.Equal(t, "/generate", normalizePath("/generate"))
}
