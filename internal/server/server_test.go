package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	apperrors "github.com/adverant/nexus/questionprocess-worker/internal/errors"
	"github.com/adverant/nexus/questionprocess-worker/internal/model"
	"github.com/adverant/nexus/questionprocess-worker/internal/queue"
	"github.com/adverant/nexus/questionprocess-worker/internal/storage"
	"github.com/adverant/nexus/questionprocess-worker/internal/telemetry"
)

type stubPipeline struct {
	opts model.Options
	err  error
}

func (s *stubPipeline) Extract(ctx context.Context, image []byte, opts model.Options) (*model.PipelineResult, error) {
	s.opts = opts
	if s.err != nil {
		return nil, s.err
	}
	return &model.PipelineResult{
		Text:           "1. Explain osmosis.",
		Confidence:     0.8,
		Questions:      []model.Question{{ID: 1, Type: model.QuestionDescriptive, Text: "Explain osmosis."}},
		ProcessingInfo: model.ProcessingInfo{RequestID: opts.RequestID},
	}, nil
}

type stubJobs struct {
	got *queue.ExtractJobPayload
}

func (s *stubJobs) Enqueue(ctx context.Context, p *queue.ExtractJobPayload) (string, error) {
	s.got = p
	if p.JobID == "" {
		p.JobID = "generated"
	}
	return p.JobID, nil
}

type stubBank struct{}

func (stubBank) GetQuestions(ctx context.Context, runID string) ([]model.Question, error) {
	if runID != "run-1" {
		return nil, nil
	}
	return []model.Question{{ID: 1, Type: model.QuestionDescriptive, Text: "Explain osmosis."}}, nil
}

func (stubBank) FindSimilar(ctx context.Context, text string, limit int, minScore float64) ([]*storage.SimilarQuestion, error) {
	return []*storage.SimilarQuestion{{QuestionID: "q-1", Text: "Explain osmosis.", Score: 0.93}}, nil
}

func newTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	cfg := Config{Pipeline: &stubPipeline{}, MaxImageSize: 1024}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func do(s *Server, method, target string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("error body %q: %v", rec.Body.String(), err)
	}
	return e
}

func TestExtractPassesOptionsAndRequestID(t *testing.T) {
	p := &stubPipeline{}
	s := newTestServer(t, func(c *Config) { c.Pipeline = p })

	rec := do(s, http.MethodPost, "/v1/extract?subject=Physics&expectedQuestionCount=4", []byte("img"),
		map[string]string{"X-Request-ID": "req-42"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if p.opts.Subject != "Physics" || p.opts.ExpectedQuestionCount != 4 || p.opts.RequestID != "req-42" {
		t.Errorf("opts = %+v", p.opts)
	}
	var res model.PipelineResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Questions) != 1 || res.ProcessingInfo.RequestID != "req-42" {
		t.Errorf("result = %+v", res)
	}
}

func TestExtractErrorKinds(t *testing.T) {
	testCases := []struct {
		err    error
		status int
		kind   string
	}{
		{apperrors.NewInvalidImageError("r", errors.New("bad")), http.StatusUnprocessableEntity, "INVALID_IMAGE"},
		{apperrors.NewProcessingTimeoutError("r", time.Second, context.DeadlineExceeded), http.StatusGatewayTimeout, "PROCESSING_TIMEOUT"},
		{apperrors.NewCancelledError("r", "recognize", context.Canceled), http.StatusServiceUnavailable, "CANCELLED"},
		{errors.New("boom"), http.StatusInternalServerError, "UNKNOWN"},
	}
	for _, tc := range testCases {
		s := newTestServer(t, func(c *Config) { c.Pipeline = &stubPipeline{err: tc.err} })
		rec := do(s, http.MethodPost, "/v1/extract", []byte("img"), nil)
		if rec.Code != tc.status {
			t.Errorf("%s: status = %d, want %d", tc.kind, rec.Code, tc.status)
		}
		if e := decodeError(t, rec); e.Kind != tc.kind || e.Message == "" {
			t.Errorf("body = %+v, want kind %s", e, tc.kind)
		}
	}
}

func TestExtractRejectsBadInput(t *testing.T) {
	s := newTestServer(t, nil)
	if rec := do(s, http.MethodPost, "/v1/extract", nil, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("empty body: status = %d", rec.Code)
	}
	if rec := do(s, http.MethodPost, "/v1/extract", make([]byte, 2048), nil); rec.Code != http.StatusBadRequest {
		t.Errorf("oversize body: status = %d", rec.Code)
	}
	if rec := do(s, http.MethodPost, "/v1/extract?expectedQuestionCount=-1", []byte("img"), nil); rec.Code != http.StatusBadRequest {
		t.Errorf("negative count: status = %d", rec.Code)
	}
	if rec := do(s, http.MethodGet, "/v1/extract", nil, nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET extract: status = %d", rec.Code)
	}
}

func TestEnqueueRawAndJSON(t *testing.T) {
	jobs := &stubJobs{}
	s := newTestServer(t, func(c *Config) { c.Jobs = jobs })

	rec := do(s, http.MethodPost, "/v1/jobs?subject=Math", []byte("img"), map[string]string{"Content-Type": "image/png"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if jobs.got.MimeType != "image/png" || string(jobs.got.ImageBuffer) != "img" || !jobs.got.Persist || jobs.got.Options.Subject != "Math" {
		t.Errorf("payload = %+v", jobs.got)
	}

	body := `{"jobId":"11111111-2222-3333-4444-555555555555","imageUrl":"http://files/page.png","persist":false}`
	rec = do(s, http.MethodPost, "/v1/jobs", []byte(body), map[string]string{"Content-Type": "application/json"})
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), "11111111-2222") {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if jobs.got.ImageURL != "http://files/page.png" || jobs.got.Persist {
		t.Errorf("payload = %+v", jobs.got)
	}
}

func TestEnqueueWithoutQueue(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(s, http.MethodPost, "/v1/jobs", []byte("img"), nil)
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestQuestionBankRoutes(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.Bank = stubBank{} })

	if rec := do(s, http.MethodGet, "/v1/runs/run-1/questions", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("run questions: status = %d", rec.Code)
	}
	if rec := do(s, http.MethodGet, "/v1/runs/run-2/questions", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown run: status = %d", rec.Code)
	}
	rec := do(s, http.MethodGet, "/v1/questions/similar?q=osmosis&limit=5", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"questionId":"q-1"`) {
		t.Errorf("similar: %d %s", rec.Code, rec.Body)
	}
	if rec := do(s, http.MethodGet, "/v1/questions/similar", nil, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("similar without q: status = %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := telemetry.NewPrometheusSink(reg)
	sink.RecordRun(telemetry.OutcomeSuccess, time.Second, 3)

	failing := false
	s := newTestServer(t, func(c *Config) {
		c.Gatherer = reg
		c.Checks = map[string]HealthCheck{
			"redis": func(ctx context.Context) error {
				if failing {
					return errors.New("connection refused")
				}
				return nil
			},
		}
	})

	if rec := do(s, http.MethodGet, "/healthz", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("healthz: status = %d", rec.Code)
	}
	failing = true
	rec := do(s, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "connection refused") {
		t.Errorf("degraded healthz: %d %s", rec.Code, rec.Body)
	}

	rec = do(s, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "questionprocess_runs_total") {
		t.Errorf("metrics: %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}
