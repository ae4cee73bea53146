package processor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/adverant/nexus/questionprocess-worker/internal/errors"
	"github.com/adverant/nexus/questionprocess-worker/internal/model"
	"github.com/adverant/nexus/questionprocess-worker/internal/storage"
)

type fakeExtractor struct {
	got    []byte
	opts   model.Options
	result *model.PipelineResult
	err    error
}

func (f *fakeExtractor) Extract(ctx context.Context, image []byte, opts model.Options) (*model.PipelineResult, error) {
	f.got = image
	f.opts = opts
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeStore struct {
	stored  []*storage.StoreInput
	updates []*storage.JobUpdate
	err     error
}

func (f *fakeStore) StoreExtraction(ctx context.Context, input *storage.StoreInput) (*storage.StoredExtraction, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.stored = append(f.stored, input)
	return &storage.StoredExtraction{RunID: "run-1", QuestionIDs: []string{"q-1"}}, nil
}

func (f *fakeStore) UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error {
	f.updates = append(f.updates, update)
	return nil
}

func sampleResult() *model.PipelineResult {
	return &model.PipelineResult{
		Text:       "1. What is 2+2?\na) 3\nb) 4",
		Confidence: 0.9,
		Questions: []model.Question{{
			ID:      1,
			Type:    model.QuestionMCQ,
			Text:    "What is 2+2?",
			Options: []model.Option{{Label: "A", Text: "3"}, {Label: "B", Text: "4"}},
		}},
		ProcessingInfo: model.ProcessingInfo{ChosenVariant: "original"},
	}
}

func newTestProcessor(t *testing.T, ext Extractor, st Store, client Downloader) *QuestionProcessor {
	t.Helper()
	cfg := &ProcessorConfig{Pipeline: ext, MaxImageSize: 1024, HTTPClient: client}
	if st != nil {
		cfg.Storage = st
	}
	p, err := NewQuestionProcessor(cfg)
	if err != nil {
		t.Fatalf("NewQuestionProcessor: %v", err)
	}
	p.loader.backoff = func(int) time.Duration { return time.Millisecond }
	return p
}

func TestNewQuestionProcessorRequiresPipeline(t *testing.T) {
	if _, err := NewQuestionProcessor(&ProcessorConfig{}); err == nil {
		t.Fatal("expected error without pipeline")
	}
	if _, err := NewQuestionProcessor(nil); err == nil {
		t.Fatal("expected error without config")
	}
}

func TestProcessImageFromBufferPersists(t *testing.T) {
	ext := &fakeExtractor{result: sampleResult()}
	st := &fakeStore{}
	p := newTestProcessor(t, ext, st, nil)

	res, err := p.ProcessImage(context.Background(), &ProcessRequest{
		JobID:       "job-1",
		ImageBuffer: []byte("png-bytes"),
		Options:     model.Options{Subject: "Math"},
		Persist:     true,
	})
	if err != nil {
		t.Fatalf("ProcessImage: %v", err)
	}
	if string(ext.got) != "png-bytes" {
		t.Errorf("pipeline got %q", ext.got)
	}
	if ext.opts.RequestID != "job-1" {
		t.Errorf("request id = %q, want job id", ext.opts.RequestID)
	}
	if !res.Persisted || res.RunID != "run-1" || res.QuestionCount != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(st.stored) != 1 || st.stored[0].ImageHash == "" || st.stored[0].JobID != "job-1" {
		t.Errorf("stored = %+v", st.stored)
	}
}

func TestProcessImageSkipsPersistWithoutQuestions(t *testing.T) {
	empty := sampleResult()
	empty.Questions = nil
	st := &fakeStore{}
	p := newTestProcessor(t, &fakeExtractor{result: empty}, st, nil)

	res, err := p.ProcessImage(context.Background(), &ProcessRequest{JobID: "j", ImageBuffer: []byte("x"), Persist: true})
	if err != nil {
		t.Fatalf("ProcessImage: %v", err)
	}
	if res.Persisted || len(st.stored) != 0 {
		t.Errorf("empty result was persisted: %+v", res)
	}
}

func TestProcessImageStorageFailure(t *testing.T) {
	p := newTestProcessor(t, &fakeExtractor{result: sampleResult()}, &fakeStore{err: errors.New("pg down")}, nil)
	_, err := p.ProcessImage(context.Background(), &ProcessRequest{JobID: "j", ImageBuffer: []byte("x"), Persist: true})
	if !apperrors.Is(err, apperrors.ErrorStorageFailed) {
		t.Fatalf("err = %v, want STORAGE_FAILED", err)
	}
}

func TestProcessImagePropagatesPipelineError(t *testing.T) {
	want := apperrors.NewInvalidImageError("j", errors.New("bad magic"))
	p := newTestProcessor(t, &fakeExtractor{err: want}, nil, nil)
	_, err := p.ProcessImage(context.Background(), &ProcessRequest{JobID: "j", ImageBuffer: []byte("x")})
	if !apperrors.Is(err, apperrors.ErrorInvalidImage) {
		t.Fatalf("err = %v", err)
	}
}

func TestProcessImageRejectsOversizeBuffer(t *testing.T) {
	ext := &fakeExtractor{result: sampleResult()}
	p := newTestProcessor(t, ext, nil, nil)
	_, err := p.ProcessImage(context.Background(), &ProcessRequest{JobID: "j", ImageBuffer: make([]byte, 2048)})
	if !apperrors.Is(err, apperrors.ErrorInvalidImage) {
		t.Fatalf("err = %v, want INVALID_IMAGE", err)
	}
	if ext.got != nil {
		t.Error("pipeline ran on oversize image")
	}
}

func TestProcessImageRequiresSource(t *testing.T) {
	p := newTestProcessor(t, &fakeExtractor{result: sampleResult()}, nil, nil)
	if _, err := p.ProcessImage(context.Background(), &ProcessRequest{JobID: "j"}); err == nil {
		t.Fatal("expected error without buffer or URL")
	}
}

func TestDownloadRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("image-data"))
	}))
	defer srv.Close()

	ext := &fakeExtractor{result: sampleResult()}
	p := newTestProcessor(t, ext, nil, srv.Client())
	if _, err := p.ProcessImage(context.Background(), &ProcessRequest{JobID: "j", ImageURL: srv.URL}); err != nil {
		t.Fatalf("ProcessImage: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if string(ext.got) != "image-data" {
		t.Errorf("pipeline got %q", ext.got)
	}
}

func TestDownloadDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := newTestProcessor(t, &fakeExtractor{result: sampleResult()}, nil, srv.Client())
	_, err := p.ProcessImage(context.Background(), &ProcessRequest{JobID: "j", ImageURL: srv.URL})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("err = %v, want 404", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDownloadRejectsOversizeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 4096))
	}))
	defer srv.Close()

	p := newTestProcessor(t, &fakeExtractor{result: sampleResult()}, nil, srv.Client())
	_, err := p.ProcessImage(context.Background(), &ProcessRequest{JobID: "j", ImageURL: srv.URL})
	if err == nil || !strings.Contains(err.Error(), "exceeds maximum") {
		t.Fatalf("err = %v", err)
	}
}

func TestUpdateJobStatusMapsMetadata(t *testing.T) {
	st := &fakeStore{}
	p := newTestProcessor(t, &fakeExtractor{}, st, nil)

	meta := FailureMetadata(apperrors.NewProcessingTimeoutError("j", time.Second, context.DeadlineExceeded), 1500*time.Millisecond)
	if err := p.UpdateJobStatus(context.Background(), "j", "failed", 0, meta); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}
	u := st.updates[0]
	if u.ErrorCode != string(apperrors.ErrorProcessingTimeout) || u.ErrorMessage == "" || u.ProcessingTimeMs != 1500 {
		t.Errorf("update = %+v", u)
	}

	done := CompletionMetadata(&ProcessResult{RunID: "run-9", Result: sampleResult(), ProcessingTimeMs: 42})
	if err := p.UpdateJobStatus(context.Background(), "j", "completed", 100, done); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}
	u = st.updates[1]
	if u.RunID != "run-9" || u.Confidence != 0.9 || u.ProcessingTimeMs != 42 || u.ErrorCode != "" {
		t.Errorf("update = %+v", u)
	}
}

func TestUpdateJobStatusWithoutStorage(t *testing.T) {
	p := newTestProcessor(t, &fakeExtractor{}, nil, nil)
	if err := p.UpdateJobStatus(context.Background(), "j", "processing", 10, nil); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}
}
