package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adverant/nexus/questionprocess-worker/internal/cache"
	"github.com/adverant/nexus/questionprocess-worker/internal/enhance"
	apperrors "github.com/adverant/nexus/questionprocess-worker/internal/errors"
	"github.com/adverant/nexus/questionprocess-worker/internal/model"
	"github.com/adverant/nexus/questionprocess-worker/internal/recognizer"
)

const mcqText = "1. What is 2+2?\na) 3\nb) 4\nc) 5\nd) 6"

// stubEngine answers every call through respond
type stubEngine struct {
	calls   *int32
	respond func(ctx context.Context, call int32) (*recognizer.Recognition, error)
}

func (s *stubEngine) Recognize(ctx context.Context, img []byte, params recognizer.Params) (*recognizer.Recognition, error) {
	n := atomic.AddInt32(s.calls, 1)
	return s.respond(ctx, n)
}

func (s *stubEngine) Close() error { return nil }

func textRecognition(text string, conf float64) *recognizer.Recognition {
	var words []recognizer.Word
	for _, w := range strings.Fields(text) {
		words = append(words, recognizer.Word{Text: w, Confidence: conf})
	}
	return &recognizer.Recognition{Text: text, Words: words}
}

func pageImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 400, 300))
	for y := 0; y < 300; y++ {
		for x := 0; x < 400; x++ {
			v := uint8(235)
			// dark "text lines"
			if y%30 < 8 && x > 20 && x < 380 && (x/7)%3 != 0 {
				v = 20
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

type testRig struct {
	pipeline *Pipeline
	calls    *int32
	cache    *cache.Cache
	sink     *recordingSink
}

func newRig(t *testing.T, poolSize int, mutate func(*Config), respond func(ctx context.Context, call int32) (*recognizer.Recognition, error)) *testRig {
	t.Helper()
	calls := new(int32)
	pool, err := recognizer.NewWorkerPool(recognizer.PoolConfig{Size: poolSize}, func(recognizer.Strategy) (recognizer.Engine, error) {
		return &stubEngine{calls: calls, respond: respond}, nil
	})
	if err != nil {
		t.Fatalf("NewWorkerPool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	c := cache.New(cache.Config{}, nil, nil)
	sink := &recordingSink{stages: map[string]int{}}
	cfg := DefaultConfig()
	cfg.Orchestrator = recognizer.NewOrchestrator(pool, nil)
	cfg.Cache = c
	cfg.Sink = sink
	cfg.Duplicates = cache.NewMemoryDuplicateIndex(time.Minute, 100)
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testRig{pipeline: p, calls: calls, cache: c, sink: sink}
}

type recordingSink struct {
	mu       sync.Mutex
	stages   map[string]int
	outcomes []string
	errs     []string
}

func (r *recordingSink) RecordStage(stage string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages[stage]++
}

func (r *recordingSink) RecordRun(outcome string, d time.Duration, questions int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingSink) RecordError(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, kind)
}

func TestNewRequiresOrchestrator(t *testing.T) {
	if _, err := New(DefaultConfig()); err == nil {
		t.Fatal("expected error without orchestrator")
	}
}

func TestExtractMCQPage(t *testing.T) {
	rig := newRig(t, 2, nil, func(context.Context, int32) (*recognizer.Recognition, error) {
		return textRecognition(mcqText, 0.92), nil
	})

	res, err := rig.pipeline.Extract(context.Background(), pageImage(t), model.Options{RequestID: "req-1"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(res.Questions) != 1 || res.Questions[0].Type != model.QuestionMCQ || len(res.Questions[0].Options) != 4 {
		t.Fatalf("questions = %+v", res.Questions)
	}
	if res.Questions[0].Text != "What is 2+2?" {
		t.Errorf("question text = %q", res.Questions[0].Text)
	}
	info := res.ProcessingInfo
	if info.RequestID != "req-1" || info.FromCache || info.ChosenVariant == "" || info.AttemptCount == 0 {
		t.Errorf("processing info = %+v", info)
	}
	if res.Confidence < 0.9 {
		t.Errorf("confidence = %v", res.Confidence)
	}
	for _, stage := range []string{StageNormalize, StageEnhance, StageRecognize, StageFuse, StageCorrect, StageExtract} {
		if _, ok := info.PerStageTimeMs[stage]; !ok {
			t.Errorf("missing timing for stage %s", stage)
		}
	}
	// early exit after the first wave of two
	if got := atomic.LoadInt32(rig.calls); got != 2 {
		t.Errorf("engine calls = %d, want 2", got)
	}
}

func TestExtractServesRepeatFromCache(t *testing.T) {
	rig := newRig(t, 2, nil, func(context.Context, int32) (*recognizer.Recognition, error) {
		return textRecognition(mcqText, 0.92), nil
	})
	img := pageImage(t)

	first, err := rig.pipeline.Extract(context.Background(), img, model.Options{Subject: "Maths"})
	if err != nil {
		t.Fatalf("first Extract: %v", err)
	}
	calls := atomic.LoadInt32(rig.calls)

	second, err := rig.pipeline.Extract(context.Background(), img, model.Options{Subject: "maths"})
	if err != nil {
		t.Fatalf("second Extract: %v", err)
	}
	if !second.ProcessingInfo.FromCache || !second.ProcessingInfo.DuplicateImage {
		t.Errorf("second run info = %+v", second.ProcessingInfo)
	}
	if atomic.LoadInt32(rig.calls) != calls {
		t.Error("cache hit re-ran recognition")
	}
	if second.Text != first.Text || len(second.Questions) != len(first.Questions) {
		t.Error("cached result differs from original")
	}
	if second.ProcessingInfo.RequestID == first.ProcessingInfo.RequestID {
		t.Error("request ids should be generated per call")
	}

	// different options miss the cache but still flag the duplicate image
	third, err := rig.pipeline.Extract(context.Background(), img, model.Options{ExpectedQuestionCount: 1})
	if err != nil {
		t.Fatalf("third Extract: %v", err)
	}
	if third.ProcessingInfo.FromCache || !third.ProcessingInfo.DuplicateImage {
		t.Errorf("third run info = %+v", third.ProcessingInfo)
	}
}

func TestExtractInvalidImage(t *testing.T) {
	rig := newRig(t, 1, nil, func(context.Context, int32) (*recognizer.Recognition, error) {
		return textRecognition(mcqText, 0.9), nil
	})
	_, err := rig.pipeline.Extract(context.Background(), []byte("definitely not an image"), model.Options{})
	if !apperrors.Is(err, apperrors.ErrorInvalidImage) {
		t.Fatalf("err = %v, want INVALID_IMAGE", err)
	}
	if atomic.LoadInt32(rig.calls) != 0 {
		t.Error("recognition ran for an undecodable image")
	}
}

func TestExtractNoUsableResult(t *testing.T) {
	rig := newRig(t, 2, nil, func(context.Context, int32) (*recognizer.Recognition, error) {
		return nil, errors.New("engine crashed")
	})
	res, err := rig.pipeline.Extract(context.Background(), pageImage(t), model.Options{})
	if err != nil {
		t.Fatalf("NoUsableResult must not be fatal: %v", err)
	}
	if res.Confidence != 0 || len(res.Questions) != 0 || !res.ProcessingInfo.LowConfidence {
		t.Errorf("result = %+v", res)
	}
	if res.ProcessingInfo.AttemptCount != len(enhance.Catalogue()) {
		t.Errorf("attempts = %d, want every variant tried", res.ProcessingInfo.AttemptCount)
	}
	if rig.cache.Len() != 0 {
		t.Error("empty result was cached")
	}
}

func TestExtractCancelled(t *testing.T) {
	rig := newRig(t, 1, nil, func(context.Context, int32) (*recognizer.Recognition, error) {
		return textRecognition(mcqText, 0.9), nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := rig.pipeline.Extract(ctx, pageImage(t), model.Options{})
	if !apperrors.Is(err, apperrors.ErrorCancelled) {
		t.Fatalf("err = %v, want CANCELLED", err)
	}
}

func TestExtractTimeoutWithoutAttempts(t *testing.T) {
	rig := newRig(t, 1, func(c *Config) {
		c.Timeout = 100 * time.Millisecond
	}, func(ctx context.Context, _ int32) (*recognizer.Recognition, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, err := rig.pipeline.Extract(context.Background(), pageImage(t), model.Options{})
	if !apperrors.Is(err, apperrors.ErrorProcessingTimeout) {
		t.Fatalf("err = %v, want PROCESSING_TIMEOUT", err)
	}
}

func TestExtractTimeoutReturnsPartialResult(t *testing.T) {
	rig := newRig(t, 1, func(c *Config) {
		c.Timeout = 1500 * time.Millisecond
		c.Recognize.EarlyExitConfidence = 0
	}, func(ctx context.Context, call int32) (*recognizer.Recognition, error) {
		if call == 1 {
			return textRecognition(mcqText, 0.8), nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	res, err := rig.pipeline.Extract(context.Background(), pageImage(t), model.Options{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !res.ProcessingInfo.TimedOut {
		t.Error("TimedOut not set")
	}
	if len(res.Questions) != 1 {
		t.Errorf("partial result lost questions: %+v", res.Questions)
	}
	if rig.cache.Len() != 0 {
		t.Error("partial result was cached")
	}
}

func TestExtractFallbackVariantFlagsLowConfidence(t *testing.T) {
	rig := newRig(t, 1, nil, func(context.Context, int32) (*recognizer.Recognition, error) {
		return textRecognition(mcqText, 0.95), nil
	})
	failing := enhance.Recipe{Name: "broken", Apply: func(*image.Gray, enhance.Params) image.Image {
		panic("recipe exploded")
	}}
	rig.pipeline.WithGenerator(enhance.NewGenerator(enhance.GeneratorConfig{}, nil).WithRecipes([]enhance.Recipe{failing}))

	res, err := rig.pipeline.Extract(context.Background(), pageImage(t), model.Options{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.ProcessingInfo.ChosenVariant != enhance.VariantFallback || !res.ProcessingInfo.LowConfidence {
		t.Errorf("info = %+v", res.ProcessingInfo)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected warnings for the failed recipe")
	}
}

func TestExtractConcurrentIdenticalRequests(t *testing.T) {
	rig := newRig(t, 2, nil, func(context.Context, int32) (*recognizer.Recognition, error) {
		time.Sleep(20 * time.Millisecond)
		return textRecognition(mcqText, 0.92), nil
	})
	img := pageImage(t)

	var wg sync.WaitGroup
	results := make([]*model.PipelineResult, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = rig.pipeline.Extract(context.Background(), img, model.Options{})
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, res := range results {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if len(res.Questions) != 1 {
			t.Errorf("request %d questions = %d", i, len(res.Questions))
		}
		if seen[res.ProcessingInfo.RequestID] {
			t.Errorf("request id %s reused", res.ProcessingInfo.RequestID)
		}
		seen[res.ProcessingInfo.RequestID] = true
	}
}

// waitForWaiters polls until n callers are registered on shared runs
func waitForWaiters(t *testing.T, p *Pipeline, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		p.mu.Lock()
		got := 0
		for _, f := range p.flights {
			got += f.waiters
		}
		p.mu.Unlock()
		if got == n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("waiters = %d, want %d", got, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSharedRunSurvivesOneCallerCancelling(t *testing.T) {
	started := make(chan struct{}, 16)
	release := make(chan struct{})
	rig := newRig(t, 1, nil, func(ctx context.Context, _ int32) (*recognizer.Recognition, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return textRecognition(mcqText, 0.92), nil
	})
	img := pageImage(t)

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() {
		_, err := rig.pipeline.Extract(ctxA, img, model.Options{RequestID: "a"})
		errA <- err
	}()
	<-started

	type outcome struct {
		res *model.PipelineResult
		err error
	}
	doneB := make(chan outcome, 1)
	go func() {
		res, err := rig.pipeline.Extract(context.Background(), img, model.Options{RequestID: "b"})
		doneB <- outcome{res, err}
	}()
	waitForWaiters(t, rig.pipeline, 2)

	cancelA()
	if err := <-errA; !apperrors.Is(err, apperrors.ErrorCancelled) {
		t.Fatalf("cancelled caller err = %v, want CANCELLED", err)
	}

	close(release)
	b := <-doneB
	if b.err != nil {
		t.Fatalf("caller that never cancelled failed: %v", b.err)
	}
	if len(b.res.Questions) != 1 || b.res.ProcessingInfo.RequestID != "b" || b.res.ProcessingInfo.TimedOut {
		t.Errorf("result = %+v", b.res.ProcessingInfo)
	}
	waitForWaiters(t, rig.pipeline, 0)
}

func TestAbandonedRunIsCancelled(t *testing.T) {
	started := make(chan struct{}, 16)
	aborted := make(chan struct{}, 16)
	rig := newRig(t, 1, nil, func(ctx context.Context, _ int32) (*recognizer.Recognition, error) {
		started <- struct{}{}
		<-ctx.Done()
		aborted <- struct{}{}
		return nil, ctx.Err()
	})
	img := pageImage(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := rig.pipeline.Extract(ctx, img, model.Options{})
		errCh <- err
	}()
	<-started
	cancel()

	if err := <-errCh; !apperrors.Is(err, apperrors.ErrorCancelled) {
		t.Fatalf("err = %v, want CANCELLED", err)
	}
	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("recognition kept running after its only caller left")
	}
	waitForWaiters(t, rig.pipeline, 0)
}

func TestSubjectForcesMathCorrection(t *testing.T) {
	rig := newRig(t, 1, nil, func(context.Context, int32) (*recognizer.Recognition, error) {
		return textRecognition("1. Is 3 <= 4 true?", 0.95), nil
	})
	res, err := rig.pipeline.Extract(context.Background(), pageImage(t), model.Options{Subject: "Mathematics"})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !strings.Contains(res.Text, "≤") {
		t.Errorf("text = %q, want math symbols substituted", res.Text)
	}
}
