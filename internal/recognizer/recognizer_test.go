package recognizer

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	apperrors "github.com/adverant/nexus/questionprocess-worker/internal/errors"
	"github.com/adverant/nexus/questionprocess-worker/internal/model"
)

type scripted struct {
	text  string
	conf  float64
	delay time.Duration
	err   error
}

// fakeEngine answers by variant buffer content
type fakeEngine struct {
	script map[string]scripted
	calls  *int32
	closed int32
}

func (f *fakeEngine) Recognize(ctx context.Context, img []byte, params Params) (*Recognition, error) {
	if f.calls != nil {
		atomic.AddInt32(f.calls, 1)
	}
	s := f.script[string(img)]
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}
	var words []Word
	for _, w := range strings.Fields(s.text) {
		words = append(words, Word{Text: w, Confidence: s.conf})
	}
	return &Recognition{Text: s.text, Words: words}, nil
}

func (f *fakeEngine) Close() error {
	atomic.StoreInt32(&f.closed, 1)
	return nil
}

func newFakePool(t *testing.T, size int, script map[string]scripted, calls *int32) (*WorkerPool, []*fakeEngine) {
	t.Helper()
	var mu sync.Mutex
	var engines []*fakeEngine
	pool, err := NewWorkerPool(PoolConfig{Size: size}, func(Strategy) (Engine, error) {
		e := &fakeEngine{script: script, calls: calls}
		mu.Lock()
		engines = append(engines, e)
		mu.Unlock()
		return e, nil
	})
	if err != nil {
		t.Fatalf("NewWorkerPool: %v", err)
	}
	return pool, engines
}

func variantsOf(names ...string) []model.Variant {
	out := make([]model.Variant, len(names))
	for i, n := range names {
		out[i] = model.Variant{Name: n, Buffer: []byte(n), Rank: i + 1}
	}
	return out
}

func waitIdle(t *testing.T, p *WorkerPool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for p.Idle() != p.Size() {
		if time.Now().After(deadline) {
			t.Fatalf("workers still busy: idle %d of %d", p.Idle(), p.Size())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLeaseReleaseIsIdempotent(t *testing.T) {
	pool, _ := newFakePool(t, 2, nil, nil)
	defer pool.Close()

	a, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if pool.Idle() != 0 {
		t.Fatalf("idle = %d, want 0", pool.Idle())
	}

	a.Release()
	a.Release()
	if pool.Idle() != 1 {
		t.Errorf("idle after double release = %d, want 1", pool.Idle())
	}
	b.Release()
	if pool.Idle() != 2 {
		t.Errorf("idle = %d, want 2", pool.Idle())
	}
}

func TestAcquireBlocksUntilContextEnds(t *testing.T) {
	pool, _ := newFakePool(t, 1, nil, nil)
	defer pool.Close()

	lease, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire on saturated pool = %v, want deadline exceeded", err)
	}
}

func TestDoReleasesOnError(t *testing.T) {
	pool, _ := newFakePool(t, 1, nil, nil)
	defer pool.Close()

	boom := errors.New("boom")
	if err := pool.Do(context.Background(), func(*Worker) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Do = %v, want boom", err)
	}
	if pool.Idle() != 1 {
		t.Errorf("worker not released after error")
	}
}

func TestPoolAssignsStrategiesRoundRobin(t *testing.T) {
	pool, err := NewWorkerPool(PoolConfig{Size: 4, Strategies: []Strategy{StrategySingleBlock, StrategySparseText}}, func(Strategy) (Engine, error) {
		return &fakeEngine{}, nil
	})
	if err != nil {
		t.Fatalf("NewWorkerPool: %v", err)
	}
	defer pool.Close()

	want := []Strategy{StrategySingleBlock, StrategySparseText, StrategySingleBlock, StrategySparseText}
	for i, w := range pool.workers {
		if w.Strategy != want[i] {
			t.Errorf("worker %d strategy = %s, want %s", i, w.Strategy, want[i])
		}
	}
}

func TestCloseClosesEnginesAndRejectsAcquire(t *testing.T) {
	pool, engines := newFakePool(t, 2, nil, nil)
	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for i, e := range engines {
		if atomic.LoadInt32(&e.closed) != 1 {
			t.Errorf("engine %d not closed", i)
		}
	}
	if _, err := pool.Acquire(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Acquire after Close = %v, want ErrPoolClosed", err)
	}
}

func TestOrchestratorRecordsFailuresWithoutAbortingSiblings(t *testing.T) {
	script := map[string]scripted{
		"standard":      {text: "What is 2+2?", conf: 0.8},
		"slow":          {text: "late", conf: 0.9, delay: 200 * time.Millisecond},
		"broken":        {err: errors.New("engine crashed")},
		"high_contrast": {text: "What is 2+2 ?", conf: 0.7},
	}
	pool, _ := newFakePool(t, 2, script, nil)
	defer pool.Close()

	o := NewOrchestrator(pool, nil)
	attempts, err := o.Recognize(context.Background(), variantsOf("standard", "slow", "broken", "high_contrast"), RecognizeConfig{
		AttemptTimeout: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if len(attempts) != 4 {
		t.Fatalf("got %d attempts, want 4", len(attempts))
	}
	for i, a := range attempts {
		if a.Order != i {
			t.Errorf("attempt %d has order %d", i, a.Order)
		}
	}
	if attempts[1].Err == nil || attempts[1].Confidence != 0 {
		t.Errorf("slow attempt should time out with confidence 0: %+v", attempts[1])
	}
	if attempts[2].Err == nil || attempts[2].Usable() {
		t.Errorf("broken attempt should be recorded as failed: %+v", attempts[2])
	}
	for _, i := range []int{1, 2} {
		if !apperrors.Is(attempts[i].Err, apperrors.ErrorOCRFailed) {
			t.Errorf("attempt %d error = %v, want OCR_FAILED", i, attempts[i].Err)
		}
	}
	if !errors.Is(attempts[1].Err, context.DeadlineExceeded) {
		t.Errorf("timed out attempt lost its cause: %v", attempts[1].Err)
	}
	if !attempts[0].Usable() || math.Abs(attempts[0].Confidence-0.8) > 1e-9 || attempts[0].WordCount != 3 {
		t.Errorf("standard attempt = %+v", attempts[0])
	}
	if !attempts[3].Usable() {
		t.Errorf("high_contrast attempt should succeed: %+v", attempts[3])
	}

	waitIdle(t, pool)
}

func TestOrchestratorEarlyExitAtWaveBoundary(t *testing.T) {
	script := map[string]scripted{
		"a": {text: "Q1. Define inertia?", conf: 0.95},
		"b": {text: "Q1. Define inertia", conf: 0.5},
		"c": {text: "Q1 Define", conf: 0.4},
	}
	var calls int32
	pool, _ := newFakePool(t, 1, script, &calls)
	defer pool.Close()
	o := NewOrchestrator(pool, nil)

	attempts, err := o.Recognize(context.Background(), variantsOf("a", "b", "c"), RecognizeConfig{EarlyExitConfidence: 0.85})
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if len(attempts) != 1 || atomic.LoadInt32(&calls) != 1 {
		t.Errorf("early exit dispatched %d attempts, want 1", len(attempts))
	}

	attempts, err = o.Recognize(context.Background(), variantsOf("a", "b", "c"), RecognizeConfig{})
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if len(attempts) != 3 {
		t.Errorf("without early exit got %d attempts, want 3", len(attempts))
	}
}

func TestOrchestratorCancelledContext(t *testing.T) {
	pool, _ := newFakePool(t, 1, map[string]scripted{"a": {text: "x", conf: 0.9}}, nil)
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts, err := NewOrchestrator(pool, nil).Recognize(ctx, variantsOf("a", "a"), RecognizeConfig{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(attempts) > 1 {
		t.Errorf("cancelled run dispatched %d attempts", len(attempts))
	}
	waitIdle(t, pool)
}

func TestRecognitionConfidence(t *testing.T) {
	withWords := &Recognition{Text: "a b", Words: []Word{{Confidence: 0.6}, {Confidence: 1.2}}}
	if got := withWords.Confidence(); got != 0.8 {
		t.Errorf("mean word confidence = %v, want 0.8", got)
	}
	if got := (&Recognition{Text: "   "}).Confidence(); got != 0 {
		t.Errorf("empty text confidence = %v, want 0", got)
	}
	heuristic := (&Recognition{Text: "Which planet is known as the red planet?"}).Confidence()
	if heuristic <= 0 || heuristic > 0.85 {
		t.Errorf("heuristic confidence = %v, want (0, 0.85]", heuristic)
	}
}

func TestParseStrategy(t *testing.T) {
	if s, ok := ParseStrategy(" Single_Line "); !ok || s != StrategySingleLine {
		t.Errorf("ParseStrategy = %q, %v", s, ok)
	}
	if _, ok := ParseStrategy("vertical"); ok {
		t.Error("unknown strategy accepted")
	}
}

func TestTesseractEngineRecognize(t *testing.T) {
	if _, err := exec.LookPath("tesseract"); err != nil {
		t.Skip("tesseract not installed in PATH")
	}

	img := image.NewRGBA(image.Rect(0, 0, 260, 80))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	d := &font.Drawer{Dst: img, Src: image.Black, Face: basicfont.Face7x13, Dot: fixed.P(10, 50)}
	d.DrawString("Hello Exam")
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	engine, err := NewTesseractEngine(TesseractConfig{Languages: []string{"eng"}}, StrategySingleLine)
	if err != nil {
		t.Skipf("tesseract unavailable: %v", err)
	}
	defer engine.Close()

	rec, err := engine.Recognize(context.Background(), buf.Bytes(), Params{DPI: 300})
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if got := strings.ToLower(rec.Text); !strings.Contains(got, "hello") {
		t.Fatalf("unexpected OCR output: %q", rec.Text)
	}
	if c := rec.Confidence(); c <= 0 || c > 1 {
		t.Errorf("confidence %v outside (0,1]", c)
	}
}
