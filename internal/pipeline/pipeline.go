/**
 * Pipeline Coordinator
 *
 * Sequences one extraction run:
 *   cache -> duplicate signal -> normalize -> enhance -> recognize -> fuse
 *   -> correct -> extract -> cache write
 * and records per-stage timings. Cancellation is checked before every stage.
 * Only an undecodable image and an exhausted budget with nothing recognized
 * are returned as run-level errors; everything else degrades into metadata
 * on the result.
 */

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/adverant/nexus/questionprocess-worker/internal/cache"
	"github.com/adverant/nexus/questionprocess-worker/internal/correction"
	"github.com/adverant/nexus/questionprocess-worker/internal/enhance"
	apperrors "github.com/adverant/nexus/questionprocess-worker/internal/errors"
	"github.com/adverant/nexus/questionprocess-worker/internal/fusion"
	"github.com/adverant/nexus/questionprocess-worker/internal/logging"
	"github.com/adverant/nexus/questionprocess-worker/internal/model"
	"github.com/adverant/nexus/questionprocess-worker/internal/questions"
	"github.com/adverant/nexus/questionprocess-worker/internal/recognizer"
	"github.com/adverant/nexus/questionprocess-worker/internal/telemetry"
)

// Stage names used in PerStageTimeMs and telemetry
const (
	StageCache     = "cache"
	StageNormalize = "normalize"
	StageEnhance   = "enhance"
	StageRecognize = "recognize"
	StageFuse      = "fuse"
	StageCorrect   = "correct"
	StageExtract   = "extract"

	// stageAwait marks a caller that left while waiting on a shared run
	stageAwait = "await"
)

// Config holds the resolved tunables and collaborators of a pipeline
type Config struct {
	// Timeout bounds a whole run including waits for a free worker
	Timeout                time.Duration
	Recognize              recognizer.RecognizeConfig
	Normalizer             enhance.NormalizerConfig
	Generator              enhance.GeneratorConfig
	CorroborationThreshold float64
	DedupeThreshold        float64
	MathMode               correction.MathMode
	// LowConfidenceThreshold flags results whose fused confidence is below it
	LowConfidenceThreshold float64
	LowQualityThreshold    float64

	Orchestrator *recognizer.Orchestrator // required
	Cache        *cache.Cache             // optional
	Duplicates   cache.DuplicateIndex     // optional
	Sink         telemetry.Sink           // optional
	Logger       *logging.Logger          // optional
}

// DefaultConfig returns production tunables without collaborators
func DefaultConfig() Config {
	return Config{
		Timeout: 60 * time.Second,
		Recognize: recognizer.RecognizeConfig{
			AttemptTimeout:      30 * time.Second,
			EarlyExitConfidence: 0.85,
			Languages:           []string{"eng"},
		},
		Normalizer:             enhance.DefaultNormalizerConfig(),
		Generator:              enhance.DefaultGeneratorConfig(),
		CorroborationThreshold: fusion.DefaultCorroborationThreshold,
		DedupeThreshold:        questions.DefaultDedupeThreshold,
		MathMode:               correction.MathAuto,
		LowConfidenceThreshold: 0.5,
		LowQualityThreshold:    enhance.LowQualityThreshold,
	}
}

var mathSubjects = map[string]bool{
	"math":        true,
	"maths":       true,
	"mathematics": true,
	"physics":     true,
	"statistics":  true,
}

// Pipeline is safe for concurrent use; runs share only the worker pool and cache
type Pipeline struct {
	cfg        Config
	normalizer *enhance.Normalizer
	generator  *enhance.Generator
	fuser      *fusion.Fuser
	extractor  *questions.Extractor

	orchestrator *recognizer.Orchestrator
	cache        *cache.Cache
	duplicates   cache.DuplicateIndex
	sink         telemetry.Sink
	logger       *logging.Logger

	group   singleflight.Group
	mu      sync.Mutex
	flights map[string]*flight
}

// flight is one shared run. Its context is detached from every caller and is
// cancelled only when the last waiting caller has gone.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// New creates a pipeline from cfg
func New(cfg Config) (*Pipeline, error) {
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("recognition orchestrator is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	return &Pipeline{
		cfg:          cfg,
		normalizer:   enhance.NewNormalizer(cfg.Normalizer),
		generator:    enhance.NewGenerator(cfg.Generator, logger),
		fuser:        fusion.NewFuser(cfg.CorroborationThreshold),
		extractor:    questions.NewExtractor(cfg.DedupeThreshold),
		orchestrator: cfg.Orchestrator,
		cache:        cfg.Cache,
		duplicates:   cfg.Duplicates,
		sink:         telemetry.OrNop(cfg.Sink),
		logger:       logger,
		flights:      make(map[string]*flight),
	}, nil
}

// WithGenerator replaces the variant generator
func (p *Pipeline) WithGenerator(g *enhance.Generator) *Pipeline {
	p.generator = g
	return p
}

// Extract runs the pipeline on image. Concurrent calls with the same image
// and canonical options share one run; each caller waits on its own ctx, and
// the run is cancelled only when every caller has left.
func (p *Pipeline) Extract(ctx context.Context, image []byte, opts model.Options) (*model.PipelineResult, error) {
	if opts.RequestID == "" {
		opts.RequestID = uuid.NewString()
	}
	start := time.Now()
	logger := p.logger.With("request", opts.RequestID)

	if err := ctx.Err(); err != nil {
		return nil, p.fail(apperrors.NewCancelledError(opts.RequestID, StageCache, err), start)
	}

	duplicate := false
	if p.duplicates != nil {
		duplicate = p.duplicates.Seen(ctx, image)
	}

	if p.cache != nil {
		lookup := time.Now()
		if res, ok := p.cache.Get(ctx, image, opts); ok {
			p.sink.RecordStage(StageCache, time.Since(lookup))
			res.ProcessingInfo.RequestID = opts.RequestID
			res.ProcessingInfo.DuplicateImage = duplicate
			p.sink.RecordRun(telemetry.OutcomeCached, time.Since(start), len(res.Questions))
			logger.Debug("Served from cache", "questions", len(res.Questions))
			return res, nil
		}
		p.sink.RecordStage(StageCache, time.Since(lookup))
	}

	key := cache.Key(image, opts)
	f := p.join(ctx, key)
	defer p.leave(key, f)

	ch := p.group.DoChan(key, func() (interface{}, error) {
		return p.run(f.ctx, image, opts, logger)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		res := r.Val.(*model.PipelineResult)
		if r.Shared {
			res = res.Clone()
		}
		res.ProcessingInfo.RequestID = opts.RequestID
		res.ProcessingInfo.DuplicateImage = duplicate
		return res, nil
	case <-ctx.Done():
		logger.Debug("Caller left shared run", "error", ctx.Err())
		return nil, p.fail(p.ctxError(ctx.Err(), opts.RequestID, stageAwait), start)
	}
}

// join registers the caller on the run for key, creating it if needed
func (p *Pipeline) join(ctx context.Context, key string) *flight {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, ok := p.flights[key]
	if !ok {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: runCtx, cancel: cancel}
		p.flights[key] = f
	}
	f.waiters++
	return f
}

// leave drops the caller from f and cancels the run once nobody waits on it
func (p *Pipeline) leave(key string, f *flight) {
	p.mu.Lock()
	defer p.mu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	if p.flights[key] == f {
		delete(p.flights, key)
		// later callers must start a fresh run instead of joining a cancelled one
		p.group.Forget(key)
	}
	f.cancel()
}

type runState struct {
	start   time.Time
	stages  map[string]int64
	partial bool
}

func (p *Pipeline) enter(ctx context.Context, st *runState, reqID, stage string) error {
	if st.partial {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return p.ctxError(err, reqID, stage)
	}
	return nil
}

func (p *Pipeline) record(st *runState, stage string, began time.Time) {
	d := time.Since(began)
	st.stages[stage] = d.Milliseconds()
	p.sink.RecordStage(stage, d)
}

func (p *Pipeline) run(parent context.Context, image []byte, opts model.Options, logger *logging.Logger) (*model.PipelineResult, error) {
	ctx, cancel := context.WithTimeout(parent, p.cfg.Timeout)
	defer cancel()

	reqID := opts.RequestID
	st := &runState{start: time.Now(), stages: make(map[string]int64)}
	var warnings []string
	lowConfidence := false

	// Normalize
	if err := p.enter(ctx, st, reqID, StageNormalize); err != nil {
		return nil, p.fail(err, st.start)
	}
	began := time.Now()
	norm, profile, err := p.normalizer.Normalize(model.RawImage{Data: image})
	p.record(st, StageNormalize, began)
	if err != nil {
		return nil, p.fail(apperrors.NewInvalidImageError(reqID, err), st.start)
	}
	if profile.QualityScore < p.cfg.LowQualityThreshold {
		lowConfidence = true
		warnings = append(warnings, fmt.Sprintf("low image quality score %.1f", profile.QualityScore))
	}

	// Enhance
	if err := p.enter(ctx, st, reqID, StageEnhance); err != nil {
		return nil, p.fail(err, st.start)
	}
	began = time.Now()
	variants, variantErrs := p.generator.Generate(ctx, norm, profile)
	p.record(st, StageEnhance, began)
	for _, verr := range variantErrs {
		warnings = append(warnings, fmt.Sprintf("variant skipped: %v", verr))
	}
	if enhance.IsFallback(variants) {
		lowConfidence = true
		warnings = append(warnings, "all enhancement recipes failed; recognized the greyscale fallback")
	}

	// Recognize
	if err := p.enter(ctx, st, reqID, StageRecognize); err != nil {
		return nil, p.fail(err, st.start)
	}
	began = time.Now()
	attempts, recErr := p.orchestrator.Recognize(ctx, variants, p.cfg.Recognize)
	p.record(st, StageRecognize, began)
	for _, a := range attempts {
		if a.Err != nil {
			p.sink.RecordError(string(apperrors.ErrorOCRFailed))
			logger.Debug("Recognition attempt failed", "variant", a.Variant, "worker", a.Worker, "error", a.Err)
		}
	}
	if recErr != nil {
		if !anyUsable(attempts) || parent.Err() != nil {
			return nil, p.fail(p.ctxError(recErr, reqID, StageRecognize), st.start)
		}
		st.partial = true
		warnings = append(warnings, "processing budget exhausted; result built from completed attempts")
		logger.Warn("Run timed out, returning partial result", "attempts", len(attempts))
	}

	// Fuse
	if err := p.enter(ctx, st, reqID, StageFuse); err != nil {
		return nil, p.fail(err, st.start)
	}
	began = time.Now()
	fused, err := p.fuser.Fuse(attempts)
	p.record(st, StageFuse, began)
	if err != nil {
		if !errors.Is(err, fusion.ErrNoUsableResult) {
			return nil, p.fail(err, st.start)
		}
		noResult := apperrors.NewNoUsableResultError(reqID, len(attempts))
		p.sink.RecordError(string(noResult.Code))
		res := &model.PipelineResult{
			Questions: []model.Question{},
			Warnings:  append(warnings, noResult.Message),
			ProcessingInfo: model.ProcessingInfo{
				RequestID:         reqID,
				TotalTimeMs:       time.Since(st.start).Milliseconds(),
				PerStageTimeMs:    st.stages,
				ImageQualityScore: profile.QualityScore,
				AttemptCount:      len(attempts),
				LowConfidence:     true,
				TimedOut:          st.partial,
			},
		}
		p.sink.RecordRun(telemetry.OutcomeNoResult, time.Since(st.start), 0)
		logger.Warn("No usable recognition result", "attempts", len(attempts))
		return res, nil
	}

	// Correct
	if err := p.enter(ctx, st, reqID, StageCorrect); err != nil {
		return nil, p.fail(err, st.start)
	}
	began = time.Now()
	corrector := p.corrector(opts)
	text := corrector.Correct(fused.Attempt.Text)
	p.record(st, StageCorrect, began)

	// Extract
	if err := p.enter(ctx, st, reqID, StageExtract); err != nil {
		return nil, p.fail(err, st.start)
	}
	began = time.Now()
	extraction := p.extractor.Extract(text, questions.Hints{ExpectedQuestionCount: opts.ExpectedQuestionCount})
	p.record(st, StageExtract, began)
	for range extraction.Errors {
		p.sink.RecordError(string(apperrors.ErrorExtraction))
	}
	if n := opts.ExpectedQuestionCount; n > 0 && len(extraction.Questions) != n {
		warnings = append(warnings, fmt.Sprintf("expected %d questions, extracted %d", n, len(extraction.Questions)))
	}

	if fused.Confidence < p.cfg.LowConfidenceThreshold {
		lowConfidence = true
	}

	qs := extraction.Questions
	if qs == nil {
		qs = []model.Question{}
	}
	res := &model.PipelineResult{
		Text:       text,
		Confidence: fused.Confidence,
		Questions:  qs,
		Errors:     extraction.Errors,
		Warnings:   warnings,
		ProcessingInfo: model.ProcessingInfo{
			RequestID:         reqID,
			TotalTimeMs:       time.Since(st.start).Milliseconds(),
			PerStageTimeMs:    st.stages,
			ChosenVariant:     fused.Attempt.Variant,
			ChosenWorker:      fused.Attempt.Worker,
			FusionScore:       fused.Score,
			ImageQualityScore: profile.QualityScore,
			AttemptCount:      len(attempts),
			LowConfidence:     lowConfidence,
			TimedOut:          st.partial,
		},
	}

	// partial results are not cached so a retry with a fresh budget can improve them
	if p.cache != nil && !st.partial {
		p.cache.Set(parent, image, opts, res)
	}

	outcome := telemetry.OutcomeSuccess
	if st.partial {
		outcome = telemetry.OutcomePartial
	}
	p.sink.RecordRun(outcome, time.Since(st.start), len(qs))
	logger.Info("Extraction complete",
		"variant", fused.Attempt.Variant,
		"confidence", fmt.Sprintf("%.3f", fused.Confidence),
		"questions", len(qs),
		"blockErrors", len(extraction.Errors),
		"attempts", len(attempts),
		"totalMs", res.ProcessingInfo.TotalTimeMs)
	return res, nil
}

// corrector forces math substitution for mathematical subjects in auto mode
func (p *Pipeline) corrector(opts model.Options) *correction.Corrector {
	c := correction.NewCorrector()
	c.Math = p.cfg.MathMode
	if c.Math == correction.MathAuto && mathSubjects[strings.ToLower(strings.TrimSpace(opts.Subject))] {
		c.Math = correction.MathForce
	}
	return c
}

func (p *Pipeline) ctxError(err error, reqID, stage string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewProcessingTimeoutError(reqID, p.cfg.Timeout, err)
	}
	return apperrors.NewCancelledError(reqID, stage, err)
}

func (p *Pipeline) fail(err error, start time.Time) error {
	code := apperrors.CodeOf(err)
	p.sink.RecordError(string(code))
	outcome := telemetry.OutcomeFailed
	if code == apperrors.ErrorCancelled {
		outcome = telemetry.OutcomeCancelled
	}
	p.sink.RecordRun(outcome, time.Since(start), 0)
	return err
}

func anyUsable(attempts []model.Attempt) bool {
	for i := range attempts {
		if attempts[i].Usable() {
			return true
		}
	}
	return false
}
