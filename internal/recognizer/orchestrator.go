/**
 * Multi-engine orchestrator
 *
 * Dispatches ranked variants to pool workers in waves of pool size. Every
 * attempt is bounded by its own timeout; a timed out or failing attempt is
 * recorded with confidence 0 and never aborts its siblings.
 */

package recognizer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/adverant/nexus/questionprocess-worker/internal/errors"
	"github.com/adverant/nexus/questionprocess-worker/internal/logging"
	"github.com/adverant/nexus/questionprocess-worker/internal/model"
)

// RecognizeConfig tunes one recognition stage
type RecognizeConfig struct {
	AttemptTimeout time.Duration
	// EarlyExitConfidence skips remaining waves once an attempt exceeds it.
	// Zero disables early exit.
	EarlyExitConfidence float64
	Languages           []string
	Whitelist           string
	DPI                 int
}

// Orchestrator runs recognition attempts on a shared pool
type Orchestrator struct {
	pool   *WorkerPool
	logger *logging.Logger
}

// NewOrchestrator creates an orchestrator bound to pool
func NewOrchestrator(pool *WorkerPool, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Orchestrator{pool: pool, logger: logger}
}

// Recognize returns one attempt per dispatched variant, in dispatch order.
// Early exit is evaluated only at wave boundaries so identical inputs and
// worker availability give identical attempt lists. A non-nil error means
// ctx ended; the attempts completed so far are still returned.
func (o *Orchestrator) Recognize(ctx context.Context, variants []model.Variant, cfg RecognizeConfig) ([]model.Attempt, error) {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	waveSize := o.pool.Size()
	if waveSize < 1 {
		waveSize = 1
	}

	attempts := make([]model.Attempt, 0, len(variants))
	for start := 0; start < len(variants); start += waveSize {
		end := start + waveSize
		if end > len(variants) {
			end = len(variants)
		}

		wave, err := o.runWave(ctx, variants[start:end], start, cfg)
		attempts = append(attempts, wave...)
		if err != nil {
			return attempts, err
		}
		if err := ctx.Err(); err != nil {
			return attempts, err
		}

		if cfg.EarlyExitConfidence > 0 && end < len(variants) {
			for _, a := range wave {
				if a.Usable() && a.Confidence > cfg.EarlyExitConfidence {
					o.logger.Debug("Early exit", "variant", a.Variant, "confidence", fmt.Sprintf("%.3f", a.Confidence), "skipped", len(variants)-end)
					return attempts, nil
				}
			}
		}
	}
	return attempts, nil
}

func (o *Orchestrator) runWave(ctx context.Context, wave []model.Variant, offset int, cfg RecognizeConfig) ([]model.Attempt, error) {
	results := make([]model.Attempt, len(wave))
	dispatched := 0
	var acquireErr error
	var wg sync.WaitGroup

	for i, v := range wave {
		lease, err := o.pool.Acquire(ctx)
		if err != nil {
			acquireErr = err
			break
		}
		dispatched++
		wg.Add(1)
		go func(slot int, v model.Variant, lease *Lease) {
			defer wg.Done()
			results[slot] = o.attempt(ctx, lease, v, offset+slot, cfg)
		}(i, v, lease)
	}
	wg.Wait()

	return results[:dispatched], acquireErr
}

type outcome struct {
	rec *Recognition
	err error
}

// attempt runs one engine call. The lease is released by the goroutine that
// owns the engine call, so a timed out worker stays busy until it returns.
func (o *Orchestrator) attempt(ctx context.Context, lease *Lease, v model.Variant, order int, cfg RecognizeConfig) model.Attempt {
	w := lease.Worker()
	a := model.Attempt{Order: order, Variant: v.Name, Worker: w.ID, Strategy: string(w.Strategy)}
	start := time.Now()

	attemptCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer lease.Release()
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("engine panicked: %v", r)}
			}
		}()
		rec, err := w.Recognize(attemptCtx, v.Buffer, Params{
			Strategy:  w.Strategy,
			Languages: cfg.Languages,
			Whitelist: cfg.Whitelist,
			DPI:       cfg.DPI,
		})
		done <- outcome{rec: rec, err: err}
	}()

	select {
	case out := <-done:
		a.Duration = time.Since(start)
		if out.err != nil {
			a.Err = apperrors.NewOCRFailedError("", v.Name, out.err)
			o.logger.Warn("Recognition attempt failed", "variant", v.Name, "worker", w.ID, "error", out.err)
			return a
		}
		if out.rec == nil {
			out.rec = &Recognition{}
		}
		a.Text = out.rec.Text
		a.WordCount = len(out.rec.Words)
		if a.WordCount == 0 {
			a.WordCount = len(strings.Fields(out.rec.Text))
		}
		a.Confidence = out.rec.Confidence()
	case <-attemptCtx.Done():
		a.Duration = time.Since(start)
		a.Err = apperrors.NewOCRFailedError("", v.Name, fmt.Errorf("attempt on %s timed out after %v: %w", w.ID, cfg.AttemptTimeout, attemptCtx.Err()))
		o.logger.Warn("Recognition attempt timed out", "variant", v.Name, "worker", w.ID)
	}
	return a
}
