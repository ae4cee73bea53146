/**
 * Shared data structures for the question extraction pipeline
 *
 * Common types passed between the enhancement, recognition, fusion,
 * correction, extraction and cache stages.
 */

package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// RawImage is the immutable input buffer received at the ingestion boundary
type RawImage struct {
	Data     []byte
	MimeType string
}

// Resolution classifies the pixel budget of an image
type Resolution string

const (
	ResolutionLow      Resolution = "low"
	ResolutionStandard Resolution = "standard"
	ResolutionHigh     Resolution = "high"
)

// ImageProfile is computed once per RawImage and read-only afterwards
type ImageProfile struct {
	Width        int        `json:"width"`
	Height       int        `json:"height"`
	Channels     int        `json:"channels"`
	BitDepth     int        `json:"bitDepth"`
	DPI          int        `json:"dpi"`
	Format       string     `json:"format"`
	Contrast     float64    `json:"contrast"`
	QualityScore float64    `json:"qualityScore"`
	Resolution   Resolution `json:"resolution"`
}

// Variant is one enhanced copy of the normalized image
type Variant struct {
	Name   string
	Buffer []byte
	// Proxy is a cheap relative signal used for probe order only
	Proxy float64
	Rank  int
}

// Attempt is the outcome of one recognition call on one variant
type Attempt struct {
	Order      int
	Variant    string
	Worker     string
	Strategy   string
	Text       string
	Confidence float64
	WordCount  int
	Duration   time.Duration
	Err        error
}

// Usable reports whether the attempt can be a fusion candidate
func (a *Attempt) Usable() bool {
	return a.Err == nil && strings.TrimSpace(a.Text) != ""
}

// FusedTranscript is the single attempt chosen by fusion
type FusedTranscript struct {
	Attempt Attempt
	// Score is recomputable from Attempt alone
	Score float64
	// Confidence may exceed Attempt.Confidence when near-identical attempts corroborate
	Confidence float64
	Components ScoreComponents
}

// ScoreComponents exposes the weighted parts of a fusion score for auditing
type ScoreComponents struct {
	Confidence   float64 `json:"confidence"`
	Length       float64 `json:"length"`
	Structure    float64 `json:"structure"`
	NoisePenalty float64 `json:"noisePenalty"`
}

// Options are the caller supplied processing options
type Options struct {
	Subject               string `json:"subject,omitempty"`
	ExpectedQuestionCount int    `json:"expectedQuestionCount,omitempty"`
	RequestID             string `json:"requestId,omitempty"`
}

// Canonical returns the options that influence the result. RequestID is identity only.
func (o Options) Canonical() Options {
	return Options{
		Subject:               strings.ToLower(strings.TrimSpace(o.Subject)),
		ExpectedQuestionCount: o.ExpectedQuestionCount,
	}
}

// Hash is the hex sha256 of the canonical options encoding
func (o Options) Hash() string {
	data, _ := json.Marshal(o.Canonical())
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ProcessingInfo carries timings and diagnostics for one run
type ProcessingInfo struct {
	RequestID         string           `json:"requestId,omitempty"`
	TotalTimeMs       int64            `json:"totalTimeMs"`
	PerStageTimeMs    map[string]int64 `json:"perStageTimeMs"`
	ChosenVariant     string           `json:"chosenVariant"`
	ChosenWorker      string           `json:"chosenWorker,omitempty"`
	FusionScore       float64          `json:"fusionScore"`
	ImageQualityScore float64          `json:"imageQualityScore"`
	AttemptCount      int              `json:"attemptCount"`
	FromCache         bool             `json:"fromCache"`
	DuplicateImage    bool             `json:"duplicateImage"`
	LowConfidence     bool             `json:"lowConfidence"`
	TimedOut          bool             `json:"timedOut"`
}

// PipelineResult is the only object exposed to external collaborators
type PipelineResult struct {
	Text           string            `json:"text"`
	Confidence     float64           `json:"confidence"`
	Questions      []Question        `json:"questions"`
	Errors         []ExtractionError `json:"errors,omitempty"`
	Warnings       []string          `json:"warnings,omitempty"`
	ProcessingInfo ProcessingInfo    `json:"processingInfo"`
}

// Clone returns a deep copy so cached results are never shared by reference
func (r *PipelineResult) Clone() *PipelineResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Questions = make([]Question, len(r.Questions))
	for i, q := range r.Questions {
		q.Options = append([]Option(nil), q.Options...)
		q.Blanks = append([]Blank(nil), q.Blanks...)
		out.Questions[i] = q
	}
	out.Errors = append([]ExtractionError(nil), r.Errors...)
	out.Warnings = append([]string(nil), r.Warnings...)
	if r.ProcessingInfo.PerStageTimeMs != nil {
		out.ProcessingInfo.PerStageTimeMs = make(map[string]int64, len(r.ProcessingInfo.PerStageTimeMs))
		for k, v := range r.ProcessingInfo.PerStageTimeMs {
			out.ProcessingInfo.PerStageTimeMs[k] = v
		}
	}
	return &out
}
