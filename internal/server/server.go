/**
 * HTTP surface for the Question Extraction Worker
 *
 * GET  /healthz                        liveness plus dependency checks
 * GET  /metrics                        Prometheus exposition
 * POST /v1/extract                     synchronous extraction (raw image body)
 * POST /v1/jobs                        enqueue an extraction job
 * GET  /v1/runs/{runId}/questions      stored questions of a run
 * GET  /v1/questions/similar?q=        similar questions from the bank
 */

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "github.com/adverant/nexus/questionprocess-worker/internal/errors"
	"github.com/adverant/nexus/questionprocess-worker/internal/logging"
	"github.com/adverant/nexus/questionprocess-worker/internal/model"
	"github.com/adverant/nexus/questionprocess-worker/internal/queue"
	"github.com/adverant/nexus/questionprocess-worker/internal/storage"
)

// Extractor runs a synchronous extraction
type Extractor interface {
	Extract(ctx context.Context, image []byte, opts model.Options) (*model.PipelineResult, error)
}

// QuestionBank reads persisted questions
type QuestionBank interface {
	GetQuestions(ctx context.Context, runID string) ([]model.Question, error)
	FindSimilar(ctx context.Context, text string, limit int, minScore float64) ([]*storage.SimilarQuestion, error)
}

// HealthCheck reports a dependency failure
type HealthCheck func(ctx context.Context) error

// Config wires the server collaborators. Only Pipeline is required.
type Config struct {
	Pipeline     Extractor
	Jobs         queue.JobEnqueuer
	Bank         QuestionBank
	Gatherer     prometheus.Gatherer
	Checks       map[string]HealthCheck
	MaxImageSize int64
	Logger       *logging.Logger
}

// Server routes HTTP requests to the pipeline and its collaborators
type Server struct {
	cfg    Config
	router *mux.Router
	logger *logging.Logger
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// New builds the router
func New(cfg Config) (*Server, error) {
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if cfg.MaxImageSize <= 0 {
		cfg.MaxImageSize = 20 * 1024 * 1024
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	s := &Server{cfg: cfg, router: mux.NewRouter(), logger: cfg.Logger}
	s.router.Use(requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/extract", s.handleExtract).Methods(http.MethodPost)
	v1.HandleFunc("/jobs", s.handleEnqueue).Methods(http.MethodPost)
	v1.HandleFunc("/runs/{runId}/questions", s.handleRunQuestions).Methods(http.MethodGet)
	v1.HandleFunc("/questions/similar", s.handleSimilar).Methods(http.MethodGet)

	return s, nil
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.cfg.Checks))
	for name, check := range s.cfg.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	respondJSON(w, status, map[string]interface{}{"status": state, "checks": checks})
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	opts, err := parseOptions(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	opts.RequestID = getRequestID(r.Context())

	image, err := s.readImage(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, string(apperrors.ErrorInvalidImage), err.Error())
		return
	}

	result, err := s.cfg.Pipeline.Extract(r.Context(), image, opts)
	if err != nil {
		respondProcessingError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Jobs == nil {
		respondError(w, http.StatusNotImplemented, "UNAVAILABLE", "job queue is not configured")
		return
	}

	var payload queue.ExtractJobPayload
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		body := http.MaxBytesReader(w, r.Body, s.cfg.MaxImageSize*2)
		if err := json.NewDecoder(body).Decode(&payload); err != nil {
			respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
			return
		}
	} else {
		opts, err := parseOptions(r)
		if err != nil {
			respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
			return
		}
		image, err := s.readImage(w, r)
		if err != nil {
			respondError(w, http.StatusBadRequest, string(apperrors.ErrorInvalidImage), err.Error())
			return
		}
		payload = queue.ExtractJobPayload{
			JobID:       r.URL.Query().Get("jobId"),
			MimeType:    r.Header.Get("Content-Type"),
			ImageSize:   int64(len(image)),
			ImageBuffer: image,
			Options:     opts,
			Persist:     r.URL.Query().Get("persist") != "false",
		}
	}

	jobID, err := s.cfg.Jobs.Enqueue(r.Context(), &payload)
	if err != nil {
		respondError(w, http.StatusBadRequest, "ENQUEUE_FAILED", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID, "status": "queued"})
}

func (s *Server) handleRunQuestions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bank == nil {
		respondError(w, http.StatusNotImplemented, "UNAVAILABLE", "storage is not configured")
		return
	}
	runID := mux.Vars(r)["runId"]
	questions, err := s.cfg.Bank.GetQuestions(r.Context(), runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, string(apperrors.ErrorStorageFailed), err.Error())
		return
	}
	if len(questions) == 0 {
		respondError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("no questions stored for run %s", runID))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"runId": runID, "questions": questions})
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bank == nil {
		respondError(w, http.StatusNotImplemented, "UNAVAILABLE", "storage is not configured")
		return
	}
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		respondError(w, http.StatusBadRequest, "BAD_REQUEST", "query parameter q is required")
		return
	}
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			respondError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be between 1 and 100")
			return
		}
		limit = n
	}
	minScore := 0.5
	if v := r.URL.Query().Get("minScore"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			respondError(w, http.StatusBadRequest, "BAD_REQUEST", "minScore must be between 0 and 1")
			return
		}
		minScore = f
	}

	matches, err := s.cfg.Bank.FindSimilar(r.Context(), q, limit, minScore)
	if err != nil {
		respondError(w, http.StatusInternalServerError, string(apperrors.ErrorStorageFailed), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"matches": matches})
}

func (s *Server) readImage(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxImageSize)
	image, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image body: %w", err)
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("request body is empty")
	}
	return image, nil
}

// parseOptions reads subject and expectedQuestionCount from the query string
func parseOptions(r *http.Request) (model.Options, error) {
	q := r.URL.Query()
	opts := model.Options{Subject: q.Get("subject")}
	if v := q.Get("expectedQuestionCount"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, fmt.Errorf("expectedQuestionCount must be a non-negative integer")
		}
		opts.ExpectedQuestionCount = n
	}
	return opts, nil
}

func statusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrorInvalidImage:
		return http.StatusUnprocessableEntity
	case apperrors.ErrorProcessingTimeout:
		return http.StatusGatewayTimeout
	case apperrors.ErrorCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondProcessingError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	respondError(w, statusFor(code), string(code), err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, kind, message string) {
	respondJSON(w, status, ErrorResponse{Kind: kind, Message: message})
}
