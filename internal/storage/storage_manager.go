/**
 * Storage Manager for the Question Extraction Worker
 *
 * Persistence collaborator for finalized extraction results. Question
 * vectors go to Qdrant first; rows go to PostgreSQL second, and the points
 * are deleted again when the SQL transaction fails.
 */

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/questionprocess-worker/internal/model"
)

// RunStore is the relational side of the storage manager
type RunStore interface {
	SaveRun(ctx context.Context, run *RunRecord, questions []*QuestionRecord) (time.Time, error)
	GetQuestionsByRun(ctx context.Context, runID string) ([]*QuestionRecord, error)
	GetQuestionByID(ctx context.Context, questionID string) (*QuestionRecord, error)
	UpdateJobStatus(ctx context.Context, update *JobUpdate) error
	GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error)
	Ping(ctx context.Context) error
	Close() error
}

// VectorIndex is the similarity side of the storage manager
type VectorIndex interface {
	UpsertVector(ctx context.Context, point *VectorPoint) error
	SearchVectors(ctx context.Context, queryVector []float32, limit int, minScore float32) ([]*VectorPoint, error)
	DeleteVectors(ctx context.Context, pointIDs ...string) error
	GetCollectionInfo(ctx context.Context) (map[string]interface{}, error)
	Close() error
}

// StorageManager coordinates PostgreSQL and Qdrant operations
type StorageManager struct {
	runs    RunStore
	vectors VectorIndex
}

// StoreInput is one finalized extraction to persist
type StoreInput struct {
	JobID     string
	ImageHash string
	Result    *model.PipelineResult
}

// StoredExtraction identifies the rows and points written for one result
type StoredExtraction struct {
	RunID       string
	QuestionIDs []string
	PointIDs    []string
	CreatedAt   time.Time
}

// SimilarQuestion is a bank question close to a query
type SimilarQuestion struct {
	QuestionID string  `json:"questionId"`
	RunID      string  `json:"runId"`
	Type       string  `json:"type"`
	Text       string  `json:"questionText"`
	Score      float64 `json:"score"`
}

// NewStorageManager connects to PostgreSQL and, when qdrantAddress is set, Qdrant
func NewStorageManager(postgresURL string, qdrantAddress string, qdrantCollection string) (*StorageManager, error) {
	postgres, err := NewPostgresClient(postgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := postgres.EnsureSchema(ctx); err != nil {
		postgres.Close()
		return nil, err
	}

	if qdrantAddress == "" {
		return NewStorageManagerWith(postgres, nil), nil
	}

	qdrantClient, err := NewQdrantClient(qdrantAddress, qdrantCollection)
	if err != nil {
		postgres.Close()
		return nil, fmt.Errorf("failed to initialize Qdrant client: %w", err)
	}

	return NewStorageManagerWith(postgres, qdrantClient), nil
}

// NewStorageManagerWith assembles a manager from existing collaborators.
// vectors may be nil, which disables similarity lookups.
func NewStorageManagerWith(runs RunStore, vectors VectorIndex) *StorageManager {
	return &StorageManager{runs: runs, vectors: vectors}
}

// StoreExtraction persists a result's run row, question rows and question vectors
func (sm *StorageManager) StoreExtraction(ctx context.Context, input *StoreInput) (*StoredExtraction, error) {
	if input == nil || input.Result == nil {
		return nil, fmt.Errorf("result is required")
	}
	res := input.Result

	infoJSON, err := json.Marshal(res.ProcessingInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal processing info: %w", err)
	}

	run := &RunRecord{
		ID:             uuid.New().String(),
		JobID:          input.JobID,
		ImageHash:      input.ImageHash,
		Text:           res.Text,
		Confidence:     res.Confidence,
		ChosenVariant:  res.ProcessingInfo.ChosenVariant,
		Warnings:       res.Warnings,
		ProcessingInfo: infoJSON,
	}

	records, err := questionRecords(run.ID, res.Questions)
	if err != nil {
		return nil, err
	}

	// Step 1: vectors first so a failure here leaves no rows behind
	var pointIDs []string
	if sm.vectors != nil {
		now := time.Now().Unix()
		for i, rec := range records {
			rec.QdrantPointID = uuid.New().String()
			point := &VectorPoint{
				ID:     rec.QdrantPointID,
				Vector: Vectorize(res.Questions[i].Text),
				Metadata: map[string]interface{}{
					"question_id": rec.ID,
					"run_id":      run.ID,
					"job_id":      input.JobID,
					"type":        rec.Type,
					"text":        rec.Text,
				},
				Timestamp: now,
			}
			if err := sm.vectors.UpsertVector(ctx, point); err != nil {
				sm.rollbackVectors(pointIDs)
				return nil, fmt.Errorf("failed to store question vector: %w", err)
			}
			pointIDs = append(pointIDs, rec.QdrantPointID)
		}
	}

	// Step 2: rows in one transaction
	createdAt, err := sm.runs.SaveRun(ctx, run, records)
	if err != nil {
		sm.rollbackVectors(pointIDs)
		return nil, fmt.Errorf("failed to store extraction in PostgreSQL: %w", err)
	}

	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	return &StoredExtraction{RunID: run.ID, QuestionIDs: ids, PointIDs: pointIDs, CreatedAt: createdAt}, nil
}

// rollbackVectors runs on its own context so a cancelled request still cleans up
func (sm *StorageManager) rollbackVectors(pointIDs []string) {
	if sm.vectors == nil || len(pointIDs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sm.vectors.DeleteVectors(ctx, pointIDs...)
}

// FindSimilar returns stored questions whose vectors score at least minScore against text
func (sm *StorageManager) FindSimilar(ctx context.Context, text string, limit int, minScore float64) ([]*SimilarQuestion, error) {
	if sm.vectors == nil {
		return nil, fmt.Errorf("similarity search requires a vector index")
	}

	points, err := sm.vectors.SearchVectors(ctx, Vectorize(text), limit, float32(minScore))
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}

	out := make([]*SimilarQuestion, 0, len(points))
	for _, p := range points {
		qid, _ := p.Metadata["question_id"].(string)
		if qid == "" {
			continue
		}
		runID, _ := p.Metadata["run_id"].(string)
		qtype, _ := p.Metadata["type"].(string)
		qtext, _ := p.Metadata["text"].(string)
		out = append(out, &SimilarQuestion{
			QuestionID: qid,
			RunID:      runID,
			Type:       qtype,
			Text:       qtext,
			Score:      float64(p.Score),
		})
	}
	return out, nil
}

// GetQuestions returns the stored questions of a run as model questions
func (sm *StorageManager) GetQuestions(ctx context.Context, runID string) ([]model.Question, error) {
	records, err := sm.runs.GetQuestionsByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Question, 0, len(records))
	for _, rec := range records {
		q, err := rec.Question()
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

// UpdateJobStatus updates job status in PostgreSQL
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	return sm.runs.UpdateJobStatus(ctx, update)
}

// GetJobByID retrieves job by ID
func (sm *StorageManager) GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error) {
	return sm.runs.GetJobByID(ctx, jobID)
}

// Ping checks the relational store
func (sm *StorageManager) Ping(ctx context.Context) error {
	return sm.runs.Ping(ctx)
}

// GetStats returns statistics from both systems
func (sm *StorageManager) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{}

	if pg, ok := sm.runs.(*PostgresClient); ok {
		pgStats := pg.GetStats()
		stats["postgres"] = map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		}
	}

	if sm.vectors != nil {
		qdrantStats, err := sm.vectors.GetCollectionInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get Qdrant stats: %w", err)
		}
		stats["qdrant"] = qdrantStats
	}

	return stats, nil
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	var pgErr, qdErr error

	if sm.runs != nil {
		pgErr = sm.runs.Close()
	}

	if sm.vectors != nil {
		qdErr = sm.vectors.Close()
	}

	if pgErr != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", pgErr)
	}

	if qdErr != nil {
		return fmt.Errorf("failed to close Qdrant: %w", qdErr)
	}

	return nil
}

func questionRecords(runID string, questions []model.Question) ([]*QuestionRecord, error) {
	records := make([]*QuestionRecord, 0, len(questions))
	for i, q := range questions {
		options, err := json.Marshal(q.Options)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal options of question %d: %w", q.ID, err)
		}
		blanks, err := json.Marshal(q.Blanks)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal blanks of question %d: %w", q.ID, err)
		}
		position := q.ID
		if position <= 0 {
			position = i + 1
		}
		records = append(records, &QuestionRecord{
			ID:         uuid.New().String(),
			RunID:      runID,
			Position:   position,
			Type:       string(q.Type),
			Text:       q.Text,
			Options:    options,
			Blanks:     blanks,
			Confidence: q.Confidence,
			RawSource:  q.RawSource,
		})
	}
	return records, nil
}

// Question decodes the row back into a model question
func (r *QuestionRecord) Question() (model.Question, error) {
	q := model.Question{
		ID:         r.Position,
		Type:       model.QuestionType(r.Type),
		Text:       r.Text,
		Confidence: r.Confidence,
		RawSource:  r.RawSource,
	}
	if len(r.Options) > 0 && string(r.Options) != "null" {
		if err := json.Unmarshal(r.Options, &q.Options); err != nil {
			return q, fmt.Errorf("failed to unmarshal options: %w", err)
		}
	}
	if len(r.Blanks) > 0 && string(r.Blanks) != "null" {
		if err := json.Unmarshal(r.Blanks, &q.Blanks); err != nil {
			return q, fmt.Errorf("failed to unmarshal blanks: %w", err)
		}
	}
	return q, nil
}

var (
	nullEscape    = regexp.MustCompile(`\\u0000`)
	controlEscape = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres removes escape sequences PostgreSQL JSONB rejects:
// \u0000 is dropped, other control escapes become a space
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	if jsonBytes == nil {
		return nil
	}
	result := nullEscape.ReplaceAll(jsonBytes, []byte{})
	return controlEscape.ReplaceAll(result, []byte(" "))
}

var _ RunStore = (*PostgresClient)(nil)
var _ VectorIndex = (*QdrantClient)(nil)
