/**
 * PostgreSQL Client for the Question Extraction Worker
 *
 * Handles job tracking and persistence of finalized extraction runs and
 * their questions in the questionprocess schema.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	Status           string
	Confidence       float64
	ProcessingTimeMs int64
	RunID            string
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// RunRecord is one stored extraction run
type RunRecord struct {
	ID             string
	JobID          string
	ImageHash      string
	Text           string
	Confidence     float64
	ChosenVariant  string
	Warnings       []string
	ProcessingInfo []byte
	CreatedAt      time.Time
}

// QuestionRecord is one stored question row
type QuestionRecord struct {
	ID            string
	RunID         string
	Position      int
	Type          string
	Text          string
	Options       []byte
	Blanks        []byte
	Confidence    float64
	RawSource     string
	QdrantPointID string
}

const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS questionprocess;

CREATE TABLE IF NOT EXISTS questionprocess.extraction_jobs (
	id                 UUID PRIMARY KEY,
	status             TEXT NOT NULL,
	subject            TEXT,
	mime_type          TEXT,
	image_size         BIGINT,
	confidence         NUMERIC(5,4),
	processing_time_ms BIGINT,
	run_id             UUID,
	error_code         TEXT,
	error_message      TEXT,
	metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS questionprocess.extraction_runs (
	id              UUID PRIMARY KEY,
	job_id          TEXT,
	image_hash      TEXT NOT NULL,
	text            TEXT NOT NULL,
	confidence      NUMERIC(5,4),
	chosen_variant  TEXT,
	warnings        TEXT[],
	processing_info JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS questionprocess.questions (
	id              UUID PRIMARY KEY,
	run_id          UUID NOT NULL REFERENCES questionprocess.extraction_runs(id) ON DELETE CASCADE,
	position        INT NOT NULL,
	type            TEXT NOT NULL,
	text            TEXT NOT NULL,
	options         JSONB,
	blanks          JSONB,
	confidence      NUMERIC(5,4),
	raw_source      TEXT,
	qdrant_point_id UUID,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS questions_run_id_idx ON questionprocess.questions (run_id);
CREATE INDEX IF NOT EXISTS extraction_runs_image_hash_idx ON questionprocess.extraction_runs (image_hash);
`

// sanitizeConfidence rounds confidence to 4 decimal places and clamps it to
// [0,1] so it always fits NUMERIC(5,4)
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the questionprocess tables when missing
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// UpdateJobStatus upserts the job row so the worker can create it if the
// API has not yet done so
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	sanitizedConfidence := sanitizeConfidence(update.Confidence)

	metadataJSON, err := json.Marshal(update.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	metadataJSON = sanitizeJSONForPostgres(metadataJSON)

	var subject, mimeType string
	var imageSize int64
	if update.Metadata != nil {
		if s, ok := update.Metadata["subject"].(string); ok {
			subject = s
		}
		if mt, ok := update.Metadata["mimeType"].(string); ok {
			mimeType = mt
		}
		switch size := update.Metadata["imageSize"].(type) {
		case int:
			imageSize = int64(size)
		case int64:
			imageSize = size
		case float64:
			imageSize = int64(size)
		}
	}

	query := `
		INSERT INTO questionprocess.extraction_jobs (
			id, status, confidence, processing_time_ms, run_id,
			error_code, error_message, metadata,
			subject, mime_type, image_size,
			created_at, updated_at
		) VALUES (
			$1::uuid, $2, NULLIF($3::NUMERIC(5,4), 0), NULLIF($4, 0),
			CASE WHEN $5 = '' THEN NULL ELSE $5::uuid END,
			NULLIF($6, ''), NULLIF($7, ''),
			COALESCE($8::jsonb, '{}'::jsonb),
			NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, 0),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			confidence = COALESCE(EXCLUDED.confidence, questionprocess.extraction_jobs.confidence),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, questionprocess.extraction_jobs.processing_time_ms),
			run_id = COALESCE(EXCLUDED.run_id, questionprocess.extraction_jobs.run_id),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = questionprocess.extraction_jobs.metadata || EXCLUDED.metadata,
			subject = COALESCE(EXCLUDED.subject, questionprocess.extraction_jobs.subject),
			mime_type = COALESCE(EXCLUDED.mime_type, questionprocess.extraction_jobs.mime_type),
			image_size = COALESCE(EXCLUDED.image_size, questionprocess.extraction_jobs.image_size),
			updated_at = NOW()
		RETURNING id
	`

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,            // $1
		update.Status,           // $2
		sanitizedConfidence,     // $3
		update.ProcessingTimeMs, // $4
		update.RunID,            // $5
		update.ErrorCode,        // $6
		update.ErrorMessage,     // $7
		metadataJSON,            // $8
		subject,                 // $9
		mimeType,                // $10
		imageSize,               // $11
	).Scan(&returnedID)

	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s, confidence=%.4f): %w",
			update.JobID, update.Status, sanitizedConfidence, err)
	}

	return nil
}

// SaveRun inserts a run and its questions in one transaction
func (p *PostgresClient) SaveRun(ctx context.Context, run *RunRecord, questions []*QuestionRecord) (time.Time, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var createdAt time.Time
	err = tx.QueryRowContext(ctx, `
		INSERT INTO questionprocess.extraction_runs (
			id, job_id, image_hash, text, confidence, chosen_variant, warnings, processing_info, created_at
		) VALUES ($1::uuid, NULLIF($2, ''), $3, $4, $5::NUMERIC(5,4), NULLIF($6, ''), $7, $8::jsonb, NOW())
		RETURNING created_at
	`,
		run.ID,
		run.JobID,
		run.ImageHash,
		run.Text,
		sanitizeConfidence(run.Confidence),
		run.ChosenVariant,
		pq.Array(run.Warnings),
		sanitizeJSONForPostgres(run.ProcessingInfo),
	).Scan(&createdAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to insert extraction run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO questionprocess.questions (
			id, run_id, position, type, text, options, blanks, confidence, raw_source, qdrant_point_id, created_at
		) VALUES (
			$1::uuid, $2::uuid, $3, $4, $5, $6::jsonb, $7::jsonb, $8::NUMERIC(5,4), $9,
			CASE WHEN $10 = '' THEN NULL ELSE $10::uuid END, NOW()
		)
	`)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to prepare question insert: %w", err)
	}
	defer stmt.Close()

	for _, q := range questions {
		if _, err := stmt.ExecContext(ctx,
			q.ID,
			run.ID,
			q.Position,
			q.Type,
			q.Text,
			sanitizeJSONForPostgres(q.Options),
			sanitizeJSONForPostgres(q.Blanks),
			sanitizeConfidence(q.Confidence),
			q.RawSource,
			q.QdrantPointID,
		); err != nil {
			return time.Time{}, fmt.Errorf("failed to insert question %d: %w", q.Position, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return time.Time{}, fmt.Errorf("failed to commit extraction run: %w", err)
	}
	return createdAt, nil
}

// GetQuestionsByRun returns the stored questions of a run in document order
func (p *PostgresClient) GetQuestionsByRun(ctx context.Context, runID string) ([]*QuestionRecord, error) {
	if runID == "" {
		return nil, fmt.Errorf("run ID is required")
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, run_id, position, type, text, options, blanks, confidence, raw_source, qdrant_point_id
		FROM questionprocess.questions
		WHERE run_id = $1::uuid
		ORDER BY position
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query questions: %w", err)
	}
	defer rows.Close()

	var out []*QuestionRecord
	for rows.Next() {
		var (
			q          QuestionRecord
			confidence sql.NullFloat64
			rawSource  sql.NullString
			pointID    sql.NullString
		)
		if err := rows.Scan(&q.ID, &q.RunID, &q.Position, &q.Type, &q.Text, &q.Options, &q.Blanks, &confidence, &rawSource, &pointID); err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		q.Confidence = confidence.Float64
		q.RawSource = rawSource.String
		q.QdrantPointID = pointID.String
		out = append(out, &q)
	}
	return out, rows.Err()
}

// GetQuestionByID returns one stored question
func (p *PostgresClient) GetQuestionByID(ctx context.Context, questionID string) (*QuestionRecord, error) {
	var (
		q          QuestionRecord
		confidence sql.NullFloat64
		rawSource  sql.NullString
		pointID    sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, run_id, position, type, text, options, blanks, confidence, raw_source, qdrant_point_id
		FROM questionprocess.questions
		WHERE id = $1::uuid
	`, questionID).Scan(&q.ID, &q.RunID, &q.Position, &q.Type, &q.Text, &q.Options, &q.Blanks, &confidence, &rawSource, &pointID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("question not found: %s", questionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get question: %w", err)
	}
	q.Confidence = confidence.Float64
	q.RawSource = rawSource.String
	q.QdrantPointID = pointID.String
	return &q, nil
}

// GetJobByID retrieves a job by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id, status, subject, mime_type, image_size, confidence,
			processing_time_ms, run_id, error_code, error_message,
			metadata, created_at, updated_at
		FROM questionprocess.extraction_jobs
		WHERE id = $1::uuid
	`

	var (
		id, status                     string
		subject, mimeType              sql.NullString
		imageSize, processingTimeMs    sql.NullInt64
		confidence                     sql.NullFloat64
		runID, errorCode, errorMessage sql.NullString
		metadataJSON                   []byte
		createdAt, updatedAt           time.Time
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&id, &status, &subject, &mimeType, &imageSize, &confidence,
		&processingTimeMs, &runID, &errorCode, &errorMessage,
		&metadataJSON, &createdAt, &updatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var metadata map[string]interface{}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	result := map[string]interface{}{
		"id":        id,
		"status":    status,
		"createdAt": createdAt,
		"updatedAt": updatedAt,
		"metadata":  metadata,
	}

	if subject.Valid {
		result["subject"] = subject.String
	}
	if mimeType.Valid {
		result["mimeType"] = mimeType.String
	}
	if imageSize.Valid {
		result["imageSize"] = imageSize.Int64
	}
	if confidence.Valid {
		result["confidence"] = confidence.Float64
	}
	if processingTimeMs.Valid {
		result["processingTimeMs"] = processingTimeMs.Int64
	}
	if runID.Valid {
		result["runId"] = runID.String
	}
	if errorCode.Valid {
		result["errorCode"] = errorCode.String
	}
	if errorMessage.Valid {
		result["errorMessage"] = errorMessage.String
	}

	return result, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}
