package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"medscan/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateAnalysisParams collects inputs required to insert an analysis row.
type CreateAnalysisParams struct {
	OwnerID      string
	ArtifactRef  string
	ThumbnailRef *string
	OriginalName string
	MimeType     string
	SizeBytes    int64
	Route        string
}

// CreateAnalysis inserts a new row in submitted state and returns it.
// Intake is the only caller; all later mutations belong to the runner.
func (s *Store) CreateAnalysis(ctx context.Context, p CreateAnalysisParams) (models.Analysis, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO analyses (id, owner_id, artifact_ref, thumbnail_ref, original_name, mime_type, size_bytes, route, status, stage_trace, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '[]'::jsonb, $10, $10)
	`, id, p.OwnerID, p.ArtifactRef, p.ThumbnailRef, p.OriginalName, p.MimeType, p.SizeBytes, p.Route, models.StatusSubmitted, now)
	if err != nil {
		return models.Analysis{}, fmt.Errorf("insert analysis: %w", err)
	}

	return models.Analysis{
		ID:           id,
		OwnerID:      p.OwnerID,
		ArtifactRef:  p.ArtifactRef,
		ThumbnailRef: p.ThumbnailRef,
		OriginalName: p.OriginalName,
		MimeType:     p.MimeType,
		SizeBytes:    p.SizeBytes,
		Route:        p.Route,
		Status:       models.StatusSubmitted,
		StageTrace:   []models.StageResult{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

const analysisColumns = `id, owner_id, artifact_ref, thumbnail_ref, original_name, mime_type, size_bytes, route, status, stage_trace, final_result, failure_reason, created_at, updated_at`

// GetAnalysis fetches a row by id regardless of owner. Runner-side use only.
func (s *Store) GetAnalysis(ctx context.Context, id string) (models.Analysis, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE id = $1`, id)
	return scanAnalysis(row)
}

// GetAnalysisForOwner fetches a row only when it belongs to ownerID. A row
// owned by someone else is reported as models.ErrNotFound, identical to a
// missing row.
func (s *Store) GetAnalysisForOwner(ctx context.Context, id, ownerID string) (models.Analysis, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE id = $1 AND owner_id = $2`, id, ownerID)
	return scanAnalysis(row)
}

// ListAnalyses returns one page of summaries for an owner, newest first,
// along with the owner's total row count.
func (s *Store) ListAnalyses(ctx context.Context, ownerID string, page, pageSize int) ([]models.Summary, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM analyses WHERE owner_id = $1`, ownerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count analyses: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, original_name, mime_type, size_bytes, route, status, final_result->>'diagnosis', created_at, updated_at
		FROM analyses
		WHERE owner_id = $1
		ORDER BY created_at DESC
		OFFSET $2 LIMIT $3
	`, ownerID, offset, pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("query analyses: %w", err)
	}
	defer rows.Close()

	items := make([]models.Summary, 0, pageSize)
	for rows.Next() {
		var item models.Summary
		var diagnosis pgtype.Text
		if err := rows.Scan(&item.ID, &item.OriginalName, &item.MimeType, &item.SizeBytes, &item.Route, &item.Status, &diagnosis, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan analysis summary: %w", err)
		}
		item.Diagnosis = textPtr(diagnosis)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate analyses: %w", err)
	}
	return items, total, nil
}

// ClaimProcessing performs the submitted -> processing transition. It reports
// false when the row was already claimed or terminal, which makes duplicate
// queue deliveries harmless.
func (s *Store) ClaimProcessing(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE analyses SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusProcessing, models.StatusSubmitted)
	if err != nil {
		return false, fmt.Errorf("claim analysis: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendStageResult appends one stage outcome to the trace. Called after every
// stage so pollers observe partial progress while status stays processing.
func (s *Store) AppendStageResult(ctx context.Context, id string, result models.StageResult) error {
	entry, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal stage result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE analyses
		SET stage_trace = stage_trace || $2::jsonb, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, entry, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("append stage result: %w", err)
	}
	return nil
}

// MarkCompleted transitions processing -> completed with the final result.
func (s *Store) MarkCompleted(ctx context.Context, id string, result models.FinalResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal final result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE analyses
		SET status = $2, final_result = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusCompleted, payload, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// MarkFailed transitions processing -> failed with a short reason.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE analyses
		SET status = $2, failure_reason = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusFailed, reason, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// PendingCount returns the number of rows still waiting for a runner.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM analyses WHERE status = $1
	`, models.StatusSubmitted).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending analyses: %w", err)
	}
	return n, nil
}

func scanAnalysis(row pgx.Row) (models.Analysis, error) {
	var a models.Analysis
	var thumb pgtype.Text
	var traceJSON []byte
	var resultJSON []byte
	var failure pgtype.Text

	err := row.Scan(&a.ID, &a.OwnerID, &a.ArtifactRef, &thumb, &a.OriginalName, &a.MimeType, &a.SizeBytes, &a.Route, &a.Status, &traceJSON, &resultJSON, &failure, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Analysis{}, models.ErrNotFound
	}
	if err != nil {
		return models.Analysis{}, fmt.Errorf("scan analysis: %w", err)
	}

	a.ThumbnailRef = textPtr(thumb)
	a.FailureReason = textPtr(failure)
	a.StageTrace = []models.StageResult{}
	if len(traceJSON) > 0 {
		if err := json.Unmarshal(traceJSON, &a.StageTrace); err != nil {
			return models.Analysis{}, fmt.Errorf("unmarshal stage trace: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		var result models.FinalResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return models.Analysis{}, fmt.Errorf("unmarshal final result: %w", err)
		}
		a.FinalResult = &result
	}
	return a, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
