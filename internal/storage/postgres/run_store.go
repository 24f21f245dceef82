package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lernfeed/lernfeed/internal/pipeline"
)

const runColumns = `id, stage, status, started_at, finished_at, processed, succeeded, failed, skipped_existing, skipped_budget, cost, tokens, note`

// RunStore persists batch run records in the pipeline_runs table.
type RunStore struct {
	db querier
}

// NewRunStore builds a RunStore over db.
func NewRunStore(db querier) *RunStore {
	return &RunStore{db: db}
}

// StartRun inserts the run in the running state. A replayed start event
// leaves the stored row untouched.
func (s *RunStore) StartRun(ctx context.Context, rec pipeline.RunRecord) error {
	query := `
		INSERT INTO pipeline_runs (id, stage, status, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING;
	`
	if _, err := s.db.Exec(ctx, query, rec.ID, rec.Stage, rec.Status, rec.StartedAt); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stores the final status and counters. The insert-or-update shape
// still records a usable row when the start event never reached the store,
// and the status guard makes finalization first-writer-wins: a run that is
// already finished is never overwritten by a slower second finisher.
func (s *RunStore) FinishRun(ctx context.Context, rec pipeline.RunRecord) error {
	query := `
		INSERT INTO pipeline_runs (id, stage, status, started_at, finished_at, processed, succeeded, failed, skipped_existing, skipped_budget, cost, tokens, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
			finished_at = EXCLUDED.finished_at,
			processed = EXCLUDED.processed,
			succeeded = EXCLUDED.succeeded,
			failed = EXCLUDED.failed,
			skipped_existing = EXCLUDED.skipped_existing,
			skipped_budget = EXCLUDED.skipped_budget,
			cost = EXCLUDED.cost,
			tokens = EXCLUDED.tokens,
			note = EXCLUDED.note
		WHERE pipeline_runs.status = 'running';
	`
	_, err := s.db.Exec(ctx, query,
		rec.ID,
		rec.Stage,
		rec.Status,
		rec.StartedAt,
		rec.FinishedAt,
		rec.Processed,
		rec.Succeeded,
		rec.Failed,
		rec.SkippedExisting,
		rec.SkippedBudget,
		rec.Cost,
		rec.Tokens,
		rec.Note,
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

// GetRun loads one run or reports pipeline.ErrNotFound.
func (s *RunStore) GetRun(ctx context.Context, id uuid.UUID) (pipeline.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE id = $1;`
	rec, err := scanRun(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.RunRecord{}, pipeline.ErrNotFound
		}
		return pipeline.RunRecord{}, fmt.Errorf("get run: %w", err)
	}
	return rec, nil
}

// ListRuns returns runs newest first. An empty stage matches every stage.
func (s *RunStore) ListRuns(ctx context.Context, stage string, limit, offset int) ([]pipeline.RunRecord, error) {
	query := `
		SELECT ` + runColumns + `
		FROM pipeline_runs
		WHERE ($1::text = '' OR stage = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.db.Query(ctx, query, stage, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []pipeline.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}

func scanRun(row pgx.Row) (pipeline.RunRecord, error) {
	var rec pipeline.RunRecord
	err := row.Scan(
		&rec.ID,
		&rec.Stage,
		&rec.Status,
		&rec.StartedAt,
		&rec.FinishedAt,
		&rec.Processed,
		&rec.Succeeded,
		&rec.Failed,
		&rec.SkippedExisting,
		&rec.SkippedBudget,
		&rec.Cost,
		&rec.Tokens,
		&rec.Note,
	)
	return rec, err
}
