package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lernfeed/lernfeed/internal/pipeline"
)

// AnalysisStore persists per-article language analyses.
type AnalysisStore struct {
	db querier
}

// NewAnalysisStore builds an AnalysisStore over db.
func NewAnalysisStore(db querier) *AnalysisStore {
	return &AnalysisStore{db: db}
}

// Insert stores one analysis. A second insert for the same article resolves
// to pipeline.ErrDuplicate and leaves the first row in place.
func (s *AnalysisStore) Insert(ctx context.Context, analysis pipeline.Analysis) error {
	query := `
		INSERT INTO analyses (article_id, level, topics, summary, keywords, model, tokens, cost_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (article_id) DO NOTHING;
	`
	res, err := s.db.Exec(ctx, query,
		analysis.ArticleID,
		analysis.Level,
		analysis.Topics,
		analysis.Summary,
		analysis.Keywords,
		analysis.Model,
		analysis.Tokens,
		analysis.CostUSD,
		analysis.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	if res.RowsAffected() == 0 {
		return pipeline.ErrDuplicate
	}
	return nil
}

// Exists reports whether the article already has an analysis row.
func (s *AnalysisStore) Exists(ctx context.Context, articleID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM analyses WHERE article_id = $1);`
	var exists bool
	if err := s.db.QueryRow(ctx, query, articleID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check analysis: %w", err)
	}
	return exists, nil
}

// Get loads the analysis for one article or reports pipeline.ErrNotFound.
func (s *AnalysisStore) Get(ctx context.Context, articleID uuid.UUID) (pipeline.Analysis, error) {
	query := `
		SELECT article_id, level, topics, summary, keywords, model, tokens, cost_usd, created_at
		FROM analyses
		WHERE article_id = $1;
	`
	var analysis pipeline.Analysis
	err := s.db.QueryRow(ctx, query, articleID).Scan(
		&analysis.ArticleID,
		&analysis.Level,
		&analysis.Topics,
		&analysis.Summary,
		&analysis.Keywords,
		&analysis.Model,
		&analysis.Tokens,
		&analysis.CostUSD,
		&analysis.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.Analysis{}, pipeline.ErrNotFound
		}
		return pipeline.Analysis{}, fmt.Errorf("get analysis: %w", err)
	}
	return analysis, nil
}
