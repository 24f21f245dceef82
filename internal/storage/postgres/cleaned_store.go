package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lernfeed/lernfeed/internal/pipeline"
)

// CleanedStore persists simplified article rewrites.
type CleanedStore struct {
	db querier
}

// NewCleanedStore builds a CleanedStore over db.
func NewCleanedStore(db querier) *CleanedStore {
	return &CleanedStore{db: db}
}

// Insert stores one cleaned rewrite. A second insert for the same article
// resolves to pipeline.ErrDuplicate and leaves the first row in place.
func (s *CleanedStore) Insert(ctx context.Context, cleaned pipeline.CleanedArticle) error {
	query := `
		INSERT INTO cleaned_articles (article_id, content, model, tokens, cost_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (article_id) DO NOTHING;
	`
	res, err := s.db.Exec(ctx, query,
		cleaned.ArticleID,
		cleaned.Content,
		cleaned.Model,
		cleaned.Tokens,
		cleaned.CostUSD,
		cleaned.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert cleaned article: %w", err)
	}
	if res.RowsAffected() == 0 {
		return pipeline.ErrDuplicate
	}
	return nil
}

// Exists reports whether the article already has a cleaned row.
func (s *CleanedStore) Exists(ctx context.Context, articleID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM cleaned_articles WHERE article_id = $1);`
	var exists bool
	if err := s.db.QueryRow(ctx, query, articleID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check cleaned article: %w", err)
	}
	return exists, nil
}

// Get loads the cleaned text for one article or reports pipeline.ErrNotFound.
func (s *CleanedStore) Get(ctx context.Context, articleID uuid.UUID) (pipeline.CleanedArticle, error) {
	query := `
		SELECT article_id, content, model, tokens, cost_usd, created_at
		FROM cleaned_articles
		WHERE article_id = $1;
	`
	var cleaned pipeline.CleanedArticle
	err := s.db.QueryRow(ctx, query, articleID).Scan(
		&cleaned.ArticleID,
		&cleaned.Content,
		&cleaned.Model,
		&cleaned.Tokens,
		&cleaned.CostUSD,
		&cleaned.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.CleanedArticle{}, pipeline.ErrNotFound
		}
		return pipeline.CleanedArticle{}, fmt.Errorf("get cleaned article: %w", err)
	}
	return cleaned, nil
}
