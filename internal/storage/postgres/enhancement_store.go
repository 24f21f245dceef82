package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/lernfeed/lernfeed/internal/pipeline"
)

// EnhancementStore persists learning aids keyed by article.
type EnhancementStore struct {
	db querier
}

// NewEnhancementStore builds an EnhancementStore over db.
func NewEnhancementStore(db querier) *EnhancementStore {
	return &EnhancementStore{db: db}
}

// Insert stores one enhancement. Vocabulary and grammar notes land in JSONB
// columns; a second insert for the same article resolves to
// pipeline.ErrDuplicate.
func (s *EnhancementStore) Insert(ctx context.Context, enhancement pipeline.Enhancement) error {
	vocabJSON, err := json.Marshal(enhancement.Vocabulary)
	if err != nil {
		return fmt.Errorf("marshal vocabulary: %w", err)
	}
	grammarJSON, err := json.Marshal(enhancement.Grammar)
	if err != nil {
		return fmt.Errorf("marshal grammar: %w", err)
	}
	query := `
		INSERT INTO enhancements (article_id, vocabulary, grammar, questions, difficulty, reading_minutes, model, tokens, cost_usd, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (article_id) DO NOTHING;
	`
	res, err := s.db.Exec(ctx, query,
		enhancement.ArticleID,
		vocabJSON,
		grammarJSON,
		enhancement.Questions,
		enhancement.Difficulty,
		enhancement.ReadingMinutes,
		enhancement.Model,
		enhancement.Tokens,
		enhancement.CostUSD,
		enhancement.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert enhancement: %w", err)
	}
	if res.RowsAffected() == 0 {
		return pipeline.ErrDuplicate
	}
	return nil
}

// Exists reports whether the article already has an enhancement row.
func (s *EnhancementStore) Exists(ctx context.Context, articleID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM enhancements WHERE article_id = $1);`
	var exists bool
	if err := s.db.QueryRow(ctx, query, articleID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check enhancement: %w", err)
	}
	return exists, nil
}
