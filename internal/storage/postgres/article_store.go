package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lernfeed/lernfeed/internal/pipeline"
)

const articleColumns = `id, url, title, description, content, raw_ref, source_feed, domain, category, published_at, content_fetched, created_at, updated_at`

// ArticleStore persists articles and serves the stage candidate queries.
type ArticleStore struct {
	db querier
}

// NewArticleStore builds an ArticleStore over db.
func NewArticleStore(db querier) *ArticleStore {
	return &ArticleStore{db: db}
}

// SaveNew inserts a scraped article. A URL collision resolves to
// pipeline.ErrDuplicate and leaves the stored row untouched.
func (s *ArticleStore) SaveNew(ctx context.Context, article pipeline.Article) error {
	query := `
		INSERT INTO articles (id, url, title, description, source_feed, domain, category, published_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (url) DO NOTHING;
	`
	res, err := s.db.Exec(ctx, query,
		article.ID,
		article.URL,
		article.Title,
		article.Description,
		article.SourceFeed,
		article.Domain,
		article.Category,
		article.PublishedAt,
		article.CreatedAt,
		article.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert article: %w", err)
	}
	if res.RowsAffected() == 0 {
		return pipeline.ErrDuplicate
	}
	return nil
}

// UpdateContent stores extracted text plus the raw archive reference.
func (s *ArticleStore) UpdateContent(ctx context.Context, id uuid.UUID, content, rawRef string) error {
	query := `
		UPDATE articles
		SET content = $1, raw_ref = $2, content_fetched = TRUE, updated_at = now()
		WHERE id = $3;
	`
	res, err := s.db.Exec(ctx, query, content, rawRef, id)
	if err != nil {
		return fmt.Errorf("update article content: %w", err)
	}
	if res.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

// HasContent reports whether the article already carries extracted text.
func (s *ArticleStore) HasContent(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM articles WHERE id = $1 AND content_fetched);`
	var fetched bool
	if err := s.db.QueryRow(ctx, query, id).Scan(&fetched); err != nil {
		return false, fmt.Errorf("check article content: %w", err)
	}
	return fetched, nil
}

// Get loads one article or reports pipeline.ErrNotFound.
func (s *ArticleStore) Get(ctx context.Context, id uuid.UUID) (pipeline.Article, error) {
	query := `SELECT ` + articleColumns + ` FROM articles WHERE id = $1;`
	article, err := scanArticle(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.Article{}, pipeline.ErrNotFound
		}
		return pipeline.Article{}, fmt.Errorf("get article: %w", err)
	}
	return article, nil
}

// ListMissingContent returns articles the content stage has not fetched yet.
func (s *ArticleStore) ListMissingContent(ctx context.Context, limit int) ([]pipeline.Article, error) {
	query := `
		SELECT ` + articleColumns + `
		FROM articles
		WHERE NOT content_fetched
		ORDER BY created_at
		LIMIT $1;
	`
	return s.list(ctx, "list missing content", query, limit)
}

// ListUnanalyzed returns articles with content but no analysis row.
func (s *ArticleStore) ListUnanalyzed(ctx context.Context, limit int) ([]pipeline.Article, error) {
	query := `
		SELECT ` + articleColumns + `
		FROM articles
		WHERE content_fetched
		  AND NOT EXISTS (SELECT 1 FROM analyses WHERE analyses.article_id = articles.id)
		ORDER BY created_at
		LIMIT $1;
	`
	return s.list(ctx, "list unanalyzed", query, limit)
}

// ListUncleaned returns analyzed articles with no cleaned text yet.
func (s *ArticleStore) ListUncleaned(ctx context.Context, limit int) ([]pipeline.Article, error) {
	query := `
		SELECT ` + articleColumns + `
		FROM articles
		WHERE EXISTS (SELECT 1 FROM analyses WHERE analyses.article_id = articles.id)
		  AND NOT EXISTS (SELECT 1 FROM cleaned_articles WHERE cleaned_articles.article_id = articles.id)
		ORDER BY created_at
		LIMIT $1;
	`
	return s.list(ctx, "list uncleaned", query, limit)
}

// ListUnenhanced returns cleaned articles with no enhancement row.
func (s *ArticleStore) ListUnenhanced(ctx context.Context, limit int) ([]pipeline.Article, error) {
	query := `
		SELECT ` + articleColumns + `
		FROM articles
		WHERE EXISTS (SELECT 1 FROM cleaned_articles WHERE cleaned_articles.article_id = articles.id)
		  AND NOT EXISTS (SELECT 1 FROM enhancements WHERE enhancements.article_id = articles.id)
		ORDER BY created_at
		LIMIT $1;
	`
	return s.list(ctx, "list unenhanced", query, limit)
}

// Stats aggregates corpus counters across the stage tables.
func (s *ArticleStore) Stats(ctx context.Context) (pipeline.CorpusStats, error) {
	totals := `
		SELECT
			(SELECT count(*) FROM articles),
			(SELECT count(*) FROM articles WHERE content_fetched),
			(SELECT count(*) FROM analyses),
			(SELECT count(*) FROM cleaned_articles),
			(SELECT count(*) FROM enhancements),
			(SELECT coalesce(sum(cost_usd), 0) FROM analyses)
				+ (SELECT coalesce(sum(cost_usd), 0) FROM cleaned_articles)
				+ (SELECT coalesce(sum(cost_usd), 0) FROM enhancements);
	`
	var stats pipeline.CorpusStats
	err := s.db.QueryRow(ctx, totals).Scan(
		&stats.Articles,
		&stats.WithContent,
		&stats.Analyzed,
		&stats.Cleaned,
		&stats.Enhanced,
		&stats.CostUSD,
	)
	if err != nil {
		return pipeline.CorpusStats{}, fmt.Errorf("corpus totals: %w", err)
	}
	stats.ByDomain, err = s.countGroups(ctx, `SELECT domain, count(*) FROM articles GROUP BY domain;`)
	if err != nil {
		return pipeline.CorpusStats{}, fmt.Errorf("count by domain: %w", err)
	}
	stats.ByLevel, err = s.countGroups(ctx, `SELECT level, count(*) FROM analyses GROUP BY level;`)
	if err != nil {
		return pipeline.CorpusStats{}, fmt.Errorf("count by level: %w", err)
	}
	return stats, nil
}

func (s *ArticleStore) list(ctx context.Context, label, query string, limit int) ([]pipeline.Article, error) {
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", label, err)
	}
	defer rows.Close()

	var articles []pipeline.Article
	for rows.Next() {
		article, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan article row: %w", err)
		}
		articles = append(articles, article)
	}
	return articles, rows.Err()
}

func (s *ArticleStore) countGroups(ctx context.Context, query string) (map[string]int64, error) {
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

func scanArticle(row pgx.Row) (pipeline.Article, error) {
	var a pipeline.Article
	err := row.Scan(
		&a.ID,
		&a.URL,
		&a.Title,
		&a.Description,
		&a.Content,
		&a.RawRef,
		&a.SourceFeed,
		&a.Domain,
		&a.Category,
		&a.PublishedAt,
		&a.ContentFetched,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	return a, err
}
