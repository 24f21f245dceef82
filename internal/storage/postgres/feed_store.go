package postgres

import (
	"context"
	"fmt"

	"github.com/lernfeed/lernfeed/internal/pipeline"
)

// FeedStore persists feed registrations in the feeds table.
type FeedStore struct {
	db querier
}

// NewFeedStore builds a FeedStore over db.
func NewFeedStore(db querier) *FeedStore {
	return &FeedStore{db: db}
}

// Upsert inserts the feed or refreshes the registration stored for its URL.
func (s *FeedStore) Upsert(ctx context.Context, feed pipeline.Feed) error {
	query := `
		INSERT INTO feeds (url, domain, category, strategy, priority, active, added_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (url) DO UPDATE
		SET domain = EXCLUDED.domain,
			category = EXCLUDED.category,
			strategy = EXCLUDED.strategy,
			priority = EXCLUDED.priority,
			active = EXCLUDED.active;
	`
	_, err := s.db.Exec(ctx, query,
		feed.URL,
		feed.Domain,
		feed.Category,
		feed.Strategy,
		feed.Priority,
		feed.Active,
		feed.AddedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert feed: %w", err)
	}
	return nil
}

// ListActive returns scrape-eligible feeds, most important first.
func (s *FeedStore) ListActive(ctx context.Context) ([]pipeline.Feed, error) {
	query := `
		SELECT id, url, domain, category, strategy, priority, active, added_at
		FROM feeds
		WHERE active
		ORDER BY priority, url;
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active feeds: %w", err)
	}
	defer rows.Close()

	var feeds []pipeline.Feed
	for rows.Next() {
		var f pipeline.Feed
		err := rows.Scan(
			&f.ID,
			&f.URL,
			&f.Domain,
			&f.Category,
			&f.Strategy,
			&f.Priority,
			&f.Active,
			&f.AddedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan feed row: %w", err)
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}
