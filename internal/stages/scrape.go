package stages

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lernfeed/lernfeed/internal/batch"
	"github.com/lernfeed/lernfeed/internal/feeds"
	"github.com/lernfeed/lernfeed/internal/pipeline"
	"github.com/lernfeed/lernfeed/internal/telemetry"
)

// Scrape discovers new articles by fetching the registered feeds. Items are
// feeds keyed by URL, partitioned by publisher domain, ordered by feed
// priority. Cost is bytes fetched.
type Scrape struct {
	runner   *Runner
	cfg      Config
	window   time.Duration
	feeds    pipeline.FeedStore
	articles pipeline.ArticleStore
	fetcher  pipeline.Fetcher
	ids      pipeline.IDGenerator
}

// NewScrape builds the scrape stage. A non-positive window takes the
// default scrape window for daily-update feeds.
func NewScrape(
	runner *Runner,
	cfg Config,
	window time.Duration,
	feedStore pipeline.FeedStore,
	articles pipeline.ArticleStore,
	fetcher pipeline.Fetcher,
	ids pipeline.IDGenerator,
) *Scrape {
	if window <= 0 {
		window = feeds.DefaultWindow
	}
	return &Scrape{
		runner:   runner,
		cfg:      cfg,
		window:   window,
		feeds:    feedStore,
		articles: articles,
		fetcher:  fetcher,
		ids:      ids,
	}
}

// Run scrapes every active feed once.
func (s *Scrape) Run(ctx context.Context) (*batch.Report, error) {
	active, err := s.feeds.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active feeds: %w", err)
	}
	items := make([]batch.Item, 0, len(active))
	for _, feed := range active {
		items = append(items, batch.Item{
			ID:        feed.URL,
			Partition: feed.Domain,
			Priority:  feed.Priority,
			Payload:   feed,
		})
	}
	cfg := s.cfg.engine("scrape")
	if cfg.Ordering == "" {
		// Feed priorities are meaningful here: tier 1 news sources go first.
		cfg.Ordering = batch.OrderPriorityRoundRobin
	}
	sink := &scrapeSink{articles: s.articles, logger: s.runner.logger}
	return s.runner.run(ctx, cfg, s.cfg.DryRun, items, s.work, sink)
}

// work fetches one feed document and maps its fresh entries onto articles.
func (s *Scrape) work(ctx context.Context, item batch.Item) (any, batch.Cost, error) {
	feed, ok := item.Payload.(pipeline.Feed)
	if !ok {
		return nil, batch.Cost{}, batch.Permanent(fmt.Errorf("unexpected payload %T", item.Payload))
	}
	resp, err := s.fetcher.Fetch(ctx, pipeline.FetchRequest{URL: feed.URL})
	if err != nil {
		return nil, batch.Cost{}, fmt.Errorf("fetch feed: %w", err)
	}
	cost := batch.Cost{Amount: float64(len(resp.Body))}
	telemetry.ObserveFetchBytes(feed.Domain, len(resp.Body))
	if err := httpStatusError(resp.StatusCode); err != nil {
		return nil, cost, err
	}
	entries, err := feeds.Parse(resp.Body)
	if err != nil {
		// A document that does not parse today will not parse on retry.
		return nil, cost, batch.Permanent(fmt.Errorf("parse feed: %w", err))
	}
	fresh := feeds.Filter(entries, feed.Strategy, s.window, s.runner.now())

	articles := make([]pipeline.Article, 0, len(fresh))
	for _, entry := range fresh {
		id, err := s.ids.NewID()
		if err != nil {
			return nil, cost, fmt.Errorf("mint article id: %w", err)
		}
		title := strings.TrimSpace(entry.Title)
		if title == "" {
			title = "Untitled"
		}
		now := s.runner.now()
		articles = append(articles, pipeline.Article{
			ID:          id,
			URL:         entry.Link,
			Title:       title,
			Description: strings.TrimSpace(entry.Description),
			SourceFeed:  feed.URL,
			Domain:      feed.Domain,
			Category:    feed.Category,
			PublishedAt: entry.Published,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return articles, cost, nil
}

// scrapeSink saves discovered articles. Feeds are always refreshed, so
// Exists never short-circuits; per-article dedup happens in SaveNew.
type scrapeSink struct {
	articles pipeline.ArticleStore
	logger   *zap.Logger
}

func (s *scrapeSink) Exists(context.Context, string) (bool, error) {
	return false, nil
}

func (s *scrapeSink) Persist(ctx context.Context, id string, payload any) error {
	articles, ok := payload.([]pipeline.Article)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	var saved, duplicates int
	for _, article := range articles {
		err := s.articles.SaveNew(ctx, article)
		switch {
		case errors.Is(err, pipeline.ErrDuplicate):
			duplicates++
			telemetry.IncSinkDuplicate("scrape")
		case err != nil:
			return fmt.Errorf("save article %s: %w", article.URL, err)
		default:
			saved++
		}
	}
	s.logger.Info("feed scraped",
		zap.String("feed", id),
		zap.Int("new", saved),
		zap.Int("duplicates", duplicates))
	return nil
}

// httpStatusError classifies a terminal fetch status. Rate limiting and
// server trouble deserve a retry; other client errors will not change.
func httpStatusError(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("http %d", status)
	case status >= 400 && status < 500:
		return batch.Permanent(fmt.Errorf("http %d", status))
	default:
		return fmt.Errorf("http %d", status)
	}
}
