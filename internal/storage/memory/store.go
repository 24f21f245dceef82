// Package memory provides in-memory store implementations for development
// and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lernfeed/lernfeed/internal/pipeline"
)

// corpus is the shared state behind the in-memory stores. One instance backs
// all of them so cross-table queries such as ListUnanalyzed see a consistent
// picture.
type corpus struct {
	mu           sync.RWMutex
	feeds        map[string]pipeline.Feed
	nextFeedID   int64
	articles     map[uuid.UUID]pipeline.Article
	articleURLs  map[string]uuid.UUID
	analyses     map[uuid.UUID]pipeline.Analysis
	cleaned      map[uuid.UUID]pipeline.CleanedArticle
	enhancements map[uuid.UUID]pipeline.Enhancement
	runs         map[uuid.UUID]pipeline.RunRecord
}

// Stores bundles the in-memory store set, mirroring the Postgres bundle.
type Stores struct {
	Feeds        *FeedStore
	Articles     *ArticleStore
	Analyses     *AnalysisStore
	Cleaned      *CleanedStore
	Enhancements *EnhancementStore
	Runs         *RunStore
}

// NewStores builds an empty corpus and the store set over it.
func NewStores() *Stores {
	c := &corpus{
		feeds:        make(map[string]pipeline.Feed),
		articles:     make(map[uuid.UUID]pipeline.Article),
		articleURLs:  make(map[string]uuid.UUID),
		analyses:     make(map[uuid.UUID]pipeline.Analysis),
		cleaned:      make(map[uuid.UUID]pipeline.CleanedArticle),
		enhancements: make(map[uuid.UUID]pipeline.Enhancement),
		runs:         make(map[uuid.UUID]pipeline.RunRecord),
	}
	return &Stores{
		Feeds:        &FeedStore{c: c},
		Articles:     &ArticleStore{c: c},
		Analyses:     &AnalysisStore{c: c},
		Cleaned:      &CleanedStore{c: c},
		Enhancements: &EnhancementStore{c: c},
		Runs:         &RunStore{c: c},
	}
}

// FeedStore keeps feed registrations in memory.
type FeedStore struct {
	c *corpus
}

// Upsert inserts the feed or refreshes the registration stored for its URL.
func (s *FeedStore) Upsert(_ context.Context, feed pipeline.Feed) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if existing, ok := s.c.feeds[feed.URL]; ok {
		feed.ID = existing.ID
		feed.AddedAt = existing.AddedAt
	} else {
		s.c.nextFeedID++
		feed.ID = s.c.nextFeedID
	}
	s.c.feeds[feed.URL] = feed
	return nil
}

// ListActive returns scrape-eligible feeds, most important first.
func (s *FeedStore) ListActive(context.Context) ([]pipeline.Feed, error) {
	s.c.mu.RLock()
	defer s.c.mu.RUnlock()
	var feeds []pipeline.Feed
	for _, feed := range s.c.feeds {
		if feed.Active {
			feeds = append(feeds, feed)
		}
	}
	sort.Slice(feeds, func(i, j int) bool {
		if feeds[i].Priority != feeds[j].Priority {
			return feeds[i].Priority < feeds[j].Priority
		}
		return feeds[i].URL < feeds[j].URL
	})
	return feeds, nil
}

// ArticleStore keeps articles in memory.
type ArticleStore struct {
	c *corpus
}

// SaveNew inserts a scraped article, reporting pipeline.ErrDuplicate when
// the URL is already known.
func (s *ArticleStore) SaveNew(_ context.Context, article pipeline.Article) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if _, ok := s.c.articleURLs[article.URL]; ok {
		return pipeline.ErrDuplicate
	}
	s.c.articles[article.ID] = article
	s.c.articleURLs[article.URL] = article.ID
	return nil
}

// UpdateContent stores extracted text plus the raw archive reference.
func (s *ArticleStore) UpdateContent(_ context.Context, id uuid.UUID, content, rawRef string) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	article, ok := s.c.articles[id]
	if !ok {
		return pipeline.ErrNotFound
	}
	article.Content = content
	article.RawRef = rawRef
	article.ContentFetched = true
	article.UpdatedAt = time.Now().UTC()
	s.c.articles[id] = article
	return nil
}

// HasContent reports whether the article already carries extracted text.
func (s *ArticleStore) HasContent(_ context.Context, id uuid.UUID) (bool, error) {
	s.c.mu.RLock()
	defer s.c.mu.RUnlock()
	return s.c.articles[id].ContentFetched, nil
}

// Get loads one article or reports pipeline.ErrNotFound.
func (s *ArticleStore) Get(_ context.Context, id uuid.UUID) (pipeline.Article, error) {
	s.c.mu.RLock()
	defer s.c.mu.RUnlock()
	article, ok := s.c.articles[id]
	if !ok {
		return pipeline.Article{}, pipeline.ErrNotFound
	}
	return article, nil
}

// ListMissingContent returns articles the content stage has not fetched yet.
func (s *ArticleStore) ListMissingContent(_ context.Context, limit int) ([]pipeline.Article, error) {
	return s.c.selectArticles(limit, func(a pipeline.Article) bool {
		return !a.ContentFetched
	})
}

// ListUnanalyzed returns articles with content but no analysis.
func (s *ArticleStore) ListUnanalyzed(_ context.Context, limit int) ([]pipeline.Article, error) {
	return s.c.selectArticles(limit, func(a pipeline.Article) bool {
		_, analyzed := s.c.analyses[a.ID]
		return a.ContentFetched && !analyzed
	})
}

// ListUncleaned returns analyzed articles with no cleaned text yet.
func (s *ArticleStore) ListUncleaned(_ context.Context, limit int) ([]pipeline.Article, error) {
	return s.c.selectArticles(limit, func(a pipeline.Article) bool {
		_, analyzed := s.c.analyses[a.ID]
		_, hasCleaned := s.c.cleaned[a.ID]
		return analyzed && !hasCleaned
	})
}

// ListUnenhanced returns cleaned articles with no enhancement yet.
func (s *ArticleStore) ListUnenhanced(_ context.Context, limit int) ([]pipeline.Article, error) {
	return s.c.selectArticles(limit, func(a pipeline.Article) bool {
		_, hasCleaned := s.c.cleaned[a.ID]
		_, enhanced := s.c.enhancements[a.ID]
		return hasCleaned && !enhanced
	})
}

// Stats aggregates corpus counters across all aggregates.
func (s *ArticleStore) Stats(context.Context) (pipeline.CorpusStats, error) {
	s.c.mu.RLock()
	defer s.c.mu.RUnlock()
	stats := pipeline.CorpusStats{
		Articles: int64(len(s.c.articles)),
		Analyzed: int64(len(s.c.analyses)),
		Cleaned:  int64(len(s.c.cleaned)),
		Enhanced: int64(len(s.c.enhancements)),
		ByDomain: make(map[string]int64),
		ByLevel:  make(map[string]int64),
	}
	for _, article := range s.c.articles {
		if article.ContentFetched {
			stats.WithContent++
		}
		stats.ByDomain[article.Domain]++
	}
	for _, analysis := range s.c.analyses {
		stats.ByLevel[analysis.Level]++
		stats.CostUSD += analysis.CostUSD
	}
	for _, cleaned := range s.c.cleaned {
		stats.CostUSD += cleaned.CostUSD
	}
	for _, enhancement := range s.c.enhancements {
		stats.CostUSD += enhancement.CostUSD
	}
	return stats, nil
}

// AnalysisStore keeps analyses in memory.
type AnalysisStore struct {
	c *corpus
}

// Insert stores one analysis, reporting pipeline.ErrDuplicate on replays.
func (s *AnalysisStore) Insert(_ context.Context, analysis pipeline.Analysis) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if _, ok := s.c.analyses[analysis.ArticleID]; ok {
		return pipeline.ErrDuplicate
	}
	s.c.analyses[analysis.ArticleID] = analysis
	return nil
}

// Exists reports whether the article already has an analysis.
func (s *AnalysisStore) Exists(_ context.Context, articleID uuid.UUID) (bool, error) {
	s.c.mu.RLock()
	defer s.c.mu.RUnlock()
	_, ok := s.c.analyses[articleID]
	return ok, nil
}

// Get loads the analysis for one article or reports pipeline.ErrNotFound.
func (s *AnalysisStore) Get(_ context.Context, articleID uuid.UUID) (pipeline.Analysis, error) {
	s.c.mu.RLock()
	defer s.c.mu.RUnlock()
	analysis, ok := s.c.analyses[articleID]
	if !ok {
		return pipeline.Analysis{}, pipeline.ErrNotFound
	}
	return analysis, nil
}

// CleanedStore keeps cleaned rewrites in memory.
type CleanedStore struct {
	c *corpus
}

// Insert stores one cleaned rewrite, reporting pipeline.ErrDuplicate on
// replays.
func (s *CleanedStore) Insert(_ context.Context, cleaned pipeline.CleanedArticle) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if _, ok := s.c.cleaned[cleaned.ArticleID]; ok {
		return pipeline.ErrDuplicate
	}
	s.c.cleaned[cleaned.ArticleID] = cleaned
	return nil
}

// Exists reports whether the article already has a cleaned row.
func (s *CleanedStore) Exists(_ context.Context, articleID uuid.UUID) (bool, error) {
	s.c.mu.RLock()
	defer s.c.mu.RUnlock()
	_, ok := s.c.cleaned[articleID]
	return ok, nil
}

// Get loads the cleaned text for one article or reports pipeline.ErrNotFound.
func (s *CleanedStore) Get(_ context.Context, articleID uuid.UUID) (pipeline.CleanedArticle, error) {
	s.c.mu.RLock()
	defer s.c.mu.RUnlock()
	cleaned, ok := s.c.cleaned[articleID]
	if !ok {
		return pipeline.CleanedArticle{}, pipeline.ErrNotFound
	}
	return cleaned, nil
}

// EnhancementStore keeps learning aids in memory.
type EnhancementStore struct {
	c *corpus
}

// Insert stores one enhancement, reporting pipeline.ErrDuplicate on replays.
func (s *EnhancementStore) Insert(_ context.Context, enhancement pipeline.Enhancement) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if _, ok := s.c.enhancements[enhancement.ArticleID]; ok {
		return pipeline.ErrDuplicate
	}
	s.c.enhancements[enhancement.ArticleID] = enhancement
	return nil
}

// Exists reports whether the article already has an enhancement.
func (s *EnhancementStore) Exists(_ context.Context, articleID uuid.UUID) (bool, error) {
	s.c.mu.RLock()
	defer s.c.mu.RUnlock()
	_, ok := s.c.enhancements[articleID]
	return ok, nil
}

// RunStore keeps batch run records in memory.
type RunStore struct {
	c *corpus
}

// StartRun inserts the run in the running state. A replayed start event
// leaves the stored record untouched.
func (s *RunStore) StartRun(_ context.Context, rec pipeline.RunRecord) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if _, ok := s.c.runs[rec.ID]; ok {
		return nil
	}
	s.c.runs[rec.ID] = rec
	return nil
}

// FinishRun stores the final status and counters, preserving the original
// start time when the record is already known. Finalization is
// first-writer-wins: a run that already left the running state is never
// overwritten.
func (s *RunStore) FinishRun(_ context.Context, rec pipeline.RunRecord) error {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	if existing, ok := s.c.runs[rec.ID]; ok {
		if existing.Status != pipeline.RunRunning {
			return nil
		}
		rec.StartedAt = existing.StartedAt
	}
	s.c.runs[rec.ID] = rec
	return nil
}

// GetRun loads one run or reports pipeline.ErrNotFound.
func (s *RunStore) GetRun(_ context.Context, id uuid.UUID) (pipeline.RunRecord, error) {
	s.c.mu.RLock()
	defer s.c.mu.RUnlock()
	rec, ok := s.c.runs[id]
	if !ok {
		return pipeline.RunRecord{}, pipeline.ErrNotFound
	}
	return rec, nil
}

// ListRuns returns runs newest first. An empty stage matches every stage.
func (s *RunStore) ListRuns(_ context.Context, stage string, limit, offset int) ([]pipeline.RunRecord, error) {
	s.c.mu.RLock()
	defer s.c.mu.RUnlock()
	var runs []pipeline.RunRecord
	for _, rec := range s.c.runs {
		if stage == "" || rec.Stage == stage {
			runs = append(runs, rec)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].ID.String() < runs[j].ID.String()
	})
	if offset > 0 {
		if offset >= len(runs) {
			return nil, nil
		}
		runs = runs[offset:]
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (c *corpus) selectArticles(limit int, keep func(pipeline.Article) bool) ([]pipeline.Article, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var articles []pipeline.Article
	for _, article := range c.articles {
		if keep(article) {
			articles = append(articles, article)
		}
	}
	sort.Slice(articles, func(i, j int) bool {
		if !articles[i].CreatedAt.Equal(articles[j].CreatedAt) {
			return articles[i].CreatedAt.Before(articles[j].CreatedAt)
		}
		return articles[i].URL < articles[j].URL
	})
	if limit > 0 && len(articles) > limit {
		articles = articles[:limit]
	}
	return articles, nil
}
