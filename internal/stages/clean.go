package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lernfeed/lernfeed/internal/batch"
	"github.com/lernfeed/lernfeed/internal/pipeline"
)

// minCleanedChars rejects truncated or empty cleaning responses.
const minCleanedChars = 50

// Clean rewrites extracted article text for learners: scraping noise
// dropped, formatting restored, language level untouched. Cost is USD.
type Clean struct {
	runner    *Runner
	cfg       Config
	articles  pipeline.ArticleStore
	analyses  pipeline.AnalysisStore
	cleaned   pipeline.CleanedStore
	completer pipeline.Completer
}

// NewClean builds the cleaning stage.
func NewClean(
	runner *Runner,
	cfg Config,
	articles pipeline.ArticleStore,
	analyses pipeline.AnalysisStore,
	cleaned pipeline.CleanedStore,
	completer pipeline.Completer,
) *Clean {
	return &Clean{
		runner:    runner,
		cfg:       cfg,
		articles:  articles,
		analyses:  analyses,
		cleaned:   cleaned,
		completer: completer,
	}
}

// Run cleans analyzed articles that have no cleaned row yet.
func (c *Clean) Run(ctx context.Context) (*batch.Report, error) {
	pending, err := c.articles.ListUncleaned(ctx, c.cfg.limit())
	if err != nil {
		return nil, fmt.Errorf("list uncleaned articles: %w", err)
	}
	sink := &cleanedSink{cleaned: c.cleaned}
	return c.runner.run(ctx, c.cfg.engine("clean"), c.cfg.DryRun, articleItems(pending), c.work, sink)
}

func (c *Clean) work(ctx context.Context, item batch.Item) (any, batch.Cost, error) {
	article, ok := item.Payload.(pipeline.Article)
	if !ok {
		return nil, batch.Cost{}, batch.Permanent(fmt.Errorf("unexpected payload %T", item.Payload))
	}
	// The analysis row carries the level and topics the prompt anchors on.
	// Its absence is tolerated: the prompt falls back to defaults.
	var (
		level  string
		topics []string
	)
	analysis, err := c.analyses.Get(ctx, article.ID)
	switch {
	case err == nil:
		level = analysis.Level
		topics = analysis.Topics
	case errors.Is(err, pipeline.ErrNotFound):
	default:
		return nil, batch.Cost{}, fmt.Errorf("load analysis: %w", err)
	}

	completion, err := c.completer.Complete(ctx, pipeline.CompletionRequest{
		System:      cleanSystem,
		User:        cleanPrompt(article.Title, topics, level, article.Content),
		MaxTokens:   cleanMaxTokens,
		Temperature: cleanTemperature,
	})
	if err != nil {
		return nil, batch.Cost{}, err
	}
	cost := batch.Cost{Amount: completion.CostUSD, Tokens: completion.TotalTokens()}

	text := strings.TrimSpace(completion.Content)
	if len(text) < minCleanedChars {
		return nil, cost, fmt.Errorf("cleaned text has %d chars, need at least %d", len(text), minCleanedChars)
	}
	cleaned := pipeline.CleanedArticle{
		ArticleID: article.ID,
		Content:   text,
		Model:     completion.Model,
		Tokens:    completion.TotalTokens(),
		CostUSD:   completion.CostUSD,
		CreatedAt: c.runner.now(),
	}
	return cleaned, cost, nil
}

// cleanedSink inserts cleaned rows, tolerating duplicate races.
type cleanedSink struct {
	cleaned pipeline.CleanedStore
}

func (s *cleanedSink) Exists(ctx context.Context, id string) (bool, error) {
	articleID, err := uuid.Parse(id)
	if err != nil {
		return false, fmt.Errorf("parse article id %q: %w", id, err)
	}
	return s.cleaned.Exists(ctx, articleID)
}

func (s *cleanedSink) Persist(ctx context.Context, _ string, payload any) error {
	cleaned, ok := payload.(pipeline.CleanedArticle)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	return insertTolerant(ctx, "clean", func(ctx context.Context) error {
		return s.cleaned.Insert(ctx, cleaned)
	})
}
