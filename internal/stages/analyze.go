package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lernfeed/lernfeed/internal/batch"
	"github.com/lernfeed/lernfeed/internal/pipeline"
)

// cefrLevels are the bands the model may assign.
var cefrLevels = map[string]bool{
	"A1": true, "A2": true, "B1": true, "B2": true, "C1": true, "C2": true,
}

// Analyze classifies articles for learners: CEFR level, topics, a German
// summary, and lookup keywords. Cost is priced token usage in USD.
type Analyze struct {
	runner    *Runner
	cfg       Config
	minChars  int
	articles  pipeline.ArticleStore
	analyses  pipeline.AnalysisStore
	completer pipeline.Completer
}

// NewAnalyze builds the analysis stage.
func NewAnalyze(
	runner *Runner,
	cfg Config,
	minChars int,
	articles pipeline.ArticleStore,
	analyses pipeline.AnalysisStore,
	completer pipeline.Completer,
) *Analyze {
	if minChars <= 0 {
		minChars = defaultMinContentChars
	}
	return &Analyze{
		runner:    runner,
		cfg:       cfg,
		minChars:  minChars,
		articles:  articles,
		analyses:  analyses,
		completer: completer,
	}
}

// Run analyzes articles that have content but no analysis row.
func (a *Analyze) Run(ctx context.Context) (*batch.Report, error) {
	pending, err := a.articles.ListUnanalyzed(ctx, a.cfg.limit())
	if err != nil {
		return nil, fmt.Errorf("list unanalyzed articles: %w", err)
	}
	sink := &analysisSink{analyses: a.analyses}
	return a.runner.run(ctx, a.cfg.engine("analyze"), a.cfg.DryRun, articleItems(pending), a.work, sink)
}

// analysisReply is the JSON shape the analysis prompt requests.
type analysisReply struct {
	Level    string   `json:"level"`
	Topics   []string `json:"topics"`
	Summary  string   `json:"summary"`
	Keywords []string `json:"keywords"`
}

func (a *Analyze) work(ctx context.Context, item batch.Item) (any, batch.Cost, error) {
	article, ok := item.Payload.(pipeline.Article)
	if !ok {
		return nil, batch.Cost{}, batch.Permanent(fmt.Errorf("unexpected payload %T", item.Payload))
	}
	if len(article.Content) < a.minChars {
		return nil, batch.Cost{}, batch.Permanent(
			fmt.Errorf("content has %d chars, need at least %d", len(article.Content), a.minChars))
	}
	completion, err := a.completer.Complete(ctx, pipeline.CompletionRequest{
		System:      analysisSystem,
		User:        analysisPrompt(article.Title, article.Content),
		MaxTokens:   analysisMaxTokens,
		Temperature: analysisTemperature,
		JSONMode:    true,
	})
	if err != nil {
		// The client already classified permanence.
		return nil, batch.Cost{}, err
	}
	cost := batch.Cost{Amount: completion.CostUSD, Tokens: completion.TotalTokens()}

	var reply analysisReply
	if err := json.Unmarshal([]byte(completion.Content), &reply); err != nil {
		// Models glitch; the next attempt usually returns clean JSON.
		return nil, cost, fmt.Errorf("parse model response: %w", err)
	}
	level := strings.ToUpper(strings.TrimSpace(reply.Level))
	if !cefrLevels[level] {
		return nil, cost, fmt.Errorf("model returned unknown level %q", reply.Level)
	}
	analysis := pipeline.Analysis{
		ArticleID: article.ID,
		Level:     level,
		Topics:    reply.Topics,
		Summary:   strings.TrimSpace(reply.Summary),
		Keywords:  reply.Keywords,
		Model:     completion.Model,
		Tokens:    completion.TotalTokens(),
		CostUSD:   completion.CostUSD,
		CreatedAt: a.runner.now(),
	}
	return analysis, cost, nil
}

// analysisSink inserts analysis rows. A duplicate insert means another run
// finished the article first; that still counts as done.
type analysisSink struct {
	analyses pipeline.AnalysisStore
}

func (s *analysisSink) Exists(ctx context.Context, id string) (bool, error) {
	articleID, err := uuid.Parse(id)
	if err != nil {
		return false, fmt.Errorf("parse article id %q: %w", id, err)
	}
	return s.analyses.Exists(ctx, articleID)
}

func (s *analysisSink) Persist(ctx context.Context, _ string, payload any) error {
	analysis, ok := payload.(pipeline.Analysis)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	return insertTolerant(ctx, "analyze", func(ctx context.Context) error {
		return s.analyses.Insert(ctx, analysis)
	})
}

