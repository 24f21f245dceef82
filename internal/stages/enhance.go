package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lernfeed/lernfeed/internal/batch"
	"github.com/lernfeed/lernfeed/internal/pipeline"
)

// Enhance derives study material from cleaned articles: key vocabulary,
// grammar notes, comprehension questions, difficulty, and reading time.
// Cost is USD.
type Enhance struct {
	runner    *Runner
	cfg       Config
	articles  pipeline.ArticleStore
	cleaned   pipeline.CleanedStore
	enhanced  pipeline.EnhancementStore
	completer pipeline.Completer
}

// NewEnhance builds the enhancement stage.
func NewEnhance(
	runner *Runner,
	cfg Config,
	articles pipeline.ArticleStore,
	cleaned pipeline.CleanedStore,
	enhanced pipeline.EnhancementStore,
	completer pipeline.Completer,
) *Enhance {
	return &Enhance{
		runner:    runner,
		cfg:       cfg,
		articles:  articles,
		cleaned:   cleaned,
		enhanced:  enhanced,
		completer: completer,
	}
}

// Run enhances cleaned articles that have no enhancement row yet.
func (e *Enhance) Run(ctx context.Context) (*batch.Report, error) {
	pending, err := e.articles.ListUnenhanced(ctx, e.cfg.limit())
	if err != nil {
		return nil, fmt.Errorf("list unenhanced articles: %w", err)
	}
	sink := &enhancementSink{enhanced: e.enhanced}
	return e.runner.run(ctx, e.cfg.engine("enhance"), e.cfg.DryRun, articleItems(pending), e.work, sink)
}

// enhanceReply is the JSON shape the enhancement prompt requests.
type enhanceReply struct {
	Vocabulary []struct {
		Word        string `json:"word"`
		Article     string `json:"article"`
		Translation string `json:"translation"`
		Example     string `json:"example"`
	} `json:"vocabulary"`
	Grammar []struct {
		Pattern     string `json:"pattern"`
		Explanation string `json:"explanation"`
		Example     string `json:"example"`
	} `json:"grammar"`
	Questions      []string `json:"questions"`
	Difficulty     string   `json:"difficulty"`
	ReadingMinutes int      `json:"reading_minutes"`
}

func (e *Enhance) work(ctx context.Context, item batch.Item) (any, batch.Cost, error) {
	article, ok := item.Payload.(pipeline.Article)
	if !ok {
		return nil, batch.Cost{}, batch.Permanent(fmt.Errorf("unexpected payload %T", item.Payload))
	}
	cleaned, err := e.cleaned.Get(ctx, article.ID)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			// The candidate query promised a cleaned row. A missing one is a
			// corpus inconsistency no retry resolves.
			return nil, batch.Cost{}, batch.Permanent(fmt.Errorf("cleaned text missing for %s", article.ID))
		}
		return nil, batch.Cost{}, fmt.Errorf("load cleaned text: %w", err)
	}

	completion, err := e.completer.Complete(ctx, pipeline.CompletionRequest{
		System:      enhanceSystem,
		User:        enhancePrompt(article.Title, cleaned.Content),
		MaxTokens:   enhanceMaxTokens,
		Temperature: enhanceTemperature,
		JSONMode:    true,
	})
	if err != nil {
		return nil, batch.Cost{}, err
	}
	cost := batch.Cost{Amount: completion.CostUSD, Tokens: completion.TotalTokens()}

	var reply enhanceReply
	if err := json.Unmarshal([]byte(completion.Content), &reply); err != nil {
		return nil, cost, fmt.Errorf("parse model response: %w", err)
	}
	if len(reply.Vocabulary) == 0 {
		return nil, cost, fmt.Errorf("model returned no vocabulary")
	}

	enhancement := pipeline.Enhancement{
		ArticleID:      article.ID,
		Vocabulary:     make([]pipeline.VocabEntry, 0, len(reply.Vocabulary)),
		Grammar:        make([]pipeline.GrammarNote, 0, len(reply.Grammar)),
		Questions:      reply.Questions,
		Difficulty:     normalizeLevel(reply.Difficulty),
		ReadingMinutes: max(reply.ReadingMinutes, 0),
		Model:          completion.Model,
		Tokens:         completion.TotalTokens(),
		CostUSD:        completion.CostUSD,
		CreatedAt:      e.runner.now(),
	}
	for _, v := range reply.Vocabulary {
		word := strings.TrimSpace(v.Word)
		if word == "" {
			continue
		}
		enhancement.Vocabulary = append(enhancement.Vocabulary, pipeline.VocabEntry{
			Word:        word,
			Article:     strings.ToLower(strings.TrimSpace(v.Article)),
			Translation: strings.TrimSpace(v.Translation),
			Example:     strings.TrimSpace(v.Example),
		})
	}
	for _, g := range reply.Grammar {
		pattern := strings.TrimSpace(g.Pattern)
		if pattern == "" {
			continue
		}
		enhancement.Grammar = append(enhancement.Grammar, pipeline.GrammarNote{
			Pattern:     pattern,
			Explanation: strings.TrimSpace(g.Explanation),
			Example:     strings.TrimSpace(g.Example),
		})
	}
	if len(enhancement.Vocabulary) == 0 {
		return nil, cost, fmt.Errorf("model returned only blank vocabulary entries")
	}
	return enhancement, cost, nil
}

// normalizeLevel uppercases a difficulty estimate and drops values outside
// the CEFR bands. Difficulty is optional metadata, not worth failing over.
func normalizeLevel(raw string) string {
	level := strings.ToUpper(strings.TrimSpace(raw))
	if cefrLevels[level] {
		return level
	}
	return ""
}

// enhancementSink inserts enhancement rows, tolerating duplicate races.
type enhancementSink struct {
	enhanced pipeline.EnhancementStore
}

func (s *enhancementSink) Exists(ctx context.Context, id string) (bool, error) {
	articleID, err := uuid.Parse(id)
	if err != nil {
		return false, fmt.Errorf("parse article id %q: %w", id, err)
	}
	return s.enhanced.Exists(ctx, articleID)
}

func (s *enhancementSink) Persist(ctx context.Context, _ string, payload any) error {
	enhancement, ok := payload.(pipeline.Enhancement)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	return insertTolerant(ctx, "enhance", func(ctx context.Context) error {
		return s.enhanced.Insert(ctx, enhancement)
	})
}
