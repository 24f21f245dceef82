// Package pipeline defines core types shared across subsystems.
package pipeline

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// FeedStrategy controls which feed items a scrape keeps.
type FeedStrategy string

// Feed strategies persisted in feeds.strategy.
const (
	// StrategyDailyUpdates keeps only items published inside the scrape window.
	StrategyDailyUpdates FeedStrategy = "daily_updates"
	// StrategyFullArchive keeps every item the feed lists.
	StrategyFullArchive FeedStrategy = "full_archive"
)

// Feed is a registered RSS/Atom source.
type Feed struct {
	ID       int64        `json:"id"`
	URL      string       `json:"url"`
	Domain   string       `json:"domain"`
	Category string       `json:"category"`
	Strategy FeedStrategy `json:"strategy"`
	Priority int          `json:"priority"`
	Active   bool         `json:"active"`
	AddedAt  time.Time    `json:"added_at"`
}

// Article is one scraped news item plus its enrichment lifecycle anchors.
type Article struct {
	ID          uuid.UUID `json:"id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	// Content is the extracted plain text, empty until the content stage ran.
	Content string `json:"content,omitempty"`
	// RawRef points at the archived raw HTML (gs:// or file:// URI).
	RawRef         string     `json:"raw_ref,omitempty"`
	SourceFeed     string     `json:"source_feed"`
	Domain         string     `json:"domain"`
	Category       string     `json:"category,omitempty"`
	PublishedAt    *time.Time `json:"published_at,omitempty"`
	ContentFetched bool       `json:"content_fetched"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Analysis is the first model pass over an article: difficulty and topical
// classification for the learner-facing index.
type Analysis struct {
	ArticleID uuid.UUID `json:"article_id"`
	// Level is a CEFR band: A1, A2, B1, B2, C1 or C2.
	Level     string    `json:"level"`
	Topics    []string  `json:"topics"`
	Summary   string    `json:"summary"`
	Keywords  []string  `json:"keywords,omitempty"`
	Model     string    `json:"model"`
	Tokens    int64     `json:"tokens"`
	CostUSD   float64   `json:"cost_usd"`
	CreatedAt time.Time `json:"created_at"`
}

// CleanedArticle is the second model pass: article text normalized for
// learners, with boilerplate dropped and paragraphs restored.
type CleanedArticle struct {
	ArticleID uuid.UUID `json:"article_id"`
	Content   string    `json:"content"`
	Model     string    `json:"model"`
	Tokens    int64     `json:"tokens"`
	CostUSD   float64   `json:"cost_usd"`
	CreatedAt time.Time `json:"created_at"`
}

// VocabEntry is one vocabulary item extracted for learners.
type VocabEntry struct {
	Word string `json:"word"`
	// Article is the definite article (der/die/das), empty for non-nouns.
	Article     string `json:"article,omitempty"`
	Translation string `json:"translation"`
	Example     string `json:"example,omitempty"`
}

// GrammarNote points at a grammar pattern the article exercises.
type GrammarNote struct {
	Pattern     string `json:"pattern"`
	Explanation string `json:"explanation"`
	Example     string `json:"example,omitempty"`
}

/// Enhancement is the third model pass: study material derived from the
// cleaned article.
type Enhancement struct {
	ArticleID      uuid.UUID     `json:"article_id"`
	Vocabulary     []VocabEntry  `json:"vocabulary"`
	Grammar        []GrammarNote `json:"grammar,omitempty"`
	Questions      []string      `json:"questions,omitempty"`
	Difficulty     string        `json:"difficulty,omitempty"`
	ReadingMinutes int           `json:"reading_minutes,omitempty"`
	Model          string        `json:"model"`
	Tokens         int64         `json:"tokens"`
	CostUSD        float64       `json:"cost_usd"`
	CreatedAt      time.Time     `json:"created_at"`
}

// RunStatus mirrors the pipeline_runs status column.
type RunStatus string

// Run statuses persisted in pipeline_runs.status.
const (
	RunRunning         RunStatus = "running"
	RunCompleted       RunStatus = "completed"
	RunBudgetExhausted RunStatus = "budget_exhausted"
	RunCancelled       RunStatus = "cancelled"
)

// RunRecord models the pipeline_runs table for API responses.
type RunRecord struct {
	ID    uuid.UUID `json:"id"`
	Stage string    `json:"stage"`
	// Status is running until the run finishes.
	Status    RunStatus `json:"status"`
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is nil while the run is in flight.
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Processed       int        `json:"processed"`
	Succeeded       int        `json:"succeeded"`
	Failed          int        `json:"failed"`
	SkippedExisting int        `json:"skipped_existing"`
	SkippedBudget   int        `json:"skipped_budget"`
	// Cost is in the stage's unit: USD for model stages, bytes for fetch
	// stages.
	Cost   float64 `json:"cost"`
	Tokens int64   `json:"tokens"`
	Note   string  `json:"note,omitempty"`
}

// CorpusStats aggregates the corpus for the stats command and API.
type CorpusStats struct {
	Articles    int64            `json:"articles"`
	WithContent int64            `json:"with_content"`
	Analyzed    int64            `json:"analyzed"`
	Cleaned     int64            `json:"cleaned"`
	Enhanced    int64            `json:"enhanced"`
	ByDomain    map[string]int64 `json:"by_domain,omitempty"`
	ByLevel     map[string]int64 `json:"by_level,omitempty"`
	CostUSD     float64          `json:"cost_usd"`
}

// FetchRequest captures everything needed to fetch a page.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Extraction is readable article text recovered from an HTML page.
type Extraction struct {
	Text       string
	Paragraphs int
}

// CompletionRequest is one chat completion call against the model.
type CompletionRequest struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
	// JSONMode asks the model for a JSON object response.
	JSONMode bool
}

// Completion carries model output plus usage accounting.
type Completion struct {
	Content      string
	Model        string
	InputTokens  int64
	OutputTokens int64
	// CostUSD is priced from token usage by the client.
	CostUSD float64
}

// TotalTokens sums prompt and completion usage.
func (c Completion) TotalTokens() int64 {
	return c.InputTokens + c.OutputTokens
}
