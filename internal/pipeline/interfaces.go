package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicate signals that an insert collided with an existing row. Stores
// resolve the collision atomically; callers count it, they do not retry it.
var ErrDuplicate = errors.New("duplicate record")

// FeedStore persists feed registrations.
type FeedStore interface {
	// Upsert inserts the feed or refreshes an existing registration by URL.
	Upsert(ctx context.Context, feed Feed) error
	// ListActive returns feeds eligible for scraping, highest priority first.
	ListActive(ctx context.Context) ([]Feed, error)
}

// ArticleStore persists articles and drives stage candidate queries.
type ArticleStore interface {
	// SaveNew inserts the article, reporting ErrDuplicate when the URL exists.
	SaveNew(ctx context.Context, article Article) error
	// UpdateContent stores extracted text plus the raw archive reference.
	UpdateContent(ctx context.Context, id uuid.UUID, content, rawRef string) error
	// HasContent reports whether the article already carries extracted text.
	HasContent(ctx context.Context, id uuid.UUID) (bool, error)
	// Get loads one article or returns ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (Article, error)
	// ListMissingContent returns articles awaiting the content stage.
	ListMissingContent(ctx context.Context, limit int) ([]Article, error)
	// ListUnanalyzed returns articles with content but no analysis row.
	ListUnanalyzed(ctx context.Context, limit int) ([]Article, error)
	// ListUncleaned returns analyzed articles with no cleaned row.
	ListUncleaned(ctx context.Context, limit int) ([]Article, error)
	// ListUnenhanced returns cleaned articles with no enhancement row.
	ListUnenhanced(ctx context.Context, limit int) ([]Article, error)
	// Stats aggregates corpus counters for the CLI and API.
	Stats(ctx context.Context) (CorpusStats, error)
}

// AnalysisStore persists the analysis aggregate.
type AnalysisStore interface {
	Insert(ctx context.Context, analysis Analysis) error
	Exists(ctx context.Context, articleID uuid.UUID) (bool, error)
	// Get loads the analysis feeding the cleaning prompt, or returns
	// ErrNotFound.
	Get(ctx context.Context, articleID uuid.UUID) (Analysis, error)
}

// CleanedStore persists the cleaned-article aggregate.
type CleanedStore interface {
	Insert(ctx context.Context, cleaned CleanedArticle) error
	Exists(ctx context.Context, articleID uuid.UUID) (bool, error)
	// Get loads the cleaned text for enhancement, or returns ErrNotFound.
	Get(ctx context.Context, articleID uuid.UUID) (CleanedArticle, error)
}

// EnhancementStore persists the enhancement aggregate.
type EnhancementStore interface {
	Insert(ctx context.Context, enhancement Enhancement) error
	Exists(ctx context.Context, articleID uuid.UUID) (bool, error)
}

// RunStore persists batch run records.
type RunStore interface {
	// StartRun inserts the record in the running state.
	StartRun(ctx context.Context, rec RunRecord) error
	// FinishRun stores the final status and counters for rec.ID.
	FinishRun(ctx context.Context, rec RunRecord) error
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (RunRecord, error)
	// ListRuns returns runs newest first, optionally filtered by stage.
	ListRuns(ctx context.Context, stage string, limit, offset int) ([]RunRecord, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes run summaries to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Extractor recovers readable article text from raw HTML.
type Extractor interface {
	Extract(domain string, html []byte) (Extraction, error)
}

// Completer runs one chat completion against the configured model.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
}

// Hasher computes digests for archive paths and deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces article and run identifiers.
type IDGenerator interface {
	NewID() (uuid.UUID, error)
}
