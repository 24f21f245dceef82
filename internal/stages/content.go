package stages

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lernfeed/lernfeed/internal/batch"
	"github.com/lernfeed/lernfeed/internal/pipeline"
	"github.com/lernfeed/lernfeed/internal/telemetry"
)

// defaultMinContentChars rejects extractions too thin to teach from.
const defaultMinContentChars = 400

// RenderGate decides whether a static response warrants a browser render.
type RenderGate interface {
	ShouldRender(resp pipeline.FetchResponse) bool
}

// Content fetches article pages, archives the raw HTML, and extracts the
// readable text. Static fetches come first; pages that render their body
// client-side fall back to the headless fetcher. Cost is bytes fetched.
type Content struct {
	runner    *Runner
	cfg       Config
	minChars  int
	articles  pipeline.ArticleStore
	blobs     pipeline.BlobStore
	hasher    pipeline.Hasher
	static    pipeline.Fetcher
	headless  pipeline.Fetcher
	gate      RenderGate
	extractor pipeline.Extractor
}

// NewContent builds the content stage. headless may be nil when rendering
// is not configured; short static extractions then fail permanently. gate
// may be nil; short extractions then always try the headless fallback.
func NewContent(
	runner *Runner,
	cfg Config,
	minChars int,
	articles pipeline.ArticleStore,
	blobs pipeline.BlobStore,
	hasher pipeline.Hasher,
	static pipeline.Fetcher,
	headless pipeline.Fetcher,
	gate RenderGate,
	extractor pipeline.Extractor,
) *Content {
	if minChars <= 0 {
		minChars = defaultMinContentChars
	}
	return &Content{
		runner:    runner,
		cfg:       cfg,
		minChars:  minChars,
		articles:  articles,
		blobs:     blobs,
		hasher:    hasher,
		static:    static,
		headless:  headless,
		gate:      gate,
		extractor: extractor,
	}
}

// Run fetches content for articles the scrape stage discovered.
func (c *Content) Run(ctx context.Context) (*batch.Report, error) {
	pending, err := c.articles.ListMissingContent(ctx, c.cfg.limit())
	if err != nil {
		return nil, fmt.Errorf("list articles missing content: %w", err)
	}
	items := make([]batch.Item, 0, len(pending))
	for _, article := range pending {
		items = append(items, batch.Item{
			ID:        article.ID.String(),
			Partition: article.Domain,
			Payload:   article,
		})
	}
	sink := &contentSink{articles: c.articles}
	return c.runner.run(ctx, c.cfg.engine("content"), c.cfg.DryRun, items, c.work, sink)
}

// contentResult is what a successful fetch-and-extract hands to the sink.
type contentResult struct {
	articleID uuid.UUID
	text      string
	rawRef    string
}

// work fetches one article page, archives it, and extracts text. The raw
// HTML is archived before extraction, so extraction stays re-runnable when
// selectors improve.
func (c *Content) work(ctx context.Context, item batch.Item) (any, batch.Cost, error) {
	article, ok := item.Payload.(pipeline.Article)
	if !ok {
		return nil, batch.Cost{}, batch.Permanent(fmt.Errorf("unexpected payload %T", item.Payload))
	}
	var cost batch.Cost

	resp, err := c.static.Fetch(ctx, pipeline.FetchRequest{URL: article.URL})
	if err != nil {
		return nil, cost, fmt.Errorf("fetch page: %w", err)
	}
	cost.Amount += float64(len(resp.Body))
	telemetry.ObserveFetchBytes(article.Domain, len(resp.Body))
	if err := httpStatusError(resp.StatusCode); err != nil {
		return nil, cost, err
	}
	rawRef, err := c.archive(ctx, article.Domain, resp.Body)
	if err != nil {
		return nil, cost, err
	}
	extraction, err := c.extractor.Extract(article.Domain, resp.Body)
	if err != nil {
		return nil, cost, batch.Permanent(fmt.Errorf("extract text: %w", err))
	}
	text := extraction.Text

	if len(text) < c.minChars && c.headless != nil && c.shouldRender(resp) {
		renderedText, renderedRef, renderedBytes := c.renderFallback(ctx, article)
		cost.Amount += float64(renderedBytes)
		if len(renderedText) > len(text) {
			text = renderedText
			rawRef = renderedRef
		}
	}

	if len(text) < c.minChars {
		return nil, cost, batch.Permanent(
			fmt.Errorf("extracted %d chars, need at least %d", len(text), c.minChars))
	}
	return contentResult{articleID: article.ID, text: text, rawRef: rawRef}, cost, nil
}

func (c *Content) shouldRender(resp pipeline.FetchResponse) bool {
	if c.gate == nil {
		return true
	}
	return c.gate.ShouldRender(resp)
}

// renderFallback renders the page headless and extracts again. Failures only
// warn: the static result remains the floor, and whether that floor is good
// enough is decided by the caller.
func (c *Content) renderFallback(ctx context.Context, article pipeline.Article) (text, rawRef string, bytes int) {
	logger := c.runner.logger.With(zap.String("url", article.URL))
	rendered, err := c.headless.Fetch(ctx, pipeline.FetchRequest{URL: article.URL})
	if err != nil {
		logger.Warn("headless fallback failed", zap.Error(err))
		return "", "", 0
	}
	bytes = len(rendered.Body)
	telemetry.ObserveFetchBytes(article.Domain, bytes)
	if err := httpStatusError(rendered.StatusCode); err != nil {
		logger.Warn("headless fallback status", zap.Int("status", rendered.StatusCode))
		return "", "", bytes
	}
	rawRef, err = c.archive(ctx, article.Domain, rendered.Body)
	if err != nil {
		logger.Warn("archive rendered page", zap.Error(err))
		return "", "", bytes
	}
	extraction, err := c.extractor.Extract(article.Domain, rendered.Body)
	if err != nil {
		logger.Warn("extract rendered page", zap.Error(err))
		return "", "", bytes
	}
	return extraction.Text, rawRef, bytes
}

// archive writes raw HTML under raw/<domain>/<sha256>.html and returns the
// blob URI. Content addressing makes re-archiving the same body idempotent.
func (c *Content) archive(ctx context.Context, domain string, body []byte) (string, error) {
	digest, err := c.hasher.Hash(body)
	if err != nil {
		return "", fmt.Errorf("hash page: %w", err)
	}
	uri, err := c.blobs.PutObject(ctx, fmt.Sprintf("raw/%s/%s.html", domain, digest), "text/html", body)
	if err != nil {
		return "", fmt.Errorf("archive page: %w", err)
	}
	return uri, nil
}

// contentSink writes extracted text back onto articles. Exists consults the
// store, so re-runs skip articles a previous run already finished.
type contentSink struct {
	articles pipeline.ArticleStore
}

func (s *contentSink) Exists(ctx context.Context, id string) (bool, error) {
	articleID, err := uuid.Parse(id)
	if err != nil {
		return false, fmt.Errorf("parse article id %q: %w", id, err)
	}
	return s.articles.HasContent(ctx, articleID)
}

func (s *contentSink) Persist(ctx context.Context, id string, payload any) error {
	result, ok := payload.(contentResult)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	if err := s.articles.UpdateContent(ctx, result.articleID, result.text, result.rawRef); err != nil {
		return fmt.Errorf("update content: %w", err)
	}
	return nil
}
