// Package extract recovers readable article text from raw HTML.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/lernfeed/lernfeed/internal/pipeline"
)

// genericSelectors are tried after the per-domain selectors, in order.
var genericSelectors = []string{
	"article",
	"div.article-content",
	"div.article-body",
	"div.content",
	"div.post-content",
	"main",
}

// strippedTags never contain article text and frequently pollute it.
const strippedTags = "script,style,nav,aside,footer,header,figure"

// textTags are the elements text is collected from, in document order.
const textTags = "h1,h2,h3,h4,h5,h6,p,li,blockquote"

// Config controls the selector extractor.
type Config struct {
	// Selectors maps a registrable domain to the CSS selectors tried for
	// that site before the generic fallbacks.
	Selectors map[string][]string
	// MinSnippetChars drops stray fragments at or below this length.
	MinSnippetChars int
	// MinAcceptChars stops the candidate scan once a selector yields more
	// text than this.
	MinAcceptChars int
}

// DefaultSelectors returns the selector table for the supported German news
// sites. The table is plain configuration; swapping it out does not touch
// extraction logic.
func DefaultSelectors() map[string][]string {
	return map[string][]string{
		"nachrichtenleicht.de": {"div.article-content"},
		"dw.com":               {"div.content-area", "main", "article"},
		"brigitte.de":          {"article", "div.article-body"},
		"sueddeutsche.de":      {"article", "div.article-body"},
		"spiegel.de":           {`[data-area="body"]`, "article"},
		"t3n.de":               {"div.content-wrapper", "article"},
		"tagesschau.de":        {"article", "div.article-body"},
		"geo.de":               {"article", "div.article-body"},
		"chefkoch.de":          {"main", "article.recipe", "div.recipe-content"},
	}
}

// SelectorExtractor implements pipeline.Extractor with CSS selectors.
type SelectorExtractor struct {
	selectors  map[string][]string
	minSnippet int
	minAccept  int
}

// NewSelectorExtractor constructs an extractor with the configured selector
// table and thresholds.
func NewSelectorExtractor(cfg Config) *SelectorExtractor {
	if cfg.Selectors == nil {
		cfg.Selectors = DefaultSelectors()
	}
	if cfg.MinSnippetChars <= 0 {
		cfg.MinSnippetChars = 10
	}
	if cfg.MinAcceptChars <= 0 {
		cfg.MinAcceptChars = 100
	}
	return &SelectorExtractor{
		selectors:  cfg.Selectors,
		minSnippet: cfg.MinSnippetChars,
		minAccept:  cfg.MinAcceptChars,
	}
}

// Extract walks the candidate selectors for the domain and returns the first
// substantial text block, or the longest block found when none is
// substantial. An empty extraction is not an error; callers judge whether
// the text suffices.
func (e *SelectorExtractor) Extract(domain string, html []byte) (pipeline.Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return pipeline.Extraction{}, fmt.Errorf("parse html: %w", err)
	}

	var best pipeline.Extraction
	for _, selector := range e.candidates(domain) {
		root := doc.Find(selector).First()
		if root.Length() == 0 {
			continue
		}
		root.Find(strippedTags).Remove()

		candidate := e.collectText(root)
		if len(candidate.Text) > e.minAccept {
			return candidate, nil
		}
		if len(candidate.Text) > len(best.Text) {
			best = candidate
		}
	}
	return best, nil
}

func (e *SelectorExtractor) candidates(domain string) []string {
	domain = strings.TrimPrefix(strings.ToLower(domain), "www.")
	site := e.selectors[domain]
	if site == nil {
		for key, selectors := range e.selectors {
			if strings.HasSuffix(domain, "."+key) {
				site = selectors
				break
			}
		}
	}
	return append(append([]string(nil), site...), genericSelectors...)
}

func (e *SelectorExtractor) collectText(root *goquery.Selection) pipeline.Extraction {
	var parts []string
	root.Find(textTags).Each(func(_ int, s *goquery.Selection) {
		text := strings.Join(strings.Fields(s.Text()), " ")
		if len(text) > e.minSnippet {
			parts = append(parts, text)
		}
	})
	return pipeline.Extraction{
		Text:       strings.Join(parts, "\n\n"),
		Paragraphs: len(parts),
	}
}
