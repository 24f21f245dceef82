// Package detector decides when a static fetch needs a browser render.
package detector

import (
	"bytes"
	"strings"

	"github.com/lernfeed/lernfeed/internal/pipeline"
)

// Heuristic applies rule-based render promotion to static fetch results.
type Heuristic struct {
	// MinHTMLBytes is the body size below which heavy scripting suggests
	// the article text is assembled client-side.
	MinHTMLBytes int
}

// NewHeuristic creates a detector. A zero threshold falls back to 2048 bytes.
func NewHeuristic(minHTMLBytes int) *Heuristic {
	if minHTMLBytes == 0 {
		minHTMLBytes = 2048
	}
	return &Heuristic{MinHTMLBytes: minHTMLBytes}
}

// Framework mount points that only carry content after client-side hydration.
var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("__NUXT__"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

// ShouldRender reports whether the page likely needs a headless browser to
// produce its article body.
func (h *Heuristic) ShouldRender(resp pipeline.FetchResponse) bool {
	if resp.StatusCode != 200 {
		return false
	}
	if len(resp.Body) == 0 {
		return true
	}
	if len(resp.Body) < h.MinHTMLBytes && scriptHeavy(resp.Body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(resp.Body, marker) {
			return true
		}
	}
	return false
}

// scriptHeavy reports whether script tags cover at least a quarter of the
// document.
func scriptHeavy(body []byte) bool {
	doc := strings.ToLower(string(body))
	total := len(doc)
	if total == 0 {
		return false
	}

	const (
		scriptOpen  = "<script"
		scriptClose = "</script>"
	)
	covered := 0
	pos := 0

	for {
		rel := strings.Index(doc[pos:], scriptOpen)
		if rel == -1 {
			break
		}
		start := pos + rel

		tagEnd := strings.IndexByte(doc[start:], '>')
		if tagEnd == -1 {
			// Malformed open tag: the rest of the document counts as script.
			covered += total - start
			break
		}
		contentStart := start + tagEnd + 1

		end := strings.Index(doc[contentStart:], scriptClose)
		var next int
		if end == -1 {
			// Script tag never closes; count the rest.
			next = total
		} else {
			next = contentStart + end + len(scriptClose)
		}

		covered += next - start
		pos = next
	}

	if covered == 0 {
		return false
	}
	return covered*100/total >= 25
}
