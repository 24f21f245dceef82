// Package feeds parses RSS and Atom documents into scrape candidates and
// applies per-feed fetch strategies.
package feeds

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"
)

// FeedItem is one entry lifted out of an RSS or Atom document.
type FeedItem struct {
	Title       string
	Link        string
	Description string
	// Published is nil when the entry carries no parseable date.
	Published *time.Time
}

// Publishers disagree on date formats; RFC1123 variants dominate RSS and
// RFC3339 dominates Atom, but single-digit days and zoneless timestamps
// show up in the wild.
var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	time.RFC822Z,
	time.RFC822,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Parse decodes an RSS 2.0 or Atom document. Entries without a link are
// dropped; entries without a date are kept with a nil Published.
func Parse(data []byte) ([]FeedItem, error) {
	root, err := rootElement(data)
	if err != nil {
		return nil, err
	}

	switch root {
	case "rss":
		var doc rssDocument
		if err := xml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode rss document: %w", err)
		}
		return doc.feedItems(), nil
	case "feed":
		var doc atomFeed
		if err := xml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode atom document: %w", err)
		}
		return doc.feedItems(), nil
	default:
		return nil, fmt.Errorf("unsupported feed root element %q", root)
	}
}

func rootElement(data []byte) (string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			return "", fmt.Errorf("feed document has no root element")
		}
		if err != nil {
			return "", fmt.Errorf("scan feed document: %w", err)
		}
		if start, ok := token.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}

type rssDocument struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
}

func (d rssDocument) feedItems() []FeedItem {
	items := make([]FeedItem, 0, len(d.Channel.Items))
	for _, entry := range d.Channel.Items {
		link := strings.TrimSpace(entry.Link)
		if link == "" {
			continue
		}
		items = append(items, FeedItem{
			Title:       strings.TrimSpace(entry.Title),
			Link:        link,
			Description: strings.TrimSpace(entry.Description),
			Published:   parseDate(entry.PubDate),
		})
	}
	return items
}

type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title     string     `xml:"title"`
	Links     []atomLink `xml:"link"`
	Summary   string     `xml:"summary"`
	Published string     `xml:"published"`
	Updated   string     `xml:"updated"`
}

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

func (f atomFeed) feedItems() []FeedItem {
	items := make([]FeedItem, 0, len(f.Entries))
	for _, entry := range f.Entries {
		link := entry.alternateLink()
		if link == "" {
			continue
		}
		published := parseDate(entry.Published)
		if published == nil {
			published = parseDate(entry.Updated)
		}
		items = append(items, FeedItem{
			Title:       strings.TrimSpace(entry.Title),
			Link:        link,
			Description: strings.TrimSpace(entry.Summary),
			Published:   published,
		})
	}
	return items
}

// alternateLink picks the entry page link: rel="alternate" or an untyped
// rel wins, any link is the fallback.
func (e atomEntry) alternateLink() string {
	var fallback string
	for _, link := range e.Links {
		href := strings.TrimSpace(link.Href)
		if href == "" {
			continue
		}
		if link.Rel == "" || link.Rel == "alternate" {
			return href
		}
		if fallback == "" {
			fallback = href
		}
	}
	return fallback
}

func parseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			ts = ts.UTC()
			return &ts
		}
	}
	return nil
}
