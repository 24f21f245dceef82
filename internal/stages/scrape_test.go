package stages

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lernfeed/lernfeed/internal/batch"
	iduuid "github.com/lernfeed/lernfeed/internal/id/uuid"
	"github.com/lernfeed/lernfeed/internal/pipeline"
	"github.com/lernfeed/lernfeed/internal/storage/memory"
)

func TestScrapeSavesDiscoveredArticles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 11, 3, 8, 0, 0, 0, time.UTC)
	stores := memory.NewStores()
	require.NoError(t, stores.Feeds.Upsert(ctx, pipeline.Feed{
		URL:      "https://www.tagesschau.de/xml/rss2",
		Domain:   "tagesschau.de",
		Category: "nachrichten",
		Strategy: pipeline.StrategyDailyUpdates,
		Priority: 1,
		Active:   true,
	}))
	require.NoError(t, stores.Feeds.Upsert(ctx, pipeline.Feed{
		URL:      "https://rss.dw.com/xml/rss-de-all",
		Domain:   "dw.com",
		Category: "deutsch-lernen",
		Strategy: pipeline.StrategyFullArchive,
		Priority: 2,
		Active:   true,
	}))

	rssDoc := rssWithDates(now)
	fetcher := newFakeFetcher()
	fetcher.set("https://www.tagesschau.de/xml/rss2", 200, []byte(rssDoc))
	fetcher.set("https://rss.dw.com/xml/rss-de-all", 200, []byte(dwAtomDoc))

	runner := NewRunner(RunnerDeps{Runs: stores.Runs, Clock: &fakeClock{now: now}})
	stage := NewScrape(runner, Config{Workers: 2}, 0, stores.Feeds, stores.Articles, fetcher, iduuid.NewGenerator())

	report, err := stage.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, batch.StateCompleted, report.State)
	require.Equal(t, 2, report.Snapshot.Succeeded)
	require.InDelta(t, float64(len(rssDoc)+len(dwAtomDoc)), report.Snapshot.Cost, 0.5,
		"scrape cost counts fetched bytes")

	pending, err := stores.Articles.ListMissingContent(ctx, 50)
	require.NoError(t, err)
	require.Len(t, pending, 3, "two fresh tagesschau items plus the archived dw item")

	byURL := make(map[string]pipeline.Article, len(pending))
	for _, a := range pending {
		byURL[a.URL] = a
	}
	require.NotContains(t, byURL, "https://www.tagesschau.de/inland/alt-100.html",
		"daily_updates drops items older than the window")

	haushalt := byURL["https://www.tagesschau.de/inland/haushalt-100.html"]
	require.Equal(t, "Bundestag beschließt Haushalt", haushalt.Title)
	require.Equal(t, "tagesschau.de", haushalt.Domain)
	require.Equal(t, "https://www.tagesschau.de/xml/rss2", haushalt.SourceFeed)
	require.Equal(t, "nachrichten", haushalt.Category)
	require.NotNil(t, haushalt.PublishedAt)
	require.False(t, haushalt.ContentFetched)

	dw := byURL["https://www.dw.com/de/nachrichten-vorjahr/a-1"]
	require.Equal(t, "dw.com", dw.Domain, "full_archive keeps entries of any age")
}

func TestScrapeSecondRunCountsDuplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 11, 3, 8, 0, 0, 0, time.UTC)
	stores := memory.NewStores()
	require.NoError(t, stores.Feeds.Upsert(ctx, pipeline.Feed{
		URL:      "https://www.tagesschau.de/xml/rss2",
		Domain:   "tagesschau.de",
		Strategy: pipeline.StrategyDailyUpdates,
		Priority: 1,
		Active:   true,
	}))
	fetcher := newFakeFetcher()
	fetcher.set("https://www.tagesschau.de/xml/rss2", 200, []byte(rssWithDates(now)))

	runner := NewRunner(RunnerDeps{Runs: stores.Runs, Clock: &fakeClock{now: now}})
	stage := NewScrape(runner, Config{Workers: 1}, 0, stores.Feeds, stores.Articles, fetcher, iduuid.NewGenerator())

	first, err := stage.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.Snapshot.Succeeded)

	second, err := stage.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, second.Snapshot.Succeeded, "a re-scraped feed is still a success")

	stats, err := stores.Articles.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Articles, "known URLs are deduplicated, not duplicated")
}

func TestScrapeClientErrorFailsWithoutRetry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stores := memory.NewStores()
	require.NoError(t, stores.Feeds.Upsert(ctx, pipeline.Feed{
		URL:      "https://www.tagesschau.de/weg",
		Domain:   "tagesschau.de",
		Strategy: pipeline.StrategyDailyUpdates,
		Active:   true,
	}))
	fetcher := newFakeFetcher()
	fetcher.set("https://www.tagesschau.de/weg", 404, nil)

	runner := NewRunner(RunnerDeps{Runs: stores.Runs})
	stage := NewScrape(runner, Config{Workers: 1, MaxRetries: 3}, 0, stores.Feeds, stores.Articles, fetcher, iduuid.NewGenerator())

	report, err := stage.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Snapshot.Failed)
	require.Equal(t, []string{"https://www.tagesschau.de/weg"}, report.FailedIDs)
	require.Equal(t, 1, fetcher.count("https://www.tagesschau.de/weg"),
		"a 404 feed is not retried")
}

func TestScrapeServerErrorRetries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stores := memory.NewStores()
	require.NoError(t, stores.Feeds.Upsert(ctx, pipeline.Feed{
		URL:      "https://www.tagesschau.de/xml/rss2",
		Domain:   "tagesschau.de",
		Strategy: pipeline.StrategyDailyUpdates,
		Active:   true,
	}))
	fetcher := newFakeFetcher()
	fetcher.set("https://www.tagesschau.de/xml/rss2", 503, nil)

	runner := NewRunner(RunnerDeps{Runs: stores.Runs})
	stage := NewScrape(runner, Config{Workers: 1, MaxRetries: 2}, 0, stores.Feeds, stores.Articles, fetcher, iduuid.NewGenerator())

	report, err := stage.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Snapshot.Failed)
	require.Equal(t, 3, fetcher.count("https://www.tagesschau.de/xml/rss2"),
		"server trouble is retried until attempts run out")
}

func TestScrapeDryRunFetchesNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stores := memory.NewStores()
	require.NoError(t, stores.Feeds.Upsert(ctx, pipeline.Feed{
		URL:      "https://www.tagesschau.de/xml/rss2",
		Domain:   "tagesschau.de",
		Strategy: pipeline.StrategyDailyUpdates,
		Active:   true,
	}))
	fetcher := newFakeFetcher()

	runner := NewRunner(RunnerDeps{Runs: stores.Runs})
	stage := NewScrape(runner, Config{DryRun: true}, 0, stores.Feeds, stores.Articles, fetcher, iduuid.NewGenerator())

	report, err := stage.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Snapshot.Total)
	require.Zero(t, fetcher.total())

	stats, err := stores.Articles.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Articles)
}

// rssWithDates renders a small RSS channel with two fresh items and one
// outside the scrape window.
func rssWithDates(now time.Time) string {
	fresh1 := now.Add(-2 * time.Hour).Format(time.RFC1123Z)
	fresh2 := now.Add(-3 * time.Hour).Format(time.RFC1123Z)
	stale := now.Add(-30 * time.Hour).Format(time.RFC1123Z)
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>tagesschau.de</title>
    <item>
      <title>Bundestag beschließt Haushalt</title>
      <link>https://www.tagesschau.de/inland/haushalt-100.html</link>
      <description>Der Bundestag hat den Haushalt beschlossen.</description>
      <pubDate>%s</pubDate>
    </item>
    <item>
      <title>Neue Regeln für Bahnreisende</title>
      <link>https://www.tagesschau.de/wirtschaft/bahn-102.html</link>
      <description>Die Bahn führt neue Regeln ein.</description>
      <pubDate>%s</pubDate>
    </item>
    <item>
      <title>Altmeldung von vorgestern</title>
      <link>https://www.tagesschau.de/inland/alt-100.html</link>
      <pubDate>%s</pubDate>
    </item>
  </channel>
</rss>`, fresh1, fresh2, stale)
}

const dwAtomDoc = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Langsam gesprochene Nachrichten</title>
  <entry>
    <title>Nachrichten vom Vorjahr</title>
    <link rel="alternate" href="https://www.dw.com/de/nachrichten-vorjahr/a-1"/>
    <summary>Langsam gesprochene Nachrichten für Deutschlerner.</summary>
    <published>2024-01-05T06:30:00+01:00</published>
  </entry>
</feed>`

// fakeFetcher serves canned responses by URL and records every call.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]pipeline.FetchResponse
	errs      map[string]error
	calls     []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: make(map[string]pipeline.FetchResponse),
		errs:      make(map[string]error),
	}
}

func (f *fakeFetcher) set(url string, status int, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = pipeline.FetchResponse{URL: url, StatusCode: status, Body: body}
}

func (f *fakeFetcher) fail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[url] = err
}

func (f *fakeFetcher) Fetch(_ context.Context, req pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.URL)
	if err, ok := f.errs[req.URL]; ok {
		return pipeline.FetchResponse{}, err
	}
	if resp, ok := f.responses[req.URL]; ok {
		return resp, nil
	}
	return pipeline.FetchResponse{URL: req.URL, StatusCode: 404}, nil
}

func (f *fakeFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.calls {
		if call == url {
			n++
		}
	}
	return n
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
