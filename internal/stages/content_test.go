package stages

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lernfeed/lernfeed/internal/batch"
	"github.com/lernfeed/lernfeed/internal/extract"
	"github.com/lernfeed/lernfeed/internal/fetcher/detector"
	"github.com/lernfeed/lernfeed/internal/hash/sha256"
	"github.com/lernfeed/lernfeed/internal/pipeline"
	"github.com/lernfeed/lernfeed/internal/storage/memory"
)

const articlePageHTML = `<!DOCTYPE html>
<html>
<head><title>Haushalt</title><script>var tracker = true;</script></head>
<body>
  <nav><a href="/">Startseite</a></nav>
  <article>
    <h1>Bundestag beschließt Haushalt</h1>
    <p>Der Bundestag hat am Freitag den Haushalt für das kommende Jahr beschlossen. Die Abgeordneten stimmten nach langer Debatte mehrheitlich für den Entwurf der Regierung.</p>
    <p>Die Opposition kritisierte die geplanten Ausgaben scharf und kündigte eine Klage vor dem Bundesverfassungsgericht an.</p>
  </article>
  <footer>Impressum und Datenschutz</footer>
</body>
</html>`

const thinPageHTML = `<!DOCTYPE html>
<html><body><div id="app"><p>Inhalt wird geladen, bitte warten.</p></div></body></html>`

const renderedPageHTML = `<!DOCTYPE html>
<html>
<body>
  <article>
    <h1>Bundestag beschließt Haushalt</h1>
    <p>Der Bundestag hat am Freitag den Haushalt für das kommende Jahr beschlossen, nachdem die Seite ihren Inhalt erst im Browser nachgeladen hatte.</p>
    <p>Die Opposition kritisierte die geplanten Ausgaben scharf und kündigte eine Klage vor dem Bundesverfassungsgericht an.</p>
  </article>
</body>
</html>`

func seedArticle(t *testing.T, stores *memory.Stores, url string) pipeline.Article {
	t.Helper()
	article := pipeline.Article{
		ID:         uuid.New(),
		URL:        url,
		Title:      "Bundestag beschließt Haushalt",
		SourceFeed: "https://www.tagesschau.de/xml/rss2",
		Domain:     "tagesschau.de",
	}
	require.NoError(t, stores.Articles.SaveNew(context.Background(), article))
	return article
}

func TestContentExtractsArchivesAndUpdates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stores := memory.NewStores()
	blobs := memory.NewBlobStore()
	article := seedArticle(t, stores, "https://www.tagesschau.de/inland/haushalt-100.html")

	fetcher := newFakeFetcher()
	fetcher.set(article.URL, 200, []byte(articlePageHTML))

	runner := NewRunner(RunnerDeps{Runs: stores.Runs})
	stage := NewContent(runner, Config{Workers: 1}, 100, stores.Articles, blobs,
		sha256.New(), fetcher, nil, nil, extract.NewSelectorExtractor(extract.Config{}))

	report, err := stage.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, batch.StateCompleted, report.State)
	require.Equal(t, 1, report.Snapshot.Succeeded)
	require.InDelta(t, float64(len(articlePageHTML)), report.Snapshot.Cost, 0.5)

	got, err := stores.Articles.Get(ctx, article.ID)
	require.NoError(t, err)
	require.True(t, got.ContentFetched)
	require.Contains(t, got.Content, "Der Bundestag hat am Freitag den Haushalt")
	require.Contains(t, got.Content, "\n\n", "paragraphs stay separated")
	require.NotContains(t, got.Content, "Startseite")
	require.NotContains(t, got.Content, "Impressum")

	digest, err := sha256.New().Hash([]byte(articlePageHTML))
	require.NoError(t, err)
	require.Equal(t, "memory://raw/tagesschau.de/"+digest+".html", got.RawRef)
	raw, ok := blobs.Object("raw/tagesschau.de/" + digest + ".html")
	require.True(t, ok, "raw html is archived")
	require.Equal(t, articlePageHTML, string(raw))

	again, err := stage.Run(ctx)
	require.NoError(t, err)
	require.Zero(t, again.Snapshot.Total, "fetched articles drop out of the candidate list")
}

func TestContentHeadlessFallbackWinsWhenLonger(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stores := memory.NewStores()
	blobs := memory.NewBlobStore()
	article := seedArticle(t, stores, "https://www.tagesschau.de/inland/spa-100.html")

	static := newFakeFetcher()
	static.set(article.URL, 200, []byte(thinPageHTML))
	headless := newFakeFetcher()
	headless.set(article.URL, 200, []byte(renderedPageHTML))

	runner := NewRunner(RunnerDeps{Runs: stores.Runs})
	stage := NewContent(runner, Config{Workers: 1}, 100, stores.Articles, blobs,
		sha256.New(), static, headless, nil, extract.NewSelectorExtractor(extract.Config{}))

	report, err := stage.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Snapshot.Succeeded)
	require.InDelta(t, float64(len(thinPageHTML)+len(renderedPageHTML)), report.Snapshot.Cost, 0.5,
		"both fetches are paid for")
	require.Equal(t, 1, headless.count(article.URL))

	got, err := stores.Articles.Get(ctx, article.ID)
	require.NoError(t, err)
	require.Contains(t, got.Content, "erst im Browser nachgeladen")

	renderedDigest, err := sha256.New().Hash([]byte(renderedPageHTML))
	require.NoError(t, err)
	require.Equal(t, "memory://raw/tagesschau.de/"+renderedDigest+".html", got.RawRef,
		"the winning rendition is the one referenced")

	staticDigest, err := sha256.New().Hash([]byte(thinPageHTML))
	require.NoError(t, err)
	_, ok := blobs.Object("raw/tagesschau.de/" + staticDigest + ".html")
	require.True(t, ok, "the static page was archived before extraction was judged")
}

func TestContentThinPageFailsWithoutHeadless(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stores := memory.NewStores()
	blobs := memory.NewBlobStore()
	article := seedArticle(t, stores, "https://www.tagesschau.de/inland/duenn-100.html")

	fetcher := newFakeFetcher()
	fetcher.set(article.URL, 200, []byte(thinPageHTML))

	runner := NewRunner(RunnerDeps{Runs: stores.Runs})
	stage := NewContent(runner, Config{Workers: 1, MaxRetries: 2}, 100, stores.Articles, blobs,
		sha256.New(), fetcher, nil, nil, extract.NewSelectorExtractor(extract.Config{}))

	report, err := stage.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Snapshot.Failed)
	require.Equal(t, []string{article.ID.String()}, report.FailedIDs)
	require.Equal(t, 1, fetcher.count(article.URL), "a persistently thin page is not refetched")

	got, err := stores.Articles.Get(ctx, article.ID)
	require.NoError(t, err)
	require.False(t, got.ContentFetched)

	digest, err := sha256.New().Hash([]byte(thinPageHTML))
	require.NoError(t, err)
	_, ok := blobs.Object("raw/tagesschau.de/" + digest + ".html")
	require.True(t, ok, "even a rejected page leaves its raw archive behind")
}

func TestContentHeadlessErrorKeepsStaticFloor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stores := memory.NewStores()
	article := seedArticle(t, stores, "https://www.tagesschau.de/inland/kaputt-100.html")

	static := newFakeFetcher()
	static.set(article.URL, 200, []byte(thinPageHTML))
	headless := newFakeFetcher()
	headless.fail(article.URL, errors.New("browser pool exhausted"))

	runner := NewRunner(RunnerDeps{Runs: stores.Runs})
	stage := NewContent(runner, Config{Workers: 1}, 100, stores.Articles, memory.NewBlobStore(),
		sha256.New(), static, headless, nil, extract.NewSelectorExtractor(extract.Config{}))

	report, err := stage.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Snapshot.Failed, "a broken fallback does not rescue a thin page")
	require.Equal(t, 1, headless.count(article.URL))

	got, err := stores.Articles.Get(ctx, article.ID)
	require.NoError(t, err)
	require.False(t, got.ContentFetched)
	require.Empty(t, got.Content)
}

func TestContentRenderGateSkipsPlainShortPages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stores := memory.NewStores()
	article := seedArticle(t, stores, "https://www.tagesschau.de/inland/kurz-100.html")

	static := newFakeFetcher()
	static.set(article.URL, 200, []byte("<html><body><p>Kurzmeldung ohne weiteren Inhalt.</p></body></html>"))
	headless := newFakeFetcher()
	headless.set(article.URL, 200, []byte(renderedPageHTML))

	runner := NewRunner(RunnerDeps{Runs: stores.Runs})
	stage := NewContent(runner, Config{Workers: 1, MaxRetries: 2}, 100, stores.Articles, memory.NewBlobStore(),
		sha256.New(), static, headless, detector.NewHeuristic(2048), extract.NewSelectorExtractor(extract.Config{}))

	report, err := stage.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Snapshot.Failed)
	require.Zero(t, headless.total(), "plain short prose does not justify a browser")
	require.Equal(t, 1, static.count(article.URL))
}

func TestContentRenderGatePromotesAppShell(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stores := memory.NewStores()
	article := seedArticle(t, stores, "https://www.tagesschau.de/inland/shell-100.html")

	static := newFakeFetcher()
	static.set(article.URL, 200, []byte(thinPageHTML))
	headless := newFakeFetcher()
	headless.set(article.URL, 200, []byte(renderedPageHTML))

	runner := NewRunner(RunnerDeps{Runs: stores.Runs})
	stage := NewContent(runner, Config{Workers: 1}, 100, stores.Articles, memory.NewBlobStore(),
		sha256.New(), static, headless, detector.NewHeuristic(2048), extract.NewSelectorExtractor(extract.Config{}))

	report, err := stage.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Snapshot.Succeeded)
	require.Equal(t, 1, headless.count(article.URL), "the app shell marker promotes a render")

	got, err := stores.Articles.Get(ctx, article.ID)
	require.NoError(t, err)
	require.Contains(t, got.Content, "erst im Browser nachgeladen")
}

func TestContentExtractorPrefersDomainSelectors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stores := memory.NewStores()
	article := seedArticle(t, stores, "https://www.tagesschau.de/inland/selektor-100.html")

	// The generic body markup would match div.content first; the per-domain
	// table must steer extraction into the article element.
	page := strings.Replace(articlePageHTML,
		"<nav><a href=\"/\">Startseite</a></nav>",
		"<div class=\"content\"><p>Hier steht nur Navigation und sonst gar nichts Brauchbares drin.</p></div>", 1)
	fetcher := newFakeFetcher()
	fetcher.set(article.URL, 200, []byte(page))

	runner := NewRunner(RunnerDeps{Runs: stores.Runs})
	stage := NewContent(runner, Config{Workers: 1}, 100, stores.Articles, memory.NewBlobStore(),
		sha256.New(), fetcher, nil, nil, extract.NewSelectorExtractor(extract.Config{}))

	_, err := stage.Run(ctx)
	require.NoError(t, err)

	got, err := stores.Articles.Get(ctx, article.ID)
	require.NoError(t, err)
	require.Contains(t, got.Content, "Der Bundestag hat am Freitag")
	require.NotContains(t, got.Content, "nur Navigation")
}
