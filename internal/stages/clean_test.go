package stages

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lernfeed/lernfeed/internal/batch"
	"github.com/lernfeed/lernfeed/internal/pipeline"
	"github.com/lernfeed/lernfeed/internal/storage/memory"
)

const cleanedReply = `Der Bundestag hat den Haushalt für das kommende Jahr beschlossen.

Die Opposition kündigte eine Klage vor dem Bundesverfassungsgericht an.`

// seedUncleaned stores an analyzed article awaiting the cleaning stage.
func seedUncleaned(t *testing.T, stores *memory.Stores, url string) pipeline.Article {
	t.Helper()
	article := seedAnalyzable(t, stores, url)
	require.NoError(t, stores.Analyses.Insert(context.Background(), pipeline.Analysis{
		ArticleID: article.ID,
		Level:     "B2",
		Topics:    []string{"politik", "wirtschaft"},
		Summary:   "Der Bundestag hat den Haushalt beschlossen.",
	}))
	return article
}

func TestCleanRewritesAnalyzedArticles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stores := memory.NewStores()
	article := seedUncleaned(t, stores, "https://www.tagesschau.de/inland/haushalt-100.html")

	completer := newFakeCompleter()
	completer.reply("\n" + cleanedReply + "\n\n")

	runner := NewRunner(RunnerDeps{Runs: stores.Runs})
	stage := NewClean(runner, Config{Workers: 1}, stores.Articles, stores.Analyses, stores.Cleaned, completer)

	report, err := stage.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, batch.StateCompleted, report.State)
	require.Equal(t, 1, report.Snapshot.Succeeded)

	cleaned, err := stores.Cleaned.Get(ctx, article.ID)
	require.NoError(t, err)
	require.Equal(t, cleanedReply, cleaned.Content, "model output is stored trimmed")
	require.Equal(t, "llama-3.3-70b-versatile", cleaned.Model)
	require.EqualValues(t, 1000, cleaned.Tokens)
	require.InDelta(t, 0.01, cleaned.CostUSD, 1e-9)

	req := completer.requestAt(t, 0)
	require.False(t, req.JSONMode, "cleaning returns prose, not JSON")
	require.Equal(t, cleanMaxTokens, req.MaxTokens)
	require.InDelta(t, cleanTemperature, req.Temperature, 1e-9)
	require.Contains(t, req.System, "professional content editor")
	require.Contains(t, req.User, "B2 level")
	require.Contains(t, req.User, "politik, wirtschaft")
	require.Contains(t, req.User, article.Title)

	again, err := stage.Run(ctx)
	require.NoError(t, err)
	require.Zero(t, again.Snapshot.Total, "cleaned articles drop out of the candidate list")
}

func TestCleanFallsBackWithoutAnalysisRow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stores := memory.NewStores()
	article := seedAnalyzable(t, stores, "https://www.tagesschau.de/inland/ohne-100.html")

	completer := newFakeCompleter()
	completer.reply(cleanedReply)

	runner := NewRunner(RunnerDeps{Runs: stores.Runs})
	stage := NewClean(runner, Config{Workers: 1}, stores.Articles, stores.Analyses, stores.Cleaned, completer)

	payload, cost, err := stage.work(ctx, batch.Item{
		ID:        article.ID.String(),
		Partition: article.Domain,
		Payload:   article,
	})
	require.NoError(t, err)
	require.InDelta(t, 0.01, cost.Amount, 1e-9)
	require.IsType(t, pipeline.CleanedArticle{}, payload)

	req := completer.requestAt(t, 0)
	require.Contains(t, req.User, "B1 level", "missing analysis falls back to the default level")
	require.Contains(t, req.User, "general")
}

func TestCleanShortReplyRetries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stores := memory.NewStores()
	article := seedUncleaned(t, stores, "https://www.tagesschau.de/inland/kurz-100.html")

	completer := newFakeCompleter()
	completer.reply("Zu kurz.")
	completer.reply(cleanedReply)

	runner := NewRunner(RunnerDeps{Runs: stores.Runs})
	stage := NewClean(runner, Config{Workers: 1, MaxRetries: 1}, stores.Articles, stores.Analyses, stores.Cleaned, completer)

	report, err := stage.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Snapshot.Succeeded)
	require.Equal(t, 2, completer.count(), "a truncated rewrite earns a second attempt")

	cleaned, err := stores.Cleaned.Get(ctx, article.ID)
	require.NoError(t, err)
	require.Equal(t, cleanedReply, cleaned.Content)
}

func TestCleanPermanentModelErrorFailsFast(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	stores := memory.NewStores()
	seedUncleaned(t, stores, "https://www.tagesschau.de/inland/abgelehnt-100.html")

	completer := newFakeCompleter()
	completer.fail(batch.Permanent(errors.New("model decommissioned")))

	runner := NewRunner(RunnerDeps{Runs: stores.Runs})
	stage := NewClean(runner, Config{Workers: 1, MaxRetries: 3}, stores.Articles, stores.Analyses, stores.Cleaned, completer)

	report, err := stage.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Snapshot.Failed)
	require.Equal(t, 1, completer.count(), "the client's permanence verdict is final")
}
