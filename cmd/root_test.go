package cmd

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lernfeed/lernfeed/internal/app"
	"github.com/lernfeed/lernfeed/internal/batch"
	"github.com/lernfeed/lernfeed/internal/config"
	"github.com/lernfeed/lernfeed/internal/pipeline"
	"github.com/lernfeed/lernfeed/internal/stages"
	memorystorage "github.com/lernfeed/lernfeed/internal/storage/memory"
)

// fakeApp satisfies App without touching a database, broker, or network.
// It records what the commands asked for so tests can assert on it.
type fakeApp struct {
	cfg      config.Config
	stores   app.Stores
	stageCfg stages.Config
	report   *batch.Report
	runErr   error
	syncN    int
	syncErr  error

	gotStage string
	gotCfg   stages.Config
	served   bool
	closed   bool
}

func (f *fakeApp) Config() config.Config { return f.cfg }
func (f *fakeApp) Logger() *zap.Logger   { return zap.NewNop() }
func (f *fakeApp) Stores() app.Stores    { return f.stores }

func (f *fakeApp) StageConfig(_ string) (stages.Config, error) {
	return f.stageCfg, nil
}

func (f *fakeApp) RunStage(_ context.Context, name string, cfg stages.Config) (*batch.Report, error) {
	f.gotStage = name
	f.gotCfg = cfg
	if f.runErr != nil {
		return nil, f.runErr
	}
	if f.report != nil {
		return f.report, nil
	}
	return &batch.Report{State: batch.StateCompleted}, nil
}

func (f *fakeApp) SyncFeeds(context.Context) (int, error) {
	if f.syncErr != nil {
		return 0, f.syncErr
	}
	return f.syncN, nil
}

func (f *fakeApp) Run(context.Context) error {
	f.served = true
	return nil
}

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

// runCommand executes the CLI against the fake and captures its output.
// It swaps the application factory, so tests here must stay sequential.
func runCommand(t *testing.T, a App, args ...string) (string, error) {
	t.Helper()

	orig := newApp
	newApp = func(context.Context, string) (App, error) { return a, nil }
	t.Cleanup(func() { newApp = orig })

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestStageCommandFlagOverrides(t *testing.T) {
	fake := &fakeApp{
		stageCfg: stages.Config{Limit: 25, Workers: 4, Budget: 1.5},
		report: &batch.Report{
			RunID: uuid.New(),
			State: batch.StateCompleted,
			Snapshot: batch.Snapshot{
				Total:     5,
				Processed: 5,
				Succeeded: 4,
				Failed:    1,
				Cost:      0.1,
				Elapsed:   1500 * time.Millisecond,
			},
		},
	}

	out, err := runCommand(t, fake, "analyze", "--limit", "5", "--budget", "0.25", "--sample", "3")
	require.NoError(t, err)

	require.Equal(t, "analyze", fake.gotStage)
	require.Equal(t, 5, fake.gotCfg.Limit)
	require.Equal(t, 0.25, fake.gotCfg.Budget)
	require.Equal(t, 4, fake.gotCfg.Workers, "unset flag keeps the configured value")
	require.Equal(t, batch.OrderStratified, fake.gotCfg.Ordering)
	require.Equal(t, 3, fake.gotCfg.SampleSize)
	require.False(t, fake.gotCfg.DryRun)

	require.Contains(t, out, "analyze completed")
	require.Contains(t, out, "succeeded=4")
	require.Contains(t, out, "cost=$0.1000")
	require.True(t, fake.closed, "post-run hook closes the app")
}

func TestStageCommandKeepsConfiguredKnobs(t *testing.T) {
	configured := stages.Config{
		Limit:      100,
		Workers:    8,
		Budget:     2,
		SampleSize: 10,
	}
	fake := &fakeApp{stageCfg: configured}

	_, err := runCommand(t, fake, "content")
	require.NoError(t, err)
	require.Equal(t, "content", fake.gotStage)
	require.Equal(t, configured, fake.gotCfg)
}

func TestStageCommandDryRun(t *testing.T) {
	fake := &fakeApp{
		report: &batch.Report{
			State:    batch.StateCompleted,
			Snapshot: batch.Snapshot{Total: 7},
		},
	}

	out, err := runCommand(t, fake, "scrape", "--dry-run")
	require.NoError(t, err)
	require.True(t, fake.gotCfg.DryRun)
	require.Contains(t, out, "scrape dry run: 7 candidates planned")
}

func TestStageCommandRunError(t *testing.T) {
	fake := &fakeApp{runErr: errors.New("store unavailable")}

	_, err := runCommand(t, fake, "clean")
	require.ErrorContains(t, err, "run clean")
	require.ErrorContains(t, err, "store unavailable")
	require.True(t, fake.closed, "app is closed even when the run fails")
}

func TestFeedsSyncCommand(t *testing.T) {
	fake := &fakeApp{syncN: 13}

	out, err := runCommand(t, fake, "feeds", "sync")
	require.NoError(t, err)
	require.Contains(t, out, "synced 13 feeds")
}

func TestFeedsListCommand(t *testing.T) {
	stores := memorystorage.NewStores()
	ctx := context.Background()
	require.NoError(t, stores.Feeds.Upsert(ctx, pipeline.Feed{
		URL:      "https://www.tagesschau.de/xml/rss2/",
		Domain:   "www.tagesschau.de",
		Category: "news_mainstream",
		Strategy: pipeline.StrategyDailyUpdates,
		Priority: 2,
		Active:   true,
		AddedAt:  time.Now(),
	}))
	fake := &fakeApp{stores: app.Stores{Feeds: stores.Feeds}}

	out, err := runCommand(t, fake, "feeds", "list")
	require.NoError(t, err)
	require.Contains(t, out, "www.tagesschau.de")
	require.Contains(t, out, "daily_updates")
}

func TestFeedsListCommandEmpty(t *testing.T) {
	stores := memorystorage.NewStores()
	fake := &fakeApp{stores: app.Stores{Feeds: stores.Feeds}}

	out, err := runCommand(t, fake, "feeds", "list")
	require.NoError(t, err)
	require.Contains(t, out, "No active feeds")
}

func TestStatsCommand(t *testing.T) {
	stores := memorystorage.NewStores()
	fake := &fakeApp{stores: app.Stores{Articles: stores.Articles}}

	out, err := runCommand(t, fake, "stats")
	require.NoError(t, err)
	require.Contains(t, out, "Articles")
	require.Contains(t, out, "Model spend (USD)")
}

func TestServeCommand(t *testing.T) {
	fake := &fakeApp{}

	_, err := runCommand(t, fake, "serve")
	require.NoError(t, err)
	require.True(t, fake.served)
	require.True(t, fake.closed)
}

func TestFactoryFailureSurfaces(t *testing.T) {
	orig := newApp
	newApp = func(context.Context, string) (App, error) {
		return nil, errors.New("bad dsn")
	}
	t.Cleanup(func() { newApp = orig })

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"stats"})

	err := root.Execute()
	require.ErrorContains(t, err, "failed to initialize application services")
	require.ErrorContains(t, err, "bad dsn")
}

func TestConfigFlagReachesFactory(t *testing.T) {
	var gotPath string
	orig := newApp
	newApp = func(_ context.Context, path string) (App, error) {
		gotPath = path
		return &fakeApp{}, nil
	}
	t.Cleanup(func() { newApp = orig })

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"feeds", "sync", "--config", "/etc/lernfeed/config.yaml"})

	require.NoError(t, root.Execute())
	require.Equal(t, "/etc/lernfeed/config.yaml", gotPath)
}

func TestResolveAppMissing(t *testing.T) {
	_, err := resolveApp(context.Background())
	require.ErrorContains(t, err, "application services not initialized")
}

func TestCounterRowsOrdering(t *testing.T) {
	rows := counterRows(map[string]int64{
		"www.geo.de":        2,
		"www.tagesschau.de": 9,
		"www.chefkoch.de":   2,
		"www.spiegel.de":    5,
	})

	require.Equal(t, [][]string{
		{"www.tagesschau.de", "9"},
		{"www.spiegel.de", "5"},
		{"www.chefkoch.de", "2"},
		{"www.geo.de", "2"},
	}, rows)
}
