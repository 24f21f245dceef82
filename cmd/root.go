// Package cmd implements the lernfeed command line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lernfeed/lernfeed/internal/app"
	"github.com/lernfeed/lernfeed/internal/batch"
	"github.com/lernfeed/lernfeed/internal/config"
	"github.com/lernfeed/lernfeed/internal/stages"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application surface commands run against.
// This allows us to inject a mock app during tests.
type App interface {
	Config() config.Config
	Logger() *zap.Logger
	Stores() app.Stores
	StageConfig(name string) (stages.Config, error)
	RunStage(ctx context.Context, name string, cfg stages.Config) (*batch.Report, error)
	SyncFeeds(ctx context.Context) (int, error)
	Run(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so we can
// replace it with a mock factory in our tests.
var newApp = func(ctx context.Context, path string) (App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lernfeed",
		Short: "Batch pipeline that turns German news into learner material.",
		Long: `lernfeed ingests German news feeds and refines the articles for
language learners in discrete batch stages: scrape discovers articles,
content fetches and extracts their text, analyze grades difficulty,
clean simplifies the prose, and enhance generates study material.
Each stage run is bounded by item limits and a spend budget.`,
		SilenceUsage: true,

		// Runs before every subcommand: build the application once and
		// hand it to the command via its context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}

			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},

		// Shuts services down after the subcommand finishes.
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				_ = appInstance.Close(cmd.Context())
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults plus LERNFEED_* env overrides apply without one)")

	for _, name := range stageNames {
		cmd.AddCommand(newStageCmd(name))
	}
	cmd.AddCommand(newFeedsCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveApp retrieves the App placed in the context by PersistentPreRunE.
func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
