package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newFeedsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feeds",
		Short: "Manage the RSS source list",
	}
	cmd.AddCommand(newFeedsSyncCmd())
	cmd.AddCommand(newFeedsListCmd())
	return cmd
}

// newFeedsSyncCmd upserts the configured feed list into the store. Run it
// after editing the feeds section so the next scrape sees the changes.
func newFeedsSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Upsert the configured feeds into the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := appInstance.SyncFeeds(cmd.Context())
			if err != nil {
				return fmt.Errorf("sync feeds: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d feeds\n", n)
			return nil
		},
	}
}

func newFeedsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show the active feeds in the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			feeds, err := appInstance.Stores().Feeds.ListActive(cmd.Context())
			if err != nil {
				return fmt.Errorf("list feeds: %w", err)
			}

			stdout := cmd.OutOrStdout()
			if len(feeds) == 0 {
				fmt.Fprintln(stdout, "No active feeds. Run 'lernfeed feeds sync' to load the configured list.")
				return nil
			}

			rows := make([][]string, 0, len(feeds))
			for _, f := range feeds {
				rows = append(rows, []string{
					f.Domain,
					f.Category,
					string(f.Strategy),
					fmt.Sprintf("%d", f.Priority),
				})
			}
			fmt.Fprintln(stdout, renderTable([]string{"Domain", "Category", "Strategy", "Priority"}, rows))
			return nil
		},
	}
}
