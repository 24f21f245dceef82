package cmd

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lernfeed/lernfeed/internal/pipeline"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show corpus counters and model spend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := appInstance.Stores().Articles.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("load stats: %w", err)
			}
			printStats(cmd, stats)
			return nil
		},
	}
}

func printStats(cmd *cobra.Command, stats pipeline.CorpusStats) {
	stdout := cmd.OutOrStdout()

	rows := [][]string{
		{"Articles", strconv.FormatInt(stats.Articles, 10)},
		{"With content", strconv.FormatInt(stats.WithContent, 10)},
		{"Analyzed", strconv.FormatInt(stats.Analyzed, 10)},
		{"Cleaned", strconv.FormatInt(stats.Cleaned, 10)},
		{"Enhanced", strconv.FormatInt(stats.Enhanced, 10)},
		{"Model spend (USD)", fmt.Sprintf("%.4f", stats.CostUSD)},
	}
	fmt.Fprintln(stdout, renderTable([]string{"Corpus", "Count"}, rows))

	if len(stats.ByLevel) > 0 {
		fmt.Fprintln(stdout, renderTable([]string{"Level", "Articles"}, counterRows(stats.ByLevel)))
	}
	if len(stats.ByDomain) > 0 {
		fmt.Fprintln(stdout, renderTable([]string{"Domain", "Articles"}, counterRows(stats.ByDomain)))
	}
}

// counterRows flattens a counter map into table rows, largest count first
// with ties broken by key so output is stable.
func counterRows(counts map[string]int64) [][]string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})

	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, strconv.FormatInt(counts[k], 10)})
	}
	return rows
}
