package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lernfeed/lernfeed/internal/batch"
)

// stageNames lists the pipeline stages in execution order.
var stageNames = []string{"scrape", "content", "analyze", "clean", "enhance"}

var stageShort = map[string]string{
	"scrape":  "Discover new articles from the active feeds",
	"content": "Fetch article pages and extract their text",
	"analyze": "Grade article difficulty with the model",
	"clean":   "Simplify article prose for learners",
	"enhance": "Generate vocabulary and quiz material",
}

// newStageCmd builds the command for one pipeline stage. Flags override
// the configured engine knobs for this invocation only; unset flags keep
// the config file values.
func newStageCmd(name string) *cobra.Command {
	var (
		limit   int
		budget  float64
		workers int
		sample  int
		dryRun  bool
	)

	cmd := &cobra.Command{
		Use:   name,
		Short: stageShort[name],
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			sc, err := appInstance.StageConfig(name)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("limit") {
				sc.Limit = limit
			}
			if cmd.Flags().Changed("budget") {
				sc.Budget = budget
			}
			if cmd.Flags().Changed("workers") {
				sc.Workers = workers
			}
			if cmd.Flags().Changed("sample") {
				sc.Ordering = batch.OrderStratified
				sc.SampleSize = sample
			}
			sc.DryRun = dryRun

			report, err := appInstance.RunStage(cmd.Context(), name, sc)
			if err != nil {
				return fmt.Errorf("run %s: %w", name, err)
			}
			printReport(cmd, name, report, dryRun)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "cap on candidates pulled from the store")
	cmd.Flags().Float64Var(&budget, "budget", 0, "spend ceiling (USD for model stages, bytes for fetch stages)")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent workers")
	cmd.Flags().IntVar(&sample, "sample", 0, "per-domain cap; switches ordering to a stratified sample")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "order the candidates and print the plan without executing")

	return cmd
}

// printReport writes a one-line run summary to the command's stdout.
func printReport(cmd *cobra.Command, name string, report *batch.Report, dry bool) {
	out := cmd.OutOrStdout()
	snap := report.Snapshot
	if dry {
		fmt.Fprintf(out, "%s dry run: %d candidates planned\n", name, snap.Total)
		return
	}
	fmt.Fprintf(out,
		"%s %s: run=%s processed=%d/%d succeeded=%d failed=%d skipped=%d budget_cut=%d cost=$%.4f elapsed=%s\n",
		name, report.State, report.RunID,
		snap.Processed, snap.Total, snap.Succeeded, snap.Failed,
		snap.SkippedExisting, snap.SkippedBudget, snap.Cost,
		snap.Elapsed.Round(time.Millisecond))
}
