package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"adsets/internal/cluster"
)

var (
	mergeDryRun   bool
	mergeInterval time.Duration
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge ad sets that show the same creative",
	Long: `Compare the representatives of ad sets that have not been checked
against each other yet and merge every group of matching sets into its
largest member.

Placement is greedy, so two sets created before either was indexed can
describe the same creative. The merge pass repairs that; pairs found to be
different are remembered and skipped on later runs.

Options:
  --dry-run     Report the sets that would be merged without changing anything
  --interval    Repeat the pass on this interval until interrupted

Example:
  adsets merge --dry-run
  adsets merge
  adsets merge --interval 30m`,
	RunE: runMerge,
}

func init() {
	mergeCmd.Flags().BoolVar(&mergeDryRun, "dry-run", false, "Preview without merging")
	mergeCmd.Flags().DurationVar(&mergeInterval, "interval", 0, "Run periodically on this interval (0 = single pass)")
	rootCmd.AddCommand(mergeCmd)
}

func runMerge(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	interval := cfg.MergeInterval
	if cmd.Flags().Changed("interval") {
		interval = mergeInterval
	}

	engine, store, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	var opts []cluster.MergeOption
	if mergeDryRun {
		opts = append(opts, cluster.DryRun())
	}

	if interval <= 0 {
		report, err := engine.MergePass(ctx, opts...)
		if err != nil {
			return fmt.Errorf("merge pass failed: %w", err)
		}
		printMergeReport(report)
		return nil
	}

	fmt.Printf("Running merge pass every %s (Ctrl+C to stop)\n\n", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report, err := engine.MergePass(ctx, opts...)
		switch {
		case err != nil && ctx.Err() != nil:
			fmt.Println("Stopped.")
			return nil
		case errors.Is(err, cluster.ErrMergeInProgress):
			logger.Warn().Msg("previous merge pass still running, skipping")
		case err != nil:
			return fmt.Errorf("merge pass failed: %w", err)
		default:
			printMergeReport(report)
		}

		select {
		case <-ctx.Done():
			fmt.Println("Stopped.")
			return nil
		case <-ticker.C:
		}
	}
}

func printMergeReport(report cluster.MergeReport) {
	fmt.Println("=== Merge Pass ===")
	fmt.Printf("Run:              %s\n", report.RunID)
	fmt.Printf("Sets:             %d\n", report.Clusters)
	fmt.Printf("Pairs compared:   %d\n", report.Compared)
	fmt.Printf("Pairs skipped:    %d (known distinct)\n", report.Skipped)
	if report.Inconclusive > 0 {
		fmt.Printf("Pairs deferred:   %d (media errors, retried next pass)\n", report.Inconclusive)
	}

	if len(report.Components) == 0 {
		fmt.Println("No sets to merge.")
		return
	}
	for _, ids := range report.Components {
		fmt.Printf("  #%d  <-", ids[0])
		for _, id := range ids[1:] {
			fmt.Printf(" #%d", id)
		}
		fmt.Println()
	}
	if report.DryRun {
		fmt.Println()
		fmt.Println("(Dry run - no sets were merged)")
		fmt.Println("Run without --dry-run to merge them.")
		return
	}
	fmt.Printf("Sets merged:      %d\n", report.Merged)
	fmt.Printf("Duration:         %s\n", report.Duration.Round(time.Millisecond))
}
