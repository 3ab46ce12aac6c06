package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"adsets/internal/ingest"
)

var ingestMerge bool

var ingestCmd = &cobra.Command{
	Use:   "ingest <file|->",
	Short: "Cluster a batch of scraped ads",
	Long: `Read scraped ad records and assign each ad to an ad set.

The input is either a JSON array of ad records or newline-delimited JSON,
read from a file or from stdin when the argument is "-". Each record is
validated before it is clustered; invalid records are reported and skipped.

For every ad the ingest will:
1. Compute a content signature from its primary image or video frame
2. Attach it to the set with the same signature, if there is one
3. Otherwise verify the best candidate sets with a media comparison
4. Create a new set when no candidate matches

Example:
  adsets ingest ads.ndjson
  scraper --format ndjson | adsets ingest -
  adsets ingest ads.json --merge --workers 16`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestMerge, "merge", false, "Run a merge pass after the batch")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var in io.Reader = os.Stdin
	source := "stdin"
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		in = f
		source = args[0]
	}

	ads, recordErrs, err := ingest.Decode(in)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", source, err)
	}
	for _, re := range recordErrs {
		fmt.Fprintf(os.Stderr, "Skipped %v\n", re)
	}

	fmt.Printf("Input: %s\n", source)
	fmt.Printf("Records: %d valid, %d skipped\n", len(ads), len(recordErrs))
	fmt.Printf("Workers: %d\n\n", cfg.Workers)

	if len(ads) == 0 {
		fmt.Println("No ads to cluster.")
		return nil
	}

	engine, store, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	lastLine := ""
	clearLine := func() {
		if lastLine != "" {
			fmt.Print("\r" + strings.Repeat(" ", len(lastLine)) + "\r")
		}
	}
	p := ingest.NewPipeline(engine,
		ingest.WithWorkers(cfg.Workers),
		ingest.WithTimeout(cfg.AdTimeout),
		ingest.WithLogger(logger),
		ingest.WithProgress(func(done, total int, archiveID string) {
			clearLine()
			lastLine = fmt.Sprintf("Progress: %d/%d  %s", done, total, archiveID)
			fmt.Print(lastLine)
		}),
	)

	summary, runErr := p.Run(ctx, ads)
	clearLine()

	fmt.Println("=== Ingest Complete ===")
	fmt.Printf("Ads processed:  %d/%d\n", len(summary.Results)+summary.Failed, summary.Total)
	fmt.Printf("Sets created:   %d\n", summary.Created)
	fmt.Printf("Attached:       %d\n", summary.Attached)
	fmt.Printf("Re-observed:    %d\n", summary.Updated)
	if summary.Failed > 0 {
		fmt.Printf("Failed:         %d\n", summary.Failed)
	}
	fmt.Printf("Duration:       %s\n", summary.Duration.Round(time.Millisecond))

	if runErr != nil {
		return fmt.Errorf("ingest stopped: %w", runErr)
	}

	if ingestMerge {
		fmt.Println()
		report, err := engine.MergePass(ctx)
		if err != nil {
			return fmt.Errorf("merge pass failed: %w", err)
		}
		printMergeReport(report)
	}

	sets, stored, err := store.Stats(ctx)
	if err == nil {
		fmt.Printf("\nStore now holds %d ads in %d sets\n", stored, sets)
	}
	fmt.Println("Run 'adsets list' to see ad sets")
	return nil
}
