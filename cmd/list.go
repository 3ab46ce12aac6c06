package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"adsets/internal/models"
)

var (
	listJSON    bool
	listVerbose bool
	listSummary bool
	listRuns    bool
	listLimit   int
	listOffset  int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List ad sets",
	Long: `Display ad sets, largest first.

Each set shows:
- Set ID and number of variants
- The date range its ads ran over
- The representative ad, marked with ✓
- Its content signature

Example:
  adsets list              # Show first 10 sets (default)
  adsets list -n 0         # Show all sets
  adsets list -s           # Summary view (compact)
  adsets list -v           # Include every member ad
  adsets list --offset 10  # Sets 11-20
  adsets list --runs       # Recent merge passes`,
	RunE: runList,
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output in JSON format")
	listCmd.Flags().BoolVarP(&listVerbose, "verbose", "v", false, "Show member ads")
	listCmd.Flags().BoolVarP(&listSummary, "summary", "s", false, "Show summary only (one line per set)")
	listCmd.Flags().BoolVar(&listRuns, "runs", false, "Show recent merge passes instead of sets")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 10, "Limit number of sets to display (0 = all)")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "Skip first N sets (for pagination)")
	rootCmd.AddCommand(listCmd)
}

type listedSet struct {
	*models.Cluster
	Members []*models.Ad `json:"members,omitempty"`
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, _, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if listRuns {
		return printRuns(cmd, store)
	}

	sets, err := store.ListClusters(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sets: %w", err)
	}

	if len(sets) == 0 {
		if listJSON {
			fmt.Println("[]")
			return nil
		}
		fmt.Println("No ad sets found.")
		fmt.Println("Run 'adsets ingest <file>' to cluster ads.")
		return nil
	}

	sort.SliceStable(sets, func(i, j int) bool {
		if sets[i].VariantCount != sets[j].VariantCount {
			return sets[i].VariantCount > sets[j].VariantCount
		}
		return sets[i].ID < sets[j].ID
	})

	// Apply pagination
	totalSets := len(sets)
	startIdx := listOffset
	if startIdx > len(sets) {
		startIdx = len(sets)
	}
	sets = sets[startIdx:]

	if listLimit > 0 && listLimit < len(sets) {
		sets = sets[:listLimit]
	}

	listed := make([]listedSet, 0, len(sets))
	for _, c := range sets {
		ls := listedSet{Cluster: c}
		if listVerbose {
			members, err := store.ListMembers(ctx, c.ID)
			if err != nil {
				return fmt.Errorf("failed to list members of set %d: %w", c.ID, err)
			}
			ls.Members = members
		}
		listed = append(listed, ls)
	}

	if listJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(listed)
	}

	totalAds := 0
	if _, n, err := store.Stats(ctx); err == nil {
		totalAds = n
	}
	fmt.Printf("Found %d ad sets (%d ads)\n\n", totalSets, totalAds)

	// Display sets
	if len(listed) == 0 {
		fmt.Printf("No sets in range (offset %d exceeds total %d)\n", listOffset, totalSets)
	} else if listSummary {
		printSummaryTable(listed)
	} else {
		for _, ls := range listed {
			printSet(ls)
		}
	}

	// Show pagination info
	endIdx := startIdx + len(listed)
	if len(listed) > 0 {
		fmt.Printf("Showing sets %d-%d of %d\n", startIdx+1, endIdx, totalSets)
		if endIdx < totalSets {
			limitArg := ""
			if listLimit > 0 {
				limitArg = fmt.Sprintf(" -n %d", listLimit)
			}
			fmt.Printf("Next page: adsets list%s --offset %d\n", limitArg, endIdx)
		}
	}

	fmt.Println()
	fmt.Println("Run 'adsets merge --dry-run' to preview sets that would be merged")

	return nil
}

func printSummaryTable(sets []listedSet) {
	fmt.Printf("%-8s  %-8s  %-23s  %s\n", "Set", "Variants", "Running", "Representative")
	fmt.Println(strings.Repeat("-", 70))

	for _, ls := range sets {
		fmt.Printf("#%-7d  %-8d  %-23s  %s\n",
			ls.ID, ls.VariantCount, formatRange(ls.FirstSeen, ls.LastSeen), shorten(ls.RepresentativeAdID, 28))
	}
	fmt.Println()
}

func printSet(ls listedSet) {
	fmt.Printf("Set #%d (%d variants)\n", ls.ID, ls.VariantCount)
	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("  Running:        %s\n", formatRange(ls.FirstSeen, ls.LastSeen))
	fmt.Printf("  Representative: %s\n", ls.RepresentativeAdID)
	fmt.Printf("  Signature:      %s\n", ls.ContentSignature)

	for _, ad := range ls.Members {
		marker := " "
		if ad.ArchiveID == ls.RepresentativeAdID {
			marker = "✓"
		}
		url := ""
		if m, ok := primaryURL(ad); ok {
			url = shorten(m, 50)
		}
		fmt.Printf("  %s %-20s  %-10s  %-8s  %s\n",
			marker, shorten(ad.ArchiveID, 20), formatDate(ad.StartDate), ad.DisplayFormat(), url)
	}
	fmt.Println()
}

func printRuns(cmd *cobra.Command, store appStore) error {
	limit := listLimit
	if limit <= 0 {
		limit = 100
	}
	runs, err := store.ListMergeRuns(cmd.Context(), limit)
	if err != nil {
		return fmt.Errorf("failed to list merge runs: %w", err)
	}
	if listJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	if len(runs) == 0 {
		fmt.Println("No merge passes recorded.")
		return nil
	}

	fmt.Printf("%-36s  %-20s  %6s  %8s  %7s  %6s\n", "Run", "Started", "Sets", "Compared", "Skipped", "Merged")
	fmt.Println(strings.Repeat("-", 94))
	for _, r := range runs {
		merged := fmt.Sprintf("%d", r.Merged)
		if r.DryRun {
			merged = "dry"
		}
		fmt.Printf("%-36s  %-20s  %6d  %8d  %7d  %6s\n",
			r.ID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Clusters, r.Compared, r.Skipped, merged)
	}
	return nil
}

func primaryURL(ad *models.Ad) (string, bool) {
	if ad.PrimaryMedia != nil && ad.PrimaryMedia.URL != "" {
		return ad.PrimaryMedia.URL, true
	}
	for _, m := range ad.PrimaryCreative().Media {
		if m.URL != "" {
			return m.URL, true
		}
	}
	return "", false
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "undated"
	}
	return t.Format("2006-01-02")
}

func formatRange(first, last *time.Time) string {
	if first == nil && last == nil {
		return "undated"
	}
	return formatDate(first) + " .. " + formatDate(last)
}

func shorten(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-(maxLen-3):]
}

func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
