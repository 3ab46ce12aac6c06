package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var recomputeCmd = &cobra.Command{
	Use:   "recompute <archive_id>...",
	Short: "Re-run the clustering decision for stored ads",
	Long: `Detach each ad from its set, recompute its signature and place it again.
The set it leaves is refreshed and removed when it becomes empty.

Example:
  adsets recompute 1234567890
  adsets recompute 111 222 333`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRecompute,
}

func init() {
	rootCmd.AddCommand(recomputeCmd)
}

func runRecompute(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	engine, store, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, id := range args {
		res, err := engine.Recompute(ctx, id)
		if err != nil {
			return fmt.Errorf("recompute %s: %w", id, err)
		}
		via := res.Via
		if via == "" {
			via = "new set"
		}
		fmt.Printf("%-20s  %-8s  set #%-6d  via %s\n", res.ArchiveID, res.Outcome, res.ClusterID, via)
	}
	return nil
}
