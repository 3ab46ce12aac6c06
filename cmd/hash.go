package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"adsets/internal/hash"
)

var hashVideo bool

var hashCmd = &cobra.Command{
	Use:   "hash <url>",
	Short: "Print the perceptual hash of a remote image or video",
	Long: `Fetch one media URL and print what the clustering sees.

For an image: its signature hash, dimensions, format, size and quality score.
For a video: the hashes of the sampled frames.

Example:
  adsets hash https://cdn.example.com/a.jpg
  adsets hash --video https://cdn.example.com/a.mp4`,
	Args: cobra.ExactArgs(1),
	RunE: runHash,
}

func init() {
	hashCmd.Flags().BoolVar(&hashVideo, "video", false, "Sample frames from a video")
	rootCmd.AddCommand(hashCmd)
}

func runHash(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	m := newMedia()

	if hashVideo {
		frames, err := m.remote.VideoHashes(ctx, args[0], cfg.VideoSamples)
		if err != nil {
			return fmt.Errorf("failed to sample video: %w", err)
		}
		fmt.Printf("Frames: %d of %d decoded\n", hash.Present(frames), len(frames))
		for i, f := range frames {
			if f.Missing {
				fmt.Printf("  %2d  (failed to decode)\n", i)
				continue
			}
			fmt.Printf("  %2d  %s\n", i, hash.Format(f.Hash))
		}
		return nil
	}

	info, err := m.remote.DescribeImage(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to hash image: %w", err)
	}
	fmt.Printf("Signature:  %s\n", hash.Format(info.Hash))
	fmt.Printf("Resolution: %dx%d\n", info.Width, info.Height)
	fmt.Printf("Format:     %s\n", strings.ToUpper(info.Format))
	fmt.Printf("Size:       %s\n", formatSize(info.FileSize))
	fmt.Printf("EXIF:       %t\n", info.HasExif)
	fmt.Printf("Score:      %.0f\n", info.Score)
	return nil
}
