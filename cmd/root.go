package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"adsets/internal/cluster"
	"adsets/internal/config"
	"adsets/internal/fetch"
	"adsets/internal/hash"
	"adsets/internal/index"
	"adsets/internal/logging"
	"adsets/internal/match"
	"adsets/internal/models"
	"adsets/internal/signature"
	"adsets/internal/storage"
)

var (
	envFile   string
	dbPath    string
	driver    string
	logLevel  string
	threshold int
	workers   int

	cfg    *config.Config
	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "adsets",
	Short: "Group scraped ads into ad sets",
	Long: `adsets groups observed advertisements into ad sets: clusters of ads that
show the same underlying creative with small variations.

Ads are fingerprinted by a perceptual hash of their primary image or video
frame, matched against existing sets through a trigram and Hamming index and
verified with a media comparison cascade before they are attached.

Example usage:
  adsets ingest ads.ndjson          # Cluster a batch of scraped ads
  adsets list                       # List ad sets
  adsets merge --dry-run            # Preview sets that would be merged
  adsets compare <urlA> <urlB>      # Compare two images`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "Path to an optional .env file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to SQLite database (default ~/.adsets/adsets.db)")
	rootCmd.PersistentFlags().StringVar(&driver, "driver", "", "Store driver: sqlite or postgres")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().IntVar(&threshold, "threshold", 5, "Image Hamming distance threshold (0-64, lower = stricter)")
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 8, "Number of parallel workers")
}

// setup loads configuration, applies explicitly set flags on top and builds
// the logger
func setup(cmd *cobra.Command, args []string) error {
	if _, err := config.LoadEnvFile(envFile); err != nil {
		return err
	}
	if err := applyFlagEnv(cmd); err != nil {
		return err
	}

	loaded, err := config.Load()
	if err != nil {
		return err
	}
	cfg = loaded

	logger, err = logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return err
	}
	return nil
}

// applyFlagEnv maps flags the user set onto their environment keys so the
// config layer validates one merged view
func applyFlagEnv(cmd *cobra.Command) error {
	flags := cmd.Flags()
	overrides := map[string]string{
		"db":        "DB_PATH",
		"driver":    "STORE_DRIVER",
		"log-level": "LOG_LEVEL",
		"threshold": "IMAGE_CUTOFF",
		"workers":   "WORKERS",
	}
	for name, key := range overrides {
		if !flags.Changed(name) {
			continue
		}
		value := flags.Lookup(name).Value.String()
		if err := os.Setenv(config.Prefix+"_"+key, value); err != nil {
			return fmt.Errorf("apply --%s: %w", name, err)
		}
	}
	return nil
}

// appStore is what the commands need from either store backend
type appStore interface {
	cluster.Store
	Stats(ctx context.Context) (clusters, ads int, err error)
	ListMergeRuns(ctx context.Context, limit int) ([]*models.MergeRun, error)
	Close() error
}

// media bundles the network-facing pieces shared by the commands
type media struct {
	remote  *hash.Remote
	cmp     *match.Comparator
	builder *signature.Builder
}

func newMedia() *media {
	fetcher := fetch.New(
		fetch.WithHeadTimeout(cfg.HeadTimeout),
		fetch.WithFetchTimeout(cfg.FetchTimeout),
		fetch.WithMaxImageBytes(cfg.MaxImageBytes),
		fetch.WithFrameDecoder(&fetch.FFmpeg{
			FFmpegPath:  cfg.FFmpegPath,
			FFprobePath: cfg.FFprobePath,
			Timeout:     cfg.FetchTimeout,
		}),
	)
	remote := hash.NewRemote(fetcher, hash.NewHasher())
	cmp := match.NewComparator(remote,
		match.WithImageCutoff(cfg.ImageCutoff),
		match.WithVideoSamples(cfg.VideoSamples),
		match.WithVideoHashCutoff(cfg.VideoHashCutoff),
		match.WithVideoSimilarity(cfg.VideoSimilarity),
		match.WithTextSimilarity(cfg.TextSimilarity),
		match.WithTextMinLength(cfg.TextMinLength),
		match.WithLogger(logger),
	)
	return &media{
		remote:  remote,
		cmp:     cmp,
		builder: signature.NewBuilder(remote, logger),
	}
}

// openStore opens the configured backend and the candidate finder that goes
// with it: pg_trgm queries for postgres, an in-process index for sqlite
func openStore(ctx context.Context) (appStore, cluster.CandidateFinder, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pg, err := storage.NewPostgres(ctx, cfg.DatabaseURL, cfg.LogLevel,
			storage.WithCandidateSimilarity(cfg.CandidateSimilarity),
			storage.WithCandidateRadius(cfg.CandidateRadius),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		return pg, pg, nil
	default:
		db, err := storage.NewSQLite(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		ix := index.New(
			index.WithSimilarity(cfg.CandidateSimilarity),
			index.WithHammingRadius(cfg.CandidateRadius),
		)
		if err := ix.Load(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Debug().Int("clusters", ix.Len()).Msg("candidate index loaded")
		return db, ix, nil
	}
}

// openEngine wires the store, media stack and engine together
func openEngine(ctx context.Context) (*cluster.Engine, appStore, error) {
	store, finder, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	m := newMedia()
	engine := cluster.NewEngine(store, m.builder, m.cmp, finder,
		cluster.WithLogger(logger),
		cluster.WithCandidateLimit(cfg.CandidateLimit),
		cluster.WithMergeWorkers(cfg.Workers),
	)
	return engine, store, nil
}
