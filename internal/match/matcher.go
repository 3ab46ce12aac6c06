package match

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"adsets/internal/fetch"
	"adsets/internal/hash"
	"adsets/internal/models"
)

// MediaHasher fetches and hashes remote media
type MediaHasher interface {
	ImageHash(ctx context.Context, url string) (uint64, error)
	VideoHashes(ctx context.Context, url string, n int) ([]hash.FrameHash, error)
	Head(ctx context.Context, url string) (fetch.HeadInfo, error)
}

// Kind names the check that produced a verdict
type Kind string

const (
	KindNone      Kind = "none"
	KindURL       Kind = "url"
	KindETag      Kind = "etag"
	KindThumbnail Kind = "thumbnail"
	KindFrames    Kind = "frames"
	KindText      Kind = "text"
	KindVideo     Kind = "video"
	KindImage     Kind = "image"
)

// Verdict is the result of an ad-level or creative-level comparison.
// Err carries a recovered media failure and never means the caller failed.
type Verdict struct {
	Similar bool
	Score   float64
	Kind    Kind
	Err     error
}

// Comparator runs the cheap-to-expensive comparison cascade
type Comparator struct {
	media  MediaHasher
	logger zerolog.Logger

	imageCutoff     int
	videoSamples    int
	videoHashCutoff int
	videoSimilarity float64
	textSimilarity  float64
	textMinLength   int
	checkTimeout    time.Duration
}

// Option configures a Comparator
type Option func(*Comparator)

// WithImageCutoff sets the maximum Hamming distance for similar images
func WithImageCutoff(n int) Option {
	return func(c *Comparator) {
		if n >= 0 {
			c.imageCutoff = n
		}
	}
}

// WithVideoSamples sets the number of frames sampled per video
func WithVideoSamples(n int) Option {
	return func(c *Comparator) {
		if n > 0 {
			c.videoSamples = n
		}
	}
}

// WithVideoHashCutoff sets the maximum Hamming distance for a matching frame pair
func WithVideoHashCutoff(n int) Option {
	return func(c *Comparator) {
		if n >= 0 {
			c.videoHashCutoff = n
		}
	}
}

// WithVideoSimilarity sets the fraction of matching frames needed for similar videos
func WithVideoSimilarity(f float64) Option {
	return func(c *Comparator) {
		if f > 0 && f <= 1 {
			c.videoSimilarity = f
		}
	}
}

// WithTextSimilarity sets the Jaccard score above which body texts match
func WithTextSimilarity(f float64) Option {
	return func(c *Comparator) {
		if f > 0 && f <= 1 {
			c.textSimilarity = f
		}
	}
}

// WithTextMinLength sets how long both body texts must be before text is compared
func WithTextMinLength(n int) Option {
	return func(c *Comparator) {
		if n >= 0 {
			c.textMinLength = n
		}
	}
}

// WithCheckTimeout bounds every single media check
func WithCheckTimeout(d time.Duration) Option {
	return func(c *Comparator) {
		if d > 0 {
			c.checkTimeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(c *Comparator) {
		c.logger = l
	}
}

// NewComparator creates a new Comparator
func NewComparator(media MediaHasher, opts ...Option) *Comparator {
	c := &Comparator{
		media:           media,
		logger:          zerolog.Nop(),
		imageCutoff:     5,
		videoSamples:    hash.DefaultSamples,
		videoHashCutoff: 6,
		videoSimilarity: 0.8,
		textSimilarity:  0.8,
		textMinLength:   20,
		checkTimeout:    60 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ShouldGroup decides whether two ads are variants of the same creative.
// Ads with different declared formats are rejected without any network I/O.
func (c *Comparator) ShouldGroup(ctx context.Context, a, b *models.Ad) Verdict {
	if a == nil || b == nil {
		return Verdict{Kind: KindNone}
	}

	fa, fb := a.DisplayFormat(), b.DisplayFormat()
	if fa != models.FormatUnknown && fb != models.FormatUnknown && fa != fb {
		c.logger.Debug().
			Str("ad_a", a.ArchiveID).
			Str("ad_b", b.ArchiveID).
			Str("format_a", string(fa)).
			Str("format_b", string(fb)).
			Msg("format mismatch")
		return Verdict{Kind: KindNone}
	}

	v := c.CompareAdCreatives(ctx, a.PrimaryCreative(), b.PrimaryCreative())
	c.logger.Debug().
		Str("ad_a", a.ArchiveID).
		Str("ad_b", b.ArchiveID).
		Bool("similar", v.Similar).
		Float64("score", v.Score).
		Str("kind", string(v.Kind)).
		AnErr("media_err", v.Err).
		Msg("ads compared")
	return v
}

// CompareAdCreatives compares body text first, then video, then pairwise media
func (c *Comparator) CompareAdCreatives(ctx context.Context, a, b models.Creative) Verdict {
	if utf8.RuneCountInString(a.Body) > c.textMinLength && utf8.RuneCountInString(b.Body) > c.textMinLength {
		if a.Body == b.Body {
			return Verdict{Similar: true, Score: 1, Kind: KindText}
		}
		if j := Jaccard(a.Body, b.Body); j > c.textSimilarity {
			return Verdict{Similar: true, Score: j, Kind: KindText}
		}
	}

	if a.HasVideo() && b.HasVideo() {
		return c.CompareAdVideos(ctx, a, b)
	}

	// Exact URL anywhere wins before any fetch
	for _, ma := range a.Media {
		for _, mb := range b.Media {
			if ma.URL != "" && ma.URL == mb.URL {
				return Verdict{Similar: true, Score: 1, Kind: mediaKind(ma.Kind)}
			}
		}
	}

	best := Verdict{Kind: KindNone}
	for _, ma := range a.Media {
		for _, mb := range b.Media {
			if ctx.Err() != nil {
				best.Err = ctx.Err()
				return best
			}
			switch {
			case ma.Kind == models.KindImage && mb.Kind == models.KindImage:
				r := c.CompareImages(ctx, ma.URL, mb.URL)
				if r.Err != nil {
					best.Err = r.Err
				}
				if !r.Similar {
					continue
				}
				score := 1 - float64(r.Distance)/float64(hash.Bits)
				if !best.Similar || score > best.Score {
					best = Verdict{Similar: true, Score: score, Kind: KindImage}
				}
			case ma.Kind == models.KindVideo && mb.Kind == models.KindVideo:
				r := c.CompareVideos(ctx, ma.URL, mb.URL)
				if r.Err != nil {
					best.Err = r.Err
				}
				if !r.Similar {
					continue
				}
				if !best.Similar || r.Score > best.Score {
					best = Verdict{Similar: true, Score: r.Score, Kind: KindVideo}
				}
			}
		}
	}
	if best.Similar {
		best.Err = nil
	}
	return best
}

// CompareAdVideos is the three-tier video cascade: exact URL, thumbnail,
// then frame sampling on the low-quality stream. A positive tier skips the
// more expensive ones.
func (c *Comparator) CompareAdVideos(ctx context.Context, a, b models.Creative) Verdict {
	hqA, lqA := a.VideoURLs()
	hqB, lqB := b.VideoURLs()

	// Tier 1: exact URL
	if hqA != "" && hqA == hqB {
		return Verdict{Similar: true, Score: 1, Kind: KindURL}
	}

	// Tier 2: thumbnails
	var tierErr error
	thumbA, thumbB := a.Thumbnail(), b.Thumbnail()
	if thumbA != "" && thumbB != "" {
		r := c.CompareImages(ctx, thumbA, thumbB)
		if r.Similar {
			return Verdict{
				Similar: true,
				Score:   1 - float64(r.Distance)/float64(hash.Bits),
				Kind:    KindThumbnail,
			}
		}
		tierErr = r.Err
	}

	// Tier 3: frames of the low-quality stream
	r := c.CompareVideos(ctx, lqA, lqB)
	if r.Similar {
		kind := KindFrames
		if r.Via == KindURL || r.Via == KindETag {
			kind = KindURL
		}
		return Verdict{Similar: true, Score: r.Score, Kind: kind}
	}
	if r.Err != nil {
		tierErr = r.Err
	}
	return Verdict{Score: r.Score, Kind: KindNone, Err: tierErr}
}

func mediaKind(k models.MediaKind) Kind {
	if k == models.KindVideo {
		return KindVideo
	}
	return KindImage
}
