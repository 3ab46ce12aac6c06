// Package signature derives the content fingerprint of an ad from its
// primary media.
package signature

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"adsets/internal/hash"
	"adsets/internal/models"
)

// ErrNoUsableMedia is reported when an ad has no resolvable media reference
var ErrNoUsableMedia = errors.New("no usable media")

// MediaHasher hashes remote images and video frames
type MediaHasher interface {
	ImageHash(ctx context.Context, url string) (uint64, error)
	VideoHashes(ctx context.Context, url string, n int) ([]hash.FrameHash, error)
}

// Builder computes content signatures
type Builder struct {
	media  MediaHasher
	logger zerolog.Logger
}

// NewBuilder creates a new Builder
func NewBuilder(media MediaHasher, logger zerolog.Logger) *Builder {
	return &Builder{media: media, logger: logger}
}

// Build returns the signature for an ad. When no hash can be produced the
// ad's archive id is returned, so every ad can always be clustered.
func (b *Builder) Build(ctx context.Context, ad *models.Ad) string {
	sig, err := b.Hash(ctx, ad)
	if err != nil {
		b.logger.Warn().
			Err(err).
			Str("archive_id", ad.ArchiveID).
			Msg("signature falls back to archive id")
		return ad.ArchiveID
	}
	return sig
}

// Hash hashes the ad's primary media without the archive id fallback
func (b *Builder) Hash(ctx context.Context, ad *models.Ad) (string, error) {
	if ad == nil {
		return "", ErrNoUsableMedia
	}
	m, ok := PrimaryMedia(ad)
	if !ok {
		return "", ErrNoUsableMedia
	}

	switch m.Kind {
	case models.KindVideo:
		frames, err := b.media.VideoHashes(ctx, m.URL, 1)
		if err != nil {
			return "", fmt.Errorf("hash video %s: %w", m.URL, err)
		}
		for _, f := range frames {
			if !f.Missing {
				return hash.Format(f.Hash), nil
			}
		}
		return "", fmt.Errorf("hash video %s: %w", m.URL, ErrNoUsableMedia)
	default:
		// Unknown kinds are tried as images; scraped feeds mostly link images
		h, err := b.media.ImageHash(ctx, m.URL)
		if err != nil {
			return "", fmt.Errorf("hash image %s: %w", m.URL, err)
		}
		return hash.Format(h), nil
	}
}

// PrimaryMedia resolves the media that represents an ad: the explicit
// primary media, then the first image, then the first video, then the
// first URL of any kind.
func PrimaryMedia(ad *models.Ad) (models.Media, bool) {
	if ad.PrimaryMedia != nil && strings.TrimSpace(ad.PrimaryMedia.URL) != "" {
		return *ad.PrimaryMedia, true
	}
	if m, ok := firstOfKind(ad, models.KindImage); ok {
		return m, true
	}
	if m, ok := firstOfKind(ad, models.KindVideo); ok {
		return m, true
	}
	for _, c := range ad.Creatives {
		for _, m := range c.Media {
			if strings.TrimSpace(m.URL) != "" {
				return m, true
			}
		}
	}
	return models.Media{}, false
}

func firstOfKind(ad *models.Ad, kind models.MediaKind) (models.Media, bool) {
	for _, c := range ad.Creatives {
		for _, m := range c.Media {
			if m.Kind == kind && strings.TrimSpace(m.URL) != "" {
				return m, true
			}
		}
	}
	return models.Media{}, false
}
