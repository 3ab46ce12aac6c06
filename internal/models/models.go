package models

import (
	"sort"
	"time"
)

// MediaKind tags a media reference as image or video
type MediaKind string

const (
	KindUnknown MediaKind = ""
	KindImage   MediaKind = "image"
	KindVideo   MediaKind = "video"
)

// Quality is the optional quality hint a scraper attaches to a media URL
type Quality string

const (
	QualityNone      Quality = ""
	QualityHD        Quality = "hd"
	QualitySD        Quality = "sd"
	QualityThumbnail Quality = "thumbnail"
)

// DisplayFormat is the declared shape of an ad, used to reject obviously
// incompatible pairs before any network I/O
type DisplayFormat string

const (
	FormatUnknown  DisplayFormat = ""
	FormatImage    DisplayFormat = "image"
	FormatVideo    DisplayFormat = "video"
	FormatCarousel DisplayFormat = "carousel"
)

// Media is a typed reference to a remote image or video
type Media struct {
	Kind    MediaKind `json:"kind"`
	URL     string    `json:"url"`
	Quality Quality   `json:"quality,omitempty"`
}

// Creative is one card of an ad: optional body copy plus its media
type Creative struct {
	Body  string  `json:"body,omitempty"`
	Media []Media `json:"media"`
}

// HasVideo reports whether the creative carries at least one video
func (c Creative) HasVideo() bool {
	for _, m := range c.Media {
		if m.Kind == KindVideo {
			return true
		}
	}
	return false
}

// VideoURLs returns the high-quality and low-quality video URLs.
// An HD hint wins for hq and an SD hint wins for lq; either falls back to the
// first video so a creative with a single video returns it for both.
func (c Creative) VideoURLs() (hq, lq string) {
	var first string
	for _, m := range c.Media {
		if m.Kind != KindVideo {
			continue
		}
		if first == "" {
			first = m.URL
		}
		switch m.Quality {
		case QualityHD:
			if hq == "" {
				hq = m.URL
			}
		case QualitySD:
			if lq == "" {
				lq = m.URL
			}
		}
	}
	if hq == "" {
		hq = first
	}
	if lq == "" {
		lq = first
	}
	return hq, lq
}

// Thumbnail returns the preview image of a video creative, if any
func (c Creative) Thumbnail() string {
	var fallback string
	for _, m := range c.Media {
		if m.Kind != KindImage {
			continue
		}
		if m.Quality == QualityThumbnail {
			return m.URL
		}
		if fallback == "" {
			fallback = m.URL
		}
	}
	if c.HasVideo() {
		return fallback
	}
	return ""
}

// Ad is one observed advertisement, keyed by its external archive id
type Ad struct {
	ArchiveID    string     `json:"archive_id"`
	BodyText     string     `json:"body_text,omitempty"`
	Creatives    []Creative `json:"creatives"`
	PrimaryMedia *Media     `json:"primary_media,omitempty"`
	StartDate    *time.Time `json:"start_date,omitempty"`
	ClusterID    int64      `json:"cluster_id,omitempty"`
	Signature    string     `json:"signature,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// DisplayFormat derives the declared shape of the ad from its creatives
func (a *Ad) DisplayFormat() DisplayFormat {
	cards := 0
	video := false
	image := false
	for _, c := range a.Creatives {
		if len(c.Media) == 0 {
			continue
		}
		cards++
		for _, m := range c.Media {
			switch m.Kind {
			case KindVideo:
				video = true
			case KindImage:
				image = true
			}
		}
	}
	switch {
	case cards > 1:
		return FormatCarousel
	case video:
		return FormatVideo
	case image:
		return FormatImage
	default:
		return FormatUnknown
	}
}

// PrimaryCreative returns the first creative carrying media, with the ad's
// body text filled in when the card has none of its own
func (a *Ad) PrimaryCreative() Creative {
	var primary Creative
	for _, c := range a.Creatives {
		if len(c.Media) > 0 {
			primary = c
			break
		}
	}
	if primary.Body == "" {
		primary.Body = a.BodyText
	}
	return primary
}

// Cluster (ad set) groups all ads judged to be the same underlying creative
type Cluster struct {
	ID                 int64      `json:"id"`
	ContentSignature   string     `json:"content_signature"`
	VariantCount       int        `json:"variant_count"`
	RepresentativeAdID string     `json:"representative_ad_id"`
	FirstSeen          *time.Time `json:"first_seen,omitempty"`
	LastSeen           *time.Time `json:"last_seen,omitempty"`
	IsFavorite         bool       `json:"is_favorite"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// SelectRepresentative picks the canonical member of a cluster.
// Most recent start date wins; undated ads rank after dated ones and ties
// fall back to archive id so the choice is deterministic.
func SelectRepresentative(members []*Ad) *Ad {
	if len(members) == 0 {
		return nil
	}

	sorted := make([]*Ad, len(members))
	copy(sorted, members)

	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]

		// Primary: dated before undated
		if (a.StartDate == nil) != (b.StartDate == nil) {
			return a.StartDate != nil
		}

		// Secondary: newer start date
		if a.StartDate != nil && !a.StartDate.Equal(*b.StartDate) {
			return a.StartDate.After(*b.StartDate)
		}

		// Fallback: archive id (alphabetical)
		return a.ArchiveID < b.ArchiveID
	})

	return sorted[0]
}

// DateRange returns the min and max start dates among members.
// Members without a start date are ignored; both results are nil when no
// member is dated.
func DateRange(members []*Ad) (first, last *time.Time) {
	for _, m := range members {
		if m.StartDate == nil {
			continue
		}
		d := *m.StartDate
		if first == nil || d.Before(*first) {
			first = &d
		}
		if last == nil || d.After(*last) {
			last = &d
		}
	}
	return first, last
}

// MergeRun records one offline merge pass
type MergeRun struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Clusters   int       `json:"clusters"`
	Compared   int       `json:"compared"`
	Skipped    int       `json:"skipped"`
	Merged     int       `json:"merged"`
	DryRun     bool      `json:"dry_run"`
}

// PairKey orders two signatures so a pair has a single stored form
func PairKey(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
