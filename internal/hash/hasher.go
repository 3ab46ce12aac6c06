package hash

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"time"

	"github.com/corona10/goimagehash"
)

// Bits is the fixed width of every hash produced by this package
const Bits = 64

// DefaultSamples is the number of frames sampled from a video
const DefaultSamples = 6

// FrameSource is an opened video that can decode frames on demand
type FrameSource interface {
	// Duration returns the stream duration, 0 if unknown
	Duration() time.Duration
	FrameAt(ctx context.Context, at time.Duration) (image.Image, error)
	Frames(ctx context.Context, n int) ([]image.Image, error)
}

// FrameHash is the hash at one sampled position of a video. Missing marks
// a frame that could not be decoded; its slot is kept so that slot i of two
// samplings always covers the same relative timestamp.
type FrameHash struct {
	Hash    uint64
	Missing bool
}

// FramesOf wraps decoded hashes in consecutive present slots
func FramesOf(hashes ...uint64) []FrameHash {
	out := make([]FrameHash, len(hashes))
	for i, h := range hashes {
		out[i] = FrameHash{Hash: h}
	}
	return out
}

// Present counts the decoded slots
func Present(frames []FrameHash) int {
	n := 0
	for _, f := range frames {
		if !f.Missing {
			n++
		}
	}
	return n
}

// ImageInfo holds hash and quality metadata for a fetched image
type ImageInfo struct {
	Hash     uint64  `json:"hash"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Format   string  `json:"format"`
	FileSize int64   `json:"file_size"`
	HasExif  bool    `json:"has_exif"`
	Score    float64 `json:"score"`
}

// Hasher computes perceptual hashes for images and video frames
type Hasher struct{}

// NewHasher creates a new Hasher
func NewHasher() *Hasher {
	return &Hasher{}
}

// HashImage computes the 64-bit average hash of an image
func (h *Hasher) HashImage(img image.Image) (uint64, error) {
	if img == nil {
		return 0, fmt.Errorf("nil image")
	}
	ah, err := goimagehash.AverageHash(img)
	if err != nil {
		return 0, fmt.Errorf("failed to compute hash: %w", err)
	}
	return ah.GetHash(), nil
}

// SampleVideoHashes hashes n frames spread evenly across the video.
// Timestamps sit at duration*(i+1)/(n+1) so neither the opening black frame
// nor the unseekable end is hit. With an unknown duration the first n
// decodable frames are used. A frame that fails to decode leaves a Missing
// slot in place; if none decode, the result is empty.
func (h *Hasher) SampleVideoHashes(ctx context.Context, v FrameSource, n int) []FrameHash {
	if v == nil || n <= 0 {
		return nil
	}

	var frames []image.Image
	if d := v.Duration(); d > 0 {
		for i := 0; i < n; i++ {
			if ctx.Err() != nil {
				break
			}
			at := time.Duration(int64(d) * int64(i+1) / int64(n+1))
			img, err := v.FrameAt(ctx, at)
			if err != nil {
				img = nil
			}
			frames = append(frames, img)
		}
	} else {
		frames, _ = v.Frames(ctx, n)
	}

	out := make([]FrameHash, len(frames))
	for i, img := range frames {
		if img == nil {
			out[i].Missing = true
			continue
		}
		hv, err := h.HashImage(img)
		if err != nil {
			out[i].Missing = true
			continue
		}
		out[i].Hash = hv
	}
	if Present(out) == 0 {
		return nil
	}
	return out
}

// Describe hashes an image and scores its quality
func (h *Hasher) Describe(img image.Image, format string, size int64, hasExif bool) (*ImageInfo, error) {
	hv, err := h.HashImage(img)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	info := &ImageInfo{
		Hash:     hv,
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
		Format:   format,
		FileSize: size,
		HasExif:  hasExif,
	}
	info.Score = h.CalculateScore(info)
	return info, nil
}

// CalculateScore computes the quality score for an image
func (h *Hasher) CalculateScore(info *ImageInfo) float64 {
	// Base score: resolution (width * height)
	resolution := float64(info.Width * info.Height)

	return resolution * FormatQualityMultiplier(info.Format) * MetadataMultiplier(info.HasExif)
}

// FormatQualityMultiplier returns quality multiplier for image format
func FormatQualityMultiplier(format string) float64 {
	switch format {
	case "png", "tiff", "bmp":
		return 1.2 // Lossless formats
	case "webp":
		return 1.1
	case "gif":
		return 0.9 // Limited colors
	default:
		return 1.0
	}
}

// MetadataMultiplier returns quality multiplier based on metadata presence
func MetadataMultiplier(hasExif bool) float64 {
	if hasExif {
		return 1.1
	}
	return 1.0
}

// HammingDistance calculates the Hamming distance between two hashes
func HammingDistance(hash1, hash2 uint64) int {
	xor := hash1 ^ hash2
	count := 0
	for xor != 0 {
		count++
		xor &= xor - 1
	}
	return count
}

// Format renders a hash as 16 lowercase hex digits
func Format(h uint64) string {
	return fmt.Sprintf("%016x", h)
}

// Parse reads a hash rendered by Format
func Parse(s string) (uint64, error) {
	if len(s) != Bits/4 {
		return 0, fmt.Errorf("hash %q: want %d hex digits", s, Bits/4)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("hash %q: %w", s, err)
	}
	return v, nil
}
