package hash

import (
	"context"
	"fmt"

	"adsets/internal/fetch"
)

// Remote hashes media addressed by URL, fetching it through a Fetcher
type Remote struct {
	fetcher *fetch.Fetcher
	hasher  *Hasher
}

// NewRemote creates a Remote hasher
func NewRemote(f *fetch.Fetcher, h *Hasher) *Remote {
	if h == nil {
		h = NewHasher()
	}
	return &Remote{fetcher: f, hasher: h}
}

// ImageHash downloads an image and returns its average hash
func (r *Remote) ImageHash(ctx context.Context, url string) (uint64, error) {
	img, err := r.fetcher.FetchImage(ctx, url)
	if err != nil {
		return 0, err
	}
	return r.hasher.HashImage(img.Image)
}

// VideoHashes samples n positional frame hashes from a remote video
func (r *Remote) VideoHashes(ctx context.Context, url string, n int) ([]FrameHash, error) {
	v, err := r.fetcher.OpenVideo(ctx, url)
	if err != nil {
		return nil, err
	}
	hashes := r.hasher.SampleVideoHashes(ctx, v, n)
	if len(hashes) == 0 {
		return nil, fmt.Errorf("%w: %s", fetch.ErrNoFrames, url)
	}
	return hashes, nil
}

// Head probes response headers for a URL
func (r *Remote) Head(ctx context.Context, url string) (fetch.HeadInfo, error) {
	return r.fetcher.Head(ctx, url)
}

// DescribeImage downloads an image and reports its hash and quality
func (r *Remote) DescribeImage(ctx context.Context, url string) (*ImageInfo, error) {
	img, err := r.fetcher.FetchImage(ctx, url)
	if err != nil {
		return nil, err
	}
	return r.hasher.Describe(img.Image, img.Format, img.Size, img.HasExif)
}
