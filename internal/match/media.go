package match

import (
	"context"
	"errors"
	"sync"

	"adsets/internal/fetch"
	"adsets/internal/hash"
)

// ImageResult is the outcome of an image comparison.
// Known is false when either side could not be fetched or decoded.
type ImageResult struct {
	Similar  bool
	Distance int
	Known    bool
	Err      error
}

// VideoResult is the outcome of a video comparison.
// Via records which step decided it: url, etag, frames or none.
type VideoResult struct {
	Similar bool
	Score   float64
	Via     Kind
	Err     error
}

// VideoParams tunes a single video comparison
type VideoParams struct {
	Samples    int
	HashCutoff int
	Threshold  float64
}

// CompareImages compares two images with the configured cutoff
func (c *Comparator) CompareImages(ctx context.Context, a, b string) ImageResult {
	return c.CompareImagesCutoff(ctx, a, b, c.imageCutoff)
}

// CompareImagesCutoff compares two images; they are similar when the Hamming
// distance of their hashes is at most cutoff. Both images are fetched
// concurrently.
func (c *Comparator) CompareImagesCutoff(ctx context.Context, a, b string, cutoff int) ImageResult {
	if a == b && a != "" {
		return ImageResult{Similar: true, Distance: 0, Known: true}
	}
	if a == "" || b == "" {
		return ImageResult{Err: errors.New("empty image url")}
	}

	ctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	var (
		ha, hb     uint64
		errA, errB error
	)
	parallel(
		func() { ha, errA = c.media.ImageHash(ctx, a) },
		func() { hb, errB = c.media.ImageHash(ctx, b) },
	)
	if err := errors.Join(errA, errB); err != nil {
		return ImageResult{Err: err}
	}

	d := hash.HammingDistance(ha, hb)
	return ImageResult{Similar: d <= cutoff, Distance: d, Known: true}
}

// VideoDefaults returns the configured video parameters
func (c *Comparator) VideoDefaults() VideoParams {
	return VideoParams{
		Samples:    c.videoSamples,
		HashCutoff: c.videoHashCutoff,
		Threshold:  c.videoSimilarity,
	}
}

// CompareVideos compares two videos with the configured parameters
func (c *Comparator) CompareVideos(ctx context.Context, a, b string) VideoResult {
	return c.CompareVideosWith(ctx, a, b, c.VideoDefaults())
}

// CompareVideosWith compares two videos. Identical URLs and equal ETags
// short-circuit; an equal Content-Length cuts sampling to two frames.
// Otherwise both streams are sampled concurrently and the score is the share
// of index-aligned frame pairs within HashCutoff. Positions where either
// side failed to decode are left out of the vote.
func (c *Comparator) CompareVideosWith(ctx context.Context, a, b string, p VideoParams) VideoResult {
	if a == b && a != "" {
		return VideoResult{Similar: true, Score: 1, Via: KindURL}
	}
	if a == "" || b == "" {
		return VideoResult{Via: KindNone, Err: errors.New("empty video url")}
	}
	if p.Samples <= 0 {
		p.Samples = hash.DefaultSamples
	}

	ctx, cancel := context.WithTimeout(ctx, c.checkTimeout)
	defer cancel()

	var (
		headA, headB fetch.HeadInfo
		errA, errB   error
	)
	parallel(
		func() { headA, errA = c.media.Head(ctx, a) },
		func() { headB, errB = c.media.Head(ctx, b) },
	)

	samples := p.Samples
	if errA == nil && errB == nil {
		if headA.ETag != "" && headA.ETag == headB.ETag {
			return VideoResult{Similar: true, Score: 1, Via: KindETag}
		}
		if headA.ContentLength > 0 && headA.ContentLength == headB.ContentLength && samples > 2 {
			samples = 2
		}
	}

	var framesA, framesB []hash.FrameHash
	parallel(
		func() { framesA, errA = c.media.VideoHashes(ctx, a, samples) },
		func() { framesB, errB = c.media.VideoHashes(ctx, b, samples) },
	)

	compared, matches := 0, 0
	for i := 0; i < min(len(framesA), len(framesB)); i++ {
		fa, fb := framesA[i], framesB[i]
		if fa.Missing || fb.Missing {
			continue
		}
		compared++
		if hash.HammingDistance(fa.Hash, fb.Hash) <= p.HashCutoff {
			matches++
		}
	}
	if compared == 0 {
		err := errors.Join(errA, errB)
		if err == nil {
			err = fetch.ErrNoFrames
		}
		return VideoResult{Via: KindNone, Err: err}
	}
	score := float64(matches) / float64(compared)
	return VideoResult{Similar: score >= p.Threshold, Score: score, Via: KindFrames}
}

// parallel runs both functions concurrently and waits for them
func parallel(fa, fb func()) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		fa()
	}()
	fb()
	wg.Wait()
}
