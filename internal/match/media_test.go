package match

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"adsets/internal/fetch"
	"adsets/internal/hash"
	"adsets/internal/models"
)

// fakeMedia simulates a CDN with fixed hashes, headers and latency
type fakeMedia struct {
	mu     sync.Mutex
	images map[string]uint64
	videos map[string][]uint64
	gaps   map[string][]int // frame positions that fail to decode
	heads  map[string]fetch.HeadInfo
	delay  time.Duration

	imageCalls   int
	videoCalls   int
	headCalls    int
	videoSamples []int
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{
		images: make(map[string]uint64),
		videos: make(map[string][]uint64),
		gaps:   make(map[string][]int),
		heads:  make(map[string]fetch.HeadInfo),
	}
}

func (f *fakeMedia) wait(ctx context.Context) error {
	if f.delay == 0 {
		return nil
	}
	select {
	case <-time.After(f.delay):
		return nil
	case <-ctx.Done():
		return fetch.ErrTimeout
	}
}

func (f *fakeMedia) ImageHash(ctx context.Context, url string) (uint64, error) {
	f.mu.Lock()
	f.imageCalls++
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return 0, err
	}
	h, ok := f.images[url]
	if !ok {
		return 0, &fetch.HTTPError{URL: url, StatusCode: 404}
	}
	return h, nil
}

func (f *fakeMedia) VideoHashes(ctx context.Context, url string, n int) ([]hash.FrameHash, error) {
	f.mu.Lock()
	f.videoCalls++
	f.videoSamples = append(f.videoSamples, n)
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	hs, ok := f.videos[url]
	if !ok || len(hs) == 0 {
		return nil, fetch.ErrNoFrames
	}
	if len(hs) > n {
		hs = hs[:n]
	}
	frames := hash.FramesOf(hs...)
	for _, i := range f.gaps[url] {
		if i < len(frames) {
			frames[i].Missing = true
		}
	}
	return frames, nil
}

func (f *fakeMedia) Head(ctx context.Context, url string) (fetch.HeadInfo, error) {
	f.mu.Lock()
	f.headCalls++
	f.mu.Unlock()
	info, ok := f.heads[url]
	if !ok {
		return fetch.HeadInfo{}, &fetch.HTTPError{URL: url, StatusCode: 405}
	}
	return info, nil
}

func (f *fakeMedia) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.imageCalls + f.videoCalls + f.headCalls
}

func TestCompareImages_Identity(t *testing.T) {
	media := newFakeMedia()
	c := NewComparator(media)

	r := c.CompareImages(context.Background(), "https://cdn/a.jpg", "https://cdn/a.jpg")
	if !r.Similar || r.Distance != 0 || !r.Known {
		t.Errorf("identical url should be similar at distance 0, got %+v", r)
	}
	if media.calls() != 0 {
		t.Errorf("expected no network calls, got %d", media.calls())
	}
}

func TestCompareImages_Distance(t *testing.T) {
	media := newFakeMedia()
	media.images["z"] = 0xffff0000ffff0000
	media.images["w"] = 0xffff0001ffff0000
	c := NewComparator(media)

	r := c.CompareImagesCutoff(context.Background(), "z", "w", 5)
	if !r.Similar || r.Distance != 1 {
		t.Errorf("expected (true, 1), got %+v", r)
	}

	media.images["far"] = 0x0000ffff0000ffff
	r = c.CompareImages(context.Background(), "z", "far")
	if r.Similar || r.Distance != 64 {
		t.Errorf("expected distant images to differ, got %+v", r)
	}
}

func TestCompareImages_FailureIsNegative(t *testing.T) {
	media := newFakeMedia()
	media.images["ok"] = 1
	c := NewComparator(media)

	r := c.CompareImages(context.Background(), "ok", "missing")
	if r.Similar || r.Known {
		t.Errorf("expected unknown negative result, got %+v", r)
	}
	if r.Err == nil {
		t.Error("expected the recovered error to be reported")
	}
}

func TestCompareImages_Symmetry(t *testing.T) {
	media := newFakeMedia()
	media.images["a"] = 0b0000
	media.images["b"] = 0b0111
	media.images["c"] = 0xF0F0F0F0F0F0F0F0
	c := NewComparator(media)
	ctx := context.Background()

	urls := []string{"a", "b", "c", "missing"}
	for _, x := range urls {
		for _, y := range urls {
			ab := c.CompareImages(ctx, x, y)
			ba := c.CompareImages(ctx, y, x)
			if ab.Similar != ba.Similar || ab.Distance != ba.Distance || ab.Known != ba.Known {
				t.Errorf("asymmetric result for %s/%s: %+v vs %+v", x, y, ab, ba)
			}
		}
	}
}

func TestCompareImages_ThresholdMonotonic(t *testing.T) {
	media := newFakeMedia()
	media.images["a"] = 0
	media.images["b"] = 0b11111 // distance 5
	c := NewComparator(media)
	ctx := context.Background()

	for k := 0; k <= 64; k++ {
		if !c.CompareImagesCutoff(ctx, "a", "b", k).Similar {
			continue
		}
		for k2 := k + 1; k2 <= 64; k2++ {
			if !c.CompareImagesCutoff(ctx, "a", "b", k2).Similar {
				t.Fatalf("similar at cutoff %d but not at %d", k, k2)
			}
		}
		if k != 5 {
			t.Errorf("first similar cutoff = %d, want 5", k)
		}
		return
	}
	t.Error("never similar")
}

func TestCompareImages_Concurrent(t *testing.T) {
	media := newFakeMedia()
	media.images["a"] = 1
	media.images["b"] = 1
	media.delay = 150 * time.Millisecond
	c := NewComparator(media)

	start := time.Now()
	r := c.CompareImages(context.Background(), "a", "b")
	elapsed := time.Since(start)

	if !r.Similar {
		t.Errorf("expected similar, got %+v", r)
	}
	if elapsed >= 280*time.Millisecond {
		t.Errorf("fetches ran sequentially: took %v, want about %v", elapsed, media.delay)
	}
}

func TestCompareImages_Timeout(t *testing.T) {
	media := newFakeMedia()
	media.images["a"] = 1
	media.images["b"] = 1
	media.delay = 2 * time.Second
	c := NewComparator(media, WithCheckTimeout(50*time.Millisecond))

	start := time.Now()
	r := c.CompareImages(context.Background(), "a", "b")
	if r.Similar {
		t.Error("timed out comparison must be negative")
	}
	if !errors.Is(r.Err, fetch.ErrTimeout) {
		t.Errorf("expected timeout error, got %v", r.Err)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout was not honored")
	}
}

func TestCompareVideos_Identity(t *testing.T) {
	media := newFakeMedia()
	c := NewComparator(media)

	r := c.CompareVideos(context.Background(), "v.mp4", "v.mp4")
	if !r.Similar || r.Score != 1 {
		t.Errorf("expected (true, 1.0), got %+v", r)
	}
	if media.calls() != 0 {
		t.Errorf("expected no network calls, got %d", media.calls())
	}
}

func TestCompareVideos_ETagFastPath(t *testing.T) {
	media := newFakeMedia()
	media.heads["x.mp4"] = fetch.HeadInfo{ETag: `"abc123"`, ContentLength: 2100000}
	media.heads["y.mp4"] = fetch.HeadInfo{ETag: `"abc123"`, ContentLength: 2100000}
	c := NewComparator(media)

	r := c.CompareVideos(context.Background(), "x.mp4", "y.mp4")
	if !r.Similar || r.Score != 1 || r.Via != KindETag {
		t.Errorf("expected (true, 1.0) via etag, got %+v", r)
	}
	if media.videoCalls != 0 {
		t.Errorf("expected zero frame-sampling calls, got %d", media.videoCalls)
	}

	// Symmetry
	r2 := c.CompareVideos(context.Background(), "y.mp4", "x.mp4")
	if r2.Similar != r.Similar || r2.Score != r.Score {
		t.Errorf("asymmetric: %+v vs %+v", r, r2)
	}
}

func TestCompareVideos_ContentLengthReducesSamples(t *testing.T) {
	media := newFakeMedia()
	media.heads["a"] = fetch.HeadInfo{ETag: "1", ContentLength: 500}
	media.heads["b"] = fetch.HeadInfo{ETag: "2", ContentLength: 500}
	media.videos["a"] = []uint64{1, 2, 3, 4, 5, 6}
	media.videos["b"] = []uint64{1, 2, 3, 4, 5, 6}
	c := NewComparator(media)

	r := c.CompareVideos(context.Background(), "a", "b")
	if !r.Similar || r.Score != 1 || r.Via != KindFrames {
		t.Errorf("expected frame match, got %+v", r)
	}
	for _, n := range media.videoSamples {
		if n != 2 {
			t.Errorf("expected 2 samples after size match, got %d", n)
		}
	}
}

func TestCompareVideos_FrameVoting(t *testing.T) {
	media := newFakeMedia()
	media.videos["a"] = []uint64{0, 0, 0, 0, 0, 0}
	// 4 of 6 frames within cutoff 6, two far away
	media.videos["b"] = []uint64{0, 0b111111, 0b1, 0, 0xFFFF, 0xFFFFFF}
	c := NewComparator(media)

	r := c.CompareVideos(context.Background(), "a", "b")
	if r.Similar {
		t.Errorf("4/6 is below 0.8, got %+v", r)
	}
	if r.Score < 0.66 || r.Score > 0.67 {
		t.Errorf("score = %f, want 4/6", r.Score)
	}
	for _, n := range media.videoSamples {
		if n != 6 {
			t.Errorf("expected full sample count, got %d", n)
		}
	}

	lenient := c.CompareVideosWith(context.Background(), "a", "b", VideoParams{Samples: 6, HashCutoff: 6, Threshold: 0.6})
	if !lenient.Similar {
		t.Errorf("expected similar at threshold 0.6, got %+v", lenient)
	}
}

func TestCompareVideos_UnequalLengths(t *testing.T) {
	media := newFakeMedia()
	media.videos["a"] = []uint64{7, 7, 7}
	media.videos["b"] = []uint64{7, 7, 7, 9, 9, 9}
	c := NewComparator(media)

	r := c.CompareVideos(context.Background(), "a", "b")
	if !r.Similar || r.Score != 1 {
		t.Errorf("score should use the shorter list, got %+v", r)
	}
}

func TestCompareVideos_FailedFrameKeepsAlignment(t *testing.T) {
	media := newFakeMedia()
	frames := []uint64{0, 0xFF00, 0xFFFF0000, 0xFF00000000, 0xFFFF000000000000, 0x00FF00FF00FF00FF}
	media.videos["a"] = frames
	media.videos["b"] = frames
	// b loses its third frame; later frames must still pair with their twins
	media.gaps["b"] = []int{2}
	c := NewComparator(media)

	r := c.CompareVideos(context.Background(), "a", "b")
	if !r.Similar || r.Score != 1 || r.Via != KindFrames {
		t.Errorf("expected 5/5 aligned matches, got %+v", r)
	}

	media.gaps["a"] = []int{0, 1, 3, 4, 5}
	r = c.CompareVideos(context.Background(), "a", "b")
	if r.Similar || r.Err == nil {
		t.Errorf("no position decoded on both sides, got %+v", r)
	}
}

func TestCompareVideos_NoFrames(t *testing.T) {
	media := newFakeMedia()
	media.videos["a"] = []uint64{1, 2}
	c := NewComparator(media)

	r := c.CompareVideos(context.Background(), "a", "broken")
	if r.Similar || r.Score != 0 {
		t.Errorf("expected (false, 0.0), got %+v", r)
	}
	if r.Err == nil {
		t.Error("expected recovered error")
	}
}

func TestCompareVideos_Concurrent(t *testing.T) {
	media := newFakeMedia()
	media.videos["a"] = []uint64{1}
	media.videos["b"] = []uint64{1}
	media.delay = 150 * time.Millisecond
	c := NewComparator(media)

	start := time.Now()
	c.CompareVideos(context.Background(), "a", "b")
	if elapsed := time.Since(start); elapsed >= 280*time.Millisecond {
		t.Errorf("sampling ran sequentially: took %v", elapsed)
	}
}

func videoCreative(hq, sd, thumb string) models.Creative {
	c := models.Creative{}
	if thumb != "" {
		c.Media = append(c.Media, models.Media{Kind: models.KindImage, URL: thumb, Quality: models.QualityThumbnail})
	}
	c.Media = append(c.Media,
		models.Media{Kind: models.KindVideo, URL: hq, Quality: models.QualityHD},
		models.Media{Kind: models.KindVideo, URL: sd, Quality: models.QualitySD},
	)
	return c
}

func TestCompareAdVideos_Cascade(t *testing.T) {
	t.Run("hq url", func(t *testing.T) {
		media := newFakeMedia()
		c := NewComparator(media)
		v := c.CompareAdVideos(context.Background(),
			videoCreative("hd.mp4", "sd1.mp4", "t1.jpg"),
			videoCreative("hd.mp4", "sd2.mp4", "t2.jpg"))
		if !v.Similar || v.Kind != KindURL {
			t.Errorf("expected url match, got %+v", v)
		}
		if media.calls() != 0 {
			t.Errorf("expected no network calls, got %d", media.calls())
		}
	})

	t.Run("thumbnail", func(t *testing.T) {
		media := newFakeMedia()
		media.images["t1.jpg"] = 0xAA
		media.images["t2.jpg"] = 0xAB
		c := NewComparator(media)
		v := c.CompareAdVideos(context.Background(),
			videoCreative("hd1.mp4", "sd1.mp4", "t1.jpg"),
			videoCreative("hd2.mp4", "sd2.mp4", "t2.jpg"))
		if !v.Similar || v.Kind != KindThumbnail {
			t.Errorf("expected thumbnail match, got %+v", v)
		}
		if media.videoCalls != 0 || media.headCalls != 0 {
			t.Errorf("video tier must not run, got %d sampling and %d head calls", media.videoCalls, media.headCalls)
		}
	})

	t.Run("etag skips sampling", func(t *testing.T) {
		media := newFakeMedia()
		media.images["t1.jpg"] = 0
		media.images["t2.jpg"] = 0xFFFFFFFFFFFFFFFF
		media.heads["sd1.mp4"] = fetch.HeadInfo{ETag: "abc123", ContentLength: 2100000}
		media.heads["sd2.mp4"] = fetch.HeadInfo{ETag: "abc123", ContentLength: 2100000}
		c := NewComparator(media)
		v := c.CompareAdVideos(context.Background(),
			videoCreative("hd1.mp4", "sd1.mp4", "t1.jpg"),
			videoCreative("hd2.mp4", "sd2.mp4", "t2.jpg"))
		if !v.Similar || v.Kind != KindURL || v.Score != 1 {
			t.Errorf("expected url-tier match via etag, got %+v", v)
		}
		if media.videoCalls != 0 {
			t.Errorf("frame sampling must not be invoked, got %d calls", media.videoCalls)
		}
	})

	t.Run("frames", func(t *testing.T) {
		media := newFakeMedia()
		media.videos["sd1.mp4"] = []uint64{1, 2, 3, 4, 5, 6}
		media.videos["sd2.mp4"] = []uint64{1, 2, 3, 4, 5, 6}
		c := NewComparator(media)
		v := c.CompareAdVideos(context.Background(),
			videoCreative("hd1.mp4", "sd1.mp4", ""),
			videoCreative("hd2.mp4", "sd2.mp4", ""))
		if !v.Similar || v.Kind != KindFrames {
			t.Errorf("expected frames match, got %+v", v)
		}
	})

	t.Run("none", func(t *testing.T) {
		media := newFakeMedia()
		c := NewComparator(media)
		v := c.CompareAdVideos(context.Background(),
			videoCreative("hd1.mp4", "sd1.mp4", ""),
			videoCreative("hd2.mp4", "sd2.mp4", ""))
		if v.Similar || v.Kind != KindNone {
			t.Errorf("expected no match, got %+v", v)
		}
	})
}

func imageCreative(body string, urls ...string) models.Creative {
	c := models.Creative{Body: body}
	for _, u := range urls {
		c.Media = append(c.Media, models.Media{Kind: models.KindImage, URL: u})
	}
	return c
}

func TestCompareAdCreatives_TextShortCircuit(t *testing.T) {
	media := newFakeMedia()
	c := NewComparator(media)
	body := "Buy now 50% off summer sale limited time"

	v := c.CompareAdCreatives(context.Background(),
		imageCreative(body, "https://cdn/one.jpg"),
		imageCreative(body, "https://cdn/two.jpg"))
	if !v.Similar || v.Kind != KindText || v.Score != 1 {
		t.Errorf("expected text match, got %+v", v)
	}
	if media.calls() != 0 {
		t.Errorf("text match must not fetch media, got %d calls", media.calls())
	}

	// Near-identical copy above the Jaccard threshold
	v = c.CompareAdCreatives(context.Background(),
		imageCreative("buy now 50% off summer sale limited time only today", "a.jpg"),
		imageCreative("Buy now 50% off summer sale limited time only", "b.jpg"))
	if !v.Similar || v.Kind != KindText {
		t.Errorf("expected jaccard text match, got %+v", v)
	}
}

func TestCompareAdCreatives_ShortTextFallsThrough(t *testing.T) {
	media := newFakeMedia()
	media.images["a.jpg"] = 0x10
	media.images["b.jpg"] = 0x11
	c := NewComparator(media)

	v := c.CompareAdCreatives(context.Background(),
		imageCreative("Shop now", "a.jpg"),
		imageCreative("Shop now", "b.jpg"))
	if !v.Similar || v.Kind != KindImage {
		t.Errorf("expected image match, got %+v", v)
	}
	if v.Score != 1-1.0/64 {
		t.Errorf("score = %f", v.Score)
	}
}

func TestCompareAdCreatives_ShortTextCountsCharacters(t *testing.T) {
	media := newFakeMedia()
	media.images["a.jpg"] = 0x10
	media.images["b.jpg"] = 0x11
	c := NewComparator(media)

	// 8 characters, 24 bytes: too short for the text check
	body := "今天购买享受五折"
	v := c.CompareAdCreatives(context.Background(),
		imageCreative(body, "a.jpg"),
		imageCreative(body, "b.jpg"))
	if v.Kind != KindImage {
		t.Errorf("short CJK copy should fall through to media, got %+v", v)
	}
	if media.calls() == 0 {
		t.Error("expected media to be fetched")
	}
}

func TestCompareAdCreatives_ExactURL(t *testing.T) {
	media := newFakeMedia()
	c := NewComparator(media)

	v := c.CompareAdCreatives(context.Background(),
		imageCreative("", "x.jpg", "shared.jpg"),
		imageCreative("", "shared.jpg", "y.jpg"))
	if !v.Similar || v.Score != 1 || v.Kind != KindImage {
		t.Errorf("expected exact url match, got %+v", v)
	}
	if media.calls() != 0 {
		t.Errorf("exact url must short-circuit, got %d calls", media.calls())
	}
}

func TestCompareAdCreatives_BestPair(t *testing.T) {
	media := newFakeMedia()
	media.images["a1"] = 0
	media.images["a2"] = 0xFF00
	media.images["b1"] = 0b111 // distance 3 from a1
	media.images["b2"] = 0xFF01 // distance 1 from a2
	c := NewComparator(media)

	v := c.CompareAdCreatives(context.Background(),
		imageCreative("", "a1", "a2"),
		imageCreative("", "b1", "b2"))
	if !v.Similar || v.Score != 1-1.0/64 {
		t.Errorf("expected best pair at distance 1, got %+v", v)
	}
}

func TestShouldGroup_FormatMismatch(t *testing.T) {
	media := newFakeMedia()
	c := NewComparator(media)

	img := &models.Ad{ArchiveID: "1", Creatives: []models.Creative{imageCreative("", "a.jpg")}}
	vid := &models.Ad{ArchiveID: "2", Creatives: []models.Creative{videoCreative("hd.mp4", "sd.mp4", "")}}

	v := c.ShouldGroup(context.Background(), img, vid)
	if v.Similar {
		t.Errorf("image and video ads must not group, got %+v", v)
	}
	if media.calls() != 0 {
		t.Errorf("format mismatch must not touch the network, got %d calls", media.calls())
	}
}

func TestShouldGroup_BodyText(t *testing.T) {
	c := NewComparator(newFakeMedia())
	body := "Buy now 50% off summer sale limited time"

	a := &models.Ad{ArchiveID: "1", BodyText: body, Creatives: []models.Creative{imageCreative("", "one.jpg")}}
	b := &models.Ad{ArchiveID: "2", BodyText: body, Creatives: []models.Creative{imageCreative("", "two.jpg")}}

	v := c.ShouldGroup(context.Background(), a, b)
	if !v.Similar || v.Kind != KindText {
		t.Errorf("expected text grouping, got %+v", v)
	}
}
