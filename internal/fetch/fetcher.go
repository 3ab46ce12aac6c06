package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/webp"
)

var (
	// ErrTimeout is returned when a remote does not answer within the
	// configured deadline
	ErrTimeout = errors.New("fetch timed out")
	// ErrDecode is returned for corrupt or unsupported media
	ErrDecode = errors.New("failed to decode media")
	// ErrTooLarge is returned when an image exceeds the byte limit
	ErrTooLarge = errors.New("media exceeds size limit")
	// ErrNoFrames is returned when a video yields no decodable frame
	ErrNoFrames = errors.New("no decodable frames")
)

// HTTPError is a non-2xx response from a media host
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d fetching %s", e.StatusCode, e.URL)
}

// HeadInfo is the metadata returned by a HEAD probe
type HeadInfo struct {
	ETag          string
	ContentLength int64
	ContentType   string
}

// Image is a decoded remote image with the metadata used for scoring
type Image struct {
	Image   image.Image
	Format  string
	Size    int64
	HasExif bool
}

// Fetcher downloads remote images, probes headers and opens video streams.
// Every call is bounded by a timeout.
type Fetcher struct {
	client        *http.Client
	frames        FrameDecoder
	headTimeout   time.Duration
	fetchTimeout  time.Duration
	maxImageBytes int64
	userAgent     string
}

// Option configures a Fetcher
type Option func(*Fetcher)

// WithClient sets the HTTP client
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithFrameDecoder sets the video frame decoder
func WithFrameDecoder(d FrameDecoder) Option {
	return func(f *Fetcher) {
		if d != nil {
			f.frames = d
		}
	}
}

// WithHeadTimeout sets the timeout for HEAD probes
func WithHeadTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.headTimeout = d
		}
	}
}

// WithFetchTimeout sets the timeout for image downloads and frame decodes
func WithFetchTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.fetchTimeout = d
		}
	}
}

// WithMaxImageBytes sets the largest image body that will be read
func WithMaxImageBytes(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxImageBytes = n
		}
	}
}

// WithUserAgent sets the User-Agent header sent to media hosts
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		f.userAgent = ua
	}
}

// New creates a new Fetcher
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:        &http.Client{},
		headTimeout:   5 * time.Second,
		fetchTimeout:  20 * time.Second,
		maxImageBytes: 20 << 20,
		userAgent:     "adsets/1.0",
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.frames == nil {
		f.frames = &FFmpeg{Timeout: f.fetchTimeout}
	}
	return f
}

// FetchTimeout returns the timeout applied to image and frame fetches
func (f *Fetcher) FetchTimeout() time.Duration {
	return f.fetchTimeout
}

// FetchImage downloads and decodes an image
func (f *Fetcher) FetchImage(ctx context.Context, url string) (*Image, error) {
	ctx, cancel := context.WithTimeout(ctx, f.fetchTimeout)
	defer cancel()

	resp, err := f.do(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxImageBytes+1))
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("failed to read body: %w", err))
	}
	if int64(len(data)) > f.maxImageBytes {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, url)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, url, err)
	}

	_, exifErr := exif.Decode(bytes.NewReader(data))

	return &Image{
		Image:   img,
		Format:  strings.ToLower(format),
		Size:    int64(len(data)),
		HasExif: exifErr == nil,
	}, nil
}

// Head probes a URL for its ETag and Content-Length
func (f *Fetcher) Head(ctx context.Context, url string) (HeadInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, f.headTimeout)
	defer cancel()

	resp, err := f.do(ctx, http.MethodHead, url)
	if err != nil {
		return HeadInfo{}, err
	}
	defer resp.Body.Close()

	length := resp.ContentLength
	if length < 0 {
		length = 0
	}

	return HeadInfo{
		ETag:          strings.TrimSpace(resp.Header.Get("ETag")),
		ContentLength: length,
		ContentType:   resp.Header.Get("Content-Type"),
	}, nil
}

// OpenVideo probes a remote video and returns a handle for frame sampling.
// An unknown duration is not an error; a timed-out probe is.
func (f *Fetcher) OpenVideo(ctx context.Context, url string) (*Video, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("empty video url")
	}

	probeCtx, cancel := context.WithTimeout(ctx, f.fetchTimeout)
	defer cancel()

	duration, err := f.frames.Duration(probeCtx, url)
	if err != nil {
		if errors.Is(err, ErrTimeout) || probeCtx.Err() != nil {
			return nil, fmt.Errorf("%w: probing %s", ErrTimeout, url)
		}
		duration = 0
	}

	return &Video{
		URL:      url,
		duration: duration,
		decoder:  f.frames,
		timeout:  f.fetchTimeout,
	}, nil
}

func (f *Fetcher) do(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classify(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &HTTPError{URL: url, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// classify maps deadline and network timeouts onto ErrTimeout
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
