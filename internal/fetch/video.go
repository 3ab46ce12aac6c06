package fetch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// FrameDecoder decodes frames from a remote video without downloading it
// in full
type FrameDecoder interface {
	// Duration returns the stream duration, or 0 when unknown
	Duration(ctx context.Context, url string) (time.Duration, error)
	// FrameAt decodes the frame nearest to the given timestamp
	FrameAt(ctx context.Context, url string, at time.Duration) (image.Image, error)
	// Frames decodes up to n frames from the start of the stream
	Frames(ctx context.Context, url string, n int) ([]image.Image, error)
}

// Video is an opened remote video stream
type Video struct {
	URL      string
	duration time.Duration
	decoder  FrameDecoder
	timeout  time.Duration
}

// Duration returns the probed duration, 0 if unknown
func (v *Video) Duration() time.Duration {
	return v.duration
}

// FrameAt decodes one frame at the given offset
func (v *Video) FrameAt(ctx context.Context, at time.Duration) (image.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	img, err := v.decoder.FrameAt(ctx, v.URL, at)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return img, nil
}

// Frames decodes the first n frames in sequence
func (v *Video) Frames(ctx context.Context, n int) ([]image.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	frames, err := v.decoder.Frames(ctx, v.URL, n)
	if err != nil {
		return frames, classify(ctx, err)
	}
	return frames, nil
}

// FFmpeg decodes frames by piping PNG images out of an ffmpeg subprocess.
// ffmpeg reads the remote URL itself with range requests, so the video is
// never held in memory.
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
	// Timeout bounds each network read inside ffmpeg
	Timeout time.Duration
}

func (f *FFmpeg) ffmpeg() string {
	if f.FFmpegPath == "" {
		return "ffmpeg"
	}
	return f.FFmpegPath
}

func (f *FFmpeg) ffprobe() string {
	if f.FFprobePath == "" {
		return "ffprobe"
	}
	return f.FFprobePath
}

// rwTimeout is the ffmpeg protocol timeout in microseconds
func (f *FFmpeg) rwTimeout() string {
	d := f.Timeout
	if d <= 0 {
		d = 20 * time.Second
	}
	return strconv.FormatInt(d.Microseconds(), 10)
}

// Duration runs ffprobe to read the container duration
func (f *FFmpeg) Duration(ctx context.Context, url string) (time.Duration, error) {
	cmd := exec.CommandContext(ctx, f.ffprobe(),
		"-v", "error",
		"-rw_timeout", f.rwTimeout(),
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		url,
	)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("%w: ffprobe %s", ErrTimeout, url)
		}
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	return parseDuration(string(out)), nil
}

// FrameAt seeks to the timestamp and decodes a single frame
func (f *FFmpeg) FrameAt(ctx context.Context, url string, at time.Duration) (image.Image, error) {
	args := []string{
		"-v", "error",
		"-rw_timeout", f.rwTimeout(),
		"-ss", fmt.Sprintf("%.3f", at.Seconds()),
		"-i", url,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-c:v", "png",
		"-",
	}
	frames, err := f.run(ctx, args, 1)
	if err != nil {
		return nil, err
	}
	return frames[0], nil
}

// Frames decodes the first n frames of the stream
func (f *FFmpeg) Frames(ctx context.Context, url string, n int) ([]image.Image, error) {
	if n <= 0 {
		return nil, nil
	}
	args := []string{
		"-v", "error",
		"-rw_timeout", f.rwTimeout(),
		"-i", url,
		"-frames:v", strconv.Itoa(n),
		"-f", "image2pipe",
		"-c:v", "png",
		"-",
	}
	return f.run(ctx, args, n)
}

func (f *FFmpeg) run(ctx context.Context, args []string, n int) ([]image.Image, error) {
	cmd := exec.CommandContext(ctx, f.ffmpeg(), args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg start: %w", err)
	}

	frames, decodeErr := decodePNGStream(stdout, n)
	io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return frames, fmt.Errorf("%w: ffmpeg", ErrTimeout)
	}
	if len(frames) == 0 {
		if waitErr != nil {
			return nil, fmt.Errorf("%w: ffmpeg: %v: %s", ErrDecode, waitErr, strings.TrimSpace(stderr.String()))
		}
		if decodeErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, decodeErr)
		}
		return nil, ErrNoFrames
	}
	return frames, nil
}

// decodePNGStream reads up to n concatenated PNG images from r.
// The PNG decoder stops at the IEND chunk, so images can be read back to back.
func decodePNGStream(r io.Reader, n int) ([]image.Image, error) {
	br := bufio.NewReader(r)
	var frames []image.Image
	for len(frames) < n {
		if _, err := br.Peek(1); err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			return frames, err
		}
		img, err := png.Decode(br)
		if err != nil {
			return frames, err
		}
		frames = append(frames, img)
	}
	return frames, nil
}

// parseDuration converts ffprobe's seconds output; "N/A" and garbage are 0
func parseDuration(out string) time.Duration {
	s := strings.TrimSpace(out)
	if s == "" {
		return 0
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
