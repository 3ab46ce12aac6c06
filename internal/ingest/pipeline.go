package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"adsets/internal/cluster"
	"adsets/internal/models"
)

// Processor clusters one ad
type Processor interface {
	Process(ctx context.Context, ad *models.Ad) (cluster.Result, error)
}

// Summary counts the outcomes of one batch
type Summary struct {
	Total    int
	Created  int
	Attached int
	Updated  int
	Failed   int
	Results  []cluster.Result
	Duration time.Duration
}

// Pipeline feeds ads through a Processor on a bounded worker pool
type Pipeline struct {
	proc       Processor
	workers    int
	timeout    time.Duration
	progressFn func(done, total int, archiveID string)
	logger     zerolog.Logger
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithWorkers sets the number of parallel workers
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithTimeout bounds the time spent clustering each ad
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.timeout = d
	}
}

// WithProgress sets a progress callback
func WithProgress(fn func(done, total int, archiveID string)) Option {
	return func(p *Pipeline) {
		p.progressFn = fn
	}
}

// WithLogger sets the pipeline logger
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// NewPipeline creates a Pipeline around proc
func NewPipeline(proc Processor, opts ...Option) *Pipeline {
	p := &Pipeline{
		proc:    proc,
		workers: 8,
		timeout: 2 * time.Minute,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run clusters every ad. Invalid ads and ads that exceed their timeout are
// counted as failed; the first persistence failure stops the batch and is
// returned along with what was done so far.
func (p *Pipeline) Run(ctx context.Context, ads []*models.Ad) (Summary, error) {
	started := time.Now()
	summary := Summary{Total: len(ads)}
	if len(ads) == 0 {
		return summary, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		done     int64
		firstErr error
		total    = len(ads)
	)

	work := make(chan *models.Ad, len(ads))
	for _, ad := range ads {
		work <- ad
	}
	close(work)

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ad := range work {
				if ctx.Err() != nil {
					return
				}

				res, err := p.processOne(ctx, ad)

				mu.Lock()
				switch {
				case err == nil:
					summary.Results = append(summary.Results, res)
					switch res.Outcome {
					case cluster.OutcomeCreated:
						summary.Created++
					case cluster.OutcomeAttached:
						summary.Attached++
					case cluster.OutcomeUpdated:
						summary.Updated++
					}
				case p.recoverable(ctx, err):
					summary.Failed++
					p.logger.Warn().Err(err).Str("archive_id", ad.ArchiveID).Msg("ad skipped")
				default:
					if firstErr == nil && ctx.Err() == nil {
						firstErr = fmt.Errorf("process ad %s: %w", ad.ArchiveID, err)
						p.logger.Error().Err(err).Str("archive_id", ad.ArchiveID).Msg("persistence failed, stopping batch")
						cancel()
					}
				}
				mu.Unlock()

				n := atomic.AddInt64(&done, 1)
				if p.progressFn != nil {
					p.progressFn(int(n), total, ad.ArchiveID)
				}
			}
		}()
	}

	wg.Wait()
	summary.Duration = time.Since(started)

	if firstErr != nil {
		return summary, firstErr
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

func (p *Pipeline) processOne(ctx context.Context, ad *models.Ad) (cluster.Result, error) {
	if p.timeout <= 0 {
		return p.proc.Process(ctx, ad)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.proc.Process(ctx, ad)
}

// recoverable reports whether err only affects the ad that produced it
func (p *Pipeline) recoverable(ctx context.Context, err error) bool {
	if errors.Is(err, cluster.ErrInvalidAd) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil
}
