package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"adsets/internal/models"
)

// ErrMergeInProgress is returned when a merge pass is already running
var ErrMergeInProgress = errors.New("merge pass already in progress")

// MergeReport summarizes one merge pass
type MergeReport struct {
	RunID        string
	Clusters     int
	Compared     int
	Skipped      int // pairs already known to be distinct
	Merged       int // clusters absorbed
	Inconclusive int // negatives caused by media errors, left unrecorded
	Components   [][]int64
	DryRun       bool
	Duration     time.Duration
}

// MergeOption configures a single merge pass
type MergeOption func(*mergeConfig)

type mergeConfig struct {
	dryRun bool
}

// DryRun reports the components that would merge without changing anything
func DryRun() MergeOption {
	return func(c *mergeConfig) {
		c.dryRun = true
	}
}

type mergeSide struct {
	cluster *models.Cluster
	rep     *models.Ad
}

type pairJob struct {
	i, j int
}

type pairResult struct {
	i, j    int
	similar bool
	err     error // media failure behind a negative verdict
}

// MergePass compares the representatives of every pair of clusters not yet
// known to be distinct and merges each connected group of matches into its
// largest cluster. Running it on converged clusters changes nothing.
func (e *Engine) MergePass(ctx context.Context, opts ...MergeOption) (MergeReport, error) {
	if !e.mergeMu.TryLock() {
		return MergeReport{}, ErrMergeInProgress
	}
	defer e.mergeMu.Unlock()

	var cfg mergeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	started := time.Now().UTC()
	report := MergeReport{RunID: uuid.NewString(), DryRun: cfg.dryRun}

	clusters, err := e.store.ListClusters(ctx)
	if err != nil {
		return report, fmt.Errorf("list clusters: %w", err)
	}
	report.Clusters = len(clusters)

	sides := make([]mergeSide, 0, len(clusters))
	for _, c := range clusters {
		rep, err := e.representative(ctx, c.ID, "")
		if err != nil {
			return report, err
		}
		if rep == nil {
			continue
		}
		sides = append(sides, mergeSide{cluster: c, rep: rep})
	}

	var jobs []pairJob
	for i := 0; i < len(sides); i++ {
		for j := i + 1; j < len(sides); j++ {
			known, err := e.store.IsKnownDistinct(ctx, sides[i].cluster.ContentSignature, sides[j].cluster.ContentSignature)
			if err != nil {
				return report, fmt.Errorf("check merge history: %w", err)
			}
			if known {
				report.Skipped++
				continue
			}
			jobs = append(jobs, pairJob{i: i, j: j})
		}
	}

	results := e.comparePairs(ctx, sides, jobs)
	if err := ctx.Err(); err != nil {
		return report, err
	}

	uf := newUnionFind(len(sides))
	for _, r := range results {
		report.Compared++
		if r.similar {
			uf.union(r.i, r.j)
			continue
		}
		if r.err != nil {
			// A fetch failure says nothing about the pair; compare it again next pass
			report.Inconclusive++
			continue
		}
		if cfg.dryRun {
			continue
		}
		a, b := sides[r.i].cluster.ContentSignature, sides[r.j].cluster.ContentSignature
		if err := e.store.MarkDistinct(ctx, a, b); err != nil {
			return report, fmt.Errorf("record merge check: %w", err)
		}
	}

	for _, group := range uf.groups() {
		survivor := group[0]
		for _, idx := range group[1:] {
			s, c := sides[survivor].cluster, sides[idx].cluster
			if c.VariantCount > s.VariantCount || (c.VariantCount == s.VariantCount && c.ID < s.ID) {
				survivor = idx
			}
		}

		ids := []int64{sides[survivor].cluster.ID}
		for _, idx := range group {
			if idx != survivor {
				ids = append(ids, sides[idx].cluster.ID)
			}
		}
		report.Components = append(report.Components, ids)

		if cfg.dryRun {
			continue
		}
		for _, absorbed := range ids[1:] {
			merged, err := e.merge(ctx, ids[0], absorbed)
			if err != nil {
				return report, err
			}
			if merged {
				report.Merged++
			}
		}
	}

	finished := time.Now().UTC()
	report.Duration = finished.Sub(started)
	run := &models.MergeRun{
		ID:         report.RunID,
		StartedAt:  started,
		FinishedAt: finished,
		Clusters:   report.Clusters,
		Compared:   report.Compared,
		Skipped:    report.Skipped,
		Merged:     report.Merged,
		DryRun:     report.DryRun,
	}
	if err := e.store.RecordMergeRun(ctx, run); err != nil {
		return report, fmt.Errorf("record merge run: %w", err)
	}

	e.logger.Info().
		Str("run_id", report.RunID).
		Int("clusters", report.Clusters).
		Int("compared", report.Compared).
		Int("skipped", report.Skipped).
		Int("merged", report.Merged).
		Int("inconclusive", report.Inconclusive).
		Bool("dry_run", report.DryRun).
		Dur("duration", report.Duration).
		Msg("merge pass finished")
	return report, nil
}

// comparePairs verifies pairs on a bounded pool; results keep job order
func (e *Engine) comparePairs(ctx context.Context, sides []mergeSide, jobs []pairJob) []pairResult {
	results := make([]pairResult, len(jobs))
	work := make(chan int, len(jobs))
	for k := range jobs {
		work <- k
	}
	close(work)

	var wg sync.WaitGroup
	for w := 0; w < e.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := range work {
				if ctx.Err() != nil {
					return
				}
				job := jobs[k]
				v := e.cmp.ShouldGroup(ctx, sides[job.i].rep, sides[job.j].rep)
				results[k] = pairResult{i: job.i, j: job.j, similar: v.Similar}
				if !v.Similar {
					results[k].err = v.Err
				}
				e.logger.Debug().
					Int64("cluster_a", sides[job.i].cluster.ID).
					Int64("cluster_b", sides[job.j].cluster.ID).
					Bool("similar", v.Similar).
					Str("kind", string(v.Kind)).
					AnErr("media_error", v.Err).
					Msg("merge pair compared")
			}
		}()
	}
	wg.Wait()
	return results
}

// merge folds absorbed into survivor under both cluster locks. It reports
// false when either cluster disappeared since the pass started.
func (e *Engine) merge(ctx context.Context, survivor, absorbed int64) (bool, error) {
	unlock := lockClusters(e.setLocks, survivor, absorbed)
	defer unlock()

	for _, id := range []int64{survivor, absorbed} {
		if _, err := e.store.GetCluster(ctx, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("load cluster %d: %w", id, err)
		}
	}

	wctx := writeContext(ctx)
	if err := e.store.MergeClusters(wctx, survivor, absorbed); err != nil {
		return false, fmt.Errorf("merge %d into %d: %w", absorbed, survivor, err)
	}
	if e.updater != nil {
		e.updater.Remove(absorbed)
	}
	if err := e.refresh(wctx, survivor); err != nil {
		return false, err
	}

	e.logger.Info().
		Int64("survivor", survivor).
		Int64("absorbed", absorbed).
		Msg("clusters merged")
	return true, nil
}
