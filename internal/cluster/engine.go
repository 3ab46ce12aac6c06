// Package cluster assigns ads to ad sets: it attaches each new ad to the
// first verified candidate or creates a new set, keeps set aggregates
// current and merges sets later found to show the same creative.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"adsets/internal/models"
)

// ErrInvalidAd is returned for records without an archive id
var ErrInvalidAd = errors.New("ad has no archive id")

// Outcome is the terminal state of one clustering decision
type Outcome string

const (
	OutcomeAttached Outcome = "attached"
	OutcomeCreated  Outcome = "created"
	OutcomeUpdated  Outcome = "updated"
)

// ViaSignature marks an attach through exact signature equality
const ViaSignature = "signature"

// Result describes where an ad ended up
type Result struct {
	ArchiveID  string
	ClusterID  int64
	Outcome    Outcome
	Signature  string
	Via        string  // signature, or the verdict kind of the winning candidate
	Score      float64 // verdict score of the winning candidate
	Candidates int     // candidates returned by the finder
	Verified   int     // candidates actually compared
}

// Engine runs the clustering decision. It is safe for concurrent use.
type Engine struct {
	store    Store
	builder  SignatureBuilder
	cmp      Comparator
	finder   CandidateFinder
	updater  IndexUpdater
	logger   zerolog.Logger
	limit    int
	workers  int
	adLocks  *keyedMutex[string]
	sigLocks *keyedMutex[string]
	setLocks *keyedMutex[int64]
	mergeMu  sync.Mutex
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithCandidateLimit sets how many candidates are fetched per ad
func WithCandidateLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.limit = n
		}
	}
}

// WithMergeWorkers sets the number of parallel comparisons in a merge pass
func WithMergeWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// NewEngine creates an Engine. A nil finder yields no candidates, so every
// ad without an exact signature match creates its own cluster. When the
// finder also implements IndexUpdater it is kept in step with the store.
func NewEngine(store Store, builder SignatureBuilder, cmp Comparator, finder CandidateFinder, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		builder:  builder,
		cmp:      cmp,
		finder:   finder,
		logger:   zerolog.Nop(),
		limit:    20,
		workers:  4,
		adLocks:  newKeyedMutex[string](),
		sigLocks: newKeyedMutex[string](),
		setLocks: newKeyedMutex[int64](),
	}
	if u, ok := finder.(IndexUpdater); ok {
		e.updater = u
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Process clusters one observed ad. Only persistence failures are returned;
// media and comparison failures degrade to "not similar".
func (e *Engine) Process(ctx context.Context, ad *models.Ad) (Result, error) {
	if ad == nil || ad.ArchiveID == "" {
		return Result{}, ErrInvalidAd
	}
	unlock := e.adLocks.lock(ad.ArchiveID)
	defer unlock()

	existing, err := e.store.GetAd(ctx, ad.ArchiveID)
	switch {
	case err == nil:
		return e.reobserve(ctx, existing, ad)
	case !errors.Is(err, ErrNotFound):
		return Result{}, fmt.Errorf("load ad %s: %w", ad.ArchiveID, err)
	}

	ad.ClusterID = 0
	ad.Signature = e.builder.Build(ctx, ad)
	return e.place(ctx, ad, 0)
}

// Recompute re-runs the clustering decision for a stored ad
func (e *Engine) Recompute(ctx context.Context, archiveID string) (Result, error) {
	if archiveID == "" {
		return Result{}, ErrInvalidAd
	}
	unlock := e.adLocks.lock(archiveID)
	defer unlock()

	ad, err := e.store.GetAd(ctx, archiveID)
	if err != nil {
		return Result{}, fmt.Errorf("load ad %s: %w", archiveID, err)
	}
	ad.Signature = e.builder.Build(ctx, ad)
	return e.place(ctx, ad, ad.ClusterID)
}

// reobserve updates a known ad in place; its cluster assignment is stable
func (e *Engine) reobserve(ctx context.Context, existing, incoming *models.Ad) (Result, error) {
	existing.BodyText = incoming.BodyText
	existing.Creatives = incoming.Creatives
	existing.PrimaryMedia = incoming.PrimaryMedia
	existing.StartDate = incoming.StartDate
	existing.Signature = e.builder.Build(ctx, existing)
	*incoming = *existing

	unlock := lockClusters(e.setLocks, existing.ClusterID)
	defer unlock()

	wctx := writeContext(ctx)
	if err := e.store.SaveAd(wctx, existing); err != nil {
		return Result{}, fmt.Errorf("update ad %s: %w", existing.ArchiveID, err)
	}
	if err := e.refresh(wctx, existing.ClusterID); err != nil {
		return Result{}, err
	}

	e.logger.Debug().
		Str("archive_id", existing.ArchiveID).
		Int64("cluster_id", existing.ClusterID).
		Msg("ad re-observed")
	return Result{
		ArchiveID: existing.ArchiveID,
		ClusterID: existing.ClusterID,
		Outcome:   OutcomeUpdated,
		Signature: existing.Signature,
	}, nil
}

// place runs exact match, candidate verification and create for an ad whose
// signature is set. prev is the cluster the ad currently belongs to, or 0.
func (e *Engine) place(ctx context.Context, ad *models.Ad, prev int64) (Result, error) {
	sig := ad.Signature
	unlockSig := e.sigLocks.lock(sig)
	defer unlockSig()

	res := Result{ArchiveID: ad.ArchiveID, Signature: sig}

	// Exact signature: cheapest path
	c, err := e.store.FindClusterBySignature(ctx, sig)
	switch {
	case err == nil:
		ok, err := e.attach(ctx, c.ID, ad, prev)
		if err != nil {
			return res, err
		}
		if ok {
			res.ClusterID, res.Outcome, res.Via, res.Score = c.ID, OutcomeAttached, ViaSignature, 1
			e.logAttach(res)
			return res, nil
		}
	case !errors.Is(err, ErrNotFound):
		return res, fmt.Errorf("find cluster by signature: %w", err)
	}

	// Candidates are a pre-filter; a failing finder only costs recall
	var ids []int64
	if e.finder != nil {
		ids, err = e.finder.FindCandidates(ctx, sig, e.limit)
		if err != nil {
			e.logger.Warn().Err(err).Str("archive_id", ad.ArchiveID).Msg("candidate lookup failed")
			ids = nil
		}
	}
	res.Candidates = len(ids)

	// First verified candidate wins, in rank order
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		rep, err := e.representative(ctx, id, ad.ArchiveID)
		if err != nil {
			return res, err
		}
		if rep == nil {
			continue
		}

		res.Verified++
		v := e.cmp.ShouldGroup(ctx, ad, rep)
		e.logger.Debug().
			Str("archive_id", ad.ArchiveID).
			Int64("cluster_id", id).
			Bool("similar", v.Similar).
			Str("kind", string(v.Kind)).
			Float64("score", v.Score).
			AnErr("media_error", v.Err).
			Msg("candidate verified")
		if !v.Similar {
			continue
		}

		ok, err := e.attach(ctx, id, ad, prev)
		if err != nil {
			return res, err
		}
		if !ok {
			continue // merged away while we compared
		}
		res.ClusterID, res.Outcome, res.Via, res.Score = id, OutcomeAttached, string(v.Kind), v.Score
		e.logAttach(res)
		return res, nil
	}

	return e.create(ctx, ad, prev, res)
}

// representative loads the canonical member of a candidate cluster.
// exclude keeps an ad from being compared with itself; nil means the
// cluster has nothing left to compare against.
func (e *Engine) representative(ctx context.Context, clusterID int64, exclude string) (*models.Ad, error) {
	c, err := e.store.GetCluster(ctx, clusterID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cluster %d: %w", clusterID, err)
	}

	if c.RepresentativeAdID != "" && c.RepresentativeAdID != exclude {
		rep, err := e.store.GetAd(ctx, c.RepresentativeAdID)
		if err == nil && rep.ClusterID == clusterID {
			return rep, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("load representative of %d: %w", clusterID, err)
		}
	}

	members, err := e.store.ListMembers(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("list members of %d: %w", clusterID, err)
	}
	others := members[:0:0]
	for _, m := range members {
		if m.ArchiveID != exclude {
			others = append(others, m)
		}
	}
	return models.SelectRepresentative(others), nil
}

// attach moves ad into clusterID and refreshes both affected clusters.
// It reports false when the target no longer exists.
func (e *Engine) attach(ctx context.Context, clusterID int64, ad *models.Ad, prev int64) (bool, error) {
	unlock := lockClusters(e.setLocks, clusterID, prev)
	defer unlock()

	if _, err := e.store.GetCluster(ctx, clusterID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load cluster %d: %w", clusterID, err)
	}

	wctx := writeContext(ctx)
	ad.ClusterID = clusterID
	if err := e.store.SaveAd(wctx, ad); err != nil {
		ad.ClusterID = prev
		return false, fmt.Errorf("attach %s to %d: %w", ad.ArchiveID, clusterID, err)
	}
	if err := e.refresh(wctx, clusterID); err != nil {
		return false, err
	}
	if prev != 0 && prev != clusterID {
		if err := e.refresh(wctx, prev); err != nil {
			return false, err
		}
	}
	return true, nil
}

// create makes ad the sole member of a new cluster. A duplicate signature
// means a concurrent writer won; the ad then joins that cluster instead.
func (e *Engine) create(ctx context.Context, ad *models.Ad, prev int64, res Result) (Result, error) {
	const attempts = 3
	wctx := writeContext(ctx)
	for i := 0; i < attempts; i++ {
		c := &models.Cluster{
			ContentSignature:   ad.Signature,
			VariantCount:       1,
			RepresentativeAdID: ad.ArchiveID,
			FirstSeen:          ad.StartDate,
			LastSeen:           ad.StartDate,
		}

		unlock := lockClusters(e.setLocks, prev)
		err := e.store.CreateClusterWithAd(wctx, c, ad)
		if err == nil && prev != 0 {
			err = e.refresh(wctx, prev)
		}
		unlock()

		if err == nil {
			if e.updater != nil {
				e.updater.Upsert(c.ID, c.ContentSignature)
			}
			res.ClusterID, res.Outcome, res.Via, res.Score = c.ID, OutcomeCreated, "", 0
			e.logger.Info().
				Str("archive_id", ad.ArchiveID).
				Int64("cluster_id", c.ID).
				Str("signature", c.ContentSignature).
				Int("candidates", res.Candidates).
				Msg("cluster created")
			return res, nil
		}
		if !errors.Is(err, ErrDuplicateSignature) {
			return res, fmt.Errorf("create cluster for %s: %w", ad.ArchiveID, err)
		}

		existing, err := e.store.FindClusterBySignature(wctx, ad.Signature)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return res, fmt.Errorf("find cluster by signature: %w", err)
		}
		ok, err := e.attach(wctx, existing.ID, ad, prev)
		if err != nil {
			return res, err
		}
		if ok {
			res.ClusterID, res.Outcome, res.Via, res.Score = existing.ID, OutcomeAttached, ViaSignature, 1
			e.logAttach(res)
			return res, nil
		}
	}
	return res, fmt.Errorf("create cluster for %s: %w", ad.ArchiveID, ErrDuplicateSignature)
}

// writeContext detaches persistence from the caller's deadline: once an ad
// is written, the aggregate refresh that follows runs to completion.
func writeContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// refresh recomputes a cluster's aggregates from its members; the caller
// holds the cluster lock. An empty cluster is deleted.
func (e *Engine) refresh(ctx context.Context, clusterID int64) error {
	members, err := e.store.ListMembers(ctx, clusterID)
	if err != nil {
		return fmt.Errorf("list members of %d: %w", clusterID, err)
	}
	if len(members) == 0 {
		if err := e.store.DeleteCluster(ctx, clusterID); err != nil {
			return fmt.Errorf("delete empty cluster %d: %w", clusterID, err)
		}
		if e.updater != nil {
			e.updater.Remove(clusterID)
		}
		e.logger.Info().Int64("cluster_id", clusterID).Msg("empty cluster deleted")
		return nil
	}

	c, err := e.store.GetCluster(ctx, clusterID)
	if err != nil {
		return fmt.Errorf("load cluster %d: %w", clusterID, err)
	}

	c.VariantCount = len(members)
	c.FirstSeen, c.LastSeen = models.DateRange(members)

	oldSig := c.ContentSignature
	rep := models.SelectRepresentative(members)
	if rep.ArchiveID != c.RepresentativeAdID {
		c.RepresentativeAdID = rep.ArchiveID
		sig := rep.Signature
		if sig == "" {
			sig = e.builder.Build(ctx, rep)
		}
		c.ContentSignature = sig
	}

	err = e.store.UpdateCluster(ctx, c)
	if errors.Is(err, ErrDuplicateSignature) && c.ContentSignature != oldSig {
		// Another cluster already holds the new signature; the merge pass
		// will fold the two together
		e.logger.Info().
			Int64("cluster_id", clusterID).
			Str("signature", c.ContentSignature).
			Msg("representative signature taken, keeping previous")
		c.ContentSignature = oldSig
		err = e.store.UpdateCluster(ctx, c)
	}
	if err != nil {
		return fmt.Errorf("update cluster %d: %w", clusterID, err)
	}

	if c.ContentSignature != oldSig && e.updater != nil {
		e.updater.Upsert(clusterID, c.ContentSignature)
	}
	return nil
}

func (e *Engine) logAttach(res Result) {
	e.logger.Info().
		Str("archive_id", res.ArchiveID).
		Int64("cluster_id", res.ClusterID).
		Str("via", res.Via).
		Float64("score", res.Score).
		Int("verified", res.Verified).
		Msg("ad attached")
}
