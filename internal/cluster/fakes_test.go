package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"adsets/internal/match"
	"adsets/internal/models"
)

// memStore is an in-memory Store enforcing unique signatures
type memStore struct {
	mu       sync.Mutex
	ads      map[string]models.Ad
	clusters map[int64]models.Cluster
	distinct map[[2]string]bool
	runs     []models.MergeRun
	nextID   int64

	failSave error
}

func newMemStore() *memStore {
	return &memStore{
		ads:      make(map[string]models.Ad),
		clusters: make(map[int64]models.Cluster),
		distinct: make(map[[2]string]bool),
	}
}

func (s *memStore) GetAd(ctx context.Context, archiveID string) (*models.Ad, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ad, ok := s.ads[archiveID]
	if !ok {
		return nil, fmt.Errorf("ad %s: %w", archiveID, ErrNotFound)
	}
	return &ad, nil
}

func (s *memStore) SaveAd(ctx context.Context, ad *models.Ad) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return s.failSave
	}
	if _, ok := s.clusters[ad.ClusterID]; !ok {
		return fmt.Errorf("cluster %d does not exist", ad.ClusterID)
	}
	s.ads[ad.ArchiveID] = *ad
	return nil
}

func (s *memStore) ListMembers(ctx context.Context, clusterID int64) ([]*models.Ad, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Ad
	for _, ad := range s.ads {
		if ad.ClusterID == clusterID {
			ad := ad
			out = append(out, &ad)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArchiveID < out[j].ArchiveID })
	return out, nil
}

func (s *memStore) GetCluster(ctx context.Context, id int64) (*models.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clusters[id]
	if !ok {
		return nil, fmt.Errorf("cluster %d: %w", id, ErrNotFound)
	}
	return &c, nil
}

func (s *memStore) FindClusterBySignature(ctx context.Context, sig string) (*models.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clusters {
		if c.ContentSignature == sig {
			c := c
			return &c, nil
		}
	}
	return nil, fmt.Errorf("signature %s: %w", sig, ErrNotFound)
}

func (s *memStore) ListClusters(ctx context.Context) ([]*models.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Cluster, 0, len(s.clusters))
	for _, c := range s.clusters {
		c := c
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) sigTakenLocked(sig string, except int64) bool {
	for id, c := range s.clusters {
		if id != except && c.ContentSignature == sig {
			return true
		}
	}
	return false
}

func (s *memStore) CreateClusterWithAd(ctx context.Context, c *models.Cluster, ad *models.Ad) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sigTakenLocked(c.ContentSignature, 0) {
		return fmt.Errorf("signature %s: %w", c.ContentSignature, ErrDuplicateSignature)
	}
	if s.failSave != nil {
		return s.failSave
	}
	s.nextID++
	c.ID = s.nextID
	ad.ClusterID = c.ID
	s.clusters[c.ID] = *c
	s.ads[ad.ArchiveID] = *ad
	return nil
}

func (s *memStore) UpdateCluster(ctx context.Context, c *models.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clusters[c.ID]; !ok {
		return fmt.Errorf("cluster %d: %w", c.ID, ErrNotFound)
	}
	if s.sigTakenLocked(c.ContentSignature, c.ID) {
		return fmt.Errorf("signature %s: %w", c.ContentSignature, ErrDuplicateSignature)
	}
	s.clusters[c.ID] = *c
	return nil
}

func (s *memStore) DeleteCluster(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clusters, id)
	return nil
}

func (s *memStore) MergeClusters(ctx context.Context, survivor, absorbed int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, okS := s.clusters[survivor]
	_, okA := s.clusters[absorbed]
	if !okS || !okA {
		return ErrNotFound
	}
	for id, ad := range s.ads {
		if ad.ClusterID == absorbed {
			ad.ClusterID = survivor
			s.ads[id] = ad
		}
	}
	delete(s.clusters, absorbed)
	return nil
}

func (s *memStore) IsKnownDistinct(ctx context.Context, a, b string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	x, y := models.PairKey(a, b)
	return s.distinct[[2]string{x, y}], nil
}

func (s *memStore) MarkDistinct(ctx context.Context, a, b string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	x, y := models.PairKey(a, b)
	s.distinct[[2]string{x, y}] = true
	return nil
}

func (s *memStore) RecordMergeRun(ctx context.Context, run *models.MergeRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, *run)
	return nil
}

// checkInvariants verifies counts, representatives and date ranges
func (s *memStore) checkInvariants() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := make(map[int64][]*models.Ad)
	for _, ad := range s.ads {
		if _, ok := s.clusters[ad.ClusterID]; !ok {
			return fmt.Errorf("ad %s orphaned in cluster %d", ad.ArchiveID, ad.ClusterID)
		}
		ad := ad
		members[ad.ClusterID] = append(members[ad.ClusterID], &ad)
	}
	for id, c := range s.clusters {
		m := members[id]
		if len(m) == 0 {
			return fmt.Errorf("cluster %d is empty", id)
		}
		if c.VariantCount != len(m) {
			return fmt.Errorf("cluster %d variant_count %d, has %d members", id, c.VariantCount, len(m))
		}
		if rep := models.SelectRepresentative(m); rep.ArchiveID != c.RepresentativeAdID {
			return fmt.Errorf("cluster %d representative %s, want %s", id, c.RepresentativeAdID, rep.ArchiveID)
		}
		first, last := models.DateRange(m)
		if !sameTime(first, c.FirstSeen) || !sameTime(last, c.LastSeen) {
			return fmt.Errorf("cluster %d date range %v..%v, want %v..%v", id, c.FirstSeen, c.LastSeen, first, last)
		}
	}
	return nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// fakeComparator judges pairs from a fixed set of similar archive id pairs
type fakeComparator struct {
	mu      sync.Mutex
	similar map[[2]string]match.Kind
	calls   []string
	down    bool // every comparison fails to fetch media
}

func newFakeComparator(pairs ...[2]string) *fakeComparator {
	f := &fakeComparator{similar: make(map[[2]string]match.Kind)}
	for _, p := range pairs {
		f.allow(p[0], p[1], match.KindImage)
	}
	return f
}

func (f *fakeComparator) allow(a, b string, kind match.Kind) {
	x, y := models.PairKey(a, b)
	f.similar[[2]string{x, y}] = kind
}

func (f *fakeComparator) ShouldGroup(ctx context.Context, a, b *models.Ad) match.Verdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, a.ArchiveID+"~"+b.ArchiveID)
	if f.down {
		return match.Verdict{Kind: match.KindNone, Err: errors.New("fetch failed")}
	}
	x, y := models.PairKey(a.ArchiveID, b.ArchiveID)
	if kind, ok := f.similar[[2]string{x, y}]; ok {
		return match.Verdict{Similar: true, Score: 1, Kind: kind}
	}
	return match.Verdict{Kind: match.KindNone}
}

func (f *fakeComparator) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeComparator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeBuilder returns preset signatures, falling back to the archive id
type fakeBuilder struct {
	mu   sync.Mutex
	sigs map[string]string
}

func newFakeBuilder(sigs map[string]string) *fakeBuilder {
	if sigs == nil {
		sigs = map[string]string{}
	}
	return &fakeBuilder{sigs: sigs}
}

func (b *fakeBuilder) Build(ctx context.Context, ad *models.Ad) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sig, ok := b.sigs[ad.ArchiveID]; ok {
		return sig
	}
	return ad.ArchiveID
}

func (b *fakeBuilder) set(archiveID, sig string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sigs[archiveID] = sig
}

// staticFinder returns the same ranked ids for every query
type staticFinder struct {
	ids []int64
	err error
}

func (f staticFinder) FindCandidates(ctx context.Context, sig string, limit int) ([]int64, error) {
	return f.ids, f.err
}

// cancelAfterSave cancels the caller's context as soon as an ad write
// succeeds; every later call on a canceled context fails like a real driver
type cancelAfterSave struct {
	*memStore
	cancel context.CancelFunc
}

func (s *cancelAfterSave) SaveAd(ctx context.Context, ad *models.Ad) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.memStore.SaveAd(ctx, ad); err != nil {
		return err
	}
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *cancelAfterSave) ListMembers(ctx context.Context, clusterID int64) ([]*models.Ad, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.memStore.ListMembers(ctx, clusterID)
}

func (s *cancelAfterSave) GetCluster(ctx context.Context, id int64) (*models.Cluster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.memStore.GetCluster(ctx, id)
}

func (s *cancelAfterSave) UpdateCluster(ctx context.Context, c *models.Cluster) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.memStore.UpdateCluster(ctx, c)
}

func (s *cancelAfterSave) DeleteCluster(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.memStore.DeleteCluster(ctx, id)
}
