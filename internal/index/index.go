// Package index is an in-process candidate pre-filter over cluster
// signatures. It ranks clusters by trigram similarity of their signature
// strings and, for signatures that are 64-bit hashes, by Hamming distance
// through a BK-tree. It only narrows the search; comparators decide.
package index

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"adsets/internal/hash"
	"adsets/internal/models"
)

// Candidate is one ranked index hit
type Candidate struct {
	ClusterID int64
	Signature string
	Score     float64
}

// Lister lists every stored cluster
type Lister interface {
	ListClusters(ctx context.Context) ([]*models.Cluster, error)
}

type entry struct {
	signature string
	trigrams  map[string]struct{}
	hash      uint64
	isHash    bool
}

// Index is safe for concurrent use
type Index struct {
	mu       sync.RWMutex
	entries  map[int64]entry
	postings map[string]map[int64]struct{}
	tree     *bkTree

	similarity float64
	radius     int
}

// Option configures an Index
type Option func(*Index)

// WithSimilarity sets the minimum trigram similarity of a candidate
func WithSimilarity(f float64) Option {
	return func(ix *Index) {
		if f > 0 && f <= 1 {
			ix.similarity = f
		}
	}
}

// WithHammingRadius sets the bit radius of the hash side index; negative disables it
func WithHammingRadius(n int) Option {
	return func(ix *Index) {
		ix.radius = n
	}
}

// New creates an empty Index
func New(opts ...Option) *Index {
	ix := &Index{
		entries:    make(map[int64]entry),
		postings:   make(map[string]map[int64]struct{}),
		tree:       newBKTree(hash.HammingDistance),
		similarity: 0.8,
		radius:     10,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Load fills the index from every cluster in the store
func (ix *Index) Load(ctx context.Context, l Lister) error {
	clusters, err := l.ListClusters(ctx)
	if err != nil {
		return fmt.Errorf("failed to list clusters: %w", err)
	}
	for _, c := range clusters {
		ix.Upsert(c.ID, c.ContentSignature)
	}
	return nil
}

// Len returns the number of indexed clusters
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Upsert indexes a cluster under its current signature
func (ix *Index) Upsert(id int64, sig string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if old, ok := ix.entries[id]; ok {
		if old.signature == sig {
			return
		}
		ix.removeLocked(id, old)
	}

	e := entry{signature: sig, trigrams: Trigrams(sig)}
	if h, err := hash.Parse(sig); err == nil {
		e.hash, e.isHash = h, true
		ix.tree.insert(h, id)
	}
	for tg := range e.trigrams {
		ids, ok := ix.postings[tg]
		if !ok {
			ids = make(map[int64]struct{})
			ix.postings[tg] = ids
		}
		ids[id] = struct{}{}
	}
	ix.entries[id] = e
}

// Remove drops a cluster from the index
func (ix *Index) Remove(id int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if old, ok := ix.entries[id]; ok {
		ix.removeLocked(id, old)
	}
}

func (ix *Index) removeLocked(id int64, old entry) {
	for tg := range old.trigrams {
		if ids, ok := ix.postings[tg]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(ix.postings, tg)
			}
		}
	}
	delete(ix.entries, id)

	// BK-trees cannot delete; stale nodes are filtered on search and the
	// tree is rebuilt once they outnumber live ones
	if ix.tree.size() > 2*len(ix.entries)+16 {
		ix.rebuildTreeLocked()
	}
}

func (ix *Index) rebuildTreeLocked() {
	ix.tree = newBKTree(hash.HammingDistance)
	ids := make([]int64, 0, len(ix.entries))
	for id := range ix.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if e := ix.entries[id]; e.isHash {
			ix.tree.insert(e.hash, id)
		}
	}
}

// FindCandidates returns up to limit cluster ids, most similar first
func (ix *Index) FindCandidates(ctx context.Context, sig string, limit int) ([]int64, error) {
	hits := ix.Search(sig, limit)
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.ClusterID
	}
	return ids, nil
}

// Search ranks indexed clusters against sig. Ties are broken by ascending
// cluster id so the order is deterministic.
func (ix *Index) Search(sig string, limit int) []Candidate {
	if limit <= 0 {
		limit = 20
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	scores := make(map[int64]float64)

	query := Trigrams(sig)
	if len(query) > 0 {
		overlap := make(map[int64]int)
		for tg := range query {
			for id := range ix.postings[tg] {
				overlap[id]++
			}
		}
		for id, n := range overlap {
			e := ix.entries[id]
			s := float64(n) / float64(len(query)+len(e.trigrams)-n)
			if s >= ix.similarity {
				scores[id] = s
			}
		}
	}

	if ix.radius >= 0 {
		if h, err := hash.Parse(sig); err == nil {
			for _, m := range ix.tree.findWithinDistance(h, ix.radius) {
				e, ok := ix.entries[m.id]
				if !ok || !e.isHash || e.hash != m.hash {
					continue // stale node
				}
				s := 1 - float64(m.distance)/float64(hash.Bits)
				if s > scores[m.id] {
					scores[m.id] = s
				}
			}
		}
	}

	hits := make([]Candidate, 0, len(scores))
	for id, s := range scores {
		hits = append(hits, Candidate{ClusterID: id, Signature: ix.entries[id].signature, Score: s})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ClusterID < hits[j].ClusterID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
