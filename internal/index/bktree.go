package index

// bkTree is a BK-tree for efficient similarity search using metric distances.
// It supports O(log n) average-case lookup for finding all elements within
// a given distance threshold.
type bkTree struct {
	root     *bkNode
	distance func(a, b uint64) int
	count    int
}

type bkNode struct {
	hash     uint64
	id       int64
	children map[int]*bkNode // distance -> child node
}

// bkMatch is one tree entry within the search radius
type bkMatch struct {
	hash     uint64
	id       int64
	distance int
}

func newBKTree(distanceFn func(a, b uint64) int) *bkTree {
	return &bkTree{distance: distanceFn}
}

// insert adds a hash with its cluster id to the tree
func (t *bkTree) insert(hash uint64, id int64) {
	node := &bkNode{
		hash:     hash,
		id:       id,
		children: make(map[int]*bkNode),
	}
	t.count++

	if t.root == nil {
		t.root = node
		return
	}

	current := t.root
	for {
		dist := t.distance(hash, current.hash)
		if child, exists := current.children[dist]; exists {
			current = child
		} else {
			current.children[dist] = node
			return
		}
	}
}

// findWithinDistance returns every entry within threshold of the query
func (t *bkTree) findWithinDistance(hash uint64, threshold int) []bkMatch {
	if t.root == nil {
		return nil
	}

	var results []bkMatch
	t.searchNode(t.root, hash, threshold, &results)
	return results
}

func (t *bkTree) searchNode(node *bkNode, hash uint64, threshold int, results *[]bkMatch) {
	dist := t.distance(hash, node.hash)

	if dist <= threshold {
		*results = append(*results, bkMatch{hash: node.hash, id: node.id, distance: dist})
	}

	// Triangle inequality: only need to check children with distance
	// in range [dist - threshold, dist + threshold]
	minDist := dist - threshold
	if minDist < 0 {
		minDist = 0
	}
	maxDist := dist + threshold

	for childDist, child := range node.children {
		if childDist >= minDist && childDist <= maxDist {
			t.searchNode(child, hash, threshold, results)
		}
	}
}

// size returns the number of entries, stale ones included
func (t *bkTree) size() int {
	return t.count
}
