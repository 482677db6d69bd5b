package hashring

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
)

// DefaultBaseWeight is the per-node virtual-node multiplier used when
// none is supplied (§3: "baseWeight defaults to 50 so a 3-node ring
// still distributes evenly to within a few percent").
const DefaultBaseWeight = 50

type clockEntry struct {
	hash int32
	id   string
}

type ringSnapshot struct {
	weights map[string]int
	clock   []clockEntry
}

// Ring is a Ketama-style consistent hash ring over a set of weighted
// nodes. Reads (GetNode, GetNodes, Nodes) never block and never see a
// partially updated ring: each edit builds a brand new snapshot and
// swaps it in atomically (§3 Lifecycles, §5 Shared-resource policy),
// so a lookup in flight always sees either the pre- or post-edit ring.
type Ring struct {
	baseWeight int
	hash       HashFunc
	mu         sync.Mutex // serializes writers only; readers are lock-free
	cur        atomic.Pointer[ringSnapshot]
}

// New returns an empty Ring. baseWeight <= 0 uses DefaultBaseWeight; a
// nil hash uses DefaultHashFunc.
func New(baseWeight int, hash HashFunc) *Ring {
	if baseWeight <= 0 {
		baseWeight = DefaultBaseWeight
	}
	if hash == nil {
		hash = DefaultHashFunc
	}
	r := &Ring{baseWeight: baseWeight, hash: hash}
	r.cur.Store(&ringSnapshot{weights: map[string]int{}})
	return r
}

// AddNode adds or updates a node's weight. Weight 0 removes the node;
// a negative weight is rejected. Re-adding an existing id fully
// replaces its virtual-node entries, letting weight be updated
// atomically (§4.5 Edits).
func (r *Ring) AddNode(id string, weight int) error {
	if weight < 0 {
		return fmt.Errorf("hashring: negative weight %d for %q", weight, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.cur.Load()
	weights := maps.Clone(old.weights)
	if weight == 0 {
		delete(weights, id)
	} else {
		weights[id] = weight
	}

	r.cur.Store(&ringSnapshot{
		weights: weights,
		clock:   buildClock(weights, r.baseWeight, r.hash),
	})
	return nil
}

// RemoveNode removes id from the ring; a no-op if absent.
func (r *Ring) RemoveNode(id string) {
	_ = r.AddNode(id, 0)
}

// GetNode returns the node owning key, or ("", false) if the ring is
// empty.
func (r *Ring) GetNode(key string) (string, bool) {
	snap := r.cur.Load()
	if len(snap.clock) == 0 {
		return "", false
	}
	idx := search(snap.clock, r.hash([]byte(key)))
	return snap.clock[idx].id, true
}

// GetNodes returns up to n distinct nodes starting from key's primary
// owner and walking the ring forward, for replica selection (§4.5
// Replicas). It never returns more than the number of distinct nodes
// currently in the ring.
func (r *Ring) GetNodes(key string, n int) []string {
	snap := r.cur.Load()
	if len(snap.clock) == 0 || n <= 0 {
		return nil
	}
	want := n
	if want > len(snap.weights) {
		want = len(snap.weights)
	}

	idx := search(snap.clock, r.hash([]byte(key)))
	seen := make(map[string]bool, want)
	result := make([]string, 0, want)
	for i := 0; len(result) < want && i < len(snap.clock); i++ {
		e := snap.clock[(idx+i)%len(snap.clock)]
		if !seen[e.id] {
			seen[e.id] = true
			result = append(result, e.id)
		}
	}
	return result
}

// Nodes returns the set of physical node ids currently in the ring,
// in no particular order.
func (r *Ring) Nodes() []string {
	snap := r.cur.Load()
	return slices.Collect(maps.Keys(snap.weights))
}

// search returns the index of the first clock entry with hash >= h,
// wrapping to 0 if none exists -- the ring's circular lookup.
func search(clock []clockEntry, h int32) int {
	idx := sort.Search(len(clock), func(i int) bool { return clock[i].hash >= h })
	if idx == len(clock) {
		idx = 0
	}
	return idx
}

func buildClock(weights map[string]int, baseWeight int, hash HashFunc) []clockEntry {
	ids := slices.Sorted(maps.Keys(weights))

	var clock []clockEntry
	for _, id := range ids {
		w := weights[id]
		for i := 1; i <= w*baseWeight; i++ {
			vkey := fmt.Sprintf("%s\x00%d", id, i)
			clock = append(clock, clockEntry{hash: hash([]byte(vkey)), id: id})
		}
	}
	sort.Slice(clock, func(i, j int) bool { return clock[i].hash < clock[j].hash })
	return clock
}
