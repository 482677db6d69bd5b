package hashring

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
)

type moduloSnapshot struct {
	weights  map[string]int
	nodeList []string // weighted replication of ids, flat
}

// Modulo is the simpler alternative hash provider of §4.6:
// getNode(key) = nodeList[H(key) mod len(nodeList)]. It gives no
// minimal-motion guarantee on membership change, trading that off for
// simplicity and for exact agreement with a caller computing the same
// hash function directly (§8 round-trip law).
type Modulo struct {
	hash Hasher32
	mu   sync.Mutex
	cur  atomic.Pointer[moduloSnapshot]
}

// NewModulo returns an empty Modulo hash provider. A nil hash uses
// DefaultHasher32.
func NewModulo(hash Hasher32) *Modulo {
	if hash == nil {
		hash = DefaultHasher32
	}
	m := &Modulo{hash: hash}
	m.cur.Store(&moduloSnapshot{weights: map[string]int{}})
	return m
}

// AddNode adds or updates a node's weight in the replicated node list.
// Weight 0 removes the node; negative weight is rejected.
func (m *Modulo) AddNode(id string, weight int) error {
	if weight < 0 {
		return fmt.Errorf("hashring: negative weight %d for %q", weight, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.cur.Load()
	weights := maps.Clone(old.weights)
	if weight == 0 {
		delete(weights, id)
	} else {
		weights[id] = weight
	}

	m.cur.Store(&moduloSnapshot{
		weights:  weights,
		nodeList: buildNodeList(weights),
	})
	return nil
}

// RemoveNode removes id; a no-op if absent.
func (m *Modulo) RemoveNode(id string) {
	_ = m.AddNode(id, 0)
}

// GetNode returns the node owning key, or ("", false) if empty.
func (m *Modulo) GetNode(key string) (string, bool) {
	snap := m.cur.Load()
	if len(snap.nodeList) == 0 {
		return "", false
	}
	h := m.hash([]byte(key))
	return snap.nodeList[h%uint32(len(snap.nodeList))], true
}

// Nodes returns the set of physical node ids, in no particular order.
func (m *Modulo) Nodes() []string {
	snap := m.cur.Load()
	return slices.Collect(maps.Keys(snap.weights))
}

func buildNodeList(weights map[string]int) []string {
	ids := slices.Sorted(maps.Keys(weights))
	var list []string
	for _, id := range ids {
		for i := 0; i < weights[id]; i++ {
			list = append(list, id)
		}
	}
	return list
}
