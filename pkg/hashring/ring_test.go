package hashring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingGetNodeIsPure(t *testing.T) {
	r := New(50, nil)
	require.NoError(t, r.AddNode("a", 1))
	require.NoError(t, r.AddNode("b", 1))

	n1, ok := r.GetNode("some-key")
	require.True(t, ok)
	for i := 0; i < 20; i++ {
		n2, ok := r.GetNode("some-key")
		require.True(t, ok)
		assert.Equal(t, n1, n2)
	}
}

func TestRingEmptyHasNoNode(t *testing.T) {
	r := New(50, nil)
	_, ok := r.GetNode("x")
	assert.False(t, ok)
}

func TestRingNegativeWeightRejected(t *testing.T) {
	r := New(50, nil)
	assert.Error(t, r.AddNode("a", -1))
}

func TestRingThreeNodeDistribution(t *testing.T) {
	r := New(50, nil)
	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, r.AddNode(id, 1))
	}

	counts := map[string]int{}
	for i := 0; i < 300; i++ {
		n, ok := r.GetNode(fmt.Sprintf("key-%d", i))
		require.True(t, ok)
		counts[n]++
	}

	for _, id := range []string{"A", "B", "C"} {
		assert.GreaterOrEqualf(t, counts[id], 75, "node %s got %d", id, counts[id])
		assert.LessOrEqualf(t, counts[id], 125, "node %s got %d", id, counts[id])
	}
}

func TestRingWeightedDistribution(t *testing.T) {
	r := New(50, nil)
	require.NoError(t, r.AddNode("heavy", 3))
	require.NoError(t, r.AddNode("light", 1))

	counts := map[string]int{}
	for i := 0; i < 400; i++ {
		n, ok := r.GetNode(fmt.Sprintf("key-%d", i))
		require.True(t, ok)
		counts[n]++
	}

	assert.Greater(t, counts["heavy"], counts["light"])
	assert.GreaterOrEqual(t, counts["heavy"], 2*counts["light"])
	assert.LessOrEqual(t, counts["heavy"], 4*counts["light"])
}

func TestRingMinimalMotionOnNodeAdd(t *testing.T) {
	r := New(50, nil)
	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, r.AddNode(id, 1))
	}

	const numKeys = 2000
	before := make(map[string]string, numKeys)
	for i := 0; i < numKeys; i++ {
		k := fmt.Sprintf("key-%d", i)
		n, _ := r.GetNode(k)
		before[k] = n
	}

	require.NoError(t, r.AddNode("D", 1))

	moved := 0
	for k, n := range before {
		after, _ := r.GetNode(k)
		if after != n {
			moved++
		}
	}

	// Adding one node of weight 1 should move roughly 1/4 of keys, not
	// anywhere close to all of them.
	assert.Lessf(t, moved, numKeys/2, "moved %d/%d keys, expected well under half", moved, numKeys)
}

func TestRingReAddReplacesEntries(t *testing.T) {
	r := New(50, nil)
	require.NoError(t, r.AddNode("a", 1))
	require.NoError(t, r.AddNode("a", 5))
	assert.Equal(t, []string{"a"}, r.Nodes())
}

func TestRingGetNodesReplicas(t *testing.T) {
	r := New(50, nil)
	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, r.AddNode(id, 1))
	}
	reps := r.GetNodes("some-key", 2)
	assert.Len(t, reps, 2)
	assert.NotEqual(t, reps[0], reps[1])
}
