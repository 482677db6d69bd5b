package cluster

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachemir/memcache/pkg/config"
)

func newTestCluster(t *testing.T, addrs []string) *Cluster {
	t.Helper()
	cfg := &config.ClusterConfig{
		Nodes:        addrs,
		Timeout:      2 * time.Second,
		BaseWeight:   50,
		HashProvider: config.HashKetama,
	}
	c, err := New(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(c.Disconnect)
	return c
}

func TestClusterSingleNodeRoundTrip(t *testing.T) {
	srv := newFakeMemcacheServer(t)
	c := newTestCluster(t, []string{srv.Addr()})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "foo", []byte("bar"), 0, 0))

	v, found, err := c.Get(ctx, "foo")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "bar", string(v))

	deleted, err := c.Delete(ctx, "foo")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, found, err = c.Get(ctx, "foo")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClusterIncrDecr(t *testing.T) {
	srv := newFakeMemcacheServer(t)
	c := newTestCluster(t, []string{srv.Addr()})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "counter", []byte("10"), 0, 0))

	v, ok, err := c.Incr(ctx, "counter", 5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 15, v)

	v, ok, err = c.Decr(ctx, "counter", 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 12, v)
}

func TestClusterTouch(t *testing.T) {
	srv := newFakeMemcacheServer(t)
	c := newTestCluster(t, []string{srv.Addr()})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0, 0))
	ok, err := c.Touch(ctx, "k", 30)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Touch(ctx, "missing", 30)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClusterGetsMergesAcrossNodes(t *testing.T) {
	srvA := newFakeMemcacheServer(t)
	srvB := newFakeMemcacheServer(t)
	srvC := newFakeMemcacheServer(t)
	c := newTestCluster(t, []string{srvA.Addr(), srvB.Addr(), srvC.Addr()})
	ctx := context.Background()

	keys := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	for _, k := range keys {
		require.NoError(t, c.Set(ctx, k, []byte("val-"+k), 0, 0))
	}

	got, err := c.Gets(ctx, keys)
	require.NoError(t, err)
	for _, k := range keys {
		assert.Equal(t, "val-"+k, string(got[k]))
	}
}

func TestClusterFlushRequiresEveryNodeOK(t *testing.T) {
	srvA := newFakeMemcacheServer(t)
	srvB := newFakeMemcacheServer(t)
	c := newTestCluster(t, []string{srvA.Addr(), srvB.Addr()})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "x", []byte("1"), 0, 0))
	ok, err := c.Flush(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClusterStatsKeyedByNode(t *testing.T) {
	srvA := newFakeMemcacheServer(t)
	srvB := newFakeMemcacheServer(t)
	c := newTestCluster(t, []string{srvA.Addr(), srvB.Addr()})

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Len(t, stats, 2)
	for _, m := range stats {
		assert.Contains(t, m, "pid")
	}
}

func TestClusterVersionReturnsFirstNode(t *testing.T) {
	srv := newFakeMemcacheServer(t)
	c := newTestCluster(t, []string{srv.Addr()})

	v, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Contains(t, v, "VERSION")
}

func TestClusterAddNodeDuplicateRejected(t *testing.T) {
	srv := newFakeMemcacheServer(t)
	c := newTestCluster(t, []string{srv.Addr()})
	err := c.AddNode(srv.Addr(), srv.Addr(), 1)
	assert.Error(t, err)
}

func TestClusterInvalidKeyRejected(t *testing.T) {
	srv := newFakeMemcacheServer(t)
	c := newTestCluster(t, []string{srv.Addr()})

	_, _, err := c.Get(context.Background(), "")
	assert.Error(t, err)
}

func TestClusterThreeNodeDistribution(t *testing.T) {
	servers := []*fakeMemcacheServer{newFakeMemcacheServer(t), newFakeMemcacheServer(t), newFakeMemcacheServer(t)}
	addrs := make([]string, len(servers))
	for i, s := range servers {
		addrs[i] = s.Addr()
	}
	c := newTestCluster(t, addrs)
	ctx := context.Background()

	counts := map[string]int{}
	for i := 0; i < 300; i++ {
		k := "key-" + strconv.Itoa(i)
		require.NoError(t, c.Set(ctx, k, []byte("v"), 0, 0))
		n, err := c.GetNodeForKey(k)
		require.NoError(t, err)
		counts[n.ID()]++
	}

	for id, cnt := range counts {
		assert.GreaterOrEqualf(t, cnt, 75, "node %s got %d", id, cnt)
		assert.LessOrEqualf(t, cnt, 125, "node %s got %d", id, cnt)
	}
}
