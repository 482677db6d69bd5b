package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachemir/memcache/pkg/events"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels prometheus.Labels) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, vec.With(labels).(prometheus.Metric).Write(m))
	return m.GetCounter().GetValue()
}

func TestCollectorCountsHitsAndMisses(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	emit := events.NewEmitter()
	c.Attach(emit)
	defer c.Detach()

	emit.Emit(events.Event{Kind: events.Hit, NodeID: "n1"})
	emit.Emit(events.Event{Kind: events.Hit, NodeID: "n1"})
	emit.Emit(events.Event{Kind: events.Miss, NodeID: "n1"})

	require.Eventually(t, func() bool {
		return counterValue(t, c.hits, prometheus.Labels{"node": "n1"}) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(1), counterValue(t, c.misses, prometheus.Labels{"node": "n1"}))
}

func TestCollectorCountsAutoDiscoverUpdates(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	emit := events.NewEmitter()
	c.Attach(emit)
	defer c.Detach()

	emit.Emit(events.Event{Kind: events.AutoDiscoverUpdate})

	require.Eventually(t, func() bool {
		m := &dto.Metric{}
		_ = c.discoveries.Write(m)
		return m.GetCounter().GetValue() == 1
	}, time.Second, 10*time.Millisecond)
}
