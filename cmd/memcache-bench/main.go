// Command memcache-bench wires pkg/cluster end to end against a real
// memcache-protocol cluster: it loads configuration from the
// environment, connects, runs a small set/get workload, prints
// per-node stats, and reports basic timing. It exists to exercise the
// library the way a caller would, not as a serious benchmarking tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cachemir/memcache/pkg/cluster"
	"github.com/cachemir/memcache/pkg/config"
	"github.com/cachemir/memcache/pkg/events"
	"github.com/cachemir/memcache/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	nodes := flag.String("nodes", "", "comma-separated node addresses (overrides MEMCACHE_NODES)")
	keyCount := flag.Int("keys", 1000, "number of keys to set and get")
	verbose := flag.Bool("verbose", false, "log every emitted event")
	flag.Parse()

	if *nodes != "" {
		os.Setenv("MEMCACHE_NODES", *nodes)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	zl, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zl.Sync()
	logger := zl.Sugar()

	c, err := cluster.New(cfg)
	if err != nil {
		logger.Fatalw("failed to build cluster", "error", err)
	}
	c.SetLogger(logger)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	collector.Attach(c.Events())
	defer collector.Detach()

	if *verbose {
		go logEvents(c.Events(), logger)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		logger.Fatalw("failed to connect cluster", "error", err)
	}
	defer c.Disconnect()

	logger.Infow("connected", "nodes", c.Nodes())

	if err := runWorkload(context.Background(), c, *keyCount); err != nil {
		logger.Fatalw("workload failed", "error", err)
	}

	printStats(context.Background(), c)
}

func logEvents(emit *events.Emitter, logger *zap.SugaredLogger) {
	sub := emit.Subscribe(256)
	defer sub.Cancel()
	for ev := range sub.C() {
		logger.Debugw("event", "kind", ev.Kind, "node", ev.NodeID, "key", ev.Key)
	}
}

func runWorkload(ctx context.Context, c *cluster.Cluster, n int) error {
	start := time.Now()
	for i := 0; i < n; i++ {
		k := "bench:" + strconv.Itoa(i)
		if err := c.Set(ctx, k, []byte("v"+strconv.Itoa(i)), 0, 0); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}
	setElapsed := time.Since(start)

	start = time.Now()
	hits := 0
	for i := 0; i < n; i++ {
		k := "bench:" + strconv.Itoa(i)
		if _, found, err := c.Get(ctx, k); err != nil {
			return fmt.Errorf("get %s: %w", k, err)
		} else if found {
			hits++
		}
	}
	getElapsed := time.Since(start)

	fmt.Printf("set %d keys in %v (%.0f ops/sec)\n", n, setElapsed, float64(n)/setElapsed.Seconds())
	fmt.Printf("get %d keys in %v (%.0f ops/sec), %d hits\n", n, getElapsed, float64(n)/getElapsed.Seconds(), hits)
	return nil
}

func printStats(ctx context.Context, c *cluster.Cluster) {
	stats, err := c.Stats(ctx)
	if err != nil {
		fmt.Printf("stats: %v\n", err)
		return
	}
	for node, m := range stats {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		fmt.Printf("%s: %d stat fields (%s, ...)\n", node, len(m), strings.Join(firstN(keys, 3), ", "))
	}
}

func firstN(ss []string, n int) []string {
	if len(ss) < n {
		n = len(ss)
	}
	return ss[:n]
}
