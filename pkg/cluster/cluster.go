// Package cluster implements the user-visible Cluster of §4.7: routing
// keyed operations to the right node via a hash provider, fanning
// broadcast operations out to every node, retrying transient failures,
// re-emitting node events tagged with node identity, and reconciling
// the node set when auto-discovery reports a new topology.
package cluster

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cachemir/memcache/pkg/config"
	"github.com/cachemir/memcache/pkg/discovery"
	"github.com/cachemir/memcache/pkg/errs"
	"github.com/cachemir/memcache/pkg/events"
	"github.com/cachemir/memcache/pkg/hashring"
	"github.com/cachemir/memcache/pkg/key"
	"github.com/cachemir/memcache/pkg/node"
	"github.com/cachemir/memcache/pkg/wire/text"
)

// Cluster owns a set of Nodes and one hash provider (§4.7
// Responsibilities).
type Cluster struct {
	cfg    *config.ClusterConfig
	retry  RetryPolicy
	ring   hashring.Provider
	emit   *events.Emitter
	logger *zap.SugaredLogger

	mu        sync.RWMutex
	nodes     map[string]*node.Node
	nodeSubs  map[string]*events.Subscription
	connected bool

	poller       *discovery.Poller
	discoverySub *events.Subscription
}

// New builds a Cluster from cfg without connecting. Call Connect to
// dial every node and, if configured, start auto-discovery.
func New(cfg *config.ClusterConfig) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var ring hashring.Provider
	switch cfg.HashProvider {
	case config.HashModulo:
		ring = hashring.NewModulo(nil)
	default:
		ring = hashring.New(cfg.BaseWeight, nil)
	}

	c := &Cluster{
		cfg:    cfg,
		ring:   ring,
		emit:   events.NewEmitter(),
		logger: zap.NewNop().Sugar(),
		nodes:  make(map[string]*node.Node),
		nodeSubs: make(map[string]*events.Subscription),
		retry: RetryPolicy{
			Retries:             cfg.Retries,
			RetryDelay:          cfg.RetryDelay,
			RetryOnlyIdempotent: cfg.RetryOnlyIdempotent,
		}.withDefaults(),
	}

	for _, addr := range cfg.Nodes {
		if err := c.addNodeLocked(addr, addr, 1, false); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// SetLogger installs a non-nil *zap.SugaredLogger for diagnostics.
func (c *Cluster) SetLogger(l *zap.SugaredLogger) {
	if l != nil {
		c.logger = l
	}
}

// Events returns the cluster-level event stream: the same kinds its
// nodes emit, tagged with node identity, plus autoDiscover/
// autoDiscoverUpdate/autoDiscoverError (§4.7 Event re-emission).
func (c *Cluster) Events() *events.Emitter { return c.emit }

func (c *Cluster) nodeOptions(addr string) node.Options {
	opts := node.Options{
		Address:        resolveDialAddress(addr),
		Weight:         1,
		DialTimeout:    c.cfg.Timeout,
		InactivityTTL:  c.cfg.Timeout,
		KeepAlive:      c.cfg.KeepAlive,
		KeepAliveDelay: c.cfg.KeepAliveDelay,
		Logger:         c.logger,
	}
	if c.cfg.SASL.Enabled() {
		opts.Username = c.cfg.SASL.Username
		opts.Password = c.cfg.SASL.Password
	}
	return opts
}

// resolveDialAddress applies §6's endpoint grammar (memcache:// prefix
// stripped, [ipv6]:port or host:port or bare host, missing/unparseable
// port defaults to 11211) to a configured or discovered node address,
// producing the host:port net.Dial expects. Falls back to addr
// unchanged if it cannot be parsed as an endpoint at all.
func resolveDialAddress(addr string) string {
	host, port, err := discovery.SplitEndpoint(addr)
	if err != nil {
		return addr
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// addNodeLocked registers a node under id, adds it to the ring, and
// forwards its events onto the cluster emitter. Must be called with no
// other caller concurrently mutating c.nodes (construction time, or
// under c.mu from AddNode/reconcile).
func (c *Cluster) addNodeLocked(id, addr string, weight int, connectIfRunning bool) error {
	if _, exists := c.nodes[id]; exists {
		return fmt.Errorf("cluster: %w: %s", errs.ErrDuplicateNode, id)
	}

	n := node.New(id, c.nodeOptions(addr))
	n.SetWeight(weight)
	if err := c.ring.AddNode(id, weight); err != nil {
		return fmt.Errorf("cluster: add node %s to ring: %w", id, err)
	}
	c.nodes[id] = n
	c.nodeSubs[id] = c.forward(n)

	if connectIfRunning && c.connected {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
			defer cancel()
			if err := n.Connect(ctx); err != nil {
				c.logger.Warnw("failed to connect discovered node", "node", id, "error", err)
			}
		}()
	}
	return nil
}

// forward subscribes to a node's events and republishes them on the
// cluster emitter unchanged -- the node already tags NodeID.
func (c *Cluster) forward(n *node.Node) *events.Subscription {
	sub := n.Events().Subscribe(64)
	go func() {
		for ev := range sub.C() {
			c.emit.Emit(ev)
		}
	}()
	return sub
}

// AddNode dynamically adds a server to the cluster, per §4.7 Node
// management. If the cluster is already connected, the new node is
// dialed asynchronously.
func (c *Cluster) AddNode(id, addr string, weight int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addNodeLocked(id, addr, weight, true)
}

// RemoveNode removes id from the ring and disconnects its node; a
// no-op if absent.
func (c *Cluster) RemoveNode(id string) {
	c.mu.Lock()
	n, ok := c.nodes[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.nodes, id)
	if sub, ok := c.nodeSubs[id]; ok {
		sub.Cancel()
		delete(c.nodeSubs, id)
	}
	c.ring.RemoveNode(id)
	c.mu.Unlock()

	n.Disconnect()
}

// GetNode returns the node registered under id.
func (c *Cluster) GetNode(id string) (*node.Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[id]
	return n, ok
}

// GetNodeForKey returns the node the hash provider assigns k to.
func (c *Cluster) GetNodeForKey(k string) (*node.Node, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodeForKeyLocked(k)
}

func (c *Cluster) nodeForKeyLocked(k string) (*node.Node, error) {
	id, ok := c.ring.GetNode(k)
	if !ok {
		return nil, errs.ErrNoNodes
	}
	n, ok := c.nodes[id]
	if !ok {
		return nil, fmt.Errorf("cluster: ring references unknown node %s", id)
	}
	return n, nil
}

// Nodes enumerates the currently registered node ids.
func (c *Cluster) Nodes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.nodes))
	for id := range c.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Connect dials every node in parallel and starts auto-discovery if
// configured (§4.7 Lifecycle).
func (c *Cluster) Connect(ctx context.Context) error {
	c.mu.Lock()
	nodes := make([]*node.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	c.connected = true
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		n := n
		g.Go(func() error { return n.Connect(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if c.cfg.Discovery.Enabled {
		if err := c.startDiscovery(ctx); err != nil {
			return err
		}
	}
	return nil
}

// startDiscovery wires a Poller against the configured endpoint node
// and subscribes the cluster to its own emitter for reconciliation.
func (c *Cluster) startDiscovery(ctx context.Context) error {
	endpointID := c.cfg.Discovery.ConfigEndpoint
	c.mu.RLock()
	endpointNode, ok := c.nodes[endpointID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("cluster: auto-discovery endpoint %q is not a registered node", endpointID)
	}

	fetcher := &nodeFetcher{node: endpointNode}
	c.poller = discovery.NewPoller(fetcher, c.cfg.Discovery.PollingInterval, c.cfg.Discovery.UseLegacyCommand, c.emit, c.logger)

	c.discoverySub = c.emit.Subscribe(32)
	go func() {
		for ev := range c.discoverySub.C() {
			if ev.Kind != events.AutoDiscover && ev.Kind != events.AutoDiscoverUpdate {
				continue
			}
			if topo, ok := ev.Topology.(*discovery.Topology); ok {
				c.reconcile(topo)
			}
		}
	}()

	return c.poller.Start(ctx)
}

// nodeFetcher adapts a Node to discovery.Fetcher.
type nodeFetcher struct {
	node *node.Node
}

func (f *nodeFetcher) FetchConfig(ctx context.Context, useLegacyCommand bool) ([]byte, error) {
	line, shape := discovery.ConfigFetchCommand(useLegacyCommand)
	res, err := f.node.Command(ctx, node.Command{Line: line, Shape: shape})
	if err != nil {
		return nil, err
	}
	return discovery.ExtractPayload(res, useLegacyCommand)
}

// reconcile applies §4.8's reconciliation rule: add nodes present in
// the new topology but not the ring, remove nodes present in the ring
// but absent from the new topology. An empty new topology keeps the
// existing ring and raises autoDiscoverError instead.
func (c *Cluster) reconcile(topo *discovery.Topology) {
	if len(topo.Nodes) == 0 {
		c.emit.Emit(events.Event{Kind: events.AutoDiscoverError, Err: fmt.Errorf("cluster: auto-discovery topology is empty")})
		return
	}

	newIDs := make(map[string]discovery.DiscoveredNode, len(topo.Nodes))
	for _, dn := range topo.Nodes {
		newIDs[dn.ID()] = dn
	}

	c.mu.RLock()
	currentIDs := make(map[string]bool, len(c.nodes))
	for id := range c.nodes {
		currentIDs[id] = true
	}
	c.mu.RUnlock()

	for id := range newIDs {
		if currentIDs[id] {
			continue
		}
		if err := c.AddNode(id, id, 1); err != nil {
			c.emit.Emit(events.Event{Kind: events.Error, Err: fmt.Errorf("cluster: reconcile add %s: %w", id, err)})
		}
	}
	for id := range currentIDs {
		if _, ok := newIDs[id]; !ok {
			c.RemoveNode(id)
		}
	}
}

// Disconnect stops auto-discovery and disconnects every node (§4.7
// Lifecycle).
func (c *Cluster) Disconnect() {
	if c.poller != nil {
		_ = c.poller.Stop()
	}
	if c.discoverySub != nil {
		c.discoverySub.Cancel()
	}

	c.mu.Lock()
	nodes := make([]*node.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	c.connected = false
	c.mu.Unlock()

	for _, n := range nodes {
		n.Disconnect()
	}
}

// Quit is the graceful form of Disconnect: each node is sent a best
// effort quit command before its socket is torn down.
func (c *Cluster) Quit(ctx context.Context) error {
	if c.poller != nil {
		_ = c.poller.Stop()
	}
	if c.discoverySub != nil {
		c.discoverySub.Cancel()
	}

	c.mu.Lock()
	nodes := make([]*node.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	c.connected = false
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		n := n
		g.Go(func() error { return n.Quit(gctx) })
	}
	return g.Wait()
}

// --- retry-wrapped single-node execution -----------------------------

// execute routes k to its owning node and runs fn against it, retrying
// per the cluster's RetryPolicy on retry-eligible errors (§4.7 Retry
// policy).
func (c *Cluster) execute(ctx context.Context, k string, idempotent bool, fn func(ctx context.Context, n *node.Node) (*text.Result, error)) (*text.Result, error) {
	if err := key.Validate(k); err != nil {
		return nil, err
	}

	attempts := c.retry.Retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		n, err := c.nodeForKey(k)
		if err != nil {
			return nil, err
		}

		res, err := fn(ctx, n)
		if err == nil {
			return res, nil
		}
		lastErr = err

		eligible := errs.Retryable(err) && (!c.retry.RetryOnlyIdempotent || idempotent)
		if !eligible || attempt == attempts-1 {
			break
		}

		delay := c.retry.Backoff(attempt, c.retry.RetryDelay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		_ = n.Reconnect(ctx)
	}
	return nil, lastErr
}

func (c *Cluster) nodeForKey(k string) (*node.Node, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodeForKeyLocked(k)
}

// --- keyed operations (§4.7) -----------------------------------------

// Get retrieves the value for k, reporting whether it was found.
func (c *Cluster) Get(ctx context.Context, k string) (value []byte, found bool, err error) {
	res, err := c.execute(ctx, k, true, func(ctx context.Context, n *node.Node) (*text.Result, error) {
		return n.Command(ctx, node.Command{
			Line:          text.CommandLine("get", k),
			Shape:         text.Multiline,
			RequestedKeys: []string{k},
		})
	})
	if err != nil {
		return nil, false, err
	}
	if len(res.Multiline.Values) == 0 {
		return nil, false, nil
	}
	return res.Multiline.Values[0].Bytes, true, nil
}

// Gets performs a multi-get: it groups keys by owning node, issues one
// multi-key "get" per node in parallel, and merges the hits into a map
// keyed by key (§4.7). Misses are absent from the map. The result is a
// map, so it carries no order; callers that need the caller-supplied
// key order iterate their own key slice.
func (c *Cluster) Gets(ctx context.Context, keys []string) (map[string][]byte, error) {
	if err := key.ValidateAll(keys); err != nil {
		return nil, err
	}

	byNode := make(map[string][]string)
	for _, k := range keys {
		n, err := c.nodeForKey(k)
		if err != nil {
			return nil, err
		}
		byNode[n.ID()] = append(byNode[n.ID()], k)
	}

	var mu sync.Mutex
	merged := make(map[string][]byte, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	for id, nodeKeys := range byNode {
		id, nodeKeys := id, nodeKeys
		g.Go(func() error {
			n, ok := c.GetNode(id)
			if !ok {
				return fmt.Errorf("cluster: node %s vanished mid-gets", id)
			}
			res, err := n.Command(gctx, node.Command{
				Line:          text.CommandLine(append([]string{"get"}, nodeKeys...)...),
				Shape:         text.Multiline,
				RequestedKeys: nodeKeys,
			})
			if err != nil {
				return err
			}
			mu.Lock()
			for _, v := range res.Multiline.Values {
				merged[v.Key] = v.Bytes
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ordered := make(map[string][]byte, len(merged))
	for _, k := range keys {
		if v, ok := merged[k]; ok {
			ordered[k] = v
		}
	}
	return ordered, nil
}

func (c *Cluster) storageOp(ctx context.Context, cmd, k string, flags uint32, exptime int32, payload []byte) (bool, error) {
	res, err := c.execute(ctx, k, false, func(ctx context.Context, n *node.Node) (*text.Result, error) {
		return n.Command(ctx, node.Command{
			Line:  text.StorageCommand(cmd, k, flags, exptime, payload),
			Shape: text.SingleLine,
		})
	})
	if err != nil {
		return false, err
	}
	return isSuccessLiteral(res.Line), nil
}

func isSuccessLiteral(line *text.SingleLineResult) bool {
	switch line.Kind {
	case text.LineBool:
		return line.Bool
	case text.LineLiteral:
		return line.Literal == "STORED" || line.Literal == "DELETED" ||
			line.Literal == "OK" || line.Literal == "TOUCHED"
	default:
		return false
	}
}

// Set stores value under k unconditionally.
func (c *Cluster) Set(ctx context.Context, k string, value []byte, flags uint32, exptime int32) error {
	_, err := c.storageOp(ctx, "set", k, flags, exptime, value)
	return err
}

// Add stores value under k only if it does not already exist.
func (c *Cluster) Add(ctx context.Context, k string, value []byte, flags uint32, exptime int32) (bool, error) {
	return c.storageOp(ctx, "add", k, flags, exptime, value)
}

// Replace stores value under k only if it already exists.
func (c *Cluster) Replace(ctx context.Context, k string, value []byte, flags uint32, exptime int32) (bool, error) {
	return c.storageOp(ctx, "replace", k, flags, exptime, value)
}

// Append appends value to the data already stored under k.
func (c *Cluster) Append(ctx context.Context, k string, value []byte) (bool, error) {
	return c.storageOp(ctx, "append", k, 0, 0, value)
}

// Prepend prepends value to the data already stored under k.
func (c *Cluster) Prepend(ctx context.Context, k string, value []byte) (bool, error) {
	return c.storageOp(ctx, "prepend", k, 0, 0, value)
}

// Delete removes k, reporting whether it existed.
func (c *Cluster) Delete(ctx context.Context, k string) (bool, error) {
	res, err := c.execute(ctx, k, true, func(ctx context.Context, n *node.Node) (*text.Result, error) {
		return n.Command(ctx, node.Command{Line: text.CommandLine("delete", k), Shape: text.SingleLine})
	})
	if err != nil {
		return false, err
	}
	return res.Line.Kind == text.LineLiteral && res.Line.Literal == "DELETED", nil
}

func (c *Cluster) delta(ctx context.Context, cmd, k string, amount uint64) (int64, bool, error) {
	res, err := c.execute(ctx, k, false, func(ctx context.Context, n *node.Node) (*text.Result, error) {
		return n.Command(ctx, node.Command{
			Line:  text.CommandLine(cmd, k, strconv.FormatUint(amount, 10)),
			Shape: text.SingleLine,
		})
	})
	if err != nil {
		return 0, false, err
	}
	if res.Line.Kind == text.LineLiteral && res.Line.Literal == "NOT_FOUND" {
		return 0, false, nil
	}
	if res.Line.Kind != text.LineInt {
		return 0, false, fmt.Errorf("cluster: unexpected %s reply %q", cmd, res.Line.Raw)
	}
	return res.Line.Int, true, nil
}

// Incr increments k by amount, reporting whether k existed.
func (c *Cluster) Incr(ctx context.Context, k string, amount uint64) (int64, bool, error) {
	return c.delta(ctx, "incr", k, amount)
}

// Decr decrements k by amount, reporting whether k existed.
func (c *Cluster) Decr(ctx context.Context, k string, amount uint64) (int64, bool, error) {
	return c.delta(ctx, "decr", k, amount)
}

// Touch updates k's expiration without fetching its value, reporting
// whether k existed.
func (c *Cluster) Touch(ctx context.Context, k string, exptime int32) (bool, error) {
	res, err := c.execute(ctx, k, true, func(ctx context.Context, n *node.Node) (*text.Result, error) {
		return n.Command(ctx, node.Command{
			Line:  text.CommandLine("touch", k, strconv.FormatInt(int64(exptime), 10)),
			Shape: text.SingleLine,
		})
	})
	if err != nil {
		return false, err
	}
	return res.Line.Kind == text.LineLiteral && res.Line.Literal == "TOUCHED", nil
}

// --- broadcast operations (§4.7) -------------------------------------

func (c *Cluster) eachNode() []*node.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nodes := make([]*node.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	return nodes
}

// Flush issues flush_all to every node, returning true iff every node
// acknowledged.
func (c *Cluster) Flush(ctx context.Context) (bool, error) {
	nodes := c.eachNode()
	g, gctx := errgroup.WithContext(ctx)
	acked := make([]bool, len(nodes))
	for i, n := range nodes {
		i, n := i, n
		g.Go(func() error {
			res, err := n.Command(gctx, node.Command{Line: text.CommandLine("flush_all"), Shape: text.SingleLine})
			if err != nil {
				return err
			}
			acked[i] = res.Line.Kind == text.LineLiteral && res.Line.Literal == "OK"
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	for _, ok := range acked {
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Stats returns each node's stats map keyed by node id.
func (c *Cluster) Stats(ctx context.Context) (map[string]map[string]string, error) {
	nodes := c.eachNode()
	var mu sync.Mutex
	out := make(map[string]map[string]string, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		n := n
		g.Go(func() error {
			res, err := n.Command(gctx, node.Command{Line: text.CommandLine("stats"), Shape: text.Stats})
			if err != nil {
				return err
			}
			mu.Lock()
			out[n.ID()] = res.Stats.Stats
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Version returns the version reply of a single node. Nodes are held
// in a map, so which node answers is not fixed when there are several.
func (c *Cluster) Version(ctx context.Context) (string, error) {
	nodes := c.eachNode()
	if len(nodes) == 0 {
		return "", errs.ErrNoNodes
	}
	res, err := nodes[0].Command(ctx, node.Command{Line: text.CommandLine("version"), Shape: text.SingleLine})
	if err != nil {
		return "", err
	}
	return res.Line.Raw, nil
}
