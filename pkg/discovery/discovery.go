// Package discovery implements the auto-discovery poller and the
// config-endpoint payload grammar of §4.8: a periodic fetch against a
// designated node's "config get cluster" (or, in legacy mode, "get
// AmazonElastiCache:cluster") command, parsed into a Topology and
// surfaced as an update only when its version advances.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cachemir/memcache/pkg/errs"
	"github.com/cachemir/memcache/pkg/events"
	"github.com/cachemir/memcache/pkg/wire/text"
)

// DiscoveredNode is one entry parsed from a config-endpoint payload
// (§4.8 Payload grammar).
type DiscoveredNode struct {
	Hostname string
	IP       string
	Port     int
}

// ID picks IP over hostname, bracketing IPv6, matching the spec's
// id() helper.
func (n DiscoveredNode) ID() string {
	host := n.Hostname
	if n.IP != "" {
		host = n.IP
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s:%d", host, n.Port)
}

// Topology is one parsed auto-discovery payload: a version and the set
// of nodes it advertises.
type Topology struct {
	Version int
	Nodes   []DiscoveredNode
}

// ParsePayload parses the two-line grammar of §4.8: a decimal version
// on the first non-blank line, and a whitespace-separated list of
// hostname|ip|port triples on the second.
func ParsePayload(payload []byte) (*Topology, error) {
	var lines []string
	for _, l := range strings.Split(string(payload), "\n") {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) == "" {
			continue
		}
		lines = append(lines, l)
	}
	if len(lines) < 2 {
		return nil, fmt.Errorf("discovery: payload has %d non-blank lines, want 2", len(lines))
	}

	version, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return nil, fmt.Errorf("discovery: invalid version %q: %w", lines[0], err)
	}

	fields := strings.Fields(lines[1])
	nodes := make([]DiscoveredNode, 0, len(fields))
	for _, f := range fields {
		parts := strings.Split(f, "|")
		if len(parts) != 3 {
			return nil, fmt.Errorf("discovery: malformed node triple %q", f)
		}
		port, err := strconv.Atoi(parts[2])
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("discovery: invalid port in %q", f)
		}
		nodes = append(nodes, DiscoveredNode{Hostname: parts[0], IP: parts[1], Port: port})
	}

	return &Topology{Version: version, Nodes: nodes}, nil
}

// Fetcher sends the config-fetch command to the designated endpoint
// node and returns the raw topology payload bytes -- an abstraction the
// poller drives without needing to know about pkg/node or pkg/cluster,
// avoiding an import cycle with pkg/cluster (which owns the fetcher
// implementation by wrapping a Node).
type Fetcher interface {
	FetchConfig(ctx context.Context, useLegacyCommand bool) ([]byte, error)
}

// Poller runs the long-lived auto-discovery task of §4.8: an initial
// fetch, then a periodic poll via gocron, with a re-entrancy guard and
// non-fatal failure handling.
type Poller struct {
	fetcher          Fetcher
	interval         time.Duration
	useLegacyCommand bool
	emit             *events.Emitter
	logger           *zap.SugaredLogger

	version atomic.Int64
	inFlight atomic.Bool

	mu        sync.Mutex
	scheduler gocron.Scheduler
	job       gocron.Job
}

// NewPoller constructs a Poller. interval <= 0 uses the spec's 60s
// default.
func NewPoller(fetcher Fetcher, interval time.Duration, useLegacyCommand bool, emit *events.Emitter, logger *zap.SugaredLogger) *Poller {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	p := &Poller{fetcher: fetcher, interval: interval, useLegacyCommand: useLegacyCommand, emit: emit, logger: logger}
	p.version.Store(-1)
	return p
}

// Start performs the initial fetch synchronously, records its version,
// then schedules the periodic poll (§4.8 "On start() it performs an
// initial fetch").
func (p *Poller) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("discovery: scheduler: %w", err)
	}

	p.poll(ctx)

	job, err := sched.NewJob(
		gocron.DurationJob(p.interval),
		gocron.NewTask(func() { p.poll(context.Background()) }),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("discovery: schedule job: %w", err)
	}

	p.mu.Lock()
	p.scheduler = sched
	p.job = job
	p.mu.Unlock()

	sched.Start()
	return nil
}

// Stop halts the periodic poll.
func (p *Poller) Stop() error {
	p.mu.Lock()
	sched := p.scheduler
	p.scheduler = nil
	p.mu.Unlock()
	if sched == nil {
		return nil
	}
	return sched.Shutdown()
}

// poll performs one fetch-parse-compare cycle under the re-entrancy
// guard; a poll already in flight causes this call to return
// immediately (§4.8 "A re-entrancy guard ensures at most one poll is in
// flight").
func (p *Poller) poll(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer p.inFlight.Store(false)

	correlationID := uuid.NewString()

	payload, err := p.fetcher.FetchConfig(ctx, p.useLegacyCommand)
	if err != nil {
		derr := &errs.DiscoveryError{Err: err}
		p.logger.Warnw("auto-discovery poll failed", "correlation_id", correlationID, "error", err)
		p.emit.Emit(events.Event{Kind: events.AutoDiscoverError, Err: derr})
		return
	}

	topo, err := ParsePayload(payload)
	if err != nil {
		derr := &errs.DiscoveryError{Err: err}
		p.logger.Warnw("auto-discovery payload invalid", "correlation_id", correlationID, "error", err)
		p.emit.Emit(events.Event{Kind: events.AutoDiscoverError, Err: derr})
		return
	}

	prev := p.version.Load()
	if int64(topo.Version) == prev {
		return
	}
	p.version.Store(int64(topo.Version))

	kind := events.AutoDiscoverUpdate
	if prev < 0 {
		kind = events.AutoDiscover
	}
	p.logger.Infow("auto-discovery topology changed", "correlation_id", correlationID, "version", topo.Version, "nodes", len(topo.Nodes))
	p.emit.Emit(events.Event{Kind: kind, Topology: topo})
}

// ConfigFetchCommand returns the raw command line to fetch the
// topology config, per §4.8 (modern vs. legacy ElastiCache form).
func ConfigFetchCommand(useLegacyCommand bool) ([]byte, text.Shape) {
	if useLegacyCommand {
		return text.CommandLine("get", "AmazonElastiCache:cluster"), text.Multiline
	}
	return text.CommandLine("config", "get", "cluster"), text.Config
}

// ExtractPayload pulls the raw topology bytes out of a decoded
// text.Result, handling both the modern Config shape and the legacy
// Multiline/VALUE shape (§9 Open Questions: "two distinct parser tags,
// not unified by accident").
func ExtractPayload(res *text.Result, useLegacyCommand bool) ([]byte, error) {
	if useLegacyCommand {
		if res.Shape != text.Multiline || res.Multiline == nil || len(res.Multiline.Values) == 0 {
			return nil, fmt.Errorf("discovery: legacy config fetch returned no value")
		}
		return res.Multiline.Values[0].Bytes, nil
	}
	if res.Shape != text.Config || res.Config == nil {
		return nil, fmt.Errorf("discovery: config fetch returned unexpected shape")
	}
	return res.Config.Payload, nil
}

// SplitEndpoint parses the endpoint-string grammar of §6:
// host[:port], [ipv6]:port, or bare host; a memcache:// scheme prefix
// is accepted and stripped; a missing or unparseable port defaults to
// 11211; an unclosed '[' is an error.
func SplitEndpoint(endpoint string) (host string, port int, err error) {
	endpoint = strings.TrimPrefix(endpoint, "memcache://")

	if strings.HasPrefix(endpoint, "[") {
		closeIdx := strings.IndexByte(endpoint, ']')
		if closeIdx < 0 {
			return "", 0, fmt.Errorf("discovery: unclosed '[' in endpoint %q", endpoint)
		}
		host = endpoint[1:closeIdx]
		rest := endpoint[closeIdx+1:]
		rest = strings.TrimPrefix(rest, ":")
		if rest == "" {
			return host, 11211, nil
		}
		p, err := strconv.Atoi(rest)
		if err != nil || p < 1 || p > 65535 {
			return host, 11211, nil
		}
		return host, p, nil
	}

	h, p, err := net.SplitHostPort(endpoint)
	if err != nil {
		return endpoint, 11211, nil
	}
	port, perr := strconv.Atoi(p)
	if perr != nil || port < 1 || port > 65535 {
		return h, 11211, nil
	}
	return h, port, nil
}
