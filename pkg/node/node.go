// Package node implements the per-server connection state machine (§4.4):
// a single TCP connection to one cache node, a pipelined FIFO of
// in-flight requests, and the SASL handshake that must complete before
// any text command is written.
//
// A Node owns its socket, its receive buffer, and its pending-request
// queue: one reader goroutine drains the socket and resolves requests
// in submission order, giving the same ordering guarantee the spec
// describes for a single-threaded event loop. The queue and decoder are
// guarded by the node's mutex, which Command takes to append and the
// reader takes while parsing (§5 Shared-resource policy).
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cachemir/memcache/pkg/errs"
	"github.com/cachemir/memcache/pkg/events"
	"github.com/cachemir/memcache/pkg/wire/binary"
	"github.com/cachemir/memcache/pkg/wire/text"
)

// State is one position in the state machine of §4.4.
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Ready
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Ready:
		return "ready"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Options configures a Node. Username/Password, when both set, drive
// the SASL PLAIN handshake of §4.3 before the node becomes Ready.
type Options struct {
	Address        string
	Weight         int
	DialTimeout    time.Duration
	InactivityTTL  time.Duration // 0 disables the inactivity timeout
	KeepAlive      bool
	KeepAliveDelay time.Duration
	Username       string
	Password       string
	Logger         *zap.SugaredLogger
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.KeepAliveDelay <= 0 {
		o.KeepAliveDelay = time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	return o
}

// Command is one request submitted to a Node: the raw bytes already
// framed by pkg/wire/text, the response shape to decode, and -- for
// Multiline requests -- the keys the caller asked for, so the node can
// emit hit/miss per key (§4.4 Events emitted).
type Command struct {
	Line          []byte
	Shape         text.Shape
	RequestedKeys []string
}

type pendingRequest struct {
	cmd    Command
	result chan result
}

type result struct {
	reply *text.Result
	err   error
}

// lastError records the most recent terminal error kind for the
// per-node health classification supplementing §4.4 (SPEC_FULL.md
// Supplemented Features): distinguishing "never connected" from
// "flapping" without adding a new state.
type lastError struct {
	err error
	at  time.Time
}

// Node is one connection to one cache server. The zero value is not
// usable; construct with New.
type Node struct {
	id   string
	opts Options
	emit *events.Emitter

	mu     sync.Mutex // guards state, conn, weight, pending, lastErr below
	state  State
	weight int
	conn   net.Conn
	dec    *text.Decoder
	authed bool
	pending []*pendingRequest
	curReq  *pendingRequest // head-of-FIFO request the decoder is currently primed for
	lastErr lastError

	writeMu sync.Mutex // serializes writes to conn across concurrent command() calls

	closeOnce sync.Once
	done      chan struct{}
}

// New returns a Node for address, initially Disconnected. id is the
// node's identity as used in ring membership and event tagging.
func New(id string, opts Options) *Node {
	opts = opts.withDefaults()
	return &Node{
		id:     id,
		opts:   opts,
		weight: opts.Weight,
		emit:   events.NewEmitter(),
		state:  Disconnected,
		done:   make(chan struct{}),
	}
}

// ID returns the node's identity.
func (n *Node) ID() string { return n.id }

// Events returns the node's event emitter; Cluster subscribes to
// re-tag and re-emit these at the cluster level (§4.7 Event
// re-emission).
func (n *Node) Events() *events.Emitter { return n.emit }

// Weight returns the node's current advertised weight.
func (n *Node) Weight() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.weight
}

// SetWeight updates the node's advertised weight; the ring re-reads it
// the next time it is rebuilt (§4.4 "a weight setter").
func (n *Node) SetWeight(w int) {
	n.mu.Lock()
	n.weight = w
	n.mu.Unlock()
}

// IsConnected reports whether the node is Ready.
func (n *Node) IsConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == Ready
}

// IsAuthenticated reports whether the SASL handshake has completed.
// Always false for nodes with no configured credentials.
func (n *Node) IsAuthenticated() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.authed
}

// LastError returns the most recently observed terminal error and when
// it occurred, or (nil, zero time) if the node has never failed.
func (n *Node) LastError() (error, time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastErr.err, n.lastErr.at
}

// Connect dials the node and, if credentials are configured, completes
// the SASL handshake before returning. It is idempotent when already
// Ready (§4.4).
func (n *Node) Connect(ctx context.Context) error {
	n.mu.Lock()
	if n.state == Ready {
		n.mu.Unlock()
		return nil
	}
	n.state = Connecting
	n.mu.Unlock()

	dialer := &net.Dialer{Timeout: n.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", n.opts.Address)
	if err != nil {
		n.setDisconnected(err)
		return fmt.Errorf("node %s: dial: %w", n.id, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok && n.opts.KeepAlive {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(n.opts.KeepAliveDelay)
	}

	n.mu.Lock()
	n.conn = conn
	n.dec = text.NewDecoder()
	n.done = make(chan struct{})
	n.closeOnce = sync.Once{}
	n.mu.Unlock()

	if n.opts.Username != "" && n.opts.Password != "" {
		n.mu.Lock()
		n.state = Authenticating
		n.mu.Unlock()
		if err := n.authenticate(ctx, conn); err != nil {
			n.teardown(err)
			return fmt.Errorf("node %s: %w", n.id, err)
		}
		n.mu.Lock()
		n.authed = true
		n.mu.Unlock()
		n.emit.Emit(events.Event{Kind: events.Authenticated, NodeID: n.id})
	}

	n.mu.Lock()
	n.state = Ready
	n.mu.Unlock()

	go n.readLoop(conn)

	n.emit.Emit(events.Event{Kind: events.Connect, NodeID: n.id})
	n.opts.Logger.Infow("node connected", "node", n.id, "address", n.opts.Address)
	return nil
}

// authenticate performs the binary-protocol SASL PLAIN handshake of
// §4.3: LIST_MECHS followed by AUTH, both over the raw conn since the
// node is not yet Ready and command() is unavailable.
func (n *Node) authenticate(ctx context.Context, conn net.Conn) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	defer conn.SetDeadline(time.Time{})

	listMechs := binary.NewRequest(binary.OpListMech, nil, nil, nil, 1)
	if _, err := conn.Write(listMechs.Encode()); err != nil {
		return fmt.Errorf("auth: write list_mechs: %w", err)
	}
	if _, err := readBinaryFrame(conn); err != nil {
		return fmt.Errorf("auth: read list_mechs: %w", err)
	}

	authValue := binary.SASLPlainAuthValue(n.opts.Username, n.opts.Password)
	auth := binary.NewRequest(binary.OpAuth, nil, []byte("PLAIN"), authValue, 2)
	if _, err := conn.Write(auth.Encode()); err != nil {
		return fmt.Errorf("auth: write auth: %w", err)
	}
	frame, err := readBinaryFrame(conn)
	if err != nil {
		return fmt.Errorf("auth: read auth response: %w", err)
	}
	if frame.Header.Status == binary.StatusAuthError {
		return errs.ErrAuthFailed
	}
	if frame.Header.Status != binary.StatusOK {
		return fmt.Errorf("auth: unexpected status %s", frame.Header.Status.Name())
	}
	return nil
}

func readBinaryFrame(conn net.Conn) (*binary.Frame, error) {
	dec := binary.NewFrameDecoder()
	buf := make([]byte, binary.HeaderSize)
	for {
		if frame, done, err := dec.Decode(); err != nil {
			return nil, err
		} else if done {
			return frame, nil
		}
		nr, err := conn.Read(buf)
		if err != nil {
			return nil, err
		}
		dec.Feed(buf[:nr])
	}
}

// Command enqueues one request and blocks until the reply arrives, the
// node closes, or ctx is cancelled. It rejects with ErrNotConnected if
// the node is not Ready (§4.4 Public contract).
func (n *Node) Command(ctx context.Context, cmd Command) (*text.Result, error) {
	// writeMu is held across both the FIFO append and the socket write
	// so the two can never be reordered relative to each other: whoever
	// appends to pending first is guaranteed to also write first, which
	// is what lets the reader goroutine match the head of pending to
	// the next reply off the wire. It is released as soon as the write
	// completes -- pipelining still lets many Commands be outstanding
	// at once, only the enqueue+write step itself is serialized.
	n.writeMu.Lock()

	n.mu.Lock()
	if n.state != Ready {
		n.mu.Unlock()
		n.writeMu.Unlock()
		return nil, fmt.Errorf("node %s: %w", n.id, errs.ErrNotConnected)
	}
	conn := n.conn
	req := &pendingRequest{cmd: cmd, result: make(chan result, 1)}
	n.pending = append(n.pending, req)
	n.mu.Unlock()

	_, err := conn.Write(cmd.Line)
	n.writeMu.Unlock()
	if err != nil {
		n.teardown(err)
		return nil, fmt.Errorf("node %s: write: %w", n.id, err)
	}

	select {
	case res := <-req.result:
		return res.reply, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.done:
		return nil, fmt.Errorf("node %s: %w", n.id, errs.ErrConnectionClosed)
	}
}

// readLoop is the single reader goroutine owning conn, dec, and pending
// for the lifetime of one connection (§5 Shared-resource policy).
func (n *Node) readLoop(conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		if n.opts.InactivityTTL > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(n.opts.InactivityTTL))
		}
		nr, err := conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				n.teardown(fmt.Errorf("node %s: %w", n.id, errs.ErrConnectionTimeout))
				n.emit.Emit(events.Event{Kind: events.Timeout, NodeID: n.id})
			} else {
				n.teardown(fmt.Errorf("node %s: %w", n.id, errs.ErrConnectionClosed))
			}
			return
		}

		n.mu.Lock()
		if n.dec == nil {
			n.mu.Unlock()
			return
		}
		n.dec.Feed(buf[:nr])
		n.drainPending()
		n.mu.Unlock()
	}
}

// drainPending resolves as many head-of-FIFO requests as the decoder
// currently has complete units for. Must be called with n.mu held.
func (n *Node) drainPending() {
	for len(n.pending) > 0 {
		head := n.pending[0]
		if n.curReq != head {
			n.dec.Begin(head.cmd.Shape, head.cmd.RequestedKeys)
			n.curReq = head
		}
		res, done, err := n.dec.Decode()
		if err != nil {
			n.pending = n.pending[1:]
			n.curReq = nil
			var perr *errs.ProtocolError
			if errors.As(err, &perr) {
				n.lastErr = lastError{err: err, at: time.Now()}
			}
			head.result <- result{err: err}
			continue
		}
		if !done {
			return
		}
		n.pending = n.pending[1:]
		n.curReq = nil
		n.emitHitsMisses(res)
		head.result <- result{reply: res}
	}
}

func (n *Node) emitHitsMisses(res *text.Result) {
	if res.Shape != text.Multiline || res.Multiline == nil {
		return
	}
	for _, v := range res.Multiline.Values {
		n.emit.Emit(events.Event{Kind: events.Hit, NodeID: n.id, Key: v.Key, Value: v.Bytes})
	}
	for _, k := range res.Multiline.Misses {
		n.emit.Emit(events.Event{Kind: events.Miss, NodeID: n.id, Key: k})
	}
}

// teardown closes the socket, rejects every pending request with
// ConnectionClosed (or the supplied cause), and emits close.
func (n *Node) teardown(cause error) {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		if n.conn != nil {
			_ = n.conn.Close()
		}
		n.conn = nil
		n.dec = nil
		n.state = Disconnected
		n.authed = false
		n.lastErr = lastError{err: cause, at: time.Now()}
		pending := n.pending
		n.pending = nil
		done := n.done
		n.mu.Unlock()

		for _, p := range pending {
			p.result <- result{err: cause}
		}
		close(done)

		n.emit.Emit(events.Event{Kind: events.Error, NodeID: n.id, Err: cause})
		n.emit.Emit(events.Event{Kind: events.Close, NodeID: n.id})
		n.opts.Logger.Warnw("node disconnected", "node", n.id, "reason", cause)
	})
}

func (n *Node) setDisconnected(cause error) {
	n.mu.Lock()
	n.state = Disconnected
	n.lastErr = lastError{err: cause, at: time.Now()}
	n.mu.Unlock()
	n.emit.Emit(events.Event{Kind: events.Error, NodeID: n.id, Err: cause})
}

// Disconnect tears the connection down immediately, rejecting pending
// requests with ConnectionClosed (§4.4).
func (n *Node) Disconnect() {
	n.teardown(fmt.Errorf("node %s: %w", n.id, errs.ErrConnectionClosed))
}

// Reconnect is disconnect + fail-pending + clear buffers + connect, per
// §4.4's definition.
func (n *Node) Reconnect(ctx context.Context) error {
	n.Disconnect()
	return n.Connect(ctx)
}

// Quit sends a best-effort quit command, then disconnects (§4.4).
func (n *Node) Quit(ctx context.Context) error {
	n.mu.Lock()
	ready := n.state == Ready
	n.mu.Unlock()
	if ready {
		quitCtx, cancel := context.WithTimeout(ctx, time.Second)
		_, _ = n.Command(quitCtx, Command{Line: text.CommandLine("quit"), Shape: text.SingleLine})
		cancel()
	}
	n.Disconnect()
	return nil
}
