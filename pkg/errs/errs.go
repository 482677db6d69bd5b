// Package errs defines the stable error kinds of the client (see §7 of
// the specification) and the retry-eligibility policy that keys off
// them. Kinds are sentinel values checked with errors.Is/errors.As, not
// a closed set of concrete types, so callers can wrap them freely with
// fmt.Errorf("%w", ...).
package errs

import (
	"errors"

	"github.com/cachemir/memcache/pkg/key"
)

// ErrInvalidKey is an alias of key.ErrInvalid; kept here so callers of
// the cluster and node packages don't need to import pkg/key just to
// check this one error kind.
var ErrInvalidKey = key.ErrInvalid

var (
	// ErrNotConnected is returned by Node.Command when the node is not
	// in the Ready state.
	ErrNotConnected = errors.New("node: not connected")

	// ErrConnectionClosed is returned to every request pending on a
	// node whose socket has closed.
	ErrConnectionClosed = errors.New("node: connection closed")

	// ErrConnectionTimeout is returned when the node's inactivity
	// timeout fires.
	ErrConnectionTimeout = errors.New("node: connection timeout")

	// ErrAuthFailed is returned when the SASL handshake fails; it is
	// fatal for the node that produced it.
	ErrAuthFailed = errors.New("node: authentication failed")

	// ErrNoNodes is returned when a lookup is attempted against an
	// empty hash ring.
	ErrNoNodes = errors.New("cluster: no nodes available")

	// ErrDuplicateNode is returned by AddNode when the id is already
	// present.
	ErrDuplicateNode = errors.New("cluster: duplicate node")
)

// ProtocolError wraps a malformed or error reply line from the server,
// e.g. "CLIENT_ERROR bad command line format".
type ProtocolError struct {
	Line string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Line }

// DiscoveryError wraps a failure fetching or parsing the auto-discovery
// configuration payload. It is always non-fatal: the poller retries on
// its next tick.
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string { return "auto-discovery: " + e.Err.Error() }
func (e *DiscoveryError) Unwrap() error { return e.Err }

// Retryable reports whether err's kind is ever eligible for retry,
// independent of whether the triggering request was itself flagged
// idempotent. Cluster additionally gates on the request's idempotent
// flag when retryOnlyIdempotent is set (the default).
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrConnectionTimeout):
		return true
	}
	var pe *ProtocolError
	return errors.As(err, &pe)
}
