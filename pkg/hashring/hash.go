// Package hashring implements the distribution layer: a Ketama-style
// consistent hash ring with weighted virtual nodes (§4.5), and a
// simpler modulo hash fallback (§4.6). Both map an opaque string key to
// an opaque string node id; Cluster owns the id-to-Node mapping.
package hashring

import (
	"crypto/sha1"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// HashFunc returns a 32-bit signed hash of data, the shape the Ketama
// ring sorts its clock by (§4.5: "the hash function ... returns a
// 32-bit signed integer").
type HashFunc func(data []byte) int32

// DefaultHashFunc is the Ketama ring's default hash: the first 32 bits
// of SHA-1, read big-endian and reinterpreted as signed.
func DefaultHashFunc(data []byte) int32 {
	sum := sha1.Sum(data)
	return int32(binary.BigEndian.Uint32(sum[:4]))
}

// Hasher32 returns an unsigned 32-bit hash of data, the shape the
// modulo hash indexes its node list by (§4.6).
type Hasher32 func(data []byte) uint32

// DefaultHasher32 truncates cespare/xxhash/v2's 64-bit digest to its
// low 32 bits. xxhash is the hash the sibling memcache clients in the
// example pack (aliexpressru/gomemcached, ClusterCockpit-cc-backend)
// reach for; it is faster than SHA-1 and, unlike SHA-1, has no
// cryptographic purpose to justify here, so it is the natural default
// for the non-consistent fallback.
func DefaultHasher32(data []byte) uint32 {
	return uint32(xxhash.Sum64(data))
}

// Provider is the common surface Cluster routes through; both Ring and
// Modulo satisfy it. Replica selection (GetNodes) is Ring-specific and
// exposed separately -- the spec notes Cluster never writes to
// replicas itself (§1 Non-goals), so it is not part of the common
// surface.
type Provider interface {
	AddNode(id string, weight int) error
	RemoveNode(id string)
	GetNode(key string) (string, bool)
	Nodes() []string
}

var (
	_ Provider = (*Ring)(nil)
	_ Provider = (*Modulo)(nil)
)
