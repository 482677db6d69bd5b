// Package memcache is a Go client library for memcache-protocol servers.
//
// It speaks both the ASCII and binary wire protocols (pkg/wire/text,
// pkg/wire/binary), routes keys to server nodes with a Ketama
// consistent-hash ring or a plain modulo fallback (pkg/hashring), and
// pipelines requests per node over a single persistent connection
// (pkg/node). pkg/cluster ties nodes, ring, and retry policy together
// behind a routing client; pkg/discovery polls an auto-discovery
// endpoint (as exposed by Elasticache-style config endpoints) and
// reconciles the ring as nodes come and go.
//
// State changes and protocol events are published on a typed emitter
// (pkg/events) that callers can subscribe to directly, or via the
// optional Prometheus collector in pkg/metrics.
//
// See cmd/memcache-bench for a runnable example wiring the library
// end to end.
package memcache
