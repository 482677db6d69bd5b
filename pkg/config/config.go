// Package config loads the cluster configuration surface described in
// §6 of the specification: initial nodes, timeouts, hash-provider
// choice, retry policy, optional SASL credentials, and optional
// auto-discovery settings.
//
// Values load from the environment via kelseyhightower/envconfig under
// the MEMCACHE_ prefix, with the defaults §6 specifies; programmatic
// construction (building a ClusterConfig literal directly) is equally
// supported since every field is exported with a sensible zero-adjacent
// default applied by Load.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// HashProvider selects the key-to-node distribution strategy (§4.5,
// §4.6).
type HashProvider string

const (
	HashKetama HashProvider = "ketama"
	HashModulo HashProvider = "modulo"
)

// SASLConfig carries optional authentication credentials applied to
// every node in the cluster (§6).
type SASLConfig struct {
	Username  string `envconfig:"SASL_USERNAME"`
	Password  string `envconfig:"SASL_PASSWORD"`
	Mechanism string `envconfig:"SASL_MECHANISM" default:"PLAIN"`
}

// Enabled reports whether credentials were supplied.
func (s SASLConfig) Enabled() bool { return s.Username != "" && s.Password != "" }

// DiscoveryConfig carries the optional auto-discovery settings of §6
// and §4.8.
type DiscoveryConfig struct {
	Enabled           bool          `envconfig:"AUTO_DISCOVERY_ENABLED" default:"false"`
	ConfigEndpoint    string        `envconfig:"AUTO_DISCOVERY_ENDPOINT"`
	PollingInterval   time.Duration `envconfig:"AUTO_DISCOVERY_INTERVAL" default:"60s"`
	UseLegacyCommand  bool          `envconfig:"AUTO_DISCOVERY_LEGACY" default:"false"`
}

// ClusterConfig is the full configuration surface of §6.
type ClusterConfig struct {
	Nodes                []string      `envconfig:"NODES" default:"localhost:11211"`
	Timeout              time.Duration `envconfig:"TIMEOUT" default:"5s"`
	KeepAlive            bool          `envconfig:"KEEP_ALIVE" default:"true"`
	KeepAliveDelay       time.Duration `envconfig:"KEEP_ALIVE_DELAY" default:"1s"`
	HashProvider         HashProvider  `envconfig:"HASH_PROVIDER" default:"ketama"`
	BaseWeight           int           `envconfig:"BASE_WEIGHT" default:"50"`
	Retries              int           `envconfig:"RETRIES" default:"0"`
	RetryDelay           time.Duration `envconfig:"RETRY_DELAY" default:"100ms"`
	RetryOnlyIdempotent  bool          `envconfig:"RETRY_ONLY_IDEMPOTENT" default:"true"`

	SASL      SASLConfig
	Discovery DiscoveryConfig
}

// Load reads a ClusterConfig from the environment under the MEMCACHE_
// prefix, applying §6's defaults to anything unset, then validates it.
//
// Example:
//
//	os.Setenv("MEMCACHE_NODES", "cache1:11211,cache2:11211")
//	cfg, err := config.Load()
func Load() (*ClusterConfig, error) {
	var cfg ClusterConfig
	if err := envconfig.Process("memcache", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is internally consistent,
// applying the same cross-field rules §6 implies (configEndpoint
// defaults to the first node when discovery is enabled but no endpoint
// was given).
func (c *ClusterConfig) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("config: at least one node must be specified")
	}
	for _, n := range c.Nodes {
		if strings.TrimSpace(n) == "" {
			return fmt.Errorf("config: empty node address")
		}
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("config: timeout must be positive")
	}
	if c.BaseWeight <= 0 {
		return fmt.Errorf("config: baseWeight must be positive")
	}
	if c.Retries < 0 {
		return fmt.Errorf("config: retries must be non-negative")
	}
	if c.HashProvider != HashKetama && c.HashProvider != HashModulo {
		return fmt.Errorf("config: unknown hash provider %q", c.HashProvider)
	}

	if c.Discovery.Enabled && c.Discovery.ConfigEndpoint == "" {
		c.Discovery.ConfigEndpoint = c.Nodes[0]
	}
	if c.Discovery.Enabled && c.Discovery.PollingInterval <= 0 {
		return fmt.Errorf("config: auto-discovery polling interval must be positive")
	}
	return nil
}
