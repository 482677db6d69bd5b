package config

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, e := range os.Environ() {
		if strings.HasPrefix(e, "MEMCACHE_") {
			key := e[:strings.Index(e, "=")]
			os.Unsetenv(key)
			t.Cleanup(func() { os.Unsetenv(key) })
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:11211"}, cfg.Nodes)
	assert.Equal(t, HashKetama, cfg.HashProvider)
	assert.Equal(t, 50, cfg.BaseWeight)
	assert.True(t, cfg.RetryOnlyIdempotent)
	assert.False(t, cfg.Discovery.Enabled)
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	os.Setenv("MEMCACHE_NODES", "a:11211,b:11211")
	os.Setenv("MEMCACHE_HASH_PROVIDER", "modulo")
	os.Setenv("MEMCACHE_RETRIES", "3")
	t.Cleanup(func() {
		os.Unsetenv("MEMCACHE_NODES")
		os.Unsetenv("MEMCACHE_HASH_PROVIDER")
		os.Unsetenv("MEMCACHE_RETRIES")
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"a:11211", "b:11211"}, cfg.Nodes)
	assert.Equal(t, HashModulo, cfg.HashProvider)
	assert.Equal(t, 3, cfg.Retries)
}

func TestValidateRejectsEmptyNodes(t *testing.T) {
	cfg := &ClusterConfig{Timeout: 1, BaseWeight: 50, HashProvider: HashKetama}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownHashProvider(t *testing.T) {
	cfg := &ClusterConfig{Nodes: []string{"a:1"}, Timeout: 1, BaseWeight: 50, HashProvider: "bogus"}
	assert.Error(t, cfg.Validate())
}

func TestValidateDefaultsDiscoveryEndpointToFirstNode(t *testing.T) {
	cfg := &ClusterConfig{
		Nodes:        []string{"a:11211", "b:11211"},
		Timeout:      1,
		BaseWeight:   50,
		HashProvider: HashKetama,
		Discovery:    DiscoveryConfig{Enabled: true, PollingInterval: 1},
	}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "a:11211", cfg.Discovery.ConfigEndpoint)
}
