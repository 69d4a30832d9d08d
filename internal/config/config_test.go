package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
server:
  port: 9090
network:
  timeout: 5s
  retries: 0
  retryDelay: 250ms
  cacheTTL: 2m
  maxEntries: 50
  batchDelay: 20ms
  maxBatchSize: 4
  maxBody: 1m
  rateLimit: 2.5
cache:
  disk:
    path: /var/lib/wotscan
    max: 64m
discovery:
  concurrency: 3
  scanTTL: 1m
  resolveLinks: true
  endpoints:
    - http://lamp.local
    - " "
    - 192.168.0.12:8080
  initialDelay: 10s
  rediscoverEvery: 15m
registry:
  redis:
    url: redis://localhost:6379/0
logging:
  level: debug
  statsEvery: 1m
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"http://lamp.local", "192.168.0.12:8080"}, cfg.Discovery.Endpoints)
	assert.Equal(t, 10*time.Second, cfg.InitialDelay())
	assert.Equal(t, 15*time.Minute, cfg.RediscoverEvery())
	assert.Equal(t, time.Minute, cfg.StatsEvery())

	n := cfg.NetworkConfig()
	assert.Equal(t, 5*time.Second, n.RequestTimeout)
	assert.Equal(t, 0, n.Retries)
	assert.Equal(t, 250*time.Millisecond, n.RetryDelay)
	assert.Equal(t, 2*time.Minute, n.CacheTTL)
	assert.Equal(t, 30*time.Minute, n.PrefetchTTL, "unset keeps the default")
	assert.Equal(t, 50, n.MaxEntries)
	assert.Equal(t, 20*time.Millisecond, n.BatchDelay)
	assert.Equal(t, 4, n.MaxBatchSize)
	assert.Equal(t, int64(1<<20), n.MaxBodySize)
	assert.Equal(t, 2.5, n.RateLimit)
	assert.Zero(t, n.RateBurst)
	assert.Equal(t, "/var/lib/wotscan", n.DiskPath)
	assert.Equal(t, int64(64<<20), n.DiskMaxBytes)

	d := cfg.DiscoveryConfig()
	assert.Equal(t, 3, d.Concurrency)
	assert.Equal(t, time.Minute, d.ScanTTL)
	assert.Zero(t, d.ThingTTL, "left to the engine default")
	assert.True(t, d.ResolveLinks)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)

	n := cfg.NetworkConfig()
	assert.Equal(t, 2, n.Retries)
	assert.Equal(t, time.Second, n.RetryDelay)
	assert.Empty(t, n.DiskPath)
	assert.Zero(t, cfg.StatsEvery())
}

func TestParseErrors(t *testing.T) {
	tests := map[string]string{
		"network.timeout":        "network:\n  timeout: soon\n",
		"network.retries":        "network:\n  retries: -1\n",
		"network.maxBody":        "network:\n  maxBody: lots\n",
		"network.rateLimit":      "network:\n  rateLimit: -1\n",
		"cache.disk.max":         "cache:\n  disk:\n    max: -5m\n",
		"discovery.endpoints[0]": "discovery:\n  endpoints: ['http://']\n",
		"discovery.concurrency":  "discovery:\n  concurrency: -2\n",
		"logging.level":          "logging:\n  level: chatty\n",
		"discovery.initialDelay": "discovery:\n  initialDelay: -1s\n",
	}
	for field, doc := range tests {
		t.Run(field, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), field)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wotscan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseBytes(t *testing.T) {
	tests := map[string]int64{
		"512":   512,
		"10k":   10 << 10,
		"10kb":  10 << 10,
		"256m":  256 << 20,
		"1.5g":  3 << 29,
		" 2MB ": 2 << 20,
	}
	for in, want := range tests {
		got, err := ParseBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "b", "-1k", "ten", "1.2.3m"} {
		_, err := ParseBytes(bad)
		assert.ErrorIs(t, err, ErrInvalidSize, bad)
	}

	_, err := Parse([]byte("network:\n  maxBody: lots\n"))
	assert.EqualError(t, err, `network.maxBody: invalid size "lots": "lots" is not a number`)
}
