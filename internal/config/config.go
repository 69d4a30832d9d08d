package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"wotscan/internal/discovery"
	"wotscan/internal/netopt"
)

type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Network struct {
		Timeout               string  `yaml:"timeout"`
		Retries               *int    `yaml:"retries"`
		RetryDelay            string  `yaml:"retryDelay"`
		CacheTTL              string  `yaml:"cacheTTL"`
		PrefetchTTL           string  `yaml:"prefetchTTL"`
		MaxEntries            int     `yaml:"maxEntries"`
		BatchDelay            string  `yaml:"batchDelay"`
		MaxBatchSize          int     `yaml:"maxBatchSize"`
		MaxBody               string  `yaml:"maxBody"`
		BackgroundConcurrency int     `yaml:"backgroundConcurrency"`
		UserAgent             string  `yaml:"userAgent"`
		RateLimit             float64 `yaml:"rateLimit"`
		RateBurst             int     `yaml:"rateBurst"`

		// compiled
		timeoutDur     time.Duration
		retryDelayDur  time.Duration
		cacheTTLDur    time.Duration
		prefetchTTLDur time.Duration
		batchDelayDur  time.Duration
		maxBodyBytes   int64
	} `yaml:"network"`

	Cache struct {
		Disk struct {
			Path string `yaml:"path"`
			Max  string `yaml:"max"`

			maxBytes int64
		} `yaml:"disk"`
	} `yaml:"cache"`

	Discovery struct {
		Concurrency     int      `yaml:"concurrency"`
		ScanTTL         string   `yaml:"scanTTL"`
		ThingTTL        string   `yaml:"thingTTL"`
		ResolveLinks    bool     `yaml:"resolveLinks"`
		Endpoints       []string `yaml:"endpoints"`
		InitialDelay    string   `yaml:"initialDelay"`
		RediscoverEvery string   `yaml:"rediscoverEvery"`

		// compiled
		scanTTLDur         time.Duration
		thingTTLDur        time.Duration
		initialDelayDur    time.Duration
		rediscoverEveryDur time.Duration
	} `yaml:"discovery"`

	Registry struct {
		Redis struct {
			URL string `yaml:"url"`
			Key string `yaml:"key"`
		} `yaml:"redis"`
	} `yaml:"registry"`

	Logging struct {
		Level      string `yaml:"level"`
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse decodes and validates a YAML document.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	n := &cfg.Network
	durations := []struct {
		field string
		in    string
		out   *time.Duration
	}{
		{"network.timeout", n.Timeout, &n.timeoutDur},
		{"network.retryDelay", n.RetryDelay, &n.retryDelayDur},
		{"network.cacheTTL", n.CacheTTL, &n.cacheTTLDur},
		{"network.prefetchTTL", n.PrefetchTTL, &n.prefetchTTLDur},
		{"network.batchDelay", n.BatchDelay, &n.batchDelayDur},
		{"discovery.scanTTL", cfg.Discovery.ScanTTL, &cfg.Discovery.scanTTLDur},
		{"discovery.thingTTL", cfg.Discovery.ThingTTL, &cfg.Discovery.thingTTLDur},
		{"discovery.initialDelay", cfg.Discovery.InitialDelay, &cfg.Discovery.initialDelayDur},
		{"discovery.rediscoverEvery", cfg.Discovery.RediscoverEvery, &cfg.Discovery.rediscoverEveryDur},
		{"logging.statsEvery", cfg.Logging.StatsEvery, &cfg.Logging.statsEveryDur},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.in) == "" {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.in))
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", d.field, err)
		}
		if v < 0 {
			return Config{}, fmt.Errorf("%s: negative duration", d.field)
		}
		*d.out = v
	}

	if n.Retries != nil && *n.Retries < 0 {
		return Config{}, fmt.Errorf("network.retries: must be >= 0")
	}
	if n.RateLimit < 0 {
		return Config{}, fmt.Errorf("network.rateLimit: must be >= 0")
	}
	if n.RateBurst < 0 {
		return Config{}, fmt.Errorf("network.rateBurst: must be >= 0")
	}
	if n.MaxBody != "" {
		v, err := ParseBytes(n.MaxBody)
		if err != nil {
			return Config{}, fmt.Errorf("network.maxBody: %w", err)
		}
		n.maxBodyBytes = v
	}
	if cfg.Cache.Disk.Max != "" {
		v, err := ParseBytes(cfg.Cache.Disk.Max)
		if err != nil {
			return Config{}, fmt.Errorf("cache.disk.max: %w", err)
		}
		cfg.Cache.Disk.maxBytes = v
	}
	if cfg.Discovery.Concurrency < 0 {
		return Config{}, fmt.Errorf("discovery.concurrency: must be >= 0")
	}

	eps := cfg.Discovery.Endpoints[:0]
	for i, ep := range cfg.Discovery.Endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		if _, err := discovery.WellKnownURL(ep); err != nil {
			return Config{}, fmt.Errorf("discovery.endpoints[%d]: %w", i, err)
		}
		eps = append(eps, ep)
	}
	cfg.Discovery.Endpoints = eps

	if u := strings.TrimSpace(cfg.Registry.Redis.URL); u != "" {
		if _, err := url.Parse(u); err != nil {
			return Config{}, fmt.Errorf("registry.redis.url: %w", err)
		}
		cfg.Registry.Redis.URL = u
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}

	return cfg, nil
}

// NetworkConfig builds the optimizer configuration; unset fields keep the
// optimizer defaults.
func (c Config) NetworkConfig() netopt.Config {
	out := netopt.DefaultConfig()
	n := c.Network
	if n.timeoutDur > 0 {
		out.RequestTimeout = n.timeoutDur
	}
	if n.Retries != nil {
		out.Retries = *n.Retries
	}
	if n.RetryDelay != "" {
		out.RetryDelay = n.retryDelayDur
	}
	if n.cacheTTLDur > 0 {
		out.CacheTTL = n.cacheTTLDur
	}
	if n.prefetchTTLDur > 0 {
		out.PrefetchTTL = n.prefetchTTLDur
	}
	if n.MaxEntries > 0 {
		out.MaxEntries = n.MaxEntries
	}
	if n.batchDelayDur > 0 {
		out.BatchDelay = n.batchDelayDur
	}
	if n.MaxBatchSize > 0 {
		out.MaxBatchSize = n.MaxBatchSize
	}
	if n.maxBodyBytes > 0 {
		out.MaxBodySize = n.maxBodyBytes
	}
	if n.BackgroundConcurrency > 0 {
		out.BackgroundConcurrency = n.BackgroundConcurrency
	}
	if n.UserAgent != "" {
		out.UserAgent = n.UserAgent
	}
	out.RateLimit = n.RateLimit
	out.RateBurst = n.RateBurst
	out.DiskPath = c.Cache.Disk.Path
	if c.Cache.Disk.maxBytes > 0 {
		out.DiskMaxBytes = c.Cache.Disk.maxBytes
	}
	return out
}

// DiscoveryConfig builds the engine configuration.
func (c Config) DiscoveryConfig() discovery.Config {
	return discovery.Config{
		Concurrency:  c.Discovery.Concurrency,
		ScanTTL:      c.Discovery.scanTTLDur,
		ThingTTL:     c.Discovery.thingTTLDur,
		ResolveLinks: c.Discovery.ResolveLinks,
	}
}

func (c Config) InitialDelay() time.Duration    { return c.Discovery.initialDelayDur }
func (c Config) RediscoverEvery() time.Duration { return c.Discovery.rediscoverEveryDur }
func (c Config) StatsEvery() time.Duration      { return c.Logging.statsEveryDur }
