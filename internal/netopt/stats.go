package netopt

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

type statsCollector struct {
	totalRequests atomic.Uint64
	cacheHits     atomic.Uint64
	cacheMisses   atomic.Uint64
	deduplicated  atomic.Uint64
	batched       atomic.Uint64
	errors        atomic.Uint64
	bytes         atomic.Uint64

	fetches      atomic.Uint64
	latencyNanos atomic.Int64
}

func (s *statsCollector) request() { s.totalRequests.Add(1) }
func (s *statsCollector) hit() { s.cacheHits.Add(1) }
func (s *statsCollector) miss() { s.cacheMisses.Add(1) }
func (s *statsCollector) dedup() { s.deduplicated.Add(1) }
func (s *statsCollector) batch(n int) { s.batched.Add(uint64(n)) }
func (s *statsCollector) failure() { s.errors.Add(1) }
func (s *statsCollector) addBytes(n int) {
	if n > 0 {
		s.bytes.Add(uint64(n))
	}
}

func (s *statsCollector) latency(d time.Duration) {
	s.fetches.Add(1)
	s.latencyNanos.Add(int64(d))
}

func (s *statsCollector) reset() {
	s.totalRequests.Store(0)
	s.cacheHits.Store(0)
	s.cacheMisses.Store(0)
	s.deduplicated.Store(0)
	s.batched.Store(0)
	s.errors.Store(0)
	s.bytes.Store(0)
	s.fetches.Store(0)
	s.latencyNanos.Store(0)
}

// Stats is a point-in-time copy of the optimizer counters.
type Stats struct {
	TotalRequests    uint64        `json:"totalRequests"`
	CacheHits        uint64        `json:"cacheHits"`
	CacheMisses      uint64        `json:"cacheMisses"`
	Deduplicated     uint64        `json:"deduplicatedRequests"`
	Batched          uint64        `json:"batchedRequests"`
	Errors           uint64        `json:"errors"`
	NetworkFetches   uint64        `json:"networkFetches"`
	AverageLatency   time.Duration `json:"averageLatency"`
	BytesTransferred uint64        `json:"bytesTransferred"`
}

// HitRatio is hits over hits plus misses, 0 when nothing was requested.
func (s Stats) HitRatio() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

func (s Stats) String() string {
	return fmt.Sprintf(
		"requests=%d hits=%d misses=%d hit_ratio=%.2f dedup=%d batched=%d errors=%d fetches=%d avg_latency=%s transferred=%s",
		s.TotalRequests, s.CacheHits, s.CacheMisses, s.HitRatio(), s.Deduplicated, s.Batched,
		s.Errors, s.NetworkFetches, s.AverageLatency.Round(time.Millisecond), FormatBytes(s.BytesTransferred),
	)
}

func (s *statsCollector) snapshot() Stats {
	out := Stats{
		TotalRequests:    s.totalRequests.Load(),
		CacheHits:        s.cacheHits.Load(),
		CacheMisses:      s.cacheMisses.Load(),
		Deduplicated:     s.deduplicated.Load(),
		Batched:          s.batched.Load(),
		Errors:           s.errors.Load(),
		NetworkFetches:   s.fetches.Load(),
		BytesTransferred: s.bytes.Load(),
	}
	if out.NetworkFetches > 0 {
		out.AverageLatency = time.Duration(s.latencyNanos.Load() / int64(out.NetworkFetches))
	}
	return out
}

// FormatBytes renders b as 12b, 3.5kb, 10mb or 1.2gb.
func FormatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	if b < kb {
		return fmt.Sprintf("%db", b)
	}
	if b < mb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	}
	if b < gb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
