package netopt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds the optimizer tunables. Zero durations and sizes take the
// DefaultConfig value; Retries is used as given.
type Config struct {
	RequestTimeout time.Duration
	Retries        int
	RetryDelay     time.Duration

	CacheTTL    time.Duration
	PrefetchTTL time.Duration
	MaxEntries  int

	BatchDelay   time.Duration
	MaxBatchSize int

	MaxBodySize int64

	// BackgroundConcurrency bounds concurrent prefetches.
	BackgroundConcurrency int

	// RateLimit caps outbound attempts per second across all hosts. Zero
	// disables the limiter. RateBurst defaults to 1.
	RateLimit float64
	RateBurst int

	// DiskPath enables the persistent cache tier when set.
	DiskPath     string
	DiskMaxBytes int64

	UserAgent string
}

// DefaultConfig returns the optimizer defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:        30 * time.Second,
		Retries:               2,
		RetryDelay:            time.Second,
		CacheTTL:              5 * time.Minute,
		PrefetchTTL:           30 * time.Minute,
		MaxEntries:            1000,
		BatchDelay:            50 * time.Millisecond,
		MaxBatchSize:          10,
		MaxBodySize:           10 * 1024 * 1024,
		BackgroundConcurrency: 8,
		DiskMaxBytes:          256 * 1024 * 1024,
		UserAgent:             "wotscan/1.0",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = def.CacheTTL
	}
	if c.PrefetchTTL <= 0 {
		c.PrefetchTTL = def.PrefetchTTL
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = def.MaxEntries
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = def.BatchDelay
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = def.MaxBatchSize
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = def.MaxBodySize
	}
	if c.BackgroundConcurrency <= 0 {
		c.BackgroundConcurrency = def.BackgroundConcurrency
	}
	if c.DiskMaxBytes <= 0 {
		c.DiskMaxBytes = def.DiskMaxBytes
	}
	if c.RateLimit < 0 {
		c.RateLimit = 0
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	return c
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(o *Optimizer) {
		if log != nil {
			o.log = log
		}
	}
}

// WithHTTPClient replaces the HTTP client. Timeouts are applied per attempt
// through the request context, so the client should not set its own.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Optimizer) {
		if c != nil {
			o.client = c
		}
	}
}

// WithClock replaces time.Now for cache bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(o *Optimizer) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMetrics registers Prometheus metrics on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *Optimizer) { o.registerer = reg }
}

// Optimizer is the single entry point for outbound discovery traffic. It
// deduplicates identical in-flight requests, caches GET responses with
// conditional revalidation, coalesces batches, retries transient failures and
// can cancel everything it has in flight.
type Optimizer struct {
	cfg        Config
	client     *http.Client
	log        *zap.Logger
	now        func() time.Time
	registerer prometheus.Registerer

	limiter *rate.Limiter

	cache   *Cache
	disk    *diskCache
	pending *pendingTable
	batches *batcher
	stats   statsCollector
	metrics *optMetrics

	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	genCtx    context.Context
	genCancel context.CancelFunc

	bgSem  chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New builds an Optimizer. It opens the disk tier when cfg.DiskPath is set.
func New(cfg Config, opts ...Option) (*Optimizer, error) {
	cfg = cfg.withDefaults()
	o := &Optimizer{
		cfg:     cfg,
		client:  &http.Client{},
		log:     zap.NewNop(),
		now:     time.Now,
		pending: newPendingTable(),
		sleep:   sleepCtx,
		bgSem:   make(chan struct{}, cfg.BackgroundConcurrency),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.genCtx, o.genCancel = context.WithCancel(context.Background())
	if cfg.RateLimit > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}

	if o.registerer != nil {
		m, err := newOptMetrics(o.registerer, func() float64 { return float64(o.pending.len()) })
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		o.metrics = m
	}

	if cfg.DiskPath != "" {
		disk, err := openDiskCache(cfg.DiskPath, cfg.DiskMaxBytes, o.log)
		if err != nil {
			return nil, fmt.Errorf("open disk cache %s: %w", cfg.DiskPath, err)
		}
		o.disk = disk
	}
	o.cache = newCache(cfg.MaxEntries, o.disk, o.now, newRateLimitedLogger(o.log, time.Minute))
	o.batches = newBatcher(cfg.BatchDelay, cfg.MaxBatchSize, o.dispatchBatch)
	return o, nil
}

// Config returns the effective configuration.
func (o *Optimizer) Config() Config { return o.cfg }

// Cache exposes the response cache for inspection.
func (o *Optimizer) Cache() *Cache { return o.cache }

func (o *Optimizer) generation() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.genCtx
}

// Request performs d through the cache, the pending table and the retry loop.
// ctx bounds only this caller's wait: an identical request issued by another
// caller keeps running when ctx is cancelled.
func (o *Optimizer) Request(ctx context.Context, d Descriptor) (json.RawMessage, error) {
	if d.URL == "" {
		return nil, errors.New("request: empty URL")
	}
	if o.closed.Load() {
		return nil, fmt.Errorf("%w: optimizer closed", ErrCancelled)
	}
	o.stats.request()

	reqKey := d.requestKey()
	cacheKey := d.cacheKey()

	if d.isGet() {
		if ent, ok := o.cache.Get(cacheKey); ok {
			o.stats.hit()
			o.metrics.outcome("hit")
			return ent.Body, nil
		}
	}
	o.stats.miss()
	o.metrics.outcome("miss")

	// Taken before joining so a CancelAll racing the join cancels this call's
	// fetch too.
	gen := o.generation()
	c, leader := o.pending.join(reqKey, d)
	if !leader {
		o.stats.dedup()
		o.metrics.outcome("dedup")
		return c.wait(ctx)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.pending.remove(reqKey, c)
		defer func() {
			if r := recover(); r != nil {
				o.log.Error("request panicked", zap.String("url", d.URL), zap.Any("panic", r))
				c.settle(nil, fmt.Errorf("request %s panicked: %v", d.URL, r))
			}
		}()
		body, err := o.execute(gen, d, cacheKey)
		c.settle(body, err)
	}()
	return c.wait(ctx)
}

// execute is the leader side of a request: retries, revalidation, caching and
// the stale-serve fallback.
func (o *Optimizer) execute(ctx context.Context, d Descriptor, cacheKey string) (json.RawMessage, error) {
	var prior *CacheEntry
	if d.isGet() {
		if ent, ok := o.cache.Peek(cacheKey); ok {
			prior = &ent
		}
	}
	var conditional *CacheEntry
	if prior != nil && prior.conditional() {
		conditional = prior
	}

	retries := o.cfg.Retries
	if d.Retries != nil {
		retries = max(*d.Retries, 0)
	}
	policy := retryPolicy{
		Retries: retries,
		Delay:   o.cfg.RetryDelay,
		sleep:   o.sleep,
		onRetry: func(attempt int, err error, wait time.Duration) {
			o.log.Debug("retrying request",
				zap.String("url", d.URL),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
		},
	}

	var res fetchResult
	err := policy.run(ctx, func(ctx context.Context) error {
		var ferr error
		res, ferr = o.fetch(ctx, d, conditional)
		return ferr
	})
	if err != nil {
		if IsCancelled(err) {
			return nil, err
		}
		o.stats.failure()
		o.metrics.failure()
		if prior != nil && staleServable(err) {
			o.log.Debug("serving stale cache entry", zap.String("url", d.URL), zap.Error(err))
			return prior.Body, nil
		}
		return nil, err
	}

	if res.notModified {
		o.stats.hit()
		o.metrics.outcome("hit")
		if ent, ok := o.cache.Touch(cacheKey); ok {
			return ent.Body, nil
		}
		// Cleared while the revalidation was in flight.
		o.cache.Set(cacheKey, conditional.Body, o.ttl(d), conditional.ETag, conditional.LastModified)
		return conditional.Body, nil
	}

	if d.isGet() {
		o.cache.Set(cacheKey, res.body, o.ttl(d), res.etag, res.lastModified)
	}
	return res.body, nil
}

func (o *Optimizer) ttl(d Descriptor) time.Duration {
	if d.CacheTTL > 0 {
		return d.CacheTTL
	}
	return o.cfg.CacheTTL
}

func (o *Optimizer) observeLatency(d time.Duration) {
	o.stats.latency(d)
	o.metrics.observe(d)
}

// BatchRequest queues descs into the batch window for key and returns their
// bodies in input order. A single descriptor skips batching. When any item
// fails the error is a *BatchError and the other slots are still filled.
func (o *Optimizer) BatchRequest(ctx context.Context, key string, descs []Descriptor) ([]json.RawMessage, error) {
	if len(descs) == 0 {
		return nil, nil
	}
	if len(descs) == 1 {
		body, err := o.Request(ctx, descs[0])
		if err != nil {
			return []json.RawMessage{nil}, &BatchError{Errs: map[int]error{0: err}}
		}
		return []json.RawMessage{body}, nil
	}
	if o.closed.Load() {
		return nil, fmt.Errorf("%w: optimizer closed", ErrCancelled)
	}
	if key == "" {
		key = DefaultBatchKey
	}

	items := o.batches.enqueue(key, descs)
	out := make([]json.RawMessage, len(items))
	errs := map[int]error{}
	for i, it := range items {
		select {
		case r := <-it.result:
			out[i] = r.body
			if r.err != nil {
				errs[i] = r.err
			}
		case <-ctx.Done():
			for j := i; j < len(items); j++ {
				errs[j] = ctx.Err()
			}
			return out, &BatchError{Errs: errs}
		}
	}
	if len(errs) > 0 {
		return out, &BatchError{Errs: errs}
	}
	return out, nil
}

func (o *Optimizer) dispatchBatch(w *batchWindow) {
	o.stats.batch(len(w.items))
	o.metrics.outcomeN("batched", len(w.items))
	o.log.Debug("dispatching batch", zap.String("key", w.key), zap.Int("size", len(w.items)))

	for _, it := range w.items {
		it := it
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			body, err := o.Request(context.Background(), it.desc)
			it.result <- batchResult{body: body, err: err}
		}()
	}
}

// Prefetch warms the cache for urls with PrefetchTTL. It returns immediately.
// Low priority fetches run one after another; others run concurrently within
// the background limit.
func (o *Optimizer) Prefetch(urls []string, priority Priority) {
	descs := make([]Descriptor, 0, len(urls))
	for _, u := range urls {
		descs = append(descs, Descriptor{URL: u})
	}
	o.PrefetchDescriptors(descs, priority)
}

// PrefetchDescriptors is Prefetch for callers that need their own cache keys.
// Descriptors without a CacheTTL get PrefetchTTL.
func (o *Optimizer) PrefetchDescriptors(descs []Descriptor, priority Priority) {
	if len(descs) == 0 || o.closed.Load() {
		return
	}
	if priority == "" {
		priority = PriorityLow
	}
	gen := o.generation()

	run := func(d Descriptor) {
		if d.CacheTTL <= 0 {
			d.CacheTTL = o.cfg.PrefetchTTL
		}
		d.Priority = priority
		_, err := o.Request(gen, d)
		if err != nil && !IsCancelled(err) {
			o.log.Debug("prefetch failed", zap.String("url", d.URL), zap.Error(err))
		}
	}

	if priority == PriorityLow {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for _, d := range descs {
				if gen.Err() != nil {
					return
				}
				run(d)
			}
		}()
		return
	}

	for _, d := range descs {
		d := d
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			select {
			case o.bgSem <- struct{}{}:
			case <-gen.Done():
				return
			}
			defer func() { <-o.bgSem }()
			run(d)
		}()
	}
}

// CancelAll rejects every pending and queued request with ErrCancelled, stops
// all batch timers and aborts in-flight fetches. Requests issued afterwards
// run normally.
func (o *Optimizer) CancelAll() {
	pending := o.pending.rejectAll(ErrCancelled)
	queued := o.batches.rejectAll(ErrCancelled)

	o.mu.Lock()
	o.genCancel()
	o.genCtx, o.genCancel = context.WithCancel(context.Background())
	o.mu.Unlock()

	o.log.Info("cancelled all requests", zap.Int("pending", pending), zap.Int("queued", queued))
}

// ClearCache removes cached responses whose key starts with prefix, or all of
// them when prefix is empty.
func (o *Optimizer) ClearCache(prefix string) int {
	n := o.cache.Clear(prefix)
	o.log.Debug("cache cleared", zap.String("prefix", prefix), zap.Int("entries", n))
	return n
}

// Stats returns a snapshot of the usage counters.
func (o *Optimizer) Stats() Stats { return o.stats.snapshot() }

// ResetStats zeroes the usage counters.
func (o *Optimizer) ResetStats() { o.stats.reset() }

// PendingCount is the number of distinct requests in flight.
func (o *Optimizer) PendingCount() int { return o.pending.len() }

// DiskUsage reports the persistent tier size, zero without one.
func (o *Optimizer) DiskUsage() (entries int, bytes int64) {
	if o.disk == nil {
		return 0, 0
	}
	return o.disk.KeyCount(), o.disk.TotalSize()
}

// Close cancels all work, waits for background goroutines and closes the
// disk tier.
func (o *Optimizer) Close() {
	if !o.closed.CompareAndSwap(false, true) {
		return
	}
	o.CancelAll()
	o.mu.Lock()
	o.genCancel()
	o.mu.Unlock()
	o.wg.Wait()
	if o.disk != nil {
		o.disk.close()
	}
}
