package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wotscan/internal/netopt"
)

// Cache key namespaces owned by discovery.
const (
	CacheDiscoveryPrefix = "discovery:"
	CacheThingPrefix     = "thing:"
)

// Fetcher is the network layer the engine runs on. *netopt.Optimizer
// implements it.
type Fetcher interface {
	Request(ctx context.Context, d netopt.Descriptor) (json.RawMessage, error)
	PrefetchDescriptors(descs []netopt.Descriptor, priority netopt.Priority)
	CancelAll()
	ClearCache(prefix string) int
}

// Config holds the engine tunables.
type Config struct {
	// Concurrency is the number of base URLs scanned at once.
	Concurrency int
	ScanTTL     time.Duration
	ThingTTL    time.Duration
	// ResolveLinks fetches directory links as Thing Descriptions instead of
	// returning placeholders.
	ResolveLinks bool
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency: 5,
		ScanTTL:     5 * time.Minute,
		ThingTTL:    10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.ScanTTL <= 0 {
		c.ScanTTL = def.ScanTTL
	}
	if c.ThingTTL <= 0 {
		c.ThingTTL = def.ThingTTL
	}
	return c
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithValidator replaces the schema validator.
func WithValidator(v Validator) Option {
	return func(e *Engine) {
		if v != nil {
			e.validator = v
		}
	}
}

// WithRegistry sets the endpoint registry. Without one, endpoints are not
// recorded.
func WithRegistry(r Registry) Option {
	return func(e *Engine) { e.registry = r }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine discovers Things over HTTP. All I/O goes through its Fetcher.
type Engine struct {
	fetch     Fetcher
	cfg       Config
	validator Validator
	registry  Registry
	log       *zap.Logger
	now       func() time.Time

	mu        sync.Mutex
	gen       context.Context
	genCancel context.CancelFunc
}

// NewEngine builds an engine on f. The embedded schema validator is used
// unless WithValidator is given.
func NewEngine(f Fetcher, cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		fetch: f,
		cfg:   cfg.withDefaults(),
		log:   zap.NewNop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.validator == nil {
		v, err := NewSchemaValidator()
		if err != nil {
			return nil, err
		}
		e.validator = v
	}
	e.gen, e.genCancel = context.WithCancel(context.Background())
	return e, nil
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) generation() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen
}

// Cancel stops every running discovery and cancels all requests in flight in
// the Fetcher.
func (e *Engine) Cancel() {
	e.mu.Lock()
	e.genCancel()
	e.gen, e.genCancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	e.fetch.CancelAll()
	e.log.Info("discovery cancelled")
}

// ClearCache drops cached well-known scans and direct Thing fetches.
func (e *Engine) ClearCache() int {
	return e.fetch.ClearCache(CacheDiscoveryPrefix) + e.fetch.ClearCache(CacheThingPrefix)
}

type scanOutcome struct {
	things []Thing
	err    error
}

// DiscoverThings scans baseURLs in batches of Config.Concurrency, validates
// what was found and reports progress to obs (which may be nil).
//
// Per-URL failures are recorded in Result.Errors and never fail the run. If
// the run is cancelled before the first batch settles, the error wraps
// netopt.ErrCancelled and the last snapshot has status error. A later
// cancellation returns the partial result with Cancelled set.
func (e *Engine) DiscoverThings(ctx context.Context, baseURLs []string, obs Observer) (*Result, error) {
	if obs == nil {
		obs = nopObserver{}
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.generation(), cancel)
	defer stop()

	res := &Result{
		Discovered: []Thing{},
		Errors:     []URLError{},
		Progress:   Progress{RunID: uuid.New(), Total: len(baseURLs), Status: PhaseScanning},
	}
	log := e.log.With(zap.String("run_id", res.Progress.RunID.String()))
	log.Info("discovery started", zap.Int("endpoints", len(baseURLs)))
	started := time.Now()
	obs.OnProgress(res.Progress)

	found := make(map[string]int, len(baseURLs))
	batches := 0
	for lo := 0; lo < len(baseURLs) && ctx.Err() == nil; lo += e.cfg.Concurrency {
		hi := min(lo+e.cfg.Concurrency, len(baseURLs))
		batch := baseURLs[lo:hi]
		outcomes := e.scanBatch(ctx, batch)
		if ctx.Err() != nil && batches == 0 {
			break
		}

		for i, u := range batch {
			o := outcomes[i]
			switch {
			case o.err == nil:
				res.Discovered = append(res.Discovered, o.things...)
				found[u] = len(o.things)
			case netopt.IsCancelled(o.err):
			default:
				log.Debug("endpoint failed", zap.String("url", u), zap.Error(o.err))
				res.Errors = append(res.Errors, URLError{URL: u, Message: o.err.Error()})
			}
		}
		batches++
		res.Progress.Completed += len(batch)
		res.Progress.CurrentURL = batch[len(batch)-1]
		obs.OnProgress(res.Progress)
	}

	if ctx.Err() != nil {
		if batches == 0 {
			res.Progress.Status = PhaseError
			obs.OnProgress(res.Progress)
			log.Info("discovery cancelled before any endpoint completed")
			return nil, fmt.Errorf("discovery %s: %w", res.Progress.RunID, netopt.ErrCancelled)
		}
		res.Cancelled = true
	}

	if !res.Cancelled {
		res.Progress.Status = PhaseValidating
		res.Progress.CurrentURL = ""
		obs.OnProgress(res.Progress)
		for i := range res.Discovered {
			if ctx.Err() != nil {
				res.Cancelled = true
				break
			}
			e.Validate(&res.Discovered[i])
		}
	}
	if !res.Cancelled {
		res.Progress.Status = PhaseCompleted
		obs.OnProgress(res.Progress)
	}

	e.register(ctx, baseURLs, found, log)

	log.Info("discovery finished",
		zap.Int("discovered", len(res.Discovered)),
		zap.Int("errors", len(res.Errors)),
		zap.Bool("cancelled", res.Cancelled),
		zap.Duration("elapsed", time.Since(started)),
	)
	return res, nil
}

func (e *Engine) scanBatch(ctx context.Context, urls []string) []scanOutcome {
	out := make([]scanOutcome, len(urls))
	var g errgroup.Group
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					out[i] = scanOutcome{err: fmt.Errorf("scan %s panicked: %v", u, r)}
				}
			}()
			things, err := e.ScanWellKnown(ctx, u)
			out[i] = scanOutcome{things: things, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// register notifies the registry once per distinct base URL with things.
// Registry failures are logged only.
func (e *Engine) register(ctx context.Context, baseURLs []string, found map[string]int, log *zap.Logger) {
	if e.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	seen := make(map[string]struct{}, len(found))
	for _, u := range baseURLs {
		n := found[u]
		if n == 0 {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		if err := e.registry.AddEndpoint(ctx, u, n); err != nil {
			log.Warn("endpoint registry update failed", zap.String("url", u), zap.Error(err))
		}
	}
}

// ScanWellKnown fetches the .well-known/wot document of baseURL and returns
// the things it describes, all pending validation.
func (e *Engine) ScanWellKnown(ctx context.Context, baseURL string) ([]Thing, error) {
	wk, err := WellKnownURL(baseURL)
	if err != nil {
		return nil, err
	}
	body, err := e.fetch.Request(ctx, netopt.Descriptor{
		URL:      wk,
		CacheKey: CacheDiscoveryPrefix + wk,
		CacheTTL: e.cfg.ScanTTL,
		Priority: netopt.PriorityNormal,
	})
	if err != nil {
		return nil, describeFetchError(wk, err)
	}

	doc, err := classify(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", wk, err)
	}
	now := e.now()
	switch doc := doc.(type) {
	case singleThingDoc:
		return parseSingle(doc, wk, now), nil
	case thingListDoc:
		return parseList(doc, wk, now), nil
	case directoryDoc:
		things, hrefs := parseDirectory(doc, wk, now)
		if e.cfg.ResolveLinks {
			e.resolveLinks(ctx, things, hrefs)
		}
		return things, nil
	}
	return nil, fmt.Errorf("%s: %w", wk, ErrUnknownShape)
}

// resolveLinks replaces placeholders with the fetched descriptions. A link
// that cannot be fetched keeps its placeholder.
func (e *Engine) resolveLinks(ctx context.Context, things []Thing, hrefs []string) {
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i := range things {
		i := i
		if hrefs[i] == "" {
			continue
		}
		g.Go(func() error {
			t, err := e.DiscoverSingleThing(ctx, hrefs[i])
			if err != nil {
				e.log.Debug("directory link not resolved", zap.String("href", hrefs[i]), zap.Error(err))
				return nil
			}
			t.Method = MethodWellKnown
			things[i] = t
			return nil
		})
	}
	_ = g.Wait()
}

// PrefetchPlaceholders warms the cache for the descriptions behind
// placeholder things at low priority, so a later DiscoverSingleThing on their
// URL is served from cache. It returns the number of links queued.
func (e *Engine) PrefetchPlaceholders(things []Thing) int {
	descs := make([]netopt.Descriptor, 0, len(things))
	for _, t := range things {
		if !t.Placeholder {
			continue
		}
		descs = append(descs, netopt.Descriptor{
			URL:      t.SourceURL,
			CacheKey: CacheThingPrefix + t.SourceURL,
			CacheTTL: e.cfg.ThingTTL,
		})
	}
	e.fetch.PrefetchDescriptors(descs, netopt.PriorityLow)
	return len(descs)
}

// DiscoverSingleThing fetches a Thing Description from its own URL.
func (e *Engine) DiscoverSingleThing(ctx context.Context, tdURL string) (Thing, error) {
	body, err := e.fetch.Request(ctx, netopt.Descriptor{
		URL:      tdURL,
		CacheKey: CacheThingPrefix + tdURL,
		CacheTTL: e.cfg.ThingTTL,
		Priority: netopt.PriorityHigh,
	})
	if err != nil {
		return Thing{}, describeFetchError(tdURL, err)
	}
	t, ok := parseThing(body, tdURL, MethodDirectURL, e.now())
	if !ok {
		return Thing{}, fmt.Errorf("%s: %w: not a JSON object", tdURL, ErrUnknownShape)
	}
	return t, nil
}

// Validate runs the validator on t and records the outcome. Placeholders are
// left pending. A validator error or panic yields StatusWarning.
func (e *Engine) Validate(t *Thing) {
	if t.Placeholder || len(t.TD) == 0 {
		return
	}
	res, err := e.safeValidate(t.TD)
	if err != nil {
		e.log.Warn("validator failed", zap.String("thing", t.ID), zap.Error(err))
		t.ValidationStatus = StatusWarning
		t.ValidationErrors = nil
		t.ValidationWarnings = []string{"validation could not be performed: " + err.Error()}
		return
	}
	t.ValidationErrors = res.Errors
	t.ValidationWarnings = res.Warnings
	if res.IsValid {
		t.ValidationStatus = StatusValid
	} else {
		t.ValidationStatus = StatusInvalid
	}
}

func (e *Engine) safeValidate(td []byte) (res ValidationResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("validator panicked: %v", r)
		}
	}()
	return e.validator.Validate(td)
}

func describeFetchError(target string, err error) error {
	var netErr net.Error
	switch {
	case netopt.IsCancelled(err):
		return fmt.Errorf("request to %s cancelled: %w", target, err)
	case errors.As(err, &netErr):
		return fmt.Errorf("%w: %s: %w", ErrUnreachable, target, err)
	default:
		return fmt.Errorf("discovery failed for %s: %w", target, err)
	}
}
