package netopt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type fetchResult struct {
	body         json.RawMessage
	etag         string
	lastModified string
	notModified  bool
}

// fetch performs one attempt of d. prior, when it carries validators, turns
// the request into a conditional one.
func (o *Optimizer) fetch(ctx context.Context, d Descriptor, prior *CacheEntry) (fetchResult, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return fetchResult{}, fmt.Errorf("rate limit wait %s: %w", d.URL, ctx.Err())
			}
			return fetchResult{}, fmt.Errorf("rate limit wait %s: %w", d.URL, err)
		}
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = o.cfg.RequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(d.Body) > 0 {
		body = bytes.NewReader(d.Body)
	}
	req, err := http.NewRequestWithContext(ctx, d.method(), d.URL, body)
	if err != nil {
		return fetchResult{}, nonRetryable(fmt.Errorf("build request %s: %w", d.URL, err))
	}
	for k, vs := range d.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/td+json, application/json")
	}
	if o.cfg.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", o.cfg.UserAgent)
	}
	if prior != nil {
		if prior.ETag != "" {
			req.Header.Set("If-None-Match", prior.ETag)
		}
		if prior.LastModified != "" {
			req.Header.Set("If-Modified-Since", prior.LastModified)
		}
	}

	start := time.Now()
	resp, err := o.client.Do(req)
	o.observeLatency(time.Since(start))
	if err != nil {
		return fetchResult{}, fmt.Errorf("fetch %s: %w", d.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		if prior == nil {
			return fetchResult{}, nonRetryable(&HTTPError{URL: d.URL, StatusCode: resp.StatusCode, Status: resp.Status})
		}
		return fetchResult{notModified: true}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 2048))
		return fetchResult{}, &HTTPError{URL: d.URL, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, o.cfg.MaxBodySize+1))
	if err != nil {
		return fetchResult{}, fmt.Errorf("read body %s: %w", d.URL, err)
	}
	if int64(len(raw)) > o.cfg.MaxBodySize {
		return fetchResult{}, fmt.Errorf("%w: %s exceeds %d bytes", ErrBodyTooLarge, d.URL, o.cfg.MaxBodySize)
	}
	o.stats.addBytes(len(raw))
	o.metrics.addBytes(len(raw))

	if resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("null")
	}
	if !json.Valid(raw) {
		return fetchResult{}, fmt.Errorf("%w from %s", ErrParse, d.URL)
	}

	return fetchResult{
		body:         raw,
		etag:         strings.TrimSpace(resp.Header.Get("ETag")),
		lastModified: strings.TrimSpace(resp.Header.Get("Last-Modified")),
	}, nil
}
