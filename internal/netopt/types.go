package netopt

import (
	"net/http"
	"sort"
	"strings"
	"time"
)

// Priority is a scheduling hint for a request.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Descriptor describes a single outbound request. It is treated as a value:
// the optimizer never mutates a caller's descriptor.
type Descriptor struct {
	URL     string
	Method  string // defaults to GET
	Header  http.Header
	Body    []byte
	Timeout time.Duration

	// Retries is the number of additional attempts after the first one.
	// Nil means the optimizer default.
	Retries *int

	// CacheKey overrides the request key used for the cache.
	CacheKey string
	CacheTTL time.Duration
	Priority Priority
}

// Retries returns a pointer suitable for Descriptor.Retries.
func Retries(n int) *int { return &n }

func (d Descriptor) method() string {
	if d.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(d.Method)
}

func (d Descriptor) isGet() bool { return d.method() == http.MethodGet }

// requestKey identifies requests that may share one network call.
func (d Descriptor) requestKey() string {
	var b strings.Builder
	b.WriteString(d.method())
	b.WriteString(" ")
	b.WriteString(d.URL)
	if len(d.Header) > 0 {
		// Maps built by hand may hold non-canonical or duplicate-by-case names.
		raw := make([]string, 0, len(d.Header))
		for k := range d.Header {
			raw = append(raw, k)
		}
		sort.Strings(raw)
		merged := make(map[string][]string, len(raw))
		names := make([]string, 0, len(raw))
		for _, k := range raw {
			ck := http.CanonicalHeaderKey(k)
			if _, seen := merged[ck]; !seen {
				names = append(names, ck)
			}
			merged[ck] = append(merged[ck], d.Header[k]...)
		}
		sort.Strings(names)
		for _, k := range names {
			b.WriteString("\n")
			b.WriteString(k)
			b.WriteString(":")
			b.WriteString(strings.Join(merged[k], ","))
		}
	}
	if len(d.Body) > 0 {
		b.WriteString("\n\n")
		b.Write(d.Body)
	}
	return b.String()
}

func (d Descriptor) cacheKey() string {
	if d.CacheKey != "" {
		return d.CacheKey
	}
	return d.requestKey()
}

// APICacheKey builds the cache key for a generic API call.
func APICacheKey(method, endpoint string) string {
	if method == "" {
		method = http.MethodGet
	}
	return "api:" + strings.ToUpper(method) + ":" + endpoint
}
