package netopt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrCancelled is returned to every caller whose request was aborted by
	// CancelAll or Close.
	ErrCancelled = errors.New("request cancelled")

	// ErrParse marks a response body that is not valid JSON.
	ErrParse = errors.New("invalid JSON response")

	// ErrBodyTooLarge marks a response that exceeded the configured body limit.
	ErrBodyTooLarge = errors.New("response body too large")
)

// HTTPError is a non-2xx, non-304 response.
type HTTPError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("unexpected status %s: %s", e.Status, e.URL)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.URL)
}

// ClientError reports a 4xx status.
func (e *HTTPError) ClientError() bool { return e.StatusCode >= 400 && e.StatusCode < 500 }

// ServerError reports a 5xx status.
func (e *HTTPError) ServerError() bool { return e.StatusCode >= 500 }

// nonRetryableError marks an error that must surface without another attempt.
type nonRetryableError struct{ err error }

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

func nonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsCancelled reports whether err stems from an explicit cancellation, either
// CancelAll or the caller's own context.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// IsRetryable reports whether the retry loop may attempt err again.
func IsRetryable(err error) bool {
	if err == nil || IsCancelled(err) {
		return false
	}
	var nre *nonRetryableError
	if errors.As(err, &nre) {
		return false
	}
	if errors.Is(err, ErrParse) || errors.Is(err, ErrBodyTooLarge) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return !he.ClientError()
	}
	return true
}

// staleServable reports whether a stale cache entry may stand in for err.
// Only transient failures qualify: transport errors and 5xx responses.
func staleServable(err error) bool {
	if err == nil || IsCancelled(err) {
		return false
	}
	if errors.Is(err, ErrParse) || errors.Is(err, ErrBodyTooLarge) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.ServerError()
	}
	return true
}

// BatchError collects the failures of a BatchRequest, keyed by input index.
type BatchError struct {
	Errs map[int]error
}

func (e *BatchError) Error() string {
	idx := make([]int, 0, len(e.Errs))
	for i := range e.Errs {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	parts := make([]string, 0, len(idx))
	for _, i := range idx {
		parts = append(parts, fmt.Sprintf("[%d] %v", i, e.Errs[i]))
	}
	return fmt.Sprintf("batch: %d request(s) failed: %s", len(idx), strings.Join(parts, "; "))
}

// Unwrap exposes the individual errors to errors.Is / errors.As.
func (e *BatchError) Unwrap() []error {
	out := make([]error, 0, len(e.Errs))
	for _, err := range e.Errs {
		out = append(out, err)
	}
	return out
}
