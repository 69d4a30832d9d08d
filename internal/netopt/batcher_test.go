package netopt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatcherWindows(t *testing.T) {
	var mu sync.Mutex
	var fired []*batchWindow
	b := newBatcher(20*time.Millisecond, 3, func(w *batchWindow) {
		mu.Lock()
		fired = append(fired, w)
		mu.Unlock()
	})

	b.enqueue("a", []Descriptor{{URL: "http://x/1"}})
	b.enqueue("b", []Descriptor{{URL: "http://x/2"}})
	b.enqueue("a", []Descriptor{{URL: "http://x/3"}})
	assert.Equal(t, 2, b.openWindows())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	sizes := map[string]int{}
	for _, w := range fired {
		sizes[w.key] = len(w.items)
	}
	assert.Equal(t, map[string]int{"a": 2, "b": 1}, sizes)
	assert.Zero(t, b.openWindows())
}

func TestBatcherSplitsAtMaxSize(t *testing.T) {
	fired := make(chan int, 4)
	b := newBatcher(time.Hour, 2, func(w *batchWindow) { fired <- len(w.items) })

	items := b.enqueue("k", []Descriptor{{URL: "u1"}, {URL: "u2"}, {URL: "u3"}})
	require.Len(t, items, 3)
	assert.Equal(t, 2, <-fired)
	assert.Equal(t, 1, b.openWindows(), "the remainder waits in a fresh window")

	assert.Equal(t, 1, b.rejectAll(ErrCancelled))
	r := <-items[2].result
	assert.ErrorIs(t, r.err, ErrCancelled)
}

func TestRetryPolicyStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := retryPolicy{Retries: 5, Delay: time.Millisecond}
	err := p.run(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("connection reset")
	})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 1, calls)
}

func TestRetryNegativeRetriesRunsOnce(t *testing.T) {
	calls := 0
	p := retryPolicy{Retries: -1}
	err := p.run(context.Background(), func(context.Context) error {
		calls++
		return errors.New("connection reset")
	})
	assert.EqualError(t, err, "connection reset")
	assert.Equal(t, 1, calls)
}

func TestRetrySkipsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := retryPolicy{Retries: 2}.run(ctx, func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Zero(t, calls)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("dial tcp: refused")))
	assert.True(t, IsRetryable(&HTTPError{StatusCode: 503}))
	assert.False(t, IsRetryable(&HTTPError{StatusCode: 404}))
	assert.False(t, IsRetryable(ErrParse))
	assert.False(t, IsRetryable(ErrCancelled))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(nonRetryable(errors.New("bad url"))))
}
