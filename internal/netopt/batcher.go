package netopt

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultBatchKey groups batch requests issued without an explicit key.
const DefaultBatchKey = "default"

type batchResult struct {
	body json.RawMessage
	err  error
}

// batchItem is one queued descriptor. Its result channel is buffered so the
// dispatcher never blocks on a caller that stopped listening.
type batchItem struct {
	desc   Descriptor
	result chan batchResult
}

type batchWindow struct {
	key   string
	items []*batchItem
	timer *time.Timer
}

// batcher collects descriptors per key and hands a window to dispatch once its
// delay elapses or it reaches maxSize, whichever comes first.
type batcher struct {
	delay    time.Duration
	maxSize  int
	dispatch func(w *batchWindow)

	mu      sync.Mutex
	windows map[string]*batchWindow
}

func newBatcher(delay time.Duration, maxSize int, dispatch func(w *batchWindow)) *batcher {
	return &batcher{
		delay:    delay,
		maxSize:  maxSize,
		dispatch: dispatch,
		windows:  map[string]*batchWindow{},
	}
}

func (b *batcher) enqueue(key string, descs []Descriptor) []*batchItem {
	items := make([]*batchItem, 0, len(descs))
	var sealed []*batchWindow

	b.mu.Lock()
	for _, d := range descs {
		w, ok := b.windows[key]
		if !ok {
			w = &batchWindow{key: key}
			b.windows[key] = w
			w.timer = time.AfterFunc(b.delay, func() { b.fire(w) })
		}
		it := &batchItem{desc: d, result: make(chan batchResult, 1)}
		w.items = append(w.items, it)
		items = append(items, it)

		if b.maxSize > 0 && len(w.items) >= b.maxSize {
			w.timer.Stop()
			delete(b.windows, key)
			sealed = append(sealed, w)
		}
	}
	b.mu.Unlock()

	for _, w := range sealed {
		b.dispatch(w)
	}
	return items
}

// fire runs when a window's delay elapses. A window that was already sealed
// by size or rejected by rejectAll is no longer in the table and is skipped.
func (b *batcher) fire(w *batchWindow) {
	b.mu.Lock()
	if cur, ok := b.windows[w.key]; !ok || cur != w {
		b.mu.Unlock()
		return
	}
	delete(b.windows, w.key)
	b.mu.Unlock()

	b.dispatch(w)
}

// rejectAll stops every open window and fails its items with err.
func (b *batcher) rejectAll(err error) int {
	b.mu.Lock()
	windows := make([]*batchWindow, 0, len(b.windows))
	for _, w := range b.windows {
		windows = append(windows, w)
	}
	b.windows = map[string]*batchWindow{}
	b.mu.Unlock()

	n := 0
	for _, w := range windows {
		w.timer.Stop()
		for _, it := range w.items {
			it.result <- batchResult{err: err}
			n++
		}
	}
	return n
}

func (b *batcher) openWindows() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.windows)
}
