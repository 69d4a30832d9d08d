package netopt

import (
	"context"
	"encoding/json"
	"sync"
)

// call is one in-flight network operation shared by every caller that issued
// an identical request while it was running.
type call struct {
	desc Descriptor

	once sync.Once
	done chan struct{}
	body json.RawMessage
	err  error
}

func (c *call) settle(body json.RawMessage, err error) {
	c.once.Do(func() {
		c.body = body
		c.err = err
		close(c.done)
	})
}

func (c *call) wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.body, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*call
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: map[string]*call{}}
}

// join returns the call in flight for key, or registers a new one. leader is
// true when the caller created the call and must run it.
func (p *pendingTable) join(key string, desc Descriptor) (c *call, leader bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.calls[key]; ok {
		return c, false
	}
	c = &call{desc: desc, done: make(chan struct{})}
	p.calls[key] = c
	return c, true
}

// remove drops key only if it still maps to c; after CancelAll a newer call may
// already own the key.
func (p *pendingTable) remove(key string, c *call) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.calls[key]; ok && cur == c {
		delete(p.calls, key)
	}
}

// rejectAll settles every pending call with err and empties the table.
func (p *pendingTable) rejectAll(err error) int {
	p.mu.Lock()
	calls := make([]*call, 0, len(p.calls))
	for _, c := range p.calls {
		calls = append(calls, c)
	}
	p.calls = map[string]*call{}
	p.mu.Unlock()

	for _, c := range calls {
		c.settle(nil, err)
	}
	return len(calls)
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
