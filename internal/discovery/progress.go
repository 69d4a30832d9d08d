package discovery

import "context"

// Observer receives progress snapshots. A run calls it sequentially from one
// goroutine, so implementations need no locking of their own.
type Observer interface {
	OnProgress(Progress)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Progress)

func (f ObserverFunc) OnProgress(p Progress) { f(p) }

type nopObserver struct{}

func (nopObserver) OnProgress(Progress) {}

// ChannelObserver delivers snapshots on a channel. OnProgress blocks until
// the snapshot is received or ctx is done, so a slow reader slows the run
// down instead of losing phases.
type ChannelObserver struct {
	ctx context.Context
	ch  chan Progress
}

// NewChannelObserver returns an observer whose channel holds up to buffer
// undelivered snapshots.
func NewChannelObserver(ctx context.Context, buffer int) *ChannelObserver {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelObserver{ctx: ctx, ch: make(chan Progress, buffer)}
}

// C is the receive side.
func (o *ChannelObserver) C() <-chan Progress { return o.ch }

func (o *ChannelObserver) OnProgress(p Progress) {
	select {
	case o.ch <- p:
	case <-o.ctx.Done():
	}
}

// Close closes the channel. Call it once the run has returned.
func (o *ChannelObserver) Close() { close(o.ch) }
