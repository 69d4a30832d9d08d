package netopt

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// rateLimitedLogger drops messages logged within interval of the previous one.
type rateLimitedLogger struct {
	log *zap.Logger

	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
}

func newRateLimitedLogger(log *zap.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

// Warnw logs msg at warn level with alternating key/value pairs.
func (l *rateLimitedLogger) Warnw(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		return
	}
	l.lastAt = now
	l.log.Sugar().Warnw(msg, keysAndValues...)
}
