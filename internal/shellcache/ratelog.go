package shellcache

import (
	"sync"
	"time"

	"shellcache/internal/logger"
)

// rateLimitedLogger emits each distinct warning message at most once per
// interval and reports how many repeats of it were swallowed in between.
type rateLimitedLogger struct {
	log      logger.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	perMsg map[string]*msgWindow
}

type msgWindow struct {
	lastAt     time.Time
	suppressed int
}

func newRateLimitedLogger(log logger.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval, now: time.Now, perMsg: map[string]*msgWindow{}}
}

func (l *rateLimitedLogger) Warn(msg string, fields ...logger.Field) {
	l.mu.Lock()
	now := l.now()
	win, ok := l.perMsg[msg]
	if !ok {
		win = &msgWindow{}
		l.perMsg[msg] = win
	}
	if !win.lastAt.IsZero() && now.Sub(win.lastAt) < l.interval {
		win.suppressed++
		l.mu.Unlock()
		return
	}
	suppressed := win.suppressed
	win.lastAt = now
	win.suppressed = 0
	l.mu.Unlock()

	if suppressed > 0 {
		fields = append(fields, logger.Int("suppressed", suppressed))
	}
	l.log.Warn(msg, fields...)
}
