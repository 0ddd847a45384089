package delivery

import (
	"context"
	"sync"
	"time"
)

// GlobalLimiter caps the total number of sends per fixed window across all
// workers. Bursts of up to twice the ceiling around a window boundary are
// possible and accepted.
type GlobalLimiter struct {
	mu          sync.Mutex
	ceiling     int
	interval    time.Duration
	count       int
	windowStart time.Time

	now func() time.Time
}

func NewGlobalLimiter(ceiling int, interval time.Duration) *GlobalLimiter {
	l := &GlobalLimiter{now: time.Now}
	l.Configure(ceiling, interval)
	return l
}

// Configure changes the ceiling and window length. The current window is kept.
func (l *GlobalLimiter) Configure(ceiling int, interval time.Duration) {
	if ceiling <= 0 {
		ceiling = DefaultGlobalLimit
	}
	if interval <= 0 {
		interval = DefaultGlobalInterval
	}
	l.mu.Lock()
	l.ceiling = ceiling
	l.interval = interval
	l.mu.Unlock()
}

// Acquire blocks until a send slot is granted or ctx is done.
// It returns the total time spent waiting.
//
// The lock is never held across a sleep; after waking, the window is
// re-validated from scratch.
func (l *GlobalLimiter) Acquire(ctx context.Context) (time.Duration, error) {
	var waited time.Duration
	for {
		l.mu.Lock()
		now := l.now()
		if now.Sub(l.windowStart) >= l.interval {
			l.count = 0
			l.windowStart = now
		}
		if l.count < l.ceiling {
			l.count++
			l.mu.Unlock()
			return waited, nil
		}
		delay := l.interval - now.Sub(l.windowStart)
		l.mu.Unlock()

		if err := sleep(ctx, delay); err != nil {
			return waited, err
		}
		waited += delay
	}
}

// sleep waits d or until ctx is done. Non-positive d only checks ctx.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
