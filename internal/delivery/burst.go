package delivery

import (
	"context"
	"sync"
	"time"
)

// burstState is the per-recipient counter. Only the goroutine holding the
// recipient's exec lock touches it.
type burstState struct {
	count int
	last  time.Time
}

// BurstController limits how many messages one recipient receives within a
// short window.
type BurstController struct {
	mu       sync.RWMutex
	limit    int
	interval time.Duration

	now func() time.Time
}

func NewBurstController(limit int, interval time.Duration) *BurstController {
	b := &BurstController{now: time.Now}
	b.Configure(limit, interval)
	return b
}

func (b *BurstController) Configure(limit int, interval time.Duration) {
	if limit <= 0 {
		limit = DefaultBurstLimit
	}
	if interval <= 0 {
		interval = DefaultBurstInterval
	}
	b.mu.Lock()
	b.limit = limit
	b.interval = interval
	b.mu.Unlock()
}

// Control is called before every send to the recipient owning st.
//
// A gap longer than the interval resets the counter. Once the counter reaches
// the limit, Control sleeps until the interval since the previous send has
// elapsed. The send is then counted and last is set to the current time,
// so a steady stream faster than the interval never resets on its own.
func (b *BurstController) Control(ctx context.Context, st *burstState) (time.Duration, error) {
	b.mu.RLock()
	limit, interval := b.limit, b.interval
	b.mu.RUnlock()

	var waited time.Duration
	now := b.now()
	if now.Sub(st.last) > interval {
		st.count = 0
	}
	if st.count >= limit {
		waited = interval - now.Sub(st.last)
		if err := sleep(ctx, waited); err != nil {
			return 0, err
		}
		st.count = 0
	}
	st.count++
	st.last = b.now()
	return waited, nil
}
