package eventbus

import (
	"sync"
	"time"
)

// Event is a small in-process notification.
//
// Publish never blocks: a subscriber whose buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus { return &memBus{} }

type subscriber struct {
	ch     chan Event
	closed bool
}

type memBus struct {
	mu   sync.RWMutex
	subs []*subscriber
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// The read lock is held across the sends so unsubscribe cannot close a
	// channel mid-send; the sends themselves are non-blocking.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.closed {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, cur := range b.subs {
				if cur == s {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			s.closed = true
			close(s.ch)
		})
	}
}
