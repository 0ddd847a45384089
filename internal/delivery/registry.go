package delivery

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"freegamesbot/internal/transport"
)

// envelope is a queued message plus bookkeeping.
type envelope struct {
	id         uuid.UUID
	msg        Message
	enqueuedAt time.Time
	broadcast  bool
}

func wrap(msg Message, broadcast bool) envelope {
	return envelope{id: uuid.New(), msg: msg, enqueuedAt: time.Now(), broadcast: broadcast}
}

// fifo is a mutex-guarded queue. exec is held by whichever goroutine is
// currently allowed to drain (or send on behalf of) the queue; it is only
// ever acquired with TryLock.
type fifo struct {
	mu    sync.Mutex
	items []envelope

	exec sync.Mutex
}

// push appends e and returns the new length.
func (q *fifo) push(e envelope) int {
	q.mu.Lock()
	q.items = append(q.items, e)
	n := len(q.items)
	q.mu.Unlock()
	return n
}

func (q *fifo) pushFront(e envelope) {
	q.mu.Lock()
	q.items = append([]envelope{e}, q.items...)
	q.mu.Unlock()
}

func (q *fifo) pop() (envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return envelope{}, false
	}
	e := q.items[0]
	q.items[0] = envelope{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return e, true
}

func (q *fifo) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drain drops everything still queued and returns how many were dropped.
func (q *fifo) drain() int {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	q.mu.Unlock()
	return n
}

// recipientQueue is the per-recipient state. It is created on first use and
// lives for the rest of the process.
type recipientQueue struct {
	id transport.ChatID
	fifo
	burst burstState
}

type registry struct {
	mu     sync.RWMutex
	queues map[transport.ChatID]*recipientQueue
}

func newRegistry() *registry {
	return &registry{queues: map[transport.ChatID]*recipientQueue{}}
}

// get returns the queue for id, creating it atomically if needed.
func (r *registry) get(id transport.ChatID) *recipientQueue {
	r.mu.RLock()
	q := r.queues[id]
	r.mu.RUnlock()
	if q != nil {
		return q
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if q = r.queues[id]; q == nil {
		q = &recipientQueue{id: id}
		r.queues[id] = q
	}
	return q
}

// anyPending reports whether some recipient queue holds messages.
func (r *registry) anyPending() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, q := range r.queues {
		if q.len() > 0 {
			return true
		}
	}
	return false
}

func (r *registry) stats() (recipients, pending int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, q := range r.queues {
		pending += q.len()
	}
	return len(r.queues), pending
}

func (r *registry) drain() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, q := range r.queues {
		n += q.drain()
	}
	return n
}
