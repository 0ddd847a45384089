package delivery

import (
	"context"

	rtsup "freegamesbot/internal/runtime/supervisor"
)

// runBroadcast drains the broadcast FIFO while holding d.bcast.exec.
//
// Direct traffic always wins: while any recipient queue is non-empty the
// worker only polls. Once everything is quiet it waits the cooldown, checks
// again and sends a single item, then re-evaluates.
func (d *Dispatcher) runBroadcast(ctx context.Context, sup *rtsup.Supervisor) {
	defer d.metrics.worker(-1)
	for {
		if ctx.Err() != nil {
			d.bcast.exec.Unlock()
			return
		}
		if d.bcast.len() == 0 {
			d.bcast.exec.Unlock()
			if d.bcast.len() == 0 || !d.bcast.exec.TryLock() {
				return
			}
			continue
		}

		cfg := d.config()
		if d.reg.anyPending() {
			_ = sleep(ctx, cfg.BroadcastPoll)
			continue
		}
		if sleep(ctx, cfg.BroadcastCooldown) != nil {
			continue
		}
		// Direct messages that arrived during the cooldown go first.
		if d.reg.anyPending() {
			continue
		}

		e, ok := d.bcast.pop()
		if !ok {
			continue
		}
		q := d.reg.get(e.msg.Recipient())
		// The recipient's own worker may still be sending its last direct
		// message; the burst state belongs to whoever holds exec.
		if !q.exec.TryLock() {
			d.bcast.pushFront(e)
			continue
		}
		d.metrics.dequeued(e)
		d.process(ctx, &q.burst, e)
		d.release(ctx, sup, q)
	}
}

// release unlocks q.exec after a send made on q's behalf, handing the queue
// to a fresh worker if direct messages arrived meanwhile.
func (d *Dispatcher) release(ctx context.Context, sup *rtsup.Supervisor, q *recipientQueue) {
	q.exec.Unlock()
	if ctx.Err() != nil {
		return
	}
	if q.len() > 0 && q.exec.TryLock() {
		d.spawnRecipient(sup, q)
	}
}
