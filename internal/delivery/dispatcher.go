package delivery

import (
	"context"
	"sync"
	"time"

	"freegamesbot/internal/eventbus"
	rtsup "freegamesbot/internal/runtime/supervisor"
	"freegamesbot/internal/transport"
	logx "freegamesbot/pkg/logx"
)

// Dispatcher is the outbound delivery engine.
//
// Each recipient has its own FIFO drained by at most one worker goroutine.
// Broadcast items wait in a shared FIFO that is only drained while every
// recipient queue is empty. All sends go through the per-recipient burst
// controller and the global limiter.
//
// Enqueue and EnqueueBroadcast never block and are safe for concurrent use.
type Dispatcher struct {
	mu        sync.Mutex
	cfg       Config
	accepting bool
	sup       *rtsup.Supervisor
	// inflight counts Enqueue calls between the accepting check and their
	// worker spawn, so Stop can wait for them before tearing down.
	inflight sync.WaitGroup

	log     logx.Logger
	metrics *Metrics

	limiter *GlobalLimiter
	burst   *BurstController
	exec    *executor

	reg   *registry
	bcast fifo
}

// Deps are the dispatcher's collaborators. Sender is required.
type Deps struct {
	Sender   transport.Sender
	Store    RecipientStore
	Reporter ErrorReporter
	Bus      eventbus.Bus
	Metrics  *Metrics
	Log      logx.Logger
}

func New(cfg Config, deps Deps) *Dispatcher {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:     cfg,
		log:     log,
		metrics: deps.Metrics,
		limiter: NewGlobalLimiter(cfg.GlobalLimit, cfg.GlobalInterval),
		burst:   NewBurstController(cfg.BurstLimit, cfg.BurstInterval),
		reg:     newRegistry(),
	}
	d.exec = &executor{
		sender:   deps.Sender,
		store:    deps.Store,
		reporter: deps.Reporter,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		log:      log,
		timeout:  func() time.Duration { return d.config().SendTimeout },
	}
	return d
}

func (d *Dispatcher) config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Apply updates limits and timings at runtime. Queued messages are kept.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	d.limiter.Configure(cfg.GlobalLimit, cfg.GlobalInterval)
	d.burst.Configure(cfg.BurstLimit, cfg.BurstInterval)
}

// Supervisor returns the worker supervisor (nil before Start).
func (d *Dispatcher) Supervisor() *rtsup.Supervisor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sup
}

// Start begins accepting messages. Calling it twice is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sup != nil {
		return
	}
	d.sup = rtsup.New(ctx,
		rtsup.WithLogger(d.log),
		rtsup.WithCancelOnError(false),
	)
	d.accepting = true
	d.log.Info("dispatcher started",
		logx.Int("global_limit", d.cfg.GlobalLimit),
		logx.Duration("global_interval", d.cfg.GlobalInterval),
		logx.Int("burst_limit", d.cfg.BurstLimit),
		logx.Duration("burst_interval", d.cfg.BurstInterval),
	)
}

// Stop refuses new messages, lets workers finish their current send and
// waits for them (bounded by ctx). Messages still queued are dropped.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	sup := d.sup
	d.accepting = false
	d.mu.Unlock()
	if sup == nil {
		return
	}

	d.inflight.Wait()
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil {
		d.log.Warn("dispatcher stop timed out", logx.Err(err))
	}

	direct := d.reg.drain()
	bcast := d.bcast.drain()
	d.metrics.dropped(false, direct)
	d.metrics.dropped(true, bcast)
	if direct+bcast > 0 {
		d.log.Warn("undelivered messages dropped on shutdown", logx.Int("direct", direct), logx.Int("broadcast", bcast))
	}

	d.mu.Lock()
	d.sup = nil
	d.mu.Unlock()
	d.log.Info("dispatcher stopped")
}

// begin registers an in-flight enqueue; it fails once Stop has started.
func (d *Dispatcher) begin() (*rtsup.Supervisor, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.accepting || d.sup == nil {
		return nil, false
	}
	d.inflight.Add(1)
	return d.sup, true
}

// Enqueue appends msg to its recipient's FIFO and makes sure a worker is
// draining it.
func (d *Dispatcher) Enqueue(msg Message) error {
	if msg == nil || msg.Recipient() == 0 {
		return ErrInvalidMessage
	}
	sup, ok := d.begin()
	if !ok {
		return ErrStopped
	}
	defer d.inflight.Done()

	q := d.reg.get(msg.Recipient())
	q.push(wrap(msg, false))
	d.metrics.enqueued(false)
	if q.exec.TryLock() {
		d.spawnRecipient(sup, q)
	}
	return nil
}

// EnqueueBroadcast appends msg to the low-priority shared FIFO.
func (d *Dispatcher) EnqueueBroadcast(msg Message) error {
	if msg == nil || msg.Recipient() == 0 {
		return ErrInvalidMessage
	}
	sup, ok := d.begin()
	if !ok {
		return ErrStopped
	}
	defer d.inflight.Done()

	n := d.bcast.push(wrap(msg, true))
	d.metrics.enqueued(true)
	if n == 1 && d.bcast.exec.TryLock() {
		d.metrics.worker(1)
		sup.Go0("broadcast.worker", func(ctx context.Context) { d.runBroadcast(ctx, sup) })
	}
	return nil
}

// spawnRecipient starts a worker for q; the caller must hold q.exec.
func (d *Dispatcher) spawnRecipient(sup *rtsup.Supervisor, q *recipientQueue) {
	d.metrics.worker(1)
	sup.Go0("recipient.worker", func(ctx context.Context) { d.runRecipient(ctx, q) })
}

// runRecipient drains q while holding q.exec.
func (d *Dispatcher) runRecipient(ctx context.Context, q *recipientQueue) {
	defer d.metrics.worker(-1)
	for {
		if ctx.Err() != nil {
			q.exec.Unlock()
			return
		}
		e, ok := q.pop()
		if !ok {
			q.exec.Unlock()
			// A producer may have pushed after pop saw an empty queue but
			// before Unlock; its TryLock failed, so this worker picks it up.
			if q.len() == 0 || !q.exec.TryLock() {
				return
			}
			continue
		}
		d.metrics.dequeued(e)
		d.process(ctx, &q.burst, e)
	}
}

// process applies both throttles and performs the send.
func (d *Dispatcher) process(ctx context.Context, st *burstState, e envelope) Outcome {
	if !e.msg.Sendable() {
		return d.exec.deliver(ctx, e)
	}
	waited, err := d.burst.Control(ctx, st)
	if err != nil {
		return OutcomeFailed
	}
	d.metrics.throttled("burst", waited)
	if waited, err = d.limiter.Acquire(ctx); err != nil {
		return OutcomeFailed
	}
	d.metrics.throttled("global", waited)
	return d.exec.deliver(ctx, e)
}

// Snapshot is a point-in-time view for status reports.
type Snapshot struct {
	Recipients       int
	Pending          int
	BroadcastPending int
	Workers          int64
	Accepting        bool
}

func (d *Dispatcher) Snapshot() Snapshot {
	recipients, pending := d.reg.stats()
	d.mu.Lock()
	sup, accepting := d.sup, d.accepting
	d.mu.Unlock()
	return Snapshot{
		Recipients:       recipients,
		Pending:          pending,
		BroadcastPending: d.bcast.len(),
		Workers:          sup.Counters().Active,
		Accepting:        accepting,
	}
}
