package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "freegamesbot/pkg/logx"
)

// jobs runs named periodic tasks on a cron runner. Setting a name again
// replaces its schedule; a run still in progress is never overlapped.
type jobs struct {
	mu      sync.Mutex
	log     logx.Logger
	c       *cron.Cron
	ctx     context.Context
	entries map[string]cron.EntryID
}

func newJobs(ctx context.Context, log logx.Logger) *jobs {
	cl := cronLogger{log: log}
	return &jobs{
		log:     log,
		ctx:     ctx,
		c:       cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		entries: map[string]cron.EntryID{},
	}
}

// Set schedules fn under name. A nil schedule removes the job.
func (j *jobs) Set(name string, sched cron.Schedule, timeout time.Duration, fn func(ctx context.Context) error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if id, ok := j.entries[name]; ok {
		j.c.Remove(id)
		delete(j.entries, name)
	}
	if sched == nil {
		return
	}
	j.entries[name] = j.c.Schedule(sched, cron.FuncJob(func() {
		j.run(name, timeout, fn)
	}))
	j.log.Debug("job scheduled", logx.String("job", name), logx.Time("next", sched.Next(time.Now())))
}

func (j *jobs) run(name string, timeout time.Duration, fn func(ctx context.Context) error) {
	if j.ctx.Err() != nil {
		return
	}
	ctx := j.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	if err := fn(ctx); err != nil {
		j.log.Warn("job failed", logx.String("job", name), logx.Duration("dur", time.Since(start)), logx.Err(err))
		return
	}
	j.log.Debug("job done", logx.String("job", name), logx.Duration("dur", time.Since(start)))
}

func (j *jobs) Start() { j.c.Start() }

// Stop waits for running jobs, bounded by ctx.
func (j *jobs) Stop(ctx context.Context) error {
	select {
	case <-j.c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Trace("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
