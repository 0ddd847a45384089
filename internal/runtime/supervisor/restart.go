package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	logx "freegamesbot/pkg/logx"
)

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int
	stopOnCleanExit bool
	publishErr      bool
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(lo, hi time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if lo > 0 {
			p.minBackoff = lo
		}
		if hi > 0 {
			p.maxBackoff = hi
		}
	}
}

// WithMaxRestarts gives up after n restarts (the first run does not count). n <= 0 is unlimited.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// WithStopOnCleanExit controls whether a nil return ends the loop (default) or restarts it.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnCleanExit = enabled }
}

// WithPublishFirstError records the first failure in Err() while still restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishErr = enabled }
}

// GoRestart runs fn and restarts it after errors or panics until the
// supervisor is cancelled. Meant for long-lived loops such as pollers and servers.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second, stopOnCleanExit: true}
	for _, o := range opts {
		o(&p)
	}
	if p.maxBackoff < p.minBackoff {
		p.maxBackoff = p.minBackoff
	}

	s.Go0(name+".restart", func(ctx context.Context) {
		backoff := p.minBackoff
		for restarts := 0; ; restarts++ {
			if ctx.Err() != nil {
				return
			}
			startedAt := s.stats.start(name, restarts > 0)
			err, pan, stack := runGuarded(ctx, fn)
			if pan != nil {
				s.stats.panic(name, pan)
				s.log.Error("goroutine panicked (restart)", logx.String("name", name), logx.Any("panic", pan), logx.Stack(stack))
				err = fmt.Errorf("panic: %v", pan)
			}
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.stats.stop(name, startedAt, nil)
				return
			}
			if err == nil {
				if p.stopOnCleanExit {
					s.stats.stop(name, startedAt, nil)
					return
				}
				err = errors.New("exited")
			}

			err = fmt.Errorf("%s: %w", name, err)
			s.stats.stop(name, startedAt, err)
			if p.publishErr {
				s.errOnce.Do(func() { s.firstErr.Store(&err) })
			}
			if p.maxRestarts > 0 && restarts+1 > p.maxRestarts {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				return
			}

			// A long healthy run resets the backoff.
			if time.Since(startedAt) >= 30*time.Second {
				backoff = p.minBackoff
			}
			wait := min(max(backoff, p.minBackoff), p.maxBackoff)
			if j := int64(wait / 5); j > 0 {
				wait += time.Duration(rand.Int64N(j + 1))
			}
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, p.maxBackoff)
		}
	})
}

// GoRestart0 is GoRestart for functions without an error result.
func (s *Supervisor) GoRestart0(name string, fn func(ctx context.Context), opts ...RestartOption) {
	if fn == nil {
		return
	}
	s.GoRestart(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}, opts...)
}
