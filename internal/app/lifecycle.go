package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"freegamesbot/internal/config"
	"freegamesbot/internal/delivery"
	"freegamesbot/internal/feed"
	rtsup "freegamesbot/internal/runtime/supervisor"
	"freegamesbot/internal/storage"
	kit "freegamesbot/internal/transport"
	logx "freegamesbot/pkg/logx"
)

const (
	jobStats = "delivery.stats"
	jobFeed  = "feed.refresh"

	feedJobTimeout  = 2 * time.Minute
	statsJobTimeout = 10 * time.Second
)

type supervised interface {
	Supervisor() *rtsup.Supervisor
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.started = time.Now()
	a.reg.Set("app", a.sup)

	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	a.disp.Start(a.sup.Context())
	a.reg.Set("delivery", a.disp.Supervisor())

	a.sup.Go0("events.audit", a.auditEvents)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("adapter start: %w", err)
	}
	if s, ok := a.adapter.(supervised); ok {
		a.reg.Set("telegram.adapter", s.Supervisor())
	}
	a.sup.Go("telegram.router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	if ms, ok := a.adapter.(kit.MenuSetter); ok {
		a.sup.Go0("telegram.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := ms.SetMenu(mctx, a.router.Menu()); err != nil {
				a.log.Warn("set menu failed", logx.Err(err))
			}
		})
	}

	cfg := a.cfgm.Get()
	a.applyOps(cfg)

	a.jobs = newJobs(a.sup.Context(), a.log.Component("jobs"))
	a.applyStatsJob(cfg)
	a.applyFeedJob(cfg, true)
	a.jobs.Start()

	a.sup.Go("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("started")
	return nil
}

func (a *App) applyOps(cfg *config.Config) {
	oc, err := cfg.OpsRuntime()
	if err != nil {
		a.log.Warn("ops config invalid; keeping current", logx.Err(err))
		return
	}
	a.ops.Reconfigure(a.sup.Context(), oc)
	a.reg.Set("ops", a.ops.Supervisor())
}

func (a *App) applyStatsJob(cfg *config.Config) {
	sched, err := cfg.StatsSchedule()
	if err != nil {
		a.log.Warn("stats schedule invalid; report disabled", logx.Err(err))
	}
	a.jobs.Set(jobStats, sched, statsJobTimeout, a.logStats)
}

// applyFeedJob swaps the feed client and its schedule. With refreshNow the
// feed is polled once right away.
func (a *App) applyFeedJob(cfg *config.Config, refreshNow bool) {
	fc, sched, err := cfg.FeedRuntime()
	if err != nil {
		a.log.Warn("feed config invalid; polling disabled", logx.Err(err))
		a.jobs.Set(jobFeed, nil, 0, nil)
		return
	}
	a.feedMu.Lock()
	a.feed = feed.New(fc, a.root)
	a.feedMu.Unlock()

	a.jobs.Set(jobFeed, sched, feedJobTimeout, a.refreshFeed)
	if sched != nil && refreshNow {
		a.sup.Go0("feed.initial", func(c context.Context) {
			rctx, cancel := context.WithTimeout(c, feedJobTimeout)
			defer cancel()
			if err := a.refreshFeed(rctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("initial feed refresh failed", logx.Err(err))
			}
		})
	}
}

// auditEvents logs delivery events and keeps a durable trail of the ones
// that change recipient state or need a human.
func (a *App) auditEvents(ctx context.Context) {
	ch, unsubscribe := a.bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			d, isDelivery := ev.Data.(delivery.EventData)
			if !isDelivery {
				a.log.Trace("event", logx.String("type", ev.Type))
				continue
			}
			a.log.Debug("delivery event",
				logx.String("type", ev.Type),
				logx.String("id", d.ID),
				logx.Int64("chat", int64(d.Recipient)),
				logx.String("kind", d.Kind),
				logx.Bool("broadcast", d.Broadcast),
			)
			var action string
			switch ev.Type {
			case delivery.EventDeactivated:
				action = "deactivate"
			case delivery.EventFailed:
				action = "failed"
			default:
				continue
			}
			err := a.store.AppendAudit(ctx, storage.AuditEntry{
				At:      ev.Time,
				ChatID:  d.Recipient,
				Action:  action,
				Outcome: d.Outcome,
				Error:   d.Err,
				Ref:     d.ID,
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("audit write failed", logx.Err(err))
			}
		}
	}
}

func (a *App) reloadLoop(ctx context.Context) error {
	ch := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(ch)
	cur := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-ch:
			if !ok {
				return nil
			}
			a.reload(cur, next)
			cur = next
		}
	}
}

func (a *App) reload(old, next *config.Config) {
	ch := config.Diff(old, next)
	if ch.Empty() {
		return
	}
	a.log.Info("config changed", logx.Any("sections", ch.Sections), logx.Any("fields", ch.Fields))

	if ch.Has("telegram") || ch.Has("logging") {
		chat, err := next.GroupLogChat()
		if err != nil {
			a.log.Warn("group_log invalid; keeping current", logx.Err(err))
		} else {
			a.logs.SetTelegramTarget(chat)
		}
		a.logs.Apply(next.LogRuntime())
	}
	if ch.Has("delivery") {
		if dc, err := next.DeliveryRuntime(); err != nil {
			a.log.Warn("delivery config invalid; keeping current", logx.Err(err))
		} else {
			a.disp.Apply(dc)
		}
		a.applyStatsJob(next)
	}
	if ch.Has("feed") {
		a.applyFeedJob(next, false)
	}
	if ch.Has("ops") {
		a.applyOps(next)
	}
	if ch.Has("telegram") && old.Telegram.Token != next.Telegram.Token {
		a.log.Warn("telegram token changed; restart required")
	}
	if ch.Has("storage") {
		a.log.Warn("storage config changed; restart required")
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	// step runs one shutdown step bounded by max (never past ctx).
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("jobs", 2*time.Second, func(c context.Context) error {
		if a.jobs == nil {
			return nil
		}
		return a.jobs.Stop(c)
	})
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("delivery", 3*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}
