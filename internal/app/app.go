package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"freegamesbot/internal/bot"
	"freegamesbot/internal/config"
	"freegamesbot/internal/delivery"
	"freegamesbot/internal/eventbus"
	"freegamesbot/internal/feed"
	"freegamesbot/internal/notifier"
	"freegamesbot/internal/ops"
	"freegamesbot/internal/report"
	rtsup "freegamesbot/internal/runtime/supervisor"
	"freegamesbot/internal/storage"
	kit "freegamesbot/internal/transport"
	telegram "freegamesbot/internal/transport/telegram/adapter"
	"freegamesbot/internal/transport/telegram/router"
	logx "freegamesbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor
	reg  *rtsup.Registry

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	prom  *prometheus.Registry

	adapter  kit.Adapter
	disp     *delivery.Dispatcher
	notif    *notifier.Service
	reporter *report.Reporter
	router   *router.Router
	ops      *ops.Service
	jobs     *jobs

	feedMu sync.Mutex
	feed   *feed.Client

	updates chan kit.Update
	started time.Time
}

// New loads the config and builds the app around the Telegram adapter.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	pollTimeout, err := cfg.PollTimeout()
	if err != nil {
		return nil, err
	}
	return assemble(cfgm, cfg, func(log logx.Logger) (kit.Adapter, error) {
		return telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
		}, log.Component("telegram"))
	})
}

type adapterFactory func(log logx.Logger) (kit.Adapter, error)

// lateSender lets the log service exist before the adapter it writes
// operator-chat lines through.
type lateSender struct {
	mu sync.RWMutex
	s  kit.Sender
}

func (l *lateSender) set(s kit.Sender) {
	l.mu.Lock()
	l.s = s
	l.mu.Unlock()
}

func (l *lateSender) get() (kit.Sender, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.s == nil {
		return nil, errors.New("log sender not ready")
	}
	return l.s, nil
}

func (l *lateSender) SendText(ctx context.Context, to kit.ChatID, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	s, err := l.get()
	if err != nil {
		return kit.MessageRef{}, err
	}
	return s.SendText(ctx, to, text, opt)
}

func (l *lateSender) SendMedia(ctx context.Context, to kit.ChatID, m kit.Media, opt *kit.SendOptions) (kit.MessageRef, error) {
	s, err := l.get()
	if err != nil {
		return kit.MessageRef{}, err
	}
	return s.SendMedia(ctx, to, m, opt)
}

func assemble(cfgm *config.Manager, cfg *config.Config, newAdapter adapterFactory) (*App, error) {
	// Bootstrap with the Telegram sink off, set its target, then apply the
	// final config so Apply does not warn about a missing target.
	logCfg := cfg.LogRuntime()
	final := logCfg
	logCfg.Telegram.Enabled = false
	sender := &lateSender{}
	logs, root := logx.New(logCfg, sender)
	if chat, err := cfg.GroupLogChat(); err == nil && chat != 0 {
		logs.SetTelegramTarget(chat)
	}
	logs.Apply(final)
	log := root.Component("app")
	cfgm.SetLogger(root.Component("config"))

	ad, err := newAdapter(root)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	sender.set(ad)

	sc, err := cfg.StorageRuntime()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root)
	if errors.Is(err, storage.ErrDisabled) {
		_ = logs.Close()
		return nil, fmt.Errorf("storage.driver %q: the bot needs persistent storage", sc.Driver)
	}
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	dcfg, err := cfg.DeliveryRuntime()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	prom := prometheus.NewRegistry()
	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	bus := eventbus.New()
	reg := rtsup.NewRegistry()
	reporter := report.New(root, bus)
	disp := delivery.New(dcfg, delivery.Deps{
		Sender:   ad,
		Store:    store,
		Reporter: reporter,
		Bus:      bus,
		Metrics:  delivery.NewMetrics(prom),
		Log:      root.Component("delivery"),
	})
	notif := notifier.New(disp, store, bus, root)

	b := bot.New(store, notif, disp, root)
	rt := router.New(router.Options{Log: root, Hooks: b.Hooks(), Registry: reg})
	rt.SetCommands(b.Commands())

	fc, _, err := cfg.FeedRuntime()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	oc, err := cfg.OpsRuntime()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfgm:     cfgm,
		reg:      reg,
		root:     root,
		log:      log,
		logs:     logs,
		bus:      bus,
		store:    store,
		prom:     prom,
		adapter:  ad,
		disp:     disp,
		notif:    notif,
		reporter: reporter,
		router:   rt,
		feed:     feed.New(fc, root),
		updates:  make(chan kit.Update, 256),
	}
	a.ops = ops.New(oc, ops.Deps{
		Gatherer: prom,
		Healthy:  reg.Healthy,
		Stats:    func(ctx context.Context) any { return a.Stats(ctx) },
		Ingest:   notif,
	}, root)
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Stats is the runtime status served on /stats and logged by the stats job.
type Stats struct {
	Uptime      time.Duration             `json:"uptime"`
	Delivery    delivery.Snapshot         `json:"delivery"`
	Recipients  storage.Counts            `json:"recipients"`
	Reports     uint64                    `json:"reports"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors,omitempty"`
}

func (a *App) Stats(ctx context.Context) Stats {
	st := Stats{
		Delivery:    a.disp.Snapshot(),
		Reports:     a.reporter.Count(),
		Supervisors: a.reg.Snapshot(),
	}
	if !a.started.IsZero() {
		st.Uptime = time.Since(a.started).Truncate(time.Second)
	}
	if c, err := a.store.Counts(ctx); err == nil {
		st.Recipients = c
	} else {
		a.log.Warn("recipient counts unavailable", logx.Err(err))
	}
	return st
}

func (a *App) feedClient() *feed.Client {
	a.feedMu.Lock()
	defer a.feedMu.Unlock()
	return a.feed
}

// refreshFeed fetches the promotions and announces the new ones.
func (a *App) refreshFeed(ctx context.Context) error {
	items, err := a.feedClient().Fetch(ctx)
	if err != nil {
		return err
	}
	res, err := a.notif.Ingest(ctx, items)
	if err != nil {
		return err
	}
	a.log.Info("feed refreshed",
		logx.Int("items", res.Received),
		logx.Int("new", res.New),
		logx.Int("queued", res.Queued),
	)
	return nil
}

func (a *App) logStats(ctx context.Context) error {
	st := a.Stats(ctx)
	a.log.Info("delivery stats",
		logx.Duration("uptime", st.Uptime),
		logx.Int("recipients_active", st.Recipients.Active),
		logx.Int("recipients_total", st.Recipients.Total),
		logx.Int("items", st.Recipients.Items),
		logx.Int("queued", st.Delivery.Pending),
		logx.Int("broadcast_queued", st.Delivery.BroadcastPending),
		logx.Int64("workers", st.Delivery.Workers),
		logx.Uint64("reports", st.Reports),
	)
	return nil
}
