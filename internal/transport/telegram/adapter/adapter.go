package adapter

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "freegamesbot/internal/runtime/supervisor"
	kit "freegamesbot/internal/transport"
	logx "freegamesbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Offline skips the getMe handshake (tests).
	Offline bool
}

// Adapter is the Telegram transport: long-poll updates in, messages out.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot   *tele.Bot
	fetch *http.Client

	out     atomic.Value // chan<- kit.Update
	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// droppedUpdates counts updates lost because the consumer fell behind.
	droppedUpdates atomic.Uint64
}

var _ kit.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	a := &Adapter{
		cfg:   cfg,
		log:   log,
		fetch: &http.Client{Timeout: fetchTimeout},
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
		OnError: func(err error, c tele.Context) {
			a.log.Warn("telebot handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a.bot = b
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Supervisor returns the adapter's supervisor (nil when stopped).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) registerHandlers() {
	onMessage := func(c tele.Context) error {
		if m := c.Message(); m != nil {
			a.sendUpdate(messageUpdate(m))
		}
		return nil
	}
	a.bot.Handle(tele.OnText, onMessage)
	a.bot.Handle(tele.OnMedia, onMessage)

	a.bot.Handle(tele.OnMyChatMember, func(c tele.Context) error {
		if u := c.ChatMember(); u != nil {
			if up, ok := membershipUpdate(u); ok {
				a.sendUpdate(up)
			}
		}
		return nil
	})
}

func messageUpdate(m *tele.Message) kit.Update {
	msg := &kit.Message{
		ID:   m.ID,
		Text: m.Text,
	}
	if m.Text == "" {
		msg.Text = m.Caption
	}
	if m.Chat != nil {
		msg.ChatID = kit.ChatID(m.Chat.ID)
		msg.IsGroup = m.Chat.Type != tele.ChatPrivate
	}
	if m.Sender != nil {
		msg.FromID = m.Sender.ID
		msg.FromUsername = m.Sender.Username
	}
	return kit.Update{Kind: kit.UpdateMessage, Message: msg}
}

func membershipUpdate(u *tele.ChatMemberUpdate) (kit.Update, bool) {
	if u.Chat == nil {
		return kit.Update{}, false
	}
	ms := &kit.Membership{ChatID: kit.ChatID(u.Chat.ID)}
	if u.Sender != nil {
		ms.FromID = u.Sender.ID
	}
	if u.OldChatMember != nil {
		ms.Old = kit.MemberStatus(u.OldChatMember.Role)
	}
	if u.NewChatMember != nil {
		ms.New = kit.MemberStatus(u.NewChatMember.Role)
	}
	return kit.Update{Kind: kit.UpdateMembership, Membership: ms}, true
}

func (a *Adapter) sendUpdate(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.Component("telegram.adapter")),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := a.droppedUpdates.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until Stop; an unexpected return is restarted.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

// Stop ends polling. It waits at most two seconds (or ctx) for the
// long-poll request to return.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop incomplete", logx.Err(err))
	}
	a.log.Info("telegram adapter stopped")
	return nil
}

// SetMenu publishes the command menu shown by Telegram clients.
func (a *Adapter) SetMenu(ctx context.Context, cmds []kit.BotCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		list = append(list, tele.Command{Text: c.Command, Description: clipRunes(d, 256)})
	}
	if err := a.bot.SetCommands(list); err != nil {
		return err
	}
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}
