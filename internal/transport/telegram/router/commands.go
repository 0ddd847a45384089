package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	rtsup "freegamesbot/internal/runtime/supervisor"
	kit "freegamesbot/internal/transport"
	logx "freegamesbot/pkg/logx"
)

// Command is a slash command. Name must be a valid Telegram command
// ([a-z0-9_], at most 32 characters).
type Command struct {
	Name        string
	Aliases     []string
	Description string
	// Hidden commands are routed but not published in the client menu.
	Hidden  bool
	Timeout time.Duration
	Handle  HandlerFunc
}

// Request is the context of one command invocation.
type Request struct {
	Update  kit.Update
	Chat    kit.ChatID
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger
}

func (r *Request) logger(fallback logx.Logger) logx.Logger {
	if r != nil && !r.Logger.IsZero() {
		return r.Logger
	}
	return fallback
}

// Hooks observe updates besides command routing. They run on the worker
// pool; a nil hook is skipped.
type Hooks struct {
	// OnMessage runs for every message, before its command (if any).
	OnMessage func(ctx context.Context, msg *kit.Message)
	// OnMembership runs when the bot's own membership in a chat changes.
	OnMembership func(ctx context.Context, ms *kit.Membership)
}

type Options struct {
	Log   logx.Logger
	Hooks Hooks
	// Workers defaults to NumCPU (at least 2).
	Workers int
	// QueueSize bounds pending jobs; updates beyond it are dropped.
	QueueSize int
	// Registry, when set, exposes the worker supervisor as "telegram.router".
	Registry *rtsup.Registry
}

// Router turns incoming updates into hook calls and command invocations,
// executed on a bounded worker pool.
type Router struct {
	log   logx.Logger
	hooks Hooks
	reg   *rtsup.Registry

	mu    sync.RWMutex
	index map[string]*Command
	list  []Command

	workers int
	jobs    chan func(ctx context.Context)
	dropped atomic.Uint64

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

func New(opt Options) *Router {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	workers := opt.Workers
	if workers <= 0 {
		workers = max(runtime.NumCPU(), 2)
	}
	size := opt.QueueSize
	if size <= 0 {
		size = 256
	}
	return &Router{
		log:     log.Component("telegram.router"),
		hooks:   opt.Hooks,
		reg:     opt.Registry,
		index:   map[string]*Command{},
		workers: workers,
		jobs:    make(chan func(ctx context.Context), size),
	}
}

// SetCommands replaces the command table. Commands without a name or a
// handler are ignored, as are duplicate names. Aliases never shadow names.
func (r *Router) SetCommands(cmds []Command) {
	index := map[string]*Command{}
	list := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := normalize(c.Name)
		if _, dup := index[name]; name == "" || dup || c.Handle == nil {
			continue
		}
		cc := c
		cc.Name = name
		list = append(list, cc)
		index[name] = &list[len(list)-1]
	}
	for i := range list {
		for _, a := range list[i].Aliases {
			if a = normalize(a); a != "" {
				if _, taken := index[a]; !taken {
					index[a] = &list[i]
				}
			}
		}
	}
	r.mu.Lock()
	r.index = index
	r.list = list
	r.mu.Unlock()
}

// Menu lists the visible commands for the client menu, sorted by name.
func (r *Router) Menu() []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(r.list))
	for _, c := range r.list {
		if !c.Hidden {
			out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
		}
	}
	slices.SortFunc(out, func(a, b kit.BotCommand) int { return strings.Compare(a.Command, b.Command) })
	return out
}

func (r *Router) lookup(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.index[name]
	if !ok {
		return Command{}, false
	}
	return *c, true
}

// Supervisor returns the worker pool supervisor (nil when not running).
func (r *Router) Supervisor() *rtsup.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.sup
}

// Run consumes updates until ctx is done or the channel is closed, then
// waits up to three seconds for in-flight jobs.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	r.reg.Set("telegram.router", sup)
	r.runMu.Lock()
	r.sup = sup
	r.runMu.Unlock()

	r.log.Info("router started", logx.Int("workers", r.workers), logx.Int("queue_cap", cap(r.jobs)))
	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart("router.worker."+strconv.Itoa(idx), func(c context.Context) error {
			return r.work(c, idx)
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.reg.Delete("telegram.router")
		r.runMu.Lock()
		r.sup = nil
		r.runMu.Unlock()
		if n := r.dropped.Swap(0); n > 0 {
			r.log.Warn("updates dropped (router busy)", logx.Uint64("count", n))
		}
		r.log.Info("router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(up)
		}
	}
}

func (r *Router) work(ctx context.Context, idx int) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-r.jobs:
			func() {
				defer func() {
					if p := recover(); p != nil {
						r.log.Error("panic in router job", logx.Int("worker", idx), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
					}
				}()
				job(ctx)
			}()
		}
	}
}

func (r *Router) submit(job func(ctx context.Context)) {
	select {
	case r.jobs <- job:
	default:
		if r.dropped.Add(1) == 1 {
			r.log.Warn("router queue full; dropping updates", logx.Int("queue_cap", cap(r.jobs)))
		}
	}
}

func (r *Router) route(up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message == nil {
			return
		}
		r.submit(func(ctx context.Context) { r.handleMessage(ctx, up) })
	case kit.UpdateMembership:
		if up.Membership == nil || r.hooks.OnMembership == nil {
			return
		}
		ms := up.Membership
		r.submit(func(ctx context.Context) { r.hooks.OnMembership(ctx, ms) })
	}
}

func (r *Router) handleMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if r.hooks.OnMessage != nil {
		r.hooks.OnMessage(ctx, msg)
	}

	name, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	cmd, found := r.lookup(name)
	if !found {
		r.log.Debug("unknown command", logx.String("cmd", name), logx.Int64("chat_id", int64(msg.ChatID)))
		return
	}

	rid := uuid.NewString()
	req := &Request{
		Update:  up,
		Chat:    msg.ChatID,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", int64(msg.ChatID)),
			logx.Int64("from_id", msg.FromID),
		),
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(cmd.Timeout),
	)
	_ = final(ctx, req)
}

// parseCommand splits "/name@bot arg1 arg2" into its lowercase name and
// arguments. ok is false for text that is not a command.
func parseCommand(text string) (name string, args []string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	word := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if word = normalize(word); word == "" {
		return "", nil, false
	}
	return word, fields[1:], true
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "/")))
}
