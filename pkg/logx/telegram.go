package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"freegamesbot/internal/transport"
)

const (
	tgMaxMessage = 3500
	tgMaxValue   = 600
	tgMaxStack   = 900
)

// telegramSink is a zerolog.LevelWriter that forwards selected lines to a chat.
// Writes never block: lines are queued and dropped when the queue is full.
type telegramSink struct {
	sender transport.Sender
	queue  chan string

	mu       sync.Mutex
	target   transport.ChatID
	minLevel zerolog.Level
	limiter  *rate.Limiter

	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newTelegramSink(sender transport.Sender) *telegramSink {
	return &telegramSink{
		sender:   sender,
		queue:    make(chan string, 256),
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
	}
}

func (t *telegramSink) configure(cfg TelegramConfig) {
	rps := cfg.RatePerSec
	if rps < 1 {
		rps = 1
	}
	t.mu.Lock()
	t.minLevel = ParseLevel(cfg.MinLevel, zerolog.WarnLevel)
	t.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	t.mu.Unlock()
}

func (t *telegramSink) setTarget(chat transport.ChatID) {
	t.mu.Lock()
	t.target = chat
	t.mu.Unlock()
}

func (t *telegramSink) hasTarget() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.target != 0
}

func (t *telegramSink) start() {
	t.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		t.mu.Lock()
		t.cancel = cancel
		t.mu.Unlock()
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.run(ctx)
		}()
	})
}

func (t *telegramSink) stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		t.wg.Wait()
	}
}

func (t *telegramSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-t.queue:
			t.mu.Lock()
			to := t.target
			t.mu.Unlock()
			if to == 0 || t.sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, _ = t.sender.SendText(sctx, to, msg, &transport.SendOptions{DisablePreview: true, Silent: true})
			cancel()
		}
	}
}

func (t *telegramSink) Write(p []byte) (int, error) {
	return t.WriteLevel(zerolog.InfoLevel, p)
}

func (t *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	t.mu.Lock()
	to, minLvl, lim := t.target, t.minLevel, t.limiter
	t.mu.Unlock()

	if to == 0 || t.sender == nil || level < minLvl || !lim.Allow() {
		return len(p), nil
	}
	msg := renderLine(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case t.queue <- msg:
	default:
	}
	return len(p), nil
}

// renderLine turns one zerolog JSON line into a compact plain-text message.
func renderLine(p []byte) string {
	line := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		return clip(line, tgMaxMessage)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", zerolog.MessageFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if k == "stack" {
			b.WriteString("\n- stack=\n" + clip(v, tgMaxStack))
			continue
		}
		b.WriteString("\n- " + k + "=" + clip(v, tgMaxValue))
	}
	return clip(b.String(), tgMaxMessage)
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
