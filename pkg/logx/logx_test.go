package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"freegamesbot/internal/transport"
)

type captureSender struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureSender) SendText(_ context.Context, _ transport.ChatID, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	c.mu.Lock()
	c.msgs = append(c.msgs, text)
	c.mu.Unlock()
	return transport.MessageRef{}, nil
}

func (c *captureSender) SendMedia(context.Context, transport.ChatID, transport.Media, *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, nil
}

func (c *captureSender) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").Component("delivery").With(Int64("chat_id", 42))

	log.Warn("send failed", Err(errors.New("boom")), String("kind", "text"))
	log.Trace("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines=%q", lines)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"level": "warn", "message": "send failed", "comp": "delivery", "chat_id": float64(42), "err": "boom", "kind": "text"}
	for k, v := range want {
		if m[k] != v {
			t.Fatalf("%s=%v want %v (line %s)", k, m[k], v, lines[0])
		}
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller=%v", m["caller"])
	}
}

func TestZeroLoggerIsSilent(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger not reported as zero")
	}
	l.Error("nothing happens")
	if l.Component("x").IsZero() {
		t.Fatal("derived logger should carry fields")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace": zerolog.TraceLevel, " Debug ": zerolog.DebugLevel, "WARNING": zerolog.WarnLevel,
		"error": zerolog.ErrorLevel, "bogus": zerolog.InfoLevel, "": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("ParseLevel(%q)=%s want %s", in, got, want)
		}
	}
}

func TestRenderLine(t *testing.T) {
	line := `{"level":"error","time":"2026-01-01T00:00:00Z","message":"send failed","zeta":1,"alpha":"x","stack":"goroutine 1"}`
	got := renderLine([]byte(line))
	want := "[ERROR] send failed\n- alpha=x\n- stack=\ngoroutine 1\n- zeta=1"
	if got != want {
		t.Fatalf("got %q\nwant %q", got, want)
	}
	if got := renderLine([]byte("not json")); got != "not json" {
		t.Fatalf("plain line=%q", got)
	}
	if got := clip(strings.Repeat("a", 50), 20); len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("clip=%q", got)
	}
}

func TestTelegramSinkFiltersByLevel(t *testing.T) {
	sender := &captureSender{}
	sink := newTelegramSink(sender)
	sink.configure(TelegramConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100})
	sink.setTarget(-100123)

	_, _ = sink.WriteLevel(zerolog.InfoLevel, []byte(`{"level":"info","message":"quiet"}`))
	_, _ = sink.WriteLevel(zerolog.ErrorLevel, []byte(`{"level":"error","message":"loud"}`))

	sink.start()
	defer sink.stop()

	deadline := time.Now().Add(time.Second)
	for len(sender.all()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	msgs := sender.all()
	if len(msgs) != 1 || msgs[0] != "[ERROR] loud" {
		t.Fatalf("forwarded=%q", msgs)
	}
}

func TestTelegramSinkWithoutTargetDrops(t *testing.T) {
	sink := newTelegramSink(&captureSender{})
	sink.configure(TelegramConfig{Enabled: true})
	if n, err := sink.WriteLevel(zerolog.ErrorLevel, []byte(`{"message":"x"}`)); err != nil || n == 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if len(sink.queue) != 0 {
		t.Fatal("line queued without a target")
	}
}

func TestServiceApplyChangesLevel(t *testing.T) {
	svc, log := New(Config{Level: "info", Console: true}, nil)
	defer svc.Close()

	if log.Enabled(LevelDebug) {
		t.Fatal("debug enabled at info")
	}
	svc.Apply(Config{Level: "debug", Console: true})
	if !log.Enabled(LevelDebug) {
		t.Fatal("existing logger did not follow Apply")
	}
}
