package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"freegamesbot/internal/eventbus"
	"freegamesbot/internal/transport"
)

func TestEnqueueKeepsPerRecipientOrder(t *testing.T) {
	t.Parallel()
	h := startDispatcher(t, fastConfig())

	recipients := []transport.ChatID{101, 102, 103}
	for i := 0; i < 5; i++ {
		for _, r := range recipients {
			if err := h.d.Enqueue(TextMessage{To: r, Body: fmt.Sprintf("m%d", i)}); err != nil {
				t.Fatal(err)
			}
		}
	}
	waitFor(t, 2*time.Second, func() bool { return len(h.sender.records()) == 15 })

	for _, r := range recipients {
		got := h.sender.bodiesFor(r)
		for i, b := range got {
			if want := fmt.Sprintf("m%d", i); b != want {
				t.Fatalf("recipient %d: order %v", r, got)
			}
		}
	}
}

func TestSingleWorkerPerRecipientUnderConcurrentEnqueue(t *testing.T) {
	t.Parallel()
	h := startDispatcher(t, fastConfig())
	h.sender.delay = time.Millisecond

	const producers, each = 20, 10
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_ = h.d.Enqueue(TextMessage{To: 7, Body: "x"})
			}
		}()
	}
	wg.Wait()
	waitFor(t, 5*time.Second, func() bool { return len(h.sender.records()) == producers*each })

	h.sender.mu.Lock()
	maxConc := h.sender.maxConc[7]
	h.sender.mu.Unlock()
	if maxConc != 1 {
		t.Fatalf("max concurrent sends to one recipient = %d", maxConc)
	}
}

func TestWorkerPicksUpLateMessages(t *testing.T) {
	t.Parallel()
	h := startDispatcher(t, fastConfig())

	// Repeated empty/non-empty transitions must never strand a message.
	for round := 0; round < 50; round++ {
		if err := h.d.Enqueue(TextMessage{To: 9, Body: fmt.Sprint(round)}); err != nil {
			t.Fatal(err)
		}
		if round%7 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return len(h.sender.records()) == 50 })
}

func TestFailuresAreIsolatedPerRecipient(t *testing.T) {
	t.Parallel()
	h := startDispatcher(t, fastConfig())
	h.sender.fail = func(to transport.ChatID, _ string) error {
		if to == 1 {
			return errBoom
		}
		return nil
	}

	for i := 0; i < 5; i++ {
		_ = h.d.Enqueue(TextMessage{To: 1, Body: fmt.Sprint(i)})
		_ = h.d.Enqueue(TextMessage{To: 2, Body: fmt.Sprint(i)})
	}
	waitFor(t, 2*time.Second, func() bool { return len(h.sender.bodiesFor(2)) == 5 && h.reporter.count() == 5 })
	if got := len(h.sender.bodiesFor(1)); got != 0 {
		t.Fatalf("failing recipient recorded %d sends", got)
	}
}

func TestChatNotFoundDeactivatesWithoutReport(t *testing.T) {
	t.Parallel()
	h := startDispatcher(t, fastConfig())
	h.sender.fail = func(transport.ChatID, string) error {
		return errors.New("telegram: Bad Request: chat not found (400)")
	}

	if err := h.d.Enqueue(TextMessage{To: 55, Body: "hello"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return h.store.count(55) == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := h.store.count(55); n != 1 {
		t.Fatalf("MarkInactive called %d times", n)
	}
	if n := h.reporter.count(); n != 0 {
		t.Fatalf("reporter called %d times", n)
	}
}

func TestUnclassifiedErrorReportedAndQueueContinues(t *testing.T) {
	t.Parallel()
	h := startDispatcher(t, fastConfig())
	h.sender.fail = func(_ transport.ChatID, body string) error {
		if body == "first" {
			return errBoom
		}
		return nil
	}

	_ = h.d.Enqueue(TextMessage{To: 3, Body: "first"})
	_ = h.d.Enqueue(TextMessage{To: 3, Body: "second"})
	waitFor(t, time.Second, func() bool { return len(h.sender.bodiesFor(3)) == 1 })

	if n := h.reporter.count(); n != 1 {
		t.Fatalf("reports=%d want 1", n)
	}
	if got := h.sender.bodiesFor(3)[0]; got != "second" {
		t.Fatalf("sent %q", got)
	}
	if h.store.count(3) != 0 {
		t.Fatal("recipient deactivated on unclassified error")
	}
}

func TestBenignErrorSwallowed(t *testing.T) {
	t.Parallel()
	h := startDispatcher(t, fastConfig())
	h.sender.fail = func(transport.ChatID, string) error {
		return errors.New("Bad Request: message is not modified")
	}
	_ = h.d.Enqueue(TextMessage{To: 4, Body: "same"})
	waitFor(t, time.Second, func() bool { return h.sender.callCount() == 1 })
	time.Sleep(20 * time.Millisecond)
	if h.reporter.count() != 0 || h.store.count(4) != 0 {
		t.Fatal("benign error had side effects")
	}
}

func TestSenderPanicDoesNotKillWorker(t *testing.T) {
	t.Parallel()
	h := startDispatcher(t, fastConfig())
	h.sender.fail = func(_ transport.ChatID, body string) error {
		if body == "explode" {
			panic("sender bug")
		}
		return nil
	}
	_ = h.d.Enqueue(TextMessage{To: 8, Body: "explode"})
	_ = h.d.Enqueue(TextMessage{To: 8, Body: "after"})
	waitFor(t, time.Second, func() bool { return len(h.sender.bodiesFor(8)) == 1 })
	if h.reporter.count() != 1 {
		t.Fatalf("reports=%d", h.reporter.count())
	}
}

func TestEmptyMessagesSkipped(t *testing.T) {
	t.Parallel()
	h := startDispatcher(t, fastConfig())

	_ = h.d.Enqueue(TextMessage{To: 5, Body: "   "})
	_ = h.d.Enqueue(MediaMessage{To: 5, Caption: "no media"})
	_ = h.d.Enqueue(TextMessage{To: 5, Body: "real"})
	waitFor(t, time.Second, func() bool { return len(h.sender.records()) == 1 })
	if h.sender.callCount() != 1 {
		t.Fatalf("sender called %d times", h.sender.callCount())
	}
	if h.reporter.count() != 0 {
		t.Fatal("empty message reported as failure")
	}
}

func TestLocalResourceRemovedOnlyAfterSuccess(t *testing.T) {
	t.Parallel()
	h := startDispatcher(t, fastConfig())
	h.sender.fail = func(_ transport.ChatID, ref string) error {
		if filepath.Base(ref) == "bad.png" {
			return errBoom
		}
		return nil
	}

	dir := t.TempDir()
	good := filepath.Join(dir, "good.png")
	bad := filepath.Join(dir, "bad.png")
	for _, p := range []string{good, bad} {
		if err := os.WriteFile(p, []byte("img"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	_ = h.d.Enqueue(MediaMessage{To: 6, MediaRef: good, LocalResource: good})
	_ = h.d.Enqueue(MediaMessage{To: 6, MediaRef: bad, LocalResource: bad})
	waitFor(t, time.Second, func() bool { return h.sender.callCount() == 2 && h.reporter.count() == 1 })

	if _, err := os.Stat(good); !os.IsNotExist(err) {
		t.Fatalf("good resource still present: %v", err)
	}
	if _, err := os.Stat(bad); err != nil {
		t.Fatalf("bad resource removed: %v", err)
	}
}

func TestGlobalLimitAcrossRecipients(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.GlobalLimit = 5
	cfg.GlobalInterval = 50 * time.Millisecond
	h := startDispatcher(t, cfg)

	start := time.Now()
	for i := 0; i < 5; i++ {
		for r := transport.ChatID(1); r <= 4; r++ {
			_ = h.d.Enqueue(TextMessage{To: r, Body: "x"})
		}
	}
	waitFor(t, 3*time.Second, func() bool { return len(h.sender.records()) == 20 })

	// 20 sends at 5 per window span at least 4 windows.
	if elapsed := time.Since(start); elapsed < 3*cfg.GlobalInterval-5*time.Millisecond {
		t.Fatalf("20 sends finished in %s", elapsed)
	}
	recs := h.sender.records()
	for i := range recs {
		n := 0
		for _, r := range recs[i:] {
			if r.at.Sub(recs[i].at) < cfg.GlobalInterval {
				n++
			}
		}
		if n > 2*cfg.GlobalLimit {
			t.Fatalf("%d sends inside one interval", n)
		}
	}
}

func TestBurstLimitPerRecipient(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.BurstLimit = 4
	cfg.BurstInterval = 80 * time.Millisecond
	h := startDispatcher(t, cfg)

	for i := 0; i < 5; i++ {
		_ = h.d.Enqueue(TextMessage{To: 11, Body: fmt.Sprint(i)})
	}
	waitFor(t, 2*time.Second, func() bool { return len(h.sender.records()) == 5 })

	recs := h.sender.records()
	if gap := recs[4].at.Sub(recs[3].at); gap < cfg.BurstInterval-15*time.Millisecond {
		t.Fatalf("5th message sent %s after the 4th", gap)
	}
	if gap := recs[3].at.Sub(recs[0].at); gap > cfg.BurstInterval/2 {
		t.Fatalf("first four messages were throttled: %s", gap)
	}
}

func TestBroadcastWaitsForDirectTraffic(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.BurstLimit = 2
	cfg.BurstInterval = 40 * time.Millisecond
	cfg.BroadcastPoll = 10 * time.Millisecond
	cfg.BroadcastCooldown = 60 * time.Millisecond
	h := startDispatcher(t, cfg)

	for i := 0; i < 8; i++ {
		_ = h.d.Enqueue(TextMessage{To: 21, Body: fmt.Sprint(i)})
	}
	if err := h.d.EnqueueBroadcast(TextMessage{To: 20, Body: "promo"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool { return len(h.sender.records()) == 9 })

	recs := h.sender.records()
	if last := recs[len(recs)-1]; last.to != 20 {
		t.Fatalf("broadcast sent before direct traffic drained: %v", recs)
	}
}

func TestBroadcastYieldsToDirectTrafficDuringCooldown(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.BroadcastPoll = 10 * time.Millisecond
	cfg.BroadcastCooldown = 100 * time.Millisecond
	h := startDispatcher(t, cfg)
	h.sender.delay = 50 * time.Millisecond

	if err := h.d.EnqueueBroadcast(TextMessage{To: 60, Body: "promo"}); err != nil {
		t.Fatal(err)
	}
	// The broadcast worker is now sleeping out its cooldown.
	time.Sleep(30 * time.Millisecond)
	for i := 0; i < 6; i++ {
		if err := h.d.Enqueue(TextMessage{To: 50, Body: fmt.Sprint(i)}); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, 3*time.Second, func() bool { return len(h.sender.records()) == 7 })

	recs := h.sender.records()
	if last := recs[len(recs)-1]; last.to != 60 {
		order := make([]transport.ChatID, 0, len(recs))
		for _, r := range recs {
			order = append(order, r.to)
		}
		t.Fatalf("broadcast sent while direct queue was non-empty: %v", order)
	}
}

func TestBroadcastCooldownBetweenItems(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.BroadcastCooldown = 40 * time.Millisecond
	h := startDispatcher(t, cfg)

	start := time.Now()
	for r := transport.ChatID(30); r < 33; r++ {
		_ = h.d.EnqueueBroadcast(MediaMessage{To: r, MediaRef: "https://img/x.png"})
	}
	waitFor(t, 2*time.Second, func() bool { return len(h.sender.records()) == 3 })

	recs := h.sender.records()
	if d := recs[0].at.Sub(start); d < cfg.BroadcastCooldown-5*time.Millisecond {
		t.Fatalf("first broadcast after %s", d)
	}
	for i := 1; i < len(recs); i++ {
		if d := recs[i].at.Sub(recs[i-1].at); d < cfg.BroadcastCooldown-5*time.Millisecond {
			t.Fatalf("broadcast %d followed previous after %s", i, d)
		}
		if recs[i].to != recs[i-1].to+1 {
			t.Fatalf("broadcast order %v", recs)
		}
	}
}

func TestBroadcastHandsBackToDirectWorker(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.BroadcastCooldown = 5 * time.Millisecond
	h := startDispatcher(t, cfg)
	h.sender.delay = 20 * time.Millisecond

	_ = h.d.EnqueueBroadcast(TextMessage{To: 40, Body: "promo"})
	// Land a direct message while the broadcast send is in flight.
	waitFor(t, time.Second, func() bool { return h.sender.callCount() == 1 })
	_ = h.d.Enqueue(TextMessage{To: 40, Body: "direct"})

	waitFor(t, time.Second, func() bool { return len(h.sender.bodiesFor(40)) == 2 })
	if got := h.sender.bodiesFor(40); got[0] != "promo" || got[1] != "direct" {
		t.Fatalf("sends=%v", got)
	}
}

// goneOnCancelSender blocks until the send context ends, then reports the
// chat as gone.
type goneOnCancelSender struct {
	started chan struct{}
	once    sync.Once
}

func (s *goneOnCancelSender) wait(ctx context.Context) error {
	s.once.Do(func() { close(s.started) })
	<-ctx.Done()
	return errors.New("telegram: Bad Request: chat not found (400)")
}

func (s *goneOnCancelSender) SendText(ctx context.Context, to transport.ChatID, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, s.wait(ctx)
}

func (s *goneOnCancelSender) SendMedia(ctx context.Context, to transport.ChatID, _ transport.Media, _ *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{}, s.wait(ctx)
}

// liveCtxStore only counts deactivations made with a live context.
type liveCtxStore struct {
	fakeStore
}

func (s *liveCtxStore) MarkInactive(ctx context.Context, chat transport.ChatID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.fakeStore.MarkInactive(ctx, chat)
}

func TestGoneRecipientDeactivatedDuringStop(t *testing.T) {
	t.Parallel()
	sender := &goneOnCancelSender{started: make(chan struct{})}
	store := &liveCtxStore{}
	reporter := &fakeReporter{}
	d := New(fastConfig(), Deps{Sender: sender, Store: store, Reporter: reporter})
	d.Start(context.Background())

	if err := d.Enqueue(TextMessage{To: 70, Body: "hello"}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-sender.started:
	case <-time.After(time.Second):
		t.Fatal("send never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d.Stop(ctx)

	if n := store.count(70); n != 1 {
		t.Fatalf("MarkInactive with live context called %d times", n)
	}
	if n := reporter.count(); n != 0 {
		t.Fatalf("permanent failure reported %d times", n)
	}
}

func TestStopRejectsNewMessages(t *testing.T) {
	t.Parallel()
	d := New(fastConfig(), Deps{Sender: newFakeSender()})

	if err := d.Enqueue(TextMessage{To: 1, Body: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("before start: %v", err)
	}
	d.Start(context.Background())
	if err := d.Enqueue(TextMessage{To: 0, Body: "x"}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("zero recipient: %v", err)
	}
	d.Stop(context.Background())
	if err := d.EnqueueBroadcast(TextMessage{To: 1, Body: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("after stop: %v", err)
	}
}

func TestStopDropsPendingAndReturns(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.BurstLimit = 1
	cfg.BurstInterval = time.Hour
	sender := newFakeSender()
	d := New(cfg, Deps{Sender: sender})
	d.Start(context.Background())

	for i := 0; i < 3; i++ {
		_ = d.Enqueue(TextMessage{To: 1, Body: "x"})
	}
	waitFor(t, time.Second, func() bool { return sender.callCount() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		d.Stop(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a throttled worker")
	}
	if s := d.Snapshot(); s.Pending != 0 || s.Accepting {
		t.Fatalf("snapshot after stop: %+v", s)
	}
}

func TestOutcomesPublishedAndCounted(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	sender := newFakeSender()
	sender.fail = func(to transport.ChatID, _ string) error {
		if to == 2 {
			return errors.New("Forbidden: bot was blocked by the user")
		}
		return nil
	}
	m := NewMetrics(prometheus.NewRegistry())
	d := New(fastConfig(), Deps{Sender: sender, Store: &fakeStore{}, Bus: bus, Metrics: m})
	d.Start(context.Background())
	defer d.Stop(context.Background())

	_ = d.Enqueue(TextMessage{To: 1, Body: "ok"})
	_ = d.Enqueue(TextMessage{To: 2, Body: "gone"})

	seen := map[string]EventData{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case e := <-events:
			seen[e.Type] = e.Data.(EventData)
		case <-timeout:
			t.Fatalf("events seen: %v", seen)
		}
	}
	if ev := seen[EventSent]; ev.Recipient != 1 || ev.ID == "" {
		t.Fatalf("sent event %+v", ev)
	}
	if ev := seen[EventDeactivated]; ev.Recipient != 2 || ev.Err == "" {
		t.Fatalf("deactivated event %+v", ev)
	}
	if v := testutil.ToFloat64(m.Outcomes.WithLabelValues("direct", "sent")); v != 1 {
		t.Fatalf("sent counter=%v", v)
	}
	if v := testutil.ToFloat64(m.Enqueued.WithLabelValues("direct")); v != 2 {
		t.Fatalf("enqueued counter=%v", v)
	}
}

func TestApplyChangesLimitsLive(t *testing.T) {
	t.Parallel()
	cfg := fastConfig()
	cfg.BurstLimit = 1
	cfg.BurstInterval = time.Hour
	h := startDispatcher(t, cfg)

	_ = h.d.Enqueue(TextMessage{To: 12, Body: "a"})
	_ = h.d.Enqueue(TextMessage{To: 12, Body: "b"})
	waitFor(t, time.Second, func() bool { return h.sender.callCount() == 1 })

	// The worker is already sleeping on the old interval; new limits apply
	// to later decisions only.
	cfg.BurstLimit = 100
	h.d.Apply(cfg)
	if got := h.d.config().BurstLimit; got != 100 {
		t.Fatalf("burst limit=%d", got)
	}
}
