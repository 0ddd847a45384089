package notifier

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"freegamesbot/internal/delivery"
	"freegamesbot/internal/eventbus"
	"freegamesbot/internal/storage"
	"freegamesbot/internal/transport"
	logx "freegamesbot/pkg/logx"
)

type queued struct {
	msg       delivery.Message
	broadcast bool
}

type fakeQueue struct {
	mu  sync.Mutex
	got []queued
}

func (q *fakeQueue) Enqueue(m delivery.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.got = append(q.got, queued{m, false})
	return nil
}

func (q *fakeQueue) EnqueueBroadcast(m delivery.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.got = append(q.got, queued{m, true})
	return nil
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "bot.json")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func item(title string, start, end time.Time) storage.Item {
	return storage.Item{
		Title:         title,
		Description:   title + " description",
		Thumbnail:     "https://cdn/" + title + ".jpg",
		Page:          "https://store.epicgames.com/en-US/p/" + title,
		OriginalPrice: "$9.99",
		StartDate:     start,
		EndDate:       end,
	}
}

func TestCaption(t *testing.T) {
	it := item("Tom & Jerry", time.Date(2025, 3, 13, 15, 0, 0, 0, time.UTC), time.Date(2025, 3, 20, 15, 0, 0, 0, time.UTC))
	want := "🎮 <b>Tom &amp; Jerry</b>\n\n" +
		"📖 <b>About:</b>\nTom &amp; Jerry description\n\n" +
		"💰 <b>Price:</b> <s>$9.99</s> → Free\n" +
		"Start Date: Mar 13 at 03:00 PM UTC\n" +
		"End Date: Mar 20 at 03:00 PM UTC"
	if got := Caption(it); got != want {
		t.Fatalf("caption:\n%s\nwant:\n%s", got, want)
	}
	it.OriginalPrice = "0"
	if got := Caption(it); !strings.Contains(got, "<b>Price:</b> Free\n") {
		t.Fatalf("free price not rendered: %s", got)
	}
}

func TestIngestBroadcastsOnlyNewItems(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	for _, c := range []transport.ChatID{1, 2, 3} {
		if _, err := st.UpsertRecipient(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.MarkInactive(ctx, 3); err != nil {
		t.Fatal(err)
	}
	q := &fakeQueue{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	n := New(q, st, bus, logx.Nop())

	now := time.Now()
	a, b := item("a", now, now.Add(time.Hour)), item("b", now, now.Add(time.Hour))
	res, err := n.Ingest(ctx, []storage.Item{a, b, {Description: "no title"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Received != 3 || res.New != 2 || res.Recipients != 2 || res.Queued != 4 {
		t.Fatalf("result=%+v", res)
	}
	// item-major order: a→1, a→2, b→1, b→2
	wantTo := []transport.ChatID{1, 2, 1, 2}
	for i, g := range q.got {
		m, ok := g.msg.(delivery.MediaMessage)
		if !ok || !g.broadcast || m.To != wantTo[i] || m.ParseMode != transport.ParseHTML || m.Markup.Empty() {
			t.Fatalf("queued[%d]=%+v", i, g)
		}
	}
	select {
	case e := <-events:
		if e.Type != EventAnnounced {
			t.Fatalf("event=%s", e.Type)
		}
	default:
		t.Fatal("no announce event")
	}

	res, err = n.Ingest(ctx, []storage.Item{a, b})
	if err != nil || res.New != 0 || res.Queued != 0 || len(q.got) != 4 {
		t.Fatalf("re-ingest result=%+v err=%v queued=%d", res, err, len(q.got))
	}
}

func TestWelcomeReplaysCurrentItems(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	q := &fakeQueue{}
	n := New(q, st, nil, logx.Nop())

	now := time.Now()
	n.now = func() time.Time { return now }
	if _, err := st.SaveItems(ctx, []storage.Item{
		item("running", now.Add(-time.Hour), now.Add(time.Hour)),
		item("expired", now.Add(-48*time.Hour), now.Add(-24*time.Hour)),
		item("upcoming", now.Add(24*time.Hour), now.Add(48*time.Hour)),
	}); err != nil {
		t.Fatal(err)
	}

	if err := n.Welcome(ctx, 77); err != nil {
		t.Fatal(err)
	}
	if len(q.got) != 2 {
		t.Fatalf("queued %d messages, want welcome + 1 item", len(q.got))
	}
	if m, ok := q.got[0].msg.(delivery.TextMessage); !ok || m.Body != WelcomeText || m.To != 77 || q.got[0].broadcast {
		t.Fatalf("first=%+v", q.got[0])
	}
	if m, ok := q.got[1].msg.(delivery.MediaMessage); !ok || !strings.Contains(m.Caption, "running") || q.got[1].broadcast {
		t.Fatalf("second=%+v", q.got[1])
	}
	active, _ := st.ActiveRecipients(ctx)
	if len(active) != 1 || active[0] != 77 {
		t.Fatalf("active=%v", active)
	}
}
