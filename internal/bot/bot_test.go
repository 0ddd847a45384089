package bot

import (
	"context"
	"errors"
	"sync"
	"testing"

	"freegamesbot/internal/delivery"
	"freegamesbot/internal/transport"
	"freegamesbot/internal/transport/telegram/router"
	logx "freegamesbot/pkg/logx"
)

type fakeRecipients struct {
	mu       sync.Mutex
	active   map[transport.ChatID]bool
	upserts  int
	failNext error
}

func newFakeRecipients() *fakeRecipients {
	return &fakeRecipients{active: map[transport.ChatID]bool{}}
}

func (f *fakeRecipients) UpsertRecipient(_ context.Context, chat transport.ChatID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		return false, err
	}
	f.upserts++
	_, known := f.active[chat]
	f.active[chat] = true
	return !known, nil
}

func (f *fakeRecipients) MarkInactive(_ context.Context, chat transport.ChatID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.active[chat]; ok {
		f.active[chat] = false
	}
	return nil
}

type fakeWelcomer struct{ chats []transport.ChatID }

func (f *fakeWelcomer) Welcome(_ context.Context, chat transport.ChatID) error {
	f.chats = append(f.chats, chat)
	return nil
}

type fakeQueue struct{ msgs []delivery.Message }

func (q *fakeQueue) Enqueue(m delivery.Message) error {
	q.msgs = append(q.msgs, m)
	return nil
}

func command(t *testing.T, b *Bot, name string) router.Command {
	t.Helper()
	for _, c := range b.Commands() {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("command %q not registered", name)
	return router.Command{}
}

func TestMessageRegistersAndReactivates(t *testing.T) {
	rec := newFakeRecipients()
	b := New(rec, &fakeWelcomer{}, &fakeQueue{}, logx.Nop())
	hooks := b.Hooks()
	ctx := context.Background()

	hooks.OnMessage(ctx, &transport.Message{ChatID: 10, Text: "hi"})
	hooks.OnMembership(ctx, &transport.Membership{ChatID: 10, Old: transport.MemberMember, New: transport.MemberKicked})
	if rec.active[10] {
		t.Fatal("kicked chat still active")
	}
	hooks.OnMessage(ctx, &transport.Message{ChatID: 10, Text: "back"})
	if !rec.active[10] {
		t.Fatal("message did not reactivate chat")
	}

	hooks.OnMessage(ctx, &transport.Message{ChatID: 0})
	if rec.upserts != 2 {
		t.Fatalf("upserts=%d", rec.upserts)
	}
	rec.failNext = errors.New("db locked")
	hooks.OnMessage(ctx, &transport.Message{ChatID: 11})
}

func TestMembershipIgnoresJoins(t *testing.T) {
	rec := newFakeRecipients()
	rec.active[5] = true
	b := New(rec, &fakeWelcomer{}, &fakeQueue{}, logx.Nop())
	b.Hooks().OnMembership(context.Background(), &transport.Membership{ChatID: 5, Old: transport.MemberLeft, New: transport.MemberAdministrator})
	if !rec.active[5] {
		t.Fatal("promotion deactivated the chat")
	}
	b.Hooks().OnMembership(context.Background(), &transport.Membership{ChatID: 5, New: transport.MemberLeft})
	if rec.active[5] {
		t.Fatal("left chat still active")
	}
}

func TestStartAndStop(t *testing.T) {
	rec := newFakeRecipients()
	w := &fakeWelcomer{}
	q := &fakeQueue{}
	b := New(rec, w, q, logx.Nop())
	ctx := context.Background()

	if err := command(t, b, "start").Handle(ctx, &router.Request{Chat: 42}); err != nil {
		t.Fatal(err)
	}
	if len(w.chats) != 1 || w.chats[0] != 42 {
		t.Fatalf("welcomed=%v", w.chats)
	}

	rec.active[42] = true
	if err := command(t, b, "stop").Handle(ctx, &router.Request{Chat: 42}); err != nil {
		t.Fatal(err)
	}
	if rec.active[42] {
		t.Fatal("stop left chat active")
	}
	if m, ok := q.msgs[0].(delivery.TextMessage); !ok || m.Body != UnsubscribedText || m.To != 42 {
		t.Fatalf("reply=%+v", q.msgs)
	}
}
