package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"freegamesbot/internal/transport"
)

type sendRecord struct {
	to   transport.ChatID
	body string
	at   time.Time
}

// fakeSender records every call. fail, when set, decides the result per call.
type fakeSender struct {
	mu       sync.Mutex
	sent     []sendRecord
	calls    int
	inflight map[transport.ChatID]int
	maxConc  map[transport.ChatID]int

	delay time.Duration
	fail  func(to transport.ChatID, body string) error
}

func newFakeSender() *fakeSender {
	return &fakeSender{inflight: map[transport.ChatID]int{}, maxConc: map[transport.ChatID]int{}}
}

func (f *fakeSender) do(to transport.ChatID, body string) error {
	f.mu.Lock()
	f.calls++
	f.inflight[to]++
	if f.inflight[to] > f.maxConc[to] {
		f.maxConc[to] = f.inflight[to]
	}
	fail := f.fail
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	var err error
	if fail != nil {
		err = fail(to, body)
	}

	f.mu.Lock()
	f.inflight[to]--
	if err == nil {
		f.sent = append(f.sent, sendRecord{to: to, body: body, at: time.Now()})
	}
	f.mu.Unlock()
	return err
}

func (f *fakeSender) SendText(_ context.Context, to transport.ChatID, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{ChatID: to}, f.do(to, text)
}

func (f *fakeSender) SendMedia(_ context.Context, to transport.ChatID, m transport.Media, _ *transport.SendOptions) (transport.MessageRef, error) {
	return transport.MessageRef{ChatID: to}, f.do(to, m.Ref)
}

func (f *fakeSender) records() []sendRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendRecord(nil), f.sent...)
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSender) bodiesFor(to transport.ChatID) []string {
	var out []string
	for _, r := range f.records() {
		if r.to == to {
			out = append(out, r.body)
		}
	}
	return out
}

type fakeStore struct {
	mu       sync.Mutex
	inactive map[transport.ChatID]int
}

func (s *fakeStore) MarkInactive(_ context.Context, chat transport.ChatID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inactive == nil {
		s.inactive = map[transport.ChatID]int{}
	}
	s.inactive[chat]++
	return nil
}

func (s *fakeStore) count(chat transport.ChatID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inactive[chat]
}

type fakeReporter struct {
	mu   sync.Mutex
	errs []error
	desc []string
}

func (r *fakeReporter) Report(_ context.Context, description string, err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.desc = append(r.desc, description)
	r.mu.Unlock()
}

func (r *fakeReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

// fastConfig keeps throttling out of the way unless a test opts in.
func fastConfig() Config {
	return Config{
		GlobalLimit:       1000,
		GlobalInterval:    time.Second,
		BurstLimit:        1000,
		BurstInterval:     time.Second,
		BroadcastPoll:     10 * time.Millisecond,
		BroadcastCooldown: 10 * time.Millisecond,
		SendTimeout:       time.Second,
	}
}

type harness struct {
	d        *Dispatcher
	sender   *fakeSender
	store    *fakeStore
	reporter *fakeReporter
}

func startDispatcher(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{sender: newFakeSender(), store: &fakeStore{}, reporter: &fakeReporter{}}
	h.d = New(cfg, Deps{Sender: h.sender, Store: h.store, Reporter: h.reporter})
	h.d.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.d.Stop(ctx)
	})
	return h
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

var errBoom = errors.New("boom: something odd happened")
