package delivery

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGlobalLimiterSpreadsAcrossWindows(t *testing.T) {
	t.Parallel()

	const interval = 60 * time.Millisecond
	l := NewGlobalLimiter(3, interval)

	start := time.Now()
	var grants []time.Time
	for i := 0; i < 9; i++ {
		if _, err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		grants = append(grants, time.Now())
	}
	// 9 grants at 3 per window need at least two full window rollovers.
	if elapsed := time.Since(start); elapsed < 2*interval-5*time.Millisecond {
		t.Fatalf("elapsed=%s want >= %s", elapsed, 2*interval)
	}
	// Fixed windows allow at most 2x the ceiling in any rolling interval.
	for i := range grants {
		n := 0
		for j := i; j < len(grants) && grants[j].Sub(grants[i]) < interval; j++ {
			n++
		}
		if n > 6 {
			t.Fatalf("%d grants within one interval starting at #%d", n, i)
		}
	}
}

func TestGlobalLimiterHonorsContext(t *testing.T) {
	t.Parallel()

	l := NewGlobalLimiter(1, time.Hour)
	if _, err := l.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded", err)
	}
}

func TestGlobalLimiterWindowReset(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	l := NewGlobalLimiter(2, time.Second)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if w, err := l.Acquire(context.Background()); err != nil || w != 0 {
			t.Fatalf("acquire %d: waited=%s err=%v", i, w, err)
		}
	}
	now = now.Add(time.Second)
	if w, err := l.Acquire(context.Background()); err != nil || w != 0 {
		t.Fatalf("after rollover: waited=%s err=%v", w, err)
	}
}

func TestBurstFifthMessageWaits(t *testing.T) {
	t.Parallel()

	const interval = 80 * time.Millisecond
	b := NewBurstController(4, interval)
	var st burstState

	for i := 0; i < 4; i++ {
		w, err := b.Control(context.Background(), &st)
		if err != nil || w != 0 {
			t.Fatalf("send %d: waited=%s err=%v", i+1, w, err)
		}
	}
	fourth := time.Now()
	if _, err := b.Control(context.Background(), &st); err != nil {
		t.Fatal(err)
	}
	if gap := time.Since(fourth); gap < interval-10*time.Millisecond {
		t.Fatalf("5th send after %s, want ~%s", gap, interval)
	}
	if st.count != 1 {
		t.Fatalf("count=%d want 1 after forced reset", st.count)
	}
}

func TestBurstResetsAfterQuietGap(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	b := NewBurstController(4, time.Second)
	b.now = func() time.Time { return now }

	st := burstState{count: 4, last: now}
	now = now.Add(1500 * time.Millisecond)

	w, err := b.Control(context.Background(), &st)
	if err != nil || w != 0 {
		t.Fatalf("waited=%s err=%v", w, err)
	}
	if st.count != 1 || !st.last.Equal(now) {
		t.Fatalf("state=%+v", st)
	}
}

func TestBurstRefreshesLastOnEverySend(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	b := NewBurstController(4, time.Second)
	b.now = func() time.Time { return now }

	var st burstState
	for i := 0; i < 3; i++ {
		if _, err := b.Control(context.Background(), &st); err != nil {
			t.Fatal(err)
		}
		// Each gap is shorter than the interval, so the counter keeps growing
		// even though the first send is long out of the window.
		now = now.Add(900 * time.Millisecond)
	}
	if st.count != 3 {
		t.Fatalf("count=%d want 3", st.count)
	}
}

func TestBurstCancelledWait(t *testing.T) {
	t.Parallel()

	b := NewBurstController(1, time.Hour)
	st := burstState{count: 1, last: time.Now()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Control(ctx, &st); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
	if st.count != 1 {
		t.Fatalf("state changed on cancel: %+v", st)
	}
}
