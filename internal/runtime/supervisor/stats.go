package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Counters are best-effort goroutine counts, not a synchronization primitive.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// GoroutineStats aggregates all goroutines started under one name.
type GoroutineStats struct {
	Name         string        `json:"name"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Panics       uint64        `json:"panics"`
	Restarts     uint64        `json:"restarts"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at"`
	LastErr      string        `json:"last_err,omitempty"`
	LastPanic    string        `json:"last_panic,omitempty"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

type Snapshot struct {
	Counters   Counters         `json:"counters"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

type statsTable struct {
	mu sync.Mutex
	m  map[string]*GoroutineStats
}

func (t *statsTable) get(name string) *GoroutineStats {
	if t.m == nil {
		t.m = map[string]*GoroutineStats{}
	}
	st := t.m[name]
	if st == nil {
		st = &GoroutineStats{Name: name}
		t.m[name] = st
	}
	return st
}

func (t *statsTable) start(name string, restart bool) time.Time {
	now := time.Now()
	t.mu.Lock()
	st := t.get(name)
	st.Started++
	st.Active++
	if restart {
		st.Restarts++
	}
	st.LastStartAt = now
	t.mu.Unlock()
	return now
}

func (t *statsTable) stop(name string, startedAt time.Time, err error) {
	now := time.Now()
	t.mu.Lock()
	st := t.get(name)
	if st.Active > 0 {
		st.Active--
	}
	st.LastStopAt = now
	st.TotalRuntime += now.Sub(startedAt)
	if err != nil {
		st.LastErr = err.Error()
	}
	t.mu.Unlock()
}

func (t *statsTable) panic(name string, p any) {
	t.mu.Lock()
	st := t.get(name)
	st.Panics++
	st.LastPanic = fmt.Sprint(p)
	t.mu.Unlock()
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.active.Load(), Started: s.started.Load()}
}

// Snapshot returns per-name stats, active names first.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.stats.mu.Lock()
	for _, st := range s.stats.m {
		snap.Goroutines = append(snap.Goroutines, *st)
	}
	s.stats.mu.Unlock()

	gs := snap.Goroutines
	sort.Slice(gs, func(i, j int) bool {
		if gs[i].Active != gs[j].Active {
			return gs[i].Active > gs[j].Active
		}
		return gs[i].Name < gs[j].Name
	})
	return snap
}
