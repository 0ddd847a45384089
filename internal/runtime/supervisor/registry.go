package supervisor

import "sync"

// Registry names the supervisors of running subsystems for health and
// stats reporting. It is safe for concurrent use.
type Registry struct {
	mu sync.RWMutex
	m  map[string]*Supervisor
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]*Supervisor{}}
}

// Set registers (or replaces) a supervisor under name. A nil sup deletes.
func (r *Registry) Set(name string, sup *Supervisor) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sup == nil {
		delete(r.m, name)
		return
	}
	r.m[name] = sup
}

func (r *Registry) Delete(name string) { r.Set(name, nil) }

// Snapshot returns the stats of every registered supervisor.
func (r *Registry) Snapshot() map[string]Snapshot {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.m))
	for k, v := range r.m {
		out[k] = v.Snapshot()
	}
	return out
}

// Healthy reports whether no registered supervisor recorded a fatal error.
func (r *Registry) Healthy() bool {
	if r == nil {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.m {
		if v.Err() != nil {
			return false
		}
	}
	return true
}
