package threads

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Entry is a registered thread with its priority.
type Entry struct {
	Thread   Thread
	Priority int
}

// Name returns the thread's name.
func (e Entry) Name() string { return e.Thread.Name() }

// HealthRecord is a cached health result.
type HealthRecord struct {
	Health
	CheckedAt time.Time `json:"checked_at"`
}

// Registry holds threads ordered by (priority, name). Registration order is
// irrelevant to the result of Entries.
type Registry struct {
	mu      sync.RWMutex
	entries []Entry
	health  map[string]HealthRecord
}

func NewRegistry() *Registry {
	return &Registry{health: map[string]HealthRecord{}}
}

// Register adds t at the given priority. Names must be unique.
func (r *Registry) Register(t Thread, priority int) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("register thread: empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Name() == name {
			return fmt.Errorf("register thread %s: already registered", name)
		}
	}
	r.entries = append(r.entries, Entry{Thread: t, Priority: priority})
	slices.SortStableFunc(r.entries, func(a, b Entry) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.Name(), b.Name())
	})
	return nil
}

// Entries returns the registered threads in merge order.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.entries)
}

// Get returns the named thread.
func (r *Registry) Get(name string) (Thread, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.Name() == name {
			return e.Thread, true
		}
	}
	return nil, false
}

// Writer returns the named thread if it accepts writes.
func (r *Registry) Writer(name string) (Writer, bool) {
	t, ok := r.Get(name)
	if !ok {
		return nil, false
	}
	w, ok := t.(Writer)
	return w, ok
}

// SetHealth caches a health result for a thread.
func (r *Registry) SetHealth(name string, h Health, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health[name] = HealthRecord{Health: h, CheckedAt: at}
}

// Health returns the cached health of every registered thread in merge
// order. Threads never checked report unknown.
func (r *Registry) Health() []ThreadHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ThreadHealth, 0, len(r.entries))
	for _, e := range r.entries {
		rec, ok := r.health[e.Name()]
		if !ok {
			rec = HealthRecord{Health: Health{Status: StatusUnknown, Message: "not checked"}}
		}
		out = append(out, ThreadHealth{Name: e.Name(), Priority: e.Priority, HealthRecord: rec})
	}
	return out
}

// ThreadHealth is one row of Registry.Health.
type ThreadHealth struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	HealthRecord
}
