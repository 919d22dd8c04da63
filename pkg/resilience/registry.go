package resilience

import (
	"sort"
	"sync"
)

// Registry owns one CircuitBreaker per dependency key. Breakers are created
// on first use with the registry's default options and live until they are
// removed explicitly.
type Registry struct {
	opts Options

	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	listeners []listenerEntry
	nextID    uint64
}

// NewRegistry creates a registry whose breakers share opts
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:     opts.withDefaults(),
		breakers: make(map[string]*CircuitBreaker),
	}
}

// GetBreaker returns the breaker for key, creating it if needed
func (r *Registry) GetBreaker(key string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	cb = NewCircuitBreaker(key, r.opts)
	cb.Subscribe(r.dispatch)
	r.breakers[key] = cb
	return cb
}

// HasBreaker reports whether a breaker exists for key
func (r *Registry) HasBreaker(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.breakers[key]
	return ok
}

// RemoveBreaker disposes and forgets the breaker for key
func (r *Registry) RemoveBreaker(key string) bool {
	r.mu.Lock()
	cb, ok := r.breakers[key]
	delete(r.breakers, key)
	r.mu.Unlock()

	if ok {
		cb.Dispose()
	}
	return ok
}

// ResetBreaker force-closes the breaker for key. It returns false if no
// breaker exists.
func (r *Registry) ResetBreaker(key string) bool {
	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()

	if !ok {
		return false
	}
	cb.Reset()
	return true
}

// Stats returns the stats for key. Unknown keys get a zeroed CLOSED
// snapshot; no breaker is created.
func (r *Registry) Stats(key string) Stats {
	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()

	if !ok {
		return Stats{Key: key, State: StateClosed}
	}
	return cb.Stats()
}

// AllStats returns stats for every known breaker
func (r *Registry) AllStats() map[string]Stats {
	all := make(map[string]Stats)
	for _, cb := range r.snapshot() {
		all[cb.Key()] = cb.Stats()
	}
	return all
}

// Keys returns the known breaker keys in sorted order
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.breakers))
	for key := range r.breakers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// BreakersInState lists the keys whose breaker is currently in state
func (r *Registry) BreakersInState(state CircuitState) []string {
	keys := make([]string, 0)
	for _, cb := range r.snapshot() {
		if cb.State() == state {
			keys = append(keys, cb.Key())
		}
	}
	sort.Strings(keys)
	return keys
}

// StateCount counts breakers per state. All three states are always present.
func (r *Registry) StateCount() map[CircuitState]int {
	counts := map[CircuitState]int{
		StateClosed:   0,
		StateOpen:     0,
		StateHalfOpen: 0,
	}
	for _, cb := range r.snapshot() {
		counts[cb.State()]++
	}
	return counts
}

// ResetAll force-closes every breaker
func (r *Registry) ResetAll() {
	for _, cb := range r.snapshot() {
		cb.Reset()
	}
}

// Subscribe attaches l to every current and future breaker in the registry
func (r *Registry) Subscribe(l Listener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.listeners = append(r.listeners, listenerEntry{id: id, fn: l})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, entry := range r.listeners {
			if entry.id == id {
				r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
				return
			}
		}
	}
}

// Dispose disposes every breaker and forgets them and all listeners
func (r *Registry) Dispose() {
	r.mu.Lock()
	breakers := r.breakers
	r.breakers = make(map[string]*CircuitBreaker)
	r.listeners = nil
	r.mu.Unlock()

	for _, cb := range breakers {
		cb.Dispose()
	}
}

func (r *Registry) dispatch(ev Event) {
	r.mu.RLock()
	listeners := make([]Listener, len(r.listeners))
	for i, entry := range r.listeners {
		listeners[i] = entry.fn
	}
	r.mu.RUnlock()

	for _, l := range listeners {
		notify(r.opts.Logger, l, ev)
	}
}

func (r *Registry) snapshot() []*CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb)
	}
	return out
}
