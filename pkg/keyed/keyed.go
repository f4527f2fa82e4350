// Package keyed provides a non-blocking mutual-exclusion guard keyed by
// string, used to keep at most one operation in flight per enrollment.
package keyed

import "sync"

// Guard holds a set of currently locked keys. The zero value is not usable;
// call New.
type Guard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// New creates an empty Guard.
func New() *Guard {
	return &Guard{held: make(map[string]struct{})}
}

// TryAcquire locks key if it is free. On success it returns a release
// function, which is safe to call more than once.
func (g *Guard) TryAcquire(key string) (release func(), ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.held[key]; busy {
		return nil, false
	}
	g.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, key)
			g.mu.Unlock()
		})
	}, true
}

// Held reports whether key is currently locked.
func (g *Guard) Held(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[key]
	return ok
}

// Len returns the number of locked keys.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.held)
}
