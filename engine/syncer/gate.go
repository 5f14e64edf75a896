package syncer

import "sync"

// Gates hands out one RWMutex per collection. Resets hold the write side,
// searches the read side, so no search observes a collection between its
// delete and recreate.
type Gates struct {
	mu sync.Mutex
	m  map[string]*sync.RWMutex
}

// NewGates returns an empty gate set.
func NewGates() *Gates {
	return &Gates{m: make(map[string]*sync.RWMutex)}
}

func (g *Gates) get(name string) *sync.RWMutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.m[name]
	if !ok {
		l = &sync.RWMutex{}
		g.m[name] = l
	}
	return l
}

// RLock takes the read gate for name and returns its release.
func (g *Gates) RLock(name string) func() {
	l := g.get(name)
	l.RLock()
	return l.RUnlock
}

// Lock takes the write gate for name and returns its release.
func (g *Gates) Lock(name string) func() {
	l := g.get(name)
	l.Lock()
	return l.Unlock
}
