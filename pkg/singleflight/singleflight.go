// Package singleflight coalesces duplicate concurrent work: the first
// caller for a key leads and computes, every overlapping caller follows
// and waits. Unlike result-sharing flavors of this pattern, followers do
// not adopt the leader's return value; they are released and expected to
// re-read whatever store the leader populated.
package singleflight

import (
	"context"
	"sync"
)

// Coordinator owns the in-flight key map. Callers interact only through
// guards, never through direct key lookups.
type Coordinator struct {
	mu      sync.Mutex
	flights map[string]*flight
}

type flight struct {
	done chan struct{}
	refs int
}

// New creates an empty coordinator.
func New() *Coordinator {
	return &Coordinator{flights: make(map[string]*flight)}
}

// Guard is one caller's handle on a key's flight. Every guard must be
// released exactly once; `defer g.Release()` immediately after Begin is
// the expected shape. Release on a leader that never notified still wakes
// all followers — this unconditional release is the invariant the whole
// package exists to guarantee.
type Guard struct {
	c      *Coordinator
	key    string
	f      *flight
	leader bool

	once sync.Once
}

// Begin joins the flight for key, creating it if absent. The creator is
// the leader; everyone else is a follower.
func (c *Coordinator) Begin(key string) *Guard {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.flights[key]
	if !ok {
		f = &flight{done: make(chan struct{})}
		c.flights[key] = f
	}
	f.refs++
	return &Guard{c: c, key: key, f: f, leader: !ok}
}

// Leader reports whether this guard should do the work.
func (g *Guard) Leader() bool { return g.leader }

// Wait blocks a follower until the leader notifies or releases, or until
// ctx is done. For a leader Wait returns immediately; leading and waiting
// on yourself would deadlock.
func (g *Guard) Wait(ctx context.Context) error {
	if g.leader {
		return nil
	}
	select {
	case <-g.f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify wakes all followers early, before the leader's guard is
// released. Followers joining after Notify pass Wait immediately. No-op
// for followers and on repeat calls.
func (g *Guard) Notify() {
	if !g.leader {
		return
	}
	g.once.Do(func() { close(g.f.done) })
}

// Release drops this guard's reference. A leader that never called Notify
// notifies here, so followers are released on every leader exit path.
// When the last reference goes, the key is removed and a later Begin
// starts a fresh flight. Safe to call multiple times; only the first does
// anything.
func (g *Guard) Release() {
	if g.c == nil {
		return
	}
	c := g.c
	g.c = nil

	g.Notify()

	c.mu.Lock()
	defer c.mu.Unlock()
	g.f.refs--
	if g.f.refs == 0 && c.flights[g.key] == g.f {
		delete(c.flights, g.key)
	}
}

// InFlight returns the number of keys with outstanding guards, for stats.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}
