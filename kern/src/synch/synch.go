// Package synch fixes the contracts of the locking primitives spec.md §2
// and §5 assume are available from the generic kernel: a short, never-
// sleeping spinlock, a sleep-capable lock usable across I/O, and a
// condition variable. The teaching kernel embeds a bare sync.Mutex
// directly into structures that only ever need a sleep lock (vm.Vm_t
// embeds sync.Mutex for its pgmap lock); a second freestanding-kernel
// example in the same pack (sriharikapu-goos-e) instead gives its
// non-sleeping lock its own named type in a dedicated sync package. This
// package follows the second convention so that spinlock-vs-sleeplock is a
// type distinction the compiler enforces at every call site named in
// spec.md §5's lock-ordering table, rather than a comment.
package synch

import "sync"

// Spinlock_t is a short critical-section lock. Code holding one must never
// block: no I/O, no allocation, no acquiring a sleep lock. It is backed by
// sync.Mutex because this core has no interrupt-disable primitive of its
// own to offer (that is the scheduler's contract, assumed per spec.md §1);
// callers are responsible for keeping the critical section short enough
// that contention never matters.
type Spinlock_t struct {
	mu sync.Mutex
}

func (s *Spinlock_t) Lock()   { s.mu.Lock() }
func (s *Spinlock_t) Unlock() { s.mu.Unlock() }

// Sleeplock_t is a lock that may be held across I/O or allocation.
type Sleeplock_t struct {
	mu sync.Mutex
}

func (s *Sleeplock_t) Lock()   { s.mu.Lock() }
func (s *Sleeplock_t) Unlock() { s.mu.Unlock() }

// Cv_t is a condition variable paired with whatever lock its waiters hold
// (a Sleeplock_t in the common case, but the coremap also signals its CV
// from a path that only holds the short spinlock — spec.md §5 "Waking the
// coremap CV from interrupt bypasses the sleep lock"). It follows Go's
// usual sync.Cond contract: Wait releases the lock and reacquires it
// before returning.
type Cv_t struct {
	once sync.Once
	cond *sync.Cond
}

func (c *Cv_t) init(l sync.Locker) {
	c.once.Do(func() {
		c.cond = sync.NewCond(l)
	})
}

// Wait blocks on the CV. l must be held by the caller, and must be the same
// lock on every call for a given Cv_t.
func (c *Cv_t) Wait(l sync.Locker) {
	c.init(l)
	c.cond.Wait()
}

// Signal wakes one waiter.
func (c *Cv_t) Signal(l sync.Locker) {
	c.init(l)
	c.cond.Signal()
}

// Broadcast wakes all waiters.
func (c *Cv_t) Broadcast(l sync.Locker) {
	c.init(l)
	c.cond.Broadcast()
}
