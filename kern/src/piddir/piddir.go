// Package piddir implements the PID directory: the single owner of every
// live process, addressed by PID rather than pointer (spec.md §4.5, §9
// "cyclic ownership"). It is grounded on
// original_source/kern/include/pid.h and kern/proc/pid.c for the k=8
// dividing-tree shape and the "root reserves slot 0 for the kernel
// process" rule, but the traversal itself is rewritten: the C source
// keys a generic hash table by a pointer cast to a string (spec.md §9's
// "duck-typed collection reuse" note calls this out as a bug to fix), and
// its own tree walk recurses by linear-scanning stale local_pids entries.
// This rewrite instead gives every node a concrete [pidMin, pidMax]
// range at construction time and computes a slot index by direct
// arithmetic, so allocate/get/remove never need to scan sibling state to
// find the right branch. The payload type is a Go generic type
// parameter, not an interface{} cast, for the same reason.
package piddir

import (
	"defs"
	"limits"
	"sync"
	"synch"
)

const dirSize = limits.PID_DIR_SIZE

// node_t owns a contiguous PID range [pidMin, pidMax], divided into
// dirSize equal shares. Slot i's share is further divided into its own
// [pidMin, pidMax] range for the subtree rooted at subtrees[i], created
// lazily the first time that share is exhausted.
type node_t[T any] struct {
	pidMin, pidMax defs.Pid_t

	occupied [dirSize]bool
	pids     [dirSize]defs.Pid_t
	procs    [dirSize]T

	subtreeSizes [dirSize]int
	subtrees     [dirSize]*node_t[T]
}

// slotPid returns the PID that divides [pidMin, pidMax] into dirSize
// equal shares assigns to slot i.
func slotPid(pidMin, pidMax defs.Pid_t, i int) defs.Pid_t {
	span := pidMax - pidMin + 1
	return pidMin + defs.Pid_t(i)*span/dirSize
}

// slotRange returns the inclusive PID range owned by slot i's subtree.
// Slot i's own local pid is slotPid(pidMin, pidMax, i); the subtree starts
// one past it so a newly created subtree's own slot 0 can never be
// assigned the PID its parent already occupies at slot i.
func slotRange(pidMin, pidMax defs.Pid_t, i int) (defs.Pid_t, defs.Pid_t) {
	lo := slotPid(pidMin, pidMax, i) + 1
	hi := pidMax
	if i < dirSize-1 {
		hi = slotPid(pidMin, pidMax, i+1) - 1
	}
	return lo, hi
}

// slotFor finds which of the dirSize slots a PID in [pidMin, pidMax]
// falls under. PIDs outside the range clamp to the nearest edge slot (in
// particular this routes the reserved kernel PID 0, which sits below
// every node's pidMin, to slot 0 at the root — exactly where Create
// places it).
func slotFor(pidMin, pidMax, pid defs.Pid_t) int {
	span := pidMax - pidMin + 1
	// largest i with slotPid(pidMin, pidMax, i) <= pid
	idx := int(((pid-pidMin+1)*dirSize - 1) / span)
	if idx < 0 {
		idx = 0
	}
	if idx > dirSize-1 {
		idx = dirSize - 1
	}
	return idx
}

func mkNode[T any](pidMin, pidMax defs.Pid_t) *node_t[T] {
	n := &node_t[T]{pidMin: pidMin, pidMax: pidMax}
	for i := 0; i < dirSize; i++ {
		n.pids[i] = slotPid(pidMin, pidMax, i)
	}
	return n
}

func (n *node_t[T]) isEmpty() bool {
	for i := 0; i < dirSize; i++ {
		if n.occupied[i] || n.subtrees[i] != nil {
			return false
		}
	}
	return true
}

func (n *node_t[T]) allocate(proc T) (defs.Pid_t, defs.Err_t) {
	for i := 0; i < dirSize; i++ {
		if !n.occupied[i] {
			n.occupied[i] = true
			n.procs[i] = proc
			return n.pids[i], 0
		}
	}

	minIdx := 0
	for i := 1; i < dirSize; i++ {
		if n.subtreeSizes[i] < n.subtreeSizes[minIdx] {
			minIdx = i
		}
	}
	lo, hi := slotRange(n.pidMin, n.pidMax, minIdx)
	if lo > hi {
		return defs.NOPID, -defs.ENPROC
	}
	if n.subtrees[minIdx] == nil {
		n.subtrees[minIdx] = mkNode[T](lo, hi)
	}
	pid, err := n.subtrees[minIdx].allocate(proc)
	if err != 0 {
		return defs.NOPID, err
	}
	n.subtreeSizes[minIdx]++
	return pid, 0
}

func (n *node_t[T]) get(pid defs.Pid_t) (T, bool) {
	i := slotFor(n.pidMin, n.pidMax, pid)
	if n.occupied[i] && n.pids[i] == pid {
		return n.procs[i], true
	}
	if n.subtrees[i] == nil {
		var zero T
		return zero, false
	}
	return n.subtrees[i].get(pid)
}

func (n *node_t[T]) remove(pid defs.Pid_t) (T, bool) {
	i := slotFor(n.pidMin, n.pidMax, pid)
	if n.occupied[i] && n.pids[i] == pid {
		proc := n.procs[i]
		n.occupied[i] = false
		var zero T
		n.procs[i] = zero
		return proc, true
	}
	if n.subtrees[i] == nil {
		var zero T
		return zero, false
	}
	proc, ok := n.subtrees[i].remove(pid)
	if ok {
		n.subtreeSizes[i]--
		if n.subtreeSizes[i] == 0 && n.subtrees[i].isEmpty() {
			n.subtrees[i] = nil
		}
	}
	return proc, ok
}

// Piddir_t is the directory root plus the single lock that serializes
// every transaction spanning more than one of its primitives (spec.md
// §4.5: "several operations ... must span multiple primitives"). The
// source gives every tree node its own lock; this rewrite uses one
// directory-wide lock instead; see DESIGN.md.
type Piddir_t[T any] struct {
	mu   synch.Sleeplock_t
	root *node_t[T]
}

// Create initializes the directory with rootProc occupying the reserved
// kernel PID 0 (spec.md §4.5: "the root reserves slot 0 for the kernel
// process").
func Create[T any](rootProc T) *Piddir_t[T] {
	root := mkNode[T](defs.Pid_t(limits.PID_MIN), defs.Pid_t(limits.PID_MAX))
	root.pids[0] = 0
	root.occupied[0] = true
	root.procs[0] = rootProc
	return &Piddir_t[T]{root: root}
}

// Acquire and Release expose the directory lock so a caller can hold it
// across a multi-step transaction such as fork's allocate-then-link or
// waitpid's lookup-then-reap (spec.md §4.5).
func (d *Piddir_t[T]) Acquire() { d.mu.Lock() }
func (d *Piddir_t[T]) Release() { d.mu.Unlock() }

// Locker exposes the directory lock as a sync.Locker, for condition
// variables that must pair with it directly — a process's wait CV is
// signaled and waited on while the caller already holds this lock (spec.md
// §4.6: fork/waitpid/exit all run "holding the PID lock").
func (d *Piddir_t[T]) Locker() sync.Locker { return &d.mu }

// Allocate assigns the next PID to proc per the dividing-tree policy:
// use a free local slot if one exists, otherwise recurse into the
// least-populated subtree (spec.md §4.5). Caller must hold the directory
// lock.
func (d *Piddir_t[T]) Allocate(proc T) (defs.Pid_t, defs.Err_t) {
	return d.root.allocate(proc)
}

// Get looks up the process registered under pid. Caller must hold the
// directory lock.
func (d *Piddir_t[T]) Get(pid defs.Pid_t) (T, bool) {
	return d.root.get(pid)
}

// Remove detaches and returns the process registered under pid, pruning
// any subtree left empty by the removal. Caller must hold the directory
// lock.
func (d *Piddir_t[T]) Remove(pid defs.Pid_t) (T, bool) {
	return d.root.remove(pid)
}

// Destroy verifies the directory holds nothing but the reserved kernel
// slot; the directory itself is left intact. Panics if any other process
// is still registered (spec.md §4.5/§7: an invariant that must never fail
// at runtime).
func (d *Piddir_t[T]) Destroy() {
	for i := 0; i < dirSize; i++ {
		if (i > 0 && d.root.occupied[i]) || d.root.subtrees[i] != nil {
			panic("piddir: destroy with processes still registered")
		}
	}
}
