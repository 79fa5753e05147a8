// Package pagetable implements the per-process two-level virtual→physical
// map with swap, per spec.md §4.3. It is grounded on
// original_source/kern/include/pagetable.h for the flag bits
// (PAGETABLE_VALID/INMEM/DIRTY/REQUEST_FREE) and per-entry spinlock, and on
// biscuit vm.Vm_t's Lock_pmap/Unlock_pmap/Lockassert_pmap discipline for
// the table-wide structural lock that must never be held across I/O.
//
// Per spec.md §9's redesign flag, the several sites in the original that
// read "flags | CONSTANT" where "flags & CONSTANT" was clearly intended are
// not reproduced here: every flag test below is a bitwise AND.
package pagetable

import (
	"coremap"
	"defs"
	"swapdev"
	"synch"
)

// Flag bits for a page-table entry, per spec.md §3.
type Flags uint16

const (
	VALID Flags = 1 << iota
	INMEM
	DIRTY
	READABLE
	WRITEABLE
	EXECUTABLE
	REQUEST_FREE
	REQUEST_DESTROY
)

// split divides a 32-bit user virtual address into the two 1024-entry
// table indices spec.md §4.3 describes: the top 10 bits, then the next 10.
const (
	levelBits  = 10
	levelSize  = 1 << levelBits
	levelMask  = levelSize - 1
	pageShift  = 12
	midShift   = pageShift
	topShift   = midShift + levelBits
)

func split(vaddr uintptr) (top, mid int) {
	top = int((vaddr >> topShift) & levelMask)
	mid = int((vaddr >> midShift) & levelMask)
	return
}

// Pte_t is one page-table entry (spec.md §3). Its spinlock guards
// everything below the table's structural lock in the ordering table
// (spec.md §5 item 5). It is never taken while the table's structural lock
// is held. CompleteEviction and Copy hold it across the write-back of a
// dirty page to its swap slot; SwapIn does not hold it during its read.
type Pte_t struct {
	mu       synch.Spinlock_t
	resident coremap.Paddr
	swap     int
	hasSwap  bool
	flags    Flags
}

// Flags returns a lock-free snapshot of the entry's flags. Callers that
// need a consistent read-modify-write must take the entry's lock
// themselves via the table's methods below.
func (e *Pte_t) Flags() Flags { return e.flags }

// subtable_t is the second level: up to 1024 entries, gated by a present
// bitmap (spec.md §3's "two levels ... gated by a per-level present
// bitmap").
type subtable_t struct {
	present [levelSize]bool
	entries [levelSize]*Pte_t
}

// Pagetable_t is the per-process two-level map plus the structural lock
// that guards the table shape (which subtables and entries exist). The
// lock is sleep-capable — materializing a subtable or pulling a fresh page
// can recurse into the coremap allocator — but per spec.md §5 it is never
// held across I/O and never acquired while holding an entry spinlock or
// any coremap lock.
type Pagetable_t struct {
	mu      synch.Sleeplock_t
	present [levelSize]bool
	tables  [levelSize]*subtable_t

	pid defs.Pid_t
	cm  *coremap.Coremap_t
	sd  *swapdev.Swapdev_t
}

// MkPagetable creates an empty page table for the given owning pid.
func MkPagetable(pid defs.Pid_t, cm *coremap.Coremap_t, sd *swapdev.Swapdev_t) *Pagetable_t {
	return &Pagetable_t{pid: pid, cm: cm, sd: sd}
}

// Lookup extracts the top-10/next-10 bit indices and returns the entry at
// vaddr, or (nil, false) on a miss. The entry lock is held only for the
// VALID check: the returned pointer is a snapshot callers that mutate must
// re-lock. Per
// spec.md §9's redesign flag, an entry found with VALID clear is lazily
// invalidated (its fields zeroed) under its own spinlock rather than
// lock-free, unlike the source this was rewritten from.
func (pt *Pagetable_t) Lookup(vaddr uintptr) (*Pte_t, bool) {
	top, mid := split(vaddr)
	pt.mu.Lock()
	if !pt.present[top] {
		pt.mu.Unlock()
		return nil, false
	}
	sub := pt.tables[top]
	pt.mu.Unlock()

	if !sub.present[mid] {
		return nil, false
	}
	e := sub.entries[mid]
	e.mu.Lock()
	if e.flags&VALID == 0 {
		// zero every field except the lock, which is still held
		e.resident, e.swap, e.hasSwap, e.flags = 0, 0, false, 0
		e.mu.Unlock()
		return nil, false
	}
	e.mu.Unlock()
	return e, true
}

// materialize returns the subtable for top, allocating one if necessary.
// Allocation happens with the structural lock dropped (spec.md §4.3: "a
// sub-table happens outside the table lock"); a double-check after
// re-acquiring resolves a race by discarding the loser.
func (pt *Pagetable_t) materialize(top int) *subtable_t {
	pt.mu.Lock()
	if pt.present[top] {
		sub := pt.tables[top]
		pt.mu.Unlock()
		return sub
	}
	pt.mu.Unlock()

	fresh := &subtable_t{}

	pt.mu.Lock()
	defer pt.mu.Unlock()
	if pt.present[top] {
		// someone else materialized it first; discard fresh
		return pt.tables[top]
	}
	pt.tables[top] = fresh
	pt.present[top] = true
	return fresh
}

// add inserts or replaces the entry at vaddr with e.
func (pt *Pagetable_t) add(vaddr uintptr, e *Pte_t) {
	top, mid := split(vaddr)
	sub := pt.materialize(top)
	pt.mu.Lock()
	sub.entries[mid] = e
	sub.present[mid] = true
	pt.mu.Unlock()
}

// Add is the exported insert-or-replace operation named in spec.md §4.3.
func (pt *Pagetable_t) Add(vaddr uintptr, paddr coremap.Paddr, flags Flags) {
	e := &Pte_t{resident: paddr, flags: flags | VALID | INMEM}
	pt.add(vaddr, e)
}

// Pull allocates a fresh resident frame, records it under vaddr with the
// given permission flags, and reserves a swap slot for future eviction,
// per spec.md §4.3.
func (pt *Pagetable_t) Pull(vaddr uintptr, flags Flags) (coremap.Paddr, defs.Err_t) {
	paddr, err := pt.cm.Allocate(false, pt.pid, 1, vaddr, true)
	if err != 0 {
		return 0, err
	}
	slot, err := pt.sd.Allocate()
	if err != 0 {
		pt.cm.Free(paddr)
		return 0, err
	}
	e := &Pte_t{
		resident: paddr,
		swap:     slot,
		hasSwap:  true,
		flags:    flags | VALID | INMEM,
	}
	pt.add(vaddr, e)
	return paddr, 0
}

// SwapIn transitions e from not-INMEM to INMEM by reading its swap slot
// into a freshly chosen frame (spec.md §4.3). The entry spinlock is held
// across the final state changes only; the I/O itself runs with no lock
// held on the entry, matching spec.md §5's "suspension points" rule.
func (pt *Pagetable_t) SwapIn(e *Pte_t, vaddr uintptr) defs.Err_t {
	e.mu.Lock()
	slot := e.swap
	hasSwap := e.hasSwap
	e.mu.Unlock()
	if !hasSwap {
		panic("swap_in on an entry with no swap slot")
	}

	paddr, err := pt.cm.SwapPageInto(func(p coremap.Paddr) defs.Err_t {
		return pt.sd.ReadIn(pt.cm.Dmap(p), slot)
	}, pt.pid, vaddr)
	if err != 0 {
		return err
	}

	e.mu.Lock()
	e.resident = paddr
	e.flags |= INMEM
	e.flags &^= DIRTY
	e.mu.Unlock()

	pt.cm.LockRelease(paddr)
	return 0
}

// Remove unmaps vaddr. If the entry is resident and its coremap lock is
// obtainable, the frame and swap slot are freed immediately; otherwise
// REQUEST_FREE is set and the in-flight evictor completes the free later
// (spec.md §4.3).
func (pt *Pagetable_t) Remove(vaddr uintptr) {
	e, ok := pt.Lookup(vaddr)
	if !ok {
		return
	}
	e.mu.Lock()
	if e.flags&INMEM != 0 {
		paddr := e.resident
		if pt.cm.LockAcquire(paddr) {
			hasSwap := e.hasSwap
			slot := e.swap
			e.resident, e.swap, e.hasSwap, e.flags = 0, 0, false, 0
			e.mu.Unlock()
			pt.cm.Free(paddr)
			pt.cm.LockRelease(paddr)
			if hasSwap {
				pt.sd.Free(slot)
			}
			return
		}
	}
	e.flags |= REQUEST_FREE
	e.mu.Unlock()
}

// FreeAll starts a teardown pass over every valid entry: residents whose
// coremap lock can be obtained are freed immediately, as are entries
// already swapped out (their swap slot is released); the remaining
// residents are marked REQUEST_FREE|REQUEST_DESTROY and counted, so the
// caller knows how many in-flight evictions to wait for (spec.md §4.3).
func (pt *Pagetable_t) FreeAll() int {
	pending := 0
	for top := 0; top < levelSize; top++ {
		pt.mu.Lock()
		present := pt.present[top]
		var sub *subtable_t
		if present {
			sub = pt.tables[top]
		}
		pt.mu.Unlock()
		if !present {
			continue
		}
		for mid := 0; mid < levelSize; mid++ {
			if !sub.present[mid] {
				continue
			}
			e := sub.entries[mid]
			e.mu.Lock()
			if e.flags&VALID == 0 {
				e.mu.Unlock()
				continue
			}
			if e.flags&INMEM != 0 && pt.cm.LockAcquire(e.resident) {
				paddr := e.resident
				hasSwap := e.hasSwap
				slot := e.swap
				e.resident, e.swap, e.hasSwap, e.flags = 0, 0, false, 0
				e.mu.Unlock()
				pt.cm.Free(paddr)
				pt.cm.LockRelease(paddr)
				if hasSwap {
					pt.sd.Free(slot)
				}
				continue
			}
			if e.flags&INMEM == 0 && e.hasSwap {
				pt.sd.Free(e.swap)
				e.resident, e.swap, e.hasSwap, e.flags = 0, 0, false, 0
				e.mu.Unlock()
				continue
			}
			e.flags |= REQUEST_FREE | REQUEST_DESTROY
			e.mu.Unlock()
			pending++
		}
	}
	return pending
}

// Destroy releases the remaining table structure. It may only be called
// after FreeAll returned zero or the destruction reference count the
// address space tracks has reached zero.
func (pt *Pagetable_t) Destroy() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for i := range pt.tables {
		pt.tables[i] = nil
		pt.present[i] = false
	}
}

// Resident returns the entry's current frame address. Only meaningful
// while the entry's INMEM flag (per Flags()) is set.
func (e *Pte_t) Resident() coremap.Paddr { return e.resident }

// MarkDirty sets the DIRTY flag on the entry at vaddr and returns its
// current frame address, for the caller to also mark dirty at the
// coremap level (spec.md §4.4 vm_fault WRITE path).
func (pt *Pagetable_t) MarkDirty(vaddr uintptr) (coremap.Paddr, bool) {
	e, ok := pt.Lookup(vaddr)
	if !ok {
		return 0, false
	}
	e.mu.Lock()
	e.flags |= DIRTY
	paddr := e.resident
	e.mu.Unlock()
	return paddr, true
}

// OrPermission ORs the RWX bits of flags into the entry at vaddr, which
// must already exist. Used by define_region when a later call covers a
// vaddr an earlier call already mapped (spec.md §4.4).
func (pt *Pagetable_t) OrPermission(vaddr uintptr, flags Flags) {
	e, ok := pt.Lookup(vaddr)
	if !ok {
		panic("pagetable: OrPermission on an unmapped vaddr")
	}
	e.mu.Lock()
	e.flags |= flags & (READABLE | WRITEABLE | EXECUTABLE)
	e.mu.Unlock()
}

// CompleteEviction finishes reclaiming the frame mapped at vaddr on behalf
// of the coremap's evictor callback (spec.md §4.2 coremap_swap_page_out):
// writes the page back to its swap slot if dirty (allocating one if this
// entry never had one), clears INMEM, and — if the entry was concurrently
// marked REQUEST_FREE by Remove/FreeAll losing the coremap-lock race —
// finishes freeing the entry and its swap slot here instead of leaving it
// as a valid on-disk mapping. The caller (vmspace's evictor) is told
// whether REQUEST_DESTROY was set so it can account for an in-flight
// address-space teardown.
func (pt *Pagetable_t) CompleteEviction(vaddr uintptr) (destroyRequested bool, err defs.Err_t) {
	top, mid := split(vaddr)
	pt.mu.Lock()
	if !pt.present[top] {
		pt.mu.Unlock()
		return false, 0
	}
	sub := pt.tables[top]
	pt.mu.Unlock()
	if !sub.present[mid] {
		return false, 0
	}

	e := sub.entries[mid]
	e.mu.Lock()
	if e.flags&VALID == 0 || e.flags&INMEM == 0 {
		// already handled by a racing path
		e.mu.Unlock()
		return false, 0
	}
	if e.flags&DIRTY != 0 {
		if !e.hasSwap {
			slot, serr := pt.sd.Allocate()
			if serr != 0 {
				e.mu.Unlock()
				return false, serr
			}
			e.swap = slot
			e.hasSwap = true
		}
		if werr := pt.sd.WriteOut(pt.cm.Dmap(e.resident), e.swap); werr != 0 {
			e.mu.Unlock()
			return false, werr
		}
		e.flags &^= DIRTY
	}
	e.flags &^= INMEM

	if e.flags&REQUEST_FREE == 0 {
		e.mu.Unlock()
		return false, 0
	}
	destroyRequested = e.flags&REQUEST_DESTROY != 0
	hasSwap := e.hasSwap
	slot := e.swap
	e.resident, e.swap, e.hasSwap, e.flags = 0, 0, false, 0
	e.mu.Unlock()
	if hasSwap {
		pt.sd.Free(slot)
	}
	return destroyRequested, 0
}

// Copy produces a fully independent replica of old in pt, per the
// four-step algorithm in spec.md §4.3. Copy-on-write is deliberately not
// implemented (spec.md §8: "Copy-on-write is not required: parent and
// child diverge independently").
func Copy(old *Pagetable_t, newPt *Pagetable_t) defs.Err_t {
	for top := 0; top < levelSize; top++ {
		old.mu.Lock()
		present := old.present[top]
		var sub *subtable_t
		if present {
			sub = old.tables[top]
		}
		old.mu.Unlock()
		if !present {
			continue
		}
		for mid := 0; mid < levelSize; mid++ {
			if !sub.present[mid] {
				continue
			}
			e := sub.entries[mid]
			e.mu.Lock()
			if e.flags&VALID == 0 {
				e.mu.Unlock()
				continue
			}
			vaddr := uintptr(top)<<topShift | uintptr(mid)<<midShift
			flags := e.flags & (READABLE | WRITEABLE | EXECUTABLE)

			// Step 1: force dirty content out to its own slot first.
			if e.flags&INMEM != 0 && e.flags&DIRTY != 0 {
				if !e.hasSwap {
					slot, err := old.sd.Allocate()
					if err != 0 {
						e.mu.Unlock()
						return err
					}
					e.swap = slot
					e.hasSwap = true
				}
				if err := old.sd.WriteOut(old.cm.Dmap(e.resident), e.swap); err != 0 {
					e.mu.Unlock()
					return err
				}
				e.flags &^= DIRTY
			}
			hasSwap := e.hasSwap
			srcSlot := e.swap
			e.mu.Unlock()
			if !hasSwap {
				// entry was resident and clean with no backing
				// slot yet (freshly pulled, never written);
				// nothing to replicate from disk, so fall back
				// to copying the live frame's bytes directly.
			}

			// Step 2: allocate a fresh resident frame for the copy.
			newPaddr, err := newPt.cm.Allocate(false, newPt.pid, 1, vaddr, true)
			if err != 0 {
				return err
			}
			if hasSwap {
				if err := newPt.sd.ReadIn(newPt.cm.Dmap(newPaddr), srcSlot); err != 0 {
					newPt.cm.Free(newPaddr)
					return err
				}
			} else {
				copy(newPt.cm.Dmap(newPaddr), old.cm.Dmap(e.resident))
			}

			// Step 3: eagerly back the copy with its own slot too.
			newSlot, err := newPt.sd.Allocate()
			if err != 0 {
				newPt.cm.Free(newPaddr)
				return err
			}
			if err := newPt.sd.WriteOut(newPt.cm.Dmap(newPaddr), newSlot); err != 0 {
				newPt.cm.Free(newPaddr)
				newPt.sd.Free(newSlot)
				return err
			}

			ne := &Pte_t{
				resident: newPaddr,
				swap:     newSlot,
				hasSwap:  true,
				flags:    flags | VALID | INMEM,
			}
			newPt.add(vaddr, ne)
		}
	}
	return 0
}
