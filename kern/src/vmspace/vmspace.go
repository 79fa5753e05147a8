// Package vmspace implements the per-process address space and its
// fault-handling entry point, per spec.md §4.4. It is grounded on
// biscuit vm.Vm_t (the Lock_pmap/Unlock_pmap/Lockassert_pmap discipline,
// and Sys_pgfault's read/write-fault split) for structure, and on
// original_source/kern/vm/addrspace.c and mipsvm.c for the literal
// lifecycle operations and the TLB probe/write/random protocol.
//
// Per spec.md §9's note on global mutable state, the TLB and the
// pid→address-space resolver the coremap's evictor needs are not package
// globals: they are explicit context objects (Tlb_t, EvictorRegistry_t)
// constructed once at bootstrap and threaded through every call that
// needs them.
package vmspace

import (
	"coremap"
	"defs"
	"pagetable"
	"swapdev"
	"sync"

	"synch"
)

// NumTlb is the fixed number of hardware TLB slots (spec.md §6).
const NumTlb = 64

// tlbEntry is one simulated TLB line: the high word names the virtual
// page, the low word the physical frame plus VALID/DIRTY (spec.md §6).
type tlbEntry struct {
	vpage uint32
	valid bool
	dirty bool
	paddr coremap.Paddr
}

// Tlb_t is the (simulated) hardware translation cache, shared across
// every address space that is ever made current on this core. It is
// mutated only under its own short spinlock (spec.md §5 item 6).
type Tlb_t struct {
	mu    synch.Spinlock_t
	slots [NumTlb]tlbEntry
	next  int // next-fit cursor for tlb_random
}

func MkTlb() *Tlb_t { return &Tlb_t{} }

// probe finds the slot currently mapping vpage, if any.
func (t *Tlb_t) probe(vpage uint32) (int, bool) {
	for i := range t.slots {
		if t.slots[i].valid && t.slots[i].vpage == vpage {
			return i, true
		}
	}
	return -1, false
}

// Install writes or refreshes the TLB line for vpage, per spec.md §4.4's
// "writes use tlb_probe then tlb_write, or tlb_random if no existing
// slot matches."
func (t *Tlb_t) Install(vpage uint32, paddr coremap.Paddr, dirty bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.probe(vpage)
	if !ok {
		idx = t.next
		t.next = (t.next + 1) % NumTlb
	}
	t.slots[idx] = tlbEntry{vpage: vpage, valid: true, dirty: dirty, paddr: paddr}
}

// Invalidate clears the TLB line for vpage, if any (best-effort shootdown
// after an eviction, spec.md §4.2 Evictor).
func (t *Tlb_t) Invalidate(vpage uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx, ok := t.probe(vpage); ok {
		t.slots[idx] = tlbEntry{}
	}
}

// Flush invalidates every TLB line. activate() calls this unconditionally;
// spec.md §4.4 permits but does not require skipping the flush when the
// hardware's current ASID already matches, an optimization this
// simulation doesn't implement.
func (t *Tlb_t) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		t.slots[i] = tlbEntry{}
	}
}

func vpageOf(vaddr uintptr) uint32 {
	return uint32(vaddr >> 12)
}

// Vm_t is a process's address space: its page table plus the heap/stack
// extents and destruction bookkeeping spec.md §3 lists.
type Vm_t struct {
	pid defs.Pid_t
	pt  *pagetable.Pagetable_t
	cm  *coremap.Coremap_t
	sd  *swapdev.Swapdev_t

	mu        synch.Spinlock_t
	heapStart uintptr
	heapEnd   uintptr
	stackBase uintptr
	loading   bool

	destroyMu    synch.Sleeplock_t
	destroyCv    synch.Cv_t
	destroying   bool
	destroyCount int
}

// Create returns a fresh, empty address space for pid (spec.md §4.4).
func Create(pid defs.Pid_t, cm *coremap.Coremap_t, sd *swapdev.Swapdev_t) *Vm_t {
	return &Vm_t{
		pid: pid,
		pt:  pagetable.MkPagetable(pid, cm, sd),
		cm:  cm,
		sd:  sd,
	}
}

// Pid returns the owning pid.
func (as *Vm_t) Pid() defs.Pid_t { return as.pid }

// DefineRegion ensures a page-table entry exists for every page in
// [floor(vaddr), vaddr+size) and ORs in the requested RWX permissions,
// per spec.md §4.4. heap_start/heap_end are updated to sit immediately
// above this region — including when an earlier, larger region already
// extended further (see DESIGN.md: the literal per-call-overwrite
// behavior spec.md flags as an open question is preserved here rather
// than "fixed" to a running maximum, since no redesign flag asks for a
// different policy and region order is the caller's to control).
func (as *Vm_t) DefineRegion(vaddr uintptr, size int, r, w, x bool) defs.Err_t {
	const pgsize = 4096
	start := vaddr &^ (pgsize - 1)
	end := vaddr + uintptr(size)

	var flags pagetable.Flags
	if r {
		flags |= pagetable.READABLE
	}
	if w {
		flags |= pagetable.WRITEABLE
	}
	if x {
		flags |= pagetable.EXECUTABLE
	}

	for page := start; page < end; page += pgsize {
		if _, ok := as.pt.Lookup(page); ok {
			as.pt.OrPermission(page, flags)
		} else if _, err := as.pt.Pull(page, flags); err != 0 {
			return err
		}
	}

	as.mu.Lock()
	as.heapStart = end
	as.heapEnd = end
	as.mu.Unlock()
	return 0
}

// Sbrk grows the heap break and maps the newly-exposed pages RW, or, when
// amount is zero, just reports the current break without mutating anything
// (spec.md §6 lists sbrk among the syscall numbers; grounded on
// original_source/kern/syscall/sbrk.c, which reads the same heap_end field
// but never implements growth — this rewrite supplies the growth that
// stub left out using the same page-walk DefineRegion already uses).
// Shrinking is rejected: nothing in this core reclaims heap pages below
// the break outside of full address-space teardown.
func (as *Vm_t) Sbrk(amount int) (uintptr, defs.Err_t) {
	const pgsize = 4096
	as.mu.Lock()
	old := as.heapEnd
	if amount == 0 {
		as.mu.Unlock()
		return old, 0
	}
	if amount < 0 {
		as.mu.Unlock()
		return 0, -defs.EINVAL
	}
	newEnd := old + uintptr(amount)
	as.mu.Unlock()

	for page := old &^ (pgsize - 1); page < newEnd; page += pgsize {
		if _, ok := as.pt.Lookup(page); ok {
			continue
		}
		if _, err := as.pt.Pull(page, pagetable.READABLE|pagetable.WRITEABLE); err != 0 {
			return 0, err
		}
	}

	as.mu.Lock()
	as.heapEnd = newEnd
	as.mu.Unlock()
	return old, 0
}

// ReadUser copies n bytes out of this address space starting at vaddr, the
// counterpart to WriteUser, for the read/write syscalls' "kernel staging
// buffer" step (spec.md §4.6).
func (as *Vm_t) ReadUser(vaddr uintptr, n int) ([]byte, defs.Err_t) {
	const pgsize = 4096
	out := make([]byte, n)
	rest := out
	for len(rest) > 0 {
		page := vaddr &^ (pgsize - 1)
		off := int(vaddr - page)
		e, ok := as.pt.Lookup(page)
		if !ok || e.Flags()&pagetable.INMEM == 0 {
			return nil, -defs.EFAULT
		}
		n := pgsize - off
		if n > len(rest) {
			n = len(rest)
		}
		src := as.cm.Dmap(e.Resident())
		copy(rest[:n], src[off:off+n])
		rest = rest[n:]
		vaddr += uintptr(n)
	}
	return out, 0
}

// PrepareLoad / CompleteLoad bracket ELF segment population: while
// loading is true, writes to read-only pages succeed without a fault
// (spec.md §4.4). CompleteLoad flushes the TLB so read-only enforcement
// resumes.
func (as *Vm_t) PrepareLoad() {
	as.mu.Lock()
	as.loading = true
	as.mu.Unlock()
}

func (as *Vm_t) CompleteLoad(tlb *Tlb_t) {
	as.mu.Lock()
	as.loading = false
	as.mu.Unlock()
	tlb.Flush()
}

// DefineStack maps the three RW pages at the top of user space and
// returns the initial stack pointer, just below USERSTACK (spec.md
// §4.4). Heap extents are left untouched.
func (as *Vm_t) DefineStack(userstack uintptr) (uintptr, defs.Err_t) {
	const pgsize = 4096
	base := userstack - 3*pgsize

	as.mu.Lock()
	as.stackBase = base
	as.mu.Unlock()

	for page := base; page < userstack; page += pgsize {
		if _, err := as.pt.Pull(page, pagetable.READABLE|pagetable.WRITEABLE); err != 0 {
			return 0, err
		}
	}
	return userstack - 4, 0
}

// Activate flushes the TLB so this address space's translations take
// effect. The ASID-skip optimization spec.md §4.4 permits is not
// implemented.
func (as *Vm_t) Activate(tlb *Tlb_t) {
	tlb.Flush()
}

// WriteUser copies data into this address space starting at vaddr, one
// mapped page at a time via the coremap's direct map. Its callers are
// execv's "copies arguments back to user stack" step (spec.md §4.6), the
// image loader, and the read/waitpid syscalls' copy-out.
// vaddr..vaddr+len(data) must already be mapped and resident; a gap
// reports EFAULT rather than faulting the kernel in.
func (as *Vm_t) WriteUser(vaddr uintptr, data []byte) defs.Err_t {
	const pgsize = 4096
	for len(data) > 0 {
		page := vaddr &^ (pgsize - 1)
		off := int(vaddr - page)
		e, ok := as.pt.Lookup(page)
		if !ok || e.Flags()&pagetable.INMEM == 0 {
			return -defs.EFAULT
		}
		n := pgsize - off
		if n > len(data) {
			n = len(data)
		}
		dst := as.cm.Dmap(e.Resident())
		copy(dst[off:off+n], data[:n])
		data = data[n:]
		vaddr += uintptr(n)
	}
	return 0
}

// Destroy tears down the address space: marks it destroying, runs
// page_table.free_all, waits for every in-flight eviction the evictor
// must still acknowledge, then releases the table structure (spec.md
// §4.4).
func (as *Vm_t) Destroy() {
	as.destroyMu.Lock()
	as.destroying = true
	as.destroyMu.Unlock()

	pending := as.pt.FreeAll()

	as.destroyMu.Lock()
	as.destroyCount = pending
	for as.destroyCount > 0 {
		as.destroyCv.Wait(&as.destroyMu)
	}
	as.destroyMu.Unlock()

	as.pt.Destroy()
}

// Copy deep-copies old into a brand new address space for newPid,
// registering the new space with reg before copying so the evictor can
// resolve it mid-copy (spec.md §4.4). On failure the new address space is
// destroyed before the error is returned.
func Copy(old *Vm_t, newPid defs.Pid_t, reg *EvictorRegistry_t) (*Vm_t, defs.Err_t) {
	as := Create(newPid, old.cm, old.sd)
	reg.register(newPid, as)

	old.mu.Lock()
	as.heapStart, as.heapEnd, as.stackBase = old.heapStart, old.heapEnd, old.stackBase
	old.mu.Unlock()

	if err := pagetable.Copy(old.pt, as.pt); err != 0 {
		as.Destroy()
		reg.unregister(newPid)
		return nil, err
	}
	return as, 0
}

// VmFault is the trap entry point (spec.md §4.4). as is the faulting
// thread's current address space; tlb is the shared TLB context.
func VmFault(as *Vm_t, tlb *Tlb_t, kind defs.Faultkind, faultaddr uintptr, userstack uintptr) defs.Err_t {
	const pgsize = 4096
	if as == nil {
		return -defs.EFAULT
	}
	if faultaddr >= userstack {
		return -defs.EFAULT
	}
	page := faultaddr &^ (pgsize - 1)

	as.mu.Lock()
	loading := as.loading
	heapStart, heapEnd, stackBase := as.heapStart, as.heapEnd, as.stackBase
	as.mu.Unlock()

	if kind == defs.FaultRead || kind == defs.FaultExec {
		e, ok := as.pt.Lookup(page)
		if !ok {
			switch {
			case !loading && faultaddr < heapStart:
				return -defs.EFAULT
			case heapEnd < faultaddr && faultaddr < stackBase:
				as.mu.Lock()
				if faultaddr < as.stackBase {
					as.stackBase = page
				}
				as.mu.Unlock()
				if _, err := as.pt.Pull(page, pagetable.READABLE|pagetable.WRITEABLE); err != 0 {
					return err
				}
				e, ok = as.pt.Lookup(page)
				if !ok {
					panic("vmspace: pulled page vanished")
				}
			default:
				if _, err := as.pt.Pull(page, 0); err != 0 {
					return err
				}
				e, ok = as.pt.Lookup(page)
				if !ok {
					panic("vmspace: pulled page vanished")
				}
			}
		}
		for e.Flags()&pagetable.INMEM == 0 {
			if err := as.pt.SwapIn(e, page); err != 0 {
				return err
			}
		}
		tlb.Install(vpageOf(page), e.Resident(), false)
		return 0
	}

	// WRITE. Valid addresses are the mirror of the READ-fault invalid gap
	// above: anywhere at or below the heap break, or at or above the stack
	// base: the dead zone in between is the only thing ever rejected.
	if !loading && heapEnd < faultaddr && faultaddr < stackBase {
		return -defs.EFAULT
	}
	e, ok := as.pt.Lookup(page)
	if !ok {
		return -defs.EFAULT
	}
	for e.Flags()&pagetable.INMEM == 0 {
		if err := as.pt.SwapIn(e, page); err != 0 {
			return err
		}
	}
	paddr := e.Resident()
	if !as.cm.LockAcquire(paddr) {
		// Transient: an eviction is racing this frame. The mapping will
		// be re-established on the next trap (spec.md §4.4/§5).
		return 0
	}
	defer as.cm.LockRelease(paddr)

	if e.Flags()&pagetable.WRITEABLE == 0 && !loading {
		return -defs.EFAULT
	}
	paddr, _ = as.pt.MarkDirty(page)
	as.cm.MarkDirty(paddr)
	tlb.Install(vpageOf(page), paddr, true)
	return 0
}

// EvictorRegistry_t resolves a pid to its live address space for the
// coremap's eviction callback (spec.md §4.2 Evictor, §9 "cyclic
// ownership ... resolves them via the directory"). It is constructed
// once at bootstrap and registered with coremap.RegisterEvictor; it is
// deliberately not a package-level global so the wiring stays an
// explicit, inspectable context object.
type EvictorRegistry_t struct {
	mu    sync.Mutex
	table map[defs.Pid_t]*Vm_t
	tlb   *Tlb_t
}

func NewEvictorRegistry(tlb *Tlb_t) *EvictorRegistry_t {
	return &EvictorRegistry_t{table: make(map[defs.Pid_t]*Vm_t), tlb: tlb}
}

// Register installs an address space, making it visible to the evictor.
// Process creation (fork, execv) and Copy above call this as soon as the
// new address space exists.
func (r *EvictorRegistry_t) Register(pid defs.Pid_t, as *Vm_t) { r.register(pid, as) }

func (r *EvictorRegistry_t) register(pid defs.Pid_t, as *Vm_t) {
	r.mu.Lock()
	r.table[pid] = as
	r.mu.Unlock()
}

// Unregister removes an exiting or failed process's address space.
func (r *EvictorRegistry_t) Unregister(pid defs.Pid_t) { r.unregister(pid) }

func (r *EvictorRegistry_t) unregister(pid defs.Pid_t) {
	r.mu.Lock()
	delete(r.table, pid)
	r.mu.Unlock()
}

// Evict implements coremap.Evictor: it finishes writing back and
// invalidating the page-table entry behind an evicted frame, shoots down
// its TLB line, and — if the owning address space is mid-teardown and
// this was its last outstanding eviction — wakes Destroy's waiter.
func (r *EvictorRegistry_t) Evict(pid defs.Pid_t, vaddr uintptr, paddr coremap.Paddr, dirty bool) defs.Err_t {
	r.mu.Lock()
	as, ok := r.table[pid]
	r.mu.Unlock()
	if !ok {
		// The owning process is already gone; the frame is an orphan
		// with nothing left to write back to.
		return 0
	}

	destroyRequested, err := as.pt.CompleteEviction(vaddr)
	if err != 0 {
		return err
	}
	r.tlb.Invalidate(vpageOf(vaddr))

	if destroyRequested {
		as.destroyMu.Lock()
		as.destroyCount--
		as.destroyCv.Broadcast(&as.destroyMu)
		as.destroyMu.Unlock()
	}
	return 0
}
